package history

import (
	"fmt"
	"testing"

	"github.com/tetherdev/tetherd/pkg/wire"
)

func textBlock(id, content string) *wire.Block {
	return &wire.Block{ID: id, Type: wire.BlockTypeText, Content: content}
}

func TestAppendAndSnapshot(t *testing.T) {
	b := NewBuffer(10)
	b.Append("c1", textBlock("1", "one"))
	b.Append("c1", textBlock("2", "two"))
	b.Append("c2", textBlock("3", "other"))

	snap := b.Snapshot("c1")
	if len(snap) != 2 {
		t.Fatalf("snapshot length = %d, want 2", len(snap))
	}
	if snap[0].ID != "1" || snap[1].ID != "2" {
		t.Errorf("wrong order: %s, %s", snap[0].ID, snap[1].ID)
	}

	// Snapshot returns copies; mutating them must not leak back.
	snap[0].Content = "mutated"
	if b.Snapshot("c1")[0].Content != "one" {
		t.Error("snapshot aliases buffered block")
	}
}

func TestAppendReplacesSameID(t *testing.T) {
	b := NewBuffer(10)
	partial := textBlock("1", "Hel")
	partial.IsPartial = true
	b.Append("c1", partial)

	final := textBlock("1", "Hello")
	b.Append("c1", final)

	snap := b.Snapshot("c1")
	if len(snap) != 1 {
		t.Fatalf("snapshot length = %d, want 1 (same id replaces)", len(snap))
	}
	if snap[0].Content != "Hello" || snap[0].IsPartial {
		t.Errorf("replay must carry the latest state: %+v", snap[0])
	}
}

func TestEvictionKeepsNewest(t *testing.T) {
	b := NewBuffer(3)
	for i := 0; i < 5; i++ {
		b.Append("c1", textBlock(fmt.Sprintf("%d", i), "x"))
	}

	snap := b.Snapshot("c1")
	if len(snap) != 3 {
		t.Fatalf("snapshot length = %d, want cap 3", len(snap))
	}
	for i, want := range []string{"2", "3", "4"} {
		if snap[i].ID != want {
			t.Errorf("snap[%d].ID = %s, want %s", i, snap[i].ID, want)
		}
	}
}

func TestDrop(t *testing.T) {
	b := NewBuffer(10)
	b.Append("c1", textBlock("1", "x"))
	b.Drop("c1")
	if b.Len("c1") != 0 {
		t.Errorf("Len after drop = %d, want 0", b.Len("c1"))
	}
	if len(b.Snapshot("c1")) != 0 {
		t.Error("snapshot after drop not empty")
	}
}
