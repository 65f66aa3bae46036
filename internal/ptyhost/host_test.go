//go:build !windows

package ptyhost

import (
	"bytes"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/tetherdev/tetherd/internal/common/logger"
)

func TestSpawnCollectsOutputAndExitCode(t *testing.T) {
	h, err := Spawn(Spec{
		Argv: []string{"sh", "-c", "echo hello; exit 3"},
		Cols: 80,
		Rows: 24,
	}, nil)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer h.Close()

	var out bytes.Buffer
	for chunk := range h.Output() {
		out.Write(chunk)
	}

	select {
	case ev := <-h.Done():
		if ev.Code != 3 {
			t.Errorf("exit code = %d, want 3", ev.Code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for exit event")
	}

	if !bytes.Contains(out.Bytes(), []byte("hello")) {
		t.Errorf("output %q does not contain %q", out.String(), "hello")
	}
}

func TestWriteStdinReachesChild(t *testing.T) {
	h, err := Spawn(Spec{Argv: []string{"cat"}}, nil)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer h.Close()

	if _, err := h.WriteStdin([]byte("ping\n")); err != nil {
		t.Fatalf("WriteStdin failed: %v", err)
	}

	deadline := time.After(5 * time.Second)
	var out bytes.Buffer
	for {
		select {
		case chunk, ok := <-h.Output():
			if !ok {
				t.Fatalf("output closed before echo, got %q", out.String())
			}
			out.Write(chunk)
			if bytes.Contains(out.Bytes(), []byte("ping")) {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for echo, got %q", out.String())
		}
	}
}

func TestWriteStdinBackpressure(t *testing.T) {
	// sleep never reads stdin, so the queue fills and writes bounce.
	h, err := Spawn(Spec{Argv: []string{"sleep", "30"}}, nil)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer h.Close()

	payload := bytes.Repeat([]byte("x"), 1024)
	sawBackpressure := false
	for i := 0; i < writeQueueSize*4; i++ {
		if _, err := h.WriteStdin(payload); err == ErrBackpressure {
			sawBackpressure = true
			break
		}
	}
	if !sawBackpressure {
		t.Skip("pty drained all writes; backpressure not observable here")
	}
}

func TestResizeValidation(t *testing.T) {
	h, err := Spawn(Spec{Argv: []string{"sleep", "5"}}, nil)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer h.Close()

	if err := h.Resize(0, 24); err == nil {
		t.Error("Resize(0, 24) should fail")
	}
	if err := h.Resize(120, 40); err != nil {
		t.Errorf("Resize(120, 40) failed: %v", err)
	}
}

func TestProcAttrLeavesProcessGroupToPTY(t *testing.T) {
	cmd := exec.Command("true")
	setProcAttr(cmd)
	if cmd.SysProcAttr == nil {
		t.Fatal("SysProcAttr not set")
	}
	// The PTY start makes the child a session leader via Setsid; an
	// extra Setpgid makes fork/exec fail with EPERM.
	if cmd.SysProcAttr.Setpgid {
		t.Error("Setpgid must stay unset, the PTY start owns group setup")
	}
}

// brokenPTY fails every stdin write, as a PTY does once the child side
// is gone.
type brokenPTY struct{}

func (p *brokenPTY) Read(b []byte) (int, error) { select {} }

func (p *brokenPTY) Write(b []byte) (int, error) { return 0, errors.New("input/output error") }

func (p *brokenPTY) Close() error { return nil }

func (p *brokenPTY) Resize(cols, rows uint16) error { return nil }

func TestStdinWriteErrorClosesHandle(t *testing.T) {
	h := &Handle{
		cmd:    exec.Command("true"),
		cpty:   &brokenPTY{},
		log:    logger.Default(),
		output: make(chan []byte, 1),
		writes: make(chan []byte, writeQueueSize),
		done:   make(chan ExitEvent, 1),
		closed: make(chan struct{}),
	}
	go h.writeLoop()

	if _, err := h.WriteStdin([]byte("x")); err != nil {
		t.Fatalf("WriteStdin failed: %v", err)
	}
	select {
	case <-h.closed:
	case <-time.After(time.Second):
		t.Fatal("handle stayed open after stdin write error")
	}
	if _, err := h.WriteStdin([]byte("y")); err != ErrClosed {
		t.Errorf("WriteStdin after write error = %v, want ErrClosed", err)
	}
}

func TestCloseAfterExit(t *testing.T) {
	h, err := Spawn(Spec{Argv: []string{"true"}}, nil)
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	<-h.Done()
	if err := h.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if _, err := h.WriteStdin([]byte("x")); err != ErrClosed {
		t.Errorf("WriteStdin after close = %v, want ErrClosed", err)
	}
}
