package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/tetherdev/tetherd/internal/chat/models"
	"github.com/tetherdev/tetherd/internal/db"
	"github.com/tetherdev/tetherd/internal/db/dialect"
	"github.com/tetherdev/tetherd/pkg/wire"
)

// Repository is the SQL-backed Store. It works against SQLite (default)
// and PostgreSQL through the shared dialect helpers. Writes go through
// the single-connection writer pool; reads use the concurrent reader.
type Repository struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// New creates a Repository on the given pool and initializes the schema.
func New(pool *db.Pool) (*Repository, error) {
	r := &Repository{db: pool.Writer(), ro: pool.Reader()}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize chat schema: %w", err)
	}
	return r, nil
}

// Close is a no-op; the pool is owned by the caller.
func (r *Repository) Close() error { return nil }

func (r *Repository) initSchema() error {
	_, err := r.db.Exec(`
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		tool TEXT NOT NULL,
		topic TEXT DEFAULT '',
		model TEXT DEFAULT '',
		mode TEXT NOT NULL DEFAULT 'agent',
		permission_mode TEXT NOT NULL DEFAULT 'default',
		project_path TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		session_id TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		last_activity TIMESTAMP NOT NULL,
		deleted_at TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		type TEXT NOT NULL,
		role TEXT DEFAULT '',
		content TEXT DEFAULT '',
		timestamp BIGINT NOT NULL,
		is_partial INTEGER NOT NULL DEFAULT 0,
		tool_id TEXT DEFAULT '',
		tool_name TEXT DEFAULT '',
		is_error INTEGER NOT NULL DEFAULT 0,
		metadata TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (conversation_id, id),
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation_ts ON messages(conversation_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_conversations_project_path ON conversations(project_path);
	CREATE INDEX IF NOT EXISTS idx_conversations_status ON conversations(status);
	CREATE INDEX IF NOT EXISTS idx_conversations_last_activity ON conversations(last_activity);
	`)
	return err
}

// Conversation operations

// CreateConversation inserts a new conversation row.
func (r *Repository) CreateConversation(ctx context.Context, c *models.Conversation) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = now
	}
	if c.LastActivity.IsZero() {
		c.LastActivity = now
	}
	if c.Status == "" {
		c.Status = models.StatusActive
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO conversations (id, tool, topic, model, mode, permission_mode, project_path, status, session_id, created_at, updated_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), c.ID, string(c.Tool), c.Topic, c.Model, string(c.Mode), string(c.PermissionMode),
		c.ProjectPath, string(c.Status), c.SessionID, c.CreatedAt, c.UpdatedAt, c.LastActivity)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("conversation %s: %w", c.ID, models.ErrConflict)
		}
		return err
	}
	return nil
}

const conversationColumns = `id, tool, topic, model, mode, permission_mode, project_path, status, session_id, created_at, updated_at, last_activity`

func scanConversation(row interface{ Scan(...any) error }) (*models.Conversation, error) {
	c := &models.Conversation{}
	var tool, mode, permissionMode, status string
	err := row.Scan(&c.ID, &tool, &c.Topic, &c.Model, &mode, &permissionMode,
		&c.ProjectPath, &status, &c.SessionID, &c.CreatedAt, &c.UpdatedAt, &c.LastActivity)
	if err != nil {
		return nil, err
	}
	c.Tool = models.Tool(tool)
	c.Mode = models.Mode(mode)
	c.PermissionMode = models.PermissionMode(permissionMode)
	c.Status = models.Status(status)
	return c, nil
}

// GetConversation retrieves a conversation by id. Tombstoned rows are
// not found.
func (r *Repository) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT `+conversationColumns+` FROM conversations WHERE id = ? AND deleted_at IS NULL
	`), id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conversation %s: %w", id, models.ErrNotFound)
	}
	return c, err
}

// UpdateConversation applies an atomic partial update.
func (r *Repository) UpdateConversation(ctx context.Context, id string, patch ConversationPatch) error {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}

	if patch.Topic != nil {
		sets = append(sets, "topic = ?")
		args = append(args, *patch.Topic)
	}
	if patch.Model != nil {
		sets = append(sets, "model = ?")
		args = append(args, *patch.Model)
	}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.SessionID != nil {
		sets = append(sets, "session_id = ?")
		args = append(args, *patch.SessionID)
	}
	if patch.LastActivity != nil {
		sets = append(sets, "last_activity = ?")
		args = append(args, patch.LastActivity.UTC())
	}

	args = append(args, id)
	result, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE conversations SET `+strings.Join(sets, ", ")+` WHERE id = ? AND deleted_at IS NULL`), args...)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("conversation %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// DeleteConversation tombstones a conversation and removes its
// messages. Idempotent: deleting again (or a missing id) succeeds.
func (r *Repository) DeleteConversation(ctx context.Context, id string) error {
	now := time.Now().UTC()
	if _, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE conversations SET status = ?, deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL
	`), string(models.StatusEnded), now, now, id); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM messages WHERE conversation_id = ?`), id)
	return err
}

// ListConversations returns non-deleted conversations matching the filter.
func (r *Repository) ListConversations(ctx context.Context, filter models.ConversationFilter) ([]*models.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE deleted_at IS NULL`
	var args []any
	if filter.ProjectPath != "" {
		query += " AND project_path = ?"
		args = append(args, filter.ProjectPath)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if !filter.ActiveSince.IsZero() {
		query += " AND last_activity >= ?"
		args = append(args, filter.ActiveSince.UTC())
	}
	query += " ORDER BY last_activity DESC"

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// Message operations

// AppendMessage inserts or upserts a block. See Store for semantics.
func (r *Repository) AppendMessage(ctx context.Context, conversationID string, block *wire.Block) error {
	var existingPartial int
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT is_partial FROM messages WHERE conversation_id = ? AND id = ?
	`), conversationID, block.ID).Scan(&existingPartial)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return r.insertMessage(ctx, conversationID, block)
	case err != nil:
		return err
	case existingPartial == 0:
		// Finalized blocks are terminal; redelivery is a no-op.
		return nil
	default:
		return r.updateMessage(ctx, conversationID, block)
	}
}

func (r *Repository) insertMessage(ctx context.Context, conversationID string, block *wire.Block) error {
	metadata, err := json.Marshal(block)
	if err != nil {
		return fmt.Errorf("failed to serialize block: %w", err)
	}
	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO messages (id, conversation_id, seq, type, role, content, timestamp, is_partial, tool_id, tool_name, is_error, metadata)
		VALUES (?, ?, (SELECT COALESCE(MAX(m.seq), 0) + 1 FROM messages m WHERE m.conversation_id = ?), ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), block.ID, conversationID, conversationID, string(block.Type), block.Role, block.Content,
		block.Timestamp, dialect.BoolToInt(block.IsPartial), block.ToolID, block.ToolName,
		dialect.BoolToInt(block.IsError), string(metadata))
	return err
}

func (r *Repository) updateMessage(ctx context.Context, conversationID string, block *wire.Block) error {
	existing, err := r.getMessage(ctx, conversationID, block.ID)
	if err != nil {
		return err
	}

	merged := block.Clone()
	// The first emission owns the timestamp.
	merged.Timestamp = existing.Timestamp
	// Last write wins on content; input keys merge.
	if len(existing.Input) > 0 {
		if merged.Input == nil {
			merged.Input = make(map[string]any, len(existing.Input))
		}
		for k, v := range existing.Input {
			if _, ok := merged.Input[k]; !ok {
				merged.Input[k] = v
			}
		}
	}

	metadata, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to serialize block: %w", err)
	}
	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE messages SET type = ?, role = ?, content = ?, is_partial = ?, tool_id = ?, tool_name = ?, is_error = ?, metadata = ?
		WHERE conversation_id = ? AND id = ?
	`), string(merged.Type), merged.Role, merged.Content, dialect.BoolToInt(merged.IsPartial),
		merged.ToolID, merged.ToolName, dialect.BoolToInt(merged.IsError), string(metadata),
		conversationID, merged.ID)
	return err
}

func (r *Repository) getMessage(ctx context.Context, conversationID, id string) (*wire.Block, error) {
	var metadata string
	var timestamp int64
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT timestamp, metadata FROM messages WHERE conversation_id = ? AND id = ?
	`), conversationID, id).Scan(&timestamp, &metadata)
	if err != nil {
		return nil, err
	}
	return decodeBlock(metadata, timestamp)
}

func decodeBlock(metadata string, timestamp int64) (*wire.Block, error) {
	block := &wire.Block{}
	if err := json.Unmarshal([]byte(metadata), block); err != nil {
		return nil, fmt.Errorf("failed to deserialize block: %w", err)
	}
	block.Timestamp = timestamp
	return block, nil
}

// GetMessages returns blocks ordered by (timestamp, insertion). With
// Before set, it returns the page immediately preceding that block id;
// with a Limit it returns the most recent Limit blocks of the range.
// The result is always in ascending order.
func (r *Repository) GetMessages(ctx context.Context, conversationID string, opts models.ListMessagesOptions) ([]*wire.Block, error) {
	query := `SELECT timestamp, metadata FROM messages WHERE conversation_id = ?`
	args := []any{conversationID}

	if opts.Before != "" {
		var cursorTS, cursorSeq int64
		err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
			SELECT timestamp, seq FROM messages WHERE conversation_id = ? AND id = ?
		`), conversationID, opts.Before).Scan(&cursorTS, &cursorSeq)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("message cursor %s: %w", opts.Before, models.ErrNotFound)
		}
		if err != nil {
			return nil, err
		}
		query += " AND (timestamp < ? OR (timestamp = ? AND seq < ?))"
		args = append(args, cursorTS, cursorTS, cursorSeq)
	}

	query += " ORDER BY timestamp DESC, seq DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var descending []*wire.Block
	for rows.Next() {
		var metadata string
		var timestamp int64
		if err := rows.Scan(&timestamp, &metadata); err != nil {
			return nil, err
		}
		block, err := decodeBlock(metadata, timestamp)
		if err != nil {
			return nil, err
		}
		descending = append(descending, block)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(descending)-1; i < j; i, j = i+1, j-1 {
		descending[i], descending[j] = descending[j], descending[i]
	}
	return descending, nil
}

// CopyMessages duplicates all messages of src under dst, preserving
// order and block ids.
func (r *Repository) CopyMessages(ctx context.Context, srcConversationID, dstConversationID string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO messages (id, conversation_id, seq, type, role, content, timestamp, is_partial, tool_id, tool_name, is_error, metadata)
		SELECT id, ?, seq, type, role, content, timestamp, is_partial, tool_id, tool_name, is_error, metadata
		FROM messages WHERE conversation_id = ?
	`), dstConversationID, srcConversationID)
	return err
}

// LastTextBlocks returns the most recent finalized text blocks in
// chronological order.
func (r *Repository) LastTextBlocks(ctx context.Context, conversationID string, limit int) ([]*wire.Block, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT timestamp, metadata FROM messages
		WHERE conversation_id = ? AND type = ? AND is_partial = 0
		ORDER BY timestamp DESC, seq DESC LIMIT ?
	`), conversationID, string(wire.BlockTypeText), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var descending []*wire.Block
	for rows.Next() {
		var metadata string
		var timestamp int64
		if err := rows.Scan(&timestamp, &metadata); err != nil {
			return nil, err
		}
		block, err := decodeBlock(metadata, timestamp)
		if err != nil {
			return nil, err
		}
		descending = append(descending, block)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(descending)-1; i < j; i, j = i+1, j-1 {
		descending[i], descending[j] = descending[j], descending[i]
	}
	return descending, nil
}

// MarkActiveSuspended flips every active conversation to suspended.
func (r *Repository) MarkActiveSuspended(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE conversations SET status = ?, updated_at = ? WHERE status = ? AND deleted_at IS NULL
	`), string(models.StatusSuspended), time.Now().UTC(), string(models.StatusActive))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// isUniqueViolation detects primary-key conflicts across both drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite3
		strings.Contains(msg, "duplicate key value") // postgres
}
