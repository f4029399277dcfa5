// Package sqlitestore implements session.Store on top of a local SQLite
// file via modernc.org/sqlite, the pure-Go driver the teacher's sibling repo
// (houzhh15-mote's internal/storage) uses for the same reason this package
// does: no cgo toolchain required to deploy a single-node turn-loop runner.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ravensworth/turnloop/internal/session"
	"github.com/ravensworth/turnloop/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	conversation_key TEXT PRIMARY KEY,
	id TEXT NOT NULL,
	channel TEXT NOT NULL,
	channel_id TEXT NOT NULL,
	metadata TEXT,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_channel_id ON sessions(channel_id, updated_at);

CREATE TABLE IF NOT EXISTS session_messages (
	conversation_key TEXT NOT NULL REFERENCES sessions(conversation_key) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	id TEXT,
	role TEXT NOT NULL,
	content TEXT,
	timestamp TIMESTAMP,
	tool_calls TEXT,
	tool_call_id TEXT,
	tool_name TEXT,
	attachments TEXT,
	metadata TEXT,
	provider_fields TEXT,
	PRIMARY KEY (conversation_key, seq)
);
`

// Store is a session.Store backed by a SQLite file.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and opens the database file at path, running the
// schema migration and configuring the connection pool the way mote's
// internal/storage.Open does: WAL journal mode plus a generous busy_timeout
// so concurrent tool execution doesn't trip SQLITE_BUSY, and a small pool
// since SQLite allows only one writer at a time regardless of pool size.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlitestore: path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlitestore: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", buildDSN(path))
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: ping: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

func buildDSN(path string) string {
	v := url.Values{}
	v.Set("_pragma", "journal_mode=WAL")
	v.Add("_pragma", "foreign_keys=ON")
	v.Add("_pragma", "busy_timeout=30000")
	v.Add("_pragma", "synchronous=NORMAL")
	v.Add("_txlock", "immediate")
	return path + "?" + v.Encode()
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

var _ session.Store = (*Store)(nil)

func (s *Store) Load(ctx context.Context, conversationKey string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel, channel_id, metadata, created_at, updated_at
		FROM sessions WHERE conversation_key = ?
	`, conversationKey)

	sess := &models.Session{ConversationKey: conversationKey}
	var metadataJSON sql.NullString
	if err := row.Scan(&sess.ID, &sess.Channel, &sess.ChannelID, &metadataJSON, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, session.ErrNotFound
		}
		return nil, fmt.Errorf("sqlitestore: load session: %w", err)
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &sess.Metadata); err != nil {
			return nil, fmt.Errorf("sqlitestore: unmarshal session metadata: %w", err)
		}
	}

	messages, err := s.loadMessages(ctx, conversationKey)
	if err != nil {
		return nil, err
	}
	sess.Messages = messages
	return sess, nil
}

func (s *Store) loadMessages(ctx context.Context, conversationKey string) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, content, timestamp, tool_calls, tool_call_id, tool_name, attachments, metadata, provider_fields
		FROM session_messages WHERE conversation_key = ? ORDER BY seq ASC
	`, conversationKey)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: load messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		msg, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlitestore: iterate messages: %w", err)
	}
	return messages, nil
}

type scanFunc func(dest ...any) error

func scanMessage(scan scanFunc) (models.Message, error) {
	var msg models.Message
	var toolCallsJSON, attachmentsJSON, metadataJSON, providerFieldsJSON sql.NullString
	if err := scan(&msg.ID, &msg.Role, &msg.Content, &msg.Timestamp, &toolCallsJSON, &msg.ToolCallID, &msg.ToolName, &attachmentsJSON, &metadataJSON, &providerFieldsJSON); err != nil {
		return msg, fmt.Errorf("sqlitestore: scan message: %w", err)
	}
	if err := unmarshalIfSet(toolCallsJSON, &msg.ToolCalls); err != nil {
		return msg, fmt.Errorf("sqlitestore: unmarshal tool_calls: %w", err)
	}
	if err := unmarshalIfSet(attachmentsJSON, &msg.Attachments); err != nil {
		return msg, fmt.Errorf("sqlitestore: unmarshal attachments: %w", err)
	}
	if err := unmarshalIfSet(metadataJSON, &msg.Metadata); err != nil {
		return msg, fmt.Errorf("sqlitestore: unmarshal message metadata: %w", err)
	}
	if err := unmarshalIfSet(providerFieldsJSON, &msg.ProviderFields); err != nil {
		return msg, fmt.Errorf("sqlitestore: unmarshal provider_fields: %w", err)
	}
	return msg, nil
}

func unmarshalIfSet(col sql.NullString, dest any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), dest)
}

func (s *Store) Append(ctx context.Context, conversationKey string, messages []models.Message) error {
	if len(messages) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE conversation_key = ?`, conversationKey).Scan(&exists); err == sql.ErrNoRows {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (conversation_key, id, channel, channel_id, metadata, created_at, updated_at)
			VALUES (?, ?, '', '', '{}', ?, ?)
		`, conversationKey, conversationKey, now, now); err != nil {
			return fmt.Errorf("sqlitestore: create session: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("sqlitestore: check session: %w", err)
	}

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM session_messages WHERE conversation_key = ?`, conversationKey).Scan(&maxSeq); err != nil {
		return fmt.Errorf("sqlitestore: max seq: %w", err)
	}
	next := int(maxSeq.Int64) + 1

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO session_messages (conversation_key, seq, id, role, content, timestamp, tool_calls, tool_call_id, tool_name, attachments, metadata, provider_fields)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("sqlitestore: prepare insert message: %w", err)
	}
	defer stmt.Close()

	for i, msg := range messages {
		if err := insertMessage(ctx, stmt, conversationKey, next+i, msg); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE conversation_key = ?`, now, conversationKey); err != nil {
		return fmt.Errorf("sqlitestore: touch session: %w", err)
	}

	return tx.Commit()
}

func insertMessage(ctx context.Context, stmt *sql.Stmt, conversationKey string, seq int, msg models.Message) error {
	toolCallsJSON, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal tool_calls: %w", err)
	}
	attachmentsJSON, err := json.Marshal(msg.Attachments)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal attachments: %w", err)
	}
	metadataJSON, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal message metadata: %w", err)
	}
	providerFieldsJSON, err := json.Marshal(msg.ProviderFields)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal provider_fields: %w", err)
	}

	_, err = stmt.ExecContext(ctx, conversationKey, seq, msg.ID, msg.Role, msg.Content, msg.Timestamp,
		string(toolCallsJSON), msg.ToolCallID, msg.ToolName, string(attachmentsJSON), string(metadataJSON), string(providerFieldsJSON))
	if err != nil {
		return fmt.Errorf("sqlitestore: insert message: %w", err)
	}
	return nil
}

// ReplacePrefix deletes the first prefixLen rows (by seq), rebases the
// remaining rows' seq down by prefixLen, and inserts summary at seq -1 so it
// sorts before everything that's left — avoiding a full renumber of the
// surviving tail on every compaction.
func (s *Store) ReplacePrefix(ctx context.Context, conversationKey string, prefixLen int, summary models.Message) error {
	if prefixLen < 0 {
		return fmt.Errorf("sqlitestore: prefixLen out of range: %d", prefixLen)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitestore: begin replace prefix: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM sessions WHERE conversation_key = ?`, conversationKey).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return session.ErrNotFound
		}
		return fmt.Errorf("sqlitestore: check session: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM session_messages WHERE conversation_key = ?`, conversationKey).Scan(&count); err != nil {
		return fmt.Errorf("sqlitestore: count messages: %w", err)
	}
	if prefixLen > count {
		return fmt.Errorf("sqlitestore: prefixLen %d exceeds message count %d", prefixLen, count)
	}

	rows, err := tx.QueryContext(ctx, `SELECT seq FROM session_messages WHERE conversation_key = ? ORDER BY seq ASC LIMIT ?`, conversationKey, prefixLen)
	if err != nil {
		return fmt.Errorf("sqlitestore: select prefix seqs: %w", err)
	}
	var cutoff int64 = -1
	for rows.Next() {
		if err := rows.Scan(&cutoff); err != nil {
			rows.Close()
			return fmt.Errorf("sqlitestore: scan prefix seq: %w", err)
		}
	}
	rows.Close()

	if prefixLen > 0 {
		if _, err := tx.ExecContext(ctx, `DELETE FROM session_messages WHERE conversation_key = ? AND seq <= ?`, conversationKey, cutoff); err != nil {
			return fmt.Errorf("sqlitestore: delete prefix: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE session_messages SET seq = seq - ? WHERE conversation_key = ?`, cutoff+1, conversationKey); err != nil {
			return fmt.Errorf("sqlitestore: rebase seq: %w", err)
		}
	}

	summaryStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO session_messages (conversation_key, seq, id, role, content, timestamp, tool_calls, tool_call_id, tool_name, attachments, metadata, provider_fields)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("sqlitestore: prepare summary insert: %w", err)
	}
	defer summaryStmt.Close()
	if err := insertMessage(ctx, summaryStmt, conversationKey, -1, summary); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE conversation_key = ?`, time.Now(), conversationKey); err != nil {
		return fmt.Errorf("sqlitestore: touch session: %w", err)
	}

	return tx.Commit()
}

func (s *Store) ListRecent(ctx context.Context, chatID string, limit int) ([]*models.Session, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT conversation_key, id, channel, channel_id, metadata, created_at, updated_at FROM sessions`
	args := []any{}
	if chatID != "" {
		query += ` WHERE channel_id = ?`
		args = append(args, chatID)
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list recent: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		sess := &models.Session{}
		var metadataJSON sql.NullString
		if err := rows.Scan(&sess.ConversationKey, &sess.ID, &sess.Channel, &sess.ChannelID, &metadataJSON, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan session: %w", err)
		}
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &sess.Metadata); err != nil {
				return nil, fmt.Errorf("sqlitestore: unmarshal session metadata: %w", err)
			}
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlitestore: iterate sessions: %w", err)
	}

	for _, sess := range out {
		messages, err := s.loadMessages(ctx, sess.ConversationKey)
		if err != nil {
			return nil, err
		}
		sess.Messages = messages
	}
	return out, nil
}
