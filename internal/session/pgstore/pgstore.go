// Package pgstore implements session.Store against Postgres/CockroachDB via
// github.com/lib/pq, grounded directly on the teacher's
// internal/sessions.CockroachStore: prepared statements reused across calls,
// a transaction around the two-table message/session write, JSON columns
// for the open-ended Metadata/ToolCalls/Attachments fields.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/ravensworth/turnloop/internal/session"
	"github.com/ravensworth/turnloop/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	conversation_key TEXT PRIMARY KEY,
	id TEXT NOT NULL,
	channel TEXT NOT NULL,
	channel_id TEXT NOT NULL,
	metadata JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_channel_id ON sessions(channel_id, updated_at);

CREATE TABLE IF NOT EXISTS session_messages (
	conversation_key TEXT NOT NULL REFERENCES sessions(conversation_key) ON DELETE CASCADE,
	seq INTEGER NOT NULL,
	id TEXT,
	role TEXT NOT NULL,
	content TEXT,
	timestamp TIMESTAMPTZ,
	tool_calls JSONB,
	tool_call_id TEXT,
	tool_name TEXT,
	attachments JSONB,
	metadata JSONB,
	provider_fields JSONB,
	PRIMARY KEY (conversation_key, seq)
);
`

// Config holds the connection parameters NewStore needs, mirroring the
// teacher's CockroachConfig shape.
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultConfig mirrors the teacher's DefaultCockroachConfig defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            26257,
		User:            "root",
		Database:        "turnloop",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// Store is a session.Store backed by Postgres/CockroachDB.
type Store struct {
	db *sql.DB

	stmtSessionExists *sql.Stmt
	stmtCreateSession *sql.Stmt
	stmtGetSession    *sql.Stmt
	stmtTouchSession  *sql.Stmt
	stmtGetMessages   *sql.Stmt
	stmtInsertMessage *sql.Stmt
	stmtMaxSeq        *sql.Stmt
	stmtListSessions  *sql.Stmt
}

// Open connects to Postgres/CockroachDB using cfg, runs the schema
// migration, and prepares the statements every method reuses.
func Open(cfg Config) (*Store, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode, int(cfg.ConnectTimeout.Seconds()),
	)
	return OpenDSN(dsn, cfg)
}

// OpenDSN connects using a raw DSN/URL, for callers that already have one
// (e.g. a managed Postgres connection string) rather than discrete fields.
func OpenDSN(dsn string, cfg Config) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pgstore: dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgstore: migrate: %w", err)
	}

	s := &Store{db: db}
	if err := s.prepareStatements(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pgstore: prepare statements: %w", err)
	}
	return s, nil
}

func (s *Store) prepareStatements() error {
	var err error
	if s.stmtSessionExists, err = s.db.Prepare(`SELECT 1 FROM sessions WHERE conversation_key = $1`); err != nil {
		return err
	}
	if s.stmtCreateSession, err = s.db.Prepare(`
		INSERT INTO sessions (conversation_key, id, channel, channel_id, metadata, created_at, updated_at)
		VALUES ($1, $2, '', '', '{}', $3, $4)
	`); err != nil {
		return err
	}
	if s.stmtGetSession, err = s.db.Prepare(`
		SELECT id, channel, channel_id, metadata, created_at, updated_at FROM sessions WHERE conversation_key = $1
	`); err != nil {
		return err
	}
	if s.stmtTouchSession, err = s.db.Prepare(`UPDATE sessions SET updated_at = $1 WHERE conversation_key = $2`); err != nil {
		return err
	}
	if s.stmtGetMessages, err = s.db.Prepare(`
		SELECT id, role, content, timestamp, tool_calls, tool_call_id, tool_name, attachments, metadata, provider_fields
		FROM session_messages WHERE conversation_key = $1 ORDER BY seq ASC
	`); err != nil {
		return err
	}
	if s.stmtInsertMessage, err = s.db.Prepare(`
		INSERT INTO session_messages (conversation_key, seq, id, role, content, timestamp, tool_calls, tool_call_id, tool_name, attachments, metadata, provider_fields)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`); err != nil {
		return err
	}
	if s.stmtMaxSeq, err = s.db.Prepare(`SELECT COALESCE(MAX(seq), 0) FROM session_messages WHERE conversation_key = $1`); err != nil {
		return err
	}
	if s.stmtListSessions, err = s.db.Prepare(`
		SELECT conversation_key, id, channel, channel_id, metadata, created_at, updated_at
		FROM sessions WHERE ($1 = '' OR channel_id = $1) ORDER BY updated_at DESC LIMIT $2
	`); err != nil {
		return err
	}
	return nil
}

// Close closes every prepared statement and the underlying connection.
func (s *Store) Close() error {
	stmts := []*sql.Stmt{
		s.stmtSessionExists, s.stmtCreateSession, s.stmtGetSession, s.stmtTouchSession,
		s.stmtGetMessages, s.stmtInsertMessage, s.stmtMaxSeq, s.stmtListSessions,
	}
	var errs []error
	for _, stmt := range stmts {
		if stmt != nil {
			if err := stmt.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("pgstore: errors closing store: %v", errs)
	}
	return nil
}

var _ session.Store = (*Store)(nil)

func (s *Store) Load(ctx context.Context, conversationKey string) (*models.Session, error) {
	sess := &models.Session{ConversationKey: conversationKey}
	var metadataJSON []byte
	err := s.stmtGetSession.QueryRowContext(ctx, conversationKey).Scan(
		&sess.ID, &sess.Channel, &sess.ChannelID, &metadataJSON, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: load session: %w", err)
	}
	if err := unmarshalJSONB(metadataJSON, &sess.Metadata); err != nil {
		return nil, fmt.Errorf("pgstore: unmarshal session metadata: %w", err)
	}

	messages, err := s.loadMessages(ctx, conversationKey)
	if err != nil {
		return nil, err
	}
	sess.Messages = messages
	return sess, nil
}

func (s *Store) loadMessages(ctx context.Context, conversationKey string) ([]models.Message, error) {
	rows, err := s.stmtGetMessages.QueryContext(ctx, conversationKey)
	if err != nil {
		return nil, fmt.Errorf("pgstore: load messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var msg models.Message
		var toolCallsJSON, attachmentsJSON, metadataJSON, providerFieldsJSON []byte
		if err := rows.Scan(&msg.ID, &msg.Role, &msg.Content, &msg.Timestamp, &toolCallsJSON, &msg.ToolCallID, &msg.ToolName, &attachmentsJSON, &metadataJSON, &providerFieldsJSON); err != nil {
			return nil, fmt.Errorf("pgstore: scan message: %w", err)
		}
		if err := unmarshalJSONB(toolCallsJSON, &msg.ToolCalls); err != nil {
			return nil, fmt.Errorf("pgstore: unmarshal tool_calls: %w", err)
		}
		if err := unmarshalJSONB(attachmentsJSON, &msg.Attachments); err != nil {
			return nil, fmt.Errorf("pgstore: unmarshal attachments: %w", err)
		}
		if err := unmarshalJSONB(metadataJSON, &msg.Metadata); err != nil {
			return nil, fmt.Errorf("pgstore: unmarshal message metadata: %w", err)
		}
		if err := unmarshalJSONB(providerFieldsJSON, &msg.ProviderFields); err != nil {
			return nil, fmt.Errorf("pgstore: unmarshal provider_fields: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: iterate messages: %w", err)
	}
	return messages, nil
}

func unmarshalJSONB(raw []byte, dest any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dest)
}

func (s *Store) Append(ctx context.Context, conversationKey string, messages []models.Message) error {
	if len(messages) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgstore: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	var exists int
	err = tx.StmtContext(ctx, s.stmtSessionExists).QueryRowContext(ctx, conversationKey).Scan(&exists)
	if err == sql.ErrNoRows {
		if _, err := tx.StmtContext(ctx, s.stmtCreateSession).ExecContext(ctx, conversationKey, conversationKey, now, now); err != nil {
			return fmt.Errorf("pgstore: create session: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("pgstore: check session: %w", err)
	}

	var maxSeq int
	if err := tx.StmtContext(ctx, s.stmtMaxSeq).QueryRowContext(ctx, conversationKey).Scan(&maxSeq); err != nil {
		return fmt.Errorf("pgstore: max seq: %w", err)
	}

	insertStmt := tx.StmtContext(ctx, s.stmtInsertMessage)
	for i, msg := range messages {
		if err := insertMessage(ctx, insertStmt, conversationKey, maxSeq+1+i, msg); err != nil {
			return err
		}
	}

	if _, err := tx.StmtContext(ctx, s.stmtTouchSession).ExecContext(ctx, now, conversationKey); err != nil {
		return fmt.Errorf("pgstore: touch session: %w", err)
	}

	return tx.Commit()
}

func insertMessage(ctx context.Context, stmt *sql.Stmt, conversationKey string, seq int, msg models.Message) error {
	toolCallsJSON, err := json.Marshal(msg.ToolCalls)
	if err != nil {
		return fmt.Errorf("pgstore: marshal tool_calls: %w", err)
	}
	attachmentsJSON, err := json.Marshal(msg.Attachments)
	if err != nil {
		return fmt.Errorf("pgstore: marshal attachments: %w", err)
	}
	metadataJSON, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("pgstore: marshal message metadata: %w", err)
	}
	providerFieldsJSON, err := json.Marshal(msg.ProviderFields)
	if err != nil {
		return fmt.Errorf("pgstore: marshal provider_fields: %w", err)
	}

	_, err = stmt.ExecContext(ctx, conversationKey, seq, msg.ID, msg.Role, msg.Content, msg.Timestamp,
		toolCallsJSON, msg.ToolCallID, msg.ToolName, attachmentsJSON, metadataJSON, providerFieldsJSON)
	if err != nil {
		return fmt.Errorf("pgstore: insert message: %w", err)
	}
	return nil
}

// ReplacePrefix deletes the first prefixLen messages (ordered by seq),
// rebases the remaining rows' seq down so Append's MAX(seq)+1 stays
// correct, and inserts summary at seq -1 so it always sorts first.
func (s *Store) ReplacePrefix(ctx context.Context, conversationKey string, prefixLen int, summary models.Message) error {
	if prefixLen < 0 {
		return fmt.Errorf("pgstore: prefixLen out of range: %d", prefixLen)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("pgstore: begin replace prefix: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.StmtContext(ctx, s.stmtSessionExists).QueryRowContext(ctx, conversationKey).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return session.ErrNotFound
		}
		return fmt.Errorf("pgstore: check session: %w", err)
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM session_messages WHERE conversation_key = $1`, conversationKey).Scan(&count); err != nil {
		return fmt.Errorf("pgstore: count messages: %w", err)
	}
	if prefixLen > count {
		return fmt.Errorf("pgstore: prefixLen %d exceeds message count %d", prefixLen, count)
	}

	var cutoff int64 = -1
	if prefixLen > 0 {
		rows, err := tx.QueryContext(ctx, `SELECT seq FROM session_messages WHERE conversation_key = $1 ORDER BY seq ASC LIMIT $2`, conversationKey, prefixLen)
		if err != nil {
			return fmt.Errorf("pgstore: select prefix seqs: %w", err)
		}
		for rows.Next() {
			if err := rows.Scan(&cutoff); err != nil {
				rows.Close()
				return fmt.Errorf("pgstore: scan prefix seq: %w", err)
			}
		}
		rows.Close()

		if _, err := tx.ExecContext(ctx, `DELETE FROM session_messages WHERE conversation_key = $1 AND seq <= $2`, conversationKey, cutoff); err != nil {
			return fmt.Errorf("pgstore: delete prefix: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE session_messages SET seq = seq - $1 WHERE conversation_key = $2`, cutoff+1, conversationKey); err != nil {
			return fmt.Errorf("pgstore: rebase seq: %w", err)
		}
	}

	if err := insertMessage(ctx, tx.StmtContext(ctx, s.stmtInsertMessage), conversationKey, -1, summary); err != nil {
		return err
	}

	if _, err := tx.StmtContext(ctx, s.stmtTouchSession).ExecContext(ctx, time.Now(), conversationKey); err != nil {
		return fmt.Errorf("pgstore: touch session: %w", err)
	}

	return tx.Commit()
}

func (s *Store) ListRecent(ctx context.Context, chatID string, limit int) ([]*models.Session, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.stmtListSessions.QueryContext(ctx, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list recent: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		sess := &models.Session{}
		var metadataJSON []byte
		if err := rows.Scan(&sess.ConversationKey, &sess.ID, &sess.Channel, &sess.ChannelID, &metadataJSON, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("pgstore: scan session: %w", err)
		}
		if err := unmarshalJSONB(metadataJSON, &sess.Metadata); err != nil {
			return nil, fmt.Errorf("pgstore: unmarshal session metadata: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgstore: iterate sessions: %w", err)
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
