package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/continuum-canvas/continuum/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    title TEXT,
    user_id TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversations_owner ON conversations(user_id, updated_at);

CREATE TABLE IF NOT EXISTS nodes (
    id TEXT NOT NULL,
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    role TEXT NOT NULL CHECK (role IN ('system', 'user', 'assistant')),
    label TEXT NOT NULL DEFAULT '',
    position_x REAL NOT NULL DEFAULT 0,
    position_y REAL NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (conversation_id, id)
);

CREATE TABLE IF NOT EXISTS edges (
    id TEXT NOT NULL,
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    source_node_id TEXT NOT NULL,
    target_node_id TEXT NOT NULL,
    PRIMARY KEY (conversation_id, id),
    FOREIGN KEY (conversation_id, source_node_id) REFERENCES nodes(conversation_id, id) ON DELETE CASCADE,
    FOREIGN KEY (conversation_id, target_node_id) REFERENCES nodes(conversation_id, id) ON DELETE CASCADE
);
`

// SQLite is a Backend on a local SQLite database.
type SQLite struct {
	db *sql.DB

	mu   sync.Mutex
	last int64
}

var (
	_ Backend  = (*SQLite)(nil)
	_ Replacer = (*SQLite)(nil)
)

// OpenSQLite opens (creating if needed) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; a single connection also keeps PRAGMAs in effect.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// now returns a strictly increasing UnixNano timestamp so that updated_at
// ordering is total even for back-to-back saves.
func (s *SQLite) now() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := time.Now().UnixNano()
	if ts <= s.last {
		ts = s.last + 1
	}
	s.last = ts
	return ts
}

func fromNanos(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

// CreateConversation inserts a conversation row owned by ownerID.
func (s *SQLite) CreateConversation(ctx context.Context, ownerID, title string) (*model.Conversation, error) {
	id := uuid.Must(uuid.NewV7()).String()
	ts := s.now()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, user_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, title, ownerID, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	return &model.Conversation{
		ID:        id,
		Title:     title,
		OwnerID:   ownerID,
		CreatedAt: fromNanos(ts),
		UpdatedAt: fromNanos(ts),
	}, nil
}

// GetConversation returns the conversation if it exists and is owned by ownerID.
func (s *SQLite) GetConversation(ctx context.Context, id, ownerID string) (*model.Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, title, user_id, created_at, updated_at FROM conversations WHERE id = ? AND user_id = ?`,
		id, ownerID)

	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return conv, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*model.Conversation, error) {
	var (
		conv             model.Conversation
		title            sql.NullString
		created, updated int64
	)
	if err := row.Scan(&conv.ID, &title, &conv.OwnerID, &created, &updated); err != nil {
		return nil, err
	}
	conv.Title = title.String
	conv.CreatedAt = fromNanos(created)
	conv.UpdatedAt = fromNanos(updated)
	return &conv, nil
}

// UpdateConversation bumps updated_at and optionally sets the title.
func (s *SQLite) UpdateConversation(ctx context.Context, id string, title *string) error {
	return updateConversation(ctx, s.db, id, title, s.now())
}

func updateConversation(ctx context.Context, ex execer, id string, title *string, ts int64) error {
	var t sql.NullString
	if title != nil {
		t = sql.NullString{String: *title, Valid: true}
	}
	_, err := ex.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ?, title = CASE WHEN ? THEN ? ELSE title END WHERE id = ?`,
		ts, t.Valid, t.String, id)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	return nil
}

// ListConversations returns ownerID's conversations, most recently updated first.
func (s *SQLite) ListConversations(ctx context.Context, ownerID string) ([]model.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, user_id, created_at, updated_at FROM conversations
		 WHERE user_id = ? ORDER BY updated_at DESC, rowid DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	convs := []model.Conversation{}
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, *conv)
	}
	return convs, rows.Err()
}

// DeleteConversation removes the conversation; nodes and edges cascade.
func (s *SQLite) DeleteConversation(ctx context.Context, id, ownerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE id = ? AND user_id = ?`, id, ownerID)
	if err != nil {
		return false, fmt.Errorf("delete conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete conversation: %w", err)
	}
	return n > 0, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// InsertNodes inserts all rows or none.
func (s *SQLite) InsertNodes(ctx context.Context, nodes []NodeRecord) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return insertNodes(ctx, tx, nodes, s.now())
	})
}

func insertNodes(ctx context.Context, ex execer, nodes []NodeRecord, ts int64) error {
	for _, n := range nodes {
		_, err := ex.ExecContext(ctx,
			`INSERT INTO nodes (id, conversation_id, role, label, position_x, position_y, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			n.ID, n.ConversationID, string(n.Role), n.Label, n.PositionX, n.PositionY, ts)
		if err != nil {
			return fmt.Errorf("insert node %s: %w", n.ID, err)
		}
	}
	return nil
}

// InsertEdges inserts all rows or none.
func (s *SQLite) InsertEdges(ctx context.Context, edges []EdgeRecord) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return insertEdges(ctx, tx, edges)
	})
}

func insertEdges(ctx context.Context, ex execer, edges []EdgeRecord) error {
	for _, e := range edges {
		_, err := ex.ExecContext(ctx,
			`INSERT INTO edges (id, conversation_id, source_node_id, target_node_id) VALUES (?, ?, ?, ?)`,
			e.ID, e.ConversationID, e.SourceNodeID, e.TargetNodeID)
		if err != nil {
			return fmt.Errorf("insert edge %s: %w", e.ID, err)
		}
	}
	return nil
}

// DeleteNodes removes every node of the conversation.
func (s *SQLite) DeleteNodes(ctx context.Context, conversationID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM nodes WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete nodes: %w", err)
	}
	return nil
}

// DeleteEdges removes every edge of the conversation.
func (s *SQLite) DeleteEdges(ctx context.Context, conversationID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM edges WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("delete edges: %w", err)
	}
	return nil
}

// ListNodes returns the conversation's nodes in creation order.
func (s *SQLite) ListNodes(ctx context.Context, conversationID string) ([]NodeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, label, position_x, position_y, created_at FROM nodes
		 WHERE conversation_id = ? ORDER BY created_at ASC, rowid ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	nodes := []NodeRecord{}
	for rows.Next() {
		var (
			n       NodeRecord
			role    string
			created int64
		)
		if err := rows.Scan(&n.ID, &n.ConversationID, &role, &n.Label, &n.PositionX, &n.PositionY, &created); err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		n.Role = model.Role(role)
		ts := fromNanos(created)
		n.CreatedAt = &ts
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// ListEdges returns the conversation's edges.
func (s *SQLite) ListEdges(ctx context.Context, conversationID string) ([]EdgeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, source_node_id, target_node_id FROM edges
		 WHERE conversation_id = ? ORDER BY rowid ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	defer rows.Close()

	edges := []EdgeRecord{}
	for rows.Next() {
		var e EdgeRecord
		if err := rows.Scan(&e.ID, &e.ConversationID, &e.SourceNodeID, &e.TargetNodeID); err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// ReplaceGraph swaps the conversation's nodes and edges in one transaction.
func (s *SQLite) ReplaceGraph(ctx context.Context, conversationID string, title *string, nodes []NodeRecord, edges []EdgeRecord) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		ts := s.now()
		if err := updateConversation(ctx, tx, conversationID, title, ts); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE conversation_id = ?`, conversationID); err != nil {
			return fmt.Errorf("delete edges: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM nodes WHERE conversation_id = ?`, conversationID); err != nil {
			return fmt.Errorf("delete nodes: %w", err)
		}
		if err := insertNodes(ctx, tx, nodes, ts); err != nil {
			return err
		}
		return insertEdges(ctx, tx, edges)
	})
}

func (s *SQLite) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
