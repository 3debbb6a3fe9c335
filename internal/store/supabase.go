package store

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/supabase-community/postgrest-go"
	"github.com/supabase-community/supabase-go"

	"github.com/continuum-canvas/continuum/internal/model"
)

const (
	tableConversations = "conversations"
	tableNodes         = "nodes"
	tableEdges         = "edges"
)

// Supabase is a Backend on a hosted Supabase (PostgREST) database. Requests
// are authorised with the service-role key; ownership is enforced by the
// user_id filters below.
//
// The postgrest client does not accept a context; ctx is only checked before
// each round trip.
type Supabase struct {
	client *supabase.Client
	url    string
	key    string
	http   *http.Client
}

var _ Backend = (*Supabase)(nil)

// NewSupabase creates a Supabase backend for the project at url.
func NewSupabase(url, serviceRoleKey string) (*Supabase, error) {
	client, err := supabase.NewClient(url, serviceRoleKey, nil)
	if err != nil {
		return nil, fmt.Errorf("unable to create supabase client: %w", err)
	}
	return &Supabase{
		client: client,
		url:    url,
		key:    serviceRoleKey,
		http:   &http.Client{Timeout: 5 * time.Second},
	}, nil
}

type conversationRow struct {
	ID        string    `json:"id"`
	Title     *string   `json:"title"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r conversationRow) model() model.Conversation {
	conv := model.Conversation{
		ID:        r.ID,
		OwnerID:   r.UserID,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if r.Title != nil {
		conv.Title = *r.Title
	}
	return conv
}

// CreateConversation inserts a conversation row owned by ownerID.
func (s *Supabase) CreateConversation(ctx context.Context, ownerID, title string) (*model.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	insert := map[string]any{
		"id":         uuid.Must(uuid.NewV7()).String(),
		"title":      title,
		"user_id":    ownerID,
		"created_at": now,
		"updated_at": now,
	}

	var rows []conversationRow
	_, err := s.client.From(tableConversations).
		Insert(insert, false, "", "representation", "").
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("insert conversation: no row returned")
	}

	conv := rows[0].model()
	return &conv, nil
}

// GetConversation returns the conversation if it exists and is owned by ownerID.
func (s *Supabase) GetConversation(ctx context.Context, id, ownerID string) (*model.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rows []conversationRow
	_, err := s.client.From(tableConversations).
		Select("*", "", false).
		Eq("id", id).
		Eq("user_id", ownerID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNotFound
	}

	conv := rows[0].model()
	return &conv, nil
}

// UpdateConversation bumps updated_at and optionally sets the title.
func (s *Supabase) UpdateConversation(ctx context.Context, id string, title *string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	update := map[string]any{"updated_at": time.Now().UTC()}
	if title != nil {
		update["title"] = *title
	}

	_, _, err := s.client.From(tableConversations).
		Update(update, "minimal", "").
		Eq("id", id).
		Execute()
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	return nil
}

// ListConversations returns ownerID's conversations, most recently updated first.
func (s *Supabase) ListConversations(ctx context.Context, ownerID string) ([]model.Conversation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rows []conversationRow
	_, err := s.client.From(tableConversations).
		Select("id,title,user_id,created_at,updated_at", "", false).
		Eq("user_id", ownerID).
		Order("updated_at", &postgrest.OrderOpts{Ascending: false}).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	convs := make([]model.Conversation, 0, len(rows))
	for _, r := range rows {
		convs = append(convs, r.model())
	}
	return convs, nil
}

// DeleteConversation removes the conversation; nodes and edges cascade in
// the database.
func (s *Supabase) DeleteConversation(ctx context.Context, id, ownerID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var rows []conversationRow
	_, err := s.client.From(tableConversations).
		Delete("representation", "").
		Eq("id", id).
		Eq("user_id", ownerID).
		ExecuteTo(&rows)
	if err != nil {
		return false, fmt.Errorf("delete conversation: %w", err)
	}
	return len(rows) > 0, nil
}

// InsertNodes inserts the rows in one request.
func (s *Supabase) InsertNodes(ctx context.Context, nodes []NodeRecord) error {
	if len(nodes) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	now := time.Now().UTC()
	rows := make([]NodeRecord, len(nodes))
	for i, n := range nodes {
		n.CreatedAt = &now
		rows[i] = n
	}

	if _, _, err := s.client.From(tableNodes).Insert(rows, false, "", "minimal", "").Execute(); err != nil {
		return fmt.Errorf("insert nodes: %w", err)
	}
	return nil
}

// InsertEdges inserts the rows in one request.
func (s *Supabase) InsertEdges(ctx context.Context, edges []EdgeRecord) error {
	if len(edges) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, _, err := s.client.From(tableEdges).Insert(edges, false, "", "minimal", "").Execute(); err != nil {
		return fmt.Errorf("insert edges: %w", err)
	}
	return nil
}

// DeleteNodes removes every node of the conversation.
func (s *Supabase) DeleteNodes(ctx context.Context, conversationID string) error {
	return s.deleteByConversation(ctx, tableNodes, conversationID)
}

// DeleteEdges removes every edge of the conversation.
func (s *Supabase) DeleteEdges(ctx context.Context, conversationID string) error {
	return s.deleteByConversation(ctx, tableEdges, conversationID)
}

func (s *Supabase) deleteByConversation(ctx context.Context, table, conversationID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, _, err := s.client.From(table).
		Delete("minimal", "").
		Eq("conversation_id", conversationID).
		Execute()
	if err != nil {
		return fmt.Errorf("delete %s: %w", table, err)
	}
	return nil
}

// ListNodes returns the conversation's nodes in creation order.
func (s *Supabase) ListNodes(ctx context.Context, conversationID string) ([]NodeRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	nodes := []NodeRecord{}
	_, err := s.client.From(tableNodes).
		Select("*", "", false).
		Eq("conversation_id", conversationID).
		Order("created_at", &postgrest.OrderOpts{Ascending: true}).
		ExecuteTo(&nodes)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	return nodes, nil
}

// ListEdges returns the conversation's edges.
func (s *Supabase) ListEdges(ctx context.Context, conversationID string) ([]EdgeRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	edges := []EdgeRecord{}
	_, err := s.client.From(tableEdges).
		Select("*", "", false).
		Eq("conversation_id", conversationID).
		ExecuteTo(&edges)
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	return edges, nil
}

// Ping checks that the PostgREST endpoint answers.
func (s *Supabase) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url+"/rest/v1/", nil)
	if err != nil {
		return err
	}
	req.Header.Set("apikey", s.key)
	req.Header.Set("Authorization", "Bearer "+s.key)

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("supabase unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("supabase unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// Close is a no-op; the client holds no long-lived connections.
func (s *Supabase) Close() error {
	return nil
}
