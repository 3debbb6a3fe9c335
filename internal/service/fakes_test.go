package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/continuum-canvas/continuum/internal/llm"
	"github.com/continuum-canvas/continuum/internal/model"
	"github.com/continuum-canvas/continuum/internal/store"
)

var errInjected = errors.New("injected failure")

// memoryBackend is an in-memory store.Backend with failure injection.
type memoryBackend struct {
	mu    sync.Mutex
	seq   int
	clock time.Time
	convs map[string]*model.Conversation
	nodes map[string][]store.NodeRecord
	edges map[string][]store.EdgeRecord

	failInsertNodes bool
	failInsertEdges bool
	failDelete      bool
	calls           []string
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{
		clock: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		convs: map[string]*model.Conversation{},
		nodes: map[string][]store.NodeRecord{},
		edges: map[string][]store.EdgeRecord{},
	}
}

func (m *memoryBackend) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *memoryBackend) record(call string) {
	m.calls = append(m.calls, call)
}

func (m *memoryBackend) CreateConversation(_ context.Context, ownerID, title string) (*model.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CreateConversation")
	m.seq++
	now := m.tick()
	conv := &model.Conversation{
		ID:        fmt.Sprintf("conv-%d", m.seq),
		Title:     title,
		OwnerID:   ownerID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.convs[conv.ID] = conv
	cp := *conv
	return &cp, nil
}

func (m *memoryBackend) GetConversation(_ context.Context, id, ownerID string) (*model.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("GetConversation")
	conv, ok := m.convs[id]
	if !ok || conv.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	cp := *conv
	return &cp, nil
}

func (m *memoryBackend) UpdateConversation(_ context.Context, id string, title *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("UpdateConversation")
	if conv, ok := m.convs[id]; ok {
		conv.UpdatedAt = m.tick()
		if title != nil {
			conv.Title = *title
		}
	}
	return nil
}

func (m *memoryBackend) ListConversations(_ context.Context, ownerID string) ([]model.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ListConversations")
	var out []model.Conversation
	for _, c := range m.convs {
		if c.OwnerID == ownerID {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (m *memoryBackend) DeleteConversation(_ context.Context, id, ownerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DeleteConversation")
	if m.failDelete {
		return false, errInjected
	}
	conv, ok := m.convs[id]
	if !ok || conv.OwnerID != ownerID {
		return false, nil
	}
	delete(m.convs, id)
	delete(m.nodes, id)
	delete(m.edges, id)
	return true, nil
}

func (m *memoryBackend) InsertNodes(_ context.Context, nodes []store.NodeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("InsertNodes")
	if m.failInsertNodes {
		return errInjected
	}
	for _, n := range nodes {
		m.nodes[n.ConversationID] = append(m.nodes[n.ConversationID], n)
	}
	return nil
}

func (m *memoryBackend) InsertEdges(_ context.Context, edges []store.EdgeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("InsertEdges")
	if m.failInsertEdges {
		return errInjected
	}
	for _, e := range edges {
		m.edges[e.ConversationID] = append(m.edges[e.ConversationID], e)
	}
	return nil
}

func (m *memoryBackend) DeleteNodes(_ context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DeleteNodes")
	delete(m.nodes, conversationID)
	return nil
}

func (m *memoryBackend) DeleteEdges(_ context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DeleteEdges")
	delete(m.edges, conversationID)
	return nil
}

func (m *memoryBackend) ListNodes(_ context.Context, conversationID string) ([]store.NodeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.NodeRecord(nil), m.nodes[conversationID]...), nil
}

func (m *memoryBackend) ListEdges(_ context.Context, conversationID string) ([]store.EdgeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]store.EdgeRecord(nil), m.edges[conversationID]...), nil
}

func (m *memoryBackend) Ping(context.Context) error { return nil }
func (m *memoryBackend) Close() error               { return nil }

func (m *memoryBackend) callLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// replacingBackend adds an atomic replace to memoryBackend.
type replacingBackend struct {
	*memoryBackend
	replaces int
}

func (r *replacingBackend) ReplaceGraph(_ context.Context, conversationID string, title *string, nodes []store.NodeRecord, edges []store.EdgeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replaces++
	if conv, ok := r.convs[conversationID]; ok {
		conv.UpdatedAt = r.tick()
		if title != nil {
			conv.Title = *title
		}
	}
	r.nodes[conversationID] = append([]store.NodeRecord(nil), nodes...)
	r.edges[conversationID] = append([]store.EdgeRecord(nil), edges...)
	return nil
}

// recordingAudit captures published events.
type recordingAudit struct {
	mu     sync.Mutex
	events []model.ConversationEvent
	err    error
}

func (a *recordingAudit) PublishConversationEvent(_ context.Context, event *model.ConversationEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.events = append(a.events, *event)
	return nil
}

func (a *recordingAudit) ConversationEvents(_ context.Context, ownerID, conversationID string, _ uint64, limit int) ([]model.ConversationEvent, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []model.ConversationEvent
	for _, e := range a.events {
		if e.OwnerID == ownerID && e.ConversationID == conversationID {
			out = append(out, e)
		}
	}
	if len(out) > limit {
		return out[:limit], true, nil
	}
	return out, false, nil
}

func (a *recordingAudit) published() []model.ConversationEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.ConversationEvent(nil), a.events...)
}

// fakeLLM is a scripted llm.Client.
type fakeLLM struct {
	reply string
	err   error
	got   []model.ChatMessage
}

func (f *fakeLLM) Name() string { return string(llm.ProviderOpenAI) }

func (f *fakeLLM) Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.got = req.Messages
	if f.err != nil {
		return nil, f.err
	}
	return &llm.CompletionResponse{Content: f.reply, TokensIn: 3, TokensOut: 1}, nil
}
