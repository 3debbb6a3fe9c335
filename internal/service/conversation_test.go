package service

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/continuum-canvas/continuum/internal/model"
	"github.com/continuum-canvas/continuum/internal/store"
	"github.com/continuum-canvas/continuum/pkg/apperrors"
	"github.com/continuum-canvas/continuum/pkg/logger"
)

func canvasNode(id string, role model.Role, label string, y float64) model.CanvasNode {
	return model.CanvasNode{
		ID:       id,
		Type:     model.CanvasNodeType,
		Position: model.Position{X: 250, Y: y},
		Data:     model.NodeData{Label: label, Role: role},
	}
}

func sampleSnapshot() ([]model.CanvasNode, []model.CanvasEdge) {
	nodes := []model.CanvasNode{
		canvasNode("root", model.RoleSystem, "hi", 50),
		canvasNode("u1", model.RoleUser, "hello", 250),
		canvasNode("a1", model.RoleAssistant, "hey", 450),
	}
	edges := []model.CanvasEdge{
		{ID: "e-root-u1", Source: "root", Target: "u1"},
		{ID: "e-u1-a1", Source: "u1", Target: "a1"},
	}
	return nodes, edges
}

func newTestConversationService(backend store.Backend, opts ConversationOptions) (*ConversationService, *recordingAudit) {
	audit := &recordingAudit{}
	return NewConversationService(backend, audit, opts, logger.NewNop()), audit
}

func TestSaveCreateThenLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc, audit := newTestConversationService(newMemoryBackend(), ConversationOptions{})
	nodes, edges := sampleSnapshot()

	conv, err := svc.Save(ctx, SaveInput{OwnerID: "alice", Nodes: nodes, Edges: edges})
	require.NoError(t, err)
	assert.Equal(t, model.DefaultConversationTitle, conv.Title)

	detail, err := svc.Load(ctx, conv.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, nodes, detail.Nodes)
	assert.Equal(t, edges, detail.Edges)

	events := audit.published()
	require.Len(t, events, 1)
	assert.Equal(t, model.EventTypeCreated, events[0].Type)
	assert.Equal(t, conv.ID, events[0].ConversationID)
	assert.Len(t, events[0].Nodes, 3)
	assert.NotEmpty(t, events[0].ID)
}

func TestSaveCreateWithoutEdgesSkipsEdgeInsert(t *testing.T) {
	backend := newMemoryBackend()
	svc, _ := newTestConversationService(backend, ConversationOptions{})

	title := "Solo"
	conv, err := svc.Save(context.Background(), SaveInput{
		OwnerID: "alice",
		Title:   &title,
		Nodes:   []model.CanvasNode{canvasNode("root", model.RoleSystem, "hi", 50)},
		Edges:   []model.CanvasEdge{},
	})
	require.NoError(t, err)
	assert.Equal(t, "Solo", conv.Title)
	assert.NotContains(t, backend.callLog(), "InsertEdges")
}

func TestSaveCreateCompensatesOnNodeFailure(t *testing.T) {
	ctx := context.Background()
	backend := newMemoryBackend()
	backend.failInsertNodes = true
	svc, audit := newTestConversationService(backend, ConversationOptions{})
	nodes, edges := sampleSnapshot()

	_, err := svc.Save(ctx, SaveInput{OwnerID: "alice", Nodes: nodes, Edges: edges})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindPersistence))
	assert.ErrorIs(t, err, errInjected)

	list, err := svc.List(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Contains(t, backend.callLog(), "DeleteConversation")
	assert.Empty(t, audit.published())
}

func TestSaveCreateCompensatesOnEdgeFailure(t *testing.T) {
	ctx := context.Background()
	backend := newMemoryBackend()
	backend.failInsertEdges = true
	svc, _ := newTestConversationService(backend, ConversationOptions{})
	nodes, edges := sampleSnapshot()

	_, err := svc.Save(ctx, SaveInput{OwnerID: "alice", Nodes: nodes, Edges: edges})
	require.Error(t, err)

	list, err := svc.List(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSaveCompensationFailureReturnsOriginalError(t *testing.T) {
	backend := newMemoryBackend()
	backend.failInsertNodes = true
	backend.failDelete = true
	svc, _ := newTestConversationService(backend, ConversationOptions{})
	nodes, edges := sampleSnapshot()

	_, err := svc.Save(context.Background(), SaveInput{OwnerID: "alice", Nodes: nodes, Edges: edges})
	require.Error(t, err)
	assert.Contains(t, apperrors.Message(err), "insert nodes")
}

func TestSaveValidation(t *testing.T) {
	nodes, edges := sampleSnapshot()

	tests := []struct {
		name  string
		nodes []model.CanvasNode
		edges []model.CanvasEdge
	}{
		{"no nodes", nil, edges},
		{"missing edges field", nodes, nil},
		{"bad role", []model.CanvasNode{canvasNode("x", "tool", "?", 0)}, []model.CanvasEdge{}},
		{"empty id", []model.CanvasNode{canvasNode("", model.RoleUser, "?", 0)}, []model.CanvasEdge{}},
		{"dangling edge", nodes, []model.CanvasEdge{{ID: "e", Source: "root", Target: "ghost"}}},
		{"second parent", nodes, append(edges, model.CanvasEdge{ID: "e3", Source: "root", Target: "a1"})},
		{"cycle", nodes[1:], []model.CanvasEdge{
			{ID: "e1", Source: "u1", Target: "a1"},
			{ID: "e2", Source: "a1", Target: "u1"},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newMemoryBackend()
			svc, _ := newTestConversationService(backend, ConversationOptions{})

			_, err := svc.Save(context.Background(), SaveInput{OwnerID: "alice", Nodes: tt.nodes, Edges: tt.edges})
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.KindValidation), "got %v", err)
			assert.Empty(t, backend.callLog())
		})
	}
}

func TestSaveReplaceIsFullReplace(t *testing.T) {
	for _, atomic := range []bool{false, true} {
		name := "round trips"
		if atomic {
			name = "transaction"
		}
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			mem := newMemoryBackend()
			var backend store.Backend = mem
			rb := &replacingBackend{memoryBackend: mem}
			if atomic {
				backend = rb
			}
			svc, audit := newTestConversationService(backend, ConversationOptions{AtomicReplace: atomic})
			nodes, edges := sampleSnapshot()

			conv, err := svc.Save(ctx, SaveInput{OwnerID: "alice", Nodes: nodes, Edges: edges})
			require.NoError(t, err)

			title := "Trimmed"
			replacement := []model.CanvasNode{canvasNode("root", model.RoleSystem, "only", 50)}
			updated, err := svc.Save(ctx, SaveInput{
				ConversationID: conv.ID,
				OwnerID:        "alice",
				Title:          &title,
				Nodes:          replacement,
				Edges:          []model.CanvasEdge{},
			})
			require.NoError(t, err)
			assert.Equal(t, conv.ID, updated.ID)
			assert.Equal(t, "Trimmed", updated.Title)
			assert.True(t, updated.UpdatedAt.After(conv.UpdatedAt))

			detail, err := svc.Load(ctx, conv.ID, "alice")
			require.NoError(t, err)
			assert.Equal(t, replacement, detail.Nodes)
			assert.Empty(t, detail.Edges)

			if atomic {
				assert.Equal(t, 1, rb.replaces)
			} else {
				assert.Contains(t, mem.callLog(), "DeleteNodes")
			}

			events := audit.published()
			require.Len(t, events, 2)
			assert.Equal(t, model.EventTypeReplaced, events[1].Type)
		})
	}
}

func TestSaveReplaceKeepsTitleWhenOmitted(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestConversationService(newMemoryBackend(), ConversationOptions{})
	nodes, edges := sampleSnapshot()

	title := "Keep me"
	conv, err := svc.Save(ctx, SaveInput{OwnerID: "alice", Title: &title, Nodes: nodes, Edges: edges})
	require.NoError(t, err)

	updated, err := svc.Save(ctx, SaveInput{ConversationID: conv.ID, OwnerID: "alice", Nodes: nodes, Edges: edges})
	require.NoError(t, err)
	assert.Equal(t, "Keep me", updated.Title)
}

func TestSaveReplaceRequiresOwnership(t *testing.T) {
	ctx := context.Background()
	backend := newMemoryBackend()
	svc, _ := newTestConversationService(backend, ConversationOptions{})
	nodes, edges := sampleSnapshot()

	conv, err := svc.Save(ctx, SaveInput{OwnerID: "alice", Nodes: nodes, Edges: edges})
	require.NoError(t, err)

	_, err = svc.Save(ctx, SaveInput{ConversationID: conv.ID, OwnerID: "bob", Nodes: nodes, Edges: edges})
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))

	_, err = svc.Save(ctx, SaveInput{ConversationID: "missing", OwnerID: "alice", Nodes: nodes, Edges: edges})
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))

	// Alice's graph is untouched.
	detail, err := svc.Load(ctx, conv.ID, "alice")
	require.NoError(t, err)
	assert.Len(t, detail.Nodes, 3)
}

func TestLoadIsOwnerScoped(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestConversationService(newMemoryBackend(), ConversationOptions{})
	nodes, edges := sampleSnapshot()

	conv, err := svc.Save(ctx, SaveInput{OwnerID: "alice", Nodes: nodes, Edges: edges})
	require.NoError(t, err)

	_, err = svc.Load(ctx, conv.ID, "bob")
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))
	assert.Equal(t, "Conversation not found", apperrors.Message(err))
}

func TestListOrdersByMostRecentSave(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestConversationService(newMemoryBackend(), ConversationOptions{})
	nodes, edges := sampleSnapshot()

	first, err := svc.Save(ctx, SaveInput{OwnerID: "alice", Nodes: nodes, Edges: edges})
	require.NoError(t, err)
	second, err := svc.Save(ctx, SaveInput{OwnerID: "alice", Nodes: nodes, Edges: edges})
	require.NoError(t, err)
	_, err = svc.Save(ctx, SaveInput{ConversationID: first.ID, OwnerID: "alice", Nodes: nodes, Edges: edges})
	require.NoError(t, err)

	list, err := svc.List(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)

	empty, err := svc.List(ctx, "bob")
	require.NoError(t, err)
	assert.NotNil(t, empty)
}

func TestDeleteMissing(t *testing.T) {
	ctx := context.Background()

	svc, audit := newTestConversationService(newMemoryBackend(), ConversationOptions{})
	assert.NoError(t, svc.Delete(ctx, "missing", "alice"))
	assert.Empty(t, audit.published())

	strict, _ := newTestConversationService(newMemoryBackend(), ConversationOptions{DeleteMissingIsError: true})
	err := strict.Delete(ctx, "missing", "alice")
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))
}

func TestDeleteRemovesConversation(t *testing.T) {
	ctx := context.Background()
	svc, audit := newTestConversationService(newMemoryBackend(), ConversationOptions{DeleteMissingIsError: true})
	nodes, edges := sampleSnapshot()

	conv, err := svc.Save(ctx, SaveInput{OwnerID: "alice", Nodes: nodes, Edges: edges})
	require.NoError(t, err)

	err = svc.Delete(ctx, conv.ID, "bob")
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))

	require.NoError(t, svc.Delete(ctx, conv.ID, "alice"))
	_, err = svc.Load(ctx, conv.ID, "alice")
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))

	history, err := svc.History(ctx, conv.ID, "alice", 0, 0)
	require.NoError(t, err)
	require.Len(t, history.Events, 2)
	assert.Equal(t, model.EventTypeDeleted, history.Events[1].Type)
	assert.Len(t, audit.published(), 2)
}

func TestAuditFailureDoesNotFailSave(t *testing.T) {
	backend := newMemoryBackend()
	audit := &recordingAudit{err: errInjected}
	svc := NewConversationService(backend, audit, ConversationOptions{}, logger.NewNop())
	nodes, edges := sampleSnapshot()

	_, err := svc.Save(context.Background(), SaveInput{OwnerID: "alice", Nodes: nodes, Edges: edges})
	assert.NoError(t, err)
}

func TestUnconfiguredBackend(t *testing.T) {
	svc, _ := newTestConversationService(store.Unconfigured{Reason: "Supabase is not configured"}, ConversationOptions{})
	nodes, edges := sampleSnapshot()

	_, err := svc.Save(context.Background(), SaveInput{OwnerID: "alice", Nodes: nodes, Edges: edges})
	assert.True(t, apperrors.Is(err, apperrors.KindConfiguration))

	_, err = svc.List(context.Background(), "alice")
	assert.True(t, apperrors.Is(err, apperrors.KindConfiguration))
}

func TestConversationServiceOnSQLite(t *testing.T) {
	ctx := context.Background()
	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "svc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	svc, _ := newTestConversationService(db, ConversationOptions{AtomicReplace: true})
	nodes, edges := sampleSnapshot()

	conv, err := svc.Save(ctx, SaveInput{OwnerID: "alice", Nodes: nodes, Edges: edges})
	require.NoError(t, err)

	detail, err := svc.Load(ctx, conv.ID, "alice")
	require.NoError(t, err)
	assert.Equal(t, nodes, detail.Nodes)
	assert.Equal(t, edges, detail.Edges)

	// An invalid replace is rejected before storage; the old graph survives.
	_, err = svc.Save(ctx, SaveInput{
		ConversationID: conv.ID,
		OwnerID:        "alice",
		Nodes:          nodes,
		Edges:          []model.CanvasEdge{{ID: "x", Source: "root", Target: "ghost"}},
	})
	require.Error(t, err)

	detail, err = svc.Load(ctx, conv.ID, "alice")
	require.NoError(t, err)
	assert.Len(t, detail.Edges, 2)
}
