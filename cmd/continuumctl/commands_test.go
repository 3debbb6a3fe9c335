package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/continuum-canvas/continuum/internal/model"
)

func fakeAPI(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" && r.URL.Path != "/api/v1/chat" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"Unauthorized. Please sign in."}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/conversations":
			_ = json.NewEncoder(w).Encode(model.ListConversationsResponse{Conversations: []model.Conversation{
				{ID: "c1", Title: "Go basics", UpdatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)},
			}})
		case "/api/v1/conversations/c1":
			_ = json.NewEncoder(w).Encode(model.ConversationDetail{
				Conversation: &model.Conversation{ID: "c1", Title: "Go basics"},
				Nodes: []model.CanvasNode{
					{ID: "root", Data: model.NodeData{Role: model.RoleSystem, Label: "Hello"}},
					{ID: "u1", Data: model.NodeData{Role: model.RoleUser, Label: "What is Go?"}},
					{ID: "a1", Data: model.NodeData{Role: model.RoleAssistant, Label: "A language."}},
				},
				Edges: []model.CanvasEdge{
					{ID: "e1", Source: "root", Target: "u1"},
					{ID: "e2", Source: "u1", Target: "a1"},
				},
			})
		case "/api/v1/chat":
			var req model.CompletionRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			_ = json.NewEncoder(w).Encode(model.CompletionResponse{Reply: "you said: " + req.Messages[len(req.Messages)-1].Content})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestListCommand(t *testing.T) {
	srv := fakeAPI(t)

	out, err := run(t, "list", "--server", srv.URL, "--token", "tok")
	require.NoError(t, err)
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "c1")
	assert.Contains(t, out, "Go basics")

	_, err = run(t, "list", "--server", srv.URL, "--token", "wrong")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unauthorized. Please sign in.")
}

func TestShowCommandPrintsTree(t *testing.T) {
	srv := fakeAPI(t)

	out, err := run(t, "show", "c1", "--server", srv.URL, "--token", "tok")
	require.NoError(t, err)
	assert.Equal(t, "Go basics (c1)\n[system] Hello\n  [user] What is Go?\n    [assistant] A language.\n", out)
}

func TestAskCommand(t *testing.T) {
	srv := fakeAPI(t)

	out, err := run(t, "ask", "--server", srv.URL, "--system", "be brief", "what", "is", "go")
	require.NoError(t, err)
	assert.Equal(t, "you said: what is go\n", out)
}

func TestShowRequiresID(t *testing.T) {
	_, err := run(t, "show")
	assert.Error(t, err)
}
