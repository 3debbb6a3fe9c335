// Package session implements interactive canvas sessions.
//
// A Session owns one conversation tree and the completion tasks started by
// branching it. Tasks run outside the session lock and report back through
// finish, which decides by generation and policy whether a result still
// applies to the current tree.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/continuum-canvas/continuum/internal/model"
	"github.com/continuum-canvas/continuum/internal/service"
	"github.com/continuum-canvas/continuum/internal/tree"
	"github.com/continuum-canvas/continuum/pkg/apperrors"
	"github.com/continuum-canvas/continuum/pkg/logger"
	"github.com/continuum-canvas/continuum/pkg/metrics"
)

const (
	// RootID is the id of the greeting node of a fresh tree.
	RootID = "root"

	// CancelledText is the content of an assistant node whose task was cancelled.
	CancelledText = "Error: request cancelled"

	titleRunes      = 50
	subscriberQueue = 64
)

var rootPosition = model.Position{X: 250, Y: 50}

// Completer answers a message history.
type Completer interface {
	Complete(ctx context.Context, messages []model.ChatMessage) (string, error)
}

// Persister saves and loads conversation trees.
type Persister interface {
	Save(ctx context.Context, in service.SaveInput) (*model.Conversation, error)
	Load(ctx context.Context, id, ownerID string) (*model.ConversationDetail, error)
}

// LatePolicy decides what happens to task results that arrive after the
// tree was reset or reloaded.
type LatePolicy string

const (
	// PolicyDrop cancels in-flight tasks on reset and discards stale results.
	PolicyDrop LatePolicy = "drop"
	// PolicyApply keeps tasks running across resets and applies a result if
	// its assistant node is pending in the current tree.
	PolicyApply LatePolicy = "apply"
)

// ParsePolicy parses a policy name. Unknown names fall back to PolicyDrop.
func ParsePolicy(s string) LatePolicy {
	if LatePolicy(strings.ToLower(strings.TrimSpace(s))) == PolicyApply {
		return PolicyApply
	}
	return PolicyDrop
}

// Greeting is the content of the root node of a fresh tree.
func Greeting(displayName string) string {
	if strings.TrimSpace(displayName) == "" {
		displayName = "there"
	}
	return fmt.Sprintf("Hello %s! I am Continuum, your infinite canvas AI. Start a conversation.", displayName)
}

// DisplayName derives a greeting name from an email address.
func DisplayName(email string) string {
	name, _, _ := strings.Cut(email, "@")
	return name
}

type task struct {
	generation uint64
	cancel     context.CancelFunc
}

// Session is one user's open canvas.
type Session struct {
	id      string
	ownerID string

	completer Completer
	persister Persister
	cfg       Config
	logger    *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// saveMu serialises Save so only the first save creates a conversation.
	saveMu sync.Mutex

	mu             sync.Mutex
	tree           *tree.Tree
	conversationID string
	generation     uint64
	tasks          map[string]*task
	subs           map[chan model.NodeEvent]struct{}
	lastActive     time.Time
	closed         bool
}

func newSession(parent context.Context, id, ownerID, displayName string, completer Completer, persister Persister, cfg Config, log *logger.Logger) *Session {
	ctx, cancel := context.WithCancel(parent)
	s := &Session{
		id:         id,
		ownerID:    ownerID,
		completer:  completer,
		persister:  persister,
		cfg:        cfg,
		logger:     log.With(zap.String("session_id", id), zap.String("user_id", ownerID)),
		ctx:        ctx,
		cancel:     cancel,
		tasks:      make(map[string]*task),
		subs:       make(map[chan model.NodeEvent]struct{}),
		lastActive: time.Now(),
	}
	s.tree = s.freshTree(displayName)
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// OwnerID returns the id of the user owning the session.
func (s *Session) OwnerID() string { return s.ownerID }

func (s *Session) treeOptions() []tree.Option {
	if s.cfg.NewID != nil {
		return []tree.Option{tree.WithIDGenerator(s.cfg.NewID)}
	}
	return nil
}

func (s *Session) freshTree(displayName string) *tree.Tree {
	t := tree.New(s.treeOptions()...)
	// A fresh tree is empty, so the root cannot collide.
	_ = t.AddNode(tree.Node{
		ID:       RootID,
		Role:     model.RoleSystem,
		Content:  Greeting(displayName),
		Position: rootPosition,
	})
	return t
}

// touch records activity; callers hold s.mu.
func (s *Session) touch() {
	s.lastActive = time.Now()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// reset starts a new generation; callers hold s.mu. Under PolicyDrop every
// in-flight task is cancelled.
func (s *Session) reset(t *tree.Tree, conversationID string) {
	s.generation++
	if s.cfg.Policy == PolicyDrop {
		for id, tk := range s.tasks {
			tk.cancel()
			delete(s.tasks, id)
		}
	}
	s.tree = t
	s.conversationID = conversationID
	s.emit(model.NodeEvent{Type: model.NodeEventTreeReset})
}

// New discards the current tree and starts a fresh one with a greeting.
func (s *Session) New(displayName string) model.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	s.reset(s.freshTree(displayName), "")
	return s.snapshotLocked()
}

// Load replaces the current tree with a persisted conversation.
func (s *Session) Load(ctx context.Context, conversationID string) (model.SessionSnapshot, error) {
	detail, err := s.persister.Load(ctx, conversationID, s.ownerID)
	if err != nil {
		return model.SessionSnapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	nodes := make([]tree.Node, 0, len(detail.Nodes))
	for _, cn := range detail.Nodes {
		n := tree.NodeFromCanvas(cn)
		n.State = tree.StateResolved
		// Under PolicyApply a node whose task is still running stays pending
		// so the late reply can land.
		if _, running := s.tasks[n.ID]; running && s.cfg.Policy == PolicyApply && n.Role == model.RoleAssistant {
			n.State = tree.StatePending
		}
		nodes = append(nodes, n)
	}
	edges := make([]tree.Edge, 0, len(detail.Edges))
	for _, ce := range detail.Edges {
		edges = append(edges, tree.Edge{ID: ce.ID, Source: ce.Source, Target: ce.Target})
	}

	t, err := tree.FromSnapshot(nodes, edges, s.treeOptions()...)
	if err != nil {
		return model.SessionSnapshot{}, apperrors.Wrap(apperrors.KindPersistence, "stored conversation is not a valid tree", err)
	}

	s.reset(t, detail.Conversation.ID)
	return s.snapshotLocked(), nil
}

// Save persists the tree. The first save creates a conversation and binds
// the session to it; later saves replace it. An empty title defaults to the
// start of the greeting.
func (s *Session) Save(ctx context.Context, title string) (*model.Conversation, error) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	s.touch()
	nodes, edges := s.tree.Canvas()
	conversationID := s.conversationID
	generation := s.generation
	if strings.TrimSpace(title) == "" {
		title = s.defaultTitleLocked()
	}
	s.mu.Unlock()

	conv, err := s.persister.Save(ctx, service.SaveInput{
		ConversationID: conversationID,
		OwnerID:        s.ownerID,
		Title:          &title,
		Nodes:          nodes,
		Edges:          edges,
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.generation == generation {
		s.conversationID = conv.ID
	}
	s.mu.Unlock()

	return conv, nil
}

func (s *Session) defaultTitleLocked() string {
	for _, id := range s.tree.Roots() {
		n, _ := s.tree.Node(id)
		if n.Role != model.RoleSystem {
			continue
		}
		runes := []rune(n.Content)
		if len(runes) > titleRunes {
			runes = runes[:titleRunes]
		}
		if title := string(runes); strings.TrimSpace(title) != "" {
			return title
		}
	}
	return model.DefaultConversationTitle
}

// Branch adds a user message below parentID with a pending assistant reply
// and starts the completion task for it.
func (s *Session) Branch(parentID, text string) (tree.BranchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return tree.BranchResult{}, apperrors.NotFound("Session")
	}
	s.touch()

	res, err := s.tree.Branch(parentID, text)
	if err != nil {
		return tree.BranchResult{}, treeError(err)
	}
	history, err := s.tree.HistoryTo(res.UserID)
	if err != nil {
		return tree.BranchResult{}, treeError(err)
	}

	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if s.cfg.CompletionTimeout > 0 {
		ctx, cancel = context.WithTimeout(s.ctx, s.cfg.CompletionTimeout)
	} else {
		ctx, cancel = context.WithCancel(s.ctx)
	}
	tk := &task{generation: s.generation, cancel: cancel}
	s.tasks[res.AssistantID] = tk

	user, _ := s.tree.Node(res.UserID)
	assistant, _ := s.tree.Node(res.AssistantID)
	s.emit(model.NodeEvent{Type: model.NodeEventBranched, NodeID: user.ID, ParentID: parentID, Content: user.Content, State: string(user.State)})
	s.emit(model.NodeEvent{Type: model.NodeEventBranched, NodeID: assistant.ID, ParentID: user.ID, Content: assistant.Content, State: string(assistant.State)})

	s.wg.Add(1)
	go s.run(ctx, res.AssistantID, tk, history)

	return res, nil
}

func (s *Session) run(ctx context.Context, assistantID string, tk *task, history []model.ChatMessage) {
	defer s.wg.Done()
	defer tk.cancel()

	reply, err := s.completer.Complete(ctx, history)
	s.finish(assistantID, tk, reply, err)
}

// finish applies or drops a task result.
func (s *Session) finish(assistantID string, tk *task, reply string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if current, ok := s.tasks[assistantID]; ok && current == tk {
		delete(s.tasks, assistantID)
	}

	if tk.generation != s.generation && s.cfg.Policy != PolicyApply {
		s.drop(assistantID, "stale generation")
		return
	}

	content, settle, outcome := reply, s.tree.Resolve, model.NodeEventResolved
	if err != nil {
		content, settle, outcome = "Error: "+apperrors.Message(err), s.tree.Fail, model.NodeEventFailed
	}

	if serr := settle(assistantID, content); serr != nil {
		s.drop(assistantID, serr.Error())
		return
	}

	metrics.TaskResultsTotal.WithLabelValues(string(outcome)).Inc()
	if err != nil {
		s.logger.Warn("completion task failed", zap.String("node_id", assistantID), zap.Error(err))
	}
	n, _ := s.tree.Node(assistantID)
	s.emit(model.NodeEvent{Type: outcome, NodeID: assistantID, Content: n.Content, State: string(n.State)})
}

func (s *Session) drop(assistantID, reason string) {
	metrics.TaskResultsTotal.WithLabelValues(string(model.NodeEventDropped)).Inc()
	s.logger.Debug("dropped completion result",
		zap.String("node_id", assistantID),
		zap.String("reason", reason),
	)
	s.emit(model.NodeEvent{Type: model.NodeEventDropped, NodeID: assistantID})
}

// Cancel stops the task of a pending assistant node and fails the node.
func (s *Session) Cancel(assistantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	tk, ok := s.tasks[assistantID]
	if !ok {
		return apperrors.NotFound("Task")
	}
	delete(s.tasks, assistantID)
	tk.cancel()

	if err := s.tree.Fail(assistantID, CancelledText); err != nil {
		// The task belonged to an earlier tree; nothing to update.
		return nil
	}
	metrics.TaskResultsTotal.WithLabelValues("cancelled").Inc()
	s.emit(model.NodeEvent{Type: model.NodeEventFailed, NodeID: assistantID, Content: CancelledText, State: string(tree.StateFailed)})
	return nil
}

// HistoryTo returns the root-first history ending at nodeID.
func (s *Session) HistoryTo(nodeID string) ([]model.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history, err := s.tree.HistoryTo(nodeID)
	if err != nil {
		return nil, treeError(err)
	}
	return history, nil
}

// Snapshot returns the current tree and bookkeeping.
func (s *Session) Snapshot() model.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() model.SessionSnapshot {
	nodes, edges := s.tree.Canvas()
	pending := s.tree.Pending()
	if pending == nil {
		pending = []string{}
	}
	return model.SessionSnapshot{
		ID:             s.id,
		ConversationID: s.conversationID,
		Generation:     s.generation,
		Nodes:          nodes,
		Edges:          edges,
		Pending:        pending,
	}
}

// Subscribe returns a channel of node events and a function that ends the
// subscription. Slow subscribers miss events rather than block the session.
func (s *Session) Subscribe() (<-chan model.NodeEvent, func()) {
	ch := make(chan model.NodeEvent, subscriberQueue)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.subs[ch]; ok {
				delete(s.subs, ch)
				close(ch)
			}
		})
	}
}

// emit fans an event out to subscribers; callers hold s.mu.
func (s *Session) emit(ev model.NodeEvent) {
	ev.SessionID = s.id
	ev.At = time.Now().UTC()
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// close cancels every task, waits for them and ends all subscriptions.
func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.generation++
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		delete(s.subs, ch)
		close(ch)
	}
}

func treeError(err error) error {
	switch {
	case errors.Is(err, tree.ErrParentNotFound):
		return apperrors.Wrap(apperrors.KindNotFound, "Parent node not found", err)
	case errors.Is(err, tree.ErrNodeNotFound):
		return apperrors.Wrap(apperrors.KindNotFound, "Node not found", err)
	case errors.Is(err, tree.ErrInvalidNode):
		return apperrors.Wrap(apperrors.KindValidation, "Message text is required", err)
	default:
		return apperrors.Wrap(apperrors.KindInternal, err.Error(), err)
	}
}
