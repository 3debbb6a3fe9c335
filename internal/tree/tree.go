// Package tree implements the in-memory conversation tree.
//
// Nodes and edges live in flat, insertion-ordered collections. All
// relationships are identifier lookups through two indexes: target id to its
// single incoming edge, and source id to its outgoing targets. A Tree is not
// safe for concurrent use.
package tree

import (
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"github.com/google/uuid"

	"github.com/continuum-canvas/continuum/internal/model"
)

// State is the content state of a node. Only assistant nodes are ever pending.
type State string

const (
	StatePending  State = "pending"
	StateResolved State = "resolved"
	StateFailed   State = "failed"
)

// PlaceholderText is the content of an assistant node awaiting its reply.
const PlaceholderText = "Thinking..."

const (
	levelSpacing = 200.0
	maxJitter    = 50.0
)

var (
	ErrInvalidNode       = errors.New("invalid node")
	ErrDuplicateID       = errors.New("duplicate id")
	ErrDanglingReference = errors.New("edge references a missing node")
	ErrMultipleParents   = errors.New("node already has a parent")
	ErrCycle             = errors.New("edge would create a cycle")
	ErrNodeNotFound      = errors.New("node not found")
	ErrParentNotFound    = errors.New("parent node not found")
	ErrInvalidTransition = errors.New("node is not a pending assistant reply")
)

// Node is a single message.
type Node struct {
	ID       string
	Role     model.Role
	Content  string
	Position model.Position
	Width    *float64
	Height   *float64
	State    State
}

// Edge links a parent message (Source) to a direct reply (Target).
type Edge struct {
	ID     string
	Source string
	Target string
}

// BranchResult holds the identifiers created by Branch.
type BranchResult struct {
	UserID      string
	AssistantID string
}

// Tree is a single-parent message tree.
type Tree struct {
	order    []string
	nodes    map[string]*Node
	edges    []Edge
	edgeIDs  map[string]struct{}
	parent   map[string]Edge
	children map[string][]string

	newID  func() string
	jitter func() float64
}

// Option configures a Tree.
type Option func(*Tree)

// WithIDGenerator overrides how Branch names new nodes.
func WithIDGenerator(fn func() string) Option {
	return func(t *Tree) { t.newID = fn }
}

// WithJitter overrides the horizontal offset applied to branched nodes.
func WithJitter(fn func() float64) Option {
	return func(t *Tree) { t.jitter = fn }
}

// New creates an empty tree.
func New(opts ...Option) *Tree {
	t := &Tree{
		nodes:    make(map[string]*Node),
		edgeIDs:  make(map[string]struct{}),
		parent:   make(map[string]Edge),
		children: make(map[string][]string),
		newID: func() string {
			return uuid.Must(uuid.NewV7()).String()
		},
		jitter: func() float64 {
			return rand.Float64()*2*maxJitter - maxJitter
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// FromSnapshot builds a tree from a node and edge set, enforcing every
// structural invariant. Edge order does not matter.
func FromSnapshot(nodes []Node, edges []Edge, opts ...Option) (*Tree, error) {
	t := New(opts...)
	for _, n := range nodes {
		if err := t.AddNode(n); err != nil {
			return nil, err
		}
	}
	for _, e := range edges {
		if e.ID == "" {
			e.ID = EdgeID(e.Source, e.Target)
		}
		if err := t.insertEdge(e); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// EdgeID is the identifier given to an edge created between two nodes.
func EdgeID(sourceID, targetID string) string {
	return "e-" + sourceID + "-" + targetID
}

// AddNode inserts a node. Nodes without a state are treated as resolved.
func (t *Tree) AddNode(n Node) error {
	if n.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidNode)
	}
	if !n.Role.Valid() {
		return fmt.Errorf("%w: %s has role %q", ErrInvalidNode, n.ID, n.Role)
	}
	if _, exists := t.nodes[n.ID]; exists {
		return fmt.Errorf("%w: node %s", ErrDuplicateID, n.ID)
	}
	if n.State == "" || n.Role != model.RoleAssistant {
		n.State = StateResolved
	}

	t.nodes[n.ID] = &n
	t.order = append(t.order, n.ID)
	return nil
}

// AddEdge links targetID as a direct reply to sourceID.
func (t *Tree) AddEdge(sourceID, targetID string) (Edge, error) {
	e := Edge{ID: EdgeID(sourceID, targetID), Source: sourceID, Target: targetID}
	if err := t.insertEdge(e); err != nil {
		return Edge{}, err
	}
	return e, nil
}

func (t *Tree) checkEdge(e Edge) error {
	if _, ok := t.nodes[e.Source]; !ok {
		return fmt.Errorf("%w: source %s", ErrDanglingReference, e.Source)
	}
	if _, ok := t.nodes[e.Target]; !ok {
		return fmt.Errorf("%w: target %s", ErrDanglingReference, e.Target)
	}
	if _, ok := t.parent[e.Target]; ok {
		return fmt.Errorf("%w: %s", ErrMultipleParents, e.Target)
	}
	if _, ok := t.edgeIDs[e.ID]; ok {
		return fmt.Errorf("%w: edge %s", ErrDuplicateID, e.ID)
	}
	if e.Source == e.Target || t.isAncestor(e.Target, e.Source) {
		return fmt.Errorf("%w: %s -> %s", ErrCycle, e.Source, e.Target)
	}
	return nil
}

func (t *Tree) insertEdge(e Edge) error {
	if err := t.checkEdge(e); err != nil {
		return err
	}
	t.edges = append(t.edges, e)
	t.edgeIDs[e.ID] = struct{}{}
	t.parent[e.Target] = e
	t.children[e.Source] = append(t.children[e.Source], e.Target)
	return nil
}

// isAncestor reports whether ancestorID lies on the path from id to its root.
func (t *Tree) isAncestor(ancestorID, id string) bool {
	for {
		e, ok := t.parent[id]
		if !ok {
			return false
		}
		if e.Source == ancestorID {
			return true
		}
		id = e.Source
	}
}

// HistoryTo returns the root-first messages on the path ending at nodeID.
func (t *Tree) HistoryTo(nodeID string) ([]model.ChatMessage, error) {
	if _, ok := t.nodes[nodeID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}

	var history []model.ChatMessage
	for id := nodeID; ; {
		n := t.nodes[id]
		history = append(history, model.ChatMessage{Role: n.Role, Content: n.Content})

		e, ok := t.parent[id]
		if !ok {
			break
		}
		id = e.Source
	}

	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	return history, nil
}

// Branch appends a user message below parentID and a pending assistant reply
// below that. Either both nodes and both edges are added or nothing is.
func (t *Tree) Branch(parentID, userText string) (BranchResult, error) {
	parent, ok := t.nodes[parentID]
	if !ok {
		return BranchResult{}, fmt.Errorf("%w: %s", ErrParentNotFound, parentID)
	}
	if strings.TrimSpace(userText) == "" {
		return BranchResult{}, fmt.Errorf("%w: empty message", ErrInvalidNode)
	}

	userID, assistantID := t.newID(), t.newID()
	if userID == assistantID {
		return BranchResult{}, fmt.Errorf("%w: node %s", ErrDuplicateID, userID)
	}
	for _, id := range []string{userID, assistantID} {
		if _, exists := t.nodes[id]; exists {
			return BranchResult{}, fmt.Errorf("%w: node %s", ErrDuplicateID, id)
		}
	}
	for _, id := range []string{EdgeID(parentID, userID), EdgeID(userID, assistantID)} {
		if _, exists := t.edgeIDs[id]; exists {
			return BranchResult{}, fmt.Errorf("%w: edge %s", ErrDuplicateID, id)
		}
	}

	// Every check that can fail has run; the inserts below cannot.
	x := parent.Position.X + t.jitter()
	user := &Node{
		ID:       userID,
		Role:     model.RoleUser,
		Content:  userText,
		Position: model.Position{X: x, Y: parent.Position.Y + levelSpacing},
		State:    StateResolved,
	}
	assistant := &Node{
		ID:       assistantID,
		Role:     model.RoleAssistant,
		Content:  PlaceholderText,
		Position: model.Position{X: x, Y: parent.Position.Y + 2*levelSpacing},
		State:    StatePending,
	}
	for _, n := range []*Node{user, assistant} {
		t.nodes[n.ID] = n
		t.order = append(t.order, n.ID)
	}
	for _, e := range []Edge{
		{ID: EdgeID(parentID, userID), Source: parentID, Target: userID},
		{ID: EdgeID(userID, assistantID), Source: userID, Target: assistantID},
	} {
		t.edges = append(t.edges, e)
		t.edgeIDs[e.ID] = struct{}{}
		t.parent[e.Target] = e
		t.children[e.Source] = append(t.children[e.Source], e.Target)
	}

	return BranchResult{UserID: userID, AssistantID: assistantID}, nil
}

// Resolve replaces a pending assistant placeholder with its reply.
func (t *Tree) Resolve(assistantID, text string) error {
	return t.settle(assistantID, text, StateResolved)
}

// Fail replaces a pending assistant placeholder with an error text.
func (t *Tree) Fail(assistantID, errText string) error {
	return t.settle(assistantID, errText, StateFailed)
}

func (t *Tree) settle(id, content string, to State) error {
	n, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	if n.Role != model.RoleAssistant || n.State != StatePending {
		return fmt.Errorf("%w: %s is %s %s", ErrInvalidTransition, id, n.State, n.Role)
	}
	n.Content = content
	n.State = to
	return nil
}

// Node returns a copy of the node with the given id.
func (t *Tree) Node(id string) (Node, bool) {
	n, ok := t.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Nodes returns copies of all nodes in insertion order.
func (t *Tree) Nodes() []Node {
	out := make([]Node, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, *t.nodes[id])
	}
	return out
}

// Edges returns all edges in insertion order.
func (t *Tree) Edges() []Edge {
	out := make([]Edge, len(t.edges))
	copy(out, t.edges)
	return out
}

// Parent returns the id of the node's parent, if any.
func (t *Tree) Parent(id string) (string, bool) {
	e, ok := t.parent[id]
	if !ok {
		return "", false
	}
	return e.Source, true
}

// Children returns the ids of the node's direct replies in insertion order.
func (t *Tree) Children(id string) []string {
	kids := t.children[id]
	out := make([]string, len(kids))
	copy(out, kids)
	return out
}

// Roots returns the ids of nodes without a parent.
func (t *Tree) Roots() []string {
	var roots []string
	for _, id := range t.order {
		if _, ok := t.parent[id]; !ok {
			roots = append(roots, id)
		}
	}
	return roots
}

// Pending returns the ids of assistant nodes still awaiting a reply.
func (t *Tree) Pending() []string {
	var ids []string
	for _, id := range t.order {
		if t.nodes[id].State == StatePending {
			ids = append(ids, id)
		}
	}
	return ids
}

// Len returns the number of nodes.
func (t *Tree) Len() int {
	return len(t.order)
}
