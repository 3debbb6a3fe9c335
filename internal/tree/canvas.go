package tree

import (
	"github.com/continuum-canvas/continuum/internal/model"
)

// FromCanvas converts canvas documents into a validated tree.
func FromCanvas(nodes []model.CanvasNode, edges []model.CanvasEdge, opts ...Option) (*Tree, error) {
	ns := make([]Node, 0, len(nodes))
	for _, cn := range nodes {
		ns = append(ns, NodeFromCanvas(cn))
	}
	es := make([]Edge, 0, len(edges))
	for _, ce := range edges {
		es = append(es, Edge{ID: ce.ID, Source: ce.Source, Target: ce.Target})
	}
	return FromSnapshot(ns, es, opts...)
}

// NodeFromCanvas converts a canvas node. Unknown states fall back to resolved.
func NodeFromCanvas(cn model.CanvasNode) Node {
	n := Node{
		ID:       cn.ID,
		Role:     cn.Data.Role,
		Content:  cn.Data.Label,
		Position: cn.Position,
		Width:    cn.Width,
		Height:   cn.Height,
		State:    StateResolved,
	}
	switch State(cn.Data.State) {
	case StatePending, StateFailed:
		n.State = State(cn.Data.State)
	}
	return n
}

// Canvas converts the node to its canvas document.
func (n Node) Canvas() model.CanvasNode {
	return model.CanvasNode{
		ID:       n.ID,
		Type:     model.CanvasNodeType,
		Position: n.Position,
		Data: model.NodeData{
			Label: n.Content,
			Role:  n.Role,
			State: string(n.State),
		},
		Width:  n.Width,
		Height: n.Height,
	}
}

// Canvas converts the edge to its canvas document.
func (e Edge) Canvas() model.CanvasEdge {
	return model.CanvasEdge{ID: e.ID, Source: e.Source, Target: e.Target}
}

// Canvas returns the tree's nodes and edges as canvas documents.
func (t *Tree) Canvas() ([]model.CanvasNode, []model.CanvasEdge) {
	nodes := make([]model.CanvasNode, 0, len(t.order))
	for _, n := range t.Nodes() {
		nodes = append(nodes, n.Canvas())
	}
	edges := make([]model.CanvasEdge, 0, len(t.edges))
	for _, e := range t.edges {
		edges = append(edges, e.Canvas())
	}
	return nodes, edges
}
