package storage

import "errors"

// NodeID is a node's element id.
type NodeID string

// EdgeID is an edge's element id.
type EdgeID string

var (
	ErrNotFound      = errors.New("storage: not found")
	ErrInvalidID     = errors.New("storage: invalid id")
	ErrInvalidData   = errors.New("storage: invalid data")
	ErrAlreadyExists = errors.New("storage: already exists")
	ErrStorageClosed = errors.New("storage: closed")
)

// Node is a labelled property node.
type Node struct {
	ID         NodeID
	Labels     []string
	Properties map[string]any
}

// HasLabel reports whether the node carries label.
func (n *Node) HasLabel(label string) bool {
	for _, l := range n.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Edge is a directed, typed property edge.
type Edge struct {
	ID         EdgeID
	StartNode  NodeID
	EndNode    NodeID
	Type       string
	Properties map[string]any
}

// Other returns the endpoint of e that is not id.
func (e *Edge) Other(id NodeID) NodeID {
	if e.StartNode == id {
		return e.EndNode
	}
	return e.StartNode
}
