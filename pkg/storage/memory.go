// Package storage provides an in-memory graph engine.
//
// MemoryEngine is a thread-safe property graph that implements graph.Engine by
// executing the enrichment's named queries natively. It's useful for:
//   - Unit testing (no database needed)
//   - Enriching Neo4j JSON exports offline
//   - Small graphs that fit in RAM
package storage

import (
	"fmt"
	"sort"
	"sync"

	"github.com/orneryd/ekgenrich/pkg/graph"
)

// MemoryEngine is an in-memory graph.
type MemoryEngine struct {
	mu    sync.RWMutex
	nodes map[NodeID]*Node
	edges map[EdgeID]*Edge

	// Indexes for efficient lookups
	nodesByLabel  map[string]map[NodeID]struct{}
	outgoingEdges map[NodeID]map[EdgeID]struct{}
	incomingEdges map[NodeID]map[EdgeID]struct{}

	// catalog only; lookups always scan the label index
	indexes map[string]graph.IndexDef

	seq    uint64
	closed bool
}

// NewMemoryEngine creates a new in-memory engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		nodes:         make(map[NodeID]*Node),
		edges:         make(map[EdgeID]*Edge),
		nodesByLabel:  make(map[string]map[NodeID]struct{}),
		outgoingEdges: make(map[NodeID]map[EdgeID]struct{}),
		incomingEdges: make(map[NodeID]map[EdgeID]struct{}),
		indexes:       make(map[string]graph.IndexDef),
	}
}

// CreateNode stores a copy of node. An empty ID is assigned; the assigned
// ID is returned.
func (m *MemoryEngine) CreateNode(node *Node) (NodeID, error) {
	if node == nil {
		return "", ErrInvalidData
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", ErrStorageClosed
	}
	if node.ID != "" {
		if _, exists := m.nodes[node.ID]; exists {
			return "", ErrAlreadyExists
		}
	}
	stored := m.createNodeLocked(node)
	return stored.ID, nil
}

func (m *MemoryEngine) createNodeLocked(node *Node) *Node {
	stored := copyNode(node)
	if stored.ID == "" {
		stored.ID = m.nextNodeID()
	}
	if stored.Properties == nil {
		stored.Properties = make(map[string]any)
	}
	m.nodes[stored.ID] = stored
	for _, label := range stored.Labels {
		m.indexLabel(label, stored.ID)
	}
	return stored
}

func (m *MemoryEngine) indexLabel(label string, id NodeID) {
	if m.nodesByLabel[label] == nil {
		m.nodesByLabel[label] = make(map[NodeID]struct{})
	}
	m.nodesByLabel[label][id] = struct{}{}
}

func (m *MemoryEngine) nextNodeID() NodeID {
	for {
		m.seq++
		id := NodeID(fmt.Sprintf("n:%d", m.seq))
		if _, taken := m.nodes[id]; !taken {
			return id
		}
	}
}

func (m *MemoryEngine) nextEdgeID() EdgeID {
	for {
		m.seq++
		id := EdgeID(fmt.Sprintf("e:%d", m.seq))
		if _, taken := m.edges[id]; !taken {
			return id
		}
	}
}

// GetNode retrieves a node by ID.
func (m *MemoryEngine) GetNode(id NodeID) (*Node, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	node, exists := m.nodes[id]
	if !exists {
		return nil, ErrNotFound
	}
	return copyNode(node), nil
}

// UpdateNode replaces labels and properties of an existing node.
func (m *MemoryEngine) UpdateNode(node *Node) error {
	if node == nil {
		return ErrInvalidData
	}
	if node.ID == "" {
		return ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}

	existing, exists := m.nodes[node.ID]
	if !exists {
		return ErrNotFound
	}
	for _, label := range existing.Labels {
		delete(m.nodesByLabel[label], node.ID)
	}
	stored := copyNode(node)
	m.nodes[node.ID] = stored
	for _, label := range stored.Labels {
		m.indexLabel(label, stored.ID)
	}
	return nil
}

// relabelLocked removes one label and adds another.
func (m *MemoryEngine) relabelLocked(n *Node, remove, add string) {
	labels := n.Labels[:0]
	for _, l := range n.Labels {
		if l != remove {
			labels = append(labels, l)
		}
	}
	n.Labels = labels
	delete(m.nodesByLabel[remove], n.ID)
	if !n.HasLabel(add) {
		n.Labels = append(n.Labels, add)
	}
	m.indexLabel(add, n.ID)
}

// CreateEdge stores a copy of edge between two existing nodes. An empty ID is
// assigned; the assigned ID is returned.
func (m *MemoryEngine) CreateEdge(edge *Edge) (EdgeID, error) {
	if edge == nil || edge.Type == "" {
		return "", ErrInvalidData
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", ErrStorageClosed
	}
	if edge.ID != "" {
		if _, exists := m.edges[edge.ID]; exists {
			return "", ErrAlreadyExists
		}
	}
	if _, exists := m.nodes[edge.StartNode]; !exists {
		return "", fmt.Errorf("%w: start node %s", ErrNotFound, edge.StartNode)
	}
	if _, exists := m.nodes[edge.EndNode]; !exists {
		return "", fmt.Errorf("%w: end node %s", ErrNotFound, edge.EndNode)
	}
	return m.createEdgeLocked(edge).ID, nil
}

func (m *MemoryEngine) createEdgeLocked(edge *Edge) *Edge {
	stored := copyEdge(edge)
	if stored.ID == "" {
		stored.ID = m.nextEdgeID()
	}
	if stored.Properties == nil {
		stored.Properties = make(map[string]any)
	}
	m.edges[stored.ID] = stored

	if m.outgoingEdges[stored.StartNode] == nil {
		m.outgoingEdges[stored.StartNode] = make(map[EdgeID]struct{})
	}
	m.outgoingEdges[stored.StartNode][stored.ID] = struct{}{}

	if m.incomingEdges[stored.EndNode] == nil {
		m.incomingEdges[stored.EndNode] = make(map[EdgeID]struct{})
	}
	m.incomingEdges[stored.EndNode][stored.ID] = struct{}{}
	return stored
}

// GetEdge retrieves an edge by ID.
func (m *MemoryEngine) GetEdge(id EdgeID) (*Edge, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	edge, exists := m.edges[id]
	if !exists {
		return nil, ErrNotFound
	}
	return copyEdge(edge), nil
}

// GetNodesByLabel returns all nodes with the given label, ordered by ID.
func (m *MemoryEngine) GetNodesByLabel(label string) ([]*Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	nodes := m.labelledLocked(label)
	out := make([]*Node, len(nodes))
	for i, n := range nodes {
		out[i] = copyNode(n)
	}
	return out, nil
}

// labelledLocked returns the stored nodes with label, ordered by ID.
func (m *MemoryEngine) labelledLocked(label string) []*Node {
	ids := m.nodesByLabel[label]
	out := make([]*Node, 0, len(ids))
	for id := range ids {
		if n := m.nodes[id]; n != nil {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetEdgesByType returns all edges of the given type, ordered by ID.
func (m *MemoryEngine) GetEdgesByType(edgeType string) ([]*Edge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	var out []*Edge
	for _, e := range m.edges {
		if e.Type == edgeType {
			out = append(out, copyEdge(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// GetOutgoingEdges returns all edges starting from the given node.
func (m *MemoryEngine) GetOutgoingEdges(nodeID NodeID) ([]*Edge, error) {
	return m.adjacent(nodeID, m.outgoingEdges)
}

// GetIncomingEdges returns all edges ending at the given node.
func (m *MemoryEngine) GetIncomingEdges(nodeID NodeID) ([]*Edge, error) {
	return m.adjacent(nodeID, m.incomingEdges)
}

func (m *MemoryEngine) adjacent(nodeID NodeID, index map[NodeID]map[EdgeID]struct{}) ([]*Edge, error) {
	if nodeID == "" {
		return nil, ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	edges := make([]*Edge, 0, len(index[nodeID]))
	for id := range index[nodeID] {
		if edge := m.edges[id]; edge != nil {
			edges = append(edges, copyEdge(edge))
		}
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })
	return edges, nil
}

// GetEdgesBetween returns all edges from startID to endID.
func (m *MemoryEngine) GetEdgesBetween(startID, endID NodeID) ([]*Edge, error) {
	out, err := m.GetOutgoingEdges(startID)
	if err != nil {
		return nil, err
	}
	edges := out[:0]
	for _, e := range out {
		if e.EndNode == endID {
			edges = append(edges, e)
		}
	}
	return edges, nil
}

// Close releases the graph. Further calls return ErrStorageClosed.
func (m *MemoryEngine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.nodes = nil
	m.edges = nil
	m.nodesByLabel = nil
	m.outgoingEdges = nil
	m.incomingEdges = nil
	m.indexes = nil
	return nil
}

// NodeCount returns the number of nodes.
func (m *MemoryEngine) NodeCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.nodes)), nil
}

// EdgeCount returns the number of edges.
func (m *MemoryEngine) EdgeCount() (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.edges)), nil
}

// copyNode creates a deep copy of a node.
func copyNode(n *Node) *Node {
	if n == nil {
		return nil
	}
	copied := &Node{
		ID:         n.ID,
		Labels:     make([]string, len(n.Labels)),
		Properties: make(map[string]any, len(n.Properties)),
	}
	copy(copied.Labels, n.Labels)
	for k, v := range n.Properties {
		copied.Properties[k] = v
	}
	return copied
}

// copyEdge creates a deep copy of an edge.
func copyEdge(e *Edge) *Edge {
	if e == nil {
		return nil
	}
	copied := &Edge{
		ID:         e.ID,
		StartNode:  e.StartNode,
		EndNode:    e.EndNode,
		Type:       e.Type,
		Properties: make(map[string]any, len(e.Properties)),
	}
	for k, v := range e.Properties {
		copied.Properties[k] = v
	}
	return copied
}

// Verify MemoryEngine implements graph.Engine
var _ graph.Engine = (*MemoryEngine)(nil)
