package storage

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/orneryd/ekgenrich/pkg/cypher"
	"github.com/orneryd/ekgenrich/pkg/graph"
)

// Pattern helpers. Every function here expects m.mu to be held.

// edgesLocked returns the outgoing (out=true) or incoming edges of id,
// ordered by edge ID.
func (m *MemoryEngine) edgesLocked(id NodeID, out bool) []*Edge {
	index := m.incomingEdges
	if out {
		index = m.outgoingEdges
	}
	edges := make([]*Edge, 0, len(index[id]))
	for eid := range index[id] {
		if e := m.edges[eid]; e != nil {
			edges = append(edges, e)
		}
	}
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })
	return edges
}

// neighborsLocked returns the distinct nodes connected to id in either
// direction, optionally restricted to one edge type.
func (m *MemoryEngine) neighborsLocked(id NodeID, edgeType string) []*Node {
	seen := make(map[NodeID]bool)
	var out []*Node
	for _, dir := range []bool{true, false} {
		for _, e := range m.edgesLocked(id, dir) {
			if edgeType != "" && e.Type != edgeType {
				continue
			}
			other := e.Other(id)
			if seen[other] {
				continue
			}
			if n := m.nodes[other]; n != nil {
				seen[other] = true
				out = append(out, n)
			}
		}
	}
	return out
}

// findNodeLocked returns the node carrying every label whose key equals value.
func (m *MemoryEngine) findNodeLocked(labels []string, key string, value any) *Node {
	var found *Node
	for id := range m.nodesByLabel[labels[0]] {
		n := m.nodes[id]
		if n == nil || !equalValues(n.Properties[key], value) || !hasLabels(n, labels) {
			continue
		}
		if found == nil || n.ID < found.ID {
			found = n
		}
	}
	return found
}

// mergeNodeLocked is MERGE (n:labels {key: value}).
func (m *MemoryEngine) mergeNodeLocked(labels []string, key string, value any) (*Node, bool, error) {
	if value == nil {
		return nil, false, fmt.Errorf("%w: cannot merge node using null property value for %s", ErrInvalidData, key)
	}
	if n := m.findNodeLocked(labels, key, value); n != nil {
		return n, false, nil
	}
	n := m.createNodeLocked(&Node{
		Labels:     append([]string(nil), labels...),
		Properties: map[string]any{key: value},
	})
	return n, true, nil
}

// findEdgeLocked returns an edge start-[:edgeType]->end carrying at least
// props.
func (m *MemoryEngine) findEdgeLocked(start, end NodeID, edgeType string, props map[string]any) *Edge {
	for _, e := range m.edgesLocked(start, true) {
		if e.EndNode != end || e.Type != edgeType {
			continue
		}
		match := true
		for k, v := range props {
			if !equalValues(e.Properties[k], v) {
				match = false
				break
			}
		}
		if match {
			return e
		}
	}
	return nil
}

// mergeEdgeLocked is MERGE (start)-[:edgeType props]->(end).
func (m *MemoryEngine) mergeEdgeLocked(start, end NodeID, edgeType string, props map[string]any) (*Edge, bool) {
	if e := m.findEdgeLocked(start, end, edgeType, props); e != nil {
		return e, false
	}
	return m.createEdgeLocked(&Edge{StartNode: start, EndNode: end, Type: edgeType, Properties: props}), true
}

// typedLocked returns the nodes linked by IS_OF_TYPE to the marker
// (:markerLabel {markerKey: typeName}), ordered by ID.
func (m *MemoryEngine) typedLocked(markerLabel, markerKey, typeName string) []*Node {
	seen := make(map[NodeID]bool)
	var out []*Node
	for id := range m.nodesByLabel[markerLabel] {
		marker := m.nodes[id]
		if marker == nil || !equalValues(marker.Properties[markerKey], typeName) {
			continue
		}
		for _, e := range m.edgesLocked(marker.ID, false) {
			if e.Type != graph.RelIsOfType || seen[e.StartNode] {
				continue
			}
			if n := m.nodes[e.StartNode]; n != nil {
				seen[n.ID] = true
				out = append(out, n)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// eventTypeInLocked reports whether e IS_OF_TYPE an EventType in types.
func (m *MemoryEngine) eventTypeInLocked(e *Node, types map[string]bool) bool {
	for _, edge := range m.edgesLocked(e.ID, true) {
		if edge.Type != graph.RelIsOfType {
			continue
		}
		et := m.nodes[edge.EndNode]
		if et == nil || !et.HasLabel(graph.LabelEventType) {
			continue
		}
		if name, ok := et.Properties[graph.PropEventType].(string); ok && types[name] {
			return true
		}
	}
	return false
}

// satisfiesLocked reports whether some binding of the condition aliases makes
// every condition hold. Conditions sharing an alias must bind the same node.
func (m *MemoryEngine) satisfiesLocked(vars map[string]*Node, conds cypher.Conditions) bool {
	if len(conds) == 0 {
		return true
	}
	c := conds[0]
	anchor := vars[c.Anchor]
	if anchor == nil {
		return false
	}
	bound, isBound := vars[c.Alias]
	for _, nb := range m.neighborsLocked(anchor.ID, c.RelationType) {
		if !nb.HasLabel(c.Label) {
			continue
		}
		if isBound {
			if nb.ID == bound.ID && m.satisfiesLocked(vars, conds[1:]) {
				return true
			}
			continue
		}
		vars[c.Alias] = nb
		ok := m.satisfiesLocked(vars, conds[1:])
		delete(vars, c.Alias)
		if ok {
			return true
		}
	}
	return false
}

// applyAssignmentsLocked is SET t.k = coalesce(t.k, s.a), ...
func applyAssignmentsLocked(vars map[string]*Node, assigns cypher.Assignments) {
	for _, a := range assigns {
		target, source := vars[a.Target], vars[a.Source]
		if target == nil || source == nil {
			continue
		}
		if target.Properties[a.Key] != nil {
			continue
		}
		if v := source.Properties[a.SourceKey]; v != nil {
			target.Properties[a.Key] = v
		}
	}
}

// firstPresent is [f IN fields WHERE n[f] IS NOT NULL | n[f]][0].
func firstPresent(n *Node, fields []string) any {
	for _, f := range fields {
		if v := n.Properties[f]; v != nil {
			return v
		}
	}
	return nil
}

func hasLabels(n *Node, labels []string) bool {
	for _, l := range labels {
		if !n.HasLabel(l) {
			return false
		}
	}
	return true
}

// equalValues compares property values with numbers compared by value.
func equalValues(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	}
	return 0, false
}

// concatIdentity is from.sysId + $separator + to.sysId.
func concatIdentity(from any, sep string, to any) any {
	if from == nil || to == nil {
		return nil
	}
	return fmt.Sprint(from) + sep + fmt.Sprint(to)
}
