package storage

import (
	"context"

	"github.com/orneryd/ekgenrich/pkg/cypher"
	"github.com/orneryd/ekgenrich/pkg/graph"
)

// MERGE (:<markerLabel> {<key>: $<key>})
func (m *MemoryEngine) mergeTypeMarker(q cypher.Query, markerLabel, key string) ([]graph.Row, error) {
	name, err := stringParam(q, key)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	if _, _, err := m.mergeNodeLocked([]string{markerLabel}, key, name); err != nil {
		return nil, err
	}
	return []graph.Row{{"count": int64(1)}}, nil
}

// MERGE (n)-[:IS_OF_TYPE]->(marker) for every (n:$label); event types also
// move n from :label to :Event.
func (m *MemoryEngine) linkType(ctx context.Context, q cypher.Query, markerLabel, key string, promote bool) ([]graph.Row, error) {
	name, err := stringParam(q, key)
	if err != nil {
		return nil, err
	}
	label := q.Ident("label")

	type link struct{ node, marker NodeID }
	m.mu.RLock()
	var links []link
	for id := range m.nodesByLabel[markerLabel] {
		marker := m.nodes[id]
		if marker == nil || !equalValues(marker.Properties[key], name) {
			continue
		}
		for _, n := range m.labelledLocked(label) {
			links = append(links, link{node: n.ID, marker: marker.ID})
		}
	}
	m.mu.RUnlock()

	err = m.inBatches(ctx, len(links), batchSizeParam(q), func(lo, hi int) error {
		for _, l := range links[lo:hi] {
			n := m.nodes[l.node]
			if n == nil {
				continue
			}
			m.mergeEdgeLocked(n.ID, l.marker, graph.RelIsOfType, nil)
			if promote {
				m.relabelLocked(n, label, graph.LabelEvent)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return []graph.Row{{"count": int64(len(links))}}, nil
}

func (m *MemoryEngine) materialize(ctx context.Context, q cypher.Query) ([]graph.Row, error) {
	fromType, err := stringParam(q, "fromType")
	if err != nil {
		return nil, err
	}
	toType, err := stringParam(q, "toType")
	if err != nil {
		return nil, err
	}
	sep, err := stringParam(q, "separator")
	if err != nil {
		return nil, err
	}
	label := q.Ident("label")
	relType := q.Ident("relationType")
	conds, _ := q.Schema["conditions"].(cypher.Conditions)
	assigns, _ := q.Schema["assignments"].(cypher.Assignments)

	type pair struct {
		from, to NodeID
		edges    int64
	}
	m.mu.RLock()
	toPool := make(map[NodeID]bool)
	for _, n := range m.typedLocked(graph.LabelObjectType, graph.PropObjectType, toType) {
		toPool[n.ID] = true
	}
	var pairs []pair
	index := make(map[[2]NodeID]int)
	for _, from := range m.typedLocked(graph.LabelObjectType, graph.PropObjectType, fromType) {
		for _, r := range m.edgesLocked(from.ID, true) {
			if r.Type != relType || !toPool[r.EndNode] {
				continue
			}
			to := m.nodes[r.EndNode]
			if !m.satisfiesLocked(map[string]*Node{"from": from, "to": to}, conds) {
				continue
			}
			key := [2]NodeID{from.ID, to.ID}
			if i, ok := index[key]; ok {
				pairs[i].edges++
				continue
			}
			index[key] = len(pairs)
			pairs = append(pairs, pair{from: from.ID, to: to.ID, edges: 1})
		}
	}
	m.mu.RUnlock()

	var edges int64
	distinct := make(map[NodeID]bool)
	err = m.inBatches(ctx, len(pairs), batchSizeParam(q), func(lo, hi int) error {
		for _, p := range pairs[lo:hi] {
			from, to := m.nodes[p.from], m.nodes[p.to]
			if from == nil || to == nil {
				continue
			}
			id := concatIdentity(from.Properties[graph.PropSysID], sep, to.Properties[graph.PropSysID])
			n, _, err := m.mergeNodeLocked([]string{label}, graph.PropSysID, id)
			if err != nil {
				return err
			}
			m.mergeEdgeLocked(n.ID, from.ID, graph.RelRelated, nil)
			m.mergeEdgeLocked(n.ID, to.ID, graph.RelRelated, nil)
			applyAssignmentsLocked(map[string]*Node{"new": n, "from": from, "to": to}, assigns)
			distinct[n.ID] = true
			edges += p.edges
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return []graph.Row{{"edges": edges, "nodes": int64(len(distinct))}}, nil
}

func (m *MemoryEngine) infer(ctx context.Context, q cypher.Query) ([]graph.Row, error) {
	relType := q.Ident("type")
	conds, _ := q.Schema["conditions"].(cypher.Conditions)

	type pair struct{ from, to NodeID }
	m.mu.RLock()
	var pairs []pair
	toNodes := m.labelledLocked(q.Ident("toLabel"))
	for _, from := range m.labelledLocked(q.Ident("fromLabel")) {
		for _, to := range toNodes {
			if from.ID == to.ID {
				continue
			}
			if m.satisfiesLocked(map[string]*Node{"from": from, "to": to}, conds) {
				pairs = append(pairs, pair{from: from.ID, to: to.ID})
			}
		}
	}
	m.mu.RUnlock()

	err := m.inBatches(ctx, len(pairs), batchSizeParam(q), func(lo, hi int) error {
		for _, p := range pairs[lo:hi] {
			if m.nodes[p.from] == nil || m.nodes[p.to] == nil {
				continue
			}
			m.mergeEdgeLocked(p.from, p.to, relType, nil)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return []graph.Row{{"count": int64(len(pairs))}}, nil
}

// scopedEvent is one distinct (object, event) correlation with its first
// present timestamp.
type scopedEvent struct {
	object    *Node
	event     *Node
	timestamp any
}

// scopeEventsLocked matches the events of $eventTypes correlated to objects of
// $objectType that carry one of $timestampFields.
func (m *MemoryEngine) scopeEventsLocked(q cypher.Query) ([]scopedEvent, error) {
	objectType, err := stringParam(q, "objectType")
	if err != nil {
		return nil, err
	}
	eventTypes, err := stringsParam(q, "eventTypes")
	if err != nil {
		return nil, err
	}
	fields, err := stringsParam(q, "timestampFields")
	if err != nil {
		return nil, err
	}
	types := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		types[t] = true
	}

	var out []scopedEvent
	for _, o := range m.typedLocked(graph.LabelObjectType, graph.PropObjectType, objectType) {
		for _, e := range m.neighborsLocked(o.ID, "") {
			if !e.HasLabel(graph.LabelEvent) || !m.eventTypeInLocked(e, types) {
				continue
			}
			ts := firstPresent(e, fields)
			if ts == nil {
				continue
			}
			out = append(out, scopedEvent{object: o, event: e, timestamp: ts})
		}
	}
	return out, nil
}

func (m *MemoryEngine) directlyFollowsEvents(q cypher.Query) ([]graph.Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	scoped, err := m.scopeEventsLocked(q)
	if err != nil {
		return nil, err
	}
	rows := make([]graph.Row, 0, len(scoped))
	for _, s := range scoped {
		rows = append(rows, graph.Row{
			"objectId":  s.object.Properties[graph.PropSysID],
			"eventId":   s.event.Properties[graph.PropSysID],
			"eventKey":  string(s.event.ID),
			"timestamp": s.timestamp,
		})
	}
	return rows, nil
}

func (m *MemoryEngine) boundaryCandidates(q cypher.Query) ([]graph.Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}
	scoped, err := m.scopeEventsLocked(q)
	if err != nil {
		return nil, err
	}
	objectType := q.Params["objectType"]
	rows := make([]graph.Row, 0, len(scoped))
	covered := make(map[NodeID]bool, len(scoped))
	for _, s := range scoped {
		covered[s.object.ID] = true
		scope := map[string]any{graph.PropObjectType: objectType, graph.PropScopeID: s.object.Properties[graph.PropSysID]}
		rows = append(rows, graph.Row{
			"objectKey":   string(s.object.ID),
			"objectId":    s.object.Properties[graph.PropSysID],
			"eventKey":    string(s.event.ID),
			"eventId":     s.event.Properties[graph.PropSysID],
			"timestamp":   s.timestamp,
			"hasIncoming": m.hasScopedEdgeLocked(s.event.ID, false, scope),
			"hasOutgoing": m.hasScopedEdgeLocked(s.event.ID, true, scope),
		})
	}
	// Objects without a scoped event still yield one row with null event
	// columns, as the OPTIONAL MATCH does.
	typeName, _ := objectType.(string)
	for _, o := range m.typedLocked(graph.LabelObjectType, graph.PropObjectType, typeName) {
		if covered[o.ID] {
			continue
		}
		rows = append(rows, graph.Row{
			"objectKey":   string(o.ID),
			"objectId":    o.Properties[graph.PropSysID],
			"eventKey":    nil,
			"eventId":     nil,
			"timestamp":   nil,
			"hasIncoming": false,
			"hasOutgoing": false,
		})
	}
	return rows, nil
}

// hasScopedEdgeLocked reports whether an event has a DF edge carrying scope to
// or from another event.
func (m *MemoryEngine) hasScopedEdgeLocked(event NodeID, out bool, scope map[string]any) bool {
	for _, e := range m.edgesLocked(event, out) {
		if e.Type != graph.RelDirectlyFollows {
			continue
		}
		other := m.nodes[e.Other(event)]
		if other == nil || !other.HasLabel(graph.LabelEvent) {
			continue
		}
		if equalValues(e.Properties[graph.PropObjectType], scope[graph.PropObjectType]) &&
			equalValues(e.Properties[graph.PropScopeID], scope[graph.PropScopeID]) {
			return true
		}
	}
	return false
}

func (m *MemoryEngine) mergeDirectlyFollows(ctx context.Context, q cypher.Query) ([]graph.Row, error) {
	objectType, err := stringParam(q, "objectType")
	if err != nil {
		return nil, err
	}
	pairs, err := rowsParam(q, "pairs")
	if err != nil {
		return nil, err
	}

	var merged, created int64
	err = m.inBatches(ctx, len(pairs), batchSizeParam(q), func(lo, hi int) error {
		for _, p := range pairs[lo:hi] {
			a := m.nodes[NodeID(rowString(p, "fromKey"))]
			b := m.nodes[NodeID(rowString(p, "toKey"))]
			if a == nil || b == nil {
				continue
			}
			_, isNew := m.mergeEdgeLocked(a.ID, b.ID, graph.RelDirectlyFollows, map[string]any{
				graph.PropObjectType: objectType,
				graph.PropScopeID:    p["objectId"],
			})
			merged++
			if isNew {
				created++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return []graph.Row{{"merged": merged, "created": created}}, nil
}

func (m *MemoryEngine) mergeBoundaries(ctx context.Context, q cypher.Query) ([]graph.Row, error) {
	rows, err := rowsParam(q, "boundaries")
	if err != nil {
		return nil, err
	}
	err = m.inBatches(ctx, len(rows), batchSizeParam(q), func(lo, hi int) error {
		for _, b := range rows[lo:hi] {
			o := m.nodes[NodeID(rowString(b, "objectKey"))]
			e := m.nodes[NodeID(rowString(b, "eventKey"))]
			if o == nil || e == nil {
				continue
			}
			if rowBool(b, "start") {
				m.mergeEdgeLocked(o.ID, e.ID, graph.RelHasStart, nil)
			}
			if rowBool(b, "end") {
				m.mergeEdgeLocked(o.ID, e.ID, graph.RelHasEnd, nil)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return []graph.Row{{"count": int64(len(rows))}}, nil
}

func (m *MemoryEngine) lifecycles(q cypher.Query) ([]graph.Row, error) {
	objectType, err := stringParam(q, "objectType")
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	var rows []graph.Row
	for _, o := range m.typedLocked(graph.LabelObjectType, graph.PropObjectType, objectType) {
		var starts, ends []*Node
		for _, e := range m.edgesLocked(o.ID, true) {
			target := m.nodes[e.EndNode]
			if target == nil || !target.HasLabel(graph.LabelEvent) {
				continue
			}
			switch e.Type {
			case graph.RelHasStart:
				starts = append(starts, target)
			case graph.RelHasEnd:
				ends = append(ends, target)
			}
		}
		if len(starts) == 0 && len(ends) == 0 {
			continue
		}
		// A missing side becomes a single null column, as with OPTIONAL MATCH.
		if len(starts) == 0 {
			starts = []*Node{nil}
		}
		if len(ends) == 0 {
			ends = []*Node{nil}
		}
		for _, s := range starts {
			for _, t := range ends {
				row := graph.Row{
					"objectKey": string(o.ID),
					"objectId":  o.Properties[graph.PropSysID],
				}
				putEndpoint(row, "start", s)
				putEndpoint(row, "end", t)
				rows = append(rows, row)
			}
		}
	}
	return rows, nil
}

// putEndpoint sets <prefix>Key and <prefix>Id, both nil for a nil node.
func putEndpoint(row graph.Row, prefix string, n *Node) {
	if n == nil {
		row[prefix+"Key"], row[prefix+"Id"] = nil, nil
		return
	}
	row[prefix+"Key"] = string(n.ID)
	row[prefix+"Id"] = n.Properties[graph.PropSysID]
}

func (m *MemoryEngine) mergeHighLevelEvents(ctx context.Context, q cypher.Query) ([]graph.Row, error) {
	events, err := rowsParam(q, "events")
	if err != nil {
		return nil, err
	}
	eventType, err := stringParam(q, "eventType")
	if err != nil {
		return nil, err
	}
	activity, err := stringParam(q, "activity")
	if err != nil {
		return nil, err
	}
	fields, err := stringsParam(q, "timestampFields")
	if err != nil {
		return nil, err
	}
	labels := []string{q.Ident("label"), graph.LabelEvent}
	correlation := q.Ident("correlation")

	var linked, created int64
	err = m.inBatches(ctx, len(events), batchSizeParam(q), func(lo, hi int) error {
		for _, ev := range events[lo:hi] {
			o := m.nodes[NodeID(rowString(ev, "objectKey"))]
			s := m.nodes[NodeID(rowString(ev, "startKey"))]
			t := m.nodes[NodeID(rowString(ev, "endKey"))]
			if o == nil || s == nil || t == nil {
				continue
			}
			et, _, err := m.mergeNodeLocked([]string{graph.LabelEventType}, graph.PropEventType, eventType)
			if err != nil {
				return err
			}
			h, isNew, err := m.mergeNodeLocked(labels, graph.PropSysID, ev[graph.PropSysID])
			if err != nil {
				return err
			}
			if isNew {
				h.Properties[graph.PropActivity] = activity
				if v := firstPresent(s, fields); v != nil {
					h.Properties[graph.PropStartTimestamp] = v
					h.Properties[graph.PropTimestamp] = v
				}
				if v := firstPresent(t, fields); v != nil {
					h.Properties[graph.PropEndTimestamp] = v
				}
				created++
			}
			m.mergeEdgeLocked(h.ID, s.ID, graph.RelContains, nil)
			m.mergeEdgeLocked(h.ID, t.ID, graph.RelContains, nil)
			m.mergeEdgeLocked(h.ID, o.ID, correlation, nil)
			m.mergeEdgeLocked(h.ID, et.ID, graph.RelIsOfType, nil)
			linked++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return []graph.Row{{"linked": linked, "created": created}}, nil
}
