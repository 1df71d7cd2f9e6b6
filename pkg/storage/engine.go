package storage

import (
	"context"
	"fmt"
	"sort"

	"github.com/orneryd/ekgenrich/pkg/cypher"
	"github.com/orneryd/ekgenrich/pkg/graph"
)

const defaultBatchSize = 1000

// Query runs one of the named read queries.
func (m *MemoryEngine) Query(ctx context.Context, q cypher.Query) ([]graph.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch q.Name {
	case graph.QueryDirectlyFollowsEvents:
		return m.directlyFollowsEvents(q)
	case graph.QueryBoundaryCandidates:
		return m.boundaryCandidates(q)
	case graph.QueryLifecycles:
		return m.lifecycles(q)
	}
	return nil, fmt.Errorf("%w: %s", graph.ErrUnsupportedQuery, q.Name)
}

// Execute runs one of the named bulk mutations. Matching happens first; the
// matched rows are then applied in batches of $batchSize, each under its own
// lock. Cancellation between batches leaves the earlier batches applied.
func (m *MemoryEngine) Execute(ctx context.Context, q cypher.Query) ([]graph.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch q.Name {
	case graph.QueryMergeObjectType:
		return m.mergeTypeMarker(q, graph.LabelObjectType, graph.PropObjectType)
	case graph.QueryMergeEventType:
		return m.mergeTypeMarker(q, graph.LabelEventType, graph.PropEventType)
	case graph.QueryLinkObjectType:
		return m.linkType(ctx, q, graph.LabelObjectType, graph.PropObjectType, false)
	case graph.QueryLinkEventType:
		return m.linkType(ctx, q, graph.LabelEventType, graph.PropEventType, true)
	case graph.QueryMaterialize:
		return m.materialize(ctx, q)
	case graph.QueryInferRelationship:
		return m.infer(ctx, q)
	case graph.QueryMergeDirectlyFollows:
		return m.mergeDirectlyFollows(ctx, q)
	case graph.QueryMergeBoundaries:
		return m.mergeBoundaries(ctx, q)
	case graph.QueryMergeHighLevelEvents:
		return m.mergeHighLevelEvents(ctx, q)
	}
	return nil, fmt.Errorf("%w: %s", graph.ErrUnsupportedQuery, q.Name)
}

// Indexes lists the index catalog ordered by name.
func (m *MemoryEngine) Indexes(ctx context.Context) ([]graph.IndexInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrStorageClosed
	}

	out := make([]graph.IndexInfo, 0, len(m.indexes))
	for _, def := range m.indexes {
		out = append(out, graph.IndexInfo{
			Name:       def.Name,
			Labels:     []string{def.Label},
			Properties: []string{def.Property},
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// CreateIndex records def in the catalog unless an index with the same name
// or the same label and property exists.
func (m *MemoryEngine) CreateIndex(ctx context.Context, def graph.IndexDef) error {
	for _, id := range []string{def.Name, def.Label, def.Property} {
		if err := cypher.ValidateIdentifier(id); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrStorageClosed
	}
	for _, existing := range m.indexes {
		if existing.Name == def.Name || (existing.Label == def.Label && existing.Property == def.Property) {
			return nil
		}
	}
	m.indexes[def.Name] = def
	return nil
}

// inBatches applies fn to [lo, hi) windows of n rows, one lock per window.
func (m *MemoryEngine) inBatches(ctx context.Context, n, size int, fn func(lo, hi int) error) error {
	if size <= 0 {
		size = defaultBatchSize
	}
	for lo := 0; lo < n; lo += size {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("batch at row %d: %w", lo, err)
		}
		hi := min(lo+size, n)
		m.mu.Lock()
		var err error
		if m.closed {
			err = ErrStorageClosed
		} else {
			err = fn(lo, hi)
		}
		m.mu.Unlock()
		if err != nil {
			return fmt.Errorf("batch at row %d: %w", lo, err)
		}
	}
	return nil
}

func stringParam(q cypher.Query, key string) (string, error) {
	v, ok := q.Params[key].(string)
	if !ok {
		return "", fmt.Errorf("%w: %s: parameter %q must be a string", ErrInvalidData, q.Name, key)
	}
	return v, nil
}

func stringsParam(q cypher.Query, key string) ([]string, error) {
	switch v := q.Params[key].(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s: parameter %q must be a list of strings", ErrInvalidData, q.Name, key)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s: parameter %q must be a list of strings", ErrInvalidData, q.Name, key)
}

func rowsParam(q cypher.Query, key string) ([]map[string]any, error) {
	switch v := q.Params[key].(type) {
	case []map[string]any:
		return v, nil
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, item := range v {
			row, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: %s: parameter %q must be a list of maps", ErrInvalidData, q.Name, key)
			}
			out = append(out, row)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s: parameter %q must be a list of maps", ErrInvalidData, q.Name, key)
}

func batchSizeParam(q cypher.Query) int {
	switch v := q.Params["batchSize"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	}
	return defaultBatchSize
}

func rowString(row map[string]any, key string) string {
	s, _ := row[key].(string)
	return s
}

func rowBool(row map[string]any, key string) bool {
	b, _ := row[key].(bool)
	return b
}
