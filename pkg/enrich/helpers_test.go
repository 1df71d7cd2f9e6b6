package enrich

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orneryd/ekgenrich/pkg/cypher"
	"github.com/orneryd/ekgenrich/pkg/graph"
	"github.com/orneryd/ekgenrich/pkg/storage"
)

// fixture builds an extracted event graph in memory. Element ids equal sysIds.
type fixture struct {
	t *testing.T
	m *storage.MemoryEngine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{t: t, m: storage.NewMemoryEngine()}
}

func (f *fixture) node(id string, labels []string, props map[string]any) {
	f.t.Helper()
	if props == nil {
		props = map[string]any{}
	}
	props[graph.PropSysID] = id
	_, err := f.m.CreateNode(&storage.Node{ID: storage.NodeID(id), Labels: labels, Properties: props})
	require.NoError(f.t, err)
}

func (f *fixture) marker(label, key, name string) storage.NodeID {
	f.t.Helper()
	id := storage.NodeID(label + ":" + name)
	if _, err := f.m.GetNode(id); err == nil {
		return id
	}
	_, err := f.m.CreateNode(&storage.Node{ID: id, Labels: []string{label}, Properties: map[string]any{key: name}})
	require.NoError(f.t, err)
	return id
}

// object adds a typed object node.
func (f *fixture) object(id, typ string, props map[string]any) {
	f.t.Helper()
	f.node(id, []string{typ}, props)
	f.edge(id, string(f.marker(graph.LabelObjectType, graph.PropObjectType, typ)), graph.RelIsOfType)
}

// event adds a typed :Event node; a nil timestamp leaves the property unset.
func (f *fixture) event(id, typ string, ts any) {
	f.t.Helper()
	props := map[string]any{}
	if ts != nil {
		props[graph.PropTimestamp] = ts
	}
	f.node(id, []string{graph.LabelEvent}, props)
	f.edge(id, string(f.marker(graph.LabelEventType, graph.PropEventType, typ)), graph.RelIsOfType)
}

// corr correlates an event with an object.
func (f *fixture) corr(eventID, objectID string) {
	f.t.Helper()
	f.edge(eventID, objectID, "CORR")
}

func (f *fixture) edge(from, to, typ string) {
	f.t.Helper()
	_, err := f.m.CreateEdge(&storage.Edge{StartNode: storage.NodeID(from), EndNode: storage.NodeID(to), Type: typ})
	require.NoError(f.t, err)
}

// df adds an Order-scoped DF edge directly.
func (f *fixture) df(from, to, objectID string) {
	f.t.Helper()
	_, err := f.m.CreateEdge(&storage.Edge{
		StartNode:  storage.NodeID(from),
		EndNode:    storage.NodeID(to),
		Type:       graph.RelDirectlyFollows,
		Properties: map[string]any{graph.PropObjectType: "Order", graph.PropScopeID: objectID},
	})
	require.NoError(f.t, err)
}

func (f *fixture) pipeline(opts Options) *Pipeline {
	return New(f.m, opts, nil)
}

func (f *fixture) edges(typ string) []*storage.Edge {
	f.t.Helper()
	edges, err := f.m.GetEdgesByType(typ)
	require.NoError(f.t, err)
	return edges
}

func (f *fixture) labelled(label string) []*storage.Node {
	f.t.Helper()
	nodes, err := f.m.GetNodesByLabel(label)
	require.NoError(f.t, err)
	return nodes
}

// scoped returns the DF edges of one object's scope as "from->to" strings.
func (f *fixture) scoped(objectType, objectID string) []string {
	var out []string
	for _, e := range f.edges(graph.RelDirectlyFollows) {
		if e.Properties[graph.PropObjectType] == objectType && e.Properties[graph.PropScopeID] == objectID {
			out = append(out, string(e.StartNode)+"->"+string(e.EndNode))
		}
	}
	return out
}

func (f *fixture) counts() (int64, int64) {
	f.t.Helper()
	nodes, err := f.m.NodeCount()
	require.NoError(f.t, err)
	edges, err := f.m.EdgeCount()
	require.NoError(f.t, err)
	return nodes, edges
}

// faultyEngine wraps an engine and injects failures.
type faultyEngine struct {
	graph.Engine

	mu           sync.Mutex
	failExecute  func(cypher.Query) error
	failIndexes  error
	failCreate   func(graph.IndexDef) error
	calls        int
	catalogCalls int
	createCalls  int
}

func (e *faultyEngine) Query(ctx context.Context, q cypher.Query) ([]graph.Row, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	return e.Engine.Query(ctx, q)
}

func (e *faultyEngine) Execute(ctx context.Context, q cypher.Query) ([]graph.Row, error) {
	e.mu.Lock()
	e.calls++
	fail := e.failExecute
	e.mu.Unlock()
	if fail != nil {
		if err := fail(q); err != nil {
			return nil, err
		}
	}
	return e.Engine.Execute(ctx, q)
}

func (e *faultyEngine) Indexes(ctx context.Context) ([]graph.IndexInfo, error) {
	e.mu.Lock()
	e.calls++
	e.catalogCalls++
	e.mu.Unlock()
	if e.failIndexes != nil {
		return nil, e.failIndexes
	}
	return e.Engine.Indexes(ctx)
}

func (e *faultyEngine) CreateIndex(ctx context.Context, def graph.IndexDef) error {
	e.mu.Lock()
	e.calls++
	e.createCalls++
	e.mu.Unlock()
	if e.failCreate != nil {
		if err := e.failCreate(def); err != nil {
			return err
		}
	}
	return e.Engine.CreateIndex(ctx, def)
}
