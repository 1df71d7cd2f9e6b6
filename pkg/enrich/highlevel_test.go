package enrich

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/ekgenrich/pkg/graph"
	"github.com/orneryd/ekgenrich/pkg/storage"
)

var orderLifecycle = HighLevelEvent{ObjectType: "Order", Type: "OrderLifecycle", TimestampFields: []string{"timestamp"}}

func boundedOrder(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := newFixture(t)
	f.object("o1", "Order", nil)
	f.event("e1", "Create", int64(1))
	f.event("e3", "Create", int64(3))
	f.event("e5", "Ship", int64(5))
	for _, e := range []string{"e1", "e3", "e5"} {
		f.corr(e, "o1")
	}
	p := f.pipeline(Options{})
	require.NoError(t, p.BuildDirectlyFollows(ctx, orderScope).Err)
	require.NoError(t, p.MarkBoundaries(ctx, orderScope).Err)
	return f
}

func TestSynthesizeHighLevel(t *testing.T) {
	ctx := context.Background()
	f := boundedOrder(t)
	p := f.pipeline(Options{})

	res := p.SynthesizeHighLevel(ctx, orderLifecycle)
	require.NoError(t, res.Err)
	assert.Equal(t, int64(1), res.Count)
	assert.Equal(t, int64(1), res.Processed)

	nodes := f.labelled("OrderLifecycle")
	require.Len(t, nodes, 1)
	h := nodes[0]
	assert.True(t, h.HasLabel(graph.LabelEvent))
	assert.Equal(t, "e1_e5", h.Properties[graph.PropSysID])
	assert.Equal(t, "Order", h.Properties[graph.PropActivity])
	assert.Equal(t, int64(1), h.Properties[graph.PropStartTimestamp])
	assert.Equal(t, int64(5), h.Properties[graph.PropEndTimestamp])
	assert.Equal(t, int64(1), h.Properties[graph.PropTimestamp])

	out, err := f.m.GetOutgoingEdges(h.ID)
	require.NoError(t, err)
	links := map[string][]storage.NodeID{}
	for _, e := range out {
		links[e.Type] = append(links[e.Type], e.EndNode)
	}
	assert.ElementsMatch(t, []storage.NodeID{"e1", "e5"}, links[graph.RelContains])
	assert.Equal(t, []storage.NodeID{"o1"}, links[DefaultCorrelationType])
	require.Len(t, links[graph.RelIsOfType], 1)
	et, err := f.m.GetNode(links[graph.RelIsOfType][0])
	require.NoError(t, err)
	assert.Equal(t, "OrderLifecycle", et.Properties[graph.PropEventType])

	t.Run("rerun creates nothing", func(t *testing.T) {
		nodes, edges := f.counts()
		again := p.SynthesizeHighLevel(ctx, orderLifecycle)
		require.NoError(t, again.Err)
		assert.Zero(t, again.Count)
		assert.Equal(t, int64(1), again.Processed)
		n2, e2 := f.counts()
		assert.Equal(t, nodes, n2)
		assert.Equal(t, edges, e2)
	})
}

func TestSynthesizeHighLevelCorrelationType(t *testing.T) {
	f := boundedOrder(t)
	res := f.pipeline(Options{CorrelationType: "OBSERVED"}).SynthesizeHighLevel(context.Background(), orderLifecycle)
	require.NoError(t, res.Err)

	observed := f.edges("OBSERVED")
	require.Len(t, observed, 1)
	assert.Equal(t, storage.NodeID("o1"), observed[0].EndNode)
}

func TestSynthesizeHighLevelSkipsAmbiguousObjects(t *testing.T) {
	ctx := context.Background()
	f := boundedOrder(t)
	f.edge("o1", "e3", graph.RelHasStart)

	res := f.pipeline(Options{}).SynthesizeHighLevel(ctx, orderLifecycle)
	require.NoError(t, res.Err)
	assert.Zero(t, res.Count)
	assert.Equal(t, []Ambiguity{{ObjectID: "o1", Kind: MultipleStarts, Candidates: []string{"e1", "e3"}}}, res.Ambiguities)
	assert.Empty(t, f.labelled("OrderLifecycle"))
}

func TestSynthesizeHighLevelReportsHalfBoundedObjects(t *testing.T) {
	ctx := context.Background()
	f := boundedOrder(t)
	f.object("o2", "Order", nil)
	f.object("o3", "Order", nil)
	f.object("o4", "Order", nil)
	f.event("e7", "Create", int64(7))
	f.event("e8", "Ship", int64(8))
	f.edge("o2", "e7", graph.RelHasStart)
	f.edge("o3", "e8", graph.RelHasEnd)

	res := f.pipeline(Options{}).SynthesizeHighLevel(ctx, orderLifecycle)
	require.NoError(t, res.Err)
	assert.Equal(t, int64(1), res.Count, "only o1 has both boundaries")
	assert.Equal(t, []Ambiguity{
		{ObjectID: "o2", Kind: NoEnd},
		{ObjectID: "o3", Kind: NoStart},
	}, res.Ambiguities, "o4 has no boundary at all and is not a lifecycle")

	nodes := f.labelled("OrderLifecycle")
	require.Len(t, nodes, 1)
	assert.Equal(t, "e1_e5", nodes[0].Properties[graph.PropSysID])
}

func TestUniqueLifecycles(t *testing.T) {
	rows := []graph.Row{
		{"objectKey": "k2", "objectId": "o2", "startKey": "s", "startId": "s", "endKey": "t", "endId": "t"},
		{"objectKey": "k1", "objectId": "o1", "startKey": "a", "startId": "a", "endKey": "b", "endId": "b"},
		{"objectKey": "k1", "objectId": "o1", "startKey": "a", "startId": "a", "endKey": "b", "endId": "b"},
		{"objectKey": "k3", "objectId": "o3", "startKey": "x", "startId": "x", "endKey": "y", "endId": "y"},
		{"objectKey": "k3", "objectId": "o3", "startKey": "x", "startId": "x", "endKey": "z", "endId": "z"},
		{"objectKey": "k4", "objectId": "o4", "startKey": "w", "startId": "w", "endKey": nil, "endId": nil},
	}
	got, amb := uniqueLifecycles(rows)
	require.Len(t, got, 2)
	assert.Equal(t, "k1", got[0].objectKey)
	assert.Equal(t, "k2", got[1].objectKey)
	assert.Equal(t, []Ambiguity{
		{ObjectID: "o3", Kind: MultipleEnds, Candidates: []string{"y", "z"}},
		{ObjectID: "o4", Kind: NoEnd},
	}, amb)
	assert.Equal(t, "a_b", highLevelKey(got[0].startID, got[0].endID))
}
