package enrich

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/ekgenrich/pkg/cypher"
	"github.com/orneryd/ekgenrich/pkg/graph"
)

const airlinePlan = `
types:
  object_types: [Order, Customer, Flight]
  event_types: [CreateOrder, ShipOrder]
materialize:
  - label: Booking
    relation_type: BOOKED
    from: {type: Customer, attributes: {customerName: name}}
    to: {type: Flight}
relationships:
  - type: HOLDS
    from:
      type: Customer
      relationships: [{relation_type: RELATED, related_object: b, related_label: Booking}]
    to:
      type: Flight
      relationships: [{relation_type: RELATED, related_object: b, related_label: Booking}]
directly_follows:
  - object_type: Order
    event_types: [CreateOrder, ShipOrder]
    boundaries: true
high_level_events:
  - object_type: Order
    type: OrderLifecycle
`

// airline seeds an untyped extracted graph: raw labels only, as an importer
// leaves it.
func airline(t *testing.T) (*fixture, *Plan) {
	t.Helper()
	f := newFixture(t)
	f.node("o1", []string{"Order"}, nil)
	f.node("c1", []string{"Customer"}, map[string]any{"name": "Ann"})
	f.node("f1", []string{"Flight"}, nil)
	f.node("e1", []string{"CreateOrder"}, map[string]any{"timestamp": int64(10)})
	f.node("e2", []string{"ShipOrder"}, map[string]any{"timestamp": int64(20)})
	f.edge("c1", "f1", "BOOKED")
	f.corr("e1", "o1")
	f.corr("e2", "o1")

	plan, err := ParsePlan([]byte(airlinePlan))
	require.NoError(t, err)
	return f, plan
}

type entryCounts map[string][2]int64

func countsOf(res *RunResult) entryCounts {
	out := entryCounts{}
	for _, e := range res.Entries {
		out[e.String()] = [2]int64{e.Count, e.Processed}
	}
	return out
}

func TestRunFullPlan(t *testing.T) {
	ctx := context.Background()
	f, plan := airline(t)
	p := f.pipeline(Options{Workers: 4})

	res, err := p.Run(ctx, plan)
	require.NoError(t, err)
	require.Empty(t, res.Failed())
	assert.NotEmpty(t, res.ID)
	assert.False(t, res.FinishedAt.Before(res.StartedAt))

	holds := "relationships/" + relationshipName(plan.Relationships[0])
	assert.Equal(t, entryCounts{
		"types/object:Order":               {1, 1},
		"types/object:Customer":            {1, 1},
		"types/object:Flight":              {1, 1},
		"types/event:CreateOrder":          {1, 1},
		"types/event:ShipOrder":            {1, 1},
		"materialize/Booking":              {1, 1},
		holds:                              {1, 1},
		"directly_follows/Order":           {1, 1},
		"boundaries/Order":                 {1, 2},
		"high_level_events/OrderLifecycle": {1, 1},
	}, countsOf(res))

	var order []Stage
	for _, e := range res.Entries {
		if len(order) == 0 || order[len(order)-1] != e.Stage {
			order = append(order, e.Stage)
		}
	}
	assert.Equal(t, Stages, order)

	assert.Equal(t, []string{"e1->e2"}, f.scoped("Order", "o1"))
	hl := f.labelled("OrderLifecycle")
	require.Len(t, hl, 1)
	assert.Equal(t, "e1_e2", hl[0].Properties[graph.PropSysID])
	linked := f.edges("HOLDS")
	require.Len(t, linked, 1)
	assert.Equal(t, "c1", string(linked[0].StartNode))

	t.Run("second run converges", func(t *testing.T) {
		nodes, edges := f.counts()
		again, err := p.Run(ctx, plan)
		require.NoError(t, err)
		require.Empty(t, again.Failed())

		n2, e2 := f.counts()
		assert.Equal(t, nodes, n2)
		assert.Equal(t, edges, e2)

		c := countsOf(again)
		assert.Equal(t, [2]int64{0, 0}, c["types/event:CreateOrder"], "promoted events are no longer matched")
		assert.Equal(t, [2]int64{0, 1}, c["directly_follows/Order"])
		assert.Equal(t, [2]int64{0, 1}, c["high_level_events/OrderLifecycle"])
		assert.Equal(t, [2]int64{1, 1}, c["materialize/Booking"])
		assert.NotEqual(t, res.ID, again.ID)
	})
}

func TestRunIsolatesFailedEntries(t *testing.T) {
	ctx := context.Background()
	f, plan := airline(t)
	plan.Materialize = append(plan.Materialize, Materialization{
		Label:        "Broken",
		RelationType: "BROKEN",
		Separator:    "_",
		From:         Endpoint{Type: "Customer"},
		To:           Endpoint{Type: "Flight"},
	})
	engine := &faultyEngine{
		Engine: f.m,
		failExecute: func(q cypher.Query) error {
			if q.Ident("relationType") == "BROKEN" {
				return errors.New("deadlock detected")
			}
			return nil
		},
	}

	res, err := New(engine, Options{Workers: 2}, nil).Run(ctx, plan)
	require.NoError(t, err)

	failed := res.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "Broken", failed[0].Name)
	var me *MutationError
	require.ErrorAs(t, failed[0].Err, &me)
	assert.Equal(t, StageMaterialize, me.Stage)
	assert.Equal(t, graph.QueryMaterialize, me.Query)

	ok, found := res.Find(StageMaterialize, "Booking")
	require.True(t, found)
	assert.Equal(t, OutcomeSucceeded, ok.Outcome)
	hl, found := res.Find(StageHighLevelEvents, "OrderLifecycle")
	require.True(t, found)
	assert.Equal(t, int64(1), hl.Count, "later stages still run")
}

func TestRunIsolatesIndexFailures(t *testing.T) {
	ctx := context.Background()
	f, plan := airline(t)
	engine := &faultyEngine{
		Engine: f.m,
		failCreate: func(def graph.IndexDef) error {
			if def.Label == "Booking" {
				return errors.New("permission denied")
			}
			return nil
		},
	}

	res, err := New(engine, Options{}, nil).Run(ctx, plan)
	require.NoError(t, err)
	failed := res.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, StageMaterialize, failed[0].Stage)
	var ie *IndexError
	require.ErrorAs(t, failed[0].Err, &ie)
	assert.Equal(t, "Booking", ie.Label)
	assert.Empty(t, f.labelled("Booking"))

	dfRes, _ := res.Find(StageDirectlyFollows, "Order")
	assert.Equal(t, OutcomeSucceeded, dfRes.Outcome)
}

func TestRunSkipsDependents(t *testing.T) {
	ctx := context.Background()
	f, plan := airline(t)
	engine := &faultyEngine{
		Engine: f.m,
		failExecute: func(q cypher.Query) error {
			if q.Name == graph.QueryMergeDirectlyFollows {
				return errors.New("lock timeout")
			}
			return nil
		},
	}

	res, err := New(engine, Options{}, nil).Run(ctx, plan)
	require.NoError(t, err)

	df, _ := res.Find(StageDirectlyFollows, "Order")
	assert.Equal(t, OutcomeFailed, df.Outcome)
	assert.Contains(t, df.Err.Error(), "after 0 of 1 pairs")

	b, _ := res.Find(StageBoundaries, "Order")
	assert.Equal(t, OutcomeSkipped, b.Outcome)
	assert.ErrorIs(t, b.Err, errPrerequisite)

	hl, _ := res.Find(StageHighLevelEvents, "OrderLifecycle")
	assert.Equal(t, OutcomeSkipped, hl.Outcome)
	assert.ErrorIs(t, hl.Err, errPrerequisite)
	assert.Empty(t, f.edges(graph.RelHasStart))
}

func TestRunRejectsInvalidPlan(t *testing.T) {
	engine := &faultyEngine{Engine: newFixture(t).m}
	p := New(engine, Options{}, nil)

	res, err := p.Run(context.Background(), &Plan{
		Materialize: []Materialization{{Label: "X) DETACH DELETE (n", RelationType: "R", From: Endpoint{Type: "A"}, To: Endpoint{Type: "B"}}},
	})
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrInvalidPlan)

	_, err = p.Run(context.Background(), nil)
	assert.ErrorIs(t, err, ErrInvalidPlan)
	assert.Zero(t, engine.calls, "nothing reaches the engine")
}

func TestRunSkipAndObserve(t *testing.T) {
	ctx := context.Background()
	f, plan := airline(t)

	var (
		mu       sync.Mutex
		observed []EntryResult
		progress bytes.Buffer
	)
	p := f.pipeline(Options{
		Progress: &progress,
		Skip:     func(ref EntryRef) bool { return ref.Stage == StageRelationships },
		Observer: func(r EntryResult) {
			mu.Lock()
			defer mu.Unlock()
			observed = append(observed, r)
		},
	})

	res, err := p.Run(ctx, plan)
	require.NoError(t, err)
	assert.Len(t, observed, len(res.Entries))

	rel := res.Stage(StageRelationships)
	require.Len(t, rel, 1)
	assert.Equal(t, OutcomeSkipped, rel[0].Outcome)
	assert.NoError(t, rel[0].Err)
	assert.Empty(t, f.edges("HOLDS"))

	out := progress.String()
	assert.Contains(t, out, "→ 1 Booking nodes materialized from 1 edges")
	assert.Contains(t, out, "→ 1 DF edges created for Order (1 pairs)")
	assert.Contains(t, out, "- relationships (:Customer)-[:HOLDS]->(:Flight) skipped")
}

func TestRunCancelled(t *testing.T) {
	f, plan := airline(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := f.pipeline(Options{}).Run(ctx, plan)
	require.NoError(t, err)
	require.NotEmpty(t, res.Entries)
	for _, e := range res.Entries {
		if e.Outcome == OutcomeSkipped {
			continue
		}
		assert.Equal(t, OutcomeFailed, e.Outcome, e.String())
		assert.ErrorIs(t, e.Err, context.Canceled)
	}
	nodes, _ := f.counts()
	assert.Equal(t, int64(5), nodes, "graph untouched")
}

func TestDescribe(t *testing.T) {
	ref := func(s Stage, name string) EntryRef { return EntryRef{Stage: s, Name: name} }
	tests := []struct {
		in   EntryResult
		want string
	}{
		{EntryResult{EntryRef: ref(StageTypes, "object:Order"), Outcome: OutcomeSucceeded, Count: 3}, "→ 3 nodes typed as object:Order"},
		{EntryResult{EntryRef: ref(StageMaterialize, "Booking"), Outcome: OutcomeSucceeded, Count: 2, Processed: 5}, "→ 2 Booking nodes materialized from 5 edges"},
		{EntryResult{EntryRef: ref(StageBoundaries, "Order"), Outcome: OutcomeSucceeded, Count: 4, Ambiguities: make([]Ambiguity, 2)}, "→ 4 Order objects bounded, 2 ambiguous"},
		{EntryResult{EntryRef: ref(StageHighLevelEvents, "OrderLifecycle"), Outcome: OutcomeSucceeded, Count: 1, Processed: 7}, "→ 1 OrderLifecycle events created (7 lifecycles)"},
		{EntryResult{EntryRef: ref(StageDirectlyFollows, "Order"), Outcome: OutcomeFailed, Err: errors.New("boom")}, "✗ directly_follows Order: boom"},
		{EntryResult{EntryRef: ref(StageMaterialize, "Booking"), Outcome: OutcomeSkipped}, "- materialize Booking skipped"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Describe(tt.in))
	}
}
