package enrich

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"go.uber.org/zap"

	"github.com/orneryd/ekgenrich/pkg/graph"
)

// dfPair is one directly-follows edge to merge within an object's scope.
// objectID keeps the sysId value as read so numeric ids stay numeric.
type dfPair struct {
	objectID any
	from     timedEvent
	to       timedEvent
}

// BuildDirectlyFollows links consecutive events of every object of
// ObjectType with (a)-[:DF {objectType, id}]->(b).
//
// Events are read once, ordered per object in memory by (timestamp, sysId,
// element id) and only then merged, so ordering never depends on the engine's
// batch commit order. Count is the number of DF edges created; Processed is
// the number of pairs merged.
func (p *Pipeline) BuildDirectlyFollows(ctx context.Context, df DirectlyFollows) EntryResult {
	var res EntryResult

	fields := timestampFieldsOrDefault(df.TimestampFields)
	defs := make([]graph.IndexDef, 0, len(fields))
	for _, f := range fields {
		defs = append(defs, graph.PropertyIndex(graph.LabelEvent, f))
	}
	if err := p.indexes.EnsureIndexes(ctx, defs...); err != nil {
		res.Err = err
		return res
	}

	rows, err := p.query(ctx, dfEventsQuery, map[string]any{
		"objectType":      df.ObjectType,
		"eventTypes":      df.EventTypes,
		"timestampFields": fields,
	})
	if err != nil {
		res.Err = err
		return res
	}

	chains, ids := groupByObject(rows, "objectId")
	pairs := directlyFollowsPairs(chains, ids)
	p.log.Debug("directly-follows pairs ordered",
		zap.String("objectType", df.ObjectType),
		zap.Int("objects", len(chains)),
		zap.Int("pairs", len(pairs)))

	for start := 0; start < len(pairs); start += p.opts.FlushRows {
		end := min(start+p.opts.FlushRows, len(pairs))
		batch := make([]map[string]any, 0, end-start)
		for _, pr := range pairs[start:end] {
			batch = append(batch, map[string]any{
				"objectId": pr.objectID,
				"fromKey":  pr.from.key,
				"toKey":    pr.to.key,
			})
		}
		out, err := p.execute(ctx, StageDirectlyFollows, df.ObjectType, dfMergeQuery, nil, map[string]any{
			"objectType": df.ObjectType,
			"pairs":      batch,
		})
		if err != nil {
			res.Err = fmt.Errorf("after %d of %d pairs: %w", start, len(pairs), err)
			return res
		}
		res.Processed += graph.FirstInt64(out, "merged")
		res.Count += graph.FirstInt64(out, "created")
	}
	return res
}

// groupByObject collects rows into per-object event lists keyed by the string
// form of idColumn, and returns the raw id value per key. Rows whose timestamp
// cannot be normalised are dropped.
func groupByObject(rows []graph.Row, idColumn string) (map[string][]timedEvent, map[string]any) {
	chains := make(map[string][]timedEvent)
	raw := make(map[string]any)
	for _, row := range rows {
		ts, ok := ParseTimestamp(row.Value("timestamp"))
		if !ok {
			continue
		}
		id := row.String(idColumn)
		raw[id] = row.Value(idColumn)
		chains[id] = append(chains[id], timedEvent{
			id:  row.String("eventId"),
			key: row.String("eventKey"),
			ts:  ts,
		})
	}
	return chains, raw
}

// directlyFollowsPairs sorts every chain and pairs consecutive events.
// An event correlated to the same object more than once appears once, so no
// pair ever links an event to itself. Objects are visited in id order.
func directlyFollowsPairs(chains map[string][]timedEvent, raw map[string]any) []dfPair {
	ids := make([]string, 0, len(chains))
	for id := range chains {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var pairs []dfPair
	for _, id := range ids {
		events := orderChain(chains[id])
		for i := 1; i < len(events); i++ {
			if events[i-1].key == events[i].key {
				continue
			}
			pairs = append(pairs, dfPair{objectID: raw[id], from: events[i-1], to: events[i]})
		}
	}
	return pairs
}

// orderChain returns the events sorted and with repeated element ids removed.
func orderChain(events []timedEvent) []timedEvent {
	seen := make(map[string]bool, len(events))
	out := make([]timedEvent, 0, len(events))
	for _, e := range events {
		if seen[e.key] {
			continue
		}
		seen[e.key] = true
		out = append(out, e)
	}
	slices.SortFunc(out, compareEvents)
	return out
}

func timestampFieldsOrDefault(fields []string) []string {
	if len(fields) == 0 {
		return []string{defaultTimestampField}
	}
	return fields
}
