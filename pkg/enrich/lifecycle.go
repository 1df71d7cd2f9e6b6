package enrich

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"go.uber.org/zap"
)

// boundaryCandidate is an event of an object's scope with its DF degree.
type boundaryCandidate struct {
	timedEvent
	hasIncoming bool
	hasOutgoing bool
}

type objectBoundary struct {
	objectKey string
	objectID  string
	start     *timedEvent
	end       *timedEvent
}

// MarkBoundaries links every object of df.ObjectType to the event that starts
// its DF chain (no incoming DF edge in the object's scope) with HAS_START, and
// to the event that ends it (no outgoing DF edge) with HAS_END.
//
// A well-formed chain has exactly one of each. When a chain is broken into
// several fragments the earliest start and the latest end are linked and the
// object is reported as an Ambiguity; when there is no candidate at all (a
// cycle, or no timestamped event in scope) nothing is written for that side
// and NoStart/NoEnd is reported.
// Count is the number of objects that received at least one boundary.
func (p *Pipeline) MarkBoundaries(ctx context.Context, df DirectlyFollows) EntryResult {
	var res EntryResult

	rows, err := p.query(ctx, boundaryCandidatesQuery, map[string]any{
		"objectType":      df.ObjectType,
		"eventTypes":      df.EventTypes,
		"timestampFields": timestampFieldsOrDefault(df.TimestampFields),
	})
	if err != nil {
		res.Err = err
		return res
	}

	// Every object of the type yields at least one row; an object whose row
	// carries no event has no candidate and is reported as NoStart/NoEnd.
	objects := make(map[string]string)
	candidates := make(map[string][]boundaryCandidate)
	for _, row := range rows {
		key := row.String("objectKey")
		objects[key] = row.String("objectId")
		if row.String("eventKey") == "" {
			continue
		}
		ts, ok := ParseTimestamp(row.Value("timestamp"))
		if !ok {
			continue
		}
		res.Processed++
		candidates[key] = append(candidates[key], boundaryCandidate{
			timedEvent:  timedEvent{id: row.String("eventId"), key: row.String("eventKey"), ts: ts},
			hasIncoming: row.Bool("hasIncoming"),
			hasOutgoing: row.Bool("hasOutgoing"),
		})
	}

	keys := make([]string, 0, len(objects))
	for k := range objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var bounds []objectBoundary
	for _, key := range keys {
		b, amb := chooseBoundaries(objects[key], candidates[key])
		b.objectKey = key
		res.Ambiguities = append(res.Ambiguities, amb...)
		if b.start != nil || b.end != nil {
			bounds = append(bounds, b)
		}
	}
	for _, a := range res.Ambiguities {
		p.log.Warn("ambiguous lifecycle",
			zap.String("objectType", df.ObjectType),
			zap.String("object", a.ObjectID),
			zap.String("kind", string(a.Kind)),
			zap.Strings("candidates", a.Candidates),
			zap.String("chosen", a.Chosen))
	}

	for start := 0; start < len(bounds); start += p.opts.FlushRows {
		end := min(start+p.opts.FlushRows, len(bounds))
		batch := make([]map[string]any, 0, 2*(end-start))
		for _, b := range bounds[start:end] {
			batch = append(batch, boundaryRows(b)...)
		}
		if _, err := p.execute(ctx, StageBoundaries, df.ObjectType, boundaryMergeQuery, nil, map[string]any{
			"boundaries": batch,
		}); err != nil {
			res.Err = fmt.Errorf("after %d of %d objects: %w", start, len(bounds), err)
			return res
		}
		res.Count += int64(end - start)
	}
	return res
}

// chooseBoundaries applies the start/end policy to one object's candidates.
func chooseBoundaries(objectID string, cands []boundaryCandidate) (objectBoundary, []Ambiguity) {
	b := objectBoundary{objectID: objectID}
	var starts, ends []timedEvent
	seen := make(map[string]bool, len(cands))
	for _, c := range cands {
		if seen[c.key] {
			continue
		}
		seen[c.key] = true
		if !c.hasIncoming {
			starts = append(starts, c.timedEvent)
		}
		if !c.hasOutgoing {
			ends = append(ends, c.timedEvent)
		}
	}
	slices.SortFunc(starts, compareEvents)
	slices.SortFunc(ends, compareEvents)

	var amb []Ambiguity
	switch {
	case len(starts) == 0:
		amb = append(amb, Ambiguity{ObjectID: objectID, Kind: NoStart})
	case len(starts) > 1:
		amb = append(amb, Ambiguity{ObjectID: objectID, Kind: MultipleStarts, Candidates: eventIDs(starts), Chosen: starts[0].id})
		fallthrough
	default:
		s := starts[0]
		b.start = &s
	}
	switch {
	case len(ends) == 0:
		amb = append(amb, Ambiguity{ObjectID: objectID, Kind: NoEnd})
	case len(ends) > 1:
		last := ends[len(ends)-1]
		amb = append(amb, Ambiguity{ObjectID: objectID, Kind: MultipleEnds, Candidates: eventIDs(ends), Chosen: last.id})
		fallthrough
	default:
		e := ends[len(ends)-1]
		b.end = &e
	}
	return b, amb
}

// boundaryRows renders one object's boundaries as merge rows. A single-event
// chain starts and ends on the same event and becomes one row.
func boundaryRows(b objectBoundary) []map[string]any {
	if b.start != nil && b.end != nil && b.start.key == b.end.key {
		return []map[string]any{{"objectKey": b.objectKey, "eventKey": b.start.key, "start": true, "end": true}}
	}
	var out []map[string]any
	if b.start != nil {
		out = append(out, map[string]any{"objectKey": b.objectKey, "eventKey": b.start.key, "start": true, "end": false})
	}
	if b.end != nil {
		out = append(out, map[string]any{"objectKey": b.objectKey, "eventKey": b.end.key, "start": false, "end": true})
	}
	return out
}

func eventIDs(events []timedEvent) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.id
	}
	return out
}
