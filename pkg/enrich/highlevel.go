package enrich

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/orneryd/ekgenrich/pkg/cypher"
	"github.com/orneryd/ekgenrich/pkg/graph"
)

type lifecycle struct {
	objectKey string
	objectID  string
	startKey  string
	startID   string
	endKey    string
	endID     string
}

// highLevelKey is the sysId of the high-level event spanning start..end.
func highLevelKey(startID, endID string) string {
	return startID + "_" + endID
}

// SynthesizeHighLevel merges one (:Type:Event) per object of hl.ObjectType
// whose HAS_START and HAS_END events are known. The event is keyed by
// "<startId>_<endId>", gets activity = ObjectType and the start/end timestamps
// of its constituents on creation only, and is linked to both constituents,
// the object and its EventType marker.
//
// Objects with a missing start or end, or with more than one, are skipped and
// reported as ambiguities. Count is the number of high-level events created; Processed is
// the number of distinct keys.
func (p *Pipeline) SynthesizeHighLevel(ctx context.Context, hl HighLevelEvent) EntryResult {
	var res EntryResult

	if err := p.indexes.EnsureIndexes(ctx,
		graph.IdentityIndex(hl.Type),
		graph.PropertyIndex(hl.Type, graph.PropStartTimestamp),
		graph.PropertyIndex(hl.Type, graph.PropEndTimestamp),
	); err != nil {
		res.Err = err
		return res
	}

	rows, err := p.query(ctx, lifecyclesQuery, map[string]any{"objectType": hl.ObjectType})
	if err != nil {
		res.Err = err
		return res
	}

	lifecycles, amb := uniqueLifecycles(rows)
	res.Ambiguities = amb
	for _, a := range amb {
		p.log.Warn("object skipped, lifecycle is not unique",
			zap.String("objectType", hl.ObjectType),
			zap.String("object", a.ObjectID),
			zap.String("kind", string(a.Kind)),
			zap.Strings("candidates", a.Candidates))
	}

	events := make([]map[string]any, 0, len(lifecycles))
	keys := make(map[string]bool, len(lifecycles))
	for _, lc := range lifecycles {
		key := highLevelKey(lc.startID, lc.endID)
		keys[key] = true
		events = append(events, map[string]any{
			"sysId":     key,
			"objectKey": lc.objectKey,
			"startKey":  lc.startKey,
			"endKey":    lc.endKey,
		})
	}
	res.Processed = int64(len(keys))

	schema := cypher.Schema{
		"label":       cypher.Ident(hl.Type),
		"correlation": cypher.Ident(p.opts.CorrelationType),
	}
	for start := 0; start < len(events); start += p.opts.FlushRows {
		end := min(start+p.opts.FlushRows, len(events))
		out, err := p.execute(ctx, StageHighLevelEvents, hl.Type, highLevelMergeQuery, schema, map[string]any{
			"events":          events[start:end],
			"eventType":       hl.Type,
			"activity":        hl.ObjectType,
			"timestampFields": timestampFieldsOrDefault(hl.TimestampFields),
		})
		if err != nil {
			res.Err = fmt.Errorf("after %d of %d lifecycles: %w", start, len(events), err)
			return res
		}
		res.Count += graph.FirstInt64(out, "created")
	}
	return res
}

// uniqueLifecycles reduces lifecycle rows to one per object, dropping objects
// that lack a start or end event or have several, and removes repeated
// (key, object) rows. Output is ordered by object key.
func uniqueLifecycles(rows []graph.Row) ([]lifecycle, []Ambiguity) {
	byObject := make(map[string][]lifecycle)
	for _, row := range rows {
		lc := lifecycle{
			objectKey: row.String("objectKey"),
			objectID:  row.String("objectId"),
			startKey:  row.String("startKey"),
			startID:   row.String("startId"),
			endKey:    row.String("endKey"),
			endID:     row.String("endId"),
		}
		byObject[lc.objectKey] = append(byObject[lc.objectKey], lc)
	}

	objectKeys := make([]string, 0, len(byObject))
	for k := range byObject {
		objectKeys = append(objectKeys, k)
	}
	sort.Strings(objectKeys)

	var out []lifecycle
	var amb []Ambiguity
	for _, k := range objectKeys {
		lcs := byObject[k]
		starts := distinct(lcs, func(lc lifecycle) (string, string) { return lc.startKey, lc.startID })
		ends := distinct(lcs, func(lc lifecycle) (string, string) { return lc.endKey, lc.endID })
		id := lcs[0].objectID
		if len(starts) == 0 {
			amb = append(amb, Ambiguity{ObjectID: id, Kind: NoStart})
		} else if len(starts) > 1 {
			amb = append(amb, Ambiguity{ObjectID: id, Kind: MultipleStarts, Candidates: starts})
		}
		if len(ends) == 0 {
			amb = append(amb, Ambiguity{ObjectID: id, Kind: NoEnd})
		} else if len(ends) > 1 {
			amb = append(amb, Ambiguity{ObjectID: id, Kind: MultipleEnds, Candidates: ends})
		}
		if len(starts) != 1 || len(ends) != 1 {
			continue
		}
		out = append(out, lcs[0])
	}
	return out, amb
}

// distinct returns the sorted ids of the distinct element keys chosen by pick.
func distinct(lcs []lifecycle, pick func(lifecycle) (key, id string)) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, lc := range lcs {
		key, id := pick(lc)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
