package enrich

import (
	"context"

	"go.uber.org/zap"

	"github.com/orneryd/ekgenrich/pkg/cypher"
	"github.com/orneryd/ekgenrich/pkg/graph"
)

// Infer merges (from)-[:Type]->(to) for every distinct pair of a :From.Type
// node and a :To.Type node that satisfies all preconditions of both sides.
// A node is never linked to itself. Existing edges are left alone.
//
// Count is the number of distinct pairs linked.
func (p *Pipeline) Infer(ctx context.Context, r Relationship) EntryResult {
	var res EntryResult

	if err := p.indexes.EnsureIndexes(ctx,
		graph.IdentityIndex(r.From.Type),
		graph.IdentityIndex(r.To.Type),
	); err != nil {
		res.Err = err
		return res
	}

	conds := preconditions(r.From, r.To)
	if len(conds) == 0 {
		p.log.Warn("relationship without preconditions links every pair of the two pools",
			zap.String("type", r.Type),
			zap.String("from", r.From.Type),
			zap.String("to", r.To.Type))
	}
	schema := cypher.Schema{
		"fromLabel":  cypher.Ident(r.From.Type),
		"toLabel":    cypher.Ident(r.To.Type),
		"type":       cypher.Ident(r.Type),
		"conditions": conds,
	}
	rows, err := p.execute(ctx, StageRelationships, relationshipName(r), inferQuery, schema, map[string]any{})
	if err != nil {
		res.Err = err
		return res
	}
	res.Count = graph.FirstInt64(rows, "count")
	res.Processed = res.Count
	return res
}

func relationshipName(r Relationship) string {
	return "(:" + r.From.Type + ")-[:" + r.Type + "]->(:" + r.To.Type + ")"
}
