package enrich

import (
	"context"

	"go.uber.org/zap"

	"github.com/orneryd/ekgenrich/pkg/cypher"
	"github.com/orneryd/ekgenrich/pkg/graph"
)

// RegisterObjectType merges the ObjectType marker for label and links every
// :label node to it. It returns the number of nodes linked.
func (p *Pipeline) RegisterObjectType(ctx context.Context, label string) (int64, error) {
	if err := p.indexes.EnsureIndex(ctx, graph.PropertyIndex(graph.LabelObjectType, graph.PropObjectType)); err != nil {
		return 0, err
	}
	params := map[string]any{graph.PropObjectType: label}
	if _, err := p.execute(ctx, StageTypes, label, mergeObjectTypeQuery, nil, params); err != nil {
		return 0, err
	}
	rows, err := p.execute(ctx, StageTypes, label, linkObjectTypeQuery,
		cypher.Schema{"label": cypher.Ident(label)}, params)
	if err != nil {
		return 0, err
	}
	n := graph.FirstInt64(rows, "count")
	p.log.Debug("object type registered", zap.String("type", label), zap.Int64("linked", n))
	return n, nil
}

// RegisterEventType merges the EventType marker for label, links every :label
// node to it and moves those nodes from :label to :Event. Once moved, a node is
// no longer matched by label, so repeated calls link nothing new.
func (p *Pipeline) RegisterEventType(ctx context.Context, label string) (int64, error) {
	if err := p.indexes.EnsureIndex(ctx, graph.PropertyIndex(graph.LabelEventType, graph.PropEventType)); err != nil {
		return 0, err
	}
	params := map[string]any{graph.PropEventType: label}
	if _, err := p.execute(ctx, StageTypes, label, mergeEventTypeQuery, nil, params); err != nil {
		return 0, err
	}
	rows, err := p.execute(ctx, StageTypes, label, linkEventTypeQuery,
		cypher.Schema{"label": cypher.Ident(label)}, params)
	if err != nil {
		return 0, err
	}
	n := graph.FirstInt64(rows, "count")
	p.log.Debug("event type registered", zap.String("type", label), zap.Int64("linked", n))
	return n, nil
}

func (p *Pipeline) registerObjectTypeEntry(ctx context.Context, label string) EntryResult {
	n, err := p.RegisterObjectType(ctx, label)
	return EntryResult{Count: n, Processed: n, Err: err}
}

func (p *Pipeline) registerEventTypeEntry(ctx context.Context, label string) EntryResult {
	n, err := p.RegisterEventType(ctx, label)
	return EntryResult{Count: n, Processed: n, Err: err}
}
