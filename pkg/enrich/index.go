package enrich

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/orneryd/ekgenrich/pkg/graph"
)

// IndexManager makes sure lookup indexes exist before bulk work relies on
// them. Indexes seen once are cached, so repeated calls from several stages
// cost one catalog read per label/property at most.
//
// IndexManager is safe for concurrent use.
type IndexManager struct {
	engine graph.Engine
	log    *zap.Logger

	mu    sync.Mutex
	known map[graph.IndexDef]bool
}

// NewIndexManager creates an IndexManager over engine.
func NewIndexManager(engine graph.Engine, log *zap.Logger) *IndexManager {
	if log == nil {
		log = zap.NewNop()
	}
	return &IndexManager{
		engine: engine,
		log:    log,
		known:  make(map[graph.IndexDef]bool),
	}
}

// EnsureIndex creates def unless the catalog already has an index with the
// same name or on the same label and property.
func (m *IndexManager) EnsureIndex(ctx context.Context, def graph.IndexDef) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.known[def] {
		return nil
	}

	catalog, err := m.engine.Indexes(ctx)
	if err != nil {
		return &IndexError{Label: def.Label, Property: def.Property, Err: err}
	}
	for _, idx := range catalog {
		if idx.Covers(def) {
			m.known[def] = true
			return nil
		}
	}

	if err := m.engine.CreateIndex(ctx, def); err != nil {
		return &IndexError{Label: def.Label, Property: def.Property, Err: err}
	}
	m.known[def] = true
	m.log.Info("index created",
		zap.String("index", def.Name),
		zap.String("label", def.Label),
		zap.String("property", def.Property))
	return nil
}

// EnsureIndexes ensures every def in order and stops at the first failure.
func (m *IndexManager) EnsureIndexes(ctx context.Context, defs ...graph.IndexDef) error {
	for _, def := range defs {
		if err := m.EnsureIndex(ctx, def); err != nil {
			return err
		}
	}
	return nil
}
