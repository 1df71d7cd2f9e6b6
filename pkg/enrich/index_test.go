package enrich

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/ekgenrich/pkg/graph"
	"github.com/orneryd/ekgenrich/pkg/storage"
)

func TestIndexManager(t *testing.T) {
	ctx := context.Background()

	t.Run("creates once and caches", func(t *testing.T) {
		engine := &faultyEngine{Engine: storage.NewMemoryEngine()}
		m := NewIndexManager(engine, nil)

		def := graph.IdentityIndex("Order")
		require.NoError(t, m.EnsureIndex(ctx, def))
		require.NoError(t, m.EnsureIndex(ctx, def))
		assert.Equal(t, 1, engine.catalogCalls)
		assert.Equal(t, 1, engine.createCalls)

		catalog, err := engine.Indexes(ctx)
		require.NoError(t, err)
		require.Len(t, catalog, 1)
		assert.Equal(t, "Order_sysId_index", catalog[0].Name)
	})

	t.Run("existing index on same property is reused", func(t *testing.T) {
		mem := storage.NewMemoryEngine()
		require.NoError(t, mem.CreateIndex(ctx, graph.IndexDef{Name: "custom", Label: "Order", Property: "sysId"}))
		engine := &faultyEngine{Engine: mem}

		require.NoError(t, NewIndexManager(engine, nil).EnsureIndex(ctx, graph.IdentityIndex("Order")))
		assert.Zero(t, engine.createCalls)
	})

	t.Run("catalog failure", func(t *testing.T) {
		boom := errors.New("catalog unavailable")
		engine := &faultyEngine{Engine: storage.NewMemoryEngine(), failIndexes: boom}

		err := NewIndexManager(engine, nil).EnsureIndex(ctx, graph.PropertyIndex("Event", "timestamp"))
		var ie *IndexError
		require.ErrorAs(t, err, &ie)
		assert.Equal(t, "Event", ie.Label)
		assert.Equal(t, "timestamp", ie.Property)
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, "index Event(timestamp): catalog unavailable", err.Error())
	})

	t.Run("stops at first failure", func(t *testing.T) {
		engine := &faultyEngine{
			Engine: storage.NewMemoryEngine(),
			failCreate: func(def graph.IndexDef) error {
				if def.Label == "Bad" {
					return errors.New("denied")
				}
				return nil
			},
		}
		err := NewIndexManager(engine, nil).EnsureIndexes(ctx,
			graph.IdentityIndex("Bad"),
			graph.IdentityIndex("Good"),
		)
		require.Error(t, err)
		assert.Equal(t, 1, engine.createCalls)
	})

	t.Run("concurrent callers create once", func(t *testing.T) {
		engine := &faultyEngine{Engine: storage.NewMemoryEngine()}
		m := NewIndexManager(engine, nil)

		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, m.EnsureIndex(ctx, graph.PropertyIndex("Event", "timestamp")))
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, engine.createCalls)
	})
}
