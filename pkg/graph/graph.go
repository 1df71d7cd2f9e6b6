// Package graph defines the contract between the enrichment core and the graph
// engine it runs against.
//
// The core depends on exactly four engine capabilities:
//
//   - Query: pattern-matching reads returning rows
//   - Execute: bulk mutations the engine commits in independent batches
//     (Cypher `CALL { ... } IN TRANSACTIONS`), with no cross-batch atomicity
//   - Indexes: the index catalog
//   - CreateIndex: index creation
//
// Two engines implement it: pkg/bolt (a remote Neo4j-compatible server) and
// pkg/storage (an in-memory graph used offline and in tests).
package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/orneryd/ekgenrich/pkg/cypher"
)

// ErrUnsupportedQuery is returned by engines that cannot run a named query.
var ErrUnsupportedQuery = errors.New("graph: unsupported query")

// Engine is the downstream graph engine.
type Engine interface {
	// Query runs a read and returns all rows.
	Query(ctx context.Context, q cypher.Query) ([]Row, error)
	// Execute runs a bulk mutation in auto-commit mode. A failure may leave a
	// prefix of batches committed.
	Execute(ctx context.Context, q cypher.Query) ([]Row, error)
	// Indexes lists the index catalog.
	Indexes(ctx context.Context) ([]IndexInfo, error)
	// CreateIndex creates a single-property index if it does not exist.
	CreateIndex(ctx context.Context, def IndexDef) error
}

// IndexDef describes a single-property node index.
type IndexDef struct {
	Name     string
	Label    string
	Property string
}

// IndexInfo is one entry of the engine's index catalog.
type IndexInfo struct {
	Name       string
	Labels     []string
	Properties []string
}

// Covers reports whether the catalog entry serves def, either by name or by
// (label, property).
func (i IndexInfo) Covers(def IndexDef) bool {
	if i.Name != "" && i.Name == def.Name {
		return true
	}
	if len(i.Properties) != 1 || i.Properties[0] != def.Property {
		return false
	}
	for _, l := range i.Labels {
		if l == def.Label {
			return true
		}
	}
	return false
}

// IdentityIndex returns the sysId index definition for a label. Names keep
// the label's case so Order and ORDER get distinct indexes.
func IdentityIndex(label string) IndexDef {
	return IndexDef{
		Name:     label + "_sysId_index",
		Label:    label,
		Property: "sysId",
	}
}

// PropertyIndex returns the index definition for a label and a non-identity
// property such as a timestamp field.
func PropertyIndex(label, property string) IndexDef {
	return IndexDef{
		Name:     fmt.Sprintf("%s_%s_index", label, property),
		Label:    label,
		Property: property,
	}
}
