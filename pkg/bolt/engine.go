// Package bolt runs enrichment queries against a Neo4j-compatible server over
// the Bolt protocol.
//
// Reads go through managed transactions routed to readers. Bulk mutations use
// auto-commit sessions, which CALL { ... } IN TRANSACTIONS requires: the server
// commits each batch on its own, so a failed pass may leave earlier batches in
// place.
//
// Example:
//
//	eng, err := bolt.Open(ctx, cfg.Neo4j, bolt.Options{Logger: log})
//	if err != nil {
//		return err
//	}
//	defer eng.Close(ctx)
//
//	p := enrich.New(eng, enrich.Options{}, log)
package bolt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	driverconfig "github.com/neo4j/neo4j-go-driver/v5/neo4j/config"
	"go.uber.org/zap"

	"github.com/orneryd/ekgenrich/pkg/config"
	"github.com/orneryd/ekgenrich/pkg/cypher"
	"github.com/orneryd/ekgenrich/pkg/graph"
)

// QueryCreateIndex names the compiled index DDL.
const QueryCreateIndex = "index.create"

var (
	createIndexQuery = cypher.MustParse(QueryCreateIndex,
		"CREATE INDEX ${name} IF NOT EXISTS FOR (n:${label}) ON (n.${property})")

	showIndexesQuery = `
SHOW INDEXES YIELD name, entityType, labelsOrTypes, properties
WHERE entityType = 'NODE'
RETURN name, labelsOrTypes, properties`
)

// Options tunes an Engine.
type Options struct {
	Logger *zap.Logger
	// SlowQueryThreshold logs statements slower than this at WARN. Zero
	// disables the check.
	SlowQueryThreshold time.Duration
}

// runFunc runs one statement and returns every record.
type runFunc func(ctx context.Context, text string, params map[string]any) ([]*neo4j.Record, error)

// Engine implements graph.Engine on a Neo4j driver. Safe for concurrent use.
type Engine struct {
	driver neo4j.DriverWithContext
	read   runFunc
	write  runFunc
	log    *zap.Logger
	slow   time.Duration
}

var _ graph.Engine = (*Engine)(nil)

// Open connects to the server and verifies connectivity.
func Open(ctx context.Context, cfg config.Neo4jConfig, opts Options) (*Engine, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
		func(c *driverconfig.Config) {
			if cfg.MaxConnectionPoolSize > 0 {
				c.MaxConnectionPoolSize = cfg.MaxConnectionPoolSize
			}
			if cfg.ConnectTimeout > 0 {
				c.SocketConnectTimeout = cfg.ConnectTimeout
				c.ConnectionAcquisitionTimeout = cfg.ConnectTimeout
			}
		})
	if err != nil {
		return nil, fmt.Errorf("failed to create driver for %s: %w", cfg.URI, err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.URI, err)
	}

	e := newEngine(driverRead(driver, cfg.Database), driverWrite(driver, cfg.Database), opts)
	e.driver = driver
	e.log.Info("connected",
		zap.String("uri", cfg.URI),
		zap.String("database", cfg.Database))
	return e, nil
}

func newEngine(read, write runFunc, opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		read:  read,
		write: write,
		log:   log.Named("bolt"),
		slow:  opts.SlowQueryThreshold,
	}
}

func driverRead(driver neo4j.DriverWithContext, database string) runFunc {
	return func(ctx context.Context, text string, params map[string]any) ([]*neo4j.Record, error) {
		res, err := neo4j.ExecuteQuery(ctx, driver, text, params,
			neo4j.EagerResultTransformer,
			neo4j.ExecuteQueryWithDatabase(database),
			neo4j.ExecuteQueryWithReadersRouting())
		if err != nil {
			return nil, err
		}
		return res.Records, nil
	}
}

func driverWrite(driver neo4j.DriverWithContext, database string) runFunc {
	return func(ctx context.Context, text string, params map[string]any) ([]*neo4j.Record, error) {
		session := driver.NewSession(ctx, neo4j.SessionConfig{
			AccessMode:   neo4j.AccessModeWrite,
			DatabaseName: database,
		})
		defer session.Close(ctx)

		result, err := session.Run(ctx, text, params)
		if err != nil {
			return nil, err
		}
		return result.Collect(ctx)
	}
}

// Close releases every pooled connection.
func (e *Engine) Close(ctx context.Context) error {
	if e.driver == nil {
		return nil
	}
	return e.driver.Close(ctx)
}

// Query runs a read.
func (e *Engine) Query(ctx context.Context, q cypher.Query) ([]graph.Row, error) {
	return e.run(ctx, e.read, q.Name, q.Text, q.Params)
}

// Execute runs a bulk mutation in an auto-commit transaction.
func (e *Engine) Execute(ctx context.Context, q cypher.Query) ([]graph.Row, error) {
	return e.run(ctx, e.write, q.Name, q.Text, q.Params)
}

// Indexes lists the node indexes of the database.
func (e *Engine) Indexes(ctx context.Context) ([]graph.IndexInfo, error) {
	rows, err := e.run(ctx, e.read, "index.show", showIndexesQuery, nil)
	if err != nil {
		return nil, err
	}
	out := make([]graph.IndexInfo, 0, len(rows))
	for _, r := range rows {
		out = append(out, graph.IndexInfo{
			Name:       r.String("name"),
			Labels:     r.Strings("labelsOrTypes"),
			Properties: r.Strings("properties"),
		})
	}
	return out, nil
}

// CreateIndex creates a single-property range index if none with that name
// exists.
func (e *Engine) CreateIndex(ctx context.Context, def graph.IndexDef) error {
	q, err := createIndexQuery.Compile(cypher.Schema{
		"name":     cypher.Ident(def.Name),
		"label":    cypher.Ident(def.Label),
		"property": cypher.Ident(def.Property),
	}, nil)
	if err != nil {
		return err
	}
	_, err = e.run(ctx, e.write, q.Name, q.Text, nil)
	return err
}

func (e *Engine) run(ctx context.Context, fn runFunc, name, text string, params map[string]any) ([]graph.Row, error) {
	start := time.Now()
	records, err := fn(ctx, text, params)
	elapsed := time.Since(start)

	if err != nil {
		e.log.Debug("query failed",
			zap.String("query", name),
			zap.Duration("elapsed", elapsed),
			zap.Bool("retryable", neo4j.IsRetryable(err)),
			zap.Error(err))
		return nil, wrapError(name, err)
	}
	if e.slow > 0 && elapsed >= e.slow {
		e.log.Warn("slow query",
			zap.String("query", name),
			zap.Duration("elapsed", elapsed),
			zap.Int("rows", len(records)))
	} else {
		e.log.Debug("query",
			zap.String("query", name),
			zap.Duration("elapsed", elapsed),
			zap.Int("rows", len(records)))
	}

	rows := make([]graph.Row, len(records))
	for i, rec := range records {
		row := make(graph.Row, len(rec.Keys))
		for j, k := range rec.Keys {
			if j < len(rec.Values) {
				row[k] = normalize(rec.Values[j])
			}
		}
		rows[i] = row
	}
	return rows, nil
}

// ServerError is a failure reported by the server, as opposed to a
// connectivity or driver error.
type ServerError struct {
	Query string
	Code  string
	Msg   string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Query, e.Code, e.Msg)
}

func wrapError(name string, err error) error {
	var nerr *neo4j.Neo4jError
	if errors.As(err, &nerr) {
		return &ServerError{Query: name, Code: nerr.Code, Msg: nerr.Msg}
	}
	return fmt.Errorf("%s: %w", name, err)
}

// normalize turns graph entities into property maps and walks containers.
// Temporal values are kept as driver types; they sort through their Time
// method and bind back unchanged as parameters.
func normalize(v any) any {
	switch x := v.(type) {
	case neo4j.Node:
		return propsWith(x.Props, "elementId", x.ElementId, "labels", x.Labels)
	case neo4j.Relationship:
		return propsWith(x.Props, "elementId", x.ElementId, "type", x.Type)
	case neo4j.Path:
		nodes := make([]any, len(x.Nodes))
		for i, n := range x.Nodes {
			nodes[i] = normalize(n)
		}
		return nodes
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = normalize(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = normalize(item)
		}
		return out
	default:
		return v
	}
}

func propsWith(props map[string]any, kv ...any) map[string]any {
	out := make(map[string]any, len(props)+len(kv)/2)
	for k, v := range props {
		out[k] = normalize(v)
	}
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i].(string)] = kv[i+1]
	}
	return out
}
