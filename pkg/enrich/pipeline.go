// Package enrich turns a declarative Plan into idempotent, batched graph
// mutations: type registration, object materialization, relationship
// inference, directly-follows chains, lifecycle boundaries and high-level
// events.
//
// Every mutation is a MERGE with first-write-wins property assignment, so a
// request that failed halfway (leaving a prefix of its batches committed) or a
// whole run repeated on an unchanged graph converges to the same graph.
//
// Failures are isolated per configuration entry: Run never returns an engine
// error, it returns one EntryResult per entry instead. Only plan validation
// errors are returned directly.
//
// Example:
//
//	plan, err := enrich.LoadPlan("plan.yaml")
//	if err != nil {
//		return err
//	}
//	p := enrich.New(engine, enrich.Options{BatchSize: 1000, Progress: os.Stdout}, log)
//	res, err := p.Run(ctx, plan)
//	if err != nil {
//		return err
//	}
//	for _, e := range res.Failed() {
//		fmt.Println(e.Name, e.Err)
//	}
package enrich

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/ekgenrich/pkg/cypher"
	"github.com/orneryd/ekgenrich/pkg/graph"
)

// Defaults applied by New for zero Options fields.
const (
	DefaultBatchSize       = 1000
	DefaultFlushRows       = 10000
	DefaultWorkers         = 1
	DefaultCorrelationType = "CORR"
)

// Options tunes a Pipeline.
type Options struct {
	// BatchSize is the number of rows the engine commits per transaction.
	BatchSize int
	// FlushRows is the number of precomputed rows (DF pairs, boundaries,
	// high-level events) sent per bulk request.
	FlushRows int
	// Workers bounds how many entries of one stage run at the same time.
	// Stages themselves always run in order.
	Workers int
	// CorrelationType links a high-level event to its object.
	CorrelationType string
	// Progress receives one human-readable line per entry.
	Progress io.Writer
	// Observer is called with every finished entry.
	Observer func(EntryResult)
	// Skip is consulted before each entry; returning true records the entry
	// as skipped without touching the graph.
	Skip func(EntryRef) bool
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.FlushRows <= 0 {
		o.FlushRows = DefaultFlushRows
	}
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.CorrelationType == "" {
		o.CorrelationType = DefaultCorrelationType
	}
	return o
}

// Pipeline runs plans against one engine.
type Pipeline struct {
	engine  graph.Engine
	opts    Options
	log     *zap.Logger
	indexes *IndexManager

	progressMu sync.Mutex
}

// New creates a Pipeline. A nil logger disables logging.
func New(engine graph.Engine, opts Options, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		engine:  engine,
		opts:    opts.withDefaults(),
		log:     log,
		indexes: NewIndexManager(engine, log),
	}
}

// Indexes returns the pipeline's index manager.
func (p *Pipeline) Indexes() *IndexManager { return p.indexes }

// task is one entry scheduled within a stage.
type task struct {
	ref EntryRef
	run func(context.Context) EntryResult
}

// Run validates plan and executes it stage by stage. Entries of one stage are
// independent and may run concurrently; a failed entry never stops its
// siblings or later stages. Entries whose prerequisite failed in this run
// (boundaries after a failed DF entry, high-level events after failed
// boundaries for the same object type) are skipped.
func (p *Pipeline) Run(ctx context.Context, plan *Plan) (*RunResult, error) {
	if plan == nil {
		return nil, fmt.Errorf("%w: nil plan", ErrInvalidPlan)
	}
	plan = plan.withDefaults()
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	res := &RunResult{ID: uuid.NewString(), StartedAt: time.Now()}
	p.log.Info("enrichment run started", zap.String("run", res.ID))

	var tasks []task
	for i, label := range plan.Types.ObjectTypes {
		label := label
		tasks = append(tasks, task{
			ref: EntryRef{Stage: StageTypes, Index: i, Name: "object:" + label, Fingerprint: fingerprint(label)},
			run: func(ctx context.Context) EntryResult { return p.registerObjectTypeEntry(ctx, label) },
		})
	}
	for i, label := range plan.Types.EventTypes {
		label := label
		tasks = append(tasks, task{
			ref: EntryRef{Stage: StageTypes, Index: len(plan.Types.ObjectTypes) + i, Name: "event:" + label, Fingerprint: fingerprint(label)},
			run: func(ctx context.Context) EntryResult { return p.registerEventTypeEntry(ctx, label) },
		})
	}
	res.Entries = append(res.Entries, p.runStage(ctx, tasks)...)

	tasks = tasks[:0]
	for i, m := range plan.Materialize {
		m := m
		tasks = append(tasks, task{
			ref: EntryRef{Stage: StageMaterialize, Index: i, Name: m.Label, Fingerprint: fingerprint(m)},
			run: func(ctx context.Context) EntryResult { return p.Materialize(ctx, m) },
		})
	}
	res.Entries = append(res.Entries, p.runStage(ctx, tasks)...)

	tasks = tasks[:0]
	for i, r := range plan.Relationships {
		r := r
		tasks = append(tasks, task{
			ref: EntryRef{Stage: StageRelationships, Index: i, Name: relationshipName(r), Fingerprint: fingerprint(r)},
			run: func(ctx context.Context) EntryResult { return p.Infer(ctx, r) },
		})
	}
	res.Entries = append(res.Entries, p.runStage(ctx, tasks)...)

	tasks = tasks[:0]
	for i, df := range plan.DirectlyFollows {
		df := df
		tasks = append(tasks, task{
			ref: EntryRef{Stage: StageDirectlyFollows, Index: i, Name: df.ObjectType, Fingerprint: fingerprint(df)},
			run: func(ctx context.Context) EntryResult { return p.BuildDirectlyFollows(ctx, df) },
		})
	}
	dfResults := p.runStage(ctx, tasks)
	res.Entries = append(res.Entries, dfResults...)

	tasks = tasks[:0]
	failedScopes := make(map[string]bool)
	for i, df := range plan.DirectlyFollows {
		df := df
		if !df.Boundaries {
			continue
		}
		ref := EntryRef{Stage: StageBoundaries, Index: i, Name: df.ObjectType, Fingerprint: fingerprint(df)}
		if dfResults[i].Failed() {
			failedScopes[df.ObjectType] = true
			tasks = append(tasks, skipped(ref, "directly-follows for %s failed in this run", df.ObjectType))
			continue
		}
		tasks = append(tasks, task{
			ref: ref,
			run: func(ctx context.Context) EntryResult { return p.MarkBoundaries(ctx, df) },
		})
	}
	boundaryResults := p.runStage(ctx, tasks)
	for _, r := range boundaryResults {
		if r.Failed() {
			failedScopes[r.Name] = true
		}
	}
	res.Entries = append(res.Entries, boundaryResults...)

	tasks = tasks[:0]
	for i, hl := range plan.HighLevelEvents {
		hl := hl
		ref := EntryRef{Stage: StageHighLevelEvents, Index: i, Name: hl.Type, Fingerprint: fingerprint(hl)}
		if failedScopes[hl.ObjectType] {
			tasks = append(tasks, skipped(ref, "lifecycle of %s failed in this run", hl.ObjectType))
			continue
		}
		tasks = append(tasks, task{
			ref: ref,
			run: func(ctx context.Context) EntryResult { return p.SynthesizeHighLevel(ctx, hl) },
		})
	}
	res.Entries = append(res.Entries, p.runStage(ctx, tasks)...)

	res.FinishedAt = time.Now()
	p.log.Info("enrichment run finished",
		zap.String("run", res.ID),
		zap.Int("entries", len(res.Entries)),
		zap.Int("failed", len(res.Failed())),
		zap.Duration("duration", res.Duration()))
	return res, nil
}

// errPrerequisite marks an entry skipped because an earlier entry failed.
var errPrerequisite = errors.New("prerequisite failed")

func skipped(ref EntryRef, format string, args ...any) task {
	reason := fmt.Errorf("%w: "+format, append([]any{errPrerequisite}, args...)...)
	return task{
		ref: ref,
		run: func(context.Context) EntryResult {
			return EntryResult{Outcome: OutcomeSkipped, Err: reason}
		},
	}
}

// runStage runs the tasks of one stage with at most Workers in flight and
// returns their results in task order. Entry failures are captured in the
// results, so the group itself never fails.
func (p *Pipeline) runStage(ctx context.Context, tasks []task) []EntryResult {
	results := make([]EntryResult, len(tasks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Workers)
	for i, t := range tasks {
		i, t := i, t
		g.Go(func() error {
			results[i] = p.runEntry(gctx, t)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (p *Pipeline) runEntry(ctx context.Context, t task) EntryResult {
	log := p.log.With(zap.String("stage", string(t.ref.Stage)), zap.String("entry", t.ref.Name))

	var r EntryResult
	switch {
	case p.opts.Skip != nil && p.opts.Skip(t.ref):
		r = EntryResult{Outcome: OutcomeSkipped}
	case ctx.Err() != nil:
		r = EntryResult{Err: ctx.Err()}
	default:
		log.Debug("entry started")
		start := time.Now()
		r = t.run(ctx)
		r.Duration = time.Since(start)
	}
	r.EntryRef = t.ref
	if r.Outcome == "" {
		if r.Err != nil {
			r.Outcome = OutcomeFailed
		} else {
			r.Outcome = OutcomeSucceeded
		}
	}

	switch r.Outcome {
	case OutcomeFailed:
		log.Error("entry failed", zap.Error(r.Err), zap.Duration("duration", r.Duration))
	case OutcomeSkipped:
		log.Info("entry skipped", zap.NamedError("reason", r.Err))
	default:
		log.Info("entry finished",
			zap.Int64("count", r.Count),
			zap.Int64("processed", r.Processed),
			zap.Int("ambiguities", len(r.Ambiguities)),
			zap.Duration("duration", r.Duration))
	}
	p.progress(r)
	if p.opts.Observer != nil {
		p.opts.Observer(r)
	}
	return r
}

func (p *Pipeline) progress(r EntryResult) {
	if p.opts.Progress == nil {
		return
	}
	p.progressMu.Lock()
	defer p.progressMu.Unlock()
	fmt.Fprintln(p.opts.Progress, Describe(r))
}

// Describe renders the one-line progress message for an entry.
func Describe(r EntryResult) string {
	switch r.Outcome {
	case OutcomeFailed:
		return fmt.Sprintf("✗ %s %s: %v", r.Stage, r.Name, r.Err)
	case OutcomeSkipped:
		if r.Err != nil {
			return fmt.Sprintf("- %s %s skipped: %v", r.Stage, r.Name, r.Err)
		}
		return fmt.Sprintf("- %s %s skipped", r.Stage, r.Name)
	}

	var msg string
	switch r.Stage {
	case StageTypes:
		msg = fmt.Sprintf("%d nodes typed as %s", r.Count, r.Name)
	case StageMaterialize:
		msg = fmt.Sprintf("%d %s nodes materialized from %d edges", r.Count, r.Name, r.Processed)
	case StageRelationships:
		msg = fmt.Sprintf("%d pairs linked by %s", r.Count, r.Name)
	case StageDirectlyFollows:
		msg = fmt.Sprintf("%d DF edges created for %s (%d pairs)", r.Count, r.Name, r.Processed)
	case StageBoundaries:
		msg = fmt.Sprintf("%d %s objects bounded", r.Count, r.Name)
	case StageHighLevelEvents:
		msg = fmt.Sprintf("%d %s events created (%d lifecycles)", r.Count, r.Name, r.Processed)
	default:
		msg = fmt.Sprintf("%s %s: %d", r.Stage, r.Name, r.Count)
	}
	if n := len(r.Ambiguities); n > 0 {
		msg += fmt.Sprintf(", %d ambiguous", n)
	}
	return "→ " + msg
}

// execute compiles tmpl and runs it as a bulk mutation. $batchSize is always
// bound.
func (p *Pipeline) execute(ctx context.Context, stage Stage, name string, tmpl *cypher.Template, schema cypher.Schema, params map[string]any) ([]graph.Row, error) {
	bound := make(map[string]any, len(params)+1)
	for k, v := range params {
		bound[k] = v
	}
	bound["batchSize"] = int64(p.opts.BatchSize)

	q, err := tmpl.Compile(schema, bound)
	if err != nil {
		return nil, err
	}
	rows, err := p.engine.Execute(ctx, q)
	if err != nil {
		return nil, &MutationError{Stage: stage, Name: name, Query: q.Name, Err: err}
	}
	return rows, nil
}

// query compiles a read-only template without schema slots and runs it.
func (p *Pipeline) query(ctx context.Context, tmpl *cypher.Template, params map[string]any) ([]graph.Row, error) {
	q, err := tmpl.Compile(nil, params)
	if err != nil {
		return nil, err
	}
	rows, err := p.engine.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", q.Name, err)
	}
	return rows, nil
}
