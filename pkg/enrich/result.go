package enrich

import (
	"time"
)

// Stage is one phase of an enrichment run. Stages run in declaration order.
type Stage string

const (
	StageTypes           Stage = "types"
	StageMaterialize     Stage = "materialize"
	StageRelationships   Stage = "relationships"
	StageDirectlyFollows Stage = "directly_follows"
	StageBoundaries      Stage = "boundaries"
	StageHighLevelEvents Stage = "high_level_events"
)

// Stages lists every stage in execution order.
var Stages = []Stage{
	StageTypes,
	StageMaterialize,
	StageRelationships,
	StageDirectlyFollows,
	StageBoundaries,
	StageHighLevelEvents,
}

// Outcome is how a single entry ended.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// EntryRef identifies one configuration entry of a plan.
type EntryRef struct {
	Stage       Stage
	Index       int
	Name        string
	Fingerprint string
}

func (r EntryRef) String() string {
	return string(r.Stage) + "/" + r.Name
}

// AmbiguityKind classifies a lifecycle that has no unique start or end.
type AmbiguityKind string

const (
	MultipleStarts AmbiguityKind = "multiple_starts"
	MultipleEnds   AmbiguityKind = "multiple_ends"
	NoStart        AmbiguityKind = "no_start"
	NoEnd          AmbiguityKind = "no_end"
)

// Ambiguity reports one object whose boundary was not unique.
//
// Candidates holds the sysIds of every candidate event; Chosen is the one that
// was linked, or "" when nothing was written.
type Ambiguity struct {
	ObjectID   string
	Kind       AmbiguityKind
	Candidates []string
	Chosen     string
}

// EntryResult is the outcome of one configuration entry. Count is the number
// of entities or edges created (materialized nodes, DF edges, high-level
// events) or linked (types, inferred pairs, boundary objects). Processed is the
// number of input rows the entry worked through.
type EntryResult struct {
	EntryRef
	Outcome     Outcome
	Count       int64
	Processed   int64
	Ambiguities []Ambiguity
	Err         error
	Duration    time.Duration
}

// Failed reports whether the entry failed.
func (r EntryResult) Failed() bool { return r.Outcome == OutcomeFailed }

// RunResult collects every entry result of one Run.
type RunResult struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	Entries    []EntryResult
}

// Failed returns the failed entries.
func (r *RunResult) Failed() []EntryResult {
	var out []EntryResult
	for _, e := range r.Entries {
		if e.Failed() {
			out = append(out, e)
		}
	}
	return out
}

// Stage returns the entries of one stage in plan order.
func (r *RunResult) Stage(s Stage) []EntryResult {
	var out []EntryResult
	for _, e := range r.Entries {
		if e.Stage == s {
			out = append(out, e)
		}
	}
	return out
}

// Find returns the first entry with the given stage and name.
func (r *RunResult) Find(s Stage, name string) (EntryResult, bool) {
	for _, e := range r.Entries {
		if e.Stage == s && e.Name == name {
			return e, true
		}
	}
	return EntryResult{}, false
}

// Duration is the wall time of the run.
func (r *RunResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
