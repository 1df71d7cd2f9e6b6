package enrich

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/orneryd/ekgenrich/pkg/cypher"
	"github.com/orneryd/ekgenrich/pkg/graph"
)

// Plan is the declarative description of one enrichment pass.
//
// Example YAML:
//
//	materialize:
//	  - label: Booking
//	    relation_type: BOOKED
//	    from: {type: Customer, attributes: {customerName: name}}
//	    to:   {type: Flight}
//	relationships:
//	  - type: HANDLED_BY
//	    from:
//	      type: Ticket
//	      relationships: [{relation_type: FOR, related_object: c, related_label: Case}]
//	    to:
//	      type: Agent
//	      relationships: [{relation_type: WORKS_ON, related_object: c, related_label: Case}]
//	directly_follows:
//	  - object_type: Order
//	    event_types: [CreateOrder, ShipOrder]
//	    timestamp_fields: [timestamp]
//	    boundaries: true
//	high_level_events:
//	  - object_type: Order
//	    type: OrderLifecycle
type Plan struct {
	Types           TypeRegistration  `yaml:"types,omitempty" json:"types,omitempty"`
	Materialize     []Materialization `yaml:"materialize,omitempty" json:"materialize,omitempty"`
	Relationships   []Relationship    `yaml:"relationships,omitempty" json:"relationships,omitempty"`
	DirectlyFollows []DirectlyFollows `yaml:"directly_follows,omitempty" json:"directly_follows,omitempty"`
	HighLevelEvents []HighLevelEvent  `yaml:"high_level_events,omitempty" json:"high_level_events,omitempty"`
}

// TypeRegistration lists extraction labels that need type markers.
// Event labels are moved onto :Event once linked.
type TypeRegistration struct {
	ObjectTypes []string `yaml:"object_types,omitempty" json:"object_types,omitempty"`
	EventTypes  []string `yaml:"event_types,omitempty" json:"event_types,omitempty"`
}

// Precondition requires an endpoint to be connected via RelationType to some
// node labelled RelatedLabel. RelatedObject names that node; preconditions that
// share a name must reach the same node.
type Precondition struct {
	RelationType  string `yaml:"relation_type" json:"relation_type"`
	RelatedObject string `yaml:"related_object" json:"related_object"`
	RelatedLabel  string `yaml:"related_label" json:"related_label"`
}

// Endpoint selects one side of a materialization or inferred relationship.
type Endpoint struct {
	Type string `yaml:"type" json:"type"`
	// Attributes maps target property -> property on this endpoint.
	Attributes    map[string]string `yaml:"attributes,omitempty" json:"attributes,omitempty"`
	Relationships []Precondition    `yaml:"relationships,omitempty" json:"relationships,omitempty"`
}

// Materialization turns (from)-[relation_type]->(to) pairs into :Label nodes.
type Materialization struct {
	Label        string   `yaml:"label" json:"label"`
	RelationType string   `yaml:"relation_type" json:"relation_type"`
	Separator    string   `yaml:"separator,omitempty" json:"separator,omitempty"`
	From         Endpoint `yaml:"from" json:"from"`
	To           Endpoint `yaml:"to" json:"to"`
}

// Relationship adds (from)-[:Type]->(to) edges where the preconditions hold.
type Relationship struct {
	Type string   `yaml:"type" json:"type"`
	From Endpoint `yaml:"from" json:"from"`
	To   Endpoint `yaml:"to" json:"to"`
}

// DirectlyFollows builds DF chains for every object of ObjectType.
type DirectlyFollows struct {
	ObjectType      string   `yaml:"object_type" json:"object_type"`
	EventTypes      []string `yaml:"event_types" json:"event_types"`
	TimestampFields []string `yaml:"timestamp_fields,omitempty" json:"timestamp_fields,omitempty"`
	// Boundaries runs the lifecycle marker for the same scope afterwards.
	Boundaries bool `yaml:"boundaries,omitempty" json:"boundaries,omitempty"`
}

// HighLevelEvent synthesizes one :Type event per object lifespan.
type HighLevelEvent struct {
	ObjectType      string   `yaml:"object_type" json:"object_type"`
	Type            string   `yaml:"type" json:"type"`
	TimestampFields []string `yaml:"timestamp_fields,omitempty" json:"timestamp_fields,omitempty"`
}

const (
	defaultSeparator      = "_"
	defaultTimestampField = graph.PropTimestamp
)

// LoadPlan reads, defaults and validates a YAML plan file.
func LoadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	return ParsePlan(data)
}

// ParsePlan decodes a YAML plan, rejecting unknown fields, then applies
// defaults and validates it.
func ParsePlan(data []byte) (*Plan, error) {
	var p Plan
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty plan", ErrInvalidPlan)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}
	out := p.withDefaults()
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return out, nil
}

// withDefaults returns a copy with separators and timestamp fields filled in.
// High-level events inherit the timestamp fields of the DF entry for the same
// object type.
func (p *Plan) withDefaults() *Plan {
	out := *p
	out.Materialize = append([]Materialization(nil), p.Materialize...)
	for i := range out.Materialize {
		if out.Materialize[i].Separator == "" {
			out.Materialize[i].Separator = defaultSeparator
		}
	}
	out.DirectlyFollows = append([]DirectlyFollows(nil), p.DirectlyFollows...)
	fields := make(map[string][]string)
	for i := range out.DirectlyFollows {
		df := &out.DirectlyFollows[i]
		if len(df.TimestampFields) == 0 {
			df.TimestampFields = []string{defaultTimestampField}
		}
		fields[df.ObjectType] = df.TimestampFields
	}
	out.HighLevelEvents = append([]HighLevelEvent(nil), p.HighLevelEvents...)
	for i := range out.HighLevelEvents {
		hl := &out.HighLevelEvents[i]
		if len(hl.TimestampFields) == 0 {
			if f, ok := fields[hl.ObjectType]; ok {
				hl.TimestampFields = f
			} else {
				hl.TimestampFields = []string{defaultTimestampField}
			}
		}
	}
	return &out
}

// reservedLabels are written by the core itself and cannot be targets.
var reservedLabels = map[string]bool{
	graph.LabelEvent:      true,
	graph.LabelObjectType: true,
	graph.LabelEventType:  true,
}

// Validate checks every entry and returns all problems joined. Every error
// wraps ErrInvalidPlan.
func (p *Plan) Validate() error {
	v := &validator{}

	for i, t := range p.Types.ObjectTypes {
		v.label("types.object_types", i, "", t)
	}
	for i, t := range p.Types.EventTypes {
		v.label("types.event_types", i, "", t)
	}

	for i, m := range p.Materialize {
		v.label("materialize", i, "label", m.Label)
		v.ident("materialize", i, "relation_type", m.RelationType)
		if m.Separator == "" {
			v.fail("materialize", i, "separator", "required")
		}
		v.endpoint("materialize", i, "from", m.From)
		v.endpoint("materialize", i, "to", m.To)
		v.aliases("materialize", i, m.From, m.To)
	}

	for i, r := range p.Relationships {
		v.ident("relationships", i, "type", r.Type)
		v.endpoint("relationships", i, "from", r.From)
		v.endpoint("relationships", i, "to", r.To)
		v.aliases("relationships", i, r.From, r.To)
	}

	scopes := make(map[string]int)
	for i, df := range p.DirectlyFollows {
		v.ident("directly_follows", i, "object_type", df.ObjectType)
		if prev, dup := scopes[df.ObjectType]; dup && df.ObjectType != "" {
			v.fail("directly_follows", i, "object_type",
				fmt.Sprintf("duplicate scope, already configured at directly_follows[%d]", prev))
		}
		scopes[df.ObjectType] = i
		if len(df.EventTypes) == 0 {
			v.fail("directly_follows", i, "event_types", "at least one event type is required")
		}
		for j, et := range df.EventTypes {
			v.ident("directly_follows", i, fmt.Sprintf("event_types[%d]", j), et)
		}
		v.timestampFields("directly_follows", i, df.TimestampFields)
	}

	for i, hl := range p.HighLevelEvents {
		v.ident("high_level_events", i, "object_type", hl.ObjectType)
		v.label("high_level_events", i, "type", hl.Type)
		v.timestampFields("high_level_events", i, hl.TimestampFields)
	}

	return errors.Join(v.errs...)
}

// ValidationError describes one invalid plan field.
type ValidationError struct {
	Section string
	Index   int
	Field   string
	Reason  string
}

func (e *ValidationError) Error() string {
	loc := fmt.Sprintf("%s[%d]", e.Section, e.Index)
	if e.Field != "" {
		loc += "." + e.Field
	}
	return fmt.Sprintf("plan: %s: %s", loc, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidPlan }

type validator struct {
	errs []error
}

func (v *validator) fail(section string, index int, field, reason string) {
	v.errs = append(v.errs, &ValidationError{Section: section, Index: index, Field: field, Reason: reason})
}

func (v *validator) ident(section string, index int, field, value string) {
	if value == "" {
		v.fail(section, index, field, "required")
		return
	}
	if err := cypher.ValidateIdentifier(value); err != nil {
		v.fail(section, index, field, err.Error())
	}
}

func (v *validator) label(section string, index int, field, value string) {
	v.ident(section, index, field, value)
	if reservedLabels[value] {
		v.fail(section, index, field, fmt.Sprintf("%q is written by the enrichment engine itself", value))
	}
}

func (v *validator) endpoint(section string, index int, side string, ep Endpoint) {
	v.ident(section, index, side+".type", ep.Type)
	for key, src := range ep.Attributes {
		field := fmt.Sprintf("%s.attributes.%s", side, key)
		v.ident(section, index, field, key)
		v.ident(section, index, field, src)
		if key == graph.PropSysID {
			v.fail(section, index, field, "sysId is the merge key and cannot be copied")
		}
	}
	for j, pc := range ep.Relationships {
		prefix := fmt.Sprintf("%s.relationships[%d]", side, j)
		v.ident(section, index, prefix+".relation_type", pc.RelationType)
		v.ident(section, index, prefix+".related_label", pc.RelatedLabel)
		if pc.RelatedObject == "" {
			v.fail(section, index, prefix+".related_object", "required")
		} else if err := cypher.ValidateVariable(pc.RelatedObject); err != nil {
			v.fail(section, index, prefix+".related_object", err.Error())
		}
	}
}

// aliases rejects a related_object reused with different labels; such a join
// can never match.
func (v *validator) aliases(section string, index int, eps ...Endpoint) {
	labels := make(map[string]string)
	for _, ep := range eps {
		for _, pc := range ep.Relationships {
			if prev, ok := labels[pc.RelatedObject]; ok && prev != pc.RelatedLabel {
				v.fail(section, index, "relationships",
					fmt.Sprintf("related_object %q bound to both %s and %s", pc.RelatedObject, prev, pc.RelatedLabel))
			}
			labels[pc.RelatedObject] = pc.RelatedLabel
		}
	}
}

func (v *validator) timestampFields(section string, index int, fields []string) {
	if len(fields) == 0 {
		v.fail(section, index, "timestamp_fields", "at least one timestamp field is required")
	}
	for j, f := range fields {
		v.ident(section, index, fmt.Sprintf("timestamp_fields[%d]", j), f)
	}
}

// fingerprint identifies an entry's configuration so a ledger can tell
// whether a previously succeeded entry is still the same entry.
func fingerprint(entry any) string {
	data, err := json.Marshal(entry)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
