// Package cypher compiles enrichment query skeletons into executable Cypher.
//
// A skeleton mixes two placeholder classes that never overlap:
//
//	${name}  schema placeholder: labels, relationship types, property keys and
//	         generated clauses. Cypher cannot bind these as parameters, so they
//	         are validated against an identifier allow-list and spliced into
//	         the query text.
//	$name    value placeholder: left untouched in the text and bound by the
//	         driver at execution time (safe against injection, plan-cached).
//
// Compilation is two-phase: every schema token is validated first, then the
// precompiled skeleton is rendered. Value parameters are never spliced.
//
// Example:
//
//	var linkType = cypher.MustParse("types.link", `
//		MATCH (ot:ObjectType {objectType: $objectType})
//		MATCH (o:${label})
//		MERGE (o)-[:IS_OF_TYPE]->(ot)`)
//
//	q, err := linkType.Compile(
//		cypher.Schema{"label": cypher.Ident("Booking")},
//		map[string]any{"objectType": "Booking"},
//	)
//	if err != nil {
//		return err
//	}
//	rows, err := engine.Execute(ctx, q)
package cypher

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var (
	// ErrInvalidIdentifier is returned when a schema token is not a plain identifier.
	ErrInvalidIdentifier = errors.New("cypher: invalid identifier")
	// ErrMissingToken is returned when a schema placeholder has no token.
	ErrMissingToken = errors.New("cypher: missing schema token")
	// ErrUnknownToken is returned when a token is supplied for a placeholder the skeleton does not have.
	ErrUnknownToken = errors.New("cypher: unknown schema token")
	// ErrUnboundParameter is returned when a value placeholder has no binding.
	ErrUnboundParameter = errors.New("cypher: unbound parameter")
	// ErrMalformedTemplate is returned by Parse for broken placeholder syntax.
	ErrMalformedTemplate = errors.New("cypher: malformed template")
)

var (
	identifierRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	valueParamRE = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)`)
)

// CompileError carries the template and placeholder a compile failure belongs to.
type CompileError struct {
	Template    string
	Placeholder string
	Err         error
}

func (e *CompileError) Error() string {
	if e.Placeholder == "" {
		return fmt.Sprintf("compile %s: %v", e.Template, e.Err)
	}
	return fmt.Sprintf("compile %s: placeholder %q: %v", e.Template, e.Placeholder, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// Schema maps schema placeholder names to their tokens.
type Schema map[string]Token

// Query is a compiled, ready-to-run statement.
//
// Schema keeps the structured tokens that were rendered into Text so engines
// that do not speak Cypher can execute the same request natively.
type Query struct {
	Name   string
	Text   string
	Params map[string]any
	Schema Schema
}

// Ident returns the identifier bound to a schema placeholder, or "".
func (q Query) Ident(name string) string {
	if id, ok := q.Schema[name].(Ident); ok {
		return string(id)
	}
	return ""
}

type segment struct {
	literal string
	slot    string
}

// Template is a parsed skeleton. Templates are immutable and safe for
// concurrent use; parse them once at package init.
type Template struct {
	name     string
	segments []segment
	slots    []string
}

// Parse precompiles a skeleton into literal and schema-slot segments.
func Parse(name, text string) (*Template, error) {
	t := &Template{name: name}
	seen := make(map[string]bool)
	rest := text
	for {
		i := strings.Index(rest, "${")
		if i < 0 {
			if rest != "" {
				t.segments = append(t.segments, segment{literal: rest})
			}
			break
		}
		if i > 0 {
			t.segments = append(t.segments, segment{literal: rest[:i]})
		}
		end := strings.IndexByte(rest[i:], '}')
		if end < 0 {
			return nil, &CompileError{Template: name, Err: fmt.Errorf("%w: unterminated placeholder", ErrMalformedTemplate)}
		}
		slot := rest[i+2 : i+end]
		if !identifierRE.MatchString(slot) {
			return nil, &CompileError{Template: name, Placeholder: slot, Err: fmt.Errorf("%w: bad placeholder name", ErrMalformedTemplate)}
		}
		t.segments = append(t.segments, segment{slot: slot})
		if !seen[slot] {
			seen[slot] = true
			t.slots = append(t.slots, slot)
		}
		rest = rest[i+end+1:]
	}
	return t, nil
}

// MustParse is Parse for package-level templates; it panics on error.
func MustParse(name, text string) *Template {
	t, err := Parse(name, text)
	if err != nil {
		panic(err)
	}
	return t
}

// Name returns the template name; compiled queries carry it as Query.Name.
func (t *Template) Name() string { return t.name }

// Placeholders returns the schema placeholder names in order of first use.
func (t *Template) Placeholders() []string {
	out := make([]string, len(t.slots))
	copy(out, t.slots)
	return out
}

// Compile validates the schema tokens, renders the skeleton and checks that
// every value placeholder left in the text has a binding in params.
func (t *Template) Compile(schema Schema, params map[string]any) (Query, error) {
	rendered := make(map[string]string, len(t.slots))
	for _, slot := range t.slots {
		tok, ok := schema[slot]
		if !ok || tok == nil {
			return Query{}, &CompileError{Template: t.name, Placeholder: slot, Err: ErrMissingToken}
		}
		s, err := tok.render()
		if err != nil {
			return Query{}, &CompileError{Template: t.name, Placeholder: slot, Err: err}
		}
		rendered[slot] = s
	}
	if len(schema) > len(rendered) {
		extra := make([]string, 0)
		for k := range schema {
			if _, ok := rendered[k]; !ok {
				extra = append(extra, k)
			}
		}
		sort.Strings(extra)
		return Query{}, &CompileError{Template: t.name, Placeholder: extra[0], Err: ErrUnknownToken}
	}

	var b strings.Builder
	for _, seg := range t.segments {
		if seg.slot != "" {
			b.WriteString(rendered[seg.slot])
			continue
		}
		b.WriteString(seg.literal)
	}
	text := b.String()

	for _, m := range valueParamRE.FindAllStringSubmatch(text, -1) {
		if _, ok := params[m[1]]; !ok {
			return Query{}, &CompileError{Template: t.name, Placeholder: m[1], Err: ErrUnboundParameter}
		}
	}

	q := Query{
		Name:   t.name,
		Text:   text,
		Params: make(map[string]any, len(params)),
		Schema: make(Schema, len(schema)),
	}
	for k, v := range params {
		q.Params[k] = v
	}
	for k, v := range schema {
		q.Schema[k] = v
	}
	return q, nil
}
