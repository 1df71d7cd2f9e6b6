package cypher

import (
	"fmt"
	"strings"
)

// Token is a schema placeholder value. The set of implementations is closed:
// only identifiers and clause fragments built from identifiers can be spliced
// into a query, never raw strings.
type Token interface {
	render() (string, error)
}

// reserved are the variables bound around a ${conditions} slot (materialize
// and infer templates), plus the clause keywords that would read ambiguously
// as variables.
var reserved = map[string]bool{
	"from": true, "to": true, "new": true, "r": true, "edgeCount": true,
	"match": true, "where": true, "return": true, "with": true, "merge": true,
	"call": true, "set": true, "create": true, "delete": true, "unwind": true,
	"in": true, "and": true, "or": true, "not": true, "null": true,
	"true": true, "false": true, "case": true, "end": true,
}

// ValidateIdentifier reports whether s can be spliced as a label, relationship
// type, property key or index name.
func ValidateIdentifier(s string) error {
	if len(s) > 128 || !identifierRE.MatchString(s) {
		return fmt.Errorf("%w: %q", ErrInvalidIdentifier, s)
	}
	return nil
}

// ValidateVariable is ValidateIdentifier plus a check against the variable
// names the templates already bind.
func ValidateVariable(s string) error {
	if err := ValidateIdentifier(s); err != nil {
		return err
	}
	if reserved[strings.ToLower(s)] || reserved[s] {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidIdentifier, s)
	}
	return nil
}

// Ident is a label, relationship type, property key or index name.
type Ident string

func (i Ident) render() (string, error) {
	if err := ValidateIdentifier(string(i)); err != nil {
		return "", err
	}
	return string(i), nil
}

// Condition requires Anchor to be connected through RelationType (either
// direction) to some node labelled Label, bound to Alias. Conditions sharing an
// Alias must reach the same node, which is how shared neighbours are expressed.
type Condition struct {
	Anchor       string
	RelationType string
	Alias        string
	Label        string
}

// Conditions renders to one MATCH line per condition; all are conjoined.
type Conditions []Condition

func (c Conditions) render() (string, error) {
	lines := make([]string, 0, len(c))
	for _, cond := range c {
		if err := ValidateIdentifier(cond.Anchor); err != nil {
			return "", err
		}
		if err := ValidateIdentifier(cond.RelationType); err != nil {
			return "", err
		}
		if err := ValidateVariable(cond.Alias); err != nil {
			return "", err
		}
		if err := ValidateIdentifier(cond.Label); err != nil {
			return "", err
		}
		lines = append(lines, fmt.Sprintf("MATCH (%s)-[:%s]-(%s:%s)",
			cond.Anchor, cond.RelationType, cond.Alias, cond.Label))
	}
	return strings.Join(lines, "\n"), nil
}

// Assignment copies Source.SourceKey into Target.Key unless Target.Key is
// already set (first write wins).
type Assignment struct {
	Target    string
	Key       string
	Source    string
	SourceKey string
}

// Assignments renders to a single SET clause, or nothing when empty.
type Assignments []Assignment

func (a Assignments) render() (string, error) {
	if len(a) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(a))
	for _, as := range a {
		for _, id := range []string{as.Target, as.Key, as.Source, as.SourceKey} {
			if err := ValidateIdentifier(id); err != nil {
				return "", err
			}
		}
		parts = append(parts, fmt.Sprintf("%[1]s.%[2]s = coalesce(%[1]s.%[2]s, %[3]s.%[4]s)",
			as.Target, as.Key, as.Source, as.SourceKey))
	}
	return "SET " + strings.Join(parts, ",\n    "), nil
}
