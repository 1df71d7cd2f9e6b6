package enrich

import (
	"cmp"
	"strconv"
	"strings"
	"time"
)

type timestampKind int

const (
	kindTime timestampKind = iota
	kindNumber
	kindText
)

// Timestamp is an event time normalised for ordering. Values of different
// kinds order as time < number < text so that mixed data still sorts totally.
type Timestamp struct {
	kind timestampKind
	t    time.Time
	n    float64
	s    string
}

// timeValuer is implemented by driver temporal types (dates, local and zoned
// date-times).
type timeValuer interface {
	Time() time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp normalises a timestamp property value. It reports false for
// nil and for values of an unsupported type.
func ParseTimestamp(v any) (Timestamp, bool) {
	switch x := v.(type) {
	case nil:
		return Timestamp{}, false
	case time.Time:
		return Timestamp{kind: kindTime, t: x}, true
	case timeValuer:
		return Timestamp{kind: kindTime, t: x.Time()}, true
	case int:
		return Timestamp{kind: kindNumber, n: float64(x)}, true
	case int32:
		return Timestamp{kind: kindNumber, n: float64(x)}, true
	case int64:
		return Timestamp{kind: kindNumber, n: float64(x)}, true
	case float32:
		return Timestamp{kind: kindNumber, n: float64(x)}, true
	case float64:
		return Timestamp{kind: kindNumber, n: x}, true
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return Timestamp{kind: kindTime, t: t}, true
			}
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return Timestamp{kind: kindNumber, n: n}, true
		}
		return Timestamp{kind: kindText, s: x}, true
	}
	return Timestamp{}, false
}

// Compare returns -1, 0 or +1.
func (a Timestamp) Compare(b Timestamp) int {
	if a.kind != b.kind {
		return cmp.Compare(a.kind, b.kind)
	}
	switch a.kind {
	case kindTime:
		return a.t.Compare(b.t)
	case kindNumber:
		return cmp.Compare(a.n, b.n)
	default:
		return strings.Compare(a.s, b.s)
	}
}

func (a Timestamp) String() string {
	switch a.kind {
	case kindTime:
		return a.t.Format(time.RFC3339Nano)
	case kindNumber:
		return strconv.FormatFloat(a.n, 'f', -1, 64)
	default:
		return a.s
	}
}

// timedEvent is one event correlated to an object, with its ordering key.
type timedEvent struct {
	id  string
	key string
	ts  Timestamp
}

// compareEvents orders by timestamp, then by sysId, then by element id, which
// is a total order over distinct events.
func compareEvents(a, b timedEvent) int {
	if c := a.ts.Compare(b.ts); c != 0 {
		return c
	}
	if c := strings.Compare(a.id, b.id); c != 0 {
		return c
	}
	return strings.Compare(a.key, b.key)
}
