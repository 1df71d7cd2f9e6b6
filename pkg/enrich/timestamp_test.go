package enrich

import (
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type localDateTime struct{ t time.Time }

func (l localDateTime) Time() time.Time { return l.t }

func TestParseTimestamp(t *testing.T) {
	ref := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		in   any
		kind timestampKind
		ok   bool
	}{
		{"nil", nil, 0, false},
		{"time", ref, kindTime, true},
		{"driver temporal", localDateTime{ref}, kindTime, true},
		{"int64", int64(5), kindNumber, true},
		{"int", 5, kindNumber, true},
		{"float", 5.5, kindNumber, true},
		{"rfc3339", "2024-03-01T12:30:00Z", kindTime, true},
		{"local date-time", "2024-03-01T12:30:00", kindTime, true},
		{"space separated", "2024-03-01 12:30:00", kindTime, true},
		{"date", "2024-03-01", kindTime, true},
		{"numeric string", "17", kindNumber, true},
		{"text", "yesterday", kindText, true},
		{"unsupported", []int{1}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts, ok := ParseTimestamp(tt.in)
			require.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.kind, ts.kind)
			}
		})
	}
}

func TestTimestampCompare(t *testing.T) {
	parse := func(v any) Timestamp {
		ts, ok := ParseTimestamp(v)
		require.True(t, ok)
		return ts
	}

	assert.Equal(t, -1, parse(5).Compare(parse(10)))
	assert.Equal(t, 0, parse(int64(5)).Compare(parse(5.0)))
	assert.Equal(t, 1, parse("2024-01-02").Compare(parse("2024-01-01T23:59:59Z")))
	assert.Equal(t, -1, parse("2024-01-01T10:00:00+02:00").Compare(parse("2024-01-01T09:00:00Z")))

	// kinds order time < number < text
	assert.Equal(t, -1, parse("2024-01-01").Compare(parse(1)))
	assert.Equal(t, -1, parse(1e12).Compare(parse("abc")))
}

func TestCompareEventsTieBreak(t *testing.T) {
	ts, _ := ParseTimestamp(5)
	early, _ := ParseTimestamp(1)
	events := []timedEvent{
		{id: "eB", key: "k2", ts: ts},
		{id: "eA", key: "k3", ts: ts},
		{id: "eC", key: "k1", ts: early},
		{id: "eA", key: "k0", ts: ts},
	}
	slices.SortFunc(events, compareEvents)

	var got []string
	for _, e := range events {
		got = append(got, e.id+"/"+e.key)
	}
	assert.Equal(t, []string{"eC/k1", "eA/k0", "eA/k3", "eB/k2"}, got)
}
