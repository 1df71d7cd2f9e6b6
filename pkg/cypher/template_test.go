package cypher

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("collects slots in order of first use", func(t *testing.T) {
		tmpl, err := Parse("t", "MATCH (a:${label})-[:${rel}]->(b:${label}) RETURN a")
		require.NoError(t, err)
		assert.Equal(t, []string{"label", "rel"}, tmpl.Placeholders())
		assert.Equal(t, "t", tmpl.Name())
	})

	t.Run("unterminated placeholder", func(t *testing.T) {
		_, err := Parse("t", "MATCH (a:${label")
		assert.ErrorIs(t, err, ErrMalformedTemplate)
	})

	t.Run("bad placeholder name", func(t *testing.T) {
		_, err := Parse("t", "MATCH (a:${lab el})")
		assert.ErrorIs(t, err, ErrMalformedTemplate)
	})

	t.Run("no placeholders", func(t *testing.T) {
		tmpl, err := Parse("t", "RETURN 1")
		require.NoError(t, err)
		assert.Empty(t, tmpl.Placeholders())
	})
}

func TestMustParsePanics(t *testing.T) {
	assert.Panics(t, func() { MustParse("t", "${") })
}

func TestCompile(t *testing.T) {
	tmpl := MustParse("types.link", `MATCH (ot:ObjectType {objectType: $objectType})
MATCH (o:${label})
MERGE (o)-[:IS_OF_TYPE]->(ot)`)

	t.Run("substitutes schema tokens and keeps value params", func(t *testing.T) {
		q, err := tmpl.Compile(Schema{"label": Ident("Booking")}, map[string]any{"objectType": "Booking"})
		require.NoError(t, err)
		assert.Equal(t, "types.link", q.Name)
		assert.Contains(t, q.Text, "MATCH (o:Booking)")
		assert.Contains(t, q.Text, "{objectType: $objectType}")
		assert.Equal(t, "Booking", q.Params["objectType"])
		assert.Equal(t, "Booking", q.Ident("label"))
	})

	t.Run("rejects structural injection", func(t *testing.T) {
		inputs := []string{
			"Booking) DETACH DELETE (o",
			"Booking`",
			"Book ing",
			"1Booking",
			"",
			"Booking//",
		}
		for _, in := range inputs {
			_, err := tmpl.Compile(Schema{"label": Ident(in)}, map[string]any{"objectType": "x"})
			require.Error(t, err, in)
			assert.ErrorIs(t, err, ErrInvalidIdentifier, in)

			var ce *CompileError
			require.True(t, errors.As(err, &ce))
			assert.Equal(t, "label", ce.Placeholder)
		}
	})

	t.Run("missing schema token", func(t *testing.T) {
		_, err := tmpl.Compile(Schema{}, map[string]any{"objectType": "x"})
		assert.ErrorIs(t, err, ErrMissingToken)
	})

	t.Run("unknown schema token", func(t *testing.T) {
		_, err := tmpl.Compile(Schema{"label": Ident("A"), "other": Ident("B")}, map[string]any{"objectType": "x"})
		assert.ErrorIs(t, err, ErrUnknownToken)
	})

	t.Run("unbound value parameter", func(t *testing.T) {
		_, err := tmpl.Compile(Schema{"label": Ident("A")}, nil)
		assert.ErrorIs(t, err, ErrUnboundParameter)
	})

	t.Run("value params are copied", func(t *testing.T) {
		params := map[string]any{"objectType": "A"}
		q, err := tmpl.Compile(Schema{"label": Ident("A")}, params)
		require.NoError(t, err)
		params["objectType"] = "B"
		assert.Equal(t, "A", q.Params["objectType"])
	})

	t.Run("value that looks like cypher stays a parameter", func(t *testing.T) {
		evil := "x'}) DETACH DELETE (n"
		q, err := tmpl.Compile(Schema{"label": Ident("A")}, map[string]any{"objectType": evil})
		require.NoError(t, err)
		assert.NotContains(t, q.Text, "DETACH")
		assert.Equal(t, evil, q.Params["objectType"])
	})
}

func TestConditionsRender(t *testing.T) {
	tmpl := MustParse("t", "MATCH (from:A)\nMATCH (to:B)\n${conditions}\nRETURN from")

	t.Run("renders one match per condition", func(t *testing.T) {
		q, err := tmpl.Compile(Schema{"conditions": Conditions{
			{Anchor: "from", RelationType: "FOR", Alias: "c", Label: "Case"},
			{Anchor: "to", RelationType: "WORKS_ON", Alias: "c", Label: "Case"},
		}}, nil)
		require.NoError(t, err)
		assert.Contains(t, q.Text, "MATCH (from)-[:FOR]-(c:Case)\nMATCH (to)-[:WORKS_ON]-(c:Case)")
	})

	t.Run("empty renders nothing", func(t *testing.T) {
		q, err := tmpl.Compile(Schema{"conditions": Conditions{}}, nil)
		require.NoError(t, err)
		assert.Equal(t, "MATCH (from:A)\nMATCH (to:B)\n\nRETURN from", q.Text)
	})

	t.Run("reserved alias", func(t *testing.T) {
		_, err := tmpl.Compile(Schema{"conditions": Conditions{
			{Anchor: "from", RelationType: "FOR", Alias: "to", Label: "Case"},
		}}, nil)
		assert.ErrorIs(t, err, ErrInvalidIdentifier)
	})

	t.Run("bad relation type", func(t *testing.T) {
		_, err := tmpl.Compile(Schema{"conditions": Conditions{
			{Anchor: "from", RelationType: "FOR]->()", Alias: "c", Label: "Case"},
		}}, nil)
		assert.ErrorIs(t, err, ErrInvalidIdentifier)
	})
}

func TestAssignmentsRender(t *testing.T) {
	tmpl := MustParse("t", "MERGE (new:X {sysId: $id})\n${assignments}")

	q, err := tmpl.Compile(Schema{"assignments": Assignments{
		{Target: "new", Key: "Customer", Source: "from", SourceKey: "sysId"},
		{Target: "new", Key: "name", Source: "from", SourceKey: "fullName"},
	}}, map[string]any{"id": "a1_b1"})
	require.NoError(t, err)
	assert.Contains(t, q.Text, "SET new.Customer = coalesce(new.Customer, from.sysId),")
	assert.Contains(t, q.Text, "new.name = coalesce(new.name, from.fullName)")

	q, err = tmpl.Compile(Schema{"assignments": Assignments(nil)}, map[string]any{"id": "a1_b1"})
	require.NoError(t, err)
	assert.NotContains(t, q.Text, "SET")

	_, err = tmpl.Compile(Schema{"assignments": Assignments{
		{Target: "new", Key: "x = 1, new.y", Source: "from", SourceKey: "sysId"},
	}}, map[string]any{"id": "a1_b1"})
	assert.ErrorIs(t, err, ErrInvalidIdentifier)
}

func TestValidateVariable(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{"plain", "c", false},
		{"camel", "relatedCase", false},
		{"single letter", "b", false},
		{"reserved count var", "edgeCount", true},
		{"reserved template var", "from", true},
		{"reserved keyword any case", "MATCH", true},
		{"not an identifier", "c-1", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateVariable(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidIdentifier)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
