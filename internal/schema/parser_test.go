package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cube-engine/internal/common"
)

func TestParseExpr_Canonical(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"revenue", "revenue"},
		{"sum(revenue) - sum(cost)", "(sum(revenue) - sum(cost))"},
		{"a + b * c", "(a + (b * c))"},
		{"(a + b) * c", "((a + b) * c)"},
		{"a - b - c", "((a - b) - c)"},
		{"-5", "-5"},
		{"-x", "(-x)"},
		{"1.5 * 2", "(1.5 * 2)"},
		{"2.0", "2.0"},
		{"region = 'North'", "(region = 'North')"},
		{"name = 'O''Brien'", "(name = 'O''Brien')"},
		{"a = 1 AND b = 2 OR c = 3", "(((a = 1) AND (b = 2)) OR (c = 3))"},
		{"NOT a = 1", "(NOT (a = 1))"},
		{"region IN ('N', 'S')", "(region IN ('N', 'S'))"},
		{"region not in ('N')", "(region NOT IN ('N'))"},
		{"city IS NULL", "(city IS NULL)"},
		{"city is not null", "(city IS NOT NULL)"},
		{"COUNT(*)", "count(*)"},
		{"count(distinct customer)", "count_distinct(customer)"},
		{"AVG(price)", "avg(price)"},
		{"upper(region)", "upper(region)"},
		{"concat(a, '-', b)", "concat(a, '-', b)"},
		{"x BETWEEN 1 AND 5", "((x >= 1) AND (x <= 5))"},
		{"a <> b", "(a != b)"},
		{"flag = TRUE", "(flag = TRUE)"},
		{`"order date" = 1`, `("order date" = 1)`},
		{`"say ""hi""" = 'x'`, `("say ""hi""" = 'x')`},
		{`"'EU'" = 'EU'`, `("'EU'" = 'EU')`},
		{`"null" IS NULL`, `("null" IS NULL)`},
		{`"2024" > 1`, `("2024" > 1)`},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			e, err := ParseExpr(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, e.String())
		})
	}
}

func TestQuoteIdent_RoundTrips(t *testing.T) {
	names := []string{"region", "order_date", "geo.city", "'EU'", "TRUE", "null", "(a + b)", `say "hi"`, "2024", "naïve"}
	for _, name := range names {
		t.Run(name, func(t *testing.T) {
			e, err := ParseExpr(QuoteIdent(name))
			require.NoError(t, err)
			ref, ok := e.(*ColumnRef)
			require.True(t, ok, "parsed %T", e)
			assert.Equal(t, name, ref.Name)
		})
	}

	assert.Equal(t, "region", QuoteIdent("region"))
	assert.NotEqual(t, (&Literal{Value: "EU"}).String(), Col("'EU'").String())
	assert.NotEqual(t, (&Literal{Value: true}).String(), Col("TRUE").String())
}

func TestParseExpr_Invalid(t *testing.T) {
	inputs := []string{
		"",
		"a +",
		"sum(revenue",
		"'unterminated",
		"a = = b",
		"frobnicate(a)",
		"sum(*)",
		"sum(sum(a))",
		"upper(a, b)",
		"a b",
		"a # b",
		`"open = 1`,
	}

	for _, input := range inputs {
		t.Run(input, func(t *testing.T) {
			_, err := ParseExpr(input)
			require.Error(t, err)
			assert.True(t, common.IsErrorCode(err, common.ErrInvalidExpression), "got %v", err)
		})
	}
}

func TestParseSelectItem(t *testing.T) {
	e, alias, err := ParseSelectItem("sum(revenue) AS total")
	require.NoError(t, err)
	assert.Equal(t, "sum(revenue)", e.String())
	assert.Equal(t, "total", alias)

	e, alias, err = ParseSelectItem("region")
	require.NoError(t, err)
	assert.Equal(t, "region", e.String())
	assert.Empty(t, alias)

	_, _, err = ParseSelectItem("region AS")
	assert.Error(t, err)
}

func TestParseOrderItem(t *testing.T) {
	e, desc, err := ParseOrderItem("total DESC")
	require.NoError(t, err)
	assert.Equal(t, "total", e.String())
	assert.True(t, desc)

	_, desc, err = ParseOrderItem("region asc")
	require.NoError(t, err)
	assert.False(t, desc)

	_, desc, err = ParseOrderItem("region")
	require.NoError(t, err)
	assert.False(t, desc)
}

func TestReferences(t *testing.T) {
	e, err := ParseExpr("sum(revenue) - sum(cost) + revenue * 0.1")
	require.NoError(t, err)
	assert.Equal(t, []string{"revenue", "cost"}, References(e))
	assert.True(t, ContainsAggregate(e))

	e, err = ParseExpr("upper(region)")
	require.NoError(t, err)
	assert.False(t, ContainsAggregate(e))
}
