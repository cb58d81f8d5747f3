package element

import (
	"testing"
	"time"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/huandu/go-sqlbuilder"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKinds = map[string]models.AttributeKind{
	"title": models.KindString,
	"price": models.KindNumber,
	"done":  models.KindBool,
	"due":   models.KindDate,
	"tags":  models.KindMultiString,
}

func newTestCompiler() (*filterCompiler, *sqlbuilder.SelectBuilder) {
	sb := database.NewSelectBuilder()
	sb.Select("e.id")
	sb.From("elements e")
	return &filterCompiler{
		sb:    sb,
		kinds: testKinds,
		now:   time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC), // a Wednesday
	}, sb
}

func buildWithFilter(t *testing.T, filter models.FilterDescriptor) (string, []any) {
	t.Helper()
	compiler, sb := newTestCompiler()
	cond, err := compiler.compile(filter)
	require.NoError(t, err)
	require.NotEmpty(t, cond)
	sb.Where(cond)
	return sb.Build()
}

func TestFilterCompiler_ValidLeaves(t *testing.T) {
	tests := []struct {
		name    string
		filter  models.FilterDescriptor
		sqlPart string
		arg     any
	}{
		{
			name:    "string is",
			filter:  models.FilterDescriptor{"title": map[string]any{"is": "hello"}},
			sqlPart: "fa.value_string =",
			arg:     "hello",
		},
		{
			name:    "string contains becomes a like",
			filter:  models.FilterDescriptor{"title": map[string]any{"contains": "ell"}},
			sqlPart: "fa.value_string LIKE",
			arg:     "%ell%",
		},
		{
			name:    "string starts_with anchors the prefix",
			filter:  models.FilterDescriptor{"title": map[string]any{"starts_with": "he"}},
			sqlPart: "fa.value_string LIKE",
			arg:     "he%",
		},
		{
			name:    "number greater_than",
			filter:  models.FilterDescriptor{"price": map[string]any{"greater_than": 10.5}},
			sqlPart: "fa.value_number >",
			arg:     10.5,
		},
		{
			name:    "number is_empty true checks null",
			filter:  models.FilterDescriptor{"price": map[string]any{"is_empty": true}},
			sqlPart: "fa.value_number IS NULL",
			arg:     nil,
		},
		{
			name:    "number is_empty false checks not null",
			filter:  models.FilterDescriptor{"price": map[string]any{"is_empty": false}},
			sqlPart: "fa.value_number IS NOT NULL",
			arg:     nil,
		},
		{
			name:    "boolean is",
			filter:  models.FilterDescriptor{"done": map[string]any{"is": true}},
			sqlPart: "fa.value_bool =",
			arg:     true,
		},
		{
			name:    "multistring contains is a membership test",
			filter:  models.FilterDescriptor{"tags": map[string]any{"contains": "red"}},
			sqlPart: "jsonb_exists(CAST(fa.value_string AS JSONB)",
			arg:     "red",
		},
		{
			name:    "multistring contains_only matches the single element list",
			filter:  models.FilterDescriptor{"tags": map[string]any{"contains_only": "red"}},
			sqlPart: "fa.value_string =",
			arg:     `["red"]`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			query, args := buildWithFilter(t, tt.filter)
			assert.Contains(t, query, "EXISTS (")
			assert.Contains(t, query, "fa.element_id = e.id")
			assert.Contains(t, query, tt.sqlPart)
			if tt.arg != nil {
				assert.Contains(t, args, tt.arg)
			}
		})
	}
}

func TestFilterCompiler_CombinesWithAndAndOr(t *testing.T) {
	query, args := buildWithFilter(t, models.FilterDescriptor{
		"title": map[string]any{"is": "hello"},
		"price": map[string]any{"greater_than": 1.0, "less_than": 9.0},
	})

	assert.Contains(t, query, " AND ")
	assert.Contains(t, args, "hello")
	assert.Contains(t, args, 1.0)
	assert.Contains(t, args, 9.0)

	query, _ = buildWithFilter(t, models.FilterDescriptor{
		"or": []any{
			map[string]any{"title": map[string]any{"is": "a"}},
			map[string]any{"price": map[string]any{"is": 1.0}},
		},
	})
	assert.Contains(t, query, " OR ")
}

func TestFilterCompiler_Validation(t *testing.T) {
	tests := []struct {
		name   string
		filter models.FilterDescriptor
		reason string
	}{
		{
			name:   "unknown attribute",
			filter: models.FilterDescriptor{"missing": map[string]any{"is": "x"}},
			reason: `unknown attribute "missing"`,
		},
		{
			name:   "starts_with on a number",
			filter: models.FilterDescriptor{"price": map[string]any{"starts_with": "1"}},
			reason: `operator "starts_with" is not valid for number attribute "price"`,
		},
		{
			name:   "is_empty on a boolean",
			filter: models.FilterDescriptor{"done": map[string]any{"is_empty": true}},
			reason: `operator "is_empty" is not valid for boolean attribute "done"`,
		},
		{
			name:   "is on a multistring",
			filter: models.FilterDescriptor{"tags": map[string]any{"is": "red"}},
			reason: `operator "is" is not valid for multistring attribute "tags", use contains or does_not_contain`,
		},
		{
			name:   "boolean operand type mismatch",
			filter: models.FilterDescriptor{"done": map[string]any{"is": "yes"}},
			reason: `operator "is" on attribute "done" expects a boolean operand`,
		},
		{
			name:   "number operand type mismatch",
			filter: models.FilterDescriptor{"price": map[string]any{"greater_than": "ten"}},
			reason: `operator "greater_than" on attribute "price" expects a number operand`,
		},
		{
			name:   "invalid date operand",
			filter: models.FilterDescriptor{"due": map[string]any{"after": "someday"}},
			reason: `invalid date "someday"`,
		},
		{
			name:   "unknown date window",
			filter: models.FilterDescriptor{"due": map[string]any{"past": "decade"}},
			reason: `unknown window "decade"`,
		},
		{
			name:   "is_empty operand must be boolean",
			filter: models.FilterDescriptor{"price": map[string]any{"is_empty": "yes"}},
			reason: `operator "is_empty" on attribute "price" expects a boolean operand`,
		},
		{
			name:   "or expects a list",
			filter: models.FilterDescriptor{"or": map[string]any{"title": map[string]any{"is": "x"}}},
			reason: `the "or" key expects a list of filters`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			compiler, _ := newTestCompiler()
			_, err := compiler.compile(tt.filter)
			require.Error(t, err)

			var queryErr *QueryError
			require.ErrorAs(t, err, &queryErr)
			assert.Contains(t, queryErr.Reason, tt.reason)
		})
	}
}

func TestFilterCompiler_EmptyFilter(t *testing.T) {
	compiler, _ := newTestCompiler()
	cond, err := compiler.compile(nil)
	require.NoError(t, err)
	assert.Empty(t, cond)
}

func TestDateWindow(t *testing.T) {
	// 2024-05-15 is a Wednesday.
	now := time.Date(2024, 5, 15, 12, 30, 0, 0, time.UTC)

	start, end, err := dateWindow(now, "past", "week")
	require.NoError(t, err)
	assert.Equal(t, now.AddDate(0, 0, -7), start)
	assert.Equal(t, now, end)

	start, end, err = dateWindow(now, "next", "month")
	require.NoError(t, err)
	assert.Equal(t, now, start)
	assert.Equal(t, now.AddDate(0, 1, 0), end)

	start, end, err = dateWindow(now, "this", "week")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 13, 0, 0, 0, 0, time.UTC), start, "weeks start on Monday")
	assert.Equal(t, time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC), end)

	// Sunday still belongs to the week that started the previous Monday.
	sunday := time.Date(2024, 5, 19, 8, 0, 0, 0, time.UTC)
	start, end, err = dateWindow(sunday, "this", "week")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 13, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC), end)

	start, end, err = dateWindow(now, "this", "month")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), end)

	start, end, err = dateWindow(now, "this", "year")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), end)

	_, _, err = dateWindow(now, "past", "fortnight")
	assert.Error(t, err)
}

func TestFilterCompiler_DateWindowLeaf(t *testing.T) {
	// "this" windows are half-open; the first instant of the next window is
	// excluded, so BETWEEN would be wrong here.
	query, args := buildWithFilter(t, models.FilterDescriptor{
		"due": map[string]any{"this": "month"},
	})
	assert.NotContains(t, query, "BETWEEN")
	assert.Contains(t, query, "fa.value_date >=")
	assert.Contains(t, query, "fa.value_date <")
	assert.Contains(t, args, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	assert.Contains(t, args, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))

	// A value at the following Monday midnight belongs to next week, not
	// this one: the end bound must be strict.
	query, args = buildWithFilter(t, models.FilterDescriptor{
		"due": map[string]any{"this": "week"},
	})
	assert.NotContains(t, query, "BETWEEN")
	assert.Contains(t, query, "fa.value_date <")
	assert.Contains(t, args, time.Date(2024, 5, 20, 0, 0, 0, 0, time.UTC))

	// "past" and "next" anchor to now and keep both endpoints.
	query, args = buildWithFilter(t, models.FilterDescriptor{
		"due": map[string]any{"past": "week"},
	})
	assert.Contains(t, query, "fa.value_date BETWEEN")
	assert.Contains(t, args, time.Date(2024, 5, 8, 12, 0, 0, 0, time.UTC))
	assert.Contains(t, args, time.Date(2024, 5, 15, 12, 0, 0, 0, time.UTC))
}
