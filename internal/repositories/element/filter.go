package element

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/huandu/go-sqlbuilder"
)

// QueryError reports an invalid filter or aggregation descriptor. The reason
// always names the offending attribute or operator so callers can fix the
// request without reading server logs.
type QueryError struct {
	Reason string
}

func (e *QueryError) Error() string {
	return e.Reason
}

func newQueryErrorf(format string, args ...any) *QueryError {
	return &QueryError{Reason: fmt.Sprintf(format, args...)}
}

// filterCompiler turns a filter descriptor into SQL conditions on the outer
// select. Each attribute/operator pair becomes a correlated EXISTS subquery
// against the attributes table, so rows match on per-attribute conditions
// without multiplying the join.
type filterCompiler struct {
	sb    *sqlbuilder.SelectBuilder
	kinds map[string]models.AttributeKind
	now   time.Time
}

// compile returns a single condition expression for the whole descriptor, or
// an empty string when the descriptor is empty.
func (c *filterCompiler) compile(filter models.FilterDescriptor) (string, error) {
	if len(filter) == 0 {
		return "", nil
	}

	var branches []string
	if raw, ok := filter["or"]; ok {
		list, ok := raw.([]any)
		if !ok {
			return "", newQueryErrorf("the \"or\" key expects a list of filters")
		}
		for _, entry := range list {
			sub, ok := entry.(map[string]any)
			if !ok {
				return "", newQueryErrorf("the \"or\" key expects a list of filters")
			}
			cond, err := c.compileGroup(sub)
			if err != nil {
				return "", err
			}
			branches = append(branches, cond)
		}
	}

	rest := make(map[string]any, len(filter))
	for name, ops := range filter {
		if name == "or" {
			continue
		}
		rest[name] = ops
	}

	if len(rest) > 0 {
		cond, err := c.compileGroup(rest)
		if err != nil {
			return "", err
		}
		branches = append(branches, cond)
	}

	if len(branches) == 1 {
		return branches[0], nil
	}
	return c.sb.Or(branches...), nil
}

// compileGroup compiles one attribute-name to operators mapping, combined
// with AND. Attribute names are visited in sorted order so the generated SQL
// is stable.
func (c *filterCompiler) compileGroup(group map[string]any) (string, error) {
	names := make([]string, 0, len(group))
	for name := range group {
		names = append(names, name)
	}
	sort.Strings(names)

	var conds []string
	for _, name := range names {
		kind, ok := c.kinds[name]
		if !ok {
			return "", newQueryErrorf("unknown attribute %q", name)
		}

		ops, ok := group[name].(map[string]any)
		if !ok {
			return "", newQueryErrorf("attribute %q expects a mapping of operator to operand", name)
		}

		opNames := make([]string, 0, len(ops))
		for op := range ops {
			opNames = append(opNames, op)
		}
		sort.Strings(opNames)

		for _, op := range opNames {
			cond, err := c.compileLeaf(name, kind, op, ops[op])
			if err != nil {
				return "", err
			}
			conds = append(conds, cond)
		}
	}

	if len(conds) == 1 {
		return conds[0], nil
	}
	return c.sb.And(conds...), nil
}

// compileLeaf builds one EXISTS subquery for a single attribute/operator pair.
func (c *filterCompiler) compileLeaf(name string, kind models.AttributeKind, op string, operand any) (string, error) {
	inner := sqlbuilder.PostgreSQL.NewSelectBuilder()
	inner.Select("1")
	inner.From("attributes fa")

	var cond string
	var err error
	switch kind {
	case models.KindBool:
		cond, err = c.boolCond(inner, name, op, operand)
	case models.KindNumber:
		cond, err = c.numberCond(inner, name, op, operand)
	case models.KindString:
		cond, err = c.stringCond(inner, name, op, operand)
	case models.KindDate:
		cond, err = c.dateCond(inner, name, op, operand)
	case models.KindMultiString:
		cond, err = c.multiStringCond(inner, name, op, operand)
	default:
		return "", newQueryErrorf("attribute %q has unsupported kind %q", name, kind)
	}
	if err != nil {
		return "", err
	}

	inner.Where("fa.element_id = e.id", inner.Equal("fa.name", name), cond)
	return c.sb.Exists(inner), nil
}

func (c *filterCompiler) boolCond(inner *sqlbuilder.SelectBuilder, name, op string, operand any) (string, error) {
	v, ok := operand.(bool)
	if !ok {
		return "", newQueryErrorf("operator %q on attribute %q expects a boolean operand", op, name)
	}

	switch op {
	case "is":
		return inner.Equal("fa.value_bool", v), nil
	case "is_not":
		return inner.NotEqual("fa.value_bool", v), nil
	default:
		return "", newQueryErrorf("operator %q is not valid for boolean attribute %q (allowed: is, is_not)", op, name)
	}
}

func (c *filterCompiler) numberCond(inner *sqlbuilder.SelectBuilder, name, op string, operand any) (string, error) {
	if op == "is_empty" {
		return emptyCond(inner, "fa.value_number", name, op, operand)
	}

	v, ok := toNumber(operand)
	if !ok {
		return "", newQueryErrorf("operator %q on attribute %q expects a number operand", op, name)
	}

	switch op {
	case "is":
		return inner.Equal("fa.value_number", v), nil
	case "is_not":
		return inner.NotEqual("fa.value_number", v), nil
	case "greater_than":
		return inner.GreaterThan("fa.value_number", v), nil
	case "less_than":
		return inner.LessThan("fa.value_number", v), nil
	case "greater_or_equal":
		return inner.GreaterEqualThan("fa.value_number", v), nil
	case "less_or_equal":
		return inner.LessEqualThan("fa.value_number", v), nil
	default:
		return "", newQueryErrorf("operator %q is not valid for number attribute %q (allowed: is, is_not, greater_than, less_than, greater_or_equal, less_or_equal, is_empty)", op, name)
	}
}

func (c *filterCompiler) stringCond(inner *sqlbuilder.SelectBuilder, name, op string, operand any) (string, error) {
	if op == "is_empty" {
		return emptyCond(inner, "fa.value_string", name, op, operand)
	}

	v, ok := operand.(string)
	if !ok {
		return "", newQueryErrorf("operator %q on attribute %q expects a string operand", op, name)
	}

	switch op {
	case "is":
		return inner.Equal("fa.value_string", v), nil
	case "is_not":
		return inner.NotEqual("fa.value_string", v), nil
	case "starts_with":
		return inner.Like("fa.value_string", v+"%"), nil
	case "ends_with":
		return inner.Like("fa.value_string", "%"+v), nil
	case "contains":
		return inner.Like("fa.value_string", "%"+v+"%"), nil
	case "does_not_contain":
		return inner.NotLike("fa.value_string", "%"+v+"%"), nil
	default:
		return "", newQueryErrorf("operator %q is not valid for string attribute %q (allowed: is, is_not, starts_with, ends_with, contains, does_not_contain, is_empty)", op, name)
	}
}

func (c *filterCompiler) dateCond(inner *sqlbuilder.SelectBuilder, name, op string, operand any) (string, error) {
	switch op {
	case "is_empty":
		return emptyCond(inner, "fa.value_date", name, op, operand)
	case "past", "next", "this":
		window, ok := operand.(string)
		if !ok {
			return "", newQueryErrorf("operator %q on attribute %q expects a window operand (week, month, year)", op, name)
		}
		start, end, err := dateWindow(c.now, op, window)
		if err != nil {
			return "", newQueryErrorf("unknown window %q for operator %q on attribute %q (allowed: week, month, year)", window, op, name)
		}
		if op == "this" {
			// Calendar windows are half-open: the instant the next
			// week/month/year starts is not part of this one.
			return inner.And(
				inner.GreaterEqualThan("fa.value_date", start),
				inner.LessThan("fa.value_date", end),
			), nil
		}
		return inner.Between("fa.value_date", start, end), nil
	}

	raw, ok := operand.(string)
	if !ok {
		return "", newQueryErrorf("operator %q on attribute %q expects a date operand", op, name)
	}
	v, err := parseOperandDate(raw)
	if err != nil {
		return "", newQueryErrorf("invalid date %q for operator %q on attribute %q", raw, op, name)
	}

	switch op {
	case "is":
		return inner.Equal("fa.value_date", v), nil
	case "is_not":
		return inner.NotEqual("fa.value_date", v), nil
	case "after":
		return inner.GreaterThan("fa.value_date", v), nil
	case "on_or_after":
		return inner.GreaterEqualThan("fa.value_date", v), nil
	case "before":
		return inner.LessThan("fa.value_date", v), nil
	case "on_or_before":
		return inner.LessEqualThan("fa.value_date", v), nil
	default:
		return "", newQueryErrorf("operator %q is not valid for date attribute %q (allowed: is, is_not, after, on_or_after, before, on_or_before, past, next, this, is_empty)", op, name)
	}
}

func (c *filterCompiler) multiStringCond(inner *sqlbuilder.SelectBuilder, name, op string, operand any) (string, error) {
	switch op {
	case "is", "is_not":
		return "", newQueryErrorf("operator %q is not valid for multistring attribute %q, use contains or does_not_contain", op, name)
	case "is_empty":
		return emptyCond(inner, "fa.value_string", name, op, operand)
	}

	v, ok := operand.(string)
	if !ok {
		return "", newQueryErrorf("operator %q on attribute %q expects a string operand", op, name)
	}

	switch op {
	case "contains":
		return fmt.Sprintf("jsonb_exists(CAST(fa.value_string AS JSONB), %s)", inner.Var(v)), nil
	case "does_not_contain":
		return fmt.Sprintf("NOT jsonb_exists(CAST(fa.value_string AS JSONB), %s)", inner.Var(v)), nil
	case "contains_only":
		serialized, err := json.Marshal([]string{v})
		if err != nil {
			return "", fmt.Errorf("failed to serialize operand: %w", err)
		}
		return inner.Equal("fa.value_string", string(serialized)), nil
	default:
		return "", newQueryErrorf("operator %q is not valid for multistring attribute %q (allowed: contains, does_not_contain, contains_only, is_empty)", op, name)
	}
}

func emptyCond(inner *sqlbuilder.SelectBuilder, column, name, op string, operand any) (string, error) {
	v, ok := operand.(bool)
	if !ok {
		return "", newQueryErrorf("operator %q on attribute %q expects a boolean operand", op, name)
	}
	if v {
		return inner.IsNull(column), nil
	}
	return inner.IsNotNull(column), nil
}

// dateWindow computes the [start, end] range for a relative date operator.
// "past" and "next" anchor to now and match both endpoints; "this" anchors
// to the start of the current calendar week (Monday), month, or year at
// midnight UTC, and its end is the first instant of the next window, which
// the caller must exclude.
func dateWindow(now time.Time, op, window string) (time.Time, time.Time, error) {
	now = now.UTC()

	shift := func(t time.Time, sign int) time.Time {
		switch window {
		case "week":
			return t.AddDate(0, 0, sign*7)
		case "month":
			return t.AddDate(0, sign, 0)
		default: // year
			return t.AddDate(sign, 0, 0)
		}
	}

	if window != "week" && window != "month" && window != "year" {
		return time.Time{}, time.Time{}, fmt.Errorf("unknown window %q", window)
	}

	switch op {
	case "past":
		return shift(now, -1), now, nil
	case "next":
		return now, shift(now, 1), nil
	default: // this
		var start time.Time
		switch window {
		case "week":
			weekday := int(now.Weekday())
			if weekday == 0 {
				weekday = 7 // Sunday closes the week
			}
			start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -(weekday - 1))
		case "month":
			start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
		default: // year
			start = time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
		}
		return start, shift(start, 1), nil
	}
}

// parseOperandDate accepts full RFC 3339 timestamps and bare dates,
// normalized to UTC.
func parseOperandDate(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func toNumber(operand any) (float64, bool) {
	switch v := operand.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
