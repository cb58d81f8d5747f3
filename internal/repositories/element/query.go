package element

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"
)

// MaxAttributeRows caps how many attribute rows a single query may return.
// Exceeding it aborts the query instead of truncating the result.
const MaxAttributeRows = 500

// ErrTooManyAttributes is returned when a query would exceed MaxAttributeRows.
// The caller must narrow the query with a filter rather than receive partial
// data.
var ErrTooManyAttributes = errors.New("too many attributes returned, narrow the query with a filter")

var aggregations = map[string]bool{
	"sum":          true,
	"min":          true,
	"max":          true,
	"average":      true,
	"count":        true,
	"count_unique": true,
}

// GetTableData runs one read of a table's cache: raw attribute maps per
// element, or aggregated values per group when calculate is set.
func (r *Repository) GetTableData(ctx context.Context, tableID uuid.UUID, query models.Query) (models.TableData, error) {
	ctx, span := tracing.StartSpan(ctx, "ElementRepository.GetTableData")
	defer span.End()

	if query.Calculate != "" && !aggregations[query.Calculate] {
		return nil, newQueryErrorf("unknown aggregation %q (allowed: sum, min, max, average, count, count_unique)", query.Calculate)
	}
	if query.GroupBy != "" && query.Calculate == "" {
		return nil, newQueryErrorf("cannot group by %q without an aggregation", query.GroupBy)
	}

	reference, err := r.ReferenceAttributes(ctx, tableID)
	if err != nil {
		return nil, err
	}
	if len(reference) == 0 {
		return models.TableData{}, nil
	}

	kinds := make(map[string]models.AttributeKind, len(reference))
	for _, attr := range reference {
		kinds[attr.Name] = attr.Kind
	}
	if query.GroupBy != "" {
		if _, ok := kinds[query.GroupBy]; !ok {
			return nil, newQueryErrorf("unknown attribute %q", query.GroupBy)
		}
	}

	if query.Calculate == "" {
		return r.rawTableData(ctx, tableID, query.Filter, kinds)
	}
	return r.aggregatedTableData(ctx, tableID, query, kinds)
}

type attributeRow struct {
	ElementID   uuid.UUID            `db:"element_id"`
	Name        string               `db:"name"`
	Kind        models.AttributeKind `db:"kind"`
	ValueBool   *bool                `db:"value_bool"`
	ValueDate   *time.Time           `db:"value_date"`
	ValueNumber *float64             `db:"value_number"`
	ValueString *string              `db:"value_string"`
}

func (r *Repository) rawTableData(ctx context.Context, tableID uuid.UUID, filter models.FilterDescriptor, kinds map[string]models.AttributeKind) (models.TableData, error) {
	sb := database.NewSelectBuilder()
	sb.Select("a.element_id", "a.name", "a.kind", "a.value_bool", "a.value_date", "a.value_number", "a.value_string")
	sb.From("attributes a")
	sb.Join("elements e", "e.id = a.element_id")
	sb.Where(sb.Equal("e.table_id", tableID))
	sb.OrderBy("e.last_edited ASC", "a.name ASC")
	sb.Limit(MaxAttributeRows + 1)

	if err := r.applyFilter(sb, filter, kinds); err != nil {
		return nil, err
	}

	query, args := sb.Build()

	var rows []attributeRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to query table data")
		return nil, fmt.Errorf("failed to query table data: %w", err)
	}
	if len(rows) > MaxAttributeRows {
		return nil, ErrTooManyAttributes
	}

	data := models.TableData{}
	for _, row := range rows {
		key := row.ElementID.String()
		if _, ok := data[key]; !ok {
			data[key] = map[string]any{}
		}
		value, err := nativeValue(row.Kind, row.ValueBool, row.ValueDate, row.ValueNumber, row.ValueString)
		if err != nil {
			return nil, err
		}
		data[key][row.Name] = value
	}

	return data, nil
}

type aggregateRow struct {
	GroupKey  sql.NullString       `db:"group_key"`
	Name      string               `db:"name"`
	Kind      models.AttributeKind `db:"kind"`
	AggBool   sql.NullBool         `db:"agg_bool"`
	AggDate   sql.NullTime         `db:"agg_date"`
	AggNumber sql.NullFloat64      `db:"agg_number"`
	AggString sql.NullString       `db:"agg_string"`
	AggCount  sql.NullInt64        `db:"agg_count"`
}

// coalescedValue folds the four value columns into one text expression, used
// by count and count_unique so a single COUNT works across kinds.
const coalescedValue = "COALESCE(CAST(a.value_bool AS TEXT), CAST(a.value_number AS TEXT), CAST(a.value_date AS TEXT), a.value_string)"

func (r *Repository) aggregatedTableData(ctx context.Context, tableID uuid.UUID, query models.Query, kinds map[string]models.AttributeKind) (models.TableData, error) {
	sb := database.NewSelectBuilder()

	// Pass-through columns surface a non-numeric value only when the group
	// holds exactly one distinct value for it, otherwise the value is
	// ambiguous and reads as null.
	passBool := "CASE WHEN COUNT(DISTINCT a.value_bool) = 1 THEN BOOL_OR(a.value_bool) END AS agg_bool"
	passDate := "CASE WHEN COUNT(DISTINCT a.value_date) = 1 THEN MIN(a.value_date) END AS agg_date"
	passString := "CASE WHEN COUNT(DISTINCT a.value_string) = 1 THEN MIN(a.value_string) END AS agg_string"
	nullBool := "CAST(NULL AS BOOLEAN) AS agg_bool"
	nullDate := "CAST(NULL AS TIMESTAMPTZ) AS agg_date"
	nullString := "CAST(NULL AS TEXT) AS agg_string"
	nullNumber := "CAST(NULL AS DOUBLE PRECISION) AS agg_number"
	nullCount := "CAST(NULL AS BIGINT) AS agg_count"

	var valueCols []string
	switch query.Calculate {
	case "sum":
		valueCols = []string{passBool, passDate, "SUM(a.value_number) AS agg_number", passString, nullCount}
	case "min":
		valueCols = []string{passBool, passDate, "MIN(a.value_number) AS agg_number", passString, nullCount}
	case "max":
		valueCols = []string{passBool, passDate, "MAX(a.value_number) AS agg_number", passString, nullCount}
	case "average":
		valueCols = []string{passBool, passDate, "AVG(a.value_number) AS agg_number", passString, nullCount}
	case "count":
		valueCols = []string{nullBool, nullDate, nullNumber, nullString, fmt.Sprintf("COUNT(%s) AS agg_count", coalescedValue)}
	case "count_unique":
		valueCols = []string{nullBool, nullDate, nullNumber, nullString, fmt.Sprintf("COUNT(DISTINCT %s) AS agg_count", coalescedValue)}
	}

	grouped := query.GroupBy != ""
	if grouped {
		sb.Select(append([]string{"g.group_key AS group_key", "a.name AS name", "MIN(a.kind) AS kind"}, valueCols...)...)
	} else {
		sb.Select(append([]string{"'' AS group_key", "a.name AS name", "MIN(a.kind) AS kind"}, valueCols...)...)
	}

	sb.From("attributes a")
	sb.Join("elements e", "e.id = a.element_id")
	sb.Where(sb.Equal("e.table_id", tableID))

	if grouped {
		grouper := sqlbuilder.PostgreSQL.NewSelectBuilder()
		grouper.Select(
			"ga.element_id AS element_id",
			"CASE ga.kind"+
				" WHEN 'boolean' THEN CAST(ga.value_bool AS TEXT)"+
				" WHEN 'number' THEN CAST(ga.value_number AS TEXT)"+
				" WHEN 'date' THEN CAST(ga.value_date AS TEXT)"+
				" ELSE ga.value_string END AS group_key",
		)
		grouper.From("attributes ga")
		grouper.Where(grouper.Equal("ga.name", query.GroupBy))

		sb.Join(sb.BuilderAs(grouper, "g"), "g.element_id = e.id")
		sb.Where(sb.NotEqual("a.name", query.GroupBy))
		sb.GroupBy("g.group_key", "a.name")
	} else {
		sb.GroupBy("a.name")
	}

	if err := r.applyFilter(sb, query.Filter, kinds); err != nil {
		return nil, err
	}

	sb.Limit(MaxAttributeRows + 1)

	sqlQuery, args := sb.Build()

	var rows []aggregateRow
	if err := r.db.SelectContext(ctx, &rows, sqlQuery, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to query aggregated table data")
		return nil, fmt.Errorf("failed to query aggregated table data: %w", err)
	}
	if len(rows) > MaxAttributeRows {
		return nil, ErrTooManyAttributes
	}

	data := models.TableData{}
	for _, row := range rows {
		key := ""
		if row.GroupKey.Valid {
			key = row.GroupKey.String
		}
		if _, ok := data[key]; !ok {
			data[key] = map[string]any{}
		}
		value, err := aggregatedValue(query.Calculate, row)
		if err != nil {
			return nil, err
		}
		data[key][row.Name] = value
	}

	return data, nil
}

func (r *Repository) applyFilter(sb *sqlbuilder.SelectBuilder, filter models.FilterDescriptor, kinds map[string]models.AttributeKind) error {
	if len(filter) == 0 {
		return nil
	}

	compiler := &filterCompiler{sb: sb, kinds: kinds, now: r.now()}
	cond, err := compiler.compile(filter)
	if err != nil {
		return err
	}
	if cond != "" {
		sb.Where(cond)
	}
	return nil
}

// nativeValue converts a stored attribute row back into its native form. A
// multistring decodes its JSON array; everything else dereferences its value
// column.
func nativeValue(kind models.AttributeKind, b *bool, d *time.Time, n *float64, s *string) (any, error) {
	switch kind {
	case models.KindBool:
		if b == nil {
			return nil, nil
		}
		return *b, nil
	case models.KindDate:
		if d == nil {
			return nil, nil
		}
		return d.UTC(), nil
	case models.KindNumber:
		if n == nil {
			return nil, nil
		}
		return *n, nil
	case models.KindMultiString:
		if s == nil {
			return []string{}, nil
		}
		var values []string
		if err := json.Unmarshal([]byte(*s), &values); err != nil {
			return nil, fmt.Errorf("failed to decode multistring value: %w", err)
		}
		return values, nil
	default:
		if s == nil {
			return nil, nil
		}
		return *s, nil
	}
}

func aggregatedValue(calculate string, row aggregateRow) (any, error) {
	if calculate == "count" || calculate == "count_unique" {
		if !row.AggCount.Valid {
			return int64(0), nil
		}
		return row.AggCount.Int64, nil
	}

	switch row.Kind {
	case models.KindNumber:
		if !row.AggNumber.Valid {
			return nil, nil
		}
		return row.AggNumber.Float64, nil
	case models.KindBool:
		if !row.AggBool.Valid {
			return nil, nil
		}
		return row.AggBool.Bool, nil
	case models.KindDate:
		if !row.AggDate.Valid {
			return nil, nil
		}
		return row.AggDate.Time.UTC(), nil
	case models.KindMultiString:
		if !row.AggString.Valid {
			return nil, nil
		}
		var values []string
		if err := json.Unmarshal([]byte(row.AggString.String), &values); err != nil {
			return nil, fmt.Errorf("failed to decode multistring value: %w", err)
		}
		return values, nil
	default:
		if !row.AggString.Valid {
			return nil, nil
		}
		return row.AggString.String, nil
	}
}
