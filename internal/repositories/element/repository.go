package element

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/google/uuid"
)

// ElementRepository defines the interface for cached element operations
type ElementRepository interface {
	CreateElement(ctx context.Context, element *models.Element, attributes []*models.Attribute) error
	UpdateElement(ctx context.Context, element *models.Element, attributes []*models.Attribute) error
	GetByNotionID(ctx context.Context, notionID string) (*models.Element, error)
	LastTableElement(ctx context.Context, tableID uuid.UUID) (*models.Element, error)
	DeleteTableElements(ctx context.Context, tableID uuid.UUID) error
	ReferenceAttributes(ctx context.Context, tableID uuid.UUID) ([]models.Attribute, error)
	GetTableData(ctx context.Context, tableID uuid.UUID, query models.Query) (models.TableData, error)
}

// Repository implements ElementRepository
type Repository struct {
	db     database.DB
	logger ectologger.Logger
	now    func() time.Time
}

// NewRepository creates a new element repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

const (
	elementsTable   = "elements"
	attributesTable = "attributes"
)

// CreateElement inserts a new element and its attributes in one transaction.
func (r *Repository) CreateElement(ctx context.Context, element *models.Element, attributes []*models.Attribute) error {
	ctx, span := tracing.StartSpan(ctx, "ElementRepository.CreateElement")
	defer span.End()

	callerCtx := ctx
	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return err
	}

	err = func() error {
		if element.ID == uuid.Nil {
			element.ID = uuid.New()
		}

		ib := database.NewInsertBuilder()
		ib.InsertInto(elementsTable)
		ib.Cols("id", "table_id", "notion_id", "last_edited")
		ib.Values(element.ID, element.TableID, element.NotionID, element.LastEdited)

		query, args := ib.Build()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).Error("failed to insert element")
			return fmt.Errorf("failed to insert element: %w", err)
		}

		return r.insertAttributes(ctx, tx, element.ID, attributes)
	}()

	return database.CloseTx(callerCtx, tx, err)
}

// UpdateElement bumps the element's last edited timestamp and replaces its
// attribute set wholesale. Attributes are never diffed.
func (r *Repository) UpdateElement(ctx context.Context, element *models.Element, attributes []*models.Attribute) error {
	ctx, span := tracing.StartSpan(ctx, "ElementRepository.UpdateElement")
	defer span.End()

	callerCtx := ctx
	ctx, tx, err := r.db.GetTx(ctx, nil)
	if err != nil {
		return err
	}

	err = func() error {
		ub := database.NewUpdateBuilder()
		ub.Update(elementsTable)
		ub.Set(ub.Assign("last_edited", element.LastEdited))
		ub.Where(ub.Equal("id", element.ID))

		query, args := ub.Build()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).Error("failed to update element")
			return fmt.Errorf("failed to update element: %w", err)
		}

		db := database.NewDeleteBuilder()
		db.DeleteFrom(attributesTable)
		db.Where(db.Equal("element_id", element.ID))

		query, args = db.Build()
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).Error("failed to delete element attributes")
			return fmt.Errorf("failed to delete element attributes: %w", err)
		}

		return r.insertAttributes(ctx, tx, element.ID, attributes)
	}()

	return database.CloseTx(callerCtx, tx, err)
}

func (r *Repository) insertAttributes(ctx context.Context, tx database.Tx, elementID uuid.UUID, attributes []*models.Attribute) error {
	if len(attributes) == 0 {
		return nil
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(attributesTable)
	ib.Cols("id", "element_id", "name", "type", "kind", "value_bool", "value_date", "value_number", "value_string")
	for _, attr := range attributes {
		if attr.ID == uuid.Nil {
			attr.ID = uuid.New()
		}
		ib.Values(attr.ID, elementID, attr.Name, attr.Type, attr.Kind, attr.ValueBool, attr.ValueDate, attr.ValueNumber, attr.ValueString)
	}

	query, args := ib.Build()
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to insert attributes")
		return fmt.Errorf("failed to insert attributes: %w", err)
	}

	return nil
}

// GetByNotionID gets a cached element by its upstream row ID
func (r *Repository) GetByNotionID(ctx context.Context, notionID string) (*models.Element, error) {
	ctx, span := tracing.StartSpan(ctx, "ElementRepository.GetByNotionID")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("id", "table_id", "notion_id", "last_edited")
	sb.From(elementsTable)
	sb.Where(sb.Equal("notion_id", notionID))

	query, args := sb.Build()

	var element models.Element
	err := r.db.GetContext(ctx, &element, query, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("failed to get element by notion ID")
		return nil, fmt.Errorf("failed to get element: %w", err)
	}

	return &element, nil
}

// LastTableElement returns the table's most recently edited element, or nil
// when the cache is empty. Its last_edited value is the sync watermark.
func (r *Repository) LastTableElement(ctx context.Context, tableID uuid.UUID) (*models.Element, error) {
	ctx, span := tracing.StartSpan(ctx, "ElementRepository.LastTableElement")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("id", "table_id", "notion_id", "last_edited")
	sb.From(elementsTable)
	sb.Where(sb.Equal("table_id", tableID))
	sb.OrderBy("last_edited DESC")
	sb.Limit(1)

	query, args := sb.Build()

	var element models.Element
	err := r.db.GetContext(ctx, &element, query, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("failed to get last table element")
		return nil, fmt.Errorf("failed to get last table element: %w", err)
	}

	return &element, nil
}

// DeleteTableElements drops every cached element of a table. Attributes go
// with them via the cascade.
func (r *Repository) DeleteTableElements(ctx context.Context, tableID uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "ElementRepository.DeleteTableElements")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(elementsTable)
	db.Where(db.Equal("table_id", tableID))

	query, args := db.Build()
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to delete table elements")
		return fmt.Errorf("failed to delete table elements: %w", err)
	}

	r.logger.WithContext(ctx).WithField("table_id", tableID).Info("deleted cached elements")
	return nil
}

// ReferenceAttributes returns the attributes of the table's most recently
// edited element. They describe the table's current shape: filter validation
// and schema reporting both key off them.
func (r *Repository) ReferenceAttributes(ctx context.Context, tableID uuid.UUID) ([]models.Attribute, error) {
	ctx, span := tracing.StartSpan(ctx, "ElementRepository.ReferenceAttributes")
	defer span.End()

	last, err := r.LastTableElement(ctx, tableID)
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, nil
	}

	sb := database.NewSelectBuilder()
	sb.Select("id", "element_id", "name", "type", "kind", "value_bool", "value_date", "value_number", "value_string")
	sb.From(attributesTable)
	sb.Where(sb.Equal("element_id", last.ID))
	sb.OrderBy("name ASC")

	query, args := sb.Build()

	var attributes []models.Attribute
	if err := r.db.SelectContext(ctx, &attributes, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to get reference attributes")
		return nil, fmt.Errorf("failed to get reference attributes: %w", err)
	}

	return attributes, nil
}
