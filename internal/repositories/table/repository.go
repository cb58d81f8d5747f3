package table

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/google/uuid"
)

// TableRepository defines the interface for table binding operations
type TableRepository interface {
	Create(ctx context.Context, integrationID uuid.UUID, notionTableID string) (*models.Table, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Table, error)
	GetByNotionID(ctx context.Context, integrationID uuid.UUID, notionTableID string) (*models.Table, error)
}

// Repository implements TableRepository
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new table repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const tableName = "tables"

// Create binds a Notion table to an integration.
func (r *Repository) Create(ctx context.Context, integrationID uuid.UUID, notionTableID string) (*models.Table, error) {
	ctx, span := tracing.StartSpan(ctx, "TableRepository.Create")
	defer span.End()

	id := uuid.New()

	ib := database.NewInsertBuilder()
	ib.InsertInto(tableName)
	ib.Cols("id", "integration_id", "notion_table_id")
	ib.Values(id, integrationID, notionTableID)

	query, args := ib.Build()

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to create table")
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"table_id":        id,
		"notion_table_id": notionTableID,
	}).Info("created table")

	return r.GetByID(ctx, id)
}

// GetByID gets a table by ID
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Table, error) {
	ctx, span := tracing.StartSpan(ctx, "TableRepository.GetByID")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("id", "integration_id", "notion_table_id", "created_at")
	sb.From(tableName)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()

	var table models.Table
	err := r.db.GetContext(ctx, &table, query, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("failed to get table by ID")
		return nil, fmt.Errorf("failed to get table: %w", err)
	}

	return &table, nil
}

// GetByNotionID gets the table binding an integration to a Notion table, if any
func (r *Repository) GetByNotionID(ctx context.Context, integrationID uuid.UUID, notionTableID string) (*models.Table, error) {
	ctx, span := tracing.StartSpan(ctx, "TableRepository.GetByNotionID")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("id", "integration_id", "notion_table_id", "created_at")
	sb.From(tableName)
	sb.Where(
		sb.Equal("integration_id", integrationID),
		sb.Equal("notion_table_id", notionTableID),
	)

	query, args := sb.Build()

	var table models.Table
	err := r.db.GetContext(ctx, &table, query, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("failed to get table by notion ID")
		return nil, fmt.Errorf("failed to get table: %w", err)
	}

	return &table, nil
}
