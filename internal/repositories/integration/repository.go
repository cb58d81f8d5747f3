package integration

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

// IntegrationRepository defines the interface for integration operations
type IntegrationRepository interface {
	Create(ctx context.Context, token string) (*models.Integration, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Integration, error)
	GetByToken(ctx context.Context, token string) (*models.Integration, error)
}

// Repository implements IntegrationRepository
type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

// NewRepository creates a new integration repository
func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

const tableName = "integrations"

// Create registers a new integration token.
func (r *Repository) Create(ctx context.Context, token string) (*models.Integration, error) {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.Create")
	defer span.End()

	id := uuid.New()

	ib := database.NewInsertBuilder()
	ib.InsertInto(tableName)
	ib.Cols("id", "token")
	ib.Values(id, token)

	query, args := ib.Build()

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to create integration")
		return nil, fmt.Errorf("failed to create integration: %w", err)
	}

	r.logger.WithContext(ctx).WithField("integration_id", id).Info("created integration")

	return r.GetByID(ctx, id)
}

// GetByID gets an integration by ID
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*models.Integration, error) {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.GetByID")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("id", "token", "created_at")
	sb.From(tableName)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()

	var integration models.Integration
	err := r.db.GetContext(ctx, &integration, query, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("failed to get integration by ID")
		return nil, fmt.Errorf("failed to get integration: %w", err)
	}

	return &integration, nil
}

// GetByToken gets an integration by its token value
func (r *Repository) GetByToken(ctx context.Context, token string) (*models.Integration, error) {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.GetByToken")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("id", "token", "created_at")
	sb.From(tableName)
	sb.Where(sb.Equal("token", token))

	query, args := sb.Build()

	var integration models.Integration
	err := r.db.GetContext(ctx, &integration, query, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		r.logger.WithContext(ctx).WithError(err).Error("failed to get integration by token")
		return nil, fmt.Errorf("failed to get integration: %w", err)
	}

	return &integration, nil
}
