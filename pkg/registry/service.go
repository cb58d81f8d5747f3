// Package registry registers integration tokens and the Notion tables they
// expose.
package registry

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/fern/internal/repositories/integration"
	"github.com/Ramsey-B/fern/internal/repositories/table"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Service registers tables. Registration is idempotent: the same token and
// Notion table ID always resolve to the same records.
type Service struct {
	logger       ectologger.Logger
	integrations integration.IntegrationRepository
	tables       table.TableRepository
}

// NewService creates a new registry service
func NewService(logger ectologger.Logger, integrations integration.IntegrationRepository, tables table.TableRepository) *Service {
	return &Service{
		logger:       logger,
		integrations: integrations,
		tables:       tables,
	}
}

// RegisterTable resolves or creates the integration for the token, then
// resolves or creates the table binding under it.
func (s *Service) RegisterTable(ctx context.Context, token string, notionTableID string) (*models.Table, error) {
	ctx, span := tracing.StartSpan(ctx, "RegistryService.RegisterTable")
	defer span.End()

	integ, err := s.integrations.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if integ == nil {
		integ, err = s.integrations.Create(ctx, token)
		if err != nil {
			return nil, err
		}
	}

	tbl, err := s.tables.GetByNotionID(ctx, integ.ID, notionTableID)
	if err != nil {
		return nil, err
	}
	if tbl == nil {
		tbl, err = s.tables.Create(ctx, integ.ID, notionTableID)
		if err != nil {
			return nil, err
		}
	}

	return tbl, nil
}
