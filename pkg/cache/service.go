// Package cache keeps local table caches in step with their upstream Notion
// databases and serves reads from them.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/fern/internal/repositories/element"
	"github.com/Ramsey-B/fern/internal/repositories/integration"
	"github.com/Ramsey-B/fern/internal/repositories/table"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/notion"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/google/uuid"
)

// ErrTableNotFound is returned when the requested table is not registered.
var ErrTableNotFound = errors.New("table not found")

// ErrSyncInProgress is returned when another sync holds the table's lock past
// the wait timeout.
var ErrSyncInProgress = errors.New("a sync for this table is already in progress")

// DataRequest describes one read of a table, including how the cache should
// be refreshed first.
type DataRequest struct {
	ResetCache  bool
	UpdateCache bool
	Query       models.Query
}

// Service syncs table caches from Notion and reads them back.
type Service struct {
	logger        ectologger.Logger
	integrations  integration.IntegrationRepository
	tables        table.TableRepository
	elements      element.ElementRepository
	clientFactory notion.ClientFactory
	emitter       *events.Emitter
	locks         *tableLocks
	locker        *redis.Locker
	lockTTL       time.Duration
	lockWait      time.Duration
}

// NewService creates a new cache service. emitter and locker are optional:
// a nil emitter drops events, a nil locker falls back to in-process locking
// only.
func NewService(
	logger ectologger.Logger,
	integrations integration.IntegrationRepository,
	tables table.TableRepository,
	elements element.ElementRepository,
	clientFactory notion.ClientFactory,
	emitter *events.Emitter,
	locker *redis.Locker,
) *Service {
	return &Service{
		logger:        logger,
		integrations:  integrations,
		tables:        tables,
		elements:      elements,
		clientFactory: clientFactory,
		emitter:       emitter,
		locks:         newTableLocks(),
		locker:        locker,
		lockTTL:       2 * time.Minute,
		lockWait:      30 * time.Second,
	}
}

// GetData refreshes the table's cache per the request flags, then runs the
// query against the cache and returns the result.
func (s *Service) GetData(ctx context.Context, tableID uuid.UUID, req DataRequest) (models.TableData, error) {
	ctx, span := tracing.StartSpan(ctx, "CacheService.GetData")
	defer span.End()

	tbl, err := s.tables.GetByID(ctx, tableID)
	if err != nil {
		return nil, err
	}
	if tbl == nil {
		return nil, ErrTableNotFound
	}

	if req.ResetCache || req.UpdateCache {
		if err := s.syncTable(ctx, tbl, req.ResetCache); err != nil {
			return nil, err
		}
	}

	return s.elements.GetTableData(ctx, tableID, req.Query)
}

// GetSchema reports the table's attribute names and upstream type tags. A
// populated cache answers locally; a cold cache asks upstream directly.
func (s *Service) GetSchema(ctx context.Context, tableID uuid.UUID) (map[string]string, error) {
	ctx, span := tracing.StartSpan(ctx, "CacheService.GetSchema")
	defer span.End()

	tbl, err := s.tables.GetByID(ctx, tableID)
	if err != nil {
		return nil, err
	}
	if tbl == nil {
		return nil, ErrTableNotFound
	}

	reference, err := s.elements.ReferenceAttributes(ctx, tableID)
	if err != nil {
		return nil, err
	}
	if len(reference) > 0 {
		schema := make(map[string]string, len(reference))
		for _, attr := range reference {
			schema[attr.Name] = attr.Type
		}
		return schema, nil
	}

	client, err := s.client(ctx, tbl)
	if err != nil {
		return nil, err
	}

	schema, err := client.RetrieveSchema(ctx, tbl.NotionTableID)
	if err != nil {
		return nil, err
	}

	// Relation and rollup properties are never cached, so they never appear
	// in the schema either.
	for name, typeTag := range schema {
		if typeTag == "relation" || typeTag == "rollup" {
			delete(schema, name)
		}
	}

	return schema, nil
}

// syncTable reconciles the cached elements of one table with upstream. Syncs
// of the same table are serialized; concurrent watermark reads would
// double-apply rows.
func (s *Service) syncTable(ctx context.Context, tbl *models.Table, reset bool) error {
	ctx, span := tracing.StartSpan(ctx, "CacheService.syncTable")
	defer span.End()

	unlock := s.locks.lock(tbl.ID)
	defer unlock()

	if s.locker != nil {
		lock, err := s.locker.TryAcquire(ctx, tbl.ID.String(), s.lockTTL, s.lockWait)
		if err != nil {
			if errors.Is(err, redis.ErrLockNotAcquired) {
				return ErrSyncInProgress
			}
			return err
		}
		defer lock.Release(ctx)
	}

	if reset {
		if err := s.elements.DeleteTableElements(ctx, tbl.ID); err != nil {
			return err
		}
		s.emitter.EmitTableReset(ctx, tbl.ID)
	}

	var watermark *time.Time
	last, err := s.elements.LastTableElement(ctx, tbl.ID)
	if err != nil {
		return err
	}
	if last != nil {
		t := last.LastEdited
		watermark = &t
	}

	client, err := s.client(ctx, tbl)
	if err != nil {
		return err
	}

	// All pages are drained before any write, so an upstream failure aborts
	// the sync without committing a partial batch.
	rows, err := client.QueryTable(ctx, tbl.NotionTableID, watermark)
	if err != nil {
		return err
	}

	for _, row := range rows {
		if err := s.applyRow(ctx, tbl, row); err != nil {
			return err
		}
	}

	if len(rows) > 0 {
		s.logger.WithContext(ctx).WithFields(map[string]any{
			"table_id":  tbl.ID,
			"row_count": len(rows),
			"full_sync": watermark == nil,
		}).Info("synced table")
	}
	s.emitter.EmitTableSynced(ctx, tbl.ID, len(rows), watermark == nil)

	return nil
}

// applyRow upserts one upstream row into the cache. Updates replace the
// element's whole attribute set rather than diffing it.
func (s *Service) applyRow(ctx context.Context, tbl *models.Table, row notion.Row) error {
	existing, err := s.elements.GetByNotionID(ctx, row.ID)
	if err != nil {
		return err
	}

	elem := existing
	if elem == nil {
		elem = &models.Element{
			ID:       uuid.New(),
			TableID:  tbl.ID,
			NotionID: row.ID,
		}
	}
	elem.LastEdited = row.LastEditedTime

	attributes := make([]*models.Attribute, 0, len(row.Properties))
	for name, prop := range row.Properties {
		attr, err := notion.MapProperty(name, prop, elem.ID)
		if err != nil {
			return err
		}
		if attr == nil {
			continue
		}
		attributes = append(attributes, attr)
	}

	if existing == nil {
		return s.elements.CreateElement(ctx, elem, attributes)
	}
	return s.elements.UpdateElement(ctx, elem, attributes)
}

func (s *Service) client(ctx context.Context, tbl *models.Table) (notion.API, error) {
	integ, err := s.integrations.GetByID(ctx, tbl.IntegrationID)
	if err != nil {
		return nil, err
	}
	if integ == nil {
		return nil, fmt.Errorf("integration %s not found for table %s", tbl.IntegrationID, tbl.ID)
	}
	return s.clientFactory(integ.Token), nil
}
