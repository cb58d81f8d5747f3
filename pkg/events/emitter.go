// Package events handles event emission for table cache lifecycle changes
package events

import (
	"context"

	"github.com/Gobusters/ectologger"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/tracing"
	"github.com/google/uuid"
)

// Emitter publishes table cache lifecycle events. A nil Emitter is valid and
// drops every event, so callers never branch on whether Kafka is configured.
type Emitter struct {
	producer *kafka.Producer
	logger   ectologger.Logger
}

// NewEmitter creates a new event emitter
func NewEmitter(producer *kafka.Producer, logger ectologger.Logger) *Emitter {
	return &Emitter{
		producer: producer,
		logger:   logger,
	}
}

// EmitTableSynced emits a table.synced event after a sync applies rows.
// Emission failures are logged, not returned: the sync already succeeded.
func (e *Emitter) EmitTableSynced(ctx context.Context, tableID uuid.UUID, elementCount int, fullSync bool) {
	if e == nil {
		return
	}

	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitTableSynced")
	defer span.End()

	event := &kafka.TableEvent{
		EventType:    "table.synced",
		TableID:      tableID.String(),
		ElementCount: elementCount,
		FullSync:     fullSync,
	}

	if err := e.producer.PublishTableEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit table.synced event")
	}
}

// EmitTableReset emits a table.reset event after a cache reset.
func (e *Emitter) EmitTableReset(ctx context.Context, tableID uuid.UUID) {
	if e == nil {
		return
	}

	ctx, span := tracing.StartSpan(ctx, "events.Emitter.EmitTableReset")
	defer span.End()

	event := &kafka.TableEvent{
		EventType: "table.reset",
		TableID:   tableID.String(),
	}

	if err := e.producer.PublishTableEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).Error("Failed to emit table.reset event")
	}
}
