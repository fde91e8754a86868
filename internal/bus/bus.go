// Package bus provides tenant-scoped event bus implementations for Kestrel.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// MetaRequestID carries the originating request ID across the bus.
const MetaRequestID = "request_id"

// New creates a new event bus based on configuration.
// For Community tier: returns ChannelBus.
// For Pro tier: returns NATSBus.
func New(cfg domain.EventBusConfig) (domain.EventBus, error) {
	switch cfg.Type {
	case "channel":
		return NewChannelBus(cfg.ChannelBufferSize), nil

	case "nats":
		return NewNATSBus(cfg)

	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", cfg.Type)
	}
}

// checkPublishTenant rejects the AllTenants wildcard and any tenant that
// cannot name a single subject token.
func checkPublishTenant(tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	return domain.ValidateTenantID(tenantID)
}

// newMessage builds the envelope for a publish, copying the request ID from ctx.
func newMessage(ctx context.Context, tenantID, topic string, payload []byte) *domain.Message {
	meta := make(map[string]string)
	if id := domain.RequestIDFrom(ctx); id != "" {
		meta[MetaRequestID] = id
	}
	return &domain.Message{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Topic:     topic,
		Payload:   payload,
		Metadata:  meta,
		Timestamp: time.Now().UnixNano(),
	}
}

// handlerContext restores the request ID for the handler.
func handlerContext(ctx context.Context, msg *domain.Message) context.Context {
	if id := msg.Metadata[MetaRequestID]; id != "" {
		return domain.WithRequestID(ctx, id)
	}
	return ctx
}
