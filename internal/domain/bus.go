package domain

import (
	"context"
	"fmt"
	"strings"
)

// EventBus defines the interface for event-driven communication.
// Supports Go channels (Community) or NATS (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type EventBus interface {
	// Publish sends a message to a topic.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string

	// Channel settings (Community tier)
	ChannelBufferSize int

	// NATS settings (Pro tier)
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}

// AllTenants subscribes to a topic across every tenant. It is not a valid
// publish tenant.
const AllTenants = "*"

// ValidateTenantID rejects tenant IDs that are empty or contain subject
// separators or wildcards, so every tenant maps to one bus subject token.
func ValidateTenantID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: tenant ID is required", ErrInvalidInput)
	}
	if strings.ContainsAny(id, "*>. \t\r\n") {
		return fmt.Errorf("%w: tenant ID %q contains a reserved character", ErrInvalidInput, id)
	}
	return nil
}

// Topic names for the scoring pipeline.
const (
	TopicRiskRequest  = "kestrel.risk.request"
	TopicRiskDecision = "kestrel.risk.decision"
	TopicRiskAlert    = "kestrel.risk.alert"
	TopicTaxonomy     = "kestrel.taxonomy.reloaded"
)
