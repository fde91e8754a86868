package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// ChannelBus implements EventBus using Go channels.
// Used as the Community tier event bus. Delivery is at-most-once: a
// subscriber whose buffer is full misses the message.
type ChannelBus struct {
	mu            sync.RWMutex
	bufferSize    int
	subscriptions map[string][]*channelSubscription
	closed        bool
}

type channelSubscription struct {
	id       string
	tenantID string
	topic    string
	handler  domain.MessageHandler
	msgCh    chan *domain.Message
	ctx      context.Context
	cancel   context.CancelFunc
	bus      *ChannelBus
}

// NewChannelBus creates a new channel-based event bus.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize:    bufferSize,
		subscriptions: make(map[string][]*channelSubscription),
	}
}

// Publish sends a message to every subscriber of the tenant's topic.
func (b *ChannelBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if err := checkPublishTenant(tenantID); err != nil {
		return err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return fmt.Errorf("bus is closed")
	}
	tenantSubs := b.subscriptions[makeKey(tenantID, topic)]
	allSubs := b.subscriptions[makeKey(domain.AllTenants, topic)]
	subs := make([]*channelSubscription, 0, len(tenantSubs)+len(allSubs))
	subs = append(subs, tenantSubs...)
	subs = append(subs, allSubs...)
	b.mu.RUnlock()

	msg := newMessage(ctx, tenantID, topic, payload)

	for _, sub := range subs {
		select {
		case sub.msgCh <- msg:
		default:
			metrics.BusMessagesTotal.WithLabelValues(topic, "dropped").Inc()
			slog.Warn("subscriber buffer full, dropping message",
				"topic", topic,
				"tenant_id", tenantID,
				"message_id", msg.ID,
			)
		}
	}

	return nil
}

// Subscribe registers a handler for a topic. domain.AllTenants receives the
// topic for every tenant.
func (b *ChannelBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	subCtx, cancel := context.WithCancel(ctx)

	sub := &channelSubscription{
		id:       uuid.New().String(),
		tenantID: tenantID,
		topic:    topic,
		handler:  handler,
		msgCh:    make(chan *domain.Message, b.bufferSize),
		ctx:      subCtx,
		cancel:   cancel,
		bus:      b,
	}

	go sub.run()

	key := makeKey(tenantID, topic)
	b.subscriptions[key] = append(b.subscriptions[key], sub)

	return sub, nil
}

// run delivers messages until the subscription is cancelled.
func (s *channelSubscription) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.msgCh:
			if msg == nil {
				continue
			}
			if err := s.handler(handlerContext(s.ctx, msg), msg); err != nil {
				metrics.BusMessagesTotal.WithLabelValues(s.topic, "handler_error").Inc()
				slog.Error("handler error",
					"topic", s.topic,
					"message_id", msg.ID,
					"error", err,
				)
				continue
			}
			metrics.BusMessagesTotal.WithLabelValues(s.topic, "delivered").Inc()
		}
	}
}

// Ping checks bus health.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus is closed")
	}
	return nil
}

// Close stops every subscription and rejects further use.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.cancel()
		}
	}
	b.subscriptions = make(map[string][]*channelSubscription)
	return nil
}

func (b *ChannelBus) remove(sub *channelSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := makeKey(sub.tenantID, sub.topic)
	subs := b.subscriptions[key]
	for i, s := range subs {
		if s.id == sub.id {
			b.subscriptions[key] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subscriptions[key]) == 0 {
		delete(b.subscriptions, key)
	}
}

func makeKey(tenantID, topic string) string {
	return tenantID + ":" + topic
}

// Unsubscribe stops receiving messages.
func (s *channelSubscription) Unsubscribe() error {
	s.cancel()
	s.bus.remove(s)
	return nil
}

// Topic returns the subscribed topic.
func (s *channelSubscription) Topic() string {
	return s.topic
}
