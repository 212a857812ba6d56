package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus is closed")

// ChannelBus implements EventBus using Go channels.
// Delivery is best effort: a subscriber whose buffer is full misses the
// message.
type ChannelBus struct {
	mu         sync.RWMutex
	bufferSize int
	topics     map[string]*topicSubs
	closed     bool
}

// topicSubs holds the plain subscribers of a topic and its queue groups.
type topicSubs struct {
	fanout []*channelSubscription
	groups map[string]*queueGroup
}

type queueGroup struct {
	members []*channelSubscription
	next    int
}

type channelSubscription struct {
	id      string
	topic   string
	queue   string
	bus     *ChannelBus
	handler domain.MessageHandler
	msgCh   chan *domain.Message
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewChannelBus creates a new channel-based event bus.
func NewChannelBus(bufferSize int) *ChannelBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &ChannelBus{
		bufferSize: bufferSize,
		topics:     make(map[string]*topicSubs),
	}
}

// Publish sends a message to every plain subscriber of topic and to one
// member of each queue group.
func (b *ChannelBus) Publish(ctx context.Context, topic string, payload []byte) error {
	msg := &domain.Message{
		ID:        uuid.New().String(),
		Topic:     topic,
		Payload:   payload,
		Metadata:  make(map[string]string),
		Timestamp: time.Now().UnixNano(),
	}

	// Write lock: queue groups advance their round-robin cursor.
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	ts := b.topics[topic]
	if ts == nil {
		return nil
	}

	for _, sub := range ts.fanout {
		sub.deliver(msg)
	}
	for _, g := range ts.groups {
		if len(g.members) == 0 {
			continue
		}
		sub := g.members[g.next%len(g.members)]
		g.next++
		sub.deliver(msg)
	}

	return nil
}

// Subscribe registers a handler for a topic.
func (b *ChannelBus) Subscribe(ctx context.Context, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	return b.subscribe(ctx, topic, "", handler)
}

// QueueSubscribe registers a handler in a queue group. Messages rotate
// across the group's members.
func (b *ChannelBus) QueueSubscribe(ctx context.Context, topic, queue string, handler domain.MessageHandler) (domain.Subscription, error) {
	if queue == "" {
		return nil, errors.New("queue name is required")
	}
	return b.subscribe(ctx, topic, queue, handler)
}

func (b *ChannelBus) subscribe(ctx context.Context, topic, queue string, handler domain.MessageHandler) (domain.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}

	subCtx, cancel := context.WithCancel(ctx)

	sub := &channelSubscription{
		id:      uuid.New().String(),
		topic:   topic,
		queue:   queue,
		bus:     b,
		handler: handler,
		msgCh:   make(chan *domain.Message, b.bufferSize),
		ctx:     subCtx,
		cancel:  cancel,
	}

	// Start message handler goroutine
	go sub.run()

	ts := b.topics[topic]
	if ts == nil {
		ts = &topicSubs{groups: make(map[string]*queueGroup)}
		b.topics[topic] = ts
	}
	if queue == "" {
		ts.fanout = append(ts.fanout, sub)
	} else {
		g := ts.groups[queue]
		if g == nil {
			g = &queueGroup{}
			ts.groups[queue] = g
		}
		g.members = append(g.members, sub)
	}

	return sub, nil
}

// Ping checks bus health.
func (b *ChannelBus) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close closes the event bus and stops every subscription.
func (b *ChannelBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	b.closed = true

	for _, ts := range b.topics {
		for _, sub := range ts.fanout {
			sub.cancel()
		}
		for _, g := range ts.groups {
			for _, sub := range g.members {
				sub.cancel()
			}
		}
	}

	b.topics = make(map[string]*topicSubs)
	return nil
}

func (b *ChannelBus) remove(s *channelSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ts := b.topics[s.topic]
	if ts == nil {
		return
	}
	if s.queue == "" {
		ts.fanout = without(ts.fanout, s)
		return
	}
	if g := ts.groups[s.queue]; g != nil {
		g.members = without(g.members, s)
		if len(g.members) == 0 {
			delete(ts.groups, s.queue)
		}
	}
}

func without(subs []*channelSubscription, s *channelSubscription) []*channelSubscription {
	out := subs[:0]
	for _, sub := range subs {
		if sub != s {
			out = append(out, sub)
		}
	}
	return out
}

// deliver enqueues msg without blocking.
func (s *channelSubscription) deliver(msg *domain.Message) {
	select {
	case s.msgCh <- msg:
	default:
		slog.Warn("subscriber buffer full, dropping message",
			"topic", s.topic,
			"message_id", msg.ID,
		)
	}
}

func (s *channelSubscription) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.msgCh:
			if err := s.handler(s.ctx, msg); err != nil {
				slog.Error("handler error",
					"topic", s.topic,
					"message_id", msg.ID,
					"error", err,
				)
			}
		}
	}
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
