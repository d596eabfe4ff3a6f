// Package logs fans ingested sandbox log lines out to live subscribers.
package logs

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/narvanalabs/sandbox-plane/internal/models"
)

// DefaultSubscriberBuffer is the channel capacity of each subscriber.
const DefaultSubscriberBuffer = 256

// Target identifies the build or process whose logs are streamed.
type Target struct {
	Kind models.TargetKind
	ID   string
}

// Subscriber receives live entries for one target.
type Subscriber struct {
	ID        string
	Target    Target
	Ch        chan *models.LogEntry
	CreatedAt time.Time
}

// Broker manages per-target subscriptions and recent-line tails.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Target]map[string]*Subscriber
	tails       map[Target]*Tail
	tailLines   int
	closed      bool
	logger      *slog.Logger
}

// NewBroker creates a broker that keeps up to tailLines recent entries per
// target for late subscribers.
func NewBroker(tailLines int, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subscribers: make(map[Target]map[string]*Subscriber),
		tails:       make(map[Target]*Tail),
		tailLines:   tailLines,
		logger:      logger,
	}
}

// Subscribe registers a subscriber for target and returns it together with
// the entries already buffered for the target. Entries published after
// Subscribe returns are delivered on the channel.
func (b *Broker) Subscribe(target Target) (*Subscriber, []*models.LogEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		ID:        uuid.New().String(),
		Target:    target,
		Ch:        make(chan *models.LogEntry, DefaultSubscriberBuffer),
		CreatedAt: time.Now(),
	}

	if b.closed {
		close(sub.Ch)
		return sub, nil
	}
	if b.subscribers[target] == nil {
		b.subscribers[target] = make(map[string]*Subscriber)
	}
	b.subscribers[target][sub.ID] = sub

	var backlog []*models.LogEntry
	if tail, ok := b.tails[target]; ok {
		backlog = tail.All()
	}

	b.logger.Debug("log subscriber added", "subscriber_id", sub.ID, "kind", target.Kind, "target_id", target.ID)
	return sub, backlog
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broker) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[sub.Target]
	if _, exists := subs[sub.ID]; exists {
		close(sub.Ch)
		delete(subs, sub.ID)
		if len(subs) == 0 {
			delete(b.subscribers, sub.Target)
		}
		b.logger.Debug("log subscriber removed", "subscriber_id", sub.ID)
	}
}

// Publish records entries in the target tail and forwards them to the
// target's subscribers. Slow subscribers lose entries rather than blocking
// ingestion.
func (b *Broker) Publish(entries []*models.LogEntry) {
	if len(entries) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, entry := range entries {
		if entry == nil {
			continue
		}
		target := Target{Kind: entry.TargetKind, ID: entry.TargetID}

		if b.tailLines > 0 {
			tail, ok := b.tails[target]
			if !ok {
				tail = NewTail(b.tailLines)
				b.tails[target] = tail
			}
			tail.Add(entry)
		}

		for _, sub := range b.subscribers[target] {
			select {
			case sub.Ch <- entry:
			default:
				b.logger.Warn("subscriber channel full, dropping log entry",
					"subscriber_id", sub.ID,
					"target_id", target.ID,
					"seq", entry.Seq,
				)
			}
		}
	}
}

// Forget drops the buffered tail of a finished target.
func (b *Broker) Forget(target Target) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tails, target)
}

// Close ends every subscription by closing its channel. Later subscriptions
// receive an already closed channel.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for target, subs := range b.subscribers {
		for _, sub := range subs {
			close(sub.Ch)
		}
		delete(b.subscribers, target)
	}
	return nil
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}
