package events

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultQueueSize is the per-subscriber queue capacity.
	DefaultQueueSize = 1024
	// DefaultGracePeriod is how long a failed subscriber is kept before
	// its subscription is removed.
	DefaultGracePeriod = 30 * time.Second
)

// Sink receives messages for one subscriber. Send is called from a single
// delivery goroutine; implementations own their transport.
type Sink interface {
	Send(msg *Message) error
	Close() error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(msg *Message) error

// Send implements Sink.
func (f SinkFunc) Send(msg *Message) error { return f(msg) }

// Close implements Sink.
func (f SinkFunc) Close() error { return nil }

// Publisher fans events out to subscribers. Each subscriber has a bounded
// queue; on overflow the oldest queued event is dropped for that subscriber
// only. Publish never blocks on a slow subscriber.
type Publisher struct {
	mu          sync.RWMutex
	subs        map[string]*subscriber
	queueSize   int
	gracePeriod time.Duration
	closed      bool
}

type subscriber struct {
	id    string
	kinds map[Kind]bool // nil means all kinds
	sink  Sink
	queue chan *Message
	done  chan struct{}

	pushMu  sync.Mutex // serializes drop-oldest pushes
	dropped atomic.Uint64

	failMu   sync.Mutex
	failedAt time.Time
}

// SubscriberStats is a snapshot of one subscription's counters.
type SubscriberStats struct {
	ID      string `json:"id"`
	Queued  int    `json:"queued"`
	Dropped uint64 `json:"dropped"`
	Failed  bool   `json:"failed"`
}

// NewPublisher creates a publisher with the given per-subscriber queue size.
// Zero values select the defaults.
func NewPublisher(queueSize int, gracePeriod time.Duration) *Publisher {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}
	return &Publisher{
		subs:        make(map[string]*subscriber),
		queueSize:   queueSize,
		gracePeriod: gracePeriod,
	}
}

// Subscribe registers a sink for the given kinds (nil or empty = all kinds)
// and returns the subscription id. Delivery runs on a dedicated goroutine
// until Unsubscribe or publisher Close.
func (p *Publisher) Subscribe(kinds []Kind, sink Sink) string {
	sub := &subscriber{
		id:    uuid.New().String(),
		sink:  sink,
		queue: make(chan *Message, p.queueSize),
		done:  make(chan struct{}),
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		sink.Close()
		return sub.id
	}
	p.subs[sub.id] = sub
	p.mu.Unlock()

	go sub.deliver()

	log.Printf("[Publisher] Subscriber %s registered (kinds: %d)", sub.id, len(kinds))
	return sub.id
}

// Unsubscribe removes a subscription and closes its sink.
func (p *Publisher) Unsubscribe(id string) {
	p.mu.Lock()
	sub, ok := p.subs[id]
	if ok {
		delete(p.subs, id)
	}
	p.mu.Unlock()

	if ok {
		close(sub.done)
		sub.sink.Close()
		log.Printf("[Publisher] Subscriber %s removed (dropped: %d)", id, sub.dropped.Load())
	}
}

// Publish enqueues the message for every matching subscriber. It never
// blocks: when a subscriber's queue is full the oldest entry is evicted and
// the subscriber's drop counter is incremented.
func (p *Publisher) Publish(msg *Message) {
	if msg == nil {
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, sub := range p.subs {
		if sub.kinds != nil && !sub.kinds[msg.Type] {
			continue
		}
		sub.push(msg)
	}
}

// push enqueues with a drop-oldest overflow policy. The mutex keeps the
// evict-then-send pair atomic against concurrent publishers.
func (s *subscriber) push(msg *Message) {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	select {
	case s.queue <- msg:
		return
	default:
	}

	// Queue full: evict oldest, then enqueue.
	select {
	case <-s.queue:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.queue <- msg:
	default:
		s.dropped.Add(1)
	}
}

// deliver drains the queue to the sink in FIFO order. On a send failure the
// subscriber is marked failed; the janitor removes it after the grace period.
func (s *subscriber) deliver() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			s.failMu.Lock()
			failed := !s.failedAt.IsZero()
			s.failMu.Unlock()
			if failed {
				// Drain without sending while awaiting removal.
				continue
			}
			if err := s.sink.Send(msg); err != nil {
				s.failMu.Lock()
				s.failedAt = time.Now()
				s.failMu.Unlock()
				log.Printf("[Publisher] Subscriber %s send failed: %v", s.id, err)
			}
		}
	}
}

// Run sweeps out failed subscribers whose grace period elapsed. It returns
// when stop is closed.
func (p *Publisher) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			p.reapFailed()
		}
	}
}

func (p *Publisher) reapFailed() {
	now := time.Now()

	p.mu.RLock()
	var expired []string
	for id, sub := range p.subs {
		sub.failMu.Lock()
		failedAt := sub.failedAt
		sub.failMu.Unlock()
		if !failedAt.IsZero() && now.Sub(failedAt) >= p.gracePeriod {
			expired = append(expired, id)
		}
	}
	p.mu.RUnlock()

	for _, id := range expired {
		log.Printf("[Publisher] Subscriber %s grace period expired", id)
		p.Unsubscribe(id)
	}
}

// Stats returns a snapshot of all subscriptions.
func (p *Publisher) Stats() []SubscriberStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]SubscriberStats, 0, len(p.subs))
	for id, sub := range p.subs {
		sub.failMu.Lock()
		failed := !sub.failedAt.IsZero()
		sub.failMu.Unlock()
		out = append(out, SubscriberStats{
			ID:      id,
			Queued:  len(sub.queue),
			Dropped: sub.dropped.Load(),
			Failed:  failed,
		})
	}
	return out
}

// SubscriberCount returns the number of active subscriptions.
func (p *Publisher) SubscriberCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs)
}

// Close removes all subscriptions and closes their sinks.
func (p *Publisher) Close() {
	p.mu.Lock()
	p.closed = true
	subs := p.subs
	p.subs = make(map[string]*subscriber)
	p.mu.Unlock()

	for _, sub := range subs {
		close(sub.done)
		sub.sink.Close()
	}
}
