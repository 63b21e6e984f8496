// Package bus implements the per-room event bus. Published events are
// delivered to local subscribers asynchronously from a single dispatcher
// goroutine, and optionally forwarded to the synchronization fabric so other
// instances of the room see them too.
package bus

import (
	"context"
	"errors"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/whisper/roomchat/internal/event"
	"github.com/whisper/roomchat/internal/fabric"
	"github.com/whisper/roomchat/internal/metrics"
)

var (
	// ErrUnknownKind is returned when publishing a nil event or one whose
	// kind is not recognized. It indicates a caller bug.
	ErrUnknownKind = errors.New("bus: unknown event kind")

	// ErrClosed is returned by operations on a closed bus.
	ErrClosed = errors.New("bus: closed")
)

// DefaultDelay is the simulated transport latency applied to every delivery.
const DefaultDelay = 100 * time.Millisecond

// Config holds tunable parameters for a Bus.
type Config struct {
	// Delay between publish and handler invocation. Zero delivers as soon as
	// the dispatcher goroutine is free, still never on the publisher's stack.
	Delay time.Duration
}

// DefaultConfig returns the production bus settings.
func DefaultConfig() Config {
	return Config{Delay: DefaultDelay}
}

// Handler consumes a delivered event.
type Handler func(event.Event)

// SubscriptionID identifies one Subscribe call. Handlers are funcs and cannot
// be compared, so the ID is what Unsubscribe matches on.
type SubscriptionID uint64

// ReplayFunc applies an event received from the fabric. It replaces the
// default local republish, so it must call Publish with rebroadcast false for
// the event to reach subscribers. The hook may publish while holding its own
// state lock, so state changes and their delivery order stay in step.
type ReplayFunc func(evt event.Event)

type subscription struct {
	id      SubscriptionID
	handler Handler
}

type delivery struct {
	kind      event.Kind
	id        SubscriptionID
	evt       event.Event
	published time.Time
	due       time.Time
}

// Bus is an in-process publish/subscribe registry for one room instance.
type Bus struct {
	cfg    Config
	fabric fabric.Fabric

	mu     sync.RWMutex
	subs   map[event.Kind][]subscription
	nextID SubscriptionID
	replay ReplayFunc

	qmu     sync.Mutex
	queue   []delivery
	pending int // queued plus in-flight deliveries
	wake    chan struct{}

	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

// New creates a Bus and starts its dispatcher. fab may be nil for a
// single-instance room; otherwise the bus installs itself as the fabric's
// receive handler.
func New(cfg Config, fab fabric.Fabric) *Bus {
	return NewWithReplay(cfg, fab, nil)
}

// NewWithReplay is New with the replay hook installed before the bus attaches
// to the fabric, so no received event bypasses it. See SetReplayHook.
func NewWithReplay(cfg Config, fab fabric.Fabric, replay ReplayFunc) *Bus {
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	b := &Bus{
		cfg:     cfg,
		fabric:  fab,
		subs:    make(map[event.Kind][]subscription),
		replay:  replay,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if fab != nil {
		fab.OnReceive(b.receive)
	}
	go b.run()
	return b
}

// Subscribe registers handler for kind. Handlers of the same kind are
// delivered to in registration order.
func (b *Bus) Subscribe(kind event.Kind, handler Handler) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[kind] = append(b.subs[kind], subscription{id: id, handler: handler})
	return id
}

// Unsubscribe removes the subscription (kind, id). Unknown pairs are ignored.
// Deliveries already scheduled for the subscription are suppressed because
// registration is checked again at delivery time.
func (b *Bus) Unsubscribe(kind event.Kind, id SubscriptionID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[kind]
	for i, s := range subs {
		if s.id == id {
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(b.subs, kind)
			} else {
				b.subs[kind] = next
			}
			return
		}
	}
}

// SubscriberCount returns the number of subscriptions for kind.
func (b *Bus) SubscriberCount(kind event.Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[kind])
}

// SetReplayHook installs fn to run for every event received from the fabric
// in place of the default local republish. A nil fn restores the default.
func (b *Bus) SetReplayHook(fn ReplayFunc) {
	b.mu.Lock()
	b.replay = fn
	b.mu.Unlock()
}

// Publish schedules delivery of evt to every current subscriber of its kind
// and returns without running any handler. When rebroadcast is true the event
// is also sent to the fabric; events that arrived from the fabric are
// published with rebroadcast false so they never echo back out.
func (b *Bus) Publish(ctx context.Context, evt event.Event, rebroadcast bool) error {
	if evt == nil || !evt.Kind().Valid() {
		return ErrUnknownKind
	}
	select {
	case <-b.done:
		return ErrClosed
	default:
	}

	kind := evt.Kind()
	b.mu.RLock()
	subs := b.subs[kind]
	now := time.Now()
	batch := make([]delivery, len(subs))
	for i, s := range subs {
		batch[i] = delivery{kind: kind, id: s.id, evt: evt, published: now, due: now.Add(b.cfg.Delay)}
	}
	b.mu.RUnlock()

	if len(batch) > 0 {
		b.enqueue(batch)
	}
	metrics.EventsPublished.WithLabelValues(kind.String(), strconv.FormatBool(rebroadcast)).Inc()

	if rebroadcast && b.fabric != nil {
		b.fabric.Send(ctx, evt)
	}
	return nil
}

// Drain blocks until every scheduled delivery has run or ctx is done.
func (b *Bus) Drain(ctx context.Context) error {
	ticker := time.NewTicker(2 * time.Millisecond)
	defer ticker.Stop()

	for {
		b.qmu.Lock()
		idle := b.pending == 0
		b.qmu.Unlock()
		if idle {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.done:
			return ErrClosed
		case <-ticker.C:
		}
	}
}

// Close stops the dispatcher and detaches from the fabric. Pending
// deliveries are discarded. Close is idempotent.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		if b.fabric != nil {
			b.fabric.OnReceive(nil)
		}
		close(b.done)
		<-b.stopped
	})
}

// receive is the fabric's receive handler.
func (b *Bus) receive(evt event.Event) {
	b.mu.RLock()
	hook := b.replay
	b.mu.RUnlock()

	if hook != nil {
		hook(evt)
		return
	}
	if err := b.Publish(context.Background(), evt, false); err != nil && !errors.Is(err, ErrClosed) {
		log.Printf("[bus] replay of %s failed: %v", evt.Kind(), err)
	}
}

func (b *Bus) enqueue(batch []delivery) {
	b.qmu.Lock()
	b.queue = append(b.queue, batch...)
	b.pending += len(batch)
	b.qmu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// next pops the oldest delivery, blocking until one exists or the bus closes.
func (b *Bus) next() (delivery, bool) {
	for {
		b.qmu.Lock()
		if len(b.queue) > 0 {
			d := b.queue[0]
			b.queue[0] = delivery{}
			b.queue = b.queue[1:]
			b.qmu.Unlock()
			return d, true
		}
		b.qmu.Unlock()

		select {
		case <-b.done:
			return delivery{}, false
		case <-b.wake:
		}
	}
}

// run is the dispatcher loop. Deliveries share one delay, so due times are
// non-decreasing and popping in FIFO order never delays an earlier event
// behind a later one.
func (b *Bus) run() {
	defer close(b.stopped)

	for {
		d, ok := b.next()
		if !ok {
			return
		}

		if wait := time.Until(d.due); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-b.done:
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		b.deliver(d)

		b.qmu.Lock()
		b.pending--
		b.qmu.Unlock()
	}
}

func (b *Bus) deliver(d delivery) {
	kind := d.kind.String()

	handler := b.lookup(d.kind, d.id)
	if handler == nil {
		metrics.EventsDelivered.WithLabelValues(kind, "unsubscribed").Inc()
		return
	}

	metrics.DeliveryLatency.Observe(time.Since(d.published).Seconds())
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[bus] handler panic kind=%s subscription=%d: %v", kind, d.id, r)
			metrics.EventsDelivered.WithLabelValues(kind, "panic").Inc()
		}
	}()
	handler(d.evt)
	metrics.EventsDelivered.WithLabelValues(kind, "delivered").Inc()
}

func (b *Bus) lookup(kind event.Kind, id SubscriptionID) Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs[kind] {
		if s.id == id {
			return s.handler
		}
	}
	return nil
}
