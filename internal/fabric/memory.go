package fabric

import (
	"context"
	"log"
	"sync"

	"github.com/whisper/roomchat/internal/event"
	"github.com/whisper/roomchat/internal/metrics"
)

// inboxSize bounds each member's pending events. A full inbox drops events,
// matching the best-effort contract of network transports.
const inboxSize = 1024

// Hub is an in-process fabric: members joined to the same channel name see
// each other's events, members on different channels are isolated.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[*Member]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{channels: make(map[string]map[*Member]struct{})}
}

// Join attaches a new member to channel.
func (h *Hub) Join(channel string) *Member {
	m := &Member{
		hub:     h,
		channel: channel,
		inbox:   make(chan event.Event, inboxSize),
		done:    make(chan struct{}),
	}

	h.mu.Lock()
	members, ok := h.channels[channel]
	if !ok {
		members = make(map[*Member]struct{})
		h.channels[channel] = members
	}
	members[m] = struct{}{}
	h.mu.Unlock()

	go m.run()
	return m
}

// peers returns every member of channel except self.
func (h *Hub) peers(channel string, self *Member) []*Member {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Member, 0, len(h.channels[channel]))
	for m := range h.channels[channel] {
		if m != self {
			out = append(out, m)
		}
	}
	return out
}

func (h *Hub) leave(m *Member) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members := h.channels[m.channel]
	delete(members, m)
	if len(members) == 0 {
		delete(h.channels, m.channel)
	}
}

// Member is one instance's endpoint on a Hub channel. Received events are
// handed to the receive handler from the member's own goroutine, never from
// the sender's stack.
type Member struct {
	hub     *Hub
	channel string
	inbox   chan event.Event
	done    chan struct{}
	once    sync.Once

	mu sync.RWMutex
	fn ReceiveFunc
}

func (m *Member) Send(_ context.Context, evt event.Event) {
	select {
	case <-m.done:
		metrics.FabricEvents.WithLabelValues("memory", "dropped").Inc()
		return
	default:
	}

	for _, peer := range m.hub.peers(m.channel, m) {
		select {
		case peer.inbox <- evt:
			metrics.FabricEvents.WithLabelValues("memory", "sent").Inc()
		case <-peer.done:
		default:
			log.Printf("[fabric] memory: inbox full on channel=%s, dropping %s", m.channel, evt.Kind())
			metrics.FabricEvents.WithLabelValues("memory", "dropped").Inc()
		}
	}
}

func (m *Member) OnReceive(fn ReceiveFunc) {
	m.mu.Lock()
	m.fn = fn
	m.mu.Unlock()
}

// Close detaches the member from its channel and stops its receive loop.
// Events still queued in the inbox are discarded.
func (m *Member) Close() error {
	m.once.Do(func() {
		m.hub.leave(m)
		close(m.done)
	})
	return nil
}

func (m *Member) run() {
	for {
		select {
		case <-m.done:
			return
		case evt := <-m.inbox:
			m.mu.RLock()
			fn := m.fn
			m.mu.RUnlock()
			if fn != nil {
				metrics.FabricEvents.WithLabelValues("memory", "received").Inc()
				fn(evt)
			}
		}
	}
}
