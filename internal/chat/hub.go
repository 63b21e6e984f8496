package chat

import (
	"errors"
	"log"
	"sort"
	"sync"

	"github.com/whisper/roomchat/internal/clock"
	"github.com/whisper/roomchat/internal/fabric"
)

// ErrHubClosed is returned by Room after Close.
var ErrHubClosed = errors.New("chat: hub closed")

// FabricFactory opens the synchronization fabric for a room.
type FabricFactory func(room string) (fabric.Fabric, error)

type hubRoom struct {
	session *Session
	fabric  fabric.Fabric
}

// Hub owns the room instances hosted by one process, creating each on first
// use with its own fabric channel.
type Hub struct {
	cfg     Config
	clock   clock.Source
	factory FabricFactory

	mu     sync.Mutex
	rooms  map[string]*hubRoom
	closed bool
}

// NewHub creates a Hub. cfg is the template for every room; its Room field is
// overwritten per room. A nil factory hosts every room as a single instance.
func NewHub(cfg Config, src clock.Source, factory FabricFactory) *Hub {
	return &Hub{
		cfg:     cfg,
		clock:   src,
		factory: factory,
		rooms:   make(map[string]*hubRoom),
	}
}

// Room returns the session for name, creating it if needed. When the fabric
// cannot be opened the room runs as a single instance.
func (h *Hub) Room(name string) (*Session, error) {
	if err := ValidateRoomName(name); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}
	if r, ok := h.rooms[name]; ok {
		return r.session, nil
	}

	var fab fabric.Fabric = fabric.Disabled{}
	if h.factory != nil {
		f, err := h.factory(name)
		if err != nil {
			log.Printf("[chat] room=%s: fabric unavailable, running single-instance: %v", name, err)
		} else {
			fab = f
		}
	}

	cfg := h.cfg
	cfg.Room = name
	r := &hubRoom{session: NewSession(cfg, h.clock, fab), fabric: fab}
	h.rooms[name] = r
	log.Printf("[chat] room=%s opened", name)
	return r.session, nil
}

// Rooms returns the names of open rooms, sorted.
func (h *Hub) Rooms() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	names := make([]string, 0, len(h.rooms))
	for name := range h.rooms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every room and its fabric. Later calls to Room fail.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for name, r := range h.rooms {
		r.session.Close()
		if err := r.fabric.Close(); err != nil {
			log.Printf("[chat] room=%s: fabric close: %v", name, err)
		}
		delete(h.rooms, name)
	}
}
