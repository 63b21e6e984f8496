// Package clock supplies timestamps and unique identifiers to the chat core.
package clock

import (
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Source produces timestamps and opaque unique IDs.
type Source interface {
	// Now returns the current time in Unix milliseconds.
	Now() int64
	NewID() string
}

// System is the production Source backed by the wall clock and UUIDv4.
type System struct{}

func (System) Now() int64    { return time.Now().UnixMilli() }
func (System) NewID() string { return uuid.New().String() }

// Manual is a deterministic Source for tests. Each call to Now advances the
// clock by Step; IDs are sequential with an optional prefix.
type Manual struct {
	mu     sync.Mutex
	now    int64
	Step   int64
	Prefix string
	seq    int
}

// NewManual returns a Manual clock starting at start and advancing one
// millisecond per reading.
func NewManual(start int64) *Manual {
	return &Manual{now: start, Step: 1}
}

func (m *Manual) Now() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.now
	m.now += m.Step
	return t
}

func (m *Manual) NewID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	return m.Prefix + "id-" + strconv.Itoa(m.seq)
}
