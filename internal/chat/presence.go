package chat

import (
	"sync"

	"github.com/whisper/roomchat/internal/event"
)

// Presence is the set of users currently joined to a room. Usernames are
// matched exactly (case-sensitive).
type Presence struct {
	typing *Typing

	mu    sync.RWMutex
	users map[string]struct{}
	order []string // join order
}

// NewPresence creates an empty presence set. Leaving users have their typing
// entry cleared in typing.
func NewPresence(typing *Typing) *Presence {
	return &Presence{
		typing: typing,
		users:  make(map[string]struct{}),
	}
}

// Join adds username. It reports false when the user was already present, in
// which case no event should be emitted.
func (p *Presence) Join(username string, ts int64) (event.UserJoined, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.users[username]; ok {
		return event.UserJoined{}, false
	}
	p.users[username] = struct{}{}
	p.order = append(p.order, username)
	return event.UserJoined{Username: username, Timestamp: ts}, true
}

// Leave removes username and silently clears its typing entry. It reports
// false when the user was not present.
func (p *Presence) Leave(username string, ts int64) (event.UserLeft, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.users[username]; !ok {
		return event.UserLeft{}, false
	}
	delete(p.users, username)
	for i, u := range p.order {
		if u == username {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	if p.typing != nil {
		p.typing.Clear(username)
	}
	return event.UserLeft{Username: username, Timestamp: ts}, true
}

// Has reports whether username is present.
func (p *Presence) Has(username string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.users[username]
	return ok
}

// Len returns the number of present users.
func (p *Presence) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.users)
}

// Snapshot returns present usernames in join order.
func (p *Presence) Snapshot() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append(make([]string, 0, len(p.order)), p.order...)
}
