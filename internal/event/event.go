// Package event defines the domain events emitted by a chat room. Each kind
// has its own payload struct; Event is the sealed union over them.
package event

import "fmt"

// Kind identifies the category of a room event.
type Kind uint8

const (
	KindMessage Kind = iota + 1
	KindTypingStart
	KindTypingStop
	KindUserJoined
	KindUserLeft
)

// Kinds lists every valid kind in declaration order.
var Kinds = []Kind{KindMessage, KindTypingStart, KindTypingStop, KindUserJoined, KindUserLeft}

var kindNames = map[Kind]string{
	KindMessage:     "message",
	KindTypingStart: "typing",
	KindTypingStop:  "stop-typing",
	KindUserJoined:  "user-joined",
	KindUserLeft:    "user-left",
}

// String returns the wire name of the kind.
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is one of the five known kinds.
func (k Kind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// ParseKind maps a wire name back to its Kind.
func ParseKind(name string) (Kind, error) {
	for k, n := range kindNames {
		if n == name {
			return k, nil
		}
	}
	return 0, fmt.Errorf("event: unknown kind %q", name)
}

// Event is implemented by the five payload types below and nothing else.
type Event interface {
	Kind() Kind
	// Time is the Unix millisecond timestamp the event was created at.
	Time() int64
	isEvent()
}

// Message is emitted when a chat message is appended to the log.
type Message struct {
	ID        string `json:"id" msgpack:"id"`
	Username  string `json:"username" msgpack:"username"`
	Body      string `json:"body" msgpack:"body"`
	Timestamp int64  `json:"timestamp" msgpack:"timestamp"`
}

// TypingStart carries the latest preview of what a user is typing. It is
// re-emitted on every keystroke.
type TypingStart struct {
	Username  string `json:"username" msgpack:"username"`
	Content   string `json:"content" msgpack:"content"`
	Timestamp int64  `json:"timestamp" msgpack:"timestamp"`
}

// TypingStop is emitted when a user's typing indicator is cleared.
type TypingStop struct {
	Username  string `json:"username" msgpack:"username"`
	Timestamp int64  `json:"timestamp" msgpack:"timestamp"`
}

// UserJoined is emitted when a user enters the presence set.
type UserJoined struct {
	Username  string `json:"username" msgpack:"username"`
	Timestamp int64  `json:"timestamp" msgpack:"timestamp"`
}

// UserLeft is emitted when a user leaves the presence set.
type UserLeft struct {
	Username  string `json:"username" msgpack:"username"`
	Timestamp int64  `json:"timestamp" msgpack:"timestamp"`
}

func (Message) Kind() Kind     { return KindMessage }
func (TypingStart) Kind() Kind { return KindTypingStart }
func (TypingStop) Kind() Kind  { return KindTypingStop }
func (UserJoined) Kind() Kind  { return KindUserJoined }
func (UserLeft) Kind() Kind    { return KindUserLeft }

func (e Message) Time() int64     { return e.Timestamp }
func (e TypingStart) Time() int64 { return e.Timestamp }
func (e TypingStop) Time() int64  { return e.Timestamp }
func (e UserJoined) Time() int64  { return e.Timestamp }
func (e UserLeft) Time() int64    { return e.Timestamp }

func (Message) isEvent()     {}
func (TypingStart) isEvent() {}
func (TypingStop) isEvent()  {}
func (UserJoined) isEvent()  {}
func (UserLeft) isEvent()    {}

// Username returns the user an event is about. Every kind carries one.
func Username(e Event) string {
	switch v := e.(type) {
	case Message:
		return v.Username
	case TypingStart:
		return v.Username
	case TypingStop:
		return v.Username
	case UserJoined:
		return v.Username
	case UserLeft:
		return v.Username
	}
	return ""
}
