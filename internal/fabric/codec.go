package fabric

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/whisper/roomchat/internal/event"
)

// envelope is the msgpack frame carried by network transports. Origin is the
// sending instance's ID and is used to discard our own echoes.
type envelope struct {
	Origin  string             `msgpack:"origin"`
	Kind    string             `msgpack:"kind"`
	Payload msgpack.RawMessage `msgpack:"payload"`
}

// Encode wraps evt in an envelope stamped with origin.
func Encode(origin string, evt event.Event) ([]byte, error) {
	if evt == nil || !evt.Kind().Valid() {
		return nil, fmt.Errorf("fabric: encode: invalid event %v", evt)
	}
	payload, err := msgpack.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("fabric: encode %s payload: %w", evt.Kind(), err)
	}
	data, err := msgpack.Marshal(envelope{
		Origin:  origin,
		Kind:    evt.Kind().String(),
		Payload: payload,
	})
	if err != nil {
		return nil, fmt.Errorf("fabric: encode envelope: %w", err)
	}
	return data, nil
}

// Decode unwraps an envelope produced by Encode.
func Decode(data []byte) (string, event.Event, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("fabric: decode envelope: %w", err)
	}
	kind, err := event.ParseKind(env.Kind)
	if err != nil {
		return env.Origin, nil, fmt.Errorf("fabric: decode: %w", err)
	}

	var evt event.Event
	switch kind {
	case event.KindMessage:
		var m event.Message
		err = msgpack.Unmarshal(env.Payload, &m)
		evt = m
	case event.KindTypingStart:
		var m event.TypingStart
		err = msgpack.Unmarshal(env.Payload, &m)
		evt = m
	case event.KindTypingStop:
		var m event.TypingStop
		err = msgpack.Unmarshal(env.Payload, &m)
		evt = m
	case event.KindUserJoined:
		var m event.UserJoined
		err = msgpack.Unmarshal(env.Payload, &m)
		evt = m
	case event.KindUserLeft:
		var m event.UserLeft
		err = msgpack.Unmarshal(env.Payload, &m)
		evt = m
	}
	if err != nil {
		return env.Origin, nil, fmt.Errorf("fabric: decode %q payload: %w", env.Kind, err)
	}
	return env.Origin, evt, nil
}
