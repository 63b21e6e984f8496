// Package fabric mirrors room events across independent instances of the same
// room. A Fabric never delivers an event back to the instance that sent it and
// never fails a send: when the transport is unavailable events are dropped and
// the room keeps working as a single instance.
package fabric

import (
	"context"
	"log"

	"github.com/whisper/roomchat/internal/event"
	"github.com/whisper/roomchat/internal/metrics"
)

// ReceiveFunc is invoked once per event arriving from another instance.
type ReceiveFunc func(event.Event)

// Fabric is the cross-instance broadcast transport for one logical channel.
type Fabric interface {
	// Send transmits evt to every other instance on the channel. Failures are
	// logged and dropped.
	Send(ctx context.Context, evt event.Event)

	// OnReceive installs the handler for events from other instances,
	// replacing any previous handler.
	OnReceive(fn ReceiveFunc)

	Close() error
}

// Disabled is a Fabric whose transport is unavailable. Sends are dropped and
// nothing is ever received.
type Disabled struct{}

func (Disabled) Send(context.Context, event.Event) {
	metrics.FabricEvents.WithLabelValues("disabled", "dropped").Inc()
}

func (Disabled) OnReceive(ReceiveFunc) {}

func (Disabled) Close() error { return nil }

// dispatch decodes an envelope received from a network transport and hands it
// to fn unless it was sent by this instance.
func dispatch(transport, self string, data []byte, fn ReceiveFunc) {
	origin, evt, err := Decode(data)
	if err != nil {
		log.Printf("[fabric] %s: dropping undecodable envelope: %v", transport, err)
		metrics.FabricEvents.WithLabelValues(transport, "dropped").Inc()
		return
	}
	if origin == self {
		metrics.FabricEvents.WithLabelValues(transport, "echo").Inc()
		return
	}
	if fn == nil {
		return
	}
	metrics.FabricEvents.WithLabelValues(transport, "received").Inc()
	fn(evt)
}
