package fabric

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/whisper/roomchat/internal/event"
	"github.com/whisper/roomchat/internal/metrics"
)

// RoomBroker is the subset of messaging.NATSClient used by the NATS fabric.
type RoomBroker interface {
	PublishRoomEvent(channel string, data []byte) error
	SubscribeRoom(channel, key string, handler func(data []byte)) error
	UnsubscribeRoom(key string) error
}

// NATS is a Fabric over a NATS subject. NATS delivers a publisher's own
// messages back to it, so envelopes are stamped with the instance ID and
// self-sent ones are discarded on receipt.
type NATS struct {
	broker  RoomBroker
	channel string
	self    string

	mu sync.RWMutex
	fn ReceiveFunc
}

// NewNATS subscribes instanceID to channel on broker. instanceID must be
// unique per room instance.
func NewNATS(broker RoomBroker, channel, instanceID string) (*NATS, error) {
	f := &NATS{broker: broker, channel: channel, self: instanceID}
	if err := broker.SubscribeRoom(channel, instanceID, f.receive); err != nil {
		return nil, fmt.Errorf("fabric: nats subscribe %s: %w", channel, err)
	}
	return f, nil
}

func (f *NATS) Send(_ context.Context, evt event.Event) {
	data, err := Encode(f.self, evt)
	if err != nil {
		log.Printf("[fabric] nats: %v", err)
		metrics.FabricEvents.WithLabelValues("nats", "dropped").Inc()
		return
	}
	if err := f.broker.PublishRoomEvent(f.channel, data); err != nil {
		log.Printf("[fabric] nats: publish channel=%s kind=%s: %v (dropped)", f.channel, evt.Kind(), err)
		metrics.FabricEvents.WithLabelValues("nats", "dropped").Inc()
		return
	}
	metrics.FabricEvents.WithLabelValues("nats", "sent").Inc()
}

func (f *NATS) OnReceive(fn ReceiveFunc) {
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
}

func (f *NATS) Close() error {
	return f.broker.UnsubscribeRoom(f.self)
}

func (f *NATS) receive(data []byte) {
	f.mu.RLock()
	fn := f.fn
	f.mu.RUnlock()
	dispatch("nats", f.self, data, fn)
}
