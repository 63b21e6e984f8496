package fabric

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/roomchat/internal/event"
	"github.com/whisper/roomchat/internal/metrics"
)

// RedisPrefix is the Redis PUB/SUB channel prefix for room fabric traffic.
const RedisPrefix = "room:"

// Redis is a Fabric over a Redis PUB/SUB channel. Like NATS, Redis echoes a
// publisher's own messages to its subscriptions, so envelopes carry the
// instance ID.
type Redis struct {
	client  redis.UniversalClient
	pubsub  *redis.PubSub
	channel string
	self    string
	done    chan struct{}
	once    sync.Once

	mu sync.RWMutex
	fn ReceiveFunc
}

// NewRedis subscribes instanceID to channel and starts the receive loop.
func NewRedis(ctx context.Context, client redis.UniversalClient, channel, instanceID string) (*Redis, error) {
	pubsub := client.Subscribe(ctx, RedisPrefix+channel)
	// Wait for the subscription confirmation so early publishes are not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("fabric: redis subscribe %s: %w", channel, err)
	}

	f := &Redis{
		client:  client,
		pubsub:  pubsub,
		channel: channel,
		self:    instanceID,
		done:    make(chan struct{}),
	}
	go f.run(pubsub.Channel())
	return f, nil
}

func (f *Redis) Send(ctx context.Context, evt event.Event) {
	data, err := Encode(f.self, evt)
	if err != nil {
		log.Printf("[fabric] redis: %v", err)
		metrics.FabricEvents.WithLabelValues("redis", "dropped").Inc()
		return
	}
	if err := f.client.Publish(ctx, RedisPrefix+f.channel, data).Err(); err != nil {
		log.Printf("[fabric] redis: publish channel=%s kind=%s: %v (dropped)", f.channel, evt.Kind(), err)
		metrics.FabricEvents.WithLabelValues("redis", "dropped").Inc()
		return
	}
	metrics.FabricEvents.WithLabelValues("redis", "sent").Inc()
}

func (f *Redis) OnReceive(fn ReceiveFunc) {
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
}

// Close unsubscribes and waits for the receive loop to exit.
func (f *Redis) Close() error {
	var err error
	f.once.Do(func() {
		err = f.pubsub.Close()
		<-f.done
	})
	return err
}

func (f *Redis) run(ch <-chan *redis.Message) {
	defer close(f.done)
	for msg := range ch {
		f.mu.RLock()
		fn := f.fn
		f.mu.RUnlock()
		dispatch("redis", f.self, []byte(msg.Payload), fn)
	}
}
