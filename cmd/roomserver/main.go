package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sourcegraph/conc"

	"github.com/whisper/roomchat/internal/bus"
	"github.com/whisper/roomchat/internal/chat"
	"github.com/whisper/roomchat/internal/clock"
	"github.com/whisper/roomchat/internal/config"
	"github.com/whisper/roomchat/internal/fabric"
	"github.com/whisper/roomchat/internal/messaging"
	"github.com/whisper/roomchat/internal/ratelimit"
	"github.com/whisper/roomchat/internal/ws"
)

const maxRetryInterval = 5 * time.Second

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	instanceID := cfg.InstanceID
	if instanceID == "" {
		host, _ := os.Hostname()
		instanceID = host + "-" + uuid.New().String()[:8]
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("Roomchat server starting")
	log.Printf("  listen_addr:     %s", cfg.Server.ListenAddr)
	log.Printf("  instance_id:     %s", instanceID)
	log.Printf("  fabric:          %s", cfg.Fabric)
	log.Printf("  default_room:    %s", cfg.Room.Default)
	log.Printf("  bus_delay:       %s", cfg.Room.BusDelay)
	log.Printf("  max_connections: %d", cfg.Server.MaxConnections)

	// --- Redis (fabric and/or shared rate limits) ---
	var redisClient *redis.Client
	if cfg.Fabric == config.FabricRedis || cfg.Redis.RateLimit {
		redisClient, err = connectRedis(ctx, cfg)
		if err != nil {
			log.Printf("redis unavailable, continuing without it: %v", err)
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	// --- NATS ---
	var natsClient *messaging.NATSClient
	if cfg.Fabric == config.FabricNATS {
		natsConfig := messaging.DefaultNATSConfig()
		natsConfig.URL = cfg.NATS.URL
		natsConfig.Name = "roomchat-" + instanceID
		natsClient, err = retry(ctx, "nats", cfg.ConnectTimeout, func(context.Context) (*messaging.NATSClient, error) {
			return messaging.NewNATSClient(natsConfig)
		})
		if err != nil {
			log.Printf("nats unavailable, continuing without it: %v", err)
			natsClient = nil
		} else {
			defer natsClient.Close()
		}
	}

	factory := fabricFactory(cfg.Fabric, instanceID, natsClient, redisClient)
	if factory == nil && cfg.Fabric != config.FabricNone {
		log.Printf("fabric %s unavailable: rooms run single-instance", cfg.Fabric)
	}

	roomCfg := chat.Config{
		Bus:               bus.Config{Delay: cfg.Room.BusDelay},
		ValidateUsernames: cfg.Room.ValidateUsernames,
	}
	hub := chat.NewHub(roomCfg, clock.System{}, factory)
	defer hub.Close()

	var limiter *ratelimit.Limiter
	if redisClient != nil && cfg.Redis.RateLimit {
		limiter = ratelimit.NewLimiter(redisClient)
	}

	rooms := ws.NewRoomHandler(ws.RoomConfig{
		DefaultRoom:     cfg.Room.Default,
		TypingPerSecond: cfg.Room.TypingPerSecond,
		TypingBurst:     cfg.Room.TypingBurst,
		OpTimeout:       3 * time.Second,
		ScreenMessages:  cfg.Room.ScreenMessages,
		BlockedTerms:    cfg.Room.BlockedTerms,
	}, hub, limiter)
	dispatcher := ws.NewMessageDispatcher()
	rooms.Register(dispatcher)

	server := ws.NewServer(ws.ServerConfig{
		ListenAddr:     cfg.Server.ListenAddr,
		WorkerPoolSize: cfg.Server.WorkerPoolSize,
		MaxConnections: cfg.Server.MaxConnections,
		WriteTimeout:   cfg.Server.WriteTimeout,
		TrustProxy:     cfg.Server.TrustProxy,
		Heartbeat: ws.HeartbeatConfig{
			Interval: cfg.Server.HeartbeatInterval,
			Timeout:  cfg.Server.HeartbeatTimeout,
		},
	}, dispatcher.Dispatch)
	server.SetOnDisconnect(rooms.OnDisconnect)
	server.SetLimiter(limiter)

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := server.Start(); err != nil {
			log.Printf("server: %v", err)
			stop()
		}
	})

	<-ctx.Done()
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown: %v", err)
	}
	lifecycle.Wait()
	log.Printf("Roomchat server stopped")
}

// fabricFactory returns the per-room fabric constructor for transport, or nil
// when the transport is disabled or its client could not be connected.
func fabricFactory(transport, instanceID string, nc *messaging.NATSClient, rc *redis.Client) chat.FabricFactory {
	switch {
	case transport == config.FabricNATS && nc != nil:
		return func(room string) (fabric.Fabric, error) {
			return fabric.NewNATS(nc, room, instanceID+"/"+room)
		}
	case transport == config.FabricRedis && rc != nil:
		return func(room string) (fabric.Fabric, error) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return fabric.NewRedis(ctx, rc, room, instanceID+"/"+room)
		}
	}
	return nil
}

func connectRedis(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	_, err := retry(ctx, "redis", cfg.ConnectTimeout, func(ctx context.Context) (string, error) {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		return client.Ping(pingCtx).Result()
	})
	if err != nil {
		client.Close()
		return nil, err
	}
	log.Printf("[redis] connected to %s", cfg.Redis.Addr)
	return client, nil
}

// retry calls connect with exponential backoff until it succeeds, ctx ends or
// the next attempt would start after timeout.
func retry[T any](ctx context.Context, what string, timeout time.Duration, connect func(context.Context) (T, error)) (T, error) {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxRetryInterval
	deadline := time.Now().Add(timeout)

	for {
		v, err := connect(ctx)
		if err == nil {
			return v, nil
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop || time.Now().Add(sleep).After(deadline) {
			var zero T
			return zero, fmt.Errorf("%s: giving up: %w", what, err)
		}
		log.Printf("[%s] connect failed, retrying in %s: %v", what, sleep.Round(time.Millisecond), err)

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-time.After(sleep):
		}
	}
}
