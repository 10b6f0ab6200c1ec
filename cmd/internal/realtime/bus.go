package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	v1 "echostream/contracts/realtime/v1"

	"github.com/redis/go-redis/v9"
)

// Bus carries room fanout between gateway instances.
// Publish must eventually deliver env to every local member of room key.
type Bus interface {
	Publish(ctx context.Context, key string, env v1.Envelope) error
}

// LocalBus delivers straight to the in-process hub. Single-instance deployments.
type LocalBus struct {
	hub     *Hub
	metrics *Metrics
}

// NewLocalBus constructs a LocalBus over hub.
func NewLocalBus(hub *Hub, metrics *Metrics) *LocalBus {
	return &LocalBus{hub: hub, metrics: metrics}
}

// Publish implements Bus.
func (b *LocalBus) Publish(_ context.Context, key string, env v1.Envelope) error {
	delivered, dropped := b.hub.Broadcast(key, env)
	b.metrics.fanout(delivered, dropped)
	return nil
}

// RedisBus fans out through Redis pub/sub so every instance reaches its own members.
// Each room maps to channel prefix+key; one pattern subscription per instance
// delivers everything, including this instance's own publishes.
type RedisBus struct {
	log     *slog.Logger
	rdb     *redis.Client
	hub     *Hub
	prefix  string
	metrics *Metrics
}

// NewRedisBus constructs a RedisBus. Run must be started for deliveries to happen.
func NewRedisBus(log *slog.Logger, rdb *redis.Client, hub *Hub, prefix string, metrics *Metrics) (*RedisBus, error) {
	if rdb == nil {
		return nil, errors.New("realtime: redis client is required")
	}
	if hub == nil {
		return nil, errors.New("realtime: hub is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(prefix) == "" {
		prefix = "echostream:room:"
	}
	return &RedisBus{log: log, rdb: rdb, hub: hub, prefix: prefix, metrics: metrics}, nil
}

// Publish implements Bus.
func (b *RedisBus) Publish(ctx context.Context, key string, env v1.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.prefix+key, data).Err()
}

// Run subscribes to all room channels and delivers to the local hub until ctx ends.
func (b *RedisBus) Run(ctx context.Context) error {
	sub := b.rdb.PSubscribe(ctx, b.prefix+"*")
	defer func() { _ = sub.Close() }()

	// Wait for the subscription confirmation so early publishes are not lost.
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	b.log.Info("bus.redis.subscribed", "pattern", b.prefix+"*")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			b.deliver(msg.Channel, []byte(msg.Payload))
		}
	}
}

func (b *RedisBus) deliver(channel string, data []byte) {
	key := strings.TrimPrefix(channel, b.prefix)
	if key == channel {
		return
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.log.Warn("bus.redis.decode.fail", "channel", channel, "err", err)
		return
	}
	delivered, dropped := b.hub.Broadcast(key, env)
	b.metrics.fanout(delivered, dropped)
}
