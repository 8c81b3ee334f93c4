// Package bus fans live events out across server instances over redis
// Pub/Sub. Every instance publishes to one channel and forwards what it
// receives to its local hub.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"snagline/internal/logger"
	"snagline/internal/realtime"
)

const DefaultChannel = "snagline:live"

// Envelope is the wire form on the channel. An empty UserID means broadcast.
type Envelope struct {
	UserID string         `json:"user_id,omitempty"`
	Event  realtime.Event `json:"event"`
}

type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	StartForwarder(ctx context.Context, onMsg func(env Envelope)) error
	Close() error
}

type redisBus struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
}

// NewRedisBus connects to url and verifies the connection with a ping.
func NewRedisBus(log *logger.Logger, url, channel string) (Bus, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, fmt.Errorf("missing redis url")
	}
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = DefaultChannel
	}

	rdb := goredis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &redisBus{
		log:     log.With("service", "RedisLiveBus"),
		rdb:     rdb,
		channel: channel,
	}, nil
}

func (b *redisBus) Publish(ctx context.Context, env Envelope) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("redis live bus not initialized")
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

// StartForwarder subscribes and returns once the subscription is live.
// Messages are handed to onMsg until ctx is done.
func (b *redisBus) StartForwarder(ctx context.Context, onMsg func(env Envelope)) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("redis live bus not initialized")
	}
	if onMsg == nil {
		return fmt.Errorf("onMsg callback required")
	}

	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(m.Payload), &env); err != nil {
					b.log.Warn("bad live bus payload", "error", err)
					continue
				}
				onMsg(env)
			}
		}
	}()

	return nil
}

func (b *redisBus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}

// Publisher routes live events through a Bus. When publishing fails the
// event is delivered to the local hub so this instance's sessions still
// see it.
type Publisher struct {
	Bus   Bus
	Local realtime.Publisher
	Log   *logger.Logger
}

func (p Publisher) BroadcastAll(ctx context.Context, evt realtime.Event) {
	p.publish(ctx, Envelope{Event: evt})
}

func (p Publisher) SendToUser(ctx context.Context, userID string, evt realtime.Event) {
	p.publish(ctx, Envelope{UserID: userID, Event: evt})
}

func (p Publisher) publish(ctx context.Context, env Envelope) {
	err := p.Bus.Publish(context.WithoutCancel(ctx), env)
	if err == nil {
		return
	}
	if p.Log != nil {
		p.Log.Warn("live bus publish failed, delivering locally", "type", env.Event.Type, "error", err)
	}
	Deliver(ctx, p.Local, env)
}

// Deliver hands env to a local publisher. Used as the forwarder callback.
func Deliver(ctx context.Context, local realtime.Publisher, env Envelope) {
	if local == nil {
		return
	}
	if env.UserID == "" {
		local.BroadcastAll(ctx, env.Event)
		return
	}
	local.SendToUser(ctx, env.UserID, env.Event)
}
