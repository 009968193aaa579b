// Package redisrelay bridges stream brokers of several API instances over
// redis pub/sub, so a client connected to any instance sees every event of
// its session.
package redisrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/chatsql/chatsql/internal/observability"
	"github.com/chatsql/chatsql/internal/stream"
)

const (
	DefaultChannelPrefix = "chatsql:stream:"
	defaultOutbox        = 1024
)

type Config struct {
	Addr          string
	Password      string
	DB            int
	ChannelPrefix string
}

func NewClient(cfg Config) (*redis.Client, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("redis addr required")
	}
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), nil
}

// Relay forwards locally originated events to redis and re-publishes events
// of other instances into the local broker.
type Relay struct {
	client *redis.Client
	broker *stream.Broker
	prefix string
	logger *slog.Logger
	outbox chan stream.Event
	ready  chan struct{}
}

func New(client *redis.Client, broker *stream.Broker, prefix string, logger *slog.Logger) *Relay {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Relay{
		client: client,
		broker: broker,
		prefix: prefix,
		logger: logger,
		outbox: make(chan stream.Event, defaultOutbox),
		ready:  make(chan struct{}),
	}
	broker.SetForwarder(r)
	return r
}

// Forward queues an event for redis. A full outbox sheds the event; remote
// subscribers recover through the persisted record.
func (r *Relay) Forward(event stream.Event) {
	select {
	case r.outbox <- event:
	default:
		observability.IncrementRelayEvents("dropped")
	}
}

// Ready is closed once the redis subscription is confirmed.
func (r *Relay) Ready() <-chan struct{} {
	return r.ready
}

// Run blocks until ctx is done or the subscription fails.
func (r *Relay) Run(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, r.prefix+"*")
	defer func() { _ = pubsub.Close() }()
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe redis relay: %w", err)
	}
	close(r.ready)
	r.logger.Info("stream relay subscribed", "pattern", r.prefix+"*", "origin", r.broker.ID())

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case event := <-r.outbox:
				r.publish(groupCtx, event)
			}
		}
	})
	group.Go(func() error {
		messages := pubsub.Channel()
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case msg, ok := <-messages:
				if !ok {
					return errors.New("redis relay subscription closed")
				}
				r.deliver(msg.Payload)
			}
		}
	})
	return group.Wait()
}

func (r *Relay) publish(ctx context.Context, event stream.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		r.logger.Warn("encode relay event failed", "error", err, "session_id", event.SessionID)
		return
	}
	if err := r.client.Publish(ctx, r.prefix+event.SessionID, payload).Err(); err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("publish relay event failed", "error", err, "session_id", event.SessionID)
		}
		return
	}
	observability.IncrementRelayEvents("out")
}

func (r *Relay) deliver(payload string) {
	var event stream.Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		r.logger.Warn("decode relay event failed", "error", err)
		return
	}
	if event.Origin == "" || event.Origin == r.broker.ID() {
		return
	}
	r.broker.Publish(event)
	observability.IncrementRelayEvents("in")
}
