package bus

import (
	"context"
	"encoding/json"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const redisChannel = "opchart.record-events"

// envelope wraps an Event with the publishing instance id so a node can
// drop its own republished events.
type envelope struct {
	Instance string `json:"instance"`
	Event    Event  `json:"event"`
}

// RedisBridge relays hub events across server instances through a redis
// pub/sub channel. Each node forwards local events outward and injects
// remote events into its local hub; remote events are delivered locally
// only, never re-forwarded.
type RedisBridge struct {
	client   *redis.Client
	hub      *Hub
	instance string
	logger   zerolog.Logger
	cancel   context.CancelFunc
}

func NewRedisBridge(redisURL string, hub *Hub, logger zerolog.Logger) (*RedisBridge, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisBridge{
		client:   client,
		hub:      hub,
		instance: uuid.New().String(),
		logger:   logger,
	}, nil
}

// Start subscribes to the shared channel and pumps remote events into the
// local hub until Stop is called.
func (b *RedisBridge) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	sub := b.client.Subscribe(ctx, redisChannel)

	go func() {
		defer sub.Close()
		for {
			msg, err := sub.ReceiveMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				b.logger.Warn().Err(err).Msg("bus: redis receive")
				continue
			}
			b.handleRemote([]byte(msg.Payload))
		}
	}()
}

// Forward implements Relay: republish a locally accepted event.
func (b *RedisBridge) Forward(event Event) {
	data, err := json.Marshal(envelope{Instance: b.instance, Event: event})
	if err != nil {
		b.logger.Error().Err(err).Msg("bus: marshal envelope")
		return
	}
	if err := b.client.Publish(context.Background(), redisChannel, data).Err(); err != nil {
		b.logger.Warn().Err(err).Msg("bus: redis publish")
	}
}

// handleRemote parses an inbound envelope and delivers it locally unless
// this node published it.
func (b *RedisBridge) handleRemote(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		b.logger.Warn().Err(err).Msg("bus: malformed remote event")
		return
	}
	if env.Instance == b.instance {
		return
	}
	b.hub.deliverLocal(env.Event)
}

// Stop tears down the subscription and closes the redis client.
func (b *RedisBridge) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.client.Close()
}

var _ Relay = (*RedisBridge)(nil)
