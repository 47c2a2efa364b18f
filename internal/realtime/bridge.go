package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/ledgerly/model"
)

// PubSubClient is the subset of the Redis client used by the bridge.
type PubSubClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// wireEvent carries an event between instances. Target is not part of the
// event's JSON form, so it travels alongside.
type wireEvent struct {
	Event  *model.Event `json:"event"`
	Target string       `json:"target,omitempty"`
}

// RedisBridge relays events through a Redis channel so that the hub of
// every instance delivers them to its own subscribers.
type RedisBridge struct {
	client  PubSubClient
	channel string
	hub     *Hub
	logger  *zap.Logger
}

// NewRedisBridge creates a bridge relaying into hub.
func NewRedisBridge(client PubSubClient, channel string, hub *Hub, logger *zap.Logger) *RedisBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBridge{client: client, channel: channel, hub: hub, logger: logger}
}

// Publish sends ev to every instance. When Redis is unreachable the event
// is delivered to local subscribers only.
func (b *RedisBridge) Publish(ctx context.Context, ev *model.Event) {
	payload, err := json.Marshal(wireEvent{Event: ev, Target: ev.Target})
	if err == nil {
		err = b.client.Publish(ctx, b.channel, payload).Err()
	}
	if err != nil {
		b.logger.Warn("realtime bridge publish failed, delivering locally",
			zap.String("channel", b.channel),
			zap.String("record_id", ev.RecordID),
			zap.Error(err),
		)
		b.hub.Publish(ctx, ev)
	}
}

// Run subscribes to the channel and feeds received events to the hub until
// ctx is cancelled.
func (b *RedisBridge) Run(ctx context.Context) error {
	ps := b.client.Subscribe(ctx, b.channel)
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	b.logger.Info("realtime bridge subscribed", zap.String("channel", b.channel))

	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var w wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &w); err != nil || w.Event == nil {
				b.logger.Warn("realtime bridge dropped malformed message",
					zap.String("channel", msg.Channel),
					zap.Error(err),
				)
				continue
			}
			w.Event.Target = w.Target
			b.hub.Publish(ctx, w.Event)
		}
	}
}
