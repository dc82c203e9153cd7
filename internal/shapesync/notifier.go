package shapesync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ShapeEvent is the lightweight change notification fanned out to every
// client in a room after a durable shape write. Listeners re-read the
// authoritative row; the event itself only carries what echo suppression
// and deletion handling need.
type ShapeEvent struct {
	ShapeID         string `json:"shape_id"`
	OriginSession   string `json:"origin_session"`
	UpdatedAtMillis int64  `json:"updated_at_ms"`
	Deleted         bool   `json:"deleted,omitempty"`
}

// Notifier fans shape change notifications out to the room.
type Notifier interface {
	PublishShapeEvent(ctx context.Context, event ShapeEvent) error
	SubscribeShapeEvents(ctx context.Context, callback func(ShapeEvent)) (func(), error)
}

// RedisNotifier implements Notifier over a Redis pub/sub channel per room.
type RedisNotifier struct {
	client redis.UniversalClient
	roomID string
	logger *zap.Logger
}

// NewRedisNotifier returns a notifier bound to one room's event channel.
func NewRedisNotifier(client redis.UniversalClient, roomID string, logger *zap.Logger) *RedisNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisNotifier{client: client, roomID: roomID, logger: logger}
}

func (n *RedisNotifier) channelName() string {
	return fmt.Sprintf("rooms:%s:shapes:events", n.roomID)
}

// PublishShapeEvent broadcasts one change notification.
func (n *RedisNotifier) PublishShapeEvent(ctx context.Context, event ShapeEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("shapesync: encode event: %w", err)
	}
	if err := n.client.Publish(ctx, n.channelName(), payload).Err(); err != nil {
		return fmt.Errorf("shapesync: publish event: %w", err)
	}
	return nil
}

// SubscribeShapeEvents delivers every decodable notification for the room.
// A malformed payload is logged and skipped; one bad message must not kill
// the listener for everyone else's edits.
func (n *RedisNotifier) SubscribeShapeEvents(ctx context.Context, callback func(ShapeEvent)) (func(), error) {
	subscription := n.client.Subscribe(ctx, n.channelName())

	go func() {
		for message := range subscription.Channel() {
			var event ShapeEvent
			if err := json.Unmarshal([]byte(message.Payload), &event); err != nil {
				n.logger.Warn("malformed shape event skipped",
					zap.String("room_id", n.roomID), zap.Error(err))
				continue
			}
			callback(event)
		}
	}()

	cancel := func() {
		if err := subscription.Close(); err != nil {
			n.logger.Warn("shape event unsubscribe failed",
				zap.String("room_id", n.roomID), zap.Error(err))
		}
	}
	return cancel, nil
}
