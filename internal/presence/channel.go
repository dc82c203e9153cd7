package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
)

const (
	defaultRecordTTL         = 30 * time.Second
	defaultCursorInterval    = 33 * time.Millisecond
	defaultHeartbeatInterval = 10 * time.Second
)

var (
	errMissingStore  = errors.New("presence: store is required")
	errMissingRoomID = errors.New("presence: room id is required")
	noOpLogger       = zap.NewNop()
)

// ChannelConfig wires a room's presence channel.
type ChannelConfig struct {
	Store             Store
	RoomID            string
	Logger            *zap.Logger
	Clock             func() time.Time
	RecordTTL         time.Duration
	CursorInterval    time.Duration
	HeartbeatInterval time.Duration
}

// Channel publishes and observes ephemeral per-user presence state for one
// room. All writes are best effort: failures are logged and swallowed,
// never propagated, because presence is not correctness-critical and the
// write rate makes aggressive retrying wasteful.
type Channel struct {
	store             Store
	roomID            string
	logger            *zap.Logger
	clock             func() time.Time
	recordTTL         time.Duration
	heartbeatInterval time.Duration
	cursorGate        *rateGate
}

// NewChannel validates the configuration and returns a Channel.
func NewChannel(cfg ChannelConfig) (*Channel, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.RoomID == "" {
		return nil, errMissingRoomID
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	recordTTL := cfg.RecordTTL
	if recordTTL <= 0 {
		recordTTL = defaultRecordTTL
	}
	cursorInterval := cfg.CursorInterval
	if cursorInterval <= 0 {
		cursorInterval = defaultCursorInterval
	}
	heartbeatInterval := cfg.HeartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = defaultHeartbeatInterval
	}

	return &Channel{
		store:             cfg.Store,
		roomID:            cfg.RoomID,
		logger:            logger,
		clock:             clock,
		recordTTL:         recordTTL,
		heartbeatInterval: heartbeatInterval,
		cursorGate:        newRateGate(cursorInterval, clock),
	}, nil
}

func (c *Channel) recordKey(userID string) string {
	return fmt.Sprintf("rooms:%s:presence:%s", c.roomID, userID)
}

func (c *Channel) keyPattern() string {
	return fmt.Sprintf("rooms:%s:presence:*", c.roomID)
}

func (c *Channel) eventsChannel() string {
	return fmt.Sprintf("rooms:%s:presence:events", c.roomID)
}

// PublishPresence upserts the user's record and marks it online. The write
// is idempotent; repeating it refreshes the record TTL, which is what keeps
// the record alive between heartbeats. When the TTL lapses (abrupt tab
// close, network death) the store forgets the record on its own.
func (c *Channel) PublishPresence(ctx context.Context, userID, displayName, color string) {
	now := c.clock().UTC().UnixMilli()
	fields := map[string]interface{}{
		hashFieldName:     displayName,
		hashFieldColor:    color,
		hashFieldOnline:   onlineTrue,
		hashFieldLastSeen: strconv.FormatInt(now, 10),
	}
	c.writeRecord(ctx, userID, fields)
}

// PublishCursor records a pointer position, rate limited per user so fast
// mouse movement cannot amplify into unbounded store writes. Calls landing
// inside a pending window are dropped.
func (c *Channel) PublishCursor(ctx context.Context, userID string, x, y float64) {
	if !c.cursorGate.Allow(userID) {
		return
	}

	now := c.clock().UTC().UnixMilli()
	fields := map[string]interface{}{
		hashFieldCursorX:    strconv.FormatFloat(x, 'f', -1, 64),
		hashFieldCursorY:    strconv.FormatFloat(y, 'f', -1, 64),
		hashFieldCursorSeen: strconv.FormatInt(now, 10),
	}
	c.writeRecord(ctx, userID, fields)
}

// MarkOffline is the explicit sign-out path: it flips the record offline
// and removes the cursor immediately instead of waiting for the TTL.
func (c *Channel) MarkOffline(ctx context.Context, userID string) {
	key := c.recordKey(userID)
	if err := c.store.SetField(ctx, key, hashFieldOnline, onlineFalse); err != nil {
		c.logger.Warn("presence offline write failed",
			zap.String("room_id", c.roomID), zap.String("user_id", userID), zap.Error(err))
		return
	}
	if err := c.store.RemoveFields(ctx, key, hashFieldCursorX, hashFieldCursorY, hashFieldCursorSeen); err != nil {
		c.logger.Warn("presence cursor cleanup failed",
			zap.String("room_id", c.roomID), zap.String("user_id", userID), zap.Error(err))
	}
	c.cursorGate.Forget(userID)
	c.notify(ctx, userID)
}

// Snapshot reads the room's current presence set, filtered to online
// records only.
func (c *Channel) Snapshot(ctx context.Context) (map[string]Record, error) {
	hashes, err := c.store.LoadMatching(ctx, c.keyPattern())
	if err != nil {
		return nil, err
	}

	prefix := c.recordKey("")
	records := make(map[string]Record, len(hashes))
	for key, fields := range hashes {
		if len(key) <= len(prefix) {
			continue
		}
		userID := key[len(prefix):]
		records[userID] = recordFromHash(userID, fields)
	}
	return filterOnline(records), nil
}

// SubscribeAll delivers a full replace-style snapshot of the room's online
// presences on every change. A failed read degrades to an empty map rather
// than crashing the listener: "no one else is here" beats a dead overlay.
// The returned function cancels the subscription.
func (c *Channel) SubscribeAll(ctx context.Context, callback func(map[string]Record)) func() {
	deliver := func() {
		snapshot, err := c.Snapshot(ctx)
		if err != nil {
			c.logger.Warn("presence snapshot failed",
				zap.String("room_id", c.roomID), zap.Error(err))
			callback(map[string]Record{})
			return
		}
		callback(snapshot)
	}

	cancel := c.store.Subscribe(ctx, c.eventsChannel(), deliver)
	go deliver()
	return cancel
}

// StartHeartbeat re-asserts the user's full presence record every heartbeat
// interval. Writing the whole record rather than just lastSeen makes the
// heartbeat self-healing: if the TTL lapsed while writes were failing, the
// next successful beat recreates the record online instead of leaving a
// half-empty hash until the next explicit publish. The returned function
// stops the heartbeat; it is also stopped by ctx.
func (c *Channel) StartHeartbeat(ctx context.Context, userID, displayName, color string) func() {
	heartbeatCtx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(c.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatCtx.Done():
				return
			case <-ticker.C:
				c.PublishPresence(heartbeatCtx, userID, displayName, color)
			}
		}
	}()

	return cancel
}

// writeRecord performs the hash write, TTL refresh, and change
// notification shared by every presence mutation.
func (c *Channel) writeRecord(ctx context.Context, userID string, fields map[string]interface{}) {
	if err := c.store.WriteFields(ctx, c.recordKey(userID), fields, c.recordTTL); err != nil {
		c.logger.Warn("presence write failed",
			zap.String("room_id", c.roomID), zap.String("user_id", userID), zap.Error(err))
		return
	}
	c.notify(ctx, userID)
}

func (c *Channel) notify(ctx context.Context, userID string) {
	if err := c.store.Publish(ctx, c.eventsChannel(), userID); err != nil {
		c.logger.Warn("presence notify failed",
			zap.String("room_id", c.roomID), zap.String("user_id", userID), zap.Error(err))
	}
}
