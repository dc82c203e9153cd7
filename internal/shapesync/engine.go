package shapesync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/LumeboardHQ/lumeboard/internal/canvas"
	"github.com/LumeboardHQ/lumeboard/internal/store"
)

const (
	defaultDebounceInterval = 300 * time.Millisecond
	defaultRetryInitial     = 100 * time.Millisecond
	defaultMaxRetries       = 5
)

var (
	errMissingStore    = errors.New("shapesync: shape store is required")
	errMissingNotifier = errors.New("shapesync: notifier is required")
	errMissingDocument = errors.New("shapesync: document is required")
	errMissingSession  = errors.New("shapesync: session id is required")
	noOpLogger         = zap.NewNop()
)

// ShapeStore is the durable store surface the engine depends on.
type ShapeStore interface {
	UpsertShape(ctx context.Context, record store.ShapeRecord) (bool, error)
	GetShape(ctx context.Context, roomID store.RoomID, shapeID string) (store.ShapeRecord, error)
	ListShapes(ctx context.Context, roomID store.RoomID) ([]store.ShapeRecord, error)
	DeleteShape(ctx context.Context, roomID store.RoomID, shapeID string) error
}

// EngineConfig wires a room's shape sync engine.
type EngineConfig struct {
	Store            ShapeStore
	Notifier         Notifier
	Document         *canvas.Document
	RoomID           store.RoomID
	UserID           store.UserID
	SessionID        string
	DebounceInterval time.Duration
	RetryInitial     time.Duration
	MaxRetries       uint64
	Clock            func() time.Time
	Logger           *zap.Logger
}

// Engine mirrors the local document's shape set into the durable per-room
// collection and applies remote changes back, suppressing the echo of its
// own writes.
type Engine struct {
	store            ShapeStore
	notifier         Notifier
	document         *canvas.Document
	roomID           store.RoomID
	userID           store.UserID
	sessionID        string
	debounceInterval time.Duration
	retryInitial     time.Duration
	maxRetries       uint64
	clock            func() time.Time
	logger           *zap.Logger
}

// NewEngine validates the configuration and returns an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Notifier == nil {
		return nil, errMissingNotifier
	}
	if cfg.Document == nil {
		return nil, errMissingDocument
	}
	if cfg.SessionID == "" {
		return nil, errMissingSession
	}

	debounceInterval := cfg.DebounceInterval
	if debounceInterval <= 0 {
		debounceInterval = defaultDebounceInterval
	}
	retryInitial := cfg.RetryInitial
	if retryInitial <= 0 {
		retryInitial = defaultRetryInitial
	}
	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Engine{
		store:            cfg.Store,
		notifier:         cfg.Notifier,
		document:         cfg.Document,
		roomID:           cfg.RoomID,
		userID:           cfg.UserID,
		sessionID:        cfg.SessionID,
		debounceInterval: debounceInterval,
		retryInitial:     retryInitial,
		maxRetries:       maxRetries,
		clock:            clock,
		logger:           logger,
	}, nil
}

// Session is one running sync subscription pair. Pause and Resume gate
// forwarding in both directions without tearing anything down; Stop tears
// the session down for good.
type Session struct {
	engine *Engine
	ctx    context.Context

	paused  atomic.Bool
	stopped atomic.Bool

	mu       sync.Mutex
	timers   map[string]*time.Timer
	lastSent map[string]int64

	unsubscribeDoc    func()
	unsubscribeEvents func()
}

// Start hydrates the document from the durable store, then begins
// forwarding local mutations outward and remote notifications inward.
func (e *Engine) Start(ctx context.Context) (*Session, error) {
	session := &Session{
		engine:   e,
		ctx:      ctx,
		timers:   make(map[string]*time.Timer),
		lastSent: make(map[string]int64),
	}

	records, err := e.store.ListShapes(ctx, e.roomID)
	if err != nil {
		return nil, fmt.Errorf("shapesync: initial load: %w", err)
	}
	for _, record := range records {
		if applyErr := e.document.Apply(canvas.OriginRemote, shapeFromRecord(record)); applyErr != nil {
			e.logger.Warn("malformed stored shape skipped",
				zap.String("room_id", e.roomID.String()),
				zap.String("shape_id", record.ShapeID),
				zap.Error(applyErr))
		}
	}

	unsubscribeEvents, err := e.notifier.SubscribeShapeEvents(ctx, session.handleRemoteEvent)
	if err != nil {
		return nil, fmt.Errorf("shapesync: subscribe events: %w", err)
	}
	session.unsubscribeEvents = unsubscribeEvents
	session.unsubscribeDoc = e.document.Subscribe(session.handleLocalMutation)

	e.logger.Info("shape sync started",
		zap.String("room_id", e.roomID.String()),
		zap.String("session_id", e.sessionID),
		zap.Int("hydrated_shapes", len(records)))
	return session, nil
}

// Pause stops forwarding in both directions. Subscriptions stay alive so
// Resume is instant; a restore uses this to swap the whole document
// without rebroadcasting it shape by shape.
func (s *Session) Pause() {
	s.paused.Store(true)
}

// Resume re-enables forwarding in both directions.
func (s *Session) Resume() {
	s.paused.Store(false)
}

// Paused reports whether forwarding is currently gated off.
func (s *Session) Paused() bool {
	return s.paused.Load()
}

// Stop cancels pending flush timers and both subscriptions. The session
// cannot be restarted.
func (s *Session) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}

	s.mu.Lock()
	for shapeID, timer := range s.timers {
		timer.Stop()
		delete(s.timers, shapeID)
	}
	s.mu.Unlock()

	if s.unsubscribeDoc != nil {
		s.unsubscribeDoc()
	}
	if s.unsubscribeEvents != nil {
		s.unsubscribeEvents()
	}
}

// handleLocalMutation is the outbound path: local edits schedule a
// debounced flush per shape id so a drag gesture collapses into one
// remote write carrying the final state.
func (s *Session) handleLocalMutation(mutation canvas.Mutation) {
	if mutation.Origin != canvas.OriginLocal {
		return
	}
	if s.paused.Load() || s.stopped.Load() {
		return
	}

	if mutation.Op == canvas.MutationOpDelete {
		s.cancelPendingFlush(mutation.Shape.ID)
		s.flushDelete(mutation.Shape.ID)
		return
	}
	s.scheduleFlush(mutation.Shape.ID)
}

func (s *Session) scheduleFlush(shapeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if timer, ok := s.timers[shapeID]; ok {
		timer.Stop()
	}
	s.timers[shapeID] = time.AfterFunc(s.engine.debounceInterval, func() {
		s.mu.Lock()
		delete(s.timers, shapeID)
		s.mu.Unlock()
		s.flushShape(shapeID)
	})
}

func (s *Session) cancelPendingFlush(shapeID string) {
	s.mu.Lock()
	if timer, ok := s.timers[shapeID]; ok {
		timer.Stop()
		delete(s.timers, shapeID)
	}
	s.mu.Unlock()
}

// flushShape writes the shape's current full state to the durable store
// and notifies the room. The write is retried with exponential backoff; if
// every attempt fails the edit stays applied locally and is reported as
// unsynchronized, never rolled back.
func (s *Session) flushShape(shapeID string) {
	if s.paused.Load() || s.stopped.Load() {
		return
	}

	engine := s.engine
	shape, ok := engine.document.Shape(shapeID)
	if !ok {
		// Deleted between schedule and flush; the delete path already ran.
		return
	}

	updatedAt := s.nextUpdatedAt(shapeID)
	shape.UpdatedAtMillis = updatedAt
	record := recordFromShape(engine.roomID, shape, engine.userID, engine.sessionID)

	writeErr := s.retry(func() error {
		_, err := engine.store.UpsertShape(s.ctx, record)
		return err
	})
	if writeErr != nil {
		engine.logger.Error("shape write failed, edit remains local only",
			zap.String("room_id", engine.roomID.String()),
			zap.String("shape_id", shapeID),
			zap.Error(writeErr))
		return
	}

	s.recordSent(shapeID, updatedAt)
	s.publish(ShapeEvent{
		ShapeID:         shapeID,
		OriginSession:   engine.sessionID,
		UpdatedAtMillis: updatedAt,
	})
}

func (s *Session) flushDelete(shapeID string) {
	engine := s.engine
	updatedAt := s.nextUpdatedAt(shapeID)

	writeErr := s.retry(func() error {
		return engine.store.DeleteShape(s.ctx, engine.roomID, shapeID)
	})
	if writeErr != nil {
		engine.logger.Error("shape delete failed, removal remains local only",
			zap.String("room_id", engine.roomID.String()),
			zap.String("shape_id", shapeID),
			zap.Error(writeErr))
		return
	}

	s.recordSent(shapeID, updatedAt)
	s.publish(ShapeEvent{
		ShapeID:         shapeID,
		OriginSession:   engine.sessionID,
		UpdatedAtMillis: updatedAt,
		Deleted:         true,
	})
}

// handleRemoteEvent is the inbound path. Notifications that echo this
// session's own just-sent writes are suppressed; everything else is
// re-read from the durable store and applied under last-writer-wins.
func (s *Session) handleRemoteEvent(event ShapeEvent) {
	if s.paused.Load() || s.stopped.Load() {
		return
	}
	if event.ShapeID == "" {
		return
	}

	engine := s.engine
	if event.OriginSession == engine.sessionID && event.UpdatedAtMillis <= s.sentWatermark(event.ShapeID) {
		return
	}

	if event.Deleted {
		engine.document.Remove(canvas.OriginRemote, event.ShapeID)
		return
	}

	record, err := engine.store.GetShape(s.ctx, engine.roomID, event.ShapeID)
	if errors.Is(err, store.ErrShapeNotFound) {
		// Deleted again before we could read it; the delete event follows.
		return
	}
	if err != nil {
		engine.logger.Warn("remote shape read failed",
			zap.String("room_id", engine.roomID.String()),
			zap.String("shape_id", event.ShapeID),
			zap.Error(err))
		return
	}

	incoming := shapeFromRecord(record)
	if local, exists := engine.document.Shape(event.ShapeID); exists {
		if local.UpdatedAtMillis > incoming.UpdatedAtMillis {
			return
		}
	}
	if err := engine.document.Apply(canvas.OriginRemote, incoming); err != nil {
		engine.logger.Warn("malformed remote shape skipped",
			zap.String("room_id", engine.roomID.String()),
			zap.String("shape_id", event.ShapeID),
			zap.Error(err))
	}
}

// nextUpdatedAt produces a strictly increasing timestamp per shape so
// last-writer-wins never sees two equal stamps from the same session.
func (s *Session) nextUpdatedAt(shapeID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.engine.clock().UTC().UnixMilli()
	if last, ok := s.lastSent[shapeID]; ok && now <= last {
		now = last + 1
	}
	return now
}

func (s *Session) recordSent(shapeID string, updatedAt int64) {
	s.mu.Lock()
	if updatedAt > s.lastSent[shapeID] {
		s.lastSent[shapeID] = updatedAt
	}
	s.mu.Unlock()
}

func (s *Session) sentWatermark(shapeID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSent[shapeID]
}

func (s *Session) publish(event ShapeEvent) {
	if err := s.engine.notifier.PublishShapeEvent(s.ctx, event); err != nil {
		s.engine.logger.Warn("shape event publish failed",
			zap.String("room_id", s.engine.roomID.String()),
			zap.String("shape_id", event.ShapeID),
			zap.Error(err))
	}
}

func (s *Session) retry(operation func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.engine.retryInitial

	return backoff.Retry(func() error {
		if s.ctx.Err() != nil {
			return backoff.Permanent(s.ctx.Err())
		}
		return operation()
	}, backoff.WithContext(backoff.WithMaxRetries(policy, s.engine.maxRetries), s.ctx))
}
