package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries a stable machine-readable code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew   = "store.service.new"
	opUpsertShape  = "store.upsert_shape"
	opGetShape     = "store.get_shape"
	opListShapes   = "store.list_shapes"
	opDeleteShape  = "store.delete_shape"
	fieldRoomID    = "room_id"
	fieldShapeID   = "shape_id"
	queryRoom      = "room_id = ?"
	queryRoomShape = "room_id = ? AND shape_id = ?"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig wires the durable store service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service mediates all access to the durable shape and version collections.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService validates dependencies and returns a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// UpsertShape writes the full state of one shape. Writes are last-writer-wins
// by updated_at_ms: a record older than the stored row is rejected without
// modifying it, and the method reports whether the write was accepted.
func (s *Service) UpsertShape(ctx context.Context, record ShapeRecord) (bool, error) {
	if s.db == nil {
		s.logError(opUpsertShape, "missing_database", errMissingDatabase)
		return false, newServiceError(opUpsertShape, "missing_database", errMissingDatabase)
	}

	accepted := false
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing ShapeRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryRoomShape, record.RoomID, record.ShapeID).
			Take(&existing).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logError(opUpsertShape, "shape_select_failed", err,
				zap.String(fieldRoomID, record.RoomID),
				zap.String(fieldShapeID, record.ShapeID))
			return newServiceError(opUpsertShape, "shape_select_failed", err)
		}
		if err == nil && existing.UpdatedAtMillis > record.UpdatedAtMillis {
			return nil
		}

		if err := tx.Save(&record).Error; err != nil {
			s.logError(opUpsertShape, "shape_save_failed", err,
				zap.String(fieldRoomID, record.RoomID),
				zap.String(fieldShapeID, record.ShapeID))
			return newServiceError(opUpsertShape, "shape_save_failed", err)
		}
		accepted = true
		return nil
	})
	if txErr != nil {
		return false, txErr
	}
	return accepted, nil
}

// GetShape loads one shape row.
func (s *Service) GetShape(ctx context.Context, roomID RoomID, shapeID string) (ShapeRecord, error) {
	if s.db == nil {
		s.logError(opGetShape, "missing_database", errMissingDatabase)
		return ShapeRecord{}, newServiceError(opGetShape, "missing_database", errMissingDatabase)
	}

	var record ShapeRecord
	err := s.db.WithContext(ctx).
		Where(queryRoomShape, roomID.String(), shapeID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ShapeRecord{}, ErrShapeNotFound
	}
	if err != nil {
		s.logError(opGetShape, "query_failed", err,
			zap.String(fieldRoomID, roomID.String()),
			zap.String(fieldShapeID, shapeID))
		return ShapeRecord{}, newServiceError(opGetShape, "query_failed", err)
	}
	return record, nil
}

// ListShapes returns every shape in the room ordered by stacking index.
func (s *Service) ListShapes(ctx context.Context, roomID RoomID) ([]ShapeRecord, error) {
	if s.db == nil {
		s.logError(opListShapes, "missing_database", errMissingDatabase)
		return nil, newServiceError(opListShapes, "missing_database", errMissingDatabase)
	}

	var records []ShapeRecord
	if err := s.db.WithContext(ctx).
		Where(queryRoom, roomID.String()).
		Order("stack_index ASC, shape_id ASC").
		Find(&records).Error; err != nil {
		s.logError(opListShapes, "query_failed", err, zap.String(fieldRoomID, roomID.String()))
		return nil, newServiceError(opListShapes, "query_failed", err)
	}
	return records, nil
}

// DeleteShape removes one shape row. Deleting an absent shape is a no-op so
// concurrent deletes from two clients converge without error.
func (s *Service) DeleteShape(ctx context.Context, roomID RoomID, shapeID string) error {
	if s.db == nil {
		s.logError(opDeleteShape, "missing_database", errMissingDatabase)
		return newServiceError(opDeleteShape, "missing_database", errMissingDatabase)
	}

	if err := s.db.WithContext(ctx).
		Where(queryRoomShape, roomID.String(), shapeID).
		Delete(&ShapeRecord{}).Error; err != nil {
		s.logError(opDeleteShape, "delete_failed", err,
			zap.String(fieldRoomID, roomID.String()),
			zap.String(fieldShapeID, shapeID))
		return newServiceError(opDeleteShape, "delete_failed", err)
	}
	return nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("store service error", attrs...)
}
