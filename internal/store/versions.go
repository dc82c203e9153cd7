package store

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opInsertVersion     = "store.insert_version"
	opGetVersion        = "store.get_version"
	opListVersions      = "store.list_versions"
	opSoftDeleteVersion = "store.soft_delete_version"
	opPruneVersions     = "store.prune_versions"
	fieldVersionID      = "version_id"
	queryRoomVersion    = "room_id = ? AND version_id = ? AND is_deleted = ?"
	queryRoomLive       = "room_id = ? AND is_deleted = ?"
	orderNewestFirst    = "created_at_ms DESC, version_id DESC"
	orderOldestFirst    = "created_at_ms ASC, version_id ASC"
)

// InsertVersion records metadata for a freshly uploaded snapshot blob. The
// caller uploads the blob first so a row never references a missing object.
func (s *Service) InsertVersion(ctx context.Context, record VersionRecord) error {
	if s.db == nil {
		s.logError(opInsertVersion, "missing_database", errMissingDatabase)
		return newServiceError(opInsertVersion, "missing_database", errMissingDatabase)
	}

	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		s.logError(opInsertVersion, "insert_failed", err,
			zap.String(fieldRoomID, record.RoomID),
			zap.String(fieldVersionID, record.VersionID))
		return newServiceError(opInsertVersion, "insert_failed", err)
	}
	return nil
}

// GetVersion loads one live (non-deleted) version row.
func (s *Service) GetVersion(ctx context.Context, roomID RoomID, versionID string) (VersionRecord, error) {
	if s.db == nil {
		s.logError(opGetVersion, "missing_database", errMissingDatabase)
		return VersionRecord{}, newServiceError(opGetVersion, "missing_database", errMissingDatabase)
	}

	var record VersionRecord
	err := s.db.WithContext(ctx).
		Where(queryRoomVersion, roomID.String(), versionID, false).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return VersionRecord{}, ErrVersionNotFound
	}
	if err != nil {
		s.logError(opGetVersion, "query_failed", err,
			zap.String(fieldRoomID, roomID.String()),
			zap.String(fieldVersionID, versionID))
		return VersionRecord{}, newServiceError(opGetVersion, "query_failed", err)
	}
	return record, nil
}

// ListVersions returns the room's live versions, newest first.
func (s *Service) ListVersions(ctx context.Context, roomID RoomID) ([]VersionRecord, error) {
	if s.db == nil {
		s.logError(opListVersions, "missing_database", errMissingDatabase)
		return nil, newServiceError(opListVersions, "missing_database", errMissingDatabase)
	}

	var records []VersionRecord
	if err := s.db.WithContext(ctx).
		Where(queryRoomLive, roomID.String(), false).
		Order(orderNewestFirst).
		Find(&records).Error; err != nil {
		s.logError(opListVersions, "query_failed", err, zap.String(fieldRoomID, roomID.String()))
		return nil, newServiceError(opListVersions, "query_failed", err)
	}
	return records, nil
}

// SoftDeleteVersion marks a version deleted without reclaiming its blob.
func (s *Service) SoftDeleteVersion(ctx context.Context, roomID RoomID, versionID string) error {
	if s.db == nil {
		s.logError(opSoftDeleteVersion, "missing_database", errMissingDatabase)
		return newServiceError(opSoftDeleteVersion, "missing_database", errMissingDatabase)
	}

	result := s.db.WithContext(ctx).
		Model(&VersionRecord{}).
		Where(queryRoomVersion, roomID.String(), versionID, false).
		Update("is_deleted", true)
	if result.Error != nil {
		s.logError(opSoftDeleteVersion, "update_failed", result.Error,
			zap.String(fieldRoomID, roomID.String()),
			zap.String(fieldVersionID, versionID))
		return newServiceError(opSoftDeleteVersion, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrVersionNotFound
	}
	return nil
}

// PruneVersions enforces the per-room retention limit: when more than
// retentionLimit live versions exist, the oldest excess rows are marked
// deleted, oldest first. The pruned rows are returned so the caller can
// reclaim their blobs opportunistically. The newest rows are never touched.
func (s *Service) PruneVersions(ctx context.Context, roomID RoomID, retentionLimit int) ([]VersionRecord, error) {
	if s.db == nil {
		s.logError(opPruneVersions, "missing_database", errMissingDatabase)
		return nil, newServiceError(opPruneVersions, "missing_database", errMissingDatabase)
	}
	if retentionLimit <= 0 {
		return nil, nil
	}

	var pruned []VersionRecord
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var liveCount int64
		if err := tx.Model(&VersionRecord{}).
			Where(queryRoomLive, roomID.String(), false).
			Count(&liveCount).Error; err != nil {
			s.logError(opPruneVersions, "count_failed", err, zap.String(fieldRoomID, roomID.String()))
			return newServiceError(opPruneVersions, "count_failed", err)
		}

		excess := liveCount - int64(retentionLimit)
		if excess <= 0 {
			return nil
		}

		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryRoomLive, roomID.String(), false).
			Order(orderOldestFirst).
			Limit(int(excess)).
			Find(&pruned).Error; err != nil {
			s.logError(opPruneVersions, "select_failed", err, zap.String(fieldRoomID, roomID.String()))
			return newServiceError(opPruneVersions, "select_failed", err)
		}

		for i := range pruned {
			if err := tx.Model(&VersionRecord{}).
				Where(queryRoomVersion, pruned[i].RoomID, pruned[i].VersionID, false).
				Update("is_deleted", true).Error; err != nil {
				s.logError(opPruneVersions, "update_failed", err,
					zap.String(fieldRoomID, roomID.String()),
					zap.String(fieldVersionID, pruned[i].VersionID))
				return newServiceError(opPruneVersions, "update_failed", err)
			}
			pruned[i].IsDeleted = true
		}
		return nil
	})
	if txErr != nil {
		return nil, txErr
	}
	return pruned, nil
}
