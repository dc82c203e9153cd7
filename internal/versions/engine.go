package versions

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/LumeboardHQ/lumeboard/internal/blob"
	"github.com/LumeboardHQ/lumeboard/internal/canvas"
	"github.com/LumeboardHQ/lumeboard/internal/store"
)

const (
	// DefaultRetentionLimit caps how many live versions a room keeps.
	DefaultRetentionLimit = 20

	checksumLength  = 16
	snapshotMIME    = "application/json"
	storagePathTmpl = "rooms/%s/versions/%s.json"

	opSave    = "versions.save"
	opList    = "versions.list"
	opRestore = "versions.restore"
	opDelete  = "versions.delete"
	opPrune   = "versions.prune"

	fieldRoomID    = "room_id"
	fieldVersionID = "version_id"
)

var (
	// ErrSnapshotCorrupted indicates that a downloaded snapshot does not
	// match the content hash recorded at save time.
	ErrSnapshotCorrupted = errors.New("versions: snapshot content does not match recorded hash")

	errMissingStore    = errors.New("versions: version store is required")
	errMissingBlobs    = errors.New("versions: object store is required")
	errMissingDocument = errors.New("versions: document is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError wraps failures with an operation-scoped reason code.
type ServiceError struct {
	code string
	err  error
}

func newServiceError(operation string, reason string, err error) *ServiceError {
	return &ServiceError{code: operation + "." + reason, err: err}
}

// Error satisfies the error interface.
func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

// Unwrap exposes the underlying error for errors.Is/errors.As.
func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the machine-readable failure code.
func (e *ServiceError) Code() string {
	return e.code
}

// VersionStore is the metadata surface the engine depends on.
type VersionStore interface {
	InsertVersion(ctx context.Context, record store.VersionRecord) error
	GetVersion(ctx context.Context, roomID store.RoomID, versionID string) (store.VersionRecord, error)
	ListVersions(ctx context.Context, roomID store.RoomID) ([]store.VersionRecord, error)
	SoftDeleteVersion(ctx context.Context, roomID store.RoomID, versionID string) error
	PruneVersions(ctx context.Context, roomID store.RoomID, retentionLimit int) ([]store.VersionRecord, error)
}

// SyncController gates the shape sync engine while a restore swaps the
// document wholesale.
type SyncController interface {
	Pause()
	Resume()
}

// EngineConfig wires a room's version engine.
type EngineConfig struct {
	Store          VersionStore
	Blobs          blob.ObjectStore
	Document       *canvas.Document
	Sync           SyncController
	RoomID         store.RoomID
	UserID         store.UserID
	RetentionLimit int
	Clock          func() time.Time
	IDGenerator    func() string
	Logger         *zap.Logger
}

// Engine captures, lists, restores and retires point-in-time snapshots of
// one room's document.
type Engine struct {
	store          VersionStore
	blobs          blob.ObjectStore
	document       *canvas.Document
	sync           SyncController
	roomID         store.RoomID
	userID         store.UserID
	retentionLimit int
	clock          func() time.Time
	idGenerator    func() string
	logger         *zap.Logger
}

// NewEngine validates the configuration and returns an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Blobs == nil {
		return nil, errMissingBlobs
	}
	if cfg.Document == nil {
		return nil, errMissingDocument
	}

	retentionLimit := cfg.RetentionLimit
	if retentionLimit <= 0 {
		retentionLimit = DefaultRetentionLimit
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idGenerator := cfg.IDGenerator
	if idGenerator == nil {
		idGenerator = uuid.NewString
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Engine{
		store:          cfg.Store,
		blobs:          cfg.Blobs,
		document:       cfg.Document,
		sync:           cfg.Sync,
		roomID:         cfg.RoomID,
		userID:         cfg.UserID,
		retentionLimit: retentionLimit,
		clock:          clock,
		idGenerator:    idGenerator,
		logger:         logger,
	}, nil
}

// Save captures the document's current state as a new version. The blob is
// uploaded before the metadata row is written so a listed version always has
// its payload; retention pruning runs after every successful save.
func (e *Engine) Save(ctx context.Context, label string) (store.VersionRecord, error) {
	payload, err := e.document.Export()
	if err != nil {
		e.logError(opSave, "export_failed", err)
		return store.VersionRecord{}, newServiceError(opSave, "export_failed", err)
	}

	versionID := e.idGenerator()
	storagePath := fmt.Sprintf(storagePathTmpl, e.roomID.String(), versionID)
	contentHash := hashSnapshot(payload)

	if err := e.blobs.Upload(ctx, storagePath, payload, snapshotMIME); err != nil {
		e.logError(opSave, "blob_upload_failed", err, zap.String(fieldVersionID, versionID))
		return store.VersionRecord{}, newServiceError(opSave, "blob_upload_failed", err)
	}

	record := store.VersionRecord{
		VersionID:       versionID,
		RoomID:          e.roomID.String(),
		CreatedAtMillis: e.clock().UTC().UnixMilli(),
		CreatedBy:       e.userID.String(),
		Label:           label,
		ByteSize:        int64(len(payload)),
		Checksum:        contentHash[:checksumLength],
		ContentHash:     contentHash,
		SchemaVersion:   canvas.SnapshotSchemaVersion,
		StoragePath:     storagePath,
	}
	if err := e.store.InsertVersion(ctx, record); err != nil {
		// The uploaded blob is now orphaned; reclaim it opportunistically.
		if removeErr := e.blobs.Remove(ctx, storagePath); removeErr != nil {
			e.logError(opSave, "orphan_cleanup_failed", removeErr, zap.String(fieldVersionID, versionID))
		}
		e.logError(opSave, "metadata_insert_failed", err, zap.String(fieldVersionID, versionID))
		return store.VersionRecord{}, newServiceError(opSave, "metadata_insert_failed", err)
	}

	e.logger.Info("version saved",
		zap.String(fieldRoomID, e.roomID.String()),
		zap.String(fieldVersionID, versionID),
		zap.String("label", label),
		zap.Int64("byte_size", record.ByteSize))

	e.pruneAfterSave(ctx)
	return record, nil
}

// List returns the room's live versions, newest first.
func (e *Engine) List(ctx context.Context) ([]store.VersionRecord, error) {
	records, err := e.store.ListVersions(ctx, e.roomID)
	if err != nil {
		e.logError(opList, "query_failed", err)
		return nil, newServiceError(opList, "query_failed", err)
	}
	return records, nil
}

// Restore replaces the live document with a stored snapshot. The current
// state is saved first so the restore itself can be undone, then shape sync
// is paused for the swap. Sync resumes on every exit path past the pause;
// a failed restore must never leave the room frozen.
func (e *Engine) Restore(ctx context.Context, versionID string) error {
	target, err := e.store.GetVersion(ctx, e.roomID, versionID)
	if errors.Is(err, store.ErrVersionNotFound) {
		return store.ErrVersionNotFound
	}
	if err != nil {
		e.logError(opRestore, "lookup_failed", err, zap.String(fieldVersionID, versionID))
		return newServiceError(opRestore, "lookup_failed", err)
	}

	// Fetch the payload before the backup save: saving can prune the
	// oldest versions, and the restore target may be one of them.
	payload, err := e.blobs.Download(ctx, target.StoragePath)
	if errors.Is(err, blob.ErrObjectNotFound) {
		e.logError(opRestore, "blob_missing", err, zap.String(fieldVersionID, versionID))
		return store.ErrVersionNotFound
	}
	if err != nil {
		e.logError(opRestore, "blob_download_failed", err, zap.String(fieldVersionID, versionID))
		return newServiceError(opRestore, "blob_download_failed", err)
	}

	if _, err := e.Save(ctx, "pre-restore "+versionID); err != nil {
		e.logError(opRestore, "backup_failed", err, zap.String(fieldVersionID, versionID))
		return newServiceError(opRestore, "backup_failed", err)
	}

	if e.sync != nil {
		e.sync.Pause()
		defer e.sync.Resume()
	}

	if hashSnapshot(payload) != target.ContentHash {
		e.logError(opRestore, "hash_mismatch", ErrSnapshotCorrupted, zap.String(fieldVersionID, versionID))
		return ErrSnapshotCorrupted
	}

	if err := e.document.Import(payload); err != nil {
		e.logError(opRestore, "import_failed", err, zap.String(fieldVersionID, versionID))
		return newServiceError(opRestore, "import_failed", err)
	}

	e.logger.Info("version restored",
		zap.String(fieldRoomID, e.roomID.String()),
		zap.String(fieldVersionID, versionID),
		zap.Int("shape_count", e.document.ShapeCount()))
	return nil
}

// Delete soft-deletes a version. The blob stays in place; only pruning
// reclaims storage.
func (e *Engine) Delete(ctx context.Context, versionID string) error {
	err := e.store.SoftDeleteVersion(ctx, e.roomID, versionID)
	if errors.Is(err, store.ErrVersionNotFound) {
		return store.ErrVersionNotFound
	}
	if err != nil {
		e.logError(opDelete, "update_failed", err, zap.String(fieldVersionID, versionID))
		return newServiceError(opDelete, "update_failed", err)
	}
	e.logger.Info("version deleted",
		zap.String(fieldRoomID, e.roomID.String()),
		zap.String(fieldVersionID, versionID))
	return nil
}

// pruneAfterSave enforces the retention limit and reclaims pruned blobs.
// Prune failures never fail the save that triggered them.
func (e *Engine) pruneAfterSave(ctx context.Context) {
	pruned, err := e.store.PruneVersions(ctx, e.roomID, e.retentionLimit)
	if err != nil {
		e.logError(opPrune, "prune_failed", err)
		return
	}
	for _, record := range pruned {
		if err := e.blobs.Remove(ctx, record.StoragePath); err != nil {
			e.logError(opPrune, "blob_remove_failed", err, zap.String(fieldVersionID, record.VersionID))
		}
	}
	if len(pruned) > 0 {
		e.logger.Info("versions pruned",
			zap.String(fieldRoomID, e.roomID.String()),
			zap.Int("pruned_count", len(pruned)))
	}
}

func (e *Engine) logError(operation string, reason string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String(fieldRoomID, e.roomID.String()),
		zap.Error(err),
	}, fields...)
	e.logger.Error("version operation failed", allFields...)
}

// hashSnapshot returns the hex sha256 of the snapshot payload. Exports are
// deterministic for a given shape set, so equal documents hash equally.
func hashSnapshot(payload []byte) string {
	digest := sha256.Sum256(payload)
	return hex.EncodeToString(digest[:])
}
