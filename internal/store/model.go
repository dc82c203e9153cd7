package store

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidRoomID indicates that a room identifier is empty or exceeds storage bounds.
	ErrInvalidRoomID = errors.New("store: invalid room id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("store: invalid user id")
	// ErrShapeNotFound indicates that no shape row exists for the requested key.
	ErrShapeNotFound = errors.New("store: shape not found")
	// ErrVersionNotFound indicates that no live version row exists for the requested key.
	ErrVersionNotFound = errors.New("store: version not found")
)

// RoomID represents a validated room identifier.
type RoomID string

// NewRoomID validates raw input and returns a RoomID.
func NewRoomID(rawInput string) (RoomID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRoomID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidRoomID, maxIdentifierLength)
	}
	return RoomID(trimmed), nil
}

// String returns the underlying string identifier.
func (id RoomID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// ShapeRecord is the durable, authoritative state of one shape within a
// room. Every write carries the full state; there are no partial patches.
type ShapeRecord struct {
	RoomID          string  `gorm:"column:room_id;primaryKey;size:190;not null"`
	ShapeID         string  `gorm:"column:shape_id;primaryKey;size:190;not null"`
	Type            string  `gorm:"column:shape_type;size:64;not null"`
	X               float64 `gorm:"column:x;not null"`
	Y               float64 `gorm:"column:y;not null"`
	Rotation        float64 `gorm:"column:rotation;not null;default:0"`
	PropsJSON       string  `gorm:"column:props_json;type:text;not null;default:''"`
	ParentID        string  `gorm:"column:parent_id;size:190;not null;default:''"`
	StackIndex      float64 `gorm:"column:stack_index;not null;default:0"`
	Opacity         float64 `gorm:"column:opacity;not null;default:1"`
	CreatedBy       string  `gorm:"column:created_by;size:190;not null;default:''"`
	CreatedAtMillis int64   `gorm:"column:created_at_ms;not null"`
	UpdatedAtMillis int64   `gorm:"column:updated_at_ms;not null;index:idx_shapes_room_updated,priority:2"`
	UpdatedBy       string  `gorm:"column:updated_by;size:190;not null;default:''"`
	OriginSession   string  `gorm:"column:origin_session;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (ShapeRecord) TableName() string {
	return "shape_records"
}

// VersionRecord is the queryable metadata for one stored snapshot. The
// payload itself lives in object storage at StoragePath; rows are immutable
// once written except for the soft-delete marker.
type VersionRecord struct {
	VersionID       string `gorm:"column:version_id;primaryKey;size:190;not null"`
	RoomID          string `gorm:"column:room_id;size:190;not null;index:idx_versions_room_created,priority:1"`
	CreatedAtMillis int64  `gorm:"column:created_at_ms;not null;index:idx_versions_room_created,priority:2"`
	CreatedBy       string `gorm:"column:created_by;size:190;not null"`
	Label           string `gorm:"column:label;size:320;not null;default:''"`
	ByteSize        int64  `gorm:"column:byte_size;not null"`
	Checksum        string `gorm:"column:checksum;size:16;not null"`
	ContentHash     string `gorm:"column:content_hash;size:64;not null"`
	SchemaVersion   int    `gorm:"column:schema_version;not null"`
	StoragePath     string `gorm:"column:storage_path;size:512;not null"`
	IsDeleted       bool   `gorm:"column:is_deleted;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (VersionRecord) TableName() string {
	return "version_records"
}
