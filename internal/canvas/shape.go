package canvas

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidShapeID indicates that a shape identifier is empty or exceeds storage bounds.
	ErrInvalidShapeID = errors.New("canvas: invalid shape id")
	// ErrInvalidShapeType indicates that a shape type discriminant is empty.
	ErrInvalidShapeType = errors.New("canvas: invalid shape type")
)

// ShapeID represents a validated shape identifier.
type ShapeID string

// NewShapeID validates raw input and returns a ShapeID.
func NewShapeID(rawInput string) (ShapeID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidShapeID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidShapeID, maxIdentifierLength)
	}
	return ShapeID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ShapeID) String() string {
	return string(id)
}

// Shape carries the full state of one canvas element. Props is an opaque
// type-specific payload owned by the rendering layer; the sync core never
// inspects it.
type Shape struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	X               float64         `json:"x"`
	Y               float64         `json:"y"`
	Rotation        float64         `json:"rotation"`
	Props           json.RawMessage `json:"props,omitempty"`
	ParentID        string          `json:"parentId,omitempty"`
	Index           float64         `json:"index"`
	Opacity         float64         `json:"opacity"`
	CreatedBy       string          `json:"createdBy,omitempty"`
	CreatedAtMillis int64           `json:"createdAtMs"`
	UpdatedAtMillis int64           `json:"updatedAtMs"`
}

// Validate reports whether the shape carries the minimum required fields.
func (s Shape) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidShapeID)
	}
	if strings.TrimSpace(s.Type) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidShapeType)
	}
	return nil
}

// Clone returns a deep copy so callers can never alias the document's state.
func (s Shape) Clone() Shape {
	copied := s
	if s.Props != nil {
		copied.Props = append(json.RawMessage(nil), s.Props...)
	}
	return copied
}

// MutationOrigin distinguishes edits made by the local user from edits
// applied on behalf of a remote client.
type MutationOrigin string

const (
	// OriginLocal marks mutations produced by the local editing surface.
	OriginLocal MutationOrigin = "local"
	// OriginRemote marks mutations replayed from the durable store.
	OriginRemote MutationOrigin = "remote"
)

// MutationOp enumerates document mutation kinds.
type MutationOp string

const (
	// MutationOpUpsert carries the full post-edit shape state.
	MutationOpUpsert MutationOp = "upsert"
	// MutationOpDelete removes a shape; only Shape.ID is meaningful.
	MutationOpDelete MutationOp = "delete"
)

// Mutation describes one document change delivered to subscribers.
type Mutation struct {
	Origin MutationOrigin
	Op     MutationOp
	Shape  Shape
}
