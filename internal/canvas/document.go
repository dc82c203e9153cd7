package canvas

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// SnapshotSchemaVersion identifies the serialized document layout.
const SnapshotSchemaVersion = 1

var (
	errSchemaVersionUnsupported = errors.New("canvas: unsupported snapshot schema version")
)

// Document is the client-local mirror of a room's shape set. It is owned
// exclusively by the client process; the durable store remains the
// arbitration point for shared truth.
type Document struct {
	mu          sync.RWMutex
	shapes      map[string]Shape
	subscribers map[int64]func(Mutation)
	nextSubID   int64
	clock       func() time.Time
}

// DocumentConfig configures a Document. The zero value is usable.
type DocumentConfig struct {
	Clock func() time.Time
}

// NewDocument returns an empty document.
func NewDocument(cfg DocumentConfig) *Document {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Document{
		shapes:      make(map[string]Shape),
		subscribers: make(map[int64]func(Mutation)),
		clock:       clock,
	}
}

// AllShapes returns every shape ordered by stacking index, then id.
func (d *Document) AllShapes() []Shape {
	d.mu.RLock()
	shapes := make([]Shape, 0, len(d.shapes))
	for _, shape := range d.shapes {
		shapes = append(shapes, shape.Clone())
	}
	d.mu.RUnlock()

	sort.Slice(shapes, func(i, j int) bool {
		if shapes[i].Index != shapes[j].Index {
			return shapes[i].Index < shapes[j].Index
		}
		return shapes[i].ID < shapes[j].ID
	})
	return shapes
}

// Shape returns a copy of the shape with the given id.
func (d *Document) Shape(id string) (Shape, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	shape, ok := d.shapes[id]
	if !ok {
		return Shape{}, false
	}
	return shape.Clone(), true
}

// Apply upserts the full state of one shape and notifies subscribers.
// Local-origin shapes without an update timestamp are stamped from the
// document clock.
func (d *Document) Apply(origin MutationOrigin, shape Shape) error {
	if err := shape.Validate(); err != nil {
		return err
	}

	stored := shape.Clone()
	if origin == OriginLocal && stored.UpdatedAtMillis == 0 {
		stored.UpdatedAtMillis = d.clock().UTC().UnixMilli()
	}
	if stored.CreatedAtMillis == 0 {
		stored.CreatedAtMillis = stored.UpdatedAtMillis
	}

	d.mu.Lock()
	d.shapes[stored.ID] = stored
	d.mu.Unlock()

	d.notify(Mutation{Origin: origin, Op: MutationOpUpsert, Shape: stored.Clone()})
	return nil
}

// Remove deletes the shape with the given id, if present.
func (d *Document) Remove(origin MutationOrigin, shapeID string) {
	d.mu.Lock()
	shape, ok := d.shapes[shapeID]
	if ok {
		delete(d.shapes, shapeID)
	}
	d.mu.Unlock()

	if !ok {
		return
	}
	d.notify(Mutation{Origin: origin, Op: MutationOpDelete, Shape: Shape{ID: shape.ID, Type: shape.Type}})
}

// Subscribe registers a mutation callback and returns an unsubscribe handle.
// Callbacks run synchronously on the mutating goroutine.
func (d *Document) Subscribe(callback func(Mutation)) func() {
	if callback == nil {
		return func() {}
	}

	d.mu.Lock()
	d.nextSubID++
	id := d.nextSubID
	d.subscribers[id] = callback
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		delete(d.subscribers, id)
		d.mu.Unlock()
	}
}

func (d *Document) notify(mutation Mutation) {
	d.mu.RLock()
	callbacks := make([]func(Mutation), 0, len(d.subscribers))
	for _, callback := range d.subscribers {
		callbacks = append(callbacks, callback)
	}
	d.mu.RUnlock()

	for _, callback := range callbacks {
		callback(mutation)
	}
}

type snapshotEnvelope struct {
	SchemaVersion int     `json:"schema_version"`
	Shapes        []Shape `json:"shapes"`
}

// Export serializes the full document state. The output is deterministic
// for a given shape set: shapes are ordered by id so identical documents
// produce identical bytes and therefore identical content hashes.
func (d *Document) Export() ([]byte, error) {
	d.mu.RLock()
	shapes := make([]Shape, 0, len(d.shapes))
	for _, shape := range d.shapes {
		shapes = append(shapes, shape.Clone())
	}
	d.mu.RUnlock()

	sort.Slice(shapes, func(i, j int) bool { return shapes[i].ID < shapes[j].ID })

	return json.Marshal(snapshotEnvelope{
		SchemaVersion: SnapshotSchemaVersion,
		Shapes:        shapes,
	})
}

// Import replaces the entire shape set from a serialized snapshot. It does
// not emit mutations: callers swap the document only while shape sync is
// paused, and rebroadcasting a wholesale replacement shape by shape is
// exactly what the pause exists to prevent.
func (d *Document) Import(payload []byte) error {
	var envelope snapshotEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("canvas: decode snapshot: %w", err)
	}
	if envelope.SchemaVersion != SnapshotSchemaVersion {
		return fmt.Errorf("%w: %d", errSchemaVersionUnsupported, envelope.SchemaVersion)
	}

	replacement := make(map[string]Shape, len(envelope.Shapes))
	for _, shape := range envelope.Shapes {
		if err := shape.Validate(); err != nil {
			return err
		}
		replacement[shape.ID] = shape.Clone()
	}

	d.mu.Lock()
	d.shapes = replacement
	d.mu.Unlock()
	return nil
}

// ShapeCount reports the number of shapes currently held.
func (d *Document) ShapeCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.shapes)
}
