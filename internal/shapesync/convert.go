package shapesync

import (
	"encoding/json"

	"github.com/LumeboardHQ/lumeboard/internal/canvas"
	"github.com/LumeboardHQ/lumeboard/internal/store"
)

// recordFromShape serializes the full local shape state for a durable
// write. Writes always carry complete state so concurrent edits to the
// same shape resolve as whole-record last-writer-wins, never as a partial
// field merge.
func recordFromShape(roomID store.RoomID, shape canvas.Shape, updatedBy store.UserID, originSession string) store.ShapeRecord {
	record := store.ShapeRecord{
		RoomID:          roomID.String(),
		ShapeID:         shape.ID,
		Type:            shape.Type,
		X:               shape.X,
		Y:               shape.Y,
		Rotation:        shape.Rotation,
		ParentID:        shape.ParentID,
		StackIndex:      shape.Index,
		Opacity:         shape.Opacity,
		CreatedBy:       shape.CreatedBy,
		CreatedAtMillis: shape.CreatedAtMillis,
		UpdatedAtMillis: shape.UpdatedAtMillis,
		UpdatedBy:       updatedBy.String(),
		OriginSession:   originSession,
	}
	if len(shape.Props) > 0 {
		record.PropsJSON = string(shape.Props)
	}
	return record
}

// shapeFromRecord rebuilds the local representation from a durable row.
func shapeFromRecord(record store.ShapeRecord) canvas.Shape {
	shape := canvas.Shape{
		ID:              record.ShapeID,
		Type:            record.Type,
		X:               record.X,
		Y:               record.Y,
		Rotation:        record.Rotation,
		ParentID:        record.ParentID,
		Index:           record.StackIndex,
		Opacity:         record.Opacity,
		CreatedBy:       record.CreatedBy,
		CreatedAtMillis: record.CreatedAtMillis,
		UpdatedAtMillis: record.UpdatedAtMillis,
	}
	if record.PropsJSON != "" {
		shape.Props = json.RawMessage(record.PropsJSON)
	}
	return shape
}
