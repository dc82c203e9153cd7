package shapesync

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/LumeboardHQ/lumeboard/internal/canvas"
	"github.com/LumeboardHQ/lumeboard/internal/store"
)

func TestRecordRoundTripPreservesShapeState(t *testing.T) {
	roomID, err := store.NewRoomID("r1")
	if err != nil {
		t.Fatalf("unexpected room id error: %v", err)
	}
	userID, err := store.NewUserID("u1")
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}

	original := canvas.Shape{
		ID:              "shape-7",
		Type:            "arrow",
		X:               -120.25,
		Y:               0.001,
		Rotation:        -359.9,
		Props:           json.RawMessage(`{"stroke":{"width":1.5,"dash":[2,4]},"label":"a→b"}`),
		ParentID:        "frame-1",
		Index:           3.14159,
		Opacity:         0.4,
		CreatedBy:       "u0",
		CreatedAtMillis: 1700000000001,
		UpdatedAtMillis: 1700000000999,
	}

	record := recordFromShape(roomID, original, userID, "session-1")
	if record.RoomID != "r1" || record.UpdatedBy != "u1" || record.OriginSession != "session-1" {
		t.Fatalf("record missing write attribution: %#v", record)
	}

	rebuilt := shapeFromRecord(record)
	if rebuilt.ID != original.ID || rebuilt.Type != original.Type {
		t.Fatalf("identity fields lost: %#v", rebuilt)
	}
	if rebuilt.X != original.X || rebuilt.Y != original.Y || rebuilt.Rotation != original.Rotation {
		t.Fatalf("geometry lost: %#v", rebuilt)
	}
	if rebuilt.ParentID != original.ParentID || rebuilt.Index != original.Index || rebuilt.Opacity != original.Opacity {
		t.Fatalf("layout fields lost: %#v", rebuilt)
	}
	if rebuilt.CreatedBy != original.CreatedBy ||
		rebuilt.CreatedAtMillis != original.CreatedAtMillis ||
		rebuilt.UpdatedAtMillis != original.UpdatedAtMillis {
		t.Fatalf("provenance fields lost: %#v", rebuilt)
	}
	if !bytes.Equal(rebuilt.Props, original.Props) {
		t.Fatalf("nested props lost: %s", rebuilt.Props)
	}
}

func TestRecordRoundTripWithoutProps(t *testing.T) {
	roomID, err := store.NewRoomID("r1")
	if err != nil {
		t.Fatalf("unexpected room id error: %v", err)
	}
	userID, err := store.NewUserID("u1")
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}

	record := recordFromShape(roomID, canvas.Shape{ID: "bare", Type: "rectangle"}, userID, "session-1")
	if record.PropsJSON != "" {
		t.Fatalf("expected empty props column, got %q", record.PropsJSON)
	}

	rebuilt := shapeFromRecord(record)
	if rebuilt.Props != nil {
		t.Fatalf("expected nil props, got %s", rebuilt.Props)
	}
}
