package presence

import (
	"strconv"
)

// Cursor is the last reported pointer position for a user.
type Cursor struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	LastSeenMs int64   `json:"lastSeenMs"`
}

// Record is the ephemeral presence state of one connected user. A record
// with Online == false is never surfaced to other clients.
type Record struct {
	UserID      string  `json:"userId"`
	DisplayName string  `json:"displayName"`
	Color       string  `json:"color"`
	Cursor      *Cursor `json:"cursor,omitempty"`
	Online      bool    `json:"online"`
	LastSeenMs  int64   `json:"lastSeenMs"`
}

const (
	hashFieldName       = "name"
	hashFieldColor      = "color"
	hashFieldOnline     = "online"
	hashFieldLastSeen   = "last_seen_ms"
	hashFieldCursorX    = "cursor_x"
	hashFieldCursorY    = "cursor_y"
	hashFieldCursorSeen = "cursor_seen_ms"

	onlineTrue  = "1"
	onlineFalse = "0"
)

// recordFromHash rebuilds a Record from the raw store hash. Missing or
// unparseable numeric fields degrade to zero values rather than failing:
// a partially written record is still presence, not an error.
func recordFromHash(userID string, fields map[string]string) Record {
	record := Record{
		UserID:      userID,
		DisplayName: fields[hashFieldName],
		Color:       fields[hashFieldColor],
		Online:      fields[hashFieldOnline] == onlineTrue,
		LastSeenMs:  parseMillis(fields[hashFieldLastSeen]),
	}

	if rawX, ok := fields[hashFieldCursorX]; ok {
		x, errX := strconv.ParseFloat(rawX, 64)
		y, errY := strconv.ParseFloat(fields[hashFieldCursorY], 64)
		if errX == nil && errY == nil {
			record.Cursor = &Cursor{
				X:          x,
				Y:          y,
				LastSeenMs: parseMillis(fields[hashFieldCursorSeen]),
			}
		}
	}
	return record
}

// filterOnline drops offline records from a raw snapshot. Subscribers only
// ever see active presences.
func filterOnline(records map[string]Record) map[string]Record {
	filtered := make(map[string]Record, len(records))
	for userID, record := range records {
		if record.Online {
			filtered[userID] = record
		}
	}
	return filtered
}

func parseMillis(raw string) int64 {
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return value
}
