package schema

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// Cursor is the per-replica sync watermark.
//
// A fresh replica has a nil LastPulledAt. The cursor only advances when a
// full pull+push exchange succeeds and is only reset by an explicit full
// reset of the replica.
type Cursor struct {
	LastPulledAt  *time.Time
	SchemaVersion int
}

type wireCursor struct {
	LastPulledAt  *int64 `json:"last_pulled_at"`
	SchemaVersion int    `json:"schema_version"`
}

// MarshalJSON encodes the cursor with a millisecond watermark (null when unset).
func (c Cursor) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireCursor{
		LastPulledAt:  MillisPtr(c.LastPulledAt),
		SchemaVersion: c.SchemaVersion,
	})
}

// UnmarshalJSON decodes a cursor written by MarshalJSON.
func (c *Cursor) UnmarshalJSON(data []byte) error {
	var w wireCursor
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	c.LastPulledAt = TimePtr(w.LastPulledAt)
	c.SchemaVersion = w.SchemaVersion
	return nil
}

// IsZero reports whether the replica has never completed a sync.
func (c Cursor) IsZero() bool {
	return c.LastPulledAt == nil
}

// Equal reports whether two cursors carry the same watermark and version.
func (c Cursor) Equal(other Cursor) bool {
	if c.SchemaVersion != other.SchemaVersion {
		return false
	}
	if c.LastPulledAt == nil || other.LastPulledAt == nil {
		return c.LastPulledAt == nil && other.LastPulledAt == nil
	}
	return Millis(*c.LastPulledAt) == Millis(*other.LastPulledAt)
}

// Validate checks the cursor fields.
func (c Cursor) Validate() error {
	if c.SchemaVersion < 0 {
		return fmt.Errorf("schema_version must be non-negative (got %d)", c.SchemaVersion)
	}
	return nil
}

func (c Cursor) String() string {
	if c.LastPulledAt == nil {
		return fmt.Sprintf("never (schema v%d)", c.SchemaVersion)
	}
	return fmt.Sprintf("%s (schema v%d)", c.LastPulledAt.UTC().Format(time.RFC3339Nano), c.SchemaVersion)
}
