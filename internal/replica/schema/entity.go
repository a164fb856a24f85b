package schema

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/goccy/go-json"
)

// Entity is a syncable record belonging to a collection.
type Entity struct {
	// ID is assigned at creation and never reassigned.
	ID string

	// Fields maps column names to scalar values (string, float64, bool or nil).
	Fields map[string]any

	// LastModifiedAt is the mutation timestamp of this version of the entity.
	LastModifiedAt time.Time

	// Deleted marks a tombstone. Tombstones keep their id, fields may be empty.
	Deleted bool
}

// wireEntity is the JSON form of Entity.
type wireEntity struct {
	ID             string         `json:"id"`
	Fields         map[string]any `json:"fields,omitempty"`
	LastModifiedAt int64          `json:"last_modified_at,omitempty"`
	Deleted        bool           `json:"deleted,omitempty"`
}

// MarshalJSON encodes the entity with a millisecond timestamp.
func (e Entity) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEntity{
		ID:             e.ID,
		Fields:         e.Fields,
		LastModifiedAt: Millis(e.LastModifiedAt),
		Deleted:        e.Deleted,
	})
}

// UnmarshalJSON decodes the entity and normalizes its field values.
func (e *Entity) UnmarshalJSON(data []byte) error {
	var w wireEntity
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	fields, err := NormalizeFields(w.Fields)
	if err != nil {
		return fmt.Errorf("entity %s: %w", w.ID, err)
	}
	*e = Entity{
		ID:      w.ID,
		Fields:  fields,
		Deleted: w.Deleted,
	}
	if w.LastModifiedAt != 0 {
		e.LastModifiedAt = FromMillis(w.LastModifiedAt)
	}
	return nil
}

// Validate checks that the entity can be stored or sent.
func (e *Entity) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("id is required")
	}
	if len(e.ID) > 255 {
		return fmt.Errorf("id must be 255 characters or less (got %d)", len(e.ID))
	}
	for name, v := range e.Fields {
		if name == "" {
			return fmt.Errorf("entity %s: empty field name", e.ID)
		}
		if name == "id" {
			return fmt.Errorf("entity %s: field name %q is reserved", e.ID, name)
		}
		if _, err := NormalizeValue(v); err != nil {
			return fmt.Errorf("entity %s: field %s: %w", e.ID, name, err)
		}
	}
	return nil
}

// Clone returns a deep copy of the entity.
func (e Entity) Clone() Entity {
	out := e
	if e.Fields != nil {
		out.Fields = make(map[string]any, len(e.Fields))
		for k, v := range e.Fields {
			out.Fields[k] = v
		}
	}
	return out
}

// FieldNames returns the entity's field names in sorted order.
func (e *Entity) FieldNames() []string {
	names := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// NormalizeFields returns a copy of fields with every value normalized.
func NormalizeFields(fields map[string]any) (map[string]any, error) {
	if fields == nil {
		return nil, nil
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		nv, err := NormalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

// NormalizeValue converts a decoded scalar into its canonical form.
//
// Integers of any width become float64 (the "number" column type), time.Time
// becomes unix milliseconds. Strings, booleans and nil pass through. Any other
// type (maps, slices) is rejected: entities are flat.
func NormalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, string, bool:
		return x, nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("number must be finite")
		}
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int8:
		return float64(x), nil
	case int16:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case uint:
		return float64(x), nil
	case uint8:
		return float64(x), nil
	case uint16:
		return float64(x), nil
	case uint32:
		return float64(x), nil
	case uint64:
		return float64(x), nil
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %q: %w", string(x), err)
		}
		return f, nil
	case time.Time:
		return float64(Millis(x)), nil
	default:
		return nil, fmt.Errorf("unsupported value type %T (entities are flat)", v)
	}
}

// Millis converts t to unix milliseconds. The zero time maps to 0.
func Millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis converts unix milliseconds to a UTC time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// MillisPtr converts an optional time to optional unix milliseconds.
func MillisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := Millis(*t)
	return &ms
}

// TimePtr converts optional unix milliseconds to an optional time.
func TimePtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := FromMillis(*ms)
	return &t
}
