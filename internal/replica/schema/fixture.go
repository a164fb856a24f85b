package schema

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Fixture is a set of entities per collection, used to seed a replica.
//
// On disk a fixture is a map from collection name to a list of flat records.
// The optional "id" key becomes Entity.ID; every other key is a field:
//
//	sudokus:
//	  - id: s1
//	    puzzle: "53..7...."
//	    clues: 30
//
// The same layout is accepted as JSON ({"sudokus": [{...}]}) and TOML
// ([[sudokus]] tables).
type Fixture map[string][]Entity

// FixtureFormat identifies a fixture encoding.
type FixtureFormat string

const (
	FormatJSON FixtureFormat = "json"
	FormatYAML FixtureFormat = "yaml"
	FormatTOML FixtureFormat = "toml"
)

// FormatFromPath derives the fixture format from a file extension.
func FormatFromPath(path string) (FixtureFormat, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("unsupported fixture extension %q (want .json, .yaml, .yml or .toml)", filepath.Ext(path))
	}
}

// IsFixturePath reports whether path has a fixture extension.
func IsFixturePath(path string) bool {
	_, err := FormatFromPath(path)
	return err == nil
}

// Count returns the number of entities in the fixture.
func (f Fixture) Count() int {
	n := 0
	for _, es := range f {
		n += len(es)
	}
	return n
}

// fixtureNamespace scopes the ids derived for fixture records without one.
var fixtureNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("replica:fixture"))

// FixtureID returns the id of the index-th record of collection in source
// when the record has none. The same position always maps to the same id,
// so importing a file again overwrites instead of duplicating.
func FixtureID(source, collection string, index int) string {
	name := fmt.Sprintf("%s\x00%s\x00%d", source, collection, index)
	return uuid.NewSHA1(fixtureNamespace, []byte(name)).String()
}

// AssignIDs gives every record without an id its FixtureID for source.
func (f Fixture) AssignIDs(source string) {
	for collection, entities := range f {
		for i := range entities {
			if entities[i].ID == "" {
				entities[i].ID = FixtureID(source, collection, i)
			}
		}
	}
}

// ReadFixtureFile reads and validates a fixture file. Records without an id
// get a FixtureID derived from the absolute path and their position.
func ReadFixtureFile(path string) (Fixture, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture file: %w", err)
	}

	fixture, err := ParseFixture(data, format)
	if err != nil {
		return nil, fmt.Errorf("failed to parse fixture file %s: %w", filepath.Base(path), err)
	}

	source := path
	if abs, err := filepath.Abs(path); err == nil {
		source = abs
	}
	fixture.AssignIDs(source)
	return fixture, nil
}

// ParseFixture decodes fixture data in the given format.
func ParseFixture(data []byte, format FixtureFormat) (Fixture, error) {
	raw := make(map[string][]map[string]any)
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	case FormatYAML:
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	case FormatTOML:
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown fixture format %q", format)
	}

	fixture := make(Fixture, len(raw))
	for collection, records := range raw {
		if !identPattern.MatchString(collection) {
			return nil, fmt.Errorf("invalid collection name %q", collection)
		}
		entities := make([]Entity, 0, len(records))
		for i, rec := range records {
			e, err := entityFromRecord(rec)
			if err != nil {
				return nil, fmt.Errorf("%s[%d]: %w", collection, i, err)
			}
			entities = append(entities, e)
		}
		fixture[collection] = entities
	}
	return fixture, nil
}

func entityFromRecord(rec map[string]any) (Entity, error) {
	var e Entity
	if raw, ok := rec["id"]; ok {
		id, ok := raw.(string)
		if !ok {
			return e, fmt.Errorf("id must be a string, got %T", raw)
		}
		e.ID = id
	}
	e.Fields = make(map[string]any, len(rec))
	for k, v := range rec {
		if k == "id" {
			continue
		}
		nv, err := NormalizeValue(v)
		if err != nil {
			return e, fmt.Errorf("field %s: %w", k, err)
		}
		e.Fields[k] = nv
	}
	return e, nil
}

// WriteFixtureFile writes the fixture in the format implied by the path.
func WriteFixtureFile(path string, fixture Fixture) error {
	format, err := FormatFromPath(path)
	if err != nil {
		return err
	}

	data, err := EncodeFixture(fixture, format)
	if err != nil {
		return fmt.Errorf("failed to encode fixture: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write fixture file: %w", err)
	}
	return nil
}

// EncodeFixture encodes a fixture in the given format.
func EncodeFixture(fixture Fixture, format FixtureFormat) ([]byte, error) {
	raw := make(map[string][]map[string]any, len(fixture))
	for collection, entities := range fixture {
		records := make([]map[string]any, 0, len(entities))
		for _, e := range entities {
			rec := make(map[string]any, len(e.Fields)+1)
			for k, v := range e.Fields {
				// TOML has no null.
				if v == nil && format == FormatTOML {
					continue
				}
				rec[k] = v
			}
			if e.ID != "" {
				rec["id"] = e.ID
			}
			records = append(records, rec)
		}
		raw[collection] = records
	}

	switch format {
	case FormatJSON:
		return json.MarshalIndent(raw, "", "  ")
	case FormatYAML:
		return yaml.Marshal(raw)
	case FormatTOML:
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(raw); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown fixture format %q", format)
	}
}
