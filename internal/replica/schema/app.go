package schema

import (
	"fmt"
	"regexp"
)

// ColumnType is the declared type of a column.
type ColumnType string

const (
	ColumnString  ColumnType = "string"
	ColumnNumber  ColumnType = "number"
	ColumnBoolean ColumnType = "boolean"
)

// IsValid checks if the column type is one of the known types
func (t ColumnType) IsValid() bool {
	switch t {
	case ColumnString, ColumnNumber, ColumnBoolean:
		return true
	}
	return false
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// ColumnSchema describes one typed column of a table.
type ColumnSchema struct {
	Name     string     `json:"name" yaml:"name" toml:"name"`
	Type     ColumnType `json:"type" yaml:"type" toml:"type"`
	Indexed  bool       `json:"indexed,omitempty" yaml:"indexed,omitempty" toml:"indexed,omitempty"`
	Optional bool       `json:"optional,omitempty" yaml:"optional,omitempty" toml:"optional,omitempty"`

	// Default is written into existing rows when the column is added by a
	// migration. Nil leaves them null.
	Default any `json:"default,omitempty" yaml:"default,omitempty" toml:"default,omitempty"`
}

// Validate checks the column declaration.
func (c ColumnSchema) Validate() error {
	if !identPattern.MatchString(c.Name) {
		return fmt.Errorf("invalid column name %q", c.Name)
	}
	if c.Name == "id" {
		return fmt.Errorf("column name %q is reserved", c.Name)
	}
	if !c.Type.IsValid() {
		return fmt.Errorf("column %s: invalid type %q (must be string, number or boolean)", c.Name, c.Type)
	}
	if c.Default != nil {
		if err := c.Check(c.Default); err != nil {
			return fmt.Errorf("column %s: invalid default: %w", c.Name, err)
		}
	}
	return nil
}

// Check verifies that v is acceptable for the column. Nil is always allowed.
func (c ColumnSchema) Check(v any) error {
	nv, err := NormalizeValue(v)
	if err != nil {
		return err
	}
	if nv == nil {
		return nil
	}
	ok := false
	switch c.Type {
	case ColumnString:
		_, ok = nv.(string)
	case ColumnNumber:
		_, ok = nv.(float64)
	case ColumnBoolean:
		_, ok = nv.(bool)
	}
	if !ok {
		return fmt.Errorf("type mismatch: column %s is %s, got %T", c.Name, c.Type, v)
	}
	return nil
}

// TableSchema describes one collection.
type TableSchema struct {
	Name    string         `json:"name" yaml:"name" toml:"name"`
	Columns []ColumnSchema `json:"columns" yaml:"columns" toml:"columns"`
}

// Validate checks the table declaration.
func (t TableSchema) Validate() error {
	if !identPattern.MatchString(t.Name) {
		return fmt.Errorf("invalid table name %q", t.Name)
	}
	seen := make(map[string]bool, len(t.Columns))
	for _, c := range t.Columns {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("table %s: %w", t.Name, err)
		}
		if seen[c.Name] {
			return fmt.Errorf("table %s: duplicate column %s", t.Name, c.Name)
		}
		seen[c.Name] = true
	}
	return nil
}

// Column looks up a column by name.
func (t TableSchema) Column(name string) (ColumnSchema, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnSchema{}, false
}

// CheckFields type-checks a field map against the table's columns.
func (t TableSchema) CheckFields(fields map[string]any) error {
	for name, v := range fields {
		col, ok := t.Column(name)
		if !ok {
			return fmt.Errorf("unknown column %s.%s", t.Name, name)
		}
		if err := col.Check(v); err != nil {
			return err
		}
	}
	return nil
}

// AppSchema is the declared shape of a replica at a schema version.
type AppSchema struct {
	Version int           `json:"version" yaml:"version" toml:"version"`
	Tables  []TableSchema `json:"tables" yaml:"tables" toml:"tables"`
}

// Validate checks the schema declaration.
func (s AppSchema) Validate() error {
	if s.Version < 1 {
		return fmt.Errorf("schema version must be >= 1 (got %d)", s.Version)
	}
	seen := make(map[string]bool, len(s.Tables))
	for _, t := range s.Tables {
		if err := t.Validate(); err != nil {
			return err
		}
		if seen[t.Name] {
			return fmt.Errorf("duplicate table %s", t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}

// Table looks up a table by name.
func (s AppSchema) Table(name string) (TableSchema, bool) {
	for _, t := range s.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableSchema{}, false
}

// TableNames returns the table names in declaration order.
func (s AppSchema) TableNames() []string {
	names := make([]string, len(s.Tables))
	for i, t := range s.Tables {
		names[i] = t.Name
	}
	return names
}
