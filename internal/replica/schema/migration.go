package schema

import (
	"fmt"
	"sort"
)

// Step is one schema change inside a migration descriptor.
type Step interface {
	// Describe returns a one-line human readable form of the step.
	Describe() string
	validate() error
}

// CreateTable adds a new collection.
type CreateTable struct {
	Table TableSchema
}

func (s CreateTable) Describe() string {
	return fmt.Sprintf("create table %s (%d columns)", s.Table.Name, len(s.Table.Columns))
}

func (s CreateTable) validate() error {
	return s.Table.Validate()
}

// AddColumns adds columns to an existing collection.
type AddColumns struct {
	Table   string
	Columns []ColumnSchema
}

func (s AddColumns) Describe() string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return fmt.Sprintf("add columns %v to %s", names, s.Table)
}

func (s AddColumns) validate() error {
	if !identPattern.MatchString(s.Table) {
		return fmt.Errorf("invalid table name %q", s.Table)
	}
	if len(s.Columns) == 0 {
		return fmt.Errorf("add columns to %s: no columns", s.Table)
	}
	for _, c := range s.Columns {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("add columns to %s: %w", s.Table, err)
		}
	}
	return nil
}

// Migration moves a replica to ToVersion.
type Migration struct {
	ToVersion int
	Steps     []Step
}

// Migrations is an ordered list of migration descriptors.
type Migrations []Migration

// Validate checks that versions are strictly ascending without gaps and that
// every step is well formed. The first descriptor must target version 2 or
// later because version 1 is always a fresh create.
func (m Migrations) Validate() error {
	prev := 0
	for i, mig := range m {
		if mig.ToVersion < 2 {
			return fmt.Errorf("migration %d: to_version must be >= 2 (got %d)", i, mig.ToVersion)
		}
		if prev != 0 && mig.ToVersion != prev+1 {
			return fmt.Errorf("migration %d: to_version %d does not follow %d", i, mig.ToVersion, prev)
		}
		if len(mig.Steps) == 0 {
			return fmt.Errorf("migration to v%d has no steps", mig.ToVersion)
		}
		for _, step := range mig.Steps {
			if err := step.validate(); err != nil {
				return fmt.Errorf("migration to v%d: %w", mig.ToVersion, err)
			}
		}
		prev = mig.ToVersion
	}
	return nil
}

// Between returns the descriptors with from < ToVersion <= to, ascending.
func (m Migrations) Between(from, to int) Migrations {
	var out Migrations
	for _, mig := range m {
		if mig.ToVersion > from && mig.ToVersion <= to {
			out = append(out, mig)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ToVersion < out[j].ToVersion })
	return out
}

// Info summarizes what the descriptors between from and to change.
func (m Migrations) Info(from, to int) *MigrationInfo {
	if from >= to {
		return nil
	}
	info := &MigrationInfo{FromVersion: from}
	for _, mig := range m.Between(from, to) {
		for _, step := range mig.Steps {
			switch s := step.(type) {
			case CreateTable:
				info.Tables = append(info.Tables, s.Table.Name)
			case AddColumns:
				for _, c := range s.Columns {
					info.Columns = append(info.Columns, MigrationColumn{Table: s.Table, Column: c.Name})
				}
			}
		}
	}
	return info
}

// MigrationInfo tells the remote what the replica gained since its last sync
// so it can include rows it would otherwise consider already delivered.
type MigrationInfo struct {
	FromVersion int               `json:"from"`
	Tables      []string          `json:"tables"`
	Columns     []MigrationColumn `json:"columns"`
}

// MigrationColumn names a column added by a migration.
type MigrationColumn struct {
	Table  string `json:"table"`
	Column string `json:"column"`
}
