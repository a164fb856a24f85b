// Package schema defines the data model exchanged by the replica sync engine.
//
// # Overview
//
// A replica holds entities grouped into named collections (tables). Entities
// carry a flat field map so that any collection declared in an AppSchema can
// be synced without per-table Go types:
//
//	{
//	  "id": "a1",
//	  "fields": {"progress": "55", "isComplete": false},
//	  "last_modified_at": 1767225600000
//	}
//
// Timestamps travel as unix milliseconds, matching the local store and the
// remote protocol.
//
// # Change Sets
//
// A ChangeSet maps collection names to CollectionChanges, each holding three
// ordered sequences:
//   - created - new entities, full field payload
//   - updated - existing entities, full field payload after mutation
//   - deleted - ids only (tombstones)
//
// Locally derived change sets keep every id in at most one sequence; Validate
// checks that and Normalize collapses a local create-then-delete to absence.
// Pulled change sets may repeat an id in created and updated (create then edit
// on the remote); the apply order create, update, delete resolves that.
//
// # Cursor
//
// Cursor is the per-replica sync watermark: LastPulledAt is nil until the
// first successful sync, SchemaVersion is the local schema revision at that
// time.
//
// # Schema and Migrations
//
// AppSchema declares the tables and typed columns of a replica at a version.
// Migrations describe how an older replica reaches that version, one
// descriptor per target version:
//
//	schema.Migrations{
//	    {ToVersion: 2, Steps: []schema.Step{
//	        schema.AddColumns{Table: "sudokus", Columns: []schema.ColumnSchema{
//	            {Name: "sudokuNumber", Type: schema.ColumnNumber},
//	        }},
//	    }},
//	}
//
// # Fixtures
//
// Entities can be seeded from JSON, YAML or TOML fixture files. See
// ReadFixtureFile.
package schema
