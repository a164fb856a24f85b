// Package sync reconciles a local replica with a remote source of truth.
//
// # Protocol
//
// Each Synchronize call runs, in order:
//
//  1. Preflight: a store below the required schema version fails with
//     *SchemaError before anything is exchanged.
//  2. Pull: every remote change strictly after cursor.LastPulledAt, applied
//     in one local transaction (created, then updated, then deleted).
//  3. Push: local edits not yet acknowledged, sent with the pull timestamp
//     so the remote can reject records it changed in between.
//  4. Advance: the cursor moves to the pull timestamp. An exchange that
//     pulled and pushed nothing returns LastPulledAt unchanged.
//
// Any failure returns the input cursor, so nothing is skipped: a failed pull
// is retried from the same watermark, and a failed push leaves the local
// edits pending (their ack markers untouched) for the next call.
//
// # Errors
//
// Failures are reported as one of four types, each matching a sentinel with
// errors.Is:
//   - *TransportError (ErrTransport) - network or unexpected remote reply
//   - *ApplyError (ErrApply) - the pulled change set was rejected locally
//   - *ConflictError (ErrConflict) - the push was rejected; carries ids
//   - *SchemaError (ErrSchema) - local schema too old for engine or remote
//
// IsRetryable tells transport failures and conflicts (safe to retry) apart
// from the others (need a migration or operator attention).
//
// # Replica
//
// Replica wraps an Engine with cursor persistence and status reporting and
// is what the CLI and the daemon drive.
package sync
