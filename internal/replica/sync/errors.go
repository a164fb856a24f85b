package sync

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinels for errors.Is checks against the typed errors below.
var (
	ErrTransport = errors.New("sync transport failure")
	ErrApply     = errors.New("sync apply failure")
	ErrConflict  = errors.New("sync push conflict")
	ErrSchema    = errors.New("sync schema mismatch")
)

// Phase names the part of a sync an error happened in.
type Phase string

const (
	PhasePull Phase = "pull"
	PhasePush Phase = "push"
)

// TransportError means the remote could not be reached or answered with
// something other than a result. The exchange can be retried as is.
type TransportError struct {
	Phase  Phase
	Status int // HTTP status, 0 for network failures
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s failed with status %d: %v", e.Phase, e.Status, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Phase, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// ApplyError means a pulled change set could not be written locally. Nothing
// from that change set was kept.
type ApplyError struct {
	Collection string
	ID         string
	Err        error
}

func (e *ApplyError) Error() string {
	switch {
	case e.Collection == "":
		return fmt.Sprintf("apply failed: %v", e.Err)
	case e.ID == "":
		return fmt.Sprintf("apply failed in %s: %v", e.Collection, e.Err)
	default:
		return fmt.Sprintf("apply failed for %s/%s: %v", e.Collection, e.ID, e.Err)
	}
}

func (e *ApplyError) Unwrap() error { return e.Err }

func (e *ApplyError) Is(target error) bool { return target == ErrApply }

// ConflictError means the remote rejected a push because the listed records
// changed remotely after the pull of the same sync. Local changes are kept;
// the next sync pulls the remote versions first.
type ConflictError struct {
	// IDs lists the conflicting records as "collection/id".
	IDs []string
}

func (e *ConflictError) Error() string {
	if len(e.IDs) == 0 {
		return "push rejected: remote changed since last pull"
	}
	return fmt.Sprintf("push rejected: %d record(s) changed remotely since last pull: %s",
		len(e.IDs), strings.Join(e.IDs, ", "))
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// SchemaError means the local schema version is not acceptable: either below
// what this engine requires, or rejected by the remote.
type SchemaError struct {
	Local    int
	Required int
	Remote   bool // rejected by the remote rather than the local preflight
}

func (e *SchemaError) Error() string {
	where := "engine"
	if e.Remote {
		where = "remote"
	}
	return fmt.Sprintf("local schema v%d is below v%d required by %s; run migrations first", e.Local, e.Required, where)
}

func (e *SchemaError) Is(target error) bool { return target == ErrSchema }

// IsRetryable reports whether retrying the same sync later can succeed
// without intervention. Transport failures and push conflicts are
// retryable; schema and apply failures are not.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport) || errors.Is(err, ErrConflict)
}

// recordRef is implemented by store errors that identify a record.
type recordRef interface {
	RecordRef() (collection, id string)
}

func asApplyError(err error) *ApplyError {
	var ae *ApplyError
	if errors.As(err, &ae) {
		return ae
	}
	out := &ApplyError{Err: err}
	var ref recordRef
	if errors.As(err, &ref) {
		out.Collection, out.ID = ref.RecordRef()
	}
	return out
}
