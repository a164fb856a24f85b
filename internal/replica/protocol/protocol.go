// Package protocol defines the wire format of the pull/push sync exchange.
//
// Both requests are POSTed as JSON. Timestamps are unix milliseconds; a null
// last_pulled_at means "everything":
//
//	POST /api/v1/sync/pull
//	{"last_pulled_at": 1767225600000, "schema_version": 2, "migration": null}
//	-> {"changes": {"sudokus": {"created": [], "updated": [], "deleted": []}}, "timestamp": 1767225660000}
//
//	POST /api/v1/sync/push
//	{"changes": {...}, "last_pulled_at": 1767225660000}
//	-> {"timestamp": 1767225660123, "accepted": 3}
//
// Errors come back as ErrorResponse with a non-2xx status: 409 carries the
// conflicting ids, 412 the schema versions involved.
package protocol

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/mod/semver"

	"github.com/mschirtzinger/replica/internal/replica/schema"
)

// Version is the protocol revision spoken by this build. Peers must share
// the major version.
const Version = "v1.1.0"

// HTTP paths and headers.
const (
	PathPull   = "/api/v1/sync/pull"
	PathPush   = "/api/v1/sync/push"
	PathHealth = "/healthz"

	HeaderProtocol  = "X-Sync-Protocol"
	HeaderReplicaID = "X-Replica-ID"
)

// Error codes carried by ErrorResponse.Code.
const (
	CodeConflict      = "conflict"
	CodeSchema        = "schema_too_old"
	CodeProtocol      = "protocol_mismatch"
	CodeUnauthorized  = "unauthorized"
	CodeBadRequest    = "bad_request"
	CodeInternalError = "internal_error"
)

// Compatible reports an error when peer speaks an incompatible protocol.
// An empty peer version is accepted as the current one.
func Compatible(peer string) error {
	if peer == "" {
		return nil
	}
	if !semver.IsValid(peer) {
		return fmt.Errorf("invalid protocol version %q", peer)
	}
	if semver.Major(peer) != semver.Major(Version) {
		return fmt.Errorf("protocol %s is incompatible with %s", peer, Version)
	}
	return nil
}

// PullRequest asks for every change strictly after LastPulledAt.
type PullRequest struct {
	LastPulledAt  *time.Time
	SchemaVersion int

	// Migration is set on the first sync after a local schema migration.
	Migration *schema.MigrationInfo
}

type wirePullRequest struct {
	LastPulledAt  *int64                `json:"last_pulled_at"`
	SchemaVersion int                   `json:"schema_version"`
	Migration     *schema.MigrationInfo `json:"migration"`
}

func (r PullRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(wirePullRequest{
		LastPulledAt:  schema.MillisPtr(r.LastPulledAt),
		SchemaVersion: r.SchemaVersion,
		Migration:     r.Migration,
	})
}

func (r *PullRequest) UnmarshalJSON(data []byte) error {
	var w wirePullRequest
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = PullRequest{
		LastPulledAt:  schema.TimePtr(w.LastPulledAt),
		SchemaVersion: w.SchemaVersion,
		Migration:     w.Migration,
	}
	return nil
}

// PullResponse carries the remote changes and the server time of the pull.
type PullResponse struct {
	Changes   schema.ChangeSet
	Timestamp time.Time
}

type wirePullResponse struct {
	Changes   schema.ChangeSet `json:"changes"`
	Timestamp int64            `json:"timestamp"`
}

func (r PullResponse) MarshalJSON() ([]byte, error) {
	changes := r.Changes
	if changes == nil {
		changes = schema.ChangeSet{}
	}
	return json.Marshal(wirePullResponse{Changes: changes, Timestamp: schema.Millis(r.Timestamp)})
}

func (r *PullResponse) UnmarshalJSON(data []byte) error {
	var w wirePullResponse
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Timestamp <= 0 {
		return fmt.Errorf("pull response without timestamp")
	}
	*r = PullResponse{Changes: w.Changes, Timestamp: schema.FromMillis(w.Timestamp)}
	return nil
}

// PushRequest delivers local changes. LastPulledAt is the timestamp of the
// pull that preceded this push in the same sync: the remote rejects the push
// if any pushed record changed on its side after that.
type PushRequest struct {
	Changes      schema.ChangeSet
	LastPulledAt *time.Time
}

type wirePushRequest struct {
	Changes      schema.ChangeSet `json:"changes"`
	LastPulledAt *int64           `json:"last_pulled_at"`
}

func (r PushRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal(wirePushRequest{Changes: r.Changes, LastPulledAt: schema.MillisPtr(r.LastPulledAt)})
}

func (r *PushRequest) UnmarshalJSON(data []byte) error {
	var w wirePushRequest
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = PushRequest{Changes: w.Changes, LastPulledAt: schema.TimePtr(w.LastPulledAt)}
	return nil
}

// PushResponse acknowledges an accepted push.
type PushResponse struct {
	Timestamp time.Time
	Accepted  int
}

type wirePushResponse struct {
	Timestamp int64 `json:"timestamp"`
	Accepted  int   `json:"accepted"`
}

func (r PushResponse) MarshalJSON() ([]byte, error) {
	return json.Marshal(wirePushResponse{Timestamp: schema.Millis(r.Timestamp), Accepted: r.Accepted})
}

func (r *PushResponse) UnmarshalJSON(data []byte) error {
	var w wirePushResponse
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*r = PushResponse{Accepted: w.Accepted}
	if w.Timestamp > 0 {
		r.Timestamp = schema.FromMillis(w.Timestamp)
	}
	return nil
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`

	// Conflict details
	Conflicts []ConflictRef `json:"conflicts,omitempty"`

	// Schema details
	SchemaVersion    int `json:"schema_version,omitempty"`
	MinSchemaVersion int `json:"min_schema_version,omitempty"`
}

// ConflictRef names a record the remote changed after the pusher's pull.
type ConflictRef struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}
