package sync

import (
	"fmt"
	"time"

	"github.com/mschirtzinger/replica/internal/replica/db"
	"github.com/mschirtzinger/replica/internal/replica/schema"
)

// Report describes one Synchronize call, successful or not.
type Report struct {
	ReplicaID string
	Started   time.Time

	// Pulled and Pushed count changes per collection.
	Pulled  map[string]int
	Pushed  map[string]int
	Applied db.ApplyResult

	// ConflictIDs is set when the push was rejected.
	ConflictIDs []string

	PullDuration time.Duration
	PushDuration time.Duration
	Duration     time.Duration

	// Advanced is true when the returned cursor moved forward.
	Advanced bool
	Cursor   schema.Cursor
}

// PulledCount returns the number of pulled changes.
func (r *Report) PulledCount() int {
	return sum(r.Pulled)
}

// PushedCount returns the number of pushed changes.
func (r *Report) PushedCount() int {
	return sum(r.Pushed)
}

func (r *Report) String() string {
	return fmt.Sprintf("pulled=%d pushed=%d kept_local=%d advanced=%t took=%s",
		r.PulledCount(), r.PushedCount(), r.Applied.Kept, r.Advanced, r.Duration.Round(time.Millisecond))
}

func sum(m map[string]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}
