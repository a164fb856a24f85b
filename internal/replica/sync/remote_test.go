package sync

import (
	"context"
	"sort"
	stdsync "sync"
	"time"

	"github.com/mschirtzinger/replica/internal/replica/protocol"
	"github.com/mschirtzinger/replica/internal/replica/schema"
)

// memRemote is an in-memory source of truth with a millisecond tick clock.
type memRemote struct {
	mu      stdsync.Mutex
	tick    int64
	records map[string]map[string]memRow

	pulls  []protocol.PullRequest
	pushes []protocol.PushRequest

	pullErr error
	pushErr error

	// beforePush runs inside Push before the conflict check, with mu held.
	beforePush func(r *memRemote)

	// extraPull is merged into the next pull response, then cleared.
	extraPull schema.ChangeSet

	inFlight    int
	maxInFlight int
	delay       time.Duration
}

type memRow struct {
	entity    schema.Entity
	updatedAt int64
	deleted   bool
}

func newMemRemote(startMs int64) *memRemote {
	return &memRemote{tick: startMs, records: make(map[string]map[string]memRow)}
}

func (r *memRemote) next() int64 {
	r.tick++
	return r.tick
}

// put writes a record as if another replica had pushed it.
func (r *memRemote) put(collection string, e schema.Entity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.putLocked(collection, e)
}

func (r *memRemote) putLocked(collection string, e schema.Entity) {
	if r.records[collection] == nil {
		r.records[collection] = make(map[string]memRow)
	}
	ts := r.next()
	e = e.Clone()
	e.LastModifiedAt = schema.FromMillis(ts)
	r.records[collection][e.ID] = memRow{entity: e, updatedAt: ts}
}

func (r *memRemote) remove(collection, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row := r.records[collection][id]
	row.deleted = true
	row.updatedAt = r.next()
	r.records[collection][id] = row
}

func (r *memRemote) get(collection, id string) (schema.Entity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.records[collection][id]
	if !ok || row.deleted {
		return schema.Entity{}, false
	}
	return row.entity.Clone(), true
}

func (r *memRemote) enter() {
	r.mu.Lock()
	r.inFlight++
	if r.inFlight > r.maxInFlight {
		r.maxInFlight = r.inFlight
	}
	delay := r.delay
	r.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
}

func (r *memRemote) leave() {
	r.mu.Lock()
	r.inFlight--
	r.mu.Unlock()
}

func (r *memRemote) Pull(ctx context.Context, req protocol.PullRequest) (*protocol.PullResponse, error) {
	r.enter()
	defer r.leave()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.pulls = append(r.pulls, req)
	if r.pullErr != nil {
		return nil, r.pullErr
	}

	var since int64 = -1
	if req.LastPulledAt != nil {
		since = schema.Millis(*req.LastPulledAt)
	}
	changes := make(schema.ChangeSet)
	for coll, rows := range r.records {
		ids := make([]string, 0, len(rows))
		for id := range rows {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		var c schema.CollectionChanges
		for _, id := range ids {
			row := rows[id]
			if row.updatedAt <= since {
				continue
			}
			switch {
			case row.deleted:
				c.Deleted = append(c.Deleted, id)
			default:
				c.Updated = append(c.Updated, row.entity.Clone())
			}
		}
		if !c.IsEmpty() {
			changes[coll] = c
		}
	}
	if r.extraPull != nil {
		changes = changes.Merge(r.extraPull)
		r.extraPull = nil
	}
	return &protocol.PullResponse{Changes: changes, Timestamp: schema.FromMillis(r.tick)}, nil
}

func (r *memRemote) Push(ctx context.Context, req protocol.PushRequest) (*protocol.PushResponse, error) {
	r.enter()
	defer r.leave()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, req)
	if r.pushErr != nil {
		return nil, r.pushErr
	}
	if r.beforePush != nil {
		r.beforePush(r)
	}

	var pulledAt int64 = -1
	if req.LastPulledAt != nil {
		pulledAt = schema.Millis(*req.LastPulledAt)
	}
	var conflicts []string
	for _, coll := range req.Changes.Collections() {
		for _, id := range req.Changes[coll].IDs() {
			if row, ok := r.records[coll][id]; ok && row.updatedAt > pulledAt {
				conflicts = append(conflicts, coll+"/"+id)
			}
		}
	}
	if len(conflicts) > 0 {
		return nil, &ConflictError{IDs: conflicts}
	}

	for _, coll := range req.Changes.Collections() {
		c := req.Changes[coll]
		for _, e := range append(append([]schema.Entity{}, c.Created...), c.Updated...) {
			r.putLocked(coll, e)
		}
		for _, id := range c.Deleted {
			row := r.records[coll][id]
			row.deleted = true
			row.updatedAt = r.next()
			r.records[coll][id] = row
		}
	}
	return &protocol.PushResponse{Timestamp: schema.FromMillis(r.tick), Accepted: req.Changes.Count()}, nil
}

func (r *memRemote) pushCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pushes)
}

func (r *memRemote) lastPush() protocol.PushRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pushes[len(r.pushes)-1]
}

func (r *memRemote) lastPull() protocol.PullRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pulls[len(r.pulls)-1]
}
