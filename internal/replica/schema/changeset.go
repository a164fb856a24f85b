package schema

import (
	"fmt"
	"sort"
)

// CollectionChanges holds the mutations of one collection in a change set.
type CollectionChanges struct {
	Created []Entity `json:"created"`
	Updated []Entity `json:"updated"`
	Deleted []string `json:"deleted"`
}

// IsEmpty reports whether the collection carries no mutations.
func (c CollectionChanges) IsEmpty() bool {
	return len(c.Created) == 0 && len(c.Updated) == 0 && len(c.Deleted) == 0
}

// Count returns the number of mutations in the collection.
func (c CollectionChanges) Count() int {
	return len(c.Created) + len(c.Updated) + len(c.Deleted)
}

// IDs returns every id mentioned by the collection, in sequence order.
func (c CollectionChanges) IDs() []string {
	ids := make([]string, 0, c.Count())
	for _, e := range c.Created {
		ids = append(ids, e.ID)
	}
	for _, e := range c.Updated {
		ids = append(ids, e.ID)
	}
	ids = append(ids, c.Deleted...)
	return ids
}

// ChangeSet is a snapshot of mutations to one or more collections.
type ChangeSet map[string]CollectionChanges

// IsEmpty reports whether no collection carries mutations.
func (cs ChangeSet) IsEmpty() bool {
	for _, c := range cs {
		if !c.IsEmpty() {
			return false
		}
	}
	return true
}

// Count returns the total number of mutations across collections.
func (cs ChangeSet) Count() int {
	n := 0
	for _, c := range cs {
		n += c.Count()
	}
	return n
}

// Collections returns the collection names in sorted order.
//
// Sorting makes apply and push order deterministic across runs.
func (cs ChangeSet) Collections() []string {
	names := make([]string, 0, len(cs))
	for name := range cs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Counts returns the number of mutations per non-empty collection.
func (cs ChangeSet) Counts() map[string]int {
	out := make(map[string]int, len(cs))
	for name, c := range cs {
		if n := c.Count(); n > 0 {
			out[name] = n
		}
	}
	return out
}

// Validate checks that every entity is valid and that an id appears in at
// most one of the created, updated and deleted sequences of a collection.
func (cs ChangeSet) Validate() error {
	for _, name := range cs.Collections() {
		if name == "" {
			return fmt.Errorf("empty collection name")
		}
		c := cs[name]
		seen := make(map[string]string, c.Count())
		mark := func(id, kind string) error {
			if id == "" {
				return fmt.Errorf("%s: %s entry without id", name, kind)
			}
			if prev, ok := seen[id]; ok {
				return fmt.Errorf("%s: id %s appears in both %s and %s", name, id, prev, kind)
			}
			seen[id] = kind
			return nil
		}
		for i := range c.Created {
			if err := c.Created[i].Validate(); err != nil {
				return fmt.Errorf("%s: created: %w", name, err)
			}
			if err := mark(c.Created[i].ID, "created"); err != nil {
				return err
			}
		}
		for i := range c.Updated {
			if err := c.Updated[i].Validate(); err != nil {
				return fmt.Errorf("%s: updated: %w", name, err)
			}
			if err := mark(c.Updated[i].ID, "updated"); err != nil {
				return err
			}
		}
		for _, id := range c.Deleted {
			if err := mark(id, "deleted"); err != nil {
				return err
			}
		}
	}
	return nil
}

// Normalize returns a change set that satisfies the one-sequence-per-id
// invariant, resolving overlaps the way a replica would observe them:
//
//   - created then updated: one created entry carrying the updated payload
//   - created then deleted: absent (the entity never existed remotely)
//   - updated then deleted: deleted only
//   - repeated entries in one sequence: last one wins
//
// Empty collections are dropped.
func (cs ChangeSet) Normalize() ChangeSet {
	out := make(ChangeSet, len(cs))
	for name, c := range cs {
		created := make(map[string]Entity)
		updated := make(map[string]Entity)
		var createdOrder, updatedOrder []string

		for _, e := range c.Created {
			if _, ok := created[e.ID]; !ok {
				createdOrder = append(createdOrder, e.ID)
			}
			created[e.ID] = e
		}
		for _, e := range c.Updated {
			if _, ok := created[e.ID]; ok {
				created[e.ID] = e
				continue
			}
			if _, ok := updated[e.ID]; !ok {
				updatedOrder = append(updatedOrder, e.ID)
			}
			updated[e.ID] = e
		}

		var deleted []string
		deletedSeen := make(map[string]bool)
		for _, id := range c.Deleted {
			if _, ok := created[id]; ok {
				delete(created, id)
				continue
			}
			delete(updated, id)
			if !deletedSeen[id] {
				deletedSeen[id] = true
				deleted = append(deleted, id)
			}
		}

		var norm CollectionChanges
		for _, id := range createdOrder {
			if e, ok := created[id]; ok {
				norm.Created = append(norm.Created, e)
			}
		}
		for _, id := range updatedOrder {
			if e, ok := updated[id]; ok {
				norm.Updated = append(norm.Updated, e)
			}
		}
		norm.Deleted = deleted
		if !norm.IsEmpty() {
			out[name] = norm
		}
	}
	return out
}

// Merge appends the mutations of other to cs, collection by collection.
// The result is not normalized.
func (cs ChangeSet) Merge(other ChangeSet) ChangeSet {
	out := make(ChangeSet, len(cs)+len(other))
	for name, c := range cs {
		out[name] = c
	}
	for name, c := range other {
		cur := out[name]
		cur.Created = append(append([]Entity(nil), cur.Created...), c.Created...)
		cur.Updated = append(append([]Entity(nil), cur.Updated...), c.Updated...)
		cur.Deleted = append(append([]string(nil), cur.Deleted...), c.Deleted...)
		out[name] = cur
	}
	return out
}
