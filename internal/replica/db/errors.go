package db

import (
	"errors"
	"fmt"
)

// RecordError reports a write that could not be applied to one record.
// Apply failures always carry the collection; ID is empty when the whole
// collection was rejected.
type RecordError struct {
	Collection string
	ID         string
	Err        error
}

func (e *RecordError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("%s: %v", e.Collection, e.Err)
	}
	return fmt.Sprintf("%s/%s: %v", e.Collection, e.ID, e.Err)
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// RecordRef returns the collection and id the error refers to.
func (e *RecordError) RecordRef() (string, string) {
	return e.Collection, e.ID
}

// ErrUnknownCollection is wrapped by RecordError when a write targets a
// collection that no migration has registered.
var ErrUnknownCollection = errors.New("unknown collection")
