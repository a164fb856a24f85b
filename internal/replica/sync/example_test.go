package sync_test

import (
	"errors"
	"fmt"

	"github.com/mschirtzinger/replica/internal/replica/sync"
)

func ExampleIsRetryable() {
	errs := []error{
		&sync.TransportError{Phase: sync.PhasePull, Status: 503, Err: errors.New("service unavailable")},
		&sync.ConflictError{IDs: []string{"sudokuAttempts/a1"}},
		&sync.SchemaError{Local: 1, Required: 2},
		&sync.ApplyError{Collection: "sudokus", ID: "s1", Err: errors.New("unknown column sudokus.color")},
	}
	for _, err := range errs {
		fmt.Printf("retryable=%t %v\n", sync.IsRetryable(err), err)
	}
	// Output:
	// retryable=true pull failed with status 503: service unavailable
	// retryable=true push rejected: 1 record(s) changed remotely since last pull: sudokuAttempts/a1
	// retryable=false local schema v1 is below v2 required by engine; run migrations first
	// retryable=false apply failed for sudokus/s1: unknown column sudokus.color
}
