package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/mschirtzinger/replica/internal/replica/db"
	"github.com/mschirtzinger/replica/internal/replica/sync"
)

func TestResult(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{&sync.TransportError{Phase: sync.PhasePull, Err: errors.New("x")}, "transport_error"},
		{&sync.ConflictError{IDs: []string{"a/1"}}, "conflict"},
		{&sync.SchemaError{Local: 1, Required: 2}, "schema_error"},
		{&sync.ApplyError{Err: errors.New("x")}, "apply_error"},
		{errors.New("disk full"), "error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Result(tt.err))
	}
}

func TestObserver(t *testing.T) {
	var obs sync.Observer = Observer{}

	okBefore := testutil.ToFloat64(SyncsTotal.WithLabelValues("ok"))
	pulledBefore := testutil.ToFloat64(PulledRecordsTotal.WithLabelValues("sudokus"))
	keptBefore := testutil.ToFloat64(KeptLocalTotal)
	obs.OnSyncComplete(&sync.Report{
		Pulled:   map[string]int{"sudokus": 3},
		Pushed:   map[string]int{"sudokuAttempts": 1},
		Applied:  db.ApplyResult{Kept: 2},
		Duration: 20 * time.Millisecond,
	})
	assert.Equal(t, okBefore+1, testutil.ToFloat64(SyncsTotal.WithLabelValues("ok")))
	assert.Equal(t, pulledBefore+3, testutil.ToFloat64(PulledRecordsTotal.WithLabelValues("sudokus")))
	assert.Equal(t, keptBefore+2, testutil.ToFloat64(KeptLocalTotal))

	conflictsBefore := testutil.ToFloat64(ConflictsTotal)
	resultBefore := testutil.ToFloat64(SyncsTotal.WithLabelValues("conflict"))
	obs.OnSyncError(&sync.ConflictError{IDs: []string{"sudokus/s1", "sudokus/s2"}},
		&sync.Report{ConflictIDs: []string{"sudokus/s1", "sudokus/s2"}})
	assert.Equal(t, resultBefore+1, testutil.ToFloat64(SyncsTotal.WithLabelValues("conflict")))
	assert.Equal(t, conflictsBefore+2, testutil.ToFloat64(ConflictsTotal))
}
