package dashboard

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mschirtzinger/replica/internal/metrics"
	"github.com/mschirtzinger/replica/internal/replica/schema"
	replicasync "github.com/mschirtzinger/replica/internal/replica/sync"
)

// StatusSource reports the replica state. *sync.Replica implements it.
type StatusSource interface {
	Status(ctx context.Context) (*replicasync.Status, error)
}

// Handler turns sync outcomes into dashboard messages. It implements
// sync.Observer.
type Handler struct {
	server *Server
	log    *zap.Logger

	mu     sync.RWMutex
	source StatusSource
}

// NewHandler creates a handler broadcasting on server.
func NewHandler(server *Server, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{server: server, log: logger.With(zap.String("component", "dashboard"))}
}

// SetStatusSource makes the handler follow every sync with a stats message
// and greet new clients with the current stats. The observer usually has
// to exist before the replica it watches, hence the setter. Call it before
// the server starts.
func (h *Handler) SetStatusSource(src StatusSource) {
	h.mu.Lock()
	h.source = src
	h.mu.Unlock()
	h.server.welcome = func(ctx context.Context) (Message, bool) {
		data, ok := h.stats(ctx)
		if !ok {
			return Message{}, false
		}
		msg, err := newMessage(MessageTypeStats, data)
		return msg, err == nil
	}
}

func (h *Handler) OnSyncComplete(report *replicasync.Report) {
	h.log.Debug("sync complete", zap.String("report", report.String()))

	h.server.BroadcastData(MessageTypeSyncComplete, SyncCompleteData{
		ReplicaID:  report.ReplicaID,
		Pulled:     report.Pulled,
		Pushed:     report.Pushed,
		Kept:       report.Applied.Kept,
		DurationMs: report.Duration.Milliseconds(),
		Cursor:     schema.MillisPtr(report.Cursor.LastPulledAt),
	})
	// Observers run inside Sync, and Status waits for Sync to return.
	go h.BroadcastStats()
}

func (h *Handler) OnSyncError(err error, report *replicasync.Report) {
	replicaID := ""
	if report != nil {
		replicaID = report.ReplicaID
	}

	var conflict *replicasync.ConflictError
	if errors.As(err, &conflict) {
		h.server.BroadcastData(MessageTypeConflict, ConflictData{ReplicaID: replicaID, IDs: conflict.IDs})
	}
	h.server.BroadcastData(MessageTypeSyncError, SyncErrorData{
		ReplicaID: replicaID,
		Kind:      metrics.Result(err),
		Error:     err.Error(),
		Retryable: replicasync.IsRetryable(err),
	})
	go h.BroadcastStats()
}

// BroadcastStats sends the current stats to every client. It is a no-op
// without a status source.
func (h *Handler) BroadcastStats() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if data, ok := h.stats(ctx); ok {
		h.server.BroadcastData(MessageTypeStats, data)
	}
}

func (h *Handler) stats(ctx context.Context) (StatsData, bool) {
	h.mu.RLock()
	src := h.source
	h.mu.RUnlock()
	if src == nil {
		return StatsData{}, false
	}

	st, err := src.Status(ctx)
	if err != nil {
		h.log.Warn("failed to read replica status", zap.Error(err))
		return StatsData{}, false
	}
	data := StatsData{
		ReplicaID:     st.ReplicaID,
		SchemaVersion: st.SchemaVersion,
		Pending:       st.Pending,
		LastPulledAt:  schema.MillisPtr(st.Cursor.LastPulledAt),
	}
	if !st.LastSyncAt.IsZero() {
		ms := st.LastSyncAt.UnixMilli()
		data.LastSyncAt = &ms
	}
	if st.LastError != nil {
		data.LastError = st.LastError.Error()
	}
	return data, true
}
