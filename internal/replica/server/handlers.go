package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/mschirtzinger/replica/internal/metrics"
	"github.com/mschirtzinger/replica/internal/replica/protocol"
)

const replicaIDKey = "replicaID"

// SyncHandler exposes a Service over HTTP.
type SyncHandler struct {
	svc *Service
	log *zap.Logger
}

func NewSyncHandler(svc *Service, logger *zap.Logger) *SyncHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SyncHandler{svc: svc, log: logger}
}

func (h *SyncHandler) Pull(c *gin.Context) {
	start := time.Now()
	var req protocol.PullRequest
	if err := bindJSON(c, &req); err != nil {
		h.writeError(c, "pull", &BadRequestError{Err: err}, start)
		return
	}
	resp, err := h.svc.Pull(c.Request.Context(), ReplicaIDFromContext(c), req)
	if err != nil {
		h.writeError(c, "pull", err, start)
		return
	}
	writeJSON(c, http.StatusOK, resp)
	observe("pull", http.StatusOK, start)
}

func (h *SyncHandler) Push(c *gin.Context) {
	start := time.Now()
	var req protocol.PushRequest
	if err := bindJSON(c, &req); err != nil {
		h.writeError(c, "push", &BadRequestError{Err: err}, start)
		return
	}
	resp, err := h.svc.Push(c.Request.Context(), ReplicaIDFromContext(c), req)
	if err != nil {
		h.writeError(c, "push", err, start)
		return
	}
	metrics.ServerAcceptedRecordsTotal.Add(float64(resp.Accepted))
	writeJSON(c, http.StatusOK, resp)
	observe("push", http.StatusOK, start)
}

func (h *SyncHandler) Stats(c *gin.Context) {
	counts, err := h.svc.Stats(c.Request.Context())
	if err != nil {
		h.writeError(c, "stats", err, time.Now())
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"records": counts})
}

func (h *SyncHandler) writeError(c *gin.Context, endpoint string, err error, start time.Time) {
	var (
		conflict *ConflictError
		tooOld   *SchemaTooOldError
		bad      *BadRequestError
		status   int
		body     protocol.ErrorResponse
	)
	switch {
	case errors.As(err, &conflict):
		metrics.ServerConflictsTotal.Inc()
		status = http.StatusConflict
		body = protocol.ErrorResponse{Error: err.Error(), Code: protocol.CodeConflict, Conflicts: conflict.Conflicts}
	case errors.As(err, &tooOld):
		status = http.StatusPreconditionFailed
		body = protocol.ErrorResponse{
			Error:            err.Error(),
			Code:             protocol.CodeSchema,
			SchemaVersion:    tooOld.SchemaVersion,
			MinSchemaVersion: tooOld.MinSchemaVersion,
		}
	case errors.As(err, &bad):
		status = http.StatusBadRequest
		body = protocol.ErrorResponse{Error: err.Error(), Code: protocol.CodeBadRequest}
	default:
		h.log.Error("sync request failed", zap.String("endpoint", endpoint), zap.Error(err))
		status = http.StatusInternalServerError
		body = protocol.ErrorResponse{Error: "internal error", Code: protocol.CodeInternalError}
	}
	writeJSON(c, status, body)
	observe(endpoint, status, start)
}

func observe(endpoint string, status int, start time.Time) {
	metrics.ServerRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	metrics.ServerRequestLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
}

func bindJSON(c *gin.Context, out any) error {
	data, err := c.GetRawData()
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return errors.New("empty request body")
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.New("invalid json body: " + err.Error())
	}
	return nil
}

func writeJSON(c *gin.Context, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	c.Data(status, "application/json; charset=utf-8", data)
}

// ReplicaIDFromContext returns the caller's replica id, "" if not sent.
func ReplicaIDFromContext(c *gin.Context) string {
	if v, ok := c.Get(replicaIDKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// Auth checks the bearer token when one is configured and records the
// caller's replica id.
func Auth(token string) gin.HandlerFunc {
	token = strings.TrimSpace(token)
	return func(c *gin.Context) {
		if token != "" {
			h := strings.TrimSpace(c.GetHeader("Authorization"))
			if !strings.HasPrefix(strings.ToLower(h), "bearer ") || strings.TrimSpace(h[7:]) != token {
				writeJSON(c, http.StatusUnauthorized, protocol.ErrorResponse{Error: "unauthorized", Code: protocol.CodeUnauthorized})
				c.Abort()
				return
			}
		}
		c.Set(replicaIDKey, strings.TrimSpace(c.GetHeader(protocol.HeaderReplicaID)))
		c.Next()
	}
}

// Protocol rejects clients speaking another major protocol version.
func Protocol() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header(protocol.HeaderProtocol, protocol.Version)
		if err := protocol.Compatible(c.GetHeader(protocol.HeaderProtocol)); err != nil {
			writeJSON(c, http.StatusBadRequest, protocol.ErrorResponse{Error: err.Error(), Code: protocol.CodeProtocol})
			c.Abort()
			return
		}
		c.Next()
	}
}
