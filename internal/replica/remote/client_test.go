package remote

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mschirtzinger/replica/internal/replica/protocol"
	"github.com/mschirtzinger/replica/internal/replica/schema"
	"github.com/mschirtzinger/replica/internal/replica/sync"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, cfg Config) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	cfg.BaseURL = ts.URL + "/"
	return New(ts.Client(), cfg)
}

func TestClient_SendsHeadersAndBody(t *testing.T) {
	var (
		gotPath    string
		gotHeaders http.Header
		gotBody    map[string]any
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeaders = r.Header.Clone()
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &gotBody)
		_, _ = w.Write([]byte(`{"changes":{},"timestamp":1767225600000}`))
	}, Config{Token: "abc", ReplicaID: "phone"})

	since := schema.FromMillis(1767225500000)
	resp, err := c.Pull(context.Background(), protocol.PullRequest{LastPulledAt: &since, SchemaVersion: 2})
	require.NoError(t, err)

	assert.Equal(t, protocol.PathPull, gotPath)
	assert.Equal(t, "Bearer abc", gotHeaders.Get("Authorization"))
	assert.Equal(t, "phone", gotHeaders.Get(protocol.HeaderReplicaID))
	assert.Equal(t, protocol.Version, gotHeaders.Get(protocol.HeaderProtocol))
	assert.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
	assert.Equal(t, float64(1767225500000), gotBody["last_pulled_at"])
	assert.Equal(t, float64(2), gotBody["schema_version"])
	assert.Equal(t, int64(1767225600000), schema.Millis(resp.Timestamp))
}

func TestClient_TokenAlreadyPrefixed(t *testing.T) {
	var auth string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"timestamp":1,"accepted":0}`))
	}, Config{Token: "Bearer xyz"})

	_, err := c.Push(context.Background(), protocol.PushRequest{})
	require.NoError(t, err)
	assert.Equal(t, "Bearer xyz", auth)
}

func TestClient_ErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "conflict",
			status: http.StatusConflict,
			body:   `{"error":"2 record(s) changed","code":"conflict","conflicts":[{"collection":"sudokus","id":"s1"},{"collection":"sudokuAttempts","id":"a1"}]}`,
			check: func(t *testing.T, err error) {
				var conflict *sync.ConflictError
				require.ErrorAs(t, err, &conflict)
				assert.Equal(t, []string{"sudokus/s1", "sudokuAttempts/a1"}, conflict.IDs)
			},
		},
		{
			name:   "schema too old",
			status: http.StatusPreconditionFailed,
			body:   `{"error":"too old","code":"schema_too_old","schema_version":1,"min_schema_version":3}`,
			check: func(t *testing.T, err error) {
				var schemaErr *sync.SchemaError
				require.ErrorAs(t, err, &schemaErr)
				assert.Equal(t, 1, schemaErr.Local)
				assert.Equal(t, 3, schemaErr.Required)
				assert.True(t, schemaErr.Remote)
			},
		},
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			body:   `{"error":"unauthorized","code":"unauthorized"}`,
			check: func(t *testing.T, err error) {
				assert.ErrorIs(t, err, ErrUnauthorized)
				var transport *sync.TransportError
				require.ErrorAs(t, err, &transport)
				assert.Equal(t, http.StatusUnauthorized, transport.Status)
			},
		},
		{
			name:   "server error with message",
			status: http.StatusInternalServerError,
			body:   `{"error":"database is locked","code":"internal_error"}`,
			check: func(t *testing.T, err error) {
				var transport *sync.TransportError
				require.ErrorAs(t, err, &transport)
				assert.Equal(t, http.StatusInternalServerError, transport.Status)
				assert.Contains(t, err.Error(), "database is locked")
				assert.True(t, sync.IsRetryable(err))
			},
		},
		{
			name:   "plain text body",
			status: http.StatusBadGateway,
			body:   "upstream down",
			check: func(t *testing.T, err error) {
				assert.Contains(t, err.Error(), "upstream down")
			},
		},
		{
			name:   "empty body",
			status: http.StatusServiceUnavailable,
			check: func(t *testing.T, err error) {
				assert.Contains(t, err.Error(), http.StatusText(http.StatusServiceUnavailable))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}, Config{})
			_, err := c.Push(context.Background(), protocol.PushRequest{})
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestClient_InvalidResponseBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"changes":`))
	}, Config{})

	_, err := c.Pull(context.Background(), protocol.PullRequest{})
	var transport *sync.TransportError
	require.ErrorAs(t, err, &transport)
	assert.Equal(t, sync.PhasePull, transport.Phase)
	assert.Equal(t, http.StatusOK, transport.Status)
}

func TestClient_NetworkError(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c := New(&http.Client{Timeout: time.Second}, Config{BaseURL: url})
	_, err := c.Push(context.Background(), protocol.PushRequest{})
	var transport *sync.TransportError
	require.ErrorAs(t, err, &transport)
	assert.Equal(t, sync.PhasePush, transport.Phase)
	assert.Zero(t, transport.Status)
	assert.True(t, sync.IsRetryable(err))
}

func TestClient_ContextCancelled(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Pull(ctx, protocol.PullRequest{})
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

func TestClient_Health(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		version string
		wantErr bool
	}{
		{"ok", http.StatusOK, protocol.Version, false},
		{"no header", http.StatusOK, "", false},
		{"incompatible", http.StatusOK, "v9.0.0", true},
		{"down", http.StatusServiceUnavailable, protocol.Version, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, protocol.PathHealth, r.URL.Path)
				if tt.version != "" {
					w.Header().Set(protocol.HeaderProtocol, tt.version)
				}
				w.WriteHeader(tt.status)
			}, Config{})
			err := c.Health(context.Background())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
