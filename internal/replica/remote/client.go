// Package remote is the HTTP transport between a replica and the sync server.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/mschirtzinger/replica/internal/replica/protocol"
	"github.com/mschirtzinger/replica/internal/replica/sync"
)

// ErrUnauthorized is wrapped by the TransportError of a 401 reply.
var ErrUnauthorized = errors.New("remote unauthorized")

// maxErrorBody caps how much of an error reply is read.
const maxErrorBody = 64 << 10

// Config describes how to reach the sync server.
type Config struct {
	BaseURL   string
	Token     string
	ReplicaID string
}

// Client implements sync.Remote over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	replicaID  string
}

// New creates a client. A nil httpClient gets a 30 second timeout.
func New(httpClient *http.Client, cfg Config) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		token:      strings.TrimSpace(cfg.Token),
		replicaID:  strings.TrimSpace(cfg.ReplicaID),
	}
}

// Pull implements sync.Remote.
func (c *Client) Pull(ctx context.Context, req protocol.PullRequest) (*protocol.PullResponse, error) {
	var out protocol.PullResponse
	if err := c.do(ctx, sync.PhasePull, protocol.PathPull, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Push implements sync.Remote.
func (c *Client) Push(ctx context.Context, req protocol.PushRequest) (*protocol.PushResponse, error) {
	var out protocol.PushResponse
	if err := c.do(ctx, sync.PhasePush, protocol.PathPush, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health checks that the server is up and speaks a compatible protocol.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+protocol.PathHealth, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return protocol.Compatible(resp.Header.Get(protocol.HeaderProtocol))
}

func (c *Client) do(ctx context.Context, phase sync.Phase, path string, body, out any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", phase, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return &sync.TransportError{Phase: phase, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(protocol.HeaderProtocol, protocol.Version)
	if c.token != "" {
		token := c.token
		if !strings.HasPrefix(strings.ToLower(token), "bearer ") {
			token = "Bearer " + token
		}
		req.Header.Set("Authorization", token)
	}
	if c.replicaID != "" {
		req.Header.Set(protocol.HeaderReplicaID, c.replicaID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &sync.TransportError{Phase: phase, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &sync.TransportError{Phase: phase, Status: resp.StatusCode, Err: fmt.Errorf("invalid response body: %w", err)}
		}
		return nil
	}

	var eb protocol.ErrorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	_ = json.Unmarshal(raw, &eb)

	switch resp.StatusCode {
	case http.StatusConflict:
		ids := make([]string, 0, len(eb.Conflicts))
		for _, ref := range eb.Conflicts {
			ids = append(ids, ref.Collection+"/"+ref.ID)
		}
		return &sync.ConflictError{IDs: ids}
	case http.StatusPreconditionFailed:
		return &sync.SchemaError{Local: eb.SchemaVersion, Required: eb.MinSchemaVersion, Remote: true}
	case http.StatusUnauthorized:
		return &sync.TransportError{Phase: phase, Status: resp.StatusCode, Err: ErrUnauthorized}
	default:
		msg := strings.TrimSpace(eb.Error)
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &sync.TransportError{Phase: phase, Status: resp.StatusCode, Err: errors.New(msg)}
	}
}
