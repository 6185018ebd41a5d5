package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dskow/pool-core/internal/pool"
)

// GatewayFactory creates session handles against a remote execution gateway.
// A session is established with one POST, kept alive by ping round-trips,
// and torn down with a DELETE when the pool closes the handle.
type GatewayFactory struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewGatewayFactory creates a factory for the gateway at baseURL. The
// supplied client may carry transport-level auth; the pool treats it as
// opaque. A nil client falls back to a default with a sane timeout.
func NewGatewayFactory(baseURL string, client *http.Client, logger *slog.Logger) *GatewayFactory {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &GatewayFactory{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger,
	}
}

// gatewaySession is the pool.Handle for one gateway session.
type gatewaySession struct {
	id      string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// ID returns the gateway-assigned session identifier.
func (s *gatewaySession) ID() string { return s.id }

// Close tears the session down on the gateway side. A failed DELETE is
// logged but not returned: the gateway reaps orphaned sessions on its own
// timeout, and close errors must not propagate into pool release.
func (s *gatewaySession) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.baseURL+"/v1/sessions/"+s.id, nil)
	if err != nil {
		return nil
	}
	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Debug("gateway session delete failed", "session_id", s.id, "error", err)
		return nil
	}
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	resp.Body.Close()
	return nil
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

// Create establishes a new gateway session.
func (f *GatewayFactory) Create(ctx context.Context) (pool.Handle, error) {
	body := bytes.NewBufferString(`{"client":"pool-core"}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+"/v1/sessions", body)
	if err != nil {
		return nil, fmt.Errorf("building session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("creating gateway session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		io.Copy(io.Discard, resp.Body) //nolint:errcheck
		return nil, fmt.Errorf("gateway session create returned %d", resp.StatusCode)
	}

	var created createSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, fmt.Errorf("decoding session response: %w", err)
	}
	if created.SessionID == "" {
		return nil, fmt.Errorf("gateway returned empty session id")
	}

	f.logger.Debug("gateway session established", "session_id", created.SessionID)
	return &gatewaySession{
		id:      created.SessionID,
		baseURL: f.baseURL,
		client:  f.client,
		logger:  f.logger,
	}, nil
}

// HealthCheck pings the session. A 404 means the gateway expired the
// session server-side; the pool will close and replace the handle.
func (f *GatewayFactory) HealthCheck(ctx context.Context, h pool.Handle) error {
	s, ok := h.(*gatewaySession)
	if !ok {
		return fmt.Errorf("handle is not a gateway session")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/v1/sessions/"+s.id+"/ping", nil)
	if err != nil {
		return fmt.Errorf("building ping request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("session ping: %w", err)
	}
	io.Copy(io.Discard, resp.Body) //nolint:errcheck
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("session ping returned %d", resp.StatusCode)
	}
	return nil
}
