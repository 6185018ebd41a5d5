//go:build integration

// Package integration boots the full daemon stack in-process — real config,
// pools, circuit breakers, health monitors, and the HTTP surface — against
// stub backends it controls, and exercises the end-to-end flows.
package integration

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dskow/pool-core/internal/admin"
	"github.com/dskow/pool-core/internal/backend"
	"github.com/dskow/pool-core/internal/config"
	"github.com/dskow/pool-core/internal/health"
	"github.com/dskow/pool-core/internal/manager"
	"github.com/dskow/pool-core/internal/middleware"
	"github.com/dskow/pool-core/internal/pool"
)

const (
	jwtSecret = "integration-test-secret-key-32chars!!"
	jwtIssuer = "poold"
	jwtAud    = "poold-admin"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

// pingBackend is a controllable TCP backend speaking the PING/PONG protocol.
type pingBackend struct {
	mu    sync.Mutex
	ln    net.Listener
	down  bool
	conns []net.Conn
}

func startPingBackend(t *testing.T) *pingBackend {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	b := &pingBackend{ln: ln}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			b.mu.Lock()
			b.conns = append(b.conns, conn)
			b.mu.Unlock()
			go b.serve(conn)
		}
	}()
	return b
}

func (b *pingBackend) serve(c net.Conn) {
	defer c.Close()
	r := bufio.NewReader(c)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		b.mu.Lock()
		down := b.down
		b.mu.Unlock()
		if down {
			return // hang up instead of answering
		}
		if strings.TrimSpace(line) == "PING" {
			fmt.Fprint(c, "PONG\n")
		}
	}
}

func (b *pingBackend) addr() string { return b.ln.Addr().String() }

// fail makes the backend hang up on every connection, existing and new.
func (b *pingBackend) fail() {
	b.mu.Lock()
	b.down = true
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	b.ln.Close()
}

// stack is one fully wired daemon instance under test.
type stack struct {
	srv     *httptest.Server
	mgr     *manager.Manager
	cfg     *config.Config
	backend *pingBackend
}

type staticProvider struct{ cfg *config.Config }

func (p staticProvider) Current() *config.Config { return p.cfg }

// bootStack loads a real config against a live stub backend and assembles
// the daemon the same way cmd/poold does.
func bootStack(t *testing.T, poolYAML string) *stack {
	t.Helper()

	be := startPingBackend(t)
	yaml := fmt.Sprintf(`
admin:
  enabled: true
  jwt_secret: "%s"
  issuer: %s
  audience: %s
pools:
  warehouse:
    driver: direct
    addr: "%s"
%s`, jwtSecret, jwtIssuer, jwtAud, be.addr(), poolYAML)

	cfg, err := config.LoadFromBytes([]byte(yaml))
	if err != nil {
		t.Fatalf("config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	factories := map[string]pool.Factory{
		"warehouse": backend.NewDirectFactory(cfg.Pools["warehouse"].Addr, logger),
	}
	sink := health.NewLogSink(logger, cfg.Alerting.MinInterval, cfg.Alerting.Burst)

	mgr, err := manager.New(cfg, factories, sink, logger)
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	t.Cleanup(mgr.Shutdown)

	mux := http.NewServeMux()
	adminHandler := admin.New(mgr, staticProvider{cfg}, cfg.Admin, logger)
	adminHandler.RegisterPublic(mux)
	adminHandler.RegisterAdmin(mux)

	var handler http.Handler = mux
	handler = middleware.Logging(logger)(handler)
	handler = middleware.RequestID(handler)
	handler = middleware.Recovery(logger)(handler)

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &stack{srv: srv, mgr: mgr, cfg: cfg, backend: be}
}

func adminToken(t *testing.T) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": jwtIssuer,
		"aud": jwtAud,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	s, err := token.SignedString([]byte(jwtSecret))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func httpGet(url string, headers map[string]string) (*http.Response, string, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	return resp, string(body), err
}

func authHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func assertStatusCode(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		t.Errorf("expected status %d, got %d", want, resp.StatusCode)
	}
}

func assertBodyContains(t *testing.T, body, want string) {
	t.Helper()
	if !strings.Contains(body, want) {
		t.Errorf("body does not contain %q: %s", want, body)
	}
}

func decodeJSON(t *testing.T, body string, v interface{}) {
	t.Helper()
	if err := json.Unmarshal([]byte(body), v); err != nil {
		t.Fatalf("invalid JSON %q: %v", body, err)
	}
}

// waitUntil polls cond until it holds or the deadline expires.
func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(msg)
}
