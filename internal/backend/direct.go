// Package backend provides the concrete connection factories managed by the
// pools: a direct TCP connection to the warehouse endpoint and an
// HTTP-session handle to a remote execution gateway. Each factory is
// registered under its backend kind at startup; the pool itself never
// branches on the kind.
package backend

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/dskow/pool-core/internal/pool"
)

// defaultDialTimeout bounds direct dials when the caller's context carries
// no deadline of its own.
const defaultDialTimeout = 10 * time.Second

// DirectFactory dials raw TCP connections to a warehouse endpoint. The
// wire-level liveness probe is a ping line answered by the server; anything
// heavier (queries, auth) belongs to the caller, not the pool.
type DirectFactory struct {
	addr   string
	logger *slog.Logger
	dialer net.Dialer
}

// NewDirectFactory creates a factory dialling the given host:port address.
func NewDirectFactory(addr string, logger *slog.Logger) *DirectFactory {
	return &DirectFactory{
		addr:   addr,
		logger: logger,
		dialer: net.Dialer{Timeout: defaultDialTimeout},
	}
}

// directConn is the pool.Handle for a direct TCP connection.
type directConn struct {
	net.Conn
	reader *bufio.Reader
}

// Reader returns a buffered reader over the connection. The pool hands the
// same connection to at most one caller at a time, so the buffer is safe.
func (c *directConn) Reader() *bufio.Reader { return c.reader }

// Create dials the warehouse endpoint.
func (f *DirectFactory) Create(ctx context.Context) (pool.Handle, error) {
	conn, err := f.dialer.DialContext(ctx, "tcp", f.addr)
	if err != nil {
		return nil, fmt.Errorf("dialling %s: %w", f.addr, err)
	}
	f.logger.Debug("direct connection established", "addr", f.addr, "local", conn.LocalAddr().String())
	return &directConn{Conn: conn, reader: bufio.NewReader(conn)}, nil
}

// HealthCheck performs a ping round-trip. The deadline comes from ctx,
// falling back to a short fixed bound so a wedged connection cannot stall
// the probe loop.
func (f *DirectFactory) HealthCheck(ctx context.Context, h pool.Handle) error {
	c, ok := h.(*directConn)
	if !ok {
		return fmt.Errorf("handle is not a direct connection")
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(2 * time.Second)
	}
	if err := c.SetDeadline(deadline); err != nil {
		return fmt.Errorf("setting probe deadline: %w", err)
	}
	defer c.SetDeadline(time.Time{}) //nolint:errcheck

	if _, err := c.Write([]byte("PING\n")); err != nil {
		return fmt.Errorf("ping write: %w", err)
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return fmt.Errorf("ping read: %w", err)
	}
	if strings.TrimSpace(line) != "PONG" {
		return fmt.Errorf("unexpected ping response %q", strings.TrimSpace(line))
	}
	return nil
}
