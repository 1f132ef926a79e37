// Package instance ensures exactly one process per user session owns the
// download engine, while still letting every invocation deliver its
// protocol link to that owner. Ownership is a unix-domain socket at a
// well-known path: whoever binds it is the owner, everyone else connects
// to it as a client and forwards their link.
package instance

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

const (
	dialTimeout = 2 * time.Second
	// Links are short; anything larger than this is not a link.
	maxPayload = 8 * 1024
)

// ErrAlreadyRunning is returned by Claim when another live instance holds
// the socket.
var ErrAlreadyRunning = errors.New("another instance is already running")

// QueueFunc hands a forwarded link to the transfer registry.
type QueueFunc func(ctx context.Context, link string) error

// Coordinator is the owning side of the instance socket.
type Coordinator struct {
	path     string
	listener net.Listener
	logger   zerolog.Logger
}

// Claim attempts to become the owning instance by binding the socket.
// Binding is a single atomic step: either this process wins the address
// or somebody else holds it. If the address is taken, a probe connection
// distinguishes a live owner (ErrAlreadyRunning) from a stale socket left
// by a crashed one, which is removed and bound again; losing that second
// bind to a concurrently starting owner surfaces as ErrAlreadyRunning,
// never as a takeover.
func Claim(path string, logger zerolog.Logger) (*Coordinator, error) {
	logger = logger.With().Str("component", "instance").Logger()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}

	listener, err := net.Listen("unix", path)
	if err == nil {
		logger.Debug().Str("socket", path).Msg("Claimed instance socket")
		return &Coordinator{path: path, listener: listener, logger: logger}, nil
	}

	// The address is taken. Probe it to find out whether anyone is
	// actually accepting.
	conn, dialErr := net.DialTimeout("unix", path, dialTimeout)
	if dialErr == nil {
		conn.Close()
		return nil, ErrAlreadyRunning
	}
	if !staleSocket(dialErr) {
		// A slow but live owner keeps its socket.
		return nil, ErrAlreadyRunning
	}

	// Connection refused: a crashed owner left the socket behind. Reclaim
	// it with one more bind attempt.
	logger.Warn().Str("socket", path).Msg("Removing stale instance socket")
	if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
		return nil, fmt.Errorf("failed to remove stale socket: %w", rmErr)
	}
	listener, err = net.Listen("unix", path)
	if err != nil {
		// A legitimate owner won the re-bind race.
		return nil, ErrAlreadyRunning
	}

	logger.Debug().Str("socket", path).Msg("Claimed instance socket after stale cleanup")
	return &Coordinator{path: path, listener: listener, logger: logger}, nil
}

// staleSocket reports whether a failed probe means nobody is accepting on
// the socket. Only a refused connection proves that; a timeout may just be
// a busy owner and must never cost it the socket.
func staleSocket(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

// Forward connects to the owning instance and delivers one link. No
// response is expected.
func Forward(path, link string) error {
	conn, err := net.DialTimeout("unix", path, dialTimeout)
	if err != nil {
		return fmt.Errorf("failed to reach the running instance: %w", err)
	}
	defer conn.Close()

	if _, err := fmt.Fprintln(conn, link); err != nil {
		return fmt.Errorf("failed to forward link: %w", err)
	}
	return nil
}

// Serve accepts connections until ctx is cancelled, reading one link per
// connection and handing it to queue. Malformed payloads are logged and
// the connection dropped; the listener itself never stops over a bad
// client.
func (c *Coordinator) Serve(ctx context.Context, queue QueueFunc) {
	go func() {
		<-ctx.Done()
		c.listener.Close()
	}()

	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			c.logger.Warn().Err(err).Msg("Failed to accept connection")
			continue
		}
		c.handle(ctx, conn, queue)
	}
}

// Close releases the socket. The bound path is unlinked so the next
// invocation can claim it cleanly.
func (c *Coordinator) Close() error {
	return c.listener.Close()
}

func (c *Coordinator) handle(ctx context.Context, conn net.Conn, queue QueueFunc) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(dialTimeout))

	// The limit bounds how much a client can make us buffer; a payload
	// whose newline does not arrive within it is dropped as unreadable.
	reader := bufio.NewReaderSize(io.LimitReader(conn, maxPayload), maxPayload)
	line, err := reader.ReadString('\n')
	if err != nil {
		c.logger.Warn().Err(err).Msg("Dropping connection with unreadable payload")
		return
	}

	link := strings.TrimSpace(line)
	if link == "" {
		c.logger.Warn().Msg("Dropping connection with empty payload")
		return
	}

	c.logger.Info().Str("link", link).Msg("Received forwarded link")
	if err := queue(ctx, link); err != nil {
		c.logger.Warn().Err(err).Str("link", link).Msg("Failed to queue forwarded link")
	}
}
