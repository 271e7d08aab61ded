package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/PavelBrokhman/paradox/internal/host"
	"github.com/PavelBrokhman/paradox/internal/wire"
)

// Sentinel statuses a client reports for its own failures, distinct from any
// hosted-tool exit code the server would relay.
const (
	// ExitServerUnreachable: the retry budget was exhausted without ever
	// reaching a server.
	ExitServerUnreachable int32 = 252
	// ExitConnectionLost: a server accepted the run but the connection died
	// before the result frame arrived.
	ExitConnectionLost int32 = 253
)

var (
	ErrServerUnreachable = errors.New("ipc: server unreachable")
	ErrConnectionLost    = errors.New("ipc: connection lost during run")
	ErrRunRejected       = errors.New("ipc: run rejected by server")
)

// ClientConfig tunes the connect-or-spawn-and-retry sequence.
type ClientConfig struct {
	RetryBudget int
	RetryDelay  time.Duration
	DialTimeout time.Duration
	Limits      wire.Limits
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RetryBudget: 10,
		RetryDelay:  100 * time.Millisecond,
		DialTimeout: time.Second,
	}
}

func (c ClientConfig) WithDefaults() ClientConfig {
	d := DefaultClientConfig()
	if c.RetryBudget <= 0 {
		c.RetryBudget = d.RetryBudget
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	return c
}

// Client resolves a tool path to its server and submits one run. When no
// server is listening it launches one, exactly once, and keeps retrying
// within a fixed budget so a missing server never hangs the caller.
type Client struct {
	cfg      ClientConfig
	launcher *Launcher
	msgID    atomic.Uint64
}

func NewClient(cfg ClientConfig) *Client {
	return &Client{
		cfg:      cfg.WithDefaults(),
		launcher: NewLauncher(),
	}
}

// Check probes the server for toolPath without side effects.
func (c *Client) Check(ctx context.Context, toolPath string) error {
	normalized, err := NormalizeToolPath(toolPath)
	if err != nil {
		return err
	}
	conn, err := c.dial(ctx, normalized)
	if err != nil {
		return err
	}
	defer conn.Close()
	return c.check(conn)
}

// Run executes the tool through its pooling server, rendering records to
// sink as they stream back. The returned code is the hosted tool's exit
// code, ExitServerUnreachable when no server could be reached, or
// ExitConnectionLost when the connection died after a run was accepted.
func (c *Client) Run(ctx context.Context, toolPath string, args []string, sink host.Sink) (int32, error) {
	normalized, err := NormalizeToolPath(toolPath)
	if err != nil {
		return ExitServerUnreachable, err
	}

	spawned := false
	var lastErr error
	for attempt := 1; attempt <= c.cfg.RetryBudget; attempt++ {
		if err := ctx.Err(); err != nil {
			return ExitServerUnreachable, err
		}

		conn, err := c.dial(ctx, normalized)
		if err == nil {
			checkErr := c.check(conn)
			if checkErr == nil {
				code, runErr := c.run(conn, normalized, args, sink)
				_ = conn.Close()
				return code, runErr
			}
			_ = conn.Close()
			err = checkErr
		}
		lastErr = err
		log.Debug().
			Int("attempt", attempt).
			Str("tool", normalized).
			Err(err).
			Msg("ipc: connect attempt failed")

		if !spawned {
			spawned = true
			if err := c.launcher.Launch(normalized); err != nil {
				log.Warn().Err(err).Msg("ipc: server launch failed")
			}
		}

		select {
		case <-ctx.Done():
			return ExitServerUnreachable, ctx.Err()
		case <-time.After(c.cfg.RetryDelay):
		}
	}

	return ExitServerUnreachable, fmt.Errorf("%w after %d attempts: %v",
		ErrServerUnreachable, c.cfg.RetryBudget, lastErr)
}

// Shutdown asks the server for toolPath to drain and exit. A server that is
// not running is not an error.
func (c *Client) Shutdown(ctx context.Context, toolPath string) error {
	normalized, err := NormalizeToolPath(toolPath)
	if err != nil {
		return err
	}
	conn, err := c.dial(ctx, normalized)
	if err != nil {
		return nil
	}
	defer conn.Close()

	id := c.msgID.Add(1)
	if err := wire.WriteFrame(conn, wire.ShutdownFrame(id), c.cfg.Limits); err != nil {
		return err
	}
	_, err = wire.ReadFrame(conn, c.cfg.Limits)
	if errors.Is(err, wire.ErrShortHeader) {
		// Server closed the connection while exiting; the signal landed.
		return nil
	}
	return err
}

func (c *Client) dial(ctx context.Context, normalizedToolPath string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	return dialer.DialContext(ctx, "unix", SocketPath(normalizedToolPath))
}

func (c *Client) check(conn net.Conn) error {
	id := c.msgID.Add(1)
	if err := wire.WriteFrame(conn, wire.CheckFrame(id), c.cfg.Limits); err != nil {
		return err
	}
	resp, err := wire.ReadFrame(conn, c.cfg.Limits)
	if err != nil {
		return err
	}
	if resp.Header.MessageType != wire.TypeCheckOK {
		return fmt.Errorf("ipc: unexpected check response type %d", resp.Header.MessageType)
	}
	return nil
}

// run submits one run request on an already-checked connection. Failures past
// this point are connection loss, not unreachability; the server may still be
// completing the run.
func (c *Client) run(conn net.Conn, normalizedToolPath string, args []string, sink host.Sink) (int32, error) {
	id := c.msgID.Add(1)
	req := wire.RunRequest{ToolPath: normalizedToolPath, Args: args}
	frame, err := req.Frame(id)
	if err != nil {
		return ExitConnectionLost, err
	}
	if err := wire.WriteFrame(conn, frame, c.cfg.Limits); err != nil {
		return ExitConnectionLost, fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	for {
		resp, err := wire.ReadFrame(conn, c.cfg.Limits)
		if err != nil {
			return ExitConnectionLost, fmt.Errorf("%w: %v", ErrConnectionLost, err)
		}
		switch resp.Header.MessageType {
		case wire.TypeLogRecord:
			rec, err := wire.DecodeLogRecord(resp)
			if err != nil {
				return ExitConnectionLost, fmt.Errorf("%w: %v", ErrConnectionLost, err)
			}
			sink.Emit(host.LogRecord{Severity: host.Severity(rec.Severity), Text: rec.Text})

		case wire.TypeRunResult:
			result, err := wire.DecodeRunResult(resp)
			if err != nil {
				return ExitConnectionLost, fmt.Errorf("%w: %v", ErrConnectionLost, err)
			}
			return result.ExitCode, nil

		case wire.TypeError:
			env, err := wire.DecodeError(resp)
			if err != nil {
				return ExitConnectionLost, fmt.Errorf("%w: %v", ErrConnectionLost, err)
			}
			return 1, fmt.Errorf("%w: %s", ErrRunRejected, env.Reason)

		default:
			return ExitConnectionLost, fmt.Errorf("%w: unexpected frame type %d",
				ErrConnectionLost, resp.Header.MessageType)
		}
	}
}
