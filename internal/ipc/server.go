package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/PavelBrokhman/paradox/internal/host"
	"github.com/PavelBrokhman/paradox/internal/wire"
)

var (
	ErrAlreadyRunning = errors.New("ipc: server already running for tool")
	ErrServerClosed   = errors.New("ipc: server closed")
)

// ServerConfig tunes one server instance.
type ServerConfig struct {
	// IdleShutdown stops the server after this long with no connection
	// activity and no run in flight. Zero disables idle shutdown.
	IdleShutdown time.Duration
	Limits       wire.Limits
}

// Server accepts run requests for exactly one tool path on that path's
// deterministic unix socket and delegates them to the pool. One server per
// tool path per host; a second Start observes the live socket and fails.
type Server struct {
	toolPath string
	pool     *host.Pool
	cfg      ServerConfig

	ln       net.Listener
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	inFlight     atomic.Int32
	lastActivity atomic.Int64
}

func NewServer(normalizedToolPath string, pool *host.Pool, cfg ServerConfig) *Server {
	s := &Server{
		toolPath: normalizedToolPath,
		pool:     pool,
		cfg:      cfg,
		done:     make(chan struct{}),
	}
	s.touch()
	return s
}

// Start binds the socket and begins serving. Non-blocking; pair with Wait.
func (s *Server) Start() error {
	socketPath := SocketPath(s.toolPath)
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return fmt.Errorf("ipc: socket dir: %w", err)
	}
	if err := s.claimSocket(socketPath); err != nil {
		return err
	}

	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("ipc: listen %s: %w", socketPath, err)
	}
	s.ln = ln
	log.Info().
		Str("tool", s.toolPath).
		Str("address", Address(s.toolPath)).
		Str("socket", socketPath).
		Msg("ipc: server listening")

	s.wg.Add(2)
	go s.acceptLoop()
	go s.maintenanceLoop()
	return nil
}

// Wait blocks until the server has stopped.
func (s *Server) Wait() {
	<-s.done
	s.wg.Wait()
}

// Serve is Start followed by Wait.
func (s *Server) Serve() error {
	if err := s.Start(); err != nil {
		return err
	}
	s.Wait()
	return nil
}

// Stop drains the pool and shuts the listener down. In-flight runs complete;
// their connections are answered before the process exits.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		log.Info().Str("tool", s.toolPath).Msg("ipc: server stopping")
		close(s.done)
		if s.ln != nil {
			_ = s.ln.Close()
		}
		s.pool.Shutdown()
		_ = os.Remove(SocketPath(s.toolPath))
	})
}

// claimSocket removes a stale socket file left by a dead server. A socket
// that still accepts connections belongs to a live server and is not ours.
func (s *Server) claimSocket(socketPath string) error {
	if _, err := os.Stat(socketPath); err != nil {
		return nil
	}
	conn, err := net.DialTimeout("unix", socketPath, 250*time.Millisecond)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, s.toolPath)
	}
	log.Debug().Str("socket", socketPath).Msg("ipc: removing stale socket")
	return os.Remove(socketPath)
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			log.Warn().Err(err).Msg("ipc: accept failed")
			continue
		}
		s.touch()
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// maintenanceLoop drives the recycle sweep and the idle-shutdown check. It
// runs off the request path so client runs never pay for a staleness scan.
func (s *Server) maintenanceLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.pool.Config().SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.pool.Recycle()
			if s.idleExpired() {
				log.Info().
					Str("tool", s.toolPath).
					Dur("idle_shutdown", s.cfg.IdleShutdown).
					Msg("ipc: idle timeout reached")
				go s.Stop()
				return
			}
		}
	}
}

func (s *Server) idleExpired() bool {
	if s.cfg.IdleShutdown <= 0 {
		return false
	}
	if s.inFlight.Load() > 0 {
		return false
	}
	last := time.Unix(0, s.lastActivity.Load())
	return time.Since(last) > s.cfg.IdleShutdown
}

func (s *Server) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	// Hosted tools emit records from their own goroutines; every frame
	// written to the connection goes through this mutex.
	var writeMu sync.Mutex
	writeFrame := func(f wire.Frame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return wire.WriteFrame(conn, f, s.cfg.Limits)
	}

	for {
		frame, err := wire.ReadFrame(conn, s.cfg.Limits)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, wire.ErrShortHeader) {
				log.Debug().Err(err).Msg("ipc: connection read failed")
			}
			return
		}
		s.touch()

		switch frame.Header.MessageType {
		case wire.TypeCheck:
			if err := writeFrame(wire.CheckOKFrame(frame.Header.MessageID)); err != nil {
				return
			}

		case wire.TypeRun:
			s.serveRun(frame, writeFrame)

		case wire.TypeShutdown:
			log.Info().Str("tool", s.toolPath).Msg("ipc: shutdown requested")
			_ = writeFrame(wire.CheckOKFrame(frame.Header.MessageID))
			go s.Stop()
			return

		default:
			env := wire.ErrorEnv{Reason: fmt.Sprintf("unsupported message type %d", frame.Header.MessageType)}
			if err := writeFrame(env.Frame(frame.Header.MessageID)); err != nil {
				return
			}
		}
	}
}

// serveRun executes one run request, forwarding each log record the moment
// the hosted tool produces it and terminating the stream with the exit code.
func (s *Server) serveRun(frame wire.Frame, writeFrame func(wire.Frame) error) {
	msgID := frame.Header.MessageID
	req, err := wire.DecodeRunRequest(frame)
	if err != nil {
		_ = writeFrame(wire.ErrorEnv{Reason: err.Error()}.Frame(msgID))
		return
	}
	if normalized, err := NormalizeToolPath(req.ToolPath); err != nil || normalized != s.toolPath {
		reason := fmt.Sprintf("server owns %s, not %s", s.toolPath, req.ToolPath)
		_ = writeFrame(wire.ErrorEnv{Reason: reason}.Frame(msgID))
		return
	}

	s.inFlight.Add(1)
	defer func() {
		s.inFlight.Add(-1)
		s.touch()
	}()

	sink := host.SinkFunc(func(rec host.LogRecord) {
		env := wire.LogRecordEnv{Severity: uint8(rec.Severity), Text: rec.Text}
		// A client that disconnected mid-run does not cancel the run; the
		// write failure is dropped and the context finishes normally.
		_ = writeFrame(env.Frame(msgID))
	})

	code, err := s.pool.AcquireAndRun(context.Background(), req.Args, sink)
	if err != nil {
		_ = writeFrame(wire.ErrorEnv{Reason: err.Error()}.Frame(msgID))
		return
	}
	_ = writeFrame(wire.RunResult{ExitCode: code}.Frame(msgID))
}
