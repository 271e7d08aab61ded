package host

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ExecutionContext is a reusable, isolated run-unit hosting one loaded copy
// of the target tool. Admission is controlled solely by TryLock; membership
// in a pool is controlled by the pool's own lock.
type ExecutionContext struct {
	name     string
	toolPath string
	scope    *Scope
	tool     Tool

	mu       sync.Mutex
	running  bool
	disposed bool
	lastRun  time.Time
}

func newContext(name, toolPath string) *ExecutionContext {
	return &ExecutionContext{
		name:     name,
		toolPath: toolPath,
		scope:    NewScope(toolPath),
		lastRun:  time.Now(),
	}
}

func (c *ExecutionContext) Name() string {
	return c.name
}

func (c *ExecutionContext) ToolPath() string {
	return c.toolPath
}

// load resolves the hosted tool into this context's scope. Called exactly
// once, while the context is locked by its creator, so the potentially slow
// shadow-copy work happens outside the pool lock.
func (c *ExecutionContext) load(loader Loader) error {
	tool, err := loader.Load(c.toolPath, c.scope)
	if err != nil {
		return err
	}
	c.tool = tool
	return nil
}

// TryLock atomically claims the context for one run. It fails if the context
// is already running or has been disposed.
func (c *ExecutionContext) TryLock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running || c.disposed {
		return false
	}
	c.running = true
	return true
}

// EndRun releases the run claim taken by TryLock.
func (c *ExecutionContext) EndRun() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
}

// Running reports whether a client's run is currently in flight.
func (c *ExecutionContext) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// LastRun returns the timestamp of the most recent run start or completion.
func (c *ExecutionContext) LastRun() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRun
}

func (c *ExecutionContext) touch() {
	c.mu.Lock()
	c.lastRun = time.Now()
	c.mu.Unlock()
}

// Run invokes the hosted tool's entry point with args, streaming records to
// sink as they are produced. The caller must hold the run claim. A panic
// escaping the entry point is logged as an error record and surfaced as exit
// code 1; it never takes the server down.
func (c *ExecutionContext) Run(args []string, sink Sink) (code int32) {
	c.touch()
	defer c.touch()
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("context", c.name).
				Interface("panic", r).
				Msg("host: tool entry point panicked")
			sink.Emit(LogRecord{
				Severity: SeverityError,
				Text:     fmt.Sprintf("tool entry point panicked: %v", r),
			})
			code = 1
		}
	}()

	log.Debug().Str("context", c.name).Strs("args", args).Msg("host: run start")
	code = c.tool.Main(args, sink)
	log.Debug().Str("context", c.name).Int32("exit_code", code).Msg("host: run complete")
	return code
}

// UpToDate reports whether every file loaded into this context is unchanged
// on disk.
func (c *ExecutionContext) UpToDate() bool {
	return c.scope.Tracker.UpToDate()
}

// Dispose tears down the context's loader scope. Idempotent. The caller must
// have claimed the context (or be the pool's shutdown path).
func (c *ExecutionContext) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	tool := c.tool
	c.tool = nil
	c.mu.Unlock()

	if closer, ok := tool.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			log.Warn().Str("context", c.name).Err(err).Msg("host: tool teardown failed")
		}
	}
}

// Disposed reports whether the context has been torn down.
func (c *ExecutionContext) Disposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}
