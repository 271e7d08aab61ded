package host

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/PavelBrokhman/paradox/internal/observability"
)

var (
	ErrPoolClosed  = errors.New("host: pool closed")
	ErrLoadFailed  = errors.New("host: tool load failed")
	ErrNoLoader    = errors.New("host: loader required")
	ErrNoToolPath  = errors.New("host: tool path required")
	ErrBadCapacity = errors.New("host: max_concurrent must be positive")
)

// Config bounds one pool. IdleTimeout and the sweep cadence come from the
// surrounding daemon configuration; nothing here is a process-wide global so
// independent pools with different settings can coexist in one process.
type Config struct {
	MaxConcurrent  int
	IdleTimeout    time.Duration
	PollInterval   time.Duration
	SweepInterval  time.Duration
	CachingEnabled bool
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  4,
		IdleTimeout:    5 * time.Minute,
		PollInterval:   200 * time.Millisecond,
		SweepInterval:  30 * time.Second,
		CachingEnabled: true,
	}
}

func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = d.SweepInterval
	}
	return c
}

// Pool owns the bounded set of execution contexts for one tool path. The
// pool mutex guards membership only; no hosted-tool code runs under it.
type Pool struct {
	toolPath string
	cfg      Config
	loader   Loader

	mu       sync.Mutex
	contexts []*ExecutionContext
	seq      int
	closed   bool
}

func NewPool(toolPath string, loader Loader, cfg Config) (*Pool, error) {
	if toolPath == "" {
		return nil, ErrNoToolPath
	}
	if loader == nil {
		return nil, ErrNoLoader
	}
	cfg = cfg.WithDefaults()
	if cfg.MaxConcurrent <= 0 {
		return nil, ErrBadCapacity
	}
	return &Pool{toolPath: toolPath, cfg: cfg, loader: loader}, nil
}

func (p *Pool) ToolPath() string {
	return p.toolPath
}

func (p *Pool) Config() Config {
	return p.cfg
}

// Size reports the number of live contexts.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.contexts)
}

// RunningCount reports how many contexts have a run in flight.
func (p *Pool) RunningCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.contexts {
		if c.Running() {
			n++
		}
	}
	return n
}

// AcquireAndRun borrows a context (reusing a warm one, creating one when
// capacity allows, or poll-waiting at capacity), runs the tool outside any
// pool lock, and releases the context afterwards. With caching disabled the
// context is used once and disposed.
func (p *Pool) AcquireAndRun(ctx context.Context, args []string, sink Sink) (int32, error) {
	start := time.Now()
	ec, fresh, err := p.acquire(ctx)
	if err != nil {
		return 1, err
	}
	observability.RecordAcquireWait(p.toolPath, time.Since(start))

	if fresh {
		if err := ec.load(p.loader); err != nil {
			p.discard(ec)
			return 1, fmt.Errorf("%w: %v", ErrLoadFailed, err)
		}
	}

	code := ec.Run(args, sink)
	observability.RecordRun(p.toolPath, code)

	// One-shot contexts leave the pool before the run claim is released, so a
	// concurrent acquire can never lock a context that is about to be disposed.
	if !p.cfg.CachingEnabled {
		p.discard(ec)
	} else {
		ec.EndRun()
	}
	return code, nil
}

// acquire returns a claimed context and whether it still needs loading. The
// wait at capacity is a bounded poll, never a busy spin; ctx cancels it.
func (p *Pool) acquire(ctx context.Context) (*ExecutionContext, bool, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, false, ErrPoolClosed
		}

		for _, c := range p.contexts {
			if c.TryLock() {
				p.mu.Unlock()
				observability.RecordContextReused(p.toolPath)
				log.Debug().Str("context", c.Name()).Msg("host: context reused")
				return c, false, nil
			}
		}

		if len(p.contexts) < p.cfg.MaxConcurrent {
			p.seq++
			name := fmt.Sprintf("%s-%d", filepath.Base(p.toolPath), p.seq)
			c := newContext(name, p.toolPath)
			c.TryLock()
			p.contexts = append(p.contexts, c)
			p.mu.Unlock()
			observability.RecordContextCreated(p.toolPath)
			log.Info().Str("context", name).Msg("host: context created")
			return c, true, nil
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(p.cfg.PollInterval):
		}
	}
}

// discard removes a context from the pool and disposes it. Used for one-shot
// contexts (caching disabled) and failed loads; the context is still claimed
// by the caller.
func (p *Pool) discard(ec *ExecutionContext) {
	p.mu.Lock()
	p.remove(ec)
	p.mu.Unlock()
	ec.Dispose()
	observability.RecordContextDisposed(p.toolPath)
}

// remove drops ec from the membership slice. Caller holds p.mu.
func (p *Pool) remove(ec *ExecutionContext) {
	for i, c := range p.contexts {
		if c == ec {
			p.contexts = append(p.contexts[:i], p.contexts[i+1:]...)
			return
		}
	}
}

// Recycle evicts every context that has been idle past IdleTimeout or whose
// tracked files changed on disk. Contexts with a run in flight are skipped.
// Invoked from the daemon's sweep loop, never inline with client requests.
func (p *Pool) Recycle() int {
	now := time.Now()

	p.mu.Lock()
	var evicted []*ExecutionContext
	var reasons []string
	for _, c := range p.contexts {
		reason := ""
		if now.Sub(c.LastRun()) > p.cfg.IdleTimeout {
			reason = "expired"
		} else if !c.UpToDate() {
			reason = "files-changed"
		}
		if reason == "" {
			continue
		}
		if !c.TryLock() {
			continue
		}
		evicted = append(evicted, c)
		reasons = append(reasons, reason)
	}
	for _, c := range evicted {
		p.remove(c)
	}
	p.mu.Unlock()

	for i, c := range evicted {
		log.Info().
			Str("context", c.Name()).
			Str("reason", reasons[i]).
			Msg("host: context recycled")
		c.Dispose()
		observability.RecordContextRecycled(p.toolPath, reasons[i])
	}
	if len(evicted) > 0 {
		runtime.GC()
	}
	return len(evicted)
}

// Shutdown disposes every context, waiting for in-flight runs to finish.
// Repeated sweeps with a short sleep between them; never interrupts a run.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	for {
		p.mu.Lock()
		var claimed []*ExecutionContext
		for _, c := range p.contexts {
			if c.TryLock() {
				claimed = append(claimed, c)
			}
		}
		for _, c := range claimed {
			p.remove(c)
		}
		remaining := len(p.contexts)
		p.mu.Unlock()

		for _, c := range claimed {
			c.Dispose()
			observability.RecordContextDisposed(p.toolPath)
		}
		if remaining == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}
