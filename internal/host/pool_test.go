package host

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PavelBrokhman/paradox/internal/testutil/testlog"
)

// counterTool increments per-context state on every run, making warm reuse
// observable from the outside.
func counterLoader(name string) *BuiltinLoader {
	loader := NewBuiltinLoader()
	loader.Register(name, func() Tool {
		var runs int32
		return ToolFunc(func(_ []string, sink Sink) int32 {
			n := atomic.AddInt32(&runs, 1)
			sink.Emit(LogRecord{Severity: SeverityInfo, Text: "run"})
			return n
		})
	})
	return loader
}

func testPoolConfig() Config {
	return Config{
		MaxConcurrent:  2,
		IdleTimeout:    time.Hour,
		PollInterval:   20 * time.Millisecond,
		SweepInterval:  time.Hour,
		CachingEnabled: true,
	}
}

func TestPoolReusesWarmContext(t *testing.T) {
	testlog.Start(t)

	tool := writeTool(t, "counter")
	pool, err := NewPool(tool, counterLoader("counter"), testPoolConfig())
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Shutdown()

	first, err := pool.AcquireAndRun(context.Background(), nil, DiscardSink)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := pool.AcquireAndRun(context.Background(), nil, DiscardSink)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	if first != 1 || second != 2 {
		t.Fatalf("expected counter continuity 1,2 got %d,%d", first, second)
	}
	if pool.Size() != 1 {
		t.Fatalf("expected a single warm context, got %d", pool.Size())
	}
}

func TestPoolCachingDisabledGetsFreshContexts(t *testing.T) {
	testlog.Start(t)

	tool := writeTool(t, "counter")
	cfg := testPoolConfig()
	cfg.CachingEnabled = false
	pool, err := NewPool(tool, counterLoader("counter"), cfg)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Shutdown()

	first, _ := pool.AcquireAndRun(context.Background(), nil, DiscardSink)
	second, _ := pool.AcquireAndRun(context.Background(), nil, DiscardSink)

	if first != 1 || second != 1 {
		t.Fatalf("expected fresh counter per run, got %d,%d", first, second)
	}
	if pool.Size() != 0 {
		t.Fatalf("one-shot contexts must not be retained, size=%d", pool.Size())
	}
}

// A one-shot context must leave the pool before its run claim is released;
// otherwise a concurrent acquirer can lock a context that is about to be
// disposed and run against a torn-down tool.
func TestPoolCachingDisabledConcurrentRuns(t *testing.T) {
	testlog.Start(t)

	tool := writeTool(t, "oneshot")
	loader := NewBuiltinLoader()
	loader.Register("oneshot", func() Tool {
		return ToolFunc(func([]string, Sink) int32 {
			time.Sleep(time.Millisecond)
			return 0
		})
	})

	cfg := testPoolConfig()
	cfg.MaxConcurrent = 2
	cfg.PollInterval = time.Millisecond
	cfg.CachingEnabled = false
	pool, err := NewPool(tool, loader, cfg)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Shutdown()

	var wg sync.WaitGroup
	var badCode atomic.Int32
	var failures atomic.Int32
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				code, err := pool.AcquireAndRun(context.Background(), nil, DiscardSink)
				if err != nil || code != 0 {
					failures.Add(1)
					badCode.Store(code)
				}
			}
		}()
	}
	wg.Wait()

	if n := failures.Load(); n != 0 {
		t.Fatalf("%d runs failed (last code %d); one-shot contexts leaked into reuse", n, badCode.Load())
	}
	if pool.Size() != 0 {
		t.Fatalf("one-shot contexts retained: %d", pool.Size())
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	testlog.Start(t)

	const maxConcurrent = 2
	tool := writeTool(t, "slow")

	var inFlight atomic.Int32
	var peak atomic.Int32
	release := make(chan struct{})

	loader := NewBuiltinLoader()
	loader.Register("slow", func() Tool {
		return ToolFunc(func([]string, Sink) int32 {
			n := inFlight.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			<-release
			inFlight.Add(-1)
			return 0
		})
	})

	cfg := testPoolConfig()
	cfg.MaxConcurrent = maxConcurrent
	pool, err := NewPool(tool, loader, cfg)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < maxConcurrent+1; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := pool.AcquireAndRun(context.Background(), nil, DiscardSink); err != nil {
				t.Errorf("run: %v", err)
			}
		}()
	}

	// Let the first N runs start and the extra caller begin waiting.
	time.Sleep(150 * time.Millisecond)
	if got := inFlight.Load(); got != maxConcurrent {
		t.Fatalf("expected %d in-flight runs, got %d", maxConcurrent, got)
	}
	close(release)
	wg.Wait()

	if peak.Load() > maxConcurrent {
		t.Fatalf("concurrency overrun: peak=%d", peak.Load())
	}
	if pool.Size() > maxConcurrent {
		t.Fatalf("pool grew past capacity: %d", pool.Size())
	}
	pool.Shutdown()
}

func TestPoolWaiterObservesPollDelay(t *testing.T) {
	testlog.Start(t)

	tool := writeTool(t, "slow")
	release := make(chan struct{})
	loader := NewBuiltinLoader()
	loader.Register("slow", func() Tool {
		return ToolFunc(func([]string, Sink) int32 {
			<-release
			return 0
		})
	})

	cfg := testPoolConfig()
	cfg.MaxConcurrent = 1
	cfg.PollInterval = 50 * time.Millisecond
	pool, err := NewPool(tool, loader, cfg)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = pool.AcquireAndRun(context.Background(), nil, DiscardSink)
	}()
	<-started
	time.Sleep(50 * time.Millisecond) // first run is now holding the only slot

	waitStart := time.Now()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = pool.AcquireAndRun(context.Background(), nil, DiscardSink)
	}()

	time.Sleep(2 * cfg.PollInterval)
	close(release)
	<-done

	if waited := time.Since(waitStart); waited < cfg.PollInterval {
		t.Fatalf("second caller should have waited at least one poll interval, waited %v", waited)
	}
	pool.Shutdown()
}

func TestPoolIdempotentRuns(t *testing.T) {
	testlog.Start(t)

	tool := writeTool(t, "echoer")
	loader := NewBuiltinLoader()
	loader.Register("echoer", func() Tool {
		return ToolFunc(func(args []string, sink Sink) int32 {
			for _, a := range args {
				sink.Emit(LogRecord{Severity: SeverityInfo, Text: a})
			}
			return 0
		})
	})
	pool, err := NewPool(tool, loader, testPoolConfig())
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Shutdown()

	for i := 0; i < 2; i++ {
		code, err := pool.AcquireAndRun(context.Background(), []string{"hello"}, DiscardSink)
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if code != 0 {
			t.Fatalf("run %d: unexpected exit code %d", i, code)
		}
	}
}

func TestRecycleEvictsStaleContext(t *testing.T) {
	testlog.Start(t)

	tool := writeTool(t, "counter")
	pool, err := NewPool(tool, counterLoader("counter"), testPoolConfig())
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Shutdown()

	if _, err := pool.AcquireAndRun(context.Background(), nil, DiscardSink); err != nil {
		t.Fatalf("run: %v", err)
	}
	if pool.Size() != 1 {
		t.Fatalf("expected warm context")
	}

	// Rebuild the tool binary; the tracker recorded its mtime at load.
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(tool, future, future); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	if evicted := pool.Recycle(); evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}
	if pool.Size() != 0 {
		t.Fatalf("stale context still pooled")
	}

	// The next run transparently gets a fresh context.
	code, err := pool.AcquireAndRun(context.Background(), nil, DiscardSink)
	if err != nil {
		t.Fatalf("run after recycle: %v", err)
	}
	if code != 1 {
		t.Fatalf("expected fresh counter, got %d", code)
	}
}

func TestRecycleEvictsIdleContext(t *testing.T) {
	testlog.Start(t)

	tool := writeTool(t, "counter")
	cfg := testPoolConfig()
	cfg.IdleTimeout = 30 * time.Millisecond
	pool, err := NewPool(tool, counterLoader("counter"), cfg)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Shutdown()

	if _, err := pool.AcquireAndRun(context.Background(), nil, DiscardSink); err != nil {
		t.Fatalf("run: %v", err)
	}

	time.Sleep(2 * cfg.IdleTimeout)
	if evicted := pool.Recycle(); evicted != 1 {
		t.Fatalf("expected idle eviction, got %d", evicted)
	}
	if pool.Size() != 0 {
		t.Fatalf("idle context still pooled")
	}
}

func TestRecycleSkipsRunningContext(t *testing.T) {
	testlog.Start(t)

	tool := writeTool(t, "slow")
	release := make(chan struct{})
	loader := NewBuiltinLoader()
	loader.Register("slow", func() Tool {
		return ToolFunc(func([]string, Sink) int32 {
			<-release
			return 0
		})
	})
	cfg := testPoolConfig()
	cfg.IdleTimeout = time.Nanosecond
	pool, err := NewPool(tool, loader, cfg)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = pool.AcquireAndRun(context.Background(), nil, DiscardSink)
	}()
	// Wait for the run to be in flight.
	deadline := time.Now().Add(2 * time.Second)
	for pool.RunningCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("run never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if evicted := pool.Recycle(); evicted != 0 {
		t.Fatalf("recycle evicted a running context")
	}
	close(release)
	<-done
	pool.Shutdown()
}

func TestShutdownWaitsForInFlightRun(t *testing.T) {
	testlog.Start(t)

	tool := writeTool(t, "slow")
	release := make(chan struct{})
	loader := NewBuiltinLoader()
	loader.Register("slow", func() Tool {
		return ToolFunc(func([]string, Sink) int32 {
			<-release
			return 0
		})
	})
	pool, err := NewPool(tool, loader, testPoolConfig())
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	runDone := make(chan int32, 1)
	go func() {
		code, _ := pool.AcquireAndRun(context.Background(), nil, DiscardSink)
		runDone <- code
	}()
	deadline := time.Now().Add(2 * time.Second)
	for pool.RunningCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("run never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		pool.Shutdown()
	}()

	select {
	case <-shutdownDone:
		t.Fatalf("shutdown completed while a run was in flight")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	<-shutdownDone
	if code := <-runDone; code != 0 {
		t.Fatalf("in-flight run corrupted by shutdown: %d", code)
	}
	if pool.Size() != 0 {
		t.Fatalf("contexts survived shutdown: %d", pool.Size())
	}
}

func TestAcquireAfterShutdownFails(t *testing.T) {
	testlog.Start(t)

	tool := writeTool(t, "counter")
	pool, err := NewPool(tool, counterLoader("counter"), testPoolConfig())
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	pool.Shutdown()

	if _, err := pool.AcquireAndRun(context.Background(), nil, DiscardSink); err == nil {
		t.Fatalf("expected ErrPoolClosed")
	}
}

func TestAcquireHonorsContextCancellation(t *testing.T) {
	testlog.Start(t)

	tool := writeTool(t, "slow")
	release := make(chan struct{})
	loader := NewBuiltinLoader()
	loader.Register("slow", func() Tool {
		return ToolFunc(func([]string, Sink) int32 {
			<-release
			return 0
		})
	})
	cfg := testPoolConfig()
	cfg.MaxConcurrent = 1
	pool, err := NewPool(tool, loader, cfg)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}

	go func() { _, _ = pool.AcquireAndRun(context.Background(), nil, DiscardSink) }()
	deadline := time.Now().Add(2 * time.Second)
	for pool.RunningCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("run never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	if _, err := pool.AcquireAndRun(ctx, nil, DiscardSink); err == nil {
		t.Fatalf("expected context deadline error while pool saturated")
	}

	close(release)
	pool.Shutdown()
}

func TestPoolUsesProcessLoaderShadowCopy(t *testing.T) {
	testlog.Start(t)

	dir := t.TempDir()
	tool := filepath.Join(dir, "echoer.sh")
	script := "#!/bin/sh\necho \"$@\"\n"
	if err := os.WriteFile(tool, []byte(script), 0o755); err != nil {
		t.Fatalf("write tool: %v", err)
	}

	pool, err := NewPool(tool, ProcessLoader{}, testPoolConfig())
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	defer pool.Shutdown()

	var lines []string
	code, err := pool.AcquireAndRun(context.Background(), []string{"hello"}, SinkFunc(func(rec LogRecord) {
		lines = append(lines, rec.Text)
	}))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if code != 0 {
		t.Fatalf("unexpected exit code: %d", code)
	}
	if len(lines) != 1 || lines[0] != "hello" {
		t.Fatalf("unexpected output: %v", lines)
	}
}
