package host

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/PavelBrokhman/paradox/internal/shadow"
	"github.com/PavelBrokhman/paradox/internal/track"
)

// Exit code when the hosted binary cannot be started at all.
const unstartableToolExitCode int32 = 127

var ErrUnknownTool = errors.New("host: unknown tool")

// Tool is one loaded copy of the hosted tool's entry point. A Tool instance
// belongs to exactly one execution context; any mutable state it keeps lives
// and dies with that context.
type Tool interface {
	Main(args []string, sink Sink) int32
}

// Scope is the isolated loader scope owned by one execution context: the
// staleness tracker for everything loaded into it and the shadow cache its
// dependencies resolve through.
type Scope struct {
	Tracker *track.Tracker
	Shadow  *shadow.Cache
}

func NewScope(toolPath string) *Scope {
	tracker := track.NewTracker()
	return &Scope{
		Tracker: tracker,
		Shadow:  shadow.NewCache(toolPath, tracker),
	}
}

// Loader materializes a Tool for a tool path inside a context's scope.
type Loader interface {
	Load(toolPath string, scope *Scope) (Tool, error)
}

// BuiltinLoader resolves tools hosted in-process: entry points registered by
// basename, each context receiving a fresh instance from the factory so
// static state never leaks across contexts.
type BuiltinLoader struct {
	mu        sync.RWMutex
	factories map[string]func() Tool
}

func NewBuiltinLoader() *BuiltinLoader {
	return &BuiltinLoader{factories: make(map[string]func() Tool)}
}

// Register binds an in-process entry point to a tool basename.
func (l *BuiltinLoader) Register(name string, factory func() Tool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.factories[name] = factory
}

func (l *BuiltinLoader) Load(toolPath string, scope *Scope) (Tool, error) {
	l.mu.RLock()
	factory, ok := l.factories[filepath.Base(toolPath)]
	l.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, toolPath)
	}
	// The tool's own binary is tracked so external rebuilds of it invalidate
	// warm contexts the same way dependency changes do.
	if _, err := os.Stat(toolPath); err == nil {
		scope.Tracker.Record(toolPath)
	}
	return factory(), nil
}

// ToolFunc adapts a plain function to the Tool interface.
type ToolFunc func(args []string, sink Sink) int32

func (f ToolFunc) Main(args []string, sink Sink) int32 {
	return f(args, sink)
}

// ProcessLoader resolves tools as external executables. Loading shadow-copies
// the binary and its sibling dependency files once; each run then execs the
// shadow copy, so the originals stay unlocked and replaceable while warm
// contexts keep serving.
type ProcessLoader struct{}

func (ProcessLoader) Load(toolPath string, scope *Scope) (Tool, error) {
	abs, err := filepath.Abs(toolPath)
	if err != nil {
		return nil, fmt.Errorf("host: resolve %s: %w", toolPath, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, abs)
	}

	binary, err := scope.Shadow.Add(abs)
	if err != nil {
		// Add already logged and fell back to the original path.
		binary = abs
	}
	if err := scope.Shadow.AddDir(filepath.Dir(abs)); err != nil {
		return nil, err
	}

	return &processTool{
		binary:      binary,
		searchPaths: scope.Shadow.SearchPaths(),
	}, nil
}

type processTool struct {
	binary      string
	searchPaths []string
}

func (t *processTool) Main(args []string, sink Sink) int32 {
	cmd := exec.Command(t.binary, args...)
	cmd.Env = t.env()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		sink.Emit(LogRecord{Severity: SeverityError, Text: err.Error()})
		return unstartableToolExitCode
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		sink.Emit(LogRecord{Severity: SeverityError, Text: err.Error()})
		return unstartableToolExitCode
	}
	if err := cmd.Start(); err != nil {
		sink.Emit(LogRecord{Severity: SeverityError, Text: err.Error()})
		return unstartableToolExitCode
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		emitLines(stdout, SeverityInfo, sink)
	}()
	go func() {
		defer wg.Done()
		emitLines(stderr, SeverityError, sink)
	}()
	wg.Wait()

	err = cmd.Wait()
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return int32(exitErr.ExitCode())
	}
	sink.Emit(LogRecord{Severity: SeverityError, Text: err.Error()})
	return 1
}

func (t *processTool) env() []string {
	if len(t.searchPaths) == 0 {
		return nil
	}
	joined := strings.Join(t.searchPaths, string(os.PathListSeparator))
	env := os.Environ()
	for i, kv := range env {
		if strings.HasPrefix(kv, "LD_LIBRARY_PATH=") {
			env[i] = kv + string(os.PathListSeparator) + joined
			return env
		}
	}
	return append(env, "LD_LIBRARY_PATH="+joined)
}

func emitLines(r io.Reader, sev Severity, sink Sink) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		sink.Emit(LogRecord{Severity: sev, Text: scanner.Text()})
	}
}
