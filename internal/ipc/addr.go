// Package ipc exposes the pooling daemon over a local socket whose address
// is derived deterministically from the hosted tool's path, and the client
// side that connects, spawns the server on a miss, and retries.
package ipc

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// Scheme prefixes every derived address.
	Scheme = "paradox.pool!"

	// escapeChar replaces path separators and drive markers so any two
	// distinct normalized tool paths map to distinct flat names.
	escapeChar = '!'

	socketDirName = "paradox-pool"
)

// NormalizeToolPath resolves toolPath to a cleaned absolute path, the pool
// identity key. The same tool must normalize identically across independent
// client invocations or discovery breaks.
func NormalizeToolPath(toolPath string) (string, error) {
	trimmed := strings.TrimSpace(toolPath)
	if trimmed == "" {
		return "", fmt.Errorf("ipc: tool path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("ipc: normalize %s: %w", toolPath, err)
	}
	return filepath.Clean(abs), nil
}

// Address returns the stable discovery address for a normalized tool path.
func Address(normalizedToolPath string) string {
	return Scheme + escapePath(normalizedToolPath)
}

// SocketPath maps a normalized tool path to the unix socket the server for
// that tool listens on. Stable across process restarts; collision-free
// because escapePath is injective on normalized paths.
func SocketPath(normalizedToolPath string) string {
	return filepath.Join(SocketDir(), escapePath(normalizedToolPath)+".sock")
}

// SocketDir is the shared directory holding every per-tool socket.
func SocketDir() string {
	return filepath.Join(os.TempDir(), socketDirName)
}

// escapePath flattens a normalized path into a socket-safe name: separators
// and drive markers become the escape character, and the rare characters that
// would make that mapping ambiguous are percent-encoded first. The result is
// injective, so two distinct normalized tool paths never share an address.
func escapePath(path string) string {
	var b strings.Builder
	b.Grow(len(path))
	for i := 0; i < len(path); i++ {
		switch c := path[i]; c {
		case '/':
			b.WriteByte(escapeChar)
		case '\\':
			b.WriteString("%5c")
		case ':':
			b.WriteString("%3a")
		case escapeChar:
			b.WriteString("%21")
		case '%':
			b.WriteString("%25")
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}
