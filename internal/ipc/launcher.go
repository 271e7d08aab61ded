package ipc

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// Launcher spawns a server process for a tool path when a client finds no
// listener. It does not wait for the server to come up; the client's own
// retry loop handles readiness.
type Launcher struct {
	// ServerFlag is the argument that puts the spawned binary in server mode.
	ServerFlag string
	// Exe overrides the binary to spawn; empty means the current executable.
	Exe string
}

func NewLauncher() *Launcher {
	return &Launcher{ServerFlag: "-server"}
}

// Launch starts a detached server bound to normalizedToolPath. The running
// binary is first copied to a sibling name derived from the hosted tool, so
// the server process never holds a lock on the client binary itself; the
// copy is refreshed only when missing or older than the current executable.
func (l *Launcher) Launch(normalizedToolPath string) error {
	exe := l.Exe
	if exe == "" {
		var err error
		exe, err = os.Executable()
		if err != nil {
			return fmt.Errorf("ipc: locate executable: %w", err)
		}
	}

	serverBin := exe
	if copied, err := l.serverCopy(exe, normalizedToolPath); err != nil {
		log.Warn().Err(err).Msg("ipc: server binary copy failed, launching in place")
	} else {
		serverBin = copied
	}

	cmd := exec.Command(serverBin, l.ServerFlag, normalizedToolPath)
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("ipc: spawn server: %w", err)
	}
	log.Info().
		Int("pid", cmd.Process.Pid).
		Str("tool", normalizedToolPath).
		Msg("ipc: server spawned")
	return cmd.Process.Release()
}

// serverCopy returns the path of the sibling server binary for this tool,
// copying the current executable there when the copy is missing or stale.
func (l *Launcher) serverCopy(exe, normalizedToolPath string) (string, error) {
	exeInfo, err := os.Stat(exe)
	if err != nil {
		return "", err
	}

	name := filepath.Base(normalizedToolPath) + ".host"
	target := filepath.Join(filepath.Dir(exe), name)

	if info, err := os.Stat(target); err == nil && !info.ModTime().Before(exeInfo.ModTime()) {
		return target, nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(exe), name+".tmp-")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	src, err := os.Open(exe)
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", err
	}
	_, copyErr := io.Copy(tmp, src)
	_ = src.Close()
	if closeErr := tmp.Close(); copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(tmpName)
		return "", copyErr
	}
	if err := os.Chmod(tmpName, 0o755); err != nil {
		_ = os.Remove(tmpName)
		return "", err
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return "", err
	}
	return target, nil
}
