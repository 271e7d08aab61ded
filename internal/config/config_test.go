package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/PavelBrokhman/paradox/internal/ipc"
	"github.com/PavelBrokhman/paradox/internal/testutil/testlog"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hostctl.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadServiceConfigDefaults(t *testing.T) {
	testlog.Start(t)

	cfg, err := LoadServiceConfig("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	want := ipc.DefaultServiceConfig()
	if cfg.Pool.MaxConcurrent != want.Pool.MaxConcurrent {
		t.Fatalf("max concurrent = %d, want %d", cfg.Pool.MaxConcurrent, want.Pool.MaxConcurrent)
	}
	if cfg.Server.IdleShutdown != want.Server.IdleShutdown {
		t.Fatalf("idle shutdown = %v, want %v", cfg.Server.IdleShutdown, want.Server.IdleShutdown)
	}
}

func TestLoadServiceConfigOverlay(t *testing.T) {
	testlog.Start(t)

	path := writeConfig(t, `
max_concurrent = 8
caching_enabled = false
idle_timeout = "90s"
poll_interval = "50ms"
sweep_interval = "10s"
idle_shutdown = "30m"
admin_addr = "127.0.0.1:9920"
`)
	cfg, err := LoadServiceConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Pool.MaxConcurrent != 8 {
		t.Fatalf("max concurrent = %d", cfg.Pool.MaxConcurrent)
	}
	if cfg.Pool.CachingEnabled {
		t.Fatalf("caching still enabled")
	}
	if cfg.Pool.IdleTimeout != 90*time.Second {
		t.Fatalf("idle timeout = %v", cfg.Pool.IdleTimeout)
	}
	if cfg.Pool.PollInterval != 50*time.Millisecond {
		t.Fatalf("poll interval = %v", cfg.Pool.PollInterval)
	}
	if cfg.Pool.SweepInterval != 10*time.Second {
		t.Fatalf("sweep interval = %v", cfg.Pool.SweepInterval)
	}
	if cfg.Server.IdleShutdown != 30*time.Minute {
		t.Fatalf("idle shutdown = %v", cfg.Server.IdleShutdown)
	}
	if cfg.AdminListenAddr != "127.0.0.1:9920" {
		t.Fatalf("admin addr = %q", cfg.AdminListenAddr)
	}
}

func TestLoadServiceConfigPartialKeepsDefaults(t *testing.T) {
	testlog.Start(t)

	path := writeConfig(t, `max_concurrent = 2`)
	cfg, err := LoadServiceConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	want := ipc.DefaultServiceConfig()
	if cfg.Pool.MaxConcurrent != 2 {
		t.Fatalf("max concurrent = %d", cfg.Pool.MaxConcurrent)
	}
	if cfg.Pool.IdleTimeout != want.Pool.IdleTimeout {
		t.Fatalf("idle timeout = %v, want default %v", cfg.Pool.IdleTimeout, want.Pool.IdleTimeout)
	}
	if !cfg.Pool.CachingEnabled {
		t.Fatalf("caching default lost")
	}
}

func TestLoadServiceConfigRejectsBadValues(t *testing.T) {
	testlog.Start(t)

	for name, content := range map[string]string{
		"bad duration":       `idle_timeout = "soon"`,
		"negative workers":   `max_concurrent = -1`,
		"zero poll interval": `poll_interval = "0s"`,
	} {
		path := writeConfig(t, content)
		if _, err := LoadServiceConfig(path); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadServiceConfigMissingFile(t *testing.T) {
	testlog.Start(t)

	if _, err := LoadServiceConfig(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
