package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/PavelBrokhman/paradox/internal/ipc"
)

// HostFileConfig is the daemon-side TOML schema. Durations are strings in
// time.ParseDuration form.
type HostFileConfig struct {
	MaxConcurrent  int    `toml:"max_concurrent"`
	CachingEnabled *bool  `toml:"caching_enabled"`
	IdleTimeout    string `toml:"idle_timeout"`
	PollInterval   string `toml:"poll_interval"`
	SweepInterval  string `toml:"sweep_interval"`
	IdleShutdown   string `toml:"idle_shutdown"`
	AdminAddr      string `toml:"admin_addr"`
}

// LoadServiceConfig overlays the TOML file at path onto the service
// defaults. A missing file is an error; an empty path returns the defaults.
func LoadServiceConfig(path string) (ipc.ServiceConfig, error) {
	cfg := ipc.DefaultServiceConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw HostFileConfig
	if err := loadToml(path, &raw); err != nil {
		return ipc.ServiceConfig{}, err
	}

	if raw.MaxConcurrent != 0 {
		cfg.Pool.MaxConcurrent = raw.MaxConcurrent
	}
	if raw.CachingEnabled != nil {
		cfg.Pool.CachingEnabled = *raw.CachingEnabled
	}
	if err := overlayDuration(&cfg.Pool.IdleTimeout, raw.IdleTimeout, "idle_timeout"); err != nil {
		return ipc.ServiceConfig{}, err
	}
	if err := overlayDuration(&cfg.Pool.PollInterval, raw.PollInterval, "poll_interval"); err != nil {
		return ipc.ServiceConfig{}, err
	}
	if err := overlayDuration(&cfg.Pool.SweepInterval, raw.SweepInterval, "sweep_interval"); err != nil {
		return ipc.ServiceConfig{}, err
	}
	if err := overlayDuration(&cfg.Server.IdleShutdown, raw.IdleShutdown, "idle_shutdown"); err != nil {
		return ipc.ServiceConfig{}, err
	}
	cfg.AdminListenAddr = strings.TrimSpace(raw.AdminAddr)

	if err := Validate(cfg); err != nil {
		return ipc.ServiceConfig{}, err
	}
	return cfg, nil
}

func Validate(cfg ipc.ServiceConfig) error {
	if cfg.Pool.MaxConcurrent <= 0 {
		return fmt.Errorf("config: max_concurrent must be positive")
	}
	if cfg.Pool.IdleTimeout <= 0 {
		return fmt.Errorf("config: idle_timeout must be positive")
	}
	if cfg.Pool.PollInterval <= 0 {
		return fmt.Errorf("config: poll_interval must be positive")
	}
	if cfg.Pool.SweepInterval <= 0 {
		return fmt.Errorf("config: sweep_interval must be positive")
	}
	return nil
}

func overlayDuration(dst *time.Duration, raw, field string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config: parse %s: %w", field, err)
	}
	*dst = d
	return nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}
