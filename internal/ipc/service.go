package ipc

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/PavelBrokhman/paradox/internal/host"
)

// EnvDisableCache forces fresh-context-per-run behavior even when running
// through the server; intended for debugging cache-related bugs.
const EnvDisableCache = "PARADOX_DISABLE_CACHE"

// ServiceConfig configures one pooling-server process.
type ServiceConfig struct {
	ToolPath        string
	Pool            host.Config
	Server          ServerConfig
	AdminListenAddr string
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Pool: host.DefaultConfig(),
		Server: ServerConfig{
			IdleShutdown: 10 * time.Minute,
		},
		AdminListenAddr: "",
	}
}

// ApplyEnvOverrides folds process-environment switches into cfg. The result
// is carried explicitly from here on; nothing below the service reads the
// environment, so independent pools with different settings can share a
// process in tests.
func (cfg ServiceConfig) ApplyEnvOverrides() ServiceConfig {
	if raw := strings.TrimSpace(os.Getenv(EnvDisableCache)); raw != "" {
		if disabled, err := strconv.ParseBool(raw); err == nil && disabled {
			cfg.Pool.CachingEnabled = false
		}
	}
	return cfg
}

// Service owns the server lifecycle for one tool path: pool construction,
// socket serving, the optional admin listener, and signal-driven shutdown.
type Service struct {
	cfg    ServiceConfig
	loader host.Loader
}

func NewService(cfg ServiceConfig, loader host.Loader) (*Service, error) {
	normalized, err := NormalizeToolPath(cfg.ToolPath)
	if err != nil {
		return nil, err
	}
	cfg.ToolPath = normalized
	cfg.Pool = cfg.Pool.WithDefaults()
	if loader == nil {
		loader = host.ProcessLoader{}
	}
	return &Service{cfg: cfg, loader: loader}, nil
}

// Run serves until a shutdown request, idle expiry, or process signal.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := host.NewPool(s.cfg.ToolPath, s.loader, s.cfg.Pool)
	if err != nil {
		return fmt.Errorf("ipc: build pool: %w", err)
	}

	server := NewServer(s.cfg.ToolPath, pool, s.cfg.Server)
	if err := server.Start(); err != nil {
		return err
	}

	if s.cfg.AdminListenAddr != "" {
		admin := newAdminServer(s.cfg.ToolPath, pool)
		go func() {
			if err := admin.Serve(s.cfg.AdminListenAddr); err != nil {
				log.Error().Err(err).Msg("ipc: admin listener failed")
			}
		}()
	}

	go func() {
		<-ctx.Done()
		server.Stop()
	}()

	log.Info().
		Str("tool", s.cfg.ToolPath).
		Int("max_concurrent", s.cfg.Pool.MaxConcurrent).
		Bool("caching", s.cfg.Pool.CachingEnabled).
		Msg("ipc: service running")
	server.Wait()
	return nil
}
