package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/PavelBrokhman/paradox/internal/ipc"
)

type clientFileConfig struct {
	RetryBudget     int    `toml:"retry_budget"`
	RetryDelay      string `toml:"retry_delay"`
	RetryDelayMS    int64  `toml:"retry_delay_ms"`
	DialTimeout     string `toml:"dial_timeout"`
	MaxPayloadBytes uint64 `toml:"max_payload_bytes"`
}

func loadClientConfig(path string) (ipc.ClientConfig, error) {
	cfg := ipc.DefaultClientConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}

	var raw clientFileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return ipc.ClientConfig{}, fmt.Errorf("load client config: %w", err)
	}

	if meta.IsDefined("retry_budget") {
		cfg.RetryBudget = raw.RetryBudget
	}

	if meta.IsDefined("retry_delay") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.RetryDelay))
		if err != nil {
			return ipc.ClientConfig{}, fmt.Errorf("parse retry_delay: %w", err)
		}
		cfg.RetryDelay = d
	}

	if meta.IsDefined("retry_delay_ms") {
		cfg.RetryDelay = time.Duration(raw.RetryDelayMS) * time.Millisecond
	}

	if meta.IsDefined("dial_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.DialTimeout))
		if err != nil {
			return ipc.ClientConfig{}, fmt.Errorf("parse dial_timeout: %w", err)
		}
		cfg.DialTimeout = d
	}

	if meta.IsDefined("max_payload_bytes") {
		cfg.Limits.MaxPayloadBytes = raw.MaxPayloadBytes
	}

	return cfg, nil
}
