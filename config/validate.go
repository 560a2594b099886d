package config

import (
	"fmt"
	"strings"
)

// Validate checks that the configuration describes a usable sale.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config: nil")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return fmt.Errorf("DataDir must not be empty")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Storage)) {
	case "", "leveldb", "bolt", "memory":
	default:
		return fmt.Errorf("Storage must be leveldb, bolt or memory, got %q", cfg.Storage)
	}
	if cfg.Sale.PositionSeconds == 0 {
		return fmt.Errorf("sale.PositionSeconds must be positive")
	}
	if _, err := cfg.StartTime(); err != nil {
		return err
	}
	if _, err := cfg.ClockSkew(); err != nil {
		return err
	}
	if cfg.Server.Auth.Enabled && strings.TrimSpace(cfg.Server.Auth.HMACSecret) == "" {
		return fmt.Errorf("server.auth.HMACSecret required when auth is enabled")
	}
	if cfg.Server.RequestsPerMinute < 0 || cfg.Server.Burst < 0 || cfg.Server.MaxConnections < 0 {
		return fmt.Errorf("server rate limits must not be negative")
	}
	if cfg.Telemetry.SampleRatio < 0 || cfg.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry.SampleRatio must be within [0,1]")
	}
	params, err := cfg.SaleParams()
	if err != nil {
		return err
	}
	if params.Tiers != nil && params.Tiers.WeekLength == 0 {
		return fmt.Errorf("sale.tiers.WeekDuration shorter than one position (%ds)", cfg.Sale.PositionSeconds)
	}
	return params.Validate()
}
