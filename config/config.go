package config

import (
	"bytes"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"tokensale/clock"
	"tokensale/crypto"
	"tokensale/native/crowdsale"
	"tokensale/native/token"
)

type Config struct {
	NetworkName string          `toml:"NetworkName" yaml:"network_name"`
	DataDir     string          `toml:"DataDir" yaml:"data_dir"`
	LogLevel    string          `toml:"LogLevel" yaml:"log_level"`
	LogFile     string          `toml:"LogFile,omitempty" yaml:"log_file,omitempty"`
	Storage     string          `toml:"Storage" yaml:"storage"`
	Sale        SaleConfig      `toml:"sale" yaml:"sale"`
	Server      ServerConfig    `toml:"server" yaml:"server"`
	Indexer     IndexerConfig   `toml:"indexer" yaml:"indexer"`
	Telemetry   TelemetryConfig `toml:"telemetry" yaml:"telemetry"`
}

// ServerConfig configures the HTTP gateway started by "tokensale serve".
// StartTime is the RFC3339 instant of StartPosition; positions advance every
// Sale.PositionSeconds from there.
type ServerConfig struct {
	ListenAddress     string     `toml:"ListenAddress" yaml:"listen_address"`
	StartTime         string     `toml:"StartTime" yaml:"start_time"`
	RequestsPerMinute float64    `toml:"RequestsPerMinute" yaml:"requests_per_minute"`
	Burst             int        `toml:"Burst" yaml:"burst"`
	MaxConnections    int        `toml:"MaxConnections" yaml:"max_connections"`
	Auth              AuthConfig `toml:"auth" yaml:"auth"`
}

// AuthConfig guards the purchase endpoint with HS256 bearer tokens.
type AuthConfig struct {
	Enabled    bool   `toml:"Enabled" yaml:"enabled"`
	HMACSecret string `toml:"HMACSecret" yaml:"hmac_secret"`
	Issuer     string `toml:"Issuer" yaml:"issuer"`
	Audience   string `toml:"Audience" yaml:"audience"`
	ClockSkew  string `toml:"ClockSkew" yaml:"clock_skew"`
}

// IndexerConfig points at the SQL purchase index. File paths open sqlite;
// postgres:// URLs open postgres.
type IndexerConfig struct {
	DSN string `toml:"DSN" yaml:"dsn"`
}

// TelemetryConfig enables OTLP/HTTP export for the gateway.
type TelemetryConfig struct {
	Endpoint    string  `toml:"Endpoint" yaml:"endpoint"`
	Insecure    bool    `toml:"Insecure" yaml:"insecure"`
	Headers     string  `toml:"Headers" yaml:"headers"`
	Traces      bool    `toml:"Traces" yaml:"traces"`
	Metrics     bool    `toml:"Metrics" yaml:"metrics"`
	SampleRatio float64 `toml:"SampleRatio" yaml:"sample_ratio"`
}

// SaleConfig mirrors crowdsale.Params with human-friendly encodings. Amounts
// accept plain integers, 0x-hex, or a decimal followed by a unit (wei, gwei,
// ether, token).
type SaleConfig struct {
	StartPosition     uint64     `toml:"StartPosition" yaml:"start_position"`
	EndPosition       uint64     `toml:"EndPosition" yaml:"end_position"`
	PositionSeconds   uint64     `toml:"PositionSeconds" yaml:"position_seconds"`
	Rate              string     `toml:"Rate" yaml:"rate"`
	Wallet            string     `toml:"Wallet" yaml:"wallet"`
	Cap               string     `toml:"Cap" yaml:"cap"`
	FundPreallocation string     `toml:"FundPreallocation" yaml:"fund_preallocation"`
	Goal              string     `toml:"Goal" yaml:"goal"`
	TokenName         string     `toml:"TokenName" yaml:"token_name"`
	TokenSymbol       string     `toml:"TokenSymbol" yaml:"token_symbol"`
	TokenDecimals     uint8      `toml:"TokenDecimals" yaml:"token_decimals"`
	Tiers             TierConfig `toml:"tiers" yaml:"tiers"`
}

// TierConfig enables the weekly pricing layout. Durations use Go syntax
// ("24h", "168h") and are converted to positions with PositionSeconds.
type TierConfig struct {
	Enabled         bool   `toml:"Enabled" yaml:"enabled"`
	PreSale         string `toml:"PreSale" yaml:"pre_sale"`
	Week1           string `toml:"Week1" yaml:"week1"`
	Week2           string `toml:"Week2" yaml:"week2"`
	Week3           string `toml:"Week3" yaml:"week3"`
	PreSaleDuration string `toml:"PreSaleDuration" yaml:"pre_sale_duration"`
	WeekDuration    string `toml:"WeekDuration" yaml:"week_duration"`
}

const (
	defaultNetworkName     = "tokensale-local"
	defaultDataDir         = "./tokensale-data"
	defaultPositionSeconds = 15
	defaultWeek            = 7 * 24 * time.Hour
	defaultListenAddress   = "127.0.0.1:8545"
	defaultIndexDSN        = "purchases.db"
	defaultStorage         = "leveldb"
	defaultMaxConnections  = 256
)

// Load loads the configuration from the given path. A missing file is
// replaced by a freshly written default.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if isYAML(path) {
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
	} else {
		meta, err := toml.Decode(string(raw), cfg)
		if err != nil {
			return nil, fmt.Errorf("config %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config %s: unknown field %s", path, undecoded[0].String())
		}
	}
	cfg.applyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.NetworkName) == "" {
		c.NetworkName = defaultNetworkName
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = defaultDataDir
	}
	if strings.TrimSpace(c.Storage) == "" {
		c.Storage = defaultStorage
	}
	if c.Sale.PositionSeconds == 0 {
		c.Sale.PositionSeconds = defaultPositionSeconds
	}
	if c.Sale.TokenDecimals == 0 && strings.TrimSpace(c.Sale.TokenSymbol) == "" {
		c.Sale.TokenDecimals = 18
	}
	if strings.TrimSpace(c.Sale.TokenSymbol) == "" {
		c.Sale.TokenSymbol = "ALIS"
	}
	if strings.TrimSpace(c.Sale.TokenName) == "" {
		c.Sale.TokenName = "AlisToken"
	}
	if c.Sale.Tiers.Enabled && strings.TrimSpace(c.Sale.Tiers.WeekDuration) == "" {
		c.Sale.Tiers.WeekDuration = defaultWeek.String()
	}
	if strings.TrimSpace(c.Server.ListenAddress) == "" {
		c.Server.ListenAddress = defaultListenAddress
	}
	if c.Server.RequestsPerMinute == 0 {
		c.Server.RequestsPerMinute = 600
	}
	if c.Server.Burst == 0 {
		c.Server.Burst = 20
	}
	if c.Server.MaxConnections == 0 {
		c.Server.MaxConnections = defaultMaxConnections
	}
	if strings.TrimSpace(c.Indexer.DSN) == "" {
		c.Indexer.DSN = filepath.Join(c.DataDir, defaultIndexDSN)
	}
}

// Default returns the reference sale: 250M tokens pre-allocated to wallet,
// a 500M cap and a fixed rate of 2,080 tokens per ether.
func Default(wallet [20]byte) *Config {
	positions := clock.PositionsFor(5*defaultWeek, defaultPositionSeconds*time.Second)
	return &Config{
		NetworkName: defaultNetworkName,
		DataDir:     defaultDataDir,
		LogLevel:    "info",
		Storage:     defaultStorage,
		Sale: SaleConfig{
			StartPosition:     1000,
			EndPosition:       1000 + positions,
			PositionSeconds:   defaultPositionSeconds,
			Rate:              "2080",
			Wallet:            crypto.FormatAddress(wallet),
			Cap:               "500000000 token",
			FundPreallocation: "250000000 token",
			Goal:              "37500 ether",
			TokenName:         "AlisToken",
			TokenSymbol:       "ALIS",
			TokenDecimals:     18,
			Tiers: TierConfig{
				PreSale:         "20000",
				Week1:           "2900",
				Week2:           "2600",
				Week3:           "2300",
				PreSaleDuration: "0s",
				WeekDuration:    defaultWeek.String(),
			},
		},
		Server: ServerConfig{
			ListenAddress:     defaultListenAddress,
			RequestsPerMinute: 600,
			Burst:             20,
			MaxConnections:    defaultMaxConnections,
			Auth:              AuthConfig{Issuer: "tokensale", ClockSkew: "2m0s"},
		},
	}
}

// createDefault creates and saves a default configuration file with a
// freshly generated wallet.
func createDefault(path string) (*Config, error) {
	wallet, err := crypto.GenerateAddress()
	if err != nil {
		return nil, err
	}
	cfg := Default(wallet)
	if err := Save(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg to path, as YAML for .yaml/.yml paths and TOML otherwise.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	var buf bytes.Buffer
	if isYAML(path) {
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		if err := enc.Close(); err != nil {
			return err
		}
	} else if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

// SaleParams converts the sale section into engine parameters.
func (c *Config) SaleParams() (crowdsale.Params, error) {
	s := c.Sale
	var params crowdsale.Params
	wallet, err := crypto.ParseAddress(s.Wallet)
	if err != nil {
		return params, fmt.Errorf("sale.Wallet: %w", err)
	}
	rate, err := ParseAmount(s.Rate, s.TokenDecimals)
	if err != nil {
		return params, fmt.Errorf("sale.Rate: %w", err)
	}
	capValue, err := ParseAmount(s.Cap, s.TokenDecimals)
	if err != nil {
		return params, fmt.Errorf("sale.Cap: %w", err)
	}
	prealloc, err := ParseAmount(s.FundPreallocation, s.TokenDecimals)
	if err != nil {
		return params, fmt.Errorf("sale.FundPreallocation: %w", err)
	}
	goal, err := ParseAmount(s.Goal, s.TokenDecimals)
	if err != nil {
		return params, fmt.Errorf("sale.Goal: %w", err)
	}
	params = crowdsale.Params{
		StartPosition:     s.StartPosition,
		EndPosition:       s.EndPosition,
		Rate:              rate,
		Wallet:            wallet,
		Cap:               capValue,
		FundPreallocation: prealloc,
		Goal:              goal,
		Token: token.Metadata{
			Name:     s.TokenName,
			Symbol:   s.TokenSymbol,
			Decimals: s.TokenDecimals,
		},
	}
	if s.Tiers.Enabled {
		tiers, err := s.weeklyRates()
		if err != nil {
			return params, err
		}
		params.Tiers = tiers
	}
	return params, nil
}

func (s SaleConfig) weeklyRates() (*crowdsale.WeeklyRates, error) {
	unit := time.Duration(s.PositionSeconds) * time.Second
	preSaleDuration, err := parseDuration(s.Tiers.PreSaleDuration)
	if err != nil {
		return nil, fmt.Errorf("sale.tiers.PreSaleDuration: %w", err)
	}
	weekDuration, err := parseDuration(s.Tiers.WeekDuration)
	if err != nil {
		return nil, fmt.Errorf("sale.tiers.WeekDuration: %w", err)
	}
	out := &crowdsale.WeeklyRates{
		PreSaleLength: clock.PositionsFor(preSaleDuration, unit),
		WeekLength:    clock.PositionsFor(weekDuration, unit),
	}
	for _, tier := range []struct {
		field string
		raw   string
		dst   **big.Int
	}{
		{"PreSale", s.Tiers.PreSale, &out.PreSale},
		{"Week1", s.Tiers.Week1, &out.Week1},
		{"Week2", s.Tiers.Week2, &out.Week2},
		{"Week3", s.Tiers.Week3, &out.Week3},
	} {
		value, err := ParseAmount(tier.raw, s.TokenDecimals)
		if err != nil {
			return nil, fmt.Errorf("sale.tiers.%s: %w", tier.field, err)
		}
		*tier.dst = value
	}
	return out, nil
}

// StartTime parses Server.StartTime. An empty value yields the zero time.
func (c *Config) StartTime() (time.Time, error) {
	raw := strings.TrimSpace(c.Server.StartTime)
	if raw == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("server.StartTime: %w", err)
	}
	return ts, nil
}

// ClockSkew parses Server.Auth.ClockSkew.
func (c *Config) ClockSkew() (time.Duration, error) {
	d, err := parseDuration(c.Server.Auth.ClockSkew)
	if err != nil {
		return 0, fmt.Errorf("server.auth.ClockSkew: %w", err)
	}
	return d, nil
}

func parseDuration(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %s must not be negative", trimmed)
	}
	return d, nil
}
