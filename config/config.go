package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// MaxCooldown is the protocol-wide ceiling for the settlement cooldown. Any
// configured value above it is rejected at load time.
const MaxCooldown = 24 * time.Hour

// DefaultCooldown is applied when no cooldown is configured.
const DefaultCooldown = time.Hour

// AssetConfig describes one supported underlying asset and its per-batch
// institutional caps. Amounts are decimal strings in the asset's smallest
// unit.
type AssetConfig struct {
	Symbol            string `toml:"Symbol"`
	Address           string `toml:"Address"`
	MaxMintPerBatch   string `toml:"MaxMintPerBatch"`
	MaxRedeemPerBatch string `toml:"MaxRedeemPerBatch"`
}

// Config aggregates the settlement service configuration.
type Config struct {
	ChainID           uint64        `toml:"ChainID"`
	DataDir           string        `toml:"DataDir"`
	Environment       string        `toml:"Environment"`
	MetricsAddress    string        `toml:"MetricsAddress"`
	CooldownSeconds   uint64        `toml:"CooldownSeconds"`
	YieldToleranceBps uint64        `toml:"YieldToleranceBps"`
	Assets            []AssetConfig `toml:"Assets"`
}

// Load reads the configuration from the given path, creating a default file
// when none exists.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	normalized := cfg.Normalise()
	if err := normalized.Validate(); err != nil {
		return nil, err
	}
	return &normalized, nil
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ChainID:           1,
		DataDir:           "./kam-data",
		Environment:       "dev",
		MetricsAddress:    ":9464",
		CooldownSeconds:   uint64(DefaultCooldown / time.Second),
		YieldToleranceBps: 1000,
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return nil, fmt.Errorf("config: write default %s: %w", path, err)
	}
	return cfg, nil
}

// Normalise trims whitespace, removes duplicate assets, and applies canonical
// casing to symbols.
func (c Config) Normalise() Config {
	normalized := c
	normalized.DataDir = strings.TrimSpace(c.DataDir)
	normalized.Environment = strings.TrimSpace(c.Environment)
	normalized.MetricsAddress = strings.TrimSpace(c.MetricsAddress)
	if len(c.Assets) > 0 {
		seen := make(map[string]struct{}, len(c.Assets))
		assets := make([]AssetConfig, 0, len(c.Assets))
		for _, entry := range c.Assets {
			symbol := strings.ToUpper(strings.TrimSpace(entry.Symbol))
			if symbol == "" {
				continue
			}
			if _, exists := seen[symbol]; exists {
				continue
			}
			seen[symbol] = struct{}{}
			assets = append(assets, AssetConfig{
				Symbol:            symbol,
				Address:           strings.TrimSpace(entry.Address),
				MaxMintPerBatch:   strings.TrimSpace(entry.MaxMintPerBatch),
				MaxRedeemPerBatch: strings.TrimSpace(entry.MaxRedeemPerBatch),
			})
		}
		sort.Slice(assets, func(i, j int) bool { return assets[i].Symbol < assets[j].Symbol })
		normalized.Assets = assets
	}
	return normalized
}

// Validate verifies the configured values fall within protocol bounds.
func (c Config) Validate() error {
	if c.Cooldown() > MaxCooldown {
		return fmt.Errorf("config: cooldown %s exceeds ceiling %s", c.Cooldown(), MaxCooldown)
	}
	if c.YieldToleranceBps > 10_000 {
		return fmt.Errorf("config: yield tolerance must not exceed 10000 bps")
	}
	for _, asset := range c.Assets {
		if _, err := parseAmount(asset.MaxMintPerBatch); err != nil {
			return fmt.Errorf("config: asset %s mint cap: %w", asset.Symbol, err)
		}
		if _, err := parseAmount(asset.MaxRedeemPerBatch); err != nil {
			return fmt.Errorf("config: asset %s redeem cap: %w", asset.Symbol, err)
		}
	}
	return nil
}

// Cooldown returns the configured settlement cooldown, defaulting when unset.
func (c Config) Cooldown() time.Duration {
	if c.CooldownSeconds == 0 {
		return DefaultCooldown
	}
	return time.Duration(c.CooldownSeconds) * time.Second
}

// AssetCaps resolves the per-batch caps for the named asset. A missing or
// empty cap means unlimited and is returned as nil.
func (c Config) AssetCaps(symbol string) (mintCap, redeemCap *big.Int, ok bool) {
	normalized := strings.ToUpper(strings.TrimSpace(symbol))
	for _, asset := range c.Assets {
		if asset.Symbol != normalized {
			continue
		}
		mint, _ := parseAmount(asset.MaxMintPerBatch)
		redeem, _ := parseAmount(asset.MaxRedeemPerBatch)
		return mint, redeem, true
	}
	return nil, nil, false
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return amount, nil
}
