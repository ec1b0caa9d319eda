package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config holds the daemon configuration together with the auction parameters
// used on first run. The auction parameters are consumed exactly once, at
// initialization; afterwards the persisted record is authoritative and edits
// here have no effect.
type Config struct {
	RPCAddress           string `toml:"RPCAddress"`
	DataDir              string `toml:"DataDir"`
	JournalPath          string `toml:"JournalPath"`
	Environment          string `toml:"Environment"`
	BlockIntervalSeconds uint64 `toml:"BlockIntervalSeconds"`

	Auction AuctionConfig `toml:"Auction"`
}

// AuctionConfig mirrors the auction initializer parameters. Amounts are
// decimal strings so configurations survive values beyond 64 bits.
type AuctionConfig struct {
	Seller              string `toml:"Seller"`
	ReservePrice        string `toml:"ReservePrice"`
	NumBlocksOpen       uint64 `toml:"NumBlocksOpen"`
	OfferPriceDecrement string `toml:"OfferPriceDecrement"`
	CollectibleSymbol   string `toml:"CollectibleSymbol"`
	CollectibleID       uint64 `toml:"CollectibleID"`
	PaymentToken        string `toml:"PaymentToken"`
	UpgradeAdmin        string `toml:"UpgradeAdmin"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = ":8080"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./auction-data"
	}
	if strings.TrimSpace(cfg.JournalPath) == "" {
		cfg.JournalPath = filepath.Join(cfg.DataDir, "events.journal")
	}
	if cfg.BlockIntervalSeconds == 0 {
		cfg.BlockIntervalSeconds = 1
	}

	return cfg, nil
}

// ParseAmount converts a decimal amount string into a big integer. An empty
// string parses as zero.
func ParseAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("config: invalid amount %q", value)
	}
	if amount.Sign() < 0 {
		return nil, fmt.Errorf("config: amount %q must be non-negative", value)
	}
	return amount, nil
}

// Validate checks the auction parameters that initialization cannot default.
func (c *AuctionConfig) Validate() error {
	if strings.TrimSpace(c.Seller) == "" {
		return fmt.Errorf("config: auction seller is required")
	}
	if c.NumBlocksOpen == 0 {
		return fmt.Errorf("config: auction open window must be positive")
	}
	if strings.TrimSpace(c.CollectibleSymbol) == "" {
		return fmt.Errorf("config: collectible symbol is required")
	}
	if _, err := ParseAmount(c.ReservePrice); err != nil {
		return err
	}
	if _, err := ParseAmount(c.OfferPriceDecrement); err != nil {
		return err
	}
	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		RPCAddress:           ":8080",
		DataDir:              "./auction-data",
		JournalPath:          filepath.Join("./auction-data", "events.journal"),
		Environment:          "local",
		BlockIntervalSeconds: 1,
		Auction: AuctionConfig{
			ReservePrice:        "1000",
			NumBlocksOpen:       10,
			OfferPriceDecrement: "100",
			CollectibleSymbol:   "LOT",
			CollectibleID:       1,
		},
	}

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
