package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Config describes one pool instance: its identity, its tokens, the roles
// seeded at genesis and the economic parameters of the pool and loan desk.
type Config struct {
	PoolID        string `toml:"PoolID"`
	AssetSymbol   string `toml:"AssetSymbol"`
	ShareSymbol   string `toml:"ShareSymbol"`
	AssetDecimals uint8  `toml:"AssetDecimals"`
	DataDir       string `toml:"DataDir"`

	Roles    Roles    `toml:"roles"`
	Pool     Pool     `toml:"pool"`
	LoanDesk LoanDesk `toml:"loan_desk"`
	Pauses   Pauses   `toml:"pauses"`
}

// Roles lists the bech32 addresses granted each capability at genesis.
type Roles struct {
	Governance []string `toml:"Governance"`
	Staker     []string `toml:"Staker"`
	Treasury   []string `toml:"Treasury"`
	Pauser     []string `toml:"Pauser"`
}

// Pool holds the pool ledger parameters. Percentages are decimal strings
// with at most one fractional digit, e.g. "12.5".
type Pool struct {
	TargetStake          string `toml:"TargetStake"`
	TargetLiquidity      string `toml:"TargetLiquidity"`
	ProtocolFee          string `toml:"ProtocolFee"`
	EarnFactor           string `toml:"EarnFactor"`
	ExitFee              string `toml:"ExitFee"`
	ExitFeeCooldownSecs  uint64 `toml:"ExitFeeCooldownSecs"`
	MinInitialStake      string `toml:"MinInitialStake"`
	StakerInactivitySecs uint64 `toml:"StakerInactivitySecs"`
}

// LoanDesk holds the loan template applied to incoming applications.
type LoanDesk struct {
	MinAmount           string `toml:"MinAmount"`
	MinDurationSecs     uint64 `toml:"MinDurationSecs"`
	MaxDurationSecs     uint64 `toml:"MaxDurationSecs"`
	GracePeriodSecs     uint64 `toml:"GracePeriodSecs"`
	APR                 string `toml:"APR"`
	LateAPRDelta        string `toml:"LateAPRDelta"`
	OfferExpirationSecs uint64 `toml:"OfferExpirationSecs"`
}

// Pauses sets the pause switches at genesis.
type Pauses struct {
	Pool     bool `toml:"Pool"`
	LoanDesk bool `toml:"LoanDesk"`
}

// Load reads the pool configuration at path. A missing file is replaced by
// the defaults, which are written back so operators can edit them.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}
	cfg := Default()
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, key := range undecoded {
			keys = append(keys, key.String())
		}
		return nil, fmt.Errorf("config file %s has unknown keys: %s", path, strings.Join(keys, ", "))
	}
	cfg.normalize()
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns the configuration written for a fresh pool.
func Default() *Config {
	return &Config{
		PoolID:        "default",
		AssetSymbol:   "USDC",
		ShareSymbol:   "PLS",
		AssetDecimals: 6,
		DataDir:       "./pool-data",
		Pool: Pool{
			TargetStake:          "10",
			TargetLiquidity:      "0",
			ProtocolFee:          "2",
			EarnFactor:           "150",
			ExitFee:              "0.5",
			ExitFeeCooldownSecs:  7 * 24 * 60 * 60,
			MinInitialStake:      "1000000000",
			StakerInactivitySecs: 30 * 24 * 60 * 60,
		},
		LoanDesk: LoanDesk{
			MinAmount:           "1000000",
			MinDurationSecs:     24 * 60 * 60,
			MaxDurationSecs:     365 * 24 * 60 * 60,
			GracePeriodSecs:     3 * 24 * 60 * 60,
			APR:                 "10",
			LateAPRDelta:        "5",
			OfferExpirationSecs: 7 * 24 * 60 * 60,
		},
	}
}

func (c *Config) normalize() {
	c.PoolID = strings.TrimSpace(c.PoolID)
	c.AssetSymbol = strings.ToUpper(strings.TrimSpace(c.AssetSymbol))
	c.ShareSymbol = strings.ToUpper(strings.TrimSpace(c.ShareSymbol))
	c.DataDir = strings.TrimSpace(c.DataDir)
	for _, list := range []*[]string{&c.Roles.Governance, &c.Roles.Staker, &c.Roles.Treasury, &c.Roles.Pauser} {
		if *list == nil {
			*list = []string{}
		}
	}
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := Default()
	cfg.normalize()
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
