package scenario

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/coldbell/autorepay/internal/autorepay"
	"gopkg.in/yaml.v3"
)

type Attack string

const (
	AttackNone Attack = "none"
	// AttackReorder swaps Swap and Deposit.
	AttackReorder Attack = "reorder"
	// AttackMixedVaults points Deposit at a second owner's vault.
	AttackMixedVaults Attack = "mixed_vaults"
	// AttackDropSwap removes the Swap instruction.
	AttackDropSwap Attack = "drop_swap"
)

type Fixture struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	World       WorldFixture  `yaml:"world"`
	Owner       OwnerFixture  `yaml:"owner"`
	Caller      CallerFixture `yaml:"caller"`
	Swap        SwapFixture   `yaml:"swap"`
	Attack      Attack        `yaml:"attack"`
	Expect      ExpectFixture `yaml:"expect"`

	// Programs overrides the program identities the world is built with.
	Programs *autorepay.Program `yaml:"-"`
}

type MarketFixture struct {
	Decimals                   uint8  `yaml:"decimals"`
	Price                      int64  `yaml:"price"`
	InitialAssetWeight         uint32 `yaml:"initial_asset_weight"`
	MaintenanceAssetWeight     uint32 `yaml:"maintenance_asset_weight"`
	InitialLiabilityWeight     uint32 `yaml:"initial_liability_weight"`
	MaintenanceLiabilityWeight uint32 `yaml:"maintenance_liability_weight"`
	VaultLiquidity             uint64 `yaml:"vault_liquidity"`
}

type WorldFixture struct {
	Slot                         uint64        `yaml:"slot"`
	LiquidationMarginBufferRatio uint32        `yaml:"liquidation_margin_buffer_ratio"`
	Quote                        MarketFixture `yaml:"quote"`
	Collateral                   MarketFixture `yaml:"collateral"`
	CollateralMarketIndex        uint16        `yaml:"collateral_market_index"`
	PoolRateNumerator            uint64        `yaml:"pool_rate_numerator"`
	PoolRateDenominator          uint64        `yaml:"pool_rate_denominator"`
	PoolLiquidity                uint64        `yaml:"pool_liquidity"`
}

type OwnerFixture struct {
	Collateral uint64 `yaml:"collateral"`
	Borrow     uint64 `yaml:"borrow"`
}

type CallerFixture struct {
	Balance uint64 `yaml:"balance"`
	// StartBalance overrides the balance Start declares; zero means Balance.
	StartBalance uint64 `yaml:"start_balance"`
}

type SwapFixture struct {
	OutAmount      uint64 `yaml:"out_amount"`
	QuotedInAmount uint64 `yaml:"quoted_in_amount"`
	SlippageBps    uint16 `yaml:"slippage_bps"`
	PlatformFeeBps uint8  `yaml:"platform_fee_bps"`
}

type ExpectFixture struct {
	// Error is the program error name, empty for a committed batch.
	Error string `yaml:"error"`
	// Index is the instruction the batch aborts at.
	Index          int     `yaml:"index"`
	PreBuffered    *uint8  `yaml:"pre_buffered_health"`
	PostBuffered   *uint8  `yaml:"post_buffered_health"`
	CallerBalance  *uint64 `yaml:"caller_balance"`
	CollateralLeft *int64  `yaml:"collateral_left"`
	BorrowLeft     *int64  `yaml:"borrow_left"`
	// LoggedPostBuffered is the post-repay health Withdraw logs before the
	// floor check can revert the batch.
	LoggedPostBuffered *uint8 `yaml:"logged_post_buffered_health"`
}

func (f *Fixture) WorldSpec() WorldSpec {
	return WorldSpec{
		Slot:                         f.World.Slot,
		LiquidationMarginBufferRatio: f.World.LiquidationMarginBufferRatio,
		Quote:                        MarketSpec(f.World.Quote),
		Collateral:                   MarketSpec(f.World.Collateral),
		CollateralMarketIndex:        f.World.CollateralMarketIndex,
		PoolRateNumerator:            f.World.PoolRateNumerator,
		PoolRateDenominator:          f.World.PoolRateDenominator,
		PoolLiquidity:                f.World.PoolLiquidity,
		Programs:                     f.Programs,
	}
}

func (f *Fixture) validate() error {
	switch f.Attack {
	case "":
		f.Attack = AttackNone
	case AttackNone, AttackReorder, AttackMixedVaults, AttackDropSwap:
	default:
		return fmt.Errorf("fixture %s: unknown attack %q", f.Name, f.Attack)
	}
	if f.World.CollateralMarketIndex == 0 {
		return fmt.Errorf("fixture %s: collateral_market_index must be set", f.Name)
	}
	if f.World.PoolRateNumerator == 0 || f.World.PoolRateDenominator == 0 {
		return fmt.Errorf("fixture %s: pool rate must be non-zero", f.Name)
	}
	if f.Swap.OutAmount == 0 {
		return fmt.Errorf("fixture %s: swap out_amount must be set", f.Name)
	}
	return nil
}

func LoadFixture(path string) (*Fixture, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	if f.Name == "" {
		f.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := f.validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// LoadFixtures reads every *.yaml file in dir sorted by name.
func LoadFixtures(dir string) ([]*Fixture, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	out := make([]*Fixture, 0, len(paths))
	for _, path := range paths {
		f, err := LoadFixture(path)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}
