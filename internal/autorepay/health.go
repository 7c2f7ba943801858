package autorepay

import (
	"fmt"
	"math/big"

	"github.com/coldbell/autorepay/internal/exchange"
	"github.com/coldbell/autorepay/internal/svm"
	"github.com/gagliardetto/solana-go"
)

const (
	// MinPostHealth is the buffered health a batch must leave behind.
	MinPostHealth = 30
	// BufferPct is shaved off total collateral before buffered health is computed.
	BufferPct = 10

	// MarginWitnessMarketIndex is tracked as the margin requirement witness.
	MarginWitnessMarketIndex uint16 = 1
)

var (
	maxI128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	minI128 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
	maxU128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
)

// Health is an account's distance from liquidation in percent.
// Raw is what the exchange would see; Buffered is what gates a batch.
type Health struct {
	Raw               uint8
	Buffered          uint8
	TotalCollateral   *big.Int
	MarginRequirement *big.Int
}

// AccountHealth rebuilds the exchange's market and oracle maps from remaining,
// runs its liquidation margin calculation for user and derives health.
func AccountHealth(user *exchange.User, state *exchange.State, remaining []*svm.AccountRef, exchangeProgramID solana.PublicKey, slot uint64, marketIndex uint16) (*Health, error) {
	maps, err := exchange.LoadMarketMaps(remaining, exchangeProgramID, slot, state.OracleGuardRails, marketIndex)
	if err != nil {
		return nil, err
	}
	return HealthFromMaps(user, state, maps)
}

func HealthFromMaps(user *exchange.User, state *exchange.State, maps *exchange.MarketMaps) (*Health, error) {
	ctx := exchange.LiquidationMarginContext(state.LiquidationMarginBufferRatio).
		TrackMarketMarginRequirement(exchange.SpotMarketID(MarginWitnessMarketIndex)).
		TrackFuelNumerator()
	calc, err := exchange.CalculateMarginRequirementAndTotalCollateral(user, maps.PerpMarkets, maps.SpotMarkets, maps.Oracles, ctx)
	if err != nil {
		return nil, programError(err)
	}
	return ComputeHealth(calc.TotalCollateral, calc.MarginRequirement)
}

// ComputeHealth derives raw and buffered health from an i128 total collateral
// and a u128 margin requirement.
func ComputeHealth(totalCollateral, marginRequirement *big.Int) (*Health, error) {
	if totalCollateral.Cmp(maxI128) > 0 || totalCollateral.Cmp(minI128) < 0 {
		return nil, fmt.Errorf("%w: total collateral %s", ErrMathOverflow, totalCollateral)
	}
	if marginRequirement.Sign() < 0 || marginRequirement.Cmp(maxU128) > 0 {
		return nil, fmt.Errorf("%w: margin requirement %s", ErrMathOverflow, marginRequirement)
	}

	raw, err := rawHealth(totalCollateral, marginRequirement)
	if err != nil {
		return nil, err
	}
	buffered, err := bufferedHealth(totalCollateral, marginRequirement)
	if err != nil {
		return nil, err
	}
	return &Health{
		Raw:               raw,
		Buffered:          buffered,
		TotalCollateral:   new(big.Int).Set(totalCollateral),
		MarginRequirement: new(big.Int).Set(marginRequirement),
	}, nil
}

func rawHealth(tc, mr *big.Int) (uint8, error) {
	switch {
	case tc.Sign() < 0:
		return 0, nil
	case mr.Cmp(tc) > 0:
		return 0, nil
	case mr.Sign() == 0:
		return 100, nil
	}
	return percentOf(new(big.Int).Sub(tc, mr), tc)
}

func bufferedHealth(tc, mr *big.Int) (uint8, error) {
	adjusted, err := checkedMulI128(tc, big.NewInt(100-BufferPct))
	if err != nil {
		return 0, err
	}
	adjusted.Quo(adjusted, big.NewInt(100))
	switch {
	case mr.Cmp(adjusted) > 0:
		return 0, nil
	case mr.Sign() == 0:
		return 100, nil
	}
	return percentOf(new(big.Int).Sub(adjusted, mr), adjusted)
}

// percentOf returns floor(part * 100 / whole) for 0 <= part <= whole.
func percentOf(part, whole *big.Int) (uint8, error) {
	scaled, err := checkedMulI128(part, big.NewInt(100))
	if err != nil {
		return 0, err
	}
	pct := scaled.Quo(scaled, whole)
	if !pct.IsUint64() || pct.Uint64() > 100 {
		return 0, fmt.Errorf("%w: health %s", ErrMathOverflow, pct)
	}
	return uint8(pct.Uint64()), nil
}

func checkedMulI128(a, b *big.Int) (*big.Int, error) {
	out := new(big.Int).Mul(a, b)
	if out.Cmp(maxI128) > 0 || out.Cmp(minI128) < 0 {
		return nil, fmt.Errorf("%w: %s * %s", ErrMathOverflow, a, b)
	}
	return out, nil
}
