package exchange

import (
	"fmt"
	"math/big"
)

type MarginRequirementType uint8

const (
	MarginRequirementInitial MarginRequirementType = iota
	MarginRequirementMaintenance
)

type MarginCalculationMode uint8

const (
	MarginModeStandard MarginCalculationMode = iota
	MarginModeLiquidation
)

type MarketType uint8

const (
	MarketTypeSpot MarketType = iota
	MarketTypePerp
)

type MarketIdentifier struct {
	Type  MarketType
	Index uint16
}

func SpotMarketID(index uint16) MarketIdentifier {
	return MarketIdentifier{Type: MarketTypeSpot, Index: index}
}

func PerpMarketID(index uint16) MarketIdentifier {
	return MarketIdentifier{Type: MarketTypePerp, Index: index}
}

type MarginContext struct {
	RequirementType MarginRequirementType
	Mode            MarginCalculationMode
	MarginBuffer    uint32
	TrackedMarket   *MarketIdentifier
	FuelNumerator   bool
}

func StandardMarginContext(requirementType MarginRequirementType) MarginContext {
	return MarginContext{RequirementType: requirementType, Mode: MarginModeStandard}
}

// LiquidationMarginContext evaluates maintenance margin and adds buffer
// (MarginPrecision) on top of liabilities in MarginRequirementPlusBuffer.
func LiquidationMarginContext(buffer uint32) MarginContext {
	return MarginContext{
		RequirementType: MarginRequirementMaintenance,
		Mode:            MarginModeLiquidation,
		MarginBuffer:    buffer,
	}
}

func (c MarginContext) TrackMarketMarginRequirement(id MarketIdentifier) MarginContext {
	c.TrackedMarket = &id
	return c
}

func (c MarginContext) TrackFuelNumerator() MarginContext {
	c.FuelNumerator = true
	return c
}

type MarginCalculation struct {
	Context                        MarginContext
	TotalCollateral                *big.Int
	MarginRequirement              *big.Int
	MarginRequirementPlusBuffer    *big.Int
	TrackedMarketMarginRequirement *big.Int
	NumSpotLiabilities             int
	NumPerpLiabilities             int
	FuelDeposits                   *big.Int
	FuelBorrows                    *big.Int
}

func (c *MarginCalculation) MeetsMarginRequirement() bool {
	return c.TotalCollateral.Cmp(c.MarginRequirement) >= 0
}

var (
	maxI128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	minI128 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
)

// CalculateMarginRequirementAndTotalCollateral values every spot and perp
// position of user at its oracle price and sums weighted collateral and
// margin requirement in QuotePrecision.
func CalculateMarginRequirementAndTotalCollateral(
	user *User,
	perpMarkets PerpMarketMap,
	spotMarkets SpotMarketMap,
	oracles *OracleMap,
	ctx MarginContext,
) (*MarginCalculation, error) {
	calc := &MarginCalculation{
		Context:                        ctx,
		TotalCollateral:                new(big.Int),
		MarginRequirement:              new(big.Int),
		MarginRequirementPlusBuffer:    new(big.Int),
		TrackedMarketMarginRequirement: new(big.Int),
		FuelDeposits:                   new(big.Int),
		FuelBorrows:                    new(big.Int),
	}

	for _, position := range user.SpotPositions {
		if position.IsAvailable() {
			continue
		}
		entry, ok := spotMarkets[position.MarketIndex]
		if !ok {
			return nil, fmt.Errorf("%w: market %d", ErrSpotMarketNotFound, position.MarketIndex)
		}
		market := entry.Market
		price, err := oracles.PriceFor(market.OracleSource, market.Oracle)
		if err != nil {
			return nil, fmt.Errorf("spot market %d: %w", market.MarketIndex, err)
		}
		value, err := tokenValue(position.ScaledBalance, price.Price, market.Decimals)
		if err != nil {
			return nil, err
		}

		switch position.BalanceType {
		case SpotBalanceDeposit:
			weight := market.MaintenanceAssetWeight
			if ctx.RequirementType == MarginRequirementInitial {
				weight = market.InitialAssetWeight
			}
			calc.TotalCollateral.Add(calc.TotalCollateral, applyWeight(value, weight, SpotWeightPrecision))
			if ctx.FuelNumerator {
				calc.FuelDeposits.Add(calc.FuelDeposits, new(big.Int).Mul(value, big.NewInt(int64(market.FuelBoostDeposits))))
			}
		case SpotBalanceBorrow:
			weight := market.MaintenanceLiabilityWeight
			if ctx.RequirementType == MarginRequirementInitial {
				weight = market.InitialLiabilityWeight
			}
			requirement := applyWeight(value, weight, SpotWeightPrecision)
			calc.addLiability(requirement, value, SpotMarketID(market.MarketIndex))
			calc.NumSpotLiabilities++
			if ctx.FuelNumerator {
				calc.FuelBorrows.Add(calc.FuelBorrows, new(big.Int).Mul(value, big.NewInt(int64(market.FuelBoostBorrows))))
			}
		default:
			return nil, fmt.Errorf("%w: spot balance type %d", ErrInvalidAccount, position.BalanceType)
		}
	}

	for _, position := range user.PerpPositions {
		if position.IsAvailable() {
			continue
		}
		entry, ok := perpMarkets[position.MarketIndex]
		if !ok {
			return nil, fmt.Errorf("%w: market %d", ErrPerpMarketNotFound, position.MarketIndex)
		}
		market := entry.Market
		price, err := oracles.PriceFor(market.OracleSource, market.Oracle)
		if err != nil {
			return nil, fmt.Errorf("perp market %d: %w", market.MarketIndex, err)
		}

		base := big.NewInt(position.BaseAssetAmount)
		baseValue := new(big.Int).Mul(base, big.NewInt(price.Price))
		baseValue.Quo(baseValue, big.NewInt(BasePrecision))
		pnl := new(big.Int).Add(baseValue, big.NewInt(position.QuoteAssetAmount))
		calc.TotalCollateral.Add(calc.TotalCollateral, pnl)

		if position.BaseAssetAmount == 0 {
			continue
		}
		ratio := market.MarginRatioMaintenance
		if ctx.RequirementType == MarginRequirementInitial {
			ratio = market.MarginRatioInitial
		}
		notional := new(big.Int).Abs(baseValue)
		calc.addLiability(applyWeight(notional, ratio, MarginPrecision), notional, PerpMarketID(market.MarketIndex))
		calc.NumPerpLiabilities++
	}

	if calc.TotalCollateral.Cmp(maxI128) > 0 || calc.TotalCollateral.Cmp(minI128) < 0 {
		return nil, fmt.Errorf("%w: total collateral overflows i128", ErrMathError)
	}
	if calc.MarginRequirementPlusBuffer.Cmp(maxU128) > 0 {
		return nil, fmt.Errorf("%w: margin requirement overflows u128", ErrMathError)
	}
	return calc, nil
}

func (c *MarginCalculation) addLiability(requirement *big.Int, liabilityValue *big.Int, market MarketIdentifier) {
	c.MarginRequirement.Add(c.MarginRequirement, requirement)
	c.MarginRequirementPlusBuffer.Add(c.MarginRequirementPlusBuffer, requirement)
	if c.Context.Mode == MarginModeLiquidation && c.Context.MarginBuffer > 0 {
		buffer := applyWeight(liabilityValue, c.Context.MarginBuffer, MarginPrecision)
		c.MarginRequirementPlusBuffer.Add(c.MarginRequirementPlusBuffer, buffer)
	}
	if c.Context.TrackedMarket != nil && *c.Context.TrackedMarket == market {
		c.TrackedMarketMarginRequirement.Add(c.TrackedMarketMarginRequirement, requirement)
	}
}

// tokenValue converts a token amount to QuotePrecision at price (PricePrecision).
func tokenValue(amount uint64, price int64, decimals uint32) (*big.Int, error) {
	if decimals > 38 {
		return nil, fmt.Errorf("%w: decimals %d", ErrMathError, decimals)
	}
	value := new(big.Int).SetUint64(amount)
	value.Mul(value, big.NewInt(price))
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return value.Quo(value, scale), nil
}

func applyWeight(value *big.Int, weight uint32, precision int64) *big.Int {
	out := new(big.Int).Mul(value, big.NewInt(int64(weight)))
	return out.Quo(out, big.NewInt(precision))
}
