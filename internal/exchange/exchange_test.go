package exchange

import (
	"testing"

	"github.com/coldbell/autorepay/internal/dex"
	"github.com/coldbell/autorepay/internal/svm"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSlot = 1_000

var testRails = OracleGuardRails{Validity: ValidityGuardRails{
	SlotsBeforeStaleForMargin: 120,
	ConfidenceIntervalMaxSize: 20_000,
}}

func priceAccount(t *testing.T, price int64, exponent int32, conf uint64, postedSlot uint64) *svm.AccountRef {
	t.Helper()
	update := PriceUpdate{Price: price, Conf: conf, Exponent: exponent, PostedSlot: postedSlot}
	return svm.DetachedAccountRef(solana.NewWallet().PublicKey(), svm.Account{
		Lamports: 1,
		Owner:    PythReceiverProgramID,
		Data:     update.Encode(),
	}, false)
}

func spotMarketAccount(t *testing.T, market *SpotMarket, writable bool) *svm.AccountRef {
	t.Helper()
	key, _, err := dex.DeriveSpotMarketPDA(ProgramID, market.MarketIndex)
	require.NoError(t, err)
	market.Pubkey = key
	data, err := market.Encode()
	require.NoError(t, err)
	return svm.DetachedAccountRef(key, svm.Account{Lamports: 1, Owner: ProgramID, Data: data}, writable)
}

func quoteMarket() *SpotMarket {
	return &SpotMarket{
		MarketIndex:                QuoteSpotMarketIndex,
		Decimals:                   6,
		OracleSource:               OracleSourceQuoteAsset,
		InitialAssetWeight:         10_000,
		MaintenanceAssetWeight:     10_000,
		InitialLiabilityWeight:     10_000,
		MaintenanceLiabilityWeight: 10_000,
	}
}

func collateralMarket(oracle solana.PublicKey, decimals uint32) *SpotMarket {
	return &SpotMarket{
		Oracle:                     oracle,
		MarketIndex:                1,
		Decimals:                   decimals,
		OracleSource:               OracleSourcePythPull,
		InitialAssetWeight:         8_000,
		MaintenanceAssetWeight:     9_000,
		InitialLiabilityWeight:     12_000,
		MaintenanceLiabilityWeight: 11_000,
		FuelBoostDeposits:          2,
	}
}

func TestDecodePriceUpdateAccount(t *testing.T) {
	ref := priceAccount(t, 15_012_345_678, -8, 1_234_567, 900)
	price, err := DecodePriceUpdateAccount(ref.Owner(), ref.Data())
	require.NoError(t, err)
	assert.Equal(t, int64(150_123_456), price.Price)
	assert.Equal(t, uint64(12_346), price.Confidence)
	assert.Equal(t, uint64(900), price.PostedSlot)

	_, err = DecodePriceUpdateAccount(solana.SystemProgramID, ref.Data())
	assert.ErrorIs(t, err, ErrInvalidOracle)

	partial := append([]byte(nil), ref.Data()...)
	partial[8+32] = 0
	_, err = DecodePriceUpdateAccount(PythReceiverProgramID, partial)
	assert.ErrorIs(t, err, ErrInvalidOracle)

	_, err = DecodePriceUpdateAccount(PythReceiverProgramID, ref.Data()[:40])
	assert.ErrorIs(t, err, ErrInvalidOracle)

	negative := priceAccount(t, -5, -8, 0, 900)
	_, err = DecodePriceUpdateAccount(negative.Owner(), negative.Data())
	assert.ErrorIs(t, err, ErrInvalidOracle)
}

func TestLoadMarketMaps(t *testing.T) {
	oracle := priceAccount(t, 2_000_000_000, -8, 1_000, testSlot)
	remaining := []*svm.AccountRef{
		oracle,
		spotMarketAccount(t, quoteMarket(), true),
		spotMarketAccount(t, collateralMarket(oracle.Key, 9), false),
	}

	maps, err := LoadMarketMaps(remaining, ProgramID, testSlot, testRails, QuoteSpotMarketIndex)
	require.NoError(t, err)
	assert.Equal(t, 1, maps.Oracles.Len())
	assert.Len(t, maps.SpotMarkets, 2)
	assert.Empty(t, maps.PerpMarkets)

	price, err := maps.Oracles.PriceFor(OracleSourcePythPull, oracle.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(20_000_000), price.Price)

	_, err = LoadMarketMaps(remaining, ProgramID, testSlot, testRails, 1)
	assert.ErrorIs(t, err, ErrSpotMarketWrongMutability)

	_, err = LoadMarketMaps(remaining[:2], ProgramID, testSlot, testRails, 1)
	assert.ErrorIs(t, err, ErrSpotMarketNotFound)
}

func TestLoadMarketMapsRejectsMisplacedMarket(t *testing.T) {
	market := spotMarketAccount(t, quoteMarket(), true)
	moved := svm.DetachedAccountRef(solana.NewWallet().PublicKey(), svm.Account{Lamports: 1, Owner: ProgramID, Data: market.Data()}, true)

	_, err := LoadMarketMaps([]*svm.AccountRef{moved}, ProgramID, testSlot, testRails)
	assert.ErrorIs(t, err, ErrInvalidAccount)
}

func TestOracleGuardRails(t *testing.T) {
	stale := priceAccount(t, 100_000_000, -8, 0, testSlot-121)
	wide := priceAccount(t, 100_000_000, -8, 300_000_000, testSlot)
	fresh := priceAccount(t, 100_000_000, -8, 0, testSlot-120)

	maps, err := LoadMarketMaps([]*svm.AccountRef{stale, wide, fresh}, ProgramID, testSlot, testRails)
	require.NoError(t, err)

	_, err = maps.Oracles.PriceFor(OracleSourcePythPull, stale.Key)
	assert.ErrorIs(t, err, ErrStaleOracle)
	_, err = maps.Oracles.PriceFor(OracleSourcePythPull, wide.Key)
	assert.ErrorIs(t, err, ErrInvalidOracle)
	_, err = maps.Oracles.PriceFor(OracleSourcePythPull, fresh.Key)
	assert.NoError(t, err)
	_, err = maps.Oracles.PriceFor(OracleSourcePythPull, solana.NewWallet().PublicKey())
	assert.ErrorIs(t, err, ErrOracleNotFound)

	quote, err := maps.Oracles.PriceFor(OracleSourceQuoteAsset, solana.PublicKey{})
	require.NoError(t, err)
	assert.Equal(t, int64(PricePrecision), quote.Price)
}

func TestCalculateMarginRequirement(t *testing.T) {
	oracle := solana.NewWallet().PublicKey()
	oracles := NewOracleMap(testSlot, OracleGuardRails{})
	oracles.Set(oracle, &OraclePriceData{Price: 20 * PricePrecision, PostedSlot: testSlot})

	spot := SpotMarketMap{
		0: {Market: quoteMarket()},
		1: {Market: collateralMarket(oracle, 9)},
	}
	user := &User{}
	// 5 tokens of 9 decimals at 20 is 100 quote.
	user.SpotPositions[0] = SpotPosition{ScaledBalance: 5_000_000_000, MarketIndex: 1, BalanceType: SpotBalanceDeposit}
	user.SpotPositions[3] = SpotPosition{ScaledBalance: 40_000_000, MarketIndex: 0, BalanceType: SpotBalanceBorrow}

	maintenance, err := CalculateMarginRequirementAndTotalCollateral(user, PerpMarketMap{}, spot, oracles,
		LiquidationMarginContext(500).TrackMarketMarginRequirement(SpotMarketID(0)).TrackFuelNumerator())
	require.NoError(t, err)
	assert.Equal(t, "90000000", maintenance.TotalCollateral.String())
	assert.Equal(t, "40000000", maintenance.MarginRequirement.String())
	assert.Equal(t, "42000000", maintenance.MarginRequirementPlusBuffer.String())
	assert.Equal(t, "40000000", maintenance.TrackedMarketMarginRequirement.String())
	assert.Equal(t, "200000000", maintenance.FuelDeposits.String())
	assert.Equal(t, 1, maintenance.NumSpotLiabilities)
	assert.True(t, maintenance.MeetsMarginRequirement())

	initial, err := CalculateMarginRequirementAndTotalCollateral(user, PerpMarketMap{}, spot, oracles, StandardMarginContext(MarginRequirementInitial))
	require.NoError(t, err)
	assert.Equal(t, "80000000", initial.TotalCollateral.String())
	assert.Equal(t, "40000000", initial.MarginRequirement.String())
	assert.Equal(t, "40000000", initial.MarginRequirementPlusBuffer.String())

	delete(spot, 1)
	_, err = CalculateMarginRequirementAndTotalCollateral(user, PerpMarketMap{}, spot, oracles, StandardMarginContext(MarginRequirementInitial))
	assert.ErrorIs(t, err, ErrSpotMarketNotFound)
}

func TestTransferArgsRoundTrip(t *testing.T) {
	args := TransferArgs{MarketIndex: 3, Amount: 123_456, ReduceOnly: true}
	ix, err := NewDepositInstruction(ProgramID, DepositAccounts{}, args, nil)
	require.NoError(t, err)
	data, err := ix.Data()
	require.NoError(t, err)
	assert.Equal(t, DepositDiscriminator[:], data[:8])

	decoded, err := DecodeTransferArgs(data)
	require.NoError(t, err)
	assert.Equal(t, args, decoded)

	_, err = DecodeTransferArgs(data[:12])
	assert.ErrorIs(t, err, ErrInvalidInstruction)
}
