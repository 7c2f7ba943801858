// Package exchange mirrors the margin exchange the vaults trade on: its account
// layouts, the deposit and withdraw instructions, market map assembly and the
// margin calculation that health is derived from.
package exchange

import (
	"errors"

	"github.com/coldbell/autorepay/internal/dex"
	"github.com/gagliardetto/solana-go"
)

const (
	QuoteSpotMarketIndex uint16 = 0

	PricePrecision         = 1_000_000
	QuotePrecision         = 1_000_000
	BasePrecision          = 1_000_000_000
	SpotWeightPrecision    = 10_000
	MarginPrecision        = 10_000
	PercentagePrecisionBps = 10_000

	maxSpotPositions = 8
	maxPerpPositions = 8
)

var (
	ProgramID = solana.MustPublicKeyFromBase58("dRiftyHA39MWEi3m9aunc5MzRF1JYuBsbn6VPcn33UH")

	// PythReceiverProgramID owns the price update accounts used as oracles.
	PythReceiverProgramID = solana.MustPublicKeyFromBase58("pythWSnswVUd12oZpeFP8e9CVaEqJg25g1Vtc2biRsT")

	DepositDiscriminator  = dex.AnchorInstructionDiscriminator("deposit")
	WithdrawDiscriminator = dex.AnchorInstructionDiscriminator("withdraw")

	StateDiscriminator      = dex.AnchorAccountDiscriminator("State")
	UserDiscriminator       = dex.AnchorAccountDiscriminator("User")
	UserStatsDiscriminator  = dex.AnchorAccountDiscriminator("UserStats")
	SpotMarketDiscriminator = dex.AnchorAccountDiscriminator("SpotMarket")
	PerpMarketDiscriminator = dex.AnchorAccountDiscriminator("PerpMarket")
	priceUpdateV2Disc       = [8]byte{34, 241, 35, 99, 157, 126, 244, 205}
)

var (
	ErrInvalidAccount              = errors.New("exchange: invalid account")
	ErrInvalidOracle               = errors.New("exchange: invalid oracle")
	ErrStaleOracle                 = errors.New("exchange: oracle is stale for margin")
	ErrOracleNotFound              = errors.New("exchange: oracle not found")
	ErrSpotMarketNotFound          = errors.New("exchange: spot market not found")
	ErrPerpMarketNotFound          = errors.New("exchange: perp market not found")
	ErrSpotMarketWrongMutability   = errors.New("exchange: spot market wrong mutability")
	ErrInvalidUserAuthority        = errors.New("exchange: user authority does not match signer")
	ErrInvalidSpotMarketVault      = errors.New("exchange: invalid spot market vault")
	ErrInvalidMint                 = errors.New("exchange: token account mint does not match spot market")
	ErrNoSpotPositionAvailable     = errors.New("exchange: no spot position available")
	ErrReduceOnlyDepositNoBorrow   = errors.New("exchange: reduce only deposit requires an outstanding borrow")
	ErrReduceOnlyWithdrawNoDeposit = errors.New("exchange: reduce only withdraw requires a deposit")
	ErrInsufficientCollateral      = errors.New("exchange: insufficient collateral")
	ErrInvalidInstruction          = errors.New("exchange: invalid instruction data")
	ErrMathError                   = errors.New("exchange: math error")
)
