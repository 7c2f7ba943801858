// Package scenario builds a local bank holding an exchange, an aggregator pool
// and auto-repay vaults, and runs auto-repay batches against it.
package scenario

import (
	"fmt"
	"log/slog"
	"math/big"

	"github.com/coldbell/autorepay/internal/autorepay"
	"github.com/coldbell/autorepay/internal/dex"
	"github.com/coldbell/autorepay/internal/exchange"
	"github.com/coldbell/autorepay/internal/jupiter"
	"github.com/coldbell/autorepay/internal/svm"
	"github.com/coldbell/autorepay/internal/vault"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

const (
	defaultSlot      = 1_000
	ownerLamports    = 10_000_000_000
	callerLamports   = 10_000_000_000
	oracleExponent   = -8
	oracleConfidence = 1_000
)

// MarketSpec configures one spot market. Weights are in basis points and the
// price is in PricePrecision.
type MarketSpec struct {
	Decimals                   uint8
	Price                      int64
	InitialAssetWeight         uint32
	MaintenanceAssetWeight     uint32
	InitialLiabilityWeight     uint32
	MaintenanceLiabilityWeight uint32
	VaultLiquidity             uint64
}

type WorldSpec struct {
	Slot                         uint64
	LiquidationMarginBufferRatio uint32
	Quote                        MarketSpec
	Collateral                   MarketSpec
	CollateralMarketIndex        uint16
	// PoolRateNumerator/PoolRateDenominator is repay tokens per collateral token.
	PoolRateNumerator   uint64
	PoolRateDenominator uint64
	PoolLiquidity       uint64
	// Programs defaults to autorepay.DefaultPrograms.
	Programs *autorepay.Program
}

// World is a bank with every program and account an auto-repay touches.
type World struct {
	Bank     *svm.Bank
	Program  *autorepay.Program
	Exchange *exchange.Program
	Pool     *jupiter.Pool
	Spec     WorldSpec

	QuoteMint        solana.PublicKey
	CollateralMint   solana.PublicKey
	CollateralOracle solana.PublicKey
	ExchangeState    solana.PublicKey
	ExchangeSigner   solana.PublicKey

	mintAuthority solana.PublicKey
}

// Owner is a vault owner with an exchange account held by the vault.
type Owner struct {
	Key                    solana.PublicKey
	Vault                  solana.PublicKey
	ExchangeUser           solana.PublicKey
	ExchangeUserStats      solana.PublicKey
	OwnerRepayTokenAccount solana.PublicKey
}

// Caller fronts collateral for a repay.
type Caller struct {
	Key                    solana.PublicKey
	CollateralTokenAccount solana.PublicKey
}

func NewWorld(logger *slog.Logger, spec WorldSpec) (*World, error) {
	if spec.Slot == 0 {
		spec.Slot = defaultSlot
	}
	if spec.CollateralMarketIndex == exchange.QuoteSpotMarketIndex {
		return nil, fmt.Errorf("collateral market index must not be the quote market")
	}
	if spec.Programs == nil {
		spec.Programs = autorepay.DefaultPrograms()
	}
	w := &World{
		Bank:             svm.NewBank(logger),
		Program:          spec.Programs,
		Spec:             spec,
		QuoteMint:        solana.NewWallet().PublicKey(),
		CollateralMint:   solana.NewWallet().PublicKey(),
		CollateralOracle: solana.NewWallet().PublicKey(),
		mintAuthority:    solana.NewWallet().PublicKey(),
	}
	w.Exchange = exchange.NewProgram(w.Program.ExchangeProgramID)
	w.Bank.SetClock(svm.Clock{Slot: spec.Slot})
	w.Bank.RegisterProgram(w.Program.ID, w.Program)
	w.Bank.RegisterProgram(w.Program.ExchangeProgramID, w.Exchange)
	w.Bank.RegisterProgram(w.Program.AggregatorProgramID, jupiter.NewExecutor(w.Program.AggregatorProgramID))

	w.Bank.SetMint(w.QuoteMint, w.mintAuthority, spec.Quote.Decimals, 0)
	w.Bank.SetMint(w.CollateralMint, w.mintAuthority, spec.Collateral.Decimals, 0)

	if err := w.installExchange(); err != nil {
		return nil, err
	}
	pool, err := jupiter.NewPool(w.Program.AggregatorProgramID, solana.NewWallet().PublicKey(), w.CollateralMint, w.QuoteMint)
	if err != nil {
		return nil, err
	}
	if err := pool.Install(w.Bank, spec.PoolRateNumerator, spec.PoolRateDenominator, spec.PoolLiquidity); err != nil {
		return nil, err
	}
	w.Pool = pool
	return w, nil
}

func (w *World) exchangeID() solana.PublicKey {
	return w.Program.ExchangeProgramID
}

func (w *World) installExchange() error {
	state, _, err := dex.DeriveExchangeStatePDA(w.exchangeID())
	if err != nil {
		return err
	}
	signer, nonce, err := dex.DeriveExchangeSignerPDA(w.exchangeID())
	if err != nil {
		return err
	}
	w.ExchangeState, w.ExchangeSigner = state, signer
	if err := w.setExchangeAccount(state, &exchange.State{
		Admin:                        w.mintAuthority,
		Signer:                       signer,
		SignerNonce:                  nonce,
		NumberOfSpotMarkets:          2,
		LiquidationMarginBufferRatio: w.Spec.LiquidationMarginBufferRatio,
		OracleGuardRails: exchange.OracleGuardRails{
			Validity: exchange.ValidityGuardRails{
				SlotsBeforeStaleForAmm:    10,
				SlotsBeforeStaleForMargin: 120,
				ConfidenceIntervalMaxSize: 20_000,
				TooVolatileRatio:          5,
			},
		},
	}); err != nil {
		return err
	}

	update := exchange.PriceUpdate{
		WriteAuthority: w.mintAuthority,
		Price:          w.Spec.Collateral.Price * 100,
		Conf:           oracleConfidence,
		Exponent:       oracleExponent,
		PublishTime:    1_700_000_000,
		EmaPrice:       w.Spec.Collateral.Price * 100,
		PostedSlot:     w.Spec.Slot,
	}
	w.Bank.SetAccount(w.CollateralOracle, svm.Account{
		Lamports: svm.RentExemptMinimum(exchange.PriceUpdateV2Size),
		Owner:    exchange.PythReceiverProgramID,
		Data:     update.Encode(),
	})

	if err := w.installSpotMarket(exchange.QuoteSpotMarketIndex, w.QuoteMint, solana.PublicKey{}, exchange.OracleSourceQuoteAsset, w.Spec.Quote); err != nil {
		return err
	}
	return w.installSpotMarket(w.Spec.CollateralMarketIndex, w.CollateralMint, w.CollateralOracle, exchange.OracleSourcePythPull, w.Spec.Collateral)
}

func (w *World) installSpotMarket(index uint16, mint, oracle solana.PublicKey, source exchange.OracleSource, spec MarketSpec) error {
	key, _, err := dex.DeriveSpotMarketPDA(w.exchangeID(), index)
	if err != nil {
		return err
	}
	vaultKey, _, err := dex.DeriveSpotMarketVaultPDA(w.exchangeID(), index)
	if err != nil {
		return err
	}
	market := &exchange.SpotMarket{
		Pubkey:                     key,
		Oracle:                     oracle,
		Mint:                       mint,
		Vault:                      vaultKey,
		MarketIndex:                index,
		Decimals:                   uint32(spec.Decimals),
		OracleSource:               source,
		InitialAssetWeight:         spec.InitialAssetWeight,
		MaintenanceAssetWeight:     spec.MaintenanceAssetWeight,
		InitialLiabilityWeight:     spec.InitialLiabilityWeight,
		MaintenanceLiabilityWeight: spec.MaintenanceLiabilityWeight,
		DepositBalance:             bin.Uint128{Lo: spec.VaultLiquidity},
	}
	if err := w.setExchangeAccount(key, market); err != nil {
		return err
	}
	w.Bank.SetTokenAccount(vaultKey, mint, w.ExchangeSigner, spec.VaultLiquidity)
	return nil
}

func (w *World) setExchangeAccount(key solana.PublicKey, account interface{ Encode() ([]byte, error) }) error {
	data, err := account.Encode()
	if err != nil {
		return fmt.Errorf("encode exchange account %s: %w", key, err)
	}
	w.Bank.SetAccount(key, svm.Account{
		Lamports: svm.RentExemptMinimum(len(data)),
		Owner:    w.exchangeID(),
		Data:     data,
	})
	return nil
}

// AddOwner creates a vault through the program and gives it an exchange user
// holding collateral and owing borrow in the quote market.
func (w *World) AddOwner(collateral, borrow uint64) (*Owner, error) {
	return w.AddOwnerKey(solana.NewWallet().PublicKey(), collateral, borrow)
}

// AddOwnerKey is AddOwner for a known owner key.
func (w *World) AddOwnerKey(key solana.PublicKey, collateral, borrow uint64) (*Owner, error) {
	o := &Owner{Key: key}
	w.Bank.Airdrop(o.Key, ownerLamports)

	initIx, err := autorepay.NewInitializeVaultInstruction(w.Program.ID, o.Key)
	if err != nil {
		return nil, err
	}
	if _, err := w.Bank.Process(svm.Batch{Instructions: []solana.Instruction{initIx}, Signers: []solana.PublicKey{o.Key}}); err != nil {
		return nil, fmt.Errorf("initialize vault: %w", err)
	}
	if o.Vault, _, err = vault.Derive(w.Program.ID, o.Key); err != nil {
		return nil, err
	}
	if o.ExchangeUser, _, err = dex.DeriveExchangeUserPDA(w.exchangeID(), o.Vault, 0); err != nil {
		return nil, err
	}
	if o.ExchangeUserStats, _, err = dex.DeriveExchangeUserStatsPDA(w.exchangeID(), o.Vault); err != nil {
		return nil, err
	}
	if o.OwnerRepayTokenAccount, _, err = solana.FindAssociatedTokenAddress(o.Key, w.QuoteMint); err != nil {
		return nil, err
	}
	w.Bank.SetTokenAccount(o.OwnerRepayTokenAccount, w.QuoteMint, o.Key, 0)

	user := &exchange.User{Authority: o.Vault}
	slot := 0
	if collateral > 0 {
		user.SpotPositions[slot] = exchange.SpotPosition{ScaledBalance: collateral, MarketIndex: w.Spec.CollateralMarketIndex, BalanceType: exchange.SpotBalanceDeposit}
		slot++
	}
	if borrow > 0 {
		user.SpotPositions[slot] = exchange.SpotPosition{ScaledBalance: borrow, MarketIndex: exchange.QuoteSpotMarketIndex, BalanceType: exchange.SpotBalanceBorrow}
	}
	if err := w.setExchangeAccount(o.ExchangeUser, user); err != nil {
		return nil, err
	}
	if err := w.setExchangeAccount(o.ExchangeUserStats, &exchange.UserStats{Authority: o.Vault, NumberOfSubAccounts: 1}); err != nil {
		return nil, err
	}
	if err := w.adjustMarketTotals(collateral, borrow); err != nil {
		return nil, err
	}
	return o, nil
}

// adjustMarketTotals books a new user's balances on the markets and their vaults.
func (w *World) adjustMarketTotals(collateral, borrow uint64) error {
	collateralKey, _, err := dex.DeriveSpotMarketPDA(w.exchangeID(), w.Spec.CollateralMarketIndex)
	if err != nil {
		return err
	}
	if err := w.updateSpotMarket(collateralKey, func(m *exchange.SpotMarket) error {
		deposits := m.TotalDeposits()
		return m.SetTotals(deposits.Add(deposits, new(big.Int).SetUint64(collateral)), m.TotalBorrows())
	}); err != nil {
		return err
	}
	balance, err := w.Bank.TokenBalance(w.spotMarketVault(w.Spec.CollateralMarketIndex))
	if err != nil {
		return err
	}
	w.Bank.SetTokenAccount(w.spotMarketVault(w.Spec.CollateralMarketIndex), w.CollateralMint, w.ExchangeSigner, balance+collateral)

	quoteKey, _, err := dex.DeriveSpotMarketPDA(w.exchangeID(), exchange.QuoteSpotMarketIndex)
	if err != nil {
		return err
	}
	return w.updateSpotMarket(quoteKey, func(m *exchange.SpotMarket) error {
		borrows := m.TotalBorrows()
		return m.SetTotals(m.TotalDeposits(), borrows.Add(borrows, new(big.Int).SetUint64(borrow)))
	})
}

func (w *World) updateSpotMarket(key solana.PublicKey, update func(*exchange.SpotMarket) error) error {
	acct, ok := w.Bank.Account(key)
	if !ok {
		return fmt.Errorf("spot market %s not found", key)
	}
	market, err := exchange.DecodeSpotMarket(acct.Data)
	if err != nil {
		return err
	}
	if err := update(market); err != nil {
		return err
	}
	return w.setExchangeAccount(key, market)
}

func (w *World) spotMarketVault(index uint16) solana.PublicKey {
	key, _, _ := dex.DeriveSpotMarketVaultPDA(w.exchangeID(), index)
	return key
}

func (w *World) AddCaller(collateral uint64) (*Caller, error) {
	return w.AddCallerKey(solana.NewWallet().PublicKey(), collateral)
}

func (w *World) AddCallerKey(key solana.PublicKey, collateral uint64) (*Caller, error) {
	c := &Caller{Key: key}
	w.Bank.Airdrop(c.Key, callerLamports)
	ata, _, err := solana.FindAssociatedTokenAddress(c.Key, w.CollateralMint)
	if err != nil {
		return nil, err
	}
	c.CollateralTokenAccount = ata
	w.Bank.SetTokenAccount(ata, w.CollateralMint, c.Key, collateral)
	return c, nil
}

// SwapSpec describes the exact-out swap of a batch.
type SwapSpec struct {
	OutAmount      uint64
	QuotedInAmount uint64
	SlippageBps    uint16
	PlatformFeeBps uint8
	// PlatformFeeAccount receives the fee when PlatformFeeBps is set.
	PlatformFeeAccount solana.PublicKey
}

func (w *World) SwapInstruction(caller *Caller, payTo *Owner, spec SwapSpec) (solana.Instruction, error) {
	return jupiter.NewExactOutRouteInstruction(jupiter.ExactOutRouteAccounts{
		UserTransferAuthority:       caller.Key,
		UserSourceTokenAccount:      caller.CollateralTokenAccount,
		UserDestinationTokenAccount: payTo.OwnerRepayTokenAccount,
		SourceMint:                  w.CollateralMint,
		DestinationMint:             w.QuoteMint,
		PlatformFeeAccount:          spec.PlatformFeeAccount,
	}, jupiter.ExactOutRouteArgs{
		RoutePlan:      []jupiter.RoutePlanStep{{Swap: jupiter.SwapFixedRatePool, Percent: 100, InputIndex: 0, OutputIndex: 1}},
		OutAmount:      spec.OutAmount,
		QuotedInAmount: spec.QuotedInAmount,
		SlippageBps:    spec.SlippageBps,
		PlatformFeeBps: spec.PlatformFeeBps,
	}, w.Pool.RouteAccounts())
}

// Batch builds Start, Swap, Deposit, Withdraw for owner with startBalance
// declared by Start.
func (w *World) Batch(owner *Owner, caller *Caller, startBalance uint64, swap solana.Instruction) ([]solana.Instruction, error) {
	return autorepay.BuildBatch(autorepay.BatchParams{
		ProgramID:                    w.Program.ID,
		Caller:                       caller.Key,
		CallerCollateralTokenAccount: caller.CollateralTokenAccount,
		StartBalance:                 startBalance,
		Owner:                        owner.Key,
		OwnerRepayTokenAccount:       owner.OwnerRepayTokenAccount,
		CollateralMint:               w.CollateralMint,
		CollateralMarketIndex:        w.Spec.CollateralMarketIndex,
		RepayMint:                    w.QuoteMint,
		Swap:                         swap,
		ExchangeProgramID:            w.exchangeID(),
		Markets:                      w.Markets(),
	})
}

func (w *World) Markets() autorepay.MarketAccounts {
	return autorepay.MarketAccounts{
		Oracles:     []solana.PublicKey{w.CollateralOracle},
		SpotMarkets: []uint16{exchange.QuoteSpotMarketIndex, w.Spec.CollateralMarketIndex},
	}
}

// Health evaluates owner's vault health from committed bank state.
func (w *World) Health(owner *Owner) (*autorepay.Health, error) {
	stateAcct, ok := w.Bank.Account(w.ExchangeState)
	if !ok {
		return nil, fmt.Errorf("exchange state missing")
	}
	state, err := exchange.DecodeState(stateAcct.Data)
	if err != nil {
		return nil, err
	}
	userAcct, ok := w.Bank.Account(owner.ExchangeUser)
	if !ok {
		return nil, fmt.Errorf("exchange user %s missing", owner.ExchangeUser)
	}
	user, err := exchange.DecodeUser(userAcct.Data)
	if err != nil {
		return nil, err
	}

	remaining, err := w.Markets().Remaining(w.exchangeID(), w.Spec.CollateralMarketIndex)
	if err != nil {
		return nil, err
	}
	refs := make([]*svm.AccountRef, 0, len(remaining))
	for _, meta := range remaining {
		acct, ok := w.Bank.Account(meta.PublicKey)
		if !ok {
			return nil, fmt.Errorf("market account %s missing", meta.PublicKey)
		}
		refs = append(refs, svm.DetachedAccountRef(meta.PublicKey, acct, meta.IsWritable))
	}
	return autorepay.AccountHealth(user, state, refs, w.exchangeID(), w.Bank.Clock().Slot, w.Spec.CollateralMarketIndex)
}

// SpotBalance is owner's signed balance in a market: deposits positive,
// borrows negative.
func (w *World) SpotBalance(owner *Owner, marketIndex uint16) (int64, error) {
	acct, ok := w.Bank.Account(owner.ExchangeUser)
	if !ok {
		return 0, fmt.Errorf("exchange user %s missing", owner.ExchangeUser)
	}
	user, err := exchange.DecodeUser(acct.Data)
	if err != nil {
		return 0, err
	}
	return user.SignedSpotBalance(marketIndex), nil
}

// VaultTokenAccounts are the per-instruction token accounts a batch creates.
func (w *World) VaultTokenAccounts(owner *Owner) ([]solana.PublicKey, error) {
	var out []solana.PublicKey
	for _, mint := range []solana.PublicKey{w.CollateralMint, w.QuoteMint} {
		key, _, err := vault.DeriveTokenAccount(w.Program.ID, owner.Vault, mint)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, nil
}
