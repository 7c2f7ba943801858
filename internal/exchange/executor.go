package exchange

import (
	"fmt"
	"math/big"

	"github.com/coldbell/autorepay/internal/dex"
	"github.com/coldbell/autorepay/internal/svm"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
)

// Program executes deposit and withdraw against accounts held in a local bank.
// Interest accrual is not modelled: scaled balances are token amounts.
type Program struct {
	ID solana.PublicKey
}

func NewProgram(programID solana.PublicKey) *Program {
	return &Program{ID: programID}
}

func (p *Program) Execute(ctx *svm.InvokeContext, data []byte) error {
	if len(data) < 8 {
		return ErrInvalidInstruction
	}
	var disc [8]byte
	copy(disc[:], data[:8])
	switch disc {
	case DepositDiscriminator:
		args, err := DecodeTransferArgs(data)
		if err != nil {
			return err
		}
		return p.deposit(ctx, args)
	case WithdrawDiscriminator:
		args, err := DecodeTransferArgs(data)
		if err != nil {
			return err
		}
		return p.withdraw(ctx, args)
	default:
		return fmt.Errorf("%w: unknown discriminator %x", ErrInvalidInstruction, disc)
	}
}

type userContext struct {
	state     *State
	userRef   *svm.AccountRef
	user      *User
	authority *svm.AccountRef
}

func (p *Program) loadUser(ctx *svm.InvokeContext) (*userContext, error) {
	stateRef, err := ctx.Account(0)
	if err != nil {
		return nil, err
	}
	userRef, err := ctx.Account(1)
	if err != nil {
		return nil, err
	}
	statsRef, err := ctx.Account(2)
	if err != nil {
		return nil, err
	}
	authority, err := ctx.Signer(3)
	if err != nil {
		return nil, err
	}
	for _, ref := range []*svm.AccountRef{stateRef, userRef, statsRef} {
		if !ref.IsOwnedBy(p.ID) {
			return nil, fmt.Errorf("%w: %s not owned by exchange", ErrInvalidAccount, ref.Key)
		}
	}
	state, err := DecodeState(stateRef.Data())
	if err != nil {
		return nil, err
	}
	user, err := DecodeUser(userRef.Data())
	if err != nil {
		return nil, err
	}
	stats, err := DecodeUserStats(statsRef.Data())
	if err != nil {
		return nil, err
	}
	if !user.Authority.Equals(authority.Key) && !user.Delegate.Equals(authority.Key) {
		return nil, fmt.Errorf("%w: user %s", ErrInvalidUserAuthority, userRef.Key)
	}
	if !stats.Authority.Equals(user.Authority) {
		return nil, fmt.Errorf("%w: user stats %s", ErrInvalidUserAuthority, statsRef.Key)
	}
	return &userContext{state: state, userRef: userRef, user: user, authority: authority}, nil
}

func (p *Program) loadMarket(ctx *svm.InvokeContext, uc *userContext, fixed int, marketIndex uint16, vaultRef, tokenRef *svm.AccountRef) (*MarketMaps, *SpotMarketEntry, error) {
	maps, err := LoadMarketMaps(ctx.Remaining(fixed), p.ID, ctx.Clock().Slot, uc.state.OracleGuardRails, marketIndex)
	if err != nil {
		return nil, nil, err
	}
	entry := maps.SpotMarkets[marketIndex]
	if !entry.Market.Vault.Equals(vaultRef.Key) {
		return nil, nil, fmt.Errorf("%w: %s for market %d", ErrInvalidSpotMarketVault, vaultRef.Key, marketIndex)
	}
	tokenAccount, err := svm.DecodeTokenAccount(tokenRef.Data())
	if err != nil {
		return nil, nil, err
	}
	if !tokenAccount.Mint.Equals(entry.Market.Mint) {
		return nil, nil, fmt.Errorf("%w: %s holds %s", ErrInvalidMint, tokenRef.Key, tokenAccount.Mint)
	}
	return maps, entry, nil
}

func (p *Program) deposit(ctx *svm.InvokeContext, args TransferArgs) error {
	uc, err := p.loadUser(ctx)
	if err != nil {
		return err
	}
	vaultRef, err := ctx.Account(4)
	if err != nil {
		return err
	}
	tokenRef, err := ctx.Account(5)
	if err != nil {
		return err
	}
	_, entry, err := p.loadMarket(ctx, uc, 7, args.MarketIndex, vaultRef, tokenRef)
	if err != nil {
		return err
	}

	amount := args.Amount
	position := uc.user.findSpotPosition(args.MarketIndex)
	if args.ReduceOnly {
		if position == nil || position.BalanceType != SpotBalanceBorrow {
			return fmt.Errorf("%w: market %d", ErrReduceOnlyDepositNoBorrow, args.MarketIndex)
		}
		amount = min(amount, position.ScaledBalance)
	}
	if amount == 0 {
		return fmt.Errorf("%w: zero deposit", ErrInvalidInstruction)
	}

	if err := uc.user.applyDeposit(args.MarketIndex, amount, entry.Market); err != nil {
		return err
	}

	transfer := token.NewTransferInstruction(amount, tokenRef.Key, vaultRef.Key, uc.authority.Key, nil).Build()
	if err := ctx.Invoke(transfer); err != nil {
		return err
	}
	if err := p.commit(uc, entry); err != nil {
		return err
	}
	ctx.Log("deposit", "market_index", args.MarketIndex, "amount", amount, "reduce_only", args.ReduceOnly)
	return nil
}

func (p *Program) withdraw(ctx *svm.InvokeContext, args TransferArgs) error {
	uc, err := p.loadUser(ctx)
	if err != nil {
		return err
	}
	vaultRef, err := ctx.Account(4)
	if err != nil {
		return err
	}
	signerRef, err := ctx.Account(5)
	if err != nil {
		return err
	}
	tokenRef, err := ctx.Account(6)
	if err != nil {
		return err
	}
	expectedSigner, err := solana.CreateProgramAddress(dex.ExchangeSignerSeeds(uc.state.SignerNonce), p.ID)
	if err != nil || !expectedSigner.Equals(signerRef.Key) {
		return fmt.Errorf("%w: exchange signer %s", ErrInvalidAccount, signerRef.Key)
	}
	maps, entry, err := p.loadMarket(ctx, uc, 8, args.MarketIndex, vaultRef, tokenRef)
	if err != nil {
		return err
	}

	amount := args.Amount
	position := uc.user.findSpotPosition(args.MarketIndex)
	if args.ReduceOnly {
		if position == nil || position.BalanceType != SpotBalanceDeposit {
			return fmt.Errorf("%w: market %d", ErrReduceOnlyWithdrawNoDeposit, args.MarketIndex)
		}
		amount = min(amount, position.ScaledBalance)
	}
	if amount == 0 {
		return fmt.Errorf("%w: zero withdraw", ErrInvalidInstruction)
	}

	if err := uc.user.applyWithdraw(args.MarketIndex, amount, entry.Market); err != nil {
		return err
	}

	calc, err := CalculateMarginRequirementAndTotalCollateral(uc.user, maps.PerpMarkets, maps.SpotMarkets, maps.Oracles,
		StandardMarginContext(MarginRequirementInitial))
	if err != nil {
		return err
	}
	if !calc.MeetsMarginRequirement() {
		return fmt.Errorf("%w: collateral %s < requirement %s", ErrInsufficientCollateral, calc.TotalCollateral, calc.MarginRequirement)
	}

	transfer := token.NewTransferInstruction(amount, vaultRef.Key, tokenRef.Key, signerRef.Key, nil).Build()
	if err := ctx.Invoke(transfer, dex.ExchangeSignerSeeds(uc.state.SignerNonce)); err != nil {
		return err
	}
	if err := p.commit(uc, entry); err != nil {
		return err
	}
	ctx.Log("withdraw", "market_index", args.MarketIndex, "amount", amount, "reduce_only", args.ReduceOnly)
	return nil
}

func (p *Program) commit(uc *userContext, entry *SpotMarketEntry) error {
	data, err := uc.user.Encode()
	if err != nil {
		return err
	}
	if err := uc.userRef.SetData(data); err != nil {
		return err
	}
	return entry.Commit()
}

func (u *User) findSpotPosition(marketIndex uint16) *SpotPosition {
	for i := range u.SpotPositions {
		p := &u.SpotPositions[i]
		if !p.IsAvailable() && p.MarketIndex == marketIndex {
			return p
		}
	}
	return nil
}

func (u *User) openSpotPosition(marketIndex uint16) (*SpotPosition, error) {
	if p := u.findSpotPosition(marketIndex); p != nil {
		return p, nil
	}
	for i := range u.SpotPositions {
		p := &u.SpotPositions[i]
		if p.IsAvailable() {
			*p = SpotPosition{MarketIndex: marketIndex, BalanceType: SpotBalanceDeposit}
			return p, nil
		}
	}
	return nil, ErrNoSpotPositionAvailable
}

// SignedSpotBalance returns deposits as positive and borrows as negative.
func (u *User) SignedSpotBalance(marketIndex uint16) int64 {
	p := u.findSpotPosition(marketIndex)
	if p == nil {
		return 0
	}
	if p.BalanceType == SpotBalanceBorrow {
		return -int64(p.ScaledBalance)
	}
	return int64(p.ScaledBalance)
}

func (u *User) applyDeposit(marketIndex uint16, amount uint64, market *SpotMarket) error {
	p, err := u.openSpotPosition(marketIndex)
	if err != nil {
		return err
	}
	deposits, borrows := market.TotalDeposits(), market.TotalBorrows()
	amt := new(big.Int).SetUint64(amount)
	if p.BalanceType == SpotBalanceBorrow {
		repaid := min(amount, p.ScaledBalance)
		p.ScaledBalance -= repaid
		borrows.Sub(borrows, new(big.Int).SetUint64(repaid))
		if rest := amount - repaid; rest > 0 {
			p.BalanceType = SpotBalanceDeposit
			p.ScaledBalance = rest
			deposits.Add(deposits, new(big.Int).SetUint64(rest))
		}
	} else {
		p.ScaledBalance += amount
		deposits.Add(deposits, amt)
	}
	if borrows.Sign() < 0 {
		borrows.SetInt64(0)
	}
	if p.ScaledBalance == 0 {
		*p = SpotPosition{}
	}
	return market.SetTotals(deposits, borrows)
}

func (u *User) applyWithdraw(marketIndex uint16, amount uint64, market *SpotMarket) error {
	p, err := u.openSpotPosition(marketIndex)
	if err != nil {
		return err
	}
	deposits, borrows := market.TotalDeposits(), market.TotalBorrows()
	if p.BalanceType == SpotBalanceDeposit {
		taken := min(amount, p.ScaledBalance)
		p.ScaledBalance -= taken
		deposits.Sub(deposits, new(big.Int).SetUint64(taken))
		if rest := amount - taken; rest > 0 {
			p.BalanceType = SpotBalanceBorrow
			p.ScaledBalance = rest
			borrows.Add(borrows, new(big.Int).SetUint64(rest))
		}
	} else {
		p.ScaledBalance += amount
		borrows.Add(borrows, new(big.Int).SetUint64(amount))
	}
	if deposits.Sign() < 0 {
		deposits.SetInt64(0)
	}
	if p.ScaledBalance == 0 {
		*p = SpotPosition{}
	}
	return market.SetTotals(deposits, borrows)
}
