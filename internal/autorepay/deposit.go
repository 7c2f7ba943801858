package autorepay

import (
	"fmt"

	"github.com/coldbell/autorepay/internal/exchange"
	"github.com/coldbell/autorepay/internal/svm"
	"github.com/coldbell/autorepay/internal/vault"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
)

// deposit repays the vault's quote borrow with exactly the swap's output.
func (p *Program) deposit(ctx *svm.InvokeContext, marketIndex uint16) error {
	if marketIndex != exchange.QuoteSpotMarketIndex {
		return fmt.Errorf("%w: deposit market %d", ErrUnsupportedMarketIndex, marketIndex)
	}
	owner, err := ctx.Signer(depositOwner)
	if err != nil {
		return err
	}
	accounts := ctx.Accounts()
	if len(accounts) < depositFixedAccounts {
		return fmt.Errorf("%w: %d accounts", svm.ErrNotEnoughAccountKeys, len(accounts))
	}
	vaultRef := accounts[depositVault]
	vaultTokenRef := accounts[depositVaultTokenAccount]
	ownerTokenRef := accounts[depositOwnerTokenAccount]
	mintRef := accounts[depositMint]

	state, err := p.loadVault(vaultRef, owner.Key)
	if err != nil {
		return err
	}
	if err := p.checkExchangeAccounts(accounts[depositExchangeProgram], accounts[depositTokenProgram], accounts[depositSystemProgram]); err != nil {
		return err
	}

	sysvar, err := p.siblings(ctx, depositInstructionsSysvar)
	if err != nil {
		return err
	}
	batch, err := p.expectSiblings(sysvar, stepDeposit)
	if err != nil {
		return err
	}
	swap, err := batch.footprint()
	if err != nil {
		return err
	}
	if !swap.DestinationMint.Equals(mintRef.Key) {
		return fmt.Errorf("%w: swap buys %s, deposit repays %s", ErrInvalidRepayMint, swap.DestinationMint, mintRef.Key)
	}
	if !swap.UserDestinationTokenAccount.Equals(ownerTokenRef.Key) {
		return fmt.Errorf("%w: swap pays %s", ErrInvalidDestinationTokenAccount, swap.UserDestinationTokenAccount)
	}
	if !swap.DestinationTokenAccount.Equals(p.AggregatorProgramID) && !swap.DestinationTokenAccount.Equals(ownerTokenRef.Key) {
		return fmt.Errorf("%w: swap redirects output to %s", ErrInvalidDestinationTokenAccount, swap.DestinationTokenAccount)
	}
	repayAmount := swap.OutAmount

	exState, user, err := p.loadExchangeUser(accounts[depositExchangeState], accounts[depositExchangeUser], vaultRef.Key)
	if err != nil {
		return err
	}
	health, err := AccountHealth(user, exState, ctx.Remaining(depositFixedAccounts), p.ExchangeProgramID, ctx.Clock().Slot, marketIndex)
	if err != nil {
		return err
	}
	ctx.Log("pre repay health",
		"raw", health.Raw,
		"buffered", health.Buffered,
		"total_collateral", health.TotalCollateral.String(),
		"margin_requirement", health.MarginRequirement.String(),
	)

	if err := p.createVaultTokenAccount(ctx, vaultRef.Key, vaultTokenRef, mintRef.Key, owner.Key); err != nil {
		return err
	}
	pull := token.NewTransferInstruction(repayAmount, ownerTokenRef.Key, vaultTokenRef.Key, owner.Key, nil).Build()
	if err := ctx.Invoke(pull); err != nil {
		return err
	}

	depositIx, err := exchange.NewDepositInstruction(p.ExchangeProgramID, exchange.DepositAccounts{
		State:            accounts[depositExchangeState].Key,
		User:             accounts[depositExchangeUser].Key,
		UserStats:        accounts[depositExchangeUserStats].Key,
		Authority:        vaultRef.Key,
		SpotMarketVault:  accounts[depositSpotMarketVault].Key,
		UserTokenAccount: vaultTokenRef.Key,
		TokenProgram:     solana.TokenProgramID,
	}, exchange.TransferArgs{
		MarketIndex: marketIndex,
		Amount:      repayAmount,
		ReduceOnly:  true,
	}, remainingMetas(ctx.Remaining(depositFixedAccounts)))
	if err != nil {
		return err
	}
	if err := ctx.Invoke(depositIx, vault.SignerSeeds(state.Owner, state.Bump)); err != nil {
		return err
	}

	if err := p.closeVaultTokenAccount(ctx, state, vaultRef.Key, vaultTokenRef.Key, owner.Key); err != nil {
		return err
	}
	ctx.Log("auto repay deposit", "vault", vaultRef.Key.String(), "market_index", marketIndex, "amount", repayAmount)
	return nil
}

// checkExchangeAccounts pins the program accounts a handler invokes.
func (p *Program) checkExchangeAccounts(exchangeProgram, tokenProgram, systemProgram *svm.AccountRef) error {
	if err := requireKey(exchangeProgram, p.ExchangeProgramID, "exchange program"); err != nil {
		return err
	}
	if err := requireKey(tokenProgram, solana.TokenProgramID, "token program"); err != nil {
		return err
	}
	return requireKey(systemProgram, solana.SystemProgramID, "system program")
}

// loadExchangeUser decodes the exchange state and the vault's exchange user.
func (p *Program) loadExchangeUser(stateRef, userRef *svm.AccountRef, vaultKey solana.PublicKey) (*exchange.State, *exchange.User, error) {
	for _, ref := range []*svm.AccountRef{stateRef, userRef} {
		if !ref.IsOwnedBy(p.ExchangeProgramID) {
			return nil, nil, fmt.Errorf("%w: %s not owned by exchange", ErrInvalidUserAccounts, ref.Key)
		}
	}
	state, err := exchange.DecodeState(stateRef.Data())
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidUserAccounts, err)
	}
	user, err := exchange.DecodeUser(userRef.Data())
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidUserAccounts, err)
	}
	if !user.Authority.Equals(vaultKey) {
		return nil, nil, fmt.Errorf("%w: exchange user %s belongs to %s", ErrInvalidUserAccounts, userRef.Key, user.Authority)
	}
	return state, user, nil
}

func remainingMetas(refs []*svm.AccountRef) solana.AccountMetaSlice {
	out := make(solana.AccountMetaSlice, 0, len(refs))
	for _, ref := range refs {
		out = append(out, solana.NewAccountMeta(ref.Key, ref.IsWritable, false))
	}
	return out
}
