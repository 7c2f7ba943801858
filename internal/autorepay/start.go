package autorepay

import (
	"fmt"

	"github.com/coldbell/autorepay/internal/jupiter"
	"github.com/coldbell/autorepay/internal/svm"
	"github.com/gagliardetto/solana-go"
)

// start snapshots the caller's collateral balance and checks that the rest of
// the batch is the swap, deposit and withdraw that consume it.
func (p *Program) start(ctx *svm.InvokeContext, startBalance uint64) error {
	caller, err := ctx.Signer(startCaller)
	if err != nil {
		return err
	}
	accounts := ctx.Accounts()
	if len(accounts) <= startInstructionsSysvar {
		return fmt.Errorf("%w: %d accounts", svm.ErrNotEnoughAccountKeys, len(accounts))
	}
	callerTokenRef := accounts[startCallerTokenAccount]
	mintRef := accounts[startMint]
	vaultRef := accounts[startVault]
	vaultTokenRef := accounts[startVaultTokenAccount]
	owner := accounts[startOwner]

	state, err := p.loadVault(vaultRef, owner.Key)
	if err != nil {
		return err
	}
	if err := requireKey(accounts[startTokenProgram], solana.TokenProgramID, "token program"); err != nil {
		return err
	}
	if err := requireKey(accounts[startAssociatedTokenProgram], solana.SPLAssociatedTokenAccountProgramID, "associated token program"); err != nil {
		return err
	}
	if err := requireKey(accounts[startSystemProgram], solana.SystemProgramID, "system program"); err != nil {
		return err
	}

	sysvar, err := p.siblings(ctx, startInstructionsSysvar)
	if err != nil {
		return err
	}
	batch, err := p.expectSiblings(sysvar, stepStart)
	if err != nil {
		return err
	}
	swap, err := batch.footprint()
	if err != nil {
		return err
	}
	if err := checkStartFootprint(swap, mintRef.Key, callerTokenRef.Key); err != nil {
		return err
	}

	callerTokens, err := tokenBalance(callerTokenRef)
	if err != nil {
		return err
	}
	if !callerTokens.Mint.Equals(mintRef.Key) {
		return fmt.Errorf("%w: caller token account holds %s", ErrInvalidMint, callerTokens.Mint)
	}
	if callerTokens.Amount != startBalance {
		return fmt.Errorf("%w: declared %d, account holds %d", ErrInvalidStartBalance, startBalance, callerTokens.Amount)
	}

	if err := p.createVaultTokenAccount(ctx, vaultRef.Key, vaultTokenRef, mintRef.Key, caller.Key); err != nil {
		return err
	}
	ctx.Log("auto repay start",
		"vault", vaultRef.Key.String(),
		"owner", state.Owner.String(),
		"start_balance", startBalance,
		"out_amount", swap.OutAmount,
	)
	return nil
}

func checkStartFootprint(swap *jupiter.Footprint, mint, callerTokenAccount solana.PublicKey) error {
	if swap.PlatformFeeBps != 0 {
		return fmt.Errorf("%w: %d bps", ErrInvalidPlatformFee, swap.PlatformFeeBps)
	}
	if !swap.SourceMint.Equals(mint) {
		return fmt.Errorf("%w: swap spends %s, start snapshots %s", ErrInvalidRepayMint, swap.SourceMint, mint)
	}
	if !swap.UserSourceTokenAccount.Equals(callerTokenAccount) {
		return fmt.Errorf("%w: swap spends from %s", ErrInvalidSourceTokenAccount, swap.UserSourceTokenAccount)
	}
	return nil
}
