package autorepay

import (
	"fmt"

	"github.com/coldbell/autorepay/internal/exchange"
	"github.com/coldbell/autorepay/internal/introspect"
	"github.com/coldbell/autorepay/internal/jupiter"
	"github.com/coldbell/autorepay/internal/svm"
	"github.com/coldbell/autorepay/internal/vault"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
)

// withdraw pays the caller back in collateral for what the swap consumed and
// enforces the post-repay health floor.
func (p *Program) withdraw(ctx *svm.InvokeContext, marketIndex uint16) error {
	if marketIndex == exchange.QuoteSpotMarketIndex {
		return fmt.Errorf("%w: withdraw market %d", ErrUnsupportedMarketIndex, marketIndex)
	}
	owner, err := ctx.Signer(withdrawOwner)
	if err != nil {
		return err
	}
	accounts := ctx.Accounts()
	if len(accounts) < withdrawFixedAccounts {
		return fmt.Errorf("%w: %d accounts", svm.ErrNotEnoughAccountKeys, len(accounts))
	}
	vaultRef := accounts[withdrawVault]
	vaultTokenRef := accounts[withdrawVaultTokenAccount]
	callerTokenRef := accounts[withdrawCallerTokenAccount]
	mintRef := accounts[withdrawMint]

	state, err := p.loadVault(vaultRef, owner.Key)
	if err != nil {
		return err
	}
	if err := p.checkExchangeAccounts(accounts[withdrawExchangeProgram], accounts[withdrawTokenProgram], accounts[withdrawSystemProgram]); err != nil {
		return err
	}

	sysvar, err := p.siblings(ctx, withdrawInstructionsSysvar)
	if err != nil {
		return err
	}
	batch, err := p.expectSiblings(sysvar, stepWithdraw)
	if err != nil {
		return err
	}
	if err := pinDeposit(batch.deposit, accounts); err != nil {
		return err
	}
	if err := pinStart(batch.start, accounts); err != nil {
		return err
	}

	swap, err := batch.footprint()
	if err != nil {
		return err
	}
	if err := checkWithdrawFootprint(swap, mintRef.Key, callerTokenRef.Key); err != nil {
		return err
	}

	startBalance, err := introspect.ReadU64(batch.start.Data, startBalanceOffset)
	if err != nil {
		return err
	}
	callerTokens, err := tokenBalance(callerTokenRef)
	if err != nil {
		return err
	}
	if callerTokens.Amount > startBalance {
		return fmt.Errorf("%w: caller balance grew from %d to %d", ErrMathOverflow, startBalance, callerTokens.Amount)
	}
	consumed := startBalance - callerTokens.Amount

	exState, _, err := p.loadExchangeUser(accounts[withdrawExchangeState], accounts[withdrawExchangeUser], vaultRef.Key)
	if err != nil {
		return err
	}
	maps, err := exchange.LoadMarketMaps(ctx.Remaining(withdrawFixedAccounts), p.ExchangeProgramID, ctx.Clock().Slot, exState.OracleGuardRails, marketIndex)
	if err != nil {
		return err
	}
	if market := maps.SpotMarkets[marketIndex].Market; !market.Mint.Equals(mintRef.Key) {
		return fmt.Errorf("%w: market %d lists %s", ErrInvalidMint, marketIndex, market.Mint)
	}
	expectedVaultToken, _, err := vault.DeriveTokenAccount(p.ID, vaultRef.Key, mintRef.Key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUserAccounts, err)
	}
	if err := requireKey(vaultTokenRef, expectedVaultToken, "vault token account"); err != nil {
		return err
	}

	signerSeeds := vault.SignerSeeds(state.Owner, state.Bump)
	withdrawIx, err := exchange.NewWithdrawInstruction(p.ExchangeProgramID, exchange.WithdrawAccounts{
		State:            accounts[withdrawExchangeState].Key,
		User:             accounts[withdrawExchangeUser].Key,
		UserStats:        accounts[withdrawExchangeUserStats].Key,
		Authority:        vaultRef.Key,
		SpotMarketVault:  accounts[withdrawSpotMarketVault].Key,
		Signer:           accounts[withdrawExchangeSigner].Key,
		UserTokenAccount: vaultTokenRef.Key,
		TokenProgram:     solana.TokenProgramID,
	}, exchange.TransferArgs{
		MarketIndex: marketIndex,
		Amount:      consumed,
		ReduceOnly:  true,
	}, remainingMetas(ctx.Remaining(withdrawFixedAccounts)))
	if err != nil {
		return err
	}
	if err := ctx.Invoke(withdrawIx, signerSeeds); err != nil {
		return err
	}

	payback := token.NewTransferInstruction(consumed, vaultTokenRef.Key, callerTokenRef.Key, vaultRef.Key, nil).Build()
	if err := ctx.Invoke(payback, signerSeeds); err != nil {
		return err
	}
	if err := p.closeVaultTokenAccount(ctx, state, vaultRef.Key, vaultTokenRef.Key, owner.Key); err != nil {
		return err
	}

	// The exchange rewrote the user; read it again.
	_, user, err := p.loadExchangeUser(accounts[withdrawExchangeState], accounts[withdrawExchangeUser], vaultRef.Key)
	if err != nil {
		return err
	}
	health, err := AccountHealth(user, exState, ctx.Remaining(withdrawFixedAccounts), p.ExchangeProgramID, ctx.Clock().Slot, marketIndex)
	if err != nil {
		return err
	}
	ctx.Log("post repay health",
		"raw", health.Raw,
		"buffered", health.Buffered,
		"total_collateral", health.TotalCollateral.String(),
		"margin_requirement", health.MarginRequirement.String(),
	)
	if health.Buffered < MinPostHealth {
		return fmt.Errorf("%w: buffered health %d < %d", ErrPostHealthBelowMinimum, health.Buffered, MinPostHealth)
	}
	ctx.Log("auto repay withdraw", "vault", vaultRef.Key.String(), "market_index", marketIndex, "amount", consumed)
	return nil
}

func checkWithdrawFootprint(swap *jupiter.Footprint, mint, callerTokenAccount solana.PublicKey) error {
	if !swap.SourceMint.Equals(mint) {
		return fmt.Errorf("%w: swap spends %s, withdraw pays %s", ErrInvalidMint, swap.SourceMint, mint)
	}
	if !swap.UserSourceTokenAccount.Equals(callerTokenAccount) {
		return fmt.Errorf("%w: swap spends from %s", ErrInvalidSourceTokenAccount, swap.UserSourceTokenAccount)
	}
	return nil
}

// pinDeposit requires the sibling Deposit to act for the same vault, owner and
// exchange accounts as this Withdraw.
func pinDeposit(deposit *introspect.Instruction, accounts []*svm.AccountRef) error {
	pins := []struct {
		depositPos  int
		withdrawPos int
		name        string
	}{
		{depositVault, withdrawVault, "vault"},
		{depositOwner, withdrawOwner, "owner"},
		{depositExchangeUser, withdrawExchangeUser, "exchange user"},
		{depositExchangeUserStats, withdrawExchangeUserStats, "exchange user stats"},
	}
	for _, pin := range pins {
		key, err := deposit.Account(pin.depositPos)
		if err != nil {
			return fmt.Errorf("%w: deposit %s: %v", ErrInvalidUserAccounts, pin.name, err)
		}
		if !key.Equals(accounts[pin.withdrawPos].Key) {
			return fmt.Errorf("%w: deposit %s %s, withdraw %s", ErrInvalidUserAccounts, pin.name, key, accounts[pin.withdrawPos].Key)
		}
	}
	return nil
}

// pinStart requires the sibling Start to have snapshotted this Withdraw's
// caller account and created its vault token account.
func pinStart(start *introspect.Instruction, accounts []*svm.AccountRef) error {
	pins := []struct {
		startPos    int
		withdrawPos int
		name        string
	}{
		{startVault, withdrawVault, "vault"},
		{startCallerTokenAccount, withdrawCallerTokenAccount, "caller token account"},
		{startVaultTokenAccount, withdrawVaultTokenAccount, "vault token account"},
	}
	for _, pin := range pins {
		key, err := start.Account(pin.startPos)
		if err != nil {
			return fmt.Errorf("%w: start %s: %v", ErrInvalidUserAccounts, pin.name, err)
		}
		if !key.Equals(accounts[pin.withdrawPos].Key) {
			return fmt.Errorf("%w: start %s %s, withdraw %s", ErrInvalidUserAccounts, pin.name, key, accounts[pin.withdrawPos].Key)
		}
	}
	mint, err := start.Account(startMint)
	if err != nil {
		return fmt.Errorf("%w: start mint: %v", ErrInvalidUserAccounts, err)
	}
	if !mint.Equals(accounts[withdrawMint].Key) {
		return fmt.Errorf("%w: start snapshots %s, withdraw pays %s", ErrInvalidMint, mint, accounts[withdrawMint].Key)
	}
	return nil
}
