package scenario

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/coldbell/autorepay/internal/autorepay"
	"github.com/coldbell/autorepay/internal/exchange"
	"github.com/coldbell/autorepay/internal/svm"
	"github.com/gagliardetto/solana-go"
)

// Outcome is what a fixture run left behind.
type Outcome struct {
	Err error
	// Index is the aborting instruction, -1 when the batch committed.
	Index     int
	ErrorName string
	Logs      []string

	PreHealth     *autorepay.Health
	PostHealth    *autorepay.Health
	CallerBalance uint64
	Collateral    int64
	Borrow        int64
	// LoggedPostHealth is the buffered health Withdraw computed and logged,
	// even when the batch was reverted afterwards.
	LoggedPostHealth *uint8
	// OpenVaultTokenAccounts lists vault token accounts still present.
	OpenVaultTokenAccounts []solana.PublicKey
}

func (o *Outcome) Committed() bool {
	return o.Err == nil
}

// Run builds a world for f, submits its batch and collects the outcome.
// A non-nil error means the world could not be built, not that the batch
// was rejected.
func Run(logger *slog.Logger, f *Fixture) (*World, *Outcome, error) {
	w, err := NewWorld(logger, f.WorldSpec())
	if err != nil {
		return nil, nil, fmt.Errorf("build world: %w", err)
	}
	owner, err := w.AddOwner(f.Owner.Collateral, f.Owner.Borrow)
	if err != nil {
		return nil, nil, fmt.Errorf("add owner: %w", err)
	}
	caller, err := w.AddCaller(f.Caller.Balance)
	if err != nil {
		return nil, nil, fmt.Errorf("add caller: %w", err)
	}

	startBalance := f.Caller.StartBalance
	if startBalance == 0 {
		startBalance = f.Caller.Balance
	}
	swapSpec := SwapSpec{
		OutAmount:      f.Swap.OutAmount,
		QuotedInAmount: f.Swap.QuotedInAmount,
		SlippageBps:    f.Swap.SlippageBps,
		PlatformFeeBps: f.Swap.PlatformFeeBps,
	}
	if swapSpec.QuotedInAmount == 0 {
		swapSpec.QuotedInAmount = f.Swap.OutAmount * f.World.PoolRateDenominator / f.World.PoolRateNumerator
	}
	if swapSpec.PlatformFeeBps > 0 {
		swapSpec.PlatformFeeAccount = caller.CollateralTokenAccount
	}
	swap, err := w.SwapInstruction(caller, owner, swapSpec)
	if err != nil {
		return nil, nil, err
	}
	batch, err := w.Batch(owner, caller, startBalance, swap)
	if err != nil {
		return nil, nil, err
	}
	signers := []solana.PublicKey{caller.Key, owner.Key}

	switch f.Attack {
	case AttackReorder:
		batch = []solana.Instruction{batch[0], batch[2], batch[1], batch[3]}
	case AttackDropSwap:
		batch = []solana.Instruction{batch[0], batch[2], batch[3]}
	case AttackMixedVaults:
		other, err := w.AddOwner(f.Owner.Collateral, f.Owner.Borrow)
		if err != nil {
			return nil, nil, fmt.Errorf("add second owner: %w", err)
		}
		otherBatch, err := w.Batch(other, caller, startBalance, swap)
		if err != nil {
			return nil, nil, err
		}
		batch = []solana.Instruction{otherBatch[0], swap, batch[2], otherBatch[3]}
		signers = append(signers, other.Key)
	}

	out := &Outcome{Index: -1}
	if out.PreHealth, err = w.Health(owner); err != nil {
		return nil, nil, fmt.Errorf("pre health: %w", err)
	}
	receipt, err := w.Bank.Process(svm.Batch{Instructions: batch, Signers: signers})
	if receipt != nil {
		out.Logs = receipt.Logs
		out.LoggedPostHealth = loggedBuffered(out.Logs, "post repay health")
	}
	if err != nil {
		out.Err = err
		var txErr *svm.TransactionError
		if errors.As(err, &txErr) {
			out.Index = txErr.Index
		}
		var programErr *autorepay.Error
		if errors.As(err, &programErr) {
			out.ErrorName = programErr.Name
		}
	}

	if out.PostHealth, err = w.Health(owner); err != nil {
		return nil, nil, fmt.Errorf("post health: %w", err)
	}
	if out.CallerBalance, err = w.Bank.TokenBalance(caller.CollateralTokenAccount); err != nil {
		return nil, nil, err
	}
	if out.Collateral, err = w.SpotBalance(owner, w.Spec.CollateralMarketIndex); err != nil {
		return nil, nil, err
	}
	if out.Borrow, err = w.SpotBalance(owner, exchange.QuoteSpotMarketIndex); err != nil {
		return nil, nil, err
	}
	accounts, err := w.VaultTokenAccounts(owner)
	if err != nil {
		return nil, nil, err
	}
	for _, key := range accounts {
		if w.Bank.Exists(key) {
			out.OpenVaultTokenAccounts = append(out.OpenVaultTokenAccounts, key)
		}
	}
	return w, out, nil
}

// Check compares an outcome with the fixture's expectations.
func (f *Fixture) Check(out *Outcome) error {
	var errs []error
	if f.Expect.Error == "" {
		if out.Err != nil {
			errs = append(errs, fmt.Errorf("batch aborted: %w", out.Err))
		}
	} else {
		if out.ErrorName != f.Expect.Error {
			errs = append(errs, fmt.Errorf("error %q, want %q (%v)", out.ErrorName, f.Expect.Error, out.Err))
		}
		if out.Index != f.Expect.Index {
			errs = append(errs, fmt.Errorf("aborted at instruction %d, want %d", out.Index, f.Expect.Index))
		}
	}
	if want := f.Expect.PreBuffered; want != nil && out.PreHealth.Buffered != *want {
		errs = append(errs, fmt.Errorf("pre buffered health %d, want %d", out.PreHealth.Buffered, *want))
	}
	if want := f.Expect.PostBuffered; want != nil && out.PostHealth.Buffered != *want {
		errs = append(errs, fmt.Errorf("post buffered health %d, want %d", out.PostHealth.Buffered, *want))
	}
	if want := f.Expect.LoggedPostBuffered; want != nil {
		switch {
		case out.LoggedPostHealth == nil:
			errs = append(errs, fmt.Errorf("no post repay health logged, want %d", *want))
		case *out.LoggedPostHealth != *want:
			errs = append(errs, fmt.Errorf("logged post buffered health %d, want %d", *out.LoggedPostHealth, *want))
		}
	}
	if want := f.Expect.CallerBalance; want != nil && out.CallerBalance != *want {
		errs = append(errs, fmt.Errorf("caller balance %d, want %d", out.CallerBalance, *want))
	}
	if want := f.Expect.CollateralLeft; want != nil && out.Collateral != *want {
		errs = append(errs, fmt.Errorf("collateral %d, want %d", out.Collateral, *want))
	}
	if want := f.Expect.BorrowLeft; want != nil && out.Borrow != *want {
		errs = append(errs, fmt.Errorf("borrow %d, want %d", out.Borrow, *want))
	}
	if len(out.OpenVaultTokenAccounts) > 0 {
		errs = append(errs, fmt.Errorf("vault token accounts left open: %v", out.OpenVaultTokenAccounts))
	}
	return errors.Join(errs...)
}

// loggedBuffered returns the buffered field of the last program log line
// starting with msg.
func loggedBuffered(logs []string, msg string) *uint8 {
	prefix := "Program log: " + msg + " "
	var found *uint8
	for _, line := range logs {
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		for _, field := range strings.Fields(strings.TrimPrefix(line, prefix)) {
			value, ok := strings.CutPrefix(field, "buffered=")
			if !ok {
				continue
			}
			if v, err := strconv.ParseUint(value, 10, 8); err == nil {
				buffered := uint8(v)
				found = &buffered
			}
		}
	}
	return found
}
