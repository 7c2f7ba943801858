package keeper

import (
	"context"
	"errors"
	"fmt"

	"github.com/coldbell/autorepay/internal/autorepay"
	"github.com/coldbell/autorepay/internal/dex"
	"github.com/coldbell/autorepay/internal/exchange"
	"github.com/coldbell/autorepay/internal/svm"
	"github.com/coldbell/autorepay/internal/vault"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

var errSkipOwner = errors.New("skip owner")

// ownerAccounts are the addresses derived for one vault owner.
type ownerAccounts struct {
	owner        solana.PublicKey
	vault        solana.PublicKey
	exchangeUser solana.PublicKey
}

func deriveOwnerAccounts(program *autorepay.Program, owner solana.PublicKey) (ownerAccounts, error) {
	vaultKey, _, err := vault.Derive(program.ID, owner)
	if err != nil {
		return ownerAccounts{}, fmt.Errorf("derive vault: %w", err)
	}
	user, _, err := dex.DeriveExchangeUserPDA(program.ExchangeProgramID, vaultKey, 0)
	if err != nil {
		return ownerAccounts{}, fmt.Errorf("derive exchange user: %w", err)
	}
	return ownerAccounts{owner: owner, vault: vaultKey, exchangeUser: user}, nil
}

type fetchedAccount struct {
	key     solana.PublicKey
	account svm.Account
}

// snapshot is an owner's exchange position as of slot.
type snapshot struct {
	slot       uint64
	health     *autorepay.Health
	quoteDebt  uint64
	collateral uint64
}

// accountKeys lists the accounts fetched per owner: state, user, then the
// remaining accounts of the margin calculation.
func (s *Service) accountKeys(accounts ownerAccounts) ([]solana.PublicKey, error) {
	state, _, err := dex.DeriveExchangeStatePDA(s.program.ExchangeProgramID)
	if err != nil {
		return nil, fmt.Errorf("derive exchange state: %w", err)
	}
	remaining, err := s.markets().Remaining(s.program.ExchangeProgramID, s.cfg.CollateralMarketIndex)
	if err != nil {
		return nil, err
	}
	keys := make([]solana.PublicKey, 0, 2+len(remaining))
	keys = append(keys, state, accounts.exchangeUser)
	for _, meta := range remaining {
		keys = append(keys, meta.PublicKey)
	}
	return keys, nil
}

func (s *Service) markets() autorepay.MarketAccounts {
	return autorepay.MarketAccounts{
		Oracles:     s.cfg.Oracles,
		SpotMarkets: s.cfg.SpotMarkets,
	}
}

func (s *Service) fetchSnapshot(ctx context.Context, accounts ownerAccounts) (*snapshot, error) {
	keys, err := s.accountKeys(accounts)
	if err != nil {
		return nil, err
	}
	slot, err := s.rpc.GetSlot(ctx, s.cfg.Commitment)
	if err != nil {
		return nil, fmt.Errorf("get slot: %w", err)
	}
	resp, err := s.rpc.GetMultipleAccountsWithOpts(ctx, keys, &rpc.GetMultipleAccountsOpts{Commitment: s.cfg.Commitment})
	if err != nil {
		return nil, fmt.Errorf("fetch owner accounts: %w", err)
	}
	if len(resp.Value) != len(keys) {
		return nil, fmt.Errorf("unexpected account count %d, want %d", len(resp.Value), len(keys))
	}
	fetched := make([]fetchedAccount, 0, len(keys))
	for i, acct := range resp.Value {
		if acct == nil {
			return nil, fmt.Errorf("%w: account %s not found", errSkipOwner, keys[i])
		}
		fetched = append(fetched, fetchedAccount{
			key: keys[i],
			account: svm.Account{
				Lamports: acct.Lamports,
				Owner:    acct.Owner,
				Data:     acct.Data.GetBinary(),
			},
		})
	}
	return buildSnapshot(fetched, s.program.ExchangeProgramID, slot, s.cfg.CollateralMarketIndex)
}

// buildSnapshot evaluates health the same way the on-chain Deposit and
// Withdraw steps do. fetched is ordered as accountKeys returns it.
func buildSnapshot(fetched []fetchedAccount, exchangeProgramID solana.PublicKey, slot uint64, collateralMarket uint16) (*snapshot, error) {
	if len(fetched) < 2 {
		return nil, fmt.Errorf("missing state and user accounts")
	}
	if !fetched[0].account.Owner.Equals(exchangeProgramID) || !fetched[1].account.Owner.Equals(exchangeProgramID) {
		return nil, fmt.Errorf("%w: state or user not owned by %s", errSkipOwner, exchangeProgramID)
	}
	state, err := exchange.DecodeState(fetched[0].account.Data)
	if err != nil {
		return nil, fmt.Errorf("decode state %s: %w", fetched[0].key, err)
	}
	user, err := exchange.DecodeUser(fetched[1].account.Data)
	if err != nil {
		return nil, fmt.Errorf("decode user %s: %w", fetched[1].key, err)
	}

	refs := make([]*svm.AccountRef, 0, len(fetched)-2)
	for _, item := range fetched[2:] {
		refs = append(refs, svm.DetachedAccountRef(item.key, item.account, true))
	}
	health, err := autorepay.AccountHealth(user, state, refs, exchangeProgramID, slot, collateralMarket)
	if err != nil {
		return nil, fmt.Errorf("%w: health: %v", errSkipOwner, err)
	}

	out := &snapshot{slot: slot, health: health}
	if balance := user.SignedSpotBalance(exchange.QuoteSpotMarketIndex); balance < 0 {
		out.quoteDebt = uint64(-balance)
	}
	if balance := user.SignedSpotBalance(collateralMarket); balance > 0 {
		out.collateral = uint64(balance)
	}
	return out, nil
}

// planRepay sizes the repay leg: the whole quote debt, capped by maxRepay
// when it is set.
func planRepay(snap *snapshot, triggerHealth uint8, maxRepay uint64) (uint64, error) {
	if snap.health.Buffered >= triggerHealth {
		return 0, fmt.Errorf("%w: buffered health %d above trigger %d", errSkipOwner, snap.health.Buffered, triggerHealth)
	}
	if snap.quoteDebt == 0 {
		return 0, fmt.Errorf("%w: no quote debt", errSkipOwner)
	}
	amount := snap.quoteDebt
	if maxRepay > 0 && amount > maxRepay {
		amount = maxRepay
	}
	return amount, nil
}
