package svm

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// SetMint stores an initialized mint without running the token program.
func (b *Bank) SetMint(key solana.PublicKey, authority solana.PublicKey, decimals uint8, supply uint64) {
	mint := Mint{MintAuthority: &authority, Supply: supply, Decimals: decimals, IsInitialized: true}
	b.SetAccount(key, Account{
		Lamports: RentExemptMinimum(MintSize),
		Owner:    solana.TokenProgramID,
		Data:     mint.Encode(),
	})
}

// SetTokenAccount stores an initialized token account.
func (b *Bank) SetTokenAccount(key solana.PublicKey, mint solana.PublicKey, owner solana.PublicKey, amount uint64) {
	account := TokenAccount{Mint: mint, Owner: owner, Amount: amount, State: TokenAccountInitialized}
	b.SetAccount(key, Account{
		Lamports: RentExemptMinimum(TokenAccountSize),
		Owner:    solana.TokenProgramID,
		Data:     account.Encode(),
	})
}

func (b *Bank) TokenBalance(key solana.PublicKey) (uint64, error) {
	acct, ok := b.Account(key)
	if !ok {
		return 0, fmt.Errorf("token account %s not found", key)
	}
	if !acct.Owner.Equals(solana.TokenProgramID) {
		return 0, fmt.Errorf("%w: %s", ErrInvalidAccountOwner, key)
	}
	return TokenBalance(acct.Data)
}

func (b *Bank) Lamports(key solana.PublicKey) uint64 {
	acct, ok := b.Account(key)
	if !ok {
		return 0
	}
	return acct.Lamports
}
