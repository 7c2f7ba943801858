package svm

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
)

// AssociatedTokenProgram implements Create and CreateIdempotent.
type AssociatedTokenProgram struct{}

func (AssociatedTokenProgram) Execute(ctx *InvokeContext, data []byte) error {
	idempotent := false
	switch {
	case len(data) == 0 || data[0] == 0:
	case data[0] == 1:
		idempotent = true
	default:
		return fmt.Errorf("%w: associated token instruction %d", ErrInvalidInstructionData, data[0])
	}

	payer, err := ctx.Signer(0)
	if err != nil {
		return err
	}
	ata, err := ctx.Account(1)
	if err != nil {
		return err
	}
	wallet, err := ctx.Account(2)
	if err != nil {
		return err
	}
	mint, err := ctx.Account(3)
	if err != nil {
		return err
	}

	expected, bump, err := solana.FindAssociatedTokenAddress(wallet.Key, mint.Key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAccountData, err)
	}
	if !expected.Equals(ata.Key) {
		return fmt.Errorf("%w: associated address %s, want %s", ErrInvalidAccountData, ata.Key, expected)
	}

	if ata.IsOwnedBy(solana.TokenProgramID) && len(ata.Data()) == TokenAccountSize {
		if !idempotent {
			return fmt.Errorf("%w: %s", ErrAccountAlreadyInUse, ata.Key)
		}
		existing, err := loadTokenAccount(ata)
		if err != nil {
			return err
		}
		if !existing.Owner.Equals(wallet.Key) || !existing.Mint.Equals(mint.Key) {
			return fmt.Errorf("%w: %s", ErrInvalidAccountOwner, ata.Key)
		}
		return nil
	}

	seeds := [][]byte{wallet.Key.Bytes(), solana.TokenProgramID.Bytes(), mint.Key.Bytes(), {bump}}
	create := system.NewCreateAccountInstruction(
		RentExemptMinimum(TokenAccountSize),
		TokenAccountSize,
		solana.TokenProgramID,
		payer.Key,
		ata.Key,
	).Build()
	if err := ctx.Invoke(create, seeds); err != nil {
		return err
	}
	return ctx.Invoke(token.NewInitializeAccount3Instruction(wallet.Key, ata.Key, mint.Key).Build())
}
