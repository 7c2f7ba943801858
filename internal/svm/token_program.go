package svm

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
)

var (
	ErrTokenInsufficientFunds  = errors.New("token: insufficient funds")
	ErrTokenMintMismatch       = errors.New("token: account not associated with this mint")
	ErrTokenOwnerMismatch      = errors.New("token: owner does not match")
	ErrTokenNonNativeBalance   = errors.New("token: non-native account can only be closed if its balance is zero")
	ErrTokenAlreadyInitialized = errors.New("token: account or mint already initialized")
	ErrTokenUninitialized      = errors.New("token: state is uninitialized")
	ErrTokenAccountFrozen      = errors.New("token: account is frozen")
	ErrTokenDecimalsMismatch   = errors.New("token: decimals mismatch")
)

type TokenProgram struct{}

func (TokenProgram) Execute(ctx *InvokeContext, data []byte) error {
	inst, err := token.DecodeInstruction(accountMetas(ctx), data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInstructionData, err)
	}

	switch impl := inst.Impl.(type) {
	case *token.InitializeMint2:
		if impl.Decimals == nil || impl.MintAuthority == nil {
			return ErrInvalidInstructionData
		}
		return initializeMint(ctx, *impl.Decimals, *impl.MintAuthority, impl.FreezeAuthority)
	case *token.InitializeAccount3:
		if impl.Owner == nil {
			return ErrInvalidInstructionData
		}
		return initializeTokenAccount(ctx, *impl.Owner)
	case *token.Transfer:
		if impl.Amount == nil {
			return ErrInvalidInstructionData
		}
		return transferTokens(ctx, 0, 1, 2, *impl.Amount, nil)
	case *token.TransferChecked:
		if impl.Amount == nil || impl.Decimals == nil {
			return ErrInvalidInstructionData
		}
		return transferTokens(ctx, 0, 2, 3, *impl.Amount, func(mint solana.PublicKey) error {
			mintRef, err := ctx.Account(1)
			if err != nil {
				return err
			}
			if !mintRef.Key.Equals(mint) {
				return ErrTokenMintMismatch
			}
			decoded, err := DecodeMint(mintRef.Data())
			if err != nil {
				return err
			}
			if decoded.Decimals != *impl.Decimals {
				return ErrTokenDecimalsMismatch
			}
			return nil
		})
	case *token.MintTo:
		if impl.Amount == nil {
			return ErrInvalidInstructionData
		}
		return mintTo(ctx, *impl.Amount)
	case *token.CloseAccount:
		return closeTokenAccount(ctx)
	default:
		return fmt.Errorf("%w: unsupported token instruction %T", ErrInvalidInstructionData, inst.Impl)
	}
}

func initializeMint(ctx *InvokeContext, decimals uint8, authority solana.PublicKey, freeze *solana.PublicKey) error {
	mintRef, err := ctx.Account(0)
	if err != nil {
		return err
	}
	if len(mintRef.Data()) != MintSize {
		return fmt.Errorf("%w: mint size %d", ErrInvalidAccountData, len(mintRef.Data()))
	}
	current, err := DecodeMint(mintRef.Data())
	if err != nil {
		return err
	}
	if current.IsInitialized {
		return ErrTokenAlreadyInitialized
	}
	mint := Mint{MintAuthority: &authority, Decimals: decimals, IsInitialized: true, FreezeAuthority: freeze}
	return mintRef.SetData(mint.Encode())
}

func initializeTokenAccount(ctx *InvokeContext, owner solana.PublicKey) error {
	accountRef, err := ctx.Account(0)
	if err != nil {
		return err
	}
	mintRef, err := ctx.Account(1)
	if err != nil {
		return err
	}
	if len(accountRef.Data()) != TokenAccountSize {
		return fmt.Errorf("%w: token account size %d", ErrInvalidAccountData, len(accountRef.Data()))
	}
	current, err := DecodeTokenAccount(accountRef.Data())
	if err != nil {
		return err
	}
	if current.State != TokenAccountUninitialized {
		return ErrTokenAlreadyInitialized
	}
	if !mintRef.IsOwnedBy(solana.TokenProgramID) {
		return fmt.Errorf("%w: mint %s", ErrInvalidAccountOwner, mintRef.Key)
	}
	mint, err := DecodeMint(mintRef.Data())
	if err != nil {
		return err
	}
	if !mint.IsInitialized {
		return ErrTokenUninitialized
	}
	next := TokenAccount{Mint: mintRef.Key, Owner: owner, State: TokenAccountInitialized}
	return accountRef.SetData(next.Encode())
}

func loadTokenAccount(ref *AccountRef) (*TokenAccount, error) {
	if !ref.IsOwnedBy(solana.TokenProgramID) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAccountOwner, ref.Key)
	}
	account, err := DecodeTokenAccount(ref.Data())
	if err != nil {
		return nil, err
	}
	switch account.State {
	case TokenAccountUninitialized:
		return nil, fmt.Errorf("%w: %s", ErrTokenUninitialized, ref.Key)
	case TokenAccountFrozen:
		return nil, fmt.Errorf("%w: %s", ErrTokenAccountFrozen, ref.Key)
	}
	return account, nil
}

func checkAuthority(authority *AccountRef, expected solana.PublicKey) error {
	if !authority.Key.Equals(expected) {
		return fmt.Errorf("%w: %s is not %s", ErrTokenOwnerMismatch, authority.Key, expected)
	}
	if !authority.IsSigner {
		return fmt.Errorf("%w: %s", ErrMissingRequiredSignature, authority.Key)
	}
	return nil
}

func transferTokens(ctx *InvokeContext, srcIdx, dstIdx, authIdx int, amount uint64, checkMint func(solana.PublicKey) error) error {
	srcRef, err := ctx.Account(srcIdx)
	if err != nil {
		return err
	}
	dstRef, err := ctx.Account(dstIdx)
	if err != nil {
		return err
	}
	authority, err := ctx.Account(authIdx)
	if err != nil {
		return err
	}
	src, err := loadTokenAccount(srcRef)
	if err != nil {
		return err
	}
	dst, err := loadTokenAccount(dstRef)
	if err != nil {
		return err
	}
	if !src.Mint.Equals(dst.Mint) {
		return ErrTokenMintMismatch
	}
	if checkMint != nil {
		if err := checkMint(src.Mint); err != nil {
			return err
		}
	}
	if err := checkAuthority(authority, src.Owner); err != nil {
		return err
	}
	if src.Amount < amount {
		return fmt.Errorf("%w: %s holds %d, need %d", ErrTokenInsufficientFunds, srcRef.Key, src.Amount, amount)
	}
	if srcRef.Key.Equals(dstRef.Key) {
		return nil
	}
	if dst.Amount+amount < dst.Amount {
		return ErrArithmeticOverflow
	}
	src.Amount -= amount
	dst.Amount += amount
	if err := srcRef.SetData(src.Encode()); err != nil {
		return err
	}
	return dstRef.SetData(dst.Encode())
}

func mintTo(ctx *InvokeContext, amount uint64) error {
	mintRef, err := ctx.Account(0)
	if err != nil {
		return err
	}
	dstRef, err := ctx.Account(1)
	if err != nil {
		return err
	}
	authority, err := ctx.Account(2)
	if err != nil {
		return err
	}
	mint, err := DecodeMint(mintRef.Data())
	if err != nil {
		return err
	}
	if !mint.IsInitialized || mint.MintAuthority == nil {
		return ErrTokenUninitialized
	}
	if err := checkAuthority(authority, *mint.MintAuthority); err != nil {
		return err
	}
	dst, err := loadTokenAccount(dstRef)
	if err != nil {
		return err
	}
	if !dst.Mint.Equals(mintRef.Key) {
		return ErrTokenMintMismatch
	}
	if mint.Supply+amount < mint.Supply {
		return ErrArithmeticOverflow
	}
	mint.Supply += amount
	dst.Amount += amount
	if err := mintRef.SetData(mint.Encode()); err != nil {
		return err
	}
	return dstRef.SetData(dst.Encode())
}

func closeTokenAccount(ctx *InvokeContext) error {
	accountRef, err := ctx.Account(0)
	if err != nil {
		return err
	}
	destination, err := ctx.Account(1)
	if err != nil {
		return err
	}
	authority, err := ctx.Account(2)
	if err != nil {
		return err
	}
	account, err := loadTokenAccount(accountRef)
	if err != nil {
		return err
	}
	if account.Amount != 0 {
		return fmt.Errorf("%w: %s holds %d", ErrTokenNonNativeBalance, accountRef.Key, account.Amount)
	}
	if err := checkAuthority(authority, account.Owner); err != nil {
		return err
	}
	if err := accountRef.MoveLamports(destination, accountRef.Lamports()); err != nil {
		return err
	}
	return accountRef.SetData(make([]byte, len(accountRef.Data())))
}
