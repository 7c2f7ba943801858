package svm

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
)

const maxPermittedDataLength = 10 * 1024 * 1024

type SystemProgram struct{}

func (SystemProgram) Execute(ctx *InvokeContext, data []byte) error {
	inst, err := system.DecodeInstruction(accountMetas(ctx), data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInstructionData, err)
	}

	switch impl := inst.Impl.(type) {
	case *system.CreateAccount:
		if impl.Lamports == nil || impl.Space == nil || impl.Owner == nil {
			return ErrInvalidInstructionData
		}
		return createAccount(ctx, *impl.Lamports, *impl.Space, *impl.Owner)
	case *system.Transfer:
		if impl.Lamports == nil {
			return ErrInvalidInstructionData
		}
		return transferLamports(ctx, *impl.Lamports)
	case *system.Assign:
		if impl.Owner == nil {
			return ErrInvalidInstructionData
		}
		account, err := ctx.Signer(0)
		if err != nil {
			return err
		}
		return account.SetOwner(*impl.Owner)
	default:
		return fmt.Errorf("%w: unsupported system instruction %T", ErrInvalidInstructionData, inst.Impl)
	}
}

func createAccount(ctx *InvokeContext, lamports uint64, space uint64, owner solana.PublicKey) error {
	from, err := ctx.Signer(0)
	if err != nil {
		return err
	}
	to, err := ctx.Signer(1)
	if err != nil {
		return err
	}
	if to.Lamports() > 0 || len(to.Data()) > 0 || !to.IsOwnedBy(solana.SystemProgramID) {
		return fmt.Errorf("%w: %s", ErrAccountAlreadyInUse, to.Key)
	}
	if space > maxPermittedDataLength {
		return fmt.Errorf("%w: space %d", ErrInvalidInstructionData, space)
	}
	if err := to.SetData(make([]byte, space)); err != nil {
		return err
	}
	if err := to.SetOwner(owner); err != nil {
		return err
	}
	return from.MoveLamports(to, lamports)
}

func transferLamports(ctx *InvokeContext, lamports uint64) error {
	from, err := ctx.Signer(0)
	if err != nil {
		return err
	}
	to, err := ctx.Account(1)
	if err != nil {
		return err
	}
	if len(from.Data()) > 0 {
		return fmt.Errorf("%w: transfer from account with data", ErrInvalidAccountData)
	}
	return from.MoveLamports(to, lamports)
}

func accountMetas(ctx *InvokeContext) []*solana.AccountMeta {
	out := make([]*solana.AccountMeta, 0, len(ctx.accounts))
	for _, ref := range ctx.accounts {
		out = append(out, solana.NewAccountMeta(ref.Key, ref.IsWritable, ref.IsSigner))
	}
	return out
}
