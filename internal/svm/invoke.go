package svm

import (
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
)

// InvokeContext is what a program sees while one of its instructions runs.
type InvokeContext struct {
	bank      *Bank
	programID solana.PublicKey
	accounts  []*AccountRef
	depth     int
	logger    *slog.Logger
}

func (c *InvokeContext) ProgramID() solana.PublicKey {
	return c.programID
}

func (c *InvokeContext) Depth() int {
	return c.depth
}

func (c *InvokeContext) Clock() Clock {
	return c.bank.clock
}

func (c *InvokeContext) Logger() *slog.Logger {
	return c.logger
}

// Log emits a program log line with args rendered as key=value pairs.
func (c *InvokeContext) Log(msg string, args ...any) {
	line := "Program log: " + msg
	for i := 0; i+1 < len(args); i += 2 {
		line += fmt.Sprintf(" %v=%v", args[i], args[i+1])
	}
	c.bank.appendLog(line)
	c.logger.Info(msg, args...)
}

func (c *InvokeContext) NumAccounts() int {
	return len(c.accounts)
}

func (c *InvokeContext) Account(index int) (*AccountRef, error) {
	if index < 0 || index >= len(c.accounts) {
		return nil, fmt.Errorf("%w: index %d of %d", ErrNotEnoughAccountKeys, index, len(c.accounts))
	}
	return c.accounts[index], nil
}

// Accounts returns every account passed to the instruction, in order.
func (c *InvokeContext) Accounts() []*AccountRef {
	return c.accounts
}

// Remaining returns the accounts after the first fixed ones.
func (c *InvokeContext) Remaining(fixed int) []*AccountRef {
	if fixed >= len(c.accounts) {
		return nil
	}
	return c.accounts[fixed:]
}

func (c *InvokeContext) Signer(index int) (*AccountRef, error) {
	ref, err := c.Account(index)
	if err != nil {
		return nil, err
	}
	if !ref.IsSigner {
		return nil, fmt.Errorf("%w: %s", ErrMissingRequiredSignature, ref.Key)
	}
	return ref, nil
}

func (c *InvokeContext) lookup(key solana.PublicKey) *AccountRef {
	for _, ref := range c.accounts {
		if ref.Key.Equals(key) {
			return ref
		}
	}
	return nil
}

// Invoke runs ix as a cross-program invocation. Each seed set signs for the PDA
// it derives under the calling program.
func (c *InvokeContext) Invoke(ix solana.Instruction, signerSeeds ...[][]byte) error {
	if c.depth >= maxInvokeDepth {
		return ErrCallDepth
	}

	pdaSigners := make([]solana.PublicKey, 0, len(signerSeeds))
	for _, seeds := range signerSeeds {
		signer, err := solana.CreateProgramAddress(seeds, c.programID)
		if err != nil {
			return fmt.Errorf("%w: signer seeds: %v", ErrPrivilegeEscalation, err)
		}
		pdaSigners = append(pdaSigners, signer)
	}

	programID := ix.ProgramID()
	if c.lookup(programID) == nil {
		return fmt.Errorf("%w: program %s not passed to caller", ErrMissingAccount, programID)
	}

	metas := ix.Accounts()
	refs := make([]*AccountRef, 0, len(metas))
	for _, meta := range metas {
		caller := c.lookup(meta.PublicKey)
		if caller == nil {
			return fmt.Errorf("%w: %s", ErrMissingAccount, meta.PublicKey)
		}
		if meta.IsWritable && !caller.IsWritable {
			return fmt.Errorf("%w: %s writable", ErrPrivilegeEscalation, meta.PublicKey)
		}
		if meta.IsSigner && !caller.IsSigner && !containsKey(pdaSigners, meta.PublicKey) {
			return fmt.Errorf("%w: %s signer", ErrPrivilegeEscalation, meta.PublicKey)
		}
		refs = append(refs, &AccountRef{
			Key:        meta.PublicKey,
			IsSigner:   meta.IsSigner,
			IsWritable: meta.IsWritable,
			account:    caller.account,
			program:    programID,
		})
	}

	data, err := ix.Data()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInstructionData, err)
	}
	return c.bank.execute(programID, refs, data, c.depth+1)
}

func containsKey(keys []solana.PublicKey, target solana.PublicKey) bool {
	for _, key := range keys {
		if key.Equals(target) {
			return true
		}
	}
	return false
}
