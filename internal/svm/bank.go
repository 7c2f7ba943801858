// Package svm runs batches of Solana instructions against an in-memory
// account set, one instruction at a time, with all-or-nothing commit.
package svm

import (
	"fmt"
	"log/slog"

	"github.com/coldbell/autorepay/internal/introspect"
	"github.com/gagliardetto/solana-go"
)

const maxInvokeDepth = 4

var (
	SysvarOwnerID       = solana.MustPublicKeyFromBase58("Sysvar1111111111111111111111111111111111111")
	NativeLoaderID      = solana.MustPublicKeyFromBase58("NativeLoader1111111111111111111111111111111")
	UpgradeableLoaderID = solana.MustPublicKeyFromBase58("BPFLoaderUpgradeab1e11111111111111111111111")
)

// Program is an on-chain program hosted by the bank.
type Program interface {
	Execute(ctx *InvokeContext, data []byte) error
}

type ProgramFunc func(ctx *InvokeContext, data []byte) error

func (f ProgramFunc) Execute(ctx *InvokeContext, data []byte) error {
	return f(ctx, data)
}

type Clock struct {
	Slot          uint64
	UnixTimestamp int64
}

type Batch struct {
	Instructions []solana.Instruction
	Signers      []solana.PublicKey
}

type Receipt struct {
	Logs []string
}

type Bank struct {
	accounts map[solana.PublicKey]*Account
	programs map[solana.PublicKey]Program
	clock    Clock
	logger   *slog.Logger
	logs     []string
}

func NewBank(logger *slog.Logger) *Bank {
	b := &Bank{
		accounts: make(map[solana.PublicKey]*Account),
		programs: make(map[solana.PublicKey]Program),
		logger:   logger,
	}
	b.registerNative(solana.SystemProgramID, SystemProgram{})
	b.registerNative(solana.TokenProgramID, TokenProgram{})
	b.registerNative(solana.SPLAssociatedTokenAccountProgramID, AssociatedTokenProgram{})
	return b
}

func (b *Bank) registerNative(programID solana.PublicKey, program Program) {
	b.programs[programID] = program
	b.accounts[programID] = &Account{Lamports: 1, Owner: NativeLoaderID, Executable: true}
}

// RegisterProgram deploys program under programID.
func (b *Bank) RegisterProgram(programID solana.PublicKey, program Program) {
	b.programs[programID] = program
	b.accounts[programID] = &Account{Lamports: RentExemptMinimum(36), Owner: UpgradeableLoaderID, Executable: true}
}

func (b *Bank) SetClock(clock Clock) {
	b.clock = clock
}

func (b *Bank) Clock() Clock {
	return b.clock
}

func (b *Bank) SetAccount(key solana.PublicKey, account Account) {
	b.accounts[key] = account.clone()
}

// Account returns a copy of the committed account state.
func (b *Bank) Account(key solana.PublicKey) (Account, bool) {
	acct, ok := b.accounts[key]
	if !ok || acct.Lamports == 0 {
		return Account{}, false
	}
	return *acct.clone(), true
}

func (b *Bank) Exists(key solana.PublicKey) bool {
	_, ok := b.Account(key)
	return ok
}

func (b *Bank) Airdrop(key solana.PublicKey, lamports uint64) {
	acct := b.load(key)
	acct.Lamports += lamports
}

func (b *Bank) load(key solana.PublicKey) *Account {
	acct, ok := b.accounts[key]
	if !ok {
		acct = &Account{Owner: solana.SystemProgramID}
		b.accounts[key] = acct
	}
	return acct
}

func (b *Bank) snapshot() map[solana.PublicKey]*Account {
	out := make(map[solana.PublicKey]*Account, len(b.accounts))
	for key, acct := range b.accounts {
		out[key] = acct.clone()
	}
	return out
}

// purge drops accounts whose balance reached zero, which is how closed
// accounts disappear.
func (b *Bank) purge() {
	for key, acct := range b.accounts {
		if acct.Lamports == 0 && !acct.Executable {
			delete(b.accounts, key)
		}
	}
}

func (b *Bank) appendLog(line string) {
	b.logs = append(b.logs, line)
}

// Process executes the batch. Either every instruction succeeds and the
// resulting accounts are committed, or the pre-batch state is restored and a
// *TransactionError names the failing instruction.
func (b *Bank) Process(batch Batch) (*Receipt, error) {
	b.logs = nil
	saved := b.snapshot()

	sysvar, err := b.loadInstructionsSysvar(batch.Instructions)
	if err != nil {
		return &Receipt{}, fmt.Errorf("build instructions sysvar: %w", err)
	}

	signers := make(map[solana.PublicKey]bool, len(batch.Signers))
	for _, key := range batch.Signers {
		signers[key] = true
	}

	for i, ix := range batch.Instructions {
		if err := introspect.StoreCurrentIndex(sysvar.Data, uint16(i)); err != nil {
			b.accounts = saved
			return &Receipt{Logs: b.logs}, &TransactionError{Index: i, Err: err}
		}
		if err := b.processTopLevel(ix, signers); err != nil {
			b.accounts = saved
			b.logger.Debug("batch reverted", "instruction", i, "err", err)
			return &Receipt{Logs: b.logs}, &TransactionError{Index: i, Err: err}
		}
		b.purge()
	}

	delete(b.accounts, solana.SysVarInstructionsPubkey)
	b.purge()
	return &Receipt{Logs: b.logs}, nil
}

func (b *Bank) loadInstructionsSysvar(ixs []solana.Instruction) (*Account, error) {
	views := make([]introspect.Instruction, 0, len(ixs))
	for _, ix := range ixs {
		view, err := introspect.FromSolana(ix)
		if err != nil {
			return nil, err
		}
		views = append(views, view)
	}
	data, err := introspect.Serialize(views)
	if err != nil {
		return nil, err
	}
	sysvar := &Account{
		Lamports: RentExemptMinimum(len(data)),
		Owner:    SysvarOwnerID,
		Data:     data,
	}
	b.accounts[solana.SysVarInstructionsPubkey] = sysvar
	return sysvar, nil
}

func (b *Bank) processTopLevel(ix solana.Instruction, signers map[solana.PublicKey]bool) error {
	programID := ix.ProgramID()
	metas := ix.Accounts()
	refs := make([]*AccountRef, 0, len(metas))
	for _, meta := range metas {
		if meta.IsSigner && !signers[meta.PublicKey] {
			return fmt.Errorf("%w: %s", ErrMissingRequiredSignature, meta.PublicKey)
		}
		refs = append(refs, &AccountRef{
			Key:        meta.PublicKey,
			IsSigner:   meta.IsSigner,
			IsWritable: meta.IsWritable,
			account:    b.load(meta.PublicKey),
			program:    programID,
		})
	}
	data, err := ix.Data()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInstructionData, err)
	}
	return b.execute(programID, refs, data, 1)
}

func (b *Bank) execute(programID solana.PublicKey, refs []*AccountRef, data []byte, depth int) error {
	program, ok := b.programs[programID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedProgramID, programID)
	}
	ctx := &InvokeContext{
		bank:      b,
		programID: programID,
		accounts:  refs,
		depth:     depth,
		logger:    b.logger.With("program", programID.String()),
	}
	b.appendLog(fmt.Sprintf("Program %s invoke [%d]", programID, depth))
	if err := program.Execute(ctx, data); err != nil {
		b.appendLog(fmt.Sprintf("Program %s failed: %v", programID, err))
		return err
	}
	b.appendLog(fmt.Sprintf("Program %s success", programID))
	return nil
}
