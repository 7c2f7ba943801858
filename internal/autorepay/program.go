// Package autorepay is the auto-repay program: a vault repays its exchange
// borrow with collateral by way of an aggregator swap, in a batch of four
// instructions that check each other through the instructions sysvar.
package autorepay

import (
	"fmt"

	"github.com/coldbell/autorepay/internal/exchange"
	"github.com/coldbell/autorepay/internal/introspect"
	"github.com/coldbell/autorepay/internal/jupiter"
	"github.com/coldbell/autorepay/internal/svm"
	"github.com/coldbell/autorepay/internal/vault"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/gagliardetto/solana-go/programs/token"
)

var DefaultProgramID = solana.MustPublicKeyFromBase58("AutoRepay1111111111111111111111111111111111")

// Program holds the identities of the programs the pipeline trusts.
type Program struct {
	ID                  solana.PublicKey
	ExchangeProgramID   solana.PublicKey
	AggregatorProgramID solana.PublicKey
}

func NewProgram(programID, exchangeProgramID, aggregatorProgramID solana.PublicKey) *Program {
	return &Program{
		ID:                  programID,
		ExchangeProgramID:   exchangeProgramID,
		AggregatorProgramID: aggregatorProgramID,
	}
}

// DefaultPrograms wires the mainnet exchange and aggregator ids.
func DefaultPrograms() *Program {
	return NewProgram(DefaultProgramID, exchange.ProgramID, jupiter.ProgramID)
}

func (p *Program) Execute(ctx *svm.InvokeContext, data []byte) error {
	if len(data) < 8 {
		return fmt.Errorf("%w: %d bytes of instruction data", ErrDeserializationError, len(data))
	}
	var disc [8]byte
	copy(disc[:], data[:8])

	var err error
	switch disc {
	case InitializeVaultDiscriminator:
		err = p.initializeVault(ctx)
	case CloseVaultDiscriminator:
		err = p.closeVault(ctx)
	case StartDiscriminator:
		var balance uint64
		if balance, err = decodeU64Arg(data); err == nil {
			err = p.start(ctx, balance)
		}
	case DepositDiscriminator:
		var marketIndex uint16
		if marketIndex, err = decodeU16Arg(data); err == nil {
			err = p.deposit(ctx, marketIndex)
		}
	case WithdrawDiscriminator:
		var marketIndex uint16
		if marketIndex, err = decodeU16Arg(data); err == nil {
			err = p.withdraw(ctx, marketIndex)
		}
	default:
		return fmt.Errorf("%w: unknown discriminator %x", ErrDeserializationError, disc)
	}
	return programError(err)
}

func (p *Program) initializeVault(ctx *svm.InvokeContext) error {
	vaultRef, err := ctx.Account(0)
	if err != nil {
		return err
	}
	owner, err := ctx.Signer(1)
	if err != nil {
		return err
	}
	expected, bump, err := vault.Derive(p.ID, owner.Key)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidVault, err)
	}
	if !expected.Equals(vaultRef.Key) {
		return fmt.Errorf("%w: %s is not the vault of %s", ErrInvalidVault, vaultRef.Key, owner.Key)
	}

	create := system.NewCreateAccountInstruction(
		svm.RentExemptMinimum(vault.AccountSize),
		vault.AccountSize,
		p.ID,
		owner.Key,
		vaultRef.Key,
	).Build()
	if err := ctx.Invoke(create, vault.SignerSeeds(owner.Key, bump)); err != nil {
		return err
	}
	state := vault.Account{Owner: owner.Key, Bump: bump}
	data, err := state.Encode()
	if err != nil {
		return err
	}
	if err := vaultRef.SetData(data); err != nil {
		return err
	}
	ctx.Log("vault initialized", "vault", vaultRef.Key.String(), "owner", owner.Key.String())
	return nil
}

func (p *Program) closeVault(ctx *svm.InvokeContext) error {
	vaultRef, err := ctx.Account(0)
	if err != nil {
		return err
	}
	owner, err := ctx.Signer(1)
	if err != nil {
		return err
	}
	if _, err := p.loadVault(vaultRef, owner.Key); err != nil {
		return err
	}
	if err := vaultRef.SetData(make([]byte, len(vaultRef.Data()))); err != nil {
		return err
	}
	if err := vaultRef.MoveLamports(owner, vaultRef.Lamports()); err != nil {
		return err
	}
	ctx.Log("vault closed", "vault", vaultRef.Key.String())
	return nil
}

// loadVault decodes the vault at ref and checks it against owner.
func (p *Program) loadVault(ref *svm.AccountRef, owner solana.PublicKey) (*vault.Account, error) {
	if !ref.IsOwnedBy(p.ID) {
		return nil, fmt.Errorf("%w: %s owned by %s", ErrInvalidVault, ref.Key, ref.Owner())
	}
	state, err := vault.Decode(ref.Data())
	if err != nil {
		return nil, err
	}
	if err := vault.Verify(p.ID, ref.Key, state, owner); err != nil {
		return nil, err
	}
	return state, nil
}

// siblings reads the instructions sysvar passed at index.
func (p *Program) siblings(ctx *svm.InvokeContext, index int) ([]byte, error) {
	ref, err := ctx.Account(index)
	if err != nil {
		return nil, err
	}
	if !ref.Key.Equals(solana.SysVarInstructionsPubkey) {
		return nil, fmt.Errorf("%w: %s is not the instructions sysvar", ErrIllegalAutoRepayInstructions, ref.Key)
	}
	return ref.Data(), nil
}

// expectSiblings checks that the batch around the current instruction is
// exactly Start, Swap, Deposit, Withdraw. self is the current instruction's
// position in that sequence.
func (p *Program) expectSiblings(sysvar []byte, self int) (*pipeline, error) {
	steps := []struct {
		programID     solana.PublicKey
		discriminator [8]byte
	}{
		{p.ID, StartDiscriminator},
		{p.AggregatorProgramID, jupiter.ExactOutRouteDiscriminator},
		{p.ID, DepositDiscriminator},
		{p.ID, WithdrawDiscriminator},
	}
	found := make([]*introspect.Instruction, len(steps))
	for i, step := range steps {
		if i == self {
			continue
		}
		ix, err := introspect.Expect(sysvar, i-self, step.programID, step.discriminator)
		if err != nil {
			return nil, programError(err)
		}
		found[i] = ix
	}
	return &pipeline{start: found[stepStart], swap: found[stepSwap], deposit: found[stepDeposit], withdraw: found[stepWithdraw]}, nil
}

const (
	stepStart = iota
	stepSwap
	stepDeposit
	stepWithdraw
)

type pipeline struct {
	start    *introspect.Instruction
	swap     *introspect.Instruction
	deposit  *introspect.Instruction
	withdraw *introspect.Instruction
}

func (s *pipeline) footprint() (*jupiter.Footprint, error) {
	fp, err := jupiter.DecodeFootprint(s.swap)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeserializationError, err)
	}
	return fp, nil
}

// createVaultTokenAccount creates the vault-scoped token account for mint at
// ref, funded by payer.
func (p *Program) createVaultTokenAccount(ctx *svm.InvokeContext, vaultKey solana.PublicKey, ref *svm.AccountRef, mint solana.PublicKey, payer solana.PublicKey) error {
	expected, bump, err := vault.DeriveTokenAccount(p.ID, vaultKey, mint)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUserAccounts, err)
	}
	if !expected.Equals(ref.Key) {
		return fmt.Errorf("%w: vault token account %s, want %s", ErrInvalidUserAccounts, ref.Key, expected)
	}
	create := system.NewCreateAccountInstruction(
		svm.RentExemptMinimum(svm.TokenAccountSize),
		svm.TokenAccountSize,
		solana.TokenProgramID,
		payer,
		ref.Key,
	).Build()
	if err := ctx.Invoke(create, vault.TokenAccountSignerSeeds(vaultKey, mint, bump)); err != nil {
		return err
	}
	return ctx.Invoke(token.NewInitializeAccount3Instruction(vaultKey, ref.Key, mint).Build())
}

// closeVaultTokenAccount closes ref and sends its rent to owner. It fails if
// any tokens are left behind.
func (p *Program) closeVaultTokenAccount(ctx *svm.InvokeContext, state *vault.Account, vaultKey, ref, owner solana.PublicKey) error {
	closeIx := token.NewCloseAccountInstruction(ref, owner, vaultKey, nil).Build()
	return ctx.Invoke(closeIx, vault.SignerSeeds(state.Owner, state.Bump))
}

func requireKey(ref *svm.AccountRef, want solana.PublicKey, name string) error {
	if !ref.Key.Equals(want) {
		return fmt.Errorf("%w: %s is %s, want %s", ErrInvalidUserAccounts, name, ref.Key, want)
	}
	return nil
}

func tokenBalance(ref *svm.AccountRef) (*svm.TokenAccount, error) {
	if !ref.IsOwnedBy(solana.TokenProgramID) {
		return nil, fmt.Errorf("%w: %s is not a token account", ErrInvalidUserAccounts, ref.Key)
	}
	acct, err := svm.DecodeTokenAccount(ref.Data())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUserAccounts, err)
	}
	return acct, nil
}
