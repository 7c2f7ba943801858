package autorepay

import (
	"bytes"
	"fmt"

	"github.com/coldbell/autorepay/internal/dex"
	"github.com/coldbell/autorepay/internal/exchange"
	"github.com/coldbell/autorepay/internal/vault"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var (
	InitializeVaultDiscriminator = dex.AnchorInstructionDiscriminator("initialize_vault")
	CloseVaultDiscriminator      = dex.AnchorInstructionDiscriminator("close_vault")
	StartDiscriminator           = dex.AnchorInstructionDiscriminator("auto_repay_start")
	DepositDiscriminator         = dex.AnchorInstructionDiscriminator("auto_repay_deposit")
	WithdrawDiscriminator        = dex.AnchorInstructionDiscriminator("auto_repay_withdraw")
)

// Account positions shared between handlers and the sibling checks.
const (
	startCaller = iota
	startCallerTokenAccount
	startMint
	startVault
	startVaultTokenAccount
	startOwner
	startTokenProgram
	startAssociatedTokenProgram
	startSystemProgram
	startInstructionsSysvar
)

const (
	depositVault = iota
	depositVaultTokenAccount
	depositOwner
	depositOwnerTokenAccount
	depositMint
	depositExchangeState
	depositExchangeUser
	depositExchangeUserStats
	depositSpotMarketVault
	depositTokenProgram
	depositExchangeProgram
	depositSystemProgram
	depositInstructionsSysvar

	depositFixedAccounts
)

const (
	withdrawVault = iota
	withdrawVaultTokenAccount
	withdrawOwner
	withdrawCallerTokenAccount
	withdrawMint
	withdrawExchangeState
	withdrawExchangeUser
	withdrawExchangeUserStats
	withdrawSpotMarketVault
	withdrawExchangeSigner
	withdrawTokenProgram
	withdrawExchangeProgram
	withdrawSystemProgram
	withdrawInstructionsSysvar

	withdrawFixedAccounts
)

// startBalanceOffset is where start_loan_balance sits in Start's data.
const startBalanceOffset = 8

func encodeArgs(disc [8]byte, write func(enc *bin.Encoder) error) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	if err := enc.WriteBytes(disc[:], false); err != nil {
		return nil, err
	}
	if write != nil {
		if err := write(enc); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func decodeU64Arg(data []byte) (uint64, error) {
	if len(data) != 8+8 {
		return 0, fmt.Errorf("%w: %d bytes of instruction data", ErrDeserializationError, len(data))
	}
	v, err := bin.NewBinDecoder(data[8:]).ReadUint64(bin.LE)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDeserializationError, err)
	}
	return v, nil
}

func decodeU16Arg(data []byte) (uint16, error) {
	if len(data) != 8+2 {
		return 0, fmt.Errorf("%w: %d bytes of instruction data", ErrDeserializationError, len(data))
	}
	v, err := bin.NewBinDecoder(data[8:]).ReadUint16(bin.LE)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDeserializationError, err)
	}
	return v, nil
}

func NewInitializeVaultInstruction(programID, owner solana.PublicKey) (solana.Instruction, error) {
	vaultKey, _, err := vault.Derive(programID, owner)
	if err != nil {
		return nil, fmt.Errorf("derive vault: %w", err)
	}
	data, err := encodeArgs(InitializeVaultDiscriminator, nil)
	if err != nil {
		return nil, fmt.Errorf("encode initialize vault args: %w", err)
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(vaultKey, true, false),
		solana.NewAccountMeta(owner, true, true),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
	}, data), nil
}

func NewCloseVaultInstruction(programID, owner solana.PublicKey) (solana.Instruction, error) {
	vaultKey, _, err := vault.Derive(programID, owner)
	if err != nil {
		return nil, fmt.Errorf("derive vault: %w", err)
	}
	data, err := encodeArgs(CloseVaultDiscriminator, nil)
	if err != nil {
		return nil, fmt.Errorf("encode close vault args: %w", err)
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(vaultKey, true, false),
		solana.NewAccountMeta(owner, true, true),
	}, data), nil
}

type StartAccounts struct {
	Caller             solana.PublicKey
	CallerTokenAccount solana.PublicKey
	Mint               solana.PublicKey
	Vault              solana.PublicKey
	VaultTokenAccount  solana.PublicKey
	Owner              solana.PublicKey
}

func NewStartInstruction(programID solana.PublicKey, accounts StartAccounts, startLoanBalance uint64) (solana.Instruction, error) {
	data, err := encodeArgs(StartDiscriminator, func(enc *bin.Encoder) error {
		return enc.WriteUint64(startLoanBalance, bin.LE)
	})
	if err != nil {
		return nil, fmt.Errorf("encode start args: %w", err)
	}
	return solana.NewInstruction(programID, solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Caller, true, true),
		solana.NewAccountMeta(accounts.CallerTokenAccount, false, false),
		solana.NewAccountMeta(accounts.Mint, false, false),
		solana.NewAccountMeta(accounts.Vault, false, false),
		solana.NewAccountMeta(accounts.VaultTokenAccount, true, false),
		solana.NewAccountMeta(accounts.Owner, false, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(solana.SPLAssociatedTokenAccountProgramID, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
		solana.NewAccountMeta(solana.SysVarInstructionsPubkey, false, false),
	}, data), nil
}

// ExchangeAccounts are the exchange-side accounts of a vault.
type ExchangeAccounts struct {
	ProgramID       solana.PublicKey
	State           solana.PublicKey
	User            solana.PublicKey
	UserStats       solana.PublicKey
	Signer          solana.PublicKey
	SpotMarketVault solana.PublicKey
}

type DepositAccounts struct {
	Vault             solana.PublicKey
	VaultTokenAccount solana.PublicKey
	Owner             solana.PublicKey
	OwnerTokenAccount solana.PublicKey
	Mint              solana.PublicKey
	Exchange          ExchangeAccounts
}

func NewDepositInstruction(programID solana.PublicKey, accounts DepositAccounts, marketIndex uint16, remaining solana.AccountMetaSlice) (solana.Instruction, error) {
	data, err := encodeArgs(DepositDiscriminator, func(enc *bin.Encoder) error {
		return enc.WriteUint16(marketIndex, bin.LE)
	})
	if err != nil {
		return nil, fmt.Errorf("encode deposit args: %w", err)
	}
	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Vault, false, false),
		solana.NewAccountMeta(accounts.VaultTokenAccount, true, false),
		solana.NewAccountMeta(accounts.Owner, true, true),
		solana.NewAccountMeta(accounts.OwnerTokenAccount, true, false),
		solana.NewAccountMeta(accounts.Mint, false, false),
		solana.NewAccountMeta(accounts.Exchange.State, false, false),
		solana.NewAccountMeta(accounts.Exchange.User, true, false),
		solana.NewAccountMeta(accounts.Exchange.UserStats, true, false),
		solana.NewAccountMeta(accounts.Exchange.SpotMarketVault, true, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(accounts.Exchange.ProgramID, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
		solana.NewAccountMeta(solana.SysVarInstructionsPubkey, false, false),
	}
	metas = append(metas, remaining...)
	return solana.NewInstruction(programID, metas, data), nil
}

type WithdrawAccounts struct {
	Vault              solana.PublicKey
	VaultTokenAccount  solana.PublicKey
	Owner              solana.PublicKey
	CallerTokenAccount solana.PublicKey
	Mint               solana.PublicKey
	Exchange           ExchangeAccounts
}

func NewWithdrawInstruction(programID solana.PublicKey, accounts WithdrawAccounts, marketIndex uint16, remaining solana.AccountMetaSlice) (solana.Instruction, error) {
	data, err := encodeArgs(WithdrawDiscriminator, func(enc *bin.Encoder) error {
		return enc.WriteUint16(marketIndex, bin.LE)
	})
	if err != nil {
		return nil, fmt.Errorf("encode withdraw args: %w", err)
	}
	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.Vault, false, false),
		solana.NewAccountMeta(accounts.VaultTokenAccount, true, false),
		solana.NewAccountMeta(accounts.Owner, true, true),
		solana.NewAccountMeta(accounts.CallerTokenAccount, true, false),
		solana.NewAccountMeta(accounts.Mint, false, false),
		solana.NewAccountMeta(accounts.Exchange.State, false, false),
		solana.NewAccountMeta(accounts.Exchange.User, true, false),
		solana.NewAccountMeta(accounts.Exchange.UserStats, true, false),
		solana.NewAccountMeta(accounts.Exchange.SpotMarketVault, true, false),
		solana.NewAccountMeta(accounts.Exchange.Signer, false, false),
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(accounts.Exchange.ProgramID, false, false),
		solana.NewAccountMeta(solana.SystemProgramID, false, false),
		solana.NewAccountMeta(solana.SysVarInstructionsPubkey, false, false),
	}
	metas = append(metas, remaining...)
	return solana.NewInstruction(programID, metas, data), nil
}

// MarketAccounts names the exchange markets and oracles a margin calculation
// needs, in remaining-account order.
type MarketAccounts struct {
	Oracles     []solana.PublicKey
	SpotMarkets []uint16
	PerpMarkets []uint16
}

// Remaining builds remaining accounts with writableSpot passed writable.
func (m MarketAccounts) Remaining(exchangeProgramID solana.PublicKey, writableSpot uint16) (solana.AccountMetaSlice, error) {
	spot := make([]solana.PublicKey, 0, len(m.SpotMarkets))
	var writable []solana.PublicKey
	for _, index := range m.SpotMarkets {
		key, _, err := dex.DeriveSpotMarketPDA(exchangeProgramID, index)
		if err != nil {
			return nil, fmt.Errorf("derive spot market %d: %w", index, err)
		}
		spot = append(spot, key)
		if index == writableSpot {
			writable = append(writable, key)
		}
	}
	perp := make([]solana.PublicKey, 0, len(m.PerpMarkets))
	for _, index := range m.PerpMarkets {
		key, _, err := dex.DerivePerpMarketPDA(exchangeProgramID, index)
		if err != nil {
			return nil, fmt.Errorf("derive perp market %d: %w", index, err)
		}
		perp = append(perp, key)
	}
	return exchange.RemainingMetas(m.Oracles, spot, writable, perp), nil
}

// BatchParams describes one auto-repay: the caller fronts collateral tokens
// that the swap turns into RepayAmount of the repay mint for the owner, and
// is paid back in collateral withdrawn from the vault's exchange account.
type BatchParams struct {
	ProgramID solana.PublicKey

	Caller                       solana.PublicKey
	CallerCollateralTokenAccount solana.PublicKey
	StartBalance                 uint64

	Owner                  solana.PublicKey
	OwnerRepayTokenAccount solana.PublicKey

	CollateralMint        solana.PublicKey
	CollateralMarketIndex uint16
	RepayMint             solana.PublicKey

	Swap solana.Instruction

	ExchangeProgramID solana.PublicKey
	Markets           MarketAccounts
}

// BuildBatch returns Start, Swap, Deposit and Withdraw in pipeline order.
func BuildBatch(p BatchParams) ([]solana.Instruction, error) {
	vaultKey, _, err := vault.Derive(p.ProgramID, p.Owner)
	if err != nil {
		return nil, fmt.Errorf("derive vault: %w", err)
	}
	collateralTokenAccount, _, err := vault.DeriveTokenAccount(p.ProgramID, vaultKey, p.CollateralMint)
	if err != nil {
		return nil, fmt.Errorf("derive vault collateral account: %w", err)
	}
	repayTokenAccount, _, err := vault.DeriveTokenAccount(p.ProgramID, vaultKey, p.RepayMint)
	if err != nil {
		return nil, fmt.Errorf("derive vault repay account: %w", err)
	}

	state, _, err := dex.DeriveExchangeStatePDA(p.ExchangeProgramID)
	if err != nil {
		return nil, fmt.Errorf("derive exchange state: %w", err)
	}
	signer, _, err := dex.DeriveExchangeSignerPDA(p.ExchangeProgramID)
	if err != nil {
		return nil, fmt.Errorf("derive exchange signer: %w", err)
	}
	user, _, err := dex.DeriveExchangeUserPDA(p.ExchangeProgramID, vaultKey, 0)
	if err != nil {
		return nil, fmt.Errorf("derive exchange user: %w", err)
	}
	userStats, _, err := dex.DeriveExchangeUserStatsPDA(p.ExchangeProgramID, vaultKey)
	if err != nil {
		return nil, fmt.Errorf("derive exchange user stats: %w", err)
	}
	quoteVault, _, err := dex.DeriveSpotMarketVaultPDA(p.ExchangeProgramID, exchange.QuoteSpotMarketIndex)
	if err != nil {
		return nil, fmt.Errorf("derive quote spot market vault: %w", err)
	}
	collateralVault, _, err := dex.DeriveSpotMarketVaultPDA(p.ExchangeProgramID, p.CollateralMarketIndex)
	if err != nil {
		return nil, fmt.Errorf("derive collateral spot market vault: %w", err)
	}
	depositRemaining, err := p.Markets.Remaining(p.ExchangeProgramID, exchange.QuoteSpotMarketIndex)
	if err != nil {
		return nil, err
	}
	withdrawRemaining, err := p.Markets.Remaining(p.ExchangeProgramID, p.CollateralMarketIndex)
	if err != nil {
		return nil, err
	}

	exchangeAccounts := ExchangeAccounts{
		ProgramID: p.ExchangeProgramID,
		State:     state,
		User:      user,
		UserStats: userStats,
		Signer:    signer,
	}
	depositExchange := exchangeAccounts
	depositExchange.SpotMarketVault = quoteVault
	withdrawExchange := exchangeAccounts
	withdrawExchange.SpotMarketVault = collateralVault

	start, err := NewStartInstruction(p.ProgramID, StartAccounts{
		Caller:             p.Caller,
		CallerTokenAccount: p.CallerCollateralTokenAccount,
		Mint:               p.CollateralMint,
		Vault:              vaultKey,
		VaultTokenAccount:  collateralTokenAccount,
		Owner:              p.Owner,
	}, p.StartBalance)
	if err != nil {
		return nil, err
	}
	deposit, err := NewDepositInstruction(p.ProgramID, DepositAccounts{
		Vault:             vaultKey,
		VaultTokenAccount: repayTokenAccount,
		Owner:             p.Owner,
		OwnerTokenAccount: p.OwnerRepayTokenAccount,
		Mint:              p.RepayMint,
		Exchange:          depositExchange,
	}, exchange.QuoteSpotMarketIndex, depositRemaining)
	if err != nil {
		return nil, err
	}
	withdraw, err := NewWithdrawInstruction(p.ProgramID, WithdrawAccounts{
		Vault:              vaultKey,
		VaultTokenAccount:  collateralTokenAccount,
		Owner:              p.Owner,
		CallerTokenAccount: p.CallerCollateralTokenAccount,
		Mint:               p.CollateralMint,
		Exchange:           withdrawExchange,
	}, p.CollateralMarketIndex, withdrawRemaining)
	if err != nil {
		return nil, err
	}

	return []solana.Instruction{start, p.Swap, deposit, withdraw}, nil
}
