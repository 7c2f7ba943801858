package exchange

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// TransferArgs are the arguments of deposit and withdraw.
type TransferArgs struct {
	MarketIndex uint16
	Amount      uint64
	ReduceOnly  bool
}

func (a TransferArgs) encode(disc [8]byte) ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	if err := enc.WriteBytes(disc[:], false); err != nil {
		return nil, err
	}
	if err := enc.WriteUint16(a.MarketIndex, bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteUint64(a.Amount, bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteBool(a.ReduceOnly); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeTransferArgs(data []byte) (TransferArgs, error) {
	if len(data) != 8+2+8+1 {
		return TransferArgs{}, fmt.Errorf("%w: %d bytes", ErrInvalidInstruction, len(data))
	}
	dec := bin.NewBinDecoder(data[8:])
	var out TransferArgs
	var err error
	if out.MarketIndex, err = dec.ReadUint16(bin.LE); err != nil {
		return TransferArgs{}, fmt.Errorf("%w: %v", ErrInvalidInstruction, err)
	}
	if out.Amount, err = dec.ReadUint64(bin.LE); err != nil {
		return TransferArgs{}, fmt.Errorf("%w: %v", ErrInvalidInstruction, err)
	}
	if out.ReduceOnly, err = dec.ReadBool(); err != nil {
		return TransferArgs{}, fmt.Errorf("%w: %v", ErrInvalidInstruction, err)
	}
	return out, nil
}

type DepositAccounts struct {
	State            solana.PublicKey
	User             solana.PublicKey
	UserStats        solana.PublicKey
	Authority        solana.PublicKey
	SpotMarketVault  solana.PublicKey
	UserTokenAccount solana.PublicKey
	TokenProgram     solana.PublicKey
}

type WithdrawAccounts struct {
	State            solana.PublicKey
	User             solana.PublicKey
	UserStats        solana.PublicKey
	Authority        solana.PublicKey
	SpotMarketVault  solana.PublicKey
	Signer           solana.PublicKey
	UserTokenAccount solana.PublicKey
	TokenProgram     solana.PublicKey
}

func NewDepositInstruction(programID solana.PublicKey, accounts DepositAccounts, args TransferArgs, remaining solana.AccountMetaSlice) (solana.Instruction, error) {
	data, err := args.encode(DepositDiscriminator)
	if err != nil {
		return nil, fmt.Errorf("encode deposit args: %w", err)
	}
	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.State, false, false),
		solana.NewAccountMeta(accounts.User, true, false),
		solana.NewAccountMeta(accounts.UserStats, true, false),
		solana.NewAccountMeta(accounts.Authority, false, true),
		solana.NewAccountMeta(accounts.SpotMarketVault, true, false),
		solana.NewAccountMeta(accounts.UserTokenAccount, true, false),
		solana.NewAccountMeta(accounts.TokenProgram, false, false),
	}
	metas = append(metas, remaining...)
	return solana.NewInstruction(programID, metas, data), nil
}

func NewWithdrawInstruction(programID solana.PublicKey, accounts WithdrawAccounts, args TransferArgs, remaining solana.AccountMetaSlice) (solana.Instruction, error) {
	data, err := args.encode(WithdrawDiscriminator)
	if err != nil {
		return nil, fmt.Errorf("encode withdraw args: %w", err)
	}
	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(accounts.State, false, false),
		solana.NewAccountMeta(accounts.User, true, false),
		solana.NewAccountMeta(accounts.UserStats, true, false),
		solana.NewAccountMeta(accounts.Authority, false, true),
		solana.NewAccountMeta(accounts.SpotMarketVault, true, false),
		solana.NewAccountMeta(accounts.Signer, false, false),
		solana.NewAccountMeta(accounts.UserTokenAccount, true, false),
		solana.NewAccountMeta(accounts.TokenProgram, false, false),
	}
	metas = append(metas, remaining...)
	return solana.NewInstruction(programID, metas, data), nil
}

// RemainingMetas builds the remaining-accounts list in map order. Spot
// markets listed in writable are passed writable.
func RemainingMetas(oracles []solana.PublicKey, spotMarkets []solana.PublicKey, writableSpot []solana.PublicKey, perpMarkets []solana.PublicKey) solana.AccountMetaSlice {
	out := make(solana.AccountMetaSlice, 0, len(oracles)+len(spotMarkets)+len(perpMarkets))
	for _, key := range oracles {
		out = append(out, solana.NewAccountMeta(key, false, false))
	}
	for _, key := range spotMarkets {
		out = append(out, solana.NewAccountMeta(key, containsKey(writableSpot, key), false))
	}
	for _, key := range perpMarkets {
		out = append(out, solana.NewAccountMeta(key, false, false))
	}
	return out
}

func containsKey(keys []solana.PublicKey, target solana.PublicKey) bool {
	for _, key := range keys {
		if key.Equals(target) {
			return true
		}
	}
	return false
}
