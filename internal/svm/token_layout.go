package svm

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

const (
	TokenAccountSize = 165
	MintSize         = 82
)

type TokenAccountState uint8

const (
	TokenAccountUninitialized TokenAccountState = iota
	TokenAccountInitialized
	TokenAccountFrozen
)

// TokenAccount is the SPL token account layout. Delegation and native wrapping
// are not supported and always encode as None.
type TokenAccount struct {
	Mint   solana.PublicKey
	Owner  solana.PublicKey
	Amount uint64
	State  TokenAccountState
}

type Mint struct {
	MintAuthority   *solana.PublicKey
	Supply          uint64
	Decimals        uint8
	IsInitialized   bool
	FreezeAuthority *solana.PublicKey
}

func (a *TokenAccount) Encode() []byte {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	_ = enc.WriteBytes(a.Mint.Bytes(), false)
	_ = enc.WriteBytes(a.Owner.Bytes(), false)
	_ = enc.WriteUint64(a.Amount, bin.LE)
	writeCOptionKey(enc, nil)
	_ = enc.WriteUint8(uint8(a.State))
	_ = enc.WriteUint32(0, bin.LE)
	_ = enc.WriteUint64(0, bin.LE)
	_ = enc.WriteUint64(0, bin.LE)
	writeCOptionKey(enc, nil)
	return buf.Bytes()
}

func DecodeTokenAccount(data []byte) (*TokenAccount, error) {
	if len(data) != TokenAccountSize {
		return nil, fmt.Errorf("%w: token account is %d bytes", ErrInvalidAccountData, len(data))
	}
	dec := bin.NewBinDecoder(data)
	mint, err := dec.ReadBytes(solana.PublicKeyLength)
	if err != nil {
		return nil, err
	}
	owner, err := dec.ReadBytes(solana.PublicKeyLength)
	if err != nil {
		return nil, err
	}
	amount, err := dec.ReadUint64(bin.LE)
	if err != nil {
		return nil, err
	}
	if _, err := readCOptionKey(dec); err != nil {
		return nil, err
	}
	state, err := dec.ReadUint8()
	if err != nil {
		return nil, err
	}
	return &TokenAccount{
		Mint:   solana.PublicKeyFromBytes(mint),
		Owner:  solana.PublicKeyFromBytes(owner),
		Amount: amount,
		State:  TokenAccountState(state),
	}, nil
}

func (m *Mint) Encode() []byte {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	writeCOptionKey(enc, m.MintAuthority)
	_ = enc.WriteUint64(m.Supply, bin.LE)
	_ = enc.WriteUint8(m.Decimals)
	_ = enc.WriteBool(m.IsInitialized)
	writeCOptionKey(enc, m.FreezeAuthority)
	return buf.Bytes()
}

func DecodeMint(data []byte) (*Mint, error) {
	if len(data) != MintSize {
		return nil, fmt.Errorf("%w: mint is %d bytes", ErrInvalidAccountData, len(data))
	}
	dec := bin.NewBinDecoder(data)
	authority, err := readCOptionKey(dec)
	if err != nil {
		return nil, err
	}
	supply, err := dec.ReadUint64(bin.LE)
	if err != nil {
		return nil, err
	}
	decimals, err := dec.ReadUint8()
	if err != nil {
		return nil, err
	}
	initialized, err := dec.ReadBool()
	if err != nil {
		return nil, err
	}
	freeze, err := readCOptionKey(dec)
	if err != nil {
		return nil, err
	}
	return &Mint{
		MintAuthority:   authority,
		Supply:          supply,
		Decimals:        decimals,
		IsInitialized:   initialized,
		FreezeAuthority: freeze,
	}, nil
}

func writeCOptionKey(enc *bin.Encoder, key *solana.PublicKey) {
	if key == nil {
		_ = enc.WriteUint32(0, bin.LE)
		_ = enc.WriteBytes(make([]byte, solana.PublicKeyLength), false)
		return
	}
	_ = enc.WriteUint32(1, bin.LE)
	_ = enc.WriteBytes(key.Bytes(), false)
}

func readCOptionKey(dec *bin.Decoder) (*solana.PublicKey, error) {
	tag, err := dec.ReadUint32(bin.LE)
	if err != nil {
		return nil, err
	}
	raw, err := dec.ReadBytes(solana.PublicKeyLength)
	if err != nil {
		return nil, err
	}
	if tag == 0 {
		return nil, nil
	}
	key := solana.PublicKeyFromBytes(raw)
	return &key, nil
}

// TokenBalance decodes the amount held by an initialized token account.
func TokenBalance(data []byte) (uint64, error) {
	account, err := DecodeTokenAccount(data)
	if err != nil {
		return 0, err
	}
	if account.State == TokenAccountUninitialized {
		return 0, fmt.Errorf("%w: token account not initialized", ErrInvalidAccountData)
	}
	return account.Amount, nil
}
