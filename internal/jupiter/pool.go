package jupiter

import (
	"bytes"
	"fmt"
	"math/big"

	"github.com/coldbell/autorepay/internal/dex"
	"github.com/coldbell/autorepay/internal/svm"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

const PoolStateSize = 8 + 32 + 32 + 8 + 8 + 1

// SwapFixedRatePool is the route step variant served by the local executor.
const SwapFixedRatePool uint8 = 0

var FixedRatePoolDiscriminator = dex.AnchorAccountDiscriminator("FixedRatePool")

// PoolState quotes destination = source * RateNumerator / RateDenominator.
type PoolState struct {
	SourceMint      solana.PublicKey
	DestinationMint solana.PublicKey
	RateNumerator   uint64
	RateDenominator uint64
	AuthorityBump   uint8
}

func (p *PoolState) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	if err := enc.WriteBytes(FixedRatePoolDiscriminator[:], false); err != nil {
		return nil, err
	}
	if err := enc.WriteBytes(p.SourceMint.Bytes(), false); err != nil {
		return nil, err
	}
	if err := enc.WriteBytes(p.DestinationMint.Bytes(), false); err != nil {
		return nil, err
	}
	if err := enc.WriteUint64(p.RateNumerator, bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteUint64(p.RateDenominator, bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteUint8(p.AuthorityBump); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodePoolState(data []byte) (*PoolState, error) {
	if len(data) != PoolStateSize || !bytes.Equal(data[:8], FixedRatePoolDiscriminator[:]) {
		return nil, fmt.Errorf("%w: pool state", svm.ErrInvalidAccountData)
	}
	dec := bin.NewBinDecoder(data[8:])
	var (
		p   PoolState
		raw []byte
		err error
	)
	if raw, err = dec.ReadBytes(32); err != nil {
		return nil, err
	}
	p.SourceMint = solana.PublicKeyFromBytes(raw)
	if raw, err = dec.ReadBytes(32); err != nil {
		return nil, err
	}
	p.DestinationMint = solana.PublicKeyFromBytes(raw)
	if p.RateNumerator, err = dec.ReadUint64(bin.LE); err != nil {
		return nil, err
	}
	if p.RateDenominator, err = dec.ReadUint64(bin.LE); err != nil {
		return nil, err
	}
	if p.AuthorityBump, err = dec.ReadUint8(); err != nil {
		return nil, err
	}
	if p.RateNumerator == 0 || p.RateDenominator == 0 {
		return nil, fmt.Errorf("%w: zero rate", svm.ErrInvalidAccountData)
	}
	return &p, nil
}

// InputForOutput returns the source amount needed to receive out, rounded up.
func (p *PoolState) InputForOutput(out uint64) (uint64, error) {
	in := new(big.Int).SetUint64(out)
	in.Mul(in, new(big.Int).SetUint64(p.RateDenominator))
	num := new(big.Int).SetUint64(p.RateNumerator)
	in.Add(in, new(big.Int).Sub(num, big.NewInt(1)))
	in.Quo(in, num)
	if !in.IsUint64() {
		return 0, svm.ErrArithmeticOverflow
	}
	return in.Uint64(), nil
}

// Pool addresses one fixed-rate pool hosted by an aggregator program.
type Pool struct {
	ProgramID        solana.PublicKey
	State            solana.PublicKey
	Authority        solana.PublicKey
	SourceVault      solana.PublicKey
	DestinationVault solana.PublicKey
	AuthorityBump    uint8
	SourceMint       solana.PublicKey
	DestinationMint  solana.PublicKey
}

func NewPool(programID, state, sourceMint, destinationMint solana.PublicKey) (*Pool, error) {
	authority, bump, err := dex.DerivePoolAuthorityPDA(programID, state)
	if err != nil {
		return nil, fmt.Errorf("derive pool authority: %w", err)
	}
	srcVault, _, err := solana.FindAssociatedTokenAddress(authority, sourceMint)
	if err != nil {
		return nil, fmt.Errorf("derive pool source vault: %w", err)
	}
	dstVault, _, err := solana.FindAssociatedTokenAddress(authority, destinationMint)
	if err != nil {
		return nil, fmt.Errorf("derive pool destination vault: %w", err)
	}
	return &Pool{
		ProgramID:        programID,
		State:            state,
		Authority:        authority,
		SourceVault:      srcVault,
		DestinationVault: dstVault,
		AuthorityBump:    bump,
		SourceMint:       sourceMint,
		DestinationMint:  destinationMint,
	}, nil
}

// RouteAccounts are the accounts appended after the fixed exact_out_route list.
func (p *Pool) RouteAccounts() solana.AccountMetaSlice {
	return solana.AccountMetaSlice{
		solana.NewAccountMeta(p.State, false, false),
		solana.NewAccountMeta(p.SourceVault, true, false),
		solana.NewAccountMeta(p.DestinationVault, true, false),
		solana.NewAccountMeta(p.Authority, false, false),
	}
}

// Install writes the pool state and its two vaults into bank, seeding the
// destination vault with liquidity.
func (p *Pool) Install(bank *svm.Bank, rateNumerator, rateDenominator, liquidity uint64) error {
	state := PoolState{
		SourceMint:      p.SourceMint,
		DestinationMint: p.DestinationMint,
		RateNumerator:   rateNumerator,
		RateDenominator: rateDenominator,
		AuthorityBump:   p.AuthorityBump,
	}
	data, err := state.Encode()
	if err != nil {
		return err
	}
	bank.SetAccount(p.State, svm.Account{
		Lamports: svm.RentExemptMinimum(PoolStateSize),
		Owner:    p.ProgramID,
		Data:     data,
	})
	bank.SetTokenAccount(p.SourceVault, p.SourceMint, p.Authority, 0)
	bank.SetTokenAccount(p.DestinationVault, p.DestinationMint, p.Authority, liquidity)
	return nil
}
