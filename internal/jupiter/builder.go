package jupiter

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// RoutePlanStep is one hop of a route. Swap carries the AMM variant tag only.
type RoutePlanStep struct {
	Swap        uint8
	Percent     uint8
	InputIndex  uint8
	OutputIndex uint8
}

type ExactOutRouteArgs struct {
	RoutePlan      []RoutePlanStep
	OutAmount      uint64
	QuotedInAmount uint64
	SlippageBps    uint16
	PlatformFeeBps uint8
}

type ExactOutRouteAccounts struct {
	UserTransferAuthority       solana.PublicKey
	UserSourceTokenAccount      solana.PublicKey
	UserDestinationTokenAccount solana.PublicKey
	// DestinationTokenAccount defaults to the program id, meaning "same as
	// the user destination".
	DestinationTokenAccount solana.PublicKey
	SourceMint              solana.PublicKey
	DestinationMint         solana.PublicKey
	PlatformFeeAccount      solana.PublicKey
}

func (a ExactOutRouteArgs) Encode() ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	if err := enc.WriteBytes(ExactOutRouteDiscriminator[:], false); err != nil {
		return nil, err
	}
	if err := enc.WriteUint32(uint32(len(a.RoutePlan)), bin.LE); err != nil {
		return nil, err
	}
	for _, step := range a.RoutePlan {
		for _, b := range []uint8{step.Swap, step.Percent, step.InputIndex, step.OutputIndex} {
			if err := enc.WriteUint8(b); err != nil {
				return nil, err
			}
		}
	}
	if err := enc.WriteUint64(a.OutAmount, bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteUint64(a.QuotedInAmount, bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteUint16(a.SlippageBps, bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteUint8(a.PlatformFeeBps); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeExactOutRouteArgs(data []byte) (*ExactOutRouteArgs, error) {
	if len(data) < 8 || !bytes.Equal(data[:8], ExactOutRouteDiscriminator[:]) {
		return nil, fmt.Errorf("%w: not exact_out_route", ErrInvalidFootprint)
	}
	dec := bin.NewBinDecoder(data[8:])
	steps, err := dec.ReadUint32(bin.LE)
	if err != nil {
		return nil, fmt.Errorf("%w: route plan length: %v", ErrInvalidFootprint, err)
	}
	if int(steps)*4 > len(data) {
		return nil, fmt.Errorf("%w: route plan of %d steps", ErrInvalidFootprint, steps)
	}
	out := &ExactOutRouteArgs{RoutePlan: make([]RoutePlanStep, 0, steps)}
	for i := uint32(0); i < steps; i++ {
		raw, err := dec.ReadBytes(4)
		if err != nil {
			return nil, fmt.Errorf("%w: route step %d: %v", ErrInvalidFootprint, i, err)
		}
		out.RoutePlan = append(out.RoutePlan, RoutePlanStep{Swap: raw[0], Percent: raw[1], InputIndex: raw[2], OutputIndex: raw[3]})
	}
	if out.OutAmount, err = dec.ReadUint64(bin.LE); err != nil {
		return nil, fmt.Errorf("%w: out amount: %v", ErrInvalidFootprint, err)
	}
	if out.QuotedInAmount, err = dec.ReadUint64(bin.LE); err != nil {
		return nil, fmt.Errorf("%w: quoted in amount: %v", ErrInvalidFootprint, err)
	}
	if out.SlippageBps, err = dec.ReadUint16(bin.LE); err != nil {
		return nil, fmt.Errorf("%w: slippage: %v", ErrInvalidFootprint, err)
	}
	if out.PlatformFeeBps, err = dec.ReadUint8(); err != nil {
		return nil, fmt.Errorf("%w: platform fee: %v", ErrInvalidFootprint, err)
	}
	if dec.Remaining() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrInvalidFootprint, dec.Remaining())
	}
	return out, nil
}

// NewExactOutRouteInstruction lays out the fixed accounts at their positions
// followed by the route's AMM accounts.
func NewExactOutRouteInstruction(accounts ExactOutRouteAccounts, args ExactOutRouteArgs, routeAccounts solana.AccountMetaSlice) (solana.Instruction, error) {
	data, err := args.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode exact_out_route: %w", err)
	}
	destination := accounts.DestinationTokenAccount
	if destination.IsZero() {
		destination = ProgramID
	}
	platformFee := accounts.PlatformFeeAccount
	if platformFee.IsZero() {
		platformFee = ProgramID
	}
	metas := solana.AccountMetaSlice{
		solana.NewAccountMeta(solana.TokenProgramID, false, false),
		solana.NewAccountMeta(accounts.UserTransferAuthority, false, true),
		solana.NewAccountMeta(accounts.UserSourceTokenAccount, true, false),
		solana.NewAccountMeta(accounts.UserDestinationTokenAccount, true, false),
		solana.NewAccountMeta(destination, !destination.Equals(ProgramID), false),
		solana.NewAccountMeta(accounts.SourceMint, false, false),
		solana.NewAccountMeta(accounts.DestinationMint, false, false),
		solana.NewAccountMeta(platformFee, !platformFee.Equals(ProgramID), false),
		solana.NewAccountMeta(Token2022ProgramID, false, false),
		solana.NewAccountMeta(EventAuthorityID, false, false),
		solana.NewAccountMeta(ProgramID, false, false),
	}
	metas = append(metas, routeAccounts...)
	return solana.NewInstruction(ProgramID, metas, data), nil
}
