// Package jupiter reads and builds the aggregator's exact_out_route
// instruction and quotes swaps over its HTTP API.
package jupiter

import (
	"errors"
	"fmt"

	"github.com/coldbell/autorepay/internal/dex"
	"github.com/coldbell/autorepay/internal/introspect"
	"github.com/gagliardetto/solana-go"
)

// Account positions of exact_out_route.
const (
	PositionTokenProgram = iota
	PositionUserTransferAuthority
	PositionUserSourceTokenAccount
	PositionUserDestinationTokenAccount
	PositionDestinationTokenAccount
	PositionSourceMint
	PositionDestinationMint
	PositionPlatformFeeAccount
	PositionToken2022Program
	PositionEventAuthority
	PositionProgram

	exactOutRouteAccounts
)

// Byte distances from the end of the instruction data to each trailing field.
const (
	platformFeeBpsFromEnd = 1
	slippageBpsFromEnd    = platformFeeBpsFromEnd + 2
	quotedInAmountFromEnd = slippageBpsFromEnd + 8
	outAmountFromEnd      = quotedInAmountFromEnd + 8
)

var (
	ProgramID          = solana.MustPublicKeyFromBase58("JUP6LkbZbjS1jKKwapdHNy74zcZ3tLUZoi5QNyVTaV4")
	EventAuthorityID   = solana.MustPublicKeyFromBase58("D8cy77BBepLMngZx6ZukaTff5hCt1HrWyKk3Hnd9oitf")
	Token2022ProgramID = solana.MustPublicKeyFromBase58("TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb")

	ExactOutRouteDiscriminator = dex.AnchorInstructionDiscriminator("exact_out_route")

	ErrInvalidFootprint = errors.New("invalid exact_out_route footprint")
)

// Footprint is what a sibling exact_out_route reveals without decoding its
// route plan.
type Footprint struct {
	UserTransferAuthority       solana.PublicKey
	UserSourceTokenAccount      solana.PublicKey
	UserDestinationTokenAccount solana.PublicKey
	DestinationTokenAccount     solana.PublicKey
	SourceMint                  solana.PublicKey
	DestinationMint             solana.PublicKey
	PlatformFeeAccount          solana.PublicKey
	OutAmount                   uint64
	QuotedInAmount              uint64
	SlippageBps                 uint16
	PlatformFeeBps              uint8
}

func DecodeFootprint(ix *introspect.Instruction) (*Footprint, error) {
	if ix == nil {
		return nil, fmt.Errorf("%w: nil instruction", ErrInvalidFootprint)
	}
	if len(ix.Accounts) <= PositionPlatformFeeAccount {
		return nil, fmt.Errorf("%w: %d accounts", introspect.ErrDeserialization, len(ix.Accounts))
	}
	if len(ix.Data) < 8+4+outAmountFromEnd {
		return nil, fmt.Errorf("%w: %d data bytes", introspect.ErrDeserialization, len(ix.Data))
	}

	fp := &Footprint{
		UserTransferAuthority:       ix.Accounts[PositionUserTransferAuthority].Pubkey,
		UserSourceTokenAccount:      ix.Accounts[PositionUserSourceTokenAccount].Pubkey,
		UserDestinationTokenAccount: ix.Accounts[PositionUserDestinationTokenAccount].Pubkey,
		DestinationTokenAccount:     ix.Accounts[PositionDestinationTokenAccount].Pubkey,
		SourceMint:                  ix.Accounts[PositionSourceMint].Pubkey,
		DestinationMint:             ix.Accounts[PositionDestinationMint].Pubkey,
		PlatformFeeAccount:          ix.Accounts[PositionPlatformFeeAccount].Pubkey,
	}

	var err error
	if fp.OutAmount, err = introspect.ReadU64FromEnd(ix.Data, outAmountFromEnd); err != nil {
		return nil, err
	}
	if fp.QuotedInAmount, err = introspect.ReadU64FromEnd(ix.Data, quotedInAmountFromEnd); err != nil {
		return nil, err
	}
	if fp.SlippageBps, err = introspect.ReadU16FromEnd(ix.Data, slippageBpsFromEnd); err != nil {
		return nil, err
	}
	if fp.PlatformFeeBps, err = introspect.ReadU8FromEnd(ix.Data, platformFeeBpsFromEnd); err != nil {
		return nil, err
	}
	return fp, nil
}
