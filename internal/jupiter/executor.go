package jupiter

import (
	"errors"
	"fmt"

	"github.com/coldbell/autorepay/internal/dex"
	"github.com/coldbell/autorepay/internal/svm"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
)

var (
	ErrSlippageToleranceExceeded = errors.New("slippage tolerance exceeded")
	ErrInvalidRoutePlan          = errors.New("invalid route plan")
	ErrInvalidPool               = errors.New("invalid pool")
)

const bpsDenominator = 10_000

// Executor serves exact_out_route over a single fixed-rate pool. It stands in
// for the aggregator when batches run on a local bank.
type Executor struct {
	ID solana.PublicKey
}

func NewExecutor(programID solana.PublicKey) *Executor {
	return &Executor{ID: programID}
}

func (e *Executor) Execute(ctx *svm.InvokeContext, data []byte) error {
	args, err := DecodeExactOutRouteArgs(data)
	if err != nil {
		return err
	}
	if len(args.RoutePlan) != 1 || args.RoutePlan[0].Swap != SwapFixedRatePool || args.RoutePlan[0].Percent != 100 {
		return fmt.Errorf("%w: %d steps", ErrInvalidRoutePlan, len(args.RoutePlan))
	}
	if args.OutAmount == 0 {
		return fmt.Errorf("%w: zero out amount", ErrInvalidRoutePlan)
	}
	if ctx.NumAccounts() < exactOutRouteAccounts+4 {
		return fmt.Errorf("%w: %d accounts", svm.ErrNotEnoughAccountKeys, ctx.NumAccounts())
	}
	accounts := ctx.Accounts()
	authority, err := ctx.Signer(PositionUserTransferAuthority)
	if err != nil {
		return err
	}
	source := accounts[PositionUserSourceTokenAccount]
	destination := accounts[PositionUserDestinationTokenAccount]
	if dst := accounts[PositionDestinationTokenAccount]; !dst.Key.Equals(e.ID) {
		destination = dst
	}

	route := ctx.Remaining(exactOutRouteAccounts)
	stateRef, srcVault, dstVault, poolAuthority := route[0], route[1], route[2], route[3]
	if !stateRef.IsOwnedBy(e.ID) {
		return fmt.Errorf("%w: %s not owned by aggregator", ErrInvalidPool, stateRef.Key)
	}
	pool, err := DecodePoolState(stateRef.Data())
	if err != nil {
		return err
	}
	if !pool.SourceMint.Equals(accounts[PositionSourceMint].Key) || !pool.DestinationMint.Equals(accounts[PositionDestinationMint].Key) {
		return fmt.Errorf("%w: mints do not match route", ErrInvalidPool)
	}
	seeds := dex.PoolAuthoritySeeds(stateRef.Key, pool.AuthorityBump)
	expected, err := solana.CreateProgramAddress(seeds, e.ID)
	if err != nil || !expected.Equals(poolAuthority.Key) {
		return fmt.Errorf("%w: authority %s", ErrInvalidPool, poolAuthority.Key)
	}

	in, err := pool.InputForOutput(args.OutAmount)
	if err != nil {
		return err
	}
	maxIn := args.QuotedInAmount + args.QuotedInAmount*uint64(args.SlippageBps)/bpsDenominator
	if in > maxIn {
		return fmt.Errorf("%w: in %d > max %d", ErrSlippageToleranceExceeded, in, maxIn)
	}

	if err := ctx.Invoke(token.NewTransferInstruction(in, source.Key, srcVault.Key, authority.Key, nil).Build()); err != nil {
		return err
	}
	if err := ctx.Invoke(token.NewTransferInstruction(args.OutAmount, dstVault.Key, destination.Key, poolAuthority.Key, nil).Build(), seeds); err != nil {
		return err
	}

	var fee uint64
	if feeAccount := accounts[PositionPlatformFeeAccount]; args.PlatformFeeBps > 0 && !feeAccount.Key.Equals(e.ID) {
		fee = in * uint64(args.PlatformFeeBps) / bpsDenominator
		if fee > 0 {
			if err := ctx.Invoke(token.NewTransferInstruction(fee, source.Key, feeAccount.Key, authority.Key, nil).Build()); err != nil {
				return err
			}
		}
	}
	ctx.Log("swap", "in_amount", in, "out_amount", args.OutAmount, "platform_fee", fee)
	return nil
}
