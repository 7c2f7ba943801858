package autorepay

import (
	"errors"
	"testing"

	"github.com/coldbell/autorepay/internal/introspect"
	"github.com/coldbell/autorepay/internal/jupiter"
	"github.com/coldbell/autorepay/internal/svm"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeArgsPropagatesWriteError(t *testing.T) {
	data, err := encodeArgs(StartDiscriminator, func(enc *bin.Encoder) error {
		return enc.WriteUint64(7, bin.LE)
	})
	require.NoError(t, err)
	assert.Equal(t, StartDiscriminator[:], data[:8])
	v, err := decodeU64Arg(data)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), v)

	failed := errors.New("encoder closed")
	_, err = encodeArgs(StartDiscriminator, func(*bin.Encoder) error { return failed })
	assert.ErrorIs(t, err, failed)
}

type batchViews struct {
	start    introspect.Instruction
	deposit  introspect.Instruction
	withdraw solana.Instruction
}

func newBatchViews(t *testing.T) batchViews {
	t.Helper()
	p := DefaultPrograms()
	owner := solana.NewWallet().PublicKey()
	caller := solana.NewWallet().PublicKey()
	ixs, err := BuildBatch(BatchParams{
		ProgramID:                    p.ID,
		Caller:                       caller,
		CallerCollateralTokenAccount: solana.NewWallet().PublicKey(),
		StartBalance:                 1_000,
		Owner:                        owner,
		OwnerRepayTokenAccount:       solana.NewWallet().PublicKey(),
		CollateralMint:               solana.NewWallet().PublicKey(),
		CollateralMarketIndex:        1,
		RepayMint:                    solana.NewWallet().PublicKey(),
		Swap:                         solana.NewInstruction(p.AggregatorProgramID, nil, jupiter.ExactOutRouteDiscriminator[:]),
		ExchangeProgramID:            p.ExchangeProgramID,
		Markets:                      MarketAccounts{SpotMarkets: []uint16{0, 1}},
	})
	require.NoError(t, err)
	require.Len(t, ixs, 4)

	start, err := introspect.FromSolana(ixs[stepStart])
	require.NoError(t, err)
	deposit, err := introspect.FromSolana(ixs[stepDeposit])
	require.NoError(t, err)
	return batchViews{start: start, deposit: deposit, withdraw: ixs[stepWithdraw]}
}

func (b batchViews) withdrawRefs(replace map[int]solana.PublicKey) []*svm.AccountRef {
	refs := make([]*svm.AccountRef, 0, len(b.withdraw.Accounts()))
	for i, meta := range b.withdraw.Accounts() {
		key := meta.PublicKey
		if v, ok := replace[i]; ok {
			key = v
		}
		refs = append(refs, &svm.AccountRef{Key: key, IsSigner: meta.IsSigner, IsWritable: meta.IsWritable})
	}
	return refs
}

func TestPinDeposit(t *testing.T) {
	b := newBatchViews(t)
	require.NoError(t, pinDeposit(&b.deposit, b.withdrawRefs(nil)))

	for name, position := range map[string]int{
		"vault":               withdrawVault,
		"owner":               withdrawOwner,
		"exchange user":       withdrawExchangeUser,
		"exchange user stats": withdrawExchangeUserStats,
	} {
		t.Run(name, func(t *testing.T) {
			refs := b.withdrawRefs(map[int]solana.PublicKey{position: solana.NewWallet().PublicKey()})
			err := pinDeposit(&b.deposit, refs)
			require.ErrorIs(t, err, ErrInvalidUserAccounts)
			assert.Contains(t, err.Error(), "deposit "+name+" ")
		})
	}

	short := b.deposit
	short.Accounts = short.Accounts[:depositOwner]
	assert.ErrorIs(t, pinDeposit(&short, b.withdrawRefs(nil)), ErrInvalidUserAccounts)
}

func TestPinStart(t *testing.T) {
	b := newBatchViews(t)
	require.NoError(t, pinStart(&b.start, b.withdrawRefs(nil)))

	for name, position := range map[string]int{
		"vault":                withdrawVault,
		"caller token account": withdrawCallerTokenAccount,
		"vault token account":  withdrawVaultTokenAccount,
	} {
		t.Run(name, func(t *testing.T) {
			refs := b.withdrawRefs(map[int]solana.PublicKey{position: solana.NewWallet().PublicKey()})
			err := pinStart(&b.start, refs)
			require.ErrorIs(t, err, ErrInvalidUserAccounts)
			assert.Contains(t, err.Error(), "start "+name+" ")
		})
	}

	refs := b.withdrawRefs(map[int]solana.PublicKey{withdrawMint: solana.NewWallet().PublicKey()})
	assert.ErrorIs(t, pinStart(&b.start, refs), ErrInvalidMint)
}

func TestCheckSwapFootprint(t *testing.T) {
	mint := solana.NewWallet().PublicKey()
	callerTokenAccount := solana.NewWallet().PublicKey()
	footprint := func() *jupiter.Footprint {
		return &jupiter.Footprint{SourceMint: mint, UserSourceTokenAccount: callerTokenAccount}
	}

	require.NoError(t, checkStartFootprint(footprint(), mint, callerTokenAccount))
	require.NoError(t, checkWithdrawFootprint(footprint(), mint, callerTokenAccount))

	fee := footprint()
	fee.PlatformFeeBps = 1
	assert.ErrorIs(t, checkStartFootprint(fee, mint, callerTokenAccount), ErrInvalidPlatformFee)

	otherMint := footprint()
	otherMint.SourceMint = solana.NewWallet().PublicKey()
	assert.ErrorIs(t, checkStartFootprint(otherMint, mint, callerTokenAccount), ErrInvalidRepayMint)
	assert.ErrorIs(t, checkWithdrawFootprint(otherMint, mint, callerTokenAccount), ErrInvalidMint)

	otherAccount := footprint()
	otherAccount.UserSourceTokenAccount = solana.NewWallet().PublicKey()
	assert.ErrorIs(t, checkStartFootprint(otherAccount, mint, callerTokenAccount), ErrInvalidSourceTokenAccount)
	assert.ErrorIs(t, checkWithdrawFootprint(otherAccount, mint, callerTokenAccount), ErrInvalidSourceTokenAccount)
}
