package jupiter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/coldbell/autorepay/internal/introspect"
	"github.com/coldbell/autorepay/internal/logging"
	"github.com/coldbell/autorepay/internal/svm"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type swapFixture struct {
	bank       *svm.Bank
	pool       *Pool
	user       solana.PublicKey
	userSource solana.PublicKey
	userDest   solana.PublicKey
	sourceMint solana.PublicKey
	destMint   solana.PublicKey
	feeAccount solana.PublicKey
}

func newSwapFixture(t *testing.T, num, den uint64) *swapFixture {
	t.Helper()
	f := &swapFixture{
		bank:       svm.NewBank(logging.Discard()),
		user:       solana.NewWallet().PublicKey(),
		userSource: solana.NewWallet().PublicKey(),
		userDest:   solana.NewWallet().PublicKey(),
		sourceMint: solana.NewWallet().PublicKey(),
		destMint:   solana.NewWallet().PublicKey(),
		feeAccount: solana.NewWallet().PublicKey(),
	}
	f.bank.RegisterProgram(ProgramID, NewExecutor(ProgramID))
	f.bank.Airdrop(f.user, 1_000_000_000)
	f.bank.SetMint(f.sourceMint, f.user, 6, 0)
	f.bank.SetMint(f.destMint, f.user, 6, 0)
	f.bank.SetTokenAccount(f.userSource, f.sourceMint, f.user, 1_000_000_000)
	f.bank.SetTokenAccount(f.userDest, f.destMint, f.user, 0)
	f.bank.SetTokenAccount(f.feeAccount, f.sourceMint, solana.NewWallet().PublicKey(), 0)

	pool, err := NewPool(ProgramID, solana.NewWallet().PublicKey(), f.sourceMint, f.destMint)
	require.NoError(t, err)
	require.NoError(t, pool.Install(f.bank, num, den, 500_000_000))
	f.pool = pool
	return f
}

func (f *swapFixture) instruction(t *testing.T, out, quotedIn uint64, slippage uint16, fee uint8) solana.Instruction {
	t.Helper()
	accounts := ExactOutRouteAccounts{
		UserTransferAuthority:       f.user,
		UserSourceTokenAccount:      f.userSource,
		UserDestinationTokenAccount: f.userDest,
		SourceMint:                  f.sourceMint,
		DestinationMint:             f.destMint,
	}
	if fee > 0 {
		accounts.PlatformFeeAccount = f.feeAccount
	}
	ix, err := NewExactOutRouteInstruction(accounts, ExactOutRouteArgs{
		RoutePlan:      []RoutePlanStep{{Swap: SwapFixedRatePool, Percent: 100, InputIndex: 0, OutputIndex: 1}},
		OutAmount:      out,
		QuotedInAmount: quotedIn,
		SlippageBps:    slippage,
		PlatformFeeBps: fee,
	}, f.pool.RouteAccounts())
	require.NoError(t, err)
	return ix
}

func TestDecodeFootprintReadsTailAndPositions(t *testing.T) {
	f := newSwapFixture(t, 1, 1)
	ix, err := introspect.FromSolana(f.instruction(t, 50_000_000, 50_000_000, 50, 0))
	require.NoError(t, err)

	fp, err := DecodeFootprint(&ix)
	require.NoError(t, err)
	assert.Equal(t, f.user, fp.UserTransferAuthority)
	assert.Equal(t, f.userSource, fp.UserSourceTokenAccount)
	assert.Equal(t, f.userDest, fp.UserDestinationTokenAccount)
	assert.Equal(t, ProgramID, fp.DestinationTokenAccount)
	assert.Equal(t, f.sourceMint, fp.SourceMint)
	assert.Equal(t, f.destMint, fp.DestinationMint)
	assert.Equal(t, ProgramID, fp.PlatformFeeAccount)
	assert.Equal(t, uint64(50_000_000), fp.OutAmount)
	assert.Equal(t, uint64(50_000_000), fp.QuotedInAmount)
	assert.Equal(t, uint16(50), fp.SlippageBps)
	assert.Zero(t, fp.PlatformFeeBps)
}

func TestDecodeFootprintIgnoresRoutePlanLength(t *testing.T) {
	args := ExactOutRouteArgs{
		RoutePlan:      make([]RoutePlanStep, 5),
		OutAmount:      7,
		QuotedInAmount: 9,
		SlippageBps:    3,
		PlatformFeeBps: 1,
	}
	data, err := args.Encode()
	require.NoError(t, err)
	assert.Len(t, data, 8+4+5*4+8+8+2+1)

	accounts := make([]introspect.AccountMeta, exactOutRouteAccounts)
	fp, err := DecodeFootprint(&introspect.Instruction{ProgramID: ProgramID, Accounts: accounts, Data: data})
	require.NoError(t, err)
	assert.Equal(t, uint64(7), fp.OutAmount)
	assert.Equal(t, uint64(9), fp.QuotedInAmount)
	assert.Equal(t, uint8(1), fp.PlatformFeeBps)

	decoded, err := DecodeExactOutRouteArgs(data)
	require.NoError(t, err)
	assert.Equal(t, args, *decoded)
}

func TestDecodeFootprintRejectsShortInput(t *testing.T) {
	_, err := DecodeFootprint(&introspect.Instruction{Accounts: make([]introspect.AccountMeta, 3), Data: make([]byte, 64)})
	require.ErrorIs(t, err, introspect.ErrDeserialization)

	_, err = DecodeFootprint(&introspect.Instruction{Accounts: make([]introspect.AccountMeta, exactOutRouteAccounts), Data: make([]byte, 20)})
	require.ErrorIs(t, err, introspect.ErrDeserialization)
}

func TestExecutorSwapsExactOut(t *testing.T) {
	// 2 source for 1 destination
	f := newSwapFixture(t, 1, 2)
	_, err := f.bank.Process(svm.Batch{
		Instructions: []solana.Instruction{f.instruction(t, 30_000_000, 60_000_000, 0, 0)},
		Signers:      []solana.PublicKey{f.user},
	})
	require.NoError(t, err)

	balance, err := f.bank.TokenBalance(f.userSource)
	require.NoError(t, err)
	assert.Equal(t, uint64(940_000_000), balance)
	balance, err = f.bank.TokenBalance(f.userDest)
	require.NoError(t, err)
	assert.Equal(t, uint64(30_000_000), balance)
	balance, err = f.bank.TokenBalance(f.pool.SourceVault)
	require.NoError(t, err)
	assert.Equal(t, uint64(60_000_000), balance)
}

func TestExecutorRoundsInputUpAndEnforcesSlippage(t *testing.T) {
	f := newSwapFixture(t, 3, 2)
	// ceil(10 * 2 / 3) = 7
	_, err := f.bank.Process(svm.Batch{
		Instructions: []solana.Instruction{f.instruction(t, 10, 6, 0, 0)},
		Signers:      []solana.PublicKey{f.user},
	})
	require.ErrorIs(t, err, ErrSlippageToleranceExceeded)

	_, err = f.bank.Process(svm.Batch{
		Instructions: []solana.Instruction{f.instruction(t, 10, 6, 2_000, 0)},
		Signers:      []solana.PublicKey{f.user},
	})
	require.NoError(t, err)
	balance, err := f.bank.TokenBalance(f.userSource)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000_000-7), balance)
}

func TestExecutorChargesPlatformFee(t *testing.T) {
	f := newSwapFixture(t, 1, 1)
	_, err := f.bank.Process(svm.Batch{
		Instructions: []solana.Instruction{f.instruction(t, 1_000_000, 1_000_000, 0, 100)},
		Signers:      []solana.PublicKey{f.user},
	})
	require.NoError(t, err)
	balance, err := f.bank.TokenBalance(f.feeAccount)
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000), balance)
}

func TestExecutorRejectsForeignPool(t *testing.T) {
	f := newSwapFixture(t, 1, 1)
	state, ok := f.bank.Account(f.pool.State)
	require.True(t, ok)
	state.Owner = solana.NewWallet().PublicKey()
	f.bank.SetAccount(f.pool.State, state)

	_, err := f.bank.Process(svm.Batch{
		Instructions: []solana.Instruction{f.instruction(t, 1, 1, 0, 0)},
		Signers:      []solana.PublicKey{f.user},
	})
	require.ErrorIs(t, err, ErrInvalidPool)
}

func TestClientQuoteAndSwapInstructions(t *testing.T) {
	inMint := solana.NewWallet().PublicKey()
	outMint := solana.NewWallet().PublicKey()
	user := solana.NewWallet().PublicKey()
	swapData := []byte{1, 2, 3}

	mux := http.NewServeMux()
	mux.HandleFunc("/quote", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, inMint.String(), r.URL.Query().Get("inputMint"))
		assert.Equal(t, SwapModeExactOut, r.URL.Query().Get("swapMode"))
		assert.Equal(t, "50000000", r.URL.Query().Get("amount"))
		_, _ = io.WriteString(w, `{"inputMint":"`+inMint.String()+`","outputMint":"`+outMint.String()+
			`","inAmount":"50100000","outAmount":"50000000","swapMode":"ExactOut","slippageBps":50}`)
	})
	mux.HandleFunc("/swap-instructions", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, user.String(), req["userPublicKey"])
		assert.Equal(t, false, req["useSharedAccounts"])
		assert.NotNil(t, req["quoteResponse"])
		_ = json.NewEncoder(w).Encode(map[string]any{
			"swapInstruction": map[string]any{
				"programId": ProgramID.String(),
				"accounts": []map[string]any{
					{"pubkey": user.String(), "isSigner": true, "isWritable": false},
				},
				"data": base64.StdEncoding.EncodeToString(swapData),
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewClient(srv.URL, "", 0)
	quote, err := client.Quote(context.Background(), QuoteRequest{
		InputMint:   inMint,
		OutputMint:  outMint,
		Amount:      50_000_000,
		SlippageBps: 50,
		SwapMode:    SwapModeExactOut,
	})
	require.NoError(t, err)
	in, err := quote.InAmountValue()
	require.NoError(t, err)
	assert.Equal(t, uint64(50_100_000), in)

	ixs, err := client.SwapInstructions(context.Background(), quote, user, solana.PublicKey{})
	require.NoError(t, err)
	assert.Equal(t, ProgramID, ixs.SwapInstruction.ProgramID())
	data, err := ixs.SwapInstruction.Data()
	require.NoError(t, err)
	assert.Equal(t, swapData, data)
	require.Len(t, ixs.SwapInstruction.Accounts(), 1)
	assert.True(t, ixs.SwapInstruction.Accounts()[0].IsSigner)
}

func TestClientSurfacesHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no route", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", 10).Quote(context.Background(), QuoteRequest{
		InputMint:  solana.NewWallet().PublicKey(),
		OutputMint: solana.NewWallet().PublicKey(),
		Amount:     1,
	})
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.StatusCode)
}
