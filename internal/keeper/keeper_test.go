package keeper

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coldbell/autorepay/internal/autorepay"
	"github.com/coldbell/autorepay/internal/config"
	"github.com/coldbell/autorepay/internal/exchange"
	"github.com/coldbell/autorepay/internal/journal"
	"github.com/coldbell/autorepay/internal/jupiter"
	"github.com/coldbell/autorepay/internal/logging"
	"github.com/coldbell/autorepay/internal/scenario"
	"github.com/coldbell/autorepay/internal/svm"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWorld(t *testing.T) (*scenario.World, *scenario.Fixture) {
	t.Helper()
	f, err := scenario.LoadFixture("../scenario/testdata/a_happy_path.yaml")
	require.NoError(t, err)
	w, err := scenario.NewWorld(logging.Discard(), f.WorldSpec())
	require.NoError(t, err)
	return w, f
}

// rpcChain serves the JSON-RPC methods the keeper uses from the world's bank.
// Sent transactions are executed on the bank.
type rpcChain struct {
	*httptest.Server

	mu       sync.Mutex
	sent     []*solana.Transaction
	statuses map[string]uint64
}

func rpcServer(t *testing.T, w *scenario.World) *rpcChain {
	t.Helper()
	chain := &rpcChain{statuses: make(map[string]uint64)}
	chain.Server = httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage   `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			return
		}
		chain.mu.Lock()
		defer chain.mu.Unlock()

		slot := w.Bank.Clock().Slot
		rpcContext := map[string]any{"slot": slot}
		var result any
		switch req.Method {
		case "getSlot":
			result = slot
		case "getMultipleAccounts":
			var keys []string
			assert.NoError(t, json.Unmarshal(req.Params[0], &keys))
			values := make([]any, 0, len(keys))
			for _, raw := range keys {
				acct, ok := w.Bank.Account(solana.MustPublicKeyFromBase58(raw))
				if !ok {
					values = append(values, nil)
					continue
				}
				values = append(values, map[string]any{
					"data":       []string{base64.StdEncoding.EncodeToString(acct.Data), "base64"},
					"executable": false,
					"lamports":   acct.Lamports,
					"owner":      acct.Owner.String(),
					"rentEpoch":  0,
					"space":      len(acct.Data),
				})
			}
			result = map[string]any{"context": rpcContext, "value": values}
		case "getTokenAccountBalance":
			var key string
			assert.NoError(t, json.Unmarshal(req.Params[0], &key))
			amount, err := w.Bank.TokenBalance(solana.MustPublicKeyFromBase58(key))
			if err != nil {
				writeRPCError(rw, req.ID, -32602, err.Error())
				return
			}
			result = map[string]any{"context": rpcContext, "value": map[string]any{
				"amount":         strconv.FormatUint(amount, 10),
				"decimals":       6,
				"uiAmountString": strconv.FormatUint(amount, 10),
			}}
		case "getLatestBlockhash":
			result = map[string]any{"context": rpcContext, "value": map[string]any{
				"blockhash":            solana.Hash(solana.NewWallet().PublicKey()).String(),
				"lastValidBlockHeight": slot + 150,
			}}
		case "sendTransaction":
			var encoded string
			assert.NoError(t, json.Unmarshal(req.Params[0], &encoded))
			sig, err := chain.execute(w, encoded)
			if err != nil {
				writeRPCError(rw, req.ID, -32002, err.Error())
				return
			}
			result = sig
		case "getSignatureStatuses":
			var sigs []string
			assert.NoError(t, json.Unmarshal(req.Params[0], &sigs))
			values := make([]any, 0, len(sigs))
			for _, sig := range sigs {
				landed, ok := chain.statuses[sig]
				if !ok {
					values = append(values, nil)
					continue
				}
				values = append(values, map[string]any{
					"slot":               landed,
					"confirmations":      nil,
					"err":                nil,
					"confirmationStatus": "confirmed",
				})
			}
			result = map[string]any{"context": rpcContext, "value": values}
		default:
			t.Errorf("unexpected rpc method %s", req.Method)
			return
		}
		rw.Header().Set("content-type", "application/json")
		_ = json.NewEncoder(rw).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}))
	t.Cleanup(chain.Close)
	return chain
}

// execute verifies a wire transaction and runs its instructions on the bank.
func (c *rpcChain) execute(w *scenario.World, encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return "", err
	}
	if err := tx.VerifySignatures(); err != nil {
		return "", err
	}
	instructions := make([]solana.Instruction, 0, len(tx.Message.Instructions))
	for _, compiled := range tx.Message.Instructions {
		programID, err := tx.Message.Program(compiled.ProgramIDIndex)
		if err != nil {
			return "", err
		}
		metas, err := compiled.ResolveInstructionAccounts(&tx.Message)
		if err != nil {
			return "", err
		}
		instructions = append(instructions, solana.NewInstruction(programID, metas, compiled.Data))
	}
	if _, err := w.Bank.Process(svm.Batch{Instructions: instructions, Signers: tx.Message.Signers()}); err != nil {
		return "", err
	}
	c.sent = append(c.sent, tx)
	sig := tx.Signatures[0].String()
	c.statuses[sig] = w.Bank.Clock().Slot
	return sig, nil
}

func (c *rpcChain) transactions() []*solana.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*solana.Transaction(nil), c.sent...)
}

func writeRPCError(rw http.ResponseWriter, id json.RawMessage, code int, message string) {
	rw.Header().Set("content-type", "application/json")
	_ = json.NewEncoder(rw).Encode(map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error":   map[string]any{"code": code, "message": message},
	})
}

// jupiterServer quotes an exact-out swap and hands back swap as its route.
func jupiterServer(t *testing.T, quote string, swap solana.Instruction, user, destination solana.PublicKey) *httptest.Server {
	t.Helper()
	data, err := swap.Data()
	require.NoError(t, err)
	accounts := make([]map[string]any, 0, len(swap.Accounts()))
	for _, meta := range swap.Accounts() {
		accounts = append(accounts, map[string]any{
			"pubkey":     meta.PublicKey.String(),
			"isSigner":   meta.IsSigner,
			"isWritable": meta.IsWritable,
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/quote", func(rw http.ResponseWriter, r *http.Request) {
		_, _ = rw.Write([]byte(quote))
	})
	mux.HandleFunc("/swap-instructions", func(rw http.ResponseWriter, r *http.Request) {
		var req map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, user.String(), req["userPublicKey"])
		assert.Equal(t, destination.String(), req["destinationTokenAccount"])
		_ = json.NewEncoder(rw).Encode(map[string]any{
			"swapInstruction": map[string]any{
				"programId": swap.ProgramID().String(),
				"accounts":  accounts,
				"data":      base64.StdEncoding.EncodeToString(data),
			},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type recordingJournal struct {
	mu       sync.Mutex
	attempts []journal.Attempt
	resolved []resolution
}

type resolution struct {
	signature  string
	status     journal.Status
	slot       uint64
	postHealth *uint8
	errText    string
}

func (j *recordingJournal) Record(_ context.Context, attempt journal.Attempt) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.attempts = append(j.attempts, attempt)
	return nil
}

func (j *recordingJournal) Resolve(_ context.Context, signature string, status journal.Status, slot uint64, postHealth *uint8, errText string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.resolved = append(j.resolved, resolution{signature: signature, status: status, slot: slot, postHealth: postHealth, errText: errText})
	return nil
}

func newTestService(w *scenario.World, rpcURL, jupiterURL string) *Service {
	return &Service{
		cfg: config.KeeperConfig{
			Commitment:            rpc.CommitmentConfirmed,
			TriggerHealth:         35,
			SlippageBps:           50,
			CollateralMint:        w.CollateralMint,
			CollateralMarketIndex: w.Spec.CollateralMarketIndex,
			RepayMint:             w.QuoteMint,
			Oracles:               w.Markets().Oracles,
			SpotMarkets:           w.Markets().SpotMarkets,
		},
		rpc:     rpc.New(rpcURL),
		jupiter: jupiter.NewClient(jupiterURL, "", 0),
		program: w.Program,
		signer:  solana.NewWallet().PrivateKey,
		journal: discardJournal{},
		logger:  logging.Discard(),
	}
}

func TestDeriveOwnerAccountsMatchesVaultSetup(t *testing.T) {
	w, f := newWorld(t)
	owner, err := w.AddOwner(f.Owner.Collateral, f.Owner.Borrow)
	require.NoError(t, err)

	accounts, err := deriveOwnerAccounts(w.Program, owner.Key)
	require.NoError(t, err)
	assert.Equal(t, owner.Vault, accounts.vault)
	assert.Equal(t, owner.ExchangeUser, accounts.exchangeUser)
}

func TestFetchSnapshotMatchesOnChainHealth(t *testing.T) {
	w, f := newWorld(t)
	owner, err := w.AddOwner(f.Owner.Collateral, f.Owner.Borrow)
	require.NoError(t, err)
	srv := rpcServer(t, w)
	s := newTestService(w, srv.URL, "http://127.0.0.1:1")

	accounts, err := deriveOwnerAccounts(w.Program, owner.Key)
	require.NoError(t, err)
	snap, err := s.fetchSnapshot(context.Background(), accounts)
	require.NoError(t, err)

	want, err := w.Health(owner)
	require.NoError(t, err)
	assert.Equal(t, want.Buffered, snap.health.Buffered)
	assert.Equal(t, want.Raw, snap.health.Raw)
	assert.Equal(t, f.Owner.Borrow, snap.quoteDebt)
	assert.Equal(t, f.Owner.Collateral, snap.collateral)
	assert.Equal(t, w.Bank.Clock().Slot, snap.slot)
}

func TestFetchSnapshotSkipsUnknownOwner(t *testing.T) {
	w, _ := newWorld(t)
	srv := rpcServer(t, w)
	s := newTestService(w, srv.URL, "http://127.0.0.1:1")

	accounts, err := deriveOwnerAccounts(w.Program, solana.NewWallet().PublicKey())
	require.NoError(t, err)
	_, err = s.fetchSnapshot(context.Background(), accounts)
	assert.ErrorIs(t, err, errSkipOwner)
}

func TestProcessOwnerSkipsHealthyOwner(t *testing.T) {
	w, _ := newWorld(t)
	owner, err := w.AddOwner(100_000_000, 1_000_000)
	require.NoError(t, err)
	srv := rpcServer(t, w)
	s := newTestService(w, srv.URL, "http://127.0.0.1:1")

	err = s.processOwner(context.Background(), owner.Key)
	require.ErrorIs(t, err, errSkipOwner)
	assert.Contains(t, err.Error(), "above trigger")
}

func TestProcessOwnerQuotesExactOutRepay(t *testing.T) {
	w, f := newWorld(t)
	owner, err := w.AddOwner(f.Owner.Collateral, f.Owner.Borrow)
	require.NoError(t, err)
	srv := rpcServer(t, w)

	var quoted http.Header
	var query map[string]string
	jup := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/quote", r.URL.Path)
		quoted = r.Header
		query = map[string]string{
			"amount":     r.URL.Query().Get("amount"),
			"swapMode":   r.URL.Query().Get("swapMode"),
			"inputMint":  r.URL.Query().Get("inputMint"),
			"outputMint": r.URL.Query().Get("outputMint"),
		}
		_, _ = rw.Write([]byte(`{"swapMode":"ExactOut","inAmount":"21000000","outAmount":"20000000","otherAmountThreshold":"` +
			"900000000" + `","routePlan":[]}`))
	}))
	defer jup.Close()

	s := newTestService(w, srv.URL, jup.URL)
	s.cfg.TriggerHealth = 50
	s.cfg.MaxRepay = 20_000_000

	err = s.processOwner(context.Background(), owner.Key)
	require.ErrorIs(t, err, errSkipOwner)
	assert.Contains(t, err.Error(), "exceeds vault collateral")
	require.NotNil(t, quoted)
	assert.Equal(t, "20000000", query["amount"])
	assert.Equal(t, jupiter.SwapModeExactOut, query["swapMode"])
	assert.Equal(t, w.CollateralMint.String(), query["inputMint"])
	assert.Equal(t, w.QuoteMint.String(), query["outputMint"])
}

func TestPlanRepay(t *testing.T) {
	snap := func(buffered uint8, debt uint64) *snapshot {
		return &snapshot{health: &autorepay.Health{Buffered: buffered}, quoteDebt: debt}
	}
	cases := []struct {
		name     string
		snap     *snapshot
		trigger  uint8
		maxRepay uint64
		want     uint64
		skip     bool
	}{
		{name: "healthy", snap: snap(40, 10), trigger: 35, skip: true},
		{name: "at trigger", snap: snap(35, 10), trigger: 35, skip: true},
		{name: "no debt", snap: snap(5, 0), trigger: 35, skip: true},
		{name: "whole debt", snap: snap(10, 50_000_000), trigger: 35, want: 50_000_000},
		{name: "capped", snap: snap(10, 50_000_000), trigger: 35, maxRepay: 20_000_000, want: 20_000_000},
		{name: "cap above debt", snap: snap(10, 5), trigger: 35, maxRepay: 20, want: 5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := planRepay(tc.snap, tc.trigger, tc.maxRepay)
			if tc.skip {
				assert.ErrorIs(t, err, errSkipOwner)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestQuoteMaxIn(t *testing.T) {
	v, err := quoteMaxIn(&jupiter.QuoteResponse{SwapMode: jupiter.SwapModeExactOut, InAmount: "100", OtherAmountThreshold: "101"})
	require.NoError(t, err)
	assert.Equal(t, uint64(101), v)

	v, err = quoteMaxIn(&jupiter.QuoteResponse{InAmount: "100"})
	require.NoError(t, err)
	assert.Equal(t, uint64(100), v)

	_, err = quoteMaxIn(&jupiter.QuoteResponse{SwapMode: "ExactIn", InAmount: "100"})
	assert.Error(t, err)

	assert.Equal(t, uint8(0), clampMaxAccounts(-1))
	assert.Equal(t, uint8(64), clampMaxAccounts(64))
	assert.Equal(t, uint8(255), clampMaxAccounts(1000))
}

// signatureServer acknowledges one signatureSubscribe and pushes a
// notification carrying txErr.
func signatureServer(t *testing.T, sig solana.Signature, txErr any) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(rw, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close()

		var req rpcRequest
		if !assert.NoError(t, conn.ReadJSON(&req)) {
			return
		}
		assert.Equal(t, "signatureSubscribe", req.Method)
		assert.Equal(t, sig.String(), req.Params[0])

		_ = conn.WriteJSON(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": 7})
		_ = conn.WriteJSON(map[string]any{
			"jsonrpc": "2.0",
			"method":  "signatureNotification",
			"params": map[string]any{
				"result": map[string]any{
					"context": map[string]any{"slot": 4242},
					"value":   map[string]any{"err": txErr},
				},
				"subscription": 7,
			},
		})
		// Hold the connection until the client hangs up.
		_, _, _ = conn.ReadMessage()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSubscribeSignature(t *testing.T) {
	sig := solana.Signature{1, 2, 3}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slot, err := subscribeSignature(ctx, wsURL(signatureServer(t, sig, nil)), sig, rpc.CommitmentConfirmed)
	require.NoError(t, err)
	assert.Equal(t, uint64(4242), slot)

	_, err = subscribeSignature(ctx, wsURL(signatureServer(t, sig, map[string]any{"InstructionError": []any{3, map[string]any{"Custom": 6011}}})), sig, rpc.CommitmentConfirmed)
	assert.ErrorIs(t, err, errTransactionFailed)
}

func TestWaitForConfirmationPrefersWebsocket(t *testing.T) {
	sig := solana.Signature{9}
	w, _ := newWorld(t)
	s := newTestService(w, "http://127.0.0.1:1", "http://127.0.0.1:1")
	s.cfg.WSURL = wsURL(signatureServer(t, sig, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	slot, err := s.waitForConfirmation(ctx, sig)
	require.NoError(t, err)
	assert.Equal(t, uint64(4242), slot)
}

func TestWaitForConfirmationTimesOutWithoutEndpoints(t *testing.T) {
	w, _ := newWorld(t)
	s := newTestService(w, "http://127.0.0.1:1", "http://127.0.0.1:1")
	s.cfg.WSURL = "ws://127.0.0.1:1"

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	_, err := s.waitForConfirmation(ctx, solana.Signature{1})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBuildSnapshotRejectsForeignOwner(t *testing.T) {
	fetched := []fetchedAccount{
		{key: solana.NewWallet().PublicKey()},
		{key: solana.NewWallet().PublicKey()},
	}
	_, err := buildSnapshot(fetched, exchange.ProgramID, 1, 1)
	assert.ErrorIs(t, err, errSkipOwner)
}

func TestProcessOwnerSubmitsRepayBatch(t *testing.T) {
	w, f := newWorld(t)
	ownerKey := solana.NewWallet().PrivateKey
	callerKey := solana.NewWallet().PrivateKey
	owner, err := w.AddOwnerKey(ownerKey.PublicKey(), f.Owner.Collateral, f.Owner.Borrow)
	require.NoError(t, err)
	caller, err := w.AddCallerKey(callerKey.PublicKey(), f.Caller.Balance)
	require.NoError(t, err)
	chain := rpcServer(t, w)

	swap, err := w.SwapInstruction(caller, owner, scenario.SwapSpec{
		OutAmount:      f.Swap.OutAmount,
		QuotedInAmount: f.Swap.OutAmount,
		SlippageBps:    f.Swap.SlippageBps,
	})
	require.NoError(t, err)
	quote := `{"inputMint":"` + w.CollateralMint.String() + `","outputMint":"` + w.QuoteMint.String() +
		`","inAmount":"50000000","outAmount":"50000000","otherAmountThreshold":"50250000","swapMode":"ExactOut","slippageBps":50,"routePlan":[]}`
	jup := jupiterServer(t, quote, swap, caller.Key, owner.OwnerRepayTokenAccount)

	s := newTestService(w, chain.URL, jup.URL)
	s.signer = callerKey
	s.owners, s.ownerKeys, err = resolveOwners(callerKey, []solana.PublicKey{owner.Key}, []solana.PrivateKey{ownerKey})
	require.NoError(t, err)
	s.cfg.TriggerHealth = 50
	s.cfg.TxTimeout = 5 * time.Second
	s.cfg.ConfirmTimeout = 5 * time.Second
	s.cfg.ComputeUnitLimit = 400_000
	s.cfg.ComputeUnitPriceMicroLamports = 1
	budget, err := s.computeBudgetInstructions()
	require.NoError(t, err)
	require.Len(t, budget, 2)
	w.Bank.RegisterProgram(budget[0].ProgramID(), svm.ProgramFunc(func(*svm.InvokeContext, []byte) error { return nil }))
	j := &recordingJournal{}
	s.journal = j

	require.NoError(t, s.processOwner(context.Background(), owner.Key))

	sent := chain.transactions()
	require.Len(t, sent, 1)
	assert.ElementsMatch(t, []solana.PublicKey{caller.Key, owner.Key}, []solana.PublicKey(sent[0].Message.Signers()))
	assert.Len(t, sent[0].Message.Instructions, 6)

	borrow, err := w.SpotBalance(owner, exchange.QuoteSpotMarketIndex)
	require.NoError(t, err)
	assert.Equal(t, int64(0), borrow)
	collateral, err := w.SpotBalance(owner, w.Spec.CollateralMarketIndex)
	require.NoError(t, err)
	assert.Equal(t, int64(50_000_000), collateral)
	balance, err := w.Bank.TokenBalance(caller.CollateralTokenAccount)
	require.NoError(t, err)
	assert.Equal(t, f.Caller.Balance, balance)

	require.Len(t, j.attempts, 1)
	attempt := j.attempts[0]
	assert.Equal(t, sent[0].Signatures[0].String(), attempt.Signature)
	assert.Equal(t, owner.Key.String(), attempt.Owner)
	assert.Equal(t, owner.Vault.String(), attempt.Vault)
	assert.Equal(t, caller.Key.String(), attempt.Caller)
	assert.Equal(t, journal.StatusSubmitted, attempt.Status)
	assert.Equal(t, uint8(40), attempt.PreHealth)
	assert.Equal(t, uint64(50_000_000), attempt.RepayAmount)
	assert.Equal(t, uint64(50_250_000), attempt.CollateralIn)
	assert.Equal(t, f.Caller.Balance, attempt.StartBalance)

	require.Len(t, j.resolved, 1)
	res := j.resolved[0]
	assert.Equal(t, attempt.Signature, res.signature)
	assert.Equal(t, journal.StatusConfirmed, res.status)
	assert.Equal(t, w.Bank.Clock().Slot, res.slot)
	require.NotNil(t, res.postHealth)
	assert.Equal(t, uint8(100), *res.postHealth)
	assert.Empty(t, res.errText)
}

func TestProcessOwnerRecordsRejectedBatch(t *testing.T) {
	w, f := newWorld(t)
	ownerKey := solana.NewWallet().PrivateKey
	callerKey := solana.NewWallet().PrivateKey
	owner, err := w.AddOwnerKey(ownerKey.PublicKey(), f.Owner.Collateral, f.Owner.Borrow)
	require.NoError(t, err)
	caller, err := w.AddCallerKey(callerKey.PublicKey(), f.Caller.Balance)
	require.NoError(t, err)
	chain := rpcServer(t, w)

	// A platform fee on the route makes Start reject the batch.
	swap, err := w.SwapInstruction(caller, owner, scenario.SwapSpec{
		OutAmount:          f.Swap.OutAmount,
		QuotedInAmount:     f.Swap.OutAmount,
		SlippageBps:        f.Swap.SlippageBps,
		PlatformFeeBps:     1,
		PlatformFeeAccount: caller.CollateralTokenAccount,
	})
	require.NoError(t, err)
	quote := `{"inAmount":"50000000","outAmount":"50000000","otherAmountThreshold":"50250000","swapMode":"ExactOut"}`
	jup := jupiterServer(t, quote, swap, caller.Key, owner.OwnerRepayTokenAccount)

	s := newTestService(w, chain.URL, jup.URL)
	s.signer = callerKey
	s.ownerKeys = map[solana.PublicKey]solana.PrivateKey{owner.Key: ownerKey}
	s.cfg.TriggerHealth = 50
	s.cfg.TxTimeout = 5 * time.Second
	j := &recordingJournal{}
	s.journal = j

	err = s.processOwner(context.Background(), owner.Key)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "send transaction")
	assert.Empty(t, chain.transactions())

	require.Len(t, j.attempts, 1)
	require.Len(t, j.resolved, 1)
	assert.Equal(t, journal.StatusFailed, j.resolved[0].status)
	assert.Contains(t, j.resolved[0].errText, "InvalidPlatformFee")
	assert.Nil(t, j.resolved[0].postHealth)
}

func TestSignTransactionNeedsOwnerKey(t *testing.T) {
	w, f := newWorld(t)
	owner, err := w.AddOwner(f.Owner.Collateral, f.Owner.Borrow)
	require.NoError(t, err)
	callerKey := solana.NewWallet().PrivateKey
	caller, err := w.AddCallerKey(callerKey.PublicKey(), f.Caller.Balance)
	require.NoError(t, err)
	chain := rpcServer(t, w)

	swap, err := w.SwapInstruction(caller, owner, scenario.SwapSpec{OutAmount: f.Swap.OutAmount, QuotedInAmount: f.Swap.OutAmount})
	require.NoError(t, err)
	batch, err := w.Batch(owner, caller, f.Caller.Balance, swap)
	require.NoError(t, err)

	s := newTestService(w, chain.URL, "http://127.0.0.1:1")
	s.signer = callerKey
	_, err = s.signTransaction(context.Background(), batch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), owner.Key.String())
}

func TestResolveOwners(t *testing.T) {
	signer := solana.NewWallet().PrivateKey
	ownerA := solana.NewWallet().PrivateKey
	ownerB := solana.NewWallet().PrivateKey
	stranger := solana.NewWallet().PublicKey()

	owners, keys, err := resolveOwners(signer, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []solana.PublicKey{signer.PublicKey()}, owners)
	assert.Empty(t, keys)

	owners, keys, err = resolveOwners(signer, nil, []solana.PrivateKey{ownerA, ownerB, ownerA})
	require.NoError(t, err)
	assert.Equal(t, []solana.PublicKey{ownerA.PublicKey(), ownerB.PublicKey()}, owners)
	assert.Len(t, keys, 2)

	owners, _, err = resolveOwners(signer, []solana.PublicKey{signer.PublicKey(), ownerB.PublicKey()}, []solana.PrivateKey{ownerA, ownerB})
	require.NoError(t, err)
	assert.Equal(t, []solana.PublicKey{signer.PublicKey(), ownerB.PublicKey()}, owners)

	_, _, err = resolveOwners(signer, []solana.PublicKey{stranger}, []solana.PrivateKey{ownerA})
	require.Error(t, err)
	assert.Contains(t, err.Error(), stranger.String())
}
