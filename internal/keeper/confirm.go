package keeper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gorilla/websocket"
)

const (
	websocketReadLimitBytes = 1 << 20
	websocketWriteTimeout   = 5 * time.Second
	signaturePollInterval   = 700 * time.Millisecond
)

var errTransactionFailed = errors.New("transaction failed")

type confirmation struct {
	slot uint64
	err  error
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcEnvelope struct {
	ID     *int            `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Params *struct {
		Result struct {
			Context struct {
				Slot uint64 `json:"slot"`
			} `json:"context"`
			Value struct {
				Err any `json:"err"`
			} `json:"value"`
		} `json:"result"`
		Subscription uint64 `json:"subscription"`
	} `json:"params"`
}

// waitForConfirmation races a websocket signature subscription against RPC
// polling and returns the slot the transaction landed in.
func (s *Service) waitForConfirmation(ctx context.Context, sig solana.Signature) (uint64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan confirmation, 2)
	if s.cfg.WSURL != "" {
		go func() {
			slot, err := subscribeSignature(ctx, s.cfg.WSURL, sig, s.cfg.Commitment)
			if err != nil && !errors.Is(err, errTransactionFailed) {
				if ctx.Err() == nil {
					s.logger.Debug("signature subscription unavailable, polling", "signature", sig, "err", err)
				}
				return
			}
			results <- confirmation{slot: slot, err: err}
		}()
	}
	go func() {
		slot, err := s.pollSignature(ctx, sig)
		results <- confirmation{slot: slot, err: err}
	}()

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case res := <-results:
		return res.slot, res.err
	}
}

func (s *Service) pollSignature(ctx context.Context, sig solana.Signature) (uint64, error) {
	ticker := time.NewTicker(signaturePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
			result, err := s.rpc.GetSignatureStatuses(ctx, true, sig)
			if err != nil {
				continue
			}
			if len(result.Value) == 0 || result.Value[0] == nil {
				continue
			}
			status := result.Value[0]
			if status.Err != nil {
				return status.Slot, fmt.Errorf("%w: %v", errTransactionFailed, status.Err)
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return status.Slot, nil
			}
		}
	}
}

func subscribeSignature(ctx context.Context, endpoint string, sig solana.Signature, commitment rpc.CommitmentType) (uint64, error) {
	conn, _, err := dialWebsocket(ctx, endpoint)
	if err != nil {
		return 0, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	defer conn.Close()
	stop := closeConnOnContextDone(ctx, conn)
	defer stop()

	if err := writeWebsocketJSON(conn, rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "signatureSubscribe",
		Params:  []any{sig.String(), map[string]any{"commitment": commitment}},
	}); err != nil {
		return 0, fmt.Errorf("subscribe: %w", err)
	}

	subscribed := false
	for {
		var msg rpcEnvelope
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			return 0, fmt.Errorf("read: %w", err)
		}
		if msg.Error != nil {
			return 0, fmt.Errorf("rpc error %d: %s", msg.Error.Code, msg.Error.Message)
		}
		if msg.ID != nil && *msg.ID == 1 {
			subscribed = true
			continue
		}
		if msg.Method != "signatureNotification" || msg.Params == nil {
			continue
		}
		if !subscribed {
			return 0, errors.New("notification before subscription ack")
		}
		result := msg.Params.Result
		if result.Value.Err != nil {
			return result.Context.Slot, fmt.Errorf("%w: %v", errTransactionFailed, result.Value.Err)
		}
		return result.Context.Slot, nil
	}
}

func dialWebsocket(ctx context.Context, endpoint string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, resp, err
	}
	conn.SetReadLimit(websocketReadLimitBytes)
	return conn, resp, nil
}

func writeWebsocketJSON(conn *websocket.Conn, value any) error {
	if err := conn.SetWriteDeadline(time.Now().Add(websocketWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(value)
}

func closeConnOnContextDone(ctx context.Context, conn *websocket.Conn) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	return func() {
		close(done)
	}
}
