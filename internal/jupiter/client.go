package jupiter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"golang.org/x/time/rate"
)

const DefaultAPIBaseURL = "https://api.jup.ag/swap/v1"

const SwapModeExactOut = "ExactOut"

type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
	limiter *rate.Limiter
}

// NewClient builds a client allowing rps requests per second. rps <= 0 means
// unlimited.
func NewClient(baseURL, apiKey string, rps float64) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = DefaultAPIBaseURL
	}
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &Client{
		BaseURL: baseURL,
		APIKey:  strings.TrimSpace(apiKey),
		HTTP:    &http.Client{Timeout: 12 * time.Second},
		limiter: rate.NewLimiter(limit, 1),
	}
}

type HTTPError struct {
	StatusCode int
	Body       []byte
}

func (e *HTTPError) Error() string {
	b := strings.TrimSpace(string(e.Body))
	if b == "" {
		return fmt.Sprintf("jupiter http %d", e.StatusCode)
	}
	return fmt.Sprintf("jupiter http %d: %s", e.StatusCode, b)
}

type QuoteRequest struct {
	InputMint   solana.PublicKey
	OutputMint  solana.PublicKey
	Amount      uint64
	SlippageBps uint16
	SwapMode    string
	MaxAccounts uint8
}

type QuoteResponse struct {
	InputMint            string               `json:"inputMint"`
	OutputMint           string               `json:"outputMint"`
	InAmount             string               `json:"inAmount"`
	OutAmount            string               `json:"outAmount"`
	OtherAmountThreshold string               `json:"otherAmountThreshold"`
	SwapMode             string               `json:"swapMode"`
	SlippageBps          uint16               `json:"slippageBps"`
	PriceImpactPct       string               `json:"priceImpactPct"`
	RoutePlan            []QuoteRoutePlanStep `json:"routePlan"`
	ContextSlot          uint64               `json:"contextSlot,omitempty"`

	raw json.RawMessage
}

type QuoteRoutePlanStep struct {
	SwapInfo struct {
		AmmKey     string `json:"ammKey"`
		Label      string `json:"label,omitempty"`
		InputMint  string `json:"inputMint"`
		OutputMint string `json:"outputMint"`
		InAmount   string `json:"inAmount"`
		OutAmount  string `json:"outAmount"`
	} `json:"swapInfo"`
	Percent uint8 `json:"percent"`
}

func (q *QuoteResponse) InAmountValue() (uint64, error) {
	return strconv.ParseUint(q.InAmount, 10, 64)
}

func (c *Client) Quote(ctx context.Context, req QuoteRequest) (*QuoteResponse, error) {
	if req.InputMint.IsZero() || req.OutputMint.IsZero() {
		return nil, errors.New("input and output mints are required")
	}
	if req.Amount == 0 {
		return nil, errors.New("amount is required")
	}
	q := url.Values{}
	q.Set("inputMint", req.InputMint.String())
	q.Set("outputMint", req.OutputMint.String())
	q.Set("amount", strconv.FormatUint(req.Amount, 10))
	q.Set("slippageBps", strconv.FormatUint(uint64(req.SlippageBps), 10))
	if req.SwapMode != "" {
		q.Set("swapMode", req.SwapMode)
	}
	if req.MaxAccounts > 0 {
		q.Set("maxAccounts", strconv.FormatUint(uint64(req.MaxAccounts), 10))
	}

	body, err := c.do(ctx, http.MethodGet, c.BaseURL+"/quote?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var out QuoteResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to decode jupiter quote response: %w", err)
	}
	out.raw = body
	return &out, nil
}

type SwapInstructions struct {
	ComputeBudgetInstructions []solana.Instruction
	SetupInstructions         []solana.Instruction
	SwapInstruction           solana.Instruction
	CleanupInstruction        solana.Instruction
}

type swapInstructionsRequest struct {
	QuoteResponse           json.RawMessage `json:"quoteResponse"`
	UserPublicKey           string          `json:"userPublicKey"`
	DestinationTokenAccount string          `json:"destinationTokenAccount,omitempty"`
	UseSharedAccounts       bool            `json:"useSharedAccounts"`
	WrapAndUnwrapSol        bool            `json:"wrapAndUnwrapSol"`
}

// SwapInstructions asks for the instructions of quote. Shared accounts are
// disabled so the swap is a plain exact_out_route.
func (c *Client) SwapInstructions(ctx context.Context, quote *QuoteResponse, user, destinationTokenAccount solana.PublicKey) (*SwapInstructions, error) {
	if quote == nil || len(quote.raw) == 0 {
		return nil, errors.New("quote response is required")
	}
	req := swapInstructionsRequest{
		QuoteResponse:     quote.raw,
		UserPublicKey:     user.String(),
		UseSharedAccounts: false,
	}
	if !destinationTokenAccount.IsZero() {
		req.DestinationTokenAccount = destinationTokenAccount.String()
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, http.MethodPost, c.BaseURL+"/swap-instructions", payload)
	if err != nil {
		return nil, err
	}

	var parsed jsonSwapInstructions
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode jupiter swap instructions: %w", err)
	}
	if parsed.SwapInstruction == nil {
		return nil, errors.New("swap instruction not provided")
	}

	var res SwapInstructions
	for _, ix := range parsed.ComputeBudgetInstructions {
		decoded, err := ix.toInstruction()
		if err != nil {
			return nil, fmt.Errorf("decode compute budget instruction: %w", err)
		}
		res.ComputeBudgetInstructions = append(res.ComputeBudgetInstructions, decoded)
	}
	for _, ix := range parsed.SetupInstructions {
		decoded, err := ix.toInstruction()
		if err != nil {
			return nil, fmt.Errorf("decode setup instruction: %w", err)
		}
		res.SetupInstructions = append(res.SetupInstructions, decoded)
	}
	if res.SwapInstruction, err = parsed.SwapInstruction.toInstruction(); err != nil {
		return nil, fmt.Errorf("decode swap instruction: %w", err)
	}
	if parsed.CleanupInstruction != nil {
		if res.CleanupInstruction, err = parsed.CleanupInstruction.toInstruction(); err != nil {
			return nil, fmt.Errorf("decode cleanup instruction: %w", err)
		}
	}
	return &res, nil
}

func (c *Client) do(ctx context.Context, method, u string, payload []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("accept", "application/json")
	if payload != nil {
		req.Header.Set("content-type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("x-api-key", c.APIKey)
	}

	res, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read jupiter response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: res.StatusCode, Body: body}
	}
	return body, nil
}

type jsonInstructionAccount struct {
	Pubkey     string `json:"pubkey"`
	IsSigner   bool   `json:"isSigner"`
	IsWritable bool   `json:"isWritable"`
}

type jsonInstruction struct {
	ProgramID string                   `json:"programId"`
	Accounts  []jsonInstructionAccount `json:"accounts"`
	Data      string                   `json:"data"`
}

type jsonSwapInstructions struct {
	ComputeBudgetInstructions []*jsonInstruction `json:"computeBudgetInstructions"`
	SetupInstructions         []*jsonInstruction `json:"setupInstructions"`
	SwapInstruction           *jsonInstruction   `json:"swapInstruction"`
	CleanupInstruction        *jsonInstruction   `json:"cleanupInstruction"`
}

func (i *jsonInstruction) toInstruction() (solana.Instruction, error) {
	programID, err := decodeKey(i.ProgramID)
	if err != nil {
		return nil, fmt.Errorf("invalid program public key: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(i.Data)
	if err != nil {
		return nil, fmt.Errorf("decode base64 instruction data: %w", err)
	}
	metas := make(solana.AccountMetaSlice, 0, len(i.Accounts))
	for _, acct := range i.Accounts {
		key, err := decodeKey(acct.Pubkey)
		if err != nil {
			return nil, fmt.Errorf("invalid instruction account public key: %w", err)
		}
		metas = append(metas, solana.NewAccountMeta(key, acct.IsWritable, acct.IsSigner))
	}
	return solana.NewInstruction(programID, metas, data), nil
}

func decodeKey(s string) (solana.PublicKey, error) {
	raw, err := base58.Decode(s)
	if err != nil {
		return solana.PublicKey{}, err
	}
	if len(raw) != solana.PublicKeyLength {
		return solana.PublicKey{}, fmt.Errorf("public key is %d bytes", len(raw))
	}
	return solana.PublicKeyFromBytes(raw), nil
}
