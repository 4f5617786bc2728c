package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/Mindburn-Labs/veritas/pkg/amount"
)

// CodeNotFound is the JSON-RPC error code a gateway returns for unknown hashes.
const CodeNotFound = -32004

// RPCConfig configures an RPCProvider.
type RPCConfig struct {
	URL     string
	Timeout time.Duration
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// RPCProvider talks JSON-RPC 2.0 to a chain wallet gateway.
type RPCProvider struct {
	url        string
	httpClient *http.Client
	nextID     atomic.Int64
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int64  `json:"id"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result"`
	Error   *RPCError       `json:"error"`
	ID      int64           `json:"id"`
}

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// NewRPCProvider creates a provider for cfg.URL.
func NewRPCProvider(cfg RPCConfig) (*RPCProvider, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("wallet: RPC URL required")
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &RPCProvider{url: cfg.URL, httpClient: client}, nil
}

func (p *RPCProvider) Name() string { return string(KindRPC) }

// Call makes one RPC call and returns the raw result.
func (p *RPCProvider) Call(ctx context.Context, method string, params ...any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	req := rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: p.nextID.Add(1)}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rpc %s: http %d", method, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

type walletResult struct {
	Address    string `json:"address"`
	Credential []byte `json:"credential"`
}

func (p *RPCProvider) CreateWallet(ctx context.Context) (*Wallet, error) {
	result, err := p.Call(ctx, "createwallet")
	if err != nil {
		return nil, err
	}
	var w walletResult
	if err := json.Unmarshal(result, &w); err != nil {
		return nil, fmt.Errorf("decode createwallet: %w", err)
	}
	if w.Address == "" {
		return nil, fmt.Errorf("createwallet: empty address")
	}
	return &Wallet{Address: w.Address, Credential: w.Credential}, nil
}

func (p *RPCProvider) ImportWallet(ctx context.Context, credential []byte) (*Wallet, error) {
	if len(credential) == 0 {
		return nil, ErrInvalidCredential
	}
	result, err := p.Call(ctx, "importwallet", credential)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
		}
		return nil, err
	}
	var w walletResult
	if err := json.Unmarshal(result, &w); err != nil {
		return nil, fmt.Errorf("decode importwallet: %w", err)
	}
	return &Wallet{Address: w.Address, Credential: credential}, nil
}

func (p *RPCProvider) Balance(ctx context.Context, address string, asset Asset) (amount.Amount, error) {
	result, err := p.Call(ctx, "getbalance", address, string(asset))
	if err != nil {
		return 0, err
	}
	var bal amount.Amount
	if err := json.Unmarshal(result, &bal); err != nil {
		return 0, fmt.Errorf("decode getbalance: %w", err)
	}
	return bal, nil
}

func (p *RPCProvider) RequestFunds(ctx context.Context, address string, asset Asset) error {
	_, err := p.Call(ctx, "requestfunds", address, string(asset))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFaucetUnavailable, err)
	}
	return nil
}

func (p *RPCProvider) Transfer(ctx context.Context, from *Wallet, to string, amt amount.Amount, asset Asset) (string, error) {
	if from == nil {
		return "", ErrInvalidCredential
	}
	params := map[string]any{
		"from":       from.Address,
		"credential": from.Credential,
		"to":         to,
		"amount":     amt,
		"asset":      string(asset),
	}
	result, err := p.Call(ctx, "transfer", params)
	if err != nil {
		return "", err
	}
	var out struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(result, &out); err != nil {
		return "", fmt.Errorf("decode transfer: %w", err)
	}
	if out.Hash == "" {
		return "", fmt.Errorf("transfer: empty hash")
	}
	return out.Hash, nil
}

func (p *RPCProvider) Transaction(ctx context.Context, hash string) (*Transaction, error) {
	result, err := p.Call(ctx, "gettransaction", hash)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == CodeNotFound {
			return nil, fmt.Errorf("%w: %s", ErrTxNotFound, hash)
		}
		return nil, err
	}
	if len(result) == 0 || string(result) == "null" {
		return nil, fmt.Errorf("%w: %s", ErrTxNotFound, hash)
	}
	var tx Transaction
	if err := json.Unmarshal(result, &tx); err != nil {
		return nil, fmt.Errorf("decode gettransaction: %w", err)
	}
	return &tx, nil
}
