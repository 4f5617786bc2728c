// Package client is a Go client for a veritas gateway. Fetch answers a 402
// challenge by paying through a Payer and retrying with the receipt.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Mindburn-Labs/veritas/pkg/amount"
	"github.com/Mindburn-Labs/veritas/pkg/gateway"
)

var (
	ErrNoPayer       = errors.New("client: payment required but no payer configured")
	ErrPriceExceeded = errors.New("client: price above limit")
	ErrBadChallenge  = errors.New("client: malformed payment challenge")
)

// Payer settles a challenge and returns the transaction hash once final.
// *treasury.Agent satisfies it.
type Payer interface {
	Pay(ctx context.Context, amt amount.Amount, destination string) (string, error)
}

// APIError is returned when the gateway answers with a non-2xx status.
type APIError struct {
	Status int
	Reason string
	Detail string
	// Challenge holds the payment terms carried by a 402.
	Challenge *gateway.Challenge
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("gateway %d: %s: %s", e.Status, e.Reason, e.Detail)
	}
	return fmt.Sprintf("gateway %d: %s", e.Status, http.StatusText(e.Status))
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}

// ReasonOf returns the denial reason carried by err, or "".
func ReasonOf(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Reason
	}
	return ""
}

// Response is a granted request.
type Response struct {
	Status int
	Body   json.RawMessage
	// TxHash is the receipt that paid for the request.
	TxHash string
	// Paid reports whether Fetch made a payment to get here.
	Paid bool
}

// Client talks to one gateway.
type Client struct {
	baseURL    string
	httpClient *http.Client
	payer      Payer
	maxPrice   amount.Amount
	version    string
	logger     *slog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithPayer lets Fetch settle challenges.
func WithPayer(p Payer) Option {
	return func(c *Client) { c.payer = p }
}

// WithMaxPrice refuses challenges above limit. Zero means no limit.
func WithMaxPrice(limit amount.Amount) Option {
	return func(c *Client) { c.maxPrice = limit }
}

// New creates a client for the gateway at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		version:    gateway.ProtocolVersion,
		logger:     slog.Default().With("component", "client"),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Challenge requests path without payment and returns the terms.
func (c *Client) Challenge(ctx context.Context, path string) (*gateway.Challenge, error) {
	_, err := c.get(ctx, path, "")
	if err == nil {
		return nil, fmt.Errorf("%w: %s is not paywalled", ErrBadChallenge, path)
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusPaymentRequired && apiErr.Challenge != nil {
		return apiErr.Challenge, nil
	}
	return nil, err
}

// Redeem presents an existing receipt for path.
func (c *Client) Redeem(ctx context.Context, path, txHash string) (*Response, error) {
	resp, err := c.get(ctx, path, gateway.Scheme+" "+txHash)
	if err != nil {
		return nil, err
	}
	resp.TxHash = txHash
	return resp, nil
}

// Fetch requests path, paying once if the gateway asks for it.
func (c *Client) Fetch(ctx context.Context, path string) (*Response, error) {
	resp, err := c.get(ctx, path, "")
	if err == nil {
		return resp, nil
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusPaymentRequired || apiErr.Reason != "" {
		return nil, err
	}
	if apiErr.Challenge == nil {
		return nil, ErrBadChallenge
	}
	if c.payer == nil {
		return nil, ErrNoPayer
	}
	ch := apiErr.Challenge
	if !c.maxPrice.IsZero() && ch.Price.Cmp(c.maxPrice) > 0 {
		return nil, fmt.Errorf("%w: %s > %s", ErrPriceExceeded, ch.Price, c.maxPrice)
	}

	c.logger.Info("paying for resource", "path", path, "price", ch.Price, "pay_to", ch.PayTo)
	hash, err := c.payer.Pay(ctx, ch.Price, ch.PayTo)
	if err != nil {
		return nil, fmt.Errorf("pay: %w", err)
	}
	resp, err = c.Redeem(ctx, path, hash)
	if err != nil {
		return nil, err
	}
	resp.Paid = true
	return resp, nil
}

// Health calls GET /health.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.get(ctx, "/health", "")
	return err
}

func (c *Client) get(ctx context.Context, path, authorization string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(gateway.VersionHeader, c.version)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return &Response{Status: resp.StatusCode, Body: body}, nil
	}
	return nil, decodeError(resp.StatusCode, body)
}

// decodeError reads either a bare challenge or a problem document.
func decodeError(status int, body []byte) *APIError {
	apiErr := &APIError{Status: status}
	var p struct {
		Reason string `json:"reason"`
		Detail string `json:"detail"`
	}
	if json.Unmarshal(body, &p) == nil {
		apiErr.Reason = p.Reason
		apiErr.Detail = p.Detail
	}
	if status == http.StatusPaymentRequired {
		var ch gateway.Challenge
		if json.Unmarshal(body, &ch) == nil && ch.PayTo != "" && !ch.Price.IsZero() {
			apiErr.Challenge = &ch
		}
	}
	return apiErr
}
