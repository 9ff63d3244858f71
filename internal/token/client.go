package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client is the token-transfer protocol consumed by the wager ledger. An
// approve step must precede TransferFrom; that happens outside this service.
type Client interface {
	Transfer(ctx context.Context, to string, amount, fee int64, memo string) (uint64, error)
	TransferFrom(ctx context.Context, spender, from, to string, amount, fee int64) (uint64, error)
	BalanceOf(ctx context.Context, account string) (int64, error)
}

// ProtocolError is a rejection reported by the token ledger itself, as
// opposed to a transport failure reaching it.
type ProtocolError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *ProtocolError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return e.Kind
}

type transferRequest struct {
	Spender string `json:"spender,omitempty"`
	From    string `json:"from,omitempty"`
	To      string `json:"to"`
	Amount  int64  `json:"amount"`
	Fee     int64  `json:"fee"`
	Memo    string `json:"memo,omitempty"`
}

type transferResult struct {
	Ok  *uint64        `json:"ok,omitempty"`
	Err *ProtocolError `json:"err,omitempty"`
}

type balanceResult struct {
	Account string `json:"account"`
	Balance int64  `json:"balance"`
}

type HTTPClient struct {
	baseURL string
	client  *http.Client
}

func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPClient) Transfer(ctx context.Context, to string, amount, fee int64, memo string) (uint64, error) {
	return c.submit(ctx, "/transfer", transferRequest{
		To:     to,
		Amount: amount,
		Fee:    fee,
		Memo:   memo,
	})
}

func (c *HTTPClient) TransferFrom(ctx context.Context, spender, from, to string, amount, fee int64) (uint64, error) {
	return c.submit(ctx, "/transfer_from", transferRequest{
		Spender: spender,
		From:    from,
		To:      to,
		Amount:  amount,
		Fee:     fee,
	})
}

func (c *HTTPClient) BalanceOf(ctx context.Context, account string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/balance_of?account="+account, nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("token ledger unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("token ledger status %d", resp.StatusCode)
	}

	var out balanceResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode balance: %w", err)
	}
	return out.Balance, nil
}

func (c *HTTPClient) submit(ctx context.Context, path string, body transferRequest) (uint64, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("token ledger unreachable: %w", err)
	}
	defer resp.Body.Close()

	var out transferResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode transfer result: %w", err)
	}

	if out.Err != nil {
		return 0, out.Err
	}
	if out.Ok == nil {
		return 0, fmt.Errorf("token ledger returned neither ok nor err (status %d)", resp.StatusCode)
	}
	return *out.Ok, nil
}
