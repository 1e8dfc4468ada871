package dexrouter

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mirrorline/mirrorbot/internal/domain"
)

const (
	// confirmPollInterval is how often a submitted transaction's receipt is
	// polled while waiting for confirmation.
	confirmPollInterval = 2 * time.Second
)

// QuoteRequest describes one requested swap.
type QuoteRequest struct {
	TokenIn     string  `json:"token_in"`
	TokenOut    string  `json:"token_out"`
	AmountIn    float64 `json:"amount_in"`
	SlippageBps int     `json:"slippage_bps"`
}

// Quote is a priced route returned by the aggregator. It is only valid for a
// short window and must be passed back unchanged to BuildSwap.
type Quote struct {
	ID             string  `json:"id"`
	TokenIn        string  `json:"token_in"`
	TokenOut       string  `json:"token_out"`
	AmountIn       float64 `json:"amount_in"`
	AmountOut      float64 `json:"amount_out"`
	Price          float64 `json:"price"`
	PriceImpactPct float64 `json:"price_impact_pct"`
	EstimatedFees  float64 `json:"estimated_fees"`
	SlippageBps    int     `json:"slippage_bps"`
}

// Receipt is the confirmed outcome of a submitted transaction.
type Receipt struct {
	TxRef       string    `json:"tx_ref"`
	Success     bool      `json:"success"`
	AmountIn    float64   `json:"amount_in"`
	AmountOut   float64   `json:"amount_out"`
	FeesPaid    float64   `json:"fees_paid"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

// Client is the REST client for the DEX aggregator's quote/swap API.
type Client struct {
	baseURL     string
	priorityFee float64
	httpClient  *http.Client
}

// NewClient creates a new aggregator client.
//
// baseURL is the API root. priorityFee is the default priority fee attached
// to built transactions, in native units.
func NewClient(baseURL string, priorityFee float64) *Client {
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		priorityFee: priorityFee,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// GetQuote prices a swap for the given request.
func (c *Client) GetQuote(ctx context.Context, req QuoteRequest) (Quote, error) {
	body, err := c.doPost(ctx, "/v1/quote", req)
	if err != nil {
		return Quote{}, fmt.Errorf("dexrouter: get quote %s->%s: %w", req.TokenIn, req.TokenOut, err)
	}

	var q Quote
	if err := json.Unmarshal(body, &q); err != nil {
		return Quote{}, fmt.Errorf("dexrouter: decode quote: %w", err)
	}
	return q, nil
}

// BuildSwap turns a quote into an unsigned transaction for the given wallet.
// The returned bytes are signed by custody and submitted unmodified.
func (c *Client) BuildSwap(ctx context.Context, quote Quote, wallet string, priorityFee float64) ([]byte, error) {
	if priorityFee <= 0 {
		priorityFee = c.priorityFee
	}
	reqBody := struct {
		QuoteID     string  `json:"quote_id"`
		Wallet      string  `json:"wallet"`
		PriorityFee float64 `json:"priority_fee"`
	}{quote.ID, wallet, priorityFee}

	body, err := c.doPost(ctx, "/v1/swap", reqBody)
	if err != nil {
		return nil, fmt.Errorf("dexrouter: build swap for quote %s: %w", quote.ID, err)
	}

	var resp struct {
		Tx string `json:"tx"` // hex-encoded unsigned transaction
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("dexrouter: decode swap response: %w", err)
	}

	tx, err := hex.DecodeString(strings.TrimPrefix(resp.Tx, "0x"))
	if err != nil {
		return nil, fmt.Errorf("dexrouter: decode tx bytes: %w", err)
	}
	return tx, nil
}

// SubmitTransaction broadcasts a signed transaction and returns its external
// reference. A successful return means accepted by the mempool, not landed.
func (c *Client) SubmitTransaction(ctx context.Context, signedTx []byte) (string, error) {
	reqBody := struct {
		Tx string `json:"tx"`
	}{"0x" + hex.EncodeToString(signedTx)}

	body, err := c.doPost(ctx, "/v1/submit", reqBody)
	if err != nil {
		return "", fmt.Errorf("dexrouter: submit transaction: %w", err)
	}

	var resp struct {
		TxRef string `json:"tx_ref"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("dexrouter: decode submit response: %w", err)
	}
	return resp.TxRef, nil
}

// WaitForConfirmation polls the receipt endpoint until the transaction lands,
// fails, or the timeout expires. Poll failures are retried within the
// timeout: the transaction is already in flight, so giving up on a failed
// poll would lose track of live capital. Every error leaving this method is
// classified indeterminate; the caller must reconcile before retrying.
func (c *Client) WaitForConfirmation(ctx context.Context, txRef string, timeout time.Duration) (Receipt, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(confirmPollInterval)
	defer ticker.Stop()

	var pollErr error
	for {
		receipt, found, err := c.getReceipt(ctx, txRef)
		if err != nil {
			pollErr = err
		} else if found {
			return receipt, nil
		}

		if time.Now().After(deadline) {
			if pollErr != nil {
				return Receipt{}, domain.Classify(domain.ClassIndeterminate,
					fmt.Errorf("dexrouter: confirmation of %s unavailable: %w", txRef, pollErr))
			}
			return Receipt{}, domain.Classify(domain.ClassIndeterminate,
				fmt.Errorf("dexrouter: confirmation of %s not observed within %s", txRef, timeout))
		}

		select {
		case <-ctx.Done():
			return Receipt{}, domain.Classify(domain.ClassIndeterminate,
				fmt.Errorf("dexrouter: confirmation of %s interrupted: %w", txRef, ctx.Err()))
		case <-ticker.C:
		}
	}
}

// GetPrices returns the current native-unit price per token for a batch of
// token IDs. Tokens the venue cannot price are absent from the result.
func (c *Client) GetPrices(ctx context.Context, tokenIDs []string) (map[string]float64, error) {
	if len(tokenIDs) == 0 {
		return map[string]float64{}, nil
	}

	params := url.Values{}
	params.Set("tokens", strings.Join(tokenIDs, ","))

	body, err := c.doGet(ctx, "/v1/prices?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("dexrouter: get prices: %w", err)
	}

	var resp struct {
		Prices map[string]float64 `json:"prices"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("dexrouter: decode prices: %w", err)
	}
	return resp.Prices, nil
}

// getReceipt fetches the receipt for a transaction. found is false while the
// transaction is still pending.
func (c *Client) getReceipt(ctx context.Context, txRef string) (Receipt, bool, error) {
	body, err := c.doGet(ctx, "/v1/receipt/"+url.PathEscape(txRef))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Receipt{}, false, nil
		}
		return Receipt{}, false, fmt.Errorf("dexrouter: get receipt %s: %w", txRef, err)
	}

	var resp struct {
		Status  string  `json:"status"` // "pending", "confirmed", "failed"
		Receipt Receipt `json:"receipt"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Receipt{}, false, fmt.Errorf("dexrouter: decode receipt: %w", err)
	}

	switch resp.Status {
	case "pending":
		return Receipt{}, false, nil
	case "confirmed":
		resp.Receipt.Success = true
		return resp.Receipt, true, nil
	case "failed":
		resp.Receipt.Success = false
		return resp.Receipt, true, nil
	default:
		return Receipt{}, false, fmt.Errorf("dexrouter: unknown receipt status %q", resp.Status)
	}
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	return c.do(req)
}

func (c *Client) doPost(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if err := checkHTTPStatus(resp.StatusCode, body); err != nil {
		return nil, err
	}

	return body, nil
}

func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	switch statusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr)
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}
