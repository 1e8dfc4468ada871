package tokensentry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mirrorline/mirrorbot/internal/domain"
)

// Client is the REST client for the token security and liquidity data
// provider. Provider outages degrade to partial reports rather than hard
// failures: any datum the provider cannot supply comes back as a nil field
// and the screener scores it as unknown.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new data provider client.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// reportResponse is the provider's wire format. Pointer fields stay nil when
// the provider omits the datum.
type reportResponse struct {
	TokenID            string   `json:"token_id"`
	MintAuthorityOff   *bool    `json:"mint_authority_off"`
	FreezeAuthorityOff *bool    `json:"freeze_authority_off"`
	LiquidityUSD       *float64 `json:"liquidity_usd"`
	LPLockedPct        *float64 `json:"lp_locked_pct"`
	Top10HolderPct     *float64 `json:"top10_holder_pct"`
	MaxSingleHolderPct *float64 `json:"max_single_holder_pct"`
}

// TokenReport fetches the security and liquidity report for one token. A
// provider error returns an empty report with all fields unknown instead of
// failing the caller; an unreachable provider must not block trading
// decisions, only degrade them.
func (c *Client) TokenReport(ctx context.Context, tokenID string) (domain.TokenReport, error) {
	body, err := c.doGet(ctx, "/v1/report/"+url.PathEscape(tokenID))
	if err != nil {
		return domain.TokenReport{TokenID: tokenID, FetchedAt: time.Now().UTC()}, nil
	}

	var resp reportResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.TokenReport{TokenID: tokenID, FetchedAt: time.Now().UTC()}, nil
	}

	return domain.TokenReport{
		TokenID:            tokenID,
		MintAuthorityOff:   resp.MintAuthorityOff,
		FreezeAuthorityOff: resp.FreezeAuthorityOff,
		LiquidityUSD:       resp.LiquidityUSD,
		LPLockedPct:        resp.LPLockedPct,
		Top10HolderPct:     resp.Top10HolderPct,
		MaxSingleHolderPct: resp.MaxSingleHolderPct,
		FetchedAt:          time.Now().UTC(),
	}, nil
}

// Simulate runs the provider's transfer simulation for a token and reports
// whether the simulated buy could be sold back. Unlike TokenReport, errors
// propagate: levels that require this check treat an inconclusive simulation
// as a failure.
func (c *Client) Simulate(ctx context.Context, tokenID string) (bool, error) {
	body, err := c.doGet(ctx, "/v1/simulate/"+url.PathEscape(tokenID))
	if err != nil {
		return false, fmt.Errorf("tokensentry: simulate %s: %w", tokenID, err)
	}

	var resp struct {
		Sellable bool `json:"sellable"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return false, fmt.Errorf("tokensentry: decode simulation: %w", err)
	}
	return resp.Sellable, nil
}

func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: %s", domain.ErrRateLimited, string(body))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}

var _ domain.HoneypotChecker = (*Client)(nil)
