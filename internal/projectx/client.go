// Package projectx is a client for the ProjectX gateway used by TopstepX:
// token-authenticated REST for orders, history and positions, plus two
// SignalR websocket hubs for market data and account events.
package projectx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"topstepx-trading-bot/internal/market"
)

// Retry configuration for gateway calls.
const (
	maxRetries     = 3
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 5 * time.Second
)

const (
	// BaseURL is the production gateway API.
	BaseURL = "https://api.topstepx.com"
	// MarketHubURL is the market data hub endpoint.
	MarketHubURL = "wss://rtc.topstepx.com/hubs/market"
	// UserHubURL is the account event hub endpoint.
	UserHubURL = "wss://rtc.topstepx.com/hubs/user"
)

// tokenRefreshMargin forces re-authentication this long before the session
// token actually expires.
const tokenRefreshMargin = 10 * time.Minute

// Client talks to the gateway REST API. Safe for concurrent use; the session
// token is refreshed transparently when close to expiry.
type Client struct {
	userName   string
	apiKey     string
	baseURL    string
	httpClient *http.Client

	mu          sync.RWMutex
	token       string
	tokenExpiry time.Time
}

// NewClient creates a gateway client. Authentication happens lazily on the
// first call, or eagerly via Authenticate.
func NewClient(userName, apiKey string) *Client {
	return &Client{
		userName:   strings.TrimSpace(userName),
		apiKey:     strings.TrimSpace(apiKey),
		baseURL:    BaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// NewClientWithBaseURL creates a client against a non-default gateway,
// used by tests with an httptest server.
func NewClientWithBaseURL(userName, apiKey, baseURL string) *Client {
	c := NewClient(userName, apiKey)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

// Authenticate exchanges the API key for a session token. The token's expiry
// is read from its JWT claims; the gateway signs it, we only decode it.
func (c *Client) Authenticate(ctx context.Context) error {
	body, err := json.Marshal(loginRequest{UserName: c.userName, APIKey: c.apiKey})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/Auth/loginKey", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("auth request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("auth returned HTTP %d: %s", resp.StatusCode, string(data))
	}

	var login loginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		return fmt.Errorf("error parsing auth response: %w", err)
	}
	if !login.Success || login.Token == "" {
		return fmt.Errorf("auth rejected (code %d): %s", login.ErrorCode, login.ErrorMessage)
	}

	expiry := tokenExpiry(login.Token)

	c.mu.Lock()
	c.token = login.Token
	c.tokenExpiry = expiry
	c.mu.Unlock()
	return nil
}

// tokenExpiry decodes the exp claim without verifying the signature. A token
// that cannot be decoded gets a conservative fallback lifetime.
func tokenExpiry(token string) time.Time {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err == nil {
		if exp, err := parsed.Claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time
		}
	}
	return time.Now().Add(time.Hour)
}

// Token returns the current session token, authenticating first if needed.
// The hubs use it as their access token.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.RLock()
	token, expiry := c.token, c.tokenExpiry
	c.mu.RUnlock()

	if token != "" && time.Until(expiry) > tokenRefreshMargin {
		return token, nil
	}
	if err := c.Authenticate(ctx); err != nil {
		return "", err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token, nil
}

// post sends an authenticated POST and decodes the response into out,
// retrying transient failures with exponential backoff.
func (c *Client) post(ctx context.Context, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	var lastErr error
	delay := baseRetryDelay
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > maxRetryDelay {
				delay = maxRetryDelay
			}
		}

		token, err := c.Token(ctx)
		if err != nil {
			lastErr = err
			continue
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("%s: %w", path, err)
			continue
		}

		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode == http.StatusUnauthorized:
			// Stale token; force re-auth on the next attempt.
			c.mu.Lock()
			c.token = ""
			c.mu.Unlock()
			lastErr = fmt.Errorf("%s: unauthorized", path)
			continue
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("%s: HTTP %d", path, resp.StatusCode)
			continue
		case resp.StatusCode != http.StatusOK:
			return fmt.Errorf("%s: HTTP %d: %s", path, resp.StatusCode, string(data))
		}

		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("error parsing %s response: %w", path, err)
		}
		return nil
	}
	return fmt.Errorf("%s failed after %d attempts: %w", path, maxRetries+1, lastErr)
}

// SearchAccounts returns the tradable accounts for this login.
func (c *Client) SearchAccounts(ctx context.Context) ([]Account, error) {
	var resp accountSearchResponse
	if err := c.post(ctx, "/api/Account/search", accountSearchRequest{OnlyActiveAccounts: true}, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("account search rejected (code %d): %s", resp.ErrorCode, resp.ErrorMessage)
	}
	return resp.Accounts, nil
}

// PlaceOrder submits an order and returns the broker order id.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) (int64, error) {
	var resp orderResponse
	if err := c.post(ctx, "/api/Order/place", req, &resp); err != nil {
		return 0, err
	}
	if !resp.Success {
		return 0, fmt.Errorf("order rejected (code %d): %s", resp.ErrorCode, resp.ErrorMessage)
	}
	return resp.OrderID, nil
}

// CancelOrder cancels a working order.
func (c *Client) CancelOrder(ctx context.Context, accountID, orderID int64) error {
	var resp apiResponse
	if err := c.post(ctx, "/api/Order/cancel", cancelOrderRequest{AccountID: accountID, OrderID: orderID}, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("cancel rejected (code %d): %s", resp.ErrorCode, resp.ErrorMessage)
	}
	return nil
}

// CloseContract flattens the account's position in a contract at market.
func (c *Client) CloseContract(ctx context.Context, accountID int64, contractID string) error {
	var resp apiResponse
	if err := c.post(ctx, "/api/Position/closeContract", closeContractRequest{AccountID: accountID, ContractID: contractID}, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("close rejected (code %d): %s", resp.ErrorCode, resp.ErrorMessage)
	}
	return nil
}

// SearchOpenPositions returns the broker's view of an account's open positions.
func (c *Client) SearchOpenPositions(ctx context.Context, accountID int64) ([]BrokerPosition, error) {
	var resp positionSearchResponse
	if err := c.post(ctx, "/api/Position/searchOpen", positionSearchRequest{AccountID: accountID}, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("position search rejected (code %d): %s", resp.ErrorCode, resp.ErrorMessage)
	}
	return resp.Positions, nil
}

// RetrieveBars fetches minute bars for a contract over [start, end).
func (c *Client) RetrieveBars(ctx context.Context, contractID string, start, end time.Time, unitNumber, limit int) ([]market.Bar, error) {
	req := retrieveBarsRequest{
		ContractID: contractID,
		Live:       false,
		StartTime:  start,
		EndTime:    end,
		Unit:       UnitMinute,
		UnitNumber: unitNumber,
		Limit:      limit,
	}
	var resp retrieveBarsResponse
	if err := c.post(ctx, "/api/History/retrieveBars", req, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("bar retrieval rejected (code %d): %s", resp.ErrorCode, resp.ErrorMessage)
	}

	bars := make([]market.Bar, 0, len(resp.Bars))
	for _, b := range resp.Bars {
		bars = append(bars, market.Bar{
			Timestamp: b.Timestamp,
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		})
	}
	// The gateway returns newest-first; profile computation wants oldest-first.
	for i, j := 0, len(bars)-1; i < j; i, j = i+1, j-1 {
		bars[i], bars[j] = bars[j], bars[i]
	}
	return bars, nil
}

// SearchContracts looks up tradable contracts by symbol text.
func (c *Client) SearchContracts(ctx context.Context, searchText string) ([]Contract, error) {
	var resp contractSearchResponse
	if err := c.post(ctx, "/api/Contract/search", contractSearchRequest{SearchText: searchText, Live: false}, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("contract search rejected (code %d): %s", resp.ErrorCode, resp.ErrorMessage)
	}
	return resp.Contracts, nil
}
