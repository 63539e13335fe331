// Package futures is the REST adapter for the custody-chain perpetual
// futures venue. It implements the hedge leg: submitting the perp order,
// reporting position state, and closing the position at maturity.
package futures

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/alanyoungcy/hedgesettle/internal/crypto"
	"github.com/alanyoungcy/hedgesettle/internal/domain"
)

const venueName = "futures"

// Client is the REST client for the futures venue API. All order-placing
// calls carry the caller's idempotency key as clientOrderId, so repeated
// submissions resolve to the same venue order.
type Client struct {
	baseURL    string
	httpClient *http.Client
	auth       *crypto.HMACAuth
	limiter    domain.RateLimiter
}

var _ domain.VenueAdapter = (*Client)(nil)

// NewClient creates a futures venue client.
//
// baseURL is the venue API root. auth holds the HMAC credentials issued by
// the venue for this account.
func NewClient(baseURL string, auth *crypto.HMACAuth) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		auth: auth,
	}
}

// SetLimiter attaches a distributed rate limiter; every request then waits
// for a slot under the shared venue key. Call before the first request.
func (c *Client) SetLimiter(l domain.RateLimiter) {
	c.limiter = l
}

// throttle blocks until the venue rate limiter grants a slot. Limiter
// infrastructure failures fail open; only context cancellation aborts.
func (c *Client) throttle(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx, "venue:"+venueName); err != nil {
		if ctx.Err() != nil {
			return err
		}
	}
	return nil
}

// Name identifies this adapter in logs and error reports.
func (c *Client) Name() string { return venueName }

// Submit places the perp order for a hedge leg. The venue deduplicates on
// clientOrderId: submitting the same spec again returns the original
// position reference instead of opening a second position.
func (c *Client) Submit(ctx context.Context, spec domain.OrderSpec) (string, error) {
	body := map[string]any{
		"clientOrderId": spec.IdempotencyKey,
		"symbol":        spec.Symbol,
		"side":          spec.Side,
		"size":          spec.Size.String(),
		"leverage":      spec.Leverage,
		"orderType":     "market",
	}
	if !spec.LimitPrice.IsZero() {
		body["orderType"] = "limit"
		body["limitPrice"] = spec.LimitPrice.String()
	}

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodPost, "/api/v1/orders", body, "submit")
	if err != nil {
		return "", fmt.Errorf("futures: submit order: %w", err)
	}

	var result APIOrderResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("futures: decode order result: %w", err)
	}
	if !result.Success {
		return "", fmt.Errorf("futures: order rejected: %s", result.ErrorMsg)
	}

	return result.OrderID, nil
}

// Position reports the current state of a position by its venue reference.
func (c *Client) Position(ctx context.Context, venueRef string) (domain.PositionReport, error) {
	path := fmt.Sprintf("/api/v1/positions/%s", venueRef)

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodGet, path, nil, "position")
	if err != nil {
		return domain.PositionReport{}, fmt.Errorf("futures: get position %s: %w", venueRef, err)
	}

	var apiPos APIPosition
	if err := json.Unmarshal(respBody, &apiPos); err != nil {
		return domain.PositionReport{}, fmt.Errorf("futures: decode position: %w", err)
	}

	return apiPos.ToPositionReport()
}

// Close flattens a position and returns the venue's close receipt. Closing
// an already-closed position returns the original receipt, so retries after
// an ambiguous failure are safe.
func (c *Client) Close(ctx context.Context, venueRef string) (domain.CloseReceipt, error) {
	path := fmt.Sprintf("/api/v1/positions/%s/close", venueRef)

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodPost, path, nil, "close")
	if err != nil {
		return domain.CloseReceipt{}, fmt.Errorf("futures: close position %s: %w", venueRef, err)
	}

	var result APICloseResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return domain.CloseReceipt{}, fmt.Errorf("futures: decode close result: %w", err)
	}
	if !result.Success {
		return domain.CloseReceipt{}, fmt.Errorf("futures: close rejected: %s", result.ErrorMsg)
	}

	return result.ToCloseReceipt()
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doAuthenticatedRequest builds, signs (HMAC), sends, and reads an HTTP
// request against the venue API. It returns the raw response body. Network
// failures surface as transient errors; status codes are mapped by
// checkHTTPStatus.
func (c *Client) doAuthenticatedRequest(ctx context.Context, method, path string, body any, op string) ([]byte, error) {
	if err := c.throttle(ctx); err != nil {
		return nil, err
	}

	var bodyReader io.Reader
	var bodyStr string

	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyStr = string(jsonBody)
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	// Apply HMAC authentication headers.
	for k, v := range c.auth.FuturesHeaders(method, path, bodyStr) {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &domain.TransientVenueError{Venue: venueName, Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.TransientVenueError{Venue: venueName, Op: op, Err: err}
	}

	if err := checkHTTPStatus(op, resp.StatusCode, respBody); err != nil {
		return nil, err
	}

	return respBody, nil
}

// checkHTTPStatus maps non-2xx status codes to domain errors. Rate limits
// and server errors are transient; auth failures and rejections are not.
func checkHTTPStatus(op string, statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	bodyStr := string(body)
	switch {
	case statusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, bodyStr)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, bodyStr)
	case statusCode == http.StatusTooManyRequests:
		return &domain.TransientVenueError{
			Venue: venueName,
			Op:    op,
			Err:   fmt.Errorf("%w: %s", domain.ErrRateLimited, bodyStr),
		}
	case statusCode >= 500:
		return &domain.TransientVenueError{
			Venue: venueName,
			Op:    op,
			Err:   fmt.Errorf("HTTP %d: %s", statusCode, bodyStr),
		}
	default:
		return fmt.Errorf("HTTP %d: %s", statusCode, bodyStr)
	}
}
