// Package predmarket is the adapter for the prediction-market CLOB on the
// market chain. Orders are EIP-712 signed and carry the caller's idempotency
// key, so a retried submission resolves to the originally placed order. The
// market leg buys outcome tokens sized from the bridged collateral and
// unwinds them through the venue's close endpoint after resolution.
package predmarket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/hedgesettle/internal/crypto"
	"github.com/alanyoungcy/hedgesettle/internal/domain"
)

const venueName = "predmarket"

const zeroAddress = "0x0000000000000000000000000000000000000000"

// tokenDecimals is the fixed-point scale of the exchange: collateral and
// outcome tokens both carry six decimals on the wire.
const tokenDecimals = 6

// EIP-712 order side values.
const (
	sideBuy  = 0
	sideSell = 1
)

// Client is the REST client for the prediction-market CLOB API. It handles
// signed order placement, position queries, and position unwinding.
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     *crypto.Signer
	hmacAuth   *crypto.HMACAuth
	limiter    domain.RateLimiter
}

var _ domain.VenueAdapter = (*Client)(nil)

// NewClient creates a CLOB REST client.
//
// baseURL is the CLOB API root. signer is the EIP-712 signer for order
// signatures and auth messages. hmac is the HMAC authenticator for API
// requests; pass nil and call DeriveAPIKey to obtain one from the venue.
func NewClient(baseURL string, signer *crypto.Signer, hmac *crypto.HMACAuth) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		signer:   signer,
		hmacAuth: hmac,
	}
}

// Name identifies this adapter in logs and error reports.
func (c *Client) Name() string { return venueName }

// SetLimiter attaches a distributed rate limiter; every request then waits
// for a slot under the shared venue key. Call before the first request.
func (c *Client) SetLimiter(l domain.RateLimiter) {
	c.limiter = l
}

// Auth returns the credentials in use: the configured set, or the one
// obtained by DeriveAPIKey. Nil before either happens.
func (c *Client) Auth() *crypto.HMACAuth {
	return c.hmacAuth
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

// Submit signs and places the outcome-token order for a market leg. The salt
// is derived from the idempotency key, so a retry signs the byte-identical
// order and the venue collapses it into the original.
func (c *Client) Submit(ctx context.Context, spec domain.OrderSpec) (string, error) {
	payload, orderType, err := c.buildOrder(spec)
	if err != nil {
		return "", fmt.Errorf("predmarket: build order: %w", err)
	}

	sig, err := c.signer.SignOrder(payload)
	if err != nil {
		return "", fmt.Errorf("predmarket: sign order: %w", err)
	}

	body := map[string]any{
		"order": map[string]any{
			"salt":          payload.Salt,
			"tokenID":       payload.TokenID,
			"makerAmount":   payload.MakerAmount,
			"takerAmount":   payload.TakerAmount,
			"side":          "BUY",
			"feeRateBps":    payload.FeeRateBps,
			"nonce":         payload.Nonce,
			"expiration":    payload.Expiration,
			"signatureType": payload.SignatureType,
			"signature":     sig,
			"maker":         payload.Maker,
			"signer":        payload.Signer,
			"taker":         payload.Taker,
		},
		"owner":         payload.Maker,
		"orderType":     orderType,
		"clientOrderId": spec.IdempotencyKey,
	}

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodPost, "/order", body, "submit")
	if err != nil {
		return "", fmt.Errorf("predmarket: post order: %w", err)
	}

	var result APIOrderResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("predmarket: decode order result: %w", err)
	}
	if !result.Success {
		if result.ShouldRetry {
			return "", &domain.TransientVenueError{
				Venue: venueName,
				Op:    "submit",
				Err:   errors.New(result.ErrorMsg),
			}
		}
		return "", fmt.Errorf("predmarket: order rejected: %s", result.ErrorMsg)
	}

	return result.OrderID, nil
}

// Position reports the state of the order behind a venue reference.
func (c *Client) Position(ctx context.Context, venueRef string) (domain.PositionReport, error) {
	path := fmt.Sprintf("/order/%s", venueRef)

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodGet, path, nil, "position")
	if err != nil {
		return domain.PositionReport{}, fmt.Errorf("predmarket: get order %s: %w", venueRef, err)
	}

	var apiOrder APIOrder
	if err := json.Unmarshal(respBody, &apiOrder); err != nil {
		return domain.PositionReport{}, fmt.Errorf("predmarket: decode order: %w", err)
	}

	return apiOrder.ToPositionReport()
}

// Close unwinds the position behind an order: after market resolution the
// venue redeems the held tokens, otherwise it sells them back into the book.
// Closing an already-closed order returns the original receipt.
func (c *Client) Close(ctx context.Context, venueRef string) (domain.CloseReceipt, error) {
	path := fmt.Sprintf("/order/%s/close", venueRef)

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodPost, path, nil, "close")
	if err != nil {
		return domain.CloseReceipt{}, fmt.Errorf("predmarket: close order %s: %w", venueRef, err)
	}

	var result APICloseResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return domain.CloseReceipt{}, fmt.Errorf("predmarket: decode close result: %w", err)
	}
	if !result.Success {
		return domain.CloseReceipt{}, fmt.Errorf("predmarket: close rejected: %s", result.ErrorMsg)
	}

	return result.ToCloseReceipt()
}

// CancelOrder cancels a resting order by its ID. Used when an operator abort
// arrives while the market leg is still unfilled.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	body := map[string]any{
		"orderID": orderID,
	}

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodDelete, "/order", body, "cancel")
	if err != nil {
		return fmt.Errorf("predmarket: cancel order %s: %w", orderID, err)
	}

	var result struct {
		Success  bool   `json:"success"`
		ErrorMsg string `json:"errorMsg"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("predmarket: decode cancel response: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("predmarket: cancel failed: %s", result.ErrorMsg)
	}

	return nil
}

// DeriveAPIKey performs the CLOB auth flow to obtain an HMAC API key. It
// signs a ClobAuth EIP-712 message and sends it with L1 headers to the
// derive-api-key endpoint. On success it populates the client's hmacAuth
// field.
func (c *Client) DeriveAPIKey(ctx context.Context) error {
	address := c.signer.Address().Hex()
	timestamp := time.Now().Unix()
	nonce := int64(0)

	sig, err := c.signer.SignAuthMessage(address, timestamp, nonce)
	if err != nil {
		return fmt.Errorf("predmarket: sign auth message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/derive-api-key", nil)
	if err != nil {
		return fmt.Errorf("predmarket: create auth request: %w", err)
	}
	req.Header.Set("POLY_ADDRESS", address)
	req.Header.Set("POLY_SIGNATURE", sig)
	req.Header.Set("POLY_TIMESTAMP", fmt.Sprintf("%d", timestamp))
	req.Header.Set("POLY_NONCE", fmt.Sprintf("%d", nonce))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("predmarket: auth request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("predmarket: read auth response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("predmarket: auth failed (HTTP %d): %s", resp.StatusCode, string(respBody))
	}

	var authResp struct {
		APIKey     string `json:"apiKey"`
		Secret     string `json:"secret"`
		Passphrase string `json:"passphrase"`
	}
	if err := json.Unmarshal(respBody, &authResp); err != nil {
		return fmt.Errorf("predmarket: decode auth response: %w", err)
	}

	c.hmacAuth = &crypto.HMACAuth{
		Key:        authResp.APIKey,
		Secret:     authResp.Secret,
		Passphrase: authResp.Passphrase,
	}

	return nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// buildOrder derives the signable order payload from a leg spec. Collateral
// in, tokens out, both scaled to the exchange's fixed-point units.
func (c *Client) buildOrder(spec domain.OrderSpec) (crypto.OrderPayload, string, error) {
	if !strings.EqualFold(spec.Side, "buy") {
		return crypto.OrderPayload{}, "", fmt.Errorf("only buy orders are supported, got %q", spec.Side)
	}
	if spec.Size.Sign() <= 0 {
		return crypto.OrderPayload{}, "", fmt.Errorf("order size must be positive, got %s", spec.Size)
	}
	if spec.TokenID == "" {
		return crypto.OrderPayload{}, "", fmt.Errorf("token id is required")
	}

	makerAmount := spec.Size.Shift(tokenDecimals).Truncate(0)

	// Tokens received: collateral / price. A zero limit price takes whatever
	// the book offers, bounded by the worst legal price of 1.0.
	takerAmount := makerAmount
	orderType := "FOK"
	if !spec.LimitPrice.IsZero() {
		takerAmount = spec.Size.Div(spec.LimitPrice).Shift(tokenDecimals).Truncate(0)
		orderType = "GTC"
	}

	maker := c.signer.Address().Hex()
	payload := crypto.OrderPayload{
		Salt:          orderSalt(spec.IdempotencyKey),
		Maker:         maker,
		Signer:        maker,
		Taker:         zeroAddress,
		TokenID:       spec.TokenID,
		MakerAmount:   makerAmount.String(),
		TakerAmount:   takerAmount.String(),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          sideBuy,
		SignatureType: 0,
	}

	return payload, orderType, nil
}

// orderSalt derives the order salt from the idempotency key. The same leg
// always signs the byte-identical order, which lets the venue collapse
// retries into the original placement.
func orderSalt(idempotencyKey string) string {
	h := ethcrypto.Keccak256([]byte(idempotencyKey))
	return new(big.Int).SetBytes(h[:8]).String()
}

// doAuthenticatedRequest builds, signs (HMAC), sends, and reads an HTTP
// request against the CLOB API. It returns the raw response body. Network
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
	if c.hmacAuth != nil {
		address := c.signer.Address().Hex()
		for k, v := range c.hmacAuth.L2Headers(address, method, path, bodyStr) {
			req.Header.Set(k, v)
		}
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
