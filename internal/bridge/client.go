// Package bridge is the adapter for the cross-chain bridge relayer. The
// relayer moves collateral between the custody chain and the market chain;
// this client initiates transfers and polls their delivery status, with an
// optional tracker short-circuit fed by on-chain delivery events.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/hedgesettle/internal/domain"
)

// APITransfer is a transfer record as returned by the relayer API.
type APITransfer struct {
	TransferID      string `json:"transferId"`
	Status          string `json:"status"` // "pending", "delivered", "failed"
	DeliveredAmount string `json:"deliveredAmount,omitempty"`
	Reason          string `json:"reason,omitempty"`
}

// ToBridgeStatus converts an APITransfer to the domain status.
func (t *APITransfer) ToBridgeStatus() (domain.BridgeStatus, error) {
	status := domain.BridgeStatus{
		DeliveredAmount: decimal.Zero,
		Reason:          t.Reason,
	}

	switch t.Status {
	case "delivered":
		status.Delivered = true
	case "failed":
		status.Failed = true
	}

	if t.DeliveredAmount != "" {
		amount, err := decimal.NewFromString(t.DeliveredAmount)
		if err != nil {
			return domain.BridgeStatus{}, fmt.Errorf("bridge: parse delivered amount %q: %w", t.DeliveredAmount, err)
		}
		status.DeliveredAmount = amount
	}

	return status, nil
}

// apiError is the relayer's error envelope.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Client is the REST client for the bridge relayer API. The relayer
// deduplicates on clientTransferId: initiating with a repeated key returns
// the existing transfer's reference.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	tracker    *DeliveryTracker
}

var _ domain.BridgeAdapter = (*Client)(nil)

// NewClient creates a relayer client.
//
// baseURL is the relayer API root. apiKey authenticates every request.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetTracker attaches a delivery tracker. When set, Poll consults it before
// calling the relayer, so deliveries observed on-chain resolve immediately.
func (c *Client) SetTracker(t *DeliveryTracker) {
	c.tracker = t
}

// Initiate asks the relayer to start a transfer and returns its reference.
func (c *Client) Initiate(ctx context.Context, req domain.TransferRequest) (string, error) {
	body := map[string]any{
		"clientTransferId": req.IdempotencyKey,
		"direction":        string(req.Direction),
		"amount":           req.Amount.String(),
		"sourceChain":      req.SourceChain,
		"destChain":        req.DestChain,
		"destAddress":      req.DestAddress,
	}

	respBody, err := c.doRequest(ctx, http.MethodPost, "/v1/transfers", body, "initiate")
	if err != nil {
		return "", fmt.Errorf("bridge: initiate transfer: %w", err)
	}

	var transfer APITransfer
	if err := json.Unmarshal(respBody, &transfer); err != nil {
		return "", fmt.Errorf("bridge: decode transfer: %w", err)
	}
	if transfer.TransferID == "" {
		return "", fmt.Errorf("bridge: relayer returned no transfer id")
	}

	return transfer.TransferID, nil
}

// Poll reports the latest observed state of a transfer. An on-chain delivery
// recorded in the tracker wins over the relayer's view.
func (c *Client) Poll(ctx context.Context, bridgeRef string) (domain.BridgeStatus, error) {
	if c.tracker != nil {
		if amount, ok := c.tracker.Lookup(bridgeRef); ok {
			return domain.BridgeStatus{Delivered: true, DeliveredAmount: amount}, nil
		}
	}

	path := fmt.Sprintf("/v1/transfers/%s", bridgeRef)
	respBody, err := c.doRequest(ctx, http.MethodGet, path, nil, "poll")
	if err != nil {
		return domain.BridgeStatus{}, fmt.Errorf("bridge: poll transfer %s: %w", bridgeRef, err)
	}

	var transfer APITransfer
	if err := json.Unmarshal(respBody, &transfer); err != nil {
		return domain.BridgeStatus{}, fmt.Errorf("bridge: decode transfer: %w", err)
	}

	return transfer.ToBridgeStatus()
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doRequest builds, sends, and reads an HTTP request against the relayer
// API. Network failures surface as transient errors; status codes are
// mapped by checkStatus.
func (c *Client) doRequest(ctx context.Context, method, path string, body any, op string) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &domain.TransientBridgeError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.TransientBridgeError{Op: op, Err: err}
	}

	if err := checkStatus(op, resp.StatusCode, respBody); err != nil {
		return nil, err
	}

	return respBody, nil
}

// checkStatus maps non-2xx status codes to domain errors. Rate limits and
// server errors are transient; everything else is not.
func checkStatus(op string, statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}

	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.Message
	if msg == "" {
		msg = string(body)
	}

	switch {
	case statusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, msg)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, msg)
	case statusCode == http.StatusTooManyRequests || statusCode >= 500:
		return &domain.TransientBridgeError{
			Op:  op,
			Err: fmt.Errorf("HTTP %d: %s", statusCode, msg),
		}
	default:
		return fmt.Errorf("HTTP %d: %s (%s)", statusCode, msg, apiErr.Code)
	}
}
