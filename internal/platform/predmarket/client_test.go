package predmarket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/hedgesettle/internal/crypto"
	"github.com/alanyoungcy/hedgesettle/internal/domain"
)

// Well-known throwaway key (Hardhat account #0).
const (
	testKeyHex  = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testKeyAddr = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func testSigner(t *testing.T) *crypto.Signer {
	t.Helper()
	s, err := crypto.NewSigner(testKeyHex, 137)
	require.NoError(t, err)
	return s
}

func testAuth() *crypto.HMACAuth {
	return &crypto.HMACAuth{
		Key:        "test-key",
		Secret:     "dGVzdC1zZWNyZXQ=",
		Passphrase: "test-pass",
	}
}

func testSpec() domain.OrderSpec {
	return domain.OrderSpec{
		IdempotencyKey: "strat-1:market",
		MarketID:       "mkt-1",
		TokenID:        "123456789",
		Side:           "buy",
		Size:           decimal.RequireFromString("495"),
		LimitPrice:     decimal.RequireFromString("0.55"),
	}
}

func TestSubmitPostsSignedOrder(t *testing.T) {
	var gotBody map[string]any
	var gotHeaders http.Header

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/order", r.URL.Path)
		gotHeaders = r.Header.Clone()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(APIOrderResult{Success: true, OrderID: "ord-1", Status: "live"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testSigner(t), testAuth())
	ref, err := c.Submit(context.Background(), testSpec())
	require.NoError(t, err)
	assert.Equal(t, "ord-1", ref)

	assert.Equal(t, "strat-1:market", gotBody["clientOrderId"], "idempotency key must ride as clientOrderId")
	assert.Equal(t, testKeyAddr, gotBody["owner"])
	assert.Equal(t, "GTC", gotBody["orderType"], "a limit price makes a resting order")

	order, ok := gotBody["order"].(map[string]any)
	require.True(t, ok, "order envelope missing")
	assert.Equal(t, "123456789", order["tokenID"])
	assert.Equal(t, "495000000", order["makerAmount"], "495 collateral at 6 decimals")
	assert.Equal(t, "900000000", order["takerAmount"], "495 / 0.55 = 900 tokens at 6 decimals")
	assert.Equal(t, "BUY", order["side"])
	assert.Equal(t, testKeyAddr, order["maker"])
	assert.NotEmpty(t, order["signature"])
	assert.NotEmpty(t, order["salt"])

	for _, h := range []string{"POLY_ADDRESS", "POLY_API_KEY", "POLY_TIMESTAMP", "POLY_PASSPHRASE", "POLY_SIGNATURE"} {
		assert.NotEmpty(t, gotHeaders.Get(h), "missing auth header %s", h)
	}
	assert.Equal(t, testKeyAddr, gotHeaders.Get("POLY_ADDRESS"))
}

func TestSubmitIsDeterministicPerIdempotencyKey(t *testing.T) {
	var orders []map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		orders = append(orders, body["order"].(map[string]any))
		json.NewEncoder(w).Encode(APIOrderResult{Success: true, OrderID: "ord-1"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testSigner(t), testAuth())
	_, err := c.Submit(context.Background(), testSpec())
	require.NoError(t, err)
	_, err = c.Submit(context.Background(), testSpec())
	require.NoError(t, err)

	require.Len(t, orders, 2)
	assert.Equal(t, orders[0]["salt"], orders[1]["salt"], "same key must produce the same salt")
	assert.Equal(t, orders[0]["signature"], orders[1]["signature"], "a retry must sign the byte-identical order")

	other := testSpec()
	other.IdempotencyKey = "strat-2:market"
	_, err = c.Submit(context.Background(), other)
	require.NoError(t, err)
	require.Len(t, orders, 3)
	assert.NotEqual(t, orders[0]["salt"], orders[2]["salt"], "different keys must produce different salts")
}

func TestSubmitMarketOrderBoundsTokensAtParity(t *testing.T) {
	var gotBody map[string]any

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(APIOrderResult{Success: true, OrderID: "ord-fok"})
	}))
	defer srv.Close()

	spec := testSpec()
	spec.LimitPrice = decimal.Zero

	c := NewClient(srv.URL, testSigner(t), testAuth())
	_, err := c.Submit(context.Background(), spec)
	require.NoError(t, err)

	assert.Equal(t, "FOK", gotBody["orderType"])
	order := gotBody["order"].(map[string]any)
	assert.Equal(t, order["makerAmount"], order["takerAmount"], "price cap 1.0: tokens out never below collateral in")
}

func TestSubmitRejectsSellSide(t *testing.T) {
	c := NewClient("http://unused", testSigner(t), testAuth())

	spec := testSpec()
	spec.Side = "sell"
	_, err := c.Submit(context.Background(), spec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only buy orders")
}

func TestSubmitShouldRetryIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(APIOrderResult{Success: false, ErrorMsg: "matching engine busy", ShouldRetry: true})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testSigner(t), testAuth())
	_, err := c.Submit(context.Background(), testSpec())
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err), "shouldRetry must map to a transient error: %v", err)
}

func TestSubmitRejectionIsNotTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(APIOrderResult{Success: false, ErrorMsg: "not enough balance"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testSigner(t), testAuth())
	_, err := c.Submit(context.Background(), testSpec())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not enough balance")
	assert.False(t, domain.IsTransient(err))
}

func TestPositionMapsOrderStatus(t *testing.T) {
	tests := []struct {
		status string
		open   bool
		filled bool
	}{
		{status: "live", open: false, filled: false},
		{status: "matched", open: true, filled: true},
		{status: "closed", open: false, filled: true},
		{status: "cancelled", open: false, filled: false},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/order/ord-1", r.URL.Path)
				json.NewEncoder(w).Encode(APIOrder{
					ID:          "ord-1",
					Status:      tt.status,
					SizeMatched: "900",
					Price:       "0.55",
				})
			}))
			defer srv.Close()

			c := NewClient(srv.URL, testSigner(t), testAuth())
			report, err := c.Position(context.Background(), "ord-1")
			require.NoError(t, err)
			assert.Equal(t, tt.open, report.Open, "open mismatch for status %s", tt.status)
			assert.Equal(t, tt.filled, report.Filled, "filled mismatch for status %s", tt.status)
		})
	}
}

func TestCloseReturnsReceipt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/order/ord-1/close", r.URL.Path)
		json.NewEncoder(w).Encode(APICloseResult{
			Success:     true,
			OrderID:     "ord-1",
			Proceeds:    "490",
			RealizedPnl: "-5",
			ClosedAt:    "2026-03-10T14:05:00Z",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testSigner(t), testAuth())
	receipt, err := c.Close(context.Background(), "ord-1")
	require.NoError(t, err)

	assert.Equal(t, "ord-1", receipt.VenueRef)
	assert.True(t, receipt.RealizedPnL.Equal(decimal.RequireFromString("-5")), "pnl = %s", receipt.RealizedPnL)
	assert.True(t, receipt.ReturnedAmount.Equal(decimal.RequireFromString("490")), "proceeds = %s", receipt.ReturnedAmount)
}

func TestRateLimitIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testSigner(t), testAuth())
	_, err := c.Position(context.Background(), "ord-1")
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err), "429 must be retryable: %v", err)
}

func TestOrderUpdateParsing(t *testing.T) {
	msg := WSOrderMessage{
		EventType:   "order",
		ID:          "ord-1",
		Status:      "matched",
		SizeMatched: "900",
		Timestamp:   "1757512800",
	}

	u := msg.ToOrderUpdate()
	assert.Equal(t, "ord-1", u.OrderID)
	assert.Equal(t, "matched", u.Status)
	assert.True(t, u.SizeMatched.Equal(decimal.RequireFromString("900")))
	assert.Equal(t, int64(1757512800), u.Timestamp.Unix())
}
