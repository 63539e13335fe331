package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// HMACAuth holds the credentials required for HMAC-authenticated requests.
// The same scheme serves both the futures venue and the prediction-market
// CLOB; each venue has its own header vocabulary.
type HMACAuth struct {
	Key        string // API key
	Secret     string // API secret (base64-encoded)
	Passphrase string // API passphrase
}

// FuturesHeaders returns the HTTP headers for a futures venue API request.
// The signature is HMAC-SHA256(secret, timestamp+method+path+body) encoded
// as base64; the secret is base64-decoded before use.
//
// Returned header keys:
//   - FUT-ACCESS-KEY
//   - FUT-ACCESS-SIGN
//   - FUT-ACCESS-TIMESTAMP
//   - FUT-ACCESS-PASSPHRASE
func (h *HMACAuth) FuturesHeaders(method, path, body string) map[string]string {
	return h.FuturesHeadersAt(method, path, body, time.Now().Unix())
}

// FuturesHeadersAt is like FuturesHeaders but lets the caller supply the Unix
// timestamp (useful for deterministic testing).
func (h *HMACAuth) FuturesHeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)

	message := ts + method + path + body
	sig := hmacSHA256Base64(h.secretBytes(), message)

	return map[string]string{
		"FUT-ACCESS-KEY":        h.Key,
		"FUT-ACCESS-SIGN":       sig,
		"FUT-ACCESS-TIMESTAMP":  ts,
		"FUT-ACCESS-PASSPHRASE": h.Passphrase,
	}
}

// L2Headers returns the HTTP headers for a prediction-market CLOB L2 request.
// The signing address accompanies the API credentials so the CLOB can match
// the request to the registered account.
//
// Returned header keys:
//   - POLY_ADDRESS
//   - POLY_API_KEY
//   - POLY_TIMESTAMP
//   - POLY_PASSPHRASE
//   - POLY_SIGNATURE
func (h *HMACAuth) L2Headers(address, method, path, body string) map[string]string {
	return h.L2HeadersAt(address, method, path, body, time.Now().Unix())
}

// L2HeadersAt is like L2Headers but lets the caller supply the Unix
// timestamp (useful for deterministic testing).
func (h *HMACAuth) L2HeadersAt(address, method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)

	message := ts + method + path + body
	sig := hmacSHA256Base64(h.secretBytes(), message)

	return map[string]string{
		"POLY_ADDRESS":    address,
		"POLY_API_KEY":    h.Key,
		"POLY_TIMESTAMP":  ts,
		"POLY_PASSPHRASE": h.Passphrase,
		"POLY_SIGNATURE":  sig,
	}
}

// secretBytes base64-decodes the secret. If decoding fails the raw bytes are
// used so the caller gets an obviously-wrong signature rather than a panic.
func (h *HMACAuth) secretBytes() []byte {
	decoded, err := base64.StdEncoding.DecodeString(h.Secret)
	if err != nil {
		return []byte(h.Secret)
	}
	return decoded
}

// hmacSHA256Base64 computes HMAC-SHA256 of message using key and returns the
// result as a base64 standard-encoded string.
func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
