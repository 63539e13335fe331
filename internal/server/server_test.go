package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/hedgesettle/internal/domain"
	"github.com/alanyoungcy/hedgesettle/internal/server/handler"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubReader struct{}

func (stubReader) GetStatus(ctx context.Context, id string) (domain.StrategyStatus, error) {
	return domain.StrategyStatus{ID: id, State: domain.StateFuturesOpen}, nil
}

func (stubReader) List(ctx context.Context, states []domain.State, opts domain.ListOpts) ([]domain.StrategyStatus, error) {
	return []domain.StrategyStatus{}, nil
}

func (stubReader) Audit(ctx context.Context, id string, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	return []domain.AuditEntry{}, nil
}

type stubAborter struct{ calls int }

func (a *stubAborter) Abort(ctx context.Context, id, reason string) error {
	a.calls++
	return nil
}

type stubArchives struct{}

func (stubArchives) List(ctx context.Context, prefix string) ([]domain.BlobInfo, error) {
	return []domain.BlobInfo{}, nil
}

func newTestServer(t *testing.T, apiKey string, aborter handler.Aborter) *Server {
	t.Helper()
	logger := discardLogger()
	return NewServer(
		Config{Port: 0, APIKey: apiKey},
		Handlers{
			Health:     handler.NewHealthHandler(logger),
			Strategies: handler.NewStrategyHandler(stubReader{}, aborter, logger),
			Archives:   handler.NewArchiveHandler(stubArchives{}, logger),
		},
		nil, // no WebSocket hub
		nil, // no rate limiter
		logger,
	)
}

func TestReadRoutesAreOpen(t *testing.T) {
	srv := newTestServer(t, "secret-key", nil)

	for _, path := range []string{
		"/api/health",
		"/api/strategies",
		"/api/strategies/strat-1",
		"/api/strategies/strat-1/audit",
	} {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, "GET %s should not require auth", path)
	}
}

func TestOperatorRoutesRequireAuth(t *testing.T) {
	aborter := &stubAborter{}
	srv := newTestServer(t, "secret-key", aborter)

	// Without credentials.
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/strategies/strat-1/abort", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, aborter.calls)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/archives", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	// Bearer token.
	req := httptest.NewRequest(http.MethodPost, "/api/strategies/strat-1/abort", nil)
	req.Header.Set("Authorization", "Bearer secret-key")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, aborter.calls)

	// X-API-Key header.
	req = httptest.NewRequest(http.MethodGet, "/api/archives", nil)
	req.Header.Set("X-API-Key", "secret-key")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestOperatorRoutesRejectWrongKey(t *testing.T) {
	srv := newTestServer(t, "secret-key", &stubAborter{})

	req := httptest.NewRequest(http.MethodGet, "/api/archives", nil)
	req.Header.Set("X-API-Key", "wrong-key")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthDisabledWithoutKey(t *testing.T) {
	srv := newTestServer(t, "", &stubAborter{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/archives", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, "secret-key", nil)

	req := httptest.NewRequest(http.MethodOptions, "/api/strategies", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://dash.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestUnknownRoute(t *testing.T) {
	srv := newTestServer(t, "", nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/nope", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
