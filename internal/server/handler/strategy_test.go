package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/hedgesettle/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newStrategyMux registers the handler on real route patterns so path
// parameters resolve the same way they do in the server.
func newStrategyMux(h *StrategyHandler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/strategies", h.ListStrategies)
	mux.HandleFunc("GET /api/strategies/{id}", h.GetStrategy)
	mux.HandleFunc("GET /api/strategies/{id}/audit", h.GetAudit)
	mux.HandleFunc("POST /api/strategies/{id}/abort", h.AbortStrategy)
	return mux
}

type fakeReader struct {
	statuses map[string]domain.StrategyStatus
	list     []domain.StrategyStatus
	listErr  error
	entries  []domain.AuditEntry
	auditErr error

	statesSeen [][]domain.State
	optsSeen   []domain.ListOpts
}

func (f *fakeReader) GetStatus(ctx context.Context, id string) (domain.StrategyStatus, error) {
	s, ok := f.statuses[id]
	if !ok {
		return domain.StrategyStatus{}, domain.ErrNotFound
	}
	return s, nil
}

func (f *fakeReader) List(ctx context.Context, states []domain.State, opts domain.ListOpts) ([]domain.StrategyStatus, error) {
	f.statesSeen = append(f.statesSeen, states)
	f.optsSeen = append(f.optsSeen, opts)
	return f.list, f.listErr
}

func (f *fakeReader) Audit(ctx context.Context, id string, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	if f.auditErr != nil {
		return nil, f.auditErr
	}
	return f.entries, nil
}

type abortCall struct {
	id     string
	reason string
}

type fakeAborter struct {
	err   error
	calls []abortCall
}

func (f *fakeAborter) Abort(ctx context.Context, id, reason string) error {
	f.calls = append(f.calls, abortCall{id: id, reason: reason})
	return f.err
}

func TestListStrategies(t *testing.T) {
	reader := &fakeReader{list: []domain.StrategyStatus{
		{ID: "strat-2", State: domain.StateSettlementCommitted},
		{ID: "strat-1", State: domain.StateFuturesOpen},
	}}
	mux := newStrategyMux(NewStrategyHandler(reader, nil, discardLogger()))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/strategies?limit=5", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp listStrategiesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Strategies, 2)
	assert.Equal(t, 5, resp.Limit)

	require.Len(t, reader.statesSeen, 1)
	assert.Empty(t, reader.statesSeen[0])
}

func TestListStrategiesStateFilter(t *testing.T) {
	reader := &fakeReader{}
	mux := newStrategyMux(NewStrategyHandler(reader, nil, discardLogger()))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/strategies?state=futures_open", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, reader.statesSeen, 1)
	assert.Equal(t, []domain.State{domain.StateFuturesOpen}, reader.statesSeen[0])
}

func TestListStrategiesTimeRange(t *testing.T) {
	reader := &fakeReader{}
	mux := newStrategyMux(NewStrategyHandler(reader, nil, discardLogger()))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/api/strategies?since=2026-08-01T00:00:00Z&until=not-a-time", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, reader.optsSeen, 1)

	opts := reader.optsSeen[0]
	require.NotNil(t, opts.Since)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), opts.Since.UTC())
	assert.Nil(t, opts.Until, "malformed until must be ignored")
}

func TestListStrategiesRejectsUnknownState(t *testing.T) {
	reader := &fakeReader{}
	mux := newStrategyMux(NewStrategyHandler(reader, nil, discardLogger()))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/strategies?state=sideways", nil))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown state")
	assert.Empty(t, reader.statesSeen, "handler must reject before hitting the service")
}

func TestGetStrategy(t *testing.T) {
	reader := &fakeReader{statuses: map[string]domain.StrategyStatus{
		"strat-1": {ID: "strat-1", State: domain.StateMarketOpen},
	}}
	mux := newStrategyMux(NewStrategyHandler(reader, nil, discardLogger()))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/strategies/strat-1", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var status domain.StrategyStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "strat-1", status.ID)
	assert.Equal(t, domain.StateMarketOpen, status.State)
}

func TestGetStrategyNotFound(t *testing.T) {
	mux := newStrategyMux(NewStrategyHandler(&fakeReader{}, nil, discardLogger()))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/strategies/missing", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "strategy not found")
}

func TestGetAudit(t *testing.T) {
	reader := &fakeReader{entries: []domain.AuditEntry{
		{ID: 2, StrategyID: "strat-1", Event: "futures_open"},
		{ID: 1, StrategyID: "strat-1", Event: "purchased"},
	}}
	mux := newStrategyMux(NewStrategyHandler(reader, nil, discardLogger()))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/strategies/strat-1/audit", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp listAuditResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "strat-1", resp.StrategyID)
	assert.Len(t, resp.Entries, 2)
}

func TestGetAuditUnknownStrategy(t *testing.T) {
	reader := &fakeReader{auditErr: domain.ErrNotFound}
	mux := newStrategyMux(NewStrategyHandler(reader, nil, discardLogger()))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/strategies/missing/audit", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAbortStrategy(t *testing.T) {
	aborter := &fakeAborter{}
	mux := newStrategyMux(NewStrategyHandler(&fakeReader{}, aborter, discardLogger()))

	body := strings.NewReader(`{"reason":"bad fill on futures leg"}`)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/strategies/strat-1/abort", body))

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, aborter.calls, 1)
	assert.Equal(t, abortCall{id: "strat-1", reason: "bad fill on futures leg"}, aborter.calls[0])
}

func TestAbortStrategyEmptyBodyGetsDefaultReason(t *testing.T) {
	aborter := &fakeAborter{}
	mux := newStrategyMux(NewStrategyHandler(&fakeReader{}, aborter, discardLogger()))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/strategies/strat-1/abort", nil))

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, aborter.calls, 1)
	assert.Equal(t, "operator abort", aborter.calls[0].reason)
}

func TestAbortStrategyTerminal(t *testing.T) {
	aborter := &fakeAborter{err: domain.ErrTerminal}
	mux := newStrategyMux(NewStrategyHandler(&fakeReader{}, aborter, discardLogger()))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/strategies/strat-1/abort", nil))

	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "already terminal")
}

func TestAbortStrategyNotFound(t *testing.T) {
	aborter := &fakeAborter{err: domain.ErrNotFound}
	mux := newStrategyMux(NewStrategyHandler(&fakeReader{}, aborter, discardLogger()))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/strategies/missing/abort", nil))

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAbortStrategyWithoutOrchestrator(t *testing.T) {
	mux := newStrategyMux(NewStrategyHandler(&fakeReader{}, nil, discardLogger()))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/strategies/strat-1/abort", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAbortStrategyMalformedBody(t *testing.T) {
	aborter := &fakeAborter{}
	mux := newStrategyMux(NewStrategyHandler(&fakeReader{}, aborter, discardLogger()))

	body := strings.NewReader(`{"reason": not json`)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/strategies/strat-1/abort", body))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, aborter.calls)
}
