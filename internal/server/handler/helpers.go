package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/alanyoungcy/hedgesettle/internal/domain"
)

type errorBody struct {
	Error string `json:"error"`
}

// writeJSON sends v with the given status. Marshaling happens before
// the header goes out, so an encoding failure can still turn into a
// clean 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// parseListOpts reads pagination and time-range filters from the query
// string: limit (default 50, capped at 500), offset, and RFC 3339
// since/until bounds on CreatedAt. Malformed values fall back to their
// defaults rather than erroring, so a bad filter degrades to the
// unfiltered list.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()
	return domain.ListOpts{
		Limit:  min(queryInt(q, "limit", 50, 1), 500),
		Offset: queryInt(q, "offset", 0, 0),
		Since:  queryTime(q, "since"),
		Until:  queryTime(q, "until"),
	}
}

// queryInt parses an integer parameter, returning def when the value
// is absent, malformed, or below floor.
func queryInt(q url.Values, name string, def, floor int) int {
	n, err := strconv.Atoi(q.Get(name))
	if err != nil || n < floor {
		return def
	}
	return n
}

func queryTime(q url.Values, name string) *time.Time {
	t, err := time.Parse(time.RFC3339, q.Get(name))
	if err != nil {
		return nil
	}
	return &t
}

// logHandler scopes a logger to one handler for per-endpoint filtering.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
