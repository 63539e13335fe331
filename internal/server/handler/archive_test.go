package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/hedgesettle/internal/domain"
)

type fakeArchiveLister struct {
	infos    []domain.BlobInfo
	err      error
	prefixes []string
}

func (f *fakeArchiveLister) List(ctx context.Context, prefix string) ([]domain.BlobInfo, error) {
	f.prefixes = append(f.prefixes, prefix)
	return f.infos, f.err
}

func TestListArchives(t *testing.T) {
	lister := &fakeArchiveLister{infos: []domain.BlobInfo{
		{Path: "archive/audit/2026-06.jsonl", Size: 1024, LastModified: time.Date(2026, 7, 1, 3, 0, 0, 0, time.UTC)},
		{Path: "archive/audit/2026-07.jsonl", Size: 2048, LastModified: time.Date(2026, 8, 1, 3, 0, 0, 0, time.UTC)},
	}}
	h := NewArchiveHandler(lister, discardLogger())

	rec := httptest.NewRecorder()
	h.ListArchives(rec, httptest.NewRequest(http.MethodGet, "/api/archives", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var resp listArchivesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Archives, 2)
	assert.Equal(t, "archive/audit/2026-06.jsonl", resp.Archives[0].Path)

	assert.Equal(t, []string{"archive/audit/"}, lister.prefixes)
}

func TestListArchivesEmpty(t *testing.T) {
	h := NewArchiveHandler(&fakeArchiveLister{}, discardLogger())

	rec := httptest.NewRecorder()
	h.ListArchives(rec, httptest.NewRequest(http.MethodGet, "/api/archives", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"archives":[]}`, rec.Body.String())
}

func TestListArchivesStorageNotConfigured(t *testing.T) {
	h := NewArchiveHandler(nil, discardLogger())

	rec := httptest.NewRecorder()
	h.ListArchives(rec, httptest.NewRequest(http.MethodGet, "/api/archives", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "not configured")
}

func TestListArchivesStorageError(t *testing.T) {
	lister := &fakeArchiveLister{err: errors.New("s3 timeout")}
	h := NewArchiveHandler(lister, discardLogger())

	rec := httptest.NewRecorder()
	h.ListArchives(rec, httptest.NewRequest(http.MethodGet, "/api/archives", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "failed to list archives")
}
