package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/hedgesettle/internal/domain"
)

// auditArchivePrefix matches the object keys the archive job writes.
const auditArchivePrefix = "archive/audit/"

// ArchiveLister lists objects in cold storage under a key prefix.
type ArchiveLister interface {
	List(ctx context.Context, prefix string) ([]domain.BlobInfo, error)
}

// ArchiveHandler serves the audit archive inventory.
type ArchiveHandler struct {
	blobs  ArchiveLister
	logger *slog.Logger
}

// NewArchiveHandler creates an ArchiveHandler. blobs may be nil when object
// storage is not configured.
func NewArchiveHandler(blobs ArchiveLister, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{
		blobs:  blobs,
		logger: logHandler(logger, "archive"),
	}
}

// listArchivesResponse wraps the list of archive objects.
type listArchivesResponse struct {
	Archives []domain.BlobInfo `json:"archives"`
}

// ListArchives returns the audit archive objects currently in cold storage.
// GET /api/archives
func (h *ArchiveHandler) ListArchives(w http.ResponseWriter, r *http.Request) {
	if h.blobs == nil {
		writeError(w, http.StatusServiceUnavailable, "archive storage is not configured")
		return
	}

	infos, err := h.blobs.List(r.Context(), auditArchivePrefix)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list archives failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list archives")
		return
	}

	if infos == nil {
		infos = []domain.BlobInfo{}
	}

	writeJSON(w, http.StatusOK, listArchivesResponse{Archives: infos})
}
