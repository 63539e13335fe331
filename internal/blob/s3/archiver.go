package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/alanyoungcy/hedgesettle/internal/domain"
)

// ArchiveImpl implements domain.Archiver by exporting settled-strategy audit
// history to JSONL objects in S3, one object per calendar month of entry
// creation.
//
// Exported rows are never deleted from the primary store here; removal is a
// separate operator step taken after the archive has been verified. Because
// nothing is removed, every run re-reads the full history before the cutoff
// and rewrites the monthly objects, so a lost or corrupted object heals on
// the next run.
type ArchiveImpl struct {
	writer domain.BlobWriter
	audit  domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, audit domain.AuditStore) *ArchiveImpl {
	return &ArchiveImpl{
		writer: writer,
		audit:  audit,
	}
}

var _ domain.Archiver = (*ArchiveImpl)(nil)

// ArchiveAudit queries all audit entries before the cutoff that belong to
// terminal strategies, serializes them to JSONL grouped by calendar month,
// and uploads one object per month at archive/audit/YYYY-MM.jsonl. The
// archival itself is recorded as a system-level audit event and the count of
// exported entries is returned.
func (a *ArchiveImpl) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.audit.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	months := make(map[string][]domain.AuditEntry)
	for _, e := range entries {
		month := e.CreatedAt.UTC().Format("2006-01")
		months[month] = append(months[month], e)
	}

	keys := make([]string, 0, len(months))
	for month := range months {
		keys = append(keys, month)
	}
	sort.Strings(keys)

	paths := make([]string, 0, len(keys))
	for _, month := range keys {
		buf, err := marshalJSONL(months[month])
		if err != nil {
			return 0, fmt.Errorf("s3blob: archive audit marshal %s: %w", month, err)
		}

		path := archivePath(month)
		if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
			return 0, fmt.Errorf("s3blob: archive audit upload %s: %w", path, err)
		}
		paths = append(paths, path)
	}

	count := int64(len(entries))

	if err := a.audit.Log(ctx, "", "archive.audit", map[string]any{
		"paths":  paths,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive audit log: %w", err)
	}

	return count, nil
}

// archivePath builds the S3 key for one month's audit archive.
//
//	archive/audit/2026-07.jsonl
func archivePath(month string) string {
	return fmt.Sprintf("archive/audit/%s.jsonl", month)
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
