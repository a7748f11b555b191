package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/roundkeeper/internal/domain"
)

const (
	contentTypeJSONL = "application/x-ndjson"
	// Bodies above this go through the multipart uploader.
	multipartThreshold = 16 * 1024 * 1024
)

// TickSource is the part of domain.TickStore the archiver needs.
type TickSource interface {
	ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.TickReport, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// TickArchiver implements domain.Archiver. It writes every tick older than
// the cutoff to one JSONL object, records the upload in the audit log and
// only then deletes the rows.
type TickArchiver struct {
	writer domain.BlobWriter
	ticks  TickSource
	audit  domain.AuditStore
}

var _ domain.Archiver = (*TickArchiver)(nil)

// NewArchiver creates a TickArchiver.
func NewArchiver(writer domain.BlobWriter, ticks TickSource, audit domain.AuditStore) *TickArchiver {
	return &TickArchiver{writer: writer, ticks: ticks, audit: audit}
}

// ArchiveTicks moves ticks started before the cutoff to object storage and
// returns how many rows were archived.
func (a *TickArchiver) ArchiveTicks(ctx context.Context, before time.Time) (int64, error) {
	ticks, err := a.ticks.ListBefore(ctx, before, 0)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive ticks: query: %w", err)
	}
	if len(ticks) == 0 {
		return 0, nil
	}

	body, err := marshalJSONL(ticks)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive ticks: %w", err)
	}

	path := ArchivePath("ticks", before)
	if len(body) > multipartThreshold {
		err = a.writer.PutMultipart(ctx, path, bytes.NewReader(body), MinPartSize)
	} else {
		err = a.writer.Put(ctx, path, bytes.NewReader(body), contentTypeJSONL)
	}
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive ticks: upload: %w", err)
	}

	count := int64(len(ticks))
	if err := a.audit.Log(ctx, "archive.ticks", map[string]any{
		"path":   path,
		"count":  count,
		"bytes":  len(body),
		"before": before.UTC().Format(time.RFC3339),
	}); err != nil {
		return 0, fmt.Errorf("s3blob: archive ticks: audit: %w", err)
	}

	// The cutoff lies in the past, so no new rows can land before it
	// between the list and the delete.
	if _, err := a.ticks.DeleteBefore(ctx, before); err != nil {
		return count, fmt.Errorf("s3blob: archive ticks: delete: %w", err)
	}
	return count, nil
}

// ArchivePath returns the object key for an archive of kind cut at before,
// e.g. archive/ticks/2026-03-01T030000Z.jsonl.
func ArchivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.UTC().Format("2006-01-02T150405Z"))
}

func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
