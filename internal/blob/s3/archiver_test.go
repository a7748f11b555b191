package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/roundkeeper/internal/domain"
)

type memWriter struct {
	objects   map[string][]byte
	multipart int
	err       error
}

func (w *memWriter) Put(_ context.Context, path string, data io.Reader, _ string) error {
	if w.err != nil {
		return w.err
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	if w.objects == nil {
		w.objects = map[string][]byte{}
	}
	w.objects[path] = b
	return nil
}

func (w *memWriter) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	w.multipart++
	return w.Put(ctx, path, data, "")
}

type memTicks struct {
	ticks   []domain.TickReport
	deleted []time.Time
}

func (m *memTicks) ListBefore(_ context.Context, before time.Time, _ int) ([]domain.TickReport, error) {
	var out []domain.TickReport
	for _, t := range m.ticks {
		if t.StartedAt.Before(before) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memTicks) DeleteBefore(_ context.Context, before time.Time) (int64, error) {
	m.deleted = append(m.deleted, before)
	var kept []domain.TickReport
	var n int64
	for _, t := range m.ticks {
		if t.StartedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, t)
	}
	m.ticks = kept
	return n, nil
}

type memAudit struct {
	events []string
}

func (a *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	a.events = append(a.events, event)
	return nil
}

func (a *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	return nil, nil
}

var cutoff = time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)

func seedTicks() *memTicks {
	return &memTicks{ticks: []domain.TickReport{
		{ID: "a", StartedAt: cutoff.Add(-2 * time.Hour), Total: 4},
		{ID: "b", StartedAt: cutoff.Add(-time.Hour), Total: 4},
		{ID: "c", StartedAt: cutoff.Add(time.Minute), Total: 4},
	}}
}

func TestArchiveTicks(t *testing.T) {
	w := &memWriter{}
	ticks := seedTicks()
	audit := &memAudit{}

	n, err := NewArchiver(w, ticks, audit).ArchiveTicks(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	body, ok := w.objects["archive/ticks/2026-03-01T030000Z.jsonl"]
	require.True(t, ok)

	var ids []string
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		var r domain.TickReport
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"a", "b"}, ids)

	assert.Equal(t, []string{"archive.ticks"}, audit.events)
	require.Len(t, ticks.ticks, 1)
	assert.Equal(t, "c", ticks.ticks[0].ID)
	assert.Zero(t, w.multipart)
}

func TestArchiveTicksNothingOld(t *testing.T) {
	w := &memWriter{}
	ticks := &memTicks{}
	audit := &memAudit{}

	n, err := NewArchiver(w, ticks, audit).ArchiveTicks(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, w.objects)
	assert.Empty(t, audit.events)
	assert.Empty(t, ticks.deleted)
}

func TestArchiveTicksUploadFailureKeepsRows(t *testing.T) {
	w := &memWriter{err: errors.New("bucket gone")}
	ticks := seedTicks()
	audit := &memAudit{}

	_, err := NewArchiver(w, ticks, audit).ArchiveTicks(context.Background(), cutoff)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket gone")
	assert.Len(t, ticks.ticks, 3)
	assert.Empty(t, ticks.deleted)
	assert.Empty(t, audit.events)
}

func TestEndpointURL(t *testing.T) {
	assert.Equal(t, "https://e2.example.com", endpointURL("https://e2.example.com", false))
	assert.Equal(t, "https://minio:9000", endpointURL("minio:9000", true))
	assert.Equal(t, "http://minio:9000", endpointURL("minio:9000", false))
}
