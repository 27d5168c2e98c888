package s3blob

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memWriter struct {
	mu      sync.Mutex
	objects map[string]string
	fail    string
}

func (m *memWriter) Put(_ context.Context, key string, data io.Reader, _ string) error {
	if key == m.fail {
		return errors.New("boom")
	}
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.objects == nil {
		m.objects = map[string]string{}
	}
	m.objects[key] = string(b)
	return nil
}

func TestObjectKey(t *testing.T) {
	day := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, "archive/ledger/2026-03-01.jsonl", ObjectKey("ledger", day))
}

func TestArchiveOnce(t *testing.T) {
	dir := t.TempDir()
	ledger := filepath.Join(dir, "ledger.jsonl")
	fills := filepath.Join(dir, "fills.jsonl")
	empty := filepath.Join(dir, "empty.jsonl")
	require.NoError(t, os.WriteFile(ledger, []byte("{\"event\":\"open\"}\n"), 0o644))
	require.NoError(t, os.WriteFile(fills, []byte("{\"fill\":1}\n"), 0o644))
	require.NoError(t, os.WriteFile(empty, nil, 0o644))

	w := &memWriter{}
	a := NewArchiver(w, []Source{
		{Kind: "ledger", Path: ledger},
		{Kind: "fills", Path: fills},
		{Kind: "empty", Path: empty},
		{Kind: "missing", Path: filepath.Join(dir, "nope.jsonl")},
	}, slog.New(slog.DiscardHandler))
	a.now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }

	n, err := a.ArchiveOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "{\"event\":\"open\"}\n", w.objects["archive/ledger/2026-03-01.jsonl"])
	assert.Contains(t, w.objects, "archive/fills/2026-03-01.jsonl")
}

func TestArchiveOnceContinuesPastFailure(t *testing.T) {
	dir := t.TempDir()
	a1 := filepath.Join(dir, "a.jsonl")
	b1 := filepath.Join(dir, "b.jsonl")
	require.NoError(t, os.WriteFile(a1, []byte("a\n"), 0o644))
	require.NoError(t, os.WriteFile(b1, []byte("b\n"), 0o644))

	w := &memWriter{fail: "archive/a/2026-03-01.jsonl"}
	a := NewArchiver(w, []Source{{Kind: "a", Path: a1}, {Kind: "b", Path: b1}}, slog.New(slog.DiscardHandler))
	a.now = func() time.Time { return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC) }

	n, err := a.ArchiveOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "b\n", w.objects["archive/b/2026-03-01.jsonl"])
}

func TestWithScheme(t *testing.T) {
	assert.Equal(t, "https://minio:9000", withScheme("minio:9000", true))
	assert.Equal(t, "http://minio:9000", withScheme("minio:9000", false))
	assert.Equal(t, "https://s3.example.com", withScheme("https://s3.example.com", false))
}
