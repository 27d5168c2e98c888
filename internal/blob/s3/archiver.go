package s3blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"time"

	"github.com/alanyoungcy/probebot/internal/domain"
)

// Source is one local append-only file copied to the bucket on each pass.
type Source struct {
	Kind string // object prefix, e.g. "ledger" or "fills"
	Path string
}

// Archiver snapshots local JSONL files into the bucket under
// archive/<kind>/<YYYY-MM-DD>.jsonl. The day's object is overwritten on each
// pass so it always holds the file as of the latest run.
type Archiver struct {
	writer  domain.BlobWriter
	sources []Source
	logger  *slog.Logger
	now     func() time.Time
}

func NewArchiver(writer domain.BlobWriter, sources []Source, logger *slog.Logger) *Archiver {
	return &Archiver{
		writer:  writer,
		sources: sources,
		logger:  logger.With(slog.String("component", "archiver")),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// ObjectKey returns the key a file of the given kind is archived under on day.
func ObjectKey(kind string, day time.Time) string {
	return path.Join("archive", kind, day.UTC().Format("2006-01-02")+".jsonl")
}

// ArchiveOnce uploads every source that exists and is non-empty. It returns
// the number of objects written; a failing source does not stop the others.
func (a *Archiver) ArchiveOnce(ctx context.Context) (int, error) {
	day := a.now()
	var (
		written int
		errs    []error
	)
	for _, src := range a.sources {
		data, err := os.ReadFile(src.Path)
		if errors.Is(err, fs.ErrNotExist) || (err == nil && len(data) == 0) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("s3blob: read %s: %w", src.Path, err))
			continue
		}
		key := ObjectKey(src.Kind, day)
		if err := a.writer.Put(ctx, key, bytes.NewReader(data), "application/x-ndjson"); err != nil {
			errs = append(errs, err)
			continue
		}
		written++
		a.logger.Debug("archived file",
			slog.String("kind", src.Kind),
			slog.String("key", key),
			slog.Int("bytes", len(data)),
		)
	}
	return written, errors.Join(errs...)
}

// Run archives every interval until ctx ends, with a final pass on shutdown.
func (a *Archiver) Run(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = 24 * time.Hour
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			a.pass(flushCtx)
			cancel()
			return nil
		case <-ticker.C:
			a.pass(ctx)
		}
	}
}

func (a *Archiver) pass(ctx context.Context) {
	n, err := a.ArchiveOnce(ctx)
	if err != nil {
		a.logger.Warn("archive pass incomplete",
			slog.Int("written", n),
			slog.String("error", err.Error()),
		)
		return
	}
	if n > 0 {
		a.logger.Info("archive pass complete", slog.Int("written", n))
	}
}
