package retention

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jetsmx/opsrelay/pkg/models"
)

// LocalFileArchiver writes expired audit records as JSONL files under a
// local directory, one file per archive write:
//
//	{basePath}/audit/2026-08-30T15-04-05Z.jsonl[.gz]
type LocalFileArchiver struct {
	basePath string
	compress bool
}

// NewLocalFileArchiver creates a file-based archiver. If basePath is empty,
// it defaults to "/var/lib/opsrelay/archive".
func NewLocalFileArchiver(basePath string, compress bool) *LocalFileArchiver {
	if basePath == "" {
		basePath = "/var/lib/opsrelay/archive"
	}
	return &LocalFileArchiver{basePath: basePath, compress: compress}
}

func (a *LocalFileArchiver) ArchiveAuditEvents(_ context.Context, events []models.AuditEvent) (string, error) {
	dir := filepath.Join(a.basePath, "audit")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	filename := time.Now().UTC().Format("2006-01-02T15-04-05.000Z") + ".jsonl"
	if a.compress {
		filename += ".gz"
	}
	fpath := filepath.Join(dir, filename)

	f, err := os.Create(fpath)
	if err != nil {
		return "", fmt.Errorf("create archive file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	if a.compress {
		gw := gzip.NewWriter(f)
		defer gw.Close()
		enc = json.NewEncoder(gw)
	}

	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return "", fmt.Errorf("encode audit event %s: %w", e.ID, err)
		}
	}

	log.Debug().
		Str("path", fpath).
		Int("count", len(events)).
		Msg("archived audit events to local file")

	return fpath, nil
}
