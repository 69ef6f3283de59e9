// Package retention prunes the append-only audit log. The audit store
// records every processed event, so an unattended deployment grows without
// bound; the janitor sweeps on an interval, optionally archiving expired
// records before deleting them.
//
// Archiving is fail-safe: if the archive write fails, nothing is purged
// that cycle.
package retention

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jetsmx/opsrelay/internal/store"
	"github.com/jetsmx/opsrelay/pkg/models"
)

// DefaultRetention is how long audit records are kept when not configured.
const DefaultRetention = 30 * 24 * time.Hour

// archiveBatchSize is the max records read per archive write.
const archiveBatchSize = 5000

// Archiver persists expired audit records to cold storage before they are
// purged from the hot store.
type Archiver interface {
	ArchiveAuditEvents(ctx context.Context, events []models.AuditEvent) (uri string, err error)
}

// Janitor periodically purges audit events older than the retention window.
type Janitor struct {
	store     store.AuditStore
	interval  time.Duration
	retention time.Duration
	archiver  Archiver // nil means purge without archiving
}

// NewJanitor creates a retention janitor that sweeps on the given interval.
func NewJanitor(s store.AuditStore, interval, retention time.Duration) *Janitor {
	if interval < time.Minute {
		interval = time.Hour
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Janitor{store: s, interval: interval, retention: retention}
}

// SetArchiver enables archive-before-purge with the given backend.
func (j *Janitor) SetArchiver(a Archiver) {
	j.archiver = a
}

// Start runs the janitor loop. It blocks until ctx is canceled.
func (j *Janitor) Start(ctx context.Context) {
	log.Info().
		Dur("interval", j.interval).
		Dur("retention", j.retention).
		Bool("archiving", j.archiver != nil).
		Msg("retention janitor started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("retention janitor stopped")
			return
		case <-ticker.C:
			j.RunCycle(ctx)
		}
	}
}

// RunCycle performs one sweep and returns how many records were purged.
func (j *Janitor) RunCycle(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-j.retention)

	if j.archiver != nil {
		if err := j.archiveExpired(ctx, cutoff); err != nil {
			log.Warn().Err(err).Msg("audit archive failed, skipping purge this cycle")
			return 0
		}
	}

	purged, err := j.store.PruneAuditEvents(ctx, cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("audit prune failed")
		return 0
	}
	if purged > 0 {
		log.Info().
			Int("purged", purged).
			Time("cutoff", cutoff).
			Msg("retention cycle complete")
	}
	return purged
}

// archiveExpired drains expired records to the archiver in batches, walking
// backwards in time so every expired record is written before the purge.
// Returns the first error so the caller can hold off the purge.
func (j *Janitor) archiveExpired(ctx context.Context, cutoff time.Time) error {
	bound := cutoff
	for {
		batch, err := j.store.ListAuditEvents(ctx, models.AuditFilter{
			Before: bound,
			Limit:  archiveBatchSize,
		})
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		uri, err := j.archiver.ArchiveAuditEvents(ctx, batch)
		if err != nil {
			return err
		}
		log.Debug().
			Str("uri", uri).
			Int("count", len(batch)).
			Msg("archived expired audit events")

		if len(batch) < archiveBatchSize {
			return nil
		}
		// Batches come back newest first; the next page is everything older
		// than this batch's oldest record.
		bound = batch[len(batch)-1].CreatedAt
	}
}
