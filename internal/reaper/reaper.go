// Package reaper recovers sessions stranded in an in-flight status by a
// crashed worker. Every gate transition stamps the status time; any in-flight
// row older than the lease has no live owner and is force-reset to ERROR so
// an operator (or a retry) can act on it.
package reaper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/openmir/prearchive/internal/metrics"
	"github.com/openmir/prearchive/internal/model"
	"github.com/openmir/prearchive/internal/store"
)

// Reaper runs the periodic sweep.
type Reaper struct {
	store store.Store
	lease time.Duration
	log   *zap.Logger
	cron  *cron.Cron
}

// New constructs a Reaper with the given lease duration.
func New(st store.Store, lease time.Duration, log *zap.Logger) *Reaper {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reaper{store: st, lease: lease, log: log}
}

// Start schedules the sweep with a cron expression (e.g. "@every 10m") and
// runs until Stop.
func (r *Reaper) Start(schedule string) error {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := r.Sweep(ctx); err != nil {
			r.log.Error("reaper sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule reaper: %w", err)
	}
	c.Start()
	r.cron = c
	return nil
}

// Stop halts the schedule, waiting for a running sweep to finish.
func (r *Reaper) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// Sweep force-resets every in-flight session whose lease has expired and
// returns how many were reset.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-r.lease)
	stale, err := r.store.FindStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("find stale sessions: %w", err)
	}
	reset := 0
	for _, rec := range stale {
		msg := fmt.Sprintf("reset from stuck status %s (no activity since %s)",
			rec.Status, rec.StatusTime.Format(time.RFC3339))
		if err := r.store.ForceStatus(ctx, rec.Key, model.StatusError, msg); err != nil {
			r.log.Error("reset stale session", zap.String("session", rec.Key.String()), zap.Error(err))
			continue
		}
		metrics.ReaperResets.Inc()
		reset++
		r.log.Warn("reset stale in-flight session",
			zap.String("session", rec.Key.String()), zap.String("was", string(rec.Status)))
	}
	return reset, nil
}
