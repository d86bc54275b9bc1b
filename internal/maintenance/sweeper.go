// Package maintenance runs the periodic housekeeping sweep: grant expiry,
// chat retention and audit pruning.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/methings/agentd/internal/store"
)

const (
	DefaultSchedule = "*/5 * * * *"

	chatPerSessionKeep = 400
	chatGlobalKeep     = 4000
	auditRetention     = 14 * 24 * time.Hour
	grantRetention     = 14 * 24 * time.Hour
)

// Sweeper walks the retention policies on a cron schedule.
type Sweeper struct {
	store    store.Store
	schedule string
	cron     *gronx.Gronx
	log      *slog.Logger
}

// New validates the cron expression and returns a sweeper. An empty schedule
// falls back to the default.
func New(s store.Store, schedule string) (*Sweeper, error) {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	cron := gronx.New()
	if !cron.IsValid(schedule) {
		return nil, fmt.Errorf("invalid maintenance schedule %q", schedule)
	}
	return &Sweeper{
		store:    s,
		schedule: schedule,
		cron:     cron,
		log:      slog.With("component", "maintenance"),
	}, nil
}

// Run blocks until ctx is done, checking the schedule once a minute.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			due, err := s.cron.IsDue(s.schedule, now)
			if err != nil || !due {
				continue
			}
			s.Sweep(now)
		}
	}
}

// Sweep runs one pass. Individual failures are logged, not fatal; the next
// pass retries.
func (s *Sweeper) Sweep(now time.Time) {
	expired, err := s.store.ExpireOverduePermissions(now)
	if err != nil {
		s.log.Warn("grant expiry failed", "error", err)
	}

	trimmed, err := s.store.TrimChat(chatPerSessionKeep, chatGlobalKeep)
	if err != nil {
		s.log.Warn("chat trim failed", "error", err)
	}

	auditDropped, err := s.store.DeleteAuditBefore(now.Add(-auditRetention))
	if err != nil {
		s.log.Warn("audit prune failed", "error", err)
	}

	grantsDropped, err := s.store.DeletePermissionsBefore(now.Add(-grantRetention))
	if err != nil {
		s.log.Warn("grant prune failed", "error", err)
	}

	if _, err := s.store.AppendAudit("maintenance_sweep", map[string]interface{}{
		"expired_grants": expired,
		"trimmed_chat":   trimmed,
		"audit_dropped":  auditDropped,
		"grants_dropped": grantsDropped,
	}); err != nil {
		s.log.Warn("sweep audit failed", "error", err)
	}
	s.log.Debug("sweep complete",
		"expired_grants", expired, "trimmed_chat", trimmed,
		"audit_dropped", auditDropped, "grants_dropped", grantsDropped)
}
