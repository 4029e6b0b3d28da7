package backup

import (
	"context"
	"errors"
	"time"

	"github.com/samber/lo"
)

// ExpireBackups enforces a schedule's retention window: every COMPLETED backup of
// the schedule started more than retentionDays ago has its artifact and key
// deleted and is marked EXPIRED. A failure on one backup does not stop the others;
// all failures are returned joined. A non-positive window keeps everything.
func (m *Manager) ExpireBackups(ctx context.Context, scheduleID string, retentionDays int) ([]*Backup, error) {
	if retentionDays <= 0 {
		return nil, nil
	}
	if scheduleID == "" {
		return nil, NewValidationError("retention requires a schedule id", nil)
	}

	cutoff := m.clock.Now().UTC().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	candidates, err := m.store.ListBackups(ctx, BackupFilter{
		ScheduleID:    scheduleID,
		Status:        BackupStatusCompleted,
		StartedBefore: &cutoff,
	})
	if err != nil {
		return nil, err
	}
	candidates = lo.Filter(candidates, func(b *Backup, _ int) bool {
		return b.Status == BackupStatusCompleted && b.StartedAt.Before(cutoff)
	})

	var expired []*Backup
	var errs []error
	for _, b := range candidates {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := m.expire(ctx, b, "retention", "retention window elapsed"); err != nil {
			m.logger.WithFields(map[string]interface{}{
				"backup_id":   b.ID,
				"schedule_id": scheduleID,
				"error":       err.Error(),
			}).Warn("Failed to expire backup")
			errs = append(errs, err)
			continue
		}
		expired = append(expired, b)
	}

	if len(expired) > 0 {
		m.logger.WithFields(map[string]interface{}{
			"schedule_id":    scheduleID,
			"expired":        len(expired),
			"retention_days": retentionDays,
		}).Info("Retention enforced")
	}
	return expired, errors.Join(errs...)
}
