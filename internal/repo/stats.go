// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate/statistics queries over
// the job table, used for operational visibility (status gauges exported by
// the dispatch loop). Each function is context-aware and safe to call from
// services or handlers.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-publish-backend/internal/domain"
)

// JobStatusCounts returns the number of publish jobs per status across all
// tenants. Statuses with no rows are absent from the map.
func JobStatusCounts(ctx context.Context, db *gorm.DB) (map[domain.JobStatus]int64, error) {
	var rows []struct {
		Status domain.JobStatus
		N      int64
	}
	err := db.WithContext(ctx).
		Model(&domain.PublishJob{}).
		Select("status, COUNT(*) AS n").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make(map[domain.JobStatus]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

// OldestDueAge returns how long the oldest still-scheduled due job has been
// waiting past its scheduled time, or zero when nothing is overdue. A growing
// value means the scan loop is falling behind.
func OldestDueAge(ctx context.Context, db *gorm.DB, now time.Time) (time.Duration, error) {
	var row struct {
		ScheduledAt time.Time
	}
	res := db.WithContext(ctx).
		Model(&domain.PublishJob{}).
		Select("scheduled_at").
		Where("status = ? AND scheduled_at <= ?", domain.StatusScheduled, now).
		Order("scheduled_at ASC").
		Limit(1).
		Scan(&row)
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, nil
	}
	return now.Sub(row.ScheduledAt), nil
}
