package postgres

import (
	"context"
	"time"

	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type identityHistoryRepository struct {
	db *gorm.DB
}

// Upsert keeps one row per (subject, device id). A conflicting write refreshes
// the fingerprints, address and last_seen while first_seen stays put.
func (r *identityHistoryRepository) Upsert(ctx context.Context, subjectID string, signals domain.IdentitySignals) error {
	at := signals.ObservedAt.UTC()
	row := identityHistoryModel{
		SubjectID:          subjectID,
		DeviceID:           signals.DeviceID,
		DeviceFingerprint:  signals.DeviceFingerprint,
		BrowserFingerprint: signals.BrowserFingerprint,
		SourceAddress:      signals.SourceAddress,
		FirstSeen:          at,
		LastSeen:           at,
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "subject_id"}, {Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"device_fingerprint",
			"browser_fingerprint",
			"source_address",
			"last_seen",
		}),
	}).Create(&row).Error
}

func (r *identityHistoryRepository) ListSince(ctx context.Context, subjectID string, since time.Time, limit int) ([]domain.IdentityHistory, error) {
	q := r.db.WithContext(ctx).
		Where("subject_id = ?", subjectID).
		Where("last_seen >= ?", since.UTC()).
		Order("last_seen DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []identityHistoryModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.IdentityHistory, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.IdentityHistory{
			SubjectID: row.SubjectID,
			Signals: domain.IdentitySignals{
				DeviceID:           row.DeviceID,
				DeviceFingerprint:  row.DeviceFingerprint,
				BrowserFingerprint: row.BrowserFingerprint,
				SourceAddress:      row.SourceAddress,
				ObservedAt:         row.LastSeen,
			},
			FirstSeen: row.FirstSeen,
			LastSeen:  row.LastSeen,
		})
	}
	return out, nil
}

func (r *identityHistoryRepository) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Where("last_seen < ?", cutoff.UTC()).Delete(&identityHistoryModel{})
	return res.RowsAffected, res.Error
}

func (r *identityHistoryRepository) Stats(ctx context.Context, now, cutoff time.Time) (domain.IdentityStats, error) {
	var row struct {
		TotalRows        int64
		DistinctSubjects int64
		Active7d         int64 `gorm:"column:active_7d"`
		Active30d        int64 `gorm:"column:active_30d"`
		Expired          int64
	}
	err := r.db.WithContext(ctx).Raw(`SELECT
		COUNT(*) AS total_rows,
		COUNT(DISTINCT subject_id) AS distinct_subjects,
		COUNT(*) FILTER (WHERE last_seen >= ?) AS active_7d,
		COUNT(*) FILTER (WHERE last_seen >= ?) AS active_30d,
		COUNT(*) FILTER (WHERE last_seen < ?) AS expired
		FROM identity_history`,
		now.Add(-7*24*time.Hour).UTC(),
		now.Add(-30*24*time.Hour).UTC(),
		cutoff.UTC(),
	).Scan(&row).Error
	if err != nil {
		return domain.IdentityStats{}, err
	}
	return domain.IdentityStats{
		TotalRows:        row.TotalRows,
		DistinctSubjects: row.DistinctSubjects,
		Active7d:         row.Active7d,
		Active30d:        row.Active30d,
		Expired:          row.Expired,
	}, nil
}

func (r *identityHistoryRepository) MultiDeviceSubjects(ctx context.Context, moreThan, limit int) ([]domain.MultiDeviceSubject, error) {
	var rows []struct {
		SubjectID   string
		DeviceCount int64
	}
	q := r.db.WithContext(ctx).
		Model(&identityHistoryModel{}).
		Select("subject_id, COUNT(*) AS device_count").
		Group("subject_id").
		Having("COUNT(*) > ?", moreThan).
		Order("device_count DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.MultiDeviceSubject, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.MultiDeviceSubject{SubjectID: row.SubjectID, DeviceCount: row.DeviceCount})
	}
	return out, nil
}
