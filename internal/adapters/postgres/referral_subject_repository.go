package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type referralSubjectRepository struct {
	db *gorm.DB
}

func (r *referralSubjectRepository) GetByCode(ctx context.Context, code string) (domain.ReferralSubject, error) {
	var row referralSubjectModel
	err := r.db.WithContext(ctx).Where("referral_code = ?", code).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ReferralSubject{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ReferralSubject{}, err
	}
	return domain.ReferralSubject{
		SubjectID:    row.SubjectID,
		ReferralCode: row.ReferralCode,
		Points:       row.Points,
		CreatedAt:    row.CreatedAt,
	}, nil
}

// Upsert assigns a code to a subject. Points are never touched here.
func (r *referralSubjectRepository) Upsert(ctx context.Context, subject domain.ReferralSubject) error {
	now := time.Now().UTC()
	created := subject.CreatedAt.UTC()
	if created.IsZero() {
		created = now
	}
	row := referralSubjectModel{
		SubjectID:    subject.SubjectID,
		ReferralCode: subject.ReferralCode,
		CreatedAt:    created,
		UpdatedAt:    now,
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "subject_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"referral_code", "updated_at"}),
	}).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: referral code %q belongs to another subject", domain.ErrInvalidInput, subject.ReferralCode)
	}
	return err
}
