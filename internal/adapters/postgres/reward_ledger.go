package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/domain"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/ports"
	"gorm.io/gorm"
)

type rewardLedger struct {
	db *gorm.DB
}

// Credit writes the ledger row, bumps the owner's points and enqueues the
// grant event in one transaction. The unique visit_id makes a second credit
// for the same visit fail with domain.ErrAlreadyCredited.
func (r *rewardLedger) Credit(ctx context.Context, credit domain.RewardCredit, event ports.OutboxEvent) error {
	if credit.Amount <= 0 {
		return fmt.Errorf("%w: credit amount must be positive", domain.ErrInvalidInput)
	}
	row := rewardLedgerModel{
		CreditID:  credit.CreditID,
		SubjectID: credit.SubjectID,
		VisitID:   credit.VisitID,
		Amount:    credit.Amount,
		Platform:  credit.Platform,
		CreatedAt: credit.CreatedAt.UTC(),
	}
	outbox := outboxRow(event)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		res := tx.Model(&referralSubjectModel{}).
			Where("subject_id = ?", credit.SubjectID).
			Updates(map[string]any{
				"points":     gorm.Expr("points + ?", credit.Amount),
				"updated_at": row.CreatedAt,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrNotFound
		}
		return tx.Create(&outbox).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return domain.ErrAlreadyCredited
	}
	return err
}
