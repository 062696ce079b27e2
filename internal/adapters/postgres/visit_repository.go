package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/domain"
	"github.com/viralforge/mesh/services/trust-compliance/M98-referral-click-guard/internal/ports"
	"gorm.io/gorm"
)

type visitRepository struct {
	db *gorm.DB
}

func (r *visitRepository) CreateWithOutbox(ctx context.Context, visit domain.Visit, event ports.OutboxEvent) error {
	flags := visit.Flags
	if flags == nil {
		flags = []string{}
	}
	rawFlags, err := json.Marshal(flags)
	if err != nil {
		return fmt.Errorf("encode visit flags: %w", err)
	}
	row := referralVisitModel{
		VisitID:            visit.VisitID,
		SubjectID:          visit.SubjectID,
		ReferralCode:       visit.ReferralCode,
		DeviceID:           visit.Visitor.DeviceID,
		DeviceFingerprint:  visit.Visitor.DeviceFingerprint,
		BrowserFingerprint: visit.Visitor.BrowserFingerprint,
		SourceAddress:      visit.Visitor.SourceAddress,
		UserAgent:          visit.UserAgent,
		Flags:              string(rawFlags),
		RewardEligible:     visit.RewardEligible,
		CreatedAt:          visit.CreatedAt.UTC(),
	}
	outbox := outboxRow(event)
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return tx.Create(&outbox).Error
	})
}
