package ledger

import (
	"context"
	"time"

	"gorm.io/gorm"

	"toolforge/models"
)

// ApplyRefills runs both time-based top-ups for one account: the weekly free
// reset and, for PRO accounts, the monthly paid top-up. It is invoked on
// every login and explicit refresh and is a side-effecting no-op when neither
// window is due.
//
// Idempotency under concurrent invocation (two tabs refreshing at once) comes
// from the conditional UPDATEs: the timer comparison and the balance write
// are a single statement, so only one caller can win a given window.
func (s *Store) ApplyRefills(ctx context.Context, userID uint, now time.Time) (freeApplied, proApplied bool, err error) {
	freeApplied, err = s.applyWeeklyFree(ctx, userID, now)
	if err != nil {
		return false, false, err
	}

	proApplied, err = s.applyMonthlyPro(ctx, userID, now)
	if err != nil {
		return freeApplied, false, err
	}

	if freeApplied || proApplied {
		if _, err := s.Refresh(ctx, userID); err != nil {
			s.Logger.WithError(err).WithField("user_id", userID).Warn("refresh after refill failed")
		}
	}
	return freeApplied, proApplied, nil
}

// applyWeeklyFree resets the free bucket to the weekly allotment when the
// last reset is at least a week old (or has never happened). The reset is
// unconditional on plan: PRO accounts get it too.
func (s *Store) applyWeeklyFree(ctx context.Context, userID uint, now time.Time) (bool, error) {
	cutoff := now.Add(-FreeResetInterval)

	var applied bool
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var before models.User
		if err := tx.Select("free_credits").First(&before, userID).Error; err != nil {
			return err
		}

		res := tx.Model(&models.User{}).
			Where("id = ? AND (free_reset_at IS NULL OR free_reset_at <= ?)", userID, cutoff).
			Updates(map[string]interface{}{
				"free_credits":  WeeklyFreeAllotment,
				"free_reset_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil // window not due, or another caller won it
		}

		applied = true
		txn := models.CreditTransaction{
			UserID:      userID,
			Amount:      WeeklyFreeAllotment - before.FreeCredits,
			FreeDelta:   WeeklyFreeAllotment - before.FreeCredits,
			Kind:        models.TransactionKindRefill,
			Description: "Weekly free credit refill",
		}
		return tx.Create(&txn).Error
	})
	return applied, err
}

// applyMonthlyPro adds the monthly allotment to the paid bucket for PRO
// accounts whose last top-up is at least a month old. The top-up is additive:
// unused paid credits from the prior period are kept.
func (s *Store) applyMonthlyPro(ctx context.Context, userID uint, now time.Time) (bool, error) {
	cutoff := now.Add(-ProResetInterval)

	var applied bool
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.User{}).
			Where("id = ? AND is_pro = ? AND (pro_reset_at IS NULL OR pro_reset_at <= ?)", userID, true, cutoff).
			Updates(map[string]interface{}{
				"paid_credits": gorm.Expr("paid_credits + ?", MonthlyProAllotment),
				"pro_reset_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return nil
		}

		applied = true
		txn := models.CreditTransaction{
			UserID:      userID,
			Amount:      MonthlyProAllotment,
			PaidDelta:   MonthlyProAllotment,
			Kind:        models.TransactionKindRefill,
			Description: "PRO monthly credit top-up",
		}
		return tx.Create(&txn).Error
	})
	return applied, err
}
