package worker

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"toolforge/ledger"
	"toolforge/models"
)

// RefillWorker periodically applies due credit refills so balances are
// correct even for accounts nobody has looked at in a while. Refills are
// also applied lazily on balance reads; the conditional update in the
// ledger makes the two paths safe to overlap.
type RefillWorker struct {
	db     *gorm.DB
	store  *ledger.Store
	logger *logrus.Entry

	interval  time.Duration
	batchSize int
}

func NewRefillWorker(db *gorm.DB, store *ledger.Store, logger *logrus.Entry) *RefillWorker {
	return &RefillWorker{
		db:        db,
		store:     store,
		logger:    logger,
		interval:  15 * time.Minute,
		batchSize: 500,
	}
}

func (rw *RefillWorker) Start(ctx context.Context) {
	rw.logger.Info("starting refill worker")
	ticker := time.NewTicker(rw.interval)

	for {
		select {
		case <-ticker.C:
			rw.sweep(ctx)
		case <-ctx.Done():
			rw.logger.Info("stopping refill worker")
			ticker.Stop()
			return
		}
	}
}

// sweep finds accounts with an elapsed refill timer and applies their
// refills in batches.
func (rw *RefillWorker) sweep(ctx context.Context) {
	now := time.Now()
	freeDue := now.Add(-ledger.FreeResetInterval)
	proDue := now.Add(-ledger.ProResetInterval)

	var applied, failed int
	var lastID uint
	for {
		var users []models.User
		err := rw.db.WithContext(ctx).
			Select("id").
			Where("id > ?", lastID).
			Where(
				rw.db.Where("free_reset_at IS NULL OR free_reset_at <= ?", freeDue).
					Or("is_pro = ? AND (pro_reset_at IS NULL OR pro_reset_at <= ?)", true, proDue),
			).
			Order("id").
			Limit(rw.batchSize).
			Find(&users).Error
		if err != nil {
			rw.logger.WithError(err).Error("refill sweep query failed")
			return
		}
		if len(users) == 0 {
			break
		}
		lastID = users[len(users)-1].ID

		for _, user := range users {
			free, pro, err := rw.store.ApplyRefills(ctx, user.ID, now)
			if err != nil {
				failed++
				rw.logger.WithError(err).WithField("user_id", user.ID).Warn("refill failed")
				continue
			}
			if free || pro {
				applied++
			}
		}

		if ctx.Err() != nil {
			return
		}
	}

	if applied > 0 || failed > 0 {
		rw.logger.WithFields(logrus.Fields{
			"applied": applied,
			"failed":  failed,
		}).Info("refill sweep finished")
	}
}
