package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"toolforge/models"
)

// Credit allotments and cadences
const (
	WeeklyFreeAllotment = 5
	MonthlyProAllotment = 100
	ProStartingGrant    = 100

	FreeResetInterval = 7 * 24 * time.Hour
	ProResetInterval  = 30 * 24 * time.Hour
)

var (
	// ErrInsufficientCredits is expected and user-facing; it is not logged
	// as an error.
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidAmount       = errors.New("amount must be positive")
	ErrAccountNotFound     = errors.New("account not found")

	// errConflict signals a lost compare-and-set race; the operation is
	// retried from a fresh read.
	errConflict = errors.New("concurrent balance update")
)

const (
	snapshotKeyPrefix = "credits:"
	snapshotTTL       = 5 * time.Minute

	casAttempts = 3
)

// Snapshot is the balance contract consumed by every page that gates an
// action on sufficient credits.
type Snapshot struct {
	FreeCredits  int  `json:"free_credits"`
	PaidCredits  int  `json:"paid_credits"`
	TotalCredits int  `json:"total_credits"`
	IsPro        bool `json:"is_pro"`
}

// EventRef carries payment-provider identifiers into the transaction trail.
type EventRef struct {
	EventID   string
	SessionID string
	PriceID   string
}

// Store is the single source of truth for account balances. All credit
// mutations go through it; the redis snapshot cache is disposable and is
// republished by Refresh whenever the store cannot trust its local view.
type Store struct {
	DB     *gorm.DB
	RDB    *redis.Client
	Logger *logrus.Entry
}

func NewStore(db *gorm.DB, rdb *redis.Client, logger *logrus.Entry) *Store {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Store{DB: db, RDB: rdb, Logger: logger}
}

// Deduct atomically removes amount credits from the account, drawing from
// free credits before paid credits. The sufficiency check and the balance
// write are one guarded UPDATE, so two concurrent deducts can never both
// succeed on a balance that only covers one.
//
// Returns ErrInsufficientCredits with no mutation when the balance does not
// cover the amount. Any other failure aborts the whole operation and forces
// a Refresh so the next caller starts from ground truth.
func (s *Store) Deduct(ctx context.Context, userID uint, amount int, action string) (*Snapshot, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	var snap *Snapshot
	var err error
	for attempt := 0; attempt < casAttempts; attempt++ {
		snap, err = s.tryDeduct(ctx, userID, amount, action)
		if !errors.Is(err, errConflict) {
			break
		}
	}
	if err != nil {
		if errors.Is(err, ErrInsufficientCredits) {
			return nil, err
		}
		// The local view cannot be trusted after a structural failure;
		// resynchronize before handing control back.
		s.Logger.WithError(err).WithField("user_id", userID).Error("deduct failed, forcing refresh")
		if _, rerr := s.Refresh(ctx, userID); rerr != nil {
			s.Logger.WithError(rerr).WithField("user_id", userID).Warn("post-deduct refresh failed")
		}
		return nil, err
	}

	s.publishSnapshot(ctx, userID, snap)
	return snap, nil
}

func (s *Store) tryDeduct(ctx context.Context, userID uint, amount int, action string) (*Snapshot, error) {
	var snap Snapshot
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := tx.First(&user, userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAccountNotFound
			}
			return err
		}

		if user.FreeCredits+user.PaidCredits < amount {
			return ErrInsufficientCredits
		}

		fromFree := amount
		if fromFree > user.FreeCredits {
			fromFree = user.FreeCredits
		}
		fromPaid := amount - fromFree

		// Compare-and-set on the balance we read. A lost race rolls the
		// whole transaction back and retries from a fresh read.
		res := tx.Model(&models.User{}).
			Where("id = ? AND free_credits = ? AND paid_credits = ?",
				user.ID, user.FreeCredits, user.PaidCredits).
			Updates(map[string]interface{}{
				"free_credits": user.FreeCredits - fromFree,
				"paid_credits": user.PaidCredits - fromPaid,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errConflict
		}

		txn := models.CreditTransaction{
			UserID:      user.ID,
			Amount:      -amount,
			FreeDelta:   -fromFree,
			PaidDelta:   -fromPaid,
			Kind:        models.TransactionKindUsage,
			Action:      action,
			Description: fmt.Sprintf("Used %d credits for %s", amount, action),
		}
		if err := tx.Create(&txn).Error; err != nil {
			return err
		}

		snap = Snapshot{
			FreeCredits:  user.FreeCredits - fromFree,
			PaidCredits:  user.PaidCredits - fromPaid,
			TotalCredits: user.FreeCredits + user.PaidCredits - amount,
			IsPro:        user.IsPro,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// Grant adds credits to the paid bucket. Purchases and PRO top-ups always
// land in the non-expiring bucket; the grant is additive, never an
// overwrite. Duplicate suppression is the caller's concern.
func (s *Store) Grant(ctx context.Context, userID uint, amount int, kind, description string, ref EventRef) (*Snapshot, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	var snap Snapshot
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.User{}).
			Where("id = ?", userID).
			Update("paid_credits", gorm.Expr("paid_credits + ?", amount))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAccountNotFound
		}

		var user models.User
		if err := tx.First(&user, userID).Error; err != nil {
			return err
		}

		txn := models.CreditTransaction{
			UserID:          user.ID,
			Amount:          amount,
			PaidDelta:       amount,
			Kind:            kind,
			Description:     description,
			StripeEventID:   ref.EventID,
			StripeSessionID: ref.SessionID,
			StripePriceID:   ref.PriceID,
		}
		if err := tx.Create(&txn).Error; err != nil {
			return err
		}

		snap = Snapshot{
			FreeCredits:  user.FreeCredits,
			PaidCredits:  user.PaidCredits,
			TotalCredits: user.FreeCredits + user.PaidCredits,
			IsPro:        user.IsPro,
		}
		return nil
	})
	if err != nil {
		s.Logger.WithError(err).WithField("user_id", userID).Error("grant failed, forcing refresh")
		if _, rerr := s.Refresh(ctx, userID); rerr != nil {
			s.Logger.WithError(rerr).WithField("user_id", userID).Warn("post-grant refresh failed")
		}
		return nil, err
	}

	s.publishSnapshot(ctx, userID, &snap)
	return &snap, nil
}

// ActivatePro turns the PRO flag on. A first activation sets the paid bucket
// to the starting grant outright; a renewal adds the monthly allotment on
// top of whatever paid credits the account already holds.
func (s *Store) ActivatePro(ctx context.Context, userID uint, firstActivation bool, ref EventRef) (*Snapshot, error) {
	var snap *Snapshot
	var err error
	for attempt := 0; attempt < casAttempts; attempt++ {
		snap, err = s.tryActivatePro(ctx, userID, firstActivation, ref)
		if !errors.Is(err, errConflict) {
			break
		}
	}
	if err != nil {
		return nil, err
	}

	s.publishSnapshot(ctx, userID, snap)
	return snap, nil
}

func (s *Store) tryActivatePro(ctx context.Context, userID uint, firstActivation bool, ref EventRef) (*Snapshot, error) {
	var snap Snapshot
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := tx.First(&user, userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrAccountNotFound
			}
			return err
		}

		now := time.Now()
		updates := map[string]interface{}{
			"is_pro":       true,
			"pro_reset_at": &now,
		}

		var txn models.CreditTransaction
		if firstActivation {
			updates["paid_credits"] = ProStartingGrant
			txn = models.CreditTransaction{
				UserID:      user.ID,
				Amount:      ProStartingGrant - user.PaidCredits,
				PaidDelta:   ProStartingGrant - user.PaidCredits,
				Kind:        models.TransactionKindProActivation,
				Description: fmt.Sprintf("PRO activated, paid balance set to %d", ProStartingGrant),
			}
			snap.PaidCredits = ProStartingGrant
		} else {
			updates["paid_credits"] = user.PaidCredits + MonthlyProAllotment
			txn = models.CreditTransaction{
				UserID:      user.ID,
				Amount:      MonthlyProAllotment,
				PaidDelta:   MonthlyProAllotment,
				Kind:        models.TransactionKindProRenewal,
				Description: fmt.Sprintf("PRO renewal, %d credits added", MonthlyProAllotment),
			}
			snap.PaidCredits = user.PaidCredits + MonthlyProAllotment
		}
		txn.StripeEventID = ref.EventID
		txn.StripeSessionID = ref.SessionID
		txn.StripePriceID = ref.PriceID

		res := tx.Model(&models.User{}).
			Where("id = ? AND paid_credits = ?", user.ID, user.PaidCredits).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errConflict
		}

		if err := tx.Create(&txn).Error; err != nil {
			return err
		}

		snap.FreeCredits = user.FreeCredits
		snap.TotalCredits = snap.FreeCredits + snap.PaidCredits
		snap.IsPro = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// DeactivatePro turns the PRO flag off. Existing paid credits are not
// clawed back, so no transaction row is written.
func (s *Store) DeactivatePro(ctx context.Context, userID uint) error {
	res := s.DB.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Update("is_pro", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAccountNotFound
	}

	if _, err := s.Refresh(ctx, userID); err != nil {
		s.Logger.WithError(err).WithField("user_id", userID).Warn("refresh after PRO deactivation failed")
	}
	return nil
}

// Refresh re-reads authoritative state and republishes it to the cache.
// Used whenever the store cannot be sure its local view is correct.
func (s *Store) Refresh(ctx context.Context, userID uint) (*Snapshot, error) {
	var user models.User
	if err := s.DB.WithContext(ctx).First(&user, userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	snap := &Snapshot{
		FreeCredits:  user.FreeCredits,
		PaidCredits:  user.PaidCredits,
		TotalCredits: user.FreeCredits + user.PaidCredits,
		IsPro:        user.IsPro,
	}
	s.publishSnapshot(ctx, userID, snap)
	return snap, nil
}

// Cached returns the cached snapshot if one exists. Callers must treat it as
// advisory only: it is never authoritative for a decision that mutates state.
func (s *Store) Cached(ctx context.Context, userID uint) (*Snapshot, bool) {
	if s.RDB == nil {
		return nil, false
	}
	raw, err := s.RDB.Get(ctx, snapshotKey(userID)).Result()
	if err != nil {
		return nil, false
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, false
	}
	return &snap, true
}

// publishSnapshot updates the cache; failures are logged and never fatal.
func (s *Store) publishSnapshot(ctx context.Context, userID uint, snap *Snapshot) {
	if s.RDB == nil {
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := s.RDB.Set(ctx, snapshotKey(userID), raw, snapshotTTL).Err(); err != nil {
		s.Logger.WithError(err).WithField("user_id", userID).Warn("failed to update balance cache")
	}
}

func snapshotKey(userID uint) string {
	return fmt.Sprintf("%s%d", snapshotKeyPrefix, userID)
}
