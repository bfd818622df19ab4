package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"toolforge/models"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	// Per-test in-memory database to avoid cross-test interference
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// A single connection serializes writers the way the production
	// database would.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.CreditTransaction{},
	))
	return db
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(openTestDB(t), nil, nil)
}

func seedUser(t *testing.T, db *gorm.DB, free, paid int, isPro bool) *models.User {
	t.Helper()
	user := models.User{
		Email:        fmt.Sprintf("%s@example.com", t.Name()),
		PasswordHash: "x",
		FreeCredits:  free,
		PaidCredits:  paid,
		IsPro:        isPro,
	}
	require.NoError(t, db.Create(&user).Error)
	return &user
}

func reload(t *testing.T, db *gorm.DB, id uint) *models.User {
	t.Helper()
	var user models.User
	require.NoError(t, db.First(&user, id).Error)
	return &user
}

func countTransactions(t *testing.T, db *gorm.DB, userID uint) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&models.CreditTransaction{}).
		Where("user_id = ?", userID).Count(&n).Error)
	return n
}

func TestDeductDrawsFreeFirst(t *testing.T) {
	store := newTestStore(t)
	user := seedUser(t, store.DB, 5, 10, false)

	snap, err := store.Deduct(context.Background(), user.ID, 3, "tool_run")
	require.NoError(t, err)
	require.Equal(t, 2, snap.FreeCredits)
	require.Equal(t, 10, snap.PaidCredits)
	require.Equal(t, 12, snap.TotalCredits)

	got := reload(t, store.DB, user.ID)
	require.Equal(t, 2, got.FreeCredits)
	require.Equal(t, 10, got.PaidCredits)
}

func TestDeductSpillsIntoPaid(t *testing.T) {
	store := newTestStore(t)
	user := seedUser(t, store.DB, 2, 10, false)

	snap, err := store.Deduct(context.Background(), user.ID, 5, "audit_unlock")
	require.NoError(t, err)
	require.Equal(t, 0, snap.FreeCredits)
	require.Equal(t, 7, snap.PaidCredits)

	var txn models.CreditTransaction
	require.NoError(t, store.DB.Where("user_id = ?", user.ID).First(&txn).Error)
	require.Equal(t, -5, txn.Amount)
	require.Equal(t, -2, txn.FreeDelta)
	require.Equal(t, -3, txn.PaidDelta)
	require.Equal(t, models.TransactionKindUsage, txn.Kind)
	require.Equal(t, "audit_unlock", txn.Action)
}

func TestDeductInsufficientLeavesBalanceUntouched(t *testing.T) {
	store := newTestStore(t)
	user := seedUser(t, store.DB, 0, 3, false)

	_, err := store.Deduct(context.Background(), user.ID, 50, "audit_unlock")
	require.ErrorIs(t, err, ErrInsufficientCredits)

	got := reload(t, store.DB, user.ID)
	require.Equal(t, 0, got.FreeCredits)
	require.Equal(t, 3, got.PaidCredits)
	require.EqualValues(t, 0, countTransactions(t, store.DB, user.ID))
}

func TestDeductRejectsNonPositiveAmount(t *testing.T) {
	store := newTestStore(t)
	user := seedUser(t, store.DB, 5, 0, false)

	_, err := store.Deduct(context.Background(), user.ID, 0, "tool_run")
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = store.Deduct(context.Background(), user.ID, -3, "tool_run")
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestDeductUnknownAccount(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Deduct(context.Background(), 9999, 1, "tool_run")
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestConcurrentDeductsOnlyOneSucceeds(t *testing.T) {
	store := newTestStore(t)
	user := seedUser(t, store.DB, 0, 10, false)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.Deduct(context.Background(), user.ID, 10, "project_boost")
		}(i)
	}
	wg.Wait()

	var succeeded, insufficient int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case err == ErrInsufficientCredits:
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	require.Equal(t, 1, succeeded)
	require.Equal(t, 1, insufficient)

	got := reload(t, store.DB, user.ID)
	require.Equal(t, 0, got.PaidCredits)
	require.EqualValues(t, 1, countTransactions(t, store.DB, user.ID))
}

func TestGrantIsAdditive(t *testing.T) {
	store := newTestStore(t)
	user := seedUser(t, store.DB, 2, 0, false)

	snap, err := store.Grant(context.Background(), user.ID, 50,
		models.TransactionKindPurchase, "50-credit pack", EventRef{})
	require.NoError(t, err)
	require.Equal(t, 50, snap.PaidCredits)
	require.Equal(t, 2, snap.FreeCredits)

	snap, err = store.Grant(context.Background(), user.ID, 50,
		models.TransactionKindPurchase, "50-credit pack", EventRef{})
	require.NoError(t, err)
	require.Equal(t, 100, snap.PaidCredits)
	require.EqualValues(t, 2, countTransactions(t, store.DB, user.ID))
}

func TestGrantUnknownAccount(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Grant(context.Background(), 9999, 50,
		models.TransactionKindPurchase, "pack", EventRef{})
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestBalancesNeverGoNegative(t *testing.T) {
	store := newTestStore(t)
	user := seedUser(t, store.DB, 3, 2, false)
	ctx := context.Background()

	amounts := []int{1, 4, 7, 2, 1}
	for _, amount := range amounts {
		_, err := store.Deduct(ctx, user.ID, amount, "tool_run")
		if err != nil {
			require.ErrorIs(t, err, ErrInsufficientCredits)
		}
		got := reload(t, store.DB, user.ID)
		require.GreaterOrEqual(t, got.FreeCredits, 0)
		require.GreaterOrEqual(t, got.PaidCredits, 0)
	}
}

func TestActivateProFirstActivationSetsStartingGrant(t *testing.T) {
	store := newTestStore(t)
	user := seedUser(t, store.DB, 2, 30, false)

	snap, err := store.ActivatePro(context.Background(), user.ID, true, EventRef{EventID: "evt_1"})
	require.NoError(t, err)
	require.True(t, snap.IsPro)
	require.Equal(t, ProStartingGrant, snap.PaidCredits)

	got := reload(t, store.DB, user.ID)
	require.True(t, got.IsPro)
	require.Equal(t, ProStartingGrant, got.PaidCredits)
	require.NotNil(t, got.ProResetAt)

	var txn models.CreditTransaction
	require.NoError(t, store.DB.Where("user_id = ?", user.ID).First(&txn).Error)
	require.Equal(t, models.TransactionKindProActivation, txn.Kind)
	require.Equal(t, "evt_1", txn.StripeEventID)
}

func TestActivateProRenewalAddsOnTop(t *testing.T) {
	store := newTestStore(t)
	user := seedUser(t, store.DB, 0, 30, true)

	snap, err := store.ActivatePro(context.Background(), user.ID, false, EventRef{})
	require.NoError(t, err)
	require.True(t, snap.IsPro)
	require.Equal(t, 130, snap.PaidCredits)

	var txn models.CreditTransaction
	require.NoError(t, store.DB.Where("user_id = ?", user.ID).First(&txn).Error)
	require.Equal(t, models.TransactionKindProRenewal, txn.Kind)
	require.Equal(t, MonthlyProAllotment, txn.Amount)
}

func TestDeactivateProKeepsPaidCredits(t *testing.T) {
	store := newTestStore(t)
	user := seedUser(t, store.DB, 1, 80, true)

	require.NoError(t, store.DeactivatePro(context.Background(), user.ID))

	got := reload(t, store.DB, user.ID)
	require.False(t, got.IsPro)
	require.Equal(t, 80, got.PaidCredits)
	// No balance mutation, no transaction row
	require.EqualValues(t, 0, countTransactions(t, store.DB, user.ID))
}

func TestRefreshReturnsAuthoritativeState(t *testing.T) {
	store := newTestStore(t)
	user := seedUser(t, store.DB, 4, 7, true)

	snap, err := store.Refresh(context.Background(), user.ID)
	require.NoError(t, err)
	require.Equal(t, 4, snap.FreeCredits)
	require.Equal(t, 7, snap.PaidCredits)
	require.Equal(t, 11, snap.TotalCredits)
	require.True(t, snap.IsPro)

	_, err = store.Refresh(context.Background(), 9999)
	require.ErrorIs(t, err, ErrAccountNotFound)
}

func TestPackPurchaseScenario(t *testing.T) {
	// Account {free: 2, paid: 0}; 50-credit pack arrives -> {free: 2, paid: 50}
	store := newTestStore(t)
	user := seedUser(t, store.DB, 2, 0, false)

	snap, err := store.Grant(context.Background(), user.ID, 50,
		models.TransactionKindPurchase, "Purchase of 50-credit pack",
		EventRef{EventID: "evt_2", SessionID: "cs_123", PriceID: "price_credits_50"})
	require.NoError(t, err)
	require.Equal(t, 2, snap.FreeCredits)
	require.Equal(t, 50, snap.PaidCredits)

	var txns []models.CreditTransaction
	require.NoError(t, store.DB.Where("user_id = ?", user.ID).Find(&txns).Error)
	require.Len(t, txns, 1)
	require.Equal(t, 50, txns[0].Amount)
	require.Equal(t, "price_credits_50", txns[0].StripePriceID)
}

func TestSnapshotTotalsStayConsistent(t *testing.T) {
	store := newTestStore(t)
	user := seedUser(t, store.DB, 5, 0, false)
	ctx := context.Background()

	_, err := store.Grant(ctx, user.ID, 100, models.TransactionKindPurchase, "pack", EventRef{})
	require.NoError(t, err)
	snap, err := store.Deduct(ctx, user.ID, 50, "audit_unlock")
	require.NoError(t, err)
	require.Equal(t, snap.FreeCredits+snap.PaidCredits, snap.TotalCredits)

	// Stale in-flight work reconciles via refresh, not via local guesses
	refreshed, err := store.Refresh(ctx, user.ID)
	require.NoError(t, err)
	require.Equal(t, snap, refreshed)
}
