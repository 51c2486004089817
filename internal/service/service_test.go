package service

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reward-cap-engine/internal/cache"
	"reward-cap-engine/internal/database"
	"reward-cap-engine/internal/events"
	"reward-cap-engine/internal/features"
	"reward-cap-engine/internal/models"
	"reward-cap-engine/internal/usagecache"
	"reward-cap-engine/internal/validation"
)

var june20 = time.Date(2025, 6, 20, 9, 0, 0, 0, time.UTC)

func setupTestDB(t *testing.T) (*database.DB, func()) {
	dbPath := filepath.Join(t.TempDir(), "test_"+time.Now().Format("20060102150405")+".db")
	db, err := database.NewDB(dbPath)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	cleanup := func() {
		db.Close()
	}

	return db, cleanup
}

func setupService(t *testing.T, eventHooks bool) *Service {
	t.Helper()
	db, cleanup := setupTestDB(t)
	t.Cleanup(cleanup)

	backend, err := cache.NewLRUCache(64)
	require.NoError(t, err)

	bus := events.NewManager(true, nil)
	t.Cleanup(bus.Shutdown)

	svc := NewService(db, Options{
		Cache:    usagecache.New(backend, usagecache.Options{TTL: time.Minute}),
		Events:   bus,
		Features: features.NewDefaultManager(true, eventHooks),
		Now:      func() time.Time { return june20 },
	})

	require.NoError(t, svc.SeedRules(context.Background(), ppvRules()))
	return svc
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func ppvRules() []models.RewardRule {
	bonus := models.EarnSpec{RoundingUnit: dec("5"), BaseRate: dec("2"), BonusRate: dec("10")}
	groupCap := &models.CapSpec{Amount: 4000, Period: models.ConventionCalendarMonth, GroupID: "ppv"}
	return []models.RewardRule{
		{
			ID:         "ppv-base",
			CardTypeID: "uob-ppv",
			CatchAll:   true,
			Earn:       models.EarnSpec{RoundingUnit: dec("5"), BaseRate: dec("2"), BonusRate: decimal.Zero},
		},
		{
			ID:         "ppv-online",
			CardTypeID: "uob-ppv",
			Predicates: []models.Predicate{{Kind: models.PredicateChannel, Channels: []models.Channel{models.ChannelOnline}}},
			Earn:       bonus,
			Cap:        groupCap,
		},
		{
			ID:         "ppv-contactless",
			CardTypeID: "uob-ppv",
			Predicates: []models.Predicate{{Kind: models.PredicateChannel, Channels: []models.Channel{models.ChannelContactless}}},
			Earn:       bonus,
			Cap:        groupCap,
		},
	}
}

func createCard(t *testing.T, svc *Service) models.PaymentInstrument {
	t.Helper()
	card := models.PaymentInstrument{
		ID:             uuid.New().String(),
		UserID:         uuid.New().String(),
		Kind:           models.InstrumentCreditCard,
		CardTypeID:     "uob-ppv",
		StatementDay:   15,
		PointsCurrency: "UNI$",
	}
	require.NoError(t, svc.UpsertInstrument(context.Background(), card))
	return card
}

func purchase(instrumentID string, day int, amount string, online, contactless bool) models.Transaction {
	return models.Transaction{
		ID:            uuid.New().String(),
		InstrumentID:  instrumentID,
		Amount:        dec(amount),
		Currency:      "SGD",
		Date:          time.Date(2025, 6, day, 12, 0, 0, 0, time.UTC),
		IsOnline:      online,
		IsContactless: contactless,
	}
}

func TestRecordTransactions_SharedCapAcrossBatch(t *testing.T) {
	for _, hooks := range []bool{true, false} {
		t.Run(map[bool]string{true: "event hooks", false: "direct invalidation"}[hooks], func(t *testing.T) {
			svc := setupService(t, hooks)
			ctx := context.Background()
			card := createCard(t, svc)

			t1 := purchase(card.ID, 3, "1850", true, false)
			t2 := purchase(card.ID, 10, "250", false, true)
			t3 := purchase(card.ID, 12, "50", true, false)
			t4 := purchase(card.ID, 13, "61", false, false)

			// submitted out of order, processed by date
			resp, err := svc.RecordTransactions(ctx, []models.Transaction{t3, t1, t4, t2})
			require.NoError(t, err)
			require.Equal(t, 4, resp.Inserted)

			got := resp.Transactions
			assert.Equal(t, []string{t1.ID, t2.ID, t3.ID, t4.ID}, []string{got[0].ID, got[1].ID, got[2].ID, got[3].ID})

			assert.Equal(t, "ppv-online", got[0].AppliedRuleID)
			assert.Equal(t, int64(740), got[0].BasePoints)
			assert.Equal(t, int64(3700), got[0].BonusPoints)

			assert.Equal(t, "ppv-contactless", got[1].AppliedRuleID)
			assert.Equal(t, int64(100), got[1].BasePoints)
			assert.Equal(t, int64(300), got[1].BonusPoints, "clamped to what the group has left")

			assert.Equal(t, int64(20), got[2].BasePoints)
			assert.Equal(t, int64(0), got[2].BonusPoints)

			assert.Equal(t, "ppv-base", got[3].AppliedRuleID)
			assert.Equal(t, int64(24), got[3].BasePoints)

			usage, err := svc.CapUsage(ctx, card.ID, "ppv-online", june20)
			require.NoError(t, err)
			assert.Equal(t, "group:ppv", usage.ScopeID)
			assert.Equal(t, int64(4000), usage.Used)
			assert.Equal(t, models.Limited(0), usage.Remaining)

			result, err := svc.Simulate(ctx, models.SimulateRequest{InstrumentID: card.ID, Amount: dec("250"), Currency: "SGD", IsOnline: true})
			require.NoError(t, err)
			assert.Equal(t, models.ReasonCapReached, result.ReasonCode)

			// deleting releases the quota, and the cache must not hide it
			require.NoError(t, svc.DeleteTransaction(ctx, t2.ID))

			usage, err = svc.CapUsage(ctx, card.ID, "ppv-contactless", june20)
			require.NoError(t, err)
			assert.Equal(t, int64(3700), usage.Used)

			result, err = svc.Simulate(ctx, models.SimulateRequest{InstrumentID: card.ID, Amount: dec("250"), Currency: "SGD", IsContactless: true})
			require.NoError(t, err)
			assert.Equal(t, int64(300), result.BonusPoints)
			assert.Equal(t, models.Limited(0), result.RemainingBonusQuota)
			assert.Equal(t, "UNI$", result.PointsCurrency)
		})
	}
}

func TestUpdateTransaction_RecalculatesWithoutOwnBonus(t *testing.T) {
	svc := setupService(t, true)
	ctx := context.Background()
	card := createCard(t, svc)

	t1 := purchase(card.ID, 3, "1850", true, false)
	t2 := purchase(card.ID, 10, "250", false, true)
	_, err := svc.RecordTransactions(ctx, []models.Transaction{t1, t2})
	require.NoError(t, err)

	t1.Amount = dec("1000")
	updated, err := svc.UpdateTransaction(ctx, t1)
	require.NoError(t, err)
	assert.Equal(t, int64(400), updated.BasePoints)
	assert.Equal(t, int64(2000), updated.BonusPoints)

	usage, err := svc.CapUsage(ctx, card.ID, "ppv-online", june20)
	require.NoError(t, err)
	assert.Equal(t, int64(2300), usage.Used)

	_, err = svc.UpdateTransaction(ctx, purchase(card.ID, 4, "10", true, false))
	assert.True(t, errors.Is(err, database.ErrNotFound))
}

func TestRecordTransactions_CashEarnsNothing(t *testing.T) {
	svc := setupService(t, true)
	ctx := context.Background()

	cash := models.PaymentInstrument{ID: uuid.New().String(), UserID: uuid.New().String(), Kind: models.InstrumentCash}
	require.NoError(t, svc.UpsertInstrument(ctx, cash))

	resp, err := svc.RecordTransactions(ctx, []models.Transaction{purchase(cash.ID, 5, "100", false, false)})
	require.NoError(t, err)
	assert.Equal(t, int64(0), resp.Transactions[0].BasePoints)
	assert.Equal(t, "", resp.Transactions[0].AppliedRuleID)

	result, err := svc.Simulate(ctx, models.SimulateRequest{InstrumentID: cash.ID, Amount: dec("100"), Currency: "SGD"})
	require.NoError(t, err)
	assert.Equal(t, models.ReasonNonEarningInstrument, result.ReasonCode)
}

func TestRecordTransactions_Validation(t *testing.T) {
	svc := setupService(t, true)
	ctx := context.Background()

	var vErr *validation.ValidationError
	_, err := svc.RecordTransactions(ctx, nil)
	assert.True(t, errors.As(err, &vErr))

	bad := purchase(uuid.New().String(), 5, "10", true, false)
	bad.Currency = "usd dollars"
	_, err = svc.RecordTransactions(ctx, []models.Transaction{bad})
	require.True(t, errors.As(err, &vErr))
	assert.Equal(t, "currency", vErr.Field)

	_, err = svc.RecordTransactions(ctx, []models.Transaction{purchase(uuid.New().String(), 5, "10", true, false)})
	assert.True(t, errors.Is(err, database.ErrNotFound), "unknown instrument")
}

func TestUpsertRule_RejectsConflictingGroupCap(t *testing.T) {
	svc := setupService(t, true)
	ctx := context.Background()

	rule := ppvRules()[1]
	rule.ID = "ppv-dining"
	rule.Cap = &models.CapSpec{Amount: 5000, Period: models.ConventionCalendarMonth, GroupID: "ppv"}

	var vErr *validation.ValidationError
	require.True(t, errors.As(svc.UpsertRule(ctx, rule), &vErr))
	assert.Equal(t, "cap", vErr.Field)

	resp, err := svc.ListRules(ctx, "uob-ppv")
	require.NoError(t, err)
	require.Len(t, resp.Rules, 3)
	assert.Equal(t, "ppv-base", resp.Rules[0].ID, "authoring order is kept")
}

func TestCapUsage_RuleOfAnotherCard(t *testing.T) {
	svc := setupService(t, true)
	ctx := context.Background()
	card := createCard(t, svc)

	other := ppvRules()[1]
	other.ID = "other-online"
	other.CardTypeID = "other-card"
	other.Cap = nil
	require.NoError(t, svc.UpsertRule(ctx, other))

	var vErr *validation.ValidationError
	_, err := svc.CapUsage(ctx, card.ID, "other-online", june20)
	require.True(t, errors.As(err, &vErr))
	assert.Equal(t, "rule_id", vErr.Field)

	_, err = svc.CapUsage(ctx, card.ID, "missing", june20)
	assert.True(t, errors.Is(err, database.ErrNotFound))
}

// interleavingStore runs onList once, right after a ledger read returns.
type interleavingStore struct {
	*database.DB
	onList func()
}

func (s *interleavingStore) ListTransactions(ctx context.Context, instrumentID string, window models.PeriodWindow) (models.LedgerSlice, error) {
	ledger, err := s.DB.ListTransactions(ctx, instrumentID, window)
	if hook := s.onList; hook != nil {
		s.onList = nil
		hook()
	}
	return ledger, err
}

func TestSimulate_RecordDuringLedgerReadDoesNotLeakIntoCache(t *testing.T) {
	for _, hooks := range []bool{true, false} {
		t.Run(map[bool]string{true: "event hooks", false: "direct invalidation"}[hooks], func(t *testing.T) {
			db, cleanup := setupTestDB(t)
			t.Cleanup(cleanup)
			store := &interleavingStore{DB: db}

			backend, err := cache.NewLRUCache(64)
			require.NoError(t, err)
			bus := events.NewManager(true, nil)
			t.Cleanup(bus.Shutdown)

			svc := NewService(store, Options{
				Cache:    usagecache.New(backend, usagecache.Options{TTL: time.Minute}),
				Events:   bus,
				Features: features.NewDefaultManager(true, hooks),
				Now:      func() time.Time { return june20 },
			})
			ctx := context.Background()
			require.NoError(t, svc.SeedRules(ctx, ppvRules()))
			card := createCard(t, svc)

			store.onList = func() {
				resp, err := svc.RecordTransactions(ctx, []models.Transaction{purchase(card.ID, 3, "1850", true, false)})
				require.NoError(t, err)
				require.Equal(t, int64(3700), resp.Transactions[0].BonusPoints)
			}

			// folded from a ledger that predates the 3700 bonus
			result, err := svc.Simulate(ctx, models.SimulateRequest{InstrumentID: card.ID, Amount: dec("100"), Currency: "SGD", IsOnline: true})
			require.NoError(t, err)
			assert.Equal(t, int64(200), result.BonusPoints)

			resp, err := svc.RecordTransactions(ctx, []models.Transaction{purchase(card.ID, 10, "250", false, true)})
			require.NoError(t, err)
			assert.Equal(t, int64(300), resp.Transactions[0].BonusPoints)

			usage, err := svc.CapUsage(ctx, card.ID, "ppv-online", june20)
			require.NoError(t, err)
			assert.Equal(t, int64(4000), usage.Used)
			assert.Equal(t, models.Limited(0), usage.Remaining)
		})
	}
}

func TestDeleteTransaction_NotFound(t *testing.T) {
	svc := setupService(t, false)

	err := svc.DeleteTransaction(context.Background(), uuid.New().String())
	assert.True(t, errors.Is(err, database.ErrNotFound))
}
