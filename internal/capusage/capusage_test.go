package capusage

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reward-cap-engine/internal/models"
)

const instrumentID = "2b1f3c8e-6a47-4d0e-9a51-0c7f5e2d9b14"

func day(d int) time.Time {
	return time.Date(2025, 6, d, 12, 0, 0, 0, time.UTC)
}

func june() models.PeriodWindow {
	return models.PeriodWindow{
		Start: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
	}
}

func slice(txns ...models.Transaction) models.LedgerSlice {
	return models.LedgerSlice{InstrumentID: instrumentID, Window: june(), Transactions: txns, Complete: true}
}

func txn(id, ruleID string, amount string, bonus int64, at time.Time) models.Transaction {
	return models.Transaction{
		ID:            id,
		InstrumentID:  instrumentID,
		Amount:        decimal.RequireFromString(amount),
		Currency:      "SGD",
		Date:          at,
		AppliedRuleID: ruleID,
		BonusPoints:   bonus,
	}
}

var (
	instrument = models.PaymentInstrument{
		ID:         instrumentID,
		Kind:       models.InstrumentCreditCard,
		CardTypeID: "uob-ppv",
	}
	onlineRule = models.RewardRule{
		ID:         "online",
		CardTypeID: "uob-ppv",
		Cap:        &models.CapSpec{Amount: 4000, Period: models.ConventionCalendarMonth, GroupID: "ppv-bonus"},
	}
	contactlessRule = models.RewardRule{
		ID:         "contactless",
		CardTypeID: "uob-ppv",
		Cap:        &models.CapSpec{Amount: 4000, Period: models.ConventionCalendarMonth, GroupID: "ppv-bonus"},
	}
	soloRule = models.RewardRule{
		ID:         "dining",
		CardTypeID: "uob-ppv",
		Cap:        &models.CapSpec{Amount: 1000, Period: models.ConventionCalendarMonth},
	}
	uncappedRule = models.RewardRule{ID: "travel", CardTypeID: "uob-ppv"}
	allRules     = []models.RewardRule{onlineRule, contactlessRule, soloRule, uncappedRule}
)

func TestCompute_SumsBonusWithinWindow(t *testing.T) {
	ledger := slice(
		txn("a", "dining", "100", 200, day(2)),
		txn("b", "dining", "50", 100, day(15)),
		txn("c", "online", "80", 160, day(16)), // other scope
		models.Transaction{ID: "d", InstrumentID: instrumentID, Amount: decimal.NewFromInt(40), Date: time.Date(2025, 5, 31, 0, 0, 0, 0, time.UTC), AppliedRuleID: "dining", BonusPoints: 80},
		models.Transaction{ID: "e", InstrumentID: instrumentID, Amount: decimal.NewFromInt(40), Date: time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), AppliedRuleID: "dining", BonusPoints: 80},
	)

	usage, err := Compute(Request{Instrument: instrument, Rule: soloRule, Rules: allRules, Ledger: ledger, Reference: day(20)})
	require.NoError(t, err)
	assert.Equal(t, "rule:dining", usage.ScopeID)
	assert.Equal(t, int64(300), usage.Used)
	assert.Equal(t, models.Limited(1000), usage.Cap)
	assert.Equal(t, models.Limited(700), usage.Remaining)
}

func TestCompute_OrderIndependent(t *testing.T) {
	var txns []models.Transaction
	for i := 0; i < 50; i++ {
		rule := "online"
		if i%2 == 0 {
			rule = "contactless"
		}
		txns = append(txns, txn(string(rune('A'+i)), rule, "20", int64(i*7), day(1+i%28)))
	}
	txns = append(txns, txn("refund", "online", "-200", 400, day(3)))

	first, err := Compute(Request{Instrument: instrument, Rule: onlineRule, Rules: allRules, Ledger: slice(txns...), Reference: day(20)})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 10; i++ {
		shuffled := append([]models.Transaction(nil), txns...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		again, err := Compute(Request{Instrument: instrument, Rule: onlineRule, Rules: allRules, Ledger: slice(shuffled...), Reference: day(20)})
		require.NoError(t, err)
		assert.Equal(t, first.Used, again.Used)
	}
}

func TestCompute_SharedCapGroup(t *testing.T) {
	tests := []struct {
		name   string
		ledger models.LedgerSlice
	}{
		{name: "all usage under online", ledger: slice(txn("a", "online", "500", 4000, day(3)))},
		{name: "all usage under contactless", ledger: slice(txn("a", "contactless", "500", 4000, day(3)))},
		{name: "split usage", ledger: slice(
			txn("a", "online", "250", 2500, day(3)),
			txn("b", "contactless", "150", 1500, day(4)),
		)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, rule := range []models.RewardRule{onlineRule, contactlessRule} {
				usage, err := Compute(Request{Instrument: instrument, Rule: rule, Rules: allRules, Ledger: tt.ledger, Reference: day(20)})
				require.NoError(t, err)
				assert.Equal(t, "group:ppv-bonus", usage.ScopeID)
				assert.Equal(t, int64(4000), usage.Used)
				assert.Equal(t, models.Limited(0), usage.Remaining)
			}
		})
	}
}

func TestCompute_GroupIsPerCardType(t *testing.T) {
	foreign := models.RewardRule{
		ID:         "other-card-online",
		CardTypeID: "dbs-wwmc",
		Cap:        &models.CapSpec{Amount: 4000, Period: models.ConventionCalendarMonth, GroupID: "ppv-bonus"},
	}
	rules := append(append([]models.RewardRule(nil), allRules...), foreign)

	usage, err := Compute(Request{
		Instrument: instrument,
		Rule:       onlineRule,
		Rules:      rules,
		Ledger:     slice(txn("a", "other-card-online", "100", 900, day(3))),
		Reference:  day(20),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), usage.Used)
}

func TestCompute_RefundsNeverCount(t *testing.T) {
	base := slice(txn("a", "dining", "100", 200, day(2)))
	withRefund := slice(
		txn("a", "dining", "100", 200, day(2)),
		txn("r", "dining", "-100", 200, day(5)),
		txn("z", "dining", "0", 50, day(6)),
	)

	before, err := Compute(Request{Instrument: instrument, Rule: soloRule, Rules: allRules, Ledger: base, Reference: day(20)})
	require.NoError(t, err)
	after, err := Compute(Request{Instrument: instrument, Rule: soloRule, Rules: allRules, Ledger: withRefund, Reference: day(20)})
	require.NoError(t, err)
	assert.Equal(t, before.Used, after.Used)
}

func TestCompute_ExcludesRecalculatedTransaction(t *testing.T) {
	ledger := slice(
		txn("a", "dining", "100", 200, day(2)),
		txn("b", "dining", "100", 200, day(3)),
	)

	usage, err := Compute(Request{Instrument: instrument, Rule: soloRule, Rules: allRules, Ledger: ledger, Reference: day(3), ExcludeID: "b"})
	require.NoError(t, err)
	assert.Equal(t, int64(200), usage.Used)
}

func TestCompute_OverCapClampsRemainingAtZero(t *testing.T) {
	usage, err := Compute(Request{
		Instrument: instrument,
		Rule:       soloRule,
		Rules:      allRules,
		Ledger:     slice(txn("a", "dining", "999", 1500, day(2))),
		Reference:  day(20),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1500), usage.Used)
	assert.Equal(t, models.Limited(0), usage.Remaining)
}

func TestCompute_Uncapped(t *testing.T) {
	usage, err := Compute(Request{
		Instrument: instrument,
		Rule:       uncappedRule,
		Rules:      allRules,
		Ledger:     slice(txn("a", "travel", "100", 500, day(2))),
		Reference:  day(20),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(500), usage.Used)
	assert.True(t, usage.Cap.Unlimited)
	assert.True(t, usage.Remaining.Unlimited)
}

func TestCompute_StatementMonthUsesInstrumentAnchor(t *testing.T) {
	card := instrument
	card.StatementDay = 15
	rule := soloRule
	rule.Cap = &models.CapSpec{Amount: 1000, Period: models.ConventionStatementMonth}

	ledger := models.LedgerSlice{
		InstrumentID: instrumentID,
		Window: models.PeriodWindow{
			Start: time.Date(2025, 5, 15, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		},
		Complete: true,
		Transactions: []models.Transaction{
			txn("a", "dining", "100", 200, time.Date(2025, 5, 20, 0, 0, 0, 0, time.UTC)),
			txn("b", "dining", "100", 300, day(14)),
			txn("c", "dining", "100", 400, day(15)), // next statement month
		},
	}

	usage, err := Compute(Request{Instrument: card, Rule: rule, Rules: allRules, Ledger: ledger, Reference: day(10)})
	require.NoError(t, err)
	assert.Equal(t, int64(500), usage.Used)

	card.StatementDay = 0
	_, err = Compute(Request{Instrument: card, Rule: rule, Rules: allRules, Ledger: ledger, Reference: day(10)})
	assert.Error(t, err)
}

func TestCompute_FailsClosedOnIncompleteLedger(t *testing.T) {
	truncated := slice(txn("a", "dining", "100", 200, day(2)))
	truncated.Complete = false

	short := slice()
	short.Window.End = day(10)

	wrongInstrument := slice()
	wrongInstrument.InstrumentID = "someone-else"

	for name, ledger := range map[string]models.LedgerSlice{
		"truncated":        truncated,
		"short window":     short,
		"wrong instrument": wrongInstrument,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Compute(Request{Instrument: instrument, Rule: soloRule, Rules: allRules, Ledger: ledger, Reference: day(20)})
			assert.True(t, errors.Is(err, ErrIncompleteLedgerWindow))
		})
	}
}
