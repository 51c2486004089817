// Package capusage derives how much of a periodic bonus quota has been used
// by folding over the transaction ledger. There is no stored counter: the
// ledger is the only record of consumption.
package capusage

import (
	"errors"
	"fmt"
	"time"

	"reward-cap-engine/internal/models"
	"reward-cap-engine/internal/period"
)

// ErrIncompleteLedgerWindow is returned when the supplied ledger slice does
// not cover the whole cap period. Usage is never computed from a partial
// history, since undercounting would let a user exceed the issuer cap.
var ErrIncompleteLedgerWindow = errors.New("incomplete ledger window")

// Request describes one usage computation.
type Request struct {
	Instrument models.PaymentInstrument
	Rule       models.RewardRule
	// Rules is the card type's full rule set, used to resolve cap groups.
	Rules     []models.RewardRule
	Ledger    models.LedgerSlice
	Reference time.Time
	// ExcludeID skips a ledger entry, typically the transaction being recalculated.
	ExcludeID string
}

// Scope returns the cap scope id and the ids of every rule drawing from it.
func Scope(rule models.RewardRule, rules []models.RewardRule) (string, map[string]struct{}) {
	ids := map[string]struct{}{rule.ID: {}}
	if rule.Cap == nil || rule.Cap.GroupID == "" {
		return rule.CapScopeID(), ids
	}
	for _, r := range rules {
		if r.CardTypeID == rule.CardTypeID && r.Cap != nil && r.Cap.GroupID == rule.Cap.GroupID {
			ids[r.ID] = struct{}{}
		}
	}
	return rule.CapScopeID(), ids
}

// Window resolves the cap period of rule for the instrument at ref. Uncapped
// rules use the calendar month so callers still get a stable cache key.
func Window(instrument models.PaymentInstrument, rule models.RewardRule, ref time.Time) (models.PeriodWindow, error) {
	if rule.Cap == nil {
		return period.ComputeWindow(ref, models.ConventionCalendarMonth, 0, period.Current)
	}
	return period.ComputeWindow(ref, rule.Cap.Period, instrument.StatementDay, period.Current)
}

// Compute folds the ledger into a usage figure for the rule's cap scope.
func Compute(req Request) (models.CapUsage, error) {
	window, err := Window(req.Instrument, req.Rule, req.Reference)
	if err != nil {
		return models.CapUsage{}, err
	}
	if err := CheckCoverage(req.Instrument.ID, req.Ledger, window); err != nil {
		return models.CapUsage{}, err
	}

	scopeID, ids := Scope(req.Rule, req.Rules)
	used := Fold(req.Instrument.ID, ids, window, req.Ledger.Transactions, req.ExcludeID)
	return Summarize(req.Instrument.ID, scopeID, window, req.Rule.Cap, used), nil
}

// CheckCoverage fails closed unless ledger is a complete read for the
// instrument spanning window.
func CheckCoverage(instrumentID string, ledger models.LedgerSlice, window models.PeriodWindow) error {
	if ledger.InstrumentID != instrumentID {
		return fmt.Errorf("%w: slice is for instrument %q, want %q", ErrIncompleteLedgerWindow, ledger.InstrumentID, instrumentID)
	}
	if !ledger.Complete {
		return fmt.Errorf("%w: ledger read was truncated", ErrIncompleteLedgerWindow)
	}
	if !ledger.Window.Covers(window) {
		return fmt.Errorf("%w: have [%s, %s), need [%s, %s)", ErrIncompleteLedgerWindow,
			ledger.Window.Start.Format(time.DateOnly), ledger.Window.End.Format(time.DateOnly),
			window.Start.Format(time.DateOnly), window.End.Format(time.DateOnly))
	}
	return nil
}

// Fold sums the recorded bonus points of in-scope purchases inside window.
// Refunds and other non-positive amounts never count.
func Fold(instrumentID string, ruleIDs map[string]struct{}, window models.PeriodWindow, txns []models.Transaction, excludeID string) int64 {
	var used int64
	for _, txn := range txns {
		if txn.InstrumentID != instrumentID || !window.Contains(txn.Date) {
			continue
		}
		if excludeID != "" && txn.ID == excludeID {
			continue
		}
		if _, ok := ruleIDs[txn.AppliedRuleID]; !ok || txn.AppliedRuleID == "" {
			continue
		}
		if !txn.Amount.IsPositive() {
			continue
		}
		used += txn.BonusPoints
	}
	return used
}

// Summarize turns a used figure into a usage report against capSpec.
func Summarize(instrumentID, scopeID string, window models.PeriodWindow, capSpec *models.CapSpec, used int64) models.CapUsage {
	usage := models.CapUsage{
		InstrumentID: instrumentID,
		ScopeID:      scopeID,
		Window:       window,
		Used:         used,
		Cap:          models.Unlimited,
		Remaining:    models.Unlimited,
	}
	if capSpec == nil {
		return usage
	}
	remaining := capSpec.Amount - used
	if remaining < 0 {
		remaining = 0
	}
	usage.Cap = models.Limited(capSpec.Amount)
	usage.Remaining = models.Limited(remaining)
	return usage
}
