package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Channel is the way a purchase was made, as seen by an earn rule.
type Channel string

const (
	ChannelInStore     Channel = "in_store"
	ChannelContactless Channel = "contactless"
	ChannelOnline      Channel = "online"
)

// Convention selects how a cap period is laid over the calendar.
type Convention string

const (
	ConventionCalendarMonth  Convention = "calendar_month"
	ConventionStatementMonth Convention = "statement_month"
)

// PredicateKind tags the variant held by a Predicate.
type PredicateKind string

const (
	PredicateChannel   PredicateKind = "channel"
	PredicateCategory  PredicateKind = "category"
	PredicateCurrency  PredicateKind = "currency"
	PredicateMinAmount PredicateKind = "min_amount"
)

// Predicate is one eligibility condition of a rule. Only the payload field
// matching Kind is meaningful.
type Predicate struct {
	Kind       PredicateKind    `json:"kind"`
	Channels   []Channel        `json:"channels,omitempty"`   // kind=channel
	Categories []string         `json:"categories,omitempty"` // kind=category, 4-digit MCCs
	Currency   string           `json:"currency,omitempty"`   // kind=currency, ISO 4217
	MinAmount  *decimal.Decimal `json:"min_amount,omitempty"` // kind=min_amount
}

// EarnSpec describes how many points each complete rounding block earns.
type EarnSpec struct {
	RoundingUnit decimal.Decimal `json:"rounding_unit"` // e.g. 5 for "every complete $5"
	BaseRate     decimal.Decimal `json:"base_rate"`     // points per block
	BonusRate    decimal.Decimal `json:"bonus_rate"`    // extra points per block, zero when none
}

// HasBonus reports whether the rule carries a bonus multiplier.
func (e EarnSpec) HasBonus() bool {
	return e.BonusRate.IsPositive()
}

// CapSpec limits the bonus points a rule (or its cap group) may award per period.
type CapSpec struct {
	Amount  int64      `json:"amount"`             // bonus points per period
	Period  Convention `json:"period"`             // calendar_month or statement_month
	GroupID string     `json:"group_id,omitempty"` // shared quota across rules of the same card type
}

// RewardRule is an earn rule belonging to exactly one card type.
type RewardRule struct {
	ID         string      `json:"id"`
	CardTypeID string      `json:"card_type_id"`
	Name       string      `json:"name"`
	Predicates []Predicate `json:"predicates"`
	Earn       EarnSpec    `json:"earn"`
	Cap        *CapSpec    `json:"cap,omitempty"`
	CatchAll   bool        `json:"catch_all"` // card-level default rate
}

// CapScopeID identifies the quota a rule draws from.
func (r RewardRule) CapScopeID() string {
	if r.Cap != nil && r.Cap.GroupID != "" {
		return "group:" + r.Cap.GroupID
	}
	return "rule:" + r.ID
}

// InstrumentKind is the type of payment instrument.
type InstrumentKind string

const (
	InstrumentCreditCard InstrumentKind = "credit_card"
	InstrumentDebitCard  InstrumentKind = "debit_card"
	InstrumentCash       InstrumentKind = "cash"
	InstrumentEWallet    InstrumentKind = "ewallet"
)

// PaymentInstrument is a user's card, wallet or cash pocket.
type PaymentInstrument struct {
	ID             string         `json:"id"`      // uuid
	UserID         string         `json:"user_id"` // uuid
	Kind           InstrumentKind `json:"kind"`
	CardTypeID     string         `json:"card_type_id,omitempty"`
	StatementDay   int            `json:"statement_day,omitempty"` // 1-31, required for statement-month caps
	PointsCurrency string         `json:"points_currency,omitempty"`
}

// EarnsPoints reports whether purchases on the instrument can earn points at all.
func (p PaymentInstrument) EarnsPoints() bool {
	switch p.Kind {
	case InstrumentCreditCard, InstrumentDebitCard:
		return p.CardTypeID != ""
	default:
		return false
	}
}

// Transaction is a ledger entry. Points fields are stamped once computed.
type Transaction struct {
	ID            string          `json:"id"`            // uuid
	InstrumentID  string          `json:"instrument_id"` // uuid
	Amount        decimal.Decimal `json:"amount"`        // negative for refunds
	Currency      string          `json:"currency"`
	Date          time.Time       `json:"date"`
	MerchantName  string          `json:"merchant_name,omitempty"`
	MCC           string          `json:"mcc,omitempty"` // 4-digit merchant category code
	IsOnline      bool            `json:"is_online"`
	IsContactless bool            `json:"is_contactless"`
	AppliedRuleID string          `json:"applied_rule_id,omitempty"`
	BasePoints    int64           `json:"base_points"`
	BonusPoints   int64           `json:"bonus_points"`
}

// PeriodWindow is the half-open interval [Start, End).
type PeriodWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the window. End is exclusive.
func (w PeriodWindow) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// Covers reports whether w spans all of other.
func (w PeriodWindow) Covers(other PeriodWindow) bool {
	return !w.Start.After(other.Start) && !w.End.Before(other.End)
}

// LedgerSlice is the historical transaction set supplied for one instrument,
// together with the interval the ledger read covered.
type LedgerSlice struct {
	InstrumentID string
	Window       PeriodWindow
	Transactions []Transaction
	Complete     bool // false when the read was truncated
	// Generation is the usage cache generation observed before the read.
	// Nil keeps usage folded from this slice out of the cache.
	Generation *Generation
}

// Generation versions an instrument's cached usage figures. Epoch moves on
// rule changes, Instrument on writes to the instrument's transactions.
type Generation struct {
	Epoch      int64
	Instrument int64
}

// Quota is a bonus point allowance that may be unlimited.
type Quota struct {
	Value     int64
	Unlimited bool
}

// Unlimited is the quota of an uncapped rule.
var Unlimited = Quota{Unlimited: true}

// Limited returns a finite quota.
func Limited(v int64) Quota {
	return Quota{Value: v}
}

// Min clamps n to the quota.
func (q Quota) Min(n int64) int64 {
	if q.Unlimited || n < q.Value {
		return n
	}
	return q.Value
}

// MarshalJSON encodes an unlimited quota as null.
func (q Quota) MarshalJSON() ([]byte, error) {
	if q.Unlimited {
		return []byte("null"), nil
	}
	return json.Marshal(q.Value)
}

// UnmarshalJSON decodes null as unlimited.
func (q *Quota) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*q = Unlimited
		return nil
	}
	q.Unlimited = false
	return json.Unmarshal(data, &q.Value)
}

// ReasonCode classifies a points result.
type ReasonCode string

const (
	ReasonBonusAwarded         ReasonCode = "bonus_awarded"
	ReasonCapReached           ReasonCode = "cap_reached"
	ReasonNotEligible          ReasonCode = "not_eligible"
	ReasonNonEarningInstrument ReasonCode = "non_earning_instrument"
	ReasonNonPositiveAmount    ReasonCode = "non_positive_amount"
)

// PointsResult is the outcome of a calculation. It is never stored on its own.
type PointsResult struct {
	BasePoints          int64      `json:"base_points"`
	BonusPoints         int64      `json:"bonus_points"`
	TotalPoints         int64      `json:"total_points"`
	RemainingBonusQuota Quota      `json:"remaining_bonus_quota"` // null when uncapped
	PointsCurrency      string     `json:"points_currency,omitempty"`
	AppliedRuleID       string     `json:"applied_rule_id,omitempty"`
	ReasonCode          ReasonCode `json:"reason_code"`
	Reason              string     `json:"reason"` // short human explanation
}

// CapUsage reports quota consumption for one cap scope.
type CapUsage struct {
	InstrumentID string       `json:"instrument_id"`
	ScopeID      string       `json:"scope_id"`
	Window       PeriodWindow `json:"window"`
	Used         int64        `json:"used"`
	Cap          Quota        `json:"cap"`       // null when uncapped
	Remaining    Quota        `json:"remaining"` // null when uncapped
}

// SimulateRequest is the request body for a hypothetical calculation.
type SimulateRequest struct {
	InstrumentID  string          `json:"instrument_id"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Date          *time.Time      `json:"date,omitempty"` // defaults to now
	MCC           string          `json:"mcc,omitempty"`
	MerchantName  string          `json:"merchant_name,omitempty"`
	IsOnline      bool            `json:"is_online"`
	IsContactless bool            `json:"is_contactless"`
}

// CreateTransactionsRequest represents the request body for ingesting transactions.
type CreateTransactionsRequest struct {
	Transactions []Transaction `json:"transactions"`
}

// CreateTransactionsResponse returns the stored transactions with their points.
type CreateTransactionsResponse struct {
	Inserted     int           `json:"inserted"`
	Transactions []Transaction `json:"transactions"`
}

// RulesResponse lists the rules of a card type in authoring order.
type RulesResponse struct {
	CardTypeID string       `json:"card_type_id"`
	Rules      []RewardRule `json:"rules"`
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error string `json:"error"`
}
