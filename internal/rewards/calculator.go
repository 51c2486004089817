// Package rewards computes the points a purchase earns: base points from the
// matched rule's rate and bonus points clamped to what remains of the cap.
package rewards

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"reward-cap-engine/internal/capusage"
	"reward-cap-engine/internal/matcher"
	"reward-cap-engine/internal/metrics"
	"reward-cap-engine/internal/models"
	"reward-cap-engine/internal/usagecache"
)

const (
	modeCalculate = "calculate"
	modeSimulate  = "simulate"

	reasonCapReached  = "monthly bonus cap reached"
	reasonNotEligible = "not eligible for bonus points"
	reasonNonEarning  = "payment method does not earn points"
	reasonNonPositive = "refunds and zero amounts do not earn points"
)

// Options configures a Calculator. Every field is optional.
type Options struct {
	// Cache memoizes cap usage; nil folds the ledger on every call.
	Cache   *usagecache.Cache
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Tracer  trace.Tracer
	Now     func() time.Time
}

// Calculator turns a purchase, the card's rules and the instrument's ledger
// into a PointsResult. It holds no per-user state besides the optional cache.
type Calculator struct {
	cache   *usagecache.Cache
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// NewCalculator creates a calculator.
func NewCalculator(opts Options) *Calculator {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Tracer == nil {
		opts.Tracer = otel.Tracer("reward-cap-engine/rewards")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Calculator{
		cache:   opts.Cache,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		now:     opts.Now,
	}
}

// WithoutCache returns a copy of c that always folds the ledger.
func (c *Calculator) WithoutCache() *Calculator {
	direct := *c
	direct.cache = nil
	return &direct
}

// Generation returns the usage cache generation of an instrument, to be read
// before the ledger passed to Calculate or Simulate and set on it. It is nil
// when there is no cache or the generation cannot be read, which keeps the
// calculation off the cache.
func (c *Calculator) Generation(ctx context.Context, instrumentID string) *models.Generation {
	if c.cache == nil {
		return nil
	}
	gen, err := c.cache.Generation(ctx, instrumentID)
	if err != nil {
		c.logger.WarnContext(ctx, "usage cache unavailable", slog.String("instrument_id", instrumentID), slog.Any("error", err))
		return nil
	}
	return &gen
}

// SimulateInput is a purchase that has not been recorded yet.
type SimulateInput struct {
	Instrument    models.PaymentInstrument
	Amount        decimal.Decimal
	Currency      string
	Date          time.Time // zero means now
	MCC           string
	MerchantName  string
	IsOnline      bool
	IsContactless bool
}

// Calculate computes the points of txn. ledger must be a complete read of
// the instrument's transactions covering the cap period of whichever rule
// matches; otherwise capusage.ErrIncompleteLedgerWindow is returned. The
// usage cache is consulted only when ledger.Generation is set.
func (c *Calculator) Calculate(ctx context.Context, txn models.Transaction, instrument models.PaymentInstrument, rules []models.RewardRule, ledger models.LedgerSlice) (models.PointsResult, error) {
	return c.run(ctx, modeCalculate, txn, instrument, rules, ledger)
}

// Simulate computes the points a purchase would earn without it existing in
// the ledger. The real ledger still supplies cap context.
func (c *Calculator) Simulate(ctx context.Context, in SimulateInput, rules []models.RewardRule, ledger models.LedgerSlice) (models.PointsResult, error) {
	date := in.Date
	if date.IsZero() {
		date = c.now()
	}
	txn := models.Transaction{
		ID:            uuid.NewString(),
		InstrumentID:  in.Instrument.ID,
		Amount:        in.Amount,
		Currency:      in.Currency,
		Date:          date,
		MerchantName:  in.MerchantName,
		MCC:           in.MCC,
		IsOnline:      in.IsOnline,
		IsContactless: in.IsContactless,
	}
	return c.run(ctx, modeSimulate, txn, in.Instrument, rules, ledger)
}

func (c *Calculator) run(ctx context.Context, mode string, txn models.Transaction, instrument models.PaymentInstrument, rules []models.RewardRule, ledger models.LedgerSlice) (models.PointsResult, error) {
	ctx, span := c.tracer.Start(ctx, "rewards."+mode, trace.WithAttributes(
		attribute.String("instrument.id", instrument.ID),
		attribute.String("instrument.card_type", instrument.CardTypeID),
		attribute.String("transaction.amount", txn.Amount.String()),
	))
	defer span.End()

	result, err := c.calculate(ctx, txn, instrument, rules, ledger)
	if err != nil {
		if errors.Is(err, capusage.ErrIncompleteLedgerWindow) {
			c.metrics.LedgerRejected()
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.WarnContext(ctx, "points calculation failed",
			slog.String("mode", mode),
			slog.String("instrument_id", instrument.ID),
			slog.String("transaction_id", txn.ID),
			slog.Any("error", err),
		)
		return models.PointsResult{}, err
	}

	span.SetAttributes(
		attribute.String("rule.id", result.AppliedRuleID),
		attribute.Int64("points.base", result.BasePoints),
		attribute.Int64("points.bonus", result.BonusPoints),
		attribute.String("reason", string(result.ReasonCode)),
	)
	c.metrics.Calculation(mode, string(result.ReasonCode))
	c.logger.DebugContext(ctx, "points calculated",
		slog.String("mode", mode),
		slog.String("instrument_id", instrument.ID),
		slog.String("transaction_id", txn.ID),
		slog.String("rule_id", result.AppliedRuleID),
		slog.Int64("base", result.BasePoints),
		slog.Int64("bonus", result.BonusPoints),
		slog.String("reason", string(result.ReasonCode)),
	)
	return result, nil
}

func (c *Calculator) calculate(ctx context.Context, txn models.Transaction, instrument models.PaymentInstrument, rules []models.RewardRule, ledger models.LedgerSlice) (models.PointsResult, error) {
	result := models.PointsResult{
		PointsCurrency:      instrument.PointsCurrency,
		RemainingBonusQuota: models.Unlimited,
	}

	if !instrument.EarnsPoints() {
		return withReason(result, models.ReasonNonEarningInstrument, reasonNonEarning), nil
	}
	if !txn.Amount.IsPositive() {
		return withReason(result, models.ReasonNonPositiveAmount, reasonNonPositive), nil
	}

	rule, ok := matcher.Match(matcher.FromTransaction(txn), rules)
	if !ok {
		if fallback, found := matcher.CatchAll(rules); found {
			result.AppliedRuleID = fallback.ID
			result.BasePoints = Points(txn.Amount, fallback.Earn.RoundingUnit, fallback.Earn.BaseRate)
		}
		return withReason(result, models.ReasonNotEligible, reasonNotEligible), nil
	}

	result.AppliedRuleID = rule.ID
	result.BasePoints = Points(txn.Amount, rule.Earn.RoundingUnit, rule.Earn.BaseRate)
	if !rule.Earn.HasBonus() {
		return withReason(result, models.ReasonNotEligible, reasonNotEligible), nil
	}

	potential := Points(txn.Amount, rule.Earn.RoundingUnit, rule.Earn.BonusRate)
	remaining, err := c.remaining(ctx, txn, instrument, rule, rules, ledger)
	if err != nil {
		return models.PointsResult{}, err
	}

	result.BonusPoints = remaining.Min(potential)
	if !remaining.Unlimited {
		result.RemainingBonusQuota = models.Limited(remaining.Value - result.BonusPoints)
	}

	switch {
	case result.BonusPoints > 0:
		return withReason(result, models.ReasonBonusAwarded, fmt.Sprintf("+%d bonus points", result.BonusPoints)), nil
	case potential > 0:
		return withReason(result, models.ReasonCapReached, reasonCapReached), nil
	default:
		return withReason(result, models.ReasonNotEligible, reasonNotEligible), nil
	}
}

// remaining returns what is left of the rule's cap scope before txn.
func (c *Calculator) remaining(ctx context.Context, txn models.Transaction, instrument models.PaymentInstrument, rule models.RewardRule, rules []models.RewardRule, ledger models.LedgerSlice) (models.Quota, error) {
	if rule.Cap == nil {
		return models.Unlimited, nil
	}

	window, err := capusage.Window(instrument, rule, txn.Date)
	if err != nil {
		return models.Quota{}, fmt.Errorf("failed to resolve cap period of rule %s: %w", rule.ID, err)
	}
	if err := capusage.CheckCoverage(instrument.ID, ledger, window); err != nil {
		return models.Quota{}, err
	}

	scopeID, ids := capusage.Scope(rule, rules)

	var used int64
	if c.cache == nil || ledger.Generation == nil || inLedger(ledger, txn.ID) {
		// a recalculated entry must not count its own earlier bonus, which a
		// cached figure for the whole period would include
		used = capusage.Fold(instrument.ID, ids, window, ledger.Transactions, txn.ID)
	} else {
		key := usagecache.Key{InstrumentID: instrument.ID, ScopeID: scopeID, PeriodStart: window.Start}
		used, err = c.cache.GetOrCompute(ctx, key, *ledger.Generation, func() (int64, error) {
			return capusage.Fold(instrument.ID, ids, window, ledger.Transactions, txn.ID), nil
		})
		if err != nil {
			return models.Quota{}, err
		}
	}

	return capusage.Summarize(instrument.ID, scopeID, window, rule.Cap, used).Remaining, nil
}

// Points floors amount to complete rounding units and applies rate, flooring
// again so fractional rates never round up.
func Points(amount, roundingUnit, rate decimal.Decimal) int64 {
	if !amount.IsPositive() || !roundingUnit.IsPositive() || !rate.IsPositive() {
		return 0
	}
	blocks, _ := amount.QuoRem(roundingUnit, 0)
	return blocks.Mul(rate).Floor().IntPart()
}

func withReason(r models.PointsResult, code models.ReasonCode, text string) models.PointsResult {
	r.TotalPoints = r.BasePoints + r.BonusPoints
	r.ReasonCode = code
	r.Reason = text
	return r
}

func inLedger(ledger models.LedgerSlice, id string) bool {
	if id == "" {
		return false
	}
	for _, t := range ledger.Transactions {
		if t.ID == id {
			return true
		}
	}
	return false
}
