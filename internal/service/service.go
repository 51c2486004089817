package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"reward-cap-engine/internal/capusage"
	"reward-cap-engine/internal/events"
	"reward-cap-engine/internal/features"
	"reward-cap-engine/internal/metrics"
	"reward-cap-engine/internal/models"
	"reward-cap-engine/internal/period"
	"reward-cap-engine/internal/rewards"
	"reward-cap-engine/internal/usagecache"
	"reward-cap-engine/internal/validation"
)

const maxBatchSize = 1000

// Store is the rule store, instrument store and transaction ledger the
// service reads and writes.
//
//go:generate mockgen -destination=mocks/mock_store.go -source=service.go Store
type Store interface {
	UpsertRule(ctx context.Context, rule models.RewardRule) error
	GetRules(ctx context.Context, cardTypeID string) ([]models.RewardRule, error)
	GetRule(ctx context.Context, id string) (models.RewardRule, error)
	UpsertInstrument(ctx context.Context, instrument models.PaymentInstrument) error
	GetInstrument(ctx context.Context, id string) (models.PaymentInstrument, error)
	InsertTransaction(ctx context.Context, txn models.Transaction) error
	UpdateTransaction(ctx context.Context, txn models.Transaction) error
	DeleteTransaction(ctx context.Context, id string) error
	GetTransaction(ctx context.Context, id string) (models.Transaction, error)
	ListTransactions(ctx context.Context, instrumentID string, window models.PeriodWindow) (models.LedgerSlice, error)
}

// Options holds the service's collaborators. Only Calculator is required.
type Options struct {
	Calculator *rewards.Calculator
	Cache      *usagecache.Cache
	Events     *events.Manager
	Features   *features.Manager
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// Service provides business logic for the reward points API.
type Service struct {
	store    Store
	calc     *rewards.Calculator
	cache    *usagecache.Cache
	events   *events.Manager
	features *features.Manager
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	// serializes calculate-then-write per instrument
	locks sync.Map
}

// NewService creates a new service instance and subscribes the usage cache
// invalidation handlers.
func NewService(store Store, opts Options) *Service {
	if opts.Calculator == nil {
		opts.Calculator = rewards.NewCalculator(rewards.Options{Cache: opts.Cache, Logger: opts.Logger, Metrics: opts.Metrics})
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Service{
		store:    store,
		calc:     opts.Calculator,
		cache:    opts.Cache,
		events:   opts.Events,
		features: opts.Features,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		now:      opts.Now,
	}

	if s.events != nil {
		s.events.Subscribe(events.EventRuleChanged, func(ctx context.Context, _ events.Event) error {
			return s.clearCache(ctx)
		})
		for _, eventType := range []events.EventType{
			events.EventTransactionRecorded,
			events.EventTransactionUpdated,
			events.EventTransactionDeleted,
		} {
			s.events.Subscribe(eventType, func(ctx context.Context, e events.Event) error {
				data, ok := e.Data.(events.TransactionData)
				if !ok {
					return fmt.Errorf("unexpected payload %T for %s", e.Data, e.Type)
				}
				return s.invalidate(ctx, data.Transaction.InstrumentID)
			})
		}
	}

	return s
}

// UpsertRule creates or updates a rule and drops every cached usage figure,
// since scopes and windows may have moved.
func (s *Service) UpsertRule(ctx context.Context, rule models.RewardRule) error {
	if err := validation.ValidateRule(rule); err != nil {
		return err
	}

	existing, err := s.store.GetRules(ctx, rule.CardTypeID)
	if err != nil {
		return fmt.Errorf("failed to get rules: %w", err)
	}
	if err := validation.ValidateCapGroup(rule, existing); err != nil {
		return err
	}

	if err := s.store.UpsertRule(ctx, rule); err != nil {
		return err
	}

	if s.hooksActive() {
		s.logHookError(ctx, s.events.PublishRuleChanged(ctx, rule))
		return nil
	}
	s.logHookError(ctx, s.clearCache(ctx))
	return nil
}

// SeedRules upserts a catalog of rules in order.
func (s *Service) SeedRules(ctx context.Context, rules []models.RewardRule) error {
	for _, rule := range rules {
		if err := s.UpsertRule(ctx, rule); err != nil {
			return fmt.Errorf("failed to seed rule %s: %w", rule.ID, err)
		}
	}
	return nil
}

// ListRules returns the rules of a card type in authoring order.
func (s *Service) ListRules(ctx context.Context, cardTypeID string) (models.RulesResponse, error) {
	cardTypeID = validation.SanitizeString(cardTypeID)
	if cardTypeID == "" {
		return models.RulesResponse{}, &validation.ValidationError{Field: "card_type_id", Message: "is required"}
	}

	rules, err := s.store.GetRules(ctx, cardTypeID)
	if err != nil {
		return models.RulesResponse{}, fmt.Errorf("failed to get rules: %w", err)
	}

	return models.RulesResponse{CardTypeID: cardTypeID, Rules: rules}, nil
}

// UpsertInstrument creates or updates a payment instrument. Its cached usage
// is dropped because the statement day keys the windows.
func (s *Service) UpsertInstrument(ctx context.Context, instrument models.PaymentInstrument) error {
	if err := validation.ValidateInstrument(instrument); err != nil {
		return err
	}

	if err := s.store.UpsertInstrument(ctx, instrument); err != nil {
		return err
	}

	s.logHookError(ctx, s.invalidate(ctx, instrument.ID))
	return nil
}

// GetInstrument returns a payment instrument.
func (s *Service) GetInstrument(ctx context.Context, id string) (models.PaymentInstrument, error) {
	if err := validation.ValidateUUID(id, "instrument_id"); err != nil {
		return models.PaymentInstrument{}, err
	}
	return s.store.GetInstrument(ctx, id)
}

// RecordTransactions computes and stores points for a batch. Transactions
// are processed oldest first so each one sees the bonus of those before it.
func (s *Service) RecordTransactions(ctx context.Context, txns []models.Transaction) (models.CreateTransactionsResponse, error) {
	if len(txns) == 0 {
		return models.CreateTransactionsResponse{}, &validation.ValidationError{Field: "transactions", Message: "at least one transaction is required"}
	}

	if len(txns) > maxBatchSize {
		return models.CreateTransactionsResponse{}, &validation.ValidationError{
			Field:   "transactions",
			Message: fmt.Sprintf("cannot process more than %d transactions per request", maxBatchSize),
		}
	}

	// Validate all transactions before computing anything
	for i, txn := range txns {
		if err := validation.ValidateTransaction(txn); err != nil {
			return models.CreateTransactionsResponse{}, fmt.Errorf("invalid transaction at index %d: %w", i, err)
		}
	}

	ordered := make([]models.Transaction, len(txns))
	copy(ordered, txns)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Date.Before(ordered[j].Date) })

	resp := models.CreateTransactionsResponse{Transactions: make([]models.Transaction, 0, len(ordered))}
	for _, txn := range ordered {
		stored, err := s.record(ctx, txn)
		if err != nil {
			return resp, err
		}
		resp.Inserted++
		resp.Transactions = append(resp.Transactions, stored)
	}

	return resp, nil
}

func (s *Service) record(ctx context.Context, txn models.Transaction) (models.Transaction, error) {
	unlock := s.lock(txn.InstrumentID)
	defer unlock()

	instrument, rules, err := s.instrumentAndRules(ctx, txn.InstrumentID)
	if err != nil {
		return models.Transaction{}, err
	}

	stamped, err := s.stamp(ctx, txn, instrument, rules)
	if err != nil {
		return models.Transaction{}, err
	}

	if err := s.store.InsertTransaction(ctx, stamped); err != nil {
		return models.Transaction{}, err
	}

	s.afterTransactionChange(ctx, events.EventTransactionRecorded, stamped)
	return stamped, nil
}

// UpdateTransaction replaces a stored transaction and recomputes its points.
// Later transactions of the period keep the points they were stamped with.
func (s *Service) UpdateTransaction(ctx context.Context, txn models.Transaction) (models.Transaction, error) {
	if err := validation.ValidateTransaction(txn); err != nil {
		return models.Transaction{}, err
	}

	unlock := s.lock(txn.InstrumentID)
	defer unlock()

	previous, err := s.store.GetTransaction(ctx, txn.ID)
	if err != nil {
		return models.Transaction{}, err
	}

	instrument, rules, err := s.instrumentAndRules(ctx, txn.InstrumentID)
	if err != nil {
		return models.Transaction{}, err
	}

	stamped, err := s.stamp(ctx, txn, instrument, rules)
	if err != nil {
		return models.Transaction{}, err
	}

	if err := s.store.UpdateTransaction(ctx, stamped); err != nil {
		return models.Transaction{}, err
	}

	s.afterTransactionChange(ctx, events.EventTransactionUpdated, stamped)
	if previous.InstrumentID != stamped.InstrumentID {
		s.logHookError(ctx, s.invalidate(ctx, previous.InstrumentID))
	}
	return stamped, nil
}

// DeleteTransaction soft-deletes a transaction. The bonus it consumed is
// released back to its cap scope.
func (s *Service) DeleteTransaction(ctx context.Context, id string) error {
	if err := validation.ValidateUUID(id, "transaction_id"); err != nil {
		return err
	}

	txn, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return err
	}

	unlock := s.lock(txn.InstrumentID)
	defer unlock()

	if err := s.store.DeleteTransaction(ctx, id); err != nil {
		return err
	}

	s.afterTransactionChange(ctx, events.EventTransactionDeleted, txn)
	return nil
}

// Simulate reports the points a purchase would earn right now without
// recording it.
func (s *Service) Simulate(ctx context.Context, req models.SimulateRequest) (models.PointsResult, error) {
	if err := validation.ValidateSimulate(req); err != nil {
		return models.PointsResult{}, err
	}

	instrument, rules, err := s.instrumentAndRules(ctx, req.InstrumentID)
	if err != nil {
		return models.PointsResult{}, err
	}

	date := s.now()
	if req.Date != nil {
		date = *req.Date
	}

	calc := s.calculator()
	ledger, err := s.readLedger(ctx, calc, instrument, date)
	if err != nil {
		return models.PointsResult{}, err
	}

	result, err := calc.Simulate(ctx, rewards.SimulateInput{
		Instrument:    instrument,
		Amount:        req.Amount,
		Currency:      req.Currency,
		Date:          date,
		MCC:           req.MCC,
		MerchantName:  validation.SanitizeString(req.MerchantName),
		IsOnline:      req.IsOnline,
		IsContactless: req.IsContactless,
	}, rules, ledger)
	if err != nil {
		return models.PointsResult{}, err
	}

	s.events.PublishPointsCalculated(ctx, instrument.ID, true, result)
	return result, nil
}

// CapUsage reports how much of a rule's cap scope the instrument has used
// in the period containing at.
func (s *Service) CapUsage(ctx context.Context, instrumentID, ruleID string, at time.Time) (models.CapUsage, error) {
	if err := validation.ValidateUUID(instrumentID, "instrument_id"); err != nil {
		return models.CapUsage{}, err
	}
	if ruleID == "" {
		return models.CapUsage{}, &validation.ValidationError{Field: "rule_id", Message: "is required"}
	}
	if at.IsZero() {
		at = s.now()
	}

	instrument, rules, err := s.instrumentAndRules(ctx, instrumentID)
	if err != nil {
		return models.CapUsage{}, err
	}

	rule, err := s.store.GetRule(ctx, ruleID)
	if err != nil {
		return models.CapUsage{}, err
	}
	if rule.CardTypeID != instrument.CardTypeID {
		return models.CapUsage{}, &validation.ValidationError{
			Field:   "rule_id",
			Message: fmt.Sprintf("rule %s does not belong to card type %q", rule.ID, instrument.CardTypeID),
		}
	}

	ledger, err := s.store.ListTransactions(ctx, instrument.ID, period.Envelope(at, instrument.StatementDay))
	if err != nil {
		return models.CapUsage{}, fmt.Errorf("failed to read ledger: %w", err)
	}

	return capusage.Compute(capusage.Request{
		Instrument: instrument,
		Rule:       rule,
		Rules:      rules,
		Ledger:     ledger,
		Reference:  at,
	})
}

// stamp computes txn's points against the ledger around its date and
// writes them onto a copy.
func (s *Service) stamp(ctx context.Context, txn models.Transaction, instrument models.PaymentInstrument, rules []models.RewardRule) (models.Transaction, error) {
	calc := s.calculator()
	ledger, err := s.readLedger(ctx, calc, instrument, txn.Date)
	if err != nil {
		return models.Transaction{}, err
	}

	txn.MerchantName = validation.SanitizeString(txn.MerchantName)
	result, err := calc.Calculate(ctx, txn, instrument, rules, ledger)
	if err != nil {
		return models.Transaction{}, err
	}

	txn.AppliedRuleID = result.AppliedRuleID
	txn.BasePoints = result.BasePoints
	txn.BonusPoints = result.BonusPoints
	s.metrics.PointsAwarded(result.BasePoints, result.BonusPoints)
	s.events.PublishPointsCalculated(ctx, instrument.ID, false, result)
	return txn, nil
}

// readLedger reads the instrument's transactions around at. The usage cache
// generation is taken first, so a write landing after it keeps the fold of
// this read out of the current generation.
func (s *Service) readLedger(ctx context.Context, calc *rewards.Calculator, instrument models.PaymentInstrument, at time.Time) (models.LedgerSlice, error) {
	gen := calc.Generation(ctx, instrument.ID)

	ledger, err := s.store.ListTransactions(ctx, instrument.ID, period.Envelope(at, instrument.StatementDay))
	if err != nil {
		return models.LedgerSlice{}, fmt.Errorf("failed to read ledger: %w", err)
	}
	ledger.Generation = gen
	return ledger, nil
}

func (s *Service) instrumentAndRules(ctx context.Context, instrumentID string) (models.PaymentInstrument, []models.RewardRule, error) {
	instrument, err := s.store.GetInstrument(ctx, instrumentID)
	if err != nil {
		return models.PaymentInstrument{}, nil, err
	}

	if !instrument.EarnsPoints() {
		return instrument, nil, nil
	}

	rules, err := s.store.GetRules(ctx, instrument.CardTypeID)
	if err != nil {
		return models.PaymentInstrument{}, nil, fmt.Errorf("failed to get rules: %w", err)
	}
	return instrument, rules, nil
}

func (s *Service) lock(instrumentID string) func() {
	v, _ := s.locks.LoadOrStore(instrumentID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *Service) calculator() *rewards.Calculator {
	if s.features != nil && !s.features.IsEnabled(features.FeatureUsageCache) {
		return s.calc.WithoutCache()
	}
	return s.calc
}

func (s *Service) hooksActive() bool {
	return s.events.Enabled() && s.features.IsEnabled(features.FeatureEventHooks)
}

// afterTransactionChange runs cache invalidation for a ledger write, through
// the event bus when hooks are on. The write itself has already succeeded,
// so failures are logged rather than returned.
func (s *Service) afterTransactionChange(ctx context.Context, eventType events.EventType, txn models.Transaction) {
	if s.hooksActive() {
		s.logHookError(ctx, s.events.PublishTransaction(ctx, eventType, txn))
		return
	}
	s.logHookError(ctx, s.invalidate(ctx, txn.InstrumentID))
}

func (s *Service) invalidate(ctx context.Context, instrumentID string) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Invalidate(ctx, instrumentID)
}

func (s *Service) clearCache(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Clear(ctx)
}

func (s *Service) logHookError(ctx context.Context, err error) {
	if err != nil {
		s.logger.ErrorContext(ctx, "usage cache invalidation failed", slog.Any("error", err))
	}
}
