package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"reward-cap-engine/internal/models"
)

// EventType represents the type of event.
type EventType string

const (
	// EventRuleChanged is emitted when a rule is created or updated
	EventRuleChanged EventType = "rule.changed"
	// EventTransactionRecorded is emitted after a transaction and its points are stored
	EventTransactionRecorded EventType = "transaction.recorded"
	// EventTransactionUpdated is emitted after a stored transaction is edited
	EventTransactionUpdated EventType = "transaction.updated"
	// EventTransactionDeleted is emitted after a transaction is soft-deleted
	EventTransactionDeleted EventType = "transaction.deleted"
	// EventPointsCalculated is emitted for every calculation, simulations included
	EventPointsCalculated EventType = "points.calculated"
)

// Event represents an event in the system.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      interface{}
}

// RuleChangedData contains data for rule changed events.
type RuleChangedData struct {
	Rule models.RewardRule
}

// TransactionData contains data for transaction lifecycle events.
type TransactionData struct {
	Transaction models.Transaction
}

// PointsCalculatedData contains data for points calculated events.
type PointsCalculatedData struct {
	InstrumentID string
	Simulated    bool
	Result       models.PointsResult
}

// Handler is a function that handles events.
type Handler func(ctx context.Context, event Event) error

// Manager manages event handlers and event publishing.
type Manager struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	enabled  bool
	logger   *slog.Logger
	inflight sync.WaitGroup
}

// NewManager creates a new event manager.
func NewManager(enabled bool, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		handlers: make(map[EventType][]Handler),
		enabled:  enabled,
		logger:   logger,
	}
}

// Enabled reports whether publishing reaches subscribers.
func (m *Manager) Enabled() bool {
	if m == nil {
		return false
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Subscribe subscribes a handler to a specific event type.
func (m *Manager) Subscribe(eventType EventType, handler Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.enabled {
		return
	}

	m.handlers[eventType] = append(m.handlers[eventType], handler)
}

func (m *Manager) subscribers(eventType EventType) []Handler {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.enabled {
		return nil
	}
	return m.handlers[eventType]
}

// Publish publishes an event to all subscribed handlers without waiting for them.
func (m *Manager) Publish(ctx context.Context, eventType EventType, data interface{}) {
	handlers := m.subscribers(eventType)
	if len(handlers) == 0 {
		return
	}

	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}

	// handlers outlive the request
	ctx = context.WithoutCancel(ctx)
	for _, handler := range handlers {
		m.inflight.Add(1)
		go func(h Handler) {
			defer m.inflight.Done()
			if err := h(ctx, event); err != nil {
				m.logger.Warn("event handler failed", slog.String("event", string(eventType)), slog.Any("error", err))
			}
		}(handler)
	}
}

// PublishSync runs the subscribed handlers in subscription order before
// returning. Use it when the caller's next read depends on the handlers'
// side effects.
func (m *Manager) PublishSync(ctx context.Context, eventType EventType, data interface{}) error {
	handlers := m.subscribers(eventType)
	if len(handlers) == 0 {
		return nil
	}

	event := Event{
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			m.logger.Warn("event handler failed", slog.String("event", string(eventType)), slog.Any("error", err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublishRuleChanged publishes a rule changed event.
func (m *Manager) PublishRuleChanged(ctx context.Context, rule models.RewardRule) error {
	return m.PublishSync(ctx, EventRuleChanged, RuleChangedData{Rule: rule})
}

// PublishTransaction publishes one of the transaction lifecycle events.
func (m *Manager) PublishTransaction(ctx context.Context, eventType EventType, txn models.Transaction) error {
	return m.PublishSync(ctx, eventType, TransactionData{Transaction: txn})
}

// PublishPointsCalculated publishes a points calculated event.
func (m *Manager) PublishPointsCalculated(ctx context.Context, instrumentID string, simulated bool, result models.PointsResult) {
	m.Publish(ctx, EventPointsCalculated, PointsCalculatedData{
		InstrumentID: instrumentID,
		Simulated:    simulated,
		Result:       result,
	})
}

// Shutdown stops delivery and waits for running asynchronous handlers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.enabled = false
	m.handlers = make(map[EventType][]Handler)
	m.mu.Unlock()

	m.inflight.Wait()
}
