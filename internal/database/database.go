package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"reward-cap-engine/internal/models"
)

// ErrNotFound is returned when a row does not exist or has been deleted.
var ErrNotFound = errors.New("not found")

// DB wraps the database connection and provides methods for data access.
type DB struct {
	conn *sql.DB
}

// NewDB creates a new database connection and initializes the schema.
func NewDB(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db := &DB{conn: conn}

	if err := db.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping checks the connection for the health endpoint.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// initSchema creates the necessary tables if they don't exist.
func (db *DB) initSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS reward_rules (
			id TEXT PRIMARY KEY,
			card_type_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			name TEXT NOT NULL,
			predicates TEXT NOT NULL,
			rounding_unit TEXT NOT NULL,
			base_rate TEXT NOT NULL,
			bonus_rate TEXT NOT NULL,
			cap_amount INTEGER,
			cap_period TEXT,
			cap_group_id TEXT,
			catch_all INTEGER NOT NULL,
			created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS payment_instruments (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			card_type_id TEXT NOT NULL,
			statement_day INTEGER NOT NULL,
			points_currency TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id TEXT PRIMARY KEY,
			instrument_id TEXT NOT NULL REFERENCES payment_instruments(id),
			amount TEXT NOT NULL,
			currency TEXT NOT NULL,
			occurred_at TEXT NOT NULL,
			merchant_name TEXT NOT NULL,
			mcc TEXT NOT NULL,
			is_online INTEGER NOT NULL,
			is_contactless INTEGER NOT NULL,
			applied_rule_id TEXT NOT NULL,
			base_points INTEGER NOT NULL,
			bonus_points INTEGER NOT NULL,
			deleted_at TEXT,
			created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rules_card_type ON reward_rules(card_type_id, position)`,
		`CREATE INDEX IF NOT EXISTS idx_instrument_id ON transactions(instrument_id)`,
		`CREATE INDEX IF NOT EXISTS idx_instrument_occurred_at ON transactions(instrument_id, occurred_at)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	return nil
}

// UpsertRule creates or updates a rule. A new rule is appended after the
// existing rules of its card type; an update keeps its position.
func (db *DB) UpsertRule(ctx context.Context, rule models.RewardRule) error {
	predicatesJSON, err := json.Marshal(rule.Predicates)
	if err != nil {
		return fmt.Errorf("failed to encode predicates: %w", err)
	}

	var capAmount sql.NullInt64
	var capPeriod, capGroup sql.NullString
	if rule.Cap != nil {
		capAmount = sql.NullInt64{Int64: rule.Cap.Amount, Valid: true}
		capPeriod = sql.NullString{String: string(rule.Cap.Period), Valid: true}
		capGroup = sql.NullString{String: rule.Cap.GroupID, Valid: true}
	}

	query := `INSERT INTO reward_rules (
		id, card_type_id, position, name, predicates, rounding_unit, base_rate,
		bonus_rate, cap_amount, cap_period, cap_group_id, catch_all, updated_at
	) VALUES (
		?, ?, (SELECT COALESCE(MAX(position), -1) + 1 FROM reward_rules WHERE card_type_id = ?),
		?, ?, ?, ?, ?, ?, ?, ?, ?, ?
	)
	ON CONFLICT(id) DO UPDATE SET
		card_type_id = excluded.card_type_id,
		name = excluded.name,
		predicates = excluded.predicates,
		rounding_unit = excluded.rounding_unit,
		base_rate = excluded.base_rate,
		bonus_rate = excluded.bonus_rate,
		cap_amount = excluded.cap_amount,
		cap_period = excluded.cap_period,
		cap_group_id = excluded.cap_group_id,
		catch_all = excluded.catch_all,
		updated_at = excluded.updated_at`

	_, err = db.conn.ExecContext(ctx,
		query,
		rule.ID,
		rule.CardTypeID,
		rule.CardTypeID,
		rule.Name,
		string(predicatesJSON),
		rule.Earn.RoundingUnit.String(),
		rule.Earn.BaseRate.String(),
		rule.Earn.BonusRate.String(),
		capAmount,
		capPeriod,
		capGroup,
		rule.CatchAll,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert rule: %w", err)
	}

	return nil
}

const ruleColumns = `id, card_type_id, name, predicates, rounding_unit, base_rate,
	bonus_rate, cap_amount, cap_period, cap_group_id, catch_all`

// GetRules returns the rules of a card type in authoring order.
func (db *DB) GetRules(ctx context.Context, cardTypeID string) ([]models.RewardRule, error) {
	query := `SELECT ` + ruleColumns + `
		FROM reward_rules
		WHERE card_type_id = ?
		ORDER BY position, created_at`

	rows, err := db.conn.QueryContext(ctx, query, cardTypeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	rules := []models.RewardRule{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	return rules, nil
}

// GetRule returns one rule by id.
func (db *DB) GetRule(ctx context.Context, id string) (models.RewardRule, error) {
	row := db.conn.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM reward_rules WHERE id = ?`, id)
	rule, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.RewardRule{}, fmt.Errorf("rule %s: %w", id, ErrNotFound)
	}
	return rule, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRule(s scanner) (models.RewardRule, error) {
	var rule models.RewardRule
	var predicatesJSON, roundingUnit, baseRate, bonusRate string
	var capAmount sql.NullInt64
	var capPeriod, capGroup sql.NullString

	err := s.Scan(
		&rule.ID,
		&rule.CardTypeID,
		&rule.Name,
		&predicatesJSON,
		&roundingUnit,
		&baseRate,
		&bonusRate,
		&capAmount,
		&capPeriod,
		&capGroup,
		&rule.CatchAll,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rule, err
		}
		return rule, fmt.Errorf("failed to scan rule: %w", err)
	}

	if err := json.Unmarshal([]byte(predicatesJSON), &rule.Predicates); err != nil {
		return rule, fmt.Errorf("failed to decode predicates of rule %s: %w", rule.ID, err)
	}

	if rule.Earn.RoundingUnit, err = decimal.NewFromString(roundingUnit); err != nil {
		return rule, fmt.Errorf("failed to parse rounding_unit: %w", err)
	}
	if rule.Earn.BaseRate, err = decimal.NewFromString(baseRate); err != nil {
		return rule, fmt.Errorf("failed to parse base_rate: %w", err)
	}
	if rule.Earn.BonusRate, err = decimal.NewFromString(bonusRate); err != nil {
		return rule, fmt.Errorf("failed to parse bonus_rate: %w", err)
	}

	if capAmount.Valid {
		rule.Cap = &models.CapSpec{
			Amount:  capAmount.Int64,
			Period:  models.Convention(capPeriod.String),
			GroupID: capGroup.String,
		}
	}

	return rule, nil
}

// UpsertInstrument creates or updates a payment instrument.
func (db *DB) UpsertInstrument(ctx context.Context, instrument models.PaymentInstrument) error {
	query := `INSERT INTO payment_instruments (
		id, user_id, kind, card_type_id, statement_day, points_currency, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		user_id = excluded.user_id,
		kind = excluded.kind,
		card_type_id = excluded.card_type_id,
		statement_day = excluded.statement_day,
		points_currency = excluded.points_currency,
		updated_at = excluded.updated_at`

	_, err := db.conn.ExecContext(ctx,
		query,
		instrument.ID,
		instrument.UserID,
		string(instrument.Kind),
		instrument.CardTypeID,
		instrument.StatementDay,
		instrument.PointsCurrency,
		time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert instrument: %w", err)
	}

	return nil
}

// GetInstrument returns one instrument by id.
func (db *DB) GetInstrument(ctx context.Context, id string) (models.PaymentInstrument, error) {
	query := `SELECT id, user_id, kind, card_type_id, statement_day, points_currency
		FROM payment_instruments WHERE id = ?`

	var instrument models.PaymentInstrument
	var kind string
	err := db.conn.QueryRowContext(ctx, query, id).Scan(
		&instrument.ID,
		&instrument.UserID,
		&kind,
		&instrument.CardTypeID,
		&instrument.StatementDay,
		&instrument.PointsCurrency,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return models.PaymentInstrument{}, fmt.Errorf("instrument %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return models.PaymentInstrument{}, fmt.Errorf("failed to get instrument: %w", err)
	}
	instrument.Kind = models.InstrumentKind(kind)

	return instrument, nil
}

// InsertTransaction stores a transaction together with its computed points.
func (db *DB) InsertTransaction(ctx context.Context, txn models.Transaction) error {
	query := `INSERT INTO transactions (
		id, instrument_id, amount, currency, occurred_at, merchant_name, mcc,
		is_online, is_contactless, applied_rule_id, base_points, bonus_points
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := db.conn.ExecContext(ctx,
		query,
		txn.ID,
		txn.InstrumentID,
		txn.Amount.String(),
		txn.Currency,
		formatTime(txn.Date),
		txn.MerchantName,
		txn.MCC,
		txn.IsOnline,
		txn.IsContactless,
		txn.AppliedRuleID,
		txn.BasePoints,
		txn.BonusPoints,
	)
	if err != nil {
		return fmt.Errorf("failed to insert transaction %s: %w", txn.ID, err)
	}

	return nil
}

// UpdateTransaction rewrites a live transaction, points included.
func (db *DB) UpdateTransaction(ctx context.Context, txn models.Transaction) error {
	query := `UPDATE transactions SET
		instrument_id = ?, amount = ?, currency = ?, occurred_at = ?,
		merchant_name = ?, mcc = ?, is_online = ?, is_contactless = ?,
		applied_rule_id = ?, base_points = ?, bonus_points = ?
		WHERE id = ? AND deleted_at IS NULL`

	res, err := db.conn.ExecContext(ctx,
		query,
		txn.InstrumentID,
		txn.Amount.String(),
		txn.Currency,
		formatTime(txn.Date),
		txn.MerchantName,
		txn.MCC,
		txn.IsOnline,
		txn.IsContactless,
		txn.AppliedRuleID,
		txn.BasePoints,
		txn.BonusPoints,
		txn.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction %s: %w", txn.ID, err)
	}

	return expectOne(res, "transaction", txn.ID)
}

// DeleteTransaction soft-deletes a transaction so it no longer counts
// towards any cap.
func (db *DB) DeleteTransaction(ctx context.Context, id string) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE transactions SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete transaction %s: %w", id, err)
	}

	return expectOne(res, "transaction", id)
}

const transactionColumns = `id, instrument_id, amount, currency, occurred_at, merchant_name,
	mcc, is_online, is_contactless, applied_rule_id, base_points, bonus_points`

// GetTransaction returns one live transaction by id.
func (db *DB) GetTransaction(ctx context.Context, id string) (models.Transaction, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = ? AND deleted_at IS NULL`, id)

	txn, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Transaction{}, fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return txn, err
}

// ListTransactions reads every live transaction of the instrument dated
// inside window. The query is unbounded, so the slice is complete.
func (db *DB) ListTransactions(ctx context.Context, instrumentID string, window models.PeriodWindow) (models.LedgerSlice, error) {
	query := `SELECT ` + transactionColumns + `
		FROM transactions
		WHERE instrument_id = ?
		AND occurred_at >= ?
		AND occurred_at < ?
		AND deleted_at IS NULL
		ORDER BY occurred_at, created_at`

	rows, err := db.conn.QueryContext(ctx, query, instrumentID, formatTime(window.Start), formatTime(window.End))
	if err != nil {
		return models.LedgerSlice{}, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	slice := models.LedgerSlice{InstrumentID: instrumentID, Window: window}
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return models.LedgerSlice{}, err
		}
		slice.Transactions = append(slice.Transactions, txn)
	}

	if err := rows.Err(); err != nil {
		return models.LedgerSlice{}, fmt.Errorf("error iterating transactions: %w", err)
	}

	slice.Complete = true
	return slice, nil
}

func scanTransaction(s scanner) (models.Transaction, error) {
	var txn models.Transaction
	var amount, occurredAt string

	err := s.Scan(
		&txn.ID,
		&txn.InstrumentID,
		&amount,
		&txn.Currency,
		&occurredAt,
		&txn.MerchantName,
		&txn.MCC,
		&txn.IsOnline,
		&txn.IsContactless,
		&txn.AppliedRuleID,
		&txn.BasePoints,
		&txn.BonusPoints,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return txn, err
		}
		return txn, fmt.Errorf("failed to scan transaction: %w", err)
	}

	if txn.Amount, err = decimal.NewFromString(amount); err != nil {
		return txn, fmt.Errorf("failed to parse amount: %w", err)
	}

	if txn.Date, err = time.Parse(timeLayout, occurredAt); err != nil {
		return txn, fmt.Errorf("failed to parse occurred_at: %w", err)
	}

	return txn, nil
}

// timeLayout sorts lexically, so window bounds can be compared as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func expectOne(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}
