package validation

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"reward-cap-engine/internal/models"
)

var (
	uuidRegex     = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	mccRegex      = regexp.MustCompile(`^\d{4}$`)
	currencyRegex = regexp.MustCompile(`^[A-Z]{3}$`)
	slugRegex     = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:-]{0,127}$`)

	maxAmount = decimal.NewFromInt(1_000_000_000)
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// ValidateRule checks a rule on its own. Cap group consistency against the
// rest of the card type is ValidateCapGroup's job.
func ValidateRule(rule models.RewardRule) error {
	if err := validateSlug(rule.ID, "id"); err != nil {
		return err
	}

	if err := validateSlug(rule.CardTypeID, "card_type_id"); err != nil {
		return err
	}

	if len(rule.Name) > 200 {
		return &ValidationError{
			Field:   "name",
			Message: "cannot exceed 200 characters",
		}
	}

	if rule.CatchAll && len(rule.Predicates) > 0 {
		return &ValidationError{
			Field:   "predicates",
			Message: "catch-all rules cannot carry predicates",
		}
	}

	for i, p := range rule.Predicates {
		if err := validatePredicate(p); err != nil {
			return &ValidationError{
				Field:   fmt.Sprintf("predicates[%d]", i),
				Message: err.Error(),
			}
		}
	}

	if !rule.Earn.RoundingUnit.IsPositive() {
		return &ValidationError{
			Field:   "earn.rounding_unit",
			Message: "must be positive",
		}
	}

	if rule.Earn.BaseRate.IsNegative() {
		return &ValidationError{
			Field:   "earn.base_rate",
			Message: "must be non-negative",
		}
	}

	if rule.Earn.BonusRate.IsNegative() {
		return &ValidationError{
			Field:   "earn.bonus_rate",
			Message: "must be non-negative",
		}
	}

	if rule.Cap != nil {
		if rule.Cap.Amount < 0 {
			return &ValidationError{
				Field:   "cap.amount",
				Message: "must be non-negative",
			}
		}

		switch rule.Cap.Period {
		case models.ConventionCalendarMonth, models.ConventionStatementMonth:
		default:
			return &ValidationError{
				Field:   "cap.period",
				Message: fmt.Sprintf("unknown convention %q", rule.Cap.Period),
			}
		}

		if rule.Cap.GroupID != "" {
			if err := validateSlug(rule.Cap.GroupID, "cap.group_id"); err != nil {
				return err
			}
		}
	}

	return nil
}

// ValidateCapGroup rejects a rule whose cap disagrees with another rule of
// the same card type drawing from the same group.
func ValidateCapGroup(rule models.RewardRule, existing []models.RewardRule) error {
	if rule.Cap == nil || rule.Cap.GroupID == "" {
		return nil
	}

	for _, other := range existing {
		if other.ID == rule.ID || other.CardTypeID != rule.CardTypeID {
			continue
		}
		if other.Cap == nil || other.Cap.GroupID != rule.Cap.GroupID {
			continue
		}
		if other.Cap.Amount != rule.Cap.Amount || other.Cap.Period != rule.Cap.Period {
			return &ValidationError{
				Field: "cap",
				Message: fmt.Sprintf("group %s is already capped at %d per %s by rule %s",
					rule.Cap.GroupID, other.Cap.Amount, other.Cap.Period, other.ID),
			}
		}
	}

	return nil
}

func validatePredicate(p models.Predicate) error {
	switch p.Kind {
	case models.PredicateChannel:
		if len(p.Channels) == 0 {
			return fmt.Errorf("channel predicate needs at least one channel")
		}
		for _, c := range p.Channels {
			switch c {
			case models.ChannelInStore, models.ChannelContactless, models.ChannelOnline:
			default:
				return fmt.Errorf("unknown channel %q", c)
			}
		}
	case models.PredicateCategory:
		if len(p.Categories) == 0 {
			return fmt.Errorf("category predicate needs at least one mcc")
		}
		if len(p.Categories) > 100 {
			return fmt.Errorf("cannot contain more than 100 MCC codes")
		}
		for _, mcc := range p.Categories {
			if !mccRegex.MatchString(mcc) {
				return fmt.Errorf("mcc %q must be a 4-digit numeric code", mcc)
			}
		}
	case models.PredicateCurrency:
		if !currencyRegex.MatchString(p.Currency) {
			return fmt.Errorf("currency must be a 3-letter ISO 4217 code")
		}
	case models.PredicateMinAmount:
		if p.MinAmount == nil || p.MinAmount.IsNegative() {
			return fmt.Errorf("min_amount must be non-negative")
		}
	default:
		return fmt.Errorf("unknown predicate kind %q", p.Kind)
	}
	return nil
}

func ValidateInstrument(instrument models.PaymentInstrument) error {
	if err := ValidateUUID(instrument.ID, "id"); err != nil {
		return err
	}

	if err := ValidateUUID(instrument.UserID, "user_id"); err != nil {
		return err
	}

	switch instrument.Kind {
	case models.InstrumentCreditCard, models.InstrumentDebitCard:
		if instrument.CardTypeID != "" {
			if err := validateSlug(instrument.CardTypeID, "card_type_id"); err != nil {
				return err
			}
		}
	case models.InstrumentCash, models.InstrumentEWallet:
		if instrument.CardTypeID != "" {
			return &ValidationError{
				Field:   "card_type_id",
				Message: fmt.Sprintf("not allowed for %s instruments", instrument.Kind),
			}
		}
	default:
		return &ValidationError{
			Field:   "kind",
			Message: fmt.Sprintf("unknown instrument kind %q", instrument.Kind),
		}
	}

	if instrument.StatementDay < 0 || instrument.StatementDay > 31 {
		return &ValidationError{
			Field:   "statement_day",
			Message: "must be between 1 and 31",
		}
	}

	return nil
}

func ValidateTransaction(txn models.Transaction) error {
	if err := ValidateUUID(txn.ID, "id"); err != nil {
		return err
	}

	if err := ValidateUUID(txn.InstrumentID, "instrument_id"); err != nil {
		return err
	}

	if err := validatePurchase(txn.Amount, txn.Currency, txn.MCC); err != nil {
		return err
	}

	if txn.Date.IsZero() {
		return &ValidationError{
			Field:   "date",
			Message: "is required",
		}
	}

	return validateDate(txn.Date)
}

func ValidateSimulate(req models.SimulateRequest) error {
	if err := ValidateUUID(req.InstrumentID, "instrument_id"); err != nil {
		return err
	}

	if err := validatePurchase(req.Amount, req.Currency, req.MCC); err != nil {
		return err
	}

	if req.Date != nil {
		return validateDate(*req.Date)
	}

	return nil
}

func validatePurchase(amount decimal.Decimal, currency, mcc string) error {
	if amount.Abs().GreaterThan(maxAmount) {
		return &ValidationError{
			Field:   "amount",
			Message: "exceeds maximum allowed amount",
		}
	}

	if !currencyRegex.MatchString(SanitizeString(currency)) {
		return &ValidationError{
			Field:   "currency",
			Message: "must be a 3-letter ISO 4217 code",
		}
	}

	if mcc != "" {
		return validateMCC(mcc)
	}

	return nil
}

func validateDate(date time.Time) error {
	maxFutureTime := time.Now().Add(1 * time.Hour)
	if date.After(maxFutureTime) {
		return &ValidationError{
			Field:   "date",
			Message: "cannot be more than 1 hour in the future",
		}
	}

	maxPastTime := time.Now().AddDate(-10, 0, 0)
	if date.Before(maxPastTime) {
		return &ValidationError{
			Field:   "date",
			Message: "cannot be more than 10 years in the past",
		}
	}

	return nil
}

func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(s)
}

func ValidateUUID(id, fieldName string) error {
	if id == "" {
		return &ValidationError{
			Field:   fieldName,
			Message: "is required",
		}
	}

	id = SanitizeString(id)

	if !uuidRegex.MatchString(strings.ToLower(id)) {
		return &ValidationError{
			Field:   fieldName,
			Message: "must be a valid UUID v4",
		}
	}

	return nil
}

func validateSlug(id, fieldName string) error {
	if id == "" {
		return &ValidationError{
			Field:   fieldName,
			Message: "is required",
		}
	}

	if !slugRegex.MatchString(id) {
		return &ValidationError{
			Field:   fieldName,
			Message: "must be 1-128 letters, digits or . _ : -",
		}
	}

	return nil
}

func validateMCC(mcc string) error {
	mcc = SanitizeString(mcc)

	if !mccRegex.MatchString(mcc) {
		return &ValidationError{
			Field:   "mcc",
			Message: "must be a 4-digit numeric code",
		}
	}

	return nil
}

func ValidateTimeString(timeStr string) (time.Time, error) {
	if timeStr == "" {
		return time.Time{}, &ValidationError{
			Field:   "time",
			Message: "is required",
		}
	}

	t, err := time.Parse(time.RFC3339, timeStr)
	if err != nil {
		return time.Time{}, &ValidationError{
			Field:   "time",
			Message: "must be a valid RFC3339 timestamp",
		}
	}

	return t, nil
}
