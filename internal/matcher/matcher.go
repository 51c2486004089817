// Package matcher selects the earn rule that applies to a purchase.
package matcher

import (
	"strings"

	"github.com/shopspring/decimal"

	"reward-cap-engine/internal/models"
)

// Attributes are the purchase facts rule predicates look at.
type Attributes struct {
	Amount        decimal.Decimal
	Currency      string
	MCC           string
	IsOnline      bool
	IsContactless bool
}

// FromTransaction extracts the matching attributes of a ledger entry.
func FromTransaction(txn models.Transaction) Attributes {
	return Attributes{
		Amount:        txn.Amount,
		Currency:      txn.Currency,
		MCC:           txn.MCC,
		IsOnline:      txn.IsOnline,
		IsContactless: txn.IsContactless,
	}
}

// Classify returns the channel of a purchase. Online wins over contactless:
// a tap-to-pay flag on an online merchant is still an online purchase.
func Classify(a Attributes) models.Channel {
	switch {
	case a.IsOnline:
		return models.ChannelOnline
	case a.IsContactless:
		return models.ChannelContactless
	default:
		return models.ChannelInStore
	}
}

// Match returns the most specific non-catch-all rule whose predicates all
// hold for a. Ties go to the rule declared first.
func Match(a Attributes, rules []models.RewardRule) (models.RewardRule, bool) {
	channel := Classify(a)

	best := -1
	var bestSpec Specificity
	for i, rule := range rules {
		if rule.CatchAll || !Eligible(a, channel, rule) {
			continue
		}
		spec := SpecificityOf(rule)
		if best < 0 || spec.Outranks(bestSpec) {
			best, bestSpec = i, spec
		}
	}
	if best < 0 {
		return models.RewardRule{}, false
	}
	return rules[best], true
}

// CatchAll returns the first card-level default rule, if any.
func CatchAll(rules []models.RewardRule) (models.RewardRule, bool) {
	for _, rule := range rules {
		if rule.CatchAll {
			return rule, true
		}
	}
	return models.RewardRule{}, false
}

// Eligible reports whether every predicate of rule holds.
func Eligible(a Attributes, channel models.Channel, rule models.RewardRule) bool {
	for _, p := range rule.Predicates {
		if !holds(a, channel, p) {
			return false
		}
	}
	return true
}

func holds(a Attributes, channel models.Channel, p models.Predicate) bool {
	switch p.Kind {
	case models.PredicateChannel:
		for _, c := range p.Channels {
			if c == channel {
				return true
			}
		}
		return false
	case models.PredicateCategory:
		if len(p.Categories) == 0 {
			return true
		}
		for _, mcc := range p.Categories {
			if mcc == a.MCC {
				return true
			}
		}
		return false
	case models.PredicateCurrency:
		return p.Currency == "" || strings.EqualFold(p.Currency, a.Currency)
	case models.PredicateMinAmount:
		return p.MinAmount == nil || a.Amount.GreaterThanOrEqual(*p.MinAmount)
	default:
		return false
	}
}
