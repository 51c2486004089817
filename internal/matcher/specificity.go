package matcher

import (
	"math"

	"reward-cap-engine/internal/models"
)

// allChannels is the breadth of a rule with no channel restriction.
const allChannels = 3

// Specificity ranks how narrowly a rule is targeted.
type Specificity struct {
	// Fields counts predicates that actually restrict something.
	Fields int
	// CategoryBreadth is the size of the allowed MCC set, MaxInt when unrestricted.
	CategoryBreadth int
	// ChannelBreadth is the number of channels allowed.
	ChannelBreadth int
}

// SpecificityOf derives the ranking key from a rule's predicates.
func SpecificityOf(rule models.RewardRule) Specificity {
	s := Specificity{CategoryBreadth: math.MaxInt, ChannelBreadth: allChannels}
	for _, p := range rule.Predicates {
		switch p.Kind {
		case models.PredicateChannel:
			if n := distinctChannels(p.Channels); n < s.ChannelBreadth {
				if s.ChannelBreadth == allChannels {
					s.Fields++
				}
				s.ChannelBreadth = n
			}
		case models.PredicateCategory:
			if n := len(p.Categories); n > 0 && n < s.CategoryBreadth {
				if s.CategoryBreadth == math.MaxInt {
					s.Fields++
				}
				s.CategoryBreadth = n
			}
		case models.PredicateCurrency:
			if p.Currency != "" {
				s.Fields++
			}
		case models.PredicateMinAmount:
			if p.MinAmount != nil && p.MinAmount.IsPositive() {
				s.Fields++
			}
		}
	}
	return s
}

// Outranks reports whether s is strictly more specific than other. Equal
// keys do not outrank, which leaves ties to declaration order.
func (s Specificity) Outranks(other Specificity) bool {
	if s.Fields != other.Fields {
		return s.Fields > other.Fields
	}
	if s.CategoryBreadth != other.CategoryBreadth {
		return s.CategoryBreadth < other.CategoryBreadth
	}
	return s.ChannelBreadth < other.ChannelBreadth
}

func distinctChannels(channels []models.Channel) int {
	seen := make(map[models.Channel]struct{}, len(channels))
	for _, c := range channels {
		seen[c] = struct{}{}
	}
	return len(seen)
}
