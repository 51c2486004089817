package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"reward-cap-engine/internal/models"
)

// ruleFile mirrors the YAML representation of a rule entry.
type ruleFile struct {
	ID         string          `yaml:"id"`
	Name       string          `yaml:"name"`
	CatchAll   bool            `yaml:"catch_all"`
	Channels   []string        `yaml:"channels"`
	Categories []string        `yaml:"categories"`
	Currency   string          `yaml:"currency"`
	MinAmount  string          `yaml:"min_amount"`
	Earn       earnFile        `yaml:"earn"`
	Cap        *capFile        `yaml:"cap"`
	Extra      []predicateFile `yaml:"predicates"`
}

type earnFile struct {
	RoundingUnit string `yaml:"rounding_unit"`
	BaseRate     string `yaml:"base_rate"`
	BonusRate    string `yaml:"bonus_rate"`
}

type capFile struct {
	Amount int64  `yaml:"amount"`
	Period string `yaml:"period"`
	Group  string `yaml:"group"`
}

type predicateFile struct {
	Kind       string   `yaml:"kind"`
	Channels   []string `yaml:"channels"`
	Categories []string `yaml:"categories"`
	Currency   string   `yaml:"currency"`
	MinAmount  string   `yaml:"min_amount"`
}

type cardFile struct {
	CardType string     `yaml:"card_type"`
	Rules    []ruleFile `yaml:"rules"`
}

// LoadRuleCatalog reads card types and their rules, in authoring order, from
// a YAML file:
//
//	- card_type: uob-ppv
//	  rules:
//	    - id: ppv-online
//	      channels: [online]
//	      earn: {rounding_unit: "5", base_rate: "2", bonus_rate: "18"}
//	      cap: {amount: 4000, period: calendar_month, group: ppv-bonus}
func LoadRuleCatalog(path string) ([]models.RewardRule, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open rule catalog: %w", err)
	}
	defer file.Close()

	var cards []cardFile
	if err := yaml.NewDecoder(file).Decode(&cards); err != nil {
		return nil, fmt.Errorf("decode rule catalog: %w", err)
	}

	var rules []models.RewardRule
	seen := make(map[string]struct{})
	for _, card := range cards {
		cardType := strings.TrimSpace(card.CardType)
		if cardType == "" {
			return nil, fmt.Errorf("card_type required")
		}
		for _, entry := range card.Rules {
			id := strings.TrimSpace(entry.ID)
			if id == "" {
				return nil, fmt.Errorf("card %s: rule id required", cardType)
			}
			if _, exists := seen[id]; exists {
				return nil, fmt.Errorf("duplicate rule id %s", id)
			}
			seen[id] = struct{}{}

			rule, err := entry.toRule(cardType)
			if err != nil {
				return nil, fmt.Errorf("rule %s: %w", id, err)
			}
			rules = append(rules, rule)
		}
	}
	return rules, nil
}

func (f ruleFile) toRule(cardType string) (models.RewardRule, error) {
	rule := models.RewardRule{
		ID:         strings.TrimSpace(f.ID),
		CardTypeID: cardType,
		Name:       f.Name,
		CatchAll:   f.CatchAll,
	}

	// shorthand fields first, then the explicit predicate list
	shorthand := predicateFile{Channels: f.Channels, Categories: f.Categories, Currency: f.Currency, MinAmount: f.MinAmount}
	preds, err := shorthand.expand()
	if err != nil {
		return models.RewardRule{}, err
	}
	rule.Predicates = preds
	for _, p := range f.Extra {
		more, err := p.explicit()
		if err != nil {
			return models.RewardRule{}, err
		}
		rule.Predicates = append(rule.Predicates, more)
	}

	if rule.Earn.RoundingUnit, err = parseDecimal(f.Earn.RoundingUnit, "1"); err != nil {
		return models.RewardRule{}, fmt.Errorf("rounding_unit: %w", err)
	}
	if rule.Earn.BaseRate, err = parseDecimal(f.Earn.BaseRate, "0"); err != nil {
		return models.RewardRule{}, fmt.Errorf("base_rate: %w", err)
	}
	if rule.Earn.BonusRate, err = parseDecimal(f.Earn.BonusRate, "0"); err != nil {
		return models.RewardRule{}, fmt.Errorf("bonus_rate: %w", err)
	}

	if f.Cap != nil {
		period := models.Convention(strings.TrimSpace(f.Cap.Period))
		if period == "" {
			period = models.ConventionCalendarMonth
		}
		rule.Cap = &models.CapSpec{Amount: f.Cap.Amount, Period: period, GroupID: strings.TrimSpace(f.Cap.Group)}
	}
	return rule, nil
}

// expand turns the shorthand fields into one predicate per non-empty field.
func (p predicateFile) expand() ([]models.Predicate, error) {
	var preds []models.Predicate
	if len(p.Channels) > 0 {
		preds = append(preds, models.Predicate{Kind: models.PredicateChannel, Channels: channels(p.Channels)})
	}
	if len(p.Categories) > 0 {
		preds = append(preds, models.Predicate{Kind: models.PredicateCategory, Categories: trimAll(p.Categories)})
	}
	if c := strings.TrimSpace(p.Currency); c != "" {
		preds = append(preds, models.Predicate{Kind: models.PredicateCurrency, Currency: strings.ToUpper(c)})
	}
	if p.MinAmount != "" {
		amount, err := decimal.NewFromString(strings.TrimSpace(p.MinAmount))
		if err != nil {
			return nil, fmt.Errorf("min_amount: %w", err)
		}
		preds = append(preds, models.Predicate{Kind: models.PredicateMinAmount, MinAmount: &amount})
	}
	return preds, nil
}

func (p predicateFile) explicit() (models.Predicate, error) {
	kind := models.PredicateKind(strings.TrimSpace(p.Kind))
	pred := models.Predicate{Kind: kind}
	switch kind {
	case models.PredicateChannel:
		pred.Channels = channels(p.Channels)
	case models.PredicateCategory:
		pred.Categories = trimAll(p.Categories)
	case models.PredicateCurrency:
		pred.Currency = strings.ToUpper(strings.TrimSpace(p.Currency))
	case models.PredicateMinAmount:
		amount, err := decimal.NewFromString(strings.TrimSpace(p.MinAmount))
		if err != nil {
			return models.Predicate{}, fmt.Errorf("min_amount: %w", err)
		}
		pred.MinAmount = &amount
	default:
		return models.Predicate{}, fmt.Errorf("unknown predicate kind %q", p.Kind)
	}
	return pred, nil
}

func channels(raw []string) []models.Channel {
	out := make([]models.Channel, 0, len(raw))
	for _, c := range raw {
		out = append(out, models.Channel(strings.ToLower(strings.TrimSpace(c))))
	}
	return out
}

func trimAll(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		out = append(out, strings.TrimSpace(s))
	}
	return out
}

func parseDecimal(raw, fallback string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = fallback
	}
	return decimal.NewFromString(raw)
}
