package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Outcome classifies how a price check ended.
type Outcome string

const (
	OutcomeSuccess         Outcome = "success"
	OutcomeTimeout         Outcome = "timeout"
	OutcomeElementNotFound Outcome = "element_not_found"
	OutcomeParseFailure    Outcome = "parse_failure"
	OutcomeHTTPError       Outcome = "http_error"
)

func (o Outcome) OK() bool { return o == OutcomeSuccess }

// Option is one named product selection (e.g. Size=5'0 King).
type Option struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Options is an ordered configuration descriptor. Order matters for the
// browser strategy, which clicks selectors in sequence.
type Options []Option

// Get returns the value for name (case-insensitive).
func (o Options) Get(name string) (string, bool) {
	for _, opt := range o {
		if strings.EqualFold(opt.Name, name) {
			return opt.Value, true
		}
	}
	return "", false
}

func (o Options) String() string {
	parts := make([]string, 0, len(o))
	for _, opt := range o {
		parts = append(parts, opt.Name+"="+opt.Value)
	}
	return strings.Join(parts, ", ")
}

// Clone returns a copy that does not alias o.
func (o Options) Clone() Options {
	if o == nil {
		return nil
	}
	return append(Options(nil), o...)
}

// Observation is one recorded price check. Immutable once appended.
type Observation struct {
	ID       string              `json:"id"`
	At       time.Time           `json:"at"`
	Price    decimal.NullDecimal `json:"price"`
	Currency string              `json:"currency,omitempty"`
	Options  Options             `json:"options"`
	Outcome  Outcome             `json:"outcome"`
	Error    string              `json:"error,omitempty"`
	Trigger  string              `json:"trigger"`
	Source   string              `json:"source,omitempty"`
}

// TriggerManual tags observations produced by an explicit check request.
const TriggerManual = "manual"

// ScheduledTrigger tags an observation with the window that produced it.
func ScheduledTrigger(window string) string { return "schedule:" + window }

// FormatPrice renders the price with the currency symbol, or "n/a".
func (o Observation) FormatPrice() string {
	if !o.Price.Valid {
		return "n/a"
	}
	return o.Currency + o.Price.Decimal.StringFixed(2)
}
