package storage

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"

	"pricewatch/internal/model"
)

// Helpers shared by the SQL drivers: prices travel as decimal text and
// options as a JSON array.

func priceArg(p decimal.NullDecimal) *string {
	if !p.Valid {
		return nil
	}
	s := p.Decimal.String()
	return &s
}

func scanPrice(s *string) (decimal.NullDecimal, error) {
	if s == nil || strings.TrimSpace(*s) == "" {
		return decimal.NullDecimal{}, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}, err
	}
	return decimal.NewNullDecimal(d), nil
}

func optionsArg(o model.Options) (string, error) {
	if o == nil {
		o = model.Options{}
	}
	b, err := json.Marshal(o)
	return string(b), err
}

func scanOptions(s string) (model.Options, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var o model.Options
	err := json.Unmarshal([]byte(s), &o)
	return o, err
}

func nullStr(v string) *string {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return &v
}

func derefStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
