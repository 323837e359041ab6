package aggregate

import (
	"github.com/shopspring/decimal"

	"github.com/traderat755/eastmoneywatch/internal/models"
)

var (
	alertThreshold = decimal.NewFromInt(10)
	half           = decimal.NewFromFloat(0.5)
)

// FormatValue renders a change value, prefixing "+" when it is positive.
func FormatValue(v string) string {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return v
	}
	if d.IsPositive() {
		return "+" + v
	}
	return v
}

// IsAlert reports whether a stock is shown in the emphasized style: it is
// limit-up, or its value rounds (half up) to 10 or more.
func IsAlert(s models.DisplayStock) bool {
	if s.IsLimit {
		return true
	}
	d, err := decimal.NewFromString(s.Value)
	if err != nil {
		return false
	}
	return d.Add(half).Floor().GreaterThanOrEqual(alertThreshold)
}
