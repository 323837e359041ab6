package aggregate

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/traderat755/eastmoneywatch/internal/models"
)

var (
	ErrSectorNotFound = errors.New("sector not found in current view")
	ErrEmptySector    = errors.New("sector has no stocks")
	ErrMissingCode    = errors.New("selected stock has no code")
)

// PickRepresentative selects the stock with the largest value in sector.
// Stocks are scanned morning then afternoon, times ascending; unparseable
// values never beat a parseable one and ties keep the earlier stock.
func PickRepresentative(vm *models.ViewModel, sector string) (models.DisplayStock, error) {
	sv, ok := vm.Sector(sector)
	if !ok {
		return models.DisplayStock{}, fmt.Errorf("%w: %s", ErrSectorNotFound, sector)
	}

	stocks := sv.Stocks()
	if len(stocks) == 0 {
		return models.DisplayStock{}, fmt.Errorf("%w: %s", ErrEmptySector, sector)
	}

	best := stocks[0]
	bestVal, bestOK := parse(best.Value)
	for _, s := range stocks[1:] {
		v, ok := parse(s.Value)
		if !ok {
			continue
		}
		if !bestOK || v.GreaterThan(bestVal) {
			best, bestVal, bestOK = s, v, true
		}
	}

	if best.Code == "" {
		return best, fmt.Errorf("%w: %s in %s", ErrMissingCode, best.Name, sector)
	}
	return best, nil
}

func parse(v string) (decimal.Decimal, bool) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}
