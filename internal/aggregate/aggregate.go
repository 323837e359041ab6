// Package aggregate folds normalized anomaly events into the per-sector view
// model and provides the per-cell deduplication, display formatting, and
// representative-stock selection used by consumers of that view.
package aggregate

import (
	"github.com/traderat755/eastmoneywatch/internal/models"
)

// LatestSlot returns the greatest (time, period) pair in events.
func LatestSlot(events []models.AnomalyEvent) (models.Slot, bool) {
	if len(events) == 0 {
		return models.Slot{}, false
	}
	latest := models.Slot{Time: events[0].Time, Period: events[0].Period}
	for _, e := range events[1:] {
		s := models.Slot{Time: e.Time, Period: e.Period}
		if s.After(latest) {
			latest = s
		}
	}
	return latest, true
}

// Build produces a fresh ViewModel for one batch. Events are assumed valid;
// cells keep arrival order and are deduplicated at read time.
func Build(events []models.AnomalyEvent) *models.ViewModel {
	vm := models.NewViewModel()
	latest, ok := LatestSlot(events)
	if !ok {
		return vm
	}
	vm.Latest = latest

	for _, e := range events {
		sv, seen := vm.Sectors[e.Sector]
		if !seen {
			sv = models.NewSectorView()
			vm.Sectors[e.Sector] = sv
			vm.Order = append(vm.Order, e.Sector)
		}

		bucket := sv.Bucket(e.Period)
		bucket[e.Time] = append(bucket[e.Time], models.DisplayStock{
			Name:     e.Name,
			Code:     e.Code,
			Value:    e.Value,
			IsLimit:  models.IsLimitUp(e.Category),
			IsNewest: e.Time == latest.Time && e.Period == latest.Period,
			Category: e.Category,
			Sign:     e.Sign,
		})
	}
	return vm
}

// Newest returns every newest-batch stock, sector by sector in first-seen
// order, with each cell deduplicated.
func Newest(vm *models.ViewModel) map[string][]models.DisplayStock {
	out := make(map[string][]models.DisplayStock)
	if vm == nil {
		return out
	}
	for _, name := range vm.Order {
		cell := vm.Sectors[name].Bucket(vm.Latest.Period)[vm.Latest.Time]
		if len(cell) == 0 {
			continue
		}
		out[name] = Deduplicate(cell)
	}
	return out
}
