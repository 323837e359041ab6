package models

import "sort"

// DisplayStock is one stock entry inside a view cell.
type DisplayStock struct {
	Name     string `json:"name"`
	Code     string `json:"code"`
	Value    string `json:"value"`
	IsLimit  bool   `json:"is_limit"`
	IsNewest bool   `json:"is_newest"`
	Category string `json:"category"`
	Sign     string `json:"sign,omitempty"`
}

// TimeGroup maps an "HH:MM:SS" timestamp to the stocks recorded at it.
type TimeGroup map[string][]DisplayStock

// Times returns the group's timestamps in ascending order.
func (g TimeGroup) Times() []string {
	times := make([]string, 0, len(g))
	for t := range g {
		times = append(times, t)
	}
	sort.Strings(times)
	return times
}

// SectorView holds both half-day buckets for one sector.
type SectorView struct {
	Morning   TimeGroup `json:"morning"`
	Afternoon TimeGroup `json:"afternoon"`
}

// NewSectorView returns a SectorView with empty buckets.
func NewSectorView() *SectorView {
	return &SectorView{Morning: TimeGroup{}, Afternoon: TimeGroup{}}
}

// Bucket returns the time group for period p.
func (v *SectorView) Bucket(p Period) TimeGroup {
	if p == Afternoon {
		return v.Afternoon
	}
	return v.Morning
}

// Stocks flattens the sector: morning before afternoon, times ascending,
// cell order preserved.
func (v *SectorView) Stocks() []DisplayStock {
	var out []DisplayStock
	for _, g := range []TimeGroup{v.Morning, v.Afternoon} {
		for _, t := range g.Times() {
			out = append(out, g[t]...)
		}
	}
	return out
}

// ViewModel is the sector → half-day → timestamp → stocks structure built
// from one batch. It is never mutated after publication.
type ViewModel struct {
	Sectors map[string]*SectorView `json:"sectors"`
	// Order lists sector names in first-seen order within the batch.
	Order  []string `json:"order"`
	Latest Slot     `json:"latest"`
}

// NewViewModel returns an empty ViewModel.
func NewViewModel() *ViewModel {
	return &ViewModel{Sectors: map[string]*SectorView{}, Order: []string{}}
}

// Sector returns the named sector view, if present.
func (vm *ViewModel) Sector(name string) (*SectorView, bool) {
	if vm == nil {
		return nil, false
	}
	v, ok := vm.Sectors[name]
	return v, ok
}
