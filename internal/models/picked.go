package models

import "errors"

// PickedEntry is one curated (stock, sector) pair. StockCode is unique.
type PickedEntry struct {
	StockCode  string `json:"股票代码"`
	StockName  string `json:"股票名称"`
	SectorCode string `json:"板块代码"`
	SectorName string `json:"板块名称"`
}

// Validate checks the entry has the fields the remote store requires.
func (p *PickedEntry) Validate() error {
	if p.StockCode == "" {
		return errors.New("stock code must not be empty")
	}
	if p.SectorCode == "" {
		return errors.New("sector code must not be empty")
	}
	if p.SectorName == "" {
		return errors.New("sector name must not be empty")
	}
	return nil
}

// Sector is a (code, name) pair from the sector catalogue.
type Sector struct {
	Code string `json:"板块代码"`
	Name string `json:"板块名称"`
}

// SectorStock is a search hit: a stock together with one of its sectors.
type SectorStock struct {
	StockCode  string `json:"股票代码"`
	StockName  string `json:"股票名称"`
	SectorCode string `json:"板块代码"`
	SectorName string `json:"板块名称"`
}

// Entry converts a search hit into a PickedEntry.
func (s SectorStock) Entry() PickedEntry {
	return PickedEntry{
		StockCode:  s.StockCode,
		StockName:  s.StockName,
		SectorCode: s.SectorCode,
		SectorName: s.SectorName,
	}
}
