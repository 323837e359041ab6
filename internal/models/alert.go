package models

// SectorAlert groups the newest-batch limit-up stocks of one picked sector.
type SectorAlert struct {
	Sector string
	Slot   Slot
	Stocks []DisplayStock
}
