package picked

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/traderat755/eastmoneywatch/internal/aggregate"
	"github.com/traderat755/eastmoneywatch/internal/logger"
	"github.com/traderat755/eastmoneywatch/internal/models"
)

var (
	ErrInvalidEntry      = errors.New("invalid picked entry")
	ErrReload            = errors.New("mutation applied but reload failed")
	ErrSectorNotAllowed  = errors.New("stock does not belong to sector")
	ErrSectorCodeUnknown = errors.New("sector code unknown")
)

// Store is the local mirror of the remote picked list. Every mutation is
// applied remotely first and followed by a full reload; the cache is never
// patched locally.
type Store struct {
	api API

	mu      sync.RWMutex
	entries []models.PickedEntry
	sectors []models.Sector
	// seq orders reloads; applied is the seq of the reload now in the cache.
	seq     uint64
	applied uint64
}

// NewStore creates an empty store backed by api.
func NewStore(api API) *Store {
	return &Store{api: api}
}

// Load fetches the full list and replaces the cache. On failure the cache is
// left as it was. A reload started earlier never overwrites one started later.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	entries, err := s.api.ListPicked(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if seq < s.applied {
		logger.Debug("discarding stale picked reload %d (have %d)", seq, s.applied)
		return nil
	}
	s.applied = seq
	s.entries = entries
	return nil
}

// Entries returns a copy of the cached entries.
func (s *Store) Entries() []models.PickedEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.PickedEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// SectorNames returns the distinct non-empty sector names of the cached
// entries in cache order.
func (s *Store) SectorNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool, len(s.entries))
	var names []string
	for _, e := range s.entries {
		if e.SectorName == "" || seen[e.SectorName] {
			continue
		}
		seen[e.SectorName] = true
		names = append(names, e.SectorName)
	}
	return names
}

// IsPicked reports whether any cached entry belongs to sector.
func (s *Store) IsPicked(sector string) bool {
	if sector == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.SectorName == sector {
			return true
		}
	}
	return false
}

// Add creates an entry remotely and reloads.
func (s *Store) Add(ctx context.Context, e models.PickedEntry) (string, error) {
	if err := e.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	msg, err := s.api.AddPicked(ctx, e)
	if err != nil {
		return "", err
	}
	return msg, s.reload(ctx)
}

// RemoveByCode deletes the entry for a stock code and reloads.
func (s *Store) RemoveByCode(ctx context.Context, code string) (string, error) {
	if code == "" {
		return "", fmt.Errorf("%w: stock code must not be empty", ErrInvalidEntry)
	}
	return s.remove(ctx, code)
}

// RemoveBySector deletes every entry in a sector and reloads.
func (s *Store) RemoveBySector(ctx context.Context, sector string) (string, error) {
	if sector == "" {
		return "", fmt.Errorf("%w: sector name must not be empty", ErrInvalidEntry)
	}
	return s.remove(ctx, sector)
}

func (s *Store) remove(ctx context.Context, id string) (string, error) {
	msg, err := s.api.DeletePicked(ctx, id)
	if err != nil {
		return "", err
	}
	return msg, s.reload(ctx)
}

// Update replaces the entry for code. The new sector must be one the stock
// belongs to; its code is taken from the catalogue. An empty stock name is
// kept from the existing entry.
func (s *Store) Update(ctx context.Context, code string, e models.PickedEntry) (string, error) {
	if code == "" {
		return "", fmt.Errorf("%w: stock code must not be empty", ErrInvalidEntry)
	}
	if e.StockCode == "" {
		e.StockCode = code
	}
	if e.StockName == "" {
		name, err := s.stockName(ctx, code)
		if err != nil {
			return "", err
		}
		e.StockName = name
	}

	allowed, err := s.api.StockSectors(ctx, code)
	if err != nil {
		return "", err
	}
	found := false
	for _, sec := range allowed {
		if sec.Name == e.SectorName {
			e.SectorCode = sec.Code
			found = true
			break
		}
	}
	if !found {
		return "", fmt.Errorf("%w: %s not in sectors of %s", ErrSectorNotAllowed, e.SectorName, code)
	}
	if err := e.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}

	msg, err := s.api.UpdatePicked(ctx, code, e)
	if err != nil {
		return "", err
	}
	return msg, s.reload(ctx)
}

// stockName looks code up in the cache, loading it first if it is empty.
func (s *Store) stockName(ctx context.Context, code string) (string, error) {
	s.mu.RLock()
	empty := len(s.entries) == 0
	s.mu.RUnlock()
	if empty {
		if err := s.Load(ctx); err != nil {
			return "", err
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.StockCode == code {
			return e.StockName, nil
		}
	}
	return "", nil
}

func (s *Store) reload(ctx context.Context) error {
	if err := s.Load(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrReload, err)
	}
	return nil
}

// LoadSectors fetches and caches the sector catalogue.
func (s *Store) LoadSectors(ctx context.Context) ([]models.Sector, error) {
	sectors, err := s.api.ListSectors(ctx)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.sectors = sectors
	s.mu.Unlock()
	return sectors, nil
}

// SearchSectors looks up stocks and their sectors.
func (s *Store) SearchSectors(ctx context.Context, q string) ([]models.SectorStock, error) {
	return s.api.SearchSectors(ctx, q)
}

// StockSectors lists the sectors a stock belongs to.
func (s *Store) StockSectors(ctx context.Context, code string) ([]models.Sector, error) {
	return s.api.StockSectors(ctx, code)
}

// SectorCode resolves a sector name, loading the catalogue on first use and
// reloading it once when the name is not found.
func (s *Store) SectorCode(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	sectors := s.sectors
	s.mu.RUnlock()

	fresh := false
	if len(sectors) == 0 {
		var err error
		if sectors, err = s.LoadSectors(ctx); err != nil {
			return "", err
		}
		fresh = true
	}
	if code, ok := findSector(sectors, name); ok {
		return code, nil
	}
	if !fresh {
		var err error
		if sectors, err = s.LoadSectors(ctx); err != nil {
			return "", err
		}
		if code, ok := findSector(sectors, name); ok {
			return code, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrSectorCodeUnknown, name)
}

func findSector(sectors []models.Sector, name string) (string, bool) {
	for _, sec := range sectors {
		if sec.Name == name && sec.Code != "" {
			return sec.Code, true
		}
	}
	return "", false
}

// ToggleResult describes what ToggleSector did.
type ToggleResult struct {
	Picked  bool               `json:"picked"`
	Entry   models.PickedEntry `json:"entry"`
	Message string             `json:"message"`
}

// ToggleSector un-picks sector if it is picked. Otherwise it selects the
// sector's representative stock from vm and adds it.
func (s *Store) ToggleSector(ctx context.Context, vm *models.ViewModel, sector string) (ToggleResult, error) {
	if s.IsPicked(sector) {
		msg, err := s.RemoveBySector(ctx, sector)
		return ToggleResult{Picked: false, Message: msg}, err
	}

	stock, err := aggregate.PickRepresentative(vm, sector)
	if err != nil {
		return ToggleResult{}, err
	}
	code, err := s.SectorCode(ctx, sector)
	if err != nil {
		return ToggleResult{}, err
	}

	entry := models.PickedEntry{
		StockCode:  stock.Code,
		StockName:  stock.Name,
		SectorCode: code,
		SectorName: sector,
	}
	msg, err := s.Add(ctx, entry)
	return ToggleResult{Picked: err == nil || errors.Is(err, ErrReload), Entry: entry, Message: msg}, err
}
