// Package monitor runs the ingestion pipeline: frames are normalized,
// aggregated, and published as immutable snapshots, and picked sectors are
// watched for new limit-up stocks.
package monitor

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/traderat755/eastmoneywatch/internal/aggregate"
	"github.com/traderat755/eastmoneywatch/internal/logger"
	"github.com/traderat755/eastmoneywatch/internal/models"
	"github.com/traderat755/eastmoneywatch/internal/normalize"
	"github.com/traderat755/eastmoneywatch/internal/storage"
	"github.com/traderat755/eastmoneywatch/internal/stream"
)

type Config struct {
	AlertsEnabled bool
	AlertCooldown time.Duration
}

func DefaultConfig() Config {
	return Config{
		AlertsEnabled: false,
		AlertCooldown: 10 * time.Minute,
	}
}

// PickedSource reports which sectors are curated.
type PickedSource interface {
	IsPicked(sector string) bool
}

// Notifier delivers alerts and outage notices.
type Notifier interface {
	SendPickedAlerts(alerts []models.SectorAlert) error
	SendError(err error) error
	SendRecovery(failureCount int) error
}

// StatusKind classifies the pipeline status.
type StatusKind int

const (
	Loading StatusKind = iota
	Connected
	TransportError
	Reconnecting
	ParseError
	Closed
)

func (k StatusKind) String() string {
	switch k {
	case Loading:
		return "loading"
	case Connected:
		return "connected"
	case TransportError:
		return "transport error"
	case Reconnecting:
		return "reconnecting"
	case ParseError:
		return "parse error"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("status(%d)", int(k))
}

// MarshalText encodes the kind by name.
func (k StatusKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Status is what the presentation layer shows next to the view.
type Status struct {
	Kind    StatusKind `json:"kind"`
	Message string     `json:"message,omitempty"`
	Since   time.Time  `json:"since"`
}

// Snapshot is one published view. Snapshots are never modified after
// publication.
type Snapshot struct {
	View      *models.ViewModel `json:"view"`
	UpdatedAt time.Time         `json:"updated_at"`
	BatchID   string            `json:"batch_id,omitempty"`
	Records   int               `json:"records"`
	Restored  bool              `json:"restored,omitempty"`
}

type notifiedRecord struct {
	Sector string
	SentAt time.Time
}

// Monitor owns the published snapshot and the pipeline status.
type Monitor struct {
	storage  *storage.Storage
	picked   PickedSource
	notifier Notifier
	config   Config
	now      func() time.Time

	snap atomic.Pointer[Snapshot]

	mu       sync.Mutex
	status   Status
	failures int
	notified map[string]notifiedRecord
	subs     map[chan struct{}]struct{}

	outbox chan func() error
	wg     sync.WaitGroup
}

// New creates a Monitor. Storage, picked and notifier may be nil.
func New(s *storage.Storage, picked PickedSource, notifier Notifier, config Config) *Monitor {
	m := &Monitor{
		storage:  s,
		picked:   picked,
		notifier: notifier,
		config:   config,
		now:      time.Now,
		notified: make(map[string]notifiedRecord),
		subs:     make(map[chan struct{}]struct{}),
	}
	m.snap.Store(&Snapshot{View: models.NewViewModel()})
	m.status = Status{Kind: Loading, Since: m.now()}

	if s != nil && config.AlertCooldown > 0 {
		m.loadNotified()
	}
	if notifier != nil {
		m.outbox = make(chan func() error, 64)
		m.wg.Add(1)
		go m.deliver()
	}
	return m
}

func (m *Monitor) loadNotified() {
	recs, err := m.storage.NotificationsSince(m.now().Add(-m.config.AlertCooldown))
	if err != nil {
		logger.Warn("Failed to load sent notifications: %v", err)
		return
	}
	for _, r := range recs {
		m.notified[notifiedKey(r.Code, r.Category)] = notifiedRecord{Sector: r.Sector, SentAt: r.SentAt}
	}
	logger.Debug("Restored %d sent notifications", len(recs))
}

// Snapshot returns the current published view.
func (m *Monitor) Snapshot() *Snapshot {
	return m.snap.Load()
}

// Status returns the current status.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Subscribe returns a channel that receives a value whenever the snapshot or
// status changes. Notifications coalesce; call cancel to unsubscribe.
func (m *Monitor) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	m.mu.Lock()
	m.subs[ch] = struct{}{}
	m.mu.Unlock()
	return ch, func() {
		m.mu.Lock()
		delete(m.subs, ch)
		m.mu.Unlock()
	}
}

// broadcast must be called with mu held.
func (m *Monitor) broadcast() {
	for ch := range m.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (m *Monitor) setStatus(kind StatusKind, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = Status{Kind: kind, Message: msg, Since: m.now()}
	m.broadcast()
}

// HandleFrame runs one raw frame through the pipeline. A malformed frame
// leaves the published view untouched and sets a parse error status.
func (m *Monitor) HandleFrame(raw []byte) error {
	events, total, err := normalize.DecodeBatch(raw)
	if err != nil {
		logger.Warn("Discarding batch: %v", err)
		m.setStatus(ParseError, err.Error())
		return err
	}
	now := m.now()

	if total == 0 {
		prev := m.snap.Load()
		next := *prev
		next.UpdatedAt = now
		m.snap.Store(&next)
		m.setStatus(Connected, "empty batch")
		return nil
	}

	vm := aggregate.Build(events)
	var batchID string
	if m.storage != nil {
		if batchID, err = m.storage.SaveBatch(now, events); err != nil {
			logger.Warn("Failed to journal batch: %v", err)
		}
	}
	m.snap.Store(&Snapshot{View: vm, UpdatedAt: now, BatchID: batchID, Records: len(events)})
	logger.Debug("Published batch: %d/%d records, %d sectors, latest %s %s",
		len(events), total, len(vm.Order), vm.Latest.Period, vm.Latest.Time)
	m.setStatus(Connected, "")

	if m.config.AlertsEnabled {
		m.alert(vm)
	}
	return nil
}

// Restore publishes a journaled batch before live data arrives.
func (m *Monitor) Restore(b *storage.Batch) {
	if b == nil || len(b.Events) == 0 {
		return
	}
	vm := aggregate.Build(b.Events)
	m.snap.Store(&Snapshot{View: vm, UpdatedAt: b.ReceivedAt, BatchID: b.ID, Records: len(b.Events), Restored: true})
	m.mu.Lock()
	m.broadcast()
	m.mu.Unlock()
	logger.Info("Restored %d records from batch %s", len(b.Events), b.ID)
}

// HandleStatus maps transport status onto the pipeline status and reports
// outages once per outage.
func (m *Monitor) HandleStatus(s stream.Status) {
	var kind StatusKind
	switch s.State {
	case stream.Idle, stream.Connecting:
		kind = Loading
	case stream.Connected:
		kind = Connected
	case stream.Errored:
		kind = TransportError
	case stream.Reconnecting:
		kind = Reconnecting
	case stream.Closed:
		kind = Closed
	}

	m.mu.Lock()
	switch kind {
	case TransportError:
		m.failures++
		if m.failures == 1 {
			err := errors.New(s.Message)
			m.enqueue(func() error { return m.notifier.SendError(err) })
		}
	case Connected:
		if m.failures > 0 {
			n := m.failures
			m.enqueue(func() error { return m.notifier.SendRecovery(n) })
		}
		m.failures = 0
	}
	m.mu.Unlock()

	if kind == TransportError {
		logger.Warn("Stream error: %s", s.Message)
	}
	m.setStatus(kind, s.Message)
}

// enqueue must be called with mu held.
func (m *Monitor) enqueue(fn func() error) {
	if m.outbox == nil {
		return
	}
	select {
	case m.outbox <- fn:
	default:
		logger.Warn("Notification queue full, dropping notification")
	}
}

func (m *Monitor) deliver() {
	defer m.wg.Done()
	for fn := range m.outbox {
		if err := fn(); err != nil {
			logger.Error("Failed to send notification: %v", err)
		}
	}
}

func (m *Monitor) alert(vm *models.ViewModel) {
	if m.picked == nil {
		return
	}
	var alerts []models.SectorAlert
	newest := aggregate.Newest(vm)
	for _, sector := range vm.Order {
		if !m.picked.IsPicked(sector) {
			continue
		}
		var limits []models.DisplayStock
		for _, s := range newest[sector] {
			if s.IsLimit {
				limits = append(limits, s)
			}
		}
		if len(limits) > 0 {
			alerts = append(alerts, models.SectorAlert{Sector: sector, Slot: vm.Latest, Stocks: limits})
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	alerts = m.FilterRecentlySent(alerts, m.config.AlertCooldown)
	if len(alerts) == 0 {
		return
	}
	m.RecordNotified(alerts)
	logger.Info("Alerting %d picked sectors", len(alerts))
	m.enqueue(func() error { return m.notifier.SendPickedAlerts(alerts) })
}

func notifiedKey(code, category string) string {
	return code + "|" + category
}

// FilterRecentlySent drops stocks already alerted within cooldown, and
// sectors left with no stocks.
func (m *Monitor) FilterRecentlySent(alerts []models.SectorAlert, cooldown time.Duration) []models.SectorAlert {
	now := m.now()
	var result []models.SectorAlert

	for _, a := range alerts {
		var filtered []models.DisplayStock
		for _, s := range a.Stocks {
			rec, exists := m.notified[notifiedKey(s.Code, s.Category)]
			if exists && now.Sub(rec.SentAt) < cooldown {
				continue
			}
			filtered = append(filtered, s)
		}
		if len(filtered) > 0 {
			a.Stocks = filtered
			result = append(result, a)
		}
	}
	return result
}

// RecordNotified marks every stock in alerts as sent now.
func (m *Monitor) RecordNotified(alerts []models.SectorAlert) {
	now := m.now()
	for _, a := range alerts {
		for _, s := range a.Stocks {
			m.notified[notifiedKey(s.Code, s.Category)] = notifiedRecord{Sector: a.Sector, SentAt: now}
			if m.storage == nil {
				continue
			}
			if err := m.storage.RecordNotification(storage.Notification{
				Code: s.Code, Category: s.Category, Sector: a.Sector, SentAt: now,
			}); err != nil {
				logger.Warn("Failed to record notification: %v", err)
			}
		}
	}
	if m.storage != nil {
		if err := m.storage.PruneNotifications(now.Add(-m.config.AlertCooldown)); err != nil {
			logger.Warn("Failed to prune notifications: %v", err)
		}
	}
}

// Shutdown flushes pending notifications. The monitor must not receive
// frames or status afterwards.
func (m *Monitor) Shutdown() {
	m.mu.Lock()
	if m.outbox != nil {
		close(m.outbox)
		m.outbox = nil
	}
	m.mu.Unlock()
	m.wg.Wait()
}
