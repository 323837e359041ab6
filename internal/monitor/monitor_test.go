package monitor

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traderat755/eastmoneywatch/internal/models"
	"github.com/traderat755/eastmoneywatch/internal/normalize"
	"github.com/traderat755/eastmoneywatch/internal/storage"
	"github.com/traderat755/eastmoneywatch/internal/stream"
)

type pickedSet map[string]bool

func (p pickedSet) IsPicked(sector string) bool { return p[sector] }

type fakeNotifier struct {
	mu         sync.Mutex
	alerts     [][]models.SectorAlert
	errs       []string
	recoveries []int
}

func (f *fakeNotifier) SendPickedAlerts(a []models.SectorAlert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, a)
	return nil
}

func (f *fakeNotifier) SendError(err error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, err.Error())
	return nil
}

func (f *fakeNotifier) SendRecovery(n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recoveries = append(f.recoveries, n)
	return nil
}

func newTestStorage(t *testing.T) *storage.Storage {
	t.Helper()
	s, err := storage.New(10, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

const frameA = `[
 {"板块名称":"半导体","时间":"09:31:00","名称":"中芯国际","股票代码":"688981","四舍五入取整":10,"类型":"封涨停板","上下午":"上午"},
 {"板块名称":"汽车","时间":"09:35:00","名称":"比亚迪","股票代码":"002594","四舍五入取整":3,"类型":"火箭发射","上下午":"上午"}
]`

func TestHandleFramePublishesSnapshot(t *testing.T) {
	s := newTestStorage(t)
	m := New(s, nil, nil, DefaultConfig())
	updates, cancel := m.Subscribe()
	defer cancel()

	require.NoError(t, m.HandleFrame([]byte(frameA)))

	snap := m.Snapshot()
	assert.Equal(t, []string{"半导体", "汽车"}, snap.View.Order)
	assert.Equal(t, 2, snap.Records)
	assert.NotEmpty(t, snap.BatchID)
	assert.Equal(t, Connected, m.Status().Kind)

	select {
	case <-updates:
	default:
		t.Fatal("expected a change notification")
	}

	b, err := s.LatestBatch()
	require.NoError(t, err)
	assert.Equal(t, snap.BatchID, b.ID)
}

func TestHandleFrameParseErrorKeepsView(t *testing.T) {
	m := New(nil, nil, nil, DefaultConfig())
	require.NoError(t, m.HandleFrame([]byte(frameA)))
	before := m.Snapshot()

	err := m.HandleFrame([]byte(`{"oops":true}`))
	assert.ErrorIs(t, err, normalize.ErrMalformedBatch)
	assert.Same(t, before, m.Snapshot())
	assert.Equal(t, ParseError, m.Status().Kind)

	err = m.HandleFrame([]byte(`{"error":"worker died"}`))
	assert.ErrorIs(t, err, normalize.ErrServerReported)
	assert.Contains(t, m.Status().Message, "worker died")
	assert.Same(t, before, m.Snapshot())
}

func TestHandleFrameEmptyBatch(t *testing.T) {
	m := New(nil, nil, nil, DefaultConfig())
	clock := time.Date(2026, 10, 19, 9, 30, 0, 0, time.Local)
	m.now = func() time.Time { return clock }
	require.NoError(t, m.HandleFrame([]byte(frameA)))
	view := m.Snapshot().View

	clock = clock.Add(time.Minute)
	require.NoError(t, m.HandleFrame([]byte(`[]`)))
	assert.Same(t, view, m.Snapshot().View)
	assert.Equal(t, clock, m.Snapshot().UpdatedAt)
	assert.Equal(t, Connected, m.Status().Kind)

	// Records present but all invalid: an empty view replaces the old one.
	require.NoError(t, m.HandleFrame([]byte(`[{"板块名称":"S"}]`)))
	assert.Empty(t, m.Snapshot().View.Order)
}

func TestRestore(t *testing.T) {
	s := newTestStorage(t)
	m := New(s, nil, nil, DefaultConfig())
	require.NoError(t, m.HandleFrame([]byte(frameA)))

	b, err := s.LatestBatch()
	require.NoError(t, err)

	fresh := New(nil, nil, nil, DefaultConfig())
	assert.Empty(t, fresh.Snapshot().View.Order)
	fresh.Restore(b)
	snap := fresh.Snapshot()
	assert.True(t, snap.Restored)
	assert.Equal(t, []string{"半导体", "汽车"}, snap.View.Order)
	assert.Equal(t, Loading, fresh.Status().Kind)

	fresh.Restore(nil)
	assert.Same(t, snap, fresh.Snapshot())
}

func TestHandleStatusOutageAndRecovery(t *testing.T) {
	n := &fakeNotifier{}
	m := New(nil, nil, n, DefaultConfig())

	m.HandleStatus(stream.Status{State: stream.Connecting})
	assert.Equal(t, Loading, m.Status().Kind)
	m.HandleStatus(stream.Status{State: stream.Errored, Message: "connection refused"})
	assert.Equal(t, TransportError, m.Status().Kind)
	m.HandleStatus(stream.Status{State: stream.Reconnecting, Message: "reconnecting in 2s"})
	assert.Equal(t, Reconnecting, m.Status().Kind)
	m.HandleStatus(stream.Status{State: stream.Errored, Message: "connection refused"})
	m.HandleStatus(stream.Status{State: stream.Connected})
	assert.Equal(t, Connected, m.Status().Kind)
	m.HandleStatus(stream.Status{State: stream.Connected})
	m.Shutdown()

	assert.Equal(t, []string{"connection refused"}, n.errs)
	assert.Equal(t, []int{2}, n.recoveries)
}

func TestPickedAlertsWithCooldown(t *testing.T) {
	s := newTestStorage(t)
	n := &fakeNotifier{}
	cfg := Config{AlertsEnabled: true, AlertCooldown: 10 * time.Minute}
	m := New(s, pickedSet{"半导体": true, "汽车": true}, n, cfg)
	clock := time.Date(2026, 10, 19, 9, 31, 0, 0, time.Local)
	m.now = func() time.Time { return clock }

	// Only the newest slot counts: 汽车 at 09:35 is not limit-up and the
	// 半导体 limit-up is in an older slot.
	require.NoError(t, m.HandleFrame([]byte(frameA)))

	newest := `[
	 {"板块名称":"半导体","时间":"09:40:00","名称":"中芯国际","股票代码":"688981","四舍五入取整":10,"类型":"封涨停板","上下午":"上午"},
	 {"板块名称":"半导体","时间":"09:40:00","名称":"北方华创","股票代码":"002371","四舍五入取整":10,"类型":"打开涨停板","上下午":"上午"},
	 {"板块名称":"光伏","时间":"09:40:00","名称":"隆基绿能","股票代码":"601012","四舍五入取整":10,"类型":"封涨停板","上下午":"上午"}
	]`
	require.NoError(t, m.HandleFrame([]byte(newest)))
	clock = clock.Add(time.Minute)
	require.NoError(t, m.HandleFrame([]byte(newest)))
	clock = clock.Add(15 * time.Minute)
	require.NoError(t, m.HandleFrame([]byte(newest)))
	m.Shutdown()

	require.Len(t, n.alerts, 2)
	require.Len(t, n.alerts[0], 1)
	assert.Equal(t, "半导体", n.alerts[0][0].Sector)
	assert.Len(t, n.alerts[0][0].Stocks, 2)
	assert.Equal(t, "09:40:00", n.alerts[0][0].Slot.Time)

	sent, err := s.NotificationsSince(time.Time{})
	require.NoError(t, err)
	assert.Len(t, sent, 2)
}

func TestCooldownSurvivesRestart(t *testing.T) {
	s := newTestStorage(t)
	now := time.Now()
	require.NoError(t, s.RecordNotification(storage.Notification{
		Code: "688981", Category: "封涨停板", Sector: "半导体", SentAt: now.Add(-time.Minute),
	}))

	m := New(s, nil, nil, Config{AlertsEnabled: true, AlertCooldown: 10 * time.Minute})
	alerts := []models.SectorAlert{{
		Sector: "半导体",
		Stocks: []models.DisplayStock{
			{Code: "688981", Category: "封涨停板"},
			{Code: "002371", Category: "封涨停板"},
		},
	}}
	got := m.FilterRecentlySent(alerts, 10*time.Minute)
	require.Len(t, got, 1)
	require.Len(t, got[0].Stocks, 1)
	assert.Equal(t, "002371", got[0].Stocks[0].Code)
}

type failingNotifier struct{ fakeNotifier }

func (f *failingNotifier) SendPickedAlerts([]models.SectorAlert) error {
	return errors.New("telegram down")
}

func TestNotifierFailureDoesNotBlock(t *testing.T) {
	n := &failingNotifier{}
	m := New(nil, pickedSet{"半导体": true}, n, Config{AlertsEnabled: true, AlertCooldown: time.Minute})
	frame := `[{"板块名称":"半导体","时间":"09:31:00","名称":"中芯国际","股票代码":"688981","四舍五入取整":10,"类型":"封涨停板","上下午":"上午"}]`
	require.NoError(t, m.HandleFrame([]byte(frame)))
	require.NoError(t, m.HandleFrame([]byte(frame)))
	m.Shutdown()
	assert.Equal(t, Connected, m.Status().Kind)
	assert.Len(t, m.notified, 1)
}

func TestStatusKindString(t *testing.T) {
	assert.Equal(t, "parse error", ParseError.String())
	b, err := TransportError.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "transport error", string(b))
}
