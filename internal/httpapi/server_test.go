package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traderat755/eastmoneywatch/internal/aggregate"
	"github.com/traderat755/eastmoneywatch/internal/models"
	"github.com/traderat755/eastmoneywatch/internal/monitor"
	"github.com/traderat755/eastmoneywatch/internal/picked"
)

type fakeView struct {
	snap   *monitor.Snapshot
	status monitor.Status
}

func (f *fakeView) Snapshot() *monitor.Snapshot { return f.snap }
func (f *fakeView) Status() monitor.Status      { return f.status }

type fakePicked struct {
	entries []models.PickedEntry
	names   []string
	picked  map[string]bool

	result    picked.ToggleResult
	err       error
	gotVM     *models.ViewModel
	gotSector string
}

func (f *fakePicked) Entries() []models.PickedEntry { return f.entries }
func (f *fakePicked) SectorNames() []string         { return f.names }
func (f *fakePicked) IsPicked(s string) bool        { return f.picked[s] }

func (f *fakePicked) ToggleSector(_ context.Context, vm *models.ViewModel, sector string) (picked.ToggleResult, error) {
	f.gotVM = vm
	f.gotSector = sector
	return f.result, f.err
}

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func init() {
	gin.SetMode(gin.TestMode)
}

func do(t *testing.T, s *Server, method, path string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	s.engine.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w, env
}

func testSnapshot() *monitor.Snapshot {
	events := []models.AnomalyEvent{
		{Sector: "半导体", Time: "09:31:00", Period: models.Morning, Name: "中芯国际", Code: "688981", Value: "10", Category: models.CategorySealedLimitUp},
		{Sector: "半导体", Time: "09:31:00", Period: models.Morning, Name: "中芯国际", Code: "688981", Value: "10", Category: models.CategorySealedLimitUp, Sign: "首板"},
		{Sector: "半导体", Time: "09:31:00", Period: models.Morning, Name: "北方华创", Code: "002371", Value: "5", Category: "火箭发射"},
		{Sector: "汽车", Time: "13:10:00", Period: models.Afternoon, Name: "比亚迪", Code: "002594", Value: "-2", Category: "大笔卖出"},
	}
	return &monitor.Snapshot{
		View:      aggregate.Build(events),
		UpdatedAt: time.Date(2026, 10, 19, 13, 10, 5, 0, time.Local),
		BatchID:   "b1",
		Records:   len(events),
	}
}

func TestGetViewBeforeFirstBatch(t *testing.T) {
	s := NewServer("", &fakeView{status: monitor.Status{Kind: monitor.Loading}}, &fakePicked{})

	w, env := do(t, s, http.MethodGet, "/api/view")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "success", env.Status)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	var data struct {
		Status struct {
			Kind string `json:"kind"`
		} `json:"status"`
		Sectors []json.RawMessage `json:"sectors"`
		Latest  *models.Slot      `json:"latest"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "loading", data.Status.Kind)
	assert.NotNil(t, data.Sectors)
	assert.Empty(t, data.Sectors)
	assert.Nil(t, data.Latest)
}

func TestGetView(t *testing.T) {
	view := &fakeView{snap: testSnapshot(), status: monitor.Status{Kind: monitor.Connected}}
	s := NewServer("", view, &fakePicked{picked: map[string]bool{"汽车": true}})

	w, env := do(t, s, http.MethodGet, "/api/view")
	require.Equal(t, http.StatusOK, w.Code)

	var data struct {
		Status struct {
			Kind string `json:"kind"`
		} `json:"status"`
		Records int         `json:"records"`
		BatchID string      `json:"batch_id"`
		Latest  models.Slot `json:"latest"`
		Sectors []struct {
			Name      string `json:"name"`
			Picked    bool   `json:"picked"`
			Morning   []timeCell
			Afternoon []timeCell
		} `json:"sectors"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))

	assert.Equal(t, "connected", data.Status.Kind)
	assert.Equal(t, 4, data.Records)
	assert.Equal(t, "b1", data.BatchID)
	assert.Equal(t, models.Slot{Time: "13:10:00", Period: models.Afternoon}, data.Latest)

	require.Len(t, data.Sectors, 2)
	semi, auto := data.Sectors[0], data.Sectors[1]
	assert.Equal(t, "半导体", semi.Name)
	assert.False(t, semi.Picked)
	require.Len(t, semi.Morning, 1)
	assert.Empty(t, semi.Afternoon)

	cell := semi.Morning[0]
	assert.Equal(t, "09:31:00", cell.Time)
	require.Len(t, cell.Stocks, 2)
	assert.Equal(t, "北方华创", cell.Stocks[0].Name)
	assert.Equal(t, "中芯国际", cell.Stocks[1].Name)
	assert.Equal(t, "首板", cell.Stocks[1].Sign)

	assert.Equal(t, "汽车", auto.Name)
	assert.True(t, auto.Picked)
	require.Len(t, auto.Afternoon, 1)
	assert.True(t, auto.Afternoon[0].Stocks[0].IsNewest)
}

func TestGetPicked(t *testing.T) {
	p := &fakePicked{
		entries: []models.PickedEntry{{StockCode: "600519", StockName: "贵州茅台", SectorCode: "BK0477", SectorName: "酿酒行业"}},
		names:   []string{"酿酒行业"},
	}
	s := NewServer("", &fakeView{}, p)

	w, env := do(t, s, http.MethodGet, "/api/picked")
	require.Equal(t, http.StatusOK, w.Code)

	var data pickedResponse
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, p.entries, data.Entries)
	assert.Equal(t, []string{"酿酒行业"}, data.Sectors)

	s = NewServer("", &fakeView{}, &fakePicked{})
	_, env = do(t, s, http.MethodGet, "/api/picked")
	assert.JSONEq(t, `{"entries":[],"sectors":[]}`, string(env.Data))
}

func TestToggleSector(t *testing.T) {
	view := &fakeView{snap: testSnapshot()}
	p := &fakePicked{result: picked.ToggleResult{
		Picked:  true,
		Entry:   models.PickedEntry{StockCode: "688981", SectorName: "半导体"},
		Message: "股票添加成功",
	}}
	s := NewServer("", view, p)

	w, env := do(t, s, http.MethodPost, "/api/picked/toggle/"+url.PathEscape("半导体"))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "success", env.Status)
	assert.Equal(t, "股票添加成功", env.Message)
	assert.Equal(t, "半导体", p.gotSector)
	assert.Same(t, view.snap.View, p.gotVM)

	var res picked.ToggleResult
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.True(t, res.Picked)
	assert.Equal(t, "688981", res.Entry.StockCode)
}

func TestToggleSectorReloadFailureStillSucceeds(t *testing.T) {
	p := &fakePicked{
		result: picked.ToggleResult{Picked: true, Message: "股票添加成功"},
		err:    fmt.Errorf("%w: timeout", picked.ErrReload),
	}
	s := NewServer("", &fakeView{snap: testSnapshot()}, p)

	w, env := do(t, s, http.MethodPost, "/api/picked/toggle/"+url.PathEscape("半导体"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "success", env.Status)
	assert.Contains(t, env.Message, "timeout")
}

func TestToggleSectorWithoutView(t *testing.T) {
	p := &fakePicked{picked: map[string]bool{"汽车": true}, result: picked.ToggleResult{Message: "删除成功"}}
	s := NewServer("", &fakeView{}, p)

	w, env := do(t, s, http.MethodPost, "/api/picked/toggle/"+url.PathEscape("半导体"))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "error", env.Status)
	assert.Empty(t, p.gotSector)

	// un-picking needs no view
	w, env = do(t, s, http.MethodPost, "/api/picked/toggle/"+url.PathEscape("汽车"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "删除成功", env.Message)
	assert.Equal(t, "汽车", p.gotSector)
}

func TestToggleSectorBeforeFirstBatch(t *testing.T) {
	mon := monitor.New(nil, nil, nil, monitor.DefaultConfig())
	defer mon.Shutdown()
	p := &fakePicked{err: fmt.Errorf("%w: 半导体", aggregate.ErrSectorNotFound)}
	s := NewServer("", mon, p)

	w, env := do(t, s, http.MethodPost, "/api/picked/toggle/"+url.PathEscape("半导体"))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "no view data yet", env.Message)
	assert.Empty(t, p.gotSector)

	require.NoError(t, mon.HandleFrame([]byte(`[{"板块名称":"半导体","时间":"09:31:00","名称":"中芯国际","股票代码":"688981","四舍五入取整":10,"类型":"封涨停板","上下午":"上午"}]`)))
	p.err = nil
	w, _ = do(t, s, http.MethodPost, "/api/picked/toggle/"+url.PathEscape("半导体"))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "半导体", p.gotSector)
	assert.Same(t, mon.Snapshot().View, p.gotVM)
}

func TestToggleSectorErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
	}{
		{"unknown sector", fmt.Errorf("%w: 军工", aggregate.ErrSectorNotFound), http.StatusNotFound},
		{"no sector code", fmt.Errorf("%w: 军工", picked.ErrSectorCodeUnknown), http.StatusNotFound},
		{"empty sector", aggregate.ErrEmptySector, http.StatusUnprocessableEntity},
		{"missing code", aggregate.ErrMissingCode, http.StatusUnprocessableEntity},
		{"invalid entry", picked.ErrInvalidEntry, http.StatusBadRequest},
		{"remote rejected", &picked.RemoteError{Status: "error", Message: "股票已存在于精选列表中"}, http.StatusConflict},
		{"network", fmt.Errorf("dial tcp: connection refused"), http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePicked{err: tt.err}
			s := NewServer("", &fakeView{snap: testSnapshot()}, p)

			w, env := do(t, s, http.MethodPost, "/api/picked/toggle/"+url.PathEscape("军工"))
			assert.Equal(t, tt.code, w.Code)
			assert.Equal(t, "error", env.Status)
			assert.Equal(t, tt.err.Error(), env.Message)
		})
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	s := NewServer("127.0.0.1:0", &fakeView{}, &fakePicked{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
