package picked

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/traderat755/eastmoneywatch/internal/models"
)

// remote is an in-memory stand-in for the picked REST backend.
type remote struct {
	mu      sync.Mutex
	entries []models.PickedEntry
	sectors []models.Sector
	members map[string][]models.Sector
	gets    atomic.Int32
	fail5xx atomic.Int32
}

func reply(w http.ResponseWriter, status int, env map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(env)
}

func ok(w http.ResponseWriter, data interface{}, msg string) {
	env := map[string]interface{}{"status": "success"}
	if data != nil {
		env["data"] = data
	}
	if msg != "" {
		env["message"] = msg
	}
	reply(w, http.StatusOK, env)
}

func fail(w http.ResponseWriter, msg string) {
	reply(w, http.StatusOK, map[string]interface{}{"status": "error", "message": msg})
}

func (r *remote) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.Header.Get("X-Request-ID") == "" {
		http.Error(w, "missing request id", http.StatusBadRequest)
		return
	}
	if req.Method == http.MethodGet {
		r.gets.Add(1)
		if r.fail5xx.Load() > 0 {
			r.fail5xx.Add(-1)
			w.WriteHeader(http.StatusBadGateway)
			return
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	path := strings.TrimPrefix(req.URL.Path, "/api")
	switch {
	case path == "/picked" && req.Method == http.MethodGet:
		ok(w, r.entries, "")
	case path == "/picked" && req.Method == http.MethodPost:
		var e models.PickedEntry
		if err := json.NewDecoder(req.Body).Decode(&e); err != nil {
			fail(w, err.Error())
			return
		}
		for _, have := range r.entries {
			if have.StockCode == e.StockCode {
				fail(w, "股票已存在于精选列表中")
				return
			}
		}
		r.entries = append([]models.PickedEntry{e}, r.entries...)
		ok(w, nil, "股票添加成功")
	case strings.HasPrefix(path, "/picked/") && req.Method == http.MethodPut:
		code, _ := url.PathUnescape(strings.TrimPrefix(path, "/picked/"))
		var e models.PickedEntry
		json.NewDecoder(req.Body).Decode(&e)
		for i, have := range r.entries {
			if have.StockCode == code {
				r.entries[i] = e
				ok(w, nil, "股票更新成功")
				return
			}
		}
		fail(w, "股票不存在于精选列表中")
	case strings.HasPrefix(path, "/picked/") && req.Method == http.MethodDelete:
		id := strings.TrimPrefix(path, "/picked/")
		var kept []models.PickedEntry
		for _, have := range r.entries {
			if have.SectorName != id && have.StockCode != id {
				kept = append(kept, have)
			}
		}
		if len(kept) == len(r.entries) {
			fail(w, "未找到 "+id)
			return
		}
		r.entries = kept
		ok(w, nil, "删除成功")
	case path == "/sectors":
		ok(w, r.sectors, "")
	case path == "/sectors/search":
		q := req.URL.Query().Get("q")
		var hits []models.SectorStock
		for code, secs := range r.members {
			if strings.Contains(code, q) {
				for _, s := range secs {
					hits = append(hits, models.SectorStock{StockCode: code, SectorCode: s.Code, SectorName: s.Name})
				}
			}
		}
		ok(w, hits, "")
	case strings.HasPrefix(path, "/sectors/stock-sectors/"):
		ok(w, r.members[strings.TrimPrefix(path, "/sectors/stock-sectors/")], "")
	default:
		http.NotFound(w, req)
	}
}

func newTestRemote(t *testing.T) (*remote, *Client) {
	t.Helper()
	r := &remote{
		sectors: []models.Sector{{Code: "BK0477", Name: "酿酒行业"}, {Code: "BK1036", Name: "半导体"}},
		members: map[string][]models.Sector{
			"600519": {{Code: "BK0477", Name: "酿酒行业"}},
			"688981": {{Code: "BK1036", Name: "半导体"}, {Code: "BK0500", Name: "芯片"}},
		},
	}
	server := httptest.NewServer(r)
	t.Cleanup(server.Close)
	return r, NewClient(server.URL+"/api", 5*time.Second, 3, time.Millisecond)
}

func TestClientCRUD(t *testing.T) {
	_, c := newTestRemote(t)
	ctx := context.Background()

	entries, err := c.ListPicked(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	msg, err := c.AddPicked(ctx, models.PickedEntry{StockCode: "600519", StockName: "贵州茅台", SectorCode: "BK0477", SectorName: "酿酒行业"})
	require.NoError(t, err)
	assert.Equal(t, "股票添加成功", msg)

	entries, err = c.ListPicked(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "贵州茅台", entries[0].StockName)

	_, err = c.UpdatePicked(ctx, "600519", models.PickedEntry{StockCode: "600519", SectorCode: "BK0477", SectorName: "白酒"})
	require.NoError(t, err)

	_, err = c.DeletePicked(ctx, "白酒")
	require.NoError(t, err)
	entries, err = c.ListPicked(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestClientRemoteError(t *testing.T) {
	_, c := newTestRemote(t)
	ctx := context.Background()

	e := models.PickedEntry{StockCode: "600519", SectorCode: "BK0477", SectorName: "酿酒行业"}
	_, err := c.AddPicked(ctx, e)
	require.NoError(t, err)
	_, err = c.AddPicked(ctx, e)

	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "error", remoteErr.Status)
	assert.Equal(t, "股票已存在于精选列表中", remoteErr.Message)
}

func TestClientRetriesGet(t *testing.T) {
	r, c := newTestRemote(t)
	r.fail5xx.Store(2)

	sectors, err := c.ListSectors(context.Background())
	require.NoError(t, err)
	assert.Len(t, sectors, 2)
	assert.Equal(t, int32(3), r.gets.Load())
}

func TestClientGivesUpAfterMaxRetries(t *testing.T) {
	r, c := newTestRemote(t)
	r.fail5xx.Store(10)

	_, err := c.ListPicked(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.Equal(t, int32(3), r.gets.Load())
}

func TestClientLookups(t *testing.T) {
	_, c := newTestRemote(t)
	ctx := context.Background()

	hits, err := c.SearchSectors(ctx, "6885")
	require.NoError(t, err)
	assert.Empty(t, hits)

	hits, err = c.SearchSectors(ctx, "688981")
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	secs, err := c.StockSectors(ctx, "600519")
	require.NoError(t, err)
	assert.Equal(t, []models.Sector{{Code: "BK0477", Name: "酿酒行业"}}, secs)
}

func TestClientUnexpectedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer server.Close()

	c := NewClient(server.URL, time.Second, 1, time.Millisecond)
	_, err := c.DeletePicked(context.Background(), "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status code: 404")
}
