package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/traderat755/eastmoneywatch/internal/aggregate"
	"github.com/traderat755/eastmoneywatch/internal/logger"
	"github.com/traderat755/eastmoneywatch/internal/models"
	"github.com/traderat755/eastmoneywatch/internal/monitor"
	"github.com/traderat755/eastmoneywatch/internal/picked"
)

type timeCell struct {
	Time   string                `json:"time"`
	Stocks []models.DisplayStock `json:"stocks"`
}

type sectorView struct {
	Name      string     `json:"name"`
	Picked    bool       `json:"picked"`
	Morning   []timeCell `json:"morning"`
	Afternoon []timeCell `json:"afternoon"`
}

type viewResponse struct {
	Status    monitor.Status `json:"status"`
	UpdatedAt *time.Time     `json:"updated_at,omitempty"`
	BatchID   string         `json:"batch_id,omitempty"`
	Records   int            `json:"records"`
	Restored  bool           `json:"restored"`
	Latest    *models.Slot   `json:"latest,omitempty"`
	Sectors   []sectorView   `json:"sectors"`
}

type pickedResponse struct {
	Entries []models.PickedEntry `json:"entries"`
	Sectors []string             `json:"sectors"`
}

func cells(g models.TimeGroup) []timeCell {
	out := make([]timeCell, 0, len(g))
	for _, t := range g.Times() {
		out = append(out, timeCell{Time: t, Stocks: aggregate.Deduplicate(g[t])})
	}
	return out
}

func (s *Server) getView(c *gin.Context) {
	resp := viewResponse{
		Status:  s.view.Status(),
		Sectors: []sectorView{},
	}

	snap := s.view.Snapshot()
	if snap != nil && snap.View != nil {
		updated := snap.UpdatedAt
		latest := snap.View.Latest
		resp.UpdatedAt = &updated
		resp.BatchID = snap.BatchID
		resp.Records = snap.Records
		resp.Restored = snap.Restored
		if latest.Time != "" {
			resp.Latest = &latest
		}

		for _, name := range snap.View.Order {
			sv, ok := snap.View.Sector(name)
			if !ok {
				continue
			}
			resp.Sectors = append(resp.Sectors, sectorView{
				Name:      name,
				Picked:    s.picked != nil && s.picked.IsPicked(name),
				Morning:   cells(sv.Morning),
				Afternoon: cells(sv.Afternoon),
			})
		}
	}

	success(c, resp, "")
}

func (s *Server) getPicked(c *gin.Context) {
	entries := s.picked.Entries()
	if entries == nil {
		entries = []models.PickedEntry{}
	}
	names := s.picked.SectorNames()
	if names == nil {
		names = []string{}
	}
	success(c, pickedResponse{Entries: entries, Sectors: names}, "")
}

func (s *Server) toggleSector(c *gin.Context) {
	sector := c.Param("sector")
	if sector == "" {
		failure(c, http.StatusBadRequest, "sector is required")
		return
	}

	snap := s.view.Snapshot()
	var vm *models.ViewModel
	if snap != nil {
		vm = snap.View
	}
	if !hasData(snap) && !s.picked.IsPicked(sector) {
		failure(c, http.StatusServiceUnavailable, "no view data yet")
		return
	}

	res, err := s.picked.ToggleSector(c.Request.Context(), vm, sector)
	if err != nil && !errors.Is(err, picked.ErrReload) {
		logger.Warn("Toggle of sector %s failed: %v", sector, err)
		failure(c, toggleStatus(err), err.Error())
		return
	}

	msg := res.Message
	if err != nil {
		// the remote accepted the change but the local list is stale
		msg = err.Error()
	}
	success(c, res, msg)
}

// hasData reports whether snap holds a received or restored batch rather
// than the empty view published before the first frame.
func hasData(snap *monitor.Snapshot) bool {
	if snap == nil || snap.View == nil {
		return false
	}
	return len(snap.View.Order) > 0 || !snap.UpdatedAt.IsZero()
}

func toggleStatus(err error) int {
	var remoteErr *picked.RemoteError
	switch {
	case errors.Is(err, aggregate.ErrSectorNotFound), errors.Is(err, picked.ErrSectorCodeUnknown):
		return http.StatusNotFound
	case errors.Is(err, aggregate.ErrEmptySector), errors.Is(err, aggregate.ErrMissingCode):
		return http.StatusUnprocessableEntity
	case errors.Is(err, picked.ErrInvalidEntry):
		return http.StatusBadRequest
	case errors.As(err, &remoteErr):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}
