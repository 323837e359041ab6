// Package httpapi serves the current view and the picked list over a small
// local JSON API.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/traderat755/eastmoneywatch/internal/logger"
	"github.com/traderat755/eastmoneywatch/internal/models"
	"github.com/traderat755/eastmoneywatch/internal/monitor"
	"github.com/traderat755/eastmoneywatch/internal/picked"
)

// ViewSource provides the published snapshot and the connection status.
type ViewSource interface {
	Snapshot() *monitor.Snapshot
	Status() monitor.Status
}

// PickedService is the part of the picked store the API exposes.
type PickedService interface {
	Entries() []models.PickedEntry
	SectorNames() []string
	IsPicked(sector string) bool
	ToggleSector(ctx context.Context, vm *models.ViewModel, sector string) (picked.ToggleResult, error)
}

// Server serves the local view API.
type Server struct {
	view   ViewSource
	picked PickedService
	addr   string
	engine *gin.Engine
}

// NewServer creates a server listening on addr once Run is called.
func NewServer(addr string, view ViewSource, picked PickedService) *Server {
	s := &Server{
		view:   view,
		picked: picked,
		addr:   addr,
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), requestID(), requestLog())

	api := engine.Group("/api")
	api.GET("/view", s.getView)
	api.GET("/picked", s.getPicked)
	api.POST("/picked/toggle/:sector", s.toggleSector)

	s.engine = engine
	return s
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Local view API listening on %s", s.addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	}
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("%s %s -> %d (%s, id=%s)", c.Request.Method, c.Request.URL.Path,
			c.Writer.Status(), time.Since(start), c.GetString("request_id"))
	}
}

func success(c *gin.Context, data interface{}, message string) {
	body := gin.H{"status": "success", "data": data}
	if message != "" {
		body["message"] = message
	}
	c.JSON(http.StatusOK, body)
}

func failure(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{"status": "error", "message": message})
}
