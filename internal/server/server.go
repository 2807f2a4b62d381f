package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	partbackup "github.com/httprunner/PartitionBackup"
)

const recentEventLimit = 200

var errNotAllowed = errors.New("device is not in the allowlist")

// HistoryReader returns recorded jobs, newest first.
type HistoryReader interface {
	Recent(ctx context.Context, serial string, limit int) ([]partbackup.JobRecord, error)
}

// Factory builds the orchestrator of a device tab.
type Factory func(serial string) (*partbackup.Orchestrator, error)

// Config wires a Server.
type Config struct {
	Factory  Factory
	Probe    *partbackup.Probe
	Devices  *partbackup.DeviceMonitor
	History  HistoryReader
	OutDir   string
	Defaults partbackup.PackageOptions
}

// Server exposes one device tab per serial over HTTP: scan, select, back
// up, cancel and watch progress.
type Server struct {
	cfg Config

	mu   sync.Mutex
	tabs map[string]*tab
}

// New returns a Server; cfg.Factory is required.
func New(cfg Config) (*Server, error) {
	if cfg.Factory == nil {
		return nil, errors.New("server: orchestrator factory is required")
	}
	return &Server{cfg: cfg, tabs: make(map[string]*tab)}, nil
}

// Handler builds the gin engine.
func (s *Server) Handler() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
	})
	r.GET("/devices", s.listDevices)
	r.GET("/history", s.listHistory)

	dev := r.Group("/devices/:serial")
	{
		dev.GET("/mode", s.deviceMode)
		dev.POST("/scan", s.startScan)
		dev.GET("/partitions", s.partitions)
		dev.POST("/backup", s.startBackup)
		dev.POST("/cancel", s.cancel)
		dev.GET("/status", s.status)
	}
	return r
}

// Run serves on addr until ctx is cancelled, then shuts every tab down.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("control api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return errors.Wrap(err, "serve control api")
		}
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	s.Shutdown(shutdownCtx)
	return nil
}

// Shutdown stops every device tab.
func (s *Server) Shutdown(ctx context.Context) {
	s.mu.Lock()
	tabs := make([]*tab, 0, len(s.tabs))
	for _, t := range s.tabs {
		tabs = append(tabs, t)
	}
	s.tabs = make(map[string]*tab)
	s.mu.Unlock()
	for _, t := range tabs {
		if err := t.orch.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Str("serial", t.serial).Msg("device tab shutdown incomplete")
		}
	}
}

func (s *Server) tab(serial string) (*tab, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tabs[serial]; ok {
		return t, nil
	}
	if !s.cfg.Devices.Allowed(serial) {
		return nil, errors.Wrap(errNotAllowed, serial)
	}
	orch, err := s.cfg.Factory(serial)
	if err != nil {
		return nil, err
	}
	t := newTab(serial, orch, s.cfg.Devices)
	s.tabs[serial] = t
	return t, nil
}

func (s *Server) listDevices(c *gin.Context) {
	if s.cfg.Devices == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "device listing is not configured"})
		return
	}
	if err := s.cfg.Devices.Refresh(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": s.cfg.Devices.Snapshot()})
}

func (s *Server) listHistory(c *gin.Context) {
	if s.cfg.History == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "history is not configured"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	records, err := s.cfg.History.Recent(c.Request.Context(), c.Query("serial"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": records})
}

func (s *Server) deviceMode(c *gin.Context) {
	if !s.cfg.Devices.Allowed(c.Param("serial")) {
		writeError(c, errors.Wrap(errNotAllowed, c.Param("serial")))
		return
	}
	if s.cfg.Probe == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "probe is not configured"})
		return
	}
	h := s.cfg.Probe.Detect(c.Request.Context(), c.Param("serial"))
	c.JSON(http.StatusOK, gin.H{"serial": h.Serial, "mode": h.Mode})
}

func (s *Server) startScan(c *gin.Context) {
	t, err := s.tab(c.Param("serial"))
	if err != nil {
		writeError(c, err)
		return
	}
	if err := t.orch.StartScan(context.Background()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"serial": t.serial, "state": t.orch.State()})
}

func (s *Server) partitions(c *gin.Context) {
	t, err := s.tab(c.Param("serial"))
	if err != nil {
		writeError(c, err)
		return
	}
	resp := gin.H{"serial": t.serial, "state": t.orch.State(), "partitions": t.orch.Partitions()}
	if err := t.orch.LastError(); err != nil {
		resp["error"] = err.Error()
		resp["kind"] = partbackup.KindOf(err)
	}
	c.JSON(http.StatusOK, resp)
}

// BackupBody is the POST /devices/:serial/backup payload. When Partitions
// is empty the selection is derived from the last scan with Select
// ("default", "all" or "invert").
type BackupBody struct {
	TargetDir       string   `json:"target_dir"`
	Partitions      []string `json:"partitions"`
	Select          string   `json:"select"`
	Compress        *bool    `json:"compress"`
	GenerateScripts *bool    `json:"generate_scripts"`
}

func (s *Server) startBackup(c *gin.Context) {
	var body BackupBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	t, err := s.tab(c.Param("serial"))
	if err != nil {
		writeError(c, err)
		return
	}
	req := partbackup.BackupRequest{
		TargetDir:  strings.TrimSpace(body.TargetDir),
		Partitions: body.Partitions,
		Options:    s.cfg.Defaults,
	}
	if req.TargetDir == "" {
		req.TargetDir = s.cfg.OutDir
	}
	if body.Compress != nil {
		req.Options.Compress = *body.Compress
	}
	if body.GenerateScripts != nil {
		req.Options.GenerateScripts = *body.GenerateScripts
	}
	if len(req.Partitions) == 0 {
		records := t.orch.Partitions()
		switch strings.ToLower(strings.TrimSpace(body.Select)) {
		case "all":
			partbackup.SelectAll(records)
		case "invert":
			partbackup.InvertSelection(records)
		}
		req.Partitions = partbackup.SelectedNames(records)
	}

	job, err := t.orch.StartBackup(context.Background(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

func (s *Server) cancel(c *gin.Context) {
	t, err := s.tab(c.Param("serial"))
	if err != nil {
		writeError(c, err)
		return
	}
	busy := t.orch.Busy()
	t.orch.Cancel()
	c.JSON(http.StatusOK, gin.H{"serial": t.serial, "cancel_requested": busy})
}

func (s *Server) status(c *gin.Context) {
	t, err := s.tab(c.Param("serial"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t.snapshot())
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, errNotAllowed) {
		status = http.StatusForbidden
	}
	switch partbackup.KindOf(err) {
	case partbackup.KindBusy:
		status = http.StatusConflict
	case partbackup.KindInvalidRequest:
		status = http.StatusBadRequest
	case partbackup.KindWrongMode, partbackup.KindNoRootAccess:
		status = http.StatusPreconditionFailed
	case partbackup.KindToolMissing:
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": partbackup.KindOf(err)})
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().Str("method", c.Request.Method).Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).Dur("elapsed", time.Since(start)).Msg("control api request")
	}
}
