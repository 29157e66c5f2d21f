package server

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/danmuck/edgelink/internal/capability/ping"
	"github.com/danmuck/edgelink/internal/capability/share"
	"github.com/danmuck/edgelink/internal/device"
	"github.com/danmuck/edgelink/internal/pairing"
	"github.com/danmuck/edgelink/internal/scheduler"
	"github.com/danmuck/edgelink/internal/transfer"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var ErrModuleType = errors.New("server: module has unexpected type")

const actionTimeout = 10 * time.Second

func (s *Server) registerRoutes() {
	r := s.router
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.appeared).String(),
			"service": s.cfg.Name,
			"version": version,
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/devices", s.listDevices)
	r.GET("/devices/:id", s.getDevice)
	r.POST("/devices/:id/pair", s.pairAction(func(d *device.Device) error { return d.RequestPairing() }))
	r.POST("/devices/:id/accept", s.pairAction(func(d *device.Device) error { return d.AcceptPairing() }))
	r.POST("/devices/:id/reject", s.pairAction(func(d *device.Device) error { return d.RejectPairing() }))
	r.POST("/devices/:id/cancel", s.pairAction(func(d *device.Device) error { d.CancelPairing(); return nil }))
	r.POST("/devices/:id/unpair", s.pairAction(func(d *device.Device) error { d.Unpair(); return nil }))
	r.POST("/devices/:id/ping", s.ping)
	r.POST("/devices/:id/share", s.share)

	r.GET("/jobs", s.listJobs)
	r.GET("/jobs/:id", s.getJob)
	r.DELETE("/jobs/:id", s.cancelJob)

	r.GET("/events", s.streamEvents)
}

func (s *Server) listDevices(c *gin.Context) {
	list := s.devices.List()
	out := make([]device.Info, 0, len(list))
	for _, d := range list {
		out = append(out, d.Info())
	}
	c.JSON(http.StatusOK, gin.H{"devices": out})
}

func (s *Server) getDevice(c *gin.Context) {
	d, ok := s.device(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, d.Info())
}

func (s *Server) pairAction(fn func(*device.Device) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		d, ok := s.device(c)
		if !ok {
			return
		}
		if err := fn(d); err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"status":     "ok",
			"pair_state": d.PairState().String(),
		})
	}
}

type pingRequest struct {
	Message string `json:"message"`
}

func (s *Server) ping(c *gin.Context) {
	d, ok := s.device(c)
	if !ok {
		return
	}
	var req pingRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	mod, err := d.Module(ping.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	pm, ok := mod.(*ping.Module)
	if !ok {
		s.fail(c, ErrModuleType)
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), actionTimeout)
	defer cancel()
	if err := pm.Send(ctx, req.Message); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type shareRequest struct {
	Paths []string `json:"paths"`
	Open  bool     `json:"open"`
	Text  string   `json:"text"`
	URL   string   `json:"url"`
}

func (s *Server) share(c *gin.Context) {
	d, ok := s.device(c)
	if !ok {
		return
	}
	var req shareRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mod, err := d.Module(share.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	sm, ok := mod.(*share.Module)
	if !ok {
		s.fail(c, ErrModuleType)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), actionTimeout)
	defer cancel()
	switch {
	case len(req.Paths) > 0:
		id, err := sm.ShareFiles(req.Paths, req.Open)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "ok", "job_id": id})
		return
	case req.URL != "":
		err = sm.ShareURL(ctx, req.URL)
	case req.Text != "":
		err = sm.ShareText(ctx, req.Text)
	default:
		err = share.ErrNoFiles
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type snapshotter interface {
	Snapshot() transfer.Snapshot
}

type jobInfo struct {
	ID       string             `json:"id"`
	Running  bool               `json:"running"`
	Transfer *transfer.Snapshot `json:"transfer,omitempty"`
}

func (s *Server) jobInfo(j scheduler.Job) jobInfo {
	info := jobInfo{ID: j.ID(), Running: s.jobs.IsRunning(j.ID())}
	if sn, ok := j.(snapshotter); ok {
		snap := sn.Snapshot()
		info.Transfer = &snap
	}
	return info
}

func (s *Server) listJobs(c *gin.Context) {
	jobs := s.jobs.Jobs()
	out := make([]jobInfo, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, s.jobInfo(j))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	c.JSON(http.StatusOK, gin.H{"jobs": out})
}

func (s *Server) getJob(c *gin.Context) {
	j, ok := s.jobs.GetJob(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, s.jobInfo(j))
}

// cancelJob reports whether the id was known; cancelling a finished job is
// not an error for the scheduler, but the caller still learns it was gone.
func (s *Server) cancelJob(c *gin.Context) {
	id := c.Param("id")
	if !s.jobs.Cancel(id) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found", "id": id})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "canceled", "id": id})
}

func (s *Server) device(c *gin.Context) (*device.Device, bool) {
	d, err := s.devices.Lookup(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return nil, false
	}
	return d, true
}

func (s *Server) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, device.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, device.ErrUnknownModule),
		errors.Is(err, device.ErrNotPaired),
		errors.Is(err, pairing.ErrAlreadyPaired),
		errors.Is(err, pairing.ErrNotRequested):
		return http.StatusConflict
	case errors.Is(err, device.ErrNoLink),
		errors.Is(err, pairing.ErrUnreachable):
		return http.StatusServiceUnavailable
	case errors.Is(err, share.ErrNoFiles),
		errors.Is(err, share.ErrNotRegular),
		errors.Is(err, share.ErrEmptyText):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrJobTableFull):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
