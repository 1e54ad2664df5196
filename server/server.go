// Package server exposes the sweep daemon's HTTP surface: the command API,
// the SSE event stream, the live waterfall image and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"image/png"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hb9tf/sweepd/metrics"
	"github.com/hb9tf/sweepd/process"
	"github.com/hb9tf/sweepd/sdr"
	"github.com/hb9tf/sweepd/stream"
	"github.com/hb9tf/sweepd/sweep"
	"github.com/hb9tf/sweepd/waterfall"
)

const apiBase = "/sweepd/v1"

// commandTimeout bounds every state machine command issued over HTTP so a
// wedged stop can never hang a request forever.
const commandTimeout = 30 * time.Second

// Options wires a Server.
type Options struct {
	Listen   string
	CertFile string
	KeyFile  string

	Controller *sweep.Controller
	Hub        *stream.Hub
	Supervisor *process.Supervisor
	Waterfall  *waterfall.Window
}

// Server is the HTTP front of the daemon. Construct with New and run Serve.
type Server struct {
	opts   Options
	engine *gin.Engine
}

func New(opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestMetrics())

	s := &Server{opts: opts, engine: engine}

	v1 := engine.Group(apiBase)
	v1.POST("/start", s.startHandler)
	v1.POST("/stop", s.stopHandler)
	v1.POST("/emergency-stop", s.emergencyStopHandler)
	v1.POST("/force-cleanup", s.forceCleanupHandler)
	v1.POST("/sync", s.syncHandler)
	v1.POST("/reset", s.resetHandler)
	v1.GET("/cycle-status", s.cycleStatusHandler)
	v1.GET("/health", s.healthHandler)
	v1.GET("/events", s.eventsHandler)
	v1.GET("/waterfall.png", s.waterfallHandler)

	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return s
}

// Handler exposes the routing tree, mainly for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Serve runs the HTTP server until ctx is done. It satisfies suture.Service.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.opts.Listen,
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		if s.opts.CertFile != "" || s.opts.KeyFile != "" {
			errCh <- srv.ListenAndServeTLS(s.opts.CertFile, s.opts.KeyFile)
			return
		}
		glog.Infoln("Resorting to serving HTTP because there was no certificate and key defined.")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			glog.Warningf("http shutdown: %s", err)
		}
		<-errCh
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		metrics.ObserveRequest(c.Request.Method, endpoint, c.Writer.Status(), time.Since(start))
	}
}

type startRequest struct {
	Frequencies []sdr.FrequencyBand `json:"frequencies" binding:"required"`
	CycleTimeMs int64               `json:"cycleTimeMs"`
}

func (s *Server) startHandler(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"accepted": false, "reason": err.Error()})
		return
	}
	cfg := sdr.SweepConfig{
		Frequencies: req.Frequencies,
		CycleTime:   time.Duration(req.CycleTimeMs) * time.Millisecond,
	}
	if cfg.CycleTime <= 0 {
		cfg.CycleTime = 10 * time.Second
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), commandTimeout)
	defer cancel()
	if err := s.opts.Controller.Start(ctx, cfg); err != nil {
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, process.ErrDeviceUnavailable):
			status = http.StatusServiceUnavailable
		case errors.Is(err, sweep.ErrNotIdle), errors.Is(err, sweep.ErrTerminal):
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"accepted": false, "reason": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accepted": true})
}

func (s *Server) stopHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), commandTimeout)
	defer cancel()
	state, err := s.opts.Controller.Stop(ctx)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"stopped": false, "reason": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": true, "finalState": state})
}

func (s *Server) emergencyStopHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), commandTimeout)
	defer cancel()
	state, err := s.opts.Controller.EmergencyStop(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"stopped": false, "reason": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": true, "state": state})
}

func (s *Server) forceCleanupHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), commandTimeout)
	defer cancel()
	if err := s.opts.Controller.ForceCleanup(ctx); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "reason": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) syncHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), commandTimeout)
	defer cancel()
	res, err := s.opts.Controller.ManualSync(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"reason": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) resetHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), commandTimeout)
	defer cancel()
	res, err := s.opts.Controller.ServerReset(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"reason": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) cycleStatusHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), commandTimeout)
	defer cancel()
	status, err := s.opts.Controller.CycleStatus(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"reason": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state":                  status.State,
		"frequencies":            status.Frequencies,
		"cycleTimeMs":            status.CycleTime.Milliseconds(),
		"blacklistedFrequencies": status.Blacklisted,
		"processHealth":          status.Process,
	})
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), commandTimeout)
	defer cancel()

	probe := s.opts.Supervisor.Prober().Probe(ctx)
	handle, alive := s.opts.Supervisor.Status()
	state, err := s.opts.Controller.State(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"reason": err.Error()})
		return
	}

	validation := "consistent"
	active := state.Phase == sweep.Starting || state.Phase == sweep.Running
	if active != (handle != nil && alive) {
		validation = "mismatch"
	}

	c.JSON(http.StatusOK, gin.H{
		"hardwareDetected": probe.Available,
		"deviceInfo":       probe.DeviceInfo,
		"processRunning":   alive,
		"sseClientCount":   s.opts.Hub.ClientCount(),
		"stateValidation":  validation,
		"phase":            state.Phase,
	})
}

// eventsHandler is the SSE endpoint. Query parameters: "types" narrows the
// event set, "minDb" and "sources" filter sweep data.
func (s *Server) eventsHandler(c *gin.Context) {
	var wanted []stream.EventType
	if raw := c.Query("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			wanted = append(wanted, stream.EventType(strings.TrimSpace(t)))
		}
	}
	var filters stream.Filters
	if raw := c.Query("minDb"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"reason": "invalid minDb"})
			return
		}
		filters.MinDB = &v
	}
	if raw := c.Query("sources"); raw != "" {
		filters.Sources = strings.Split(raw, ",")
	}

	sub := s.opts.Hub.Subscribe(wanted, filters)
	defer s.opts.Hub.Unsubscribe(sub)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	clientGone := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-clientGone:
			return false
		case env, ok := <-sub.Events():
			if !ok {
				return false
			}
			c.SSEvent(string(env.Type), string(env.Data))
			return true
		}
	})
}

func (s *Server) waterfallHandler(c *gin.Context) {
	addGrid := c.DefaultQuery("grid", "true") != "false"
	img, err := s.opts.Waterfall.Render(addGrid)
	if err != nil {
		if errors.Is(err, waterfall.ErrNoData) {
			c.JSON(http.StatusNotFound, gin.H{"reason": "no sweep data yet"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"reason": err.Error()})
		return
	}
	c.Header("Content-Type", "image/png")
	c.Status(http.StatusOK)
	if err := png.Encode(c.Writer, img); err != nil {
		glog.Warningf("encoding waterfall image: %s", err)
	}
}
