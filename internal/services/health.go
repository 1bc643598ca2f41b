package services

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

// HealthCheck verifies one dependency (Redis, Postgres).
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// StatsProvider exposes a worker's counters to the stats endpoint.
type StatsProvider interface {
	Name() string
	Stats() WorkerStats
}

// HealthServer serves /health and /stats for the supervisor and dashboards.
type HealthServer struct {
	server    *http.Server
	logger    *logrus.Entry
	checks    []HealthCheck
	providers []StatsProvider
	startedAt time.Time
}

// NewHealthServer builds the HTTP endpoint on the given port.
func NewHealthServer(port int, environment string, checks []HealthCheck, providers []StatsProvider, logger *logrus.Logger) *HealthServer {
	if environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	h := &HealthServer{
		logger:    logger.WithField("component", "health"),
		checks:    checks,
		providers: providers,
		startedAt: time.Now(),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/health", h.handleHealth)
	router.GET("/stats", h.handleStats)

	h.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,
	}
	return h
}

// Run serves until ctx is cancelled. Blocking call.
func (h *HealthServer) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	h.logger.WithField("addr", h.server.Addr).Info("Health server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return h.server.Shutdown(shutdownCtx)
	}
}

func (h *HealthServer) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	results := make(map[string]string, len(h.checks))
	for _, check := range h.checks {
		if err := check.Check(ctx); err != nil {
			results[check.Name] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			results[check.Name] = "ok"
		}
	}

	c.JSON(status, gin.H{
		"status":         httpStatusWord(status),
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
		"checks":         results,
	})
}

func (h *HealthServer) handleStats(c *gin.Context) {
	workers := make(map[string]WorkerStats, len(h.providers))
	for _, p := range h.providers {
		workers[p.Name()] = p.Stats()
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	system := gin.H{
		"goroutines": runtime.NumGoroutine(),
		"heap_alloc": memStats.HeapAlloc,
		"num_gc":     memStats.NumGC,
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		system["memory_used_percent"] = vm.UsedPercent
	}
	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		system["cpu_percent"] = percentages[0]
	}

	c.JSON(http.StatusOK, gin.H{
		"workers": workers,
		"system":  system,
	})
}

func httpStatusWord(status int) string {
	if status == http.StatusOK {
		return "healthy"
	}
	return "degraded"
}
