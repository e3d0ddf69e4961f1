// Package handlers provides HTTP request handlers for the cidrsweep API.
// This file implements health check, version and port preset endpoints.
package handlers

import (
	"net/http"
	"runtime"
	"time"

	"github.com/anstrom/cidrsweep/internal/logging"
)

// Status constants.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusDegraded  = "degraded"
)

// maxGoroutines is where health starts reporting the service as degraded.
const maxGoroutines = 10000

// HealthHandler handles health check and status endpoints.
type HealthHandler struct {
	logger      *logging.Logger
	presetPorts []int
	defaultPort int
	startTime   time.Time
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(logger *logging.Logger, presetPorts []int, defaultPort int) *HealthHandler {
	return &HealthHandler{
		logger:      logger.WithFields("handler", "health"),
		presetPorts: append([]int(nil), presetPorts...),
		defaultPort: defaultPort,
		startTime:   time.Now(),
	}
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks"`
}

// LivenessResponse represents a simple liveness check response.
type LivenessResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
}

// VersionResponse represents version information.
type VersionResponse struct {
	Version   string    `json:"version"`
	Commit    string    `json:"commit"`
	BuildTime string    `json:"build_time"`
	GoVersion string    `json:"go_version"`
	Timestamp time.Time `json:"timestamp"`
}

// PortsResponse lists the ports offered to interactive clients.
type PortsResponse struct {
	Ports       []int `json:"ports"`
	DefaultPort int   `json:"default_port"`
}

// Liveness performs a simple liveness check without dependencies.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).String(),
	})
}

// Health reports the state of the process.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	h.logger.Debug("Health check requested", "remote_addr", r.RemoteAddr)

	response := HealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).String(),
		Checks:    map[string]string{"scanner": "ok"},
	}

	if n := runtime.NumGoroutine(); n > maxGoroutines {
		response.Status = StatusDegraded
		response.Checks["goroutines"] = "high"
		h.logger.Warn("High goroutine count", "goroutines", n)
	} else {
		response.Checks["goroutines"] = "ok"
	}

	writeJSON(w, r, http.StatusOK, response)
}

// Version provides version information.
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, VersionResponse{
		Version:   version,
		Commit:    commit,
		BuildTime: buildTime,
		GoVersion: runtime.Version(),
		Timestamp: time.Now().UTC(),
	})
}

// Ports lists the preset ports.
func (h *HealthHandler) Ports(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, PortsResponse{
		Ports:       h.presetPorts,
		DefaultPort: h.defaultPort,
	})
}

// Build information, set via ldflags through SetBuildInfo.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

// SetBuildInfo sets build information (called by main package).
func SetBuildInfo(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
}
