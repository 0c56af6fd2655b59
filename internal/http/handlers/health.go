// Package handlers provides the control API operations.
package handlers

import (
	"context"
	"runtime"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// HealthHandler handles the health check endpoint.
type HealthHandler struct {
	version   string
	startTime time.Time
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(version string) *HealthHandler {
	return &HealthHandler{version: version, startTime: time.Now()}
}

// HealthResponse is the health check body.
type HealthResponse struct {
	Status     string      `json:"status"`
	Version    string      `json:"version"`
	Uptime     string      `json:"uptime"`
	Goroutines int         `json:"goroutines"`
	Memory     *MemoryInfo `json:"memory,omitempty"`
	Load       *LoadInfo   `json:"load,omitempty"`
}

// MemoryInfo reports system memory usage.
type MemoryInfo struct {
	TotalBytes  uint64  `json:"total_bytes"`
	UsedBytes   uint64  `json:"used_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

// LoadInfo reports system load averages.
type LoadInfo struct {
	Load1  float64 `json:"load1"`
	Load5  float64 `json:"load5"`
	Load15 float64 `json:"load15"`
}

// HealthInput is the (empty) input of the health endpoint.
type HealthInput struct{}

// HealthOutput wraps the health response.
type HealthOutput struct {
	Body HealthResponse
}

// Register registers the health route.
func (h *HealthHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      "GET",
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns service health including system metrics",
		Tags:        []string{"System"},
	}, h.GetHealth)
}

// GetHealth returns service health and system metrics.
func (h *HealthHandler) GetHealth(ctx context.Context, input *HealthInput) (*HealthOutput, error) {
	resp := HealthResponse{
		Status:     "ok",
		Version:    h.version,
		Uptime:     time.Since(h.startTime).Round(time.Second).String(),
		Goroutines: runtime.NumGoroutine(),
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		resp.Memory = &MemoryInfo{
			TotalBytes:  vm.Total,
			UsedBytes:   vm.Used,
			UsedPercent: vm.UsedPercent,
		}
	}
	if avg, err := load.Avg(); err == nil {
		resp.Load = &LoadInfo{Load1: avg.Load1, Load5: avg.Load5, Load15: avg.Load15}
	}

	return &HealthOutput{Body: resp}, nil
}
