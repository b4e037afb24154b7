package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/logger"
	"github.com/23skdu/longbow-bodkin/internal/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthStatus represents the health status of the decode service
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     string          `json:"version"`
	Uptime      time.Duration   `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Decode      DecodeInfo      `json:"decode"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

// SystemInfo contains system-level information
type SystemInfo struct {
	GoVersion      string  `json:"go_version"`
	OS             string  `json:"os"`
	Arch           string  `json:"arch"`
	NumCPU         int     `json:"num_cpu"`
	MemoryMB       int     `json:"memory_mb"`
	MemoryUsedMB   int     `json:"memory_used_mb"`
	MemoryUsagePct float64 `json:"memory_usage_pct"`
}

// DecodeInfo contains decode-loop state
type DecodeInfo struct {
	TokensGenerated int64     `json:"tokens_generated"`
	DeviceMemoryMB  int64     `json:"device_memory_mb"`
	LastStep        time.Time `json:"last_step"`
}

// PerformanceInfo contains performance metrics
type PerformanceInfo struct {
	TokensPerSecond float64   `json:"tokens_per_second"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
	P95LatencyMs    float64   `json:"p95_latency_ms"`
	LastStep        time.Time `json:"last_step"`
}

// Alert represents a service alert
type Alert struct {
	Level      string     `json:"level"`     // info, warning, error, critical
	Component  string     `json:"component"` // decode, device, memory, system
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// HealthMonitor serves health and metrics endpoints for the decode loop
type HealthMonitor struct {
	startTime    time.Time
	server       *http.Server
	mu           sync.RWMutex
	alerts       []Alert
	lastStep     time.Time
	stepHistory  []StepPoint
	deviceMemory int64
	log          *logger.Logger
}

// StepPoint records one decode step for latency accounting
type StepPoint struct {
	Timestamp time.Time
	Tokens    int
	Duration  time.Duration
}

// NewHealthMonitor creates a new health monitor
func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		startTime:   time.Now(),
		alerts:      make([]Alert, 0),
		stepHistory: make([]StepPoint, 0),
		log:         logger.Log.With("monitoring"),
	}
}

// Start begins serving health endpoints on addr. Blocks until the server
// exits.
func (hm *HealthMonitor) Start(addr string) error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth) // Kubernetes compatibility
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)

	hm.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	hm.log.Info("health monitor starting", "addr", addr)
	return hm.server.ListenAndServe()
}

// Stop stops health monitoring
func (hm *HealthMonitor) Stop(ctx context.Context) error {
	if hm.server != nil {
		return hm.server.Shutdown(ctx)
	}
	return nil
}

// RecordStep records one decode step for performance monitoring
func (hm *HealthMonitor) RecordStep(tokens int, duration time.Duration) {
	hm.mu.Lock()
	now := time.Now()
	hm.lastStep = now

	point := StepPoint{
		Timestamp: now,
		Tokens:    tokens,
		Duration:  duration,
	}
	hm.stepHistory = append(hm.stepHistory, point)

	// Keep only last 1000 points
	if len(hm.stepHistory) > 1000 {
		hm.stepHistory = hm.stepHistory[1:]
	}
	hm.mu.Unlock()

	hm.checkStepAlerts(point)
}

// RecordDeviceMemory records device buffer usage
func (hm *HealthMonitor) RecordDeviceMemory(bytes int64) {
	hm.mu.Lock()
	hm.deviceMemory = bytes
	hm.mu.Unlock()
	hm.checkDeviceMemoryAlerts(bytes)
}

// AddAlert adds a new alert
func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	alert := Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
		Resolved:  false,
	}
	hm.alerts = append(hm.alerts, alert)

	// Keep only last 100 alerts
	if len(hm.alerts) > 100 {
		hm.alerts = hm.alerts[1:]
	}

	hm.log.Warn("alert raised", "level", level, "component", component, "message", message)
}

// ResolveAlert resolves an alert
func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

// HTTP Handlers

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.getHealthStatus()

	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	status := hm.getHealthStatus()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)
	hm.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"message": "alerts cleared"})
}

// Health status calculation

func (hm *HealthMonitor) getHealthStatus() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, alert := range hm.alerts {
		if alert.Level == "critical" && !alert.Resolved {
			status = "critical"
			break
		} else if alert.Level == "error" && !alert.Resolved {
			status = "degraded"
		}
	}

	return HealthStatus{
		Status:    status,
		Timestamp: time.Now(),
		Version:   "1.0.0",
		Uptime:    time.Since(hm.startTime),
		System:    hm.getSystemInfo(),
		Decode: DecodeInfo{
			TokensGenerated: metrics.TotalTokens(),
			DeviceMemoryMB:  hm.deviceMemory / (1024 * 1024),
			LastStep:        hm.lastStep,
		},
		Performance: hm.calculatePerformanceInfo(),
		Alerts:      hm.alerts,
	}
}

func (hm *HealthMonitor) getSystemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return SystemInfo{
		GoVersion:      runtime.Version(),
		OS:             runtime.GOOS,
		Arch:           runtime.GOARCH,
		NumCPU:         runtime.NumCPU(),
		MemoryMB:       int(m.Sys / 1024 / 1024),
		MemoryUsedMB:   int(m.Alloc / 1024 / 1024),
		MemoryUsagePct: float64(m.Alloc) / float64(m.Sys) * 100,
	}
}

func (hm *HealthMonitor) calculatePerformanceInfo() PerformanceInfo {
	if len(hm.stepHistory) == 0 {
		return PerformanceInfo{LastStep: hm.lastStep}
	}

	var totalTokens int
	var totalDuration time.Duration
	latencies := make([]float64, 0, len(hm.stepHistory))

	for _, point := range hm.stepHistory {
		totalTokens += point.Tokens
		totalDuration += point.Duration
		latencies = append(latencies, float64(point.Duration.Nanoseconds())/1e6)
	}

	for i := range latencies {
		for j := i + 1; j < len(latencies); j++ {
			if latencies[i] > latencies[j] {
				latencies[i], latencies[j] = latencies[j], latencies[i]
			}
		}
	}

	p95Index := int(float64(len(latencies)) * 0.95)
	if p95Index >= len(latencies) {
		p95Index = len(latencies) - 1
	}

	return PerformanceInfo{
		TokensPerSecond: float64(totalTokens) / totalDuration.Seconds(),
		AvgLatencyMs:    float64(totalDuration.Nanoseconds()) / float64(len(hm.stepHistory)) / 1e6,
		P95LatencyMs:    latencies[p95Index],
		LastStep:        hm.lastStep,
	}
}

// Alert checking functions

func (hm *HealthMonitor) checkStepAlerts(point StepPoint) {
	tokensPerSecond := float64(point.Tokens) / point.Duration.Seconds()
	if tokensPerSecond < 1.0 {
		hm.AddAlert("warning", "decode",
			fmt.Sprintf("Low throughput: %.2f tokens/sec", tokensPerSecond))
	}

	latencyMs := float64(point.Duration.Nanoseconds()) / 1e6
	if latencyMs > 5000 {
		hm.AddAlert("error", "decode",
			fmt.Sprintf("High latency: %.2f ms", latencyMs))
	}
}

func (hm *HealthMonitor) checkDeviceMemoryAlerts(bytes int64) {
	memoryMB := bytes / (1024 * 1024)
	if memoryMB > 2048 {
		hm.AddAlert("warning", "device",
			fmt.Sprintf("High device memory usage: %d MB", memoryMB))
	}
}
