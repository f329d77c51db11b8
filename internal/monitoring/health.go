package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/23skdu/longbow-denoise/internal/device"
	"github.com/23skdu/longbow-denoise/internal/logger"
)

const (
	maxHistory = 1000
	maxAlerts  = 100
)

// HealthStatus represents the health status of the system
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Version     string          `json:"version"`
	Uptime      time.Duration   `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Devices     []DeviceInfo    `json:"devices"`
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

// DeviceInfo is the narrow view of an accelerator shown on /status.
type DeviceInfo struct {
	Ordinal           int    `json:"ordinal"`
	Name              string `json:"name"`
	ComputeCapability string `json:"compute_capability"`
	TotalMemoryMB     int64  `json:"total_memory_mb"`
	Jobs              int    `json:"jobs"`
}

// PerformanceInfo summarizes the recent job history.
type PerformanceInfo struct {
	Jobs                int       `json:"jobs"`
	Tiles               int       `json:"tiles"`
	MegapixelsPerSecond float64   `json:"megapixels_per_second"`
	AvgLatencyMs        float64   `json:"avg_latency_ms"`
	P95LatencyMs        float64   `json:"p95_latency_ms"`
	ErrorRate           float64   `json:"error_rate"`
	Fallbacks           int       `json:"fallbacks"`
	LastJob             time.Time `json:"last_job"`
}

// Alert represents a system alert
type Alert struct {
	Level      string     `json:"level"`     // info, warning, error, critical
	Component  string     `json:"component"` // job, device, memory
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// JobReport is what a runner records after every denoise job.
type JobReport struct {
	Name           string
	Device         int
	Variant        string
	Width          int
	Height         int
	Tiles          int
	FootprintBytes int64
	Duration       time.Duration
	Reused         bool
	Fallback       bool
	// ErrorKind is empty for successful jobs.
	ErrorKind string
	Err       error
}

func (r JobReport) Failed() bool { return r.ErrorKind != "" || r.Err != nil }

// HealthMonitor keeps a bounded job history and serves it over HTTP.
type HealthMonitor struct {
	startTime time.Time
	server    *http.Server
	log       *logger.Logger

	mu          sync.RWMutex
	alerts      []Alert
	lastJob     time.Time
	history     []JobReport
	devices     map[int]*DeviceInfo
	memoryAlert int64
}

// NewHealthMonitor creates a new health monitor
func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		startTime:   time.Now(),
		log:         logger.Log.Component("monitoring"),
		alerts:      make([]Alert, 0),
		history:     make([]JobReport, 0),
		devices:     make(map[int]*DeviceInfo),
		memoryAlert: 0,
	}
}

// SetMemoryAlertThreshold raises a warning whenever a job plans more than
// bytes of device memory. Zero disables the check.
func (hm *HealthMonitor) SetMemoryAlertThreshold(bytes int64) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.memoryAlert = bytes
}

// RegisterDevice adds an accelerator to the status report.
func (hm *HealthMonitor) RegisterDevice(caps device.Capabilities) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.devices[caps.Ordinal] = &DeviceInfo{
		Ordinal:           caps.Ordinal,
		Name:              caps.Name,
		ComputeCapability: caps.ComputeCapability(),
		TotalMemoryMB:     caps.TotalMemoryBytes() / (1024 * 1024),
	}
}

// Handler returns the HTTP routes served by Start.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth) // Kubernetes compatibility

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/status", hm.handleDetailedStatus)

	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// Start serves the monitoring endpoints until Stop is called.
func (hm *HealthMonitor) Start(addr string) error {
	hm.server = &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
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

// RecordJob adds a finished job to the history and raises alerts for
// failures and oversized plans.
func (hm *HealthMonitor) RecordJob(r JobReport) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.lastJob = time.Now()
	hm.history = append(hm.history, r)
	if len(hm.history) > maxHistory {
		hm.history = hm.history[1:]
	}
	if d, ok := hm.devices[r.Device]; ok {
		d.Jobs++
	}

	if r.Failed() {
		msg := fmt.Sprintf("job %q failed on device %d: %s", r.Name, r.Device, r.ErrorKind)
		if r.Err != nil {
			msg += ": " + r.Err.Error()
		}
		hm.addAlertLocked("error", "job", msg)
	}
	if hm.memoryAlert > 0 && r.FootprintBytes > hm.memoryAlert {
		hm.addAlertLocked("warning", "memory",
			fmt.Sprintf("job %q planned %d bytes, above %d", r.Name, r.FootprintBytes, hm.memoryAlert))
	}
}

// AddAlert adds a new alert
func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.addAlertLocked(level, component, message)
}

func (hm *HealthMonitor) addAlertLocked(level, component, message string) {
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
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
	status := hm.Status()

	w.Header().Set("Content-Type", "application/json")
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)
	hm.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(alerts)
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
	_ = json.NewEncoder(w).Encode(map[string]string{"message": "alerts cleared"})
}

// Status computes the current health snapshot.
func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, alert := range hm.alerts {
		if alert.Resolved {
			continue
		}
		if alert.Level == "critical" {
			status = "critical"
			break
		}
		if alert.Level == "error" {
			status = "degraded"
		}
	}

	devices := make([]DeviceInfo, 0, len(hm.devices))
	for _, d := range hm.devices {
		devices = append(devices, *d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].Ordinal < devices[j].Ordinal })

	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)

	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Version:     "1.0.0",
		Uptime:      time.Since(hm.startTime),
		System:      systemInfo(),
		Devices:     devices,
		Performance: hm.performanceLocked(),
		Alerts:      alerts,
	}
}

func systemInfo() SystemInfo {
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

func (hm *HealthMonitor) performanceLocked() PerformanceInfo {
	info := PerformanceInfo{Jobs: len(hm.history), LastJob: hm.lastJob}
	if len(hm.history) == 0 {
		return info
	}

	var total time.Duration
	var pixels float64
	failed := 0
	latencies := make([]float64, 0, len(hm.history))
	for _, r := range hm.history {
		total += r.Duration
		latencies = append(latencies, float64(r.Duration.Nanoseconds())/1e6)
		if r.Failed() {
			failed++
			continue
		}
		pixels += float64(r.Width) * float64(r.Height)
		info.Tiles += r.Tiles
		if r.Fallback {
			info.Fallbacks++
		}
	}
	sort.Float64s(latencies)

	p95 := int(float64(len(latencies)) * 0.95)
	if p95 >= len(latencies) {
		p95 = len(latencies) - 1
	}
	info.AvgLatencyMs = float64(total.Nanoseconds()) / float64(len(hm.history)) / 1e6
	info.P95LatencyMs = latencies[p95]
	info.ErrorRate = float64(failed) / float64(len(hm.history))
	if total > 0 {
		info.MegapixelsPerSecond = pixels / 1e6 / total.Seconds()
	}
	return info
}
