package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gonum.org/v1/gonum/stat"

	"github.com/23skdu/longbow-minimind/internal/config"
	"github.com/23skdu/longbow-minimind/internal/cpu"
	"github.com/23skdu/longbow-minimind/internal/logger"
)

// HealthStatus represents the health status of the process
type HealthStatus struct {
	Status      string          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
	Uptime      time.Duration   `json:"uptime"`
	System      SystemInfo      `json:"system"`
	Model       ModelInfo       `json:"model"`
	Performance PerformanceInfo `json:"performance"`
	Alerts      []Alert         `json:"alerts"`
}

type SystemInfo struct {
	GoVersion         string `json:"go_version"`
	OS                string `json:"os"`
	Arch              string `json:"arch"`
	NumCPU            int    `json:"num_cpu"`
	MemoryUsedMB      int    `json:"memory_used_mb"`
	TensorAllocatedMB int64  `json:"tensor_allocated_mb"`
}

type ModelInfo struct {
	Dim       int  `json:"dim"`
	Layers    int  `json:"n_layers"`
	Heads     int  `json:"n_heads"`
	KVHeads   int  `json:"n_kv_heads"`
	VocabSize int  `json:"vocab_size"`
	MaxSeqLen int  `json:"max_seq_len"`
	UseMoE    bool `json:"use_moe"`
	Experts   int  `json:"n_routed_experts,omitempty"`
}

type PerformanceInfo struct {
	Generations     int       `json:"generations"`
	TokensPerSecond float64   `json:"tokens_per_second"`
	AvgLatencyMs    float64   `json:"avg_latency_ms"`
	P95LatencyMs    float64   `json:"p95_latency_ms"`
	ErrorRate       float64   `json:"error_rate"`
	LastGeneration  time.Time `json:"last_generation"`
}

// Alert level values.
const (
	LevelWarning  = "warning"
	LevelError    = "error"
	LevelCritical = "critical"
)

type Alert struct {
	Level     string    `json:"level"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// PerfPoint is one finished generation.
type PerfPoint struct {
	Tokens   int
	Duration time.Duration
	Failed   bool
}

const (
	maxPerfHistory = 1000
	maxAlerts      = 100
)

// HealthMonitor serves /healthz, /status and /metrics for a running model.
type HealthMonitor struct {
	startTime time.Time
	model     ModelInfo

	mu             sync.RWMutex
	server         *http.Server
	addr           string
	alerts         []Alert
	lastGeneration time.Time
	perfHistory    []PerfPoint
}

func NewHealthMonitor(cfg config.Config) *HealthMonitor {
	info := ModelInfo{
		Dim:       cfg.Dim,
		Layers:    cfg.Layers,
		Heads:     cfg.Heads,
		KVHeads:   cfg.KVHeadCount(),
		VocabSize: cfg.VocabSize,
		MaxSeqLen: cfg.MaxSeqLen,
		UseMoE:    cfg.UseMoE,
	}
	if cfg.UseMoE {
		info.Experts = cfg.MoE.RoutedExperts
	}
	return &HealthMonitor{startTime: time.Now(), model: info}
}

func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// Start listens on addr and serves Handler in the background until Stop.
// Listen errors are returned immediately.
func (hm *HealthMonitor) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("health monitor listen %s: %w", addr, err)
	}
	srv := &http.Server{
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	hm.mu.Lock()
	if hm.server != nil {
		hm.mu.Unlock()
		_ = ln.Close()
		return fmt.Errorf("health monitor already serving on %s", hm.addr)
	}
	hm.server = srv
	hm.addr = ln.Addr().String()
	hm.mu.Unlock()

	logger.Log.Info("Health monitor starting", "addr", ln.Addr().String())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Log.Error("Health monitor stopped", "err", err)
		}
	}()
	return nil
}

// Addr is the address Start bound, or "" before Start.
func (hm *HealthMonitor) Addr() string {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.addr
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	hm.mu.Lock()
	srv := hm.server
	hm.server = nil
	hm.addr = ""
	hm.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// RecordGeneration adds one finished (or failed) generation to the rolling
// performance window.
func (hm *HealthMonitor) RecordGeneration(tokens int, duration time.Duration, err error) {
	hm.mu.Lock()
	hm.lastGeneration = time.Now()
	hm.perfHistory = append(hm.perfHistory, PerfPoint{Tokens: tokens, Duration: duration, Failed: err != nil})
	if len(hm.perfHistory) > maxPerfHistory {
		hm.perfHistory = hm.perfHistory[1:]
	}
	hm.mu.Unlock()

	if err != nil {
		hm.AddAlert(LevelError, "generation", err.Error())
		return
	}
	if latencyMs := float64(duration.Milliseconds()); latencyMs > 5000 {
		hm.AddAlert(LevelWarning, "performance", fmt.Sprintf("High latency: %.0f ms", latencyMs))
	}
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()

	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	logger.Log.Warn("Alert raised", "level", level, "component", component, "message", message)
}

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

// Status is "critical" with any critical alert, "degraded" with any error
// alert and "healthy" otherwise.
func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, a := range hm.alerts {
		if a.Level == LevelCritical {
			status = "critical"
			break
		}
		if a.Level == LevelError {
			status = "degraded"
		}
	}

	return HealthStatus{
		Status:      status,
		Timestamp:   time.Now(),
		Uptime:      time.Since(hm.startTime),
		System:      systemInfo(),
		Model:       hm.model,
		Performance: hm.performance(),
		Alerts:      slices.Clone(hm.alerts),
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:         runtime.Version(),
		OS:                runtime.GOOS,
		Arch:              runtime.GOARCH,
		NumCPU:            runtime.NumCPU(),
		MemoryUsedMB:      int(m.Alloc / 1024 / 1024),
		TensorAllocatedMB: cpu.AllocatedBytes() / 1024 / 1024,
	}
}

func (hm *HealthMonitor) performance() PerformanceInfo {
	info := PerformanceInfo{
		Generations:    len(hm.perfHistory),
		LastGeneration: hm.lastGeneration,
	}
	if len(hm.perfHistory) == 0 {
		return info
	}

	var (
		tokens   int
		total    time.Duration
		failures int
	)
	latencies := make([]float64, 0, len(hm.perfHistory))
	for _, p := range hm.perfHistory {
		if p.Failed {
			failures++
		}
		tokens += p.Tokens
		total += p.Duration
		latencies = append(latencies, float64(p.Duration.Nanoseconds())/1e6)
	}
	slices.Sort(latencies)

	info.AvgLatencyMs = stat.Mean(latencies, nil)
	info.P95LatencyMs = stat.Quantile(0.95, stat.Empirical, latencies, nil)
	info.ErrorRate = float64(failures) / float64(len(hm.perfHistory))
	if total > 0 {
		info.TokensPerSecond = float64(tokens) / total.Seconds()
	}
	return info
}
