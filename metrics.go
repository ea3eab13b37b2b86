package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MetricsCollector 指標收集器
// 每秒彙整一次引擎統計，對外提供 Prometheus 文字與 JSON 快照
type MetricsCollector struct {
	mu sync.RWMutex

	engineStartTime time.Time

	// 最近一次彙整的引擎統計
	last EngineStats

	// 歷史記錄 (用於計算速率)
	history    []activitySample
	maxHistory int

	// 參照
	engine *Engine
	logger *zap.Logger
}

type activitySample struct {
	timestamp time.Time
	requests  uint64 // 從站請求累計
	cycles    uint64 // 輪詢週期累計
}

// MetricsSnapshot 指標快照
type MetricsSnapshot struct {
	Timestamp   time.Time `json:"timestamp"`
	Uptime      string    `json:"uptime"`
	EngineState string    `json:"engine_state"`

	// 裝置指標
	TotalDevices      int `json:"total_devices"`
	ActiveDevices     int `json:"active_devices"`
	StoppedDevices    int `json:"stopped_devices"`
	TotalPoints       int `json:"total_points"`
	TrackedValues     int `json:"tracked_values"`
	ActiveSimulations int `json:"active_simulations"`

	// 流量指標
	PollCycles     uint64  `json:"poll_cycles"`
	ReadErrors     uint64  `json:"read_errors"`
	BusyRejects    uint64  `json:"busy_rejects"`
	SlaveRequests  uint64  `json:"slave_requests"`
	SlaveErrors    uint64  `json:"slave_errors"`
	MasterWrites   uint64  `json:"master_writes"`
	SimWriteErrors uint64  `json:"sim_write_errors"`
	CapturedTotal  uint64  `json:"captured_total"`
	ErrorRate      float64 `json:"error_rate"`
	RequestsPerSec float64 `json:"requests_per_sec"`
	CyclesPerSec   float64 `json:"cycles_per_sec"`
}

// NewMetricsCollector 建立指標收集器
func NewMetricsCollector(engine *Engine, logger *zap.Logger) *MetricsCollector {
	return &MetricsCollector{
		engine:     engine,
		logger:     logger,
		maxHistory: 60, // 保留 60 個樣本 (用於計算每秒速率)
	}
}

// Start 啟動指標收集
func (m *MetricsCollector) Start(endpoint string, port int) error {
	m.engineStartTime = time.Now()

	// 啟動背景收集
	go m.collectLoop()

	// 啟動 HTTP 伺服器
	mux := http.NewServeMux()
	mux.HandleFunc(endpoint, m.handleMetrics)
	mux.HandleFunc("/health", m.handleHealth)
	mux.HandleFunc("/ready", m.handleReady)

	addr := fmt.Sprintf(":%d", port)
	m.logger.Info("啟動指標伺服器", zap.String("addr", addr))

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			m.logger.Error("指標伺服器錯誤", zap.Error(err))
		}
	}()

	return nil
}

// collectLoop 背景收集迴圈
func (m *MetricsCollector) collectLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.collect()
	}
}

// collect 收集指標
func (m *MetricsCollector) collect() {
	if m.engine == nil {
		return
	}

	stats := m.engine.Stats()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.last = stats

	sample := activitySample{
		timestamp: time.Now(),
		requests:  stats.SlaveRequests,
		cycles:    stats.PollCycles,
	}
	m.history = append(m.history, sample)
	if len(m.history) > m.maxHistory {
		m.history = m.history[1:]
	}
}

// Snapshot 取得指標快照
func (m *MetricsCollector) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := m.last

	snapshot := MetricsSnapshot{
		Timestamp:         time.Now(),
		Uptime:            time.Since(m.engineStartTime).String(),
		EngineState:       stats.State.String(),
		TotalDevices:      stats.DeviceCount,
		ActiveDevices:     stats.ActiveDevices,
		StoppedDevices:    stats.DeviceCount - stats.ActiveDevices,
		TotalPoints:       stats.TotalPoints,
		TrackedValues:     stats.TotalValues,
		ActiveSimulations: stats.ActiveSimulations,
		PollCycles:        stats.PollCycles,
		ReadErrors:        stats.ReadErrors,
		BusyRejects:       stats.BusyRejects,
		SlaveRequests:     stats.SlaveRequests,
		SlaveErrors:       stats.SlaveErrors,
		MasterWrites:      stats.MasterWrites,
		SimWriteErrors:    stats.SimWriteErrors,
		CapturedTotal:     stats.CapturedTotal,
	}

	// 錯誤率: 從站例外 + 讀取失敗佔全部交換的比例
	exchanges := stats.SlaveRequests + stats.PollCycles
	if exchanges > 0 {
		snapshot.ErrorRate = float64(stats.SlaveErrors+stats.ReadErrors) / float64(exchanges) * 100
	}

	// 用最近的歷史記錄算每秒速率
	if len(m.history) >= 2 {
		first := m.history[0]
		last := m.history[len(m.history)-1]
		duration := last.timestamp.Sub(first.timestamp).Seconds()
		if duration > 0 {
			snapshot.RequestsPerSec = float64(last.requests-first.requests) / duration
			snapshot.CyclesPerSec = float64(last.cycles-first.cycles) / duration
		}
	}

	return snapshot
}

// handleMetrics 處理 /metrics 請求
func (m *MetricsCollector) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snapshot := m.Snapshot()

	// 檢查 Accept header
	accept := r.Header.Get("Accept")
	if accept == "application/json" || r.URL.Query().Get("format") == "json" {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snapshot)
		return
	}

	// Prometheus 格式
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	fmt.Fprintf(w, "# HELP scadasim_uptime_seconds Uptime in seconds\n")
	fmt.Fprintf(w, "# TYPE scadasim_uptime_seconds gauge\n")
	fmt.Fprintf(w, "scadasim_uptime_seconds %f\n\n", time.Since(m.engineStartTime).Seconds())

	fmt.Fprintf(w, "# HELP scadasim_devices_total Total number of devices\n")
	fmt.Fprintf(w, "# TYPE scadasim_devices_total gauge\n")
	fmt.Fprintf(w, "scadasim_devices_total %d\n\n", snapshot.TotalDevices)

	fmt.Fprintf(w, "# HELP scadasim_devices_active Active number of devices\n")
	fmt.Fprintf(w, "# TYPE scadasim_devices_active gauge\n")
	fmt.Fprintf(w, "scadasim_devices_active %d\n\n", snapshot.ActiveDevices)

	fmt.Fprintf(w, "# HELP scadasim_points_total Total number of configured points\n")
	fmt.Fprintf(w, "# TYPE scadasim_points_total gauge\n")
	fmt.Fprintf(w, "scadasim_points_total %d\n\n", snapshot.TotalPoints)

	fmt.Fprintf(w, "# HELP scadasim_simulations_active Points with an active simulation method\n")
	fmt.Fprintf(w, "# TYPE scadasim_simulations_active gauge\n")
	fmt.Fprintf(w, "scadasim_simulations_active %d\n\n", snapshot.ActiveSimulations)

	fmt.Fprintf(w, "# HELP scadasim_poll_cycles_total Total poll cycles across devices\n")
	fmt.Fprintf(w, "# TYPE scadasim_poll_cycles_total counter\n")
	fmt.Fprintf(w, "scadasim_poll_cycles_total %d\n\n", snapshot.PollCycles)

	fmt.Fprintf(w, "# HELP scadasim_read_errors_total Total failed read cycles\n")
	fmt.Fprintf(w, "# TYPE scadasim_read_errors_total counter\n")
	fmt.Fprintf(w, "scadasim_read_errors_total %d\n\n", snapshot.ReadErrors)

	fmt.Fprintf(w, "# HELP scadasim_busy_rejects_total Manual reads rejected while busy\n")
	fmt.Fprintf(w, "# TYPE scadasim_busy_rejects_total counter\n")
	fmt.Fprintf(w, "scadasim_busy_rejects_total %d\n\n", snapshot.BusyRejects)

	fmt.Fprintf(w, "# HELP scadasim_slave_requests_total Total requests served by slave servers\n")
	fmt.Fprintf(w, "# TYPE scadasim_slave_requests_total counter\n")
	fmt.Fprintf(w, "scadasim_slave_requests_total %d\n\n", snapshot.SlaveRequests)

	fmt.Fprintf(w, "# HELP scadasim_slave_errors_total Total exception responses from slave servers\n")
	fmt.Fprintf(w, "# TYPE scadasim_slave_errors_total counter\n")
	fmt.Fprintf(w, "scadasim_slave_errors_total %d\n\n", snapshot.SlaveErrors)

	fmt.Fprintf(w, "# HELP scadasim_master_writes_total Point writes received from remote masters\n")
	fmt.Fprintf(w, "# TYPE scadasim_master_writes_total counter\n")
	fmt.Fprintf(w, "scadasim_master_writes_total %d\n\n", snapshot.MasterWrites)

	fmt.Fprintf(w, "# HELP scadasim_captured_messages_total Messages recorded by capture buffers\n")
	fmt.Fprintf(w, "# TYPE scadasim_captured_messages_total counter\n")
	fmt.Fprintf(w, "scadasim_captured_messages_total %d\n\n", snapshot.CapturedTotal)

	fmt.Fprintf(w, "# HELP scadasim_requests_per_second Slave requests per second\n")
	fmt.Fprintf(w, "# TYPE scadasim_requests_per_second gauge\n")
	fmt.Fprintf(w, "scadasim_requests_per_second %f\n\n", snapshot.RequestsPerSec)

	fmt.Fprintf(w, "# HELP scadasim_poll_cycles_per_second Poll cycles per second\n")
	fmt.Fprintf(w, "# TYPE scadasim_poll_cycles_per_second gauge\n")
	fmt.Fprintf(w, "scadasim_poll_cycles_per_second %f\n", snapshot.CyclesPerSec)
}

// handleHealth 處理 /health 請求
func (m *MetricsCollector) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// handleReady 處理 /ready 請求
func (m *MetricsCollector) handleReady(w http.ResponseWriter, r *http.Request) {
	if m.engine == nil || m.engine.State() != EngineStateRunning {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "not ready"})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
