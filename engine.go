package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EngineState 引擎狀態
type EngineState int32

const (
	EngineStateStopped EngineState = iota
	EngineStateStarting
	EngineStateRunning
	EngineStateStopping
)

func (s EngineState) String() string {
	switch s {
	case EngineStateStopped:
		return "stopped"
	case EngineStateStarting:
		return "starting"
	case EngineStateRunning:
		return "running"
	case EngineStateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// maxConcurrentDeviceOps 裝置並發啟停上限
const maxConcurrentDeviceOps = 100

// Engine 模擬引擎
// 管理全部裝置的生命週期與共用資源 (點位庫、MQTT 推送、虛擬 IP)
type Engine struct {
	mu sync.RWMutex

	// 配置
	config *Config

	// 狀態
	state atomic.Int32

	// 裝置
	devices map[string]*Device

	// 共用資源，Start 建立 Stop 釋放
	store       *SQLiteStore
	publisher   Publisher
	provisioner NetworkProvisioner

	startTime time.Time

	// 日誌
	logger *zap.Logger
}

// EngineStats 引擎統計資訊 (全裝置彙整)
type EngineStats struct {
	State             EngineState
	StartTime         time.Time
	DeviceCount       int
	ActiveDevices     int
	TotalPoints       int
	TotalValues       int
	ActiveSimulations int
	SimWriteErrors    uint64
	PollCycles        uint64
	ReadErrors        uint64
	BusyRejects       uint64
	SlaveRequests     uint64
	SlaveErrors       uint64
	MasterWrites      uint64
	CapturedTotal     uint64
}

// NewEngine 建立新的引擎
func NewEngine(config *Config, logger *zap.Logger) *Engine {
	return &Engine{
		config:  config,
		devices: make(map[string]*Device),
		logger:  logger,
	}
}

// Start 啟動引擎
// 先備妥共用資源再並發啟動裝置；部分失敗時帶著成功的裝置繼續跑，
// 全數失敗才整體回退
func (e *Engine) Start(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(EngineStateStopped), int32(EngineStateStarting)) {
		return fmt.Errorf("引擎已經在運行中")
	}

	e.startTime = time.Now()
	e.logger.Info("正在啟動引擎", zap.Int("device_count", len(e.config.Devices)))

	if err := e.openResources(ctx); err != nil {
		e.closeResources(ctx)
		e.state.Store(int32(EngineStateStopped))
		return err
	}

	devices := make([]*Device, 0, len(e.config.Devices))
	for i := range e.config.Devices {
		d, err := e.buildDevice(ctx, &e.config.Devices[i])
		if err != nil {
			e.closeResources(ctx)
			e.state.Store(int32(EngineStateStopped))
			return fmt.Errorf("建立裝置 %s 失敗: %w", e.config.Devices[i].ID, err)
		}
		devices = append(devices, d)
	}

	var wg sync.WaitGroup
	errChan := make(chan error, len(devices))
	semaphore := make(chan struct{}, maxConcurrentDeviceOps)

	for _, d := range devices {
		wg.Add(1)
		go func(d *Device) {
			defer wg.Done()

			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			if err := d.Start(ctx); err != nil {
				errChan <- fmt.Errorf("啟動裝置 %s 失敗: %w", d.ID, err)
				return
			}

			e.mu.Lock()
			e.devices[d.ID] = d
			e.mu.Unlock()
		}(d)
	}

	wg.Wait()
	close(errChan)

	var errs []error
	for err := range errChan {
		errs = append(errs, err)
	}

	e.mu.RLock()
	active := len(e.devices)
	e.mu.RUnlock()

	if len(errs) > 0 {
		e.logger.Warn("部分裝置啟動失敗",
			zap.Int("failed", len(errs)),
			zap.Int("success", active),
		)
		if active == 0 {
			e.closeResources(ctx)
			e.state.Store(int32(EngineStateStopped))
			return fmt.Errorf("所有裝置啟動失敗: %v", errs[0])
		}
	}

	e.state.Store(int32(EngineStateRunning))
	e.logger.Info("引擎啟動完成",
		zap.Int("active_devices", active),
		zap.Duration("startup_time", time.Since(e.startTime)),
	)

	return nil
}

// Stop 停止引擎
func (e *Engine) Stop(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(EngineStateRunning), int32(EngineStateStopping)) {
		return nil
	}

	devices := e.Devices()
	e.logger.Info("正在停止引擎", zap.Int("device_count", len(devices)))

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, maxConcurrentDeviceOps)

	for _, d := range devices {
		wg.Add(1)
		go func(d *Device) {
			defer wg.Done()

			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			if err := d.Stop(ctx); err != nil {
				e.logger.Warn("停止裝置失敗",
					zap.String("device", d.ID),
					zap.Error(err),
				)
			}
		}(d)
	}

	// 等待所有裝置停止或超時
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Warn("停止引擎超時")
	}

	e.closeResources(ctx)

	e.mu.Lock()
	e.devices = make(map[string]*Device)
	e.mu.Unlock()

	e.state.Store(int32(EngineStateStopped))
	e.logger.Info("引擎已停止")

	return nil
}

// openResources 建立共用資源：點位庫、MQTT 推送、虛擬 IP
func (e *Engine) openResources(ctx context.Context) error {
	if path := e.config.Store.Path; path != "" {
		store, err := OpenSQLiteStore(path)
		if err != nil {
			return fmt.Errorf("開啟點位庫失敗: %w", err)
		}
		e.mu.Lock()
		e.store = store
		e.mu.Unlock()
		e.logger.Info("點位庫已開啟", zap.String("path", path))
	}

	if e.config.MQTT.Enabled {
		clientID := e.config.MQTT.ClientID
		if clientID == "" {
			clientID = "scadasim-engine"
		}
		opts := []MQTTPublisherOption{
			WithPublisherLogger(e.logger),
			WithPublisherQoS(byte(e.config.MQTT.QoS)),
		}
		if e.config.MQTT.TopicPrefix != "" {
			opts = append(opts, WithPublisherTopicPrefix(e.config.MQTT.TopicPrefix))
		}
		pub, err := NewMQTTPublisher(e.config.MQTT.Broker, clientID, opts...)
		if err != nil {
			return fmt.Errorf("連接 MQTT broker 失敗: %w", err)
		}
		e.mu.Lock()
		e.publisher = pub
		e.mu.Unlock()
		e.logger.Info("MQTT 推送已連線", zap.String("broker", e.config.MQTT.Broker))
	}

	if len(e.config.Network.IPRanges) > 0 {
		prov := NewNetworkProvisioner(e.config.Network.Interface, e.logger)
		if err := prov.Setup(ctx, e.config.Network.IPRanges); err != nil {
			return fmt.Errorf("設置虛擬 IP 失敗: %w", err)
		}
		e.mu.Lock()
		e.provisioner = prov
		e.mu.Unlock()
	}

	return nil
}

// closeResources 釋放共用資源，順序與建立相反
func (e *Engine) closeResources(ctx context.Context) {
	e.mu.Lock()
	prov := e.provisioner
	pub := e.publisher
	store := e.store
	e.provisioner = nil
	e.publisher = nil
	e.store = nil
	e.mu.Unlock()

	if prov != nil {
		if err := prov.Teardown(ctx); err != nil {
			e.logger.Warn("移除虛擬 IP 失敗", zap.Error(err))
		}
	}
	if pub != nil {
		pub.Close()
	}
	if store != nil {
		if err := store.Close(); err != nil {
			e.logger.Warn("關閉點位庫失敗", zap.Error(err))
		}
	}
}

// buildDevice 依配置組裝裝置並掛載點位
func (e *Engine) buildDevice(ctx context.Context, dc *DeviceConfig) (*Device, error) {
	kind, err := dc.ParseProtocol()
	if err != nil {
		return nil, err
	}
	mode, err := dc.ParseMode()
	if err != nil {
		return nil, err
	}

	opts := []DeviceOption{WithDeviceLogger(e.logger)}
	if dc.Address != "" {
		opts = append(opts, WithDeviceAddress(dc.Address))
	}
	if kind == ProtocolModbusRTU {
		opts = append(opts, WithDeviceSerial(dc.Serial.Settings()))
	}
	if dc.PollInterval > 0 {
		opts = append(opts, WithDevicePollInterval(dc.PollInterval))
	}
	if dc.SimInterval > 0 {
		opts = append(opts, WithDeviceSimInterval(dc.SimInterval))
	}
	if dc.Timeout > 0 {
		opts = append(opts, WithDeviceTimeout(dc.Timeout))
	}
	if dc.CaptureCapacity > 0 {
		opts = append(opts, WithDeviceCaptureCapacity(dc.CaptureCapacity))
	}
	if dc.AutoRead {
		opts = append(opts, WithDeviceAutoRead(true))
	}
	if dc.Seed != 0 {
		opts = append(opts, WithDeviceSeed(dc.Seed))
	}
	if profile := dc.Faults.Profile(); profile.enabled() {
		opts = append(opts, WithDeviceFaults(profile))
	}
	if pub := e.valuePublisher(); pub != nil {
		opts = append(opts, WithDevicePublisher(pub))
	}

	d := NewDevice(dc.ID, dc.Name, kind, mode, opts...)

	points, err := e.loadDevicePoints(ctx, dc)
	if err != nil {
		return nil, err
	}
	for i := range points {
		if _, err := d.AddPoint(points[i]); err != nil {
			return nil, fmt.Errorf("掛載點位 %s 失敗: %w", points[i].Code, err)
		}
	}

	return d, nil
}

// loadDevicePoints 彙整裝置點位：庫內定義優先，配置檔點位補缺並播種進庫
func (e *Engine) loadDevicePoints(ctx context.Context, dc *DeviceConfig) ([]Point, error) {
	store := e.pointStore()

	var points []Point
	seen := make(map[string]bool)

	if store != nil {
		stored, err := store.LoadPoints(ctx, dc.ID)
		if err != nil {
			return nil, err
		}
		for _, p := range stored {
			points = append(points, p)
			seen[p.Code] = true
		}
	}

	for i := range dc.Points {
		p, err := dc.Points[i].ToPoint()
		if err != nil {
			return nil, err
		}
		if seen[p.Code] {
			continue
		}
		points = append(points, p)
		if store != nil {
			if err := store.SavePoint(ctx, dc.ID, p); err != nil {
				return nil, err
			}
		}
	}

	return points, nil
}

// Device 取得指定編號的裝置
func (e *Engine) Device(id string) (*Device, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	d, ok := e.devices[id]
	return d, ok
}

// Devices 列出所有裝置 (依編號排序)
func (e *Engine) Devices() []*Device {
	e.mu.RLock()
	out := make([]*Device, 0, len(e.devices))
	for _, d := range e.devices {
		out = append(out, d)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// State 取得引擎狀態
func (e *Engine) State() EngineState {
	return EngineState(e.state.Load())
}

// Stats 取得統計資訊
func (e *Engine) Stats() EngineStats {
	stats := EngineStats{
		State:     e.State(),
		StartTime: e.startTime,
	}

	for _, d := range e.Devices() {
		ds := d.Stats()
		stats.DeviceCount++
		if ds.State == DeviceRunning {
			stats.ActiveDevices++
		}
		stats.TotalPoints += ds.PointCount
		stats.TotalValues += ds.ValueCount
		stats.ActiveSimulations += ds.ActiveSimulations
		stats.SimWriteErrors += ds.SimWriteErrors
		stats.PollCycles += ds.Poll.Cycles
		stats.ReadErrors += ds.Poll.ReadErrors
		stats.BusyRejects += ds.Poll.BusyRejects
		stats.SlaveRequests += ds.SlaveRequests
		stats.SlaveErrors += ds.SlaveErrors
		stats.MasterWrites += ds.MasterWrites
		stats.CapturedTotal += ds.CapturedTotal
	}

	return stats
}

// pointStore 取共用點位庫 (未配置時為 nil)
func (e *Engine) pointStore() *SQLiteStore {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.store
}

// valuePublisher 取共用數值推送器 (未配置時為 nil)
func (e *Engine) valuePublisher() Publisher {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.publisher
}

// AddDevicePoint 新增點位並落盤；落盤失敗時回退記憶體內的新增
func (e *Engine) AddDevicePoint(ctx context.Context, deviceID string, p Point) (*Point, error) {
	d, ok := e.Device(deviceID)
	if !ok {
		return nil, fmt.Errorf("%w: 裝置 %s 不存在", ErrFormat, deviceID)
	}

	np, err := d.AddPoint(p)
	if err != nil {
		return nil, err
	}
	if store := e.pointStore(); store != nil {
		if err := store.SavePoint(ctx, deviceID, *np); err != nil {
			d.DeletePoint(np.Code)
			return nil, fmt.Errorf("點位落盤失敗: %w", err)
		}
	}
	return np, nil
}

// DeleteDevicePoint 刪除點位；先落盤再動記憶體，落盤失敗不動點表
func (e *Engine) DeleteDevicePoint(ctx context.Context, deviceID, code string) error {
	d, ok := e.Device(deviceID)
	if !ok {
		return fmt.Errorf("%w: 裝置 %s 不存在", ErrFormat, deviceID)
	}

	if store := e.pointStore(); store != nil {
		if err := store.DeletePoint(ctx, deviceID, code); err != nil && !isNotFound(err) {
			return fmt.Errorf("點位刪除落盤失敗: %w", err)
		}
	}
	if !d.DeletePoint(code) {
		return fmt.Errorf("%w: 點位 %s 不存在", ErrFormat, code)
	}
	return nil
}

// EditDevicePoint 更新點位定義並落盤
func (e *Engine) EditDevicePoint(ctx context.Context, deviceID, code string, edit PointEdit) (*Point, error) {
	d, ok := e.Device(deviceID)
	if !ok {
		return nil, fmt.Errorf("%w: 裝置 %s 不存在", ErrFormat, deviceID)
	}

	np, err := d.EditPointMetadata(code, edit)
	if err != nil {
		return nil, err
	}
	if store := e.pointStore(); store != nil {
		if err := store.SavePoint(ctx, deviceID, *np); err != nil {
			return np, fmt.Errorf("點位落盤失敗: %w", err)
		}
	}
	return np, nil
}

// isNotFound 落盤層的「不存在」可忽略 (點位可能從未持久化)
func isNotFound(err error) bool {
	return errors.Is(err, ErrFormat)
}
