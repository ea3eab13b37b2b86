package main

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DeviceState 裝置狀態
type DeviceState int32

const (
	DeviceStopped DeviceState = iota
	DeviceStarting
	DeviceRunning
	DeviceStopping
)

func (s DeviceState) String() string {
	switch s {
	case DeviceStopped:
		return "stopped"
	case DeviceStarting:
		return "starting"
	case DeviceRunning:
		return "running"
	case DeviceStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

const (
	// DefaultSimInterval 模擬更新預設間隔
	DefaultSimInterval = time.Second
	// DefaultTransportTimeout 傳輸層預設逾時
	DefaultTransportTimeout = 5 * time.Second
)

// PointValue 點位當前值
type PointValue struct {
	Code    string
	Real    float64
	Words   []uint16
	Updated time.Time
}

// Device 單一受控裝置
// 點表 + 輪詢排程 + 模擬引擎 + 報文擷取 + 傳輸層的組合：
// 伺服端模式以迴路影像對外開 Modbus 從站，客戶端模式輪詢遠端真實設備
type Device struct {
	ID   string
	Name string
	Kind ProtocolKind
	Mode DeviceMode

	state atomic.Int32

	mu sync.RWMutex // 保護 transport/sched/loopback/slaves

	table   *PointTable
	capture *MessageCapture
	sim     *Simulator

	transport     TransportClient
	ownsTransport bool
	loopback      *LoopbackTransport
	sched         *PollScheduler
	slaves        map[uint8]*SlaveServer
	extraSlaves   map[uint8]struct{}

	valMu  sync.RWMutex
	values map[string]*PointValue

	logger    *zap.Logger
	publisher Publisher

	// 配置
	address      string // 客戶端: 目標位址; 伺服端: 監聽基底位址
	serial       SerialSettings
	simInterval  time.Duration
	pollInterval time.Duration
	timeout      time.Duration
	captureCap   int
	seed         int64
	faults       FaultProfile
	autoPoll     bool

	simCancel context.CancelFunc
	simDone   chan struct{}

	startTime      time.Time
	simWriteErrors atomic.Uint64
}

// DeviceStats 裝置統計資訊
type DeviceStats struct {
	State             DeviceState
	StartTime         time.Time
	PointCount        int
	ValueCount        int
	ActiveSimulations int
	SimWriteErrors    uint64
	Poll              PollStats
	SlaveRequests     uint64
	SlaveErrors       uint64
	MasterWrites      uint64
	CapturedTotal     uint64
}

// DeviceOption 裝置配置選項
type DeviceOption func(*Device)

// WithDeviceLogger 設定日誌
func WithDeviceLogger(logger *zap.Logger) DeviceOption {
	return func(d *Device) {
		d.logger = logger
	}
}

// WithDeviceTransport 注入傳輸層 (客戶端模式；測試用)
func WithDeviceTransport(t TransportClient) DeviceOption {
	return func(d *Device) {
		d.transport = t
	}
}

// WithDeviceAddress 設定目標/監聽位址
func WithDeviceAddress(addr string) DeviceOption {
	return func(d *Device) {
		d.address = addr
	}
}

// WithDeviceSerial 設定序列埠參數 (Modbus RTU)
func WithDeviceSerial(s SerialSettings) DeviceOption {
	return func(d *Device) {
		d.serial = s
	}
}

// WithDeviceSeed 設定模擬亂數種子；固定種子可重現模擬序列
func WithDeviceSeed(seed int64) DeviceOption {
	return func(d *Device) {
		d.seed = seed
	}
}

// WithDevicePublisher 設定點位值發布器
func WithDevicePublisher(p Publisher) DeviceOption {
	return func(d *Device) {
		d.publisher = p
	}
}

// WithDeviceSimInterval 設定模擬更新間隔
func WithDeviceSimInterval(interval time.Duration) DeviceOption {
	return func(d *Device) {
		if interval > 0 {
			d.simInterval = interval
		}
	}
}

// WithDevicePollInterval 設定自動輪詢間隔
func WithDevicePollInterval(interval time.Duration) DeviceOption {
	return func(d *Device) {
		if interval > 0 {
			d.pollInterval = interval
		}
	}
}

// WithDeviceTimeout 設定傳輸逾時
func WithDeviceTimeout(timeout time.Duration) DeviceOption {
	return func(d *Device) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithDeviceCaptureCapacity 設定報文擷取環形緩衝大小
func WithDeviceCaptureCapacity(capacity int) DeviceOption {
	return func(d *Device) {
		if capacity > 0 {
			d.captureCap = capacity
		}
	}
}

// WithDeviceFaults 設定伺服端故障注入
func WithDeviceFaults(f FaultProfile) DeviceOption {
	return func(d *Device) {
		d.faults = f
	}
}

// WithDeviceAutoRead 客戶端啟動時自動開始輪詢
func WithDeviceAutoRead(enabled bool) DeviceOption {
	return func(d *Device) {
		d.autoPoll = enabled
	}
}

// NewDevice 建立裝置
func NewDevice(id, name string, kind ProtocolKind, mode DeviceMode, opts ...DeviceOption) *Device {
	d := &Device{
		ID:           id,
		Name:         name,
		Kind:         kind,
		Mode:         mode,
		table:        NewPointTable(),
		values:       make(map[string]*PointValue),
		slaves:       make(map[uint8]*SlaveServer),
		extraSlaves:  make(map[uint8]struct{}),
		serial:       DefaultSerialSettings(),
		simInterval:  DefaultSimInterval,
		pollInterval: DefaultPollInterval,
		timeout:      DefaultTransportTimeout,
		captureCap:   DefaultCaptureCapacity,
	}

	for _, opt := range opts {
		opt(d)
	}

	if d.logger == nil {
		d.logger = zap.NewNop()
	}
	d.logger = d.logger.With(zap.String("device", id))
	d.capture = NewMessageCapture(d.captureCap)
	d.sim = NewSimulator(d.seed)

	return d
}

// State 取得裝置狀態
func (d *Device) State() DeviceState {
	return DeviceState(d.state.Load())
}

// Start 啟動裝置
func (d *Device) Start(ctx context.Context) error {
	if !d.state.CompareAndSwap(int32(DeviceStopped), int32(DeviceStarting)) {
		return fmt.Errorf("裝置 %s 已經在運行中", d.ID)
	}

	d.startTime = time.Now()
	caps := d.Kind.Capabilities()

	if err := d.buildTransport(); err != nil {
		d.state.Store(int32(DeviceStopped))
		return err
	}

	if d.Mode == ModeServer && caps.SupportsFuncCode {
		if err := d.startSlaves(); err != nil {
			d.stopSlaves()
			d.closeTransport()
			d.state.Store(int32(DeviceStopped))
			return err
		}
	}

	d.mu.Lock()
	if d.transport != nil && caps.SupportsManualRead {
		d.sched = NewPollScheduler(d.table, d.transport,
			WithPollInterval(d.pollInterval),
			WithPollLogger(d.logger),
			WithPollValueSink(d.storeValue),
		)
	}
	d.mu.Unlock()

	// 模擬更新迴圈
	simCtx, cancel := context.WithCancel(ctx)
	d.simCancel = cancel
	d.simDone = make(chan struct{})
	go d.simLoop(simCtx)

	if d.Mode == ModeClient && d.autoPoll {
		if sched := d.scheduler(); sched != nil {
			if err := sched.EnableAutoRead(); err != nil {
				d.logger.Warn("啟動自動輪詢失敗", zap.Error(err))
			}
		}
	}

	d.state.Store(int32(DeviceRunning))
	d.logger.Info("裝置已啟動",
		zap.String("mode", d.Mode.String()),
		zap.String("protocol", d.Kind.String()),
		zap.Int("points", d.table.Len()),
	)
	return nil
}

// Stop 停止裝置
func (d *Device) Stop(ctx context.Context) error {
	if !d.state.CompareAndSwap(int32(DeviceRunning), int32(DeviceStopping)) {
		return nil
	}

	if sched := d.scheduler(); sched != nil {
		sched.DisableAutoRead()
	}

	if d.simCancel != nil {
		d.simCancel()
		select {
		case <-d.simDone:
		case <-ctx.Done():
			d.logger.Warn("等待模擬迴圈結束超時")
		}
	}

	d.stopSlaves()
	d.closeTransport()

	d.state.Store(int32(DeviceStopped))
	d.logger.Info("裝置已停止",
		zap.Duration("uptime", time.Since(d.startTime)),
	)
	return nil
}

// buildTransport 依模式與協議準備傳輸層
func (d *Device) buildTransport() error {
	caps := d.Kind.Capabilities()
	if !caps.SupportsFuncCode {
		// 推送型協議: 值只進本地快取與發布器
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.Mode == ModeServer {
		if d.Kind != ProtocolModbusTCP {
			return fmt.Errorf("%w: 伺服端模式僅支援 Modbus TCP，收到 %s", ErrUnsupported, d.Kind)
		}
		if lb, ok := d.transport.(*LoopbackTransport); ok {
			d.loopback = lb
			return nil
		}
		if d.transport != nil {
			return fmt.Errorf("%w: 伺服端模式須使用迴路傳輸", ErrUnsupported)
		}
		d.loopback = NewLoopbackTransport(DefaultRegisterBankSize, d.capture)
		d.transport = d.loopback
		d.ownsTransport = true
		return nil
	}

	if d.transport != nil {
		return nil
	}

	switch d.Kind {
	case ProtocolModbusTCP:
		t, err := NewModbusTCPTransport(d.address, d.timeout,
			WithTransportCapture(d.capture),
			WithTransportLogger(d.logger),
		)
		if err != nil {
			return err
		}
		d.transport = t
		d.ownsTransport = true
	case ProtocolModbusRTU:
		t, err := NewModbusRTUTransport(d.address, d.serial, d.timeout,
			WithTransportCapture(d.capture),
			WithTransportLogger(d.logger),
		)
		if err != nil {
			return err
		}
		d.transport = t
		d.ownsTransport = true
	}
	return nil
}

func (d *Device) closeTransport() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.transport != nil && d.ownsTransport {
		if err := d.transport.Close(); err != nil {
			d.logger.Warn("關閉傳輸失敗", zap.Error(err))
		}
		d.transport = nil
		d.ownsTransport = false
	}
	d.loopback = nil
	d.sched = nil
}

// startSlaves 伺服端為每個從站位址開一個監聽
func (d *Device) startSlaves() error {
	host, basePort, err := splitListenAddr(d.address)
	if err != nil {
		return err
	}

	ids := d.slaveIDSet()
	if len(ids) == 0 {
		d.logger.Warn("點表沒有任何從站位址，伺服端未開監聽")
		return nil
	}

	for _, uid := range ids {
		if err := d.startSlave(host, basePort, uid); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) startSlave(host string, basePort int, uid uint8) error {
	port := basePort + int(uid) - 1
	if port > 65535 {
		return fmt.Errorf("%w: 從站 %d 的監聽埠 %d 超出範圍", ErrRange, uid, port)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.slaves[uid]; exists {
		return nil
	}
	if d.loopback == nil {
		return fmt.Errorf("%w: 迴路傳輸尚未就緒", ErrFormat)
	}

	seed := d.seed
	if seed != 0 {
		seed += int64(uid)
	}
	sl := NewSlaveServer(
		net.JoinHostPort(host, strconv.Itoa(port)),
		uid,
		d.loopback.Bank(uid),
		d.table,
		WithSlaveCapture(d.capture),
		WithSlaveLogger(d.logger),
		WithSlaveFaults(d.faults),
		WithSlaveWriteHook(d.handleMasterWrite),
		WithSlaveSeed(seed),
	)
	if err := sl.Start(); err != nil {
		return err
	}
	d.slaves[uid] = sl
	return nil
}

func (d *Device) stopSlaves() {
	d.mu.Lock()
	slaves := make([]*SlaveServer, 0, len(d.slaves))
	for _, sl := range d.slaves {
		slaves = append(slaves, sl)
	}
	d.slaves = make(map[uint8]*SlaveServer)
	d.mu.Unlock()

	for _, sl := range slaves {
		sl.Stop()
	}
}

// slaveIDSet 點表出現過的從站位址加上手動補充的，升冪
func (d *Device) slaveIDSet() []uint8 {
	seen := make(map[uint8]struct{})
	for _, uid := range d.table.SlaveIDs() {
		seen[uid] = struct{}{}
	}
	d.mu.RLock()
	for uid := range d.extraSlaves {
		seen[uid] = struct{}{}
	}
	d.mu.RUnlock()

	ids := make([]uint8, 0, len(seen))
	for uid := range seen {
		ids = append(ids, uid)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (d *Device) scheduler() *PollScheduler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sched
}

func (d *Device) transportClient() TransportClient {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.transport
}

func (d *Device) requireRunning() error {
	if d.State() != DeviceRunning {
		return fmt.Errorf("裝置 %s 未啟動 (state=%s)", d.ID, d.State())
	}
	return nil
}

// simLoop 模擬更新迴圈；每 tick 推進模擬引擎並把新值寫入點位
func (d *Device) simLoop(ctx context.Context) {
	defer close(d.simDone)

	ticker := time.NewTicker(d.simInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			vals := d.sim.Advance(d.table)
			for _, sv := range vals {
				p, ok := d.table.Get(sv.Code)
				if !ok {
					continue
				}
				if err := d.writePointValue(ctx, &p, sv.Real); err != nil {
					d.simWriteErrors.Add(1)
					d.logger.Debug("套用模擬值失敗",
						zap.String("code", sv.Code),
						zap.Error(err),
					)
				}
			}
		}
	}
}

// writePointValue 單一寫值路徑: 模擬輸出與手動改值共用
// 越限回傳 ErrRange；字內位元抽取點位做讀-改-寫
func (d *Device) writePointValue(ctx context.Context, p *Point, real float64) error {
	if p.Bit >= 0 {
		if err := p.CheckLimits(real); err != nil {
			return err
		}
		return d.writeBitCell(ctx, p, real != 0)
	}

	words, err := p.WordsFromReal(real)
	if err != nil {
		return err
	}
	if err := d.writeWords(ctx, p, words); err != nil {
		return err
	}

	// 存量化後的值: 編碼再解回的工程值才是暫存器實際承載的
	if dec, derr := p.RealFromWords(words); derr == nil {
		real = dec
	}
	d.storeValue(*p, words, real)
	return nil
}

// writeBitCell 字內位元抽取點位的讀-改-寫
func (d *Device) writeBitCell(ctx context.Context, p *Point, on bool) error {
	word, err := d.readCellWord(ctx, p)
	if err != nil {
		return err
	}
	word = p.ApplyBitToWord(word, on)
	if err := d.writeWords(ctx, p, []uint16{word}); err != nil {
		return err
	}

	real := float64(0)
	if on {
		real = 1
	}
	d.storeValue(*p, []uint16{word}, real)
	return nil
}

func (d *Device) readCellWord(ctx context.Context, p *Point) (uint16, error) {
	t := d.transportClient()
	if t == nil {
		// 推送型協議沒有暫存器影像，用上次快取的整字
		if pv, ok := d.value(p.Code); ok && len(pv.Words) == 1 {
			return pv.Words[0], nil
		}
		return 0, nil
	}
	words, err := t.Read(ctx, p.SlaveID, ReadFuncCodeFor(p.RegisterClass()), p.Address, 1)
	if err != nil {
		return 0, err
	}
	return words[0], nil
}

// writeWords 把字序列落到傳輸層
// 伺服端寫自身影像 (沿用點位功能碼)；客戶端換成對應寫入功能碼送遠端
func (d *Device) writeWords(ctx context.Context, p *Point, words []uint16) error {
	t := d.transportClient()
	if t == nil {
		return nil
	}

	funcCode := p.FuncCode
	if d.Mode == ModeClient {
		wfc, err := WriteFuncCodeFor(p.RegisterClass(), len(words))
		if err != nil {
			return err
		}
		funcCode = wfc
	}
	return t.Write(ctx, p.SlaveID, funcCode, p.Address, words)
}

// storeValue 更新點位當前值並通知發布器
func (d *Device) storeValue(p Point, words []uint16, real float64) {
	w := make([]uint16, len(words))
	copy(w, words)

	d.valMu.Lock()
	d.values[p.Code] = &PointValue{
		Code:    p.Code,
		Real:    real,
		Words:   w,
		Updated: time.Now(),
	}
	d.valMu.Unlock()

	if d.publisher != nil {
		d.publisher.PublishValue(d.ID, p, real)
	}
}

// handleMasterWrite 遠端主站寫入伺服端點位後的回送
func (d *Device) handleMasterWrite(p Point, words []uint16) {
	real, err := p.RealFromWords(words)
	if err != nil {
		d.logger.Warn("主站寫入解碼失敗",
			zap.String("code", p.Code),
			zap.Error(err),
		)
		return
	}
	d.storeValue(p, words, real)
	d.logger.Debug("主站寫入點位",
		zap.String("code", p.Code),
		zap.Float64("value", real),
	)
}

func (d *Device) value(code string) (PointValue, bool) {
	d.valMu.RLock()
	defer d.valMu.RUnlock()
	pv, ok := d.values[code]
	if !ok {
		return PointValue{}, false
	}
	out := *pv
	out.Words = make([]uint16, len(pv.Words))
	copy(out.Words, pv.Words)
	return out, true
}

func (d *Device) currentReal(code string) float64 {
	d.valMu.RLock()
	defer d.valMu.RUnlock()
	if pv, ok := d.values[code]; ok {
		return pv.Real
	}
	return 0
}

// Values 所有點位當前值，按代碼排序
func (d *Device) Values() []PointValue {
	d.valMu.RLock()
	out := make([]PointValue, 0, len(d.values))
	for _, pv := range d.values {
		v := *pv
		v.Words = make([]uint16, len(pv.Words))
		copy(v.Words, pv.Words)
		out = append(out, v)
	}
	d.valMu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Points 點表快照
func (d *Device) Points() []Point {
	return d.table.All()
}

// Table 分頁查詢點位表
func (d *Device) Table(q TableQuery) ([]TableRow, int) {
	return BuildTable(d.table, q, d.value)
}

// EditPointData 手動改寫點位工程值
// 依縮放反算原始值編碼後寫入；客戶端模式僅線圈/保持暫存器類別可寫
func (d *Device) EditPointData(ctx context.Context, code string, real float64) error {
	if err := d.requireRunning(); err != nil {
		return err
	}
	p, ok := d.table.Get(code)
	if !ok {
		return fmt.Errorf("%w: 點位 %s 不存在", ErrFormat, code)
	}
	if !p.Enabled {
		return fmt.Errorf("%w: 點位 %s 已停用", ErrFormat, code)
	}
	return d.writePointValue(ctx, &p, real)
}

// SetSimulateMethod 為單一點位設定模擬方法
func (d *Device) SetSimulateMethod(code string, method SimulateMethod, params SimulateParams) error {
	p, ok := d.table.Get(code)
	if !ok {
		return fmt.Errorf("%w: 點位 %s 不存在", ErrFormat, code)
	}
	if !p.Enabled {
		return fmt.Errorf("%w: 點位 %s 已停用", ErrFormat, code)
	}
	return d.sim.SetPoint(&p, d.currentReal(code), method, params)
}

// SetSimulateAll 為全部啟用點位設定同一模擬方法
func (d *Device) SetSimulateAll(method SimulateMethod, params SimulateParams) error {
	return d.sim.SetAll(d.table.All(), d.currentReal, method, params)
}

// StopSimulate 停止單點模擬；點位值凍結在最後輸出
func (d *Device) StopSimulate(code string) {
	d.sim.Stop(code)
}

// StopSimulateAll 停止全部模擬
func (d *Device) StopSimulateAll() {
	d.sim.StopAll()
}

// SetSimulateStep 調整遞增/遞減步長
func (d *Device) SetSimulateStep(code string, step float64) error {
	return d.sim.SetStep(code, step)
}

// SetSimulateEnabled 暫停/恢復單點模擬
func (d *Device) SetSimulateEnabled(code string, enabled bool) error {
	return d.sim.SetEnabled(code, enabled)
}

// SimulateInfo 取單點模擬狀態
func (d *Device) SimulateInfo(code string) (SimulationState, bool) {
	return d.sim.Info(code)
}

// Messages 取最近的報文，最新在後
func (d *Device) Messages(limit int) []MessageRecord {
	return d.capture.Recent(limit)
}

// ClearMessages 清空報文緩衝
func (d *Device) ClearMessages() {
	d.capture.Clear()
}

// SetAutoRead 開關自動輪詢；推送型協議拒絕
func (d *Device) SetAutoRead(enabled bool) error {
	caps := d.Kind.Capabilities()
	if caps.IsPushBased || !caps.SupportsManualRead {
		return fmt.Errorf("%w: %s 為推送型協議，不支援輪詢", ErrUnsupported, d.Kind)
	}
	if err := d.requireRunning(); err != nil {
		return err
	}
	sched := d.scheduler()
	if sched == nil {
		return fmt.Errorf("裝置 %s 沒有輪詢排程器", d.ID)
	}
	if enabled {
		return sched.EnableAutoRead()
	}
	sched.DisableAutoRead()
	return nil
}

// AutoRead 自動輪詢是否開啟
func (d *Device) AutoRead() bool {
	sched := d.scheduler()
	return sched != nil && sched.AutoRead()
}

// ManualRead 手動觸發一輪完整讀取；已有讀取在途時立即回 ErrBusy
func (d *Device) ManualRead(ctx context.Context) error {
	caps := d.Kind.Capabilities()
	if !caps.SupportsManualRead {
		return fmt.Errorf("%w: %s 不支援手動讀取", ErrUnsupported, d.Kind)
	}
	if err := d.requireRunning(); err != nil {
		return err
	}
	sched := d.scheduler()
	if sched == nil {
		return fmt.Errorf("裝置 %s 沒有輪詢排程器", d.ID)
	}
	return sched.ManualRead(ctx)
}

// ReadPoint 讀取單一點位的當前工程值
func (d *Device) ReadPoint(ctx context.Context, code string) (float64, error) {
	caps := d.Kind.Capabilities()
	if !caps.SupportsManualRead {
		return 0, fmt.Errorf("%w: %s 不支援手動讀取", ErrUnsupported, d.Kind)
	}
	if err := d.requireRunning(); err != nil {
		return 0, err
	}
	sched := d.scheduler()
	if sched == nil {
		return 0, fmt.Errorf("裝置 %s 沒有輪詢排程器", d.ID)
	}
	return sched.ReadPoint(ctx, code)
}

// AddPoint 動態新增點位；代碼重複或位址重疊時拒絕
func (d *Device) AddPoint(p Point) (*Point, error) {
	np, err := d.table.Add(p)
	if err != nil {
		return nil, err
	}

	// 伺服端運行中遇到新從站位址，補開監聽
	if d.State() == DeviceRunning && d.Mode == ModeServer && d.loopbackReady() {
		host, basePort, aerr := splitListenAddr(d.address)
		if aerr == nil {
			if serr := d.startSlave(host, basePort, np.SlaveID); serr != nil {
				d.logger.Warn("補開從站監聽失敗",
					zap.Uint8("slave_id", np.SlaveID),
					zap.Error(serr),
				)
			}
		}
	}
	return np, nil
}

// DeletePoint 刪除點位；一併停掉其模擬並丟棄當前值
func (d *Device) DeletePoint(code string) bool {
	if !d.table.Remove(code) {
		return false
	}
	d.sim.Stop(code)
	d.valMu.Lock()
	delete(d.values, code)
	d.valMu.Unlock()
	return true
}

// PointEdit 點位元資料修改；nil 欄位保持不變
type PointEdit struct {
	Name      *string
	Unit      *string
	SlaveID   *uint8
	FuncCode  *uint8
	Address   *uint16
	Bit       *int
	Decode    *DecodeCode
	Mul       *float64
	Add       *float64
	Reverse   *bool
	Enabled   *bool
	ChannelID *int64
}

func (e *PointEdit) addressingChanged() bool {
	return e.SlaveID != nil || e.FuncCode != nil || e.Address != nil ||
		e.Bit != nil || e.Decode != nil || e.Mul != nil || e.Add != nil || e.Reverse != nil
}

// EditPointMetadata 修改點位定義；重新驗證並做重疊檢查
func (d *Device) EditPointMetadata(code string, edit PointEdit) (*Point, error) {
	p, ok := d.table.Get(code)
	if !ok {
		return nil, fmt.Errorf("%w: 點位 %s 不存在", ErrFormat, code)
	}

	if edit.Name != nil {
		p.Name = *edit.Name
	}
	if edit.Unit != nil {
		p.Unit = *edit.Unit
	}
	if edit.SlaveID != nil {
		p.SlaveID = *edit.SlaveID
	}
	if edit.FuncCode != nil {
		p.FuncCode = *edit.FuncCode
	}
	if edit.Address != nil {
		p.Address = *edit.Address
	}
	if edit.Bit != nil {
		p.Bit = *edit.Bit
	}
	if edit.Decode != nil {
		p.Decode = *edit.Decode
	}
	if edit.Mul != nil {
		p.Scaling.Mul = *edit.Mul
	}
	if edit.Add != nil {
		p.Scaling.Add = *edit.Add
	}
	if edit.Reverse != nil {
		p.Reverse = *edit.Reverse
	}
	if edit.Enabled != nil {
		p.Enabled = *edit.Enabled
	}
	if edit.ChannelID != nil {
		p.ChannelID = *edit.ChannelID
	}

	np, err := d.table.Replace(code, p)
	if err != nil {
		return nil, err
	}

	// 定址或換算變了，舊值不再可信
	if edit.addressingChanged() {
		d.valMu.Lock()
		delete(d.values, code)
		d.valMu.Unlock()
	}
	return np, nil
}

// EditPointLimits 修改點位上下限
func (d *Device) EditPointLimits(code string, min, max float64) (*Point, error) {
	p, ok := d.table.Get(code)
	if !ok {
		return nil, fmt.Errorf("%w: 點位 %s 不存在", ErrFormat, code)
	}
	p.MinLimit = min
	p.MaxLimit = max
	return d.table.Replace(code, p)
}

// AddSlave 補充一個從站位址；伺服端運行中會立即開監聽
func (d *Device) AddSlave(slaveID uint8) error {
	if slaveID < SlaveIDMin {
		return fmt.Errorf("%w: 從站位址 %d 超出 %d-%d", ErrRange, slaveID, SlaveIDMin, SlaveIDMax)
	}

	d.mu.Lock()
	d.extraSlaves[slaveID] = struct{}{}
	d.mu.Unlock()

	if d.State() == DeviceRunning && d.Mode == ModeServer && d.loopbackReady() {
		host, basePort, err := splitListenAddr(d.address)
		if err != nil {
			return err
		}
		return d.startSlave(host, basePort, slaveID)
	}
	return nil
}

// ResetValues 丟棄所有點位當前值並把暫存器影像歸零
func (d *Device) ResetValues() {
	d.valMu.Lock()
	d.values = make(map[string]*PointValue)
	d.valMu.Unlock()

	d.mu.RLock()
	lb := d.loopback
	d.mu.RUnlock()
	if lb != nil {
		for _, uid := range d.slaveIDSet() {
			lb.Bank(uid).Reset()
		}
	}
	d.logger.Info("點位值已全部歸零")
}

// PointInfoData 單點完整資訊
type PointInfoData struct {
	Point Point
	Value *PointValue      // nil 表示尚無值
	Sim   *SimulationState // nil 表示未在模擬
}

// PointInfo 取單點的定義、當前值與模擬狀態
func (d *Device) PointInfo(code string) (PointInfoData, error) {
	p, ok := d.table.Get(code)
	if !ok {
		return PointInfoData{}, fmt.Errorf("%w: 點位 %s 不存在", ErrFormat, code)
	}

	info := PointInfoData{Point: p}
	if pv, ok := d.value(code); ok {
		info.Value = &pv
	}
	if st, ok := d.sim.Info(code); ok {
		info.Sim = &st
	}
	return info, nil
}

// Stats 彙整裝置統計
func (d *Device) Stats() DeviceStats {
	stats := DeviceStats{
		State:             d.State(),
		StartTime:         d.startTime,
		PointCount:        d.table.Len(),
		ActiveSimulations: d.sim.Active(),
		SimWriteErrors:    d.simWriteErrors.Load(),
		CapturedTotal:     d.capture.Total(),
	}

	d.valMu.RLock()
	stats.ValueCount = len(d.values)
	d.valMu.RUnlock()

	if sched := d.scheduler(); sched != nil {
		stats.Poll = sched.Stats()
	}

	d.mu.RLock()
	for _, sl := range d.slaves {
		stats.SlaveRequests += sl.Stats().RequestCount.Load()
		stats.SlaveErrors += sl.Stats().ErrorCount.Load()
		stats.MasterWrites += sl.Stats().WriteCount.Load()
	}
	d.mu.RUnlock()

	return stats
}

func (d *Device) loopbackReady() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loopback != nil
}

// splitListenAddr 拆出監聽主機與基底埠；從站 N 聽在基底埠+N-1
func splitListenAddr(addr string) (host string, port int, err error) {
	if addr == "" {
		return "0.0.0.0", ModbusTCPDefaultPort, nil
	}
	h, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("%w: 監聽位址 %q 無法解析: %v", ErrFormat, addr, err)
	}
	if h == "" {
		h = "0.0.0.0"
	}
	n, err := strconv.Atoi(p)
	if err != nil || n < 1 || n > 65535 {
		return "", 0, fmt.Errorf("%w: 監聽埠 %q 無效", ErrFormat, p)
	}
	return h, n, nil
}
