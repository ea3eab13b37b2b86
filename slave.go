package main

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tbrandon/mbserver"
	"go.uber.org/zap"
)

// SlaveServer 單一 Modbus TCP 從站
// 包裝 mbserver 做封包框架處理，讀寫一律落在共用的 RegisterBank 上；
// 主站寫入會回寫到對應點位 (write-through)
type SlaveServer struct {
	mu sync.RWMutex

	// 基本資訊
	ID     string
	Addr   string
	UnitID uint8

	// 暫存器映像 (與裝置共用)
	bank *RegisterBank

	// 點表 (寫入回送用)
	table *PointTable

	// Modbus Server
	server *mbserver.Server

	// 報文擷取
	capture *MessageCapture

	// 故障注入
	faults FaultProfile
	rng    *rand.Rand

	// 主站寫入回呼
	onWrite func(p Point, words []uint16)

	// 統計
	stats SlaveServerStats

	running atomic.Bool

	logger *zap.Logger
}

// SlaveServerStats 從站統計資訊
type SlaveServerStats struct {
	StartTime       time.Time
	RequestCount    atomic.Uint64
	ErrorCount      atomic.Uint64
	WriteCount      atomic.Uint64
	LastRequestTime atomic.Int64
}

// FaultProfile 故障注入參數
// ErrorRate 機率 (0..1) 以從站忙碌例外回應；JitterMin/Max 為回應前的延遲區間
type FaultProfile struct {
	JitterMin time.Duration
	JitterMax time.Duration
	ErrorRate float64
}

func (f FaultProfile) enabled() bool {
	return f.JitterMax > 0 || f.ErrorRate > 0
}

// SlaveServerOption 從站配置選項
type SlaveServerOption func(*SlaveServer)

// WithSlaveCapture 設定報文擷取
func WithSlaveCapture(c *MessageCapture) SlaveServerOption {
	return func(s *SlaveServer) {
		s.capture = c
	}
}

// WithSlaveLogger 設定日誌
func WithSlaveLogger(logger *zap.Logger) SlaveServerOption {
	return func(s *SlaveServer) {
		s.logger = logger
	}
}

// WithSlaveFaults 設定故障注入
func WithSlaveFaults(f FaultProfile) SlaveServerOption {
	return func(s *SlaveServer) {
		s.faults = f
	}
}

// WithSlaveWriteHook 設定主站寫入回呼
// 寫入落地後以受影響點位與其跨距字組呼叫
func WithSlaveWriteHook(fn func(p Point, words []uint16)) SlaveServerOption {
	return func(s *SlaveServer) {
		s.onWrite = fn
	}
}

// WithSlaveSeed 設定故障注入亂數種子 (0 表示取時間)
func WithSlaveSeed(seed int64) SlaveServerOption {
	return func(s *SlaveServer) {
		if seed == 0 {
			seed = time.Now().UnixNano()
		}
		s.rng = rand.New(rand.NewSource(seed))
	}
}

// NewSlaveServer 建立從站
func NewSlaveServer(addr string, unitID uint8, bank *RegisterBank, table *PointTable, opts ...SlaveServerOption) *SlaveServer {
	s := &SlaveServer{
		ID:     fmt.Sprintf("%s/unit/%d", addr, unitID),
		Addr:   addr,
		UnitID: unitID,
		bank:   bank,
		table:  table,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.rng == nil {
		s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return s
}

// Start 啟動從站
func (s *SlaveServer) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("從站 %s 已經在運行中", s.ID)
	}

	s.server = mbserver.NewServer()
	s.registerHandlers()

	s.stats.StartTime = time.Now()
	if err := s.server.ListenTCP(s.Addr); err != nil {
		s.running.Store(false)
		return fmt.Errorf("監聽 %s 失敗: %w", s.Addr, err)
	}

	s.logger.Info("從站已啟動",
		zap.String("addr", s.Addr),
		zap.Uint8("unit_id", s.UnitID),
	)
	return nil
}

// Stop 停止從站
func (s *SlaveServer) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	if s.server != nil {
		s.server.Close()
	}

	s.logger.Info("從站已停止",
		zap.String("addr", s.Addr),
		zap.Duration("uptime", time.Since(s.stats.StartTime)),
		zap.Uint64("requests", s.stats.RequestCount.Load()),
	)
}

// Running 是否運行中
func (s *SlaveServer) Running() bool {
	return s.running.Load()
}

// Stats 取得統計資訊
func (s *SlaveServer) Stats() *SlaveServerStats {
	return &s.stats
}

// SetFaults 更新故障注入參數
func (s *SlaveServer) SetFaults(f FaultProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = f
}

// Faults 取得故障注入參數
func (s *SlaveServer) Faults() FaultProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.faults
}

// registerHandlers 覆寫 mbserver 各功能碼處理器，全部導向 RegisterBank
func (s *SlaveServer) registerHandlers() {
	s.server.RegisterFunctionHandler(FuncCodeReadCoils, s.handleReadBits)
	s.server.RegisterFunctionHandler(FuncCodeReadDiscreteInputs, s.handleReadBits)
	s.server.RegisterFunctionHandler(FuncCodeReadHoldingRegisters, s.handleReadWords)
	s.server.RegisterFunctionHandler(FuncCodeReadInputRegisters, s.handleReadWords)
	s.server.RegisterFunctionHandler(FuncCodeWriteSingleCoil, s.handleWriteSingleCoil)
	s.server.RegisterFunctionHandler(FuncCodeWriteSingleRegister, s.handleWriteSingleRegister)
	s.server.RegisterFunctionHandler(FuncCodeWriteMultipleCoils, s.handleWriteMultipleCoils)
	s.server.RegisterFunctionHandler(FuncCodeWriteMultipleRegisters, s.handleWriteMultipleRegisters)
}

// recordRequest 記錄一筆請求統計
func (s *SlaveServer) recordRequest(hasError bool) {
	s.stats.RequestCount.Add(1)
	s.stats.LastRequestTime.Store(time.Now().UnixNano())
	if hasError {
		s.stats.ErrorCount.Add(1)
	}
}

// captureRequest 擷取收到的主站請求
func (s *SlaveServer) captureRequest(funcCode uint8, addr, count uint16, frame []byte, errText string) {
	if s.capture == nil {
		return
	}
	s.capture.Append(MessageRecord{
		Direction: MessageRX,
		SlaveID:   s.UnitID,
		FuncCode:  funcCode,
		Address:   addr,
		Count:     count,
		Frame:     frame,
		Summary:   SummarizeRequest(s.UnitID, funcCode, addr, count),
		Err:       errText,
	})
}

// applyFaults 套用故障注入；回傳 true 代表本次請求以忙碌例外回應
func (s *SlaveServer) applyFaults() bool {
	s.mu.RLock()
	f := s.faults
	s.mu.RUnlock()

	if !f.enabled() {
		return false
	}

	if f.JitterMax > 0 {
		min := f.JitterMin
		if min > f.JitterMax {
			min = f.JitterMax
		}
		jitter := min
		if span := f.JitterMax - min; span > 0 {
			s.mu.Lock()
			jitter += time.Duration(s.rng.Int63n(int64(span)))
			s.mu.Unlock()
		}
		time.Sleep(jitter)
	}

	if f.ErrorRate > 0 {
		s.mu.Lock()
		roll := s.rng.Float64()
		s.mu.Unlock()
		if roll < f.ErrorRate {
			return true
		}
	}
	return false
}

// notifyWrites 寫入落地後回送受影響的點位
func (s *SlaveServer) notifyWrites(funcCode uint8, addr uint16, count uint16) {
	if s.table == nil {
		return
	}
	rt, ok := RegisterTypeOfFuncCode(funcCode)
	if !ok {
		return
	}

	s.stats.WriteCount.Add(1)
	end := addr + count - 1
	for _, p := range s.table.Enabled() {
		if p.SlaveID != s.UnitID || p.RegisterClass() != rt {
			continue
		}
		ps, pe := p.Span()
		if pe < addr || ps > end {
			continue
		}
		words, err := s.bank.ReadSpan(p.FuncCode, ps, pe-ps+1)
		if err != nil {
			s.logger.Warn("回讀寫入點位失敗",
				zap.String("code", p.Code),
				zap.Error(err),
			)
			continue
		}
		if s.onWrite != nil {
			s.onWrite(p, words)
		}
	}
}
