package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// PollState 輪詢排程狀態
type PollState int32

const (
	PollIdle         PollState = iota // 未啟用自動輪詢
	PollPolling                       // 自動輪詢已啟用，兩輪之間
	PollReadInFlight                  // 一輪讀取進行中
)

func (s PollState) String() string {
	switch s {
	case PollIdle:
		return "idle"
	case PollPolling:
		return "polling"
	case PollReadInFlight:
		return "read_in_flight"
	default:
		return "unknown"
	}
}

// DefaultPollInterval 自動輪詢預設間隔
const DefaultPollInterval = time.Second

// DefaultStopGrace 停止時等待在途讀取的寬限
const DefaultStopGrace = 3 * time.Second

// PollStats 輪詢統計
type PollStats struct {
	State       PollState
	AutoRead    bool
	Cycles      uint64
	ReadErrors  uint64
	BusyRejects uint64
}

// PollScheduler 輪詢排程器
// 同一時間僅允許一輪讀取在途：自動輪詢的 tick 與手動讀取都以 CAS 競爭
// 進入讀取態，搶不到的手動讀取立即以 ErrBusy 失敗，不排隊
type PollScheduler struct {
	state atomic.Int32

	table     *PointTable
	transport TransportClient
	logger    *zap.Logger
	interval  time.Duration
	grace     time.Duration
	onValue   func(p Point, words []uint16, real float64)

	ctl    sync.Mutex // 控制面: 啟停自動輪詢
	cancel context.CancelFunc
	done   chan struct{}

	cycles      atomic.Uint64
	readErrors  atomic.Uint64
	busyRejects atomic.Uint64
}

// PollOption 排程器選項
type PollOption func(*PollScheduler)

// WithPollLogger 設定排程器日誌
func WithPollLogger(logger *zap.Logger) PollOption {
	return func(s *PollScheduler) {
		s.logger = logger
	}
}

// WithPollInterval 設定自動輪詢間隔
func WithPollInterval(interval time.Duration) PollOption {
	return func(s *PollScheduler) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithPollGrace 設定停止寬限
func WithPollGrace(grace time.Duration) PollOption {
	return func(s *PollScheduler) {
		if grace > 0 {
			s.grace = grace
		}
	}
}

// WithPollValueSink 設定讀值回寫；每讀回一點呼叫一次
func WithPollValueSink(sink func(p Point, words []uint16, real float64)) PollOption {
	return func(s *PollScheduler) {
		s.onValue = sink
	}
}

// NewPollScheduler 建立輪詢排程器
func NewPollScheduler(table *PointTable, transport TransportClient, opts ...PollOption) *PollScheduler {
	s := &PollScheduler{
		table:     table,
		transport: transport,
		logger:    zap.NewNop(),
		interval:  DefaultPollInterval,
		grace:     DefaultStopGrace,
		onValue:   func(Point, []uint16, float64) {},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State 當前狀態
func (s *PollScheduler) State() PollState {
	return PollState(s.state.Load())
}

// AutoRead 自動輪詢是否啟用
func (s *PollScheduler) AutoRead() bool {
	return s.State() != PollIdle
}

// Stats 統計快照
func (s *PollScheduler) Stats() PollStats {
	return PollStats{
		State:       s.State(),
		AutoRead:    s.AutoRead(),
		Cycles:      s.cycles.Load(),
		ReadErrors:  s.readErrors.Load(),
		BusyRejects: s.busyRejects.Load(),
	}
}

// EnableAutoRead 啟用自動輪詢；已啟用時為冪等，讀取在途時回傳 ErrBusy
func (s *PollScheduler) EnableAutoRead() error {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	if !s.state.CompareAndSwap(int32(PollIdle), int32(PollPolling)) {
		if s.State() == PollPolling {
			return nil
		}
		s.busyRejects.Add(1)
		return fmt.Errorf("%w: 讀取進行中，無法切換自動輪詢", ErrBusy)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.pollLoop(ctx, s.done)

	s.logger.Info("自動輪詢已啟用", zap.Duration("interval", s.interval))
	return nil
}

// DisableAutoRead 停用自動輪詢
// 取消定時器並在寬限內等待在途讀取收尾；逾時後直接回到閒置態
func (s *PollScheduler) DisableAutoRead() {
	s.ctl.Lock()
	defer s.ctl.Unlock()

	if s.cancel == nil {
		return
	}
	s.cancel()
	select {
	case <-s.done:
	case <-time.After(s.grace):
		s.logger.Warn("等待在途讀取逾時", zap.Duration("grace", s.grace))
	}
	s.cancel = nil
	s.done = nil

	// 等手動讀取讓出狀態後回到閒置
	deadline := time.Now().Add(s.grace)
	for !s.state.CompareAndSwap(int32(PollPolling), int32(PollIdle)) {
		if s.State() == PollIdle {
			break
		}
		if time.Now().After(deadline) {
			s.state.Store(int32(PollIdle))
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	s.logger.Info("自動輪詢已停用")
}

// pollLoop 自動輪詢迴圈
func (s *PollScheduler) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// 手動讀取進行中就略過本輪
			if !s.state.CompareAndSwap(int32(PollPolling), int32(PollReadInFlight)) {
				continue
			}
			s.runCycle(ctx)
			s.state.CompareAndSwap(int32(PollReadInFlight), int32(PollPolling))
		}
	}
}

// ManualRead 立即執行一輪讀取
// 已有讀取在途時立即回傳 ErrBusy，不排隊等待
func (s *PollScheduler) ManualRead(ctx context.Context) error {
	prior, ok := s.acquireRead()
	if !ok {
		s.busyRejects.Add(1)
		return fmt.Errorf("%w: 已有讀取進行中", ErrBusy)
	}
	defer s.state.CompareAndSwap(int32(PollReadInFlight), int32(prior))

	s.runCycle(ctx)
	return nil
}

// ReadPoint 立即讀取單一點位並回傳工程值；與整輪讀取競爭同一讀取態
func (s *PollScheduler) ReadPoint(ctx context.Context, code string) (float64, error) {
	p, found := s.table.Get(code)
	if !found {
		return 0, fmt.Errorf("%w: 點位 %s 不存在", ErrFormat, code)
	}

	prior, ok := s.acquireRead()
	if !ok {
		s.busyRejects.Add(1)
		return 0, fmt.Errorf("%w: 已有讀取進行中", ErrBusy)
	}
	defer s.state.CompareAndSwap(int32(PollReadInFlight), int32(prior))

	ps, pe := p.Span()
	words, err := s.transport.Read(ctx, p.SlaveID, readFuncCodeOf(&p), ps, pe-ps+1)
	if err != nil {
		s.readErrors.Add(1)
		return 0, err
	}
	v, err := p.DecodeWords(words)
	if err != nil {
		return 0, err
	}
	real := RealOf(p.Frame, p.Scaling, v)
	if !p.Frame.BypassScaling() {
		real = p.Clamp(real)
	}
	s.onValue(p, words, real)
	return real, nil
}

// runCycle 執行一輪讀取
// 傳輸錯誤非致命：受影響點位保留最後已知值，輪詢繼續
func (s *PollScheduler) runCycle(ctx context.Context) {
	points := s.table.Enabled()
	spans := planReadSpans(points)
	for _, span := range spans {
		if ctx.Err() != nil {
			return
		}
		count := span.end - span.start + 1
		words, err := s.transport.Read(ctx, span.slaveID, span.funcCode, span.start, count)
		if err != nil {
			s.readErrors.Add(1)
			s.logger.Warn("輪詢讀取失敗，保留最後已知值",
				zap.Uint8("slave_id", span.slaveID),
				zap.Uint8("func_code", span.funcCode),
				zap.Uint16("addr", span.start),
				zap.Uint16("count", count),
				zap.Error(err))
			continue
		}

		for _, p := range span.points {
			ps, pe := p.Span()
			sub := words[ps-span.start : pe-span.start+1]
			v, derr := p.DecodeWords(sub)
			if derr != nil {
				s.logger.Warn("點位解碼失敗",
					zap.String("code", p.Code),
					zap.Error(derr))
				continue
			}
			real := RealOf(p.Frame, p.Scaling, v)
			if !p.Frame.BypassScaling() {
				real = p.Clamp(real)
			}
			// 已過截止的輪次放棄回寫
			if ctx.Err() != nil {
				return
			}
			s.onValue(p, sub, real)
		}
	}
	s.cycles.Add(1)
}

// readSpan 一次傳輸交換覆蓋的連續位址段
type readSpan struct {
	slaveID  uint8
	funcCode uint8
	start    uint16
	end      uint16 // 含迄
	points   []Point
}

// planReadSpans 把點位分組為可一次讀取的連續段
// 依 (從站, 讀取功能碼) 分組後按位址合併相鄰點位，並遵守單次讀取上限
func planReadSpans(points []Point) []readSpan {
	var spans []readSpan

	// points 已照 從站/區/位址 排序，線性掃描即可成段
	for _, p := range points {
		fc := readFuncCodeOf(&p)
		ps, pe := p.Span()

		if n := len(spans); n > 0 {
			cur := &spans[n-1]
			if cur.slaveID == p.SlaveID && cur.funcCode == fc &&
				int(ps) <= int(cur.end)+1 &&
				int(pe)-int(cur.start)+1 <= maxReadCount(fc) {
				if pe > cur.end {
					cur.end = pe
				}
				cur.points = append(cur.points, p)
				continue
			}
		}
		spans = append(spans, readSpan{
			slaveID:  p.SlaveID,
			funcCode: fc,
			start:    ps,
			end:      pe,
			points:   []Point{p},
		})
	}
	return spans
}

// readFuncCodeOf 點位輪詢時使用的讀取功能碼
// 寫入類功能碼 (遙控/遙調) 映射到同區的讀取功能碼
func readFuncCodeOf(p *Point) uint8 {
	if isReadFuncCode(p.FuncCode) {
		return p.FuncCode
	}
	return ReadFuncCodeFor(p.RegisterClass())
}

// maxReadCount 單次讀取的位址數上限
func maxReadCount(funcCode uint8) int {
	if IsBitFuncCode(funcCode) {
		return MaxCoilsPerRead
	}
	return MaxRegistersPerRead
}

// acquireRead 嘗試進入讀取態，回傳進入前的狀態
func (s *PollScheduler) acquireRead() (PollState, bool) {
	if s.state.CompareAndSwap(int32(PollIdle), int32(PollReadInFlight)) {
		return PollIdle, true
	}
	if s.state.CompareAndSwap(int32(PollPolling), int32(PollReadInFlight)) {
		return PollPolling, true
	}
	return PollReadInFlight, false
}
