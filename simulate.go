package main

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// SimulateMethod 模擬方法
type SimulateMethod int

const (
	SimulateNone SimulateMethod = iota
	SimulateRandom
	SimulateIncrement
	SimulateDecrement
	SimulateSine
	SimulateRamp
	SimulatePulse
)

func (m SimulateMethod) String() string {
	switch m {
	case SimulateNone:
		return "none"
	case SimulateRandom:
		return "random"
	case SimulateIncrement:
		return "auto_increment"
	case SimulateDecrement:
		return "auto_decrement"
	case SimulateSine:
		return "sine_wave"
	case SimulateRamp:
		return "ramp"
	case SimulatePulse:
		return "pulse"
	default:
		return "unknown"
	}
}

// ParseSimulateMethod 解析模擬方法名稱
func ParseSimulateMethod(s string) (SimulateMethod, error) {
	switch s {
	case "none", "":
		return SimulateNone, nil
	case "random":
		return SimulateRandom, nil
	case "auto_increment", "increment":
		return SimulateIncrement, nil
	case "auto_decrement", "decrement":
		return SimulateDecrement, nil
	case "sine_wave", "sine":
		return SimulateSine, nil
	case "ramp":
		return SimulateRamp, nil
	case "pulse":
		return SimulatePulse, nil
	default:
		return SimulateNone, fmt.Errorf("%w: 未知的模擬方法 %q", ErrFormat, s)
	}
}

// SimulateParams 模擬參數
// Min/Max 未設定 (Max<=Min) 時沿用點位上下限
type SimulateParams struct {
	Min    float64
	Max    float64
	Step   float64 // 遞增/遞減步長
	Period int     // Ramp/Pulse 週期與 SineWave 一圈的 tick 數
}

// SimulationState 單點模擬狀態
// 每 tick 的推進是確定性的轉移；rand 來源由引擎注入
type SimulationState struct {
	Method  SimulateMethod
	Params  SimulateParams
	Enabled bool
	Tick    uint64
	Value   float64 // 上次輸出的工程值
	Phase   float64 // 正弦波相位
}

// SimulateHandler 模擬方法處理介面
type SimulateHandler interface {
	Method() SimulateMethod
	// Init 在啟動或重設時初始化狀態；current 為點位當下的工程值
	Init(st *SimulationState, p *Point, current float64)
	// Next 推進一個 tick 並回傳新的工程值
	Next(st *SimulationState, p *Point, rng *rand.Rand) float64
}

// 模擬方法處理器註冊表
var (
	simulateHandlers   = make(map[SimulateMethod]SimulateHandler)
	simulateHandlersMu sync.RWMutex
)

func init() {
	// 註冊所有模擬方法處理器
	RegisterSimulateHandler(&RandomSimulate{})
	RegisterSimulateHandler(&IncrementSimulate{})
	RegisterSimulateHandler(&DecrementSimulate{})
	RegisterSimulateHandler(&SineSimulate{})
	RegisterSimulateHandler(&RampSimulate{})
	RegisterSimulateHandler(&PulseSimulate{})
}

// RegisterSimulateHandler 註冊模擬方法處理器
func RegisterSimulateHandler(handler SimulateHandler) {
	simulateHandlersMu.Lock()
	defer simulateHandlersMu.Unlock()
	simulateHandlers[handler.Method()] = handler
}

// GetSimulateHandler 取得模擬方法處理器
func GetSimulateHandler(method SimulateMethod) SimulateHandler {
	simulateHandlersMu.RLock()
	defer simulateHandlersMu.RUnlock()
	return simulateHandlers[method]
}

// ListSimulateMethods 列出所有模擬方法
func ListSimulateMethods() []SimulateMethod {
	return []SimulateMethod{
		SimulateRandom,
		SimulateIncrement,
		SimulateDecrement,
		SimulateSine,
		SimulateRamp,
		SimulatePulse,
	}
}

// normalizeRange 補齊模擬範圍：未設定時沿用點位上下限，遙信/遙控固定 0..1
func normalizeRange(p *Point, params SimulateParams) SimulateParams {
	if p.Frame.BypassScaling() {
		params.Min, params.Max = 0, 1
		return params
	}
	if params.Max <= params.Min {
		params.Min, params.Max = p.MinLimit, p.MaxLimit
	}
	return params
}

// --- Random ---

// RandomSimulate 隨機值：每 tick 在範圍內均勻取值
type RandomSimulate struct{}

func (s *RandomSimulate) Method() SimulateMethod { return SimulateRandom }

func (s *RandomSimulate) Init(st *SimulationState, p *Point, current float64) {
	st.Params = normalizeRange(p, st.Params)
	st.Value = current
}

func (s *RandomSimulate) Next(st *SimulationState, p *Point, rng *rand.Rand) float64 {
	if p.Frame.BypassScaling() {
		return float64(rng.Intn(2))
	}
	return st.Params.Min + rng.Float64()*(st.Params.Max-st.Params.Min)
}

// --- AutoIncrement ---

// IncrementSimulate 自動遞增：從當下值起每 tick 加一步長，到上界後持平
type IncrementSimulate struct{}

func (s *IncrementSimulate) Method() SimulateMethod { return SimulateIncrement }

func (s *IncrementSimulate) Init(st *SimulationState, p *Point, current float64) {
	st.Params = normalizeRange(p, st.Params)
	if st.Params.Step <= 0 {
		st.Params.Step = 1
	}
	st.Value = current
}

func (s *IncrementSimulate) Next(st *SimulationState, p *Point, rng *rand.Rand) float64 {
	v := st.Value + st.Params.Step
	if v > st.Params.Max {
		v = st.Params.Max
	}
	return v
}

// --- AutoDecrement ---

// DecrementSimulate 自動遞減：從當下值起每 tick 減一步長，到下界後持平
type DecrementSimulate struct{}

func (s *DecrementSimulate) Method() SimulateMethod { return SimulateDecrement }

func (s *DecrementSimulate) Init(st *SimulationState, p *Point, current float64) {
	st.Params = normalizeRange(p, st.Params)
	if st.Params.Step <= 0 {
		st.Params.Step = 1
	}
	st.Value = current
}

func (s *DecrementSimulate) Next(st *SimulationState, p *Point, rng *rand.Rand) float64 {
	v := st.Value - st.Params.Step
	if v < st.Params.Min {
		v = st.Params.Min
	}
	return v
}

// --- SineWave ---

// SineSimulate 正弦波：以範圍中點為軸、半幅為振幅，每 tick 前進固定相位
type SineSimulate struct{}

func (s *SineSimulate) Method() SimulateMethod { return SimulateSine }

func (s *SineSimulate) Init(st *SimulationState, p *Point, current float64) {
	st.Params = normalizeRange(p, st.Params)
	if st.Params.Period <= 0 {
		st.Params.Period = 60
	}
	st.Phase = 0
	st.Value = (st.Params.Min + st.Params.Max) / 2
}

func (s *SineSimulate) Next(st *SimulationState, p *Point, rng *rand.Rand) float64 {
	mid := (st.Params.Min + st.Params.Max) / 2
	amp := (st.Params.Max - st.Params.Min) / 2
	st.Phase += 2 * math.Pi / float64(st.Params.Period)
	if st.Phase >= 2*math.Pi {
		st.Phase -= 2 * math.Pi
	}
	return mid + amp*math.Sin(st.Phase)
}

// --- Ramp ---

// RampSimulate 鋸齒波：一個週期內從下界線性爬升到上界後歸零重來
type RampSimulate struct{}

func (s *RampSimulate) Method() SimulateMethod { return SimulateRamp }

func (s *RampSimulate) Init(st *SimulationState, p *Point, current float64) {
	st.Params = normalizeRange(p, st.Params)
	if st.Params.Period <= 0 {
		st.Params.Period = 10
	}
	st.Tick = 0
	st.Value = st.Params.Min
}

func (s *RampSimulate) Next(st *SimulationState, p *Point, rng *rand.Rand) float64 {
	period := uint64(st.Params.Period)
	pos := st.Tick % period
	st.Tick++
	if period == 1 {
		return st.Params.Max
	}
	frac := float64(pos) / float64(period-1)
	return st.Params.Min + (st.Params.Max-st.Params.Min)*frac
}

// --- Pulse ---

// PulseSimulate 方波：每個週期在下界與上界之間交替
type PulseSimulate struct{}

func (s *PulseSimulate) Method() SimulateMethod { return SimulatePulse }

func (s *PulseSimulate) Init(st *SimulationState, p *Point, current float64) {
	st.Params = normalizeRange(p, st.Params)
	if st.Params.Period <= 0 {
		st.Params.Period = 10
	}
	st.Tick = 0
	st.Value = st.Params.Min
}

func (s *PulseSimulate) Next(st *SimulationState, p *Point, rng *rand.Rand) float64 {
	period := uint64(st.Params.Period)
	high := (st.Tick/period)%2 == 1
	st.Tick++
	if high {
		return st.Params.Max
	}
	return st.Params.Min
}

// SimulatedValue 一次 tick 產出的點位新值
type SimulatedValue struct {
	Code string
	Real float64
}

// Simulator 模擬引擎
// 管理每個點位的模擬狀態並按 tick 推進；不自帶定時器，由裝置的更新迴圈驅動
type Simulator struct {
	mu     sync.Mutex
	rng    *rand.Rand
	states map[string]*SimulationState
}

// NewSimulator 建立模擬引擎；seed 為 0 時以當下時間播種
func NewSimulator(seed int64) *Simulator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulator{
		rng:    rand.New(rand.NewSource(seed)),
		states: make(map[string]*SimulationState),
	}
}

// SetPoint 為單一點位設定模擬方法；會重設該點的模擬狀態
func (s *Simulator) SetPoint(p *Point, current float64, method SimulateMethod, params SimulateParams) error {
	handler := GetSimulateHandler(method)
	if handler == nil {
		return fmt.Errorf("%w: 模擬方法 %s 未註冊", ErrFormat, method)
	}
	st := &SimulationState{Method: method, Params: params, Enabled: true}
	handler.Init(st, p, current)

	s.mu.Lock()
	s.states[p.Code] = st
	s.mu.Unlock()
	return nil
}

// SetAll 為多個點位設定同一模擬方法；current 提供各點當下工程值
func (s *Simulator) SetAll(points []Point, current func(code string) float64, method SimulateMethod, params SimulateParams) error {
	handler := GetSimulateHandler(method)
	if handler == nil {
		return fmt.Errorf("%w: 模擬方法 %s 未註冊", ErrFormat, method)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range points {
		p := &points[i]
		if !p.Enabled {
			continue
		}
		st := &SimulationState{Method: method, Params: params, Enabled: true}
		handler.Init(st, p, current(p.Code))
		s.states[p.Code] = st
	}
	return nil
}

// SetStep 調整單點的遞增/遞減步長
func (s *Simulator) SetStep(code string, step float64) error {
	if step <= 0 {
		return fmt.Errorf("%w: 步長 %v 必須為正", ErrRange, step)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[code]
	if !ok {
		return fmt.Errorf("%w: 點位 %s 未在模擬中", ErrFormat, code)
	}
	st.Params.Step = step
	return nil
}

// SetEnabled 啟用或停用單點的模擬 (狀態保留)
func (s *Simulator) SetEnabled(code string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[code]
	if !ok {
		return fmt.Errorf("%w: 點位 %s 未在模擬中", ErrFormat, code)
	}
	st.Enabled = enabled
	return nil
}

// Stop 停止單點模擬；最後輸出值會凍結在點位上
func (s *Simulator) Stop(code string) {
	s.mu.Lock()
	delete(s.states, code)
	s.mu.Unlock()
}

// StopAll 停止全部模擬
func (s *Simulator) StopAll() {
	s.mu.Lock()
	s.states = make(map[string]*SimulationState)
	s.mu.Unlock()
}

// Info 取單點模擬狀態副本
func (s *Simulator) Info(code string) (SimulationState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[code]
	if !ok {
		return SimulationState{}, false
	}
	return *st, true
}

// Active 模擬中的點位數
func (s *Simulator) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, st := range s.states {
		if st.Enabled {
			n++
		}
	}
	return n
}

// Advance 推進一個 tick，回傳本輪所有點位的新工程值
// 模擬範圍可能寬於點位上下限，輸出一律夾回限內
func (s *Simulator) Advance(table *PointTable) []SimulatedValue {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SimulatedValue, 0, len(s.states))
	for code, st := range s.states {
		if !st.Enabled {
			continue
		}
		p, ok := table.Get(code)
		if !ok || !p.Enabled {
			continue
		}
		handler := GetSimulateHandler(st.Method)
		if handler == nil {
			continue
		}
		v := handler.Next(st, &p, s.rng)
		v = p.Clamp(v)
		st.Value = v
		out = append(out, SimulatedValue{Code: code, Real: v})
	}
	return out
}
