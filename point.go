package main

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// 原始值上下限的出廠預設，依框架類別建點時套用
const (
	DefaultMaxLimit = 9999999
	DefaultMinLimit = -9999999
)

// Point 點位定義
// 一筆點位描述裝置位址空間中的一段暫存器如何對應到一個工程量
type Point struct {
	ID        int64
	Code      string    // 點位代碼，全表唯一
	Name      string
	Frame     FrameType // 框架類別: 遙測/遙信/遙控/遙調
	SlaveID   uint8
	FuncCode  uint8
	Address   uint16 // 起始位址 (位元類別時即位元位址)
	Decode    DecodeCode
	Scaling   Scaling
	MaxLimit  float64
	MinLimit  float64
	Bit       int  // 字內位元偏移，-1 表示整字；僅字類別的遙信/遙控使用
	Reverse   bool // 遙信取反
	Unit      string
	ChannelID int64
	Enabled   bool
}

// DefaultPoint 依框架類別建立帶預設屬性的點位
func DefaultPoint(frame FrameType) Point {
	return Point{
		Frame:    frame,
		FuncCode: frame.DefaultFuncCode(),
		Decode:   frame.DefaultDecodeCode(),
		Scaling:  IdentityScaling(),
		MaxLimit: DefaultMaxLimit,
		MinLimit: DefaultMinLimit,
		Bit:      -1,
		Enabled:  true,
	}
}

// RegisterClass 點位所屬的暫存器類別
func (p *Point) RegisterClass() RegisterType {
	rt, _ := RegisterTypeOfFuncCode(p.FuncCode)
	return rt
}

// IsBitCell 是否為位元量 (線圈/離散輸入類別，或字內位元抽取)
func (p *Point) IsBitCell() bool {
	return IsBitFuncCode(p.FuncCode) || p.Bit >= 0
}

// Span 佔用的位址範圍 (含迄點)
// 位元類別與字內位元抽取都只佔一個位址
func (p *Point) Span() (start, end uint16) {
	if IsBitFuncCode(p.FuncCode) || p.Bit >= 0 {
		return p.Address, p.Address
	}
	n := p.Decode.Registers()
	if n < 1 {
		n = 1
	}
	return p.Address, p.Address + uint16(n) - 1
}

// Validate 檢查點位定義是否自洽
func (p *Point) Validate() error {
	if strings.TrimSpace(p.Code) == "" {
		return fmt.Errorf("%w: 點位代碼不可為空", ErrFormat)
	}
	if p.SlaveID < SlaveIDMin {
		return fmt.Errorf("%w: 點位 %s 的從站位址 %d 超出範圍", ErrFormat, p.Code, p.SlaveID)
	}
	if _, ok := RegisterTypeOfFuncCode(p.FuncCode); !ok {
		return fmt.Errorf("%w: 點位 %s 的功能碼 0x%02X 不受支援", ErrFormat, p.Code, p.FuncCode)
	}
	if !p.Decode.Valid() {
		return &FormatError{Code: p.Decode}
	}
	if p.Bit < -1 || p.Bit > 15 {
		return fmt.Errorf("%w: 點位 %s 的位元偏移 %d 超出 0..15", ErrFormat, p.Code, p.Bit)
	}
	if p.Bit >= 0 && IsBitFuncCode(p.FuncCode) {
		return fmt.Errorf("%w: 點位 %s 為位元類別，不可再指定字內位元偏移", ErrFormat, p.Code)
	}
	if p.Bit >= 0 && !p.Frame.BypassScaling() {
		return fmt.Errorf("%w: 點位 %s 僅遙信/遙控可做字內位元抽取", ErrFormat, p.Code)
	}
	n := p.Decode.Registers()
	if !p.IsBitCell() && int(p.Address)+n-1 > 0xFFFF {
		return fmt.Errorf("%w: 點位 %s 的位址範圍越界 (起始 %d 佔 %d 字)", ErrFormat, p.Code, p.Address, n)
	}
	if !p.Frame.BypassScaling() && p.MaxLimit <= p.MinLimit {
		return fmt.Errorf("%w: 點位 %s 的上限 %v 必須大於下限 %v", ErrFormat, p.Code, p.MaxLimit, p.MinLimit)
	}
	return nil
}

// DecodeWords 把讀回的暫存器字序列解成點位數值
// 位元類別期待每位址一個 0/1 字；字內位元抽取會套用取反旗標
func (p *Point) DecodeWords(words []uint16) (Value, error) {
	if IsBitFuncCode(p.FuncCode) {
		if len(words) != 1 {
			return Value{}, &FormatError{Code: p.Decode, Want: 1, Got: len(words)}
		}
		b := words[0] & 1
		if p.Reverse {
			b ^= 1
		}
		return UnsignedValue(uint64(b)), nil
	}
	if p.Bit >= 0 {
		if len(words) != 1 {
			return Value{}, &FormatError{Code: p.Decode, Want: 1, Got: len(words)}
		}
		b := (words[0] >> uint(p.Bit)) & 1
		if p.Reverse {
			b ^= 1
		}
		return UnsignedValue(uint64(b)), nil
	}
	return Decode(words, p.Decode)
}

// RealFromWords 讀回字序列直接換算成工程值
func (p *Point) RealFromWords(words []uint16) (float64, error) {
	v, err := p.DecodeWords(words)
	if err != nil {
		return 0, err
	}
	return RealOf(p.Frame, p.Scaling, v), nil
}

// WordsFromReal 工程值換算並編碼為暫存器字序列
// 超出點位上下限回傳 ErrRange；字內位元抽取點位不適用，須走 ApplyBitToWord
func (p *Point) WordsFromReal(real float64) ([]uint16, error) {
	if err := p.CheckLimits(real); err != nil {
		return nil, err
	}
	if IsBitFuncCode(p.FuncCode) {
		b := uint16(0)
		if real != 0 {
			b = 1
		}
		if p.Reverse {
			b ^= 1
		}
		return []uint16{b}, nil
	}
	if p.Bit >= 0 {
		return nil, fmt.Errorf("%w: 點位 %s 為字內位元抽取，不能獨立編碼整字", ErrFormat, p.Code)
	}
	raw, err := RawOf(p.Frame, p.Scaling, real)
	if err != nil {
		return nil, err
	}
	return Encode(FloatValue(raw), p.Decode)
}

// ApplyBitToWord 把位元值寫入整字的對應位元，回傳新字
func (p *Point) ApplyBitToWord(word uint16, on bool) uint16 {
	if p.Reverse {
		on = !on
	}
	mask := uint16(1) << uint(p.Bit)
	if on {
		return word | mask
	}
	return word &^ mask
}

// CheckLimits 工程值越限檢查；遙信/遙控僅接受 0/1
func (p *Point) CheckLimits(real float64) error {
	if p.Frame.BypassScaling() {
		if real != 0 && real != 1 {
			return fmt.Errorf("%w: 點位 %s 僅接受 0 或 1，收到 %v", ErrRange, p.Code, real)
		}
		return nil
	}
	if real < p.MinLimit || real > p.MaxLimit {
		return fmt.Errorf("%w: 點位 %s 的工程值 %v 超出上下限 [%v, %v]", ErrRange, p.Code, real, p.MinLimit, p.MaxLimit)
	}
	return nil
}

// Clamp 把工程值夾回上下限內
func (p *Point) Clamp(real float64) float64 {
	if p.Frame.BypassScaling() {
		if real != 0 {
			return 1
		}
		return 0
	}
	if real > p.MaxLimit {
		return p.MaxLimit
	}
	if real < p.MinLimit {
		return p.MinLimit
	}
	return real
}

// overlaps 兩點位是否佔用重疊的位址格
// 僅同從站同暫存器類別會重疊；同字不同位元的抽取點不算重疊
func overlaps(a, b *Point) bool {
	if a.SlaveID != b.SlaveID || a.RegisterClass() != b.RegisterClass() {
		return false
	}
	as, ae := a.Span()
	bs, be := b.Span()
	if ae < bs || be < as {
		return false
	}
	if a.Bit >= 0 && b.Bit >= 0 && a.Bit != b.Bit {
		return false
	}
	return true
}

// PointTable 點位工作表
// 以代碼為主鍵的記憶體集合，提供重疊檢查與穩定排序的分頁視圖
type PointTable struct {
	mu     sync.RWMutex
	byCode map[string]*Point
	nextID int64
}

// NewPointTable 建立空的點位工作表
func NewPointTable() *PointTable {
	return &PointTable{byCode: make(map[string]*Point), nextID: 1}
}

// Add 新增點位；代碼重複或位址重疊時拒絕
func (t *PointTable) Add(p Point) (*Point, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byCode[p.Code]; ok {
		return nil, fmt.Errorf("%w: 點位代碼 %s 已存在", ErrFormat, p.Code)
	}
	if err := t.checkOverlapLocked(&p, ""); err != nil {
		return nil, err
	}
	if p.ID == 0 {
		p.ID = t.nextID
	}
	if p.ID >= t.nextID {
		t.nextID = p.ID + 1
	}
	cp := p
	t.byCode[p.Code] = &cp
	return &cp, nil
}

// Replace 更新既有點位的定義；重疊檢查會略過自身
func (t *PointTable) Replace(code string, p Point) (*Point, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	old, ok := t.byCode[code]
	if !ok {
		return nil, fmt.Errorf("%w: 點位 %s 不存在", ErrFormat, code)
	}
	if p.Code != code {
		if _, dup := t.byCode[p.Code]; dup {
			return nil, fmt.Errorf("%w: 點位代碼 %s 已存在", ErrFormat, p.Code)
		}
	}
	if err := t.checkOverlapLocked(&p, code); err != nil {
		return nil, err
	}
	p.ID = old.ID
	cp := p
	delete(t.byCode, code)
	t.byCode[p.Code] = &cp
	return &cp, nil
}

// Remove 刪除點位
func (t *PointTable) Remove(code string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.byCode[code]; !ok {
		return false
	}
	delete(t.byCode, code)
	return true
}

// Get 依代碼取點位副本
func (t *PointTable) Get(code string) (Point, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.byCode[code]
	if !ok {
		return Point{}, false
	}
	return *p, true
}

// Len 點位數
func (t *PointTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byCode)
}

// All 穩定排序後的全部點位副本
// 排序鍵: 從站、暫存器類別、位址、位元偏移、代碼
func (t *PointTable) All() []Point {
	t.mu.RLock()
	out := make([]Point, 0, len(t.byCode))
	for _, p := range t.byCode {
		out = append(out, *p)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := &out[i], &out[j]
		if a.SlaveID != b.SlaveID {
			return a.SlaveID < b.SlaveID
		}
		if a.RegisterClass() != b.RegisterClass() {
			return a.RegisterClass() < b.RegisterClass()
		}
		if a.Address != b.Address {
			return a.Address < b.Address
		}
		if a.Bit != b.Bit {
			return a.Bit < b.Bit
		}
		return a.Code < b.Code
	})
	return out
}

// Enabled 穩定排序後的啟用點位
func (t *PointTable) Enabled() []Point {
	all := t.All()
	out := all[:0]
	for _, p := range all {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// SlaveIDs 出現過的從站位址 (升冪)
func (t *PointTable) SlaveIDs() []uint8 {
	t.mu.RLock()
	seen := make(map[uint8]struct{})
	for _, p := range t.byCode {
		seen[p.SlaveID] = struct{}{}
	}
	t.mu.RUnlock()

	out := make([]uint8, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// checkOverlapLocked 檢查與既有點位的位址重疊，skip 為更新時要略過的代碼
func (t *PointTable) checkOverlapLocked(p *Point, skip string) error {
	for code, other := range t.byCode {
		if code == skip {
			continue
		}
		if overlaps(p, other) {
			s, e := other.Span()
			return &OverlapError{
				SlaveID:  other.SlaveID,
				FuncCode: other.FuncCode,
				Code:     other.Code,
				Start:    s,
				End:      e,
			}
		}
	}
	return nil
}
