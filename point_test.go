package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPointPerFrame(t *testing.T) {
	tests := []struct {
		frame    FrameType
		funcCode uint8
		decode   DecodeCode
	}{
		{frame: FrameTelemetry, funcCode: FuncCodeReadHoldingRegisters, decode: DecodeS32BE},
		{frame: FrameStatus, funcCode: FuncCodeReadDiscreteInputs, decode: DecodeU8},
		{frame: FrameControl, funcCode: FuncCodeWriteSingleCoil, decode: DecodeU8},
		{frame: FrameSetting, funcCode: FuncCodeWriteSingleRegister, decode: DecodeS32BE},
	}

	for _, tt := range tests {
		t.Run(tt.frame.String(), func(t *testing.T) {
			p := DefaultPoint(tt.frame)
			assert.Equal(t, tt.funcCode, p.FuncCode, "預設功能碼")
			assert.Equal(t, tt.decode, p.Decode, "預設解碼代碼")
			assert.True(t, p.Scaling.IsIdentity(), "預設縮放為恆等")
			assert.Equal(t, -1, p.Bit)
			assert.True(t, p.Enabled)
			assert.Equal(t, float64(DefaultMaxLimit), p.MaxLimit)
			assert.Equal(t, float64(DefaultMinLimit), p.MinLimit)
		})
	}
}

func TestPointValidate(t *testing.T) {
	valid := func() Point {
		p := DefaultPoint(FrameTelemetry)
		p.Code = "yc_ok"
		p.SlaveID = 1
		p.Address = 0
		return p
	}

	tests := []struct {
		name    string
		mutate  func(*Point)
		wantErr error
	}{
		{name: "合法點位", mutate: func(p *Point) {}},
		{name: "空代碼", mutate: func(p *Point) { p.Code = "  " }, wantErr: ErrFormat},
		{name: "從站位址為零", mutate: func(p *Point) { p.SlaveID = 0 }, wantErr: ErrFormat},
		{name: "未知功能碼", mutate: func(p *Point) { p.FuncCode = 0x07 }, wantErr: ErrFormat},
		{name: "未知解碼代碼", mutate: func(p *Point) { p.Decode = 0x99 }, wantErr: ErrFormat},
		{name: "位元偏移超界", mutate: func(p *Point) { p.Bit = 16 }, wantErr: ErrFormat},
		{name: "位元類別不可再給位元偏移", mutate: func(p *Point) {
			p.Frame = FrameStatus
			p.FuncCode = FuncCodeReadDiscreteInputs
			p.Decode = DecodeU8
			p.Bit = 2
		}, wantErr: ErrFormat},
		{name: "遙測不可做位元抽取", mutate: func(p *Point) { p.Bit = 3 }, wantErr: ErrFormat},
		{name: "位址範圍越界", mutate: func(p *Point) { p.Address = 0xFFFF }, wantErr: ErrFormat},
		{name: "上限不大於下限", mutate: func(p *Point) { p.MaxLimit = 5; p.MinLimit = 5 }, wantErr: ErrFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid()
			tt.mutate(&p)
			err := p.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestPointSpan(t *testing.T) {
	tests := []struct {
		name   string
		decode DecodeCode
		fc     uint8
		bit    int
		addr   uint16
		start  uint16
		end    uint16
	}{
		{name: "單字", decode: DecodeU16BE, fc: FuncCodeReadHoldingRegisters, bit: -1, addr: 10, start: 10, end: 10},
		{name: "雙字", decode: DecodeS32BE, fc: FuncCodeReadHoldingRegisters, bit: -1, addr: 10, start: 10, end: 11},
		{name: "四字", decode: DecodeF64BE, fc: FuncCodeReadInputRegisters, bit: -1, addr: 100, start: 100, end: 103},
		{name: "線圈佔一位址", decode: DecodeU8, fc: FuncCodeReadCoils, bit: -1, addr: 7, start: 7, end: 7},
		{name: "字內位元抽取佔一位址", decode: DecodeU16BE, fc: FuncCodeReadHoldingRegisters, bit: 4, addr: 3, start: 3, end: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := Point{Decode: tt.decode, FuncCode: tt.fc, Bit: tt.bit, Address: tt.addr}
			s, e := p.Span()
			assert.Equal(t, tt.start, s)
			assert.Equal(t, tt.end, e)
		})
	}
}

func TestPointOverlapSemantics(t *testing.T) {
	base := func(fc uint8, addr uint16, bit int) *Point {
		return &Point{SlaveID: 1, FuncCode: fc, Address: addr, Bit: bit, Decode: DecodeS32BE}
	}

	// 同從站同類別位址相交 → 重疊
	a := base(FuncCodeReadHoldingRegisters, 0, -1)  // 佔 0-1
	b := base(FuncCodeReadHoldingRegisters, 1, -1)  // 佔 1-2
	c := base(FuncCodeReadHoldingRegisters, 2, -1)  // 佔 2-3
	assert.True(t, overlaps(a, b))
	assert.True(t, overlaps(b, c))
	assert.False(t, overlaps(a, c), "0-1 與 2-3 不相交")

	// 不同從站不重疊
	other := base(FuncCodeReadHoldingRegisters, 0, -1)
	other.SlaveID = 2
	assert.False(t, overlaps(a, other))

	// 不同暫存器類別是獨立位址空間
	input := base(FuncCodeReadInputRegisters, 0, -1)
	assert.False(t, overlaps(a, input))

	// 同字不同位元的抽取點可共存
	bitA := &Point{SlaveID: 1, FuncCode: FuncCodeReadHoldingRegisters, Address: 5, Bit: 0, Decode: DecodeU16BE}
	bitB := &Point{SlaveID: 1, FuncCode: FuncCodeReadHoldingRegisters, Address: 5, Bit: 1, Decode: DecodeU16BE}
	bitAgain := &Point{SlaveID: 1, FuncCode: FuncCodeReadHoldingRegisters, Address: 5, Bit: 0, Decode: DecodeU16BE}
	assert.False(t, overlaps(bitA, bitB), "同字不同位元不算重疊")
	assert.True(t, overlaps(bitA, bitAgain), "同字同位元重疊")

	// 位元抽取點與佔整字的點相撞
	whole := base(FuncCodeReadHoldingRegisters, 5, -1)
	assert.True(t, overlaps(bitA, whole))
}

func TestPointDecodeWords(t *testing.T) {
	// 遙信取反
	yx := DefaultPoint(FrameStatus)
	yx.Code = "yx"
	yx.Reverse = true
	v, err := yx.DecodeWords([]uint16{1})
	require.NoError(t, err)
	assert.Equal(t, 0.0, v.Float64(), "取反後 1 變 0")

	// 字內位元抽取
	bit := DefaultPoint(FrameStatus)
	bit.Code = "yx_bit"
	bit.FuncCode = FuncCodeReadHoldingRegisters
	bit.Decode = DecodeU16BE
	bit.Bit = 3
	v, err = bit.DecodeWords([]uint16{0x0008})
	require.NoError(t, err)
	assert.Equal(t, 1.0, v.Float64())
	v, err = bit.DecodeWords([]uint16{0xFFF7})
	require.NoError(t, err)
	assert.Equal(t, 0.0, v.Float64())

	// 字數不符
	_, err = bit.DecodeWords([]uint16{1, 2})
	assert.ErrorIs(t, err, ErrFormat)

	// 整字點位走解碼表再經縮放
	yc := DefaultPoint(FrameTelemetry)
	yc.Code = "yc"
	yc.Scaling = Scaling{Mul: 0.1}
	real, err := yc.RealFromWords([]uint16{0x0000, 0x05DC})
	require.NoError(t, err)
	assert.InDelta(t, 150.0, real, 1e-9)
}

func TestPointWordsFromReal(t *testing.T) {
	// 遙控 0/1 附取反
	yk := DefaultPoint(FrameControl)
	yk.Code = "yk"
	yk.Reverse = true
	words, err := yk.WordsFromReal(1)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0}, words, "取反後 1 寫 0")

	// 遙測經縮放反算後編碼
	yc := DefaultPoint(FrameTelemetry)
	yc.Code = "yc"
	yc.Scaling = Scaling{Mul: 0.1}
	yc.MaxLimit = 1000
	yc.MinLimit = -1000
	words, err = yc.WordsFromReal(150.0)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0x0000, 0x05DC}, words)

	// 越限拒絕
	_, err = yc.WordsFromReal(2000)
	assert.ErrorIs(t, err, ErrRange)

	// 字內位元抽取不能獨立編碼整字
	bit := DefaultPoint(FrameStatus)
	bit.Code = "yx_bit"
	bit.FuncCode = FuncCodeReadHoldingRegisters
	bit.Decode = DecodeU16BE
	bit.Bit = 2
	_, err = bit.WordsFromReal(1)
	assert.ErrorIs(t, err, ErrFormat)
}

func TestApplyBitToWord(t *testing.T) {
	p := Point{Bit: 3}
	assert.Equal(t, uint16(0x0008), p.ApplyBitToWord(0x0000, true))
	assert.Equal(t, uint16(0x0000), p.ApplyBitToWord(0x0008, false))
	assert.Equal(t, uint16(0xFFFF), p.ApplyBitToWord(0xFFF7, true))

	// 取反點位寫入相反位元
	rev := Point{Bit: 0, Reverse: true}
	assert.Equal(t, uint16(0x0000), rev.ApplyBitToWord(0x0001, true))
	assert.Equal(t, uint16(0x0001), rev.ApplyBitToWord(0x0000, false))
}

func TestPointTableAddReplaceRemove(t *testing.T) {
	table := NewPointTable()

	a := DefaultPoint(FrameTelemetry)
	a.Code = "a"
	a.SlaveID = 1
	a.Address = 0
	pa, err := table.Add(a)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pa.ID, "首筆點位編號為 1")

	b := DefaultPoint(FrameTelemetry)
	b.Code = "b"
	b.SlaveID = 1
	b.Address = 10
	pb, err := table.Add(b)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pb.ID)

	// 代碼重複
	dup := DefaultPoint(FrameTelemetry)
	dup.Code = "a"
	dup.SlaveID = 3
	dup.Address = 0
	_, err = table.Add(dup)
	assert.Error(t, err)

	// 取代保留編號，可同位址自我取代
	edited := b
	edited.Name = "改過"
	np, err := table.Replace("b", edited)
	require.NoError(t, err)
	assert.Equal(t, int64(2), np.ID, "取代不換編號")
	assert.Equal(t, "改過", np.Name)

	// 取代時改代碼: 舊代碼讓位，新代碼不得撞名
	renamed := edited
	renamed.Code = "c"
	_, err = table.Replace("b", renamed)
	require.NoError(t, err)
	_, ok := table.Get("b")
	assert.False(t, ok)
	_, ok = table.Get("c")
	assert.True(t, ok)

	clash := renamed
	clash.Code = "a"
	_, err = table.Replace("c", clash)
	assert.Error(t, err, "改名撞上既有代碼應拒絕")

	assert.True(t, table.Remove("c"))
	assert.False(t, table.Remove("c"))
	assert.Equal(t, 1, table.Len())
}

func TestPointTableAllOrdering(t *testing.T) {
	table := NewPointTable()
	add := func(code string, slave uint8, fc uint8, addr uint16, decode DecodeCode) {
		p := DefaultPoint(FrameTelemetry)
		p.Code = code
		p.SlaveID = slave
		p.FuncCode = fc
		p.Address = addr
		p.Decode = decode
		_, err := table.Add(p)
		require.NoError(t, err)
	}

	// 倒序塞入
	add("s2_hold", 2, FuncCodeReadHoldingRegisters, 0, DecodeU16BE)
	add("s1_hold_hi", 1, FuncCodeReadHoldingRegisters, 100, DecodeU16BE)
	add("s1_hold_lo", 1, FuncCodeReadHoldingRegisters, 2, DecodeU16BE)
	add("s1_input", 1, FuncCodeReadInputRegisters, 0, DecodeU16BE)

	var gotCodes []string
	for _, p := range table.All() {
		gotCodes = append(gotCodes, p.Code)
	}
	// 從站 → 暫存器類別 → 位址
	assert.Equal(t, []string{"s1_input", "s1_hold_lo", "s1_hold_hi", "s2_hold"}, gotCodes)
}

func TestPointTableEnabledAndSlaveIDs(t *testing.T) {
	table := NewPointTable()

	on := DefaultPoint(FrameTelemetry)
	on.Code = "on"
	on.SlaveID = 5
	on.Address = 0
	_, err := table.Add(on)
	require.NoError(t, err)

	off := DefaultPoint(FrameTelemetry)
	off.Code = "off"
	off.SlaveID = 2
	off.Address = 0
	off.Enabled = false
	_, err = table.Add(off)
	require.NoError(t, err)

	enabled := table.Enabled()
	require.Len(t, enabled, 1)
	assert.Equal(t, "on", enabled[0].Code)

	assert.Equal(t, []uint8{2, 5}, table.SlaveIDs(), "從站清單含停用點位且升冪")
}
