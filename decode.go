package main

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DecodeCode 解碼代碼
// 描述暫存器字序列如何對應到型別數值: 位寬、符號/浮點、字序、字內位元組交換
type DecodeCode uint8

const (
	DecodeU8 DecodeCode = 0x10 // 8位無符號 (單字低位元組)
	DecodeS8 DecodeCode = 0x11 // 8位有符號 (單字低位元組)

	DecodeU16BE  DecodeCode = 0x20 // 16位無符號 AB
	DecodeS16BE  DecodeCode = 0x21 // 16位有符號 AB
	DecodeU16BES DecodeCode = 0xB0 // 16位無符號 BA (大端+交換的別名標籤)
	DecodeS16BES DecodeCode = 0xB1 // 16位有符號 BA
	DecodeU16LES DecodeCode = 0xC0 // 16位無符號 BA (小端+交換)
	DecodeS16LES DecodeCode = 0xC1 // 16位有符號 BA

	DecodeU32BE  DecodeCode = 0x40 // 32位無符號 AB CD
	DecodeS32BE  DecodeCode = 0x41 // 32位有符號 AB CD
	DecodeF32BE  DecodeCode = 0x42 // 32位浮點 AB CD
	DecodeU32BES DecodeCode = 0x43 // 32位無符號 BA DC
	DecodeS32BES DecodeCode = 0x44 // 32位有符號 BA DC
	DecodeF32BES DecodeCode = 0x45 // 32位浮點 BA DC
	DecodeU32LE  DecodeCode = 0xD0 // 32位無符號 CD AB
	DecodeS32LE  DecodeCode = 0xD1 // 32位有符號 CD AB
	DecodeF32LE  DecodeCode = 0xD2 // 32位浮點 CD AB
	DecodeF32LES DecodeCode = 0xD3 // 32位浮點 DC BA
	DecodeU32LES DecodeCode = 0xD4 // 32位無符號 DC BA
	DecodeS32LES DecodeCode = 0xD5 // 32位有符號 DC BA

	DecodeU64BE DecodeCode = 0x60 // 64位無符號 AB CD EF GH
	DecodeS64BE DecodeCode = 0x61 // 64位有符號 AB CD EF GH
	DecodeF64BE DecodeCode = 0x62 // 64位浮點 AB CD EF GH
	DecodeU64LE DecodeCode = 0xE0 // 64位無符號 GH EF CD AB
	DecodeS64LE DecodeCode = 0xE1 // 64位有符號 GH EF CD AB
	DecodeF64LE DecodeCode = 0xE2 // 64位浮點 GH EF CD AB
)

// decodeInfo 解碼代碼屬性
type decodeInfo struct {
	name      string
	registers int  // 佔用暫存器數
	width     int  // 位寬
	signed    bool
	float     bool
	bigEndian bool // 字序: 高位字在前
	byteSwap  bool // 字內位元組交換
}

// decodeTable 解碼代碼屬性表 (唯一正確來源，逐位元必須與此一致)
var decodeTable = map[DecodeCode]decodeInfo{
	DecodeU8: {name: "U8", registers: 1, width: 8, bigEndian: true},
	DecodeS8: {name: "S8", registers: 1, width: 8, signed: true, bigEndian: true},

	DecodeU16BE:  {name: "U16 AB", registers: 1, width: 16, bigEndian: true},
	DecodeS16BE:  {name: "S16 AB", registers: 1, width: 16, signed: true, bigEndian: true},
	DecodeU16BES: {name: "U16 BA", registers: 1, width: 16, bigEndian: true, byteSwap: true},
	DecodeS16BES: {name: "S16 BA", registers: 1, width: 16, signed: true, bigEndian: true, byteSwap: true},
	DecodeU16LES: {name: "U16 BA", registers: 1, width: 16, byteSwap: true},
	DecodeS16LES: {name: "S16 BA", registers: 1, width: 16, signed: true, byteSwap: true},

	DecodeU32BE:  {name: "U32 AB CD", registers: 2, width: 32, bigEndian: true},
	DecodeS32BE:  {name: "S32 AB CD", registers: 2, width: 32, signed: true, bigEndian: true},
	DecodeF32BE:  {name: "F32 AB CD", registers: 2, width: 32, float: true, bigEndian: true},
	DecodeU32BES: {name: "U32 BA DC", registers: 2, width: 32, bigEndian: true, byteSwap: true},
	DecodeS32BES: {name: "S32 BA DC", registers: 2, width: 32, signed: true, bigEndian: true, byteSwap: true},
	DecodeF32BES: {name: "F32 BA DC", registers: 2, width: 32, float: true, bigEndian: true, byteSwap: true},
	DecodeU32LE:  {name: "U32 CD AB", registers: 2, width: 32},
	DecodeS32LE:  {name: "S32 CD AB", registers: 2, width: 32, signed: true},
	DecodeF32LE:  {name: "F32 CD AB", registers: 2, width: 32, float: true},
	DecodeF32LES: {name: "F32 DC BA", registers: 2, width: 32, float: true, byteSwap: true},
	DecodeU32LES: {name: "U32 DC BA", registers: 2, width: 32, byteSwap: true},
	DecodeS32LES: {name: "S32 DC BA", registers: 2, width: 32, signed: true, byteSwap: true},

	DecodeU64BE: {name: "U64 AB CD EF GH", registers: 4, width: 64, bigEndian: true},
	DecodeS64BE: {name: "S64 AB CD EF GH", registers: 4, width: 64, signed: true, bigEndian: true},
	DecodeF64BE: {name: "F64 AB CD EF GH", registers: 4, width: 64, float: true, bigEndian: true},
	DecodeU64LE: {name: "U64 GH EF CD AB", registers: 4, width: 64},
	DecodeS64LE: {name: "S64 GH EF CD AB", registers: 4, width: 64, signed: true},
	DecodeF64LE: {name: "F64 GH EF CD AB", registers: 4, width: 64, float: true},
}

// DecodeCodes 列出所有解碼代碼 (升冪)
func DecodeCodes() []DecodeCode {
	codes := make([]DecodeCode, 0, len(decodeTable))
	for c := range decodeTable {
		codes = append(codes, c)
	}
	for i := 1; i < len(codes); i++ {
		for j := i; j > 0 && codes[j-1] > codes[j]; j-- {
			codes[j-1], codes[j] = codes[j], codes[j-1]
		}
	}
	return codes
}

// Valid 是否為已知解碼代碼
func (c DecodeCode) Valid() bool {
	_, ok := decodeTable[c]
	return ok
}

// Registers 佔用的暫存器數 (1/2/4)，未知代碼為 0
func (c DecodeCode) Registers() int {
	return decodeTable[c].registers
}

// Width 位寬 (8/16/32/64)
func (c DecodeCode) Width() int {
	return decodeTable[c].width
}

// IsFloat 是否為浮點代碼
func (c DecodeCode) IsFloat() bool {
	return decodeTable[c].float
}

// IsSigned 是否為有符號整數代碼
func (c DecodeCode) IsSigned() bool {
	return decodeTable[c].signed
}

// Name 顯示名稱 (寬度與位元組排列)
func (c DecodeCode) Name() string {
	if info, ok := decodeTable[c]; ok {
		return info.name
	}
	return "unknown"
}

func (c DecodeCode) String() string {
	return fmt.Sprintf("0x%02X", uint8(c))
}

// ParseDecodeCode 解析 "0x41" 形式的解碼代碼標籤
func ParseDecodeCode(s string) (DecodeCode, error) {
	t := strings.TrimSpace(s)
	t = strings.TrimPrefix(strings.TrimPrefix(t, "0x"), "0X")
	n, err := strconv.ParseUint(t, 16, 8)
	if err != nil {
		return 0, fmt.Errorf("%w: 無法解析解碼代碼 %q", ErrFormat, s)
	}
	code := DecodeCode(n)
	if !code.Valid() {
		return 0, &FormatError{Code: code}
	}
	return code, nil
}

// ValueKind 數值型別
type ValueKind int

const (
	ValueUnsigned ValueKind = iota
	ValueSigned
	ValueFloat
)

// Value 解碼結果數值
// 以標籤聯合保存，64位整數往返不失真；Float64() 供縮放與顯示使用
type Value struct {
	kind ValueKind
	u    uint64
	i    int64
	f    float64
}

// UnsignedValue 建立無符號數值
func UnsignedValue(u uint64) Value {
	return Value{kind: ValueUnsigned, u: u}
}

// SignedValue 建立有符號數值
func SignedValue(i int64) Value {
	return Value{kind: ValueSigned, i: i}
}

// FloatValue 建立浮點數值
func FloatValue(f float64) Value {
	return Value{kind: ValueFloat, f: f}
}

// Kind 數值型別
func (v Value) Kind() ValueKind {
	return v.kind
}

// Float64 轉為 float64 (uint64 超過 2^53 會失真，工程值路徑可接受)
func (v Value) Float64() float64 {
	switch v.kind {
	case ValueSigned:
		return float64(v.i)
	case ValueFloat:
		return v.f
	default:
		return float64(v.u)
	}
}

// Int64 精確取有符號整數值
func (v Value) Int64() (int64, bool) {
	switch v.kind {
	case ValueSigned:
		return v.i, true
	case ValueUnsigned:
		if v.u <= math.MaxInt64 {
			return int64(v.u), true
		}
	}
	return 0, false
}

// Uint64 精確取無符號整數值
func (v Value) Uint64() (uint64, bool) {
	switch v.kind {
	case ValueUnsigned:
		return v.u, true
	case ValueSigned:
		if v.i >= 0 {
			return uint64(v.i), true
		}
	}
	return 0, false
}

func (v Value) String() string {
	switch v.kind {
	case ValueSigned:
		return strconv.FormatInt(v.i, 10)
	case ValueFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	default:
		return strconv.FormatUint(v.u, 10)
	}
}

// Decode 依解碼代碼將暫存器字序列解碼為數值
// 純函式；字數與代碼要求不符時回傳 FormatError
func Decode(words []uint16, code DecodeCode) (Value, error) {
	info, ok := decodeTable[code]
	if !ok {
		return Value{}, &FormatError{Code: code}
	}
	if len(words) != info.registers {
		return Value{}, &FormatError{Code: code, Want: info.registers, Got: len(words)}
	}

	// 8位: 取單字低位元組
	if info.width == 8 {
		b := uint64(words[0] & 0xFF)
		if info.signed {
			return SignedValue(int64(int8(b))), nil
		}
		return UnsignedValue(b), nil
	}

	raw := assembleWords(words, info)

	switch {
	case info.float && info.width == 32:
		return FloatValue(float64(math.Float32frombits(uint32(raw)))), nil
	case info.float:
		return FloatValue(math.Float64frombits(raw)), nil
	case info.signed:
		shift := 64 - info.width
		return SignedValue(int64(raw<<shift) >> shift), nil
	default:
		return UnsignedValue(raw), nil
	}
}

// Encode 依解碼代碼將數值編碼為暫存器字序列
// 整數代碼對浮點輸入採四捨五入 (遠離零)；不可表示時回傳 RangeError
func Encode(v Value, code DecodeCode) ([]uint16, error) {
	info, ok := decodeTable[code]
	if !ok {
		return nil, &FormatError{Code: code}
	}

	var raw uint64

	switch {
	case info.float && info.width == 32:
		f := v.Float64()
		// NaN/Inf 為合法位型樣；有限值超過 float32 範圍則拒絕
		if !math.IsNaN(f) && !math.IsInf(f, 0) && math.Abs(f) > math.MaxFloat32 {
			return nil, &RangeError{Code: code, Value: f}
		}
		raw = uint64(math.Float32bits(float32(f)))
	case info.float:
		raw = math.Float64bits(v.Float64())
	case info.signed:
		i, ok := signedFor(v, info.width)
		if !ok {
			return nil, &RangeError{Code: code, Value: v.Float64()}
		}
		raw = uint64(i)
	default:
		u, ok := unsignedFor(v, info.width)
		if !ok {
			return nil, &RangeError{Code: code, Value: v.Float64()}
		}
		raw = u
	}

	if info.width == 8 {
		return []uint16{uint16(raw & 0xFF)}, nil
	}
	if info.width < 64 {
		raw &= (1 << info.width) - 1
	}
	return splitWords(raw, info), nil
}

// assembleWords 依字序與位元組交換把字序列組成大端位型樣
func assembleWords(words []uint16, info decodeInfo) uint64 {
	n := info.registers
	var raw uint64
	for i := 0; i < n; i++ {
		w := words[i]
		if !info.bigEndian {
			w = words[n-1-i]
		}
		if info.byteSwap {
			w = swapBytes(w)
		}
		raw = raw<<16 | uint64(w)
	}
	return raw
}

// splitWords assembleWords 的逆操作
func splitWords(raw uint64, info decodeInfo) []uint16 {
	n := info.registers
	out := make([]uint16, n)
	for i := n - 1; i >= 0; i-- {
		w := uint16(raw & 0xFFFF)
		raw >>= 16
		if info.byteSwap {
			w = swapBytes(w)
		}
		idx := i
		if !info.bigEndian {
			idx = n - 1 - i
		}
		out[idx] = w
	}
	return out
}

// swapBytes 交換 16 位字的高低位元組
func swapBytes(w uint16) uint16 {
	return w<<8 | w>>8
}

// signedFor 把數值落到有符號寬度，浮點輸入四捨五入
func signedFor(v Value, width int) (int64, bool) {
	var i int64
	switch v.kind {
	case ValueSigned:
		i = v.i
	case ValueUnsigned:
		if v.u > math.MaxInt64 {
			return 0, false
		}
		i = int64(v.u)
	case ValueFloat:
		f := math.Round(v.f)
		if math.IsNaN(f) || f < -9.223372036854776e18 || f >= 9.223372036854776e18 {
			return 0, false
		}
		i = int64(f)
	}
	if width < 64 {
		limit := int64(1) << (width - 1)
		if i < -limit || i > limit-1 {
			return 0, false
		}
	}
	return i, true
}

// unsignedFor 把數值落到無符號寬度，浮點輸入四捨五入
func unsignedFor(v Value, width int) (uint64, bool) {
	var u uint64
	switch v.kind {
	case ValueUnsigned:
		u = v.u
	case ValueSigned:
		if v.i < 0 {
			return 0, false
		}
		u = uint64(v.i)
	case ValueFloat:
		f := math.Round(v.f)
		if math.IsNaN(f) || f < 0 || f >= 1.8446744073709552e19 {
			return 0, false
		}
		u = uint64(f)
	}
	if width < 64 && u > (1<<width)-1 {
		return 0, false
	}
	return u, true
}
