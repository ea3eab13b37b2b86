package main

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeTableLayout(t *testing.T) {
	tests := []struct {
		name  string
		code  DecodeCode
		words []uint16
		want  Value
	}{
		{name: "U8 取低位元組", code: DecodeU8, words: []uint16{0x12AB}, want: UnsignedValue(0xAB)},
		{name: "S8 低位元組符號延伸", code: DecodeS8, words: []uint16{0x00FB}, want: SignedValue(-5)},
		{name: "U16 AB", code: DecodeU16BE, words: []uint16{0x1234}, want: UnsignedValue(0x1234)},
		{name: "S16 AB 負值", code: DecodeS16BE, words: []uint16{0xFFFB}, want: SignedValue(-5)},
		{name: "U16 BA (0xB0)", code: DecodeU16BES, words: []uint16{0x3412}, want: UnsignedValue(0x1234)},
		{name: "S16 BA (0xB1)", code: DecodeS16BES, words: []uint16{0xFBFF}, want: SignedValue(-5)},
		{name: "U16 BA (0xC0)", code: DecodeU16LES, words: []uint16{0x3412}, want: UnsignedValue(0x1234)},
		{name: "S16 BA (0xC1)", code: DecodeS16LES, words: []uint16{0xFBFF}, want: SignedValue(-5)},
		{name: "U32 AB CD", code: DecodeU32BE, words: []uint16{0x1234, 0x5678}, want: UnsignedValue(0x12345678)},
		{name: "S32 AB CD 負值", code: DecodeS32BE, words: []uint16{0xFFFF, 0xFFFB}, want: SignedValue(-5)},
		{name: "U32 BA DC", code: DecodeU32BES, words: []uint16{0x3412, 0x7856}, want: UnsignedValue(0x12345678)},
		{name: "S32 BA DC", code: DecodeS32BES, words: []uint16{0xFFFF, 0xFBFF}, want: SignedValue(-5)},
		{name: "U32 CD AB", code: DecodeU32LE, words: []uint16{0x5678, 0x1234}, want: UnsignedValue(0x12345678)},
		{name: "S32 CD AB", code: DecodeS32LE, words: []uint16{0xFFFB, 0xFFFF}, want: SignedValue(-5)},
		{name: "U32 DC BA", code: DecodeU32LES, words: []uint16{0x7856, 0x3412}, want: UnsignedValue(0x12345678)},
		{name: "S32 DC BA", code: DecodeS32LES, words: []uint16{0xFBFF, 0xFFFF}, want: SignedValue(-5)},
		{name: "U64 AB CD EF GH", code: DecodeU64BE, words: []uint16{0x0123, 0x4567, 0x89AB, 0xCDEF}, want: UnsignedValue(0x0123456789ABCDEF)},
		{name: "S64 AB CD EF GH 負值", code: DecodeS64BE, words: []uint16{0xFFFF, 0xFFFF, 0xFFFF, 0xFFFB}, want: SignedValue(-5)},
		{name: "U64 GH EF CD AB", code: DecodeU64LE, words: []uint16{0xCDEF, 0x89AB, 0x4567, 0x0123}, want: UnsignedValue(0x0123456789ABCDEF)},
		{name: "S64 GH EF CD AB", code: DecodeS64LE, words: []uint16{0xFFFB, 0xFFFF, 0xFFFF, 0xFFFF}, want: SignedValue(-5)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.words, tt.code)
			require.NoError(t, err, "解碼不應出錯")
			assert.Equal(t, tt.want, got, "解碼結果應逐位元一致")
		})
	}
}

func TestDecodeFloat(t *testing.T) {
	tests := []struct {
		name  string
		code  DecodeCode
		words []uint16
		want  float64
	}{
		// 78.25 的 IEEE-754 單精度位型樣為 0x429C8000
		{name: "F32 AB CD", code: DecodeF32BE, words: []uint16{0x429C, 0x8000}, want: 78.25},
		{name: "F32 CD AB", code: DecodeF32LE, words: []uint16{0x8000, 0x429C}, want: 78.25},
		{name: "F32 BA DC", code: DecodeF32BES, words: []uint16{0x9C42, 0x0080}, want: 78.25},
		{name: "F32 DC BA", code: DecodeF32LES, words: []uint16{0x0080, 0x9C42}, want: 78.25},
		{name: "F32 負值", code: DecodeF32BE, words: []uint16{0xC29C, 0x8000}, want: -78.25},
		{name: "F64 AB CD EF GH", code: DecodeF64BE, words: []uint16{0x4053, 0x9000, 0x0000, 0x0000}, want: 78.25},
		{name: "F64 GH EF CD AB", code: DecodeF64LE, words: []uint16{0x0000, 0x0000, 0x9000, 0x4053}, want: 78.25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode(tt.words, tt.code)
			require.NoError(t, err, "解碼不應出錯")
			require.Equal(t, ValueFloat, got.Kind(), "浮點代碼應得到浮點數值")
			assert.Equal(t, tt.want, got.Float64(), "浮點解碼應精確")
		})
	}
}

func TestDecodeWordOrderMatters(t *testing.T) {
	words := []uint16{0x0001, 0x0000}

	be, err := Decode(words, DecodeU32BE)
	require.NoError(t, err)
	le, err := Decode(words, DecodeU32LE)
	require.NoError(t, err)

	assert.Equal(t, UnsignedValue(0x00010000), be, "大端字序應把首字視為高位")
	assert.Equal(t, UnsignedValue(0x00000001), le, "小端字序應把末字視為高位")
	assert.NotEqual(t, be, le, "同一字序列在不同字序下應得到不同數值")
}

func TestDecodeFormatError(t *testing.T) {
	tests := []struct {
		name  string
		code  DecodeCode
		words []uint16
	}{
		{name: "未知代碼", code: DecodeCode(0x99), words: []uint16{0x0000}},
		{name: "字數不足", code: DecodeU32BE, words: []uint16{0x0001}},
		{name: "字數過多", code: DecodeU16BE, words: []uint16{0x0001, 0x0002}},
		{name: "64位字數不符", code: DecodeU64BE, words: []uint16{0x0001, 0x0002}},
		{name: "空字序列", code: DecodeU16BE, words: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.words, tt.code)
			require.Error(t, err, "應回傳格式錯誤")
			assert.True(t, errors.Is(err, ErrFormat), "錯誤應屬於 ErrFormat 類別")
		})
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		code  DecodeCode
		value Value
	}{
		{name: "U8 邊界", code: DecodeU8, value: UnsignedValue(255)},
		{name: "S8 下界", code: DecodeS8, value: SignedValue(-128)},
		{name: "U16 AB 上界", code: DecodeU16BE, value: UnsignedValue(65535)},
		{name: "S16 BA 下界", code: DecodeS16LES, value: SignedValue(-32768)},
		{name: "U32 CD AB", code: DecodeU32LE, value: UnsignedValue(4294967295)},
		{name: "S32 BA DC 下界", code: DecodeS32BES, value: SignedValue(-2147483648)},
		{name: "U64 上界", code: DecodeU64BE, value: UnsignedValue(math.MaxUint64)},
		{name: "S64 下界", code: DecodeS64LE, value: SignedValue(math.MinInt64)},
		{name: "F32 精確值", code: DecodeF32BE, value: FloatValue(78.25)},
		{name: "F64 任意值", code: DecodeF64BE, value: FloatValue(123.456)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			words, err := Encode(tt.value, tt.code)
			require.NoError(t, err, "編碼不應出錯")
			require.Len(t, words, tt.code.Registers(), "字數應與代碼要求一致")

			got, err := Decode(words, tt.code)
			require.NoError(t, err, "解碼不應出錯")
			assert.Equal(t, tt.value, got, "編碼後解碼應還原原值")
		})
	}
}

func TestEncodeFloatToIntegerRounds(t *testing.T) {
	tests := []struct {
		name  string
		code  DecodeCode
		value float64
		want  uint16
	}{
		{name: "向上進位", code: DecodeU16BE, value: 123.6, want: 124},
		{name: "向下捨去", code: DecodeU16BE, value: 123.4, want: 123},
		{name: "半數遠離零", code: DecodeU16BE, value: 123.5, want: 124},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			words, err := Encode(FloatValue(tt.value), tt.code)
			require.NoError(t, err, "編碼不應出錯")
			assert.Equal(t, tt.want, words[0], "浮點輸入應四捨五入到最近整數")
		})
	}

	t.Run("負值半數遠離零", func(t *testing.T) {
		words, err := Encode(FloatValue(-123.5), DecodeS16BE)
		require.NoError(t, err)
		got, err := Decode(words, DecodeS16BE)
		require.NoError(t, err)
		assert.Equal(t, SignedValue(-124), got, "負半數應向遠離零方向進位")
	})
}

func TestEncodeRangeError(t *testing.T) {
	tests := []struct {
		name  string
		code  DecodeCode
		value Value
	}{
		{name: "U8 溢位", code: DecodeU8, value: UnsignedValue(256)},
		{name: "S8 溢位", code: DecodeS8, value: SignedValue(128)},
		{name: "U16 負值", code: DecodeU16BE, value: SignedValue(-1)},
		{name: "S16 下溢", code: DecodeS16BE, value: SignedValue(-32769)},
		{name: "U32 溢位", code: DecodeU32BE, value: UnsignedValue(4294967296)},
		{name: "S32 溢位", code: DecodeS32BE, value: SignedValue(2147483648)},
		{name: "F32 有限值超出範圍", code: DecodeF32BE, value: FloatValue(1e39)},
		{name: "整數代碼收到 NaN", code: DecodeU16BE, value: FloatValue(math.NaN())},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.value, tt.code)
			require.Error(t, err, "應回傳範圍錯誤")
			assert.True(t, errors.Is(err, ErrRange), "錯誤應屬於 ErrRange 類別")
		})
	}
}

func TestEncodeFloatSpecials(t *testing.T) {
	// NaN 與無窮大是合法的 IEEE-754 位型樣，浮點代碼必須能承載
	words, err := Encode(FloatValue(math.NaN()), DecodeF32BE)
	require.NoError(t, err, "浮點代碼應接受 NaN")
	got, err := Decode(words, DecodeF32BE)
	require.NoError(t, err)
	assert.True(t, math.IsNaN(got.Float64()), "NaN 應往返保留")

	words, err = Encode(FloatValue(math.Inf(1)), DecodeF64BE)
	require.NoError(t, err, "浮點代碼應接受無窮大")
	got, err = Decode(words, DecodeF64BE)
	require.NoError(t, err)
	assert.True(t, math.IsInf(got.Float64(), 1), "正無窮應往返保留")
}

func TestParseDecodeCode(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    DecodeCode
		wantErr bool
	}{
		{name: "標準格式", input: "0x41", want: DecodeS32BE},
		{name: "大寫前綴", input: "0X42", want: DecodeF32BE},
		{name: "無前綴", input: "41", want: DecodeS32BE},
		{name: "前後空白", input: " 0x10 ", want: DecodeU8},
		{name: "未知代碼", input: "0x99", wantErr: true},
		{name: "非十六進位", input: "0xZZ", wantErr: true},
		{name: "空字串", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDecodeCode(tt.input)
			if tt.wantErr {
				require.Error(t, err, "應回傳解析錯誤")
				assert.True(t, errors.Is(err, ErrFormat), "錯誤應屬於 ErrFormat 類別")
				return
			}
			require.NoError(t, err, "解析不應出錯")
			assert.Equal(t, tt.want, got, "解析結果應一致")
		})
	}
}

func TestDecodeCodeAttributes(t *testing.T) {
	assert.Equal(t, 1, DecodeU8.Registers(), "8位代碼佔 1 個暫存器")
	assert.Equal(t, 1, DecodeU16BE.Registers(), "16位代碼佔 1 個暫存器")
	assert.Equal(t, 2, DecodeF32BE.Registers(), "32位代碼佔 2 個暫存器")
	assert.Equal(t, 4, DecodeF64BE.Registers(), "64位代碼佔 4 個暫存器")
	assert.Equal(t, 0, DecodeCode(0x99).Registers(), "未知代碼佔 0 個暫存器")

	assert.True(t, DecodeF32BE.IsFloat(), "0x42 為浮點代碼")
	assert.False(t, DecodeS32BE.IsFloat(), "0x41 非浮點代碼")
	assert.True(t, DecodeS32BE.IsSigned(), "0x41 為有符號代碼")
	assert.False(t, DecodeU32BE.IsSigned(), "0x40 非有符號代碼")
	assert.Equal(t, "0x41", DecodeS32BE.String())

	codes := DecodeCodes()
	assert.Len(t, codes, 26, "解碼代碼表應有 26 個代碼")
	for i := 1; i < len(codes); i++ {
		assert.Less(t, codes[i-1], codes[i], "代碼列表應升冪排列")
	}
}

func BenchmarkDecodeF32(b *testing.B) {
	words := []uint16{0x429C, 0x8000}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Decode(words, DecodeF32BE)
	}
}

func BenchmarkEncodeS32(b *testing.B) {
	v := SignedValue(-123456)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = Encode(v, DecodeS32LES)
	}
}
