package main

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScalingToReal(t *testing.T) {
	tests := []struct {
		name    string
		scaling Scaling
		raw     float64
		want    float64
	}{
		{name: "恆等縮放", scaling: IdentityScaling(), raw: 1234, want: 1234},
		{name: "縮小十倍", scaling: Scaling{Mul: 0.1}, raw: 1234, want: 123.4},
		{name: "含偏移", scaling: Scaling{Mul: 0.5, Add: 10}, raw: 100, want: 60},
		{name: "負係數", scaling: Scaling{Mul: -1}, raw: 50, want: -50},
		{name: "零係數正向仍合法", scaling: Scaling{Mul: 0, Add: 7}, raw: 999, want: 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.scaling.ToReal(tt.raw)
			assert.InDelta(t, tt.want, got, 1e-9, "工程值換算應正確")
		})
	}
}

func TestScalingToRaw(t *testing.T) {
	tests := []struct {
		name    string
		scaling Scaling
		real    float64
		want    float64
	}{
		{name: "恆等縮放", scaling: IdentityScaling(), real: 1234, want: 1234},
		{name: "放大十倍", scaling: Scaling{Mul: 0.1}, real: 123.4, want: 1234},
		{name: "含偏移", scaling: Scaling{Mul: 0.5, Add: 10}, real: 60, want: 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.scaling.ToRaw(tt.real)
			require.NoError(t, err, "反向換算不應出錯")
			assert.InDelta(t, tt.want, got, 1e-9, "原始值換算應正確")
		})
	}
}

func TestScalingToRawDivisionByZero(t *testing.T) {
	_, err := Scaling{Mul: 0}.ToRaw(123.4)
	require.Error(t, err, "mul 為零時反向換算應失敗")
	assert.True(t, errors.Is(err, ErrDivision), "錯誤應屬於 ErrDivision 類別")
}

func TestScalingRoundTripThroughEncode(t *testing.T) {
	// 150.0 / 0.1 的浮點結果略小於 1500，必須靠就近捨入落回 1500
	s := Scaling{Mul: 0.1}

	raw, err := s.ToRaw(150.0)
	require.NoError(t, err)

	words, err := Encode(FloatValue(raw), DecodeU16BE)
	require.NoError(t, err, "編碼不應出錯")
	assert.Equal(t, uint16(1500), words[0], "縮放後編碼應就近捨入，不得截斷成 1499")

	back, err := Decode(words, DecodeU16BE)
	require.NoError(t, err)
	assert.InDelta(t, 150.0, s.ToReal(back.Float64()), 1e-9, "往返後工程值應還原")
}

func TestScalingBypassForStatusAndControl(t *testing.T) {
	s := Scaling{Mul: 0.1, Add: 5}

	assert.Equal(t, 1.0, RealOf(FrameStatus, s, UnsignedValue(1)), "遙信不經縮放")
	assert.Equal(t, 0.0, RealOf(FrameControl, s, UnsignedValue(0)), "遙控不經縮放")
	assert.InDelta(t, 128.4, RealOf(FrameTelemetry, s, UnsignedValue(1234)), 1e-9, "遙測應套用縮放")

	raw, err := RawOf(FrameStatus, s, 1)
	require.NoError(t, err)
	assert.Equal(t, 1.0, raw, "遙信反向亦原樣通過")

	raw, err = RawOf(FrameControl, Scaling{Mul: 0}, 1)
	require.NoError(t, err, "遙控路徑即使 mul 為零也不應觸發除零")
	assert.Equal(t, 1.0, raw)

	_, err = RawOf(FrameTelemetry, Scaling{Mul: 0}, 1)
	require.Error(t, err, "遙測路徑 mul 為零應失敗")
	assert.True(t, errors.Is(err, ErrDivision))
}

func TestScalingNoSilentNaN(t *testing.T) {
	// 除零防護必須在運算前擋下，不能讓 NaN/Inf 滲入暫存器
	for _, real := range []float64{0, 1, -1, math.MaxFloat64} {
		_, err := Scaling{Mul: 0, Add: 3}.ToRaw(real)
		assert.True(t, errors.Is(err, ErrDivision), "mul=0 時任何工程值都應回傳除零錯誤")
	}
}
