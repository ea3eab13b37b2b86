package main

import "fmt"

// Scaling 工程值縮放係數
// 正向換算 real = raw*Mul + Add，反向換算 raw = (real-Add)/Mul
// 反向結果是未捨入的 float64，整數解碼代碼的捨入發生在 Encode
type Scaling struct {
	Mul float64
	Add float64
}

// IdentityScaling 恆等縮放 (mul=1, add=0)
func IdentityScaling() Scaling {
	return Scaling{Mul: 1}
}

// IsIdentity 是否為恆等縮放
func (s Scaling) IsIdentity() bool {
	return s.Mul == 1 && s.Add == 0
}

// ToReal 原始值換算為工程值
func (s Scaling) ToReal(raw float64) float64 {
	return raw*s.Mul + s.Add
}

// ToRaw 工程值反向換算為原始值
// Mul 為零時回傳 ErrDivision，不得以 NaN 或 Inf 靜默通過
func (s Scaling) ToRaw(real float64) (float64, error) {
	if s.Mul == 0 {
		return 0, fmt.Errorf("%w: 縮放係數 mul 為零，無法反向換算", ErrDivision)
	}
	return (real - s.Add) / s.Mul, nil
}

// RealOf 依框架類別計算工程值；遙信與遙控不經縮放
func RealOf(frame FrameType, s Scaling, v Value) float64 {
	if frame.BypassScaling() {
		return v.Float64()
	}
	return s.ToReal(v.Float64())
}

// RawOf 依框架類別把工程值換算回原始值；遙信與遙控原樣通過
func RawOf(frame FrameType, s Scaling, real float64) (float64, error) {
	if frame.BypassScaling() {
		return real, nil
	}
	return s.ToRaw(real)
}
