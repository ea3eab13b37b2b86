package main

import (
	"errors"
	"fmt"
)

// 錯誤分類哨兵，呼叫端以 errors.Is 判別錯誤族系
var (
	// ErrFormat 編解碼格式錯誤 (字數不符、未知解碼代碼)
	ErrFormat = errors.New("格式錯誤")

	// ErrRange 數值超出目標寬度/符號可表示範圍
	ErrRange = errors.New("數值超出範圍")

	// ErrDivision 反向縮放時乘係數為零
	ErrDivision = errors.New("乘係數為零")

	// ErrTransport 外部傳輸失敗 (可恢復，保留上次數值)
	ErrTransport = errors.New("傳輸失敗")

	// ErrBusy 裝置已有讀取進行中 (不排隊，直接拒絕)
	ErrBusy = errors.New("裝置忙碌中")

	// ErrOverlap 暫存器範圍衝突 (建立測點時拒絕)
	ErrOverlap = errors.New("暫存器範圍重疊")

	// ErrUnsupported 協議能力不支援此操作 (推送型協議拒絕輪詢等)
	ErrUnsupported = errors.New("不支援的操作")
)

// FormatError 編解碼格式錯誤詳情
type FormatError struct {
	Code DecodeCode
	Want int
	Got  int
}

func (e *FormatError) Error() string {
	if e.Want != e.Got {
		return fmt.Sprintf("解碼代碼 %s 需要 %d 個暫存器，收到 %d 個", e.Code, e.Want, e.Got)
	}
	return fmt.Sprintf("無效的解碼代碼: %s", e.Code)
}

func (e *FormatError) Unwrap() error { return ErrFormat }

// RangeError 數值不可表示詳情
type RangeError struct {
	Code  DecodeCode
	Value float64
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("數值 %v 無法以解碼代碼 %s 表示", e.Value, e.Code)
}

func (e *RangeError) Unwrap() error { return ErrRange }

// OverlapError 暫存器範圍衝突詳情
type OverlapError struct {
	SlaveID  uint8
	FuncCode uint8
	Code     string // 既有測點編碼
	Start    uint16
	End      uint16 // 含
}

func (e *OverlapError) Error() string {
	return fmt.Sprintf("從站 %d 功能碼 %d 位址 0x%04X-0x%04X 已被測點 %s 佔用",
		e.SlaveID, e.FuncCode, e.Start, e.End, e.Code)
}

func (e *OverlapError) Unwrap() error { return ErrOverlap }

// transportError 包裝底層 I/O 錯誤
func transportError(err error) error {
	return fmt.Errorf("%w: %v", ErrTransport, err)
}
