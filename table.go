package main

import (
	"fmt"
	"strings"
)

// DefaultTablePageSize 點位表預設每頁筆數
const DefaultTablePageSize = 50

// TableQuery 點位表查詢條件；零值代表不過濾、取第一頁
type TableQuery struct {
	SlaveID  *uint8      // nil 不過濾
	Name     string      // 名稱或代碼子字串，不分大小寫
	Frames   []FrameType // 空切片不過濾
	Page     int         // 1 起算
	PageSize int
}

// TableRow 點位表的一列，欄位即匯出表頭
type TableRow struct {
	SlaveID     uint8
	Address     uint16
	AddressHex  string
	Bit         int
	FuncCode    uint8
	Decode      DecodeCode
	Name        string
	Code        string
	RegisterHex string // 各字 %04X 空格相連；尚無值為空
	Real        float64
	HasValue    bool
	Mul         float64
	Add         float64
	Frame       FrameType
	Unit        string
	Enabled     bool
}

// BuildTable 過濾、排序並分頁點位表
// 回傳當頁資料與過濾後總筆數；頁碼超出範圍回空頁
func BuildTable(table *PointTable, q TableQuery, current func(code string) (PointValue, bool)) ([]TableRow, int) {
	points := table.All()

	var frames map[FrameType]struct{}
	if len(q.Frames) > 0 {
		frames = make(map[FrameType]struct{}, len(q.Frames))
		for _, f := range q.Frames {
			frames[f] = struct{}{}
		}
	}
	needle := strings.ToLower(strings.TrimSpace(q.Name))

	filtered := points[:0]
	for _, p := range points {
		if q.SlaveID != nil && p.SlaveID != *q.SlaveID {
			continue
		}
		if frames != nil {
			if _, ok := frames[p.Frame]; !ok {
				continue
			}
		}
		if needle != "" &&
			!strings.Contains(strings.ToLower(p.Name), needle) &&
			!strings.Contains(strings.ToLower(p.Code), needle) {
			continue
		}
		filtered = append(filtered, p)
	}

	total := len(filtered)

	page := q.Page
	if page < 1 {
		page = 1
	}
	size := q.PageSize
	if size < 1 {
		size = DefaultTablePageSize
	}
	start := (page - 1) * size
	if start >= total {
		return []TableRow{}, total
	}
	end := start + size
	if end > total {
		end = total
	}

	rows := make([]TableRow, 0, end-start)
	for _, p := range filtered[start:end] {
		row := TableRow{
			SlaveID:    p.SlaveID,
			Address:    p.Address,
			AddressHex: fmt.Sprintf("0x%04X", p.Address),
			Bit:        p.Bit,
			FuncCode:   p.FuncCode,
			Decode:     p.Decode,
			Name:       p.Name,
			Code:       p.Code,
			Mul:        p.Scaling.Mul,
			Add:        p.Scaling.Add,
			Frame:      p.Frame,
			Unit:       p.Unit,
			Enabled:    p.Enabled,
		}
		if current != nil {
			if pv, ok := current(p.Code); ok {
				row.Real = pv.Real
				row.HasValue = true
				row.RegisterHex = registerHex(pv.Words)
			}
		}
		rows = append(rows, row)
	}

	return rows, total
}

// registerHex 字序列的十六進位呈現，如 "429C 0000"
func registerHex(words []uint16) string {
	if len(words) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, w := range words {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%04X", w)
	}
	return sb.String()
}

// TableHeader 匯出表頭欄位，順序與 TableRow 對齊
func TableHeader() []string {
	return []string{
		"slave_id", "address", "address_hex", "bit", "func_code", "decode_code",
		"name", "code", "register_hex", "real_value", "mul_coe", "add_coe",
		"frame_type", "unit", "enable",
	}
}

// FormatTableRow 把一列展平成字串切片，順序與 TableHeader 對齊
func FormatTableRow(r TableRow) []string {
	bit := ""
	if r.Bit >= 0 {
		bit = fmt.Sprintf("%d", r.Bit)
	}
	real := ""
	if r.HasValue {
		real = fmt.Sprintf("%g", r.Real)
	}
	return []string{
		fmt.Sprintf("%d", r.SlaveID),
		fmt.Sprintf("%d", r.Address),
		r.AddressHex,
		bit,
		fmt.Sprintf("0x%02X", r.FuncCode),
		r.Decode.String(),
		r.Name,
		r.Code,
		r.RegisterHex,
		real,
		fmt.Sprintf("%g", r.Mul),
		fmt.Sprintf("%g", r.Add),
		r.Frame.String(),
		r.Unit,
		fmt.Sprintf("%t", r.Enabled),
	}
}
