package main

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite 驅動
)

// PointStore 點位定義的持久層
// 裝置啟動時載入點位表，編輯操作回寫；實作須可併發呼叫
type PointStore interface {
	LoadPoints(ctx context.Context, deviceID string) ([]Point, error)
	SavePoint(ctx context.Context, deviceID string, p Point) error
	DeletePoint(ctx context.Context, deviceID, code string) error
	Close() error
}

const storeBusyTimeout = 5 * time.Second

// points 表以 (device_id, code) 為主鍵，一列一筆點位定義
const storeSchema = `
CREATE TABLE IF NOT EXISTS points (
	device_id   TEXT    NOT NULL,
	code        TEXT    NOT NULL,
	name        TEXT    NOT NULL DEFAULT '',
	frame_type  INTEGER NOT NULL,
	slave_id    INTEGER NOT NULL,
	func_code   INTEGER NOT NULL,
	reg_addr    INTEGER NOT NULL,
	bit         INTEGER NOT NULL DEFAULT -1,
	decode_code INTEGER NOT NULL,
	mul_coe     REAL    NOT NULL DEFAULT 1,
	add_coe     REAL    NOT NULL DEFAULT 0,
	min_limit   REAL    NOT NULL,
	max_limit   REAL    NOT NULL,
	reverse     INTEGER NOT NULL DEFAULT 0,
	unit        TEXT    NOT NULL DEFAULT '',
	channel_id  INTEGER NOT NULL DEFAULT 0,
	enable      INTEGER NOT NULL DEFAULT 1,
	updated_at  TEXT    NOT NULL,
	PRIMARY KEY (device_id, code)
);
CREATE INDEX IF NOT EXISTS idx_points_device ON points(device_id);
`

const pointColumns = `code, name, frame_type, slave_id, func_code, reg_addr, bit,
	decode_code, mul_coe, add_coe, min_limit, max_limit, reverse, unit, channel_id, enable`

const upsertPointSQL = `
INSERT INTO points (
	device_id, code, name, frame_type, slave_id, func_code, reg_addr, bit,
	decode_code, mul_coe, add_coe, min_limit, max_limit, reverse, unit, channel_id, enable,
	updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (device_id, code) DO UPDATE SET
	name = excluded.name, frame_type = excluded.frame_type, slave_id = excluded.slave_id,
	func_code = excluded.func_code, reg_addr = excluded.reg_addr, bit = excluded.bit,
	decode_code = excluded.decode_code, mul_coe = excluded.mul_coe, add_coe = excluded.add_coe,
	min_limit = excluded.min_limit, max_limit = excluded.max_limit, reverse = excluded.reverse,
	unit = excluded.unit, channel_id = excluded.channel_id, enable = excluded.enable,
	updated_at = excluded.updated_at`

// SQLiteStore 以單一 SQLite 檔案保存全部裝置的點位
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var _ PointStore = (*SQLiteStore)(nil)

// OpenSQLiteStore 開啟 (必要時建立) 點位庫
// WAL 模式讓讀取不被寫入擋住；連線池限制為單一連線，SQLite 只有一個寫入者
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("建立資料庫目錄失敗: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on",
		path, storeBusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("開啟資料庫失敗: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), storeBusyTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("資料庫連線驗證失敗: %w", err)
	}
	if _, err := db.ExecContext(ctx, storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化資料表失敗: %w", err)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// Path 資料庫檔案路徑
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close 關閉資料庫連線
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// LoadPoints 載入指定裝置的全部點位 (穩定排序)
func (s *SQLiteStore) LoadPoints(ctx context.Context, deviceID string) ([]Point, error) {
	query := `SELECT ` + pointColumns + ` FROM points WHERE device_id = ?
		ORDER BY slave_id, func_code, reg_addr, bit, code`
	rows, err := s.db.QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, fmt.Errorf("查詢點位失敗: %w", err)
	}
	defer rows.Close()

	var out []Point
	for rows.Next() {
		var (
			p       Point
			frame   int
			decode  uint8
			reverse int
			enable  int
		)
		err := rows.Scan(&p.Code, &p.Name, &frame, &p.SlaveID, &p.FuncCode, &p.Address, &p.Bit,
			&decode, &p.Scaling.Mul, &p.Scaling.Add, &p.MinLimit, &p.MaxLimit,
			&reverse, &p.Unit, &p.ChannelID, &enable)
		if err != nil {
			return nil, fmt.Errorf("讀取點位失敗: %w", err)
		}
		p.Frame = FrameType(frame)
		p.Decode = DecodeCode(decode)
		p.Reverse = reverse != 0
		p.Enabled = enable != 0
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("讀取點位失敗: %w", err)
	}
	return out, nil
}

// SavePoint 寫入或更新單筆點位
func (s *SQLiteStore) SavePoint(ctx context.Context, deviceID string, p Point) error {
	if err := p.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, upsertPointSQL, pointArgs(deviceID, &p, nowRFC3339())...)
	if err != nil {
		return fmt.Errorf("寫入點位 %s 失敗: %w", p.Code, err)
	}
	return nil
}

// DeletePoint 刪除單筆點位
func (s *SQLiteStore) DeletePoint(ctx context.Context, deviceID, code string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM points WHERE device_id = ? AND code = ?`, deviceID, code)
	if err != nil {
		return fmt.Errorf("刪除點位 %s 失敗: %w", code, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("刪除點位 %s 失敗: %w", code, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: 點位 %s 不存在", ErrFormat, code)
	}
	return nil
}

// ReplacePoints 以交易整批取代裝置的點位表 (CSV 匯入用)
func (s *SQLiteStore) ReplacePoints(ctx context.Context, deviceID string, points []Point) error {
	for i := range points {
		if err := points[i].Validate(); err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("開啟交易失敗: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM points WHERE device_id = ?`, deviceID); err != nil {
		return fmt.Errorf("清空裝置 %s 點位失敗: %w", deviceID, err)
	}

	stmt, err := tx.PrepareContext(ctx, upsertPointSQL)
	if err != nil {
		return fmt.Errorf("準備寫入語句失敗: %w", err)
	}
	defer stmt.Close()

	now := nowRFC3339()
	for i := range points {
		if _, err := stmt.ExecContext(ctx, pointArgs(deviceID, &points[i], now)...); err != nil {
			return fmt.Errorf("寫入點位 %s 失敗: %w", points[i].Code, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交交易失敗: %w", err)
	}
	return nil
}

// Devices 出現過點位的裝置編號 (升冪)
func (s *SQLiteStore) Devices(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT device_id FROM points ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("查詢裝置清單失敗: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("讀取裝置清單失敗: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("讀取裝置清單失敗: %w", err)
	}
	return out, nil
}

func pointArgs(deviceID string, p *Point, updatedAt string) []interface{} {
	return []interface{}{
		deviceID, p.Code, p.Name, int(p.Frame), p.SlaveID, p.FuncCode, p.Address, p.Bit,
		uint8(p.Decode), p.Scaling.Mul, p.Scaling.Add, p.MinLimit, p.MaxLimit,
		boolToInt(p.Reverse), p.Unit, p.ChannelID, boolToInt(p.Enabled),
		updatedAt,
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// formatCoefficient 係數轉字串，保留可無損還原的最短表示
func formatCoefficient(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// --- CSV 匯入/匯出 ---

// pointCSVHeader 匯出欄位；只含定義欄位，即時值不落盤
var pointCSVHeader = []string{
	"frame_type", "code", "name", "slave_id", "func_code", "reg_addr", "bit",
	"decode_code", "mul_coe", "add_coe", "min_limit", "max_limit",
	"reverse", "unit", "channel_id", "enable",
}

// csvRequiredColumns 匯入時必須存在的欄位，其餘欄位缺漏用預設值補
var csvRequiredColumns = []string{"frame_type", "code", "slave_id", "reg_addr"}

// ExportPointsCSV 點位表寫成 CSV (表頭 + 一列一點)
func ExportPointsCSV(w io.Writer, points []Point) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(pointCSVHeader); err != nil {
		return fmt.Errorf("寫入 CSV 表頭失敗: %w", err)
	}
	for i := range points {
		p := &points[i]
		record := []string{
			p.Frame.String(),
			p.Code,
			p.Name,
			strconv.Itoa(int(p.SlaveID)),
			fmt.Sprintf("0x%02X", p.FuncCode),
			strconv.Itoa(int(p.Address)),
			strconv.Itoa(p.Bit),
			p.Decode.String(),
			formatCoefficient(p.Scaling.Mul),
			formatCoefficient(p.Scaling.Add),
			formatCoefficient(p.MinLimit),
			formatCoefficient(p.MaxLimit),
			strconv.FormatBool(p.Reverse),
			p.Unit,
			strconv.FormatInt(p.ChannelID, 10),
			strconv.FormatBool(p.Enabled),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("寫入點位 %s 失敗: %w", p.Code, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ImportPointsCSV 解析 CSV 成點位清單
// 欄位順序不拘，以表頭對位；每列先套框架預設再覆寫，最後逐筆驗證
func ImportPointsCSV(r io.Reader) ([]Point, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: 讀不到 CSV 表頭", ErrFormat)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.ToLower(strings.TrimSpace(h))] = i
	}
	for _, want := range csvRequiredColumns {
		if _, ok := col[want]; !ok {
			return nil, fmt.Errorf("%w: CSV 缺少必要欄位 %s", ErrFormat, want)
		}
	}

	field := func(record []string, name string) string {
		idx, ok := col[name]
		if !ok || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	var out []Point
	seen := make(map[string]int)
	for line := 2; ; line++ {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: 第 %d 列解析失敗: %v", ErrFormat, line, err)
		}

		p, err := pointFromCSVRecord(record, field)
		if err != nil {
			return nil, fmt.Errorf("%w: 第 %d 列: %v", ErrFormat, line, err)
		}
		if prev, dup := seen[p.Code]; dup {
			return nil, fmt.Errorf("%w: 第 %d 列點位代碼 %s 與第 %d 列重複", ErrFormat, line, p.Code, prev)
		}
		seen[p.Code] = line
		out = append(out, p)
	}
	return out, nil
}

func pointFromCSVRecord(record []string, field func([]string, string) string) (Point, error) {
	frame, ok := ParseFrameType(field(record, "frame_type"))
	if !ok {
		return Point{}, fmt.Errorf("無法解析幀類型 %q", field(record, "frame_type"))
	}
	p := DefaultPoint(frame)
	p.Code = field(record, "code")
	p.Name = field(record, "name")
	p.Unit = field(record, "unit")

	if s := field(record, "slave_id"); s != "" {
		n, err := strconv.ParseUint(s, 0, 8)
		if err != nil {
			return Point{}, fmt.Errorf("從站位址 %q 無效", s)
		}
		p.SlaveID = uint8(n)
	}
	if s := field(record, "func_code"); s != "" {
		n, err := strconv.ParseUint(s, 0, 8)
		if err != nil {
			return Point{}, fmt.Errorf("功能碼 %q 無效", s)
		}
		p.FuncCode = uint8(n)
	}
	if s := field(record, "reg_addr"); s != "" {
		n, err := strconv.ParseUint(s, 0, 16)
		if err != nil {
			return Point{}, fmt.Errorf("暫存器位址 %q 無效", s)
		}
		p.Address = uint16(n)
	}
	if s := field(record, "bit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return Point{}, fmt.Errorf("位元偏移 %q 無效", s)
		}
		p.Bit = n
	}
	if s := field(record, "decode_code"); s != "" {
		code, err := ParseDecodeCode(s)
		if err != nil {
			return Point{}, fmt.Errorf("解碼代碼 %q 無效", s)
		}
		p.Decode = code
	}
	if s := field(record, "mul_coe"); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Point{}, fmt.Errorf("乘係數 %q 無效", s)
		}
		p.Scaling.Mul = f
	}
	if s := field(record, "add_coe"); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Point{}, fmt.Errorf("加係數 %q 無效", s)
		}
		p.Scaling.Add = f
	}
	if s := field(record, "min_limit"); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Point{}, fmt.Errorf("下限 %q 無效", s)
		}
		p.MinLimit = f
	}
	if s := field(record, "max_limit"); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Point{}, fmt.Errorf("上限 %q 無效", s)
		}
		p.MaxLimit = f
	}
	if s := field(record, "reverse"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return Point{}, fmt.Errorf("取反旗標 %q 無效", s)
		}
		p.Reverse = b
	}
	if s := field(record, "channel_id"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Point{}, fmt.Errorf("通道編號 %q 無效", s)
		}
		p.ChannelID = n
	}
	if s := field(record, "enable"); s != "" {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return Point{}, fmt.Errorf("啟用旗標 %q 無效", s)
		}
		p.Enabled = b
	}

	if err := p.Validate(); err != nil {
		return Point{}, err
	}
	return p, nil
}

// ExportPointsCSVFile 點位表匯出到檔案
func ExportPointsCSVFile(path string, points []Point) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("建立匯出檔失敗: %w", err)
	}
	if err := ExportPointsCSV(f, points); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ImportPointsCSVFile 從檔案匯入點位表
func ImportPointsCSVFile(path string) ([]Point, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("開啟匯入檔失敗: %w", err)
	}
	defer f.Close()
	return ImportPointsCSV(f)
}
