package main

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultCaptureCapacity 報文環形緩衝的預設容量
const DefaultCaptureCapacity = 1000

// MessageDirection 報文方向
type MessageDirection int

const (
	MessageTX MessageDirection = iota // 送往受測裝置
	MessageRX                        // 自受測裝置收到
)

func (d MessageDirection) String() string {
	if d == MessageRX {
		return "RX"
	}
	return "TX"
}

// MessageRecord 一筆報文紀錄
type MessageRecord struct {
	Seq       uint64
	Time      time.Time
	Direction MessageDirection
	SlaveID   uint8
	FuncCode  uint8
	Address   uint16
	Count     uint16
	Frame     []byte // 渲染後的線路幀
	Summary   string // 人可讀摘要
	Err       string // 失敗時的錯誤描述
}

// Hex 大寫十六進位傾印 (空白分隔)，供顯示用
func (r MessageRecord) Hex() string {
	var b strings.Builder
	for i, by := range r.Frame {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%02X", by)
	}
	return b.String()
}

// MessageCapture 報文擷取
// 固定容量環形緩衝：寫滿後淘汰最舊，清除為原子操作，序號跨清除單調遞增
type MessageCapture struct {
	mu   sync.Mutex
	buf  []MessageRecord
	head int // 下一個寫入位置
	size int
	seq  uint64
}

// NewMessageCapture 建立報文擷取緩衝；容量小於 1 時用預設值
func NewMessageCapture(capacity int) *MessageCapture {
	if capacity < 1 {
		capacity = DefaultCaptureCapacity
	}
	return &MessageCapture{buf: make([]MessageRecord, capacity)}
}

// Append 寫入一筆紀錄，自動補上序號與時間，回傳寫入後的紀錄
func (c *MessageCapture) Append(r MessageRecord) MessageRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	r.Seq = c.seq
	if r.Time.IsZero() {
		r.Time = time.Now()
	}
	c.buf[c.head] = r
	c.head = (c.head + 1) % len(c.buf)
	if c.size < len(c.buf) {
		c.size++
	}
	return r
}

// Recent 取最近 limit 筆紀錄，最新在最後；limit 不為正時取全部
func (c *MessageCapture) Recent(limit int) []MessageRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]MessageRecord, n)
	for i := 0; i < n; i++ {
		idx := ((c.head-n+i)%len(c.buf) + len(c.buf)) % len(c.buf)
		out[i] = c.buf[idx]
	}
	return out
}

// Clear 清空緩衝；序號不歸零
func (c *MessageCapture) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.head = 0
	c.size = 0
}

// Len 目前筆數
func (c *MessageCapture) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

// Capacity 緩衝容量
func (c *MessageCapture) Capacity() int {
	return len(c.buf)
}

// Total 歷來寫入總筆數 (含被淘汰的)
func (c *MessageCapture) Total() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// --- 幀渲染 ---

// FuncCodeName 功能碼的人可讀名稱
func FuncCodeName(funcCode uint8) string {
	switch funcCode {
	case FuncCodeReadCoils:
		return "讀線圈"
	case FuncCodeReadDiscreteInputs:
		return "讀離散輸入"
	case FuncCodeReadHoldingRegisters:
		return "讀保持暫存器"
	case FuncCodeReadInputRegisters:
		return "讀輸入暫存器"
	case FuncCodeWriteSingleCoil:
		return "寫單一線圈"
	case FuncCodeWriteSingleRegister:
		return "寫單一暫存器"
	case FuncCodeWriteMultipleCoils:
		return "寫多重線圈"
	case FuncCodeWriteMultipleRegisters:
		return "寫多重暫存器"
	default:
		return fmt.Sprintf("功能碼 0x%02X", funcCode)
	}
}

// SummarizeRequest 產生請求摘要，如「讀保持暫存器 slave=1 addr=0x0000 count=2」
func SummarizeRequest(slaveID, funcCode uint8, addr, count uint16) string {
	return fmt.Sprintf("%s slave=%d addr=0x%04X count=%d", FuncCodeName(funcCode), slaveID, addr, count)
}

// ReadRequestPDU 組讀取請求的 PDU
func ReadRequestPDU(funcCode uint8, addr, count uint16) []byte {
	return []byte{funcCode, byte(addr >> 8), byte(addr), byte(count >> 8), byte(count)}
}

// WriteRequestPDU 組寫入請求的 PDU
// 單寫功能碼帶立即值；多寫功能碼帶數量與位元組數；線圈值依 Modbus 慣例 0xFF00/0x0000
func WriteRequestPDU(funcCode uint8, addr uint16, words []uint16) []byte {
	switch funcCode {
	case FuncCodeWriteSingleCoil:
		v := CoilOff
		if len(words) > 0 && words[0] != 0 {
			v = CoilOn
		}
		return []byte{funcCode, byte(addr >> 8), byte(addr), byte(v >> 8), byte(v)}
	case FuncCodeWriteSingleRegister:
		var v uint16
		if len(words) > 0 {
			v = words[0]
		}
		return []byte{funcCode, byte(addr >> 8), byte(addr), byte(v >> 8), byte(v)}
	case FuncCodeWriteMultipleCoils:
		count := uint16(len(words))
		nbytes := (len(words) + 7) / 8
		pdu := []byte{funcCode, byte(addr >> 8), byte(addr), byte(count >> 8), byte(count), byte(nbytes)}
		bits := make([]byte, nbytes)
		for i, w := range words {
			if w != 0 {
				bits[i/8] |= 1 << uint(i%8)
			}
		}
		return append(pdu, bits...)
	default: // FuncCodeWriteMultipleRegisters
		count := uint16(len(words))
		pdu := []byte{funcCode, byte(addr >> 8), byte(addr), byte(count >> 8), byte(count), byte(2 * len(words))}
		for _, w := range words {
			pdu = append(pdu, byte(w>>8), byte(w))
		}
		return pdu
	}
}

// RenderTCPFrame 以 MBAP 標頭包裝 PDU (交易序號、協定 0、長度、單元位址)
func RenderTCPFrame(txn uint16, slaveID uint8, pdu []byte) []byte {
	length := uint16(len(pdu) + 1)
	frame := []byte{
		byte(txn >> 8), byte(txn),
		0x00, 0x00,
		byte(length >> 8), byte(length),
		slaveID,
	}
	return append(frame, pdu...)
}

// RenderRTUFrame 以從站位址與 CRC16 包裝 PDU (CRC 低位元組在前)
func RenderRTUFrame(slaveID uint8, pdu []byte) []byte {
	frame := make([]byte, 0, len(pdu)+3)
	frame = append(frame, slaveID)
	frame = append(frame, pdu...)
	crc := crc16(frame)
	return append(frame, byte(crc&0xFF), byte(crc>>8))
}

// RenderFrame 依協定種類渲染請求幀；非 Modbus 協定回傳裸 PDU
func RenderFrame(kind ProtocolKind, txn uint16, slaveID uint8, pdu []byte) []byte {
	switch kind {
	case ProtocolModbusTCP:
		return RenderTCPFrame(txn, slaveID, pdu)
	case ProtocolModbusRTU:
		return RenderRTUFrame(slaveID, pdu)
	default:
		return pdu
	}
}

// crc16 Modbus RTU 校驗 (多項式 0xA001)
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
