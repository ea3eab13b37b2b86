package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"go.uber.org/zap"
)

// TransportClient 通道傳輸介面
// 讀寫以 16 位字為單位；位元類功能碼的每個位址呈現為一個 0/1 字
type TransportClient interface {
	Read(ctx context.Context, slaveID, funcCode uint8, addr, count uint16) ([]uint16, error)
	Write(ctx context.Context, slaveID, funcCode uint8, addr uint16, words []uint16) error
	Close() error
}

var (
	_ TransportClient = (*ModbusTransport)(nil)
	_ TransportClient = (*LoopbackTransport)(nil)
)

// SerialSettings RTU 串列參數
type SerialSettings struct {
	BaudRate int
	DataBits int
	StopBits int
	Parity   string // N/E/O
}

// DefaultSerialSettings 常見的 9600 8N1
func DefaultSerialSettings() SerialSettings {
	return SerialSettings{BaudRate: 9600, DataBits: 8, StopBits: 1, Parity: "N"}
}

// ModbusTransport 透過 goburrow/modbus 連線到實際從站的傳輸
// 每次交換前設定從站位址，以互斥鎖序列化；TX/RX 報文可掛接擷取緩衝
type ModbusTransport struct {
	mu      sync.Mutex
	kind    ProtocolKind
	client  modbus.Client
	setID   func(uint8)
	closer  io.Closer
	capture *MessageCapture
	logger  *zap.Logger
	txn     uint16
}

// ModbusTransportOption 傳輸選項
type ModbusTransportOption func(*ModbusTransport)

// WithTransportCapture 掛接報文擷取緩衝
func WithTransportCapture(c *MessageCapture) ModbusTransportOption {
	return func(t *ModbusTransport) {
		t.capture = c
	}
}

// WithTransportLogger 設定傳輸日誌
func WithTransportLogger(logger *zap.Logger) ModbusTransportOption {
	return func(t *ModbusTransport) {
		t.logger = logger
	}
}

// NewModbusTCPTransport 建立 Modbus TCP 傳輸並連線
func NewModbusTCPTransport(address string, timeout time.Duration, opts ...ModbusTransportOption) (*ModbusTransport, error) {
	handler := modbus.NewTCPClientHandler(address)
	if timeout > 0 {
		handler.Timeout = timeout
	}
	if err := handler.Connect(); err != nil {
		return nil, transportError(fmt.Errorf("連線 %s 失敗: %w", address, err))
	}

	t := &ModbusTransport{
		kind:   ProtocolModbusTCP,
		client: modbus.NewClient(handler),
		setID:  func(id uint8) { handler.SlaveId = id },
		closer: handler,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// NewModbusRTUTransport 建立 Modbus RTU 傳輸並開啟串列埠
func NewModbusRTUTransport(device string, settings SerialSettings, timeout time.Duration, opts ...ModbusTransportOption) (*ModbusTransport, error) {
	handler := modbus.NewRTUClientHandler(device)
	handler.BaudRate = settings.BaudRate
	handler.DataBits = settings.DataBits
	handler.StopBits = settings.StopBits
	handler.Parity = settings.Parity
	if timeout > 0 {
		handler.Timeout = timeout
	}
	if err := handler.Connect(); err != nil {
		return nil, transportError(fmt.Errorf("開啟串列埠 %s 失敗: %w", device, err))
	}

	t := &ModbusTransport{
		kind:   ProtocolModbusRTU,
		client: modbus.NewClient(handler),
		setID:  func(id uint8) { handler.SlaveId = id },
		closer: handler,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Read 讀取一段位址
func (t *ModbusTransport) Read(ctx context.Context, slaveID, funcCode uint8, addr, count uint16) ([]uint16, error) {
	if err := ctx.Err(); err != nil {
		return nil, transportError(err)
	}
	if !isReadFuncCode(funcCode) {
		return nil, fmt.Errorf("%w: 功能碼 0x%02X 不能用於讀取", ErrFormat, funcCode)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.setID(slaveID)
	t.txn++
	t.recordLocked(MessageTX, slaveID, funcCode, addr, count, ReadRequestPDU(funcCode, addr, count), nil)

	var (
		data []byte
		err  error
	)
	switch funcCode {
	case FuncCodeReadCoils:
		data, err = t.client.ReadCoils(addr, count)
	case FuncCodeReadDiscreteInputs:
		data, err = t.client.ReadDiscreteInputs(addr, count)
	case FuncCodeReadHoldingRegisters:
		data, err = t.client.ReadHoldingRegisters(addr, count)
	default:
		data, err = t.client.ReadInputRegisters(addr, count)
	}
	if err != nil {
		t.recordLocked(MessageRX, slaveID, funcCode, addr, count, nil, err)
		t.logger.Warn("讀取失敗",
			zap.Uint8("slave_id", slaveID),
			zap.Uint8("func_code", funcCode),
			zap.Uint16("addr", addr),
			zap.Error(err))
		return nil, transportError(err)
	}

	var words []uint16
	if IsBitFuncCode(funcCode) {
		words = BytesToBits(data, int(count))
	} else {
		words = BytesToRegisters(data)
	}
	t.recordLocked(MessageRX, slaveID, funcCode, addr, count, readResponsePDU(funcCode, data), nil)
	return words, nil
}

// Write 寫入一段位址
func (t *ModbusTransport) Write(ctx context.Context, slaveID, funcCode uint8, addr uint16, words []uint16) error {
	if err := ctx.Err(); err != nil {
		return transportError(err)
	}
	if len(words) == 0 {
		return fmt.Errorf("%w: 寫入資料不可為空", ErrFormat)
	}
	if !isWriteFuncCode(funcCode) {
		return fmt.Errorf("%w: 功能碼 0x%02X 不能用於寫入", ErrFormat, funcCode)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.setID(slaveID)
	t.txn++
	count := uint16(len(words))
	t.recordLocked(MessageTX, slaveID, funcCode, addr, count, WriteRequestPDU(funcCode, addr, words), nil)

	var err error
	switch funcCode {
	case FuncCodeWriteSingleCoil:
		v := CoilOff
		if words[0] != 0 {
			v = CoilOn
		}
		_, err = t.client.WriteSingleCoil(addr, v)
	case FuncCodeWriteSingleRegister:
		_, err = t.client.WriteSingleRegister(addr, words[0])
	case FuncCodeWriteMultipleCoils:
		_, err = t.client.WriteMultipleCoils(addr, count, BitsToBytes(words))
	default:
		_, err = t.client.WriteMultipleRegisters(addr, count, RegistersToBytes(words))
	}
	if err != nil {
		t.recordLocked(MessageRX, slaveID, funcCode, addr, count, nil, err)
		t.logger.Warn("寫入失敗",
			zap.Uint8("slave_id", slaveID),
			zap.Uint8("func_code", funcCode),
			zap.Uint16("addr", addr),
			zap.Error(err))
		return transportError(err)
	}
	t.recordLocked(MessageRX, slaveID, funcCode, addr, count, WriteRequestPDU(funcCode, addr, words), nil)
	return nil
}

// Close 關閉連線
func (t *ModbusTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closer == nil {
		return nil
	}
	return t.closer.Close()
}

func (t *ModbusTransport) recordLocked(dir MessageDirection, slaveID, funcCode uint8, addr, count uint16, pdu []byte, err error) {
	if t.capture == nil {
		return
	}
	r := MessageRecord{
		Direction: dir,
		SlaveID:   slaveID,
		FuncCode:  funcCode,
		Address:   addr,
		Count:     count,
		Summary:   SummarizeRequest(slaveID, funcCode, addr, count),
	}
	if pdu != nil {
		r.Frame = RenderFrame(t.kind, t.txn, slaveID, pdu)
	}
	if err != nil {
		r.Err = err.Error()
	}
	t.capture.Append(r)
}

// readResponsePDU 讀取回應的 PDU (功能碼 + 位元組數 + 資料)
func readResponsePDU(funcCode uint8, data []byte) []byte {
	pdu := make([]byte, 0, len(data)+2)
	pdu = append(pdu, funcCode, byte(len(data)))
	return append(pdu, data...)
}

// LoopbackTransport 行程內迴路傳輸
// 讀寫行程內的暫存器影像，不經網路；伺服模式與單元測試共用
type LoopbackTransport struct {
	mu      sync.Mutex
	banks   map[uint8]*RegisterBank
	size    int
	capture *MessageCapture
	txn     uint16
}

// NewLoopbackTransport 建立迴路傳輸；capture 可為 nil
func NewLoopbackTransport(size int, capture *MessageCapture) *LoopbackTransport {
	return &LoopbackTransport{
		banks:   make(map[uint8]*RegisterBank),
		size:    size,
		capture: capture,
	}
}

// Bank 取指定從站的暫存器影像，不存在時建立
func (t *LoopbackTransport) Bank(slaveID uint8) *RegisterBank {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bankLocked(slaveID)
}

func (t *LoopbackTransport) bankLocked(slaveID uint8) *RegisterBank {
	bank, ok := t.banks[slaveID]
	if !ok {
		bank = NewRegisterBank(t.size)
		t.banks[slaveID] = bank
	}
	return bank
}

// Read 讀取一段位址
func (t *LoopbackTransport) Read(ctx context.Context, slaveID, funcCode uint8, addr, count uint16) ([]uint16, error) {
	if err := ctx.Err(); err != nil {
		return nil, transportError(err)
	}

	t.mu.Lock()
	bank := t.bankLocked(slaveID)
	t.txn++
	txn := t.txn
	t.mu.Unlock()

	t.record(MessageTX, txn, slaveID, funcCode, addr, count, ReadRequestPDU(funcCode, addr, count), nil)
	words, err := bank.ReadSpan(funcCode, addr, count)
	if err != nil {
		t.record(MessageRX, txn, slaveID, funcCode, addr, count, nil, err)
		return nil, transportError(err)
	}
	t.record(MessageRX, txn, slaveID, funcCode, addr, count, nil, nil)
	return words, nil
}

// Write 寫入一段位址
// 迴路是裝置自身的影像，讀取類功能碼也可寫入對應區 (模擬值落回離散輸入/輸入暫存器)
func (t *LoopbackTransport) Write(ctx context.Context, slaveID, funcCode uint8, addr uint16, words []uint16) error {
	if err := ctx.Err(); err != nil {
		return transportError(err)
	}
	if len(words) == 0 {
		return fmt.Errorf("%w: 寫入資料不可為空", ErrFormat)
	}

	t.mu.Lock()
	bank := t.bankLocked(slaveID)
	t.txn++
	txn := t.txn
	t.mu.Unlock()

	count := uint16(len(words))
	t.record(MessageTX, txn, slaveID, funcCode, addr, count, WriteRequestPDU(funcCode, addr, words), nil)
	if err := bank.WriteSpan(funcCode, addr, words); err != nil {
		t.record(MessageRX, txn, slaveID, funcCode, addr, count, nil, err)
		return transportError(err)
	}
	t.record(MessageRX, txn, slaveID, funcCode, addr, count, nil, nil)
	return nil
}

// Close 迴路傳輸無連線可關
func (t *LoopbackTransport) Close() error {
	return nil
}

func (t *LoopbackTransport) record(dir MessageDirection, txn uint16, slaveID, funcCode uint8, addr, count uint16, pdu []byte, err error) {
	if t.capture == nil {
		return
	}
	r := MessageRecord{
		Direction: dir,
		SlaveID:   slaveID,
		FuncCode:  funcCode,
		Address:   addr,
		Count:     count,
		Summary:   SummarizeRequest(slaveID, funcCode, addr, count),
	}
	if pdu != nil {
		r.Frame = RenderTCPFrame(txn, slaveID, pdu)
	}
	if err != nil {
		r.Err = err.Error()
	}
	t.capture.Append(r)
}
