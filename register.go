package main

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// DefaultRegisterBankSize 每個暫存器區的預設大小 (覆蓋完整 16 位位址空間)
const DefaultRegisterBankSize = 65536

// RegisterBank 單一從站的四區暫存器影像
// 線圈與離散輸入以 bool 保存，輸入與保持暫存器以 uint16 保存
// 讀寫以功能碼選區；位元區在字介面上以每位址一個 0/1 字呈現
type RegisterBank struct {
	mu sync.RWMutex

	coils            []bool   // 0x
	discreteInputs   []bool   // 1x
	inputRegisters   []uint16 // 3x
	holdingRegisters []uint16 // 4x
}

// NewRegisterBank 建立暫存器影像；size 不為正時用預設大小
func NewRegisterBank(size int) *RegisterBank {
	if size <= 0 {
		size = DefaultRegisterBankSize
	}
	return &RegisterBank{
		coils:            make([]bool, size),
		discreteInputs:   make([]bool, size),
		inputRegisters:   make([]uint16, size),
		holdingRegisters: make([]uint16, size),
	}
}

// ReadSpan 依功能碼讀取一段位址，回傳字序列 (位元區為 0/1 字)
func (b *RegisterBank) ReadSpan(funcCode uint8, addr, count uint16) ([]uint16, error) {
	rt, ok := RegisterTypeOfFuncCode(funcCode)
	if !ok {
		return nil, fmt.Errorf("%w: 功能碼 0x%02X 不受支援", ErrFormat, funcCode)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	switch rt {
	case RegisterTypeCoil:
		return readBitSpan(b.coils, addr, count)
	case RegisterTypeDiscreteInput:
		return readBitSpan(b.discreteInputs, addr, count)
	case RegisterTypeInputRegister:
		return readWordSpan(b.inputRegisters, addr, count)
	default:
		return readWordSpan(b.holdingRegisters, addr, count)
	}
}

// WriteSpan 依功能碼寫入一段位址
// 模擬引擎可寫任何區；主站側的寫入限制由協議層把關
func (b *RegisterBank) WriteSpan(funcCode uint8, addr uint16, words []uint16) error {
	rt, ok := RegisterTypeOfFuncCode(funcCode)
	if !ok {
		return fmt.Errorf("%w: 功能碼 0x%02X 不受支援", ErrFormat, funcCode)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch rt {
	case RegisterTypeCoil:
		return writeBitSpan(b.coils, addr, words)
	case RegisterTypeDiscreteInput:
		return writeBitSpan(b.discreteInputs, addr, words)
	case RegisterTypeInputRegister:
		return writeWordSpan(b.inputRegisters, addr, words)
	default:
		return writeWordSpan(b.holdingRegisters, addr, words)
	}
}

// ReadWord 讀單一字 (字區) 或單一位元 (位元區)
func (b *RegisterBank) ReadWord(funcCode uint8, addr uint16) (uint16, error) {
	words, err := b.ReadSpan(funcCode, addr, 1)
	if err != nil {
		return 0, err
	}
	return words[0], nil
}

// SnapshotHolding 保持暫存器區的完整副本 (供伺服端影像同步)
func (b *RegisterBank) SnapshotHolding() []uint16 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]uint16, len(b.holdingRegisters))
	copy(out, b.holdingRegisters)
	return out
}

// SnapshotInput 輸入暫存器區的完整副本
func (b *RegisterBank) SnapshotInput() []uint16 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]uint16, len(b.inputRegisters))
	copy(out, b.inputRegisters)
	return out
}

// SnapshotCoils 線圈區的完整副本
func (b *RegisterBank) SnapshotCoils() []bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]bool, len(b.coils))
	copy(out, b.coils)
	return out
}

// SnapshotDiscrete 離散輸入區的完整副本
func (b *RegisterBank) SnapshotDiscrete() []bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]bool, len(b.discreteInputs))
	copy(out, b.discreteInputs)
	return out
}

// Reset 四個暫存器區全部歸零
func (b *RegisterBank) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clearBools(b.coils)
	clearBools(b.discreteInputs)
	clearWords(b.inputRegisters)
	clearWords(b.holdingRegisters)
}

func clearBools(space []bool) {
	for i := range space {
		space[i] = false
	}
}

func clearWords(space []uint16) {
	for i := range space {
		space[i] = 0
	}
}

func readBitSpan(space []bool, addr, count uint16) ([]uint16, error) {
	end := int(addr) + int(count)
	if count == 0 || end > len(space) {
		return nil, fmt.Errorf("%w: 位元位址超出範圍: %d-%d", ErrRange, addr, end-1)
	}
	out := make([]uint16, count)
	for i := range out {
		if space[int(addr)+i] {
			out[i] = 1
		}
	}
	return out, nil
}

func writeBitSpan(space []bool, addr uint16, words []uint16) error {
	end := int(addr) + len(words)
	if len(words) == 0 || end > len(space) {
		return fmt.Errorf("%w: 位元位址超出範圍: %d-%d", ErrRange, addr, end-1)
	}
	for i, w := range words {
		space[int(addr)+i] = w != 0
	}
	return nil
}

func readWordSpan(space []uint16, addr, count uint16) ([]uint16, error) {
	end := int(addr) + int(count)
	if count == 0 || end > len(space) {
		return nil, fmt.Errorf("%w: 暫存器位址超出範圍: %d-%d", ErrRange, addr, end-1)
	}
	out := make([]uint16, count)
	copy(out, space[addr:end])
	return out, nil
}

func writeWordSpan(space []uint16, addr uint16, words []uint16) error {
	end := int(addr) + len(words)
	if len(words) == 0 || end > len(space) {
		return fmt.Errorf("%w: 暫存器位址超出範圍: %d-%d", ErrRange, addr, end-1)
	}
	copy(space[addr:end], words)
	return nil
}

// --- 位元組/字 轉換 ---

// RegistersToBytes 暫存器字序列轉大端位元組串
func RegistersToBytes(registers []uint16) []byte {
	out := make([]byte, len(registers)*2)
	for i, reg := range registers {
		binary.BigEndian.PutUint16(out[i*2:], reg)
	}
	return out
}

// BytesToRegisters 大端位元組串轉暫存器字序列
func BytesToRegisters(data []byte) []uint16 {
	registers := make([]uint16, len(data)/2)
	for i := range registers {
		registers[i] = binary.BigEndian.Uint16(data[i*2:])
	}
	return registers
}

// BitsToBytes 位元序列打包為位元組串 (LSB 在前，Modbus 線圈慣例)
func BitsToBytes(bits []uint16) []byte {
	out := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b != 0 {
			out[i/8] |= 1 << uint(i%8)
		}
	}
	return out
}

// BytesToBits 位元組串展開為 0/1 字序列
func BytesToBits(data []byte, count int) []uint16 {
	out := make([]uint16, count)
	for i := 0; i < count; i++ {
		if data[i/8]&(1<<uint(i%8)) != 0 {
			out[i] = 1
		}
	}
	return out
}
