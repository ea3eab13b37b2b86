package main

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterBankSpans(t *testing.T) {
	bank := NewRegisterBank(1024)

	// 保持暫存器
	err := bank.WriteSpan(FuncCodeReadHoldingRegisters, 10, []uint16{0xAAAA, 0xBBBB, 0xCCCC})
	require.NoError(t, err)
	words, err := bank.ReadSpan(FuncCodeReadHoldingRegisters, 10, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0xAAAA, 0xBBBB, 0xCCCC}, words)

	// 輸入暫存器與保持暫存器是獨立位址空間
	words, err = bank.ReadSpan(FuncCodeReadInputRegisters, 10, 3)
	require.NoError(t, err)
	assert.Equal(t, []uint16{0, 0, 0}, words, "寫保持區不影響輸入區")

	err = bank.WriteSpan(FuncCodeReadInputRegisters, 10, []uint16{0x1234})
	require.NoError(t, err)
	val, err := bank.ReadWord(FuncCodeReadInputRegisters, 10)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), val)

	// 線圈以 0/1 字讀寫，非零值正規化為 1
	err = bank.WriteSpan(FuncCodeReadCoils, 0, []uint16{1, 0, 0xFF00, 1, 0})
	require.NoError(t, err)
	bits, err := bank.ReadSpan(FuncCodeReadCoils, 0, 5)
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 0, 1, 1, 0}, bits)

	// 離散輸入
	err = bank.WriteSpan(FuncCodeReadDiscreteInputs, 5, []uint16{1})
	require.NoError(t, err)
	val, err = bank.ReadWord(FuncCodeReadDiscreteInputs, 5)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), val)

	// 寫入功能碼落在對應的暫存器區
	err = bank.WriteSpan(FuncCodeWriteSingleRegister, 20, []uint16{0x5678})
	require.NoError(t, err)
	val, err = bank.ReadWord(FuncCodeReadHoldingRegisters, 20)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x5678), val, "FC06 與 FC03 共用保持區")
}

func TestRegisterBankBounds(t *testing.T) {
	bank := NewRegisterBank(16)

	_, err := bank.ReadSpan(FuncCodeReadHoldingRegisters, 15, 2)
	assert.ErrorIs(t, err, ErrRange)

	_, err = bank.ReadSpan(FuncCodeReadCoils, 0, 0)
	assert.ErrorIs(t, err, ErrRange, "零長度讀取應拒絕")

	err = bank.WriteSpan(FuncCodeReadHoldingRegisters, 14, []uint16{1, 2, 3})
	assert.ErrorIs(t, err, ErrRange)

	_, err = bank.ReadSpan(0x07, 0, 1)
	assert.ErrorIs(t, err, ErrFormat, "未知功能碼")
}

func TestRegisterBankDefaultSize(t *testing.T) {
	bank := NewRegisterBank(0)

	// 預設大小涵蓋完整 16 位位址空間
	err := bank.WriteSpan(FuncCodeReadHoldingRegisters, 0xFFFF, []uint16{0xDEAD})
	require.NoError(t, err)
	val, err := bank.ReadWord(FuncCodeReadHoldingRegisters, 0xFFFF)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xDEAD), val)
}

func TestRegisterBankSnapshotsAreCopies(t *testing.T) {
	bank := NewRegisterBank(32)
	require.NoError(t, bank.WriteSpan(FuncCodeReadHoldingRegisters, 0, []uint16{7}))
	require.NoError(t, bank.WriteSpan(FuncCodeReadCoils, 0, []uint16{1}))

	holding := bank.SnapshotHolding()
	coils := bank.SnapshotCoils()
	holding[0] = 99
	coils[0] = false

	val, err := bank.ReadWord(FuncCodeReadHoldingRegisters, 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(7), val, "改副本不影響本體")
	bit, err := bank.ReadWord(FuncCodeReadCoils, 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), bit)
}

func TestRegisterBankReset(t *testing.T) {
	bank := NewRegisterBank(32)
	require.NoError(t, bank.WriteSpan(FuncCodeReadCoils, 1, []uint16{1}))
	require.NoError(t, bank.WriteSpan(FuncCodeReadDiscreteInputs, 2, []uint16{1}))
	require.NoError(t, bank.WriteSpan(FuncCodeReadInputRegisters, 3, []uint16{0x1111}))
	require.NoError(t, bank.WriteSpan(FuncCodeReadHoldingRegisters, 4, []uint16{0x2222}))

	bank.Reset()

	for _, fc := range []uint8{
		FuncCodeReadCoils,
		FuncCodeReadDiscreteInputs,
		FuncCodeReadInputRegisters,
		FuncCodeReadHoldingRegisters,
	} {
		words, err := bank.ReadSpan(fc, 0, 8)
		require.NoError(t, err)
		assert.Equal(t, make([]uint16, 8), words, "功能碼 0x%02X 區應歸零", fc)
	}
}

func TestRegisterBankConcurrent(t *testing.T) {
	bank := NewRegisterBank(256)
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			bank.WriteSpan(FuncCodeReadHoldingRegisters, uint16(idx), []uint16{uint16(idx)})
			bank.ReadSpan(FuncCodeReadHoldingRegisters, 0, 100)
			bank.SnapshotHolding()
		}(i)
	}
	wg.Wait()

	for i := 0; i < 100; i++ {
		val, err := bank.ReadWord(FuncCodeReadHoldingRegisters, uint16(i))
		require.NoError(t, err)
		assert.Equal(t, uint16(i), val)
	}
}

func TestRegistersToBytes(t *testing.T) {
	registers := []uint16{0x0102, 0x0304}
	bytes := RegistersToBytes(registers)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04}, bytes)
}

func TestBytesToRegisters(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04}
	registers := BytesToRegisters(data)
	assert.Equal(t, []uint16{0x0102, 0x0304}, registers)
}

func TestBitsToBytes(t *testing.T) {
	bits := []uint16{1, 0, 1, 0, 0, 0, 0, 1}
	assert.Equal(t, []byte{0x85}, BitsToBytes(bits)) // 10000101

	// 不足一個位元組時補零
	assert.Equal(t, []byte{0x05}, BitsToBytes([]uint16{1, 0, 1}))
}

func TestBytesToBits(t *testing.T) {
	bits := BytesToBits([]byte{0x85}, 8)
	assert.Equal(t, []uint16{1, 0, 1, 0, 0, 0, 0, 1}, bits)

	// 只展開要求的位元數
	assert.Equal(t, []uint16{1, 0, 1}, BytesToBits([]byte{0x85}, 3))
}

func BenchmarkRegisterBankReadSpan(b *testing.B) {
	bank := NewRegisterBank(DefaultRegisterBankSize)
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		bank.ReadSpan(FuncCodeReadHoldingRegisters, 100, 10)
	}
}

func BenchmarkRegisterBankWriteSpan(b *testing.B) {
	bank := NewRegisterBank(DefaultRegisterBankSize)
	words := []uint16{1, 2, 3, 4}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		bank.WriteSpan(FuncCodeReadHoldingRegisters, 100, words)
	}
}
