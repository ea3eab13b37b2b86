package main

import (
	"encoding/binary"
	"fmt"

	"github.com/tbrandon/mbserver"
)

// ModbusError Modbus 例外回應
type ModbusError struct {
	Code uint8
}

func (e *ModbusError) Error() string {
	switch e.Code {
	case ExceptionCodeIllegalFunction:
		return "非法功能碼"
	case ExceptionCodeIllegalDataAddress:
		return "非法資料位址"
	case ExceptionCodeIllegalDataValue:
		return "非法資料值"
	case ExceptionCodeSlaveDeviceFailure:
		return "從站設備故障"
	case ExceptionCodeAcknowledge:
		return "確認"
	case ExceptionCodeSlaveDeviceBusy:
		return "從站設備忙碌"
	default:
		return fmt.Sprintf("例外碼 0x%02X", e.Code)
	}
}

func exceptionText(code uint8) string {
	return (&ModbusError{Code: code}).Error()
}

// requestAddrCount 解析請求資料前四個位元組: 起始位址 + 數量/值
func requestAddrCount(data []byte) (addr, count uint16, ok bool) {
	if len(data) < 4 {
		return 0, 0, false
	}
	return binary.BigEndian.Uint16(data[0:2]), binary.BigEndian.Uint16(data[2:4]), true
}

// handleReadBits 處理 FC 01/02 位元類讀取
func (s *SlaveServer) handleReadBits(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	funcCode := frame.GetFunction()
	addr, count, ok := requestAddrCount(frame.GetData())
	if !ok || count < 1 || count > MaxCoilsPerRead {
		s.captureRequest(funcCode, addr, count, frame.Bytes(), exceptionText(ExceptionCodeIllegalDataValue))
		s.recordRequest(true)
		return []byte{}, &mbserver.IllegalDataValue
	}

	if s.applyFaults() {
		s.captureRequest(funcCode, addr, count, frame.Bytes(), exceptionText(ExceptionCodeSlaveDeviceBusy))
		s.recordRequest(true)
		return []byte{}, &mbserver.SlaveDeviceBusy
	}

	words, err := s.bank.ReadSpan(funcCode, addr, count)
	if err != nil {
		s.captureRequest(funcCode, addr, count, frame.Bytes(), exceptionText(ExceptionCodeIllegalDataAddress))
		s.recordRequest(true)
		return []byte{}, &mbserver.IllegalDataAddress
	}

	s.captureRequest(funcCode, addr, count, frame.Bytes(), "")
	s.recordRequest(false)

	packed := BitsToBytes(words)
	data := make([]byte, 1+len(packed))
	data[0] = byte(len(packed))
	copy(data[1:], packed)
	return data, &mbserver.Success
}

// handleReadWords 處理 FC 03/04 字組類讀取
func (s *SlaveServer) handleReadWords(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	funcCode := frame.GetFunction()
	addr, count, ok := requestAddrCount(frame.GetData())
	if !ok || count < 1 || count > MaxRegistersPerRead {
		s.captureRequest(funcCode, addr, count, frame.Bytes(), exceptionText(ExceptionCodeIllegalDataValue))
		s.recordRequest(true)
		return []byte{}, &mbserver.IllegalDataValue
	}

	if s.applyFaults() {
		s.captureRequest(funcCode, addr, count, frame.Bytes(), exceptionText(ExceptionCodeSlaveDeviceBusy))
		s.recordRequest(true)
		return []byte{}, &mbserver.SlaveDeviceBusy
	}

	words, err := s.bank.ReadSpan(funcCode, addr, count)
	if err != nil {
		s.captureRequest(funcCode, addr, count, frame.Bytes(), exceptionText(ExceptionCodeIllegalDataAddress))
		s.recordRequest(true)
		return []byte{}, &mbserver.IllegalDataAddress
	}

	s.captureRequest(funcCode, addr, count, frame.Bytes(), "")
	s.recordRequest(false)

	payload := RegistersToBytes(words)
	data := make([]byte, 1+len(payload))
	data[0] = byte(len(payload))
	copy(data[1:], payload)
	return data, &mbserver.Success
}

// handleWriteSingleCoil 處理 FC 05 寫入單一線圈
func (s *SlaveServer) handleWriteSingleCoil(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	funcCode := frame.GetFunction()
	data := frame.GetData()
	addr, value, ok := requestAddrCount(data)
	if !ok || (value != CoilOn && value != CoilOff) {
		s.captureRequest(funcCode, addr, 1, frame.Bytes(), exceptionText(ExceptionCodeIllegalDataValue))
		s.recordRequest(true)
		return []byte{}, &mbserver.IllegalDataValue
	}

	if s.applyFaults() {
		s.captureRequest(funcCode, addr, 1, frame.Bytes(), exceptionText(ExceptionCodeSlaveDeviceBusy))
		s.recordRequest(true)
		return []byte{}, &mbserver.SlaveDeviceBusy
	}

	word := uint16(0)
	if value == CoilOn {
		word = 1
	}
	if err := s.bank.WriteSpan(funcCode, addr, []uint16{word}); err != nil {
		s.captureRequest(funcCode, addr, 1, frame.Bytes(), exceptionText(ExceptionCodeIllegalDataAddress))
		s.recordRequest(true)
		return []byte{}, &mbserver.IllegalDataAddress
	}

	s.captureRequest(funcCode, addr, 1, frame.Bytes(), "")
	s.recordRequest(false)
	s.notifyWrites(funcCode, addr, 1)

	return data[0:4], &mbserver.Success
}

// handleWriteSingleRegister 處理 FC 06 寫入單一暫存器
func (s *SlaveServer) handleWriteSingleRegister(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	funcCode := frame.GetFunction()
	data := frame.GetData()
	addr, value, ok := requestAddrCount(data)
	if !ok {
		s.captureRequest(funcCode, addr, 1, frame.Bytes(), exceptionText(ExceptionCodeIllegalDataValue))
		s.recordRequest(true)
		return []byte{}, &mbserver.IllegalDataValue
	}

	if s.applyFaults() {
		s.captureRequest(funcCode, addr, 1, frame.Bytes(), exceptionText(ExceptionCodeSlaveDeviceBusy))
		s.recordRequest(true)
		return []byte{}, &mbserver.SlaveDeviceBusy
	}

	if err := s.bank.WriteSpan(funcCode, addr, []uint16{value}); err != nil {
		s.captureRequest(funcCode, addr, 1, frame.Bytes(), exceptionText(ExceptionCodeIllegalDataAddress))
		s.recordRequest(true)
		return []byte{}, &mbserver.IllegalDataAddress
	}

	s.captureRequest(funcCode, addr, 1, frame.Bytes(), "")
	s.recordRequest(false)
	s.notifyWrites(funcCode, addr, 1)

	return data[0:4], &mbserver.Success
}

// handleWriteMultipleCoils 處理 FC 15 寫入多個線圈
func (s *SlaveServer) handleWriteMultipleCoils(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	funcCode := frame.GetFunction()
	data := frame.GetData()
	addr, count, ok := requestAddrCount(data)
	byteCount := (int(count) + 7) / 8
	if !ok || count < 1 || count > MaxCoilsPerWrite ||
		len(data) < 5 || int(data[4]) != byteCount || len(data) < 5+byteCount {
		s.captureRequest(funcCode, addr, count, frame.Bytes(), exceptionText(ExceptionCodeIllegalDataValue))
		s.recordRequest(true)
		return []byte{}, &mbserver.IllegalDataValue
	}

	if s.applyFaults() {
		s.captureRequest(funcCode, addr, count, frame.Bytes(), exceptionText(ExceptionCodeSlaveDeviceBusy))
		s.recordRequest(true)
		return []byte{}, &mbserver.SlaveDeviceBusy
	}

	words := BytesToBits(data[5:5+byteCount], int(count))
	if err := s.bank.WriteSpan(funcCode, addr, words); err != nil {
		s.captureRequest(funcCode, addr, count, frame.Bytes(), exceptionText(ExceptionCodeIllegalDataAddress))
		s.recordRequest(true)
		return []byte{}, &mbserver.IllegalDataAddress
	}

	s.captureRequest(funcCode, addr, count, frame.Bytes(), "")
	s.recordRequest(false)
	s.notifyWrites(funcCode, addr, count)

	return data[0:4], &mbserver.Success
}

// handleWriteMultipleRegisters 處理 FC 16 寫入多個暫存器
func (s *SlaveServer) handleWriteMultipleRegisters(_ *mbserver.Server, frame mbserver.Framer) ([]byte, *mbserver.Exception) {
	funcCode := frame.GetFunction()
	data := frame.GetData()
	addr, count, ok := requestAddrCount(data)
	byteCount := int(count) * 2
	if !ok || count < 1 || count > MaxRegistersPerWrite ||
		len(data) < 5 || int(data[4]) != byteCount || len(data) < 5+byteCount {
		s.captureRequest(funcCode, addr, count, frame.Bytes(), exceptionText(ExceptionCodeIllegalDataValue))
		s.recordRequest(true)
		return []byte{}, &mbserver.IllegalDataValue
	}

	if s.applyFaults() {
		s.captureRequest(funcCode, addr, count, frame.Bytes(), exceptionText(ExceptionCodeSlaveDeviceBusy))
		s.recordRequest(true)
		return []byte{}, &mbserver.SlaveDeviceBusy
	}

	words := BytesToRegisters(data[5 : 5+byteCount])
	if err := s.bank.WriteSpan(funcCode, addr, words); err != nil {
		s.captureRequest(funcCode, addr, count, frame.Bytes(), exceptionText(ExceptionCodeIllegalDataAddress))
		s.recordRequest(true)
		return []byte{}, &mbserver.IllegalDataAddress
	}

	s.captureRequest(funcCode, addr, count, frame.Bytes(), "")
	s.recordRequest(false)
	s.notifyWrites(funcCode, addr, count)

	return data[0:4], &mbserver.Success
}
