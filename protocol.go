package main

import "fmt"

// Modbus 協議常數
const (
	// Modbus 功能碼
	FuncCodeReadCoils              = 0x01
	FuncCodeReadDiscreteInputs     = 0x02
	FuncCodeReadHoldingRegisters   = 0x03
	FuncCodeReadInputRegisters     = 0x04
	FuncCodeWriteSingleCoil        = 0x05
	FuncCodeWriteSingleRegister    = 0x06
	FuncCodeWriteMultipleCoils     = 0x0F
	FuncCodeWriteMultipleRegisters = 0x10

	// Modbus 異常碼
	ExceptionCodeIllegalFunction    = 0x01
	ExceptionCodeIllegalDataAddress = 0x02
	ExceptionCodeIllegalDataValue   = 0x03
	ExceptionCodeSlaveDeviceFailure = 0x04
	ExceptionCodeAcknowledge        = 0x05
	ExceptionCodeSlaveDeviceBusy    = 0x06

	// Modbus TCP 常數
	ModbusTCPHeaderLength = 7 // MBAP Header 長度
	ModbusTCPMaxADULength = 260
	ModbusTCPDefaultPort  = 502

	// 從站位址限制
	SlaveIDMin = 1
	SlaveIDMax = 255

	// 單次讀寫限制
	MaxCoilsPerRead      = 2000
	MaxRegistersPerRead  = 125
	MaxCoilsPerWrite     = 1968
	MaxRegistersPerWrite = 123

	// FC 05 線圈立即值
	CoilOn  uint16 = 0xFF00
	CoilOff uint16 = 0x0000
)

// FrameType 測點幀類型 (遙測/遙信/遙控/遙調)
type FrameType int

const (
	FrameTelemetry FrameType = iota // YC 遙測
	FrameStatus                     // YX 遙信
	FrameControl                    // YK 遙控
	FrameSetting                    // YT 遙調
)

func (ft FrameType) String() string {
	switch ft {
	case FrameTelemetry:
		return "YC"
	case FrameStatus:
		return "YX"
	case FrameControl:
		return "YK"
	case FrameSetting:
		return "YT"
	default:
		return "unknown"
	}
}

// ParseFrameType 解析幀類型 (接受 YC/YX/YK/YT 或數字 0-3)
func ParseFrameType(s string) (FrameType, bool) {
	switch s {
	case "YC", "yc", "0":
		return FrameTelemetry, true
	case "YX", "yx", "1":
		return FrameStatus, true
	case "YK", "yk", "2":
		return FrameControl, true
	case "YT", "yt", "3":
		return FrameSetting, true
	default:
		return FrameTelemetry, false
	}
}

// BypassScaling 遙信/遙控不經過係數縮放
func (ft FrameType) BypassScaling() bool {
	return ft == FrameStatus || ft == FrameControl
}

// DefaultFuncCode 各幀類型建立時的預設功能碼
func (ft FrameType) DefaultFuncCode() uint8 {
	switch ft {
	case FrameStatus:
		return FuncCodeReadDiscreteInputs
	case FrameControl:
		return FuncCodeWriteSingleCoil
	case FrameSetting:
		return FuncCodeWriteSingleRegister
	default:
		return FuncCodeReadHoldingRegisters
	}
}

// DefaultDecodeCode 各幀類型建立時的預設解碼代碼
func (ft FrameType) DefaultDecodeCode() DecodeCode {
	switch ft {
	case FrameStatus, FrameControl:
		return DecodeU8
	default:
		return DecodeS32BE
	}
}

// RegisterType 暫存器區類型
type RegisterType int

const (
	RegisterTypeCoil RegisterType = iota
	RegisterTypeDiscreteInput
	RegisterTypeInputRegister
	RegisterTypeHoldingRegister
)

func (rt RegisterType) String() string {
	switch rt {
	case RegisterTypeCoil:
		return "Coil"
	case RegisterTypeDiscreteInput:
		return "DiscreteInput"
	case RegisterTypeInputRegister:
		return "InputRegister"
	case RegisterTypeHoldingRegister:
		return "HoldingRegister"
	default:
		return "Unknown"
	}
}

// RegisterTypeOfFuncCode 功能碼所屬的暫存器區
// 同一區內的位址範圍不得重疊；不同區是獨立位址空間
func RegisterTypeOfFuncCode(funcCode uint8) (RegisterType, bool) {
	switch funcCode {
	case FuncCodeReadCoils, FuncCodeWriteSingleCoil, FuncCodeWriteMultipleCoils:
		return RegisterTypeCoil, true
	case FuncCodeReadDiscreteInputs:
		return RegisterTypeDiscreteInput, true
	case FuncCodeReadInputRegisters:
		return RegisterTypeInputRegister, true
	case FuncCodeReadHoldingRegisters, FuncCodeWriteSingleRegister, FuncCodeWriteMultipleRegisters:
		return RegisterTypeHoldingRegister, true
	default:
		return RegisterTypeHoldingRegister, false
	}
}

// IsBitFuncCode 位元類功能碼 (線圈/離散輸入)，每個位址對應一個位元
func IsBitFuncCode(funcCode uint8) bool {
	switch funcCode {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs,
		FuncCodeWriteSingleCoil, FuncCodeWriteMultipleCoils:
		return true
	default:
		return false
	}
}

// isReadFuncCode 主站可用於讀取的功能碼
func isReadFuncCode(funcCode uint8) bool {
	switch funcCode {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs,
		FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		return true
	default:
		return false
	}
}

// isWriteFuncCode 主站可用於寫入的功能碼
func isWriteFuncCode(funcCode uint8) bool {
	switch funcCode {
	case FuncCodeWriteSingleCoil, FuncCodeWriteSingleRegister,
		FuncCodeWriteMultipleCoils, FuncCodeWriteMultipleRegisters:
		return true
	default:
		return false
	}
}

// ReadFuncCodeFor 各暫存器區對應的讀取功能碼
func ReadFuncCodeFor(rt RegisterType) uint8 {
	switch rt {
	case RegisterTypeCoil:
		return FuncCodeReadCoils
	case RegisterTypeDiscreteInput:
		return FuncCodeReadDiscreteInputs
	case RegisterTypeInputRegister:
		return FuncCodeReadInputRegisters
	default:
		return FuncCodeReadHoldingRegisters
	}
}

// WriteFuncCodeFor 各暫存器區對應的寫入功能碼
// 離散輸入與輸入暫存器對遠端主站唯讀，無寫入功能碼
func WriteFuncCodeFor(rt RegisterType, count int) (uint8, error) {
	switch rt {
	case RegisterTypeCoil:
		if count > 1 {
			return FuncCodeWriteMultipleCoils, nil
		}
		return FuncCodeWriteSingleCoil, nil
	case RegisterTypeHoldingRegister:
		if count > 1 {
			return FuncCodeWriteMultipleRegisters, nil
		}
		return FuncCodeWriteSingleRegister, nil
	default:
		return 0, fmt.Errorf("%w: %s 為唯讀暫存器區，不可遠端寫入", ErrFormat, rt)
	}
}

// ProtocolKind 通道協議類型
type ProtocolKind int

const (
	ProtocolModbusTCP ProtocolKind = iota
	ProtocolModbusRTU
	ProtocolIEC104
	ProtocolMQTT
)

func (p ProtocolKind) String() string {
	switch p {
	case ProtocolModbusTCP:
		return "modbus_tcp"
	case ProtocolModbusRTU:
		return "modbus_rtu"
	case ProtocolIEC104:
		return "iec104"
	case ProtocolMQTT:
		return "mqtt"
	default:
		return "unknown"
	}
}

// ParseProtocolKind 解析協議類型
func ParseProtocolKind(s string) (ProtocolKind, bool) {
	switch s {
	case "modbus_tcp", "modbus-tcp", "tcp":
		return ProtocolModbusTCP, true
	case "modbus_rtu", "modbus-rtu", "rtu":
		return ProtocolModbusRTU, true
	case "iec104":
		return ProtocolIEC104, true
	case "mqtt":
		return ProtocolMQTT, true
	default:
		return ProtocolModbusTCP, false
	}
}

// Capabilities 協議能力旗標
// UI/API 層依旗標決定顯示哪些欄位與操作，不做字串比對
type Capabilities struct {
	SupportsFuncCode   bool // 是否使用功能碼定址
	IsPushBased        bool // 推送型協議不輪詢
	SupportsManualRead bool // 是否允許手動讀取
}

// Capabilities 取得協議能力
func (p ProtocolKind) Capabilities() Capabilities {
	switch p {
	case ProtocolModbusTCP, ProtocolModbusRTU:
		return Capabilities{SupportsFuncCode: true, IsPushBased: false, SupportsManualRead: true}
	case ProtocolIEC104:
		return Capabilities{SupportsFuncCode: false, IsPushBased: true, SupportsManualRead: false}
	case ProtocolMQTT:
		return Capabilities{SupportsFuncCode: false, IsPushBased: true, SupportsManualRead: false}
	default:
		return Capabilities{}
	}
}

// DeviceMode 裝置運行模式
type DeviceMode int

const (
	ModeClient DeviceMode = iota // 客戶端: 輪詢遠端真實設備
	ModeServer                   // 伺服端: 以 Modbus 伺服器對外發布模擬數據
)

func (m DeviceMode) String() string {
	switch m {
	case ModeClient:
		return "client"
	case ModeServer:
		return "server"
	default:
		return "unknown"
	}
}

// ParseDeviceMode 解析運行模式
func ParseDeviceMode(s string) (DeviceMode, bool) {
	switch s {
	case "client":
		return ModeClient, true
	case "server":
		return ModeServer, true
	default:
		return ModeClient, false
	}
}
