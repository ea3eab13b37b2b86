package main

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config 全域配置
type Config struct {
	Store   StoreConfig    `json:"store" mapstructure:"store"`
	Network NetworkConfig  `json:"network" mapstructure:"network"`
	Devices []DeviceConfig `json:"devices" mapstructure:"devices"`
	MQTT    MQTTConfig     `json:"mqtt" mapstructure:"mqtt"`
	Logging LoggingConfig  `json:"logging" mapstructure:"logging"`
	Metrics MetricsConfig  `json:"metrics" mapstructure:"metrics"`
}

// StoreConfig 點位庫配置；Path 為空表示點位只存在記憶體
type StoreConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// NetworkConfig 網路配置 (伺服端農場的虛擬 IP)
type NetworkConfig struct {
	Interface string    `json:"interface" mapstructure:"interface"`
	IPRanges  []IPRange `json:"ip_ranges" mapstructure:"ip_ranges"`
}

// IPRange IP 範圍
type IPRange struct {
	Start string `json:"start" mapstructure:"start"`
	End   string `json:"end" mapstructure:"end"`
	CIDR  string `json:"cidr" mapstructure:"cidr"`
}

// DeviceConfig 單一裝置配置
type DeviceConfig struct {
	ID              string        `json:"id" mapstructure:"id"`
	Name            string        `json:"name" mapstructure:"name"`
	Mode            string        `json:"mode" mapstructure:"mode"`         // client / server
	Protocol        string        `json:"protocol" mapstructure:"protocol"` // modbus_tcp / modbus_rtu / iec104 / mqtt
	Address         string        `json:"address" mapstructure:"address"`
	Serial          SerialConfig  `json:"serial" mapstructure:"serial"`
	PollInterval    time.Duration `json:"poll_interval" mapstructure:"poll_interval"`
	SimInterval     time.Duration `json:"sim_interval" mapstructure:"sim_interval"`
	Timeout         time.Duration `json:"timeout" mapstructure:"timeout"`
	CaptureCapacity int           `json:"capture_capacity" mapstructure:"capture_capacity"`
	AutoRead        bool          `json:"auto_read" mapstructure:"auto_read"`
	Seed            int64         `json:"seed" mapstructure:"seed"`
	Faults          FaultConfig   `json:"faults" mapstructure:"faults"`
	Points          []PointConfig `json:"points" mapstructure:"points"`
}

// ParseMode 解析運行模式，空字串為客戶端
func (dc *DeviceConfig) ParseMode() (DeviceMode, error) {
	if dc.Mode == "" {
		return ModeClient, nil
	}
	mode, ok := ParseDeviceMode(dc.Mode)
	if !ok {
		return ModeClient, fmt.Errorf("%w: 裝置 %s 的運行模式 %q 無效", ErrFormat, dc.ID, dc.Mode)
	}
	return mode, nil
}

// ParseProtocol 解析協議類型，空字串為 Modbus TCP
func (dc *DeviceConfig) ParseProtocol() (ProtocolKind, error) {
	if dc.Protocol == "" {
		return ProtocolModbusTCP, nil
	}
	kind, ok := ParseProtocolKind(dc.Protocol)
	if !ok {
		return ProtocolModbusTCP, fmt.Errorf("%w: 裝置 %s 的協議 %q 無效", ErrFormat, dc.ID, dc.Protocol)
	}
	return kind, nil
}

// SerialConfig 串列埠參數 (RTU)
type SerialConfig struct {
	BaudRate int    `json:"baud_rate" mapstructure:"baud_rate"`
	DataBits int    `json:"data_bits" mapstructure:"data_bits"`
	StopBits int    `json:"stop_bits" mapstructure:"stop_bits"`
	Parity   string `json:"parity" mapstructure:"parity"`
}

// Settings 轉成傳輸層參數；未配置的欄位補 9600 8N1
func (sc SerialConfig) Settings() SerialSettings {
	s := DefaultSerialSettings()
	if sc.BaudRate > 0 {
		s.BaudRate = sc.BaudRate
	}
	if sc.DataBits > 0 {
		s.DataBits = sc.DataBits
	}
	if sc.StopBits > 0 {
		s.StopBits = sc.StopBits
	}
	if sc.Parity != "" {
		s.Parity = sc.Parity
	}
	return s
}

// FaultConfig 伺服端故障注入配置
type FaultConfig struct {
	JitterMin time.Duration `json:"jitter_min" mapstructure:"jitter_min"`
	JitterMax time.Duration `json:"jitter_max" mapstructure:"jitter_max"`
	ErrorRate float64       `json:"error_rate" mapstructure:"error_rate"`
}

// Profile 轉成伺服端的故障注入參數
func (fc FaultConfig) Profile() FaultProfile {
	return FaultProfile{
		JitterMin: fc.JitterMin,
		JitterMax: fc.JitterMax,
		ErrorRate: fc.ErrorRate,
	}
}

// PointConfig 配置檔內嵌的點位定義
// 選填欄位用指標，不給時依幀類型套預設
type PointConfig struct {
	Frame     string   `json:"frame_type" mapstructure:"frame_type"`
	Code      string   `json:"code" mapstructure:"code"`
	Name      string   `json:"name" mapstructure:"name"`
	SlaveID   uint8    `json:"slave_id" mapstructure:"slave_id"`
	FuncCode  uint8    `json:"func_code" mapstructure:"func_code"`
	Address   uint16   `json:"reg_addr" mapstructure:"reg_addr"`
	Bit       *int     `json:"bit,omitempty" mapstructure:"bit"`
	Decode    string   `json:"decode_code" mapstructure:"decode_code"`
	Mul       *float64 `json:"mul_coe,omitempty" mapstructure:"mul_coe"`
	Add       *float64 `json:"add_coe,omitempty" mapstructure:"add_coe"`
	MinLimit  *float64 `json:"min_limit,omitempty" mapstructure:"min_limit"`
	MaxLimit  *float64 `json:"max_limit,omitempty" mapstructure:"max_limit"`
	Reverse   bool     `json:"reverse" mapstructure:"reverse"`
	Unit      string   `json:"unit" mapstructure:"unit"`
	ChannelID int64    `json:"channel_id" mapstructure:"channel_id"`
	Enable    *bool    `json:"enable,omitempty" mapstructure:"enable"`
}

// ToPoint 轉成點位定義並驗證；slave_id 不給時落在 1 號從站
func (pc *PointConfig) ToPoint() (Point, error) {
	frame, ok := ParseFrameType(pc.Frame)
	if !ok {
		return Point{}, fmt.Errorf("%w: 點位 %s 的幀類型 %q 無效", ErrFormat, pc.Code, pc.Frame)
	}
	p := DefaultPoint(frame)
	p.Code = pc.Code
	p.Name = pc.Name
	p.SlaveID = pc.SlaveID
	p.Address = pc.Address
	p.Reverse = pc.Reverse
	p.Unit = pc.Unit
	p.ChannelID = pc.ChannelID
	if p.SlaveID == 0 {
		p.SlaveID = SlaveIDMin
	}
	if pc.FuncCode != 0 {
		p.FuncCode = pc.FuncCode
	}
	if pc.Decode != "" {
		code, err := ParseDecodeCode(pc.Decode)
		if err != nil {
			return Point{}, fmt.Errorf("點位 %s: %w", pc.Code, err)
		}
		p.Decode = code
	}
	if pc.Bit != nil {
		p.Bit = *pc.Bit
	}
	if pc.Mul != nil {
		p.Scaling.Mul = *pc.Mul
	}
	if pc.Add != nil {
		p.Scaling.Add = *pc.Add
	}
	if pc.MinLimit != nil {
		p.MinLimit = *pc.MinLimit
	}
	if pc.MaxLimit != nil {
		p.MaxLimit = *pc.MaxLimit
	}
	if pc.Enable != nil {
		p.Enabled = *pc.Enable
	}
	if err := p.Validate(); err != nil {
		return Point{}, err
	}
	return p, nil
}

// MQTTConfig 數值推送配置
type MQTTConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	Broker      string `json:"broker" mapstructure:"broker"`
	ClientID    string `json:"client_id" mapstructure:"client_id"`
	TopicPrefix string `json:"topic_prefix" mapstructure:"topic_prefix"`
	QoS         int    `json:"qos" mapstructure:"qos"`
}

// LoggingConfig 日誌配置
type LoggingConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	Format     string `json:"format" mapstructure:"format"`
	OutputPath string `json:"output_path" mapstructure:"output_path"`
}

// MetricsConfig 指標配置
type MetricsConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Endpoint string `json:"endpoint" mapstructure:"endpoint"`
	Port     int    `json:"port" mapstructure:"port"`
}

// DefaultConfig 返回預設配置
func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{},
		Network: NetworkConfig{
			Interface: "eth0",
			IPRanges:  []IPRange{},
		},
		Devices: []DeviceConfig{DefaultDeviceConfig()},
		MQTT: MQTTConfig{
			Enabled:     false,
			TopicPrefix: "scadasim",
			QoS:         0,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			OutputPath: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
			Port:     9090,
		},
	}
}

// DefaultDeviceConfig 伺服端示範裝置，電錶常見點位
func DefaultDeviceConfig() DeviceConfig {
	return DeviceConfig{
		ID:       "sim-1",
		Name:     "模擬電錶",
		Mode:     "server",
		Protocol: "modbus_tcp",
		Address:  "0.0.0.0:502",
		Points: []PointConfig{
			{Frame: "YC", Code: "line_voltage", Name: "線電壓", SlaveID: 1, Address: 0,
				Mul: floatPtr(0.1), MinLimit: floatPtr(0), MaxLimit: floatPtr(500), Unit: "V"},
			{Frame: "YC", Code: "line_current", Name: "線電流", SlaveID: 1, Address: 2,
				Mul: floatPtr(0.01), MinLimit: floatPtr(0), MaxLimit: floatPtr(100), Unit: "A"},
			{Frame: "YC", Code: "frequency", Name: "頻率", SlaveID: 1, Address: 4,
				Mul: floatPtr(0.01), MinLimit: floatPtr(0), MaxLimit: floatPtr(100), Unit: "Hz"},
			{Frame: "YC", Code: "total_energy", Name: "總電度", SlaveID: 1, Address: 6,
				MinLimit: floatPtr(0), MaxLimit: floatPtr(99999999), Unit: "kWh"},
			{Frame: "YC", Code: "power_factor", Name: "功率因數", SlaveID: 1, Address: 8,
				Mul: floatPtr(0.001), MinLimit: floatPtr(0), MaxLimit: floatPtr(1)},
			{Frame: "YC", Code: "active_power", Name: "有效功率", SlaveID: 1, Address: 10,
				Mul: floatPtr(0.1), MinLimit: floatPtr(0), MaxLimit: floatPtr(999999), Unit: "W"},
			{Frame: "YX", Code: "breaker_closed", Name: "斷路器合位", SlaveID: 1, Address: 0},
			{Frame: "YK", Code: "pump_switch", Name: "泵浦開關", SlaveID: 1, Address: 0},
		},
	}
}

func floatPtr(v float64) *float64 { return &v }

// LoadConfig 載入配置檔
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("json")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/scadasim/")
		viper.AddConfigPath("$HOME/.scadasim/")
	}

	// 環境變數覆蓋
	viper.SetEnvPrefix("SCADASIM")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("讀取配置檔失敗: %w", err)
		}
		// 配置檔不存在，使用預設值
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置失敗: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置驗證失敗: %w", err)
	}

	return cfg, nil
}

// Validate 驗證配置
func (c *Config) Validate() error {
	if len(c.Devices) == 0 {
		return fmt.Errorf("至少要配置一個裝置")
	}

	seen := make(map[string]bool, len(c.Devices))
	for i := range c.Devices {
		dc := &c.Devices[i]
		if strings.TrimSpace(dc.ID) == "" {
			return fmt.Errorf("第 %d 個裝置缺少編號", i+1)
		}
		if seen[dc.ID] {
			return fmt.Errorf("裝置編號 %s 重複", dc.ID)
		}
		seen[dc.ID] = true

		if _, err := dc.ParseMode(); err != nil {
			return err
		}
		if _, err := dc.ParseProtocol(); err != nil {
			return err
		}
		if dc.Faults.ErrorRate < 0 || dc.Faults.ErrorRate > 1 {
			return fmt.Errorf("裝置 %s 的錯誤率 %v 必須在 0..1", dc.ID, dc.Faults.ErrorRate)
		}
		if dc.Faults.JitterMax > 0 && dc.Faults.JitterMin > dc.Faults.JitterMax {
			return fmt.Errorf("裝置 %s 的延遲抖動下限大於上限", dc.ID)
		}
		for j := range dc.Points {
			if _, err := dc.Points[j].ToPoint(); err != nil {
				return fmt.Errorf("裝置 %s 第 %d 筆點位: %w", dc.ID, j+1, err)
			}
		}
	}

	for _, ipRange := range c.Network.IPRanges {
		if err := ipRange.Validate(); err != nil {
			return fmt.Errorf("IP 範圍驗證失敗: %w", err)
		}
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("啟用 MQTT 推送時必須配置 broker")
		}
		if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
			return fmt.Errorf("無效的 MQTT QoS: %d", c.MQTT.QoS)
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
			return fmt.Errorf("無效的指標埠號: %d", c.Metrics.Port)
		}
	}

	return nil
}

// Validate 驗證 IP 範圍
func (r *IPRange) Validate() error {
	if r.CIDR != "" {
		_, _, err := net.ParseCIDR(r.CIDR)
		if err != nil {
			return fmt.Errorf("無效的 CIDR: %s", r.CIDR)
		}
		return nil
	}

	if r.Start == "" || r.End == "" {
		return fmt.Errorf("必須指定 Start 和 End 或 CIDR")
	}

	startIP := net.ParseIP(r.Start)
	if startIP == nil {
		return fmt.Errorf("無效的起始 IP: %s", r.Start)
	}

	endIP := net.ParseIP(r.End)
	if endIP == nil {
		return fmt.Errorf("無效的結束 IP: %s", r.End)
	}

	return nil
}

// SaveConfig 儲存配置到檔案
func (c *Config) SaveConfig(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失敗: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("寫入配置檔失敗: %w", err)
	}

	return nil
}

// ExpandIPRanges 展開所有 IP 範圍為 IP 列表
func (c *Config) ExpandIPRanges() ([]net.IP, error) {
	var ips []net.IP

	for _, r := range c.Network.IPRanges {
		rangeIPs, err := r.Expand()
		if err != nil {
			return nil, err
		}
		ips = append(ips, rangeIPs...)
	}

	return ips, nil
}

// Expand 展開 IP 範圍
func (r *IPRange) Expand() ([]net.IP, error) {
	if r.CIDR != "" {
		return expandCIDR(r.CIDR)
	}
	return expandRange(r.Start, r.End)
}

func expandCIDR(cidr string) ([]net.IP, error) {
	ip, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, err
	}

	var ips []net.IP
	for ip := ip.Mask(ipNet.Mask); ipNet.Contains(ip); incIP(ip) {
		ipCopy := make(net.IP, len(ip))
		copy(ipCopy, ip)
		ips = append(ips, ipCopy)
	}

	// 移除網路位址和廣播位址
	if len(ips) > 2 {
		ips = ips[1 : len(ips)-1]
	}

	return ips, nil
}

func expandRange(start, end string) ([]net.IP, error) {
	startIP := net.ParseIP(start).To4()
	endIP := net.ParseIP(end).To4()

	if startIP == nil || endIP == nil {
		return nil, fmt.Errorf("無效的 IP 範圍: %s - %s", start, end)
	}

	var ips []net.IP
	for ip := startIP; !ip.Equal(endIP); incIP(ip) {
		ipCopy := make(net.IP, len(ip))
		copy(ipCopy, ip)
		ips = append(ips, ipCopy)
	}
	// 包含結束 IP
	ipCopy := make(net.IP, len(endIP))
	copy(ipCopy, endIP)
	ips = append(ips, ipCopy)

	return ips, nil
}

func incIP(ip net.IP) {
	for j := len(ip) - 1; j >= 0; j-- {
		ip[j]++
		if ip[j] > 0 {
			break
		}
	}
}
