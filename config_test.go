package main

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.Len(t, cfg.Devices, 1)
	assert.Equal(t, "sim-1", cfg.Devices[0].ID)
	assert.Equal(t, "server", cfg.Devices[0].Mode)
	assert.Empty(t, cfg.Store.Path, "預設不落地點位庫")
	assert.False(t, cfg.MQTT.Enabled)
	assert.Equal(t, "scadasim", cfg.MQTT.TopicPrefix)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.Equal(t, "info", cfg.Logging.Level)

	assert.NoError(t, cfg.Validate(), "預設配置必須通過驗證")
}

func TestDefaultDeviceConfigPoints(t *testing.T) {
	dc := DefaultDeviceConfig()
	require.NotEmpty(t, dc.Points)

	// 示範點位必須全部可掛載且互不重疊
	table := NewPointTable()
	for _, pc := range dc.Points {
		p, err := pc.ToPoint()
		require.NoError(t, err, "示範點位 %s 轉換失敗", pc.Code)
		_, err = table.Add(p)
		require.NoError(t, err, "示範點位 %s 掛載失敗", pc.Code)
	}

	voltage, ok := table.Get("line_voltage")
	require.True(t, ok)
	assert.Equal(t, FrameTelemetry, voltage.Frame)
	assert.Equal(t, uint8(1), voltage.SlaveID, "未指定從站時落在 1 號")
	assert.Equal(t, 0.1, voltage.Scaling.Mul)
	assert.Equal(t, "V", voltage.Unit)

	breaker, ok := table.Get("breaker_closed")
	require.True(t, ok)
	assert.Equal(t, FrameStatus, breaker.Frame)
	assert.True(t, IsBitFuncCode(breaker.FuncCode), "遙信預設位元類功能碼")
}

func TestDeviceConfigParseMode(t *testing.T) {
	tests := []struct {
		mode    string
		want    DeviceMode
		wantErr bool
	}{
		{"", ModeClient, false},
		{"client", ModeClient, false},
		{"server", ModeServer, false},
		{"master", ModeClient, true},
		{"Server", ModeClient, true},
	}

	for _, tt := range tests {
		t.Run("mode="+tt.mode, func(t *testing.T) {
			dc := DeviceConfig{ID: "d1", Mode: tt.mode}
			mode, err := dc.ParseMode()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, mode)
		})
	}
}

func TestDeviceConfigParseProtocol(t *testing.T) {
	tests := []struct {
		protocol string
		want     ProtocolKind
		wantErr  bool
	}{
		{"", ProtocolModbusTCP, false},
		{"modbus_tcp", ProtocolModbusTCP, false},
		{"rtu", ProtocolModbusRTU, false},
		{"iec104", ProtocolIEC104, false},
		{"mqtt", ProtocolMQTT, false},
		{"dnp3", ProtocolModbusTCP, true},
	}

	for _, tt := range tests {
		t.Run("protocol="+tt.protocol, func(t *testing.T) {
			dc := DeviceConfig{ID: "d1", Protocol: tt.protocol}
			kind, err := dc.ParseProtocol()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrFormat)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, kind)
		})
	}
}

func TestPointConfigToPoint(t *testing.T) {
	t.Run("minimal telemetry", func(t *testing.T) {
		pc := PointConfig{Frame: "YC", Code: "temp"}
		p, err := pc.ToPoint()
		require.NoError(t, err)

		def := DefaultPoint(FrameTelemetry)
		assert.Equal(t, "temp", p.Code)
		assert.Equal(t, uint8(1), p.SlaveID, "未指定從站時補 1")
		assert.Equal(t, def.FuncCode, p.FuncCode, "沿用幀類型預設功能碼")
		assert.Equal(t, def.Decode, p.Decode, "沿用幀類型預設解碼")
		assert.Equal(t, def.Scaling, p.Scaling)
		assert.Equal(t, -1, p.Bit)
		assert.True(t, p.Enabled)
	})

	t.Run("overrides", func(t *testing.T) {
		bit := 0
		enable := false
		pc := PointConfig{
			Frame:    "YX",
			Code:     "door",
			SlaveID:  5,
			FuncCode: 0x01,
			Address:  12,
			Bit:      &bit,
			Reverse:  true,
			Enable:   &enable,
		}
		p, err := pc.ToPoint()
		require.NoError(t, err)

		assert.Equal(t, uint8(5), p.SlaveID)
		assert.Equal(t, uint8(0x01), p.FuncCode)
		assert.Equal(t, 0, p.Bit, "指標欄位使 bit=0 與未指定可區分")
		assert.True(t, p.Reverse)
		assert.False(t, p.Enabled)
	})

	t.Run("scaling and limits", func(t *testing.T) {
		pc := PointConfig{
			Frame:    "YC",
			Code:     "volt",
			Mul:      floatPtr(0.1),
			Add:      floatPtr(-5),
			MinLimit: floatPtr(0),
			MaxLimit: floatPtr(500),
			Unit:     "V",
		}
		p, err := pc.ToPoint()
		require.NoError(t, err)

		assert.Equal(t, Scaling{Mul: 0.1, Add: -5}, p.Scaling)
		assert.Equal(t, 0.0, p.MinLimit)
		assert.Equal(t, 500.0, p.MaxLimit)
		assert.Equal(t, "V", p.Unit)
	})

	t.Run("invalid frame", func(t *testing.T) {
		pc := PointConfig{Frame: "ZZ", Code: "x"}
		_, err := pc.ToPoint()
		assert.ErrorIs(t, err, ErrFormat)
	})

	t.Run("invalid decode", func(t *testing.T) {
		pc := PointConfig{Frame: "YC", Code: "x", Decode: "0x99"}
		_, err := pc.ToPoint()
		assert.Error(t, err)
	})

	t.Run("bit on telemetry rejected", func(t *testing.T) {
		bit := 3
		pc := PointConfig{Frame: "YC", Code: "x", Bit: &bit}
		_, err := pc.ToPoint()
		assert.ErrorIs(t, err, ErrFormat)
	})
}

func TestSerialConfigSettings(t *testing.T) {
	// 全空補 9600 8N1
	s := SerialConfig{}.Settings()
	assert.Equal(t, DefaultSerialSettings(), s)

	// 部分覆寫
	s = SerialConfig{BaudRate: 19200, Parity: "E"}.Settings()
	assert.Equal(t, 19200, s.BaudRate)
	assert.Equal(t, 8, s.DataBits)
	assert.Equal(t, 1, s.StopBits)
	assert.Equal(t, "E", s.Parity)
}

func TestFaultConfigProfile(t *testing.T) {
	fc := FaultConfig{
		JitterMin: 10 * time.Millisecond,
		JitterMax: 50 * time.Millisecond,
		ErrorRate: 0.05,
	}
	p := fc.Profile()
	assert.Equal(t, 10*time.Millisecond, p.JitterMin)
	assert.Equal(t, 50*time.Millisecond, p.JitterMax)
	assert.Equal(t, 0.05, p.ErrorRate)
}

func TestConfig_Validate(t *testing.T) {
	bit := 3
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "no devices",
			modify: func(c *Config) {
				c.Devices = nil
			},
			wantErr: true,
		},
		{
			name: "empty device id",
			modify: func(c *Config) {
				c.Devices[0].ID = "  "
			},
			wantErr: true,
		},
		{
			name: "duplicate device id",
			modify: func(c *Config) {
				c.Devices = append(c.Devices, DeviceConfig{ID: "sim-1"})
			},
			wantErr: true,
		},
		{
			name: "invalid mode",
			modify: func(c *Config) {
				c.Devices[0].Mode = "master"
			},
			wantErr: true,
		},
		{
			name: "invalid protocol",
			modify: func(c *Config) {
				c.Devices[0].Protocol = "dnp3"
			},
			wantErr: true,
		},
		{
			name: "error rate out of range",
			modify: func(c *Config) {
				c.Devices[0].Faults.ErrorRate = 1.5
			},
			wantErr: true,
		},
		{
			name: "jitter min above max",
			modify: func(c *Config) {
				c.Devices[0].Faults.JitterMin = 100 * time.Millisecond
				c.Devices[0].Faults.JitterMax = 10 * time.Millisecond
			},
			wantErr: true,
		},
		{
			name: "invalid inline point",
			modify: func(c *Config) {
				c.Devices[0].Points = append(c.Devices[0].Points,
					PointConfig{Frame: "YC", Code: "bad", Bit: &bit})
			},
			wantErr: true,
		},
		{
			name: "invalid ip range",
			modify: func(c *Config) {
				c.Network.IPRanges = []IPRange{{CIDR: "not-a-cidr"}}
			},
			wantErr: true,
		},
		{
			name: "mqtt enabled without broker",
			modify: func(c *Config) {
				c.MQTT.Enabled = true
				c.MQTT.Broker = ""
			},
			wantErr: true,
		},
		{
			name: "mqtt qos out of range",
			modify: func(c *Config) {
				c.MQTT.Enabled = true
				c.MQTT.Broker = "tcp://127.0.0.1:1883"
				c.MQTT.QoS = 3
			},
			wantErr: true,
		},
		{
			name: "invalid metrics port",
			modify: func(c *Config) {
				c.Metrics.Port = 0
			},
			wantErr: true,
		},
		{
			name: "metrics disabled skips port check",
			modify: func(c *Config) {
				c.Metrics.Enabled = false
				c.Metrics.Port = 0
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIPRange_Validate(t *testing.T) {
	tests := []struct {
		name    string
		r       IPRange
		wantErr bool
	}{
		{
			name:    "valid CIDR",
			r:       IPRange{CIDR: "192.168.1.0/24"},
			wantErr: false,
		},
		{
			name:    "valid range",
			r:       IPRange{Start: "192.168.1.1", End: "192.168.1.100"},
			wantErr: false,
		},
		{
			name:    "invalid CIDR",
			r:       IPRange{CIDR: "invalid"},
			wantErr: true,
		},
		{
			name:    "invalid start IP",
			r:       IPRange{Start: "invalid", End: "192.168.1.100"},
			wantErr: true,
		},
		{
			name:    "invalid end IP",
			r:       IPRange{Start: "192.168.1.1", End: "invalid"},
			wantErr: true,
		},
		{
			name:    "missing both",
			r:       IPRange{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.r.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIPRange_Expand_CIDR(t *testing.T) {
	r := IPRange{CIDR: "192.168.1.0/30"}
	ips, err := r.Expand()
	require.NoError(t, err)

	// /30 = 4 IPs, minus network and broadcast = 2 usable
	assert.Len(t, ips, 2)
	assert.Equal(t, "192.168.1.1", ips[0].String())
	assert.Equal(t, "192.168.1.2", ips[1].String())
}

func TestIPRange_Expand_Range(t *testing.T) {
	r := IPRange{Start: "192.168.1.10", End: "192.168.1.15"}
	ips, err := r.Expand()
	require.NoError(t, err)

	assert.Len(t, ips, 6)
	assert.Equal(t, "192.168.1.10", ips[0].String())
	assert.Equal(t, "192.168.1.15", ips[5].String())
}

func TestConfig_ExpandIPRanges(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Network.IPRanges = []IPRange{
		{Start: "192.168.1.1", End: "192.168.1.5"},
		{Start: "192.168.2.1", End: "192.168.2.3"},
	}

	ips, err := cfg.ExpandIPRanges()
	require.NoError(t, err)
	assert.Len(t, ips, 8) // 5 + 3
}

func TestConfig_SaveAndLoad(t *testing.T) {
	// 建立暫存目錄
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "test-config.json")

	// 儲存配置
	cfg := DefaultConfig()
	cfg.Store.Path = filepath.Join(tmpDir, "points.db")
	cfg.Devices[0].ID = "meter-7"
	cfg.Devices[0].PollInterval = 2 * time.Second

	err := cfg.SaveConfig(configPath)
	require.NoError(t, err)

	// 確認檔案存在
	_, err = os.Stat(configPath)
	require.NoError(t, err)

	// 載入配置
	loadedCfg, err := LoadConfig(configPath)
	require.NoError(t, err)

	require.Len(t, loadedCfg.Devices, 1)
	assert.Equal(t, cfg.Store.Path, loadedCfg.Store.Path)
	assert.Equal(t, "meter-7", loadedCfg.Devices[0].ID)
	assert.Equal(t, 2*time.Second, loadedCfg.Devices[0].PollInterval)
}

func TestIncIP(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"192.168.1.1", "192.168.1.2"},
		{"192.168.1.255", "192.168.2.0"},
		{"192.168.255.255", "192.169.0.0"},
		{"10.0.0.1", "10.0.0.2"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			ip := net.ParseIP(tt.input).To4()
			incIP(ip)
			assert.Equal(t, tt.expected, ip.String())
		})
	}
}
