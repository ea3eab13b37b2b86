package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	cfgFile   string
	logger    *zap.Logger
	appConfig *Config
)

// rootCmd 根命令
var rootCmd = &cobra.Command{
	Use:   "scadasim",
	Short: "SCADA 現場設備模擬器",
	Long: `模擬 SCADA 現場設備的 Modbus 模擬器。
每個裝置帶自己的點表、模擬方法與報文擷取，
可作為被輪詢的從站 (伺服端)，也可作為輪詢真實設備的主站 (客戶端)。`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 初始化日誌
		var err error
		logger, err = initLogger(nil)
		if err != nil {
			return fmt.Errorf("初始化日誌失敗: %w", err)
		}

		// 載入配置 (除了 version 和 help 命令)
		if cmd.Name() != "version" && cmd.Name() != "help" && cmd.Name() != "generate" {
			appConfig, err = LoadConfig(cfgFile)
			if err != nil {
				// 配置載入失敗時使用預設值
				appConfig = DefaultConfig()
				if cfgFile != "" {
					logger.Warn("載入配置檔失敗，使用預設配置", zap.Error(err))
				}
			}

			// 依配置重建日誌
			if rebuilt, lerr := initLogger(&appConfig.Logging); lerr != nil {
				logger.Warn("套用日誌配置失敗，沿用預設日誌", zap.Error(lerr))
			} else {
				logger = rebuilt
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// serveCmd 啟動命令
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "啟動模擬器",
	Long:  "依配置啟動所有模擬裝置，直到收到 SIGINT/SIGTERM 為止。",
	RunE: func(cmd *cobra.Command, args []string) error {
		// 覆蓋 CLI 參數
		if store, _ := cmd.Flags().GetString("store"); store != "" {
			appConfig.Store.Path = store
		}

		if err := appConfig.Validate(); err != nil {
			return fmt.Errorf("配置驗證失敗: %w", err)
		}

		logger.Info("啟動 SCADA 模擬器",
			zap.Int("devices", len(appConfig.Devices)),
			zap.String("store", appConfig.Store.Path),
		)

		// 建立引擎
		engine := NewEngine(appConfig, logger)

		// 設置優雅關閉
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		// 啟動引擎
		if err := engine.Start(ctx); err != nil {
			return fmt.Errorf("啟動引擎失敗: %w", err)
		}

		// 啟動指標收集器
		if appConfig.Metrics.Enabled {
			metrics := NewMetricsCollector(engine, logger)
			if err := metrics.Start(appConfig.Metrics.Endpoint, appConfig.Metrics.Port); err != nil {
				logger.Warn("啟動指標伺服器失敗", zap.Error(err))
			} else {
				logger.Info("指標伺服器已啟動",
					zap.Int("port", appConfig.Metrics.Port),
					zap.String("endpoint", appConfig.Metrics.Endpoint),
				)
			}
		}

		// 寫入 PID 檔 (供 stop 命令使用)
		if pidFile, _ := cmd.Flags().GetString("pid-file"); pidFile != "" {
			if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
				logger.Warn("寫入 PID 檔失敗", zap.Error(err))
			} else {
				defer os.Remove(pidFile)
			}
		}

		stats := engine.Stats()
		logger.Info("模擬器已就緒",
			zap.Int("devices", stats.DeviceCount),
			zap.Int("points", stats.TotalPoints),
		)

		// 等待信號
		sig := <-sigChan
		logger.Info("收到關閉信號", zap.String("signal", sig.String()))

		// 優雅關閉
		timeout, _ := cmd.Flags().GetDuration("graceful-timeout")
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
		defer shutdownCancel()

		if err := engine.Stop(shutdownCtx); err != nil {
			logger.Error("關閉引擎失敗", zap.Error(err))
			return err
		}

		logger.Info("模擬器已停止")
		return nil
	},
}

// stopCmd 停止命令
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "停止模擬器",
	Long:  "向正在運行的模擬器程序發送停止信號。",
	RunE: func(cmd *cobra.Command, args []string) error {
		// 透過向 PID 發送信號來停止
		pidFile, _ := cmd.Flags().GetString("pid-file")

		data, err := os.ReadFile(pidFile)
		if err != nil {
			return fmt.Errorf("讀取 PID 檔案失敗: %w", err)
		}

		var pid int
		if _, err := fmt.Sscanf(string(data), "%d", &pid); err != nil {
			return fmt.Errorf("解析 PID 失敗: %w", err)
		}

		process, err := os.FindProcess(pid)
		if err != nil {
			return fmt.Errorf("找不到程序: %w", err)
		}

		if err := process.Signal(syscall.SIGTERM); err != nil {
			return fmt.Errorf("發送信號失敗: %w", err)
		}

		fmt.Printf("已發送停止信號到 PID %d\n", pid)
		return nil
	},
}

// statusCmd 狀態命令
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "查看運行狀態",
	Long:  "向運行中模擬器的指標端點查詢當前狀態。",
	RunE: func(cmd *cobra.Command, args []string) error {
		url, _ := cmd.Flags().GetString("url")
		if url == "" {
			endpoint := appConfig.Metrics.Endpoint
			if endpoint == "" {
				endpoint = "/metrics"
			}
			url = fmt.Sprintf("http://127.0.0.1:%d%s", appConfig.Metrics.Port, endpoint)
		}

		req, err := http.NewRequest(http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("連線指標端點失敗 (模擬器未運行?): %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("指標端點回應異常: %s", resp.Status)
		}

		var snap MetricsSnapshot
		if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
			return fmt.Errorf("解析狀態失敗: %w", err)
		}

		fmt.Printf("引擎狀態: %s (運行 %s)\n", snap.EngineState, snap.Uptime)
		fmt.Printf("裝置: %d 個，運行中 %d 個\n", snap.TotalDevices, snap.ActiveDevices)
		fmt.Printf("點位: %d 個，追蹤值 %d 筆，啟用模擬 %d 個\n",
			snap.TotalPoints, snap.TrackedValues, snap.ActiveSimulations)
		fmt.Printf("輪詢: %d 週期 (讀取錯誤 %d, 忙碌拒絕 %d)\n",
			snap.PollCycles, snap.ReadErrors, snap.BusyRejects)
		fmt.Printf("從站: %d 請求 (錯誤 %d, 主站寫入 %d)\n",
			snap.SlaveRequests, snap.SlaveErrors, snap.MasterWrites)
		fmt.Printf("錯誤率: %.2f%%\n", snap.ErrorRate)
		return nil
	},
}

// pointsCmd 點位庫命令組
var pointsCmd = &cobra.Command{
	Use:   "points",
	Short: "點位庫管理命令",
	Long:  "管理 SQLite 點位庫：列出、匯出與匯入點表。",
}

// pointsListCmd 列出點表
var pointsListCmd = &cobra.Command{
	Use:   "list [device-id]",
	Short: "列出裝置點表",
	Long:  "列出點位庫中指定裝置的點表定義。",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openPointStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		points, err := store.LoadPoints(ctx, args[0])
		if err != nil {
			return fmt.Errorf("讀取點位失敗: %w", err)
		}
		if len(points) == 0 {
			fmt.Printf("裝置 %s 沒有點位\n", args[0])
			return nil
		}

		table := NewPointTable()
		for _, p := range points {
			if _, err := table.Add(p); err != nil {
				return fmt.Errorf("點位 %s 無法載入: %w", p.Code, err)
			}
		}

		q := TableQuery{PageSize: len(points)}
		if name, _ := cmd.Flags().GetString("name"); name != "" {
			q.Name = name
		}
		if slave, _ := cmd.Flags().GetUint8("slave"); slave > 0 {
			q.SlaveID = &slave
		}

		rows, total := BuildTable(table, q, nil)
		fmt.Println(strings.Join(TableHeader(), "\t"))
		for _, r := range rows {
			fmt.Println(strings.Join(FormatTableRow(r), "\t"))
		}
		fmt.Printf("共 %d 個點位\n", total)
		return nil
	},
}

// pointsExportCmd 匯出點表
var pointsExportCmd = &cobra.Command{
	Use:   "export [device-id]",
	Short: "匯出點表為 CSV",
	Long:  "把點位庫中指定裝置的點表匯出為 CSV 檔，--output - 輸出到標準輸出。",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openPointStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		points, err := store.LoadPoints(ctx, args[0])
		if err != nil {
			return fmt.Errorf("讀取點位失敗: %w", err)
		}
		if len(points) == 0 {
			return fmt.Errorf("裝置 %s 沒有點位可匯出", args[0])
		}

		output, _ := cmd.Flags().GetString("output")
		if output == "-" {
			return ExportPointsCSV(os.Stdout, points)
		}
		if err := ExportPointsCSVFile(output, points); err != nil {
			return fmt.Errorf("匯出失敗: %w", err)
		}

		fmt.Printf("已匯出 %d 個點位到 %s\n", len(points), output)
		return nil
	},
}

// pointsImportCmd 匯入點表
var pointsImportCmd = &cobra.Command{
	Use:   "import [device-id]",
	Short: "從 CSV 匯入點表",
	Long:  "解析 CSV 點表並整批覆蓋點位庫中指定裝置的點表。",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		input, _ := cmd.Flags().GetString("input")
		points, err := ImportPointsCSVFile(input)
		if err != nil {
			return fmt.Errorf("解析 CSV 失敗: %w", err)
		}

		store, err := openPointStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := store.ReplacePoints(ctx, args[0], points); err != nil {
			return fmt.Errorf("寫入點位庫失敗: %w", err)
		}

		fmt.Printf("已匯入 %d 個點位到裝置 %s\n", len(points), args[0])
		return nil
	},
}

// pointsDevicesCmd 列出裝置
var pointsDevicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "列出點位庫中的裝置",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openPointStore(cmd)
		if err != nil {
			return err
		}
		defer store.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		ids, err := store.Devices(ctx)
		if err != nil {
			return fmt.Errorf("讀取裝置列表失敗: %w", err)
		}
		if len(ids) == 0 {
			fmt.Println("點位庫中沒有裝置")
			return nil
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		return nil
	},
}

// openPointStore 依配置或 --store 參數開啟點位庫
func openPointStore(cmd *cobra.Command) (*SQLiteStore, error) {
	path := ""
	if appConfig != nil {
		path = appConfig.Store.Path
	}
	if override, _ := cmd.Flags().GetString("store"); override != "" {
		path = override
	}
	if path == "" {
		return nil, fmt.Errorf("%w: 未設定點位庫路徑 (配置 store.path 或使用 --store)", ErrFormat)
	}
	return OpenSQLiteStore(path)
}

// networkCmd 網路命令組
var networkCmd = &cobra.Command{
	Use:   "network",
	Short: "網路管理命令",
	Long:  "管理伺服端農場的虛擬 IP 配置。",
}

// networkSetupCmd 設置網路
var networkSetupCmd = &cobra.Command{
	Use:   "setup",
	Short: "建立虛擬 IP",
	Long:  "在指定的網路介面上建立虛擬 IP 位址。",
	RunE: func(cmd *cobra.Command, args []string) error {
		iface, _ := cmd.Flags().GetString("interface")
		if iface != "" {
			appConfig.Network.Interface = iface
		}

		startIP, _ := cmd.Flags().GetString("start")
		endIP, _ := cmd.Flags().GetString("end")
		cidr, _ := cmd.Flags().GetString("cidr")

		if cidr != "" {
			appConfig.Network.IPRanges = []IPRange{{CIDR: cidr}}
		} else if startIP != "" && endIP != "" {
			appConfig.Network.IPRanges = []IPRange{{Start: startIP, End: endIP}}
		}

		provisioner := NewNetworkProvisioner(appConfig.Network.Interface, logger)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := provisioner.Setup(ctx, appConfig.Network.IPRanges); err != nil {
			return fmt.Errorf("設置網路失敗: %w", err)
		}

		fmt.Println("虛擬 IP 設置完成")
		return nil
	},
}

// networkTeardownCmd 移除網路
var networkTeardownCmd = &cobra.Command{
	Use:   "teardown",
	Short: "移除虛擬 IP",
	Long:  "移除已配置的虛擬 IP 位址。",
	RunE: func(cmd *cobra.Command, args []string) error {
		iface, _ := cmd.Flags().GetString("interface")
		if iface != "" {
			appConfig.Network.Interface = iface
		}

		provisioner := NewNetworkProvisioner(appConfig.Network.Interface, logger)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := provisioner.Teardown(ctx); err != nil {
			return fmt.Errorf("移除網路失敗: %w", err)
		}

		fmt.Println("虛擬 IP 已移除")
		return nil
	},
}

// networkListCmd 列出網路
var networkListCmd = &cobra.Command{
	Use:   "list",
	Short: "列出已配置 IP",
	Long:  "列出目前已配置的虛擬 IP 位址。",
	RunE: func(cmd *cobra.Command, args []string) error {
		iface, _ := cmd.Flags().GetString("interface")
		if iface != "" {
			appConfig.Network.Interface = iface
		}

		provisioner := NewNetworkProvisioner(appConfig.Network.Interface, logger)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		ips, err := provisioner.List(ctx)
		if err != nil {
			return fmt.Errorf("列出 IP 失敗: %w", err)
		}

		if len(ips) == 0 {
			fmt.Println("目前沒有配置虛擬 IP")
			return nil
		}

		fmt.Printf("已配置的虛擬 IP (%d 個):\n", len(ips))
		for _, ip := range ips {
			fmt.Printf("  - %s\n", ip.String())
		}
		return nil
	},
}

// configCmd 配置命令組
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "配置管理命令",
	Long:  "管理配置檔。",
}

// configValidateCmd 驗證配置
var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "驗證配置檔",
	Long:  "驗證指定的配置檔是否有效。",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := LoadConfig(cfgFile)
		if err != nil {
			return fmt.Errorf("配置驗證失敗: %w", err)
		}

		inlinePoints := 0
		for _, d := range cfg.Devices {
			inlinePoints += len(d.Points)
		}
		storePath := cfg.Store.Path
		if storePath == "" {
			storePath = "(僅記憶體)"
		}

		fmt.Println("配置驗證通過")
		fmt.Printf("  Devices: %d\n", len(cfg.Devices))
		fmt.Printf("  Inline points: %d\n", inlinePoints)
		fmt.Printf("  Store: %s\n", storePath)
		fmt.Printf("  Interface: %s\n", cfg.Network.Interface)
		fmt.Printf("  IP Ranges: %d\n", len(cfg.Network.IPRanges))
		return nil
	},
}

// configGenerateCmd 生成配置
var configGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "生成範例配置",
	Long:  "生成範例配置檔。",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")
		if output == "" {
			output = "config.json"
		}

		cfg := DefaultConfig()

		// 示範：點位庫與伺服端農場的 IP 範圍
		cfg.Store.Path = "data/points.db"
		cfg.Network.IPRanges = []IPRange{
			{Start: "192.168.1.101", End: "192.168.1.200"},
		}

		if err := cfg.SaveConfig(output); err != nil {
			return fmt.Errorf("生成配置失敗: %w", err)
		}

		fmt.Printf("範例配置已生成: %s\n", output)
		return nil
	},
}

// versionCmd 版本命令
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "顯示版本資訊",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("scadasim version %s\n", Version)
		fmt.Printf("  Build: %s\n", BuildTime)
		fmt.Printf("  Commit: %s\n", GitCommit)
	},
}

func init() {
	// 全域 flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "配置檔路徑")

	// serve 命令 flags
	serveCmd.Flags().String("store", "", "點位庫路徑 (覆蓋配置)")
	serveCmd.Flags().String("pid-file", "", "PID 檔案路徑 (預設不寫入)")
	serveCmd.Flags().Duration("graceful-timeout", 10*time.Second, "優雅關閉逾時")

	// stop 命令 flags
	stopCmd.Flags().String("pid-file", "/var/run/scadasim.pid", "PID 檔案路徑")

	// status 命令 flags
	statusCmd.Flags().String("url", "", "指標端點 URL (預設依配置)")

	// points 命令 flags
	pointsCmd.PersistentFlags().StringP("store", "s", "", "點位庫路徑 (覆蓋配置)")
	pointsListCmd.Flags().String("name", "", "名稱或代碼子字串過濾")
	pointsListCmd.Flags().Uint8("slave", 0, "從站編號過濾")
	pointsExportCmd.Flags().StringP("output", "o", "points.csv", "輸出 CSV 路徑，- 為標準輸出")
	pointsImportCmd.Flags().StringP("input", "i", "points.csv", "輸入 CSV 路徑")

	// network 命令 flags
	networkSetupCmd.Flags().StringP("interface", "i", "eth0", "網路介面")
	networkSetupCmd.Flags().String("start", "", "起始 IP")
	networkSetupCmd.Flags().String("end", "", "結束 IP")
	networkSetupCmd.Flags().String("cidr", "", "CIDR 表示法")

	networkTeardownCmd.Flags().StringP("interface", "i", "eth0", "網路介面")
	networkListCmd.Flags().StringP("interface", "i", "eth0", "網路介面")

	// config 命令 flags
	configGenerateCmd.Flags().StringP("output", "o", "config.json", "輸出檔案路徑")

	// 組裝命令樹
	pointsCmd.AddCommand(pointsListCmd, pointsExportCmd, pointsImportCmd, pointsDevicesCmd)
	networkCmd.AddCommand(networkSetupCmd, networkTeardownCmd, networkListCmd)
	configCmd.AddCommand(configValidateCmd, configGenerateCmd)

	rootCmd.AddCommand(
		serveCmd,
		stopCmd,
		statusCmd,
		pointsCmd,
		networkCmd,
		configCmd,
		versionCmd,
	)
}

// initLogger 建立 zap 日誌；lc 為 nil 時使用預設 production 配置
func initLogger(lc *LoggingConfig) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	if lc != nil {
		if lc.Level != "" {
			level, err := zapcore.ParseLevel(lc.Level)
			if err != nil {
				return nil, fmt.Errorf("無效的日誌等級 %q: %w", lc.Level, err)
			}
			cfg.Level = zap.NewAtomicLevelAt(level)
		}
		if lc.Format == "console" {
			cfg.Encoding = "console"
			cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
		}
		if lc.OutputPath != "" {
			cfg.OutputPaths = []string{lc.OutputPath}
		}
	}
	return cfg.Build()
}

// Execute 執行 CLI
func Execute() error {
	return rootCmd.Execute()
}
