package cli

// ============================================================================
// 配置載入與驗證
// 職責：讀取 YAML、補上預設值、一次回報所有錯誤，並轉成各元件的配置
// ============================================================================

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/schedula/internal/cluster"
	"github.com/ChuLiYu/schedula/internal/scheduler"
	"github.com/ChuLiYu/schedula/internal/snapshot"
	"github.com/ChuLiYu/schedula/internal/worker"
)

// DefaultConfigPath 預設配置檔路徑
const DefaultConfigPath = "configs/default.yaml"

// NodeConfig 單一 GPU 節點
type NodeConfig struct {
	ID     string `yaml:"id"`
	Memory int64  `yaml:"memory"`
	Cores  int64  `yaml:"cores"`
}

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Cluster struct {
		HistorySize int          `yaml:"history_size"`
		Nodes       []NodeConfig `yaml:"nodes"`
	} `yaml:"cluster"`

	Scheduler struct {
		Interval        time.Duration `yaml:"interval"`
		Tick            time.Duration `yaml:"tick"`
		TieBreak        string        `yaml:"tie_break"`
		Ranking         string        `yaml:"ranking"`
		TriggerOnEvents *bool         `yaml:"trigger_on_events"` // nil 代表 true
		FailureRate     float64       `yaml:"failure_rate"`
	} `yaml:"scheduler"`

	Server struct {
		Listen string `yaml:"listen"` // 空字串代表不啟動 gRPC
	} `yaml:"server"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Journal struct {
		Path string `yaml:"path"` // 空字串代表不寫日誌
		Sync bool   `yaml:"sync"`
	} `yaml:"journal"`

	Export struct {
		Path     string        `yaml:"path"` // 空字串代表不匯出
		Interval time.Duration `yaml:"interval"`
	} `yaml:"export"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// DefaultNodes 未設定 cluster.nodes 時使用的兩節點示範叢集
var DefaultNodes = []NodeConfig{
	{ID: "gpu-1", Memory: 16000, Cores: 8},
	{ID: "gpu-2", Memory: 12000, Cores: 6},
}

// DefaultConfig 全部使用預設值的配置
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if len(c.Cluster.Nodes) == 0 {
		c.Cluster.Nodes = append([]NodeConfig(nil), DefaultNodes...)
	}
	if c.Cluster.HistorySize == 0 {
		c.Cluster.HistorySize = cluster.DefaultHistorySize
	}
	if c.Scheduler.Interval == 0 {
		c.Scheduler.Interval = scheduler.DefaultInterval
	}
	if c.Scheduler.Tick == 0 {
		c.Scheduler.Tick = worker.DefaultTick
	}
	if c.Scheduler.TieBreak == "" {
		c.Scheduler.TieBreak = string(scheduler.DefaultTieBreak)
	}
	if c.Scheduler.Ranking == "" {
		c.Scheduler.Ranking = string(cluster.DefaultRanking)
	}
	if c.Scheduler.TriggerOnEvents == nil {
		on := true
		c.Scheduler.TriggerOnEvents = &on
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Export.Interval == 0 {
		c.Export.Interval = snapshot.DefaultInterval
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate 檢查所有欄位，回傳合併後的錯誤
func (c *Config) Validate() error {
	var result *multierror.Error

	if len(c.Cluster.Nodes) == 0 {
		result = multierror.Append(result, errors.New("cluster.nodes: at least one node is required"))
	}
	if c.Cluster.HistorySize < 0 {
		result = multierror.Append(result, fmt.Errorf("cluster.history_size: must be >= 0, got %d", c.Cluster.HistorySize))
	}
	seen := make(map[string]bool, len(c.Cluster.Nodes))
	for i, n := range c.Cluster.Nodes {
		if n.ID == "" {
			result = multierror.Append(result, fmt.Errorf("cluster.nodes[%d]: id is required", i))
		} else if seen[n.ID] {
			result = multierror.Append(result, fmt.Errorf("cluster.nodes[%d]: duplicate id %q", i, n.ID))
		}
		seen[n.ID] = true
		if n.Memory <= 0 || n.Cores <= 0 {
			result = multierror.Append(result, fmt.Errorf("cluster.nodes[%d]: memory and cores must be positive", i))
		}
	}

	if c.Scheduler.Interval < 0 {
		result = multierror.Append(result, fmt.Errorf("scheduler.interval: must be positive, got %s", c.Scheduler.Interval))
	}
	if c.Scheduler.Tick < 0 {
		result = multierror.Append(result, fmt.Errorf("scheduler.tick: must be positive, got %s", c.Scheduler.Tick))
	}
	if _, err := scheduler.ParseTieBreak(c.Scheduler.TieBreak); err != nil {
		result = multierror.Append(result, fmt.Errorf("scheduler.tie_break: %w", err))
	}
	if _, err := cluster.ParseRanking(c.Scheduler.Ranking); err != nil {
		result = multierror.Append(result, fmt.Errorf("scheduler.ranking: %w", err))
	}
	if r := c.Scheduler.FailureRate; r < 0 || r > 1 {
		result = multierror.Append(result, fmt.Errorf("scheduler.failure_rate: must be within [0, 1], got %g", r))
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		result = multierror.Append(result, fmt.Errorf("metrics.port: invalid port %d", c.Metrics.Port))
	}
	if c.Export.Interval < 0 {
		result = multierror.Append(result, fmt.Errorf("export.interval: must be positive, got %s", c.Export.Interval))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		result = multierror.Append(result, fmt.Errorf("log.level: %w", err))
	}

	return result.ErrorOrNil()
}

// LoadConfig 讀取 YAML、補上預設值並驗證
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return parseConfig(data)
}

func parseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// ============================================================================
// 轉換成元件配置
// ============================================================================

// Pools 依配置順序建立節點
func (c *Config) Pools() ([]*cluster.Pool, error) {
	pools := make([]*cluster.Pool, 0, len(c.Cluster.Nodes))
	for _, n := range c.Cluster.Nodes {
		p, err := cluster.NewPool(cluster.PoolConfig{
			ID:          n.ID,
			Memory:      n.Memory,
			Cores:       n.Cores,
			HistorySize: c.Cluster.HistorySize,
		})
		if err != nil {
			return nil, err
		}
		pools = append(pools, p)
	}
	return pools, nil
}

// SchedulerConfig 排程器配置；Recorder 與 Events 由呼叫端接上
func (c *Config) SchedulerConfig() scheduler.Config {
	// Validate 已經檢查過，這裡忽略錯誤
	tb, _ := scheduler.ParseTieBreak(c.Scheduler.TieBreak)
	rk, _ := cluster.ParseRanking(c.Scheduler.Ranking)
	return scheduler.Config{
		Interval:        c.Scheduler.Interval,
		Tick:            c.Scheduler.Tick,
		TieBreak:        tb,
		Ranking:         rk,
		TriggerOnEvents: c.Scheduler.TriggerOnEvents == nil || *c.Scheduler.TriggerOnEvents,
		Step:            worker.RandomFaults(c.Scheduler.FailureRate),
	}
}

func parseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown level %q", name)
	}
}

// setupLogging 設定全域 slog handler
//
// 各套件以 slog.Default() 取得 logger，必須在建立元件前呼叫。
func setupLogging(level string) {
	lvl, _ := parseLevel(level)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
