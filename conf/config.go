package conf

import (
	"os"
	"path/filepath"
	"time"

	"github.com/zhoumingliang/innostore/logger"

	"gopkg.in/ini.v1"
)

/*
*
示例配置（innostore.ini）：

[innostore]
data_dir                 = data
page_size                = 16384
buffer_pool_size         = 134217728
buffer_pool_shards       = 16
eviction_policy          = clock
flush_interval           = 1s
redo_log_dir             = redo
log_compression          = none
lock_timeout             = 5s
deadlock_interval        = 200ms
lock_escalation_threshold = 1024
mvcc_gc_interval         = 1s
checkpoint_interval      = 30s
*/
type Cfg struct {
	Raw *ini.File

	BaseDir string
	DataDir string `ini:"data_dir"`

	// logs
	LogError string `ini:"log_error"`
	LogInfos string `ini:"log_infos"`
	LogLevel string `ini:"log_level"`

	// page store / buffer pool
	PageSize         int    `ini:"page_size"`
	BufferPoolSize   int    `ini:"buffer_pool_size"`
	BufferPoolShards int    `ini:"buffer_pool_shards"`
	EvictionPolicy   string `ini:"eviction_policy"`
	FlushInterval    time.Duration

	// redo log
	RedoLogDir     string `ini:"redo_log_dir"`
	LogCompression string `ini:"log_compression"`

	// lock manager
	LockTimeout             time.Duration
	DeadlockInterval        time.Duration
	LockEscalationThreshold int `ini:"lock_escalation_threshold"`

	// mvcc / checkpoint
	MVCCGCInterval     time.Duration
	CheckpointInterval time.Duration

	// row layout
	RowSlotSize int `ini:"row_slot_size"`
}

// NewDefaultCfg 创建默认配置
func NewDefaultCfg() *Cfg {
	return &Cfg{
		DataDir:                 "data",
		LogLevel:                "info",
		PageSize:                16384,
		BufferPoolSize:          128 * 1024 * 1024,
		BufferPoolShards:        16,
		EvictionPolicy:          "clock",
		FlushInterval:           time.Second,
		RedoLogDir:              "redo",
		LogCompression:          "none",
		LockTimeout:             5 * time.Second,
		DeadlockInterval:        200 * time.Millisecond,
		LockEscalationThreshold: 1024,
		MVCCGCInterval:          time.Second,
		CheckpointInterval:      30 * time.Second,
		RowSlotSize:             256,
	}
}

// Load 从ini文件加载配置，缺失项保留默认值
func Load(path string) (*Cfg, error) {
	cfg := NewDefaultCfg()
	if path == "" {
		return cfg, nil
	}

	raw, err := ini.Load(path)
	if err != nil {
		return nil, err
	}
	cfg.Raw = raw
	cfg.BaseDir = filepath.Dir(path)

	sec := raw.Section("innostore")
	if err := sec.MapTo(cfg); err != nil {
		return nil, err
	}

	// 时间类配置单独解析，ini的MapTo不处理duration字符串
	cfg.FlushInterval = durationKey(sec, "flush_interval", cfg.FlushInterval)
	cfg.LockTimeout = durationKey(sec, "lock_timeout", cfg.LockTimeout)
	cfg.DeadlockInterval = durationKey(sec, "deadlock_interval", cfg.DeadlockInterval)
	cfg.MVCCGCInterval = durationKey(sec, "mvcc_gc_interval", cfg.MVCCGCInterval)
	cfg.CheckpointInterval = durationKey(sec, "checkpoint_interval", cfg.CheckpointInterval)

	logger.Debugf("loaded config from %s: data_dir=%s page_size=%d pool=%d",
		path, cfg.DataDir, cfg.PageSize, cfg.BufferPoolSize)
	return cfg, nil
}

func durationKey(sec *ini.Section, name string, def time.Duration) time.Duration {
	if !sec.HasKey(name) {
		return def
	}
	d, err := time.ParseDuration(sec.Key(name).String())
	if err != nil {
		logger.Warnf("invalid duration for %s: %v, using default %v", name, err, def)
		return def
	}
	return d
}

// EnsureDirs 创建数据目录和日志目录
func (c *Cfg) EnsureDirs() error {
	dataDir := c.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(c.ResolvedRedoDir(), 0755)
}

// ResolvedDataDir 数据目录绝对路径
func (c *Cfg) ResolvedDataDir() string {
	if filepath.IsAbs(c.DataDir) || c.BaseDir == "" {
		return c.DataDir
	}
	return filepath.Join(c.BaseDir, c.DataDir)
}

// ResolvedRedoDir 日志目录绝对路径
func (c *Cfg) ResolvedRedoDir() string {
	if filepath.IsAbs(c.RedoLogDir) || c.BaseDir == "" {
		return c.RedoLogDir
	}
	return filepath.Join(c.BaseDir, c.RedoLogDir)
}
