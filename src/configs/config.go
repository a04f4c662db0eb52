package configs

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tripledger/tripledger/src/consts"
	"github.com/tripledger/tripledger/src/pkg/migration"
)

// 环境变量名
const (
	EnvAppData   = "TRIPLEDGER_APPDATA"
	EnvDebug     = "TRIPLEDGER_DEBUG"
	EnvSentryDSN = "SENTRY_DSN"
)

type Log struct {
	OutPutFolder string `yaml:"out_put_folder" json:"out_put_folder"`
	SaveLastLog  bool   `yaml:"save_last_log" json:"save_last_log"`
	SaveEveryLog bool   `yaml:"save_every_log" json:"save_every_log"`
	// RotateDays 指定按"天"为单位滚动日志时，最多保留的天数（<=0 表示不清理）
	RotateDays int `yaml:"rotate_days" json:"rotate_days"`
}

// Migration 数据库升级相关配置
type Migration struct {
	// ResetGracePeriod 重置数据库前等待文件句柄释放的时间
	ResetGracePeriod time.Duration `yaml:"reset_grace_period" json:"reset_grace_period"`
	// MaxBackupCount backups prune 默认保留的备份数量
	MaxBackupCount int `yaml:"max_backup_count" json:"max_backup_count"`
	// MinFreeSpaceRatio 备份前要求的剩余空间与数据库大小之比
	MinFreeSpaceRatio float64 `yaml:"min_free_space_ratio" json:"min_free_space_ratio"`
	// AssumeYes 无人值守模式，所有对话框选择默认按钮
	AssumeYes bool `yaml:"assume_yes" json:"assume_yes"`
}

type Sentry struct {
	Enable      bool   `yaml:"enable" json:"enable"`
	DSN         string `yaml:"dsn" json:"dsn"`
	Environment string `yaml:"environment" json:"environment"`
}

type Metrics struct {
	// Textfile node_exporter textfile 采集文件路径，留空不写
	Textfile string `yaml:"textfile" json:"textfile"`
}

type Config struct {
	File    string `yaml:"-" json:"-"`
	Version int64  `yaml:"-" json:"-"` // 内部版本号：不参与序列化，仅用于乐观并发控制

	Debug       bool      `yaml:"debug" json:"debug"`
	AppDataPath string    `yaml:"app_data_path" json:"app_data_path"`
	DBFile      string    `yaml:"db_file" json:"db_file"`
	Log         Log       `yaml:"log" json:"log"`
	Migration   Migration `yaml:"migration" json:"migration"`
	Sentry      Sentry    `yaml:"sentry" json:"sentry"`
	Metrics     Metrics   `yaml:"metrics" json:"metrics"`
}

// 使用 atomic.Value 存放当前配置指针，避免并发读写造成 data race
var config atomic.Value // stores *Config

var currentDebug atomic.Bool

// 序列化所有 Update 操作，避免并发更新造成的丢写问题
var updateMu sync.Mutex

// 当期望版本与实际版本不一致时返回的错误
var ErrConfigVersionConflict = errors.New("config version conflict")

func SetCurrentConfig(cfg *Config) {
	if cfg == nil {
		config.Store((*Config)(nil))
		currentDebug.Store(false)
		return
	}
	config.Store(cfg)
	currentDebug.Store(cfg.Debug)
}

func GetCurrentConfig() *Config {
	v := config.Load()
	if v == nil {
		return nil
	}
	return v.(*Config)
}

// IsDebug 提供并发安全、低开销的 Debug 值读取
func IsDebug() bool {
	return currentDebug.Load()
}

// Update 采用“复制-更新-原子替换”模式安全更新全局配置，并持久化到文件。
// 传入的 mutator 只能修改参数 c，不要持有 c 的指针做异步修改。
func Update(mutator func(c *Config) error) (*Config, error) {
	return updateImpl(mutator, true)
}

// UpdateTransient 与 Update 类似，但只更新内存配置。
func UpdateTransient(mutator func(c *Config) error) (*Config, error) {
	return updateImpl(mutator, false)
}

func updateImpl(mutator func(c *Config) error, persist bool) (*Config, error) {
	updateMu.Lock()
	defer updateMu.Unlock()
	return updateLocked(GetCurrentConfig(), mutator, persist)
}

func updateLocked(old *Config, mutator func(c *Config) error, persist bool) (*Config, error) {
	var base *Config
	if old == nil {
		base = NewConfig()
	} else {
		clone := *old
		base = &clone
	}
	if err := mutator(base); err != nil {
		return nil, err
	}
	if old == nil {
		base.Version = 1
	} else {
		base.Version = old.Version + 1
	}

	if persist && base.File != "" {
		if err := base.Marshal(); err != nil {
			return nil, fmt.Errorf("failed to save config: %w", err)
		}
	}

	SetCurrentConfig(base)
	return base, nil
}

// UpdateCAS 使用期望版本进行乐观并发控制，版本不匹配则返回 ErrConfigVersionConflict
func UpdateCAS(expectedVersion int64, mutator func(c *Config) error) (*Config, error) {
	updateMu.Lock()
	defer updateMu.Unlock()
	cur := GetCurrentConfig()
	var curVersion int64
	if cur != nil {
		curVersion = cur.Version
	}
	if curVersion != expectedVersion {
		return nil, ErrConfigVersionConflict
	}
	return updateLocked(cur, mutator, true)
}

// SetDebug 原子更新 Debug 标志。
func SetDebug(v bool) (*Config, error) {
	return Update(func(c *Config) error { c.Debug = v; return nil })
}

var defaultConfig = Config{
	Debug: false,
	Log: Log{
		SaveLastLog:  true,
		SaveEveryLog: false,
		RotateDays:   7,
	},
	DBFile: consts.DBFileName,
	Migration: Migration{
		ResetGracePeriod:  migration.DefaultResetGracePeriod,
		MaxBackupCount:    migration.DefaultMaxBackupCount,
		MinFreeSpaceRatio: 1.1,
	},
	Sentry: Sentry{
		Enable:      false,
		Environment: "production",
	},
}

func NewConfig() *Config {
	config := defaultConfig
	newConfigPostProcess(&config)
	return &config
}

func newConfigPostProcess(c *Config) {
	if c.AppDataPath == "" {
		c.AppDataPath = defaultAppDataPath()
	}
	if c.Log.OutPutFolder == "" {
		c.Log.OutPutFolder = filepath.Join(c.AppDataPath, "logs")
	}
}

// defaultAppDataPath 优先使用用户配置目录，获取失败时使用当前目录下的 .appdata
func defaultAppDataPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, consts.AppName)
	}
	return ".appdata"
}

// ApplyEnv 读取 .env 文件并用环境变量覆盖配置
// files 为空时读取当前目录下的 .env，文件不存在不是错误
func (c *Config) ApplyEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) > 0 {
		if err := godotenv.Load(existing...); err != nil {
			return fmt.Errorf("failed to load env file: %w", err)
		}
	}

	if v := strings.TrimSpace(os.Getenv(EnvAppData)); v != "" {
		c.AppDataPath = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDebug)); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %q", EnvDebug, v)
		}
		c.Debug = debug
	}
	if v := strings.TrimSpace(os.Getenv(EnvSentryDSN)); v != "" {
		c.Sentry.DSN = v
		c.Sentry.Enable = true
	}
	return nil
}

// DBPath 数据库文件的完整路径
func (c *Config) DBPath() string {
	if filepath.IsAbs(c.DBFile) {
		return c.DBFile
	}
	return filepath.Join(c.AppDataPath, c.DBFile)
}

// BackupOptions 根据配置生成备份管理器选项
func (c *Config) BackupOptions() []migration.BackupOption {
	return []migration.BackupOption{
		migration.WithGracePeriod(c.Migration.ResetGracePeriod),
		migration.WithSpaceRatio(c.Migration.MinFreeSpaceRatio),
	}
}

// Verify will return an error when this config has problem.
func (c *Config) Verify() error {
	if c == nil {
		return fmt.Errorf("配置不存在")
	}
	if strings.TrimSpace(c.AppDataPath) == "" {
		return fmt.Errorf("数据目录不能为空")
	}
	if strings.TrimSpace(c.DBFile) == "" {
		return fmt.Errorf("数据库文件名不能为空")
	}
	if c.Migration.ResetGracePeriod < 0 {
		return fmt.Errorf("重置等待时间不能为负数")
	}
	if c.Migration.MaxBackupCount < 1 {
		return fmt.Errorf("保留的备份数量至少为 1")
	}
	if c.Migration.MinFreeSpaceRatio != 0 && c.Migration.MinFreeSpaceRatio < 1 {
		return fmt.Errorf("剩余空间倍数不能小于 1")
	}
	if c.Sentry.Enable && c.Sentry.DSN == "" {
		return fmt.Errorf("启用 Sentry 时必须配置 DSN")
	}
	return nil
}

func NewConfigWithBytes(b []byte) (*Config, error) {
	config := defaultConfig
	if err := yaml.Unmarshal(b, &config); err != nil {
		return nil, err
	}
	newConfigPostProcess(&config)
	return &config, nil
}

func NewConfigWithFile(file string) (*Config, error) {
	b, err := os.ReadFile(file)
	if err != nil {
		diag := DiagnoseFilePermission(file)
		diagInfo := diag.FormatError()
		if diagInfo != "" {
			return nil, fmt.Errorf("can`t open file: %s%s", file, diagInfo)
		}
		return nil, fmt.Errorf("can`t open file: %s", file)
	}
	config, err := NewConfigWithBytes(b)
	if err != nil {
		return nil, err
	}
	config.File = file
	// 补全缺失字段后写回
	if err := config.Marshal(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) Marshal() error {
	if c.File == "" {
		return errors.New("config path not set")
	}

	// 先序列化为字节再解析成 Node，便于注入注释
	var node yaml.Node
	tempBytes, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(tempBytes, &node); err != nil {
		return err
	}

	DecorateConfigNode(&node)

	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(&node); err != nil {
		return err
	}

	return os.WriteFile(c.File, buf.Bytes(), 0644)
}

func (c Config) GetFilePath() (string, error) {
	if c.File == "" {
		return "", errors.New("config path not set")
	}
	return c.File, nil
}

// isInContainer 是否运行在容器中
func isInContainer() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	if b, err := os.ReadFile("/proc/1/cgroup"); err == nil {
		s := string(b)
		return strings.Contains(s, "docker") || strings.Contains(s, "kubepods") || strings.Contains(s, "containerd")
	}
	return false
}
