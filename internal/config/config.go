package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// ServerConfig 定义控制接口 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host string // 监听地址，默认 "0.0.0.0"
	Port int    // 监听端口，默认 8080
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
	Directory   string // 守护进程独立日志文件的存放目录，默认 "./logs"
	MaxSizeMB   int    // 单个守护进程日志文件大小上限（MB），默认 10
	MaxBackups  int    // 轮转保留的备份文件数，默认 3
}

// DatabaseConfig 定义索引数据库连接配置（支持 MySQL 和 PostgreSQL）
type DatabaseConfig struct {
	Type            string        // 数据库类型: "mysql" 或 "postgres"，留空使用内存存储
	DSN             string        // 数据库连接字符串
	MaxOpenConns    int           // 最大打开连接数，默认 25
	MaxIdleConns    int           // 最大空闲连接数，默认 5
	ConnMaxLifetime time.Duration // 连接最大生命周期，默认 5 分钟
}

// StorageConfig 定义分片文件存储配置
type StorageConfig struct {
	Path       string // 存储根目录，默认 "./data/archive"
	MaxSubdirs int    // 单个分片目录容纳的子目录数上限，默认 1000
}

// DaemonConfig 定义归档守护进程的全局默认参数
type DaemonConfig struct {
	CycleInterval time.Duration // 默认轮询间隔，默认 60s
	RestartTime   time.Duration // 运行循环崩溃后的重启等待时间，默认 10s
	FetchTimeout  time.Duration // 单个获取周期的超时上限，0 表示不限制
}

// ParserConfig 定义邮件解析与附件保存策略
type ParserConfig struct {
	ThrowOutSpam            bool     // 跳过 X-Spam-Flag 标记为 YES 的邮件
	SaveContentTypePrefixes []string // 没有 attachment disposition 时仍按附件保存的 content-type 前缀
	SkipContentTypeSuffixes []string // 永不保存的 content-type 后缀（如签名部件）
}

// Config 是系统核心配置的根结构体，包含所有子系统的配置
type Config struct {
	Server   ServerConfig   // HTTP 控制接口配置
	CORS     CORSConfig     // 跨域配置
	Log      LogConfig      // 日志配置
	Database DatabaseConfig // 索引数据库配置
	Storage  StorageConfig  // 分片文件存储配置
	Daemon   DaemonConfig   // 守护进程默认参数
	Parser   ParserConfig   // 解析策略配置
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量（最高优先级）
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: MAILARCHIVE_
// 例如: MAILARCHIVE_DATABASE_DSN, MAILARCHIVE_STORAGE_PATH
//
// 返回值:
//   - *Config: 加载成功的配置对象
//   - error: 配置验证失败时返回错误
func Load() (*Config, error) {
	// 尝试加载 .env 文件（静默失败，因为 .env 文件是可选的）
	loadEnvFile()

	viper.SetEnvPrefix("mailarchive")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("cors.allowed_origins", "*")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.development", false)
	viper.SetDefault("log.directory", "./logs")
	viper.SetDefault("log.max_size_mb", 10)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("database.type", "") // 默认为空，使用内存存储
	viper.SetDefault("database.dsn", "")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("storage.path", "./data/archive")
	viper.SetDefault("storage.max_subdirs", 1000)
	viper.SetDefault("daemon.cycle_interval", "60s")
	viper.SetDefault("daemon.restart_time", "10s")
	viper.SetDefault("daemon.fetch_timeout", "0s")
	viper.SetDefault("parser.throw_out_spam", false)
	viper.SetDefault("parser.save_content_type_prefixes", "application/pdf")
	viper.SetDefault("parser.skip_content_type_suffixes", "pkcs7-signature,pgp-signature")

	corsOrigins := parseList(viper.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	cycleInterval, err := time.ParseDuration(viper.GetString("daemon.cycle_interval"))
	if err != nil {
		return nil, fmt.Errorf("invalid daemon.cycle_interval: %w", err)
	}
	if cycleInterval <= 0 {
		cycleInterval = 60 * time.Second
	}

	restartTime, err := time.ParseDuration(viper.GetString("daemon.restart_time"))
	if err != nil {
		return nil, fmt.Errorf("invalid daemon.restart_time: %w", err)
	}
	if restartTime <= 0 {
		restartTime = 10 * time.Second
	}

	fetchTimeout, err := time.ParseDuration(viper.GetString("daemon.fetch_timeout"))
	if err != nil {
		return nil, fmt.Errorf("invalid daemon.fetch_timeout: %w", err)
	}

	connMaxLifetime, err := time.ParseDuration(viper.GetString("database.conn_max_lifetime"))
	if err != nil {
		connMaxLifetime = 5 * time.Minute
	}

	storagePath := viper.GetString("storage.path")
	if storagePath == "" {
		return nil, fmt.Errorf("storage.path must not be empty")
	}

	maxSubdirs := viper.GetInt("storage.max_subdirs")
	if maxSubdirs <= 0 {
		maxSubdirs = 1000
	}

	cfg := &Config{
		Server: ServerConfig{
			Host: viper.GetString("server.host"),
			Port: viper.GetInt("server.port"),
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
		Log: LogConfig{
			Level:       viper.GetString("log.level"),
			Development: viper.GetBool("log.development"),
			Directory:   viper.GetString("log.directory"),
			MaxSizeMB:   viper.GetInt("log.max_size_mb"),
			MaxBackups:  viper.GetInt("log.max_backups"),
		},
		Database: DatabaseConfig{
			Type:            viper.GetString("database.type"),
			DSN:             viper.GetString("database.dsn"),
			MaxOpenConns:    viper.GetInt("database.max_open_conns"),
			MaxIdleConns:    viper.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: connMaxLifetime,
		},
		Storage: StorageConfig{
			Path:       storagePath,
			MaxSubdirs: maxSubdirs,
		},
		Daemon: DaemonConfig{
			CycleInterval: cycleInterval,
			RestartTime:   restartTime,
			FetchTimeout:  fetchTimeout,
		},
		Parser: ParserConfig{
			ThrowOutSpam:            viper.GetBool("parser.throw_out_spam"),
			SaveContentTypePrefixes: parseList(viper.GetString("parser.save_content_type_prefixes")),
			SkipContentTypeSuffixes: parseList(viper.GetString("parser.skip_content_type_suffixes")),
		},
	}

	return cfg, nil
}

// parseList 将逗号分隔的字符串解析为字符串切片
//
// 参数:
//   - value: 逗号分隔的字符串，如 "item1,item2,item3"
//
// 返回值:
//   - []string: 解析后的字符串切片，已去除空白字符
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 加载顺序：
//  1. 当前目录的 .env
//  2. 父目录的 .env（用于从 backend/ 子目录运行的情况）
//
// 注意：
//   - 如果文件不存在，静默失败（.env 是可选的）
//   - 环境变量不会被覆盖（已存在的环境变量优先级更高）
func loadEnvFile() {
	// 尝试当前目录的 .env
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	// 尝试父目录的 .env（从 backend/ 目录运行时）
	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
