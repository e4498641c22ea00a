// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	MinIO    MinIOConfig    `mapstructure:"minio"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Sweeper  SweeperConfig  `mapstructure:"sweeper"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储 Kafka 相关的配置。
// Enabled 为 false 时装配任务在进程内直接派发。
type KafkaConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
// Enabled 为 true 时已完成的产物会异步镜像到对象存储。
type MinIOConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// StorageConfig 存储本地文件布局的配置。
type StorageConfig struct {
	// StagingDir 是上传会话的暂存根目录，每个会话一个子目录。
	StagingDir string `mapstructure:"staging_dir"`
	// LibraryDir 是校验通过的产物最终入库的根目录。
	LibraryDir string `mapstructure:"library_dir"`
}

// UploadConfig 存储上传会话的边界配置。
type UploadConfig struct {
	// MaxFileSize 单文件大小上限（字节），默认 4GB。
	MaxFileSize int64 `mapstructure:"max_file_size"`
	// MinChunkSize / MaxChunkSize 是协商分片大小的允许区间。
	MinChunkSize int64 `mapstructure:"min_chunk_size"`
	MaxChunkSize int64 `mapstructure:"max_chunk_size"`
	// DefaultChunkSize 客户端未指定分片大小时使用的值，默认 5MB。
	DefaultChunkSize int64 `mapstructure:"default_chunk_size"`
	// SessionTTLHours 会话从创建到过期回收的时长，默认 24 小时。
	SessionTTLHours int `mapstructure:"session_ttl_hours"`
	// AllowedExtensions 可被接收的文件扩展名白名单（含点，小写）。
	AllowedExtensions []string `mapstructure:"allowed_extensions"`
}

// ArchiveConfig 存储压缩包安全校验的边界配置。
type ArchiveConfig struct {
	// MaxCompressionRatio 解压后/压缩前大小比的上限，默认 100。
	MaxCompressionRatio float64 `mapstructure:"max_compression_ratio"`
	// MaxEntryCount 压缩包内条目数上限，默认 10000。
	MaxEntryCount int `mapstructure:"max_entry_count"`
	// MaxTotalUncompressed 解压后总大小上限（字节），默认 16GB。
	MaxTotalUncompressed int64 `mapstructure:"max_total_uncompressed"`
	// ExtractTimeoutSeconds 单次解压的最长耗时，默认 300 秒。
	ExtractTimeoutSeconds int `mapstructure:"extract_timeout_seconds"`
	// EnableExternalTools 是否允许调用 7z 命令行处理 7z/RAR。
	EnableExternalTools bool `mapstructure:"enable_external_tools"`
	// SevenZipPath 7z 可执行文件路径。
	SevenZipPath string `mapstructure:"seven_zip_path"`
}

// SweeperConfig 存储过期会话清扫任务的配置。
type SweeperConfig struct {
	// IntervalMinutes 后台清扫周期，默认 10 分钟。
	IntervalMinutes int `mapstructure:"interval_minutes"`
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("读取配置文件失败: %w", err))
	}

	if err := viper.Unmarshal(&Conf); err != nil {
		panic(fmt.Errorf("无法将配置解析到结构体中: %w", err))
	}
}

// setDefaults 注册所有带默认值的配置项，配置文件可覆盖。
func setDefaults() {
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.mode", "release")

	viper.SetDefault("storage.staging_dir", "data/staging")
	viper.SetDefault("storage.library_dir", "data/library")

	viper.SetDefault("upload.max_file_size", int64(4)<<30)
	viper.SetDefault("upload.min_chunk_size", int64(256)<<10)
	viper.SetDefault("upload.max_chunk_size", int64(16)<<20)
	viper.SetDefault("upload.default_chunk_size", int64(5)<<20)
	viper.SetDefault("upload.session_ttl_hours", 24)

	viper.SetDefault("archive.max_compression_ratio", 100.0)
	viper.SetDefault("archive.max_entry_count", 10000)
	viper.SetDefault("archive.max_total_uncompressed", int64(16)<<30)
	viper.SetDefault("archive.extract_timeout_seconds", 300)
	viper.SetDefault("archive.enable_external_tools", false)
	viper.SetDefault("archive.seven_zip_path", "7z")

	viper.SetDefault("sweeper.interval_minutes", 10)
}
