package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig      `mapstructure:"server"`
	Log       LogConfig         `mapstructure:"log"`
	JWT       JWTConfig         `mapstructure:"jwt"`
	Database  DatabaseConfig    `mapstructure:"database"`
	Worker    WorkerConfig      `mapstructure:"worker"`
	Sweeper   SweeperConfig     `mapstructure:"sweeper"`
	Internal  InternalConfig    `mapstructure:"internal"`
	Credits   CreditsConfig     `mapstructure:"credits"`
	Provider  ProviderConfig    `mapstructure:"provider"`
	Storage   StorageConfig     `mapstructure:"storage"`
	Guard     GuardConfig       `mapstructure:"guard"`
	Reference ReferenceConfig   `mapstructure:"reference"`
	Scheduler SchedulerConfig   `mapstructure:"scheduler"`
	Tracing   TracingConfig     `mapstructure:"tracing"`
	Models    map[string]string `mapstructure:"models"` // 车型 slug -> 显示名称
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`      // json 或 text
	Output     string `mapstructure:"output"`      // stdout 或 file
	MaxSize    int    `mapstructure:"max_size"`    // 兆字节
	MaxBackups int    `mapstructure:"max_backups"` // 备份数量
	MaxAge     int    `mapstructure:"max_age"`     // 天数
	Compress   bool   `mapstructure:"compress"`    // 是否压缩旧文件
}

type JWTConfig struct {
	Secret     string `mapstructure:"secret"`      // JWT 密钥
	ExpireTime int    `mapstructure:"expire_time"` // 过期时间（小时）
	Issuer     string `mapstructure:"issuer"`      // 签发者
}

type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"` // sqlite 或 postgres
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// WorkerConfig worker-tick 相关配置
type WorkerConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	BatchSize     int    `mapstructure:"batch_size"`
	MaxBatchSize  int    `mapstructure:"max_batch_size"`
	LeaseSeconds  int    `mapstructure:"lease_seconds"`
	MaxAttempts   int    `mapstructure:"max_attempts"`
	DefaultOrigin string `mapstructure:"default_origin"`
}

// SweeperConfig sweeper-tick 相关配置
type SweeperConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	BatchSize    int  `mapstructure:"batch_size"`
	MaxBatchSize int  `mapstructure:"max_batch_size"`
	StaleSeconds int  `mapstructure:"stale_seconds"`
}

// InternalConfig 内部触发接口的鉴权配置
type InternalConfig struct {
	WorkerSecret     string `mapstructure:"worker_secret"`
	HMACSecret       string `mapstructure:"hmac_secret"`
	AllowLegacyToken bool   `mapstructure:"allow_legacy_token"`
	HMACSkewSeconds  int    `mapstructure:"hmac_skew_seconds"`
}

type CreditsConfig struct {
	GenerationCost int `mapstructure:"generation_cost"`
}

type ProviderConfig struct {
	APIBaseURL     string `mapstructure:"api_base_url"`
	APIKey         string `mapstructure:"api_key"`
	Model          string `mapstructure:"model"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	RetryCount     int    `mapstructure:"retry_count"`
}

// StorageConfig 生成结果的对象存储配置
type StorageConfig struct {
	Driver        string      `mapstructure:"driver"` // local, oss, minio
	PublicBaseURL string      `mapstructure:"public_base_url"`
	LocalDir      string      `mapstructure:"local_dir"`
	OSS           OSSConfig   `mapstructure:"oss"`
	MinIO         MinIOConfig `mapstructure:"minio"`
}

type OSSConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	AccessKeySecret string `mapstructure:"access_key_secret"`
	Bucket          string `mapstructure:"bucket"`
}

type MinIOConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

type GuardConfig struct {
	RulesFile       string `mapstructure:"rules_file"` // 为空时使用内置规则
	MaxPromptLength int    `mapstructure:"max_prompt_length"`
}

type ReferenceConfig struct {
	AllowedHosts []string `mapstructure:"allowed_hosts"`
	MaxImages    int      `mapstructure:"max_images"`
}

// SchedulerConfig 进程内定时触发（默认关闭，由外部定时调用 tick 接口）
type SchedulerConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	WorkerCron  string `mapstructure:"worker_cron"`
	SweeperCron string `mapstructure:"sweeper_cron"`
}

type TracingConfig struct {
	Exporter    string  `mapstructure:"exporter"` // none, stdout, otlphttp
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

func Load() *Config {
	setDefaults()

	// 读取配置
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("未找到配置文件，使用默认配置")
		} else {
			log.Fatalf("读取配置文件出错: %v", err)
		}
	}

	config, err := Decode()
	if err != nil {
		log.Fatalf("配置加载失败: %v", err)
	}
	return config
}

// Decode 从 viper 当前状态解码并校验配置，配置热更新时复用
func Decode() (*Config, error) {
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解码配置: %w", err)
	}

	normalize(&config)

	// 验证配置
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &config, nil
}

// setDefaults 设置默认配置
func setDefaults() {
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("server.port", "5000")

	// 日志默认配置
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age", 28)
	viper.SetDefault("log.compress", true)

	// JWT默认配置
	viper.SetDefault("jwt.secret", "your-secret-key-change-in-production")
	viper.SetDefault("jwt.expire_time", 24) // 24小时
	viper.SetDefault("jwt.issuer", "wrap-studio")

	viper.SetDefault("database.driver", "sqlite")
	viper.SetDefault("database.dsn", "data/wrap-studio.db")
	viper.SetDefault("database.max_open_conns", 10)
	viper.SetDefault("database.max_idle_conns", 5)

	viper.SetDefault("worker.enabled", true)
	viper.SetDefault("worker.batch_size", 2)
	viper.SetDefault("worker.max_batch_size", 5)
	viper.SetDefault("worker.lease_seconds", 240)
	viper.SetDefault("worker.max_attempts", 3)
	viper.SetDefault("worker.default_origin", "https://tewan.club")

	viper.SetDefault("sweeper.enabled", true)
	viper.SetDefault("sweeper.batch_size", 50)
	viper.SetDefault("sweeper.max_batch_size", 200)
	viper.SetDefault("sweeper.stale_seconds", 600)

	viper.SetDefault("internal.allow_legacy_token", true)
	viper.SetDefault("internal.hmac_skew_seconds", 300)

	viper.SetDefault("credits.generation_cost", 10)

	viper.SetDefault("provider.api_base_url", "https://generativelanguage.googleapis.com")
	viper.SetDefault("provider.model", "gemini-3-pro-image-preview")
	viper.SetDefault("provider.timeout_seconds", 45)
	viper.SetDefault("provider.retry_count", 1)

	viper.SetDefault("storage.driver", "local")
	viper.SetDefault("storage.local_dir", "data/objects")
	viper.SetDefault("storage.public_base_url", "http://localhost:5000/objects")

	viper.SetDefault("guard.max_prompt_length", 320)

	viper.SetDefault("reference.allowed_hosts", []string{"cdn.tewan.club"})
	viper.SetDefault("reference.max_images", 3)

	viper.SetDefault("scheduler.enabled", false)
	viper.SetDefault("scheduler.worker_cron", "@every 15s")
	viper.SetDefault("scheduler.sweeper_cron", "@every 1m")

	viper.SetDefault("tracing.exporter", "none")
	viper.SetDefault("tracing.insecure", true)
	viper.SetDefault("tracing.sample_ratio", 1.0)

	viper.SetDefault("models", DefaultModels())
}

// DefaultModels 默认支持的车型
func DefaultModels() map[string]string {
	return map[string]string{
		"cybertruck":        "Cybertruck",
		"model-3":           "Model 3",
		"model-3-2024-plus": "Model 3 2024+",
		"model-y-pre-2025":  "Model Y",
		"model-y-2025-plus": "Model Y 2025+",
	}
}

// normalize 把数值配置收敛到安全范围
func normalize(config *Config) {
	if config.Worker.BatchSize < 1 {
		config.Worker.BatchSize = 1
	}
	if config.Worker.MaxBatchSize < config.Worker.BatchSize {
		config.Worker.MaxBatchSize = config.Worker.BatchSize
	}
	if config.Worker.LeaseSeconds < 30 {
		config.Worker.LeaseSeconds = 30
	}
	if config.Worker.MaxAttempts < 1 {
		config.Worker.MaxAttempts = 1
	}
	config.Worker.DefaultOrigin = strings.TrimRight(strings.TrimSpace(config.Worker.DefaultOrigin), "/")

	if config.Sweeper.BatchSize < 1 {
		config.Sweeper.BatchSize = 1
	}
	if config.Sweeper.MaxBatchSize < config.Sweeper.BatchSize {
		config.Sweeper.MaxBatchSize = config.Sweeper.BatchSize
	}
	if config.Sweeper.StaleSeconds < 60 {
		config.Sweeper.StaleSeconds = 60
	}

	if config.Internal.HMACSkewSeconds < 30 {
		config.Internal.HMACSkewSeconds = 30
	}
	config.Internal.WorkerSecret = strings.TrimSpace(config.Internal.WorkerSecret)
	config.Internal.HMACSecret = strings.TrimSpace(config.Internal.HMACSecret)

	if config.Guard.MaxPromptLength <= 0 {
		config.Guard.MaxPromptLength = 320
	}
	if config.Reference.MaxImages < 0 {
		config.Reference.MaxImages = 0
	}
	if len(config.Models) == 0 {
		config.Models = DefaultModels()
	}
}

// validateConfig 验证配置的有效性
func validateConfig(config *Config) error {
	if config.Server.Port == "" {
		return fmt.Errorf("服务器端口未设置")
	}
	if config.JWT.Secret == "" {
		return fmt.Errorf("JWT密钥未设置")
	}
	switch config.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("不支持的数据库驱动: %s", config.Database.Driver)
	}
	if config.Database.DSN == "" {
		return fmt.Errorf("数据库连接串未设置")
	}
	switch config.Storage.Driver {
	case "local", "oss", "minio":
	default:
		return fmt.Errorf("不支持的存储驱动: %s", config.Storage.Driver)
	}
	if config.Credits.GenerationCost < 0 {
		return fmt.Errorf("生成消耗积分不能为负数")
	}
	return nil
}
