package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// IcecastConfig describes the stream origin the encoder publishes to.
type IcecastConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	Mount    string `yaml:"mount"`
}

// Config stores the application configuration.
type Config struct {
	Port           string `yaml:"port"`
	AdminToken     string `yaml:"admin_token"`
	AdminTokenHash string `yaml:"admin_token_hash"` // bcrypt hash, alternative to AdminToken
	SessionSecret  string `yaml:"session_secret"`
	SessionTTL     time.Duration

	// 媒体处理
	FFmpegPath   string `yaml:"ffmpeg_path"`
	FFprobePath  string `yaml:"ffprobe_path"`
	YtdlpPath    string `yaml:"ytdlp_path"`
	AudioBitrate string `yaml:"audio_bitrate"`
	CacheDir     string `yaml:"cache_dir"`
	LibraryDir   string `yaml:"library_dir"` // fallback library, empty disables it
	KeepFiles    bool   `yaml:"keep_files"`
	Streaming    bool   `yaml:"streaming"` // false runs the engine without an encoder (dev)

	Icecast IcecastConfig `yaml:"icecast"`

	// 播放引擎
	PreloadSize          int `yaml:"preload_size"`
	RetryLimit           int `yaml:"retry_limit"`
	MaxDurationSeconds   int `yaml:"max_duration_seconds"`
	VoteThresholdSeconds int `yaml:"vote_threshold_seconds"`
	MetadataTimeout      time.Duration
	DownloadTimeout      time.Duration
	SearchTimeout        time.Duration
	DurationVoteTimeout  time.Duration
	AddRatePerMinute     int `yaml:"add_rate_per_minute"`

	// 数据库
	DBDriver   string `yaml:"db_driver"` // mysql, sqlite, memory
	DBHost     string `yaml:"db_host"`
	DBPort     string `yaml:"db_port"`
	DBUser     string `yaml:"db_user"`
	DBPassword string `yaml:"-"`
	DBName     string `yaml:"db_name"`
	DBPath     string `yaml:"db_path"` // sqlite file

	// Redis配置，RedisHost 为空时不启用
	RedisHost     string `yaml:"redis_host"`
	RedisPort     string `yaml:"redis_port"`
	RedisPassword string `yaml:"-"`
	RedisDB       int    `yaml:"redis_db"`

	// MinIO 归档，MinioEndpoint 为空时不启用
	MinioEndpoint  string `yaml:"minio_endpoint"`
	MinioAccessKey string `yaml:"-"`
	MinioSecretKey string `yaml:"-"`
	MinioBucket    string `yaml:"minio_bucket"`
	MinioRegion    string `yaml:"minio_region"`
	MinioUseSSL    bool   `yaml:"minio_use_ssl"`

	// 日志
	LogLevel      string `yaml:"log_level"`
	LogPath       string `yaml:"log_path"`
	LogMaxSize    int    `yaml:"log_max_size"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	LogMaxAge     int    `yaml:"log_max_age"`
	LogCompress   bool   `yaml:"log_compress"`
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// getEnvInt gets an environment variable as int or returns a default value.
func getEnvInt(key string, fallback int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

// getEnvSeconds reads a number of seconds.
func getEnvSeconds(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Second
}

// Load loads configuration from environment variables (via .env file) or defaults.
func Load() *Config {
	// godotenv.Load() will not override existing env vars.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found or error loading .env, relying on existing environment variables and defaults.")
	}

	cacheDir := getEnv("CACHE_DIR", filepath.Join(os.TempDir(), "queuefm_cache"))

	cfg := &Config{
		Port:           getEnv("PORT", "3001"),
		AdminToken:     getEnv("ADMIN_TOKEN", ""),
		AdminTokenHash: getEnv("ADMIN_TOKEN_HASH", ""),
		SessionSecret:  getEnv("SESSION_SECRET", ""),
		SessionTTL:     time.Duration(getEnvInt("SESSION_TTL_HOURS", 12)) * time.Hour,

		FFmpegPath:   getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:  getEnv("FFPROBE_PATH", "ffprobe"),
		YtdlpPath:    getEnv("YTDLP_PATH", ""),
		AudioBitrate: getEnv("AUDIO_BITRATE", "128k"),
		CacheDir:     cacheDir,
		LibraryDir:   getEnv("LIBRARY_DIR", ""),
		KeepFiles:    getEnvBool("KEEP_FILES", false),
		Streaming:    getEnvBool("STREAMING", true),

		Icecast: IcecastConfig{
			Host:     getEnv("ICECAST_HOST", "localhost"),
			Port:     getEnvInt("ICECAST_PORT", 8000),
			Password: getEnv("ICECAST_PASSWORD", ""),
			Mount:    getEnv("ICECAST_MOUNT", "/stream"),
		},

		PreloadSize:          getEnvInt("PRELOAD_SIZE", 5),
		RetryLimit:           getEnvInt("RETRY_LIMIT", 2),
		MaxDurationSeconds:   getEnvInt("MAX_DURATION_SECONDS", 600),
		VoteThresholdSeconds: getEnvInt("VOTE_THRESHOLD_SECONDS", 300),
		MetadataTimeout:      getEnvSeconds("METADATA_TIMEOUT_SECONDS", 20),
		DownloadTimeout:      getEnvSeconds("DOWNLOAD_TIMEOUT_SECONDS", 300),
		SearchTimeout:        getEnvSeconds("SEARCH_TIMEOUT_SECONDS", 15),
		DurationVoteTimeout:  getEnvSeconds("DURATION_VOTE_TIMEOUT_SECONDS", 30),
		AddRatePerMinute:     getEnvInt("ADD_RATE_PER_MINUTE", 6),

		DBDriver:   getEnv("DB_DRIVER", "sqlite"),
		DBHost:     getEnv("DB_HOST", "127.0.0.1"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: os.Getenv("DB_PASSWORD"), // For password, better not to have a hardcoded default
		DBName:     getEnv("DB_NAME", "queuefm"),
		DBPath:     getEnv("DB_PATH", "queuefm.db"),

		RedisHost:     getEnv("REDIS_HOST", ""),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		MinioEndpoint:  getEnv("MINIO_ENDPOINT", ""),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getEnv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getEnv("MINIO_BUCKET", "queuefm"),
		MinioRegion:    getEnv("MINIO_REGION", "us-east-1"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),

		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogPath:       getEnv("LOG_PATH", ""),
		LogMaxSize:    getEnvInt("LOG_MAX_SIZE", 100),
		LogMaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
		LogMaxAge:     getEnvInt("LOG_MAX_AGE", 30),
		LogCompress:   getEnvBool("LOG_COMPRESS", true),
	}

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			log.Printf("Ignoring config file %s: %v", path, err)
		}
	}

	return cfg
}

// applyFile overlays non-zero values from a YAML file on top of cfg.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	// yaml.Unmarshal only touches keys present in the document.
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}

// Validate reports configuration that makes the service unable to run.
func (c *Config) Validate() error {
	var errs []error
	if c.AdminToken == "" && c.AdminTokenHash == "" {
		errs = append(errs, errors.New("ADMIN_TOKEN or ADMIN_TOKEN_HASH must be set"))
	}
	if c.Streaming && c.Icecast.Password == "" {
		errs = append(errs, errors.New("ICECAST_PASSWORD must be set when streaming is enabled"))
	}
	if c.PreloadSize < 0 {
		errs = append(errs, fmt.Errorf("PRELOAD_SIZE must not be negative, got %d", c.PreloadSize))
	}
	if c.RetryLimit < 1 {
		errs = append(errs, fmt.Errorf("RETRY_LIMIT must be at least 1, got %d", c.RetryLimit))
	}
	switch c.DBDriver {
	case "mysql", "sqlite", "memory":
	default:
		errs = append(errs, fmt.Errorf("unsupported DB_DRIVER %q", c.DBDriver))
	}
	return errors.Join(errs...)
}

// RedisEnabled reports whether a redis server is configured.
func (c *Config) RedisEnabled() bool {
	return c.RedisHost != ""
}

// MinioEnabled reports whether archiving to object storage is configured.
func (c *Config) MinioEnabled() bool {
	return c.MinioEndpoint != ""
}

// SigningSecret returns the key used for admin session tokens.
func (c *Config) SigningSecret() string {
	if c.SessionSecret != "" {
		return c.SessionSecret
	}
	if c.AdminToken != "" {
		return c.AdminToken
	}
	return c.AdminTokenHash
}
