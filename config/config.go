package config

import (
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config stores the application configuration.
type Config struct {
	HTTPAddr string
	EnvFile  string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBLogSQL   bool

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka event relay, disabled when no brokers are set
	KafkaBrokers []string
	KafkaTopic   string

	// MinIO history archive, disabled when no endpoint is set
	MinioEndpoint  string
	MinioAccessKey string
	MinioSecretKey string
	MinioBucket    string
	MinioRegion    string
	MinioUseSSL    bool

	JWTSecret   string
	JWTIssuer   string
	JWTLifetime time.Duration

	VideoLookupURL     string
	VideoLookupTimeout time.Duration
	VideoCacheSize     int

	LogLevel      string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	Engine EngineConfig
}

// EngineConfig holds the room engine tunables. These may be hot reloaded.
type EngineConfig struct {
	ClientBuffer          time.Duration
	TickInterval          time.Duration
	TickTimeout           time.Duration
	TickParallelism       int
	DefaultAFKTimeout     time.Duration
	DefaultCooldown       time.Duration
	DefaultSkipRatio      float64
	SubscriberBuffer      int
	MailboxSize           int
	PersistTimeout        time.Duration
	RestoreOnStartup      bool
	ArchiveHistoryOnClose bool
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

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

func getEnvFloat(key string, fallback float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

// getEnvDuration accepts Go duration strings ("2s", "30m").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Load loads configuration from the .env file (if any) and the environment.
func Load() *Config {
	envFile := getEnv("ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil {
		log.Println("No .env file found, relying on environment variables and defaults.")
	}
	cfg := fromEnv()
	cfg.EnvFile = envFile
	return cfg
}

func fromEnv() *Config {
	return &Config{
		HTTPAddr: getEnv("HTTP_ADDR", ":8080"),

		DBHost:     getEnv("DB_HOST", "127.0.0.1"),
		DBPort:     getEnv("DB_PORT", "3306"),
		DBUser:     getEnv("DB_USER", "root"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     getEnv("DB_NAME", "worship"),
		DBLogSQL:   getEnvBool("DB_LOG_SQL", false),

		RedisHost:     getEnv("REDIS_HOST", "127.0.0.1"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		KafkaBrokers: getEnvList("KAFKA_BROKERS"),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "worship-room-events"),

		MinioEndpoint:  getEnv("MINIO_ENDPOINT", ""),
		MinioAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		MinioSecretKey: getEnv("MINIO_SECRET_KEY", ""),
		MinioBucket:    getEnv("MINIO_BUCKET", "worship-history"),
		MinioRegion:    getEnv("MINIO_REGION", "us-east-1"),
		MinioUseSSL:    getEnvBool("MINIO_USE_SSL", false),

		JWTSecret:   getEnv("JWT_SECRET", "change-me"),
		JWTIssuer:   getEnv("JWT_ISSUER", "worshiproom"),
		JWTLifetime: getEnvDuration("JWT_LIFETIME", 24*time.Hour),

		VideoLookupURL:     getEnv("VIDEO_LOOKUP_URL", ""),
		VideoLookupTimeout: getEnvDuration("VIDEO_LOOKUP_TIMEOUT", 5*time.Second),
		VideoCacheSize:     getEnvInt("VIDEO_CACHE_SIZE", 1024),

		LogLevel:      getEnv("LOG_LEVEL", "info"),
		LogFile:       getEnv("LOG_FILE", "logs/worshiproom.log"),
		LogMaxSizeMB:  getEnvInt("LOG_MAX_SIZE_MB", 100),
		LogMaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
		LogMaxAgeDays: getEnvInt("LOG_MAX_AGE_DAYS", 30),

		Engine: engineFromEnv(),
	}
}

func engineFromEnv() EngineConfig {
	return EngineConfig{
		ClientBuffer:          getEnvDuration("ENGINE_CLIENT_BUFFER", 2*time.Second),
		TickInterval:          getEnvDuration("ENGINE_TICK_INTERVAL", 2*time.Second),
		TickTimeout:           getEnvDuration("ENGINE_TICK_TIMEOUT", 5*time.Second),
		TickParallelism:       getEnvInt("ENGINE_TICK_PARALLELISM", 16),
		DefaultAFKTimeout:     getEnvDuration("ENGINE_AFK_TIMEOUT", 30*time.Minute),
		DefaultCooldown:       getEnvDuration("ENGINE_SONG_COOLDOWN", time.Hour),
		DefaultSkipRatio:      skipRatio(getEnvFloat("ENGINE_SKIP_THRESHOLD", 0.5), 0.5),
		SubscriberBuffer:      getEnvInt("ENGINE_SUBSCRIBER_BUFFER", 64),
		MailboxSize:           getEnvInt("ENGINE_MAILBOX_SIZE", 64),
		PersistTimeout:        getEnvDuration("ENGINE_PERSIST_TIMEOUT", 5*time.Second),
		RestoreOnStartup:      getEnvBool("ENGINE_RESTORE_ON_STARTUP", true),
		ArchiveHistoryOnClose: getEnvBool("ENGINE_ARCHIVE_HISTORY", true),
	}
}

// skipRatio returns v when it is a valid fraction of participants and
// fallback otherwise.
func skipRatio(v, fallback float64) float64 {
	if math.IsNaN(v) || v < 0 || v > 1 {
		log.Printf("ENGINE_SKIP_THRESHOLD %v is outside [0,1], using %v", v, fallback)
		return fallback
	}
	return v
}

// DefaultEngine returns the engine defaults without reading the environment.
func DefaultEngine() EngineConfig {
	return EngineConfig{
		ClientBuffer:          2 * time.Second,
		TickInterval:          2 * time.Second,
		TickTimeout:           5 * time.Second,
		TickParallelism:       16,
		DefaultAFKTimeout:     30 * time.Minute,
		DefaultCooldown:       time.Hour,
		DefaultSkipRatio:      0.5,
		SubscriberBuffer:      64,
		MailboxSize:           64,
		PersistTimeout:        5 * time.Second,
		RestoreOnStartup:      true,
		ArchiveHistoryOnClose: true,
	}
}
