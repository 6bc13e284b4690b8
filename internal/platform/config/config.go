package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite"

	BroadcastMemory = "memory"
	BroadcastRedis  = "redis"

	SandboxLocal  = "local"
	SandboxDocker = "docker"
)

type Config struct {
	APIPort string
	JWTKey  []byte
	JWTExp  time.Duration

	DBDriver   string
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSslMode  string
	DBConnStr  string
	SQLitePath string

	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	BroadcastBackend string
	BroadcastPrefix  string

	SandboxBackend string
	SandboxWorkDir string

	PollIntervalMs       int
	MaxConcurrentBattles int
	TurnTimeoutMs        int
	MemoryLimitBytes     int64
	CPULimitMs           int
	OutputLimitBytes     int
	StaleTurnMultiplier  int
	StoreRetryAttempts   int

	LogLevel  string
	LogPretty bool
}

// SchedulerOptions is the option object recognized by the battle scheduler.
type SchedulerOptions struct {
	PollInterval         time.Duration
	MaxConcurrentBattles int
	TurnTimeout          time.Duration
	MemoryLimitBytes     int64
	StaleAfter           time.Duration
}

// Load reads an optional .env file and then the process environment.
// Missing keys fall back to development defaults.
func Load(logf func(format string, args ...any)) *Config {
	if err := godotenv.Load(); err != nil && logf != nil {
		logf("no .env file found, relying on environment variables")
	}

	cfg := &Config{
		APIPort:              getEnv("API_PORT", "8080"),
		JWTKey:               []byte(getEnv("JWT_SECRET", "defaultsecret")),
		JWTExp:               time.Duration(getEnvAsInt("JWT_EXPIRATION_HOURS", 72)) * time.Hour,
		DBDriver:             getEnv("DB_DRIVER", DriverPostgres),
		DBHost:               getEnv("DB_HOST", "localhost"),
		DBPort:               getEnv("DB_PORT", "5432"),
		DBUser:               getEnv("DB_USER", "arena"),
		DBPassword:           getEnv("DB_PASSWORD", "password"),
		DBName:               getEnv("DB_NAME", "ai_arena"),
		DBSslMode:            getEnv("DB_SSLMODE", "disable"),
		SQLitePath:           getEnv("SQLITE_PATH", "arena.db"),
		RedisAddr:            getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:        getEnv("REDIS_PASSWORD", ""),
		RedisDB:              getEnvAsInt("REDIS_DB", 0),
		BroadcastBackend:     getEnv("BROADCAST_BACKEND", BroadcastMemory),
		BroadcastPrefix:      getEnv("BROADCAST_PREFIX", "arena"),
		SandboxBackend:       getEnv("SANDBOX_BACKEND", SandboxLocal),
		SandboxWorkDir:       getEnv("SANDBOX_WORK_DIR", os.TempDir()),
		PollIntervalMs:       getEnvAsInt("POLL_INTERVAL_MS", 10000),
		MaxConcurrentBattles: getEnvAsInt("MAX_CONCURRENT_BATTLES", 4),
		TurnTimeoutMs:        getEnvAsInt("TURN_TIMEOUT_MS", 2000),
		MemoryLimitBytes:     int64(getEnvAsInt("MEMORY_LIMIT_BYTES", 256<<20)),
		CPULimitMs:           getEnvAsInt("CPU_LIMIT_MS", 0),
		OutputLimitBytes:     getEnvAsInt("OUTPUT_LIMIT_BYTES", 64<<10),
		StaleTurnMultiplier:  getEnvAsInt("STALE_TURN_MULTIPLIER", 10),
		StoreRetryAttempts:   getEnvAsInt("STORE_RETRY_ATTEMPTS", 3),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogPretty:            getEnvAsBool("LOG_PRETTY", false),
	}

	cfg.DBConnStr = "host=" + cfg.DBHost +
		" port=" + cfg.DBPort +
		" user=" + cfg.DBUser +
		" password=" + cfg.DBPassword +
		" dbname=" + cfg.DBName +
		" sslmode=" + cfg.DBSslMode

	return cfg
}

// Scheduler derives the scheduler option object. The staleness threshold is
// the per-turn timeout scaled by StaleTurnMultiplier.
func (c *Config) Scheduler() SchedulerOptions {
	turn := time.Duration(c.TurnTimeoutMs) * time.Millisecond
	mult := c.StaleTurnMultiplier
	if mult <= 0 {
		mult = 10
	}
	return SchedulerOptions{
		PollInterval:         time.Duration(c.PollIntervalMs) * time.Millisecond,
		MaxConcurrentBattles: c.MaxConcurrentBattles,
		TurnTimeout:          turn,
		MemoryLimitBytes:     c.MemoryLimitBytes,
		StaleAfter:           turn * time.Duration(mult),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(getEnv(key, ""))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}
