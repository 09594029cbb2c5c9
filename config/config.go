package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	MongoURI  string
	MongoDB   string
	RedisAddr string
	HTTPPort  string

	SyncInterval      time.Duration
	HeartbeatInterval time.Duration
	MaxRetryAttempts  int
	OfflineSupport    bool
}

func Load() *Config {
	return &Config{
		MongoURI:  getEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDB:   getEnv("MONGO_DB", "examsync"),
		RedisAddr: getEnv("REDIS_ADDR", "localhost:6379"),
		HTTPPort:  getEnv("HTTP_PORT", "8080"),

		SyncInterval:      getEnvMillis("SYNC_INTERVAL_MS", 2000),
		HeartbeatInterval: getEnvMillis("HEARTBEAT_INTERVAL_MS", 30000),
		MaxRetryAttempts:  getEnvInt("MAX_RETRY_ATTEMPTS", 3),
		OfflineSupport:    getEnvBool("OFFLINE_SUPPORT", true),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvMillis(key string, defaultVal int) time.Duration {
	return time.Duration(getEnvInt(key, defaultVal)) * time.Millisecond
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}
