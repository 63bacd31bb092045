package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// config holds the flag defaults. Values come from CLUSTERLOCK_* variables,
// optionally loaded from a .env file in the working directory.
type config struct {
	Addr          string
	Backend       string
	Namespace     string
	RetryInterval time.Duration
	RedisAddr     string
	NATSURL       string
	SQLitePath    string
	PostgresDSN   string
	MySQLDSN      string
	KafkaBrokers  string
	ReleaseBus    string
	Breaker       int
}

// releaseBus is where SQL backends without a change feed announce releases.
type releaseBus struct {
	KafkaBrokers []string
	NATSURL      string
}

// parseReleaseBus resolves the -release-bus choice. "local" keeps release
// events inside the process.
func parseReleaseBus(kind, natsURL, kafkaBrokers string) (releaseBus, error) {
	switch kind {
	case "", "local":
		return releaseBus{}, nil
	case "nats":
		return releaseBus{NATSURL: natsURL}, nil
	case "kafka":
		if kafkaBrokers == "" {
			return releaseBus{}, fmt.Errorf("release bus kafka needs -kafka-brokers")
		}
		return releaseBus{KafkaBrokers: strings.Split(kafkaBrokers, ",")}, nil
	}
	return releaseBus{}, fmt.Errorf("unknown release bus %q", kind)
}

func loadConfig() config {
	_ = godotenv.Load()

	return config{
		Addr:          getEnv("CLUSTERLOCK_ADDR", ":8080"),
		Backend:       getEnv("CLUSTERLOCK_BACKEND", "memory"),
		Namespace:     getEnv("CLUSTERLOCK_NAMESPACE", "locks"),
		RetryInterval: getEnvDuration("CLUSTERLOCK_RETRY_INTERVAL", time.Second),
		RedisAddr:     getEnv("CLUSTERLOCK_REDIS_ADDR", "localhost:6379"),
		NATSURL:       getEnv("CLUSTERLOCK_NATS_URL", "nats://localhost:4222"),
		SQLitePath:    getEnv("CLUSTERLOCK_SQLITE_PATH", "clusterlock.db"),
		PostgresDSN:   getEnv("CLUSTERLOCK_POSTGRES_DSN", "postgres://localhost:5432/clusterlock"),
		MySQLDSN:      getEnv("CLUSTERLOCK_MYSQL_DSN", "root@tcp(localhost:3306)/clusterlock"),
		KafkaBrokers:  getEnv("CLUSTERLOCK_KAFKA_BROKERS", ""),
		ReleaseBus:    getEnv("CLUSTERLOCK_RELEASE_BUS", "local"),
		Breaker:       getEnvInt("CLUSTERLOCK_BREAKER_THRESHOLD", 0),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return defaultValue
}
