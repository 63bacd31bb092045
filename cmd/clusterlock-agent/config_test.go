package main

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("CLUSTERLOCK_BACKEND", "")
	t.Setenv("CLUSTERLOCK_RETRY_INTERVAL", "")
	cfg := loadConfig()
	if cfg.Backend != "memory" || cfg.RetryInterval != time.Second || cfg.Namespace != "locks" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("CLUSTERLOCK_BACKEND", "postgres")
	t.Setenv("CLUSTERLOCK_RETRY_INTERVAL", "250ms")
	t.Setenv("CLUSTERLOCK_BREAKER_THRESHOLD", "3")
	cfg := loadConfig()
	if cfg.Backend != "postgres" {
		t.Fatalf("backend: got %q", cfg.Backend)
	}
	if cfg.RetryInterval != 250*time.Millisecond {
		t.Fatalf("retry interval: got %v", cfg.RetryInterval)
	}
	if cfg.Breaker != 3 {
		t.Fatalf("breaker: got %d", cfg.Breaker)
	}
}

func TestGetEnvDurationIgnoresGarbage(t *testing.T) {
	t.Setenv("CLUSTERLOCK_TEST_DURATION", "soon")
	if got := getEnvDuration("CLUSTERLOCK_TEST_DURATION", time.Minute); got != time.Minute {
		t.Fatalf("expected fallback, got %v", got)
	}
}

func TestParseReleaseBus(t *testing.T) {
	rb, err := parseReleaseBus("nats", "nats://n:4222", "k1:9092")
	if err != nil || rb.NATSURL != "nats://n:4222" || rb.KafkaBrokers != nil {
		t.Fatalf("nats: got %+v %v", rb, err)
	}
	rb, err = parseReleaseBus("kafka", "nats://n:4222", "k1:9092,k2:9092")
	if err != nil || len(rb.KafkaBrokers) != 2 || rb.NATSURL != "" {
		t.Fatalf("kafka: got %+v %v", rb, err)
	}
	rb, err = parseReleaseBus("local", "nats://n:4222", "k1:9092")
	if err != nil || rb.NATSURL != "" || rb.KafkaBrokers != nil {
		t.Fatalf("local: got %+v %v", rb, err)
	}
	if _, err := parseReleaseBus("kafka", "", ""); err == nil {
		t.Fatal("kafka without brokers must fail")
	}
	if _, err := parseReleaseBus("carrier-pigeon", "", ""); err == nil {
		t.Fatal("unknown bus must fail")
	}
}
