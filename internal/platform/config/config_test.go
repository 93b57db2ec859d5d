package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("APP_ENV", "test")

	cfg, err := Load(ServiceTaskTracker)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.HTTPAddr != ":8081" {
		t.Fatalf("unexpected addr: %q", cfg.HTTPAddr)
	}
	if cfg.Broker.Driver != BrokerJetStream || cfg.StorageDriver != StoragePostgres {
		t.Fatalf("unexpected drivers: %+v", cfg)
	}
	if cfg.Consumer.Group != "task-tracker" || cfg.Consumer.MaxAttempts != 5 {
		t.Fatalf("unexpected consumer config: %+v", cfg.Consumer)
	}
	if cfg.Consumer.PollTimeout != 2*time.Second {
		t.Fatalf("unexpected poll timeout: %s", cfg.Consumer.PollTimeout)
	}
}

func TestLoad_RejectsUnknownBroker(t *testing.T) {
	t.Setenv("APP_ENV", "test")
	t.Setenv("BROKER", "carrier-pigeon")

	if _, err := Load(ServiceIdentity); err == nil {
		t.Fatal("expected error for unknown broker")
	}
}

func TestLoad_ProductionRequiresSecret(t *testing.T) {
	t.Setenv("APP_ENV", "production")

	if _, err := Load(ServiceIdentity); err == nil {
		t.Fatal("expected error for default secret in production")
	}

	t.Setenv("JWT_SECRET", "s3cr3t")
	cfg, err := Load(ServiceIdentity)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if !cfg.IsProduction() {
		t.Fatal("expected production config")
	}
}
