package config

import (
	"testing"
	"time"
)

func TestLoadFromEnvAppliesDefaults(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("DATABASE_URL", "postgres://localhost/fleet")
	t.Setenv("API_JWT_SECRET", "secret")
	t.Setenv("CHECK_TASKS_INTERVAL", "30s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Scheduler.Interval != 30*time.Second {
		t.Fatalf("интервал из окружения не применён: %v", cfg.Scheduler.Interval)
	}
	if cfg.Scheduler.MinSleep != 5*time.Second || cfg.Runtime.ClientTimeout != 30*time.Second {
		t.Fatalf("значения по умолчанию не применены: %+v", cfg.Scheduler)
	}
	if cfg.Session.Backend != "db" {
		t.Fatalf("ожидали backend db, получили %q", cfg.Session.Backend)
	}
}

func TestLoadRejectsUnknownSessionBackend(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("DATABASE_URL", "postgres://localhost/fleet")
	t.Setenv("API_JWT_SECRET", "secret")
	t.Setenv("SESSION_BACKEND", "redis")

	if _, err := Load(); err == nil {
		t.Fatalf("ожидали ошибку для неизвестного backend")
	}
}
