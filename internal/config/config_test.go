package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func baseEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"STORAGE_DRIVER", "DB_HOST", "DB_PORT", "DB_USER", "DB_PASSWORD", "DB_NAME", "DB_SSLMODE",
		"REDIS_HOST", "REDIS_PORT", "LOG_LEVEL", "PIPELINE_CONFIG", "PIPELINE_WORKERS",
		"PIPELINE_RETRY_BACKOFF", "PIPELINE_ENGINE_TIMEOUT", "PIPELINE_LOCK_TTL", "RETENTION_DAYS",
		"REPORT_TIMEZONE", "ANALYZER_LANGUAGES", "JWT_ACCESS_TTL", "JWT_REFRESH_TTL",
	} {
		t.Setenv(k, "")
	}
	t.Setenv("APP_ENV", "local")
	t.Setenv("APP_PORT", "8080")
	t.Setenv("JWT_SECRET", "secret")
}

func TestLoad_ReportsMissingRequired(t *testing.T) {
	// Ensure a clean env by not setting anything and calling validation directly.
	c := Config{}
	c.applyDefaults()
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestLoad_LocalDefaults(t *testing.T) {
	baseEnv(t)

	c, err := Load()
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if c.Storage.Driver != DriverMemory {
		t.Fatalf("expected memory driver by default, got %q", c.Storage.Driver)
	}
	if c.Pipeline.Workers != 4 || c.Pipeline.QueueSize != 256 || c.Pipeline.MaxAttempts != 3 {
		t.Fatalf("unexpected pipeline defaults: %+v", c.Pipeline)
	}
	if c.Pipeline.RetryBackoff != time.Minute || c.Pipeline.EngineTimeout != 30*time.Minute || c.Pipeline.LockTTL != 2*time.Hour {
		t.Fatalf("unexpected pipeline durations: %+v", c.Pipeline)
	}
	if c.Schedule.ReaperStuckTimeout != 30*time.Minute || c.Schedule.RetentionDays != 90 {
		t.Fatalf("unexpected schedule defaults: %+v", c.Schedule)
	}
	if c.Schedule.Location() != time.UTC {
		t.Fatalf("expected UTC report location")
	}
	if strings.Join(c.Engines.AnalyzerLanguages, ",") != "ru,en" {
		t.Fatalf("unexpected analyzer languages %v", c.Engines.AnalyzerLanguages)
	}
	if c.RedisEnabled() {
		t.Fatalf("redis must be optional")
	}
}

func TestLoad_ExplicitZeroEngineTimeoutDisablesIt(t *testing.T) {
	baseEnv(t)
	t.Setenv("PIPELINE_ENGINE_TIMEOUT", "0s")

	c, err := Load()
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if c.Pipeline.EngineTimeout != 0 {
		t.Fatalf("expected disabled engine timeout, got %v", c.Pipeline.EngineTimeout)
	}
}

func TestLoad_BadDurationIsReported(t *testing.T) {
	baseEnv(t)
	t.Setenv("PIPELINE_RETRY_BACKOFF", "soon")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "PIPELINE_RETRY_BACKOFF") {
		t.Fatalf("expected duration error, got %v", err)
	}
}

func TestLoad_YAMLOverlayWinsOverEnv(t *testing.T) {
	baseEnv(t)
	t.Setenv("PIPELINE_WORKERS", "2")

	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	doc := "pipeline:\n  workers: 9\n  retry_backoff: 5s\nschedule:\n  retention_days: 0\n  timezone: Europe/Moscow\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	t.Setenv("PIPELINE_CONFIG", path)

	c, err := Load()
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if c.Pipeline.Workers != 9 || c.Pipeline.RetryBackoff != 5*time.Second {
		t.Fatalf("overlay not applied: %+v", c.Pipeline)
	}
	if c.Pipeline.QueueSize != 256 {
		t.Fatalf("keys absent from the file must keep defaults, got %d", c.Pipeline.QueueSize)
	}
	if c.Schedule.RetentionDays != 0 {
		t.Fatalf("explicit zero retention must survive, got %d", c.Schedule.RetentionDays)
	}
	if c.Schedule.Location().String() != "Europe/Moscow" {
		t.Fatalf("unexpected location %v", c.Schedule.Location())
	}
}

func TestLoad_MissingOverlayFileFails(t *testing.T) {
	baseEnv(t)
	t.Setenv("PIPELINE_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := Load(); err == nil {
		t.Fatalf("expected error for unreadable overlay")
	}
}

func postgresConfig(env string) Config {
	c := Config{
		App:     AppConfig{Env: env, Port: 8080},
		Storage: StorageConfig{Driver: DriverPostgres},
		DB:      DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "calls"},
		Auth:    AuthConfig{JWTSecret: "secret", JWTIssuer: "iss", JWTAudience: "aud"},
	}
	c.applyDefaults()
	return c
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := postgresConfig("production")
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for production without DB_SSLMODE")
	}
}

func TestValidate_LocalDefaultsSSLMode(t *testing.T) {
	c := postgresConfig("local")
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
}

func TestValidate_RejectsMemoryStoreInProduction(t *testing.T) {
	c := postgresConfig("production")
	c.DB.SSLMode = "require"
	c.Storage.Driver = DriverMemory
	if err := c.Validate(); err == nil {
		t.Fatalf("expected memory driver to be rejected in production")
	}
}

func TestValidate_LockTTLMustExceedEngineTimeout(t *testing.T) {
	c := postgresConfig("local")
	c.Pipeline.EngineTimeout = 3 * time.Hour
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "PIPELINE_LOCK_TTL") {
		t.Fatalf("expected lock ttl error, got %v", err)
	}
}
