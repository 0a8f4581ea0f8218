package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_DRIVER", "")
	t.Setenv("PORT", "")
	t.Setenv("INGEST_INTERVAL", "")
	t.Setenv("MATCH_MIN_CONFIDENCE", "")

	cfg := Load()
	if cfg.DBDriver != "postgres" || cfg.Port != "5005" {
		t.Fatalf("unexpected defaults: driver=%s port=%s", cfg.DBDriver, cfg.Port)
	}
	if cfg.IngestInterval != 6*time.Hour {
		t.Fatalf("ingest interval = %s", cfg.IngestInterval)
	}
	if cfg.Match != DefaultMatchConfig() {
		t.Fatalf("match config = %+v", cfg.Match)
	}
	if cfg.Anomaly != DefaultAnomalyConfig() {
		t.Fatalf("anomaly config = %+v", cfg.Anomaly)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", "/tmp/screenings-test.db")
	t.Setenv("MATCH_MIN_CONFIDENCE", "0.75")
	t.Setenv("MATCH_MAX_CANDIDATES", "5")
	t.Setenv("ANOMALY_BLOCK_DROP_PCT", "90")
	t.Setenv("DEDUP_YEAR_TOLERANCE", "2")
	t.Setenv("DEDUP_REMATCH_INTERVAL", "2h")
	t.Setenv("INGEST_INTERVAL", "30m")
	t.Setenv("WATCHDOG_INTERVAL", "soon")
	t.Setenv("VENUE_CONCURRENCY", "many")

	cfg := Load()
	if cfg.DBDriver != "sqlite" || cfg.SQLitePath != "/tmp/screenings-test.db" {
		t.Fatalf("unexpected db config: %s %s", cfg.DBDriver, cfg.SQLitePath)
	}
	if cfg.Match.MinConfidence != 0.75 || cfg.Match.MaxCandidates != 5 {
		t.Fatalf("match overrides not applied: %+v", cfg.Match)
	}
	if cfg.Anomaly.BlockDropPct != 90 || cfg.Dedup.YearTolerance != 2 {
		t.Fatalf("anomaly/dedup overrides not applied: %+v %+v", cfg.Anomaly, cfg.Dedup)
	}
	if cfg.Dedup.RematchInterval != 2*time.Hour {
		t.Fatalf("rematch interval = %s", cfg.Dedup.RematchInterval)
	}
	if cfg.IngestInterval != 30*time.Minute {
		t.Fatalf("ingest interval = %s", cfg.IngestInterval)
	}
	// 无法解析的值回退默认
	if cfg.WatchdogInterval != 3*time.Hour || cfg.VenueConcurrency != 4 {
		t.Fatalf("invalid values should fall back: watchdog=%s concurrency=%d", cfg.WatchdogInterval, cfg.VenueConcurrency)
	}
}

func TestDatabaseURLFromParts(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DB_USER", "cine")
	t.Setenv("DB_PASSWORD", "secret")
	t.Setenv("DB_HOST", "db")
	t.Setenv("DB_PORT", "")
	t.Setenv("DB_NAME", "listings")
	t.Setenv("DB_SSLMODE", "")

	cfg := Load()
	want := "postgres://cine:secret@db:5432/listings?sslmode=disable"
	if cfg.DatabaseURL != want {
		t.Fatalf("database url = %q, want %q", cfg.DatabaseURL, want)
	}
}
