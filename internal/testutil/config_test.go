package testutil

import (
	"strings"
	"testing"
)

func TestDefaultTestDBConfig(t *testing.T) {
	t.Run("defaults to local test database port 55432", func(t *testing.T) {
		for _, k := range []string{"TEST_DB_HOST", "TEST_DB_PORT", "TEST_DB_USER", "TEST_DB_PASSWORD", "TEST_DB_NAME"} {
			t.Setenv(k, "")
		}

		cfg := DefaultTestDBConfig()
		if cfg.Host != "localhost" || cfg.Port != "55432" {
			t.Errorf("expected localhost:55432, got %s:%s", cfg.Host, cfg.Port)
		}
		if cfg.User != "reviewpulse" || cfg.DBName != "reviewpulse" {
			t.Errorf("unexpected credentials %+v", cfg)
		}
	})

	t.Run("respects TEST_DB_PORT environment variable", func(t *testing.T) {
		t.Setenv("TEST_DB_HOST", "postgres")
		t.Setenv("TEST_DB_PORT", "5432")

		cfg := DefaultTestDBConfig()
		if cfg.Host != "postgres" || cfg.Port != "5432" {
			t.Errorf("expected postgres:5432, got %s:%s", cfg.Host, cfg.Port)
		}
	})
}

func TestTestDBConfig_DSNEscapesCredentials(t *testing.T) {
	cfg := TestDBConfig{Host: "db", Port: "5432", User: "u", Password: "p@ss/word", DBName: "reviews"}
	dsn := cfg.dsn()

	if !strings.HasPrefix(dsn, "postgres://u:p%40ss%2Fword@db:5432/reviews?") {
		t.Fatalf("unexpected dsn %q", dsn)
	}
}
