package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	if cfg.Port != "8082" {
		t.Errorf("Port = %q, want 8082", cfg.Port)
	}
	if cfg.GenerateCron != "0 6 * * *" {
		t.Errorf("GenerateCron = %q", cfg.GenerateCron)
	}
	if cfg.MaxBackfill != 1000 {
		t.Errorf("MaxBackfill = %d, want 1000", cfg.MaxBackfill)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("MAX_BACKFILL_OCCURRENCES", "50")
	t.Setenv("EXPORT_INTERVAL", "2m")

	cfg := Load()
	if cfg.Port != "9090" {
		t.Errorf("Port = %q, want 9090", cfg.Port)
	}
	if cfg.MaxBackfill != 50 {
		t.Errorf("MaxBackfill = %d, want 50", cfg.MaxBackfill)
	}
	if cfg.ExportInterval != 2*time.Minute {
		t.Errorf("ExportInterval = %v, want 2m", cfg.ExportInterval)
	}
}

func TestLoad_YAMLFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := "port: \"7070\"\nmax_backfill: 10\n"
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("RICORRENTE_CONFIG", path)
	t.Setenv("PORT", "7171") // env wins over file

	cfg := Load()
	if cfg.Port != "7171" {
		t.Errorf("Port = %q, want env override 7171", cfg.Port)
	}
	if cfg.MaxBackfill != 10 {
		t.Errorf("MaxBackfill = %d, want file value 10", cfg.MaxBackfill)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{"bad port", func(c *Config) { c.Port = "abc" }, "invalid port"},
		{"port out of range", func(c *Config) { c.Port = "70000" }, "invalid port"},
		{"empty db path", func(c *Config) { c.SQLiteDBPath = "" }, "database path"},
		{"bad amqp scheme", func(c *Config) { c.AMQPURL = "http://localhost" }, "AMQP URL scheme"},
		{"empty exchange", func(c *Config) { c.AMQPExchange = "" }, "exchange"},
		{"bad cron", func(c *Config) { c.GenerateCron = "every day" }, "cron"},
		{"zero batch", func(c *Config) { c.ExportBatchSize = 0 }, "batch size"},
		{"short interval", func(c *Config) { c.ExportInterval = time.Millisecond }, "interval"},
		{"zero backfill", func(c *Config) { c.MaxBackfill = 0 }, "backfill"},
		{"owner without token", func(c *Config) { c.BootstrapOwner = "emilio" }, "together"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("Validate() = %v, want message containing %q", err, tt.wantMsg)
			}
		})
	}
}

func TestValidate_AMQPOptional(t *testing.T) {
	cfg := Load()
	cfg.AMQPURL = ""
	cfg.AMQPExchange = ""
	if err := cfg.Validate(); err != nil {
		t.Errorf("config without AMQP should be valid, got %v", err)
	}
}
