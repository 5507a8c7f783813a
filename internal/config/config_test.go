package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("unexpected http address %q", cfg.HTTPAddress)
	}
	if cfg.DatabaseDriver != DatabaseDriverSQLite {
		t.Fatalf("unexpected driver %q", cfg.DatabaseDriver)
	}
	if cfg.TokenTTL != 12*time.Hour {
		t.Fatalf("unexpected token ttl %s", cfg.TokenTTL)
	}
	if cfg.AlertsCacheTTL != 5*time.Minute {
		t.Fatalf("unexpected alerts cache ttl %s", cfg.AlertsCacheTTL)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != defaultAllowedOrigin {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
}

func TestLoadRequiresSigningSecret(t *testing.T) {
	if _, err := Load(NewViper()); err == nil {
		t.Fatalf("expected error for missing signing secret")
	}
}

func TestLoadRequiresDSNForPostgres(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("database.driver", "postgres")

	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error for missing dsn")
	}

	configViper.Set("database.dsn", "host=localhost user=hazard dbname=hazard")
	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DatabaseDriver != DatabaseDriverPostgres {
		t.Fatalf("unexpected driver %q", cfg.DatabaseDriver)
	}
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("database.driver", "mysql")

	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error for unsupported driver")
	}
}

func TestSplitListHandlesCommaSeparatedValues(t *testing.T) {
	origins := splitList([]string{"http://a.example, http://b.example", " ", "http://c.example"})
	expected := []string{"http://a.example", "http://b.example", "http://c.example"}
	if len(origins) != len(expected) {
		t.Fatalf("expected %d origins, got %v", len(expected), origins)
	}
	for index := range expected {
		if origins[index] != expected[index] {
			t.Fatalf("unexpected origin at %d: %q", index, origins[index])
		}
	}
}
