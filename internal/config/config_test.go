package config

import (
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", "test.db")
	t.Setenv("SUPABASE_JWT_SECRET", "secret")
}

func TestLoadDerivesCallbackURL(t *testing.T) {
	setRequired(t)
	t.Setenv("PUBLIC_BASE_URL", "https://pay.example.com/")
	t.Setenv("PUBLIC_BASE_PATH", "/api/")
	t.Setenv("MPESA_CALLBACK_URL", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.MpesaCallbackURL != "https://pay.example.com/api/webhook/mpesa" {
		t.Fatalf("unexpected callback url %q", cfg.MpesaCallbackURL)
	}
}

func TestLoadParsesTypedValues(t *testing.T) {
	setRequired(t)
	t.Setenv("REDIS_DB", "3")
	t.Setenv("REDIS_TLS", "true")
	t.Setenv("MPESA_TIMEOUT", "5s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RedisDB != 3 || !cfg.RedisTLS || cfg.MpesaTimeout != 5*time.Second {
		t.Fatalf("unexpected typed values: db=%d tls=%v timeout=%s", cfg.RedisDB, cfg.RedisTLS, cfg.MpesaTimeout)
	}
}

func TestLoadRejectsBadInput(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "unknown driver", env: map[string]string{"DATABASE_DRIVER": "mysql"}},
		{name: "postgres without url", env: map[string]string{"DATABASE_DRIVER": "postgres", "DATABASE_URL": ""}},
		{name: "missing jwt secret", env: map[string]string{"SUPABASE_JWT_SECRET": ""}},
		{name: "bad timeout", env: map[string]string{"MPESA_TIMEOUT": "soon"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
