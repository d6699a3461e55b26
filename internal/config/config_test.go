package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Billing.RequestWindow != 5*time.Minute || cfg.Billing.PlatformFeePercent != 20 {
		t.Fatalf("billing defaults = %+v", cfg.Billing)
	}
	if cfg.Redis.Addr() != "localhost:6379" {
		t.Fatalf("redis addr = %s", cfg.Redis.Addr())
	}
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := writeFile(t, "coinmeter.yaml", `
http:
  addr: ":9000"
store:
  driver: memory
billing:
  tick_interval: 30s
  tick_tolerance: 2s
  platform_fee_percent: 15
`)
	t.Setenv("HTTP_ADDR", ":9100")
	t.Setenv("REDIS_DB", "4")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.HTTP.Addr != ":9100" {
		t.Fatalf("env must override yaml, addr = %s", cfg.HTTP.Addr)
	}
	if cfg.Store.Driver != "memory" || cfg.Redis.DB != 4 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Billing.TickInterval != 30*time.Second || cfg.Billing.PlatformFeePercent != 15 {
		t.Fatalf("billing = %+v", cfg.Billing)
	}
	if cfg.Billing.IdleTimeout != 3*time.Minute {
		t.Fatalf("unset yaml keys must keep defaults, idle = %s", cfg.Billing.IdleTimeout)
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		env  map[string]string
	}{
		{"bad driver", "store:\n  driver: sqlite\n", nil},
		{"fee out of range", "billing:\n  platform_fee_percent: 120\n", nil},
		{"tolerance too large", "billing:\n  tick_interval: 10s\n  tick_tolerance: 10s\n", nil},
		{"bad env number", "", map[string]string{"REDIS_DB": "two"}},
		{"bad env duration", "", map[string]string{"TICK_INTERVAL": "soon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := ""
			if tt.yaml != "" {
				path = writeFile(t, "c.yaml", tt.yaml)
			}
			if _, err := Load(path); err == nil {
				t.Fatal("expected an error")
			}
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	path := writeFile(t, "config.env", `
# comment
export COINMETER_TEST_A="quoted"
COINMETER_TEST_B = plain
COINMETER_TEST_C=from-file
`)
	t.Setenv("COINMETER_TEST_C", "from-env")
	os.Unsetenv("COINMETER_TEST_A")
	os.Unsetenv("COINMETER_TEST_B")
	t.Cleanup(func() {
		os.Unsetenv("COINMETER_TEST_A")
		os.Unsetenv("COINMETER_TEST_B")
	})

	if err := LoadEnvFile(path); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("COINMETER_TEST_A"); got != "quoted" {
		t.Fatalf("A = %q", got)
	}
	if got := os.Getenv("COINMETER_TEST_B"); got != "plain" {
		t.Fatalf("B = %q", got)
	}
	if got := os.Getenv("COINMETER_TEST_C"); got != "from-env" {
		t.Fatalf("env file must not override the environment, C = %q", got)
	}
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing file: %v", err)
	}
}
