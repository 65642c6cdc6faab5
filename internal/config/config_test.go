package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"exprcore/internal/blob"
	"exprcore/internal/core"
)

// clearEnv unsets the given variables for the test and restores them after.
func clearEnv(t *testing.T, keys ...string) {
	t.Helper()
	for _, k := range keys {
		t.Setenv(k, "")
		if err := os.Unsetenv(k); err != nil {
			t.Fatalf("unset %s: %v", k, err)
		}
	}
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadDefaultsWithSecretFromEnv(t *testing.T) {
	clearEnv(t, PathEnv, "EXPRCORE_HTTP_ADDR", "EXPRCORE_STORAGE_DRIVER", "EXPRCORE_BLOB_DRIVER")
	t.Setenv("EXPRCORE_AUTH_SECRET", "s3cret")

	cfg, err := Load(Options{EnvFiles: []string{writeFile(t, "empty.env", "")}})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":8080" || cfg.Storage.Driver != "sqlite" || cfg.Blob.Driver != "fs" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.Auth.Secret != "s3cret" || cfg.Search.Schedule != "@hourly" || cfg.GEO.RequestsPerSecond != 3 {
		t.Fatalf("unexpected values %+v", cfg)
	}
}

func TestLoadLayersYAMLThenEnvironment(t *testing.T) {
	clearEnv(t, PathEnv, "EXPRCORE_AUTH_SECRET", "EXPRCORE_STORAGE_DRIVER", "EXPRCORE_SEARCH_SCHEDULE", "EXPRCORE_GEO_TIMEOUT", "EXPRCORE_HTTP_EXPVAR")
	path := writeFile(t, "exprcore.yaml", `
http:
  addr: ":9000"
  shutdown_timeout: 3s
  expvar: true
auth:
  secret: from-yaml
storage:
  driver: memory
search:
  schedule: ""
geo:
  timeout: 30s
analysis:
  min_samples: 4
  components: 5
`)
	t.Setenv("EXPRCORE_HTTP_ADDR", ":9100")
	t.Setenv("EXPRCORE_ANALYSIS_MIN_SAMPLES", "6")
	t.Setenv("EXPRCORE_LOG_TRACE", "true")

	cfg, err := Load(Options{Path: path, EnvFiles: []string{writeFile(t, "empty.env", "")}})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTP.Addr != ":9100" {
		t.Fatalf("environment should override yaml addr, got %q", cfg.HTTP.Addr)
	}
	if cfg.HTTP.ShutdownTimeout != 3*time.Second || cfg.GEO.Timeout != 30*time.Second {
		t.Fatalf("durations not decoded: %+v", cfg)
	}
	if cfg.Storage.Driver != "memory" || cfg.Auth.Secret != "from-yaml" || cfg.Search.Schedule != "" {
		t.Fatalf("yaml values not applied: %+v", cfg)
	}
	opts := cfg.AnalysisOptions()
	if opts.MinSamples != 6 || opts.Components != 5 {
		t.Fatalf("unexpected analysis options %+v", opts)
	}
	if !cfg.HTTP.Expvar || !cfg.Log.Trace {
		t.Fatalf("expected expvar from yaml and tracing from env, got %+v %+v", cfg.HTTP, cfg.Log)
	}
	if cfg.HTTP.ReadTimeout != 30*time.Second {
		t.Fatalf("unset yaml keys should keep defaults, got %v", cfg.HTTP.ReadTimeout)
	}
}

func TestLoadPathFromEnvironmentAndDotEnv(t *testing.T) {
	clearEnv(t, "EXPRCORE_AUTH_SECRET", "EXPRCORE_BLOB_DRIVER", "EXPRCORE_S3_BUCKET", "EXPRCORE_HTTP_ADDR")
	path := writeFile(t, "exprcore.yaml", "blob:\n  driver: s3\n  s3:\n    region: eu-west-1\n")
	t.Setenv(PathEnv, path)
	dotenv := writeFile(t, "test.env", "EXPRCORE_AUTH_SECRET=from-dotenv\nEXPRCORE_S3_BUCKET=expr-archive\n")

	cfg, err := Load(Options{EnvFiles: []string{dotenv}})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Auth.Secret != "from-dotenv" {
		t.Fatalf("expected secret from .env, got %q", cfg.Auth.Secret)
	}
	bc := cfg.BlobStore()
	if bc.Driver != blob.DriverS3 || bc.S3.Bucket != "expr-archive" || bc.S3.Region != "eu-west-1" {
		t.Fatalf("unexpected blob config %+v", bc)
	}
}

func TestLoadErrors(t *testing.T) {
	clearEnv(t, PathEnv, "EXPRCORE_AUTH_SECRET", "EXPRCORE_HTTP_METRICS")
	empty := writeFile(t, "empty.env", "")

	if _, err := Load(Options{EnvFiles: []string{empty}}); err == nil || !strings.Contains(err.Error(), "auth.secret") {
		t.Fatalf("expected missing secret error, got %v", err)
	}
	unknown := writeFile(t, "bad.yaml", "auth:\n  secret: x\n  colour: red\n")
	if _, err := Load(Options{Path: unknown, EnvFiles: []string{empty}}); err == nil {
		t.Fatalf("expected unknown yaml key to fail")
	}
	if _, err := Load(Options{Path: filepath.Join(t.TempDir(), "missing.yaml"), EnvFiles: []string{empty}}); err == nil {
		t.Fatalf("expected missing config file to fail")
	}
	if _, err := Load(Options{EnvFiles: []string{filepath.Join(t.TempDir(), "missing.env")}}); err == nil {
		t.Fatalf("expected missing env file to fail")
	}
	t.Setenv("EXPRCORE_AUTH_SECRET", "x")
	t.Setenv("EXPRCORE_HTTP_METRICS", "maybe")
	if _, err := Load(Options{EnvFiles: []string{empty}}); err == nil {
		t.Fatalf("expected malformed boolean to fail")
	}
}

func TestValidate(t *testing.T) {
	base := Default()
	base.Auth.Secret = "x"
	if err := base.Validate(); err != nil {
		t.Fatalf("default config with secret should validate: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"storage driver", func(c *Config) { c.Storage.Driver = "mongo" }, "storage driver"},
		{"postgres dsn", func(c *Config) { c.Storage.Driver = "postgres" }, "postgres_dsn"},
		{"blob driver", func(c *Config) { c.Blob.Driver = "ftp" }, "blob driver"},
		{"s3 bucket", func(c *Config) { c.Blob.Driver = "s3" }, "bucket"},
		{"addr", func(c *Config) { c.HTTP.Addr = " " }, "http.addr"},
		{"rate", func(c *Config) { c.GEO.RequestsPerSecond = -1 }, "geo"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %q, got %v", tc.want, err)
			}
		})
	}

	dev := Default()
	dev.Auth.Disabled = true
	if err := dev.Validate(); err != nil {
		t.Fatalf("disabled auth needs no secret: %v", err)
	}
}

func TestCoreStorageMapping(t *testing.T) {
	cfg := Default()
	cfg.Storage = StorageConfig{Driver: "postgres", PostgresDSN: "postgres://localhost/expr"}
	sc := cfg.CoreStorage()
	if sc.Driver != core.StoragePostgres || sc.PostgresDSN != "postgres://localhost/expr" {
		t.Fatalf("unexpected storage config %+v", sc)
	}
}
