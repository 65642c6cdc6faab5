// Package config loads exprcore settings. Values are layered: built-in
// defaults, then an optional YAML file, then a .env file, then EXPRCORE_*
// environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"exprcore/internal/analysis"
	"exprcore/internal/blob"
	"exprcore/internal/core"
)

// PathEnv names the variable holding the YAML config path.
const PathEnv = "EXPRCORE_CONFIG"

// Config is the full process configuration.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Auth     AuthConfig     `yaml:"auth"`
	Storage  StorageConfig  `yaml:"storage"`
	Blob     BlobConfig     `yaml:"blob"`
	GEO      GEOConfig      `yaml:"geo"`
	Search   SearchConfig   `yaml:"search"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Log      LogConfig      `yaml:"log"`
}

// HTTPConfig configures the API listener. Expvar additionally aggregates
// service metrics in-process and serves them on /debug/vars.
type HTTPConfig struct {
	Addr            string        `yaml:"addr" env:"EXPRCORE_HTTP_ADDR"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"EXPRCORE_HTTP_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"EXPRCORE_HTTP_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"EXPRCORE_HTTP_SHUTDOWN_TIMEOUT"`
	Metrics         bool          `yaml:"metrics" env:"EXPRCORE_HTTP_METRICS"`
	Expvar          bool          `yaml:"expvar" env:"EXPRCORE_HTTP_EXPVAR"`
}

// AuthConfig configures bearer token validation. Disabled grants every
// request admin rights and is meant for local development.
type AuthConfig struct {
	Disabled bool   `yaml:"disabled" env:"EXPRCORE_AUTH_DISABLED"`
	Secret   string `yaml:"secret" env:"EXPRCORE_AUTH_SECRET"`
	Issuer   string `yaml:"issuer" env:"EXPRCORE_AUTH_ISSUER"`
}

type StorageConfig struct {
	Driver      string `yaml:"driver" env:"EXPRCORE_STORAGE_DRIVER"`
	SQLitePath  string `yaml:"sqlite_path" env:"EXPRCORE_SQLITE_PATH"`
	PostgresDSN string `yaml:"postgres_dsn" env:"EXPRCORE_POSTGRES_DSN"`
}

type BlobConfig struct {
	Driver string   `yaml:"driver" env:"EXPRCORE_BLOB_DRIVER"`
	FSRoot string   `yaml:"fs_root" env:"EXPRCORE_BLOB_FS_ROOT"`
	S3     S3Config `yaml:"s3"`
}

type S3Config struct {
	Region          string `yaml:"region" env:"EXPRCORE_S3_REGION"`
	Bucket          string `yaml:"bucket" env:"EXPRCORE_S3_BUCKET"`
	Prefix          string `yaml:"prefix" env:"EXPRCORE_S3_PREFIX"`
	Endpoint        string `yaml:"endpoint" env:"EXPRCORE_S3_ENDPOINT"`
	AccessKeyID     string `yaml:"access_key_id" env:"EXPRCORE_S3_ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"EXPRCORE_S3_SECRET_ACCESS_KEY"`
	SessionToken    string `yaml:"session_token" env:"EXPRCORE_S3_SESSION_TOKEN"`
	PathStyle       bool   `yaml:"path_style" env:"EXPRCORE_S3_PATH_STYLE"`
}

// GEOConfig throttles and times out requests to the GEO archive.
type GEOConfig struct {
	BaseURL           string        `yaml:"base_url" env:"EXPRCORE_GEO_BASE_URL"`
	RequestsPerSecond float64       `yaml:"requests_per_second" env:"EXPRCORE_GEO_RPS"`
	Burst             int           `yaml:"burst" env:"EXPRCORE_GEO_BURST"`
	Timeout           time.Duration `yaml:"timeout" env:"EXPRCORE_GEO_TIMEOUT"`
}

// SearchConfig schedules index rebuilds. An empty Schedule disables the cron
// trigger; rebuilds can still be requested over HTTP.
type SearchConfig struct {
	Schedule       string `yaml:"schedule" env:"EXPRCORE_SEARCH_SCHEDULE"`
	RebuildOnStart bool   `yaml:"rebuild_on_start" env:"EXPRCORE_SEARCH_REBUILD_ON_START"`
}

type AnalysisConfig struct {
	MinSamples int `yaml:"min_samples" env:"EXPRCORE_ANALYSIS_MIN_SAMPLES"`
	Workers    int `yaml:"workers" env:"EXPRCORE_ANALYSIS_WORKERS"`
	ChunkSize  int `yaml:"chunk_size" env:"EXPRCORE_ANALYSIS_CHUNK_SIZE"`
	Components int `yaml:"components" env:"EXPRCORE_ANALYSIS_COMPONENTS"`
	QueueSize  int `yaml:"queue_size" env:"EXPRCORE_ANALYSIS_QUEUE_SIZE"`
}

// LogConfig sets the log level. Trace writes one JSON line per service
// operation span to the log output.
type LogConfig struct {
	Level string `yaml:"level" env:"EXPRCORE_LOG_LEVEL"`
	Trace bool   `yaml:"trace" env:"EXPRCORE_LOG_TRACE"`
}

// Default returns the built-in settings: a local sqlite file, filesystem
// blobs, auth enabled, and an hourly index rebuild.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
			Metrics:         true,
		},
		Storage: StorageConfig{Driver: string(core.StorageSQLite), SQLitePath: "exprcore.db"},
		Blob:    BlobConfig{Driver: string(blob.DriverFilesystem), FSRoot: "exprcore-blobs"},
		GEO: GEOConfig{
			BaseURL:           "https://ftp.ncbi.nlm.nih.gov",
			RequestsPerSecond: 3,
			Burst:             1,
			Timeout:           2 * time.Minute,
		},
		Search:   SearchConfig{Schedule: "@hourly", RebuildOnStart: true},
		Analysis: AnalysisConfig{QueueSize: 32},
		Log:      LogConfig{Level: "info"},
	}
}

// Options controls where Load looks for configuration.
type Options struct {
	// Path is the YAML file. Empty falls back to $EXPRCORE_CONFIG; if that is
	// unset too, no file is read.
	Path string
	// EnvFiles are loaded with godotenv. Empty means ".env" when present.
	// Variables already set in the process environment win.
	EnvFiles []string
}

// Load builds the layered configuration and validates it.
func Load(opts Options) (Config, error) {
	cfg := Default()

	if err := loadEnvFiles(opts.EnvFiles); err != nil {
		return Config{}, err
	}

	path := opts.Path
	if path == "" {
		path = os.Getenv(PathEnv)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		files = []string{".env"}
	}
	if err := godotenv.Load(files...); err != nil {
		return fmt.Errorf("load env files %s: %w", strings.Join(files, ","), err)
	}
	return nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		return errors.New("config: http.addr must not be empty")
	}
	switch core.StorageDriver(c.Storage.Driver) {
	case core.StorageMemory, core.StorageSQLite:
	case core.StoragePostgres:
		if c.Storage.PostgresDSN == "" {
			return errors.New("config: storage.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	switch blob.Driver(c.Blob.Driver) {
	case blob.DriverFilesystem, blob.DriverMemory:
	case blob.DriverS3:
		if c.Blob.S3.Bucket == "" {
			return errors.New("config: blob.s3.bucket is required for the s3 driver")
		}
	default:
		return fmt.Errorf("config: unknown blob driver %q", c.Blob.Driver)
	}
	if !c.Auth.Disabled && c.Auth.Secret == "" {
		return errors.New("config: auth.secret is required unless auth.disabled is set")
	}
	if c.GEO.Burst < 0 || c.GEO.RequestsPerSecond < 0 {
		return errors.New("config: geo rate limits must not be negative")
	}
	if c.Analysis.QueueSize < 0 {
		return errors.New("config: analysis.queue_size must not be negative")
	}
	return nil
}

// CoreStorage maps the storage section onto the store factory's settings.
func (c Config) CoreStorage() core.StorageConfig {
	return core.StorageConfig{
		Driver:      core.StorageDriver(c.Storage.Driver),
		SQLitePath:  c.Storage.SQLitePath,
		PostgresDSN: c.Storage.PostgresDSN,
	}
}

// BlobStore maps the blob section onto the blob factory's settings.
func (c Config) BlobStore() blob.Config {
	s3 := c.Blob.S3
	return blob.Config{
		Driver: blob.Driver(c.Blob.Driver),
		FSRoot: c.Blob.FSRoot,
		S3: blob.S3Config{
			Region:          s3.Region,
			Bucket:          s3.Bucket,
			Prefix:          s3.Prefix,
			Endpoint:        s3.Endpoint,
			AccessKeyID:     s3.AccessKeyID,
			SecretAccessKey: s3.SecretAccessKey,
			SessionToken:    s3.SessionToken,
			PathStyle:       s3.PathStyle,
		},
	}
}

func (c Config) AnalysisOptions() analysis.Options {
	return analysis.Options{
		MinSamples: c.Analysis.MinSamples,
		Workers:    c.Analysis.Workers,
		ChunkSize:  c.Analysis.ChunkSize,
		Components: c.Analysis.Components,
	}
}
