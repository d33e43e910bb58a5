// Package config loads the typed Config used across the service.
// Values come from built-in defaults, an optional TOML file named by
// FORMCHECK_CONFIG, and environment variables, in increasing precedence.
// Defaults are chosen so the binary runs locally with an embedded SQLite store
// and the stub analyzer.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// FileEnv names the environment variable holding the optional TOML config path.
const FileEnv = "FORMCHECK_CONFIG"

type Config struct {
	// HTTP
	HTTPAddr string

	// Storage
	DBDsn          string
	DataDir        string
	UploadDir      string
	ReferenceDir   string
	UploadMaxBytes int64

	// Analysis
	AnalyzerCmd           string
	AnalyzerTimeout       time.Duration
	AnalyzerStubDelay     time.Duration
	AnalyzeInterval       time.Duration
	AnalyzeBackoffBase    time.Duration
	AnalyzeMaxAttempts    int
	MaxConcurrentAnalyses int
	// CircuitFailureThreshold opens the analyzer circuit after that many
	// consecutive retryable failures; 0 disables the breaker.
	CircuitFailureThreshold int
	CircuitOpenCooldown     time.Duration

	// Admin
	AdminPassword string
	AdminToken    string
	SessionSecret string
	SessionTTL    time.Duration
	EncryptionKey string

	// YouTube publishing
	YTClientID     string
	YTClientSecret string
	YTRedirectURI  string
	YTScopes       string
	YTPrivacy      string

	// Source is the TOML file applied by Load, empty when none was used.
	Source string
}

type fileConfig struct {
	HTTPAddr                string `toml:"http_addr"`
	DBDsn                   string `toml:"db_dsn"`
	DataDir                 string `toml:"data_dir"`
	UploadDir               string `toml:"upload_dir"`
	ReferenceDir            string `toml:"reference_dir"`
	UploadMaxBytes          int64  `toml:"upload_max_bytes"`
	AnalyzerCmd             string `toml:"analyzer_cmd"`
	AnalyzerTimeout         string `toml:"analyzer_timeout"`
	AnalyzerStubDelay       string `toml:"analyzer_stub_delay"`
	AnalyzeInterval         string `toml:"analyze_interval"`
	AnalyzeBackoffBase      string `toml:"analyze_backoff_base"`
	AnalyzeMaxAttempts      int    `toml:"analyze_max_attempts"`
	MaxConcurrentAnalyses   int    `toml:"max_concurrent_analyses"`
	CircuitFailureThreshold int    `toml:"circuit_failure_threshold"`
	CircuitOpenCooldown     string `toml:"circuit_open_cooldown"`
	AdminPassword           string `toml:"admin_password"`
	AdminToken              string `toml:"admin_token"`
	SessionSecret           string `toml:"session_secret"`
	SessionTTL              string `toml:"session_ttl"`
	EncryptionKey           string `toml:"encryption_key"`
	YouTube                 struct {
		ClientID     string `toml:"client_id"`
		ClientSecret string `toml:"client_secret"`
		RedirectURI  string `toml:"redirect_uri"`
		Scopes       string `toml:"scopes"`
		Privacy      string `toml:"privacy"`
	} `toml:"youtube"`
}

// Default returns the built-in configuration. Directory-dependent values
// (upload dir, reference dir, DSN) are derived from DataDir by Load.
func Default() *Config {
	return &Config{
		HTTPAddr:              ":3000",
		DataDir:               "data",
		UploadMaxBytes:        512 << 20,
		AnalyzerTimeout:       10 * time.Minute,
		AnalyzerStubDelay:     3 * time.Second,
		AnalyzeInterval:       5 * time.Second,
		AnalyzeBackoffBase:    30 * time.Second,
		AnalyzeMaxAttempts:    3,
		MaxConcurrentAnalyses: 1,
		CircuitOpenCooldown:   5 * time.Minute,
		SessionTTL:            12 * time.Hour,
		YTScopes:              "https://www.googleapis.com/auth/youtube.upload",
		YTPrivacy:             "unlisted",
	}
}

// Load reads the TOML file named by FORMCHECK_CONFIG (if any), then environment
// variables. Missing optional values disable features (e.g., YouTube publishing).
func Load() (*Config, error) {
	return LoadFile(os.Getenv(FileEnv))
}

// LoadFile is Load with an explicit TOML path; an empty path skips the file.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
		cfg.Source = path
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.derive()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var fc fileConfig
	if err := toml.NewDecoder(f).DisallowUnknownFields().Decode(&fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	setString(&c.HTTPAddr, fc.HTTPAddr)
	setString(&c.DBDsn, fc.DBDsn)
	setString(&c.DataDir, fc.DataDir)
	setString(&c.UploadDir, fc.UploadDir)
	setString(&c.ReferenceDir, fc.ReferenceDir)
	if fc.UploadMaxBytes != 0 {
		c.UploadMaxBytes = fc.UploadMaxBytes
	}
	setString(&c.AnalyzerCmd, fc.AnalyzerCmd)
	if fc.AnalyzeMaxAttempts != 0 {
		c.AnalyzeMaxAttempts = fc.AnalyzeMaxAttempts
	}
	if fc.MaxConcurrentAnalyses != 0 {
		c.MaxConcurrentAnalyses = fc.MaxConcurrentAnalyses
	}
	if fc.CircuitFailureThreshold != 0 {
		c.CircuitFailureThreshold = fc.CircuitFailureThreshold
	}
	setString(&c.AdminPassword, fc.AdminPassword)
	setString(&c.AdminToken, fc.AdminToken)
	setString(&c.SessionSecret, fc.SessionSecret)
	setString(&c.EncryptionKey, fc.EncryptionKey)
	setString(&c.YTClientID, fc.YouTube.ClientID)
	setString(&c.YTClientSecret, fc.YouTube.ClientSecret)
	setString(&c.YTRedirectURI, fc.YouTube.RedirectURI)
	setString(&c.YTScopes, fc.YouTube.Scopes)
	setString(&c.YTPrivacy, fc.YouTube.Privacy)

	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"analyzer_timeout", fc.AnalyzerTimeout, &c.AnalyzerTimeout},
		{"analyzer_stub_delay", fc.AnalyzerStubDelay, &c.AnalyzerStubDelay},
		{"analyze_interval", fc.AnalyzeInterval, &c.AnalyzeInterval},
		{"analyze_backoff_base", fc.AnalyzeBackoffBase, &c.AnalyzeBackoffBase},
		{"session_ttl", fc.SessionTTL, &c.SessionTTL},
		{"circuit_open_cooldown", fc.CircuitOpenCooldown, &c.CircuitOpenCooldown},
	}
	for _, d := range durations {
		if d.val == "" {
			continue
		}
		if err := parseDuration(d.key, d.val, d.dst); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) applyEnv() error {
	strs := []struct {
		key string
		dst *string
	}{
		{"HTTP_ADDR", &c.HTTPAddr},
		{"DB_DSN", &c.DBDsn},
		{"DATA_DIR", &c.DataDir},
		{"UPLOAD_DIR", &c.UploadDir},
		{"REFERENCE_DIR", &c.ReferenceDir},
		{"ANALYZER_CMD", &c.AnalyzerCmd},
		{"ADMIN_PASSWORD", &c.AdminPassword},
		{"ADMIN_TOKEN", &c.AdminToken},
		{"SESSION_SECRET", &c.SessionSecret},
		{"ENCRYPTION_KEY", &c.EncryptionKey},
		{"YT_CLIENT_ID", &c.YTClientID},
		{"YT_CLIENT_SECRET", &c.YTClientSecret},
		{"YT_REDIRECT_URI", &c.YTRedirectURI},
		{"YT_SCOPES", &c.YTScopes},
		{"YT_PRIVACY", &c.YTPrivacy},
	}
	for _, s := range strs {
		setString(s.dst, os.Getenv(s.key))
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"ANALYZER_TIMEOUT", &c.AnalyzerTimeout},
		{"ANALYZER_STUB_DELAY", &c.AnalyzerStubDelay},
		{"ANALYZE_INTERVAL", &c.AnalyzeInterval},
		{"ANALYZE_BACKOFF_BASE", &c.AnalyzeBackoffBase},
		{"SESSION_TTL", &c.SessionTTL},
		{"CIRCUIT_OPEN_COOLDOWN", &c.CircuitOpenCooldown},
	}
	for _, d := range durations {
		if v := os.Getenv(d.key); v != "" {
			if err := parseDuration(d.key, v, d.dst); err != nil {
				return err
			}
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"ANALYZE_MAX_ATTEMPTS", &c.AnalyzeMaxAttempts},
		{"MAX_CONCURRENT_ANALYSES", &c.MaxConcurrentAnalyses},
		{"CIRCUIT_FAILURE_THRESHOLD", &c.CircuitFailureThreshold},
	}
	for _, i := range ints {
		if v := os.Getenv(i.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid %s (integer): %w", i.key, err)
			}
			*i.dst = n
		}
	}

	if v := os.Getenv("UPLOAD_MAX_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid UPLOAD_MAX_BYTES (integer): %w", err)
		}
		c.UploadMaxBytes = n
	}
	return nil
}

func (c *Config) derive() {
	if c.UploadDir == "" {
		c.UploadDir = filepath.Join(c.DataDir, "uploads")
	}
	if c.ReferenceDir == "" {
		c.ReferenceDir = filepath.Join(c.DataDir, "references")
	}
	if c.DBDsn == "" {
		c.DBDsn = "sqlite://" + filepath.Join(c.DataDir, "formcheck.db")
	}
	c.YTPrivacy = strings.ToLower(strings.TrimSpace(c.YTPrivacy))
}

// Validate rejects values the worker and upload handlers cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.AnalyzeMaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("analyze max attempts must be positive, got %d", c.AnalyzeMaxAttempts))
	}
	if c.MaxConcurrentAnalyses <= 0 {
		errs = append(errs, fmt.Errorf("max concurrent analyses must be positive, got %d", c.MaxConcurrentAnalyses))
	}
	if c.UploadMaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("upload max bytes must be positive, got %d", c.UploadMaxBytes))
	}
	if c.CircuitFailureThreshold < 0 {
		errs = append(errs, fmt.Errorf("circuit failure threshold must not be negative, got %d", c.CircuitFailureThreshold))
	}
	if c.AnalyzeInterval <= 0 {
		errs = append(errs, errors.New("analyze interval must be positive"))
	}
	switch c.YTPrivacy {
	case "private", "unlisted", "public":
	default:
		errs = append(errs, fmt.Errorf("youtube privacy must be private, unlisted or public, got %q", c.YTPrivacy))
	}
	return errors.Join(errs...)
}

// PublishingEnabled reports whether YouTube OAuth credentials are configured.
func (c *Config) PublishingEnabled() bool {
	return c.YTClientID != "" && c.YTClientSecret != "" && c.YTRedirectURI != ""
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}

func parseDuration(key, v string, dst *time.Duration) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s (duration): %w", key, err)
	}
	*dst = d
	return nil
}
