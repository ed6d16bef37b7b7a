package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"docrelay/internal/constants"
	"docrelay/internal/models"
	"docrelay/internal/security"
	"docrelay/internal/validation"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// EnvProduction is the value of DOCRELAY_ENV that enables strict checks.
const EnvProduction = "production"

var (
	ErrMissingRedisURL   = models.ConfigError{Message: "dedup backend redis requires redis_url"}
	ErrMissingBackendURL = models.ConfigError{Message: "remote converter backend requires url"}
	ErrMissingReceiverID = models.ConfigError{Message: "encrypted callbacks require callback.receiver_id or platform.app_id"}
)

// LoadDotEnv loads variables from .env files without overriding ones already
// set in the environment. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", p, err)
		}
	}
	return nil
}

// LoadConfig reads the JSON config at path. An empty path builds the
// configuration from defaults and environment variables only.
func LoadConfig(path string) (*models.Config, error) {
	var config models.Config

	if path != "" {
		if err := security.ValidateFilePath(path); err != nil {
			return nil, fmt.Errorf("invalid config path: %w", err)
		}

		file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateFilePath above
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(file, &config); err != nil {
			return nil, err
		}
	}

	if err := applyEnvironmentOverrides(&config); err != nil {
		return nil, err
	}

	if err := validate(&config); err != nil {
		return nil, err
	}

	if err := validateSecurity(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// IsProduction reports whether strict production checks are enabled.
func IsProduction() bool {
	return os.Getenv("DOCRELAY_ENV") == EnvProduction
}

func validate(c *models.Config) error {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid log_level %q", c.LogLevel)}
	}

	validateServer(&c.Server)

	if c.Callback.Path == "" {
		c.Callback.Path = constants.DefaultCallbackPath
	}
	if !strings.HasPrefix(c.Callback.Path, "/") {
		return models.ConfigError{Message: "callback.path must start with /"}
	}
	if c.Callback.Encrypted() {
		if len(c.Callback.EncodingAESKey) != 43 {
			return models.ConfigError{Message: "callback.encoding_aes_key must be 43 characters"}
		}
		if c.Callback.ReceiverID == "" {
			c.Callback.ReceiverID = c.Platform.AppID
		}
		if c.Callback.ReceiverID == "" {
			return ErrMissingReceiverID
		}
	}

	if err := validatePlatform(&c.Platform); err != nil {
		return err
	}
	if err := validateConverter(&c.Converter); err != nil {
		return err
	}
	if err := validateDedup(&c.Dedup); err != nil {
		return err
	}

	if c.Media.TempDir == "" {
		c.Media.TempDir = constants.DefaultTempDir
	}
	if err := security.ValidateFilePath(c.Media.TempDir); err != nil {
		return models.ConfigError{Message: fmt.Sprintf("invalid media.temp_dir: %v", err)}
	}
	if c.Media.MaxSizeMB <= 0 {
		c.Media.MaxSizeMB = constants.DefaultMaxDocumentSizeMB
	}

	if c.Jobs.MaxConcurrent < 0 {
		return models.ConfigError{Message: "jobs.max_concurrent must not be negative"}
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "docrelay"
	}
	if c.Tracing.SampleRate <= 0 || c.Tracing.SampleRate > 1 {
		c.Tracing.SampleRate = 0.1
	}
	return nil
}

func validateServer(s *models.ServerConfig) {
	if s.Port <= 0 {
		s.Port = constants.DefaultServerPort
	}
	if s.ReadTimeoutSec <= 0 {
		s.ReadTimeoutSec = constants.DefaultServerReadTimeoutSec
	}
	if s.WriteTimeoutSec <= 0 {
		s.WriteTimeoutSec = constants.DefaultServerWriteTimeoutSec
	}
	if s.IdleTimeoutSec <= 0 {
		s.IdleTimeoutSec = constants.DefaultServerIdleTimeoutSec
	}
	if s.ShutdownTimeoutSec <= 0 {
		s.ShutdownTimeoutSec = constants.DefaultGracefulShutdownSec
	}
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = constants.DefaultMaxCallbackBodyBytes
	}
	if s.RateLimitPerMinute <= 0 {
		s.RateLimitPerMinute = constants.DefaultRateLimitPerMinute
	}
}

func validatePlatform(p *models.PlatformConfig) error {
	if p.Flavor == "" {
		p.Flavor = constants.DefaultPlatformFlavor
	}
	switch p.Flavor {
	case "mp":
		if p.BaseURL == "" {
			p.BaseURL = constants.DefaultPlatformBaseURL
		}
	case "wecom":
		if p.BaseURL == "" {
			p.BaseURL = constants.DefaultWeComBaseURL
		}
		if p.AgentID <= 0 {
			return models.ConfigError{Message: "platform.agent_id is required for the wecom flavor"}
		}
	default:
		return models.ConfigError{Message: fmt.Sprintf("unknown platform.flavor %q (want mp or wecom)", p.Flavor)}
	}

	if p.TokenTimeoutSec <= 0 {
		p.TokenTimeoutSec = constants.DefaultTokenTimeoutSec
	}
	if p.TimeoutSec <= 0 {
		p.TimeoutSec = constants.DefaultSendTimeoutSec
	}
	if p.DownloadTimeoutSec <= 0 {
		p.DownloadTimeoutSec = constants.DefaultDownloadTimeoutSec
	}
	if p.UploadTimeoutSec <= 0 {
		p.UploadTimeoutSec = constants.DefaultUploadTimeoutSec
	}
	if p.TokenSafetyMarginSec <= 0 {
		p.TokenSafetyMarginSec = constants.DefaultTokenSafetyMarginSec
	}
	for name, v := range map[string]int{
		"platform.token_timeout_sec":    p.TokenTimeoutSec,
		"platform.timeout_sec":          p.TimeoutSec,
		"platform.download_timeout_sec": p.DownloadTimeoutSec,
		"platform.upload_timeout_sec":   p.UploadTimeoutSec,
	} {
		if err := validation.ValidateTimeout(v, name); err != nil {
			return models.ConfigError{Message: err.Error()}
		}
	}
	return nil
}

func validateConverter(c *models.ConverterConfig) error {
	if len(c.Backends) == 0 {
		c.Backends = []models.BackendConfig{{Type: models.BackendTypeOffice}}
	}

	names := make(map[string]bool)
	enabled := 0
	for i := range c.Backends {
		b := &c.Backends[i]
		switch b.Type {
		case models.BackendTypeRemote:
			if b.URL == "" {
				return ErrMissingBackendURL
			}
			if b.TimeoutSec <= 0 {
				b.TimeoutSec = constants.DefaultRemoteTimeoutSec
			}
			if b.BreakerFailures <= 0 {
				b.BreakerFailures = constants.DefaultRemoteBreakerFailures
			}
			if b.BreakerResetSec <= 0 {
				b.BreakerResetSec = constants.DefaultRemoteBreakerResetSec
			}
		case models.BackendTypeOffice:
			if b.Binary == "" {
				b.Binary = constants.DefaultOfficeBinary
			}
			if b.TimeoutSec <= 0 {
				b.TimeoutSec = constants.DefaultOfficeTimeoutSec
			}
		default:
			return models.ConfigError{Message: fmt.Sprintf("converter backend %d: unknown type %q", i, b.Type)}
		}

		if b.Name == "" {
			b.Name = b.Type
		}
		if err := validation.ValidateTimeout(b.TimeoutSec, fmt.Sprintf("converter backend %s timeout_sec", b.Name)); err != nil {
			return models.ConfigError{Message: err.Error()}
		}
		if names[b.Name] {
			return models.ConfigError{Message: fmt.Sprintf("duplicate converter backend name: %s", b.Name)}
		}
		names[b.Name] = true
		if !b.Disabled {
			enabled++
		}
	}

	if enabled == 0 {
		return models.ConfigError{Message: "at least one converter backend must be enabled"}
	}
	return nil
}

func validateDedup(d *models.DedupConfig) error {
	if d.Backend == "" {
		d.Backend = constants.DefaultDedupBackend
	}
	if d.TTLSec <= 0 {
		d.TTLSec = constants.DefaultDedupTTLSec
	}
	if d.SweepIntervalSec <= 0 {
		d.SweepIntervalSec = constants.DefaultSweepIntervalSec
	}

	switch d.Backend {
	case models.DedupBackendMemory:
	case models.DedupBackendRedis:
		if d.RedisURL == "" {
			return ErrMissingRedisURL
		}
		if d.KeyPrefix == "" {
			d.KeyPrefix = constants.DefaultDedupKeyPrefix
		}
	case models.DedupBackendSQLite:
		if d.DBPath == "" {
			d.DBPath = constants.DefaultDedupDBPath
		}
		if err := security.ValidateFilePath(d.DBPath); err != nil {
			return models.ConfigError{Message: fmt.Sprintf("invalid dedup.db_path: %v", err)}
		}
	default:
		return models.ConfigError{Message: fmt.Sprintf("unknown dedup.backend %q", d.Backend)}
	}
	return nil
}

func applyEnvironmentOverrides(c *models.Config) error {
	// SECURITY: callback credentials and the app secret should come from the environment
	if v := os.Getenv("DOCRELAY_TOKEN"); v != "" {
		c.Callback.Token = v
	}
	if v := os.Getenv("DOCRELAY_ENCODING_AES_KEY"); v != "" {
		c.Callback.EncodingAESKey = v
	}
	if v := os.Getenv("DOCRELAY_RECEIVER_ID"); v != "" {
		c.Callback.ReceiverID = v
	}
	if v := os.Getenv("DOCRELAY_APP_ID"); v != "" {
		c.Platform.AppID = v
	}
	if v := os.Getenv("DOCRELAY_APP_SECRET"); v != "" {
		c.Platform.AppSecret = v
	}
	if v := os.Getenv("DOCRELAY_PLATFORM_FLAVOR"); v != "" {
		c.Platform.Flavor = v
	}
	if v := os.Getenv("DOCRELAY_AGENT_ID"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			return models.ConfigError{Message: "DOCRELAY_AGENT_ID must be an integer"}
		}
		c.Platform.AgentID = id
	}

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return models.ConfigError{Message: "PORT must be an integer"}
		}
		c.Server.Port = port
	}
	if v := os.Getenv("DOCRELAY_REDIS_URL"); v != "" {
		c.Dedup.RedisURL = v
	}
	if v := os.Getenv("DOCRELAY_DB_PATH"); v != "" {
		c.Dedup.DBPath = v
	}
	if v := os.Getenv("DOCRELAY_TEMP_DIR"); v != "" {
		c.Media.TempDir = v
	}
	if v := os.Getenv("DOCRELAY_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}

	// A remote converter URL from the environment goes to the first remote
	// backend, or becomes a new first backend.
	if v := os.Getenv("DOCRELAY_REMOTE_CONVERTER_URL"); v != "" {
		applied := false
		for i := range c.Converter.Backends {
			if c.Converter.Backends[i].Type == models.BackendTypeRemote {
				c.Converter.Backends[i].URL = v
				applied = true
				break
			}
		}
		if !applied {
			backends := []models.BackendConfig{{Type: models.BackendTypeRemote, URL: v}}
			if len(c.Converter.Backends) == 0 {
				backends = append(backends, models.BackendConfig{Type: models.BackendTypeOffice})
			}
			c.Converter.Backends = append(backends, c.Converter.Backends...)
		}
	}
	return nil
}

// validateSecurity performs security-specific validation
func validateSecurity(c *models.Config) error {
	if IsProduction() {
		if c.Callback.Token == "" {
			return models.ConfigError{Message: "callback token is required in production (set DOCRELAY_TOKEN environment variable)"}
		}
		if c.Platform.AppID == "" || c.Platform.AppSecret == "" {
			return models.ConfigError{Message: "platform app id and secret are required in production (set DOCRELAY_APP_ID and DOCRELAY_APP_SECRET)"}
		}
		if c.LogLevel == "debug" || c.LogLevel == "trace" {
			return models.ConfigError{Message: "debug logging should not be used in production (security risk)"}
		}
		return nil
	}

	if c.Callback.Token == "" {
		fmt.Fprintf(os.Stderr, "WARNING: callback token not set. Every platform callback will be rejected until DOCRELAY_TOKEN is set.\n")
	}
	if !c.Callback.Encrypted() {
		fmt.Fprintf(os.Stderr, "WARNING: callbacks run in plaintext mode. Set DOCRELAY_ENCODING_AES_KEY to enable encrypted mode.\n")
	}
	return nil
}
