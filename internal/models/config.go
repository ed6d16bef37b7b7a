package models

// Config holds the application configuration
type Config struct {
	Server    ServerConfig    `json:"server"`
	Callback  CallbackConfig  `json:"callback"`
	Platform  PlatformConfig  `json:"platform"`
	Converter ConverterConfig `json:"converter"`
	Dedup     DedupConfig     `json:"dedup"`
	Media     MediaConfig     `json:"media"`
	Jobs      JobsConfig      `json:"jobs"`
	Tracing   TracingConfig   `json:"tracing"`
	LogLevel  string          `json:"log_level"`
}

type ServerConfig struct {
	Port               int   `json:"port"`
	ReadTimeoutSec     int   `json:"read_timeout_sec"`
	WriteTimeoutSec    int   `json:"write_timeout_sec"`
	IdleTimeoutSec     int   `json:"idle_timeout_sec"`
	ShutdownTimeoutSec int   `json:"shutdown_timeout_sec"`
	MaxBodyBytes       int64 `json:"max_body_bytes"`
	RateLimitPerMinute int   `json:"rate_limit_per_minute"`
	// TrustProxy honours X-Forwarded-For when deployed behind a reverse proxy.
	TrustProxy bool `json:"trust_proxy"`
}

// CallbackConfig holds the credentials used to authenticate and decrypt
// platform callbacks. EncodingAESKey empty means plaintext mode.
type CallbackConfig struct {
	Path           string `json:"path"`
	Token          string `json:"token"`
	EncodingAESKey string `json:"encoding_aes_key"`
	// ReceiverID is the appid or corpid expected in decrypted payloads.
	ReceiverID string `json:"receiver_id"`
}

// Encrypted reports whether the safe (encrypted) mode is configured.
func (c CallbackConfig) Encrypted() bool {
	return c.EncodingAESKey != ""
}

type PlatformConfig struct {
	Flavor               string `json:"flavor"`
	BaseURL              string `json:"base_url"`
	AppID                string `json:"app_id"`
	AppSecret            string `json:"app_secret"`
	AgentID              int    `json:"agent_id"`
	TokenTimeoutSec      int    `json:"token_timeout_sec"`
	TimeoutSec           int    `json:"timeout_sec"`
	DownloadTimeoutSec   int    `json:"download_timeout_sec"`
	UploadTimeoutSec     int    `json:"upload_timeout_sec"`
	TokenSafetyMarginSec int    `json:"token_safety_margin_sec"`
}

type ConverterConfig struct {
	Backends []BackendConfig `json:"backends"`
}

// BackendConfig describes one conversion backend. Backends are tried in
// the order they are listed.
type BackendConfig struct {
	Name            string `json:"name"`
	Type            string `json:"type"`
	URL             string `json:"url,omitempty"`
	Binary          string `json:"binary,omitempty"`
	TimeoutSec      int    `json:"timeout_sec"`
	BreakerFailures int    `json:"breaker_failures,omitempty"`
	BreakerResetSec int    `json:"breaker_reset_sec,omitempty"`
	Disabled        bool   `json:"disabled,omitempty"`
}

const (
	BackendTypeRemote = "remote"
	BackendTypeOffice = "office"
)

const (
	DedupBackendMemory = "memory"
	DedupBackendRedis  = "redis"
	DedupBackendSQLite = "sqlite"
)

type DedupConfig struct {
	Backend          string `json:"backend"`
	TTLSec           int    `json:"ttl_sec"`
	RedisURL         string `json:"redis_url,omitempty"`
	KeyPrefix        string `json:"key_prefix,omitempty"`
	DBPath           string `json:"db_path,omitempty"`
	SweepIntervalSec int    `json:"sweep_interval_sec"`
}

type MediaConfig struct {
	TempDir   string `json:"temp_dir"`
	MaxSizeMB int    `json:"max_size_mb"`
}

// JobsConfig bounds background conversion work. MaxConcurrent 0 means unbounded.
type JobsConfig struct {
	MaxConcurrent int `json:"max_concurrent"`
}

type TracingConfig struct {
	Enabled      bool    `json:"enabled"`
	ServiceName  string  `json:"service_name"`
	Environment  string  `json:"environment"`
	OTLPEndpoint string  `json:"otlp_endpoint"`
	SampleRate   float64 `json:"sample_rate"`
	UseStdout    bool    `json:"use_stdout"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
