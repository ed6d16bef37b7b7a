package constants

// Server defaults
const (
	DefaultServerPort            = 5000
	DefaultCallbackPath          = "/wechat"
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
	DefaultGracefulShutdownSec   = 30
	ServerErrorChannelSize       = 1
	DefaultMaxCallbackBodyBytes  = 1 << 20
	DefaultRateLimitPerMinute    = 600
)

// Idempotency defaults
const (
	DefaultDedupTTLSec      = 60
	DefaultDedupBackend     = "memory"
	DefaultDedupKeyPrefix   = "docrelay:msg:"
	DefaultDedupDBPath      = "data/docrelay.db"
	DefaultSweepIntervalSec = 60
)

// Platform defaults
const (
	DefaultPlatformFlavor       = "mp"
	DefaultPlatformBaseURL      = "https://api.weixin.qq.com"
	DefaultWeComBaseURL         = "https://qyapi.weixin.qq.com"
	DefaultTokenTimeoutSec      = 10
	DefaultSendTimeoutSec       = 10
	DefaultDownloadTimeoutSec   = 30
	DefaultUploadTimeoutSec     = 60
	DefaultTokenSafetyMarginSec = 300
	DefaultMaxDocumentSizeMB    = 20
)

// Conversion defaults
const (
	DefaultOfficeBinary          = "/usr/bin/soffice"
	DefaultOfficeTimeoutSec      = 30
	DefaultRemoteTimeoutSec      = 60
	DefaultRemoteBreakerFailures = 3
	DefaultRemoteBreakerResetSec = 60
	DefaultTempDir               = "temp_files"
	DefaultFileName              = "document.docx"
	DefaultFileExtension         = ".docx"
)

// Database defaults
const (
	DefaultDatabaseRetryAttempts = 3
	DefaultRetryBackoffMs        = 100
	DefaultMaxBackoffMs          = 2000
)

// Privacy settings
const (
	DefaultUserMaskLength = 4
)
