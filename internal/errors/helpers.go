package errors

import (
	"fmt"
)

// Callback errors

// NewAuthError creates an authentication error for a callback whose signature did not verify
func NewAuthError(reason string) *AppError {
	return New(ErrCodeAuthentication, "authentication failed").
		WithContext("reason", reason).
		WithUserMessage("Authentication failed")
}

// NewDecryptError wraps a ciphertext, padding or receiver id failure
func NewDecryptError(err error) *AppError {
	return Wrap(err, ErrCodeDecrypt, "failed to decrypt callback payload").
		WithUserMessage("Message could not be decrypted")
}

// NewInvalidInputError creates an error for malformed callback bodies
func NewInvalidInputError(message string, err error) *AppError {
	return Wrap(err, ErrCodeInvalidInput, message)
}

// Platform errors

// NewCredentialError reports that the access token could not be issued
func NewCredentialError(err error) *AppError {
	return Wrap(err, ErrCodeCredential, "failed to obtain access token").
		WithUserMessage("Platform credentials were rejected")
}

// NewAPIError creates an API error for platform or converter calls.
// 5xx, 429 and 408 responses are retryable.
func NewAPIError(service, endpoint string, statusCode int, err error) *AppError {
	appErr := Wrap(err, ErrCodePlatformAPI, fmt.Sprintf("%s API call failed", service)).
		WithContext("service", service).
		WithContext("endpoint", endpoint).
		WithContext("status_code", statusCode)

	if statusCode >= 500 || statusCode == 429 || statusCode == 408 {
		appErr.Retryable = true
	}

	return appErr
}

// NewPlatformError reports a platform response carrying a non-zero errcode
func NewPlatformError(endpoint string, errCode int, errMsg string, err error) *AppError {
	return Wrap(err, ErrCodePlatformAPI, fmt.Sprintf("platform error %d: %s", errCode, errMsg)).
		WithContext("endpoint", endpoint).
		WithContext("errcode", errCode)
}

// Conversion job errors

// NewJobError wraps a failure in one stage of a conversion job. The user
// message is what the end user sees in the failure notice. The job error is
// retryable when its cause is.
func NewJobError(code ErrorCode, err error) *AppError {
	var msg, userMsg string
	switch code {
	case ErrCodeDownload:
		msg, userMsg = "failed to download document", "文件下载失败"
	case ErrCodeConversion:
		msg, userMsg = "all conversion backends failed", "文档转换失败"
	case ErrCodeUnsupportedFormat:
		msg, userMsg = "unsupported document format", "不支持的文件类型"
	case ErrCodeUpload:
		msg, userMsg = "failed to upload PDF", "PDF上传失败"
	case ErrCodeDelivery:
		msg, userMsg = "failed to deliver PDF", "PDF发送失败"
	default:
		msg, userMsg = "conversion job failed", "处理失败"
	}
	appErr := Wrap(err, code, msg).WithUserMessage(userMsg)
	appErr.Retryable = IsRetryable(err)
	return appErr
}

// NewDatabaseError creates a database error with operation context
func NewDatabaseError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeDatabaseQuery, fmt.Sprintf("database %s failed", operation)).
		WithContext("operation", operation).
		WithUserMessage("Database operation failed")
}

// HTTP helpers

// HTTPStatusCode maps error codes to appropriate HTTP status codes
func HTTPStatusCode(err error) int {
	switch GetCode(err) {
	case ErrCodeInvalidInput:
		return 400
	case ErrCodeAuthentication, ErrCodeDecrypt:
		return 403
	case ErrCodeTimeout:
		return 408
	case ErrCodePlatformAPI, ErrCodeCredential:
		if IsRetryable(err) {
			return 502
		}
		return 500
	case ErrCodeDatabaseConnection, ErrCodeDatabaseQuery:
		return 503
	default:
		return 500
	}
}
