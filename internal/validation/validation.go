package validation

import (
	"fmt"
	"unicode"

	"docrelay/internal/errors"
)

// Identifier bounds for platform callbacks. Real values are far shorter.
const (
	MaxUserIDLength    = 128
	MaxMessageIDLength = 64
	MaxMediaIDLength   = 256
	MaxTimeoutSec      = 3600
)

// ValidateUserID checks an openid or WeCom userid before it is used as a
// message recipient.
func ValidateUserID(userID string) error {
	if userID == "" {
		return errors.New(errors.ErrCodeInvalidInput, "user id cannot be empty")
	}
	if len(userID) > MaxUserIDLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("user id too long (max %d characters)", MaxUserIDLength))
	}
	for _, char := range userID {
		if !unicode.IsLetter(char) && !unicode.IsDigit(char) && char != '_' && char != '-' && char != '@' && char != '.' {
			return errors.New(errors.ErrCodeInvalidInput, "user id contains invalid characters")
		}
	}
	return nil
}

// ValidateMessageID validates message ID format and length
func ValidateMessageID(messageID string) error {
	if messageID == "" {
		return errors.New(errors.ErrCodeInvalidInput, "message ID cannot be empty")
	}

	if len(messageID) > MaxMessageIDLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("message ID too long (max %d characters)", MaxMessageIDLength))
	}

	// Check for control characters that could cause issues
	for _, char := range messageID {
		if unicode.IsControl(char) {
			return errors.New(errors.ErrCodeInvalidInput, "message ID contains invalid characters")
		}
	}

	return nil
}

// ValidateMediaID checks a platform media reference before it is sent back
// to the platform API.
func ValidateMediaID(mediaID string) error {
	if mediaID == "" {
		return errors.New(errors.ErrCodeInvalidInput, "media id cannot be empty")
	}
	if len(mediaID) > MaxMediaIDLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("media id too long (max %d characters)", MaxMediaIDLength))
	}
	for _, char := range mediaID {
		if unicode.IsControl(char) || unicode.IsSpace(char) {
			return errors.New(errors.ErrCodeInvalidInput, "media id contains invalid characters")
		}
	}
	return nil
}

// ValidateTimeout validates timeout values
func ValidateTimeout(timeoutSec int, fieldName string) error {
	if timeoutSec < 1 {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s must be at least 1 second", fieldName))
	}

	if timeoutSec > MaxTimeoutSec {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too large (max %d seconds)", fieldName, MaxTimeoutSec))
	}

	return nil
}
