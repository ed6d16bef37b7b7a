// Package privacy masks user and credential identifiers before they reach logs.
package privacy

import (
	"strings"

	"docrelay/internal/constants"

	"github.com/sirupsen/logrus"
)

// MaskUserID keeps the last few characters of an openid or WeCom userid.
// Example: "oXyz_abcdef1234" -> "***********1234"
func MaskUserID(userID string) string {
	return maskString(userID, constants.DefaultUserMaskLength)
}

// MaskMediaID keeps the last 6 characters of a platform media id.
func MaskMediaID(mediaID string) string {
	return maskString(mediaID, 6)
}

// MaskSecret hides a credential entirely except for its length class.
func MaskSecret(secret string) string {
	switch {
	case secret == "":
		return ""
	case len(secret) <= 8:
		return "****"
	default:
		return secret[:2] + "****" + secret[len(secret)-2:]
	}
}

// MaskFileName keeps the extension and the first character of the stem.
// Example: "salary-2026.xlsx" -> "s***.xlsx"
func MaskFileName(name string) string {
	if name == "" {
		return ""
	}
	dot := strings.LastIndex(name, ".")
	if dot <= 0 {
		return maskString(name, 0)
	}
	runes := []rune(name[:dot])
	return string(runes[0]) + "***" + name[dot:]
}

func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}
	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}

// MaskFields masks well-known identifier fields in place and returns them.
func MaskFields(fields logrus.Fields) logrus.Fields {
	for k, v := range fields {
		s, ok := v.(string)
		if !ok {
			continue
		}
		switch k {
		case "user", "from_user", "to_user", "source_user":
			fields[k] = MaskUserID(s)
		case "media_id", "media_ref":
			fields[k] = MaskMediaID(s)
		case "file_name":
			fields[k] = MaskFileName(s)
		case "token", "access_token", "secret":
			fields[k] = MaskSecret(s)
		}
	}
	return fields
}
