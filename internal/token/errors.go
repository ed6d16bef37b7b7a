package token

import "errors"

var errEmptyToken = errors.New("issuer returned an empty access token")
