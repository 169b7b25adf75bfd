package logging

import (
	"strconv"

	"go.uber.org/zap"
)

// RedactedString creates a zap field that records only the value's length.
// Use it for admin tokens, API key secrets, and connection strings with
// embedded credentials.
func RedactedString(key, val string) zap.Field {
	return zap.String(key, "[REDACTED:"+strconv.Itoa(len(val))+"]")
}
