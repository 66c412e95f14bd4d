package logger

import "strings"

// sensitiveHeaders are request headers whose values never reach the logs
// in full.
var sensitiveHeaders = map[string]bool{
	"authorization": true,
	"x-api-key":     true,
	"api-key":       true,
	"cookie":        true,
}

// RedactCredential masks a credential, keeping the last four characters
// for identification. Short values are fully masked.
func RedactCredential(value string) string {
	if value == "" {
		return ""
	}
	if len(value) <= 4 {
		return "***"
	}
	return "***" + value[len(value)-4:]
}

// RedactHeaders returns a copy of the headers safe for logging.
func RedactHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if sensitiveHeaders[strings.ToLower(k)] {
			out[k] = RedactCredential(v)
			continue
		}
		out[k] = v
	}
	return out
}
