package transport

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-ingest/core"
)

// MapStatusError translates an upstream HTTP response into the ingest
// taxonomy. A nil return means the response is a success.
func MapStatusError(res core.TransportResponse) error {
	status := res.StatusCode
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return core.NewAuthError(
			fmt.Sprintf("transport: upstream rejected credentials with status %d", status), false)
	case status == http.StatusTooManyRequests:
		return core.NewRateLimitError(
			"transport: upstream throttled the request",
			ParseRetryAfter(res.Headers, time.Now().UTC()),
		)
	case status >= 500:
		return core.NewServerError(
			fmt.Sprintf("transport: upstream answered status %d", status), status)
	default:
		return core.NewValidationError(
			fmt.Sprintf("transport: upstream rejected the request with status %d", status))
	}
}

// ParseRetryAfter reads a Retry-After header as delta seconds or an HTTP
// date. Zero means the header was absent or unusable.
func ParseRetryAfter(headers map[string]string, now time.Time) time.Duration {
	raw := strings.TrimSpace(headerValue(headers, "Retry-After"))
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(raw); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if wait := at.Sub(now); wait > 0 {
			return wait
		}
	}
	return 0
}

func headerValue(headers map[string]string, name string) string {
	if len(headers) == 0 {
		return ""
	}
	if value, ok := headers[name]; ok {
		return value
	}
	for key, value := range headers {
		if strings.EqualFold(key, name) {
			return value
		}
	}
	return ""
}
