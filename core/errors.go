package core

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
)

const (
	IngestErrorValidation     = "INGEST_VALIDATION"
	IngestErrorAuth           = "INGEST_AUTH"
	IngestErrorRateLimited    = "INGEST_RATE_LIMITED"
	IngestErrorServer         = "INGEST_UPSTREAM_SERVER"
	IngestErrorNetwork        = "INGEST_NETWORK"
	IngestErrorTimeout        = "INGEST_TIMEOUT"
	IngestErrorAlreadyRunning = "INGEST_ALREADY_RUNNING"
	IngestErrorInternal       = "INGEST_INTERNAL"
)

const (
	metadataKeyRetryAfterMs = "retry_after_ms"
	metadataKeyRefresh5xx   = "refresh_5xx"
)

// NewValidationError marks a client-side contract breach. Never retried.
func NewValidationError(message string) *goerrors.Error {
	return goerrors.New(message, goerrors.CategoryValidation).
		WithCode(http.StatusBadRequest).
		WithTextCode(IngestErrorValidation)
}

func WrapValidationError(source error, message string) *goerrors.Error {
	return goerrors.Wrap(source, goerrors.CategoryValidation, message).
		WithCode(http.StatusBadRequest).
		WithTextCode(IngestErrorValidation)
}

// NewAuthError marks a rejected credential. Retryable only when the refresh
// endpoint itself answered 5xx, which callers flag via refreshServerFailure.
func NewAuthError(message string, refreshServerFailure bool) *goerrors.Error {
	err := goerrors.New(message, goerrors.CategoryAuth).
		WithCode(http.StatusUnauthorized).
		WithTextCode(IngestErrorAuth)
	if refreshServerFailure {
		err = err.WithMetadata(map[string]any{metadataKeyRefresh5xx: true})
	}
	return err
}

// NewRateLimitError carries the upstream retry hint when one was provided.
func NewRateLimitError(message string, retryAfter time.Duration) *goerrors.Error {
	err := goerrors.New(message, goerrors.CategoryRateLimit).
		WithCode(http.StatusTooManyRequests).
		WithTextCode(IngestErrorRateLimited)
	if retryAfter > 0 {
		err = err.WithMetadata(map[string]any{metadataKeyRetryAfterMs: retryAfter.Milliseconds()})
	}
	return err
}

func NewServerError(message string, statusCode int) *goerrors.Error {
	if statusCode < http.StatusInternalServerError {
		statusCode = http.StatusBadGateway
	}
	return goerrors.New(message, goerrors.CategoryExternal).
		WithCode(statusCode).
		WithTextCode(IngestErrorServer)
}

func NewNetworkError(message string) *goerrors.Error {
	return goerrors.New(message, goerrors.CategoryExternal).
		WithCode(http.StatusBadGateway).
		WithTextCode(IngestErrorNetwork)
}

func WrapNetworkError(source error, message string) *goerrors.Error {
	return goerrors.Wrap(source, goerrors.CategoryExternal, message).
		WithCode(http.StatusBadGateway).
		WithTextCode(IngestErrorNetwork)
}

// NewTimeoutError is separated from NewNetworkError only so alert rules can
// distinguish the two; both classify as retryable.
func NewTimeoutError(message string) *goerrors.Error {
	return goerrors.New(message, goerrors.CategoryExternal).
		WithCode(http.StatusGatewayTimeout).
		WithTextCode(IngestErrorTimeout)
}

func NewAlreadyRunningError(instanceID string, sourceKey string) *goerrors.Error {
	message := "core: a job is already running for instance " + strings.TrimSpace(instanceID)
	if key := strings.TrimSpace(sourceKey); key != "" {
		message += " source " + key
	}
	return goerrors.New(message, goerrors.CategoryConflict).
		WithCode(http.StatusConflict).
		WithTextCode(IngestErrorAlreadyRunning).
		WithMetadata(map[string]any{
			"connector_instance_id": strings.TrimSpace(instanceID),
			"source_key":            strings.TrimSpace(sourceKey),
		})
}

func NewInternalError(message string) *goerrors.Error {
	return goerrors.New(message, goerrors.CategoryInternal).
		WithCode(http.StatusInternalServerError).
		WithTextCode(IngestErrorInternal)
}

func WrapInternalError(source error, message string) *goerrors.Error {
	return goerrors.Wrap(source, goerrors.CategoryInternal, message).
		WithCode(http.StatusInternalServerError).
		WithTextCode(IngestErrorInternal)
}

// Kind returns the taxonomy text code for an error, INGEST_INTERNAL when the
// error carries no recognized envelope.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		if code := strings.TrimSpace(richErr.TextCode); code != "" {
			return code
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return IngestErrorTimeout
	}
	return IngestErrorInternal
}

// IsRetryable reports whether the retrier should attempt the operation again.
// Rate-limit, upstream 5xx, network, and timeout failures retry; validation
// and overlap conflicts never do; auth failures retry only when the refresh
// endpoint answered 5xx.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch Kind(err) {
	case IngestErrorRateLimited, IngestErrorServer, IngestErrorNetwork, IngestErrorTimeout:
		return true
	case IngestErrorAuth:
		return isRefreshServerFailure(err)
	default:
		return false
	}
}

// RetryAfter extracts an upstream retry hint, typically set by a 429 response.
func RetryAfter(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return 0, false
	}
	raw, ok := richErr.Metadata[metadataKeyRetryAfterMs]
	if !ok {
		return 0, false
	}
	switch value := raw.(type) {
	case int64:
		if value > 0 {
			return time.Duration(value) * time.Millisecond, true
		}
	case int:
		if value > 0 {
			return time.Duration(value) * time.Millisecond, true
		}
	case float64:
		if value > 0 {
			return time.Duration(value) * time.Millisecond, true
		}
	}
	return 0, false
}

func isRefreshServerFailure(err error) bool {
	var richErr *goerrors.Error
	if !goerrors.As(err, &richErr) {
		return false
	}
	flagged, ok := richErr.Metadata[metadataKeyRefresh5xx].(bool)
	return ok && flagged
}

// ingestErrorMapper normalizes arbitrary errors into the ingest envelope so
// job error lists and logs always carry a taxonomy kind.
func ingestErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureIngestErrorEnvelope(richErr)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError(err.Error())
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "already running"):
		return ensureIngestErrorEnvelope(
			goerrors.New(err.Error(), goerrors.CategoryConflict).WithTextCode(IngestErrorAlreadyRunning),
		)
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "throttl"):
		return NewRateLimitError(err.Error(), 0)
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "credential"):
		return NewAuthError(err.Error(), false)
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return NewTimeoutError(err.Error())
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return NewValidationError(err.Error())
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureIngestErrorEnvelope(mapped)
}

func ensureIngestErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = ingestHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultIngestTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultIngestTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return IngestErrorValidation
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return IngestErrorAuth
	case goerrors.CategoryConflict:
		return IngestErrorAlreadyRunning
	case goerrors.CategoryRateLimit:
		return IngestErrorRateLimited
	case goerrors.CategoryExternal:
		return IngestErrorServer
	default:
		return IngestErrorInternal
	}
}

func ingestHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryAuth:
		return http.StatusUnauthorized
	case goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	case goerrors.CategoryExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
