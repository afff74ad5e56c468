package upload

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	glog "github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-ingest/core"
	"github.com/goliatone/go-ingest/transport"
)

const (
	// DefaultMaxPayloadBytes caps a single document payload.
	DefaultMaxPayloadBytes int64 = 50 << 20
	// idempotencyTTL is the gateway's replay window; cached documentIds are
	// only trusted for as long as the server deduplicates the key.
	idempotencyTTL = 24 * time.Hour

	uploadPath = "/api/v1/upload"
	batchPath  = "/api/v1/upload/batch"
)

// Error codes the gateway returns in its rejection envelope. The set is
// closed; anything else is treated as INTERNAL_ERROR.
const (
	ErrCodeAuthenticationFailed  = "AUTHENTICATION_FAILED"
	ErrCodeAuthorizationDenied   = "AUTHORIZATION_DENIED"
	ErrCodeInvalidContentType    = "INVALID_CONTENT_TYPE"
	ErrCodeInvalidSchema         = "INVALID_SCHEMA"
	ErrCodeContentTooLarge       = "CONTENT_TOO_LARGE"
	ErrCodeRateLimitExceeded     = "RATE_LIMIT_EXCEEDED"
	ErrCodeProcessingTimeout     = "PROCESSING_TIMEOUT"
	ErrCodeDeduplicationConflict = "DEDUPLICATION_CONFLICT"
	ErrCodeInternalError         = "INTERNAL_ERROR"
)

// IdempotencyKey derives the deterministic retry key for one record:
// hex sha256 over connector id, external id, and the content fingerprint.
func IdempotencyKey(connectorID string, externalID string, fingerprint string) string {
	sum := sha256.Sum256([]byte(connectorID + externalID + fingerprint))
	return hex.EncodeToString(sum[:])
}

type cachedResult struct {
	documentID string
	status     string
	expiresAt  time.Time
}

// Client is the ingestion gateway client. Uploads are idempotent under the
// derived key; the first acknowledged documentId per key is replayed from a
// local cache for the server's 24h replay window, so a retried batch never
// materializes duplicates.
type Client struct {
	baseURL         string
	token           string
	adapter         core.TransportAdapter
	retrier         core.Retrier
	maxPayloadBytes int64
	requestTimeout  time.Duration
	logger          core.Logger
	metrics         core.MetricsRecorder

	mu    sync.Mutex
	cache map[string]cachedResult

	Now func() time.Time
}

type Option func(*Client)

func WithAdapter(adapter core.TransportAdapter) Option {
	return func(c *Client) {
		if adapter != nil {
			c.adapter = adapter
		}
	}
}

func WithRetrier(retrier core.Retrier) Option {
	return func(c *Client) {
		c.retrier = retrier
	}
}

func WithMaxPayloadBytes(limit int64) Option {
	return func(c *Client) {
		if limit > 0 {
			c.maxPayloadBytes = limit
		}
	}
}

func WithRequestTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.requestTimeout = timeout
		}
	}
}

func WithLogger(logger core.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithMetricsRecorder(recorder core.MetricsRecorder) Option {
	return func(c *Client) {
		if recorder != nil {
			c.metrics = recorder
		}
	}
}

func NewClient(baseURL string, token string, options ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, core.NewValidationError("upload: gateway base url is required")
	}
	_, logger := glog.Resolve("upload", nil, nil)
	client := &Client{
		baseURL:         baseURL,
		token:           strings.TrimSpace(token),
		adapter:         transport.NewRESTAdapter(nil),
		maxPayloadBytes: DefaultMaxPayloadBytes,
		logger:          glog.Ensure(logger),
		metrics:         core.NopMetricsRecorder{},
		cache:           map[string]cachedResult{},
		Now:             func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(client)
	}
	return client, nil
}
