package upload

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-ingest/core"
	"github.com/goliatone/go-ingest/transport"
)

type contentPayload struct {
	Base64 string `json:"base64,omitempty"`
	URL    string `json:"url,omitempty"`
}

type documentPayload struct {
	Content         contentPayload    `json:"content"`
	ContentType     string            `json:"contentType"`
	Schema          map[string]string `json:"schema,omitempty"`
	Metadata        map[string]any    `json:"metadata"`
	Tags            []string          `json:"tags,omitempty"`
	ProcessingHints *hintsPayload     `json:"processingHints,omitempty"`
	Relationships   *relationsPayload `json:"relationships,omitempty"`
	Permissions     *permsPayload     `json:"permissions,omitempty"`
}

type hintsPayload struct {
	ExtractTables  *bool  `json:"extractTables,omitempty"`
	OCRLanguage    string `json:"ocrLanguage,omitempty"`
	Chunking       string `json:"chunking,omitempty"`
	ChunkSize      int    `json:"chunkSize,omitempty"`
	ChunkOverlap   int    `json:"chunkOverlap,omitempty"`
	Deduplication  string `json:"deduplication,omitempty"`
	PrimaryKey     string `json:"primaryKey,omitempty"`
	TimestampField string `json:"timestampField,omitempty"`
	Priority       string `json:"priority,omitempty"`
	Async          bool   `json:"async,omitempty"`
}

type relationsPayload struct {
	Parent   string   `json:"parent,omitempty"`
	Related  []string `json:"related,omitempty"`
	Replaces string   `json:"replaces,omitempty"`
}

type permsPayload struct {
	Readers    []string `json:"readers,omitempty"`
	Writers    []string `json:"writers,omitempty"`
	Visibility string   `json:"visibility,omitempty"`
}

type errorPayload struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// uploadResponse is the gateway's response envelope: either
// {success:true, documentId, status, ...} or
// {success:false, error:{code,message,details}, retryable}.
type uploadResponse struct {
	Success    bool          `json:"success"`
	DocumentID string        `json:"documentId"`
	Status     string        `json:"status"`
	Duplicate  bool          `json:"duplicate"`
	Error      *errorPayload `json:"error,omitempty"`
	Retryable  bool          `json:"retryable"`
}

type batchRequest struct {
	Transactional bool              `json:"transactional"`
	Documents     []documentPayload `json:"documents"`
}

type batchResponse struct {
	Success   bool                `json:"success"`
	Results   []batchItemResponse `json:"results"`
	Error     *errorPayload       `json:"error,omitempty"`
	Retryable bool                `json:"retryable"`
}

type batchItemResponse struct {
	Index      int           `json:"index"`
	Success    bool          `json:"success"`
	DocumentID string        `json:"documentId"`
	Status     string        `json:"status"`
	Duplicate  bool          `json:"duplicate"`
	Error      *errorPayload `json:"error,omitempty"`
	Retryable  bool          `json:"retryable"`
}

// promoteError lifts a gateway rejection envelope into the taxonomy. The
// envelope's retryable flag is authoritative: false means the document is
// rejected for good and must not be re-sent, true means the failure is
// transient and the key can be replayed.
func promoteError(rejection *errorPayload, retryable bool, statusCode int) error {
	code := ErrCodeInternalError
	message := "upload: gateway rejected the request"
	if rejection != nil {
		if trimmed := strings.TrimSpace(rejection.Code); trimmed != "" {
			code = trimmed
		}
		if trimmed := strings.TrimSpace(rejection.Message); trimmed != "" {
			message = "upload: " + trimmed
		}
	}
	if retryable {
		return core.NewServerError(message+" ("+code+")", statusCode)
	}
	return core.NewValidationError(message + " (" + code + ")")
}

// Upload sends one envelope. The derived idempotency key makes retries safe:
// an acknowledged key replays the original documentId instead of re-sending.
func (c *Client) Upload(ctx context.Context, envelope core.UploadEnvelope, opts core.UploadOptions) (core.UploadResult, error) {
	if c == nil {
		return core.UploadResult{}, core.NewInternalError("upload: client is nil")
	}
	startedAt := c.now()

	key, payload, err := c.prepare(envelope, opts)
	if err != nil {
		return core.UploadResult{}, err
	}

	if cached, ok := c.cachedResult(key); ok {
		return core.UploadResult{DocumentID: cached.documentID, Status: cached.status, Duplicate: true}, nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return core.UploadResult{}, core.WrapValidationError(err, "upload: encode document")
	}

	req := core.TransportRequest{
		Method:      "POST",
		URL:         c.baseURL + uploadPath,
		Headers:     c.headers(envelope),
		Body:        body,
		Timeout:     c.requestTimeout,
		Idempotency: key,
	}

	var decoded uploadResponse
	call := func(ctx context.Context) error {
		decoded = uploadResponse{}
		res, err := c.adapter.Do(ctx, req)
		if err != nil {
			return err
		}
		// The body-level envelope is authoritative when present; the HTTP
		// status only classifies responses that carry no parseable envelope.
		parseErr := json.Unmarshal(res.Body, &decoded)
		if parseErr != nil || (!decoded.Success && decoded.Error == nil) {
			if statusErr := transport.MapStatusError(res); statusErr != nil {
				return statusErr
			}
			if parseErr != nil {
				return core.WrapValidationError(parseErr, "upload: decode gateway response")
			}
		}
		if decoded.Error != nil {
			return promoteError(decoded.Error, decoded.Retryable, res.StatusCode)
		}
		if strings.TrimSpace(decoded.DocumentID) == "" {
			return core.NewServerError("upload: gateway acknowledged without a documentId", 502)
		}
		return nil
	}

	if c.retrier != nil {
		err = c.retrier.Run(ctx, "upload.document", call)
	} else {
		err = call(ctx)
	}
	core.ObserveOperation(ctx, c.logger, c.metrics, startedAt, "upload_document", err, map[string]any{
		"trace_id":    opts.TraceID,
		"external_id": envelope.ExternalID(),
	})
	if err != nil {
		return core.UploadResult{}, err
	}

	c.remember(key, decoded.DocumentID, decoded.Status)
	return core.UploadResult{
		DocumentID: decoded.DocumentID,
		Status:     decoded.Status,
		Duplicate:  decoded.Duplicate,
	}, nil
}

// UploadBatch sends envelopes in one round trip. Non-transactional batches
// report per-item outcomes; a transactional batch either materializes fully
// or fails as a unit with nothing to compensate client-side.
func (c *Client) UploadBatch(ctx context.Context, envelopes []core.UploadEnvelope, opts core.UploadOptions) (core.BatchResult, error) {
	if c == nil {
		return core.BatchResult{}, core.NewInternalError("upload: client is nil")
	}
	if len(envelopes) == 0 {
		return core.BatchResult{}, core.NewValidationError("upload: batch is empty")
	}
	startedAt := c.now()

	keys := make([]string, len(envelopes))
	request := batchRequest{Transactional: opts.Transactional, Documents: make([]documentPayload, len(envelopes))}
	result := core.BatchResult{Items: make([]core.BatchItemResult, len(envelopes))}

	cachedCount := 0
	for index, envelope := range envelopes {
		key, payload, err := c.prepare(envelope, core.UploadOptions{TraceID: opts.TraceID})
		if err != nil {
			return core.BatchResult{}, core.WrapValidationError(err, fmt.Sprintf("upload: batch item %d rejected", index))
		}
		keys[index] = key
		request.Documents[index] = payload
		if cached, ok := c.cachedResult(key); ok {
			result.Items[index] = core.BatchItemResult{
				Index: index, DocumentID: cached.documentID, Status: cached.status, Duplicate: true,
			}
			cachedCount++
		}
	}

	// Everything already acknowledged in the replay window: no round trip.
	if cachedCount == len(envelopes) {
		result.Succeeded = cachedCount
		return result, nil
	}

	body, err := json.Marshal(request)
	if err != nil {
		return core.BatchResult{}, core.WrapValidationError(err, "upload: encode batch")
	}

	batchKey := IdempotencyKey("batch", strings.Join(keys, ""), "")
	req := core.TransportRequest{
		Method:      "POST",
		URL:         c.baseURL + batchPath,
		Headers:     c.baseHeaders(),
		Body:        body,
		Timeout:     c.requestTimeout,
		Idempotency: batchKey,
	}

	var decoded batchResponse
	var statusCode int
	call := func(ctx context.Context) error {
		decoded = batchResponse{}
		res, err := c.adapter.Do(ctx, req)
		if err != nil {
			return err
		}
		statusCode = res.StatusCode
		parseErr := json.Unmarshal(res.Body, &decoded)
		if parseErr != nil || (!decoded.Success && decoded.Error == nil && len(decoded.Results) == 0) {
			if statusErr := transport.MapStatusError(res); statusErr != nil {
				return statusErr
			}
			if parseErr != nil {
				return core.WrapValidationError(parseErr, "upload: decode batch response")
			}
		}
		// A batch-level rejection covers the whole request; a transactional
		// batch that failed materialized nothing.
		if decoded.Error != nil {
			return promoteError(decoded.Error, decoded.Retryable, res.StatusCode)
		}
		return nil
	}

	if c.retrier != nil {
		err = c.retrier.Run(ctx, "upload.batch", call)
	} else {
		err = call(ctx)
	}
	core.ObserveOperation(ctx, c.logger, c.metrics, startedAt, "upload_batch", err, map[string]any{
		"trace_id":   opts.TraceID,
		"batch_size": len(envelopes),
	})
	if err != nil {
		// A failed transactional batch materialized nothing server-side.
		return core.BatchResult{}, err
	}

	for _, item := range decoded.Results {
		if item.Index < 0 || item.Index >= len(result.Items) {
			continue
		}
		if item.Error != nil || !item.Success {
			result.Items[item.Index] = core.BatchItemResult{
				Index: item.Index,
				Err:   promoteError(item.Error, item.Retryable, statusCode),
			}
			continue
		}
		result.Items[item.Index] = core.BatchItemResult{
			Index:      item.Index,
			DocumentID: item.DocumentID,
			Status:     item.Status,
			Duplicate:  item.Duplicate,
		}
		c.remember(keys[item.Index], item.DocumentID, item.Status)
	}
	for _, item := range result.Items {
		if item.Err != nil {
			result.Failed++
		} else if item.DocumentID != "" {
			result.Succeeded++
		}
	}
	return result, nil
}

// prepare validates, enforces the payload cap, derives the idempotency key,
// and renders the wire payload.
func (c *Client) prepare(envelope core.UploadEnvelope, opts core.UploadOptions) (string, documentPayload, error) {
	if err := envelope.Validate(); err != nil {
		return "", documentPayload{}, err
	}
	if size := envelope.Content.Size(); size > c.maxPayloadBytes {
		return "", documentPayload{}, core.NewValidationError(
			fmt.Sprintf("upload: payload of %d bytes exceeds the %d byte limit", size, c.maxPayloadBytes))
	}

	key := strings.TrimSpace(opts.IdempotencyKey)
	if key == "" {
		connectorID := strings.TrimSpace(fmt.Sprint(envelope.Metadata["connector_instance_id"]))
		if connectorID == "<nil>" {
			connectorID = ""
		}
		key = IdempotencyKey(connectorID, envelope.ExternalID(), envelope.ContentFingerprint())
	}

	payload := documentPayload{
		ContentType: string(envelope.ContentType),
		Schema:      envelope.Schema,
		Metadata:    envelope.Metadata,
		Tags:        envelope.Tags,
	}
	switch {
	case len(envelope.Content.Bytes) > 0:
		payload.Content.Base64 = base64.StdEncoding.EncodeToString(envelope.Content.Bytes)
	case strings.TrimSpace(envelope.Content.Base64) != "":
		payload.Content.Base64 = strings.TrimSpace(envelope.Content.Base64)
	default:
		payload.Content.URL = strings.TrimSpace(envelope.Content.URL)
	}

	if hints := (core.ProcessingHints{}); envelope.ProcessingHints != hints {
		payload.ProcessingHints = &hintsPayload{
			ExtractTables:  envelope.ProcessingHints.ExtractTables,
			OCRLanguage:    envelope.ProcessingHints.OCRLanguage,
			Chunking:       string(envelope.ProcessingHints.Chunking),
			ChunkSize:      envelope.ProcessingHints.ChunkSize,
			ChunkOverlap:   envelope.ProcessingHints.ChunkOverlap,
			Deduplication:  string(envelope.ProcessingHints.Deduplication),
			PrimaryKey:     envelope.ProcessingHints.PrimaryKey,
			TimestampField: envelope.ProcessingHints.TimestampField,
			Priority:       string(envelope.ProcessingHints.Priority),
			Async:          envelope.ProcessingHints.Async,
		}
	}
	if envelope.Relationships != nil {
		payload.Relationships = &relationsPayload{
			Parent:   envelope.Relationships.Parent,
			Related:  envelope.Relationships.Related,
			Replaces: envelope.Relationships.Replaces,
		}
	}
	if envelope.Permissions != nil {
		payload.Permissions = &permsPayload{
			Readers:    envelope.Permissions.Readers,
			Writers:    envelope.Permissions.Writers,
			Visibility: envelope.Permissions.Visibility,
		}
	}
	return key, payload, nil
}

// headers carries auth plus the dedup hint the gateway uses before parsing
// the body. The hint follows the declared mode: exact sends the content
// fingerprint, fuzzy sends the primary key, none sends nothing.
func (c *Client) headers(envelope core.UploadEnvelope) map[string]string {
	headers := c.baseHeaders()
	switch envelope.ProcessingHints.Deduplication {
	case core.DeduplicationExact:
		headers["X-Dedup-Mode"] = string(core.DeduplicationExact)
		headers["X-Content-Fingerprint"] = envelope.ContentFingerprint()
	case core.DeduplicationFuzzy:
		headers["X-Dedup-Mode"] = string(core.DeduplicationFuzzy)
		if key := strings.TrimSpace(envelope.ProcessingHints.PrimaryKey); key != "" {
			headers["X-Dedup-Primary-Key"] = key
		}
	}
	return headers
}

func (c *Client) baseHeaders() map[string]string {
	headers := map[string]string{
		"Content-Type": "application/json",
		"Accept":       "application/json",
	}
	if c.token != "" {
		headers["Authorization"] = "Bearer " + c.token
	}
	return headers
}

func (c *Client) cachedResult(key string) (cachedResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cached, ok := c.cache[key]
	if !ok {
		return cachedResult{}, false
	}
	if !cached.expiresAt.After(c.now()) {
		delete(c.cache, key)
		return cachedResult{}, false
	}
	return cached, true
}

func (c *Client) remember(key string, documentID string, status string) {
	if strings.TrimSpace(key) == "" || strings.TrimSpace(documentID) == "" {
		return
	}
	c.mu.Lock()
	c.cache[key] = cachedResult{
		documentID: documentID,
		status:     status,
		expiresAt:  c.now().Add(idempotencyTTL),
	}
	c.mu.Unlock()
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now().UTC()
	}
	return time.Now().UTC()
}

var _ core.UploadGateway = (*Client)(nil)
