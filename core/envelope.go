package core

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	MetadataKeySource          = "source"
	MetadataKeyExternalID      = "external_id"
	MetadataKeySourceUpdatedAt = "source_updated_at"
)

type ContentType string

const (
	ContentTypePDF      ContentType = "pdf"
	ContentTypeHTML     ContentType = "html"
	ContentTypeText     ContentType = "text"
	ContentTypeMarkdown ContentType = "markdown"
	ContentTypeJSON     ContentType = "json"
	ContentTypeCSV      ContentType = "csv"
	ContentTypeXML      ContentType = "xml"
	ContentTypeImage    ContentType = "image"
	ContentTypeBinary   ContentType = "binary"
)

func (t ContentType) Validate() error {
	switch t {
	case ContentTypePDF, ContentTypeHTML, ContentTypeText, ContentTypeMarkdown,
		ContentTypeJSON, ContentTypeCSV, ContentTypeXML, ContentTypeImage, ContentTypeBinary:
		return nil
	}
	return fmt.Errorf("core: unsupported content type %q", string(t))
}

func (t ContentType) textual() bool {
	switch t {
	case ContentTypeHTML, ContentTypeText, ContentTypeMarkdown, ContentTypeJSON, ContentTypeCSV, ContentTypeXML:
		return true
	}
	return false
}

// Content holds exactly one of inline bytes, a remote URL, or a base64 string.
type Content struct {
	Bytes  []byte
	URL    string
	Base64 string
}

func (c Content) Validate() error {
	set := 0
	if len(c.Bytes) > 0 {
		set++
	}
	if strings.TrimSpace(c.URL) != "" {
		set++
	}
	if strings.TrimSpace(c.Base64) != "" {
		set++
	}
	if set != 1 {
		return fmt.Errorf("core: envelope content requires exactly one of bytes, url, or base64")
	}
	if strings.TrimSpace(c.Base64) != "" {
		if _, err := base64.StdEncoding.DecodeString(strings.TrimSpace(c.Base64)); err != nil {
			return fmt.Errorf("core: envelope base64 content is not decodable: %w", err)
		}
	}
	return nil
}

// Size returns the decoded payload size in bytes. Remote URLs count as the
// length of the URL itself; the gateway fetches those server-side.
func (c Content) Size() int64 {
	if len(c.Bytes) > 0 {
		return int64(len(c.Bytes))
	}
	if raw := strings.TrimSpace(c.Base64); raw != "" {
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err == nil {
			return int64(len(decoded))
		}
		return int64(len(raw))
	}
	return int64(len(strings.TrimSpace(c.URL)))
}

type ChunkingMode string

const (
	ChunkingParagraph ChunkingMode = "paragraph"
	ChunkingSemantic  ChunkingMode = "semantic"
	ChunkingFixed     ChunkingMode = "fixed"
	ChunkingNone      ChunkingMode = "none"
)

type DeduplicationMode string

const (
	DeduplicationExact DeduplicationMode = "exact"
	DeduplicationFuzzy DeduplicationMode = "fuzzy"
	DeduplicationNone  DeduplicationMode = "none"
)

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

type ProcessingHints struct {
	ExtractTables  *bool
	OCRLanguage    string
	Chunking       ChunkingMode
	ChunkSize      int
	ChunkOverlap   int
	Deduplication  DeduplicationMode
	PrimaryKey     string
	TimestampField string
	Priority       Priority
	Async          bool
}

type Relationships struct {
	Parent   string
	Related  []string
	Replaces string
}

type Permissions struct {
	Readers    []string
	Writers    []string
	Visibility string
}

// UploadEnvelope is the canonical ingestion unit accepted by the gateway.
type UploadEnvelope struct {
	Content         Content
	ContentType     ContentType
	Schema          map[string]string
	Metadata        map[string]any
	Tags            []string
	ProcessingHints ProcessingHints
	Relationships   *Relationships
	Permissions     *Permissions
}

func (e UploadEnvelope) Validate() error {
	if err := e.Content.Validate(); err != nil {
		return err
	}
	if err := e.ContentType.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(fmt.Sprint(e.Metadata[MetadataKeySource])) == "" ||
		fmt.Sprint(e.Metadata[MetadataKeySource]) == "<nil>" {
		return fmt.Errorf("core: envelope metadata requires %q", MetadataKeySource)
	}
	if e.ExternalID() == "" {
		return fmt.Errorf("core: envelope metadata requires %q", MetadataKeyExternalID)
	}
	return nil
}

// ExternalID returns the source record identifier carried in metadata.
func (e UploadEnvelope) ExternalID() string {
	if e.Metadata == nil {
		return ""
	}
	value := strings.TrimSpace(fmt.Sprint(e.Metadata[MetadataKeyExternalID]))
	if value == "<nil>" {
		return ""
	}
	return value
}

// ContentFingerprint returns the hex SHA-256 of the normalized payload.
// Textual content is normalized to LF line endings with trailing whitespace
// trimmed so cosmetic re-encodings do not defeat idempotency.
func (e UploadEnvelope) ContentFingerprint() string {
	payload := e.normalizedPayload()
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func (e UploadEnvelope) normalizedPayload() []byte {
	var raw []byte
	switch {
	case len(e.Content.Bytes) > 0:
		raw = e.Content.Bytes
	case strings.TrimSpace(e.Content.Base64) != "":
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(e.Content.Base64))
		if err != nil {
			raw = []byte(strings.TrimSpace(e.Content.Base64))
		} else {
			raw = decoded
		}
	default:
		raw = []byte(strings.TrimSpace(e.Content.URL))
	}
	if !e.ContentType.textual() {
		return raw
	}
	normalized := strings.ReplaceAll(string(raw), "\r\n", "\n")
	return []byte(strings.TrimRight(normalized, " \t\n"))
}
