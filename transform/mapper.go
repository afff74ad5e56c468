package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goliatone/go-ingest/core"
)

// timestampFallbacks are consulted in order when the source declares no
// timestamp field. A declared field always wins the tie.
var timestampFallbacks = []string{"updated_at", "updatedAt", "modified_at", "modifiedAt", "created_at", "createdAt"}

// Mapper turns raw source records into upload envelopes. The record itself
// becomes the JSON payload; identity and recency come from the source's
// declared primary key and timestamp fields. A record maps to one envelope,
// or to none when the filter drops it.
type Mapper struct {
	// FieldMappings renames record fields before encoding: target <- source.
	FieldMappings map[string]string
	// Tags are stamped onto every envelope.
	Tags []string
	// Hints is the template applied to every envelope; identity hints are
	// filled in per source.
	Hints core.ProcessingHints
	// Filter drops records before mapping. A filtered record yields no
	// envelopes and no error.
	Filter func(record map[string]any) bool
}

func NewMapper() *Mapper {
	return &Mapper{}
}

func (m *Mapper) Transform(
	_ context.Context,
	instance core.ConnectorInstance,
	source core.SourceSpec,
	record map[string]any,
) ([]core.UploadEnvelope, error) {
	if m == nil {
		return nil, core.NewInternalError("transform: mapper is nil")
	}
	if len(record) == 0 {
		return nil, core.NewValidationError("transform: record is empty")
	}
	if m.Filter != nil && !m.Filter(record) {
		return nil, nil
	}

	mapped := m.applyFieldMappings(record)

	primaryKey := strings.TrimSpace(source.PrimaryKey)
	if primaryKey == "" {
		primaryKey = "id"
	}
	externalID, ok := stringValue(mapped[primaryKey])
	if !ok || externalID == "" {
		return nil, core.NewValidationError(
			fmt.Sprintf("transform: record is missing primary key field %q", primaryKey))
	}

	payload, err := json.Marshal(mapped)
	if err != nil {
		return nil, core.WrapValidationError(err, "transform: encode record")
	}

	metadata := map[string]any{
		core.MetadataKeySource:     strings.TrimSpace(instance.DefinitionName) + "/" + strings.TrimSpace(source.Key),
		core.MetadataKeyExternalID: externalID,
		"connector_instance_id":    strings.TrimSpace(instance.ID),
	}
	if updatedAt, ok := RecordTimestamp(mapped, source.TimestampField); ok {
		metadata[core.MetadataKeySourceUpdatedAt] = updatedAt.UTC().Format(time.RFC3339)
	}

	hints := m.Hints
	hints.PrimaryKey = primaryKey
	if field := strings.TrimSpace(source.TimestampField); field != "" {
		hints.TimestampField = field
	}
	if hints.Deduplication == "" {
		hints.Deduplication = core.DeduplicationExact
	}

	envelope := core.UploadEnvelope{
		Content:         core.Content{Bytes: payload},
		ContentType:     core.ContentTypeJSON,
		Metadata:        metadata,
		Tags:            append([]string(nil), m.Tags...),
		ProcessingHints: hints,
	}
	if err := envelope.Validate(); err != nil {
		return nil, err
	}
	return []core.UploadEnvelope{envelope}, nil
}

func (m *Mapper) applyFieldMappings(record map[string]any) map[string]any {
	mapped := make(map[string]any, len(record))
	for key, value := range record {
		mapped[key] = value
	}
	for target, source := range m.FieldMappings {
		target = strings.TrimSpace(target)
		source = strings.TrimSpace(source)
		if target == "" || source == "" {
			continue
		}
		if value, ok := mapped[source]; ok {
			mapped[target] = value
			if target != source {
				delete(mapped, source)
			}
		}
	}
	return mapped
}

// RecordTimestamp extracts the record's recency marker. The declared field
// is authoritative; the conventional fallbacks only apply when none was
// declared. Accepted encodings: RFC 3339 strings, date-only strings, and
// unix seconds (or millis) numbers.
func RecordTimestamp(record map[string]any, declaredField string) (time.Time, bool) {
	fields := []string{}
	if declared := strings.TrimSpace(declaredField); declared != "" {
		fields = append(fields, declared)
	} else {
		fields = timestampFallbacks
	}
	for _, field := range fields {
		value, ok := record[field]
		if !ok {
			continue
		}
		if parsed, ok := CoerceTime(value); ok {
			return parsed, true
		}
	}
	return time.Time{}, false
}

// CoerceTime converts common source encodings to a time.Time.
func CoerceTime(value any) (time.Time, bool) {
	switch typed := value.(type) {
	case time.Time:
		return typed.UTC(), true
	case string:
		raw := strings.TrimSpace(typed)
		if raw == "" {
			return time.Time{}, false
		}
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if parsed, err := time.Parse(layout, raw); err == nil {
				return parsed.UTC(), true
			}
		}
		if seconds, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return unixToTime(seconds), true
		}
		return time.Time{}, false
	case float64:
		return unixToTime(int64(typed)), true
	case int64:
		return unixToTime(typed), true
	case int:
		return unixToTime(int64(typed)), true
	}
	return time.Time{}, false
}

// unixToTime treats values past the year ~2600 in seconds as milliseconds.
func unixToTime(value int64) time.Time {
	if value > 20_000_000_000 {
		return time.UnixMilli(value).UTC()
	}
	return time.Unix(value, 0).UTC()
}

func stringValue(value any) (string, bool) {
	switch typed := value.(type) {
	case nil:
		return "", false
	case string:
		return strings.TrimSpace(typed), true
	case float64:
		if typed == float64(int64(typed)) {
			return strconv.FormatInt(int64(typed), 10), true
		}
		return strconv.FormatFloat(typed, 'f', -1, 64), true
	case int:
		return strconv.Itoa(typed), true
	case int64:
		return strconv.FormatInt(typed, 10), true
	case bool:
		return strconv.FormatBool(typed), true
	default:
		raw := strings.TrimSpace(fmt.Sprint(typed))
		if raw == "" || raw == "<nil>" {
			return "", false
		}
		return raw, true
	}
}

var _ core.Transformer = (*Mapper)(nil)
