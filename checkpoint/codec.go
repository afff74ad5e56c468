package checkpoint

import (
	"encoding/json"
	"time"

	"github.com/goliatone/go-ingest/core"
)

// codecVersion is bumped only on breaking layout changes. A stored payload
// with an unknown version is treated as absent, which forces a full sync
// rather than a misread cursor.
const codecVersion = 1

type envelope struct {
	Version          int       `json:"v"`
	ConnectorID      string    `json:"connectorId"`
	SourceKey        string    `json:"sourceKey"`
	Cursor           string    `json:"cursor"`
	UpdatedAt        time.Time `json:"updatedAt"`
	RecordsProcessed int       `json:"recordsProcessed"`
}

// Encode renders a checkpoint as its versioned JSON payload.
func Encode(checkpoint core.Checkpoint) ([]byte, error) {
	if err := checkpoint.Validate(); err != nil {
		return nil, core.WrapValidationError(err, "checkpoint: encode rejected")
	}
	return json.Marshal(envelope{
		Version:          codecVersion,
		ConnectorID:      checkpoint.ConnectorID,
		SourceKey:        checkpoint.SourceKey,
		Cursor:           checkpoint.Cursor,
		UpdatedAt:        checkpoint.UpdatedAt.UTC(),
		RecordsProcessed: checkpoint.RecordsProcessed,
	})
}

// Decode parses a stored payload. ok=false means the payload is unusable
// (unknown version or corrupt) and the caller should behave as if no
// checkpoint existed.
func Decode(payload []byte) (core.Checkpoint, bool) {
	var decoded envelope
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return core.Checkpoint{}, false
	}
	if decoded.Version != codecVersion {
		return core.Checkpoint{}, false
	}
	checkpoint := core.Checkpoint{
		ConnectorID:      decoded.ConnectorID,
		SourceKey:        decoded.SourceKey,
		Cursor:           decoded.Cursor,
		UpdatedAt:        decoded.UpdatedAt,
		RecordsProcessed: decoded.RecordsProcessed,
	}
	if err := checkpoint.Validate(); err != nil {
		return core.Checkpoint{}, false
	}
	return checkpoint, true
}
