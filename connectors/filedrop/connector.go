// Package filedrop provides the reference connector for directory-drop
// sources. A pull lists the drop directory, skips files older than the
// watermark, and emits one record per file with the content inlined.
package filedrop

import (
	"context"
	"encoding/json"
	"path"
	"sort"
	"strings"
	"time"

	glog "github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-ingest/core"
	"github.com/goliatone/go-ingest/transport"
)

const (
	Name    = "file-drop"
	Version = "1.0.0"
)

const defaultBatchSize = 25

type Connector struct {
	adapter   core.TransportAdapter
	batchSize int
	logger    core.Logger
}

type Option func(*Connector)

func WithAdapter(adapter core.TransportAdapter) Option {
	return func(c *Connector) {
		if adapter != nil {
			c.adapter = adapter
		}
	}
}

func WithBatchSize(size int) Option {
	return func(c *Connector) {
		if size > 0 {
			c.batchSize = size
		}
	}
}

func WithLogger(logger core.Logger) Option {
	return func(c *Connector) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New builds a drop connector rooted at dir. Sources address directories
// relative to the root through their URL field.
func New(dir string, options ...Option) *Connector {
	_, logger := glog.Resolve("connector.filedrop", nil, nil)
	connector := &Connector{
		adapter:   transport.NewFileDropAdapter(dir),
		batchSize: defaultBatchSize,
		logger:    glog.Ensure(logger),
	}
	for _, option := range options {
		option(connector)
	}
	return connector
}

func (c *Connector) Definition() core.ConnectorDefinition {
	return core.ConnectorDefinition{
		Name:         Name,
		Version:      Version,
		SyncStrategy: core.SyncStrategyPull,
		Handler:      core.Handler{Pull: c.pull},
	}
}

func Register(registry core.DefinitionRegistry, dir string, options ...Option) (*Connector, error) {
	if registry == nil {
		return nil, core.NewValidationError("filedrop: definition registry is required")
	}
	connector := New(dir, options...)
	if err := registry.Register(connector.Definition()); err != nil {
		return nil, err
	}
	return connector, nil
}

type manifestEntry struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	ModifiedAt string `json:"modified_at"`
}

func (c *Connector) pull(ctx context.Context, instance core.ConnectorInstance, params core.SyncParams) (core.BatchSequence, error) {
	sourceKey, _ := params.Params["source_key"].(string)
	source, ok := instance.Config.Source(sourceKey)
	if !ok {
		return nil, core.NewValidationError("filedrop: instance " + instance.ID + " declares no source " + sourceKey)
	}

	res, err := c.adapter.Do(ctx, core.TransportRequest{
		Method:    "LIST",
		URL:       source.URL,
		SourceKey: source.Key,
	})
	if err != nil {
		return nil, err
	}
	var manifest []manifestEntry
	if err := json.Unmarshal(res.Body, &manifest); err != nil {
		return nil, core.WrapValidationError(err, "filedrop: decode drop manifest")
	}

	pending := make([]manifestEntry, 0, len(manifest))
	for _, entry := range manifest {
		if params.Since != nil && !params.FullSync {
			modified, err := time.Parse(time.RFC3339, entry.ModifiedAt)
			if err == nil && !modified.After(*params.Since) {
				continue
			}
		}
		pending = append(pending, entry)
	}
	// Oldest first so a mid-run stop leaves the watermark on consumed files.
	sort.Slice(pending, func(i, j int) bool { return pending[i].ModifiedAt < pending[j].ModifiedAt })

	return &fileSequence{
		adapter:   c.adapter,
		sourceKey: source.Key,
		entries:   pending,
		batchSize: c.batchSize,
	}, nil
}

// fileSequence pages over dropped files, reading each file's bytes when its
// batch is requested.
type fileSequence struct {
	adapter   core.TransportAdapter
	sourceKey string
	entries   []manifestEntry
	batchSize int
	index     int
}

func (s *fileSequence) Next(ctx context.Context) (core.RecordBatch, bool, error) {
	if err := ctx.Err(); err != nil {
		return core.RecordBatch{}, false, err
	}
	if s.index >= len(s.entries) {
		return core.RecordBatch{}, true, nil
	}

	end := s.index + s.batchSize
	if end > len(s.entries) {
		end = len(s.entries)
	}
	records := make([]map[string]any, 0, end-s.index)
	for _, entry := range s.entries[s.index:end] {
		res, err := s.adapter.Do(ctx, core.TransportRequest{
			Method:    "GET",
			URL:       entry.Path,
			SourceKey: s.sourceKey,
		})
		if err != nil {
			return core.RecordBatch{}, false, err
		}
		records = append(records, map[string]any{
			"id":          entry.Path,
			"name":        entry.Name,
			"extension":   strings.TrimPrefix(path.Ext(entry.Name), "."),
			"size":        entry.Size,
			"modified_at": entry.ModifiedAt,
			"content":     string(res.Body),
		})
	}
	s.index = end
	return core.RecordBatch{Records: records}, s.index >= len(s.entries), nil
}

var _ core.BatchSequence = (*fileSequence)(nil)
