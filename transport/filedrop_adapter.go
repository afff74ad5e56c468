package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/goliatone/go-ingest/core"
)

const KindFileDrop = "filedrop"

// FileDropAdapter serves directory-drop sources through the transport
// contract so the same pipeline (limits, retries) applies to local pickups.
// LIST returns the directory manifest as JSON; GET returns one file's bytes.
type FileDropAdapter struct {
	// Root confines all paths. Requests escaping it are rejected.
	Root string
}

func NewFileDropAdapter(root string) *FileDropAdapter {
	return &FileDropAdapter{Root: strings.TrimSpace(root)}
}

func (*FileDropAdapter) Kind() string {
	return KindFileDrop
}

type fileEntry struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	ModifiedAt string `json:"modified_at"`
}

func (a *FileDropAdapter) Do(ctx context.Context, req core.TransportRequest) (core.TransportResponse, error) {
	if a == nil || a.Root == "" {
		return core.TransportResponse{}, core.NewInternalError("transport: filedrop adapter requires a root")
	}
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return core.TransportResponse{}, err
		}
	}

	path, err := a.resolve(req.URL)
	if err != nil {
		return core.TransportResponse{}, err
	}

	switch strings.TrimSpace(strings.ToUpper(req.Method)) {
	case "", http.MethodGet:
		payload, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return core.TransportResponse{}, core.NewValidationError("transport: dropped file not found: " + req.URL)
			}
			return core.TransportResponse{}, core.WrapInternalError(err, "transport: read dropped file")
		}
		return core.TransportResponse{StatusCode: http.StatusOK, Headers: map[string]string{}, Body: payload}, nil
	case "LIST":
		entries, err := os.ReadDir(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return core.TransportResponse{}, core.NewValidationError("transport: drop directory not found: " + req.URL)
			}
			return core.TransportResponse{}, core.WrapInternalError(err, "transport: list drop directory")
		}
		manifest := make([]fileEntry, 0, len(entries))
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			manifest = append(manifest, fileEntry{
				Name:       entry.Name(),
				Path:       filepath.Join(req.URL, entry.Name()),
				Size:       info.Size(),
				ModifiedAt: info.ModTime().UTC().Format("2006-01-02T15:04:05Z07:00"),
			})
		}
		sort.Slice(manifest, func(i, j int) bool { return manifest[i].Name < manifest[j].Name })
		body, err := json.Marshal(manifest)
		if err != nil {
			return core.TransportResponse{}, core.WrapInternalError(err, "transport: encode drop manifest")
		}
		return core.TransportResponse{StatusCode: http.StatusOK, Headers: map[string]string{}, Body: body}, nil
	default:
		return core.TransportResponse{}, core.NewValidationError("transport: filedrop supports GET and LIST only")
	}
}

func (a *FileDropAdapter) resolve(rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	joined := filepath.Join(a.Root, filepath.FromSlash(rel))
	cleanRoot := filepath.Clean(a.Root)
	if joined != cleanRoot && !strings.HasPrefix(joined, cleanRoot+string(filepath.Separator)) {
		return "", core.NewValidationError("transport: path escapes the drop root: " + rel)
	}
	return joined, nil
}

var _ core.TransportAdapter = (*FileDropAdapter)(nil)
