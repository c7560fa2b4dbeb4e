package thebotvanished

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
)

// ErrConfigLoad is returned when a stored document exists but can't be
// read or parsed. The store must not be used after this error.
var ErrConfigLoad = errors.New("config load failed")

// prettyOptions lays settings files out with a four-space indent, sorted
// keys and one array element per line. Width 0 keeps short arrays from
// being folded onto a single line.
var prettyOptions = &pretty.Options{
	Width:    0,
	Indent:   "    ",
	SortKeys: true,
}

// Backend persists whole config documents.
type Backend interface {
	// Load reads the stored document. A backend with nothing stored yet
	// bootstraps and persists an empty document.
	Load(ctx context.Context) (map[string]any, error)

	// Save replaces the stored document with doc.
	Save(ctx context.Context, doc map[string]any) error

	String() string
}

// JSONBackend stores a document as a single JSON file. Writes go to a
// temporary file in the same directory which is renamed over the target,
// so a reader never sees a partially written document.
type JSONBackend struct {
	path    string
	compact bool
	logger  *slog.Logger

	// guards writes to path
	mu sync.Mutex
}

// NewJSONBackend returns a backend writing to path. If compact is false,
// files are pretty-printed.
func NewJSONBackend(path string, compact bool, logger *slog.Logger) *JSONBackend {
	if logger == nil {
		logger = slog.Default()
	}
	return &JSONBackend{
		path:    path,
		compact: compact,
		logger:  logger.With(loggerNameKey, "json_backend", "path", path),
	}
}

func (b *JSONBackend) String() string {
	return "json:" + b.path
}

func (b *JSONBackend) Load(ctx context.Context) (map[string]any, error) {
	b.logger.DebugContext(ctx, "loading file")
	data, err := os.ReadFile(b.path)
	if errors.Is(err, fs.ErrNotExist) {
		b.logger.InfoContext(ctx, "no settings file found, creating one")
		doc := map[string]any{}
		if err = b.Save(ctx, doc); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrConfigLoad, b.path, err)
		}
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConfigLoad, b.path, err)
	}
	return decodeDocument(b.path, data)
}

func (b *JSONBackend) Save(ctx context.Context, doc map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.logger.DebugContext(ctx, "saving file")
	data, err := encodeDocument(doc, b.compact)
	if err != nil {
		return err
	}
	return writeFileAtomic(b.path, data)
}

// encodeDocument serializes doc with sorted keys, leaving HTML characters
// unescaped.
func encodeDocument(doc map[string]any, compact bool) ([]byte, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("error encoding document: %w", err)
	}
	data := bytes.TrimRight(buf.Bytes(), "\n")
	if compact {
		return append(data, '\n'), nil
	}
	return pretty.PrettyOptions(data, prettyOptions), nil
}

// decodeDocument parses a stored document, which must be a JSON object.
func decodeDocument(source string, data []byte) (map[string]any, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: %s: invalid JSON", ErrConfigLoad, source)
	}
	result := gjson.ParseBytes(data)
	if !result.IsObject() {
		return nil, fmt.Errorf("%w: %s: document is %s, not an object", ErrConfigLoad, source, result.Type)
	}
	doc := map[string]any{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConfigLoad, source, err)
	}
	return doc, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("error creating directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("error creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("error writing temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("error syncing temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("error closing temp file: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("error replacing %s: %w", path, err)
	}
	return nil
}
