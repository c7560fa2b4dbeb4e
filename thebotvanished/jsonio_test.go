package thebotvanished

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONBackend_LoadMissingCreatesFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "cogs", "Mod", "settings.json")
	backend := NewJSONBackend(path, false, nil)

	doc, err := backend.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, doc)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{}", strings.TrimSpace(string(data)))
}

func TestJSONBackend_LoadInvalid(t *testing.T) {
	t.Parallel()
	testCases := map[string]string{
		"truncated": `{"GLOBAL": {"a": 1`,
		"array":     `[1, 2, 3]`,
		"string":    `"settings"`,
	}
	for name, content := range testCases {
		content := content
		t.Run(
			name, func(t *testing.T) {
				t.Parallel()
				path := filepath.Join(t.TempDir(), "settings.json")
				require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

				_, err := NewJSONBackend(path, false, nil).Load(context.Background())
				assert.ErrorIs(t, err, ErrConfigLoad)
			},
		)
	}
}

func TestJSONBackend_SavePretty(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "settings.json")
	backend := NewJSONBackend(path, false, nil)

	doc := map[string]any{
		"GLOBAL": map[string]any{
			"b":      json.Number("1"),
			"a":      "x",
			"phrase": "<@&{}> new tweet!",
			"prefix": []any{"!", "?"},
			"empty":  []any{},
		},
	}
	require.NoError(t, backend.Save(context.Background(), doc))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	expected := `{
    "GLOBAL": {
        "a": "x",
        "b": 1,
        "empty": [],
        "phrase": "<@&{}> new tweet!",
        "prefix": [
            "!",
            "?"
        ]
    }
}`
	assert.Equal(t, expected, strings.TrimSpace(string(data)))

	loaded, err := backend.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, doc, loaded)
}

func TestJSONBackend_SaveCompact(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "settings.json")
	backend := NewJSONBackend(path, true, nil)

	doc := map[string]any{"GUILD": map[string]any{"1": map[string]any{"b": true, "a": nil}}}
	require.NoError(t, backend.Save(context.Background(), doc))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"GUILD":{"1":{"a":null,"b":true}}}`, strings.TrimSpace(string(data)))
}

func TestJSONBackend_FailedSaveKeepsFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.json")
	backend := NewJSONBackend(path, true, nil)

	require.NoError(t, backend.Save(context.Background(), map[string]any{"a": "b"}))

	err := backend.Save(context.Background(), map[string]any{"a": make(chan int)})
	require.Error(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"a":"b"}`, strings.TrimSpace(string(data)))

	// no temp files are left behind
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "settings.json", entries[0].Name())
}
