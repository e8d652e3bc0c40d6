package contest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `{
  "outputSettings": {"contestName": "Mayor", "outputDirectory": "out"},
  "cvrFileSources": [{"provider": "cdf", "filePath": "/elsewhere/cvr.json"}],
  "candidates": [{"name": "A"}, {"name": "B"}]
}`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "/elsewhere/cvr.json", cfg.FilePath())
	assert.Contains(t, cfg, "candidates")
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{"cvrFileSources":`},
		{"not an object", `[1,2,3]`},
		{"missing sources", `{"outputSettings":{}}`},
		{"empty sources", `{"cvrFileSources":[]}`},
		{"source not object", `{"cvrFileSources":["cvr.json"]}`},
		{"file path not string", `{"cvrFileSources":[{"filePath":7}]}`},
		{"trailing data", `{"cvrFileSources":[{}]} {"extra":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestBind(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	require.NoError(t, cfg.Bind("3f1c"))
	assert.Equal(t, "3f1c", cfg.FilePath())

	sources := cfg["cvrFileSources"].([]interface{})
	assert.Equal(t, "cdf", sources[0].(map[string]interface{})["provider"])
}

func TestBind_Missing(t *testing.T) {
	assert.ErrorIs(t, Config{}.Bind("x"), ErrInvalidConfig)
}

func TestSave(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)
	require.NoError(t, cfg.Bind("id"))

	path := filepath.Join(t.TempDir(), "id.json")
	require.NoError(t, cfg.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "Mayor", decoded["outputSettings"].(map[string]interface{})["contestName"])

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAtomicWriteFile_MissingDir(t *testing.T) {
	err := AtomicWriteFile(filepath.Join(t.TempDir(), "nope", "f.json"), []byte("{}"), 0600)
	assert.Error(t, err)
}

func TestSave_PreservesNumbers(t *testing.T) {
	input := `{"seed":12345678901234567891,"limit":9007199254740993,"ratio":0.1,"cvrFileSources":[{"skip":3}]}`
	cfg, err := Parse([]byte(input))
	require.NoError(t, err)
	require.NoError(t, cfg.Bind("id"))

	path := filepath.Join(t.TempDir(), "id.json")
	require.NoError(t, cfg.Save(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"seed": 12345678901234567891`)
	assert.Contains(t, string(data), `"limit": 9007199254740993`)
	assert.Contains(t, string(data), `"ratio": 0.1`)
	assert.Contains(t, string(data), `"skip": 3`)
}
