package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLogger_RecordSession(t *testing.T) {
	var buf bytes.Buffer
	audit := NewAuditLogger(zerolog.New(&buf))

	audit.RecordSession(context.Background(), "tabulate", "sess-1", "alice", nil)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "session", entry["type"])
	assert.Equal(t, "tabulate", entry["action"])
	assert.Equal(t, "sess-1", entry["session"])
	assert.Equal(t, "alice", entry["actor"])
	assert.Equal(t, "success", entry["status"])
}

func TestAuditLogger_RecordFailure(t *testing.T) {
	var buf bytes.Buffer
	audit := NewAuditLogger(zerolog.New(&buf))

	audit.RecordSession(context.Background(), "clear", "sess-2", "", errors.New("disk gone"))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "failure", entry["status"])
	metadata, ok := entry["metadata"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "disk gone", metadata["error"])
}

func TestAuditLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	audit, err := OpenAuditLogger(path)
	require.NoError(t, err)

	audit.RecordSession(context.Background(), "create", "sess-3", "", nil)
	require.NoError(t, audit.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"session":"sess-3"`)
}

func TestAuditLogger_NilSafe(t *testing.T) {
	var audit *AuditLogger
	audit.RecordSession(context.Background(), "create", "x", "", nil)
	assert.NoError(t, audit.Close())
}
