package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsHandler_ExposesSessionMetrics(t *testing.T) {
	SetActiveSessions(2)
	RecordSessionCreated()
	RecordChunkAccepted(128, 5*time.Millisecond)
	RecordChunkRejected("unexpected_chunk")
	RecordTabulation(time.Second, true)
	RecordTeardown(false)

	srv := httptest.NewServer(MetricsHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	text := string(body)

	assert.Contains(t, text, "tally_sessions_active 2")
	assert.Contains(t, text, "tally_chunks_accepted_total")
	assert.Contains(t, text, `tally_chunks_rejected_total{reason="unexpected_chunk"}`)
	assert.Contains(t, text, `tally_tabulations_total{status="success"}`)
	assert.Contains(t, text, `tally_teardowns_total{status="error"}`)
}
