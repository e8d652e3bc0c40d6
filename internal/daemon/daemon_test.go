package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harun/tally/internal/config"
	"github.com/harun/tally/internal/logger"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testContestConfig = `{"cvrFileSources":[{"provider":"cdf"}]}`

// testConfig writes summaries with a shell one-liner standing in for the engine.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.ShutdownTimeoutSeconds = 2
	cfg.Storage.ContestDir = filepath.Join(dir, "contests")
	cfg.Ledger.Path = filepath.Join(dir, "ledger.db")
	cfg.Engine.Command = "/bin/sh"
	cfg.Engine.Args = []string{
		"-c", `printf '"%s"' "$2" > "$4/$3_summary.json"`,
		"sh", "{config}", "{operator}", "{timestamp}", "{output}",
	}
	cfg.Logging.Console = false
	return cfg
}

func createTestDaemon(t *testing.T, cfg *config.Config) *Daemon {
	t.Helper()
	log, err := logger.New(logger.Config{Level: "info", File: filepath.Join(t.TempDir(), "tally.log")})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	d, err := New(cfg, log)
	require.NoError(t, err)
	return d
}

func baseURL(d *Daemon) string {
	return "http://" + d.GetServer().Addr() + d.GetConfig().Server.BasePath
}

func newContest(t *testing.T, d *Daemon) string {
	t.Helper()
	resp, err := http.Post(baseURL(d)+"/newContest", "application/json", strings.NewReader(testContestConfig))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		ContestID string `json:"contestId"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.ContestID
}

func castVotes(t *testing.T, d *Daemon, id string, chunk int, payload string) int {
	t.Helper()
	url := fmt.Sprintf("%s/castVotes?contestId=%s&chunk=%d", baseURL(d), id, chunk)
	resp, err := http.Post(url, "application/octet-stream", strings.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode
}

func TestNew(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))

	assert.NotNil(t, d.GetRegistry())
	assert.NotNil(t, d.GetServer())
	assert.NotNil(t, d.GetHub())
	assert.NotNil(t, d.lifecycle)
	assert.Nil(t, d.reaper)
	d.closeCoreModules()
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engine.Command = ""

	log, err := logger.New(logger.Config{Level: "info", File: filepath.Join(t.TempDir(), "tally.log")})
	require.NoError(t, err)
	defer log.Close()

	_, err = New(cfg, log)
	assert.Error(t, err)
}

func TestNew_WithReaper(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sessions.IdleTTLSeconds = 60

	d := createTestDaemon(t, cfg)
	assert.NotNil(t, d.reaper)
	d.closeCoreModules()
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testConfig(t)
	d := createTestDaemon(t, cfg)

	require.NoError(t, d.Start())
	assert.Error(t, d.Start())

	status := d.Status()
	assert.True(t, status.Running)
	assert.FileExists(t, cfg.PIDFilePath())

	resp, err := http.Get(baseURL(d) + "/appVersion")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "Tally 0.1.0", string(body))
	http.DefaultClient.CloseIdleConnections()

	require.NoError(t, d.Stop())
	assert.False(t, d.Status().Running)
	assert.NoFileExists(t, cfg.PIDFilePath())
	assert.Error(t, d.Stop())
}

func TestDaemon_EndToEnd(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))
	require.NoError(t, d.Start())
	defer d.Stop()

	id := newContest(t, d)
	assert.Equal(t, http.StatusOK, castVotes(t, d, id, 0, "AA"))
	assert.Equal(t, http.StatusConflict, castVotes(t, d, id, 0, "AA"))
	assert.Equal(t, http.StatusOK, castVotes(t, d, id, 1, "CC"))

	resp, err := http.Get(baseURL(d) + "/tabulate?name=Ada&contestId=" + id)
	require.NoError(t, err)
	summary, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, string(summary))
	assert.Equal(t, `"Ada"`, string(summary))

	resp, err = http.Get(baseURL(d) + "/clear?contestId=" + id)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	assert.Equal(t, http.StatusNotFound, castVotes(t, d, id, 2, "DD"))
	http.DefaultClient.CloseIdleConnections()
}

func TestDaemon_RecoversSessionsAfterRestart(t *testing.T) {
	cfg := testConfig(t)

	first := createTestDaemon(t, cfg)
	require.NoError(t, first.Start())
	id := newContest(t, first)
	require.Equal(t, http.StatusOK, castVotes(t, first, id, 0, "AA"))
	http.DefaultClient.CloseIdleConnections()
	require.NoError(t, first.Stop())

	second := createTestDaemon(t, cfg)
	require.NoError(t, second.Start())
	defer second.Stop()

	assert.Equal(t, 1, second.Status().Sessions)
	assert.Equal(t, http.StatusConflict, castVotes(t, second, id, 0, "AA"))
	assert.Equal(t, http.StatusOK, castVotes(t, second, id, 1, "CC"))
	http.DefaultClient.CloseIdleConnections()
}

func TestDaemon_Run(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return d.Status().Running }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, d.Status().Running)
}

func TestDaemon_ApplyConfigChangesLogLevel(t *testing.T) {
	original := zerolog.GlobalLevel()
	defer zerolog.SetGlobalLevel(original)

	cfg := testConfig(t)
	d := createTestDaemon(t, cfg)
	defer d.closeCoreModules()

	updated := *cfg
	updated.Logging.Level = "debug"
	d.applyConfig(&updated, zerolog.Nop())

	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
	assert.Equal(t, "debug", d.GetConfig().Logging.Level)

	bad := *cfg
	bad.Logging.Level = "shouty"
	d.applyConfig(&bad, zerolog.Nop())
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}

func TestDaemon_WatchConfig(t *testing.T) {
	original := zerolog.GlobalLevel()
	defer zerolog.SetGlobalLevel(original)

	cfg := testConfig(t)
	loader := config.NewLoader(filepath.Join(t.TempDir(), "tally.json"))
	require.NoError(t, loader.Save(cfg))

	d := createTestDaemon(t, cfg)
	defer d.closeCoreModules()
	require.NoError(t, d.WatchConfig(loader))
	defer d.StopWatching()

	changed := *cfg
	changed.Logging.Level = "warn"
	require.NoError(t, loader.Save(&changed))

	assert.Eventually(t, func() bool {
		return d.GetConfig().Logging.Level == "warn"
	}, 3*time.Second, 20*time.Millisecond)
}
