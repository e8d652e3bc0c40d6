package tabulator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newShellEngine(t *testing.T, script string, timeout time.Duration) *CommandEngine {
	t.Helper()
	engine, err := NewCommandEngine(CommandConfig{
		Command: "/bin/sh",
		Args:    []string{"-c", script, "sh", "{config}", "{operator}", "{timestamp}", "{output}"},
		Timeout: timeout,
	})
	require.NoError(t, err)
	return engine
}

func TestNewCommandEngine_Validation(t *testing.T) {
	_, err := NewCommandEngine(CommandConfig{})
	assert.Error(t, err)

	_, err = NewCommandEngine(CommandConfig{Command: "definitely-not-a-tabulator-binary"})
	assert.Error(t, err)
}

func TestExpandArgs(t *testing.T) {
	args := expandArgs(
		[]string{"--cli", "{config}", "--name", "{operator}", "--out={output}/{timestamp}", "literal"},
		Request{ConfigPath: "/c/id.json", Operator: "Ada", Timestamp: "2024-11-05_08-00-00", OutputDir: "/c"},
	)
	assert.Equal(t, []string{"--cli", "/c/id.json", "--name", "Ada", "--out=/c/2024-11-05_08-00-00", "literal"}, args)
}

func TestCommandEngine_WritesSummary(t *testing.T) {
	out := t.TempDir()
	engine := newShellEngine(t, `printf '{"operator":"%s"}' "$2" > "$4/$3_summary.json"`, 0)

	report, err := engine.Tabulate(context.Background(), Request{
		ConfigPath: "/ignored.json",
		Operator:   "Ada",
		Timestamp:  "2024-11-05_08-00-00",
		OutputDir:  out,
	})
	require.NoError(t, err)
	assert.Equal(t, out, report.OutputDir)
	assert.Equal(t, "2024-11-05_08-00-00", report.Timestamp)

	data, err := os.ReadFile(SummaryPath(report))
	require.NoError(t, err)
	assert.JSONEq(t, `{"operator":"Ada"}`, string(data))
}

func TestCommandEngine_StdoutReportOverrides(t *testing.T) {
	elsewhere := t.TempDir()
	script := `echo "progress: done"; echo '{"output_directory":"` + elsewhere + `","timestamp":"custom"}'`
	engine := newShellEngine(t, script, 0)

	report, err := engine.Tabulate(context.Background(), Request{Timestamp: "ts", OutputDir: "/default"})
	require.NoError(t, err)
	assert.Equal(t, elsewhere, report.OutputDir)
	assert.Equal(t, "custom", report.Timestamp)
	assert.Equal(t, filepath.Join(elsewhere, "custom_summary.json"), SummaryPath(report))
}

func TestCommandEngine_IgnoresNonJSONStdout(t *testing.T) {
	engine := newShellEngine(t, `echo "tabulation complete"`, 0)

	report, err := engine.Tabulate(context.Background(), Request{Timestamp: "ts", OutputDir: "/default"})
	require.NoError(t, err)
	assert.Equal(t, Report{OutputDir: "/default", Timestamp: "ts"}, report)
}

func TestCommandEngine_Failure(t *testing.T) {
	engine := newShellEngine(t, `echo "bad config" >&2; exit 3`, 0)

	_, err := engine.Tabulate(context.Background(), Request{})
	var cmdErr *CommandError
	require.ErrorAs(t, err, &cmdErr)
	assert.Equal(t, 3, cmdErr.ExitCode)
	assert.Equal(t, "bad config", cmdErr.Stderr)
	assert.Contains(t, err.Error(), "bad config")
}

func TestCommandEngine_Timeout(t *testing.T) {
	engine := newShellEngine(t, `exec sleep 5`, 100*time.Millisecond)

	start := time.Now()
	_, err := engine.Tabulate(context.Background(), Request{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestTail(t *testing.T) {
	assert.Equal(t, "abc", tail("  abc\n", 10))
	assert.Equal(t, "def", tail("abcdef", 3))
}
