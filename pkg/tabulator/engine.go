// Package tabulator runs the external tabulation engine for a contest session
// and locates the summary it produces.
package tabulator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// TimestampFormat names a tabulation run and its output files.
const TimestampFormat = "2006-01-02_15-04-05"

// SummarySuffix is appended to the run timestamp to name the summary artifact.
const SummarySuffix = "_summary.json"

const stderrTailBytes = 2048

// waitDelay bounds how long Run waits for output pipes after the process is killed.
const waitDelay = 2 * time.Second

// Request describes one tabulation run.
type Request struct {
	ConfigPath string
	Operator   string
	Timestamp  string
	OutputDir  string
}

// Report is what the engine reports back about a completed run.
type Report struct {
	OutputDir string
	Timestamp string
}

// Engine tabulates a contest. Tabulate blocks until the run completes.
type Engine interface {
	Tabulate(ctx context.Context, req Request) (Report, error)
}

// CommandConfig configures a CommandEngine.
type CommandConfig struct {
	Command string
	Args    []string // templates; see Placeholders
	Timeout time.Duration
	Env     []string
}

// Placeholders lists the argument substitutions understood by CommandEngine.
var Placeholders = []string{"{config}", "{operator}", "{timestamp}", "{output}"}

// CommandEngine runs the engine as an external process.
//
// If the last non-empty line the process writes to stdout is a JSON object
// with "output_directory" or "timestamp", those values override the request's
// in the returned Report.
type CommandEngine struct {
	config CommandConfig
}

// NewCommandEngine creates an engine that runs cfg.Command.
func NewCommandEngine(cfg CommandConfig) (*CommandEngine, error) {
	if cfg.Command == "" {
		return nil, errors.New("engine command is required")
	}
	if _, err := exec.LookPath(cfg.Command); err != nil {
		return nil, fmt.Errorf("engine command not found: %w", err)
	}
	return &CommandEngine{config: cfg}, nil
}

// Tabulate runs the command and waits for it to exit.
func (e *CommandEngine) Tabulate(ctx context.Context, req Request) (Report, error) {
	if e.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()
	}

	args := expandArgs(e.config.Args, req)
	cmd := exec.CommandContext(ctx, e.config.Command, args...)
	cmd.WaitDelay = waitDelay
	if len(e.config.Env) > 0 {
		cmd.Env = append(cmd.Environ(), e.config.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		return Report{}, fmt.Errorf("engine timed out after %s: %w", e.config.Timeout, ctx.Err())
	}
	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return Report{}, &CommandError{
			Command:  e.config.Command,
			ExitCode: exitCode,
			Stderr:   tail(stderr.String(), stderrTailBytes),
			Err:      err,
		}
	}

	log.Debug().
		Str("command", e.config.Command).
		Strs("args", args).
		Dur("duration", duration).
		Msg("Engine command completed")

	report := Report{OutputDir: req.OutputDir, Timestamp: req.Timestamp}
	applyStdoutReport(&report, stdout.Bytes())
	return report, nil
}

func expandArgs(templates []string, req Request) []string {
	r := strings.NewReplacer(
		"{config}", req.ConfigPath,
		"{operator}", req.Operator,
		"{timestamp}", req.Timestamp,
		"{output}", req.OutputDir,
	)
	args := make([]string, len(templates))
	for i, t := range templates {
		args[i] = r.Replace(t)
	}
	return args
}

type stdoutReport struct {
	OutputDirectory string `json:"output_directory"`
	Timestamp       string `json:"timestamp"`
}

func applyStdoutReport(report *Report, stdout []byte) {
	lines := bytes.Split(bytes.TrimSpace(stdout), []byte("\n"))
	last := bytes.TrimSpace(lines[len(lines)-1])
	if len(last) == 0 || last[0] != '{' {
		return
	}

	var sr stdoutReport
	if err := json.Unmarshal(last, &sr); err != nil {
		return
	}
	if sr.OutputDirectory != "" {
		report.OutputDir = sr.OutputDirectory
	}
	if sr.Timestamp != "" {
		report.Timestamp = sr.Timestamp
	}
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
