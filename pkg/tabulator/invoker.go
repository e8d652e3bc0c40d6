package tabulator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/tally/internal/observability"
	"github.com/harun/tally/internal/tracing"
	"github.com/harun/tally/pkg/session"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const tracerName = "tally.tabulator"

// Result is the summary artifact of a tabulation run. The caller must close Body.
type Result struct {
	Path string
	Size int64
	Body io.ReadCloser
}

// InvokerConfig configures an Invoker.
type InvokerConfig struct {
	Engine Engine
	Audit  *observability.AuditLogger
	Logger zerolog.Logger
	Now    func() time.Time
}

// Invoker runs the engine against a session's stored configuration.
type Invoker struct {
	registry *session.Registry
	engine   Engine
	audit    *observability.AuditLogger
	logger   zerolog.Logger
	now      func() time.Time
}

// NewInvoker creates an invoker for sessions in registry.
func NewInvoker(registry *session.Registry, cfg InvokerConfig) (*Invoker, error) {
	if cfg.Engine == nil {
		return nil, errors.New("tabulation engine is required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Invoker{
		registry: registry,
		engine:   cfg.Engine,
		audit:    cfg.Audit,
		logger:   cfg.Logger.With().Str("component", "tabulator").Logger(),
		now:      cfg.Now,
	}, nil
}

// Process tabulates session id on behalf of operator and opens the summary.
// The session is locked for the whole run, so uploads and teardown for it
// wait until the engine returns.
func (i *Invoker) Process(ctx context.Context, id, operator string) (result *Result, err error) {
	operator = strings.TrimSpace(operator)
	ctx = tracing.WithSessionID(ctx, id)
	ctx = tracing.WithOperator(ctx, operator)
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.tabulate",
		attribute.String("session_id", id),
		attribute.String("operator", operator),
	)
	defer func() { tracing.EndSpan(span, err) }()
	logger := tracing.LoggerFromContext(ctx, i.logger)

	if operator == "" {
		return nil, ErrOperatorRequired
	}

	st, err := i.registry.Get(id)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	err = st.WithLock(func() error {
		now := i.now()
		req := Request{
			ConfigPath: st.ConfigPath(),
			Operator:   operator,
			Timestamp:  now.Format(TimestampFormat),
			OutputDir:  st.Dir(),
		}

		logger.Info().Str("timestamp", req.Timestamp).Msg("Tabulation started")

		// A run outlives the request that started it; the engine timeout bounds it.
		report, err := i.engine.Tabulate(context.WithoutCancel(ctx), req)
		st.Touch(now)
		if err != nil {
			return &ProcessingError{Session: id, Err: err}
		}

		result, err = openSummary(report)
		if err != nil {
			return &ProcessingError{Session: id, Err: err}
		}
		return nil
	})

	duration := time.Since(start)
	if errors.Is(err, session.ErrNotFound) {
		return nil, err
	}
	observability.RecordTabulation(duration, err == nil)
	i.audit.RecordSession(ctx, "tabulate", id, operator, err)

	if err != nil {
		logger.Error().Err(err).Dur("duration", duration).Msg("Tabulation failed")
		return nil, err
	}

	i.registry.Notify(session.EventSessionTabulated, map[string]interface{}{
		"contestId": id,
		"operator":  operator,
		"summary":   filepath.Base(result.Path),
		"size":      result.Size,
	})
	logger.Info().
		Str("summary", result.Path).
		Int64("size", result.Size).
		Dur("duration", duration).
		Msg("Tabulation completed")
	return result, nil
}

// SummaryPath returns where the engine writes the summary for a report.
func SummaryPath(report Report) string {
	return filepath.Join(report.OutputDir, report.Timestamp+SummarySuffix)
}

func openSummary(report Report) (*Result, error) {
	if report.OutputDir == "" || report.Timestamp == "" {
		return nil, fmt.Errorf("engine reported no output location")
	}
	path := SummaryPath(report)

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open summary: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to stat summary: %w", err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("summary %s is a directory", path)
	}
	return &Result{Path: path, Size: info.Size(), Body: f}, nil
}
