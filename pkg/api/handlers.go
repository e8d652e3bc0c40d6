package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/harun/tally/internal/tracing"
	"github.com/harun/tally/pkg/contest"
	"github.com/harun/tally/pkg/session"
)

// maxConfigBytes bounds a newContest body.
const maxConfigBytes = 16 << 20

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, s.deps.AppName+" "+s.deps.Version)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"uptime":    time.Since(s.startTime).Seconds(),
		"sessions":  s.deps.Registry.Len(),
		"timestamp": time.Now().UnixMilli(),
	})
}

// handleNewContest validates the posted configuration, creates a session and
// persists the configuration bound to the session's data file.
func (s *Server) handleNewContest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxConfigBytes))
	if err != nil {
		writeError(w, fmt.Errorf("failed to read configuration: %w", err))
		return
	}

	cfg, err := contest.Parse(body)
	if err != nil {
		writeError(w, err)
		return
	}

	st, err := s.deps.Registry.Create(ctx, func(dir, id string) error {
		if err := cfg.Bind(id); err != nil {
			return err
		}
		return cfg.Save(filepath.Join(dir, id+session.ConfigFileExt))
	})
	if err != nil {
		s.deps.Audit.RecordSession(ctx, "create", "", clientIP(r), err)
		writeError(w, err)
		return
	}

	s.deps.Audit.RecordSession(ctx, "create", st.ID(), clientIP(r), nil)
	writeJSON(w, http.StatusOK, ContestResponse{ContestID: st.ID(), NextUpload: st.NextChunk()})
}

// handleCastVotes appends the raw request body as chunk number ?chunk= of
// session ?contestId=.
func (s *Server) handleCastVotes(w http.ResponseWriter, r *http.Request) {
	id, err := contestID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	chunk, err := strconv.ParseInt(r.URL.Query().Get("chunk"), 10, 64)
	if err != nil {
		writeError(w, fmt.Errorf("%w: invalid chunk number %q", errBadRequest, r.URL.Query().Get("chunk")))
		return
	}

	body := io.Reader(r.Body)
	if s.options.MaxChunkBytes > 0 {
		body = http.MaxBytesReader(w, r.Body, s.options.MaxChunkBytes)
	}

	next, err := s.deps.Coordinator.Upload(r.Context(), id, chunk, body)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, ContestResponse{ContestID: id, NextUpload: next})
}

// handleTabulate runs the engine and relays the summary verbatim.
func (s *Server) handleTabulate(w http.ResponseWriter, r *http.Request) {
	id, err := contestID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := s.deps.Invoker.Process(r.Context(), id, r.URL.Query().Get("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	defer result.Body.Close()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.FormatInt(result.Size, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, result.Body); err != nil {
		logger := tracing.LoggerFromContext(r.Context(), s.logger)
		logger.Warn().Err(err).Str("summary", result.Path).Msg("Failed to send summary")
	}
}

// handleClear tears the session down.
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := contestID(r)
	if err != nil {
		writeError(w, err)
		return
	}

	err = s.deps.Teardown.Teardown(ctx, id)
	if !errors.Is(err, session.ErrNotFound) {
		s.deps.Audit.RecordSession(ctx, "clear", id, clientIP(r), err)
	}
	if err != nil {
		writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// contestID reads and canonicalizes ?contestId=.
func contestID(r *http.Request) (string, error) {
	raw := r.URL.Query().Get("contestId")
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: invalid contestId %q", errBadRequest, raw)
	}
	return id.String(), nil
}
