package api

import (
	"net/http"
	"time"

	"github.com/harun/tally/internal/observability"
	"github.com/harun/tally/pkg/session"
	"github.com/harun/tally/pkg/tabulator"
	"github.com/rs/zerolog"
)

// Options configures the HTTP server.
type Options struct {
	Host               string
	Port               int
	BasePath           string        // e.g. /api/v1.0
	MaxChunkBytes      int64         // 0 = unlimited
	RateLimitPerMinute int           // 0 = unlimited
	ShutdownTimeout    time.Duration // in-flight drain budget
}

// Deps are the components the handlers drive.
type Deps struct {
	AppName     string
	Version     string
	Registry    *session.Registry
	Coordinator *session.Coordinator
	Invoker     *tabulator.Invoker
	Teardown    *session.TeardownManager
	Events      http.Handler // optional event stream endpoint
	Audit       *observability.AuditLogger
	Logger      zerolog.Logger
}

// ContestResponse is returned by newContest and castVotes.
type ContestResponse struct {
	ContestID  string `json:"contestId"`
	NextUpload int64  `json:"nextUpload"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

// Error kinds.
const (
	KindBadRequest      = "bad_request"
	KindNotFound        = "not_found"
	KindUnexpectedChunk = "unexpected_chunk"
	KindTooLarge        = "too_large"
	KindStorage         = "storage"
	KindProcessing      = "processing"
	KindRateLimited     = "rate_limited"
	KindUnavailable     = "unavailable"
)
