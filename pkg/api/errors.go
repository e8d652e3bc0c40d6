package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/harun/tally/pkg/contest"
	"github.com/harun/tally/pkg/session"
	"github.com/harun/tally/pkg/tabulator"
)

// errBadRequest marks request validation failures.
var errBadRequest = errors.New("bad request")

// classify maps an error to its HTTP status and kind.
func classify(err error) (int, string) {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, contest.ErrInvalidConfig),
		errors.Is(err, tabulator.ErrOperatorRequired):
		return http.StatusBadRequest, KindBadRequest
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, KindNotFound
	case errors.Is(err, session.ErrUnexpectedChunk):
		return http.StatusConflict, KindUnexpectedChunk
	case errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge, KindTooLarge
	case errors.Is(err, tabulator.ErrProcessing):
		return http.StatusBadGateway, KindProcessing
	default:
		return http.StatusInternalServerError, KindStorage
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status, kind := classify(err)
	writeJSON(w, status, ErrorResponse{Error: err.Error(), Kind: kind})
}
