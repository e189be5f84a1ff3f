package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	gateway "github.com/eugener/mithril/internal"
)

// jsonCT is assigned into the header map directly, avoiding the per-call
// allocation of Header.Set building a fresh []string.
var jsonCT = []string{"application/json"}

// apiError mirrors the OpenAI error envelope so SDK clients surface the
// message without special-casing the gateway.
type apiError struct {
	Error apiErrorDetail `json:"error"`
}

type apiErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func errorResponse(msg string) apiError {
	return apiError{Error: apiErrorDetail{Message: msg, Type: "invalid_request_error"}}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// Headers are gone; nothing to salvage.
		return
	}
}

// errorStatus maps domain sentinel errors to HTTP status codes. Anything
// unrecognized is a 500.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, gateway.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, gateway.ErrIPBanned), errors.Is(err, gateway.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, gateway.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gateway.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, gateway.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// handleInference serves all four inference routes. By the time it runs, the
// request has been authenticated, rate limited, and found absent from the
// cache; the body hash sits in the request context.
func (s *server) handleInference(w http.ResponseWriter, r *http.Request) {
	apiType, _ := gateway.ApiTypeForPath(r.URL.Path)
	ci := gateway.ClientInfoFromContext(r.Context())

	logRow := &gateway.RequestLog{
		RequestID:          gateway.RequestIDFromContext(r.Context()),
		GatewayKeyID:       gateway.GatewayKeyIDFromContext(r.Context()),
		ApiType:            apiType,
		ClientIP:           ci.IP,
		UserAgent:          ci.UserAgent,
		RequestBodyHash:    gateway.BodyHashFromContext(r.Context()),
		RequestContentType: "application/json",
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.deps.MaxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("request body too large"))
		return
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse("request body must be a JSON object"))
		return
	}
	model, _ := payload["model"].(string)
	if model == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse("missing model"))
		return
	}
	logRow.Model = model
	logRow.Alias = model

	route, err := s.deps.Router.Resolve(r.Context(), model, apiType)
	if err != nil {
		status := errorStatus(err)
		logRow.StatusCode = &status
		logRow.RequestBody = body
		s.scheduleRequestLog(logRow)
		writeJSON(w, status, errorResponse(err.Error()))
		return
	}

	s.deps.Dispatcher.Dispatch(w, r, payload, route, logRow)
}

// scheduleRequestLog writes a locally resolved failure row off the request
// path. Successful dispatches are logged by the dispatcher instead.
func (s *server) scheduleRequestLog(logRow *gateway.RequestLog) {
	row := *logRow
	s.deps.Tasks.Spawn("request_log", func(ctx context.Context) {
		if _, err := s.deps.Store.InsertRequestLog(ctx, &row); err != nil {
			slog.Error("request log write failed", "request_id", row.RequestID, "error", err)
		}
	})
}
