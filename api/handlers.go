package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"

	"github.com/c360/dataplane/errors"
	"github.com/c360/dataplane/flow"
	"github.com/c360/dataplane/health"
	"github.com/c360/dataplane/pkg/worker"
	"github.com/c360/dataplane/transfer"
)

// AcceptedResponse is returned for an enqueued request
type AcceptedResponse struct {
	ID        string `json:"id"`
	ProcessID string `json:"processId"`
}

// ValidationResponse reports a validation result
type ValidationResponse struct {
	Valid    bool            `json:"valid"`
	Status   transfer.Status `json:"status,omitempty"`
	Messages []string        `json:"messages,omitempty"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	if err := s.dispatcher.Enqueue(r.Context(), req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, AcceptedResponse{ID: req.ID(), ProcessID: req.ProcessID()})
}

func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}
	res := s.dispatcher.Validate(req)
	if res.Succeeded() {
		writeJSON(w, http.StatusOK, ValidationResponse{Valid: true})
		return
	}
	writeJSON(w, http.StatusBadRequest, ValidationResponse{Status: res.Status, Messages: res.Messages})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	entry, err := s.dispatcher.Status(r.Context(), r.PathValue("processId"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// handlePull streams the request's source into the response body. Failures
// before the first byte become JSON errors; a failure mid-stream aborts the
// connection so the client sees a truncated body.
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decode(w, r)
	if !ok {
		return
	}

	out := &lazyHeaderWriter{w: w}
	sink := transfer.NewWriterSink(out)
	res := s.dispatcher.TransferTo(r.Context(), sink, req)
	if res.Succeeded() {
		if !out.started {
			w.WriteHeader(http.StatusNoContent)
		}
		return
	}

	s.logger.Warn("Pull transfer failed",
		"process_id", req.ProcessID(),
		"status", res.Status,
		"written", sink.Written(),
		"error", res.Message(),
		"request_id", requestID(r.Context()))
	if out.started {
		panic(http.ErrAbortHandler)
	}
	code := http.StatusUnprocessableEntity
	if res.Retryable() {
		code = http.StatusServiceUnavailable
	}
	writeError(w, code, res.Message())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := health.Healthy("dataplane", "no checks registered")
	if s.monitor != nil {
		status = s.monitor.Check(r.Context())
	}
	code := http.StatusOK
	if status.State == health.StateUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

// decode reads and validates a flow request body, answering 400 or 413 on
// failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request) (flow.Request, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "failed to read request body")
		}
		return flow.Request{}, false
	}

	req, err := flow.Decode(body)
	if err != nil {
		s.writeErr(w, r, err)
		return flow.Request{}, false
	}
	return req, true
}

// writeErr maps an error to a status code. Only validation messages are
// passed through to the client.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := http.StatusText(code)
	switch code {
	case http.StatusBadRequest:
		msg = err.Error()
	case http.StatusNotFound:
		msg = "transfer not found"
	case http.StatusConflict:
		msg = "transfer with this processId is already queued or in process"
	case http.StatusServiceUnavailable:
		msg = "service temporarily unavailable"
		if stderrors.Is(err, worker.ErrQueueFull) {
			msg = "transfer queue is full"
		}
	}
	if code >= http.StatusInternalServerError {
		s.logger.Warn("Request failed", "status", code, "error", err, "request_id", requestID(r.Context()))
	}
	writeError(w, code, msg)
}

func statusFor(err error) int {
	switch {
	case stderrors.Is(err, errors.ErrKeyNotFound):
		return http.StatusNotFound
	case stderrors.Is(err, errors.ErrLeaseConflict):
		return http.StatusConflict
	case errors.IsInvalid(err):
		return http.StatusBadRequest
	case stderrors.Is(err, worker.ErrQueueFull), stderrors.Is(err, errors.ErrNotStarted),
		stderrors.Is(err, worker.ErrPoolStopped):
		return http.StatusServiceUnavailable
	case stderrors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// lazyHeaderWriter sends the 200 header with the first byte of the body
type lazyHeaderWriter struct {
	w       http.ResponseWriter
	started bool
}

func (l *lazyHeaderWriter) Write(p []byte) (int, error) {
	if !l.started && len(p) > 0 {
		l.w.Header().Set("Content-Type", "application/octet-stream")
		l.w.WriteHeader(http.StatusOK)
		l.started = true
	}
	return l.w.Write(p)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]any{"error": message, "status": code})
}
