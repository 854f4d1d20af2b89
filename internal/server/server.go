// Package server exposes the operator override API on a root-owned unix
// socket. Overrides let privileged operators pin or reset process states
// without restarting the agent; every call surfaces ack, denied, or
// pending. A failed enforcement never reports silent success.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/octoreflex/octoreflex/internal/containment"
	"github.com/octoreflex/octoreflex/pkg/types"
)

type Server struct {
	ctrl *containment.Controller
	log  *zap.Logger
}

func New(ctrl *containment.Controller, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{ctrl: ctrl, log: log}
}

// pinRequest is the body of POST /v1/processes/{pid}/pin.
type pinRequest struct {
	State string `json:"state"`
}

// overrideResponse is returned for pin and reset calls.
type overrideResponse struct {
	Result string `json:"result"`
	PID    uint32 `json:"pid"`
	State  string `json:"state,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Routes builds the operator API router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	r.Route("/v1", func(r chi.Router) {
		r.Get("/processes", s.handleList)
		r.Get("/processes/{pid}", s.handleGet)
		r.Post("/processes/{pid}/pin", s.handlePin)
		r.Post("/processes/{pid}/reset", s.handleReset)
	})
	return r
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	views := s.ctrl.Records()
	if views == nil {
		views = []containment.View{}
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	pid, ok := parsePID(w, r)
	if !ok {
		return
	}
	view, found := s.ctrl.Record(pid)
	if !found {
		writeJSON(w, http.StatusNotFound, overrideResponse{Result: "denied", PID: pid, Error: "unknown process"})
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handlePin(w http.ResponseWriter, r *http.Request) {
	pid, ok := parsePID(w, r)
	if !ok {
		return
	}
	var req pinRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, overrideResponse{Result: "denied", PID: pid, Error: "invalid request body"})
		return
	}
	target, err := types.ParseState(req.State)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, overrideResponse{Result: "denied", PID: pid, Error: err.Error()})
		return
	}

	outcome, err := s.ctrl.Pin(r.Context(), pid, target)
	s.writeOutcome(w, pid, target.String(), outcome, err)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	pid, ok := parsePID(w, r)
	if !ok {
		return
	}
	outcome, err := s.ctrl.Reset(r.Context(), pid)
	s.writeOutcome(w, pid, types.StateMonitoring.String(), outcome, err)
}

func (s *Server) writeOutcome(w http.ResponseWriter, pid uint32, state string, outcome containment.Outcome, err error) {
	resp := overrideResponse{Result: string(outcome), PID: pid, State: state}
	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		var inv *containment.InvariantViolationError
		switch {
		case errors.Is(err, containment.ErrUnknownProcess):
			status = http.StatusNotFound
		case errors.As(err, &inv):
			status = http.StatusConflict
		default:
			status = http.StatusInternalServerError
		}
	} else if outcome == containment.OutcomeDenied {
		// Budget denial: the request was understood but not permitted.
		status = http.StatusTooManyRequests
	}
	writeJSON(w, status, resp)
}

// Serve listens on the unix socket until ctx is cancelled. The socket is
// created mode 0600: operator overrides are root-only.
func (s *Server) Serve(ctx context.Context, socketPath string) error {
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		_ = ln.Close()
		return err
	}

	srv := &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = os.Remove(socketPath)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func parsePID(w http.ResponseWriter, r *http.Request) (uint32, bool) {
	raw := chi.URLParam(r, "pid")
	pid, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || pid == 0 {
		writeJSON(w, http.StatusBadRequest, overrideResponse{Result: "denied", Error: "invalid pid"})
		return 0, false
	}
	return uint32(pid), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
