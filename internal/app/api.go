package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/device"
	"github.com/MrWong99/parley/pkg/transport"
)

// SessionView is the JSON form of [session.Info].
type SessionView struct {
	ID            string     `json:"id,omitempty"`
	State         string     `json:"state"`
	Transport     string     `json:"transport"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	ActiveAt      *time.Time `json:"active_at,omitempty"`
	FramesSent    int64      `json:"frames_sent"`
	ChunksPlayed  int64      `json:"chunks_played"`
	ChunksDropped int64      `json:"chunks_dropped"`
	Interruptions int64      `json:"interruptions"`
	Error         string     `json:"error,omitempty"`
}

func viewOf(info session.Info) SessionView {
	v := SessionView{
		ID:            info.ID,
		State:         info.State.String(),
		Transport:     info.Transport,
		FramesSent:    info.FramesSent,
		ChunksPlayed:  info.ChunksPlayed,
		ChunksDropped: info.ChunksDropped,
		Interruptions: info.Interruptions,
	}
	if !info.StartedAt.IsZero() {
		v.StartedAt = &info.StartedAt
	}
	if !info.ActiveAt.IsZero() {
		v.ActiveAt = &info.ActiveAt
	}
	if info.Err != nil {
		v.Error = info.Err.Error()
	}
	return v
}

type errorBody struct {
	Error string `json:"error"`
}

// Handler returns the control API:
//
//	POST   /v1/session  start a session; blocks until active or failed
//	DELETE /v1/session  stop the session; blocks until idle
//	GET    /v1/session  current or most recent session
//	GET    /healthz, /readyz, /metrics
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/session", a.startSession)
	mux.HandleFunc("DELETE /v1/session", a.stopSession)
	mux.HandleFunc("GET /v1/session", a.getSession)
	mux.Handle("GET /metrics", a.scrape)
	health.New(a.readinessChecks()...).Register(mux)
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) startSession(w http.ResponseWriter, r *http.Request) {
	if err := a.ctrl.Start(r.Context()); err != nil {
		status := statusFor(err)
		observe.Logger(r.Context()).Warn("session start failed", "status", status, "err", err)
		writeJSON(w, status, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(a.ctrl.Info()))
}

func (a *App) stopSession(w http.ResponseWriter, r *http.Request) {
	if err := a.ctrl.Stop(r.Context()); err != nil {
		writeJSON(w, http.StatusGatewayTimeout, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, viewOf(a.ctrl.Info()))
}

func (a *App) getSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, viewOf(a.ctrl.Info()))
}

// statusFor maps session start errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrAlreadyActive), errors.Is(err, session.ErrStopped):
		return http.StatusConflict
	case errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, audio.ErrMicPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, audio.ErrMicNotFound), errors.Is(err, audio.ErrMicBusy),
		errors.Is(err, audio.ErrOutputUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, transport.ErrConnectFailed):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// readinessChecks reports not-ready when the last session ended with an
// error, the connect breaker is open, or the backend lists no usable devices.
func (a *App) readinessChecks() []health.Checker {
	checks := []health.Checker{
		{
			Name: "session",
			Check: func(context.Context) error {
				info := a.ctrl.Info()
				if info.Err != nil {
					return fmt.Errorf("last session failed: %w", info.Err)
				}
				if info.State == session.Error {
					return fmt.Errorf("session is in state %s", info.State)
				}
				return nil
			},
		},
		{
			Name: "transport",
			Check: func(context.Context) error {
				if st := a.guard.Breaker().State(); st == resilience.StateOpen {
					return fmt.Errorf("connect breaker is %s", st)
				}
				return nil
			},
		},
	}
	if l, ok := a.backend.(device.Lister); ok {
		checks = append(checks, health.Checker{
			Name: "audio",
			Check: func(context.Context) error {
				devs, err := l.Devices()
				if err != nil {
					return err
				}
				var in, out bool
				for _, d := range devs {
					in = in || d.MaxInputChannels > 0
					out = out || d.MaxOutputChannels > 0
				}
				if !in || !out {
					return errors.New("no input or output device available")
				}
				return nil
			},
		})
	}
	return checks
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response", "err", err)
	}
}
