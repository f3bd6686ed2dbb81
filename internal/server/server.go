// Package server is the HTTP surface: health, status, history, Prometheus
// metrics and operator commands.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"codeberg.org/mutker/frothctl/internal/actuator"
	"codeberg.org/mutker/frothctl/internal/control"
	"codeberg.org/mutker/frothctl/internal/errors"
	"codeberg.org/mutker/frothctl/internal/logger"
	"codeberg.org/mutker/frothctl/internal/metrics"
	"codeberg.org/mutker/frothctl/internal/operator"
)

const (
	DefaultAddress     = ":8080"
	shutdownTimeout    = 5 * time.Second
	readHeaderTimeout  = 5 * time.Second
	maxCommandBytes    = 16 << 10
	defaultHistorySize = 100
	maxHistorySize     = 5000
)

// History is the read side of the cycle history
type History interface {
	Recent(ctx context.Context, limit int) ([]metrics.CycleRecord, error)
	Stats(ctx context.Context) (metrics.Stats, error)
}

type Config struct {
	Address string
}

// Deps are the collaborators behind the routes. Metrics and History are
// optional; their routes are not registered when nil.
type Deps struct {
	Surface operator.Surface
	Metrics http.Handler
	History History
	Logger  logger.Logger
}

type Server struct {
	cfg     Config
	deps    Deps
	log     logger.Logger
	handler http.Handler
}

func New(cfg Config, deps Deps) (*Server, error) {
	errFactory := errors.New()

	if deps.Surface == nil {
		return nil, errFactory.WithData(errors.ErrInvalidArgument, "operator surface is required")
	}
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	log := deps.Logger
	if log == nil {
		log = logger.With("http")
	}

	s := &Server{cfg: cfg, deps: deps, log: log}
	s.handler = handlers.RecoveryHandler(
		handlers.RecoveryLogger(recoveryLogger{log}),
	)(handlers.CustomLoggingHandler(logWriter{log}, s.router(), formatAccess))

	return s, nil
}

func (s *Server) router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet)
	r.HandleFunc("/api/status", s.status).Methods(http.MethodGet)
	r.HandleFunc("/api/control", s.command).Methods(http.MethodPost)
	r.HandleFunc("/api/devices", s.devices).Methods(http.MethodGet)
	r.HandleFunc("/api/devices/{device}", s.setDevice).Methods(http.MethodPost)
	if s.deps.History != nil {
		r.HandleFunc("/api/history", s.history).Methods(http.MethodGet)
		r.HandleFunc("/api/history/stats", s.historyStats).Methods(http.MethodGet)
	}
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics).Methods(http.MethodGet)
	}

	return r
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errFactory := errors.New()

	srv := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("address", s.cfg.Address).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return errFactory.Wrap(errors.ErrInitFailed, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errFactory.Wrap(errors.ErrShutdownFailed, err)
	}
	if err := <-errCh; err != nil && err != http.ErrServerClosed {
		return errFactory.Wrap(errors.ErrShutdownFailed, err)
	}

	s.log.Info().Msg("HTTP server stopped")
	return nil
}

type healthResponse struct {
	Status  string `json:"status"`
	Running bool   `json:"running"`
	Safety  string `json:"safety"`
	Cycle   uint64 `json:"cycle"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	st := s.deps.Surface.Status()
	resp := healthResponse{
		Status:  "ok",
		Running: st.Running,
		Safety:  st.Safety.StateName,
		Cycle:   st.Cycle,
	}
	code := http.StatusOK
	if !st.Running {
		resp.Status = "unavailable"
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, resp)
}

func (s *Server) status(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Surface.Status())
}

func (s *Server) command(w http.ResponseWriter, r *http.Request) {
	var cmd operator.Command
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommandBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cmd); err != nil {
		s.writeJSON(w, http.StatusBadRequest, operator.Response{
			CommandAck: "unknown",
			Status:     operator.StatusError,
			Error:      "invalid JSON: " + err.Error(),
			ErrorCode:  string(errors.ErrInvalidArgument),
			Timestamp:  time.Now().UTC(),
		})
		return
	}

	s.apply(w, r, cmd)
}

func (s *Server) apply(w http.ResponseWriter, r *http.Request, cmd operator.Command) {
	resp := operator.Handle(r.Context(), s.deps.Surface, cmd, sourceOf(r))
	code := http.StatusOK
	if resp.Status == operator.StatusError {
		code = statusFor(errors.ErrorCode(resp.ErrorCode))
		s.log.Warn().
			Str("command", cmd.Command).
			Str("error_code", resp.ErrorCode).
			Msg("Operator command rejected")
	} else {
		s.log.Info().Str("command", cmd.Command).Msg("Operator command applied")
	}
	s.writeJSON(w, code, resp)
}

func (s *Server) devices(w http.ResponseWriter, _ *http.Request) {
	devices := s.deps.Surface.Status().Devices
	if devices == nil {
		devices = []control.DeviceState{}
	}
	s.writeJSON(w, http.StatusOK, devices)
}

type deviceRequest struct {
	DutyCycle *float64 `json:"duty_cycle"`
}

// setDevice is a shorthand for the set_device command
func (s *Server) setDevice(w http.ResponseWriter, r *http.Request) {
	var req deviceRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCommandBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.ErrInvalidArgument, "invalid JSON: "+err.Error())
		return
	}

	s.apply(w, r, operator.Command{
		Command:   operator.CmdSetDevice,
		Device:    mux.Vars(r)["device"],
		DutyCycle: req.DutyCycle,
	})
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistorySize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxHistorySize {
			s.writeError(w, http.StatusBadRequest, errors.ErrInvalidArgument, "limit must be between 1 and "+strconv.Itoa(maxHistorySize))
			return
		}
		limit = n
	}

	records, err := s.deps.History.Recent(r.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to read history")
		s.writeError(w, http.StatusInternalServerError, errors.CodeOf(err), err.Error())
		return
	}
	if records == nil {
		records = []metrics.CycleRecord{}
	}
	s.writeJSON(w, http.StatusOK, records)
}

func (s *Server) historyStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.History.Stats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, errors.CodeOf(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

// sourceOf names the requester for the emergency stop record
func sourceOf(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "http:" + host
}

func statusFor(code errors.ErrorCode) int {
	switch code {
	case errors.ErrInvalidArgument, errors.ErrNotImplemented, errors.ErrInvalidConfig:
		return http.StatusBadRequest
	case errors.ErrUnauthorized:
		return http.StatusForbidden
	case actuator.ErrUnknownDevice:
		return http.StatusNotFound
	case errors.ErrUnavailable, errors.ErrShutdown:
		return http.StatusServiceUnavailable
	case errors.ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

type errorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, code errors.ErrorCode, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg, ErrorCode: string(code)})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug().Err(err).Msg("Failed to write response")
	}
}

func formatAccess(w io.Writer, p handlers.LogFormatterParams) {
	fmt.Fprintf(w, "%s %s %d %d %s",
		p.Request.Method, p.URL.RequestURI(), p.StatusCode, p.Size, p.Request.RemoteAddr)
}

// logWriter forwards access log lines to the component logger
type logWriter struct {
	log logger.Logger
}

func (l logWriter) Write(p []byte) (int, error) {
	l.log.Debug().Msg(strings.TrimSpace(string(p)))
	return len(p), nil
}

type recoveryLogger struct {
	log logger.Logger
}

func (l recoveryLogger) Println(v ...interface{}) {
	l.log.Error().Msg(strings.TrimSpace(fmt.Sprintln(v...)))
}
