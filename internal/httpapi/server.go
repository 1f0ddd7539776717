package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/service"
	"github.com/BrandonDHaskell/Passkeeper/server/internal/passkeeper/types"
	"github.com/BrandonDHaskell/Passkeeper/server/internal/pkpass"
)

// ConsumerStatus reports the ledger event consumer's lifecycle state.
type ConsumerStatus interface {
	State() service.ConsumerState
}

type Dependencies struct {
	Logger *zap.Logger
	Addr   string
	// AuthToken is the ApplePass token devices must present. Empty
	// disables the check.
	AuthToken     string
	Access        *service.AccessEngine
	Registrations *service.RegistrationService
	Passes        *service.PassService
	Consumer      ConsumerStatus
}

type Server struct {
	httpServer    *http.Server
	logger        *zap.Logger
	mux           *http.ServeMux
	authToken     string
	access        *service.AccessEngine
	registrations *service.RegistrationService
	passes        *service.PassService
	consumer      ConsumerStatus
}

func NewServer(d Dependencies) *Server {
	mux := http.NewServeMux()

	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		logger:        logger,
		mux:           mux,
		authToken:     d.AuthToken,
		access:        d.Access,
		registrations: d.Registrations,
		passes:        d.Passes,
		consumer:      d.Consumer,
	}

	// Wallet web service
	mux.Handle("POST /v1/devices/{deviceID}/registrations/{passTypeID}/{serial}", s.requirePass(s.handleRegister))
	mux.Handle("DELETE /v1/devices/{deviceID}/registrations/{passTypeID}/{serial}", s.requirePass(s.handleUnregister))
	mux.HandleFunc("GET /v1/devices/{deviceID}/registrations/{passTypeID}", s.handleSerials)
	mux.Handle("GET /v1/passes/{passTypeID}/{serial}", s.requirePass(s.handleLatestPass))
	mux.HandleFunc("POST /v1/log", s.handleDeviceLog)

	// Access
	mux.HandleFunc("GET /v1/accounts/{account}/events/{eventID}/access", s.handleDeriveAccess)
	mux.HandleFunc("POST /v1/checkins", s.handleCheckIn)

	mux.HandleFunc("GET /healthz", s.handleHealth)

	handler := loggingMiddleware(logger, mux)

	s.httpServer = &http.Server{
		Addr:              d.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// requirePass checks the "Authorization: ApplePass <token>" header.
func (s *Server) requirePass(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authToken != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "ApplePass ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(s.authToken)) != 1 {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid ApplePass token")
				return
			}
		}
		next(w, r)
	})
}

// ── Wallet web service ───────────────────────────────────────────────────────

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req types.RegisterRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}

	created, err := s.registrations.Register(r.Context(),
		r.PathValue("deviceID"), r.PathValue("passTypeID"), r.PathValue("serial"), req.PushToken)
	if err != nil {
		s.writeServiceError(w, r, "register", err)
		return
	}

	if created {
		w.WriteHeader(http.StatusCreated)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	_, err := s.registrations.Unregister(r.Context(),
		r.PathValue("deviceID"), r.PathValue("passTypeID"), r.PathValue("serial"))
	if err != nil {
		s.writeServiceError(w, r, "unregister", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleSerials(w http.ResponseWriter, r *http.Request) {
	resp, err := s.registrations.SerialsNeedingUpdate(r.Context(),
		r.PathValue("deviceID"), r.PathValue("passTypeID"), r.URL.Query().Get("passesUpdatedSince"))
	if err != nil {
		s.writeServiceError(w, r, "serials", err)
		return
	}
	if len(resp.SerialNumbers) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLatestPass(w http.ResponseWriter, r *http.Request) {
	passTypeID, serial := r.PathValue("passTypeID"), r.PathValue("serial")

	if wantsJSON(r) {
		st, err := s.passes.State(r.Context(), serial)
		if err != nil {
			s.writeServiceError(w, r, "pass_state", err)
			return
		}
		writeJSON(w, http.StatusOK, st)
		return
	}

	var since time.Time
	if v := r.Header.Get("If-Modified-Since"); v != "" {
		// An unparseable date is ignored, as net/http does for files.
		if t, err := http.ParseTime(v); err == nil {
			since = t
		}
	}

	art, notModified, err := s.passes.LatestPass(r.Context(), passTypeID, serial, since)
	if err != nil {
		s.writeServiceError(w, r, "latest_pass", err)
		return
	}

	w.Header().Set("Last-Modified", art.LastModified.UTC().Format(http.TimeFormat))
	if notModified {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", pkpass.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(art.Data)
}

func (s *Server) handleDeviceLog(w http.ResponseWriter, r *http.Request) {
	var req types.LogRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxLogBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "invalid JSON body")
		return
	}
	for _, line := range req.Logs {
		s.logger.Info("device log", zap.String("message", line))
	}
	w.WriteHeader(http.StatusOK)
}

// ── Access ───────────────────────────────────────────────────────────────────

func (s *Server) handleDeriveAccess(w http.ResponseWriter, r *http.Request) {
	st, err := s.access.DeriveAccessState(r.Context(), r.PathValue("account"), r.PathValue("eventID"))
	if err != nil {
		s.writeServiceError(w, r, "derive_access", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	useProto := isProtobuf(r)

	req, err := decodeCheckIn(r, useProto)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid check-in body")
		return
	}

	resp, err := s.access.AttemptCheckIn(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, "checkin", err)
		return
	}

	if useProto {
		msg, err := checkInResponseToProto(resp)
		if err != nil {
			s.logger.Error("encode check-in response", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
			return
		}
		writeProto(w, http.StatusOK, msg)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func decodeCheckIn(r *http.Request, useProto bool) (types.CheckInRequest, error) {
	if useProto {
		msg, err := readStruct(r)
		if err != nil {
			return types.CheckInRequest{}, err
		}
		return checkInRequestFromProto(msg), nil
	}

	var req types.CheckInRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return types.CheckInRequest{}, err
	}
	return req, nil
}

// ── Health ───────────────────────────────────────────────────────────────────

type healthResponse struct {
	Status   string `json:"status"`
	Consumer string `json:"consumer,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok"}
	status := http.StatusOK
	if s.consumer != nil {
		state := s.consumer.State()
		resp.Consumer = state.String()
		if state == service.StateStopped {
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

// ── helpers ──────────────────────────────────────────────────────────────────

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json")
}

// writeServiceError maps service errors onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	var accessErr *service.AccessError
	switch {
	case service.IsValidation(err):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.As(err, &accessErr):
		code := "no_remaining_tickets"
		if errors.Is(accessErr.Err, service.ErrInsufficientAccess) {
			code = "insufficient_access"
		}
		st := accessErr.State
		writeJSON(w, http.StatusConflict, errorResponse{Error: code, Message: accessErr.Error(), State: &st})
	case errors.Is(err, service.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, service.ErrUnauthorizedOperator):
		writeError(w, http.StatusForbidden, "operator_not_authorized", err.Error())
	case errors.Is(err, service.ErrEventInactive):
		writeError(w, http.StatusConflict, "event_inactive", err.Error())
	case errors.Is(err, service.ErrLedgerUnavailable):
		s.logger.Warn(op+" ledger unavailable", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "ledger_unavailable", "ledger temporarily unavailable")
	case errors.Is(err, pkpass.ErrNoSigner):
		writeError(w, http.StatusServiceUnavailable, "signing_unavailable", err.Error())
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to send.
	default:
		s.logger.Error(op+" failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "unexpected server error")
	}
}

type errorResponse struct {
	Error   string             `json:"error"`
	Message string             `json:"message"`
	State   *types.AccessState `json:"state,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: code, Message: msg})
}
