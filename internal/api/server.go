// Package api is the HTTP surface of a pitstop server, used by the CLI, the
// watch dashboard and anything else that submits or inspects sessions.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/igoryan-dao/pitstop/internal/artifact"
	"github.com/igoryan-dao/pitstop/internal/notify"
	"github.com/igoryan-dao/pitstop/internal/orchestrator"
	"github.com/igoryan-dao/pitstop/internal/session"
)

// Service is what the API drives. *orchestrator.Orchestrator implements it.
type Service interface {
	notify.Inbound
	Logs(ctx context.Context, id string) ([]session.LogEntry, error)
	Stats() orchestrator.Stats
}

// Blobs serves artifact bytes.
type Blobs interface {
	Open(ref string) ([]byte, error)
}

type Server struct {
	router *chi.Mux
	svc    Service
	blobs  Blobs
	log    zerolog.Logger
}

// SubmitRequest is the body of POST /v1/sessions.
type SubmitRequest struct {
	Owner          string `json:"owner"`
	Flow           string `json:"flow"`
	CredentialsRef string `json:"credentials_ref,omitempty"`
}

// ReplyRequest is the body of POST /v1/sessions/{id}/reply.
type ReplyRequest struct {
	Owner string `json:"owner"`
	Text  string `json:"text"`
}

// ReplyResponse mirrors notify.ReplyResult.
type ReplyResponse struct {
	Status     notify.ReplyStatus `json:"status"`
	SessionID  string             `json:"session_id,omitempty"`
	Candidates []string           `json:"candidates,omitempty"`
	Error      string             `json:"error,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func New(svc Service, blobs Blobs, logger zerolog.Logger) *Server {
	s := &Server{
		router: chi.NewRouter(),
		svc:    svc,
		blobs:  blobs,
		log:    logger.With().Str("component", "api").Logger(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(s.logRequests)
	s.router.Use(middleware.Recoverer)
	s.router.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "pitstop-api")
	})

	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/healthz", s.handleHealth)
		r.Post("/sessions", s.handleSubmit)
		r.Get("/sessions/{id}", s.handleGet)
		r.Get("/sessions/{id}/logs", s.handleLogs)
		r.Get("/sessions/{id}/artifacts/{file}", s.handleArtifact)
		r.Post("/sessions/{id}/cancel", s.handleCancel)
		r.Post("/sessions/{id}/reply", s.handleReply)
		r.Get("/owners/{owner}/sessions", s.handleList)
	})
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.log.Info().Str("addr", addr).Msg("http api listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.Stats())
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	req.Owner, req.Flow = strings.TrimSpace(req.Owner), strings.TrimSpace(req.Flow)
	if req.Owner == "" || req.Flow == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "owner and flow are required"})
		return
	}
	sess, err := s.svc.Submit(r.Context(), req.Owner, req.Flow, req.CredentialsRef)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, err := s.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.svc.Logs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if logs == nil {
		logs = []session.LogEntry{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := s.svc.ListByOwner(r.Context(), chi.URLParam(r, "owner"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if list == nil {
		list = []*session.Session{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.svc.Cancel(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	var req ReplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body"})
		return
	}
	id := chi.URLParam(r, "id")
	owner := req.Owner
	if owner == "" {
		sess, err := s.svc.Get(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		owner = sess.Owner
	}

	res := s.svc.HandleReply(r.Context(), notify.Reply{Owner: owner, SessionHint: id, Text: req.Text})
	resp := ReplyResponse{Status: res.Status, SessionID: res.SessionID, Candidates: res.Candidates}
	code := http.StatusOK
	switch res.Status {
	case notify.ReplyRejected:
		resp.Error = res.Err.Error()
		code = statusFor(res.Err)
	case notify.ReplyNoWaiter:
		code = http.StatusConflict
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	id, file := chi.URLParam(r, "id"), chi.URLParam(r, "file")
	sess, err := s.svc.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ref := id + "/" + file
	contentType := ""
	for _, a := range sess.Artifacts {
		if a.Ref == ref {
			contentType = a.ContentType
		}
	}
	if contentType == "" || s.blobs == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "artifact not found"})
		return
	}
	data, err := s.blobs.Open(ref)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	_, _ = w.Write(data)
}

// statusFor maps domain errors to HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, os.ErrNotExist):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrActiveSession), errors.Is(err, orchestrator.ErrTerminal):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrQueueFull), errors.Is(err, session.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, notify.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, notify.ErrEmpty), errors.Is(err, artifact.ErrInvalidRef):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
