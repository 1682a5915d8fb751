package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/mindsync/mindsync/internal/application/reconcile"
	"github.com/mindsync/mindsync/internal/domain/credentials"
	"github.com/mindsync/mindsync/internal/domain/lock"
	"github.com/mindsync/mindsync/internal/domain/tree"
	"github.com/mindsync/mindsync/internal/infrastructure/httpclient"
	"github.com/mindsync/mindsync/internal/infrastructure/sse"
	"github.com/mindsync/mindsync/internal/infrastructure/transport"
)

// Session opens and closes the document the replica mirrors.
type Session interface {
	Open(ctx context.Context, documentID string) error
	Close()
	State() transport.State
	DocumentID() string
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	replica *reconcile.Reconciler
	session Session
	tokens  credentials.Store
	sseHub  *sse.Hub
	logger  zerolog.Logger
}

func NewServer(
	replica *reconcile.Reconciler,
	session Session,
	tokens credentials.Store,
	sseHub *sse.Hub,
	logger zerolog.Logger,
) *Server {
	return &Server{
		replica: replica,
		session: session,
		tokens:  tokens,
		sseHub:  sseHub,
		logger:  logger.With().Str("service", "api").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.health)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stream", s.streamEndpoint)

		r.Put("/session", s.login)
		r.Delete("/session", s.logout)

		r.With(middleware.Timeout(30*time.Second)).Post("/documents/{documentId}/open", s.openDocument)

		r.Route("/document", func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Use(s.requireDocument)

			r.Get("/", s.getDocument)
			r.Post("/close", s.closeDocument)
			r.Get("/locks", s.listLocks)
			r.Put("/selection", s.selectNode)
			r.Post("/undo", s.undo)

			r.Route("/nodes", func(r chi.Router) {
				r.Get("/", s.listNodes)
				r.Post("/", s.createNode)
				r.Get("/{nodeId}", s.getNode)
				r.Patch("/{nodeId}", s.updateNode)
				r.Delete("/{nodeId}", s.deleteNode)
				r.Post("/{nodeId}/move", s.moveNode)
				r.Post("/{nodeId}/lock", s.acquireLock)
				r.Delete("/{nodeId}/lock", s.releaseLock)
			})
		})
	})

	return r
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// respondDomainError maps replica and transport errors onto HTTP statuses.
func respondDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, reconcile.ErrNoDocument):
		respondError(w, http.StatusConflict, "NO_DOCUMENT", err.Error())
	case errors.Is(err, tree.ErrNodeNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, tree.ErrNodeExists):
		respondError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, lock.ErrHeldByOther):
		respondError(w, http.StatusConflict, "LOCKED", err.Error())
	case errors.Is(err, reconcile.ErrNothingToUndo):
		respondError(w, http.StatusConflict, "NOTHING_TO_UNDO", err.Error())
	case errors.Is(err, tree.ErrParentNotFound),
		errors.Is(err, tree.ErrRootImmutable),
		errors.Is(err, reconcile.ErrInvalidChanges),
		errors.Is(err, reconcile.ErrMoveIntoSubtree),
		errors.Is(err, reconcile.ErrContentTooLong),
		errors.Is(err, transport.ErrEmptyDocument):
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
	case errors.Is(err, httpclient.ErrUnauthorized):
		respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", err.Error())
	case errors.Is(err, reconcile.ErrNoTransport), errors.Is(err, transport.ErrNotOpen):
		respondError(w, http.StatusServiceUnavailable, "UNAVAILABLE", err.Error())
	default:
		respondError(w, http.StatusBadGateway, "UPSTREAM_ERROR", err.Error())
	}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"document_id": s.session.DocumentID(),
		"connection":  s.session.State(),
	})
}
