package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mindsync/mindsync/internal/domain/credentials"
	"github.com/mindsync/mindsync/internal/domain/notification"
)

const keepAliveInterval = 25 * time.Second

type loginRequest struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// streamEndpoint emits one SSE event per replica change. The optional document_id
// query restricts the stream to one document.
func (s *Server) streamEndpoint(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported")
		return
	}
	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	client := notification.NewSSEClient(clientID, r.URL.Query().Get("document_id"))
	s.sseHub.Register(client)
	defer s.sseHub.Unregister(clientID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	ctx := r.Context()
	for {
		select {
		case msg, open := <-client.MessageChan:
			if !open || msg == nil {
				return
			}
			payload, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("id: " + msg.ID + "\nevent: " + msg.Event + "\ndata: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-keepAlive.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

// login stores a token pair and adopts the identity it carries.
func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	req.AccessToken = strings.TrimSpace(req.AccessToken)
	if req.AccessToken == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "access_token is required")
		return
	}
	identity, err := credentials.ParseIdentity(req.AccessToken)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_TOKEN", err.Error())
		return
	}
	tokens := credentials.Tokens{Access: req.AccessToken, Refresh: strings.TrimSpace(req.RefreshToken)}
	if err := s.tokens.Save(r.Context(), tokens); err != nil {
		s.logger.Error().Err(err).Msg("save credentials")
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "could not store credentials")
		return
	}
	s.replica.SetIdentity(identity.UserID, identity.Username)
	s.logger.Info().Str("user_id", identity.UserID).Msg("credentials stored")
	respondJSON(w, http.StatusOK, identity)
}

// logout closes the open document and forgets the stored tokens.
func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	s.session.Close()
	if err := s.tokens.Clear(r.Context()); err != nil && !errors.Is(err, credentials.ErrNoTokens) {
		s.logger.Error().Err(err).Msg("clear credentials")
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "could not clear credentials")
		return
	}
	s.replica.SetIdentity("", "")
	w.WriteHeader(http.StatusNoContent)
}
