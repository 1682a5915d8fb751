package httpapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mindsync/mindsync/internal/application/reconcile"
	"github.com/mindsync/mindsync/internal/domain/lock"
	"github.com/mindsync/mindsync/internal/domain/tree"
)

type documentResponse struct {
	DocumentID string         `json:"document_id"`
	Version    int64          `json:"version"`
	ClientID   string         `json:"client_id,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	Connection string         `json:"connection"`
	Selected   string         `json:"selected,omitempty"`
	CanUndo    bool           `json:"can_undo"`
	Root       *tree.TreeNode `json:"root"`
}

type moveRequest struct {
	ParentID string   `json:"parent_id"`
	Position *float64 `json:"position,omitempty"`
}

type selectionRequest struct {
	NodeID string `json:"node_id"`
}

func (s *Server) documentState() documentResponse {
	return documentResponse{
		DocumentID: s.replica.DocumentID(),
		Version:    s.replica.Version(),
		ClientID:   s.replica.ClientID(),
		UserID:     s.replica.UserID(),
		Connection: string(s.session.State()),
		Selected:   s.replica.Selected(),
		CanUndo:    s.replica.CanUndo(),
		Root:       s.replica.Tree(),
	}
}

func (s *Server) openDocument(w http.ResponseWriter, r *http.Request) {
	documentID := strings.TrimSpace(chi.URLParam(r, "documentId"))
	if err := s.session.Open(r.Context(), documentID); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.documentState())
}

func (s *Server) closeDocument(w http.ResponseWriter, r *http.Request) {
	s.session.Close()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.documentState())
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"version": s.replica.Version(),
		"nodes":   s.replica.Nodes(),
	})
}

func (s *Server) getNode(w http.ResponseWriter, r *http.Request) {
	n, ok := s.replica.Node(chi.URLParam(r, "nodeId"))
	if !ok {
		respondError(w, http.StatusNotFound, "NOT_FOUND", tree.ErrNodeNotFound.Error())
		return
	}
	respondJSON(w, http.StatusOK, n)
}

func (s *Server) createNode(w http.ResponseWriter, r *http.Request) {
	var req reconcile.CreateInput
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if strings.TrimSpace(req.ParentID) == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "parent_id is required")
		return
	}
	n, err := s.replica.CreateNode(r.Context(), req)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, n)
}

func (s *Server) updateNode(w http.ResponseWriter, r *http.Request) {
	var req tree.Changes
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	n, err := s.replica.UpdateNode(r.Context(), chi.URLParam(r, "nodeId"), req)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, n)
}

func (s *Server) moveNode(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if strings.TrimSpace(req.ParentID) == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "parent_id is required")
		return
	}
	n, err := s.replica.MoveNode(r.Context(), chi.URLParam(r, "nodeId"), req.ParentID, req.Position)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, n)
}

func (s *Server) deleteNode(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.replica.DeleteNode(r.Context(), chi.URLParam(r, "nodeId"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"deleted_ids": deleted,
		"version":     s.replica.Version(),
	})
}

func (s *Server) listLocks(w http.ResponseWriter, r *http.Request) {
	locks := s.replica.Locks()
	if locks == nil {
		locks = []lock.Entry{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"locks": locks})
}

// acquireLock answers 409 with the refusal body when someone else holds the node.
func (s *Server) acquireLock(w http.ResponseWriter, r *http.Request) {
	res, err := s.replica.AcquireLock(r.Context(), chi.URLParam(r, "nodeId"))
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if !res.Held {
		respondJSON(w, http.StatusConflict, res)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) releaseLock(w http.ResponseWriter, r *http.Request) {
	if err := s.replica.ReleaseLock(r.Context(), chi.URLParam(r, "nodeId")); err != nil {
		respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) selectNode(w http.ResponseWriter, r *http.Request) {
	var req selectionRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if err := s.replica.Select(req.NodeID); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"selected": s.replica.Selected()})
}

func (s *Server) undo(w http.ResponseWriter, r *http.Request) {
	if err := s.replica.Undo(r.Context()); err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.documentState())
}
