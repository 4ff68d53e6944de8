package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opencode-ai/conductor/pkg/types"
)

// OpenSessionRequest is the body of POST /session.
type OpenSessionRequest struct {
	SessionID  string `json:"sessionID,omitempty"`
	WorktreeID string `json:"worktreeID,omitempty"`
}

// MessageRequest is the body of POST /session/{id}/message and /queue.
type MessageRequest struct {
	Text        string              `json:"text"`
	Attachments []types.Attachment  `json:"attachments,omitempty"`
	Params      types.RequestParams `json:"params"`
}

func (m MessageRequest) queued() types.QueuedMessage {
	return types.QueuedMessage{Text: m.Text, Attachments: m.Attachments, Params: m.Params}
}

// AnswerRequest is the body of POST /session/{id}/answer/{toolCallID}.
type AnswerRequest struct {
	Response string `json:"response"`
}

// DraftRequest is the body of PUT /session/{id}/draft.
type DraftRequest struct {
	Text string `json:"text"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return false
	}
	return true
}

// listSessions handles GET /session
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.machine.List())
}

// openSession handles POST /session
func (s *Server) openSession(w http.ResponseWriter, r *http.Request) {
	var req OpenSessionRequest
	if !decode(w, r, &req) {
		return
	}

	view, err := s.machine.Open(r.Context(), req.SessionID, req.WorktreeID)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// getSession handles GET /session/{sessionID}
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	view, err := s.machine.View(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// closeSession handles DELETE /session/{sessionID}
func (s *Server) closeSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := s.machine.Close(sessionID); err != nil {
		writeSessionError(w, err)
		return
	}
	if s.views.IsViewed(sessionID) {
		s.views.SetViewing("")
	}
	writeSuccess(w)
}

// getMessages handles GET /session/{sessionID}/message
func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.machine.View(sessionID); err != nil {
		writeSessionError(w, err)
		return
	}

	msgs := s.cache.Messages(sessionID)
	if msgs == nil {
		msgs = []*types.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// sendMessage handles POST /session/{sessionID}/message. It returns once the
// backend accepted the turn; output arrives on /event.
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var req MessageRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Text == "" && len(req.Attachments) == 0 {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "text or attachments required")
		return
	}

	if err := s.machine.Send(r.Context(), sessionID, req.queued()); err != nil {
		writeSessionError(w, err)
		return
	}

	view, err := s.machine.View(sessionID)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, view)
}

// abortSession handles POST /session/{sessionID}/abort
func (s *Server) abortSession(w http.ResponseWriter, r *http.Request) {
	cancelled, err := s.machine.Cancel(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// retrySession handles POST /session/{sessionID}/retry
func (s *Server) retrySession(w http.ResponseWriter, r *http.Request) {
	if err := s.machine.Retry(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		writeSessionError(w, err)
		return
	}
	writeSuccess(w)
}

// approveDenials handles POST /session/{sessionID}/approve
func (s *Server) approveDenials(w http.ResponseWriter, r *http.Request) {
	if err := s.machine.ApproveDenials(r.Context(), chi.URLParam(r, "sessionID")); err != nil {
		writeSessionError(w, err)
		return
	}
	writeSuccess(w)
}

// answerBlocking handles POST /session/{sessionID}/answer/{toolCallID}
func (s *Server) answerBlocking(w http.ResponseWriter, r *http.Request) {
	var req AnswerRequest
	if !decode(w, r, &req) {
		return
	}

	err := s.machine.AnswerBlocking(r.Context(),
		chi.URLParam(r, "sessionID"), chi.URLParam(r, "toolCallID"), req.Response)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeSuccess(w)
}

// getQueue handles GET /session/{sessionID}/queue
func (s *Server) getQueue(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.machine.View(sessionID); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.queue.Items(sessionID))
}

// enqueueMessage handles POST /session/{sessionID}/queue
func (s *Server) enqueueMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var req MessageRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Text == "" && len(req.Attachments) == 0 {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "text or attachments required")
		return
	}
	if _, err := s.machine.View(sessionID); err != nil {
		writeSessionError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, s.queue.Enqueue(sessionID, req.queued()))
}

// viewSession handles POST /session/{sessionID}/view
func (s *Server) viewSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := s.machine.MarkViewed(sessionID); err != nil {
		writeSessionError(w, err)
		return
	}
	s.views.SetViewing(sessionID)
	writeSuccess(w)
}

// getDraft handles GET /session/{sessionID}/draft
func (s *Server) getDraft(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := s.machine.View(sessionID); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, DraftRequest{Text: s.drafts.Get(sessionID)})
}

// putDraft handles PUT /session/{sessionID}/draft
func (s *Server) putDraft(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var req DraftRequest
	if !decode(w, r, &req) {
		return
	}
	if _, err := s.machine.View(sessionID); err != nil {
		writeSessionError(w, err)
		return
	}
	s.drafts.Set(sessionID, req.Text)
	writeSuccess(w)
}
