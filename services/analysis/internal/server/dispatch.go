package server

import (
	"io"
	"net/http"
	"strings"

	"datalens/internal/util"
	"datalens/pkg/domain"
	"datalens/services/analysis/internal/app"
	"datalens/services/analysis/internal/session"
)

// handleChat serves the chat page and the multiplexed POST operations.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	sid, rec, ok := s.currentSession(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	active, err := s.bridge.Resolve(r.Context(), sid, rec)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("session resolve failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not resolve session")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.renderChatPage(w, r, sid, rec, active)
	case http.MethodPost:
		s.dispatchChat(w, r, sid, rec, active)
	default:
		methodNotAllowed(w)
	}
}

// dispatchChat multiplexes on the form_type discriminator. An unrecognized
// or absent value falls through to a no-op render of current state.
func (s *Server) dispatchChat(w http.ResponseWriter, r *http.Request, sid string, rec *session.Record, active domain.Chat) {
	ajax := isAJAX(r)

	if err := s.parseChatForm(w, r); err != nil {
		s.respondError(w, r, sid, rec, err.Error())
		return
	}
	op := r.FormValue("form_type")
	userID := rec.UserID

	var res app.Result
	var err error
	repoint := false

	switch op {
	case "new_chat":
		res, err = s.app.NewChat(userID, active)
		repoint = err == nil
	case "switch_chat":
		res, err = s.app.SwitchChat(userID, r.FormValue("chat_id"))
		repoint = err == nil
	case "save_chat":
		res, err = s.app.SaveChat(userID, r.FormValue("chat_id"))
	case "delete_chat":
		res, err = s.app.DeleteChat(userID, r.FormValue("chat_id"), active.ID)
		repoint = err == nil
	case "upload":
		if !s.allowUserRate(w, s.uploadLimiter, userID, ajax, "too many uploads, slow down") {
			return
		}
		var filename string
		var data []byte
		filename, data, err = readUpload(r)
		if err == nil {
			res, err = s.app.Upload(r.Context(), userID, active, filename, data)
		}
	case "question":
		if !s.allowUserRate(w, s.questionLimiter, userID, ajax, "too many questions, slow down") {
			return
		}
		res, err = s.app.Question(r.Context(), userID, active, r.FormValue("question"))
	default:
		res, err = s.app.CurrentState(userID, active)
		op = "noop"
	}

	if err != nil {
		s.respondError(w, r, sid, rec, err.Error())
		return
	}
	if repoint && res.ActiveChatID != 0 {
		if err := s.bridge.SetActive(r.Context(), sid, rec, res.ActiveChatID); err != nil {
			s.respondError(w, r, sid, rec, "could not update session")
			return
		}
	}

	if ajax {
		util.SetNoStore(w)
		writeJSON(w, http.StatusOK, chatPayload(op, res))
		return
	}
	http.Redirect(w, r, "/chat", http.StatusSeeOther)
}

// respondError returns a structured rejection to asynchronous callers and a
// flash + redirect to everyone else. Raw error pages are never shown.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, sid string, rec *session.Record, msg string) {
	if isAJAX(r) {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": msg})
		return
	}
	rec.PushFlash(msg)
	if err := s.sessions.Save(r.Context(), sid, rec); err != nil {
		util.LoggerFromContext(r.Context()).Warn("flash save failed", "error", err)
	}
	http.Redirect(w, r, "/chat", http.StatusSeeOther)
}

// parseChatForm parses either a multipart upload or a plain form body,
// enforcing the upload size limit before reading.
func (s *Server) parseChatForm(w http.ResponseWriter, r *http.Request) error {
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
		if err := r.ParseMultipartForm(32 << 20); err != nil {
			return app.ErrUploadTooLarge
		}
		return nil
	}
	if err := r.ParseForm(); err != nil {
		return app.ErrBadForm
	}
	return nil
}

func readUpload(r *http.Request) (string, []byte, error) {
	file, header, err := r.FormFile("file")
	if err != nil {
		return "", nil, app.ErrNoFile
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return "", nil, app.ErrBadForm
	}
	return header.Filename, data, nil
}

// chatPayload maps an operation result to the exact JSON keys each
// operation promises. success is always present; other keys vary by op.
func chatPayload(op string, res app.Result) map[string]any {
	payload := map[string]any{"success": true}
	switch op {
	case "new_chat", "delete_chat", "noop":
		payload["active_chat_id"] = res.ActiveChatID
		payload["chats"] = summaries(res.Chats)
		payload["messages"] = messages(res.Messages)
	case "switch_chat":
		payload["active_chat_id"] = res.ActiveChatID
		payload["messages"] = messages(res.Messages)
	case "save_chat":
		payload["chats"] = summaries(res.Chats)
	case "upload":
		payload["active_chat_id"] = res.ActiveChatID
		payload["chats"] = summaries(res.Chats)
		payload["gpt_response"] = res.GPTResponse
		payload["chart"] = res.Chart
	case "question":
		payload["question_answer"] = res.QuestionAnswer
		payload["chart"] = res.Chart
	}
	return payload
}

// summaries and messages keep JSON arrays non-null even when empty.
func summaries(chats []domain.ChatSummary) []domain.ChatSummary {
	if chats == nil {
		return []domain.ChatSummary{}
	}
	return chats
}

func messages(msgs []domain.ChatMessage) []domain.ChatMessage {
	if msgs == nil {
		return []domain.ChatMessage{}
	}
	return msgs
}
