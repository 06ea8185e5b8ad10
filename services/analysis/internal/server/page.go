package server

import (
	"html/template"
	"net/http"

	"datalens/internal/util"
	"datalens/pkg/domain"
	"datalens/services/analysis/internal/session"
)

// chatPage is the server-rendered fallback for non-AJAX clients. Charts are
// inlined as data URIs; the security headers middleware allows data: images.
var chatPage = template.Must(template.New("chat").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>DataLens</title>
</head>
<body>
<h1>DataLens</h1>
{{range .Flash}}<p class="flash">{{.}}</p>{{end}}
<aside>
<ul>
{{range .Chats}}
<li{{if eq .ID $.ActiveChatID}} class="active"{{end}}>
<form method="post" action="/chat">
<input type="hidden" name="form_type" value="switch_chat">
<input type="hidden" name="chat_id" value="{{.ID}}">
<button type="submit">{{.Title}}{{if .Saved}} &#9733;{{end}}</button>
</form>
</li>
{{end}}
</ul>
<form method="post" action="/chat">
<input type="hidden" name="form_type" value="new_chat">
<button type="submit">New chat</button>
</form>
<form method="post" action="/chat">
<input type="hidden" name="form_type" value="save_chat">
<input type="hidden" name="chat_id" value="{{.ActiveChatID}}">
<button type="submit">Save chat</button>
</form>
<form method="post" action="/chat">
<input type="hidden" name="form_type" value="delete_chat">
<input type="hidden" name="chat_id" value="{{.ActiveChatID}}">
<button type="submit">Delete chat</button>
</form>
</aside>
<main>
{{range .Messages}}
<section class="message {{.Kind}}">
{{if eq .Kind "question"}}<p class="user">{{.Content}}</p><p class="answer">{{.Response}}</p>
{{else}}<p class="analysis">{{.Content}}</p>{{end}}
{{if .Chart}}<img alt="chart" src="data:image/png;base64,{{.Chart}}">{{end}}
</section>
{{end}}
<form method="post" action="/chat" enctype="multipart/form-data">
<input type="hidden" name="form_type" value="upload">
<input type="file" name="file" accept=".csv">
<button type="submit">Upload CSV</button>
</form>
<form method="post" action="/chat">
<input type="hidden" name="form_type" value="question">
<input type="text" name="question" placeholder="Ask about your data">
<button type="submit">Ask</button>
</form>
</main>
</body>
</html>
`))

type pageData struct {
	ActiveChatID uint
	Chats        []domain.ChatSummary
	Messages     []domain.ChatMessage
	Flash        []string
}

func (s *Server) renderChatPage(w http.ResponseWriter, r *http.Request, sid string, rec *session.Record, active domain.Chat) {
	res, err := s.app.CurrentState(rec.UserID, active)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("load chat state failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not load chats")
		return
	}
	flash := rec.TakeFlash()
	if len(flash) > 0 {
		if err := s.sessions.Save(r.Context(), sid, rec); err != nil {
			util.LoggerFromContext(r.Context()).Warn("flash clear failed", "error", err)
		}
	}
	util.SetNoStore(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := pageData{
		ActiveChatID: res.ActiveChatID,
		Chats:        res.Chats,
		Messages:     res.Messages,
		Flash:        flash,
	}
	if err := chatPage.Execute(w, data); err != nil {
		util.LoggerFromContext(r.Context()).Error("render chat page failed", "error", err)
	}
}
