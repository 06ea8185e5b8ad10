package session

// Record is the JSON session document stored in redis, keyed by the cookie
// token. LegacyChats and LegacyActiveIndex are the old in-session chat
// format; they only exist on sessions created before chats moved to the
// database and are consumed once by the migration in Bridge.Resolve.
type Record struct {
	UserID       uint     `json:"user_id"`
	ActiveChatID uint     `json:"active_chat_id,omitempty"`
	Flash        []string `json:"flash,omitempty"`

	LegacyChats       []LegacyChat `json:"chats,omitempty"`
	LegacyActiveIndex *int         `json:"current_chat_index,omitempty"`
}

// LegacyChat is the fixed schema of a session-embedded chat. It is consumed
// only by migration and referenced nowhere else.
type LegacyChat struct {
	Title       string          `json:"title"`
	Saved       bool            `json:"saved"`
	DatasetName string          `json:"dataset_name,omitempty"`
	Messages    []LegacyMessage `json:"messages"`
}

// LegacyMessage mirrors the old per-message dict.
type LegacyMessage struct {
	Kind     string `json:"type"`
	Content  string `json:"content"`
	Response string `json:"response,omitempty"`
	Chart    string `json:"chart,omitempty"`
}

// PushFlash queues a one-shot message for the next page render.
func (r *Record) PushFlash(msg string) {
	if msg == "" {
		return
	}
	r.Flash = append(r.Flash, msg)
}

// TakeFlash returns queued messages and clears them.
func (r *Record) TakeFlash() []string {
	out := r.Flash
	r.Flash = nil
	return out
}
