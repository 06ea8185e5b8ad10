package domain

import "time"

// MessageKind discriminates the two kinds of chat turns.
type MessageKind string

const (
	// KindAnalysis is a system-generated narrative produced from a freshly
	// uploaded dataset.
	KindAnalysis MessageKind = "analysis"
	// KindQuestion is a user question together with its answer.
	KindQuestion MessageKind = "question"
)

// User is an authenticated account that owns chats and datasets.
type User struct {
	ID           uint      `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Dataset is one uploaded CSV file. Records are immutable after creation.
type Dataset struct {
	ID         uint      `json:"id"`
	UserID     uint      `json:"-"`
	Name       string    `json:"name"`
	StorageKey string    `json:"-"`
	SizeBytes  int64     `json:"sizeBytes"`
	UploadedAt time.Time `json:"uploadedAt"`
}

// Chat is one analysis conversation.
type Chat struct {
	ID            uint      `json:"id"`
	UserID        uint      `json:"-"`
	Title         string    `json:"title"`
	Saved         bool      `json:"saved"`
	LastDatasetID *uint     `json:"lastDatasetId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// ChatSummary is the listing view of a chat. Message bodies are excluded.
type ChatSummary struct {
	ID    uint   `json:"id"`
	Title string `json:"title"`
	Saved bool   `json:"saved"`
}

// ChatMessage is one turn in a chat. Messages are never mutated after
// creation and are owned exclusively by their parent chat.
type ChatMessage struct {
	ID        uint        `json:"id"`
	ChatID    uint        `json:"-"`
	Kind      MessageKind `json:"type"`
	Content   string      `json:"content"`
	Response  string      `json:"response,omitempty"`
	Chart     string      `json:"chart,omitempty"`
	ChartSpec *ChartSpec  `json:"chartSpec,omitempty"`
	CreatedAt time.Time   `json:"createdAt"`
}

// ChartSpec describes a chart the renderer knows how to draw.
// X/Y/Hue refer to dataset column names; Agg applies to bar charts only.
type ChartSpec struct {
	Type  string `json:"type"`
	X     string `json:"x,omitempty"`
	Y     string `json:"y,omitempty"`
	Agg   string `json:"agg,omitempty"`
	Bins  int    `json:"bins,omitempty"`
	Title string `json:"title,omitempty"`
	Hue   string `json:"hue,omitempty"`
}
