package store

import (
	"errors"

	"datalens/pkg/domain"
)

// ErrChatNotFound is returned for unknown chat ids. A chat belonging to
// another user is reported identically so ids do not leak across accounts.
var ErrChatNotFound = errors.New("chat not found")

// Store defines persistence operations for users, datasets, and chats.
type Store interface {
	// users
	CreateUser(u *domain.User) error
	GetUserByEmail(email string) (domain.User, bool, error)
	GetUserByID(id uint) (domain.User, bool, error)

	// datasets
	CreateDataset(d *domain.Dataset) error
	GetDataset(userID, id uint) (domain.Dataset, bool, error)
	FindDatasetByName(userID uint, name string) (domain.Dataset, bool, error)
	ListDatasets(userID uint) ([]domain.Dataset, error)

	// chats
	CreateChat(userID uint, title string) (domain.Chat, error)
	ListChats(userID uint) ([]domain.ChatSummary, error)
	ChatCount(userID uint) (int, error)
	GetChat(userID, id uint) (domain.Chat, bool, error)
	MostRecentChat(userID uint) (domain.Chat, bool, error)
	SetSaved(chatID uint) error
	SetTitle(chatID uint, title string) error
	SetLastDataset(chatID, datasetID uint) error

	// DeleteChat cascades message deletion. When the deleted chat was the
	// user's only one, a replacement is created before returning so the
	// user is never left with zero chats; the replacement is returned.
	DeleteChat(userID, id uint) (*domain.Chat, error)

	// messages
	AppendMessage(chatID uint, msg *domain.ChatMessage) error
	ListMessages(chatID uint) ([]domain.ChatMessage, error)
}
