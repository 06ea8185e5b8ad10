package store

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"datalens/pkg/domain"
)

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the database and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return NewGormStoreWithDB(db)
}

// NewGormStoreWithDB wraps an existing connection. Used by tests with an
// in-memory sqlite database.
func NewGormStoreWithDB(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&UserModel{}, &DatasetModel{}, &ChatModel{}, &ChatMessageModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// CreateUser registers a user and fills the generated id.
func (s *GormStore) CreateUser(u *domain.User) error {
	model := userToModel(*u)
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if err := s.db.Create(&model).Error; err != nil {
		return err
	}
	*u = userFromModel(model)
	return nil
}

// GetUserByEmail looks up a user by email.
func (s *GormStore) GetUserByEmail(email string) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.Where("email = ?", email).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// GetUserByID returns a user by ID.
func (s *GormStore) GetUserByID(id uint) (domain.User, bool, error) {
	var model UserModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.User{}, false, nil
		}
		return domain.User{}, false, err
	}
	return userFromModel(model), true, nil
}

// CreateDataset stores a dataset record and fills the generated id.
func (s *GormStore) CreateDataset(d *domain.Dataset) error {
	model := datasetToModel(*d)
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	if err := s.db.Create(&model).Error; err != nil {
		return err
	}
	*d = datasetFromModel(model)
	return nil
}

// GetDataset returns a dataset scoped to its owner.
func (s *GormStore) GetDataset(userID, id uint) (domain.Dataset, bool, error) {
	var model DatasetModel
	if err := s.db.Where("user_id = ? AND id = ?", userID, id).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Dataset{}, false, nil
		}
		return domain.Dataset{}, false, err
	}
	return datasetFromModel(model), true, nil
}

// FindDatasetByName returns the newest dataset with the given display name.
func (s *GormStore) FindDatasetByName(userID uint, name string) (domain.Dataset, bool, error) {
	var model DatasetModel
	err := s.db.Where("user_id = ? AND name = ?", userID, name).
		Order("created_at DESC").First(&model).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Dataset{}, false, nil
		}
		return domain.Dataset{}, false, err
	}
	return datasetFromModel(model), true, nil
}

// ListDatasets returns the user's datasets, newest first.
func (s *GormStore) ListDatasets(userID uint) ([]domain.Dataset, error) {
	var models []DatasetModel
	if err := s.db.Where("user_id = ?", userID).Order("created_at DESC, id DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Dataset, 0, len(models))
	for _, m := range models {
		out = append(out, datasetFromModel(m))
	}
	return out, nil
}

// CreateChat creates an unsaved chat with no messages.
func (s *GormStore) CreateChat(userID uint, title string) (domain.Chat, error) {
	now := time.Now().UTC()
	model := ChatModel{
		UserID:    userID,
		Title:     title,
		Saved:     false,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.Create(&model).Error; err != nil {
		return domain.Chat{}, err
	}
	return chatFromModel(model), nil
}

// ListChats returns chat summaries ordered by creation time ascending.
func (s *GormStore) ListChats(userID uint) ([]domain.ChatSummary, error) {
	var models []ChatModel
	if err := s.db.Where("user_id = ?", userID).Order("created_at ASC, id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.ChatSummary, 0, len(models))
	for _, m := range models {
		out = append(out, domain.ChatSummary{ID: m.ID, Title: m.Title, Saved: m.Saved})
	}
	return out, nil
}

// ChatCount returns the number of chats a user owns.
func (s *GormStore) ChatCount(userID uint) (int, error) {
	var count int64
	if err := s.db.Model(&ChatModel{}).Where("user_id = ?", userID).Count(&count).Error; err != nil {
		return 0, err
	}
	return int(count), nil
}

// GetChat is an ownership-scoped lookup. A foreign chat id behaves exactly
// like a nonexistent one.
func (s *GormStore) GetChat(userID, id uint) (domain.Chat, bool, error) {
	var model ChatModel
	if err := s.db.Where("user_id = ? AND id = ?", userID, id).First(&model).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Chat{}, false, nil
		}
		return domain.Chat{}, false, err
	}
	return chatFromModel(model), true, nil
}

// MostRecentChat returns the most recently updated chat of a user.
func (s *GormStore) MostRecentChat(userID uint) (domain.Chat, bool, error) {
	var model ChatModel
	err := s.db.Where("user_id = ?", userID).Order("updated_at DESC, id DESC").First(&model).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Chat{}, false, nil
		}
		return domain.Chat{}, false, err
	}
	return chatFromModel(model), true, nil
}

// SetSaved pins a chat. There is no unsave operation.
func (s *GormStore) SetSaved(chatID uint) error {
	return s.touchUpdate(chatID, map[string]any{"saved": true})
}

// SetTitle replaces the chat title.
func (s *GormStore) SetTitle(chatID uint, title string) error {
	return s.touchUpdate(chatID, map[string]any{"title": title})
}

// SetLastDataset associates the most recently used dataset with the chat.
func (s *GormStore) SetLastDataset(chatID, datasetID uint) error {
	return s.touchUpdate(chatID, map[string]any{"last_dataset_id": datasetID})
}

func (s *GormStore) touchUpdate(chatID uint, fields map[string]any) error {
	fields["updated_at"] = time.Now().UTC()
	res := s.db.Model(&ChatModel{}).Where("id = ?", chatID).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrChatNotFound
	}
	return nil
}

// DeleteChat removes a chat and its messages. If it was the user's only
// chat, a replacement is created inside the same transaction.
func (s *GormStore) DeleteChat(userID, id uint) (*domain.Chat, error) {
	var replacement *domain.Chat
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var model ChatModel
		if err := tx.Where("user_id = ? AND id = ?", userID, id).First(&model).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return ErrChatNotFound
			}
			return err
		}
		if err := tx.Delete(&ChatMessageModel{}, "chat_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&ChatModel{}, "id = ?", id).Error; err != nil {
			return err
		}
		var remaining int64
		if err := tx.Model(&ChatModel{}).Where("user_id = ?", userID).Count(&remaining).Error; err != nil {
			return err
		}
		if remaining == 0 {
			now := time.Now().UTC()
			fresh := ChatModel{
				UserID:    userID,
				Title:     "Chat 1",
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.Create(&fresh).Error; err != nil {
				return err
			}
			c := chatFromModel(fresh)
			replacement = &c
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return replacement, nil
}

// AppendMessage records a message and touches the chat's updated timestamp.
func (s *GormStore) AppendMessage(chatID uint, msg *domain.ChatMessage) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&ChatModel{}).Where("id = ?", chatID).
			Update("updated_at", time.Now().UTC())
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrChatNotFound
		}
		model := messageToModel(*msg)
		model.ChatID = chatID
		if model.CreatedAt.IsZero() {
			model.CreatedAt = time.Now().UTC()
		}
		if err := tx.Create(&model).Error; err != nil {
			return err
		}
		*msg = messageFromModel(model)
		return nil
	})
}

// ListMessages returns chat messages in creation order, oldest first.
func (s *GormStore) ListMessages(chatID uint) ([]domain.ChatMessage, error) {
	var models []ChatMessageModel
	if err := s.db.Where("chat_id = ?", chatID).Order("created_at ASC, id ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]domain.ChatMessage, 0, len(models))
	for _, m := range models {
		out = append(out, messageFromModel(m))
	}
	return out, nil
}
