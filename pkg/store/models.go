package store

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"datalens/pkg/domain"
)

// GORM models used for persistence.
type UserModel struct {
	ID           uint      `gorm:"primaryKey"`
	Email        string    `gorm:"uniqueIndex;not null"`
	PasswordHash string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

type DatasetModel struct {
	ID         uint      `gorm:"primaryKey"`
	UserID     uint      `gorm:"not null;index"`
	Name       string    `gorm:"not null"`
	StorageKey string    `gorm:"not null"`
	SizeBytes  int64     `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null"`
}

type ChatModel struct {
	ID            uint   `gorm:"primaryKey"`
	UserID        uint   `gorm:"not null;index"`
	Title         string `gorm:"not null"`
	Saved         bool   `gorm:"not null"`
	LastDatasetID *uint
	CreatedAt     time.Time `gorm:"not null"`
	UpdatedAt     time.Time `gorm:"not null"`
}

type ChatMessageModel struct {
	ID        uint   `gorm:"primaryKey"`
	ChatID    uint   `gorm:"not null;index"`
	Kind      string `gorm:"not null"`
	Content   string `gorm:"not null;type:text"`
	Response  string `gorm:"type:text"`
	Chart     string `gorm:"type:text"`
	ChartSpec datatypes.JSON
	CreatedAt time.Time `gorm:"not null;index"`
}

func userToModel(u domain.User) UserModel {
	return UserModel{
		ID:           u.ID,
		Email:        u.Email,
		PasswordHash: u.PasswordHash,
		CreatedAt:    u.CreatedAt,
	}
}

func userFromModel(m UserModel) domain.User {
	return domain.User{
		ID:           m.ID,
		Email:        m.Email,
		PasswordHash: m.PasswordHash,
		CreatedAt:    m.CreatedAt,
	}
}

func datasetToModel(d domain.Dataset) DatasetModel {
	return DatasetModel{
		ID:         d.ID,
		UserID:     d.UserID,
		Name:       d.Name,
		StorageKey: d.StorageKey,
		SizeBytes:  d.SizeBytes,
		CreatedAt:  d.UploadedAt,
	}
}

func datasetFromModel(m DatasetModel) domain.Dataset {
	return domain.Dataset{
		ID:         m.ID,
		UserID:     m.UserID,
		Name:       m.Name,
		StorageKey: m.StorageKey,
		SizeBytes:  m.SizeBytes,
		UploadedAt: m.CreatedAt,
	}
}

func chatFromModel(m ChatModel) domain.Chat {
	return domain.Chat{
		ID:            m.ID,
		UserID:        m.UserID,
		Title:         m.Title,
		Saved:         m.Saved,
		LastDatasetID: m.LastDatasetID,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func messageToModel(msg domain.ChatMessage) ChatMessageModel {
	model := ChatMessageModel{
		ID:        msg.ID,
		ChatID:    msg.ChatID,
		Kind:      string(msg.Kind),
		Content:   msg.Content,
		Response:  msg.Response,
		Chart:     msg.Chart,
		CreatedAt: msg.CreatedAt,
	}
	if msg.ChartSpec != nil {
		if raw, err := json.Marshal(msg.ChartSpec); err == nil {
			model.ChartSpec = datatypes.JSON(raw)
		}
	}
	return model
}

func messageFromModel(m ChatMessageModel) domain.ChatMessage {
	msg := domain.ChatMessage{
		ID:        m.ID,
		ChatID:    m.ChatID,
		Kind:      domain.MessageKind(m.Kind),
		Content:   m.Content,
		Response:  m.Response,
		Chart:     m.Chart,
		CreatedAt: m.CreatedAt,
	}
	if len(m.ChartSpec) > 0 {
		var spec domain.ChartSpec
		if err := json.Unmarshal(m.ChartSpec, &spec); err == nil {
			msg.ChartSpec = &spec
		}
	}
	return msg
}
