package session

import (
	"context"
	"fmt"
	"log/slog"

	"datalens/internal/util"
	"datalens/pkg/domain"
	"datalens/pkg/store"
)

// Bridge resolves a session's active-chat pointer to a concrete chat record.
// All chat content lives in the store; the session holds only the pointer
// (plus, on old sessions, the legacy embedded chat list consumed here).
type Bridge struct {
	sessions *Store
	chats    store.Store
}

// NewBridge wires the session store to the chat store.
func NewBridge(sessions *Store, chats store.Store) *Bridge {
	return &Bridge{sessions: sessions, chats: chats}
}

// Resolve returns the chat the session points at, fixing up the pointer as
// needed: legacy data is migrated first, a missing pointer is initialized to
// the most recently updated chat (creating "Chat 1" when the user has none),
// and a stale or foreign pointer is silently re-pointed. The record is
// persisted whenever the pointer changed.
func (b *Bridge) Resolve(ctx context.Context, token string, rec *Record) (domain.Chat, error) {
	log := util.LoggerFromContext(ctx)

	if len(rec.LegacyChats) > 0 {
		if err := b.migrateLegacy(ctx, token, rec, log); err != nil {
			return domain.Chat{}, fmt.Errorf("migrate legacy chats: %w", err)
		}
	} else if rec.LegacyActiveIndex != nil {
		rec.LegacyActiveIndex = nil
		if err := b.sessions.Save(ctx, token, rec); err != nil {
			return domain.Chat{}, err
		}
	}

	if rec.ActiveChatID != 0 {
		chat, ok, err := b.chats.GetChat(rec.UserID, rec.ActiveChatID)
		if err != nil {
			return domain.Chat{}, err
		}
		if ok {
			return chat, nil
		}
		log.Warn("active chat pointer is stale", "chat_id", rec.ActiveChatID)
	}

	chat, ok, err := b.chats.MostRecentChat(rec.UserID)
	if err != nil {
		return domain.Chat{}, err
	}
	if !ok {
		chat, err = b.chats.CreateChat(rec.UserID, "Chat 1")
		if err != nil {
			return domain.Chat{}, err
		}
	}
	rec.ActiveChatID = chat.ID
	if err := b.sessions.Save(ctx, token, rec); err != nil {
		return domain.Chat{}, err
	}
	return chat, nil
}

// SetActive repoints the session at a chat and persists the record.
func (b *Bridge) SetActive(ctx context.Context, token string, rec *Record, chatID uint) error {
	rec.ActiveChatID = chatID
	return b.sessions.Save(ctx, token, rec)
}

// migrateLegacy converts session-embedded chats to store records, one chat
// at a time. Each chat is all-or-nothing: a failure rolls back that chat and
// leaves the remaining legacy entries in the session for a later retry. The
// record is persisted after every migrated chat, so a crash mid-way never
// duplicates chats on the next request.
func (b *Bridge) migrateLegacy(ctx context.Context, token string, rec *Record, log *slog.Logger) error {
	migrated := 0
	for len(rec.LegacyChats) > 0 {
		legacy := rec.LegacyChats[0]
		chat, err := b.migrateChat(ctx, rec.UserID, legacy)
		if err != nil {
			return err
		}
		if rec.LegacyActiveIndex != nil {
			if *rec.LegacyActiveIndex == 0 {
				rec.ActiveChatID = chat.ID
				rec.LegacyActiveIndex = nil
			} else {
				*rec.LegacyActiveIndex--
			}
		}
		rec.LegacyChats = rec.LegacyChats[1:]
		if len(rec.LegacyChats) == 0 {
			rec.LegacyActiveIndex = nil
		}
		if err := b.sessions.Save(ctx, token, rec); err != nil {
			return err
		}
		migrated++
	}
	log.Info("migrated legacy session chats", "count", migrated, "user_id", rec.UserID)
	return nil
}

func (b *Bridge) migrateChat(ctx context.Context, userID uint, legacy LegacyChat) (domain.Chat, error) {
	title := legacy.Title
	if title == "" {
		title = "Untitled Chat"
	}
	chat, err := b.chats.CreateChat(userID, title)
	if err != nil {
		return domain.Chat{}, err
	}
	rollback := func() {
		if _, derr := b.chats.DeleteChat(userID, chat.ID); derr != nil {
			util.LoggerFromContext(ctx).Error("rollback of partial chat migration failed",
				"chat_id", chat.ID, "error", derr)
		}
	}

	if legacy.Saved {
		if err := b.chats.SetSaved(chat.ID); err != nil {
			rollback()
			return domain.Chat{}, err
		}
	}
	if legacy.DatasetName != "" {
		ds, ok, err := b.chats.FindDatasetByName(userID, legacy.DatasetName)
		if err != nil {
			rollback()
			return domain.Chat{}, err
		}
		if ok {
			if err := b.chats.SetLastDataset(chat.ID, ds.ID); err != nil {
				rollback()
				return domain.Chat{}, err
			}
		}
	}
	for _, lm := range legacy.Messages {
		kind := domain.MessageKind(lm.Kind)
		if kind != domain.KindAnalysis && kind != domain.KindQuestion {
			kind = domain.KindQuestion
		}
		msg := domain.ChatMessage{
			Kind:     kind,
			Content:  lm.Content,
			Response: lm.Response,
			Chart:    lm.Chart,
		}
		if err := b.chats.AppendMessage(chat.ID, &msg); err != nil {
			rollback()
			return domain.Chat{}, err
		}
	}
	return chat, nil
}
