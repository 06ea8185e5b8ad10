package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"datalens/internal/util"
	"datalens/pkg/ai"
	"datalens/pkg/auth"
	"datalens/pkg/chart"
	"datalens/pkg/dataset"
	"datalens/pkg/domain"
	"datalens/pkg/events"
	"datalens/pkg/storage"
	"datalens/pkg/store"
)

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL string
	Store       store.Store
	Blobs       storage.BlobStore
	Generator   ai.TextGenerator
	Events      events.Publisher
}

// App owns the six chat operations plus account handling. One request is one
// synchronous call; there is no intra-request concurrency, and concurrent
// mutations of the same chat are last-writer-wins at the storage layer.
type App struct {
	store   store.Store
	blobs   storage.BlobStore
	analyst *ai.Analyst
	events  events.Publisher
}

// Result is the structured payload of a chat operation. Only the fields the
// operation produces are populated; the server layer maps them to JSON keys
// or page state.
type Result struct {
	ActiveChatID   uint
	Chats          []domain.ChatSummary
	Messages       []domain.ChatMessage
	GPTResponse    string
	Chart          string
	QuestionAnswer string
}

// New constructs the application. When cfg.Store is nil, DatabaseURL selects
// postgres; an empty URL falls back to the in-memory store.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			dataStore = store.NewMemoryStore()
		} else {
			var err error
			dataStore, err = store.NewGormStore(cfg.DatabaseURL)
			if err != nil {
				return nil, fmt.Errorf("init postgres store: %w", err)
			}
		}
	}
	if cfg.Blobs == nil {
		return nil, fmt.Errorf("blob store required")
	}
	if cfg.Generator == nil {
		return nil, fmt.Errorf("text generator required")
	}
	return &App{
		store:   dataStore,
		blobs:   cfg.Blobs,
		analyst: ai.NewAnalyst(cfg.Generator),
		events:  cfg.Events,
	}, nil
}

// Store exposes the underlying store for session wiring.
func (a *App) Store() store.Store {
	return a.store
}

// Signup registers an account. Emails are lowercased and trimmed.
func (a *App) Signup(email, password string) (domain.User, error) {
	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return domain.User{}, fmt.Errorf("valid email required")
	}
	if len(password) < 8 {
		return domain.User{}, fmt.Errorf("password must be at least 8 characters")
	}
	if _, exists, err := a.store.GetUserByEmail(email); err != nil {
		return domain.User{}, err
	} else if exists {
		return domain.User{}, ErrEmailTaken
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, err
	}
	user := domain.User{Email: email, PasswordHash: hash}
	if err := a.store.CreateUser(&user); err != nil {
		return domain.User{}, err
	}
	return user, nil
}

// Login validates credentials.
func (a *App) Login(email, password string) (domain.User, error) {
	user, ok, err := a.store.GetUserByEmail(normalizeEmail(email))
	if err != nil {
		return domain.User{}, err
	}
	if !ok || !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, ErrInvalidCredentials
	}
	return user, nil
}

// CurrentState returns the chat list and active messages without mutating
// anything. Used for page renders and unrecognized operations.
func (a *App) CurrentState(userID uint, active domain.Chat) (Result, error) {
	chats, err := a.store.ListChats(userID)
	if err != nil {
		return Result{}, err
	}
	messages, err := a.store.ListMessages(active.ID)
	if err != nil {
		return Result{}, err
	}
	return Result{ActiveChatID: active.ID, Chats: chats, Messages: messages}, nil
}

// NewChat creates a chat and makes it active. Rejected while the active chat
// is still empty, so users cannot stack up blank chats.
func (a *App) NewChat(userID uint, active domain.Chat) (Result, error) {
	messages, err := a.store.ListMessages(active.ID)
	if err != nil {
		return Result{}, err
	}
	if len(messages) == 0 {
		return Result{}, ErrActiveChatEmpty
	}
	count, err := a.store.ChatCount(userID)
	if err != nil {
		return Result{}, err
	}
	chat, err := a.store.CreateChat(userID, fmt.Sprintf("Chat %d", count+1))
	if err != nil {
		return Result{}, err
	}
	chats, err := a.store.ListChats(userID)
	if err != nil {
		return Result{}, err
	}
	return Result{ActiveChatID: chat.ID, Chats: chats, Messages: []domain.ChatMessage{}}, nil
}

// SwitchChat repoints at an owned chat and returns its messages.
func (a *App) SwitchChat(userID uint, rawID string) (Result, error) {
	id, err := parseChatID(rawID)
	if err != nil {
		return Result{}, err
	}
	chat, ok, err := a.store.GetChat(userID, id)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, ErrChatNotFound
	}
	messages, err := a.store.ListMessages(chat.ID)
	if err != nil {
		return Result{}, err
	}
	return Result{ActiveChatID: chat.ID, Messages: messages}, nil
}

// SaveChat pins a chat. One-way; there is no unsave.
func (a *App) SaveChat(userID uint, rawID string) (Result, error) {
	id, err := parseChatID(rawID)
	if err != nil {
		return Result{}, err
	}
	if _, ok, err := a.store.GetChat(userID, id); err != nil {
		return Result{}, err
	} else if !ok {
		return Result{}, ErrChatNotFound
	}
	if err := a.store.SetSaved(id); err != nil {
		return Result{}, err
	}
	chats, err := a.store.ListChats(userID)
	if err != nil {
		return Result{}, err
	}
	return Result{Chats: chats}, nil
}

// DeleteChat removes a chat and returns the new active chat's state. The id
// is parsed before any mutation happens.
func (a *App) DeleteChat(userID uint, rawID string, activeID uint) (Result, error) {
	id, err := parseChatID(rawID)
	if err != nil {
		return Result{}, err
	}
	replacement, err := a.store.DeleteChat(userID, id)
	if err != nil {
		if err == store.ErrChatNotFound {
			return Result{}, ErrChatNotFound
		}
		return Result{}, err
	}

	var active domain.Chat
	switch {
	case replacement != nil:
		active = *replacement
	case id != activeID:
		chat, ok, err := a.store.GetChat(userID, activeID)
		if err != nil {
			return Result{}, err
		}
		if ok {
			active = chat
			break
		}
		fallthrough
	default:
		chat, ok, err := a.store.MostRecentChat(userID)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			// DeleteChat guarantees a replacement when the last chat goes,
			// so this only happens on a racing delete from another request.
			chat, err = a.store.CreateChat(userID, "Chat 1")
			if err != nil {
				return Result{}, err
			}
		}
		active = chat
	}

	chats, err := a.store.ListChats(userID)
	if err != nil {
		return Result{}, err
	}
	messages, err := a.store.ListMessages(active.ID)
	if err != nil {
		return Result{}, err
	}
	return Result{ActiveChatID: active.ID, Chats: chats, Messages: messages}, nil
}

// Upload validates a CSV, persists it, and runs the analysis pipeline. The
// analysis message is appended only after the narrative is obtained; title
// generation afterwards is best-effort and never fails the upload.
func (a *App) Upload(ctx context.Context, userID uint, active domain.Chat, filename string, data []byte) (Result, error) {
	table, err := dataset.Validate(filename, data)
	if err != nil {
		return Result{}, err
	}

	key := fmt.Sprintf("datasets/%d/%s.csv", userID, util.NewID())
	if err := a.blobs.Put(ctx, key, data, "text/csv"); err != nil {
		return Result{}, fmt.Errorf("store dataset: %w", err)
	}
	ds := domain.Dataset{
		UserID:     userID,
		Name:       baseName(filename),
		StorageKey: key,
		SizeBytes:  int64(len(data)),
	}
	if err := a.store.CreateDataset(&ds); err != nil {
		return Result{}, err
	}
	if err := a.store.SetLastDataset(active.ID, ds.ID); err != nil {
		return Result{}, err
	}

	narrative, err := a.analyst.GenerateAnalysis(ctx, table)
	if err != nil {
		return Result{}, err
	}

	var chartPNG string
	var spec *domain.ChartSpec
	if defaultSpec, ok := chart.DefaultSpec(table); ok {
		if png, err := chart.Render(defaultSpec, table); err == nil {
			chartPNG = png
			spec = &defaultSpec
		} else {
			util.LoggerFromContext(ctx).Warn("default chart render failed", "error", err)
		}
	}

	msg := domain.ChatMessage{
		Kind:      domain.KindAnalysis,
		Content:   narrative,
		Chart:     chartPNG,
		ChartSpec: spec,
	}
	if err := a.store.AppendMessage(active.ID, &msg); err != nil {
		return Result{}, err
	}

	title := a.analyst.GenerateTitle(ctx, table, ds.Name)
	if err := a.store.SetTitle(active.ID, title); err != nil {
		util.LoggerFromContext(ctx).Warn("chat title update failed", "chat_id", active.ID, "error", err)
	}

	a.publish(ctx, events.Event{
		Kind:      events.DatasetUploaded,
		UserID:    userID,
		ChatID:    active.ID,
		DatasetID: ds.ID,
		Detail:    ds.Name,
	})

	chats, err := a.store.ListChats(userID)
	if err != nil {
		return Result{}, err
	}
	return Result{
		ActiveChatID: active.ID,
		Chats:        chats,
		GPTResponse:  narrative,
		Chart:        chartPNG,
	}, nil
}

// Question answers a follow-up question against the chat's last dataset.
// Chart inference and rendering are best-effort; the answer is required.
func (a *App) Question(ctx context.Context, userID uint, active domain.Chat, question string) (Result, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return Result{}, ErrEmptyQuestion
	}
	if active.LastDatasetID == nil {
		return Result{}, ErrNoDataset
	}
	ds, ok, err := a.store.GetDataset(userID, *active.LastDatasetID)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, ErrNoDataset
	}
	data, err := a.blobs.Get(ctx, ds.StorageKey)
	if err != nil {
		return Result{}, fmt.Errorf("load dataset: %w", err)
	}
	table, err := dataset.Parse(data)
	if err != nil {
		return Result{}, fmt.Errorf("parse stored dataset: %w", err)
	}

	answer, err := a.analyst.AnswerQuestion(ctx, question, table)
	if err != nil {
		return Result{}, err
	}

	var chartPNG string
	var specPtr *domain.ChartSpec
	if spec, ok := a.analyst.InferChartSpec(ctx, question, table); ok {
		if png, err := chart.Render(spec, table); err == nil {
			chartPNG = png
			specPtr = &spec
		} else {
			util.LoggerFromContext(ctx).Warn("inferred chart render failed", "error", err)
		}
	}

	msg := domain.ChatMessage{
		Kind:      domain.KindQuestion,
		Content:   question,
		Response:  answer,
		Chart:     chartPNG,
		ChartSpec: specPtr,
	}
	if err := a.store.AppendMessage(active.ID, &msg); err != nil {
		return Result{}, err
	}

	a.publish(ctx, events.Event{
		Kind:   events.QuestionAsked,
		UserID: userID,
		ChatID: active.ID,
		Detail: question,
	})

	return Result{
		ActiveChatID:   active.ID,
		QuestionAnswer: answer,
		Chart:          chartPNG,
	}, nil
}

// ListDatasets returns the caller's uploads, newest first.
func (a *App) ListDatasets(userID uint) ([]domain.Dataset, error) {
	return a.store.ListDatasets(userID)
}

func (a *App) publish(ctx context.Context, evt events.Event) {
	if a.events == nil {
		return
	}
	if err := a.events.Publish(ctx, evt); err != nil {
		util.LoggerFromContext(ctx).Warn("event publish failed", "kind", evt.Kind, "error", err)
	}
}

func parseChatID(raw string) (uint, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, ErrBadChatID
	}
	return uint(id), nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func baseName(filename string) string {
	filename = strings.ReplaceAll(filename, "\\", "/")
	if idx := strings.LastIndexByte(filename, '/'); idx >= 0 {
		filename = filename[idx+1:]
	}
	return filename
}
