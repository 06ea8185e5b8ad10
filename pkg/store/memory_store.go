package store

import (
	"sort"
	"sync"
	"time"

	"datalens/pkg/domain"
)

// MemoryStore is an in-memory Store used when no database is configured and
// in tests. All methods are safe for concurrent use.
type MemoryStore struct {
	mu sync.Mutex

	nextUserID    uint
	nextDatasetID uint
	nextChatID    uint
	nextMessageID uint

	users    map[uint]domain.User
	datasets map[uint]domain.Dataset
	chats    map[uint]domain.Chat
	messages map[uint][]domain.ChatMessage
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:    make(map[uint]domain.User),
		datasets: make(map[uint]domain.Dataset),
		chats:    make(map[uint]domain.Chat),
		messages: make(map[uint][]domain.ChatMessage),
	}
}

func (s *MemoryStore) CreateUser(u *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextUserID++
	u.ID = s.nextUserID
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	s.users[u.ID] = *u
	return nil
}

func (s *MemoryStore) GetUserByEmail(email string) (domain.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			return u, true, nil
		}
	}
	return domain.User{}, false, nil
}

func (s *MemoryStore) GetUserByID(id uint) (domain.User, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	return u, ok, nil
}

func (s *MemoryStore) CreateDataset(d *domain.Dataset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextDatasetID++
	d.ID = s.nextDatasetID
	if d.UploadedAt.IsZero() {
		d.UploadedAt = time.Now().UTC()
	}
	s.datasets[d.ID] = *d
	return nil
}

func (s *MemoryStore) GetDataset(userID, id uint) (domain.Dataset, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.datasets[id]
	if !ok || d.UserID != userID {
		return domain.Dataset{}, false, nil
	}
	return d, true, nil
}

func (s *MemoryStore) FindDatasetByName(userID uint, name string) (domain.Dataset, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best domain.Dataset
	found := false
	for _, d := range s.datasets {
		if d.UserID != userID || d.Name != name {
			continue
		}
		if !found || d.UploadedAt.After(best.UploadedAt) ||
			(d.UploadedAt.Equal(best.UploadedAt) && d.ID > best.ID) {
			best = d
			found = true
		}
	}
	return best, found, nil
}

func (s *MemoryStore) ListDatasets(userID uint) ([]domain.Dataset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Dataset
	for _, d := range s.datasets {
		if d.UserID == userID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UploadedAt.Equal(out[j].UploadedAt) {
			return out[i].UploadedAt.After(out[j].UploadedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) CreateChat(userID uint, title string) (domain.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createChatLocked(userID, title), nil
}

func (s *MemoryStore) createChatLocked(userID uint, title string) domain.Chat {
	s.nextChatID++
	now := time.Now().UTC()
	c := domain.Chat{
		ID:        s.nextChatID,
		UserID:    userID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.chats[c.ID] = c
	return c
}

func (s *MemoryStore) ListChats(userID uint) ([]domain.ChatSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var chats []domain.Chat
	for _, c := range s.chats {
		if c.UserID == userID {
			chats = append(chats, c)
		}
	}
	sort.Slice(chats, func(i, j int) bool { return chats[i].ID < chats[j].ID })
	out := make([]domain.ChatSummary, 0, len(chats))
	for _, c := range chats {
		out = append(out, domain.ChatSummary{ID: c.ID, Title: c.Title, Saved: c.Saved})
	}
	return out, nil
}

func (s *MemoryStore) ChatCount(userID uint) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, c := range s.chats {
		if c.UserID == userID {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) GetChat(userID, id uint) (domain.Chat, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[id]
	if !ok || c.UserID != userID {
		return domain.Chat{}, false, nil
	}
	return c, true, nil
}

func (s *MemoryStore) MostRecentChat(userID uint) (domain.Chat, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best domain.Chat
	found := false
	for _, c := range s.chats {
		if c.UserID != userID {
			continue
		}
		if !found || c.UpdatedAt.After(best.UpdatedAt) ||
			(c.UpdatedAt.Equal(best.UpdatedAt) && c.ID > best.ID) {
			best = c
			found = true
		}
	}
	return best, found, nil
}

func (s *MemoryStore) SetSaved(chatID uint) error {
	return s.updateChat(chatID, func(c *domain.Chat) { c.Saved = true })
}

func (s *MemoryStore) SetTitle(chatID uint, title string) error {
	return s.updateChat(chatID, func(c *domain.Chat) { c.Title = title })
}

func (s *MemoryStore) SetLastDataset(chatID, datasetID uint) error {
	return s.updateChat(chatID, func(c *domain.Chat) {
		id := datasetID
		c.LastDatasetID = &id
	})
}

func (s *MemoryStore) updateChat(chatID uint, fn func(*domain.Chat)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return ErrChatNotFound
	}
	fn(&c)
	c.UpdatedAt = time.Now().UTC()
	s.chats[chatID] = c
	return nil
}

func (s *MemoryStore) DeleteChat(userID, id uint) (*domain.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[id]
	if !ok || c.UserID != userID {
		return nil, ErrChatNotFound
	}
	delete(s.chats, id)
	delete(s.messages, id)
	for _, other := range s.chats {
		if other.UserID == userID {
			return nil, nil
		}
	}
	fresh := s.createChatLocked(userID, "Chat 1")
	return &fresh, nil
}

func (s *MemoryStore) AppendMessage(chatID uint, msg *domain.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return ErrChatNotFound
	}
	s.nextMessageID++
	msg.ID = s.nextMessageID
	msg.ChatID = chatID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	s.messages[chatID] = append(s.messages[chatID], *msg)
	c.UpdatedAt = time.Now().UTC()
	s.chats[chatID] = c
	return nil
}

func (s *MemoryStore) ListMessages(chatID uint) ([]domain.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[chatID]
	out := make([]domain.ChatMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}
