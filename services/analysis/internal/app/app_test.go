package app

import (
	"context"
	"errors"
	"strings"
	"testing"

	"datalens/pkg/domain"
	"datalens/pkg/storage"
	"datalens/pkg/store"
)

type scriptedGenerator struct {
	replies map[string]string
	err     error
}

func (g *scriptedGenerator) GenerateText(_ context.Context, _, userPrompt string) (string, error) {
	if g.err != nil {
		return "", g.err
	}
	for marker, reply := range g.replies {
		if strings.Contains(userPrompt, marker) {
			return reply, nil
		}
	}
	return "generated text", nil
}

const salesCSV = "region,amount,units\nnorth,10,1\nsouth,20,2\neast,30,3\nwest,40,4\ncentral,50,5\n"

func newTestApp(t *testing.T, gen *scriptedGenerator) (*App, store.Store) {
	t.Helper()
	blobs, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	if gen == nil {
		gen = &scriptedGenerator{}
	}
	st := store.NewMemoryStore()
	a, err := New(Config{Store: st, Blobs: blobs, Generator: gen})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a, st
}

func seedUserAndChat(t *testing.T, st store.Store) (domain.User, domain.Chat) {
	t.Helper()
	user := domain.User{Email: "alice@example.com", PasswordHash: "x"}
	if err := st.CreateUser(&user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	chat, err := st.CreateChat(user.ID, "Chat 1")
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	return user, chat
}

func TestSignupAndLogin(t *testing.T) {
	a, _ := newTestApp(t, nil)

	user, err := a.Signup("  Alice@Example.COM ", "hunter2secret")
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if user.Email != "alice@example.com" {
		t.Fatalf("email not normalized: %q", user.Email)
	}

	if _, err := a.Signup("alice@example.com", "hunter2secret"); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("duplicate signup: %v", err)
	}
	if _, err := a.Signup("alice@example.com", "short"); err == nil {
		t.Fatalf("weak password accepted")
	}

	if _, err := a.Login("alice@example.com", "hunter2secret"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := a.Login("alice@example.com", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("bad password: %v", err)
	}
	if _, err := a.Login("nobody@example.com", "hunter2secret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("unknown email: %v", err)
	}
}

func TestUploadAppendsAnalysisMessage(t *testing.T) {
	gen := &scriptedGenerator{replies: map[string]string{
		"Analyze the following dataset": "The data shows increasing amounts.",
		"Suggest a short descriptive":   "Regional Sales",
	}}
	a, st := newTestApp(t, gen)
	user, chat := seedUserAndChat(t, st)

	res, err := a.Upload(context.Background(), user.ID, chat, "sales.csv", []byte(salesCSV))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if res.GPTResponse != "The data shows increasing amounts." {
		t.Fatalf("unexpected narrative: %q", res.GPTResponse)
	}
	if res.Chart == "" {
		t.Fatalf("expected default chart for numeric dataset")
	}

	msgs, _ := st.ListMessages(chat.ID)
	if len(msgs) != 1 || msgs[0].Kind != domain.KindAnalysis || msgs[0].Content == "" {
		t.Fatalf("analysis message not appended: %+v", msgs)
	}
	if msgs[0].Chart == "" {
		t.Fatalf("analysis message missing chart payload")
	}

	got, _, _ := st.GetChat(user.ID, chat.ID)
	if got.Title != "Regional Sales" {
		t.Fatalf("title not updated: %q", got.Title)
	}
	if got.LastDatasetID == nil {
		t.Fatalf("last dataset not associated")
	}
}

func TestUploadTitleFailureFallsBackToFilename(t *testing.T) {
	// Title prompt fails, analysis succeeds: upload must still succeed with
	// the filename-derived title.
	gen := &scriptedGenerator{replies: map[string]string{
		"Analyze the following dataset": "analysis",
		"Suggest a short descriptive":   "",
	}}
	a, st := newTestApp(t, gen)
	user, chat := seedUserAndChat(t, st)

	if _, err := a.Upload(context.Background(), user.ID, chat, "sales.csv", []byte(salesCSV)); err != nil {
		t.Fatalf("upload: %v", err)
	}
	got, _, _ := st.GetChat(user.ID, chat.ID)
	if got.Title != "sales.csv" {
		t.Fatalf("expected filename fallback title, got %q", got.Title)
	}
}

func TestUploadRejectionLeavesNoMessage(t *testing.T) {
	a, st := newTestApp(t, nil)
	user, chat := seedUserAndChat(t, st)

	if _, err := a.Upload(context.Background(), user.ID, chat, "sales.txt", []byte(salesCSV)); err == nil {
		t.Fatalf("expected extension rejection")
	}
	if msgs, _ := st.ListMessages(chat.ID); len(msgs) != 0 {
		t.Fatalf("rejected upload must not append messages: %+v", msgs)
	}
}

func TestUploadAnalysisFailureLeavesNoMessage(t *testing.T) {
	a, st := newTestApp(t, &scriptedGenerator{err: errors.New("model down")})
	user, chat := seedUserAndChat(t, st)

	if _, err := a.Upload(context.Background(), user.ID, chat, "sales.csv", []byte(salesCSV)); err == nil {
		t.Fatalf("expected analysis failure to abort upload")
	}
	if msgs, _ := st.ListMessages(chat.ID); len(msgs) != 0 {
		t.Fatalf("failed upload must not append messages: %+v", msgs)
	}
}

func TestQuestionWithoutDatasetIsRejected(t *testing.T) {
	a, st := newTestApp(t, nil)
	user, chat := seedUserAndChat(t, st)

	_, err := a.Question(context.Background(), user.ID, chat, "what is the total?")
	if !errors.Is(err, ErrNoDataset) {
		t.Fatalf("expected ErrNoDataset, got %v", err)
	}
	if err.Error() != "No dataset uploaded to answer the question." {
		t.Fatalf("rejection text must match: %q", err.Error())
	}
	if msgs, _ := st.ListMessages(chat.ID); len(msgs) != 0 {
		t.Fatalf("rejected question must not append messages")
	}
}

func TestQuestionAnswersFromStoredDataset(t *testing.T) {
	gen := &scriptedGenerator{replies: map[string]string{
		"Analyze the following dataset":  "analysis",
		"answering a question":           "The total amount is 150.",
		"If a chart would illustrate":    `{"type": "bar", "x": "region", "y": "amount", "agg": "sum"}`,
		"Suggest a short descriptive":    "Sales",
	}}
	a, st := newTestApp(t, gen)
	user, chat := seedUserAndChat(t, st)

	if _, err := a.Upload(context.Background(), user.ID, chat, "sales.csv", []byte(salesCSV)); err != nil {
		t.Fatalf("upload: %v", err)
	}
	chat, _, _ = st.GetChat(user.ID, chat.ID)

	res, err := a.Question(context.Background(), user.ID, chat, "what is the total amount?")
	if err != nil {
		t.Fatalf("question: %v", err)
	}
	if res.QuestionAnswer != "The total amount is 150." {
		t.Fatalf("unexpected answer: %q", res.QuestionAnswer)
	}
	if res.Chart == "" {
		t.Fatalf("expected inferred bar chart")
	}

	msgs, _ := st.ListMessages(chat.ID)
	if len(msgs) != 2 {
		t.Fatalf("expected analysis + question messages, got %d", len(msgs))
	}
	q := msgs[1]
	if q.Kind != domain.KindQuestion || q.Content != "what is the total amount?" || q.Response != res.QuestionAnswer {
		t.Fatalf("question message fields wrong: %+v", q)
	}
}

func TestNewChatRequiresNonEmptyActive(t *testing.T) {
	a, st := newTestApp(t, nil)
	user, chat := seedUserAndChat(t, st)

	if _, err := a.NewChat(user.ID, chat); !errors.Is(err, ErrActiveChatEmpty) {
		t.Fatalf("expected ErrActiveChatEmpty, got %v", err)
	}
	if count, _ := st.ChatCount(user.ID); count != 1 {
		t.Fatalf("rejection must not create chats: %d", count)
	}

	if err := st.AppendMessage(chat.ID, &domain.ChatMessage{Kind: domain.KindQuestion, Content: "q"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	res, err := a.NewChat(user.ID, chat)
	if err != nil {
		t.Fatalf("new chat: %v", err)
	}
	if len(res.Chats) != 2 || len(res.Messages) != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.ActiveChatID == chat.ID {
		t.Fatalf("active pointer must move to the new chat")
	}
}

func TestSwitchAndSaveChat(t *testing.T) {
	a, st := newTestApp(t, nil)
	user, chat := seedUserAndChat(t, st)
	other, _ := st.CreateChat(user.ID, "Chat 2")

	res, err := a.SwitchChat(user.ID, "   2 ")
	if err != nil || res.ActiveChatID != other.ID {
		t.Fatalf("switch: %+v err=%v", res, err)
	}
	if _, err := a.SwitchChat(user.ID, "999"); !errors.Is(err, ErrChatNotFound) {
		t.Fatalf("unknown id: %v", err)
	}
	if _, err := a.SwitchChat(user.ID, "abc"); !errors.Is(err, ErrBadChatID) {
		t.Fatalf("bad id: %v", err)
	}

	if _, err := a.SaveChat(user.ID, "1"); err != nil {
		t.Fatalf("save: %v", err)
	}
	saved, _, _ := st.GetChat(user.ID, chat.ID)
	if !saved.Saved {
		t.Fatalf("chat not saved")
	}
	if _, err := a.SaveChat(user.ID, "999"); !errors.Is(err, ErrChatNotFound) {
		t.Fatalf("save unknown id: %v", err)
	}
}

func TestDeleteChatRejectsBadIDBeforeMutation(t *testing.T) {
	a, st := newTestApp(t, nil)
	user, chat := seedUserAndChat(t, st)

	if _, err := a.DeleteChat(user.ID, "not-a-number", chat.ID); !errors.Is(err, ErrBadChatID) {
		t.Fatalf("expected ErrBadChatID, got %v", err)
	}
	if count, _ := st.ChatCount(user.ID); count != 1 {
		t.Fatalf("bad id must not mutate: %d chats", count)
	}
}

func TestDeleteLastChatYieldsReplacement(t *testing.T) {
	a, st := newTestApp(t, nil)
	user, chat := seedUserAndChat(t, st)

	res, err := a.DeleteChat(user.ID, "1", chat.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(res.Chats) != 1 || res.Chats[0].Title != "Chat 1" || res.Chats[0].Saved {
		t.Fatalf("expected one fresh unsaved chat, got %+v", res.Chats)
	}
	if res.ActiveChatID == chat.ID {
		t.Fatalf("active id must point at the replacement")
	}
	if len(res.Messages) != 0 {
		t.Fatalf("replacement chat must be empty")
	}
}

func TestDeleteInactiveChatKeepsActivePointer(t *testing.T) {
	a, st := newTestApp(t, nil)
	user, chat := seedUserAndChat(t, st)
	other, _ := st.CreateChat(user.ID, "Chat 2")

	res, err := a.DeleteChat(user.ID, "2", chat.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res.ActiveChatID != chat.ID {
		t.Fatalf("active pointer must stay on %d, got %d", chat.ID, res.ActiveChatID)
	}
	if _, ok, _ := st.GetChat(user.ID, other.ID); ok {
		t.Fatalf("chat not deleted")
	}
}
