package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"datalens/pkg/storage"
	"datalens/pkg/store"
	"datalens/services/analysis/internal/app"
	"datalens/services/analysis/internal/session"
)

type cannedGenerator struct{}

func (cannedGenerator) GenerateText(_ context.Context, _, userPrompt string) (string, error) {
	switch {
	case strings.Contains(userPrompt, "Analyze the following dataset"):
		return "canned analysis", nil
	case strings.Contains(userPrompt, "answering a question"):
		return "canned answer", nil
	case strings.Contains(userPrompt, "Suggest a short descriptive"):
		return "Canned Title", nil
	default:
		return "none", nil
	}
}

type fixture struct {
	server *Server
	store  store.Store
}

func newServerFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	blobs, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	st := store.NewMemoryStore()
	application, err := app.New(app.Config{Store: st, Blobs: blobs, Generator: cannedGenerator{}})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	sessions := session.NewStore(client, time.Hour)
	tokens, err := session.NewTokenCodec("test-secret", time.Hour)
	if err != nil {
		t.Fatalf("token codec: %v", err)
	}
	srv, err := New(Config{
		App:       application,
		Sessions:  sessions,
		Bridge:    session.NewBridge(sessions, st),
		Tokens:    tokens,
		RedisAddr: mr.Addr(),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	return &fixture{server: srv, store: st}
}

func (f *fixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rr, req)
	return rr
}

func (f *fixture) signup(t *testing.T, email string) *http.Cookie {
	t.Helper()
	body := `{"email":"` + email + `","password":"hunter2secret"}`
	req := httptest.NewRequest(http.MethodPost, "/api/auth/signup", strings.NewReader(body))
	rr := f.do(t, req)
	if rr.Code != http.StatusCreated {
		t.Fatalf("signup status %d: %s", rr.Code, rr.Body.String())
	}
	for _, c := range rr.Result().Cookies() {
		if c.Name == sessionCookie {
			return c
		}
	}
	t.Fatalf("signup did not set session cookie")
	return nil
}

func (f *fixture) postChat(t *testing.T, cookie *http.Cookie, form url.Values, ajax bool) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/chat", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if ajax {
		req.Header.Set("X-Requested-With", "XMLHttpRequest")
	}
	req.AddCookie(cookie)
	return f.do(t, req)
}

func decodePayload(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode payload: %v (%s)", err, rr.Body.String())
	}
	return payload
}

func TestHealthz(t *testing.T) {
	f := newServerFixture(t)
	rr := f.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz status %d", rr.Code)
	}
}

func TestChatRequiresAuth(t *testing.T) {
	f := newServerFixture(t)
	rr := f.do(t, httptest.NewRequest(http.MethodGet, "/chat", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestSignupLoginAndBearerToken(t *testing.T) {
	f := newServerFixture(t)
	f.signup(t, "alice@example.com")

	// Login returns a JWT usable as a Bearer token.
	body := `{"email":"alice@example.com","password":"hunter2secret"}`
	rr := f.do(t, httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(body)))
	if rr.Code != http.StatusOK {
		t.Fatalf("login status %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil || resp.Token == "" {
		t.Fatalf("login token missing: %v %s", err, rr.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/chat", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Token)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if rr := f.do(t, req); rr.Code != http.StatusOK {
		t.Fatalf("bearer chat access failed: %d", rr.Code)
	}

	// Wrong password is rejected without detail.
	bad := `{"email":"alice@example.com","password":"wrong-password"}`
	if rr := f.do(t, httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(bad))); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad password, got %d", rr.Code)
	}
}

func TestChatPageRendersForNewUser(t *testing.T) {
	f := newServerFixture(t)
	cookie := f.signup(t, "alice@example.com")

	req := httptest.NewRequest(http.MethodGet, "/chat", nil)
	req.AddCookie(cookie)
	rr := f.do(t, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("chat page status %d", rr.Code)
	}
	if got := rr.Header().Get("Cache-Control"); !strings.Contains(got, "no-store") {
		t.Fatalf("authenticated page must be no-store, got %q", got)
	}
	// First access creates "Chat 1".
	if !strings.Contains(rr.Body.String(), "Chat 1") {
		t.Fatalf("page missing initial chat: %s", rr.Body.String())
	}
}

func TestDispatchUnknownOpIsNoop(t *testing.T) {
	f := newServerFixture(t)
	cookie := f.signup(t, "alice@example.com")

	rr := f.postChat(t, cookie, url.Values{"form_type": {"frobnicate"}}, true)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	payload := decodePayload(t, rr)
	if payload["success"] != true {
		t.Fatalf("noop must succeed: %v", payload)
	}
	if _, ok := payload["chats"]; !ok {
		t.Fatalf("noop must render current state: %v", payload)
	}
}

func TestDispatchNewChatRejectedWhenEmpty(t *testing.T) {
	f := newServerFixture(t)
	cookie := f.signup(t, "alice@example.com")

	rr := f.postChat(t, cookie, url.Values{"form_type": {"new_chat"}}, true)
	payload := decodePayload(t, rr)
	if payload["success"] != false || payload["error"] == "" {
		t.Fatalf("expected rejection payload: %v", payload)
	}
}

func TestDispatchPageModeErrorFlashesAndRedirects(t *testing.T) {
	f := newServerFixture(t)
	cookie := f.signup(t, "alice@example.com")

	rr := f.postChat(t, cookie, url.Values{"form_type": {"new_chat"}}, false)
	if rr.Code != http.StatusSeeOther {
		t.Fatalf("expected 303 redirect, got %d", rr.Code)
	}
	if loc := rr.Header().Get("Location"); loc != "/chat" {
		t.Fatalf("redirect location %q", loc)
	}

	// The flash shows up on the next page render, then clears.
	req := httptest.NewRequest(http.MethodGet, "/chat", nil)
	req.AddCookie(cookie)
	page := f.do(t, req)
	if !strings.Contains(page.Body.String(), "current chat is empty") {
		t.Fatalf("flash missing from page: %s", page.Body.String())
	}
	req2 := httptest.NewRequest(http.MethodGet, "/chat", nil)
	req2.AddCookie(cookie)
	if again := f.do(t, req2); strings.Contains(again.Body.String(), "current chat is empty") {
		t.Fatalf("flash must be one-shot")
	}
}

func uploadRequest(t *testing.T, cookie *http.Cookie, filename, contents string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("form_type", "upload"); err != nil {
		t.Fatalf("write field: %v", err)
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := fw.Write([]byte(contents)); err != nil {
		t.Fatalf("write file: %v", err)
	}
	mw.Close()
	req := httptest.NewRequest(http.MethodPost, "/chat", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.AddCookie(cookie)
	return req
}

func TestDispatchUploadThenQuestion(t *testing.T) {
	f := newServerFixture(t)
	cookie := f.signup(t, "alice@example.com")

	csv := "region,amount\nnorth,10\nsouth,20\neast,30\n"
	rr := f.do(t, uploadRequest(t, cookie, "sales.csv", csv))
	payload := decodePayload(t, rr)
	if payload["success"] != true {
		t.Fatalf("upload rejected: %v", payload)
	}
	if payload["gpt_response"] != "canned analysis" {
		t.Fatalf("missing gpt_response: %v", payload)
	}
	if payload["chart"] == "" {
		t.Fatalf("missing chart payload")
	}

	rr = f.postChat(t, cookie, url.Values{
		"form_type": {"question"},
		"question":  {"what is the total?"},
	}, true)
	payload = decodePayload(t, rr)
	if payload["success"] != true || payload["question_answer"] != "canned answer" {
		t.Fatalf("question payload wrong: %v", payload)
	}
}

func TestDispatchUploadRejectsBadExtension(t *testing.T) {
	f := newServerFixture(t)
	cookie := f.signup(t, "alice@example.com")

	rr := f.do(t, uploadRequest(t, cookie, "sales.txt", "a,b\n1,2\n"))
	payload := decodePayload(t, rr)
	if payload["success"] != false {
		t.Fatalf("expected rejection: %v", payload)
	}
	if !strings.Contains(payload["error"].(string), ".csv") {
		t.Fatalf("rejection must cite the extension rule: %v", payload)
	}
}

func TestDispatchQuestionWithoutDataset(t *testing.T) {
	f := newServerFixture(t)
	cookie := f.signup(t, "alice@example.com")

	rr := f.postChat(t, cookie, url.Values{
		"form_type": {"question"},
		"question":  {"anything?"},
	}, true)
	payload := decodePayload(t, rr)
	if payload["error"] != "No dataset uploaded to answer the question." {
		t.Fatalf("rejection text must match exactly: %v", payload)
	}
}

func TestDispatchChatLifecycleOverHTTP(t *testing.T) {
	f := newServerFixture(t)
	cookie := f.signup(t, "alice@example.com")

	csv := "region,amount\nnorth,10\nsouth,20\neast,30\n"
	f.do(t, uploadRequest(t, cookie, "sales.csv", csv))

	// new_chat now allowed: active chat has a message.
	rr := f.postChat(t, cookie, url.Values{"form_type": {"new_chat"}}, true)
	payload := decodePayload(t, rr)
	if payload["success"] != true {
		t.Fatalf("new chat rejected: %v", payload)
	}
	newID := payload["active_chat_id"].(float64)

	// switch back to the first chat.
	rr = f.postChat(t, cookie, url.Values{"form_type": {"switch_chat"}, "chat_id": {"1"}}, true)
	payload = decodePayload(t, rr)
	if payload["active_chat_id"].(float64) == newID {
		t.Fatalf("switch did not move pointer: %v", payload)
	}
	if len(payload["messages"].([]any)) != 1 {
		t.Fatalf("switched chat must carry its messages: %v", payload)
	}

	// save it, then delete it; the other chat becomes active.
	rr = f.postChat(t, cookie, url.Values{"form_type": {"save_chat"}, "chat_id": {"1"}}, true)
	if decodePayload(t, rr)["success"] != true {
		t.Fatalf("save failed")
	}
	rr = f.postChat(t, cookie, url.Values{"form_type": {"delete_chat"}, "chat_id": {"1"}}, true)
	payload = decodePayload(t, rr)
	if payload["success"] != true || payload["active_chat_id"].(float64) != newID {
		t.Fatalf("delete did not repoint: %v", payload)
	}
	if len(payload["chats"].([]any)) != 1 {
		t.Fatalf("chat list wrong after delete: %v", payload)
	}

	// deleting with a junk id is rejected before any mutation.
	rr = f.postChat(t, cookie, url.Values{"form_type": {"delete_chat"}, "chat_id": {"junk"}}, true)
	if decodePayload(t, rr)["success"] != false {
		t.Fatalf("bad id must be rejected")
	}
}

func TestLogoutInvalidatesSession(t *testing.T) {
	f := newServerFixture(t)
	cookie := f.signup(t, "alice@example.com")

	req := httptest.NewRequest(http.MethodPost, "/api/auth/logout", nil)
	req.AddCookie(cookie)
	if rr := f.do(t, req); rr.Code != http.StatusOK {
		t.Fatalf("logout status %d", rr.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/chat", nil)
	req.AddCookie(cookie)
	if rr := f.do(t, req); rr.Code != http.StatusUnauthorized {
		t.Fatalf("session must be gone after logout, got %d", rr.Code)
	}
}

func TestDatasetsEndpoint(t *testing.T) {
	f := newServerFixture(t)
	cookie := f.signup(t, "alice@example.com")

	csv := "region,amount\nnorth,10\nsouth,20\neast,30\n"
	f.do(t, uploadRequest(t, cookie, "sales.csv", csv))

	req := httptest.NewRequest(http.MethodGet, "/api/datasets", nil)
	req.AddCookie(cookie)
	rr := f.do(t, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("datasets status %d", rr.Code)
	}
	var resp struct {
		Datasets []struct {
			Name string `json:"name"`
		} `json:"datasets"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Datasets) != 1 || resp.Datasets[0].Name != "sales.csv" {
		t.Fatalf("unexpected datasets: %+v", resp.Datasets)
	}
}

func TestAuthRateLimit(t *testing.T) {
	f := newServerFixture(t)

	var last int
	for i := 0; i < 12; i++ {
		body := `{"email":"alice@example.com","password":"wrong"}`
		rr := f.do(t, httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(body)))
		last = rr.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after exceeding limit, got %d", last)
	}
}
