package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"datalens/internal/ratelimit"
	"datalens/internal/util"
	"datalens/pkg/domain"
	"datalens/services/analysis/internal/app"
	"datalens/services/analysis/internal/session"
)

const sessionCookie = "datalens_session"

// Config wires required dependencies for the HTTP server.
type Config struct {
	App      *app.App
	Sessions *session.Store
	Bridge   *session.Bridge
	Tokens   *session.TokenCodec

	RedisAddr     string
	RedisPassword string

	AuthRateLimitPerMinute     int
	UploadRateLimitPerMinute   int
	QuestionRateLimitPerMinute int

	MaxUploadBytes    int64
	TrustedProxyCIDRs []string
}

// Server exposes the HTTP endpoints for the analysis service.
type Server struct {
	app      *app.App
	sessions *session.Store
	bridge   *session.Bridge
	tokens   *session.TokenCodec
	mux      *http.ServeMux

	maxUploadBytes  int64
	proxies         *util.TrustedProxies
	authLimiter     *ratelimit.FixedWindowLimiter
	uploadLimiter   *ratelimit.FixedWindowLimiter
	questionLimiter *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil || cfg.Sessions == nil || cfg.Bridge == nil || cfg.Tokens == nil {
		return nil, errors.New("app, sessions, bridge, and tokens are required")
	}
	authLimit := cfg.AuthRateLimitPerMinute
	if authLimit <= 0 {
		authLimit = 10
	}
	uploadLimit := cfg.UploadRateLimitPerMinute
	if uploadLimit <= 0 {
		uploadLimit = 10
	}
	questionLimit := cfg.QuestionRateLimitPerMinute
	if questionLimit <= 0 {
		questionLimit = 30
	}
	newLimiter := func(name string, limit int) (*ratelimit.FixedWindowLimiter, error) {
		prefix := "datalens:analysis:ratelimit:" + name
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, time.Minute)
		if err != nil {
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		return limiter, nil
	}
	authLimiter, err := newLimiter("auth", authLimit)
	if err != nil {
		return nil, err
	}
	uploadLimiter, err := newLimiter("upload", uploadLimit)
	if err != nil {
		return nil, err
	}
	questionLimiter, err := newLimiter("question", questionLimit)
	if err != nil {
		return nil, err
	}

	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 12 << 20
	}
	proxies, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		return nil, fmt.Errorf("parse trusted proxies: %w", err)
	}
	s := &Server{
		app:             cfg.App,
		sessions:        cfg.Sessions,
		bridge:          cfg.Bridge,
		tokens:          cfg.Tokens,
		mux:             http.NewServeMux(),
		maxUploadBytes:  maxUpload,
		proxies:         proxies,
		authLimiter:     authLimiter,
		uploadLimiter:   uploadLimiter,
		questionLimiter: questionLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithSecurityHeaders(util.WithCORS(s.mux))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/api/auth/signup", s.handleSignup)
	s.mux.HandleFunc("/api/auth/login", s.handleLogin)
	s.mux.HandleFunc("/api/auth/logout", s.handleLogout)

	// chat page + multiplexed operations
	s.mux.HandleFunc("/chat", s.handleChat)
	s.mux.HandleFunc("/api/datasets", s.handleDatasets)
	s.mux.HandleFunc("/", s.handleRoot)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, "/chat", http.StatusSeeOther)
}

type authRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.authLimiter, "too many signup attempts") {
		return
	}
	var req authRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, err := s.app.Signup(req.Email, req.Password)
	if err != nil {
		if errors.Is(err, app.ErrEmailTaken) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	token, err := s.openSession(w, r, user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not start session")
		return
	}
	writeJSON(w, http.StatusCreated, authResponse{Token: token, User: user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.authLimiter, "too many login attempts") {
		return
	}
	var req authRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, err := s.app.Login(req.Email, req.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	token, err := s.openSession(w, r, user.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not start session")
		return
	}
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if token, _, ok := s.currentSession(r); ok {
		if err := s.sessions.Delete(r.Context(), token); err != nil {
			util.LoggerFromContext(r.Context()).Warn("session delete failed", "error", err)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

func (s *Server) handleDatasets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	_, rec, ok := s.currentSession(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	datasets, err := s.app.ListDatasets(rec.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not list datasets")
		return
	}
	util.SetNoStore(w)
	writeJSON(w, http.StatusOK, map[string]any{"datasets": datasets})
}

// openSession creates the redis record, sets the cookie, and mints the JWT
// returned to API callers. Both reference the same session id.
func (s *Server) openSession(w http.ResponseWriter, r *http.Request, userID uint) (string, error) {
	sid, err := s.sessions.Create(r.Context(), &session.Record{UserID: userID})
	if err != nil {
		return "", err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sid,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   r.TLS != nil,
	})
	return s.tokens.Mint(sid)
}

// currentSession resolves the caller's session from the cookie or, for API
// clients, the Bearer JWT.
func (s *Server) currentSession(r *http.Request) (string, *session.Record, bool) {
	sid := ""
	if cookie, err := r.Cookie(sessionCookie); err == nil && cookie.Value != "" {
		sid = cookie.Value
	} else if token, ok := bearerToken(r); ok {
		verified, err := s.tokens.Verify(token)
		if err != nil {
			return "", nil, false
		}
		sid = verified
	}
	if sid == "" {
		return "", nil, false
	}
	rec, err := s.sessions.Get(r.Context(), sid)
	if err != nil {
		return "", nil, false
	}
	return sid, rec, true
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	if limiter.Allow(util.ClientIP(r, s.proxies)) {
		return true
	}
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func (s *Server) allowUserRate(w http.ResponseWriter, limiter *ratelimit.FixedWindowLimiter, userID uint, ajax bool, msg string) bool {
	if limiter.Allow(fmt.Sprintf("user:%d", userID)) {
		return true
	}
	if ajax {
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"success": false, "error": msg})
	} else {
		writeError(w, http.StatusTooManyRequests, msg)
	}
	return false
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func isAJAX(r *http.Request) bool {
	return r.Header.Get("X-Requested-With") == "XMLHttpRequest"
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
