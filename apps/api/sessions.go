package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"golang.org/x/text/language"
)

var errSessionNotFound = errors.New("session not found")

// supportedLanguages lists the dashboard languages; the first is the default.
var supportedLanguages = []language.Tag{language.Romanian, language.English}

var languageMatcher = language.NewMatcher(supportedLanguages)

// Session is the durable client state of one browser: the bearer token of
// the remote service, the admin capability resolved at login and the
// language preference.
type Session struct {
	ID        string    `json:"-"`
	Email     string    `json:"email,omitempty"`
	Token     string    `json:"-"`
	IsAdmin   bool      `json:"is_admin"`
	Language  string    `json:"language"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (s Session) Authenticated() bool {
	return s.Token != ""
}

func (s Session) LanguageTag() language.Tag {
	tag, err := language.Parse(s.Language)
	if err != nil {
		return supportedLanguages[0]
	}
	return tag
}

type SessionStore interface {
	Name() string
	Create(ctx context.Context, session Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, session Session) error
	Delete(ctx context.Context, id string) error
}

// matchLanguage picks the supported language closest to the given
// preferences, e.g. an Accept-Language header or a user choice.
func matchLanguage(preferences ...string) string {
	_, index := language.MatchStrings(languageMatcher, preferences...)
	return supportedLanguages[index].String()
}

type memorySessionStore struct {
	sessions *cache.Cache
}

func newMemorySessionStore(ttl time.Duration) *memorySessionStore {
	return &memorySessionStore{sessions: cache.New(ttl, time.Hour)}
}

func (m *memorySessionStore) Name() string { return "memory" }

func (m *memorySessionStore) Create(_ context.Context, session Session) error {
	return m.sessions.Add(session.ID, session, time.Until(session.ExpiresAt))
}

func (m *memorySessionStore) Get(_ context.Context, id string) (*Session, error) {
	value, ok := m.sessions.Get(id)
	if !ok {
		return nil, errSessionNotFound
	}
	session := value.(Session)
	return &session, nil
}

func (m *memorySessionStore) Update(_ context.Context, session Session) error {
	return m.sessions.Replace(session.ID, session, time.Until(session.ExpiresAt))
}

func (m *memorySessionStore) Delete(_ context.Context, id string) error {
	m.sessions.Delete(id)
	return nil
}

type postgresSessionStore struct {
	db *sql.DB
}

func newPostgresSessionStore(db *sql.DB) *postgresSessionStore {
	return &postgresSessionStore{db: db}
}

func (p *postgresSessionStore) Name() string { return "postgres" }

func (p *postgresSessionStore) Create(ctx context.Context, session Session) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sessions (id, email, remote_token, is_admin, language, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, session.ID, session.Email, session.Token, session.IsAdmin, session.Language, session.CreatedAt, session.ExpiresAt)
	return err
}

func (p *postgresSessionStore) Get(ctx context.Context, id string) (*Session, error) {
	var session Session
	err := p.db.QueryRowContext(ctx, `
		SELECT id, email, remote_token, is_admin, language, created_at, expires_at
		FROM sessions
		WHERE id = $1 AND expires_at > NOW()
	`, id).Scan(&session.ID, &session.Email, &session.Token, &session.IsAdmin, &session.Language, &session.CreatedAt, &session.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (p *postgresSessionStore) Update(ctx context.Context, session Session) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE sessions
		SET email = $2, remote_token = $3, is_admin = $4, language = $5, expires_at = $6, updated_at = NOW()
		WHERE id = $1
	`, session.ID, session.Email, session.Token, session.IsAdmin, session.Language, session.ExpiresAt)
	if err != nil {
		return err
	}
	if rows, err := result.RowsAffected(); err == nil && rows == 0 {
		return errSessionNotFound
	}
	return nil
}

func (p *postgresSessionStore) Delete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	return err
}

func (a *App) createSessionToken(session Session) (string, error) {
	claims := jwt.MapClaims{
		"sid": session.ID,
		"iat": a.now().Unix(),
		"exp": session.ExpiresAt.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(a.cfg.AppSigningSecret))
}

func (a *App) verifySessionToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method")
		}
		return []byte(a.cfg.AppSigningSecret), nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil || !token.Valid {
		return "", fmt.Errorf("invalid session token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", fmt.Errorf("invalid token claims")
	}
	sid, _ := claims["sid"].(string)
	if _, err := uuid.Parse(sid); err != nil {
		return "", fmt.Errorf("invalid session id")
	}
	return sid, nil
}

func (a *App) setSessionCookie(c *gin.Context, session Session) error {
	token, err := a.createSessionToken(session)
	if err != nil {
		return err
	}
	secure := strings.EqualFold(a.cfg.Env, "production")
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(sessionCookieName, token, int(session.ExpiresAt.Sub(a.now()).Seconds()), "/", "", secure, true)
	return nil
}

func (a *App) clearSessionCookie(c *gin.Context) {
	secure := strings.EqualFold(a.cfg.Env, "production")
	c.SetCookie(sessionCookieName, "", -1, "/", "", secure, true)
}

// newSession starts an anonymous session.
func (a *App) newSession(acceptLanguage string) Session {
	now := a.now()
	return Session{
		ID:        uuid.NewString(),
		Language:  matchLanguage(acceptLanguage),
		CreatedAt: now,
		ExpiresAt: now.Add(sessionDuration),
	}
}

// sessionMiddleware resolves the session cookie, starting an anonymous
// session when there is none, and attaches the session and its workspace
// to the request.
func (a *App) sessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		var session *Session
		if raw, err := c.Cookie(sessionCookieName); err == nil {
			if sid, err := a.verifySessionToken(raw); err == nil {
				session, err = a.sessions.Get(ctx, sid)
				if err != nil && !errors.Is(err, errSessionNotFound) {
					a.log.Error("failed to load session", "err", err)
					writeAPIError(c, &apiError{Status: http.StatusServiceUnavailable, Code: "session_unavailable", Message: "Session storage unavailable"})
					c.Abort()
					return
				}
			}
		}

		if session == nil {
			fresh := a.newSession(c.GetHeader("Accept-Language"))
			if err := a.sessions.Create(ctx, fresh); err != nil {
				a.log.Error("failed to create session", "err", err)
				writeAPIError(c, &apiError{Status: http.StatusServiceUnavailable, Code: "session_unavailable", Message: "Session storage unavailable"})
				c.Abort()
				return
			}
			if err := a.setSessionCookie(c, fresh); err != nil {
				writeAPIError(c, err)
				c.Abort()
				return
			}
			session = &fresh
		}

		c.Set("session", *session)
		c.Set("workspace", a.workspaces.Get(*session, a.newWorkspace))
		c.Next()
	}
}

func (a *App) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		session, err := getSession(c)
		if err != nil || !session.Authenticated() {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "Login required"})
			c.Abort()
			return
		}
		if !session.IsAdmin {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Admin privileges required"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func getSession(c *gin.Context) (Session, error) {
	value, ok := c.Get("session")
	if !ok {
		return Session{}, fmt.Errorf("missing session")
	}
	session, ok := value.(Session)
	if !ok {
		return Session{}, fmt.Errorf("invalid session")
	}
	return session, nil
}

func getWorkspace(c *gin.Context) *workspace {
	value, _ := c.Get("workspace")
	ws, _ := value.(*workspace)
	return ws
}
