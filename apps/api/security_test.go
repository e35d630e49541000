package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"urbanlens/libs/intake"
	"urbanlens/libs/locassign"
	"urbanlens/libs/remote"
	"urbanlens/libs/store"
)

func TestCORSMiddleware_AllowsConfiguredOrigins(t *testing.T) {
	gin.SetMode(gin.TestMode)
	app := &App{cfg: &Config{Env: "development", PublicBaseURL: "https://urbanlens.ro"}}

	router := gin.New()
	router.Use(app.corsMiddleware())
	router.GET("/ping", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for _, origin := range []string{"https://urbanlens.ro", devCORSOriginLocalhost, devCORSOriginLoopback} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("Origin", origin)
		router.ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != origin {
			t.Fatalf("expected allow origin %q, got %q", origin, got)
		}
		if got := rec.Header().Get("Access-Control-Allow-Credentials"); got != "true" {
			t.Fatalf("expected credentials header true, got %q", got)
		}
	}
}

func TestCORSMiddleware_BlocksUnlistedOrigins(t *testing.T) {
	gin.SetMode(gin.TestMode)
	app := &App{cfg: &Config{Env: "production", PublicBaseURL: "https://urbanlens.ro"}}

	router := gin.New()
	router.Use(app.corsMiddleware())
	router.GET("/ping", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for _, origin := range []string{"https://evil.example", devCORSOriginLocalhost} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("Origin", origin)
		router.ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Fatalf("expected no allow-origin header for %q, got %q", origin, got)
		}
	}
}

func TestCORSMiddleware_AnswersPreflight(t *testing.T) {
	gin.SetMode(gin.TestMode)
	app := &App{cfg: &Config{Env: "development"}}

	router := gin.New()
	router.Use(app.corsMiddleware())
	router.PATCH("/ping", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodOptions, "/ping", nil)
	req.Header.Set("Origin", devCORSOriginLocalhost)
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "GET,POST,PUT,PATCH,DELETE,OPTIONS" {
		t.Fatalf("unexpected allowed methods %q", got)
	}
}

func TestSessionTokenRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	app := &App{cfg: &Config{AppSigningSecret: testSigningSecret}, now: func() time.Time { return now }}
	session := Session{ID: uuid.NewString(), ExpiresAt: now.Add(time.Hour)}

	token, err := app.createSessionToken(session)
	if err != nil {
		t.Fatalf("create token: %v", err)
	}
	sid, err := app.verifySessionToken(token)
	if err != nil {
		t.Fatalf("verify token: %v", err)
	}
	if sid != session.ID {
		t.Fatalf("expected sid %q, got %q", session.ID, sid)
	}

	now = now.Add(2 * time.Hour)
	if _, err := app.verifySessionToken(token); err == nil {
		t.Fatal("expected expired token to be rejected")
	}
}

func TestVerifySessionTokenRejectsForgedTokens(t *testing.T) {
	now := time.Now()
	app := &App{cfg: &Config{AppSigningSecret: testSigningSecret}, now: func() time.Time { return now }}

	otherKey := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sid": uuid.NewString(),
		"exp": now.Add(time.Hour).Unix(),
	})
	forged, err := otherKey.SignedString([]byte("another-secret-value"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := app.verifySessionToken(forged); err == nil {
		t.Fatal("expected token signed with another key to be rejected")
	}

	badSID := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sid": "not-a-uuid",
		"exp": now.Add(time.Hour).Unix(),
	})
	signed, err := badSID.SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := app.verifySessionToken(signed); err == nil {
		t.Fatal("expected malformed sid to be rejected")
	}
}

func TestMemorySessionStore(t *testing.T) {
	ctx := context.Background()
	sessions := newMemorySessionStore(time.Hour)
	session := Session{ID: uuid.NewString(), Language: "ro", ExpiresAt: time.Now().Add(time.Hour)}

	if err := sessions.Create(ctx, session); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := sessions.Create(ctx, session); err == nil {
		t.Fatal("expected duplicate create to fail")
	}

	session.Token = "remote-token"
	session.IsAdmin = true
	if err := sessions.Update(ctx, session); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err := sessions.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Authenticated() || !got.IsAdmin {
		t.Fatalf("expected updated session, got %+v", got)
	}

	if err := sessions.Delete(ctx, session.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := sessions.Get(ctx, session.ID); !errors.Is(err, errSessionNotFound) {
		t.Fatalf("expected errSessionNotFound, got %v", err)
	}
	if err := sessions.Update(ctx, session); err == nil {
		t.Fatal("expected update of missing session to fail")
	}
}

func TestMatchLanguage(t *testing.T) {
	tests := map[string]string{
		"":                        "ro",
		"en-US,en;q=0.9":          "en",
		"ro-RO,ro;q=0.9,en;q=0.8": "ro",
		"de-DE":                   "ro",
		"en":                      "en",
	}
	for input, want := range tests {
		if got := matchLanguage(input); got != want {
			t.Fatalf("matchLanguage(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestToAPIError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{store.ErrNotAdmin, http.StatusForbidden, "forbidden"},
		{fmt.Errorf("wrapped: %w", store.ErrConfirmationRequired), http.StatusBadRequest, "confirmation_required"},
		{locassign.ErrOutOfBounds, http.StatusUnprocessableEntity, "out_of_bounds"},
		{intake.ErrFileTooLarge, http.StatusRequestEntityTooLarge, "file_too_large"},
		{&remote.Error{Kind: remote.KindServer, Status: http.StatusUnauthorized, Op: "login"}, http.StatusUnauthorized, "remote_rejected"},
		{&remote.Error{Kind: remote.KindServer, Status: http.StatusInternalServerError, Op: "list issues"}, http.StatusBadGateway, "upstream_error"},
		{&remote.Error{Kind: remote.KindNetwork, Op: "list issues", Err: errors.New("refused")}, http.StatusBadGateway, "upstream_unavailable"},
		{&remote.Error{Kind: remote.KindMalformed, Op: "analyze", Err: errors.New("bad json")}, http.StatusBadGateway, "upstream_malformed"},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
	}
	for _, tc := range tests {
		var apiErr *apiError
		if !errors.As(toAPIError(tc.err), &apiErr) {
			t.Fatalf("expected apiError for %v", tc.err)
		}
		if apiErr.Status != tc.status || apiErr.Code != tc.code {
			t.Fatalf("%v: expected %d/%s, got %d/%s", tc.err, tc.status, tc.code, apiErr.Status, apiErr.Code)
		}
	}

	unknown := errors.New("boom")
	if got := toAPIError(unknown); got != unknown {
		t.Fatalf("expected unknown errors to pass through, got %v", got)
	}
}
