package remote

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

var ErrNoToken = errors.New("login successful, but no token received")

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

// HashPassword returns the hex SHA-256 digest the service expects in place
// of the clear-text password.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// NormalizeEmail trims and lowercases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Login exchanges credentials for a bearer token.
func (c *Client) Login(ctx context.Context, email, password string) (string, error) {
	return c.authenticate(ctx, "login", "/login", email, password)
}

// Register creates an account and returns its bearer token.
func (c *Client) Register(ctx context.Context, email, password string) (string, error) {
	return c.authenticate(ctx, "register", "/register", email, password)
}

func (c *Client) authenticate(ctx context.Context, op, path, email, password string) (string, error) {
	payload := credentials{Email: NormalizeEmail(email), Password: HashPassword(password)}
	req, err := c.jsonRequest(op, http.MethodPost, path, "", payload)
	if err != nil {
		return "", err
	}
	req.fallback = "HTTP error! status"
	var out tokenResponse
	if err := c.do(ctx, req, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", ErrNoToken
	}
	return out.Token, nil
}

// CheckAdmin asks the service whether the token belongs to an administrator.
func (c *Client) CheckAdmin(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	req := request{op: "check admin", method: http.MethodGet, path: "/check_admin", token: token, fallback: "Admin check failed"}
	var out struct {
		IsAdmin *bool `json:"is_admin"`
	}
	if err := c.do(ctx, req, &out); err != nil {
		return false, err
	}
	if out.IsAdmin == nil {
		return false, &Error{Kind: KindMalformed, Op: req.op, Message: "Invalid admin check response format."}
	}
	return *out.IsAdmin, nil
}
