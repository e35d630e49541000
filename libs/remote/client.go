// Package remote talks to the analysis and storage service that classifies
// uploaded images and persists reported issues.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultTimeout  = 60 * time.Second
	maxErrorBodyLen = 64 * 1024
)

// Kind classifies failures of remote calls.
type Kind int

const (
	KindNetwork Kind = iota + 1
	KindServer
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	case KindMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Error is returned by every Client method that fails.
type Error struct {
	Kind    Kind
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op + " failed"
}

func (e *Error) Unwrap() error { return e.Err }

// StatusOf returns the HTTP status of a server error, or 0.
func StatusOf(err error) int {
	var remoteErr *Error
	if errors.As(err, &remoteErr) && remoteErr.Kind == KindServer {
		return remoteErr.Status
	}
	return 0
}

// KindOf returns the failure kind of err, or 0 when err is not a remote error.
func KindOf(err error) Kind {
	var remoteErr *Error
	if errors.As(err, &remoteErr) {
		return remoteErr.Kind
	}
	return 0
}

// Client is a thin JSON/multipart client. It holds no credentials; callers
// pass bearer tokens per call.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the service rooted at baseURL, e.g.
// "http://localhost:5000/api".
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *Client) BaseURL() string { return c.baseURL }

type request struct {
	op          string
	method      string
	path        string
	token       string
	body        io.Reader
	contentType string
	// fallback is the message used when an error body carries none.
	fallback string
}

func (c *Client) jsonRequest(op, method, path, token string, payload any) (request, error) {
	req := request{op: op, method: method, path: path, token: token}
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return request{}, &Error{Kind: KindMalformed, Op: op, Err: err}
		}
		req.body = bytes.NewReader(encoded)
		req.contentType = "application/json"
	}
	return req, nil
}

// do sends r and decodes a successful JSON response into out when out is
// non-nil.
func (c *Client) do(ctx context.Context, r request, out any) error {
	httpReq, err := http.NewRequestWithContext(ctx, r.method, c.baseURL+r.path, r.body)
	if err != nil {
		return &Error{Kind: KindNetwork, Op: r.op, Err: err}
	}
	if r.contentType != "" {
		httpReq.Header.Set("Content-Type", r.contentType)
	}
	httpReq.Header.Set("Accept", "application/json")
	if r.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return &Error{Kind: KindNetwork, Op: r.op, Err: err, Message: fmt.Sprintf("Cannot connect to the analysis service: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
		return &Error{
			Kind:    KindServer,
			Op:      r.op,
			Status:  resp.StatusCode,
			Message: serverMessage(body, r.fallback, resp.StatusCode),
		}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: KindMalformed, Op: r.op, Err: err, Message: "Invalid response from server. Response is not valid JSON."}
	}
	return nil
}

// serverMessage prefers the body's "error" field, then "message", then the
// fallback with the status appended.
func serverMessage(body []byte, fallback string, status int) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	if fallback == "" {
		fallback = "Server error"
	}
	return fmt.Sprintf("%s: %d", fallback, status)
}
