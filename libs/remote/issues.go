package remote

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"urbanlens/libs/issues"
)

// IssueRecord is an issue document as stored by the service.
type IssueRecord struct {
	ID        string              `json:"id,omitempty"`
	MongoID   string              `json:"_id,omitempty"`
	Title     string              `json:"title,omitempty"`
	Filename  string              `json:"filename,omitempty"`
	ImageURL  string              `json:"image_url,omitempty"`
	S3Key     string              `json:"s3_key,omitempty"`
	Analysis  *issues.Analysis    `json:"analysis,omitempty"`
	Location  *issues.RawLocation `json:"location,omitempty"`
	Solved    bool                `json:"solved"`
	CreatedAt string              `json:"created_at,omitempty"`
}

// Identifier returns the record id, whichever field the service filled.
func (r IssueRecord) Identifier() string {
	if r.MongoID != "" {
		return r.MongoID
	}
	return r.ID
}

// ParsedCreatedAt returns the creation time, or nil when absent or unparsable.
func (r IssueRecord) ParsedCreatedAt() *time.Time {
	return parseTimestamp(r.CreatedAt)
}

// ToIssue converts the record into the unified issue view. Detected
// categories keep the service's order; the first one is the primary category.
func (r IssueRecord) ToIssue() issues.Issue {
	categories := r.Analysis.Categories()
	if categories == nil {
		categories = []string{}
	}
	category := ""
	if len(categories) > 0 {
		category = categories[0]
	}
	title := r.Title
	if title == "" {
		title = r.Filename
	}
	return issues.Issue{
		ID:         issues.FromServer(r.Identifier()),
		Location:   r.Location.Normalize(),
		Title:      title,
		Category:   category,
		Categories: categories,
		Preview:    r.ImageURL,
		Details:    r.Analysis,
		Solved:     r.Solved,
		CreatedAt:  r.ParsedCreatedAt(),
		S3Key:      r.S3Key,
	}
}

// IssuePatch is the body of a partial update.
type IssuePatch struct {
	Solved   *bool            `json:"solved,omitempty"`
	Location *issues.Location `json:"location,omitempty"`
}

// ListIssues fetches every persisted issue.
func (c *Client) ListIssues(ctx context.Context) ([]IssueRecord, error) {
	var out []IssueRecord
	req := request{op: "list issues", method: http.MethodGet, path: "/issues", fallback: "Failed to fetch issues"}
	if err := c.do(ctx, req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetIssue fetches one issue with its full analysis.
func (c *Client) GetIssue(ctx context.Context, id string) (*IssueRecord, error) {
	var out IssueRecord
	req := request{op: "get issue", method: http.MethodGet, path: "/issues/" + url.PathEscape(id), fallback: "Failed to fetch issue details"}
	if err := c.do(ctx, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PatchIssue sends a partial update and returns the stored record.
func (c *Client) PatchIssue(ctx context.Context, token, id string, patch IssuePatch) (*IssueRecord, error) {
	req, err := c.jsonRequest("patch issue", http.MethodPatch, "/issues/"+url.PathEscape(id), token, patch)
	if err != nil {
		return nil, err
	}
	req.fallback = "Failed to update issue"
	var out IssueRecord
	if err := c.do(ctx, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteIssue removes an issue. The service requires an admin bearer token.
func (c *Client) DeleteIssue(ctx context.Context, token, id string) error {
	req := request{
		op:       "delete issue",
		method:   http.MethodDelete,
		path:     "/issues/" + url.PathEscape(id),
		token:    token,
		fallback: "Failed to delete issue",
	}
	return c.do(ctx, req, nil)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05",
	time.RFC1123,
	time.RFC1123Z,
}

func parseTimestamp(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			ts = ts.UTC()
			return &ts
		}
	}
	return nil
}
