// Package store keeps the reconciled issue collection of one session: issues
// persisted by the remote service, images analyzed during the session, and
// the user's edits to both.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"urbanlens/libs/issues"
	"urbanlens/libs/remote"
)

var (
	ErrNotAdmin             = errors.New("you do not have permission to modify issues")
	ErrAuthRequired         = errors.New("authentication required")
	ErrConfirmationRequired = errors.New("delete must be confirmed")
	ErrNotFound             = errors.New("issue not found")
	ErrNotPersisted         = errors.New("issue has not been saved to the server")
	ErrLocationRequired     = errors.New("a valid location is required")
	ErrImageNotFound        = errors.New("analyzed image not found")
)

const defaultPatchTimeout = 30 * time.Second

// Remote is the part of the remote service the store talks to.
type Remote interface {
	ListIssues(ctx context.Context) ([]remote.IssueRecord, error)
	GetIssue(ctx context.Context, id string) (*remote.IssueRecord, error)
	PatchIssue(ctx context.Context, token, id string, patch remote.IssuePatch) (*remote.IssueRecord, error)
	DeleteIssue(ctx context.Context, token, id string) error
}

type Options struct {
	Token        string
	IsAdmin      bool
	Logger       *slog.Logger
	PatchTimeout time.Duration
}

// Store is safe for concurrent use.
type Store struct {
	remote       Remote
	log          *slog.Logger
	patchTimeout time.Duration

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	token     string
	isAdmin   bool
	loaded    bool
	issues    []issues.Issue
	images    []issues.AnalyzedImage
	pending   map[issues.ID]struct{}
	versions  map[issues.ID]uint64
	selected  issues.ID
	lastError string
}

func New(r Remote, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.PatchTimeout
	if timeout <= 0 {
		timeout = defaultPatchTimeout
	}
	base, cancel := context.WithCancel(context.Background())
	return &Store{
		remote:       r,
		log:          logger,
		patchTimeout: timeout,
		base:         base,
		cancel:       cancel,
		token:        opts.Token,
		isAdmin:      opts.IsAdmin,
		pending:      make(map[issues.ID]struct{}),
		versions:     make(map[issues.ID]uint64),
	}
}

// SetCredentials replaces the bearer token and the admin capability, which
// are resolved once at login.
func (s *Store) SetCredentials(token string, isAdmin bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = token
	s.isAdmin = isAdmin
}

func (s *Store) IsAdmin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isAdmin
}

// Issues returns a copy of the reconciled collection.
func (s *Store) Issues() []issues.Issue {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]issues.Issue, len(s.issues))
	for i, issue := range s.issues {
		out[i] = issue.Clone()
	}
	return out
}

// Issue returns one issue by id.
func (s *Store) Issue(id issues.ID) (issues.Issue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexOf(id)
	if idx < 0 {
		return issues.Issue{}, false
	}
	return s.issues[idx].Clone(), true
}

// Images returns a copy of the images analyzed during the session.
func (s *Store) Images() []issues.AnalyzedImage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]issues.AnalyzedImage(nil), s.images...)
}

// Selected returns the selected issue id, or the zero ID.
func (s *Store) Selected() issues.ID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

func (s *Store) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

func (s *Store) ClearError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastError = ""
}

// Pending reports whether a PATCH for id is in flight.
func (s *Store) Pending(id issues.ID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[id]
	return ok
}

// LoadPersisted fetches the server's issues once per session. On failure the
// persisted part of the collection stays empty and the error is surfaced.
func (s *Store) LoadPersisted(ctx context.Context) error {
	s.mu.Lock()
	if s.loaded {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	records, err := s.remote.ListIssues(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.issues = nil
		s.mergeLocked(s.images)
		s.lastError = fmt.Sprintf("Failed to fetch issues: %s", message(err))
		s.log.Error("load issues failed", "err", err)
		return err
	}
	loaded := make([]issues.Issue, 0, len(records))
	for _, record := range records {
		issue := record.ToIssue()
		if issue.ID.IsZero() {
			s.log.Warn("skipping issue without id", "title", record.Title)
			continue
		}
		loaded = append(loaded, issue)
	}
	s.issues = loaded
	s.loaded = true
	s.mergeLocked(s.images)
	s.log.Info("issues loaded", "count", len(loaded))
	return nil
}

// MergeAnalyzedImages promotes located images with detections into local
// issues. Same-id issues are replaced by the incoming record, new ids are
// appended and everything else is left alone, so merging twice is the same
// as merging once.
func (s *Store) MergeAnalyzedImages(images []issues.AnalyzedImage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mergeLocked(images)
}

func (s *Store) mergeLocked(images []issues.AnalyzedImage) {
	for _, img := range images {
		if !img.Promotable() {
			continue
		}
		incoming := img.ToIssue()
		if idx := s.indexOf(incoming.ID); idx >= 0 {
			s.issues[idx] = incoming
			continue
		}
		s.issues = append(s.issues, incoming)
	}
}

// AddAnalyzedImages records freshly analyzed images. An image with the name
// of an existing one replaces it.
func (s *Store) AddAnalyzedImages(images []issues.AnalyzedImage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, img := range images {
		if idx := s.imageIndex(img.Name); idx >= 0 {
			s.images[idx] = img
			continue
		}
		s.images = append(s.images, img)
	}
	s.mergeLocked(s.images)
}

// ClearAnalyzedImages drops the session's images and the local issues
// promoted from them.
func (s *Store) ClearAnalyzedImages() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images = nil
	kept := s.issues[:0]
	for _, issue := range s.issues {
		if !issue.ID.IsLocal() {
			kept = append(kept, issue)
		}
	}
	s.issues = kept
	if s.selected.IsLocal() {
		s.selected = issues.ID{}
	}
}

// SelectIssue marks id as selected. Persisted issues known only by summary
// have their details fetched; local issues never trigger a request.
func (s *Store) SelectIssue(ctx context.Context, id issues.ID) (issues.Issue, error) {
	s.mu.Lock()
	idx := s.indexOf(id)
	if idx < 0 {
		s.mu.Unlock()
		return issues.Issue{}, ErrNotFound
	}
	s.selected = id
	issue := s.issues[idx].Clone()
	s.mu.Unlock()

	if !issue.NeedsDetails() {
		return issue, nil
	}

	record, err := s.remote.GetIssue(ctx, id.Value())

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastError = fmt.Sprintf("Failed to load issue details: %s", message(err))
		s.log.Error("fetch issue details failed", "id", id.String(), "err", err)
		return issue, err
	}
	idx = s.indexOf(id)
	if idx < 0 {
		return issue, ErrNotFound
	}
	current := &s.issues[idx]
	current.Details = record.Analysis
	if current.Details == nil {
		current.Details = &issues.Analysis{}
	}
	if record.ImageURL != "" {
		current.Preview = record.ImageURL
	}
	if record.S3Key != "" {
		current.S3Key = record.S3Key
	}
	if ts := record.ParsedCreatedAt(); ts != nil {
		current.CreatedAt = ts
	}
	return current.Clone(), nil
}

// ClearSelection drops the current selection.
func (s *Store) ClearSelection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected = issues.ID{}
}

// ToggleSolved flips the solved flag of an issue. Admin only.
func (s *Store) ToggleSolved(id issues.ID) (issues.Issue, error) {
	s.mu.Lock()
	if !s.isAdmin {
		s.lastError = "You do not have permission to change issue status."
		s.mu.Unlock()
		return issues.Issue{}, ErrNotAdmin
	}
	idx := s.indexOf(id)
	if idx < 0 {
		s.mu.Unlock()
		return issues.Issue{}, ErrNotFound
	}
	updated := s.issues[idx].Clone()
	s.mu.Unlock()

	updated.Solved = !updated.Solved
	s.ApplyUpdates(updated)
	return updated, nil
}

// AssignLocation sets the location of an existing issue through ApplyUpdates.
func (s *Store) AssignLocation(id issues.ID, loc issues.Location) (issues.Issue, error) {
	if !loc.Valid() {
		return issues.Issue{}, ErrLocationRequired
	}
	updated, ok := s.Issue(id)
	if !ok {
		return issues.Issue{}, ErrNotFound
	}
	updated.Location = &loc
	s.ApplyUpdates(updated)
	return updated, nil
}

func (s *Store) indexOf(id issues.ID) int {
	for i := range s.issues {
		if s.issues[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) imageIndex(name string) int {
	for i := range s.images {
		if s.images[i].Name == name {
			return i
		}
	}
	return -1
}

// message extracts the user-facing part of an error.
func message(err error) string {
	var remoteErr *remote.Error
	if errors.As(err, &remoteErr) && remoteErr.Message != "" {
		return remoteErr.Message
	}
	return err.Error()
}
