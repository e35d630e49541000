package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"urbanlens/libs/geocode"
	"urbanlens/libs/imagecache"
	"urbanlens/libs/issues"
	"urbanlens/libs/mailer"
	"urbanlens/libs/remote"
)

type fakeAuth struct {
	mu          sync.Mutex
	token       string
	isAdmin     bool
	err         error
	adminChecks int
}

func (f *fakeAuth) Login(_ context.Context, _, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.token, nil
}

func (f *fakeAuth) Register(ctx context.Context, email, password string) (string, error) {
	return f.Login(ctx, email, password)
}

func (f *fakeAuth) CheckAdmin(_ context.Context, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adminChecks++
	return f.isAdmin, nil
}

type recordedPatch struct {
	id    string
	token string
	patch remote.IssuePatch
}

type fakeIssues struct {
	mu        sync.Mutex
	records   []remote.IssueRecord
	listCalls int
	patches   []recordedPatch
	deletes   []string
}

func (f *fakeIssues) ListIssues(ctx context.Context) ([]remote.IssueRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.records, nil
}

func (f *fakeIssues) GetIssue(_ context.Context, id string) (*remote.IssueRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.Identifier() == id {
			record := r
			return &record, nil
		}
	}
	return nil, &remote.Error{Kind: remote.KindServer, Op: "get issue", Status: http.StatusNotFound}
}

func (f *fakeIssues) PatchIssue(_ context.Context, token, id string, patch remote.IssuePatch) (*remote.IssueRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.patches = append(f.patches, recordedPatch{id: id, token: token, patch: patch})
	return &remote.IssueRecord{ID: id}, nil
}

func (f *fakeIssues) DeleteIssue(_ context.Context, _ string, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, id)
	return nil
}

func (f *fakeIssues) recordedPatches() []recordedPatch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedPatch(nil), f.patches...)
}

type fakeAnalyzer struct {
	response *remote.AnalyzeResponse
}

func (f *fakeAnalyzer) Analyze(_ context.Context, filename, _ string, _ []byte) (*remote.AnalyzeResponse, error) {
	resp := *f.response
	resp.Filename = filename
	return &resp, nil
}

func (f *fakeAnalyzer) AnalyzeBatch(context.Context, string, []byte) (*remote.BatchResponse, error) {
	return &remote.BatchResponse{}, nil
}

type fakeGeocoder struct {
	mu       sync.Mutex
	places   []geocode.Place
	reverse  *geocode.Place
	searches []string
}

func (f *fakeGeocoder) Search(_ context.Context, query string, limit int) ([]geocode.Place, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches = append(f.searches, query)
	if limit > 0 && len(f.places) > limit {
		return f.places[:limit], nil
	}
	return f.places, nil
}

func (f *fakeGeocoder) Reverse(context.Context, float64, float64) (*geocode.Place, error) {
	return f.reverse, nil
}

func (f *fakeGeocoder) searchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.searches)
}

type recordingProvider struct {
	mu   sync.Mutex
	sent []mailer.Message
}

func (p *recordingProvider) Name() string { return "log" }

func (p *recordingProvider) Send(_ context.Context, msg mailer.Message) (mailer.SendResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msg)
	return mailer.SendResult{ProviderMessageID: "msg-1"}, nil
}

type testDeps struct {
	auth     *fakeAuth
	issues   *fakeIssues
	geocoder *fakeGeocoder
	mail     *recordingProvider
}

func analysisFixture(t *testing.T, raw string) *issues.Analysis {
	t.Helper()
	var a issues.Analysis
	require.NoError(t, json.Unmarshal([]byte(raw), &a))
	return &a
}

func rawLocation(lat, lng string) *issues.RawLocation {
	return &issues.RawLocation{Lat: json.RawMessage(lat), Lng: json.RawMessage(lng), Address: "Piata Unirii, Cluj-Napoca"}
}

// issueRecords has two issues sharing a point and one without a location.
func issueRecords(t *testing.T) []remote.IssueRecord {
	return []remote.IssueRecord{
		{
			ID:        "a1",
			Title:     "pothole.jpg",
			Analysis:  analysisFixture(t, `{"urban_issues":{"potholes":{"detected":true,"description":"Deep pothole"}}}`),
			Location:  rawLocation(`46.7697`, `23.5899`),
			CreatedAt: "2024-05-01T10:00:00Z",
		},
		{
			ID:        "a2",
			Title:     "wall.jpg",
			Analysis:  analysisFixture(t, `{"urban_issues":{"graffiti":{"detected":true}}}`),
			Location:  rawLocation(`"46.7697"`, `"23.5899"`),
			CreatedAt: "2024-05-02T10:00:00Z",
		},
		{
			ID:       "b1",
			Title:    "bins.jpg",
			Analysis: analysisFixture(t, `{"urban_issues":{"overflowing_trash_bins":{"detected":true}}}`),
		},
	}
}

func newTestApp(t *testing.T) (*App, *testDeps) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	deps := &testDeps{
		auth:   &fakeAuth{token: "remote-token"},
		issues: &fakeIssues{records: issueRecords(t)},
		geocoder: &fakeGeocoder{
			places: []geocode.Place{
				{Lat: 45.7489, Lng: 21.2087, DisplayName: "Timișoara, Timiș, România", Type: "city"},
				{Lat: 45.76, Lng: 21.22, DisplayName: "Timișoara Nord, Timiș, România", Type: "suburb"},
			},
			reverse: &geocode.Place{Lat: 46.77, Lng: 23.6, DisplayName: "Strada Memorandumului, Cluj-Napoca"},
		},
		mail: &recordingProvider{},
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	app := &App{
		cfg: &Config{
			Env:                  "development",
			PublicBaseURL:        "https://urbanlens.test",
			AppSigningSecret:     testSigningSecret,
			AutocompleteDebounce: time.Millisecond,
		},
		log:      logger,
		auth:     deps.auth,
		issues:   deps.issues,
		analyzer: &fakeAnalyzer{response: &remote.AnalyzeResponse{ID: "srv-9"}},
		geocoder: deps.geocoder,
		images:   imagecache.New(nil, imagecache.Options{}),
		mailer:   mailer.New(deps.mail, "noreply@urbanlens.test"),
		sessions: newMemorySessionStore(sessionDuration),
		now:      time.Now,
	}
	app.workspaces = newWorkspaceRegistry(time.Hour, logger)
	t.Cleanup(app.workspaces.Close)

	metrics, err := newMetrics(func() float64 { return float64(app.workspaces.Len()) })
	require.NoError(t, err)
	app.metrics = metrics
	return app, deps
}

// testClient replays the session cookie like a browser would.
type testClient struct {
	t      *testing.T
	router http.Handler
	cookie *http.Cookie
}

func newTestClient(t *testing.T, app *App) *testClient {
	return &testClient{t: t, router: app.newRouter()}
}

func (tc *testClient) send(req *http.Request) *httptest.ResponseRecorder {
	if tc.cookie != nil {
		req.AddCookie(tc.cookie)
	}
	rec := httptest.NewRecorder()
	tc.router.ServeHTTP(rec, req)
	for _, c := range rec.Result().Cookies() {
		if c.Name != sessionCookieName {
			continue
		}
		if c.MaxAge < 0 || c.Value == "" {
			tc.cookie = nil
		} else {
			tc.cookie = c
		}
	}
	return rec
}

func (tc *testClient) do(method, target string, body any) *httptest.ResponseRecorder {
	tc.t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(tc.t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return tc.send(req)
}

func (tc *testClient) login(email string) {
	tc.t.Helper()
	rec := tc.do(http.MethodPost, "/api/auth/login", credentialsPayload{Email: email, Password: "secret"})
	require.Equal(tc.t, http.StatusOK, rec.Code, rec.Body.String())
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

type issuesResponse struct {
	Issues    []issues.Issue `json:"issues"`
	LastError string         `json:"last_error"`
}

func findIssue(list []issues.Issue, id string) (issues.Issue, bool) {
	for _, issue := range list {
		if issue.ID.String() == id {
			return issue, true
		}
	}
	return issues.Issue{}, false
}

func TestHealthzAndMetrics(t *testing.T) {
	app, _ := newTestApp(t)
	client := newTestClient(t, app)

	rec := client.do(http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = client.do(http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `route="/healthz"`) {
		t.Fatalf("expected request counter for /healthz, got:\n%s", body)
	}
	if !strings.Contains(body, "urbanlens_active_workspaces") {
		t.Fatalf("expected workspace gauge, got:\n%s", body)
	}
}

func TestSessionIsCreatedOnceAndReused(t *testing.T) {
	app, _ := newTestApp(t)
	client := newTestClient(t, app)

	req := httptest.NewRequest(http.MethodGet, "/api/session", nil)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	rec := client.send(req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, client.cookie, "expected a session cookie")

	view := decodeBody[map[string]any](t, rec)
	assert.Equal(t, false, view["authenticated"])
	assert.Equal(t, "en", view["language"])

	rec = client.do(http.MethodGet, "/api/session", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Result().Cookies(), "a known session must not be reissued")
	assert.Equal(t, 1, app.sessions.(*memorySessionStore).sessions.ItemCount())
	assert.Equal(t, 1, app.workspaces.Len())
}

func TestTamperedCookieStartsNewSession(t *testing.T) {
	app, _ := newTestApp(t)
	client := newTestClient(t, app)
	client.cookie = &http.Cookie{Name: sessionCookieName, Value: "not-a-token"}

	rec := client.do(http.MethodGet, "/api/session", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, client.cookie)
	assert.NotEqual(t, "not-a-token", client.cookie.Value)
}

func TestLoginResolvesAdminOnce(t *testing.T) {
	app, deps := newTestApp(t)
	deps.auth.isAdmin = true
	client := newTestClient(t, app)

	rec := client.do(http.MethodPost, "/api/auth/login", credentialsPayload{Email: "  Admin@Example.COM ", Password: "secret"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "admin@example.com", view["email"])
	assert.Equal(t, true, view["is_admin"])

	for i := 0; i < 3; i++ {
		rec = client.do(http.MethodGet, "/api/session", nil)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	view = decodeBody[map[string]any](t, rec)
	assert.Equal(t, true, view["authenticated"])
	assert.Equal(t, true, view["is_admin"])
	assert.Equal(t, 1, deps.auth.adminChecks)
}

func TestLoginRejectedByRemote(t *testing.T) {
	app, deps := newTestApp(t)
	deps.auth.err = &remote.Error{Kind: remote.KindServer, Op: "login", Status: http.StatusUnauthorized, Message: "Invalid credentials"}
	client := newTestClient(t, app)

	rec := client.do(http.MethodPost, "/api/auth/login", credentialsPayload{Email: "user@example.com", Password: "wrong"})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeBody[map[string]string](t, rec)
	assert.Equal(t, "remote_rejected", body["error"])
	assert.Equal(t, "Invalid credentials", body["message"])

	rec = client.do(http.MethodGet, "/api/session", nil)
	assert.Equal(t, false, decodeBody[map[string]any](t, rec)["authenticated"])
}

func TestLoginValidatesPayload(t *testing.T) {
	app, _ := newTestApp(t)
	client := newTestClient(t, app)

	for _, payload := range []credentialsPayload{
		{Email: "no-at-sign", Password: "secret"},
		{Email: "user@example.com"},
	} {
		rec := client.do(http.MethodPost, "/api/auth/login", payload)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for %+v, got %d", payload, rec.Code)
		}
	}
}

func TestLogoutForgetsSession(t *testing.T) {
	app, _ := newTestApp(t)
	client := newTestClient(t, app)
	client.login("user@example.com")
	require.Equal(t, 1, app.workspaces.Len())

	rec := client.do(http.MethodPost, "/api/auth/logout", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, client.cookie)
	assert.Equal(t, 0, app.workspaces.Len())
}

func TestSessionLanguage(t *testing.T) {
	app, _ := newTestApp(t)
	client := newTestClient(t, app)

	rec := client.do(http.MethodPut, "/api/session/language", map[string]string{"language": "en-GB"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "en", decodeBody[map[string]any](t, rec)["language"])

	rec = client.do(http.MethodGet, "/api/session", nil)
	assert.Equal(t, "en", decodeBody[map[string]any](t, rec)["language"])
}

func TestListIssuesLoadsPersistedOnce(t *testing.T) {
	app, deps := newTestApp(t)
	client := newTestClient(t, app)

	rec := client.do(http.MethodGet, "/api/issues", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[issuesResponse](t, rec)
	require.Len(t, body.Issues, 3)
	assert.Equal(t, "potholes", body.Issues[0].Category)
	require.NotNil(t, body.Issues[1].Location)
	assert.Equal(t, 46.7697, body.Issues[1].Location.Lat)
	assert.Nil(t, body.Issues[2].Location)

	client.do(http.MethodGet, "/api/issues", nil)
	client.do(http.MethodGet, "/api/map", nil)
	assert.Equal(t, 1, deps.issues.listCalls)
}

func TestWorkspaceLoadSurvivesCanceledRequest(t *testing.T) {
	app, deps := newTestApp(t)
	ws := app.newWorkspace(Session{ID: "s-1"})
	t.Cleanup(ws.close)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ws.ensureLoaded(ctx)

	assert.Equal(t, 1, deps.issues.listCalls)
	assert.Len(t, ws.store.Issues(), 3)
	assert.Empty(t, ws.store.LastError())
}

func TestSelectIssueFocusesMap(t *testing.T) {
	app, _ := newTestApp(t)
	client := newTestClient(t, app)

	rec := client.do(http.MethodGet, "/api/issues/a1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody[struct {
		Issue issues.Issue   `json:"issue"`
		View  geocode.Center `json:"view"`
	}](t, rec)
	assert.Equal(t, "a1", body.Issue.ID.String())
	assert.Equal(t, 46.7697, body.View.Lat)
	assert.Equal(t, geocode.DetailZoom, body.View.Zoom)

	rec = client.do(http.MethodGet, "/api/issues/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListViewRequiresAdmin(t *testing.T) {
	app, deps := newTestApp(t)

	anonymous := newTestClient(t, app)
	if rec := anonymous.do(http.MethodGet, "/api/list", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	user := newTestClient(t, app)
	user.login("user@example.com")
	if rec := user.do(http.MethodGet, "/api/list", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	deps.auth.isAdmin = true
	admin := newTestClient(t, app)
	admin.login("admin@example.com")
	rec := admin.do(http.MethodGet, "/api/list", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = admin.do(http.MethodPut, "/api/list/query", map[string]string{"query": "graffiti"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "graffiti", decodeBody[map[string]any](t, rec)["query"])

	rec = admin.do(http.MethodPost, "/api/list/sort", map[string]string{"key": "nonsense"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = admin.do(http.MethodPost, "/api/list/b1/details", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody[map[string]any](t, rec)["expanded"])
}

func TestToggleSolvedPatchesRemote(t *testing.T) {
	app, deps := newTestApp(t)
	deps.auth.isAdmin = true
	client := newTestClient(t, app)
	client.login("admin@example.com")

	rec := client.do(http.MethodPost, "/api/issues/a1/toggle-solved", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody[struct {
		Issue issues.Issue `json:"issue"`
	}](t, rec)
	assert.True(t, body.Issue.Solved)

	require.Eventually(t, func() bool { return len(deps.issues.recordedPatches()) == 1 }, time.Second, 5*time.Millisecond)
	patch := deps.issues.recordedPatches()[0]
	assert.Equal(t, "a1", patch.id)
	assert.Equal(t, "remote-token", patch.token)
	require.NotNil(t, patch.patch.Solved)
	assert.True(t, *patch.patch.Solved)
}

func TestUpdateIssue(t *testing.T) {
	app, deps := newTestApp(t)
	client := newTestClient(t, app)
	client.login("user@example.com")

	solved := true
	rec := client.do(http.MethodPatch, "/api/issues/a1", issueUpdatePayload{Solved: &solved})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = client.do(http.MethodPatch, "/api/issues/b1", issueUpdatePayload{Location: &issues.Location{Lat: 48.8566, Lng: 2.3522}})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "out_of_bounds", decodeBody[map[string]string](t, rec)["error"])

	rec = client.do(http.MethodPatch, "/api/issues/b1", issueUpdatePayload{Location: &issues.Location{Lat: 44.4268, Lng: 26.1025, Address: "București"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Eventually(t, func() bool { return len(deps.issues.recordedPatches()) == 1 }, time.Second, 5*time.Millisecond)
	patch := deps.issues.recordedPatches()[0]
	assert.Equal(t, "b1", patch.id)
	require.NotNil(t, patch.patch.Location)
	assert.Equal(t, 44.4268, patch.patch.Location.Lat)

	rec = client.do(http.MethodPatch, "/api/issues/b1", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteIssueRequiresConfirmation(t *testing.T) {
	app, deps := newTestApp(t)
	deps.auth.isAdmin = true
	client := newTestClient(t, app)
	client.login("admin@example.com")

	rec := client.do(http.MethodDelete, "/api/issues/a1", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "confirmation_required", decodeBody[map[string]string](t, rec)["error"])
	assert.Empty(t, deps.issues.deletes)

	rec = client.do(http.MethodDelete, "/api/issues/a1?confirm=true", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"a1"}, deps.issues.deletes)

	body := decodeBody[issuesResponse](t, client.do(http.MethodGet, "/api/issues", nil))
	assert.Len(t, body.Issues, 2)
	_, found := findIssue(body.Issues, "a1")
	assert.False(t, found)
}

func TestMapGroupsAndPopup(t *testing.T) {
	app, _ := newTestApp(t)
	client := newTestClient(t, app)

	type mapResponse struct {
		Groups     []struct{ Issues []issues.Issue } `json:"groups"`
		Categories []string                          `json:"categories"`
	}

	rec := client.do(http.MethodGet, "/api/map", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[mapResponse](t, rec)
	require.Len(t, body.Groups, 1)
	assert.Len(t, body.Groups[0].Issues, 2)
	assert.Equal(t, []string{"potholes", "graffiti", "overflowing_trash_bins"}, body.Categories)

	type popupResponse struct {
		Popup struct {
			Index int          `json:"index"`
			Total int          `json:"total"`
			Issue issues.Issue `json:"issue"`
		} `json:"popup"`
	}
	popup := decodeBody[popupResponse](t, client.do(http.MethodGet, "/api/map/popup?id=a1&step=1", nil))
	assert.Equal(t, "a2", popup.Popup.Issue.ID.String())
	assert.Equal(t, 2, popup.Popup.Total)

	popup = decodeBody[popupResponse](t, client.do(http.MethodGet, "/api/map/popup?id=a2&step=1", nil))
	assert.Equal(t, "a1", popup.Popup.Issue.ID.String())

	rec = client.do(http.MethodGet, "/api/map/popup?id=b1", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	body = decodeBody[mapResponse](t, client.do(http.MethodGet, "/api/map?toggle=graffiti", nil))
	require.Len(t, body.Groups, 1)
	require.Len(t, body.Groups[0].Issues, 1)
	assert.Equal(t, "a2", body.Groups[0].Issues[0].ID.String())

	body = decodeBody[mapResponse](t, client.do(http.MethodGet, "/api/map?reset=1", nil))
	assert.Len(t, body.Groups[0].Issues, 2)
}

func TestMapViewAndSearch(t *testing.T) {
	app, _ := newTestApp(t)
	client := newTestClient(t, app)

	rec := client.do(http.MethodPut, "/api/map/view", geocode.Center{Lat: 45, Lng: 25, Zoom: 25})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = client.do(http.MethodPost, "/api/map/search", queryPayload{Query: "Timisoara"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody[struct {
		View geocode.Center `json:"view"`
	}](t, rec)
	assert.Equal(t, 45.7489, body.View.Lat)
	assert.Equal(t, geocode.ZoomForPlace("city"), body.View.Zoom)

	rec = client.do(http.MethodPost, "/api/map/locate", coordinatesPayload{Lat: 51.5, Lng: -0.12})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAutocomplete(t *testing.T) {
	app, deps := newTestApp(t)
	client := newTestClient(t, app)

	rec := client.do(http.MethodGet, "/api/geocode/autocomplete?q=T", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[map[string]any](t, rec)["places"])
	assert.Equal(t, 0, deps.geocoder.searchCount())

	rec = client.do(http.MethodGet, "/api/geocode/autocomplete?q=Timi", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody[struct {
		Places     []geocode.Place `json:"places"`
		Superseded bool            `json:"superseded"`
	}](t, rec)
	assert.False(t, body.Superseded)
	assert.Len(t, body.Places, 2)
	assert.Equal(t, 1, deps.geocoder.searchCount())
}

func TestLocationFlowAssignsIssueLocation(t *testing.T) {
	app, deps := newTestApp(t)
	client := newTestClient(t, app)

	rec := client.do(http.MethodPost, "/api/location/save", nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = client.do(http.MethodPost, "/api/location/open", map[string]string{"kind": "issue", "issue_id": "b1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = client.do(http.MethodPost, "/api/location/pick", coordinatesPayload{Lat: 48.85, Lng: 2.35})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = client.do(http.MethodPost, "/api/location/pick", coordinatesPayload{Lat: 46.77, Lng: 23.6})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	draft := decodeBody[struct {
		Draft struct {
			Location *issues.Location `json:"location"`
		} `json:"draft"`
	}](t, rec)
	require.NotNil(t, draft.Draft.Location)
	assert.Equal(t, "Strada Memorandumului, Cluj-Napoca", draft.Draft.Location.Address)

	rec = client.do(http.MethodPost, "/api/location/save", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decodeBody[issuesResponse](t, client.do(http.MethodGet, "/api/issues", nil))
	issue, ok := findIssue(body.Issues, "b1")
	require.True(t, ok)
	require.NotNil(t, issue.Location)
	assert.Equal(t, 46.77, issue.Location.Lat)

	require.Eventually(t, func() bool { return len(deps.issues.recordedPatches()) == 1 }, time.Second, 5*time.Millisecond)

	rec = client.do(http.MethodPost, "/api/location/open", map[string]string{"kind": "issue", "issue_id": "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func jpegBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 40, 30)), nil))
	return buf.Bytes()
}

func TestAnalyzeSingleImagePromotesIssue(t *testing.T) {
	app, _ := newTestApp(t)
	app.analyzer = &fakeAnalyzer{response: &remote.AnalyzeResponse{
		ID:       "srv-9",
		Analysis: analysisFixture(t, `{"urban_issues":{"graffiti":{"detected":false},"potholes":{"detected":true}}}`),
		Location: rawLocation(`45.7489`, `21.2087`),
	}}
	client := newTestClient(t, app)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("images", "street.jpg")
	require.NoError(t, err)
	_, err = part.Write(jpegBytes(t))
	require.NoError(t, err)
	require.NoError(t, writer.WriteField("source", "picker"))
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/analyze", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rec := client.send(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	result := decodeBody[struct {
		Mode     string                 `json:"mode"`
		Failures int                    `json:"failures"`
		Images   []issues.AnalyzedImage `json:"images"`
	}](t, rec)
	assert.Equal(t, "single", result.Mode)
	assert.Zero(t, result.Failures)
	require.Len(t, result.Images, 1)
	assert.Equal(t, "potholes", result.Images[0].Results.PrimaryIssue)

	list := decodeBody[issuesResponse](t, client.do(http.MethodGet, "/api/issues", nil))
	issue, ok := findIssue(list.Issues, "image-street.jpg")
	require.True(t, ok, "expected the analyzed image to be promoted")
	assert.Equal(t, "potholes", issue.Category)

	rec = client.do(http.MethodDelete, "/api/analyzed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list = decodeBody[issuesResponse](t, client.do(http.MethodGet, "/api/issues", nil))
	_, ok = findIssue(list.Issues, "image-street.jpg")
	assert.False(t, ok)
}

func TestAnalyzeRejectsEmptyUpload(t *testing.T) {
	app, _ := newTestApp(t)
	client := newTestClient(t, app)

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	require.NoError(t, writer.WriteField("source", "picker"))
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/analyze", &body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	rec := client.send(req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "no_files", decodeBody[map[string]string](t, rec)["error"])
}

func TestImageHandlerCachesImages(t *testing.T) {
	app, _ := newTestApp(t)
	client := newTestClient(t, app)

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 3))))
	src := "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
	target := "/api/images?src=" + url.QueryEscape(src)

	rec := client.do(http.MethodGet, target, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))
	assert.Equal(t, "4", rec.Header().Get("X-Image-Width"))
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	rec = client.do(http.MethodGet, target, nil)
	assert.Equal(t, "HIT", rec.Header().Get("X-Cache"))

	rec = client.do(http.MethodGet, "/api/images", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestImageHandlerRefusesUnlistedHosts(t *testing.T) {
	app, _ := newTestApp(t)
	client := newTestClient(t, app)

	for _, src := range []string{"http://127.0.0.1:9/internal", "http://169.254.169.254/latest/meta-data"} {
		rec := client.do(http.MethodGet, "/api/images?src="+url.QueryEscape(src), nil)
		require.Equal(t, http.StatusForbidden, rec.Code, src)
		assert.Equal(t, "forbidden_source", decodeBody[map[string]string](t, rec)["error"])
	}
	assert.Zero(t, app.images.Len())
}

func TestExportIssues(t *testing.T) {
	app, deps := newTestApp(t)
	client := newTestClient(t, app)
	if rec := client.do(http.MethodGet, "/api/issues/export", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	deps.auth.isAdmin = true
	client.login("admin@example.com")

	rec := client.do(http.MethodGet, "/api/issues/export?format=geojson", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), ".geojson")
	collection := decodeBody[struct {
		Features []any `json:"features"`
	}](t, rec)
	assert.Len(t, collection.Features, 2)

	rec = client.do(http.MethodGet, "/api/issues/export?format=xlsx", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), ".csv")
	assert.True(t, strings.HasPrefix(rec.Body.String(), "issue_id,created_at,title"))
}

func TestForwardIssue(t *testing.T) {
	app, deps := newTestApp(t)
	deps.auth.isAdmin = true
	client := newTestClient(t, app)
	client.login("admin@example.com")

	rec := client.do(http.MethodPost, "/api/issues/a1/forward", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "forwarding_disabled", decodeBody[map[string]string](t, rec)["error"])

	rec = client.do(http.MethodPost, "/api/issues/a1/forward", forwardPayload{To: "primarie@example.ro", Note: "Urgent"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.Len(t, deps.mail.sent, 1)
	msg := deps.mail.sent[0]
	assert.Equal(t, []string{"primarie@example.ro"}, msg.To)
	assert.Equal(t, "admin@example.com", msg.ReplyTo)
	assert.Equal(t, "noreply@urbanlens.test", msg.From)
	assert.Contains(t, msg.HTML, "Deep pothole")

	app.cfg.ForwardEmailTo = "dispecerat@example.ro"
	rec = client.do(http.MethodPost, "/api/issues/a1/forward", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"dispecerat@example.ro"}, deps.mail.sent[1].To)
}
