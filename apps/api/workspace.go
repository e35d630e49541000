package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"urbanlens/libs/geocode"
	"urbanlens/libs/listview"
	"urbanlens/libs/locassign"
	"urbanlens/libs/mapview"
	"urbanlens/libs/store"
)

// workspace is the in-memory dashboard state of one session.
type workspace struct {
	sessionID    string
	store        *store.Store
	assigner     *locassign.Assigner
	autocomplete *geocode.Autocompleter

	loadOnce sync.Once

	mu     sync.Mutex
	list   *listview.State
	filter mapview.Filter
	view   geocode.Center
}

func (a *App) newWorkspace(session Session) *workspace {
	return &workspace{
		sessionID: session.ID,
		store: store.New(a.issues, store.Options{
			Token:   session.Token,
			IsAdmin: session.IsAdmin,
			Logger:  a.log.With("session", session.ID),
		}),
		assigner:     locassign.New(a.geocoder),
		autocomplete: geocode.NewAutocompleter(a.geocoder, a.cfg.AutocompleteDebounce),
		list:         listview.NewState(session.LanguageTag()),
		filter:       mapview.DefaultFilter(),
		view:         mapview.InitialView(),
	}
}

// ensureLoaded fetches the persisted issues the first time the workspace
// needs them. A failed fetch is not retried; the store keeps the error. The
// fetch is not canceled with the triggering request.
func (w *workspace) ensureLoaded(ctx context.Context) {
	w.loadOnce.Do(func() {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), remoteTimeout)
		defer cancel()
		_ = w.store.LoadPersisted(loadCtx)
	})
}

// sync applies credential or language changes made to the session.
func (w *workspace) sync(session Session) {
	w.store.SetCredentials(session.Token, session.IsAdmin)
	w.mu.Lock()
	w.list.SetLanguage(session.LanguageTag())
	w.mu.Unlock()
}

func (w *workspace) close() {
	w.autocomplete.Close()
	w.assigner.Cancel()
	w.store.Close()
}

// workspaceRegistry keeps workspaces alive while their session is active.
// Idle workspaces expire and are closed.
type workspaceRegistry struct {
	mu    sync.Mutex
	items *cache.Cache
	log   *slog.Logger
}

func newWorkspaceRegistry(idle time.Duration, logger *slog.Logger) *workspaceRegistry {
	items := cache.New(idle, idle/2)
	items.OnEvicted(func(id string, value any) {
		value.(*workspace).close()
		logger.Info("workspace closed", "session", id)
	})
	return &workspaceRegistry{items: items, log: logger}
}

// Get returns the workspace of session, creating it with build on first use.
// Every access extends its lifetime.
func (r *workspaceRegistry) Get(session Session, build func(Session) *workspace) *workspace {
	r.mu.Lock()
	defer r.mu.Unlock()
	if value, ok := r.items.Get(session.ID); ok {
		ws := value.(*workspace)
		ws.sync(session)
		r.items.SetDefault(session.ID, ws)
		return ws
	}
	ws := build(session)
	r.items.SetDefault(session.ID, ws)
	return ws
}

// Remove closes and forgets the workspace of a session.
func (r *workspaceRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items.Delete(sessionID)
}

func (r *workspaceRegistry) Len() int {
	return r.items.ItemCount()
}

// Close closes every workspace.
func (r *workspaceRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id := range r.items.Items() {
		r.items.Delete(id)
	}
}
