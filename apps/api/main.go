package main

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"

	"urbanlens/libs/analysis"
	"urbanlens/libs/geocode"
	"urbanlens/libs/imagecache"
	"urbanlens/libs/mailer"
	"urbanlens/libs/remote"
	"urbanlens/libs/store"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const (
	sessionCookieName        = "urbanlens_session"
	sessionDuration          = 30 * 24 * time.Hour
	workspaceIdleTTL         = 2 * time.Hour
	maxUploadBytes           = 120 * 1024 * 1024
	remoteTimeout            = 60 * time.Second
	geocoderTimeout          = 10 * time.Second
	imageTimeout             = 30 * time.Second
	reverseCacheTTL          = 24 * time.Hour
	defaultRemoteAPIBase     = "http://localhost:5000/api"
	defaultGeocoderUserAgent = "UrbanLens/1.0"
	devCORSOriginLocalhost   = "http://localhost:5173"
	devCORSOriginLoopback    = "http://127.0.0.1:5173"
	trustedProxyLoopbackIPv4 = "127.0.0.1"
	trustedProxyLoopbackIPv6 = "::1"
)

type Config struct {
	Addr                 string
	Env                  string
	DatabaseURL          string
	PublicBaseURL        string
	AppSigningSecret     string
	RemoteAPIBase        string
	GeocoderBaseURL      string
	GeocoderUserAgent    string
	GeocoderCountryCodes string
	AutocompleteDebounce time.Duration
	ImageCacheTTL        time.Duration
	ImageCacheMaxEntries int
	ImageAllowedHosts    []string
	ResendAPIKey         string
	MailerFromAddresses  map[string]string
	ForwardEmailTo       string
}

// authService is the part of the remote service used for sign-in.
type authService interface {
	Login(ctx context.Context, email, password string) (string, error)
	Register(ctx context.Context, email, password string) (string, error)
	CheckAdmin(ctx context.Context, token string) (bool, error)
}

type App struct {
	cfg *Config
	db  *sql.DB
	log *slog.Logger

	auth       authService
	issues     store.Remote
	analyzer   analysis.Analyzer
	geocoder   geocode.Geocoder
	images     *imagecache.Cache
	mailer     *mailer.Mailer
	sessions   SessionStore
	workspaces *workspaceRegistry
	metrics    *Metrics

	// test hook for the clock used by session expiry and pasted file names
	now func() time.Time
}

type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string { return e.Message }

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		panic(err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	var db *sql.DB
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			panic(err)
		}
		defer db.Close()
		if err := db.PingContext(context.Background()); err != nil {
			panic(err)
		}
	}

	app, err := newApp(cfg, db, logger)
	if err != nil {
		panic(err)
	}
	defer app.workspaces.Close()

	logger.Info(
		"runtime configuration",
		"env", cfg.Env,
		"addr", cfg.Addr,
		"remote_api_base", cfg.RemoteAPIBase,
		"sessions", app.sessions.Name(),
		"mailer", app.mailer.ProviderName(),
	)

	ctx := context.Background()
	if app.db != nil {
		if err := app.runMigrations(ctx); err != nil {
			panic(err)
		}
	}

	if len(os.Args) > 1 && os.Args[1] == "analyze" {
		if err := app.runAnalyzeCommand(ctx, os.Stdout, os.Args[2:]); err != nil {
			logger.Error("analyze command failed", "err", err)
			os.Exit(1)
		}
		return
	}

	r := app.newRouter()
	app.log.Info("starting gin API", "addr", cfg.Addr)
	if err := r.Run(cfg.Addr); err != nil {
		panic(err)
	}
}

// newApp wires the collaborators described by cfg. db may be nil, in which
// case sessions are kept in memory.
func newApp(cfg *Config, db *sql.DB, logger *slog.Logger) (*App, error) {
	app := &App{cfg: cfg, db: db, log: logger, now: time.Now}
	app.workspaces = newWorkspaceRegistry(workspaceIdleTTL, logger)

	metrics, err := newMetrics(func() float64 { return float64(app.workspaces.Len()) })
	if err != nil {
		return nil, err
	}
	app.metrics = metrics

	client := remote.New(cfg.RemoteAPIBase, metrics.instrumentClient("remote", remoteTimeout))
	app.auth = client
	app.issues = client
	app.analyzer = client

	nominatim := geocode.NewNominatim(cfg.GeocoderBaseURL, cfg.GeocoderUserAgent, metrics.instrumentClient("geocoder", geocoderTimeout))
	if cfg.GeocoderCountryCodes != "" {
		nominatim.CountryCodes = cfg.GeocoderCountryCodes
	}
	app.geocoder = geocode.NewCachedGeocoder(nominatim, reverseCacheTTL)
	app.images = imagecache.New(metrics.instrumentClient("images", imageTimeout), cfg.imageCacheOptions())

	var mailProvider mailer.Provider
	if cfg.ResendAPIKey != "" {
		mailProvider = mailer.NewResendProvider(cfg.ResendAPIKey)
	} else {
		mailProvider = mailer.NewLogProvider(logger)
	}
	app.mailer = mailer.New(mailProvider, cfg.MailerFromAddresses[mailProvider.Name()])

	if db != nil {
		app.sessions = newPostgresSessionStore(db)
	} else {
		app.sessions = newMemorySessionStore(sessionDuration)
	}
	return app, nil
}

func (a *App) newRouter() *gin.Engine {
	r := gin.New()
	if err := r.SetTrustedProxies([]string{trustedProxyLoopbackIPv4, trustedProxyLoopbackIPv6}); err != nil {
		panic(err)
	}
	r.MaxMultipartMemory = 32 << 20
	r.Use(gin.Recovery())
	r.Use(a.loggingMiddleware())
	if a.metrics != nil {
		r.Use(a.metrics.middleware())
		r.GET("/metrics", a.metrics.handler())
	}
	r.Use(a.corsMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	api.Use(a.sessionMiddleware())
	{
		auth := api.Group("/auth")
		{
			auth.POST("/login", a.loginHandler)
			auth.POST("/register", a.registerHandler)
			auth.POST("/logout", a.logoutHandler)
		}
		api.GET("/session", a.sessionHandler)
		api.PUT("/session/language", a.sessionLanguageHandler)

		api.GET("/issues", a.listIssuesHandler)
		api.GET("/issues/export", a.requireAdmin(), a.exportIssuesHandler)
		api.GET("/issues/:id", a.selectIssueHandler)
		api.PATCH("/issues/:id", a.updateIssueHandler)
		api.POST("/issues/:id/toggle-solved", a.requireAdmin(), a.toggleSolvedHandler)
		api.DELETE("/issues/:id", a.requireAdmin(), a.deleteIssueHandler)
		api.POST("/issues/:id/forward", a.requireAdmin(), a.forwardIssueHandler)

		api.POST("/analyze", a.analyzeHandler)
		api.GET("/analyzed", a.analyzedImagesHandler)
		api.DELETE("/analyzed", a.clearAnalyzedHandler)

		api.GET("/map", a.mapHandler)
		api.GET("/map/popup", a.mapPopupHandler)
		api.PUT("/map/view", a.mapViewHandler)
		api.POST("/map/search", a.mapSearchHandler)
		api.POST("/map/locate", a.mapLocateHandler)

		api.GET("/geocode/autocomplete", a.autocompleteHandler)

		list := api.Group("/list")
		list.Use(a.requireAdmin())
		{
			list.GET("", a.listHandler)
			list.PUT("/query", a.listQueryHandler)
			list.POST("/sort", a.listSortHandler)
			list.POST("/scroll", a.listScrollHandler)
			list.POST("/:id/details", a.listDetailsHandler)
		}

		location := api.Group("/location")
		{
			location.GET("", a.locationDraftHandler)
			location.POST("/open", a.locationOpenHandler)
			location.POST("/pick", a.locationPickHandler)
			location.POST("/search", a.locationSearchHandler)
			location.POST("/select", a.locationSelectHandler)
			location.POST("/device", a.locationDeviceHandler)
			location.POST("/save", a.locationSaveHandler)
			location.POST("/cancel", a.locationCancelHandler)
		}

		api.GET("/images", a.imageHandler)
	}
	return r
}

func loadConfig() (*Config, error) {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		host := valueFromEnvKeys("PGHOST", "POSTGRES_HOST")
		if host == "" {
			host = "127.0.0.1"
		}
		port := valueFromEnvKeys("PGPORT", "POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		dbname := valueFromEnvKeys("PGDATABASE", "POSTGRES_DB")
		user := valueFromEnvKeys("PGUSER", "POSTGRES_USER")
		password := valueFromEnvKeys("PGPASSWORD", "POSTGRES_PASSWORD")
		sslmode := valueFromEnvKeys("PGSSLMODE", "POSTGRES_SSLMODE")
		if sslmode == "" {
			sslmode = "disable"
		}
		if dbname != "" && user != "" {
			databaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, password, host, port, dbname, sslmode)
		}
	}

	secret := strings.TrimSpace(os.Getenv("APP_SIGNING_SECRET"))
	if len(secret) < 16 {
		return nil, fmt.Errorf("APP_SIGNING_SECRET must be at least 16 characters")
	}

	publicBase := strings.TrimRight(valueOrDefault("PUBLIC_BASE_URL", "http://localhost:8080"), "/")

	env := strings.TrimSpace(os.Getenv("APP_ENV"))
	if env == "" {
		env = "development"
	}

	cfg := &Config{
		Addr:                 valueOrDefault("GIN_ADDR", ":8080"),
		Env:                  env,
		DatabaseURL:          databaseURL,
		PublicBaseURL:        publicBase,
		AppSigningSecret:     secret,
		RemoteAPIBase:        strings.TrimRight(valueOrDefault("REMOTE_API_BASE", defaultRemoteAPIBase), "/"),
		GeocoderBaseURL:      valueOrDefault("GEOCODER_BASE_URL", geocode.DefaultBaseURL),
		GeocoderUserAgent:    valueOrDefault("GEOCODER_USER_AGENT", defaultGeocoderUserAgent),
		GeocoderCountryCodes: valueOrDefault("GEOCODER_COUNTRY_CODES", geocode.DefaultCountry),
		AutocompleteDebounce: geocode.DefaultDebounce,
		ResendAPIKey:         strings.TrimSpace(os.Getenv("RESEND_API_KEY")),
		MailerFromAddresses: map[string]string{
			"resend": valueOrDefault("MAILER_FROM_ADDRESS_RESEND", "noreply@mail.urbanlens.ro"),
			"log":    valueOrDefault("MAILER_FROM_ADDRESS_LOG", "noreply@urbanlens.local"),
		},
		ForwardEmailTo:    strings.TrimSpace(os.Getenv("FORWARD_EMAIL_TO")),
		ImageAllowedHosts: splitList(os.Getenv("IMAGE_ALLOWED_HOSTS")),
	}

	if raw := strings.TrimSpace(os.Getenv("AUTOCOMPLETE_DEBOUNCE_MS")); raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms < 0 {
			return nil, fmt.Errorf("AUTOCOMPLETE_DEBOUNCE_MS must be a non-negative integer")
		}
		cfg.AutocompleteDebounce = time.Duration(ms) * time.Millisecond
	}

	if raw := strings.TrimSpace(os.Getenv("IMAGE_CACHE_TTL")); raw != "" {
		ttl, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("IMAGE_CACHE_TTL must be a duration such as 6h")
		}
		if ttl < 0 {
			return nil, fmt.Errorf("IMAGE_CACHE_TTL must be >= 0")
		}
		cfg.ImageCacheTTL = ttl
	}

	if raw := strings.TrimSpace(os.Getenv("IMAGE_CACHE_MAX_ENTRIES")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("IMAGE_CACHE_MAX_ENTRIES must be a positive integer")
		}
		cfg.ImageCacheMaxEntries = n
	}

	return cfg, nil
}

// imageCacheOptions trusts the remote service host, which may live on a
// private network, and lets the image proxy reach only the extra hosts that
// were configured explicitly.
func (cfg *Config) imageCacheOptions() imagecache.Options {
	opts := imagecache.Options{
		TTL:          cfg.ImageCacheTTL,
		MaxEntries:   cfg.ImageCacheMaxEntries,
		AllowedHosts: cfg.ImageAllowedHosts,
	}
	if base, err := url.Parse(cfg.RemoteAPIBase); err == nil && base.Hostname() != "" {
		opts.InternalHosts = []string{base.Hostname()}
	}
	return opts
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func valueOrDefault(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func valueFromEnvKeys(keys ...string) string {
	for _, key := range keys {
		value := strings.TrimSpace(os.Getenv(key))
		if value != "" {
			return value
		}
	}
	return ""
}

func (a *App) runMigrations(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return err
	}

	if _, err := a.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return err
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		files = append(files, entry.Name())
	}
	sort.Strings(files)

	for _, file := range files {
		var exists bool
		if err := a.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)`, file).Scan(&exists); err != nil {
			return err
		}
		if exists {
			continue
		}

		content, err := migrationFiles.ReadFile(filepath.Join("migrations", file))
		if err != nil {
			return err
		}

		tx, err := a.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s failed: %w", file, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, file); err != nil {
			_ = tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}

		a.log.Info("applied migration", "file", file)
	}

	return nil
}

func (a *App) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.log.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"ip", c.ClientIP(),
		)
	}
}

func (a *App) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := strings.TrimSpace(c.GetHeader("Origin"))
		if a.isAllowedCORSOrigin(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
			c.Header("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.Status(http.StatusNoContent)
			c.Abort()
			return
		}
		c.Next()
	}
}

func (a *App) isAllowedCORSOrigin(origin string) bool {
	if origin == "" || a.cfg == nil {
		return false
	}
	if a.cfg.PublicBaseURL != "" && origin == a.cfg.PublicBaseURL {
		return true
	}
	if !strings.EqualFold(a.cfg.Env, "development") {
		return false
	}
	return origin == devCORSOriginLocalhost || origin == devCORSOriginLoopback
}

func writeAPIError(c *gin.Context, err error) {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		c.JSON(apiErr.Status, gin.H{"error": apiErr.Code, "message": apiErr.Message})
		return
	}

	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
}
