// ABOUTME: Shared wiring for CLI commands
// ABOUTME: Builds the logger, cookie store, session manager, API client and stores from config
package cli

import (
	"bufio"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/harperreed/calclient/api"
	"github.com/harperreed/calclient/config"
	"github.com/harperreed/calclient/contacts"
	"github.com/harperreed/calclient/db"
	"github.com/harperreed/calclient/events"
	"github.com/harperreed/calclient/logging"
	"github.com/harperreed/calclient/metrics"
	"github.com/harperreed/calclient/models"
	"github.com/harperreed/calclient/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// ErrLoginRequired is returned by commands that need a session when there is none.
var ErrLoginRequired = errors.New("not logged in, run 'calclient login'")

// App holds everything a command needs.
type App struct {
	Config   *config.Config
	Log      zerolog.Logger
	Location *time.Location

	DB       *sql.DB
	Cookies  *db.CookieStore
	Session  *session.Manager
	Client   *api.Client
	Events   *events.Store
	Contacts *contacts.Store

	Registry *prometheus.Registry
	Metrics  *metrics.Collector

	Out io.Writer
	Err io.Writer
	In  io.Reader

	in *bufio.Reader
}

// Options overrides the standard streams. Zero values mean the process streams.
type Options struct {
	Version string
	Out     io.Writer
	Err     io.Writer
	In      io.Reader
}

// NewApp wires the client together. The caller must Close it.
func NewApp(cfg *config.Config, opts Options) (*App, error) {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Err == nil {
		opts.Err = os.Stderr
	}
	if opts.In == nil {
		opts.In = os.Stdin
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, opts.Err)
	if err != nil {
		return nil, err
	}

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	database, err := db.OpenDatabase(cfg.CookieDB)
	if err != nil {
		return nil, fmt.Errorf("failed to open cookie database: %w", err)
	}
	cookies := db.NewCookieStore(database)
	if n, err := cookies.PurgeExpired(); err != nil {
		logger.Warn().Err(err).Msg("failed to purge expired cookies")
	} else if n > 0 {
		logger.Debug().Int64("purged", n).Msg("expired cookies removed")
	}

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	transport, err := api.NewTransport(api.TransportConfig{
		BaseURL:  cfg.Server,
		Timeout:  cfg.RequestTimeout,
		DeviceID: cfg.DeviceID,
		Version:  opts.Version,
		Logger:   logger,
		Metrics:  collector,
	})
	if err != nil {
		_ = database.Close()
		return nil, err
	}

	a := &App{
		Config:   cfg,
		Log:      logger,
		Location: loc,
		DB:       database,
		Cookies:  cookies,
		Registry: registry,
		Metrics:  collector,
		Out:      opts.Out,
		Err:      opts.Err,
		In:       opts.In,
		in:       bufio.NewReader(opts.In),
	}

	store := session.NewStore(cookies, cfg.SecureCookies(), logger)
	a.Session = session.NewManager(store, api.NewAuthClient(transport), session.ManagerConfig{
		SafetyMargin:    cfg.RenewalMargin,
		Logger:          logger,
		Metrics:         collector,
		OnLoginRequired: a.loginRequired,
	})
	a.Client = api.NewClient(transport, a.Session, a.Session, logger)
	a.Events = events.NewStore(a.Client, events.Config{
		Location:      loc,
		MaxConcurrent: cfg.MaxConcurrentFetches,
		Logger:        logger,
		Metrics:       collector,
	})
	a.Contacts = contacts.NewStore(a.Client, logger)

	return a, nil
}

// Close stops the renewal timer and closes the cookie database.
func (a *App) Close() error {
	a.Session.CancelRenewal()
	return a.DB.Close()
}

// RequireSession restores the persisted session and fails when there is none.
func (a *App) RequireSession(ctx context.Context) (models.Session, error) {
	if snap := a.Session.Get(); snap.IsAuthenticated() {
		return snap, nil
	}
	if err := a.Session.Initialize(ctx); err != nil {
		a.Log.Debug().Err(err).Msg("session restore failed")
	}
	snap := a.Session.Get()
	if !snap.IsAuthenticated() {
		return models.Session{}, ErrLoginRequired
	}
	return snap, nil
}

func (a *App) loginRequired(reason error) {
	if errors.Is(reason, session.ErrLoggedOut) {
		return
	}
	_, _ = fmt.Fprintln(a.Err, warnStyle.Render("Session expired: "+reason.Error()))
}

// readLine prompts and reads one trimmed line from the input.
func (a *App) readLine(prompt string) (string, error) {
	_, _ = fmt.Fprint(a.Out, prompt)
	line, err := a.in.ReadString('\n')
	if err != nil && (!errors.Is(err, io.EOF) || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
