// ABOUTME: Long-running agenda watcher
// ABOUTME: Keeps the session renewed, reloads the agenda periodically and can expose metrics
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/harperreed/calclient/metrics"
)

// WatchCommand reloads the agenda every interval until interrupted. The session
// renews itself in the background for as long as it runs.
func WatchCommand(a *App, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(a.Err)
	days := fs.Int("days", 1, "Number of days to show")
	interval := fs.Duration("interval", 5*time.Minute, "Reload interval")
	metricsAddr := fs.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	iterations := fs.Int("iterations", 0, "Stop after N reloads (0: run until interrupted)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *interval <= 0 {
		return fmt.Errorf("--interval must be positive")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *metricsAddr != "" {
		srv := &http.Server{Addr: *metricsAddr, Handler: metrics.Handler(a.Registry), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Log.Error().Err(err).Str("addr", *metricsAddr).Msg("metrics server failed")
			}
		}()
		defer func() { _ = srv.Shutdown(context.Background()) }()
		a.Log.Info().Str("addr", *metricsAddr).Msg("serving metrics")
	}

	return a.watch(ctx, *days, *interval, *iterations)
}

func (a *App) watch(ctx context.Context, days int, interval time.Duration, iterations int) error {
	if _, err := a.RequireSession(ctx); err != nil {
		return err
	}
	if _, err := a.Events.LoadCalendars(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for n := 1; ; n++ {
		window, err := agendaWindow("", days, a.Location)
		if err != nil {
			return err
		}
		report, err := a.Events.LoadAll(ctx, window)
		switch {
		case err != nil && ctx.Err() != nil:
			return nil
		case err != nil:
			a.Log.Warn().Err(err).Msg("agenda reload failed")
		default:
			_, _ = fmt.Fprintln(a.Out, titleStyle.Render("Agenda at "+time.Now().In(a.Location).Format("15:04")))
			for _, w := range report.Warnings {
				_, _ = fmt.Fprintln(a.Err, warnStyle.Render("⚠ Skipped "+w.String()))
			}
			a.printAgenda(a.Events.VisibleEvents())
		}

		if !a.Session.Get().IsAuthenticated() {
			return ErrLoginRequired
		}
		if iterations > 0 && n >= iterations {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
