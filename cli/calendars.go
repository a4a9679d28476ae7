// ABOUTME: Calendar and event CLI commands
// ABOUTME: Lists calendars and agendas, and creates, updates, deletes and moves events
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/harperreed/calclient/api"
	"github.com/harperreed/calclient/models"
)

var inputLayouts = []string{
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseTime reads a user-supplied time as wall-clock time in loc. RFC 3339 input
// keeps its own offset.
func parseTime(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := api.ParseTime(value); err == nil {
		return t.In(loc), nil
	}
	for _, layout := range inputLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid time %q, use YYYY-MM-DD HH:MM", value)
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// CalendarsCommand lists calendars, owned first.
func CalendarsCommand(a *App, args []string) error {
	fs := flag.NewFlagSet("calendars", flag.ContinueOnError)
	fs.SetOutput(a.Err)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	if _, err := a.RequireSession(ctx); err != nil {
		return err
	}
	if _, err := a.Events.LoadCalendars(ctx); err != nil {
		return err
	}

	owned := a.Events.OwnedCalendars()
	shared := a.Events.SharedCalendars()
	if len(owned)+len(shared) == 0 {
		_, _ = fmt.Fprintln(a.Out, "No calendars found")
		return nil
	}

	if len(owned) > 0 {
		_, _ = fmt.Fprintln(a.Out, titleStyle.Render("My calendars"))
		for _, c := range owned {
			_, _ = fmt.Fprintf(a.Out, "  %s %s %s\n", swatch(c.Color), c.Name, dimStyle.Render("("+c.ID.String()+")"))
		}
	}
	if len(shared) > 0 {
		_, _ = fmt.Fprintln(a.Out, titleStyle.Render("Shared with me"))
		for _, c := range shared {
			owner := ""
			if c.Owner != nil && c.Owner.DisplayName != "" {
				owner = " · " + c.Owner.DisplayName
			}
			_, _ = fmt.Fprintf(a.Out, "  %s %s %s\n", swatch(c.Color), c.Name, dimStyle.Render("("+c.ID.String()+owner+")"))
		}
	}
	return nil
}

// EventsCommand prints an agenda for the visible calendars.
func EventsCommand(a *App, args []string) error {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	fs.SetOutput(a.Err)
	from := fs.String("from", "", "First day (default: today)")
	days := fs.Int("days", 7, "Number of days to show")
	hide := fs.String("hide", "", "Comma-separated calendar ids to hide")
	if err := fs.Parse(args); err != nil {
		return err
	}

	window, err := agendaWindow(*from, *days, a.Location)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if _, err := a.RequireSession(ctx); err != nil {
		return err
	}
	if _, err := a.Events.LoadCalendars(ctx); err != nil {
		return err
	}
	for _, id := range splitList(*hide) {
		a.Events.SetVisible(models.ID(id), false)
	}

	report, err := a.Events.LoadAll(ctx, window)
	if err != nil {
		return err
	}
	for _, w := range report.Warnings {
		_, _ = fmt.Fprintln(a.Err, warnStyle.Render("⚠ Skipped "+w.String()))
	}

	a.printAgenda(a.Events.VisibleEvents())
	return nil
}

func agendaWindow(from string, days int, loc *time.Location) (models.TimeRange, error) {
	if days <= 0 {
		return models.TimeRange{}, fmt.Errorf("--days must be positive")
	}
	start := startOfDay(time.Now().In(loc))
	if from != "" {
		t, err := parseTime(from, loc)
		if err != nil {
			return models.TimeRange{}, err
		}
		start = startOfDay(t)
	}
	return models.TimeRange{Start: start, End: start.AddDate(0, 0, days)}, nil
}

func (a *App) printAgenda(evs []models.Event) {
	if len(evs) == 0 {
		_, _ = fmt.Fprintln(a.Out, "No events")
		return
	}

	colors := make(map[models.ID]string)
	for _, c := range a.Events.Calendars() {
		colors[c.ID] = c.Color
	}

	var day string
	for _, ev := range evs {
		start := ev.Start.In(a.Location)
		if d := start.Format("Monday, January 2"); d != day {
			day = d
			_, _ = fmt.Fprintln(a.Out, dayStyle.Render(day))
		}

		when := "all day"
		if !ev.AllDay {
			when = start.Format("15:04") + "–" + ev.End.In(a.Location).Format("15:04")
		}
		line := fmt.Sprintf("  %s %s %s", swatch(colors[ev.CalendarID]), timeStyle.Render(when), ev.Summary)
		if ev.PartOfSeries() {
			line += " " + dimStyle.Render("↻")
		}
		if ev.Location != "" {
			line += " " + dimStyle.Render("@ "+ev.Location)
		}
		line += " " + dimStyle.Render(ev.ID)
		if ev.RecurrenceID != "" {
			line += dimStyle.Render(" " + ev.RecurrenceID)
		}
		_, _ = fmt.Fprintln(a.Out, line)
	}
}

// AddEventCommand creates an event.
func AddEventCommand(a *App, args []string) error {
	fs := flag.NewFlagSet("add-event", flag.ContinueOnError)
	fs.SetOutput(a.Err)
	calendar := fs.String("calendar", "", "Calendar id (required)")
	title := fs.String("title", "", "Event title (required)")
	start := fs.String("start", "", "Start time, YYYY-MM-DD HH:MM (required)")
	end := fs.String("end", "", "End time (default: one hour after start)")
	allDay := fs.Bool("all-day", false, "All-day event")
	description := fs.String("description", "", "Description")
	location := fs.String("location", "", "Location")
	repeat := fs.String("repeat", "", "Recurrence: daily, weekly, monthly or yearly")
	interval := fs.Int("interval", 1, "Repeat every N periods")
	count := fs.Int("count", 0, "Number of occurrences (0: no limit)")
	byDay := fs.String("by-day", "", "Weekdays for weekly repeats, e.g. MO,WE")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *calendar == "" || *title == "" || *start == "" {
		return fmt.Errorf("--calendar, --title and --start are required")
	}

	startAt, err := parseTime(*start, a.Location)
	if err != nil {
		return err
	}
	endAt := startAt.Add(time.Hour)
	if *allDay {
		startAt = startOfDay(startAt)
		endAt = startAt.AddDate(0, 0, 1)
	}
	if *end != "" {
		if endAt, err = parseTime(*end, a.Location); err != nil {
			return err
		}
	}

	draft := models.EventDraft{
		Summary:     *title,
		Description: *description,
		Location:    *location,
		Start:       startAt,
		End:         endAt,
		Timezone:    a.Config.Timezone,
		AllDay:      *allDay,
	}
	if *repeat != "" {
		draft.Recurrence = &models.Recurrence{
			Frequency: strings.ToLower(*repeat),
			Interval:  *interval,
			ByDay:     splitList(strings.ToUpper(*byDay)),
		}
		if *count > 0 {
			draft.Recurrence.Count = count
		}
	}

	ctx := context.Background()
	if _, err := a.RequireSession(ctx); err != nil {
		return err
	}
	ev, err := a.Events.Create(ctx, models.ID(*calendar), draft)
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}

	_, _ = fmt.Fprintln(a.Out, okStyle.Render(fmt.Sprintf("✓ Event created: %s (ID: %s)", ev.Summary, ev.ID)))
	if rule := ev.Rule(); rule != "" {
		_, _ = fmt.Fprintf(a.Out, "  Repeats: %s\n", rule)
	}
	return nil
}

// UpdateEventCommand patches an event, optionally scoped to part of a series.
func UpdateEventCommand(a *App, args []string) error {
	fs := flag.NewFlagSet("update-event", flag.ContinueOnError)
	fs.SetOutput(a.Err)
	calendar := fs.String("calendar", "", "Calendar id (required)")
	title := fs.String("title", "", "New title")
	start := fs.String("start", "", "New start time")
	end := fs.String("end", "", "New end time")
	description := fs.String("description", "", "New description")
	location := fs.String("location", "", "New location")
	scope := fs.String("scope", "", "For recurring events: instance, thisAndFuture or all")
	recurrenceID := fs.String("recurrence-id", "", "Occurrence the scope is anchored on")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if len(fs.Args()) < 1 || *calendar == "" {
		return fmt.Errorf("--calendar and an event id are required")
	}
	eventID := fs.Args()[0]

	target, err := parseTarget(*scope, *recurrenceID)
	if err != nil {
		return err
	}

	var patch models.EventPatch
	changed := false
	setString := func(value string, dst **string) {
		if value != "" {
			v := value
			*dst = &v
			changed = true
		}
	}
	setString(*title, &patch.Summary)
	setString(*description, &patch.Description)
	setString(*location, &patch.Location)
	if *start != "" {
		t, err := parseTime(*start, a.Location)
		if err != nil {
			return err
		}
		patch.Start = &t
		changed = true
	}
	if *end != "" {
		t, err := parseTime(*end, a.Location)
		if err != nil {
			return err
		}
		patch.End = &t
		changed = true
	}
	if !changed {
		return fmt.Errorf("nothing to update")
	}

	ctx := context.Background()
	if _, err := a.RequireSession(ctx); err != nil {
		return err
	}
	ev, err := a.Events.Update(ctx, eventID, models.ID(*calendar), patch, target)
	if err != nil {
		return fmt.Errorf("failed to update event: %w", err)
	}

	_, _ = fmt.Fprintln(a.Out, okStyle.Render(fmt.Sprintf("✓ Event updated: %s (ID: %s)", ev.Summary, ev.ID)))
	return nil
}

// DeleteEventCommand deletes an event, optionally scoped to part of a series.
func DeleteEventCommand(a *App, args []string) error {
	fs := flag.NewFlagSet("delete-event", flag.ContinueOnError)
	fs.SetOutput(a.Err)
	calendar := fs.String("calendar", "", "Calendar id (required)")
	scope := fs.String("scope", "", "For recurring events: instance, thisAndFuture or all")
	recurrenceID := fs.String("recurrence-id", "", "Occurrence the scope is anchored on")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if len(fs.Args()) < 1 || *calendar == "" {
		return fmt.Errorf("--calendar and an event id are required")
	}
	eventID := fs.Args()[0]

	target, err := parseTarget(*scope, *recurrenceID)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if _, err := a.RequireSession(ctx); err != nil {
		return err
	}
	if err := a.Events.DeleteOne(ctx, eventID, models.ID(*calendar), target); err != nil {
		return fmt.Errorf("failed to delete event: %w", err)
	}

	_, _ = fmt.Fprintln(a.Out, okStyle.Render("✓ Event deleted: "+eventID))
	return nil
}

// MoveEventCommand reschedules a single event, keeping its duration unless --end is given.
func MoveEventCommand(a *App, args []string) error {
	fs := flag.NewFlagSet("move-event", flag.ContinueOnError)
	fs.SetOutput(a.Err)
	calendar := fs.String("calendar", "", "Calendar id (required)")
	start := fs.String("start", "", "New start time (required)")
	end := fs.String("end", "", "New end time (default: keep duration)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if len(fs.Args()) < 1 || *calendar == "" || *start == "" {
		return fmt.Errorf("--calendar, --start and an event id are required")
	}
	eventID := fs.Args()[0]
	calID := models.ID(*calendar)

	newStart, err := parseTime(*start, a.Location)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if _, err := a.RequireSession(ctx); err != nil {
		return err
	}
	current, err := a.Events.GetEvent(ctx, calID, eventID)
	if err != nil {
		return fmt.Errorf("failed to load event: %w", err)
	}

	newEnd := newStart.Add(current.End.Sub(current.Start))
	if *end != "" {
		if newEnd, err = parseTime(*end, a.Location); err != nil {
			return err
		}
	}

	moved, err := a.Events.MoveByDrag(ctx, eventID, calID, newStart, newEnd)
	if err != nil {
		return fmt.Errorf("failed to move event: %w", err)
	}

	_, _ = fmt.Fprintln(a.Out, okStyle.Render(fmt.Sprintf("✓ Event moved: %s → %s",
		moved.Summary, moved.Start.In(a.Location).Format("Mon Jan 2 15:04"))))
	return nil
}

func parseTarget(scope, recurrenceID string) (models.MutationTarget, error) {
	s, err := models.ParseScope(scope)
	if err != nil {
		return models.MutationTarget{}, err
	}
	target := models.MutationTarget{Scope: s, RecurrenceID: recurrenceID}
	if err := target.Validate(); err != nil {
		if errors.Is(err, models.ErrScopeRequiresRecurrenceID) {
			return target, fmt.Errorf("--scope %s needs --recurrence-id: %w", scope, err)
		}
		return target, err
	}
	return target, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
