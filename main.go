// ABOUTME: Entry point for the calendar client CLI
// ABOUTME: Loads config, wires the client and routes to session, calendar and contact commands
package main

import (
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/harperreed/calclient/cli"
	"github.com/harperreed/calclient/config"
)

const version = "0.1.0"

type command func(a *cli.App, args []string) error

var commands = map[string]command{
	"login":           cli.LoginCommand,
	"logout":          cli.LogoutCommand,
	"whoami":          cli.WhoamiCommand,
	"token":           cli.TokenCommand,
	"calendars":       cli.CalendarsCommand,
	"events":          cli.EventsCommand,
	"add-event":       cli.AddEventCommand,
	"update-event":    cli.UpdateEventCommand,
	"delete-event":    cli.DeleteEventCommand,
	"move-event":      cli.MoveEventCommand,
	"watch":           cli.WatchCommand,
	"contacts":        cli.ContactsCommand,
	"search-contacts": cli.SearchContactsCommand,
	"delete-contact":  cli.DeleteContactCommand,
}

func main() {
	// Global flags
	showVersion := flag.Bool("version", false, "Show version and exit")
	server := flag.String("server", "", "Server URL (overrides config)")
	cookieDB := flag.String("cookie-db", "", "Cookie database path (default: ~/.local/share/calclient/cookies.db)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error")
	dev := flag.Bool("dev", false, "Development mode: refresh cookie without the Secure attribute")

	_ = flag.CommandLine.Parse(os.Args[1:])

	if *showVersion {
		fmt.Printf("calclient version %s\n", version)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(0)
	}

	name := args[0]
	if name == "version" {
		fmt.Printf("calclient version %s\n", version)
		return
	}
	if name == "help" {
		printUsage()
		return
	}

	run, ok := commands[name]
	if !ok {
		fmt.Printf("Unknown command: %s\n\n", name)
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if *server != "" {
		cfg.Server = *server
	}
	if *cookieDB != "" {
		cfg.CookieDB = *cookieDB
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *dev {
		cfg.DevMode = true
	}
	if _, err := cfg.EnsureDeviceID(); err != nil {
		log.Printf("warning: could not save device id: %v", err)
	}

	app, err := cli.NewApp(cfg, cli.Options{Version: version})
	if err != nil {
		log.Fatalf("Failed to start: %v", err)
	}

	err = run(app, args[1:])
	_ = app.Close()
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Printf(`calclient v%s - Calendar and contacts client

USAGE:
  calclient [global flags] <command> [flags] [args]

GLOBAL FLAGS:
  --version              Show version and exit
  --server <url>         Server URL (default from config, http://localhost:8080)
  --cookie-db <path>     Cookie database path (default: ~/.local/share/calclient/cookies.db)
  --log-level <level>    Log level: debug, info, warn, error
  --dev                  Store the refresh cookie without the Secure attribute

SESSION:
  calclient login           Sign in (prompts for anything not given)
    --email <email>           Account email
    --password <password>     Password
  calclient logout          Sign out and revoke the refresh token
  calclient whoami          Show the signed-in user
  calclient token           Print a valid access token

CALENDARS:
  calclient calendars       List calendars
  calclient events          Show an agenda
    --from <date>             First day (default: today)
    --days <n>                Number of days (default: 7)
    --hide <ids>              Comma-separated calendar ids to hide
  calclient watch           Reload the agenda periodically
    --days <n>                Number of days (default: 1)
    --interval <duration>     Reload interval (default: 5m)
    --metrics-addr <addr>     Serve Prometheus metrics, e.g. :9090

  calclient add-event       Create an event
    --calendar <id>           Calendar id (required)
    --title <title>           Title (required)
    --start <time>            Start, YYYY-MM-DD HH:MM (required)
    --end <time>              End (default: one hour later)
    --all-day                 All-day event
    --description <text>      Description
    --location <text>         Location
    --repeat <freq>           daily, weekly, monthly or yearly
    --interval <n>            Repeat every n periods
    --count <n>               Number of occurrences
    --by-day <days>           Weekdays for weekly repeats, e.g. MO,WE

  calclient update-event [flags] <id>   Update an event
    --calendar <id>           Calendar id (required)
    --title, --start, --end, --description, --location
    --scope <scope>           instance, thisAndFuture or all (recurring events)
    --recurrence-id <id>      Occurrence the scope is anchored on
    Note: flags must come before the event ID

  calclient delete-event [flags] <id>   Delete an event
    --calendar <id>           Calendar id (required)
    --scope, --recurrence-id  As for update-event

  calclient move-event [flags] <id>     Reschedule a single event
    --calendar <id>           Calendar id (required)
    --start <time>            New start (required)
    --end <time>              New end (default: keep duration)

CONTACTS:
  calclient contacts        List contacts
    --sort <field>            name, organization, email or updated
    --group                   Group by first letter
    --book <id>               Only this address book
  calclient search-contacts <query>     Search contacts on the server
  calclient delete-contact --book <id> <id>   Delete a contact

EXAMPLES:
  # Sign in
  calclient --server https://cal.example.com login --email ada@example.com

  # This week's agenda
  calclient events

  # Move one occurrence of a recurring meeting
  calclient update-event --calendar 3 --scope instance --recurrence-id 20260209T090000Z \
    --start "2026-02-09 10:00" 6f1c0b9e

`, version)
}
