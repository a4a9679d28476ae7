// ABOUTME: Session CLI commands
// ABOUTME: Login with a hidden password prompt, logout, whoami and token printing
package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/harperreed/calclient/api"
	"github.com/harperreed/calclient/models"
	"golang.org/x/term"
)

// LoginCommand signs in and persists the refresh token.
func LoginCommand(a *App, args []string) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	fs.SetOutput(a.Err)
	email := fs.String("email", "", "Account email")
	password := fs.String("password", "", "Password (prompted when omitted)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *email == "" {
		value, err := a.readLine("Email: ")
		if err != nil {
			return fmt.Errorf("failed to read email: %w", err)
		}
		*email = value
	}
	if *password == "" {
		value, err := a.readPassword("Password: ")
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		*password = value
	}
	if *email == "" || *password == "" {
		return fmt.Errorf("email and password are required")
	}

	snap, err := a.Session.Login(context.Background(), models.Credentials{Email: *email, Password: *password})
	if err != nil {
		return fmt.Errorf("login failed: %w", err)
	}

	name := *email
	if snap.User != nil && snap.User.DisplayName != "" {
		name = snap.User.DisplayName
	}
	_, _ = fmt.Fprintln(a.Out, okStyle.Render("✓ Logged in as "+name))
	return nil
}

// readPassword reads without echo from a terminal, or a plain line otherwise.
func (a *App) readPassword(prompt string) (string, error) {
	if f, ok := a.In.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		_, _ = fmt.Fprint(a.Out, prompt)
		b, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(a.Out)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return a.readLine(prompt)
}

// LogoutCommand revokes the refresh token and forgets the session.
func LogoutCommand(a *App, args []string) error {
	fs := flag.NewFlagSet("logout", flag.ContinueOnError)
	fs.SetOutput(a.Err)
	if err := fs.Parse(args); err != nil {
		return err
	}

	a.Session.Logout(context.Background())
	_, _ = fmt.Fprintln(a.Out, okStyle.Render("✓ Logged out"))
	return nil
}

// WhoamiCommand prints the signed-in user.
func WhoamiCommand(a *App, args []string) error {
	fs := flag.NewFlagSet("whoami", flag.ContinueOnError)
	fs.SetOutput(a.Err)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	snap, err := a.RequireSession(ctx)
	if err != nil {
		return err
	}
	if snap.User == nil {
		return fmt.Errorf("failed to load profile: %w", api.ErrNotAuthenticated)
	}

	u := snap.User
	_, _ = fmt.Fprintln(a.Out, titleStyle.Render(u.Email))
	if u.DisplayName != "" && u.DisplayName != u.Email {
		_, _ = fmt.Fprintf(a.Out, "  Name:    %s\n", u.DisplayName)
	}
	if u.Username != "" {
		_, _ = fmt.Fprintf(a.Out, "  User:    %s\n", u.Username)
	}
	if snap.IsAdmin() {
		_, _ = fmt.Fprintln(a.Out, "  Role:    admin")
	}
	if !snap.ExpiresAt.IsZero() {
		_, _ = fmt.Fprintf(a.Out, "  Token:   expires %s\n", snap.ExpiresAt.In(a.Location).Format(time.RFC1123))
	}
	_, _ = fmt.Fprintf(a.Out, "  Server:  %s\n", a.Config.Server)
	return nil
}

// TokenCommand prints a currently valid access token, renewing it first when it is
// close to expiry. Handy for calling the API with curl.
func TokenCommand(a *App, args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(a.Err)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx := context.Background()
	if _, err := a.RequireSession(ctx); err != nil {
		return err
	}
	tok, err := a.Session.TokenSource(ctx).Token()
	if err != nil {
		return fmt.Errorf("failed to get access token: %w", err)
	}

	_, _ = fmt.Fprintln(a.Out, tok.AccessToken)
	return nil
}
