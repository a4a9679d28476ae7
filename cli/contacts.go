// ABOUTME: Contact CLI commands
// ABOUTME: Lists, searches and deletes contacts across address books
package cli

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/harperreed/calclient/contacts"
	"github.com/harperreed/calclient/models"
)

// ContactsCommand lists contacts from every address book.
func ContactsCommand(a *App, args []string) error {
	fs := flag.NewFlagSet("contacts", flag.ContinueOnError)
	fs.SetOutput(a.Err)
	sortBy := fs.String("sort", "name", "Sort by name, organization, email or updated")
	group := fs.Bool("group", false, "Group by first letter")
	book := fs.String("book", "", "Only show this address book id")
	if err := fs.Parse(args); err != nil {
		return err
	}

	order, err := contacts.ParseSortBy(*sortBy)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if _, err := a.RequireSession(ctx); err != nil {
		return err
	}
	warnings, err := a.Contacts.LoadAll(ctx)
	if err != nil {
		return err
	}
	a.printContactWarnings(warnings)

	if *book != "" {
		for _, b := range a.Contacts.AddressBooks() {
			a.Contacts.Select(b.ID, b.ID.String() == *book)
		}
	}

	list := a.Contacts.Sorted(order)
	if *group {
		a.printGrouped(list)
		return nil
	}
	a.printContacts(list)
	return nil
}

// SearchContactsCommand runs a server-side contact search.
func SearchContactsCommand(a *App, args []string) error {
	fs := flag.NewFlagSet("search-contacts", flag.ContinueOnError)
	fs.SetOutput(a.Err)
	sortBy := fs.String("sort", "name", "Sort by name, organization, email or updated")
	if err := fs.Parse(args); err != nil {
		return err
	}

	query := strings.Join(fs.Args(), " ")
	order, err := contacts.ParseSortBy(*sortBy)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if _, err := a.RequireSession(ctx); err != nil {
		return err
	}
	if _, err := a.Contacts.LoadAddressBooks(ctx); err != nil {
		return err
	}
	warnings, err := a.Contacts.Search(ctx, query)
	if err != nil {
		return err
	}
	a.printContactWarnings(warnings)

	a.printContacts(a.Contacts.Sorted(order))
	return nil
}

// DeleteContactCommand deletes a contact from an address book.
func DeleteContactCommand(a *App, args []string) error {
	fs := flag.NewFlagSet("delete-contact", flag.ContinueOnError)
	fs.SetOutput(a.Err)
	book := fs.String("book", "", "Address book id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if len(fs.Args()) < 1 || *book == "" {
		return fmt.Errorf("--book and a contact id are required")
	}
	contactID := fs.Args()[0]

	ctx := context.Background()
	if _, err := a.RequireSession(ctx); err != nil {
		return err
	}
	if err := a.Contacts.Delete(ctx, models.ID(*book), contactID); err != nil {
		return fmt.Errorf("failed to delete contact: %w", err)
	}

	_, _ = fmt.Fprintln(a.Out, okStyle.Render("✓ Contact deleted: "+contactID))
	return nil
}

func (a *App) printContactWarnings(warnings []contacts.Warning) {
	for _, w := range warnings {
		_, _ = fmt.Fprintln(a.Err, warnStyle.Render(fmt.Sprintf("⚠ Skipped address book %q: %v", w.AddressBookName, w.Err)))
	}
}

func (a *App) printContacts(list []models.Contact) {
	if len(list) == 0 {
		_, _ = fmt.Fprintln(a.Out, "No contacts found")
		return
	}

	w := tabwriter.NewWriter(a.Out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAME\tEMAIL\tORGANIZATION\tID")
	_, _ = fmt.Fprintln(w, "----\t-----\t------------\t--")
	for _, c := range list {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", orDash(c.FormattedName), orDash(c.PrimaryEmail()), orDash(c.Organization), c.ID)
	}
	_ = w.Flush()

	_, _ = fmt.Fprintf(a.Out, "\nTotal: %d contact(s)\n", len(list))
}

func (a *App) printGrouped(list []models.Contact) {
	letters, groups := contacts.Group(list)
	for _, l := range letters {
		_, _ = fmt.Fprintln(a.Out, letterStyle.Render(l))
		for _, c := range groups[l] {
			line := "  " + orDash(c.FormattedName)
			if email := c.PrimaryEmail(); email != "" {
				line += " " + dimStyle.Render("<"+email+">")
			}
			_, _ = fmt.Fprintln(a.Out, line)
		}
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
