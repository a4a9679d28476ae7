// ABOUTME: Contacts and address book store
// ABOUTME: Loads contacts per address book with warn-and-skip failures, searches, sorts and groups them
package contacts

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/harperreed/calclient/api"
	"github.com/harperreed/calclient/models"
	"github.com/rs/zerolog"
)

// SortBy names a contact ordering.
type SortBy string

const (
	SortByName         SortBy = "name"
	SortByOrganization SortBy = "organization"
	SortByEmail        SortBy = "email"
	SortByUpdated      SortBy = "updated"
)

// ParseSortBy accepts the names above; empty means SortByName.
func ParseSortBy(s string) (SortBy, error) {
	switch SortBy(strings.ToLower(strings.TrimSpace(s))) {
	case "", SortByName:
		return SortByName, nil
	case SortByOrganization:
		return SortByOrganization, nil
	case SortByEmail:
		return SortByEmail, nil
	case SortByUpdated:
		return SortByUpdated, nil
	default:
		return "", fmt.Errorf("unknown sort order %q", s)
	}
}

// API is the part of the request pipeline the store uses.
type API interface {
	ListAddressBooks(ctx context.Context) ([]models.AddressBook, error)
	ListContacts(ctx context.Context, addressBookID models.ID) (*api.ContactPage, error)
	SearchContacts(ctx context.Context, query string) ([]models.Contact, error)
	DeleteContact(ctx context.Context, addressBookID models.ID, contactID string) error
}

// Warning describes an address book whose contacts could not be loaded.
type Warning struct {
	AddressBookID   models.ID
	AddressBookName string
	Err             error
}

// Store mirrors the user's contacts.
type Store struct {
	api API
	log zerolog.Logger

	mu       sync.RWMutex
	books    []models.AddressBook
	contacts []models.Contact
	selected map[models.ID]bool
	query    string
}

func NewStore(client API, logger zerolog.Logger) *Store {
	return &Store{
		api:      client,
		log:      logger.With().Str("component", "contact_store").Logger(),
		selected: make(map[models.ID]bool),
	}
}

// LoadAddressBooks fetches the address books and selects all of them.
func (s *Store) LoadAddressBooks(ctx context.Context) ([]models.AddressBook, error) {
	books, err := s.api.ListAddressBooks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list address books: %w", err)
	}

	s.mu.Lock()
	s.books = books
	s.selected = make(map[models.ID]bool, len(books))
	for _, b := range books {
		s.selected[b.ID] = true
	}
	s.mu.Unlock()

	return append([]models.AddressBook(nil), books...), nil
}

// LoadAll fetches the contacts of every address book. A failing address book is
// logged and skipped.
func (s *Store) LoadAll(ctx context.Context) ([]Warning, error) {
	s.mu.RLock()
	books := append([]models.AddressBook(nil), s.books...)
	s.mu.RUnlock()

	if len(books) == 0 {
		var err error
		if books, err = s.LoadAddressBooks(ctx); err != nil {
			return nil, err
		}
	}

	var (
		all      []models.Contact
		warnings []Warning
	)
	for _, b := range books {
		page, err := s.api.ListContacts(ctx, b.ID)
		if err != nil {
			warnings = append(warnings, Warning{AddressBookID: b.ID, AddressBookName: b.Name, Err: err})
			s.log.Warn().Err(err).Str("addressbook_id", b.ID.String()).Str("addressbook", b.Name).Msg("failed to load contacts, skipping address book")
			continue
		}
		all = append(all, page.Contacts...)
	}

	s.mu.Lock()
	s.contacts = all
	s.query = ""
	s.mu.Unlock()
	return warnings, nil
}

// Search runs a server-side search. An empty query reloads everything.
func (s *Store) Search(ctx context.Context, query string) ([]Warning, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return s.LoadAll(ctx)
	}

	found, err := s.api.SearchContacts(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to search contacts: %w", err)
	}

	s.mu.Lock()
	s.contacts = found
	s.query = query
	s.mu.Unlock()
	return nil, nil
}

// Delete removes a contact on the server, then locally.
func (s *Store) Delete(ctx context.Context, addressBookID models.ID, contactID string) error {
	if err := s.api.DeleteContact(ctx, addressBookID, contactID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.contacts[:0]
	for _, c := range s.contacts {
		if c.ID != contactID {
			kept = append(kept, c)
		}
	}
	s.contacts = kept
	return nil
}

// Select toggles whether an address book's contacts are listed.
func (s *Store) Select(addressBookID models.ID, selected bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if selected {
		s.selected[addressBookID] = true
		return
	}
	delete(s.selected, addressBookID)
}

func (s *Store) AddressBooks() []models.AddressBook {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.AddressBook(nil), s.books...)
}

// Query returns the active search query, empty after a full load.
func (s *Store) Query() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.query
}

// Contacts returns the contacts of selected address books. Contacts reference their
// address book by UUID.
func (s *Store) Contacts() []models.Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byUUID := make(map[string]models.ID, len(s.books))
	for _, b := range s.books {
		byUUID[b.UUID] = b.ID
	}

	var out []models.Contact
	for _, c := range s.contacts {
		id, ok := byUUID[c.AddressBookID.String()]
		if !ok {
			id = c.AddressBookID
		}
		if s.selected[id] {
			out = append(out, c)
		}
	}
	return out
}

// Sorted returns the selected contacts in the given order.
func (s *Store) Sorted(by SortBy) []models.Contact {
	return Sort(s.Contacts(), by)
}

// Sort returns a sorted copy of contacts. Updated sorts newest first.
func Sort(contacts []models.Contact, by SortBy) []models.Contact {
	out := append([]models.Contact(nil), contacts...)
	var less func(a, b models.Contact) bool
	switch by {
	case SortByOrganization:
		less = func(a, b models.Contact) bool { return fold(a.Organization) < fold(b.Organization) }
	case SortByEmail:
		less = func(a, b models.Contact) bool { return fold(a.PrimaryEmail()) < fold(b.PrimaryEmail()) }
	case SortByUpdated:
		less = func(a, b models.Contact) bool { return a.UpdatedAt.After(b.UpdatedAt) }
	default:
		less = func(a, b models.Contact) bool { return fold(a.FormattedName) < fold(b.FormattedName) }
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// Group buckets contacts by the upper-cased first letter of their name. Names that
// do not start with A-Z go under "#". Letters are returned in sorted order.
func Group(contacts []models.Contact) ([]string, map[string][]models.Contact) {
	groups := make(map[string][]models.Contact)
	for _, c := range contacts {
		key := "#"
		name := c.FormattedName
		if name == "" {
			name = "?"
		}
		r := unicode.ToUpper([]rune(name)[0])
		if r >= 'A' && r <= 'Z' {
			key = string(r)
		}
		groups[key] = append(groups[key], c)
	}

	letters := make([]string, 0, len(groups))
	for k := range groups {
		letters = append(letters, k)
	}
	sort.Strings(letters)
	return letters, groups
}

func fold(s string) string {
	return strings.ToLower(s)
}
