// ABOUTME: Address book and contact endpoints
// ABOUTME: Lists address books and contacts, searches and deletes contacts
package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/harperreed/calclient/models"
)

type addressBookList struct {
	AddressBooks []models.AddressBook `json:"addressbooks"`
}

// ContactPage is one page of an address book listing.
type ContactPage struct {
	Contacts []models.Contact `json:"Contacts"`
	Total    int              `json:"Total"`
	Limit    int              `json:"Limit"`
	Offset   int              `json:"Offset"`
}

type contactSearch struct {
	Contacts []models.Contact `json:"contacts"`
	Query    string           `json:"query"`
	Count    int              `json:"count"`
}

func (c *Client) ListAddressBooks(ctx context.Context) ([]models.AddressBook, error) {
	var out addressBookList
	if err := c.DoWithRetry(ctx, Call{Method: http.MethodGet, Path: "/api/v1/addressbooks"}, &out); err != nil {
		return nil, err
	}
	return out.AddressBooks, nil
}

func (c *Client) ListContacts(ctx context.Context, addressBookID models.ID) (*ContactPage, error) {
	var page ContactPage
	path := fmt.Sprintf("/api/v1/addressbooks/%s/contacts", addressBookID)
	if err := c.DoWithRetry(ctx, Call{Method: http.MethodGet, Path: path}, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) SearchContacts(ctx context.Context, query string) ([]models.Contact, error) {
	var out contactSearch
	q := url.Values{}
	q.Set("q", query)
	if err := c.DoWithRetry(ctx, Call{Method: http.MethodGet, Path: "/api/v1/contacts/search", Query: q}, &out); err != nil {
		return nil, err
	}
	return out.Contacts, nil
}

func (c *Client) DeleteContact(ctx context.Context, addressBookID models.ID, contactID string) error {
	path := fmt.Sprintf("/api/v1/addressbooks/%s/contacts/%s", addressBookID, contactID)
	return c.DoWithRetry(ctx, Call{Method: http.MethodDelete, Path: path}, nil)
}
