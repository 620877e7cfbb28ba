// Package contacts provides the Contacts/Directory component: a
// derived, read-only view over a family's Users, plus vCard
// import/export of that directory for sharing outside the assistant.
package contacts

import (
	"context"
	"fmt"
	"strings"

	"github.com/boassistant/bo/internal/storage"
)

// Store is the subset of the persistence layer the directory depends on.
type Store interface {
	UsersInFamily(ctx context.Context, familyID string) ([]storage.User, error)
}

// Directory is a derived view over a family's membership: number ↔
// display name lookups and contact-name resolution. It holds no state
// of its own; every call re-reads the current membership.
type Directory struct {
	store Store
}

// New constructs a Directory.
func New(store Store) *Directory {
	return &Directory{store: store}
}

// Entry is one resolvable contact within a family.
type Entry struct {
	DisplayName string
	FirstName   string
	Number      string // canonical phone, may be empty
	TelegramID  string // may be empty
}

// number returns the best identifier to dispatch a message to: phone
// if present, else telegram id.
func (e Entry) number() string {
	if e.Number != "" {
		return e.Number
	}
	return e.TelegramID
}

// List returns every member of familyID as directory entries, ordered
// by display name (the order UsersInFamily already returns).
func (d *Directory) List(ctx context.Context, familyID string) ([]Entry, error) {
	users, err := d.store.UsersInFamily(ctx, familyID)
	if err != nil {
		return nil, fmt.Errorf("list family users: %w", err)
	}
	out := make([]Entry, 0, len(users))
	for _, u := range users {
		out = append(out, Entry{
			DisplayName: u.DisplayName,
			FirstName:   u.FirstName,
			Number:      u.CanonicalPhone,
			TelegramID:  u.TelegramID,
		})
	}
	return out, nil
}

// Names returns the known contact display names for a family, for
// inclusion in the skill-selection prompt.
func (d *Directory) Names(ctx context.Context, familyID string) ([]string, error) {
	entries, err := d.List(ctx, familyID)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.DisplayName
	}
	return names, nil
}

// ErrUnknownContact is returned when resolveContactToNumber finds no match.
var ErrUnknownContact = fmt.Errorf("contacts: no contact matches that name")

// ErrNoNumber is returned when a contact is resolved but has neither a
// phone number nor a Telegram id to dispatch to.
var ErrNoNumber = fmt.Errorf("contacts: contact has no phone number or telegram id")

// ResolveContactToNumber implements resolveContactToNumber: an exact
// full-name case-insensitive match wins; otherwise the first contact
// whose first name equals the input's first word exactly (not a
// prefix — "Cara" must not match "Carrie"). Returns ErrUnknownContact
// if nothing matches, or ErrNoNumber if the match has no dispatchable
// identifier.
func (d *Directory) ResolveContactToNumber(ctx context.Context, familyID, name string) (Entry, error) {
	entries, err := d.List(ctx, familyID)
	if err != nil {
		return Entry{}, err
	}

	target := strings.ToLower(strings.TrimSpace(name))
	for _, e := range entries {
		if strings.ToLower(e.DisplayName) == target {
			return d.withNumber(e)
		}
	}

	firstWord := target
	if i := strings.IndexByte(target, ' '); i >= 0 {
		firstWord = target[:i]
	}
	for _, e := range entries {
		if strings.EqualFold(e.FirstName, firstWord) {
			return d.withNumber(e)
		}
	}

	return Entry{}, ErrUnknownContact
}

func (d *Directory) withNumber(e Entry) (Entry, error) {
	if e.number() == "" {
		return e, ErrNoNumber
	}
	return e, nil
}

// NumberToName resolves a canonical number or telegram id to its
// display name within a family, for use in outbound notification text.
func (d *Directory) NumberToName(ctx context.Context, familyID, number string) (string, error) {
	entries, err := d.List(ctx, familyID)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		if e.Number == number || e.TelegramID == number {
			return e.DisplayName, nil
		}
	}
	return "", ErrUnknownContact
}
