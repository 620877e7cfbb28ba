package contacts

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/emersion/go-vcard"
)

// ExportVCard renders a family's directory as a vCard stream, one card
// per entry.
func (d *Directory) ExportVCard(ctx context.Context, familyID string) ([]byte, error) {
	entries, err := d.List(ctx, familyID)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	enc := vcard.NewEncoder(&buf)
	for _, e := range entries {
		card := entryToCard(e)
		if err := enc.Encode(card); err != nil {
			return nil, fmt.Errorf("encode vcard for %s: %w", e.DisplayName, err)
		}
	}
	return buf.Bytes(), nil
}

// ExportContactVCard renders a single resolved contact as one vCard.
func ExportContactVCard(e Entry) ([]byte, error) {
	var buf bytes.Buffer
	enc := vcard.NewEncoder(&buf)
	if err := enc.Encode(entryToCard(e)); err != nil {
		return nil, fmt.Errorf("encode vcard: %w", err)
	}
	return buf.Bytes(), nil
}

func entryToCard(e Entry) vcard.Card {
	card := make(vcard.Card)
	card.SetValue(vcard.FieldFormattedName, e.DisplayName)
	card.SetValue(vcard.FieldName, e.DisplayName)
	if e.Number != "" {
		card.Add(vcard.FieldTelephone, &vcard.Field{Value: e.Number})
	}
	if e.TelegramID != "" {
		card.Add(vcard.FieldURL, &vcard.Field{Value: "tg://user?id=" + e.TelegramID})
	}
	return card
}

// ImportedContact is a contact parsed out of an uploaded vCard, ready
// to be turned into a storage.User by the caller (import never writes
// directly — membership/role decisions belong to the caller).
type ImportedContact struct {
	DisplayName string
	Number      string
}

// ImportVCard parses a vCard stream into a list of candidate contacts.
// Cards without a formatted name are skipped.
func ImportVCard(r io.Reader) ([]ImportedContact, error) {
	dec := vcard.NewDecoder(r)
	var out []ImportedContact
	for {
		card, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode vcard: %w", err)
		}
		name := card.PreferredValue(vcard.FieldFormattedName)
		if name == "" {
			continue
		}
		var number string
		if tels := card.Values(vcard.FieldTelephone); len(tels) > 0 {
			number = tels[0]
		}
		out = append(out, ImportedContact{DisplayName: name, Number: number})
	}
	return out, nil
}
