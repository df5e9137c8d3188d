package mimeshim

import (
	"bytes"

	"github.com/emersion/go-vcard"
)

// SharedContact is the minimal projection of a vCard this core stores: a
// display name and an email address, the two fields deltachat's
// Chat-VCard-Contact feature actually consumes (SPEC_FULL §C).
type SharedContact struct {
	Name  string
	Email string
}

// ParseVCard decodes a single vCard and extracts the shared-contact
// fields. A vCard with multiple contacts (rare for this feature, which
// always shares exactly one) yields only the first.
func ParseVCard(raw []byte) (*SharedContact, error) {
	dec := vcard.NewDecoder(bytes.NewReader(raw))
	card, err := dec.Decode()
	if err != nil {
		return nil, err
	}

	return &SharedContact{
		Name:  card.PreferredValue(vcard.FieldFormattedName),
		Email: card.PreferredValue(vcard.FieldEmail),
	}, nil
}

// EncodeVCard produces a minimal vCard 3.0 payload for a shared contact,
// the counterpart write path to ParseVCard (used when this core itself
// shares one of its contacts into an outgoing message).
func EncodeVCard(c SharedContact) ([]byte, error) {
	card := vcard.Card{}
	card.SetValue(vcard.FieldFormattedName, c.Name)
	card.SetValue(vcard.FieldEmail, c.Email)
	card.SetValue(vcard.FieldVersion, "3.0")

	var buf bytes.Buffer
	enc := vcard.NewEncoder(&buf)
	if err := enc.Encode(card); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
