// Package mimeshim is a thin wrapper over emersion/go-message for parsing
// message bodies, Authentication-Results headers, and vCard shared-contact
// attachments (SPEC_FULL §D: "a thin wrapper ... not a new MIME parser").
//
// Body parsing is adapted from the teacher's pkgs/email/body.go
// (parseEntityBody/parseMultipart/parseSinglePart), generalized from the
// teacher's email.Message struct to this package's own ParsedBody so it
// has no dependency on the teacher's CLI-display types.
package mimeshim

import (
	"bytes"
	"io"
	"strings"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

// ParsedAttachment is one non-text part of a message.
type ParsedAttachment struct {
	Filename    string
	ContentType string
	Size        int64
	Data        []byte
}

// ParsedVCard is a shared-contact attachment (SPEC_FULL §C supplemented
// feature): a text/vcard or text/x-vcard part, carried alongside its raw
// bytes so the caller can hand it to internal/mimeshim.ParseVCard or store
// the original payload verbatim.
type ParsedVCard struct {
	Filename string
	Raw      []byte
}

// ParsedBody is the result of parsing one message's body.
type ParsedBody struct {
	TextBody    string
	HTMLBody    string
	Attachments []ParsedAttachment
	VCards      []ParsedVCard
}

// ParseBody reads a full RFC 5322 message (as returned by
// mailimap.Client.FetchRawBody) and extracts its text/html bodies,
// attachments, and any vCard shared-contact parts.
func ParseBody(r io.Reader) (*ParsedBody, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	entity, err := gomessage.Read(bytes.NewReader(raw))
	if err != nil {
		// Fall back to treating the payload as plain text, matching the
		// teacher's parseIMAPMessageBody behavior for malformed input
		// (spec.md §7: malformed messages become inert stubs, not errors).
		return &ParsedBody{TextBody: string(raw)}, nil
	}

	pb := &ParsedBody{}
	if mr := entity.MultipartReader(); mr != nil {
		parseMultipart(pb, mr)
	} else {
		parseSinglePart(pb, entity)
	}
	return pb, nil
}

func parseMultipart(pb *ParsedBody, mr gomessage.MultipartReader) {
	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}
		ct, _, _ := part.Header.ContentType()

		switch {
		case strings.HasPrefix(ct, "text/plain") && pb.TextBody == "":
			if body, err := io.ReadAll(part.Body); err == nil {
				pb.TextBody = string(body)
			}

		case strings.HasPrefix(ct, "text/html") && pb.HTMLBody == "":
			if body, err := io.ReadAll(part.Body); err == nil {
				pb.HTMLBody = string(body)
			}

		case strings.HasPrefix(ct, "multipart/"):
			if nested := part.MultipartReader(); nested != nil {
				parseMultipart(pb, nested)
			}

		case strings.HasPrefix(ct, "text/vcard"), strings.HasPrefix(ct, "text/x-vcard"):
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			h := mail.AttachmentHeader{Header: part.Header}
			filename, _ := h.Filename()
			pb.VCards = append(pb.VCards, ParsedVCard{Filename: filename, Raw: body})

		default:
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			h := mail.AttachmentHeader{Header: part.Header}
			filename, _ := h.Filename()
			pb.Attachments = append(pb.Attachments, ParsedAttachment{
				Filename:    filename,
				ContentType: ct,
				Size:        int64(len(body)),
				Data:        body,
			})
		}
	}
}

func parseSinglePart(pb *ParsedBody, entity *gomessage.Entity) {
	ct, _, _ := entity.Header.ContentType()
	body, err := io.ReadAll(entity.Body)
	if err != nil {
		return
	}
	switch {
	case strings.HasPrefix(ct, "text/html"):
		pb.HTMLBody = string(body)
	case strings.HasPrefix(ct, "text/vcard"), strings.HasPrefix(ct, "text/x-vcard"):
		pb.VCards = append(pb.VCards, ParsedVCard{Raw: body})
	default:
		pb.TextBody = string(body)
	}
}

// AuthenticationResultsHeaders reads every Authentication-Results header
// from a full RFC 5322 message, for callers that only have the raw
// message bytes rather than mailimap's header-only fetch.
func AuthenticationResultsHeaders(r io.Reader) ([]string, error) {
	entity, err := gomessage.Read(r)
	if err != nil {
		return nil, err
	}
	return entity.Header.Values("Authentication-Results"), nil
}

// ReadAllBody drains r into memory; a convenience for call sites that do
// not need streaming (mainly tests).
func ReadAllBody(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
