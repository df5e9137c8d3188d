// Package mailsmtp wraps emersion/go-smtp for the SMTP loop (spec.md §4.3,
// component E): connect, send queued MIME messages over a connection the
// loop keeps open, and report the error back so the loop can drive its ratelimit
// and exponential-backoff policy.
//
// Adapted from the teacher's pkgs/email/smtp.go: Connect/Close and
// BuildMessage are the teacher's, generalized from a one-shot SendOptions
// call into OutgoingMessage (the structured fields BuildMessage composes
// into MIME) plus Send/SendRaw, which the loop can call repeatedly without
// reconstructing a Client each time; SendRaw takes a MIME payload already
// composed at enqueue time, as the scheduler's outbound queue holds.
package mailsmtp

import (
	"bytes"
	"crypto/rand"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Config holds SMTP connection settings.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	SSL      bool
	StartTLS bool
}

// Client wraps a single SMTP connection.
type Client struct {
	cfg    Config
	client *smtp.Client
}

// New constructs an unconnected Client.
func New(cfg Config) *Client {
	return &Client{cfg: cfg}
}

// Connect dials and authenticates.
func (c *Client) Connect() error {
	var dialFn func(addr string, tlsConfig *tls.Config) (*smtp.Client, error)
	tlsCfg := &tls.Config{ServerName: c.cfg.Host}

	switch {
	case c.cfg.SSL:
		dialFn = smtp.DialTLS
	case c.cfg.StartTLS:
		dialFn = smtp.DialStartTLS
	default:
		dialFn = func(addr string, _ *tls.Config) (*smtp.Client, error) { return smtp.Dial(addr) }
	}

	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
	client, err := dialFn(addr, tlsCfg)
	if err != nil {
		return fmt.Errorf("mailsmtp: dial %s: %w", addr, err)
	}

	if c.cfg.Password != "" {
		auth := sasl.NewPlainClient("", c.cfg.Username, c.cfg.Password)
		if err := client.Auth(auth); err != nil {
			client.Close()
			return fmt.Errorf("mailsmtp: auth: %w", err)
		}
	}

	c.client = client
	return nil
}

// Close tears down the connection, if any.
func (c *Client) Close() error {
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// Connected reports whether the client currently holds an open connection.
func (c *Client) Connected() bool {
	return c.client != nil
}

// Address is a display-name/email pair.
type Address struct {
	Name  string
	Email string
}

// Attachment is a pre-loaded attachment; unlike the teacher's
// AttachmentPath, bytes are supplied directly since the scheduler reads
// attachment blobs from the store rather than the local filesystem.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// OutgoingMessage is one queued message to send (spec.md §4.3 "drain
// outgoing queue").
type OutgoingMessage struct {
	From        Address
	To          []Address
	Cc          []Address
	Bcc         []Address
	Subject     string
	TextBody    string
	HTMLBody    string
	InReplyTo   string
	References  []string
	Attachments []Attachment
}

// Send builds the MIME message and hands it to SendMail. The caller is
// responsible for having called Connect first; the SMTP loop keeps one
// connection open across an entire ratelimit/backoff cycle rather than
// reconnecting per message.
func (c *Client) Send(msg OutgoingMessage) error {
	if c.client == nil {
		return fmt.Errorf("mailsmtp: send: not connected")
	}

	buf, err := BuildMessage(msg)
	if err != nil {
		return fmt.Errorf("mailsmtp: build message: %w", err)
	}

	recipients := make([]string, 0, len(msg.To)+len(msg.Cc)+len(msg.Bcc))
	for _, a := range msg.To {
		recipients = append(recipients, a.Email)
	}
	for _, a := range msg.Cc {
		recipients = append(recipients, a.Email)
	}
	for _, a := range msg.Bcc {
		recipients = append(recipients, a.Email)
	}

	if err := c.client.SendMail(msg.From.Email, recipients, buf); err != nil {
		return fmt.Errorf("mailsmtp: send mail: %w", err)
	}
	return nil
}

// SendRaw hands an already-built MIME payload to SendMail, for callers
// (the scheduler's outbound queue) that compose the message once at
// enqueue time rather than per send attempt.
func (c *Client) SendRaw(from string, recipients []string, mimeData []byte) error {
	if c.client == nil {
		return fmt.Errorf("mailsmtp: send: not connected")
	}
	if err := c.client.SendMail(from, recipients, bytes.NewReader(mimeData)); err != nil {
		return fmt.Errorf("mailsmtp: send mail: %w", err)
	}
	return nil
}

// BuildMessage renders an OutgoingMessage to RFC 5322 MIME bytes. Exported
// so a caller that only needs to compose and queue a message (no live SMTP
// connection yet — see internal/rpcserver's send_msg) doesn't have to
// duplicate this MIME-composition logic.
func BuildMessage(msg OutgoingMessage) (*bytes.Buffer, error) {
	var buf bytes.Buffer

	var header mail.Header
	header.SetDate(time.Now())
	header.SetSubject(msg.Subject)
	header.SetAddressList("From", []*mail.Address{{Name: msg.From.Name, Address: msg.From.Email}})

	if len(msg.To) > 0 {
		header.SetAddressList("To", toMailAddresses(msg.To))
	}
	if len(msg.Cc) > 0 {
		header.SetAddressList("Cc", toMailAddresses(msg.Cc))
	}

	if msg.InReplyTo != "" {
		header.SetMsgIDList("In-Reply-To", []string{msg.InReplyTo})
	}
	if len(msg.References) > 0 {
		header.SetMsgIDList("References", msg.References)
	}
	if msg.InReplyTo == "" {
		header.Set("Message-ID", GenerateMessageID(msg.From.Email))
	}

	var mw *mail.Writer
	var iw *mail.InlineWriter
	var err error
	if len(msg.Attachments) == 0 {
		iw, err = mail.CreateInlineWriter(&buf, header)
	} else {
		mw, err = mail.CreateWriter(&buf, header)
		if err == nil {
			iw, err = mw.CreateInline()
		}
	}
	if err != nil {
		return nil, err
	}

	if msg.TextBody != "" {
		var h mail.InlineHeader
		h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
		w, err := iw.CreatePart(h)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(msg.TextBody)); err != nil {
			return nil, err
		}
		w.Close()
	}

	if msg.HTMLBody != "" {
		var h mail.InlineHeader
		h.SetContentType("text/html", map[string]string{"charset": "utf-8"})
		w, err := iw.CreatePart(h)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(msg.HTMLBody)); err != nil {
			return nil, err
		}
		w.Close()
	}

	if err := iw.Close(); err != nil {
		return nil, err
	}

	if mw != nil {
		for _, att := range msg.Attachments {
			if err := writeAttachment(mw, att); err != nil {
				return nil, err
			}
		}
		if err := mw.Close(); err != nil {
			return nil, err
		}
	}

	return &buf, nil
}

func writeAttachment(mw *mail.Writer, att Attachment) error {
	var h mail.AttachmentHeader
	h.SetFilename(att.Filename)
	ct := att.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.SetContentType(ct, nil)

	w, err := mw.CreateAttachment(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, bytes.NewReader(att.Data)); err != nil {
		return err
	}
	return w.Close()
}

func toMailAddresses(addrs []Address) []*mail.Address {
	out := make([]*mail.Address, len(addrs))
	for i, a := range addrs {
		out[i] = &mail.Address{Name: a.Name, Address: a.Email}
	}
	return out
}

// GenerateMessageID produces an RFC 5322 Message-ID using the sender's
// domain: <unixnano.randomhex@domain>.
func GenerateMessageID(fromEmail string) string {
	domain := "localhost"
	if idx := strings.Index(fromEmail, "@"); idx >= 0 {
		domain = fromEmail[idx+1:]
	}
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return fmt.Sprintf("<%d.%s@%s>", time.Now().UnixNano(), hex.EncodeToString(b), domain)
}
