package ghsmtp

import (
	"encoding/json"
	"time"

	"github.com/RoaringCarol/ghsmtp/internal/domain"
	"github.com/RoaringCarol/ghsmtp/internal/utils"
	"github.com/oklog/ulid/v2"
)

// BodyType specifies the encoding type of the message body per RFC 6152.
type BodyType string

const (
	BodyType7Bit       BodyType = "7BIT"
	BodyType8BitMIME   BodyType = "8BITMIME"
	BodyTypeBinaryMIME BodyType = "BINARYMIME"
)

// MailboxAddress represents an email address as per RFC 5321 Section 4.1.2.
// It supports both ASCII addresses (RFC 5321) and internationalized
// addresses (RFC 6531).
type MailboxAddress struct {
	// LocalPart is the portion before the @ sign. May contain UTF-8
	// characters if SMTPUTF8 extension is used.
	LocalPart string `json:"local_part"`

	// Domain is the portion after the @ sign, in the form it was presented
	// on the wire (A-label or U-label; normalize via internal/domain
	// before using it as a lookup key).
	Domain string `json:"domain"`
}

// String returns the address in the standard "local-part@domain" format.
func (m MailboxAddress) String() string {
	if m.LocalPart == "" && m.Domain == "" {
		return ""
	}
	return m.LocalPart + "@" + m.Domain
}

// Path represents an SMTP forward-path or reverse-path as per RFC 5321
// Section 4.1.2. Source routing is not supported; RFC 5321 Appendix C
// requires servers to ignore it, not implement it.
type Path struct {
	Mailbox MailboxAddress `json:"mailbox"`
}

// IsNull returns true if this is a null reverse-path (empty sender). Null
// reverse-paths are used for bounce messages per RFC 5321 Section 4.5.5.
func (p Path) IsNull() bool {
	return p.Mailbox.LocalPart == "" && p.Mailbox.Domain == ""
}

// String returns the path in angle bracket format as used in SMTP commands.
func (p Path) String() string {
	if p.IsNull() {
		return "<>"
	}
	return "<" + p.Mailbox.String() + ">"
}

// Recipient represents a single recipient with delivery status information.
type Recipient struct {
	Address   Path                `json:"address"`
	DSNParams *DSNRecipientParams `json:"dsn_params,omitempty"`
}

// DSNRecipientParams contains per-recipient DSN parameters per RFC 3461.
type DSNRecipientParams struct {
	Notify []string `json:"notify,omitempty"`
	ORcpt  string   `json:"orcpt,omitempty"`
}

// Envelope represents the SMTP envelope as per RFC 5321 Section 2.3.1. The
// envelope is distinct from the message content and is transmitted via
// MAIL FROM and RCPT TO commands.
type Envelope struct {
	From            Path               `json:"from"`
	To              []Recipient        `json:"to"`
	BodyType        BodyType           `json:"body_type,omitempty"`
	Size            int64              `json:"size,omitempty"`
	SMTPUTF8        bool               `json:"smtputf8,omitempty"`
	EnvID           string             `json:"env_id,omitempty"`
	DSNParams       *DSNEnvelopeParams `json:"dsn_params,omitempty"`
	ExtensionParams map[string]string  `json:"extension_params,omitempty"`
}

// DSNEnvelopeParams contains envelope-level DSN parameters per RFC 3461.
type DSNEnvelopeParams struct {
	RET string `json:"ret"`
}

// Header represents a single message header field as per RFC 5322.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Headers is a collection of message headers with helper methods.
type Headers []Header

// Get returns the first header value with the given name (case-insensitive).
func (h Headers) Get(name string) string {
	for _, hdr := range h {
		if utils.EqualFoldASCII(hdr.Name, name) {
			return hdr.Value
		}
	}
	return ""
}

// GetAll returns all header values with the given name (case-insensitive).
func (h Headers) GetAll(name string) []string {
	var values []string
	for _, hdr := range h {
		if utils.EqualFoldASCII(hdr.Name, name) {
			values = append(values, hdr.Value)
		}
	}
	return values
}

// Count returns the number of headers with the given name, used to detect
// mail loops via an excessive Received header count.
func (h Headers) Count(name string) int {
	n := 0
	for _, hdr := range h {
		if utils.EqualFoldASCII(hdr.Name, name) {
			n++
		}
	}
	return n
}

// Content represents the message content (header section + body) as per
// RFC 5321 Section 2.3.1: everything that follows the DATA command or the
// concatenated BDAT chunks. Parsing the MIME structure of the body is a
// downstream concern left to the mailbox delivery agent, not the receiver.
type Content struct {
	Headers Headers `json:"headers"`
	Body    []byte  `json:"body,omitempty"`
}

// TraceField represents a Received or Return-Path header for message
// tracing (RFC 5321 Section 4.4).
type TraceField struct {
	Type       string    `json:"type"`
	FromDomain string    `json:"from_domain,omitempty"`
	FromIP     string    `json:"from_ip,omitempty"`
	ByDomain   string    `json:"by_domain,omitempty"`
	Via        string    `json:"via,omitempty"`
	With       string    `json:"with,omitempty"`
	ID         string    `json:"id,omitempty"`
	For        string    `json:"for,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	TLS        bool      `json:"tls,omitempty"`
	TLSDetail  string    `json:"tls_detail,omitempty"`
	Raw        string    `json:"raw,omitempty"`
}

// Mail represents a complete mail object as per RFC 5321 Section 2.3.1: an
// envelope (transmitted via SMTP commands) plus content (transmitted via
// DATA/BDAT).
type Mail struct {
	Envelope   Envelope     `json:"envelope"`
	Content    Content      `json:"content"`
	Trace      []TraceField `json:"trace,omitempty"`
	ReceivedAt time.Time    `json:"received_at"`
	ID         string       `json:"id"`
	Raw        []byte       `json:"raw,omitempty"`
}

// RequiresSMTPUTF8 determines if this mail requires the SMTPUTF8 extension:
// any envelope address or header containing non-ASCII content.
func (m *Mail) RequiresSMTPUTF8() bool {
	if m.Envelope.SMTPUTF8 {
		return true
	}
	if utils.ContainsNonASCII(m.Envelope.From.Mailbox.LocalPart) ||
		utils.ContainsNonASCII(m.Envelope.From.Mailbox.Domain) {
		return true
	}
	for _, rcpt := range m.Envelope.To {
		if utils.ContainsNonASCII(rcpt.Address.Mailbox.LocalPart) ||
			utils.ContainsNonASCII(rcpt.Address.Mailbox.Domain) {
			return true
		}
	}
	for _, h := range m.Content.Headers {
		if utils.ContainsNonASCII(h.Value) {
			return true
		}
	}
	return false
}

// Requires8BitMIME determines if this mail requires the 8BITMIME extension:
// the declared body type, or any octet in the body, is 8-bit.
func (m *Mail) Requires8BitMIME() bool {
	if m.Envelope.BodyType == BodyType8BitMIME {
		return true
	}
	for _, b := range m.Content.Body {
		if b > 127 {
			return true
		}
	}
	return false
}

// NewMail creates a new empty Mail object with initialized fields. ID is a
// ulid, so messages accepted in the same second still sort by arrival order
// in the audit trail.
func NewMail() *Mail {
	return &Mail{
		Envelope: Envelope{
			To:              make([]Recipient, 0),
			ExtensionParams: make(map[string]string),
		},
		Content: Content{Headers: make(Headers, 0)},
		Trace:   make([]TraceField, 0),
		ID:      ulid.Make().String(),
	}
}

// AddRecipient adds a recipient to the envelope.
func (m *Mail) AddRecipient(address MailboxAddress) {
	m.Envelope.To = append(m.Envelope.To, Recipient{Address: Path{Mailbox: address}})
}

// SetFrom sets the envelope sender (reverse-path).
func (m *Mail) SetFrom(address MailboxAddress) {
	m.Envelope.From = Path{Mailbox: address}
}

// SetNullSender sets a null reverse-path (for bounce messages).
func (m *Mail) SetNullSender() {
	m.Envelope.From = Path{}
}

// AddHeader adds a header to the message content.
func (m *Mail) AddHeader(name, value string) {
	m.Content.Headers = append(m.Content.Headers, Header{Name: name, Value: value})
}

// ParseAddress parses the Mailbox grammar of RFC 5321 Section 4.1.2 (not
// the RFC 5322 header address forms that net/mail.ParseAddress accepts,
// which admit display names and comments the SMTP command grammar never
// allows).
func ParseAddress(addr string) (MailboxAddress, error) {
	mbox, err := domain.ParseMailbox(addr)
	if err != nil {
		return MailboxAddress{}, err
	}
	return MailboxAddress{LocalPart: mbox.LocalPart, Domain: mbox.Domain}, nil
}

// ToJSON serializes the Mail object to JSON bytes.
func (m *Mail) ToJSON() ([]byte, error) { return json.Marshal(m) }

// ToJSONIndent serializes the Mail object to pretty-printed JSON bytes.
func (m *Mail) ToJSONIndent() ([]byte, error) { return json.MarshalIndent(m, "", "  ") }

// FromJSON deserializes a Mail object from JSON bytes.
func FromJSON(data []byte) (*Mail, error) {
	var m Mail
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
