package ghsmtp

import "testing"

func TestPathString(t *testing.T) {
	p := Path{Mailbox: MailboxAddress{LocalPart: "alice", Domain: "example.com"}}
	if got := p.String(); got != "<alice@example.com>" {
		t.Errorf("String() = %q, want <alice@example.com>", got)
	}

	var null Path
	if !null.IsNull() {
		t.Error("zero-value Path should be null")
	}
	if got := null.String(); got != "<>" {
		t.Errorf("null Path.String() = %q, want <>", got)
	}
}

func TestHeadersGet(t *testing.T) {
	h := Headers{
		{Name: "Subject", Value: "hello"},
		{Name: "received", Value: "first"},
		{Name: "Received", Value: "second"},
	}

	if got := h.Get("SUBJECT"); got != "hello" {
		t.Errorf("Get(SUBJECT) = %q, want hello", got)
	}
	if got := h.Get("missing"); got != "" {
		t.Errorf("Get(missing) = %q, want empty", got)
	}
	if got := h.GetAll("Received"); len(got) != 2 {
		t.Errorf("GetAll(Received) returned %d values, want 2", len(got))
	}
	if got := h.Count("Received"); got != 2 {
		t.Errorf("Count(Received) = %d, want 2", got)
	}
}

func TestMailRequiresSMTPUTF8(t *testing.T) {
	m := NewMail()
	m.SetFrom(MailboxAddress{LocalPart: "sender", Domain: "example.com"})
	m.AddRecipient(MailboxAddress{LocalPart: "üser", Domain: "example.com"})

	if !m.RequiresSMTPUTF8() {
		t.Error("expected RequiresSMTPUTF8 to be true for non-ASCII recipient local-part")
	}
}

func TestMailRequires8BitMIME(t *testing.T) {
	m := NewMail()
	m.Content.Body = []byte("plain ascii body")
	if m.Requires8BitMIME() {
		t.Error("expected Requires8BitMIME false for an all-ASCII body")
	}

	m.Content.Body = []byte("caf\xe9")
	if !m.Requires8BitMIME() {
		t.Error("expected Requires8BitMIME true for a body containing an 8-bit octet")
	}
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		addr    string
		local   string
		domain  string
		wantErr bool
	}{
		{"alice@example.com", "alice", "example.com", false},
		{`"a b"@example.com`, `"a b"`, "example.com", false},
		{"no-at-sign", "", "", true},
		{"@example.com", "", "", true},
		{"alice@", "", "", true},
	}

	for _, tt := range tests {
		got, err := ParseAddress(tt.addr)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseAddress(%q): expected error, got none", tt.addr)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseAddress(%q): unexpected error: %v", tt.addr, err)
			continue
		}
		if got.LocalPart != tt.local || got.Domain != tt.domain {
			t.Errorf("ParseAddress(%q) = %+v, want local=%q domain=%q", tt.addr, got, tt.local, tt.domain)
		}
	}
}

func TestMailJSONRoundTrip(t *testing.T) {
	m := NewMail()
	m.SetFrom(MailboxAddress{LocalPart: "sender", Domain: "example.com"})
	m.AddRecipient(MailboxAddress{LocalPart: "rcpt", Domain: "example.com"})
	m.AddHeader("Subject", "hello")
	m.Content.Body = []byte("body text")

	data, err := m.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON: %v", err)
	}

	decoded, err := FromJSON(data)
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}

	if decoded.Envelope.From.Mailbox.String() != m.Envelope.From.Mailbox.String() {
		t.Errorf("From mismatch after round trip: got %q, want %q",
			decoded.Envelope.From.Mailbox.String(), m.Envelope.From.Mailbox.String())
	}
	if decoded.Content.Headers.Get("Subject") != "hello" {
		t.Errorf("Subject header lost in round trip")
	}
	if string(decoded.Content.Body) != "body text" {
		t.Errorf("Body mismatch after round trip")
	}
}
