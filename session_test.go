package ghsmtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	ghdns "github.com/RoaringCarol/ghsmtp/internal/dns"
	"github.com/RoaringCarol/ghsmtp/internal/spf"
)

// fakeFramed is a Framed double driven by a scripted line queue (for
// ReadLine) and a scripted byte-chunk queue (for ReadExact, BDAT's way of
// reading message content).
type fakeFramed struct {
	lines []string
	idx   int

	extra    [][]byte
	extraIdx int

	responses []Response
	// flushedAt records, for each Flush call, how many responses had been
	// written so far — letting a test assert that a group verb's reply was
	// still unflushed when a later response was buffered behind it.
	flushedAt []int

	buffered bool
	remote   net.Addr
}

var _ Framed = (*fakeFramed)(nil)

func (f *fakeFramed) ReadLine() (string, error) {
	if f.idx >= len(f.lines) {
		return "", io.EOF
	}
	line := f.lines[f.idx]
	f.idx++
	return line, nil
}

func (f *fakeFramed) ReadExact(n int64) ([]byte, error) {
	if f.extraIdx >= len(f.extra) {
		return nil, io.EOF
	}
	chunk := f.extra[f.extraIdx]
	f.extraIdx++
	return chunk, nil
}

func (f *fakeFramed) HasBufferedInput() bool {
	return f.buffered
}

func (f *fakeFramed) WriteResponse(r Response) error {
	f.responses = append(f.responses, r)
	return nil
}

func (f *fakeFramed) WriteMultilineResponse(code SMTPCode, lines []string) error {
	f.responses = append(f.responses, Response{Code: code, Message: strings.Join(lines, " | ")})
	return nil
}

func (f *fakeFramed) Flush() error {
	f.flushedAt = append(f.flushedAt, len(f.responses))
	return nil
}

func (f *fakeFramed) StartTLS(ctx context.Context, cfg *tls.Config) (TLSInfo, error) {
	return TLSInfo{}, errors.New("fakeFramed: STARTTLS not supported")
}

func (f *fakeFramed) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeFramed) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeFramed) RemoteAddr() net.Addr {
	if f.remote != nil {
		return f.remote
	}
	return &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 4242}
}
func (f *fakeFramed) LocalAddr() net.Addr { return &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 25} }
func (f *fakeFramed) Close() error        { return nil }

// fakeMaildir records every delivery it is asked to make.
type delivery struct {
	folder  string
	message []byte
}

type fakeMaildir struct {
	delivered []delivery
	err       error
}

func (m *fakeMaildir) Deliver(folder string, message []byte) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.delivered = append(m.delivered, delivery{folder: folder, message: message})
	return "/maildir/new/" + folder + "msg", nil
}

// fakeSPF returns a fixed status without touching the network.
type fakeSPF struct {
	status spf.Status
}

func (f fakeSPF) Check(ctx context.Context, args spf.Args) (spf.Status, string, error) {
	return f.status, "", nil
}

func testConfig() *Config {
	return &Config{
		ServerID:            "mx.example.com",
		SoftwareName:        "ghsmtp-test",
		MaxMessageSize:      1 << 20,
		MaxRecipients:       10,
		MaxUnrecognizedCmds: 5,
		MaxHeaderSize:       64 << 10,
		MaxLineLength:       1000,
		ReadTimeout:         time.Second,
		WriteTimeout:        time.Second,
		GreetingWait:        10 * time.Millisecond,
		TLSHandshakeTimeout: time.Second,
		HamTimeout:          time.Second,
		Logger:              slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func testPolicy(cfg *Config) *PolicyEngine {
	return &PolicyEngine{
		Resolver:       ghdns.MockResolver{},
		SPF:            fakeSPF{status: spf.StatusNone},
		ServerIdentity: cfg.ServerID,
	}
}

func newTestSession(lines []string) (*Session, *fakeFramed, *fakeMaildir) {
	f := &fakeFramed{lines: lines}
	cfg := testConfig()
	md := &fakeMaildir{}
	sess := NewSession(f, cfg, testPolicy(cfg), md, nil)
	return sess, f, md
}

func TestSessionFullTransactionDeliversMessage(t *testing.T) {
	sess, f, md := newTestSession([]string{
		"EHLO client.example.com",
		"MAIL FROM:<alice@sender.example>",
		"RCPT TO:<bob@mx.example.com>",
		"DATA",
		"From: alice@sender.example",
		"To: bob@mx.example.com",
		"Subject: hello",
		"",
		"hello there",
		".",
		"QUIT",
	})

	if err := sess.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(md.delivered) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(md.delivered))
	}
	if md.delivered[0].folder != ".Junk" {
		t.Fatalf("folder = %q, want .Junk (no ham signal present)", md.delivered[0].folder)
	}
	if !bytes.Contains(md.delivered[0].message, []byte("Authentication-Results:")) {
		t.Fatalf("delivered message missing Authentication-Results header")
	}
	if !bytes.Contains(md.delivered[0].message, []byte("Return-Path: <alice@sender.example>")) {
		t.Fatalf("delivered message missing Return-Path header")
	}

	if len(f.responses) == 0 || f.responses[len(f.responses)-1].Code != CodeServiceClosing {
		t.Fatalf("expected the final response to be 221, got %+v", f.responses)
	}
}

func TestSessionTLSActiveClassifiesHam(t *testing.T) {
	sess, _, md := newTestSession([]string{
		"EHLO client.example.com",
		"MAIL FROM:<alice@sender.example>",
		"RCPT TO:<bob@mx.example.com>",
		"DATA",
		"From: alice@sender.example",
		"",
		"hi",
		".",
		"QUIT",
	})
	sess.tlsActive = true

	if err := sess.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(md.delivered) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(md.delivered))
	}
	if md.delivered[0].folder != "" {
		t.Fatalf("folder = %q, want empty (INBOX) for a TLS connection", md.delivered[0].folder)
	}
}

func TestSessionPipeliningViolationIsLogged(t *testing.T) {
	var buf bytes.Buffer
	sess, f, _ := newTestSession([]string{"EHLO client.example.com"})
	f.buffered = true
	sess.logger = slog.New(slog.NewTextHandler(&buf, nil))

	sess.dispatch(context.Background(), "EHLO client.example.com")

	if !strings.Contains(buf.String(), "pipelining violation") {
		t.Fatalf("expected a pipelining violation warning, got log: %s", buf.String())
	}
}

// TestSessionBuffersGroupVerbRepliesUntilLastInGroup drives a pipelined
// MAIL/RCPT pair followed by NOOP and checks that the MAIL and RCPT
// replies only reach the wire bundled with NOOP's flush, not on their own.
func TestSessionBuffersGroupVerbRepliesUntilLastInGroup(t *testing.T) {
	sess, f, _ := newTestSession([]string{
		"EHLO client.example.com",
		"MAIL FROM:<alice@sender.example>",
		"RCPT TO:<bob@mx.example.com>",
		"NOOP",
		"QUIT",
	})

	if err := sess.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(f.responses) != 6 {
		t.Fatalf("expected 6 responses (greeting, EHLO, MAIL, RCPT, NOOP, QUIT), got %d: %+v", len(f.responses), f.responses)
	}
	for i, code := range []SMTPCode{CodeServiceReady, CodeOK, CodeOK, CodeOK, CodeOK, CodeServiceClosing} {
		if f.responses[i].Code != code {
			t.Fatalf("response %d code = %d, want %d (%+v)", i, f.responses[i].Code, code, f.responses[i])
		}
	}

	// Flushes happen after the greeting, after EHLO, after NOOP (carrying
	// the MAIL and RCPT replies buffered ahead of it), and after QUIT.
	want := []int{1, 2, 5, 6}
	if len(f.flushedAt) != len(want) {
		t.Fatalf("flushedAt = %v, want %v", f.flushedAt, want)
	}
	for i, n := range want {
		if f.flushedAt[i] != n {
			t.Fatalf("flushedAt = %v, want %v", f.flushedAt, want)
		}
	}
}

func TestDispatchBDATLatchesRSETRequirement(t *testing.T) {
	sess, _, _ := newTestSession(nil)
	sess.state = StateBDAT

	outcome := sess.dispatch(context.Background(), "MAIL FROM:<x@y.example>")
	if outcome.Response.Code != CodeBadSequence {
		t.Fatalf("expected 503 while mid-BDAT, got %+v", outcome.Response)
	}
	if sess.state != StateRset {
		t.Fatalf("expected state to latch to StateRset, got %v", sess.state)
	}

	outcome = sess.dispatch(context.Background(), "DATA")
	if outcome.Response.Code != CodeBadSequence || !errors.Is(outcome.Err, ErrRsetLatched) {
		t.Fatalf("expected the RSET-latched rejection while latched, got %+v / %v", outcome.Response, outcome.Err)
	}

	outcome = sess.dispatch(context.Background(), "RSET")
	if outcome.Response.Code != CodeOK {
		t.Fatalf("expected RSET to clear the latch, got %+v", outcome.Response)
	}
	if sess.state != StateMail {
		t.Fatalf("expected state StateMail after RSET, got %v", sess.state)
	}
}

func TestHandleDataBinaryMimeWithoutBDATRejected(t *testing.T) {
	sess, _, _ := newTestSession(nil)
	sess.state = StateData
	sess.mail = NewMail()
	sess.forwardPath = []Recipient{{Address: Path{Mailbox: MailboxAddress{LocalPart: "bob", Domain: "mx.example.com"}}}}
	sess.binarymime = true

	outcome := sess.handleData(context.Background())
	if outcome.Response.Code != CodeBadSequence {
		t.Fatalf("expected 503 for BINARYMIME without BDAT, got %+v", outcome.Response)
	}
	if sess.state != StateMail {
		t.Fatalf("expected transaction reset to StateMail, got %v", sess.state)
	}
}

func TestHandleDataSizeExceededResetsTransaction(t *testing.T) {
	sess, f, md := newTestSession(nil)
	sess.cfg.MaxMessageSize = 4
	sess.state = StateData
	sess.mail = NewMail()
	sess.forwardPath = []Recipient{{Address: Path{Mailbox: MailboxAddress{LocalPart: "bob", Domain: "mx.example.com"}}}}
	f.lines = []string{"way too much content for the cap", "."}

	outcome := sess.handleData(context.Background())
	if outcome.Response.Code != CodeExceededStorage {
		t.Fatalf("expected 552 for an oversized message, got %+v", outcome.Response)
	}
	if sess.state != StateMail {
		t.Fatalf("expected transaction reset to StateMail, got %v", sess.state)
	}
	if len(md.delivered) != 0 {
		t.Fatalf("expected no delivery for an oversized message")
	}
}

func TestHandleBdatAccumulatesChunksAndDelivers(t *testing.T) {
	sess, f, md := newTestSession(nil)
	sess.state = StateData
	sess.mail = NewMail()
	sess.reversePath = Path{Mailbox: MailboxAddress{LocalPart: "alice", Domain: "sender.example"}}
	sess.forwardPath = []Recipient{{Address: Path{Mailbox: MailboxAddress{LocalPart: "bob", Domain: "mx.example.com"}}}}
	f.extra = [][]byte{[]byte("Subject: hi\r\n\r\n"), []byte("body\r\n")}

	outcome := sess.handleBdat(context.Background(), "16")
	if outcome.Response.Code != CodeOK || !strings.Contains(outcome.Response.Message, "OK") {
		t.Fatalf("expected 250 ack for non-LAST chunk, got %+v", outcome.Response)
	}
	if sess.state != StateBDAT {
		t.Fatalf("expected state StateBDAT after first chunk, got %v", sess.state)
	}

	outcome = sess.handleBdat(context.Background(), "6 LAST")
	if outcome.Response.Code != CodeOK {
		t.Fatalf("expected 250 for the final chunk, got %+v", outcome.Response)
	}
	if len(md.delivered) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(md.delivered))
	}
	if !bytes.Contains(md.delivered[0].message, []byte("Subject: hi")) {
		t.Fatalf("delivered message missing accumulated BDAT content")
	}
}

func TestHandleBdatSizeExceededLatchesAcrossChunks(t *testing.T) {
	sess, f, md := newTestSession(nil)
	sess.cfg.MaxMessageSize = 4
	sess.state = StateData
	sess.mail = NewMail()
	sess.forwardPath = []Recipient{{Address: Path{Mailbox: MailboxAddress{LocalPart: "bob", Domain: "mx.example.com"}}}}
	f.extra = [][]byte{[]byte("toolong"), []byte("more")}

	outcome := sess.handleBdat(context.Background(), "7")
	if outcome.Response.Code != CodeOK {
		t.Fatalf("expected the non-LAST chunk to still be acked, got %+v", outcome.Response)
	}

	outcome = sess.handleBdat(context.Background(), "4 LAST")
	if outcome.Response.Code != CodeExceededStorage {
		t.Fatalf("expected 552 once the total exceeds the cap, got %+v", outcome.Response)
	}
	if len(md.delivered) != 0 {
		t.Fatalf("expected no delivery for an oversized BDAT transfer")
	}
}

func TestAuthenticationResultsHeaderFormatsEachCheck(t *testing.T) {
	sess, _, _ := newTestSession(nil)

	header := sess.authenticationResultsHeader(authResult{})
	if !strings.Contains(header, "mx.example.com; dkim=none; dmarc=none") {
		t.Fatalf("header = %q, want none/none defaults", header)
	}
}

func TestHandleHeloRejectsMissingIdentity(t *testing.T) {
	sess, _, _ := newTestSession(nil)
	sess.state = StateHelo

	outcome := sess.handleHelo("", true)
	if outcome.Response.Code != CodeSyntaxError {
		t.Fatalf("expected 501 for empty EHLO identity, got %+v", outcome.Response)
	}
}

func TestHandleRcptRequiresPriorMail(t *testing.T) {
	sess, _, _ := newTestSession(nil)
	sess.state = StateRcpt

	outcome := sess.handleRcpt("TO:<bob@mx.example.com>")
	if outcome.Response.Code != CodeBadSequence {
		t.Fatalf("expected 503 without a prior MAIL, got %+v", outcome.Response)
	}
}

// TestHandleRcptAcceptsBarePostmasterLiteral drives RCPT TO:<Postmaster>
// through the real argument parser (parsePathWithParams, via handleRcpt),
// rather than constructing a Path by hand, so a regression in the parser
// itself would fail this test even if PolicyEngine.VerifyRecipient's own
// bypass still works.
func TestHandleRcptAcceptsBarePostmasterLiteral(t *testing.T) {
	sess, _, _ := newTestSession(nil)
	sess.mail = NewMail()
	sess.state = StateRcpt

	outcome := sess.handleRcpt("TO:<Postmaster>")
	if outcome.Response.Code != CodeOK {
		t.Fatalf("expected 250 for RCPT TO:<Postmaster>, got %+v", outcome.Response)
	}
	if len(sess.forwardPath) != 1 {
		t.Fatalf("expected one recipient recorded, got %d", len(sess.forwardPath))
	}
	got := sess.forwardPath[0].Address.Mailbox
	if got.LocalPart != "Postmaster" || got.Domain != "" {
		t.Fatalf("unexpected recipient mailbox: %+v", got)
	}
}
