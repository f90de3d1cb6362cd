package ghsmtp

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	ghdns "github.com/RoaringCarol/ghsmtp/internal/dns"
	"github.com/RoaringCarol/ghsmtp/internal/spf"
)

// Framed is the socket abstraction the session reads commands from and
// writes responses to. It owns line framing (strict CRLF, bare-LF
// detection), exact-byte-count chunk reads for BDAT, and the read/write
// deadlines, so the session logic never touches a net.Conn or bufio.Reader
// directly.
type Framed interface {
	// ReadLine reads one command line with the terminating CRLF stripped.
	// It returns internal/io's ErrBadLineEnding when a line feed is found
	// without a preceding carriage return (a bare LF), which the session
	// always treats as protocol-fatal.
	ReadLine() (string, error)

	// ReadExact reads exactly n bytes of message content for a BDAT chunk,
	// irrespective of any CRLF found within them.
	ReadExact(n int64) ([]byte, error)

	// HasBufferedInput reports whether a subsequent line is already
	// sitting in the read buffer, used to detect a pipelining violation
	// ahead of a last-in-group verb.
	HasBufferedInput() bool

	// WriteResponse buffers one reply line, including the final CRLF, but
	// does not flush it to the wire. Callers that need the client to see
	// the reply before doing anything else (the greeting, the 354 DATA
	// prompt, the STARTTLS 220) must call Flush afterward; the command
	// loop flushes once per pipelining group instead.
	WriteResponse(Response) error

	// WriteMultilineResponse buffers a multi-line reply (e.g. EHLO's
	// capability list): every line but the last uses the "code-text" dash
	// continuation form, the last uses "code text". Like WriteResponse, it
	// does not flush.
	WriteMultilineResponse(code SMTPCode, lines []string) error

	// Flush sends everything buffered by WriteResponse/WriteMultilineResponse
	// since the last Flush. The command loop calls this once a last-in-group
	// verb's reply has been buffered, so replies to group verbs (MAIL, RCPT,
	// RSET) pipelined ahead of it reach the client in one write alongside it.
	Flush() error

	// StartTLS performs the server side of the TLS handshake in place,
	// after which ReadLine/ReadExact/WriteResponse operate over the
	// encrypted channel.
	StartTLS(ctx context.Context, cfg *tls.Config) (TLSInfo, error)

	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error

	RemoteAddr() net.Addr
	LocalAddr() net.Addr

	Close() error
}

// TLSInfo records what STARTTLS negotiated, for the Received header and
// for REQUIRETLS bookkeeping.
type TLSInfo struct {
	Version     uint16
	CipherSuite uint16
	ServerName  string
}

// DNSResolver is the lookup surface the policy engine and the
// authentication collaborators (SPF, DKIM, DMARC, ARC) depend on.
type DNSResolver = ghdns.Resolver

// SPFEvaluator checks whether a sending IP is authorized to send for a
// domain per RFC 7208. internal/spf.Verify satisfies this via the
// spfEvaluator adapter in policy.go.
type SPFEvaluator interface {
	Check(ctx context.Context, args spf.Args) (status spf.Status, receivedHeader string, err error)
}

// CDB looks up a key in one on-disk constant database (bad_recipients,
// bad_senders, white, ip-black, ip-white, black, accept_domains,
// three-level-tlds, two-level-tlds). A CDB that failed to open behaves as
// empty: Contains always returns false, rather than failing the session.
type CDB interface {
	Contains(key string) bool
}

// PolicyFiles groups every CDB a session's policy engine consults, loaded
// once at process startup and only read afterwards.
type PolicyFiles struct {
	BadRecipients CDB
	BadSenders    CDB
	White         CDB
	IPBlack       CDB
	IPWhite       CDB
	Black         CDB
	AcceptDomains CDB
}

// MaildirWriter delivers a finished message into a Maildir folder
// ("" for INBOX, or e.g. ".Junk") and returns the path it was written to.
type MaildirWriter interface {
	Deliver(folder string, message []byte) (path string, err error)
}
