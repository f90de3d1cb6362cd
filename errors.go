package ghsmtp

import "errors"

var (
	ErrServerClosed     = errors.New("ghsmtp: server closed")
	ErrTooManyRecipents = errors.New("ghsmtp: too many recipients")
	ErrMessageTooLarge  = errors.New("ghsmtp: message too large")
	Err8BitIn7BitMode   = errors.New("ghsmtp: 8-bit data in 7BIT mode")
	ErrTimeout          = errors.New("ghsmtp: timeout")
	ErrTLSRequired      = errors.New("ghsmtp: TLS required")
	ErrAuthRequired     = errors.New("ghsmtp: authentication required")
	ErrInvalidCommand   = errors.New("ghsmtp: invalid command")
	ErrLoopDetected     = errors.New("ghsmtp: mail loop detected (too many Received headers)")

	// ErrBareLF is the error a session ends with when the framed reader
	// reports a line feed without a preceding carriage return
	// (internal/io's ErrBadLineEnding). It is always protocol-fatal.
	ErrBareLF = errors.New("ghsmtp: bare LF in command stream")

	// ErrNoServerIdentity is returned by NewConfig when GHSMTP_SERVER_ID is
	// unset and os.Hostname yields no name. NewConfig does not consult the
	// TCP peer or FCrDNS when choosing the identity.
	ErrNoServerIdentity = errors.New("ghsmtp: no usable server identity; set GHSMTP_SERVER_ID")

	// ErrRsetLatched is returned when a command other than RSET is received
	// while the session is in the latched rset-required error state.
	ErrRsetLatched = errors.New("ghsmtp: session requires RSET before continuing")

	// ErrPolicyRejected marks a policy-engine rejection that is fatal to the
	// connection (blacklist hit, DNSBL/URIBL hit, relay access denied, ...).
	ErrPolicyRejected = errors.New("ghsmtp: policy rejected connection")
)
