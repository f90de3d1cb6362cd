package ghsmtp

// Outcome is the single result type every session-level and policy-level
// decision reduces to: either a Response to write back to the client and
// keep going, or a terminal instruction to close the connection. Nothing
// in this package calls os.Exit or panics on a rejected command; the
// caller that owns the connection is the only place a socket gets closed.
type Outcome struct {
	// Response is always set: what to write back to the client, even when
	// Terminal is true (the client still gets a final reply before the
	// connection drops).
	Response Response

	// Terminal, when true, instructs the caller to close the connection
	// after writing Response. Set for protocol-fatal errors (bare LF),
	// policy rejections that forbid further attempts, and QUIT.
	Terminal bool

	// Err carries the underlying Go error for logging, if this outcome
	// originated from one. Nil for ordinary protocol replies (e.g. a
	// successful EHLO) that never had an associated error.
	Err error
}

// Continue wraps a Response that keeps the session open.
func Continue(r Response) Outcome {
	return Outcome{Response: r}
}

// Close wraps a Response that ends the session after it is written.
func Close(r Response) Outcome {
	return Outcome{Response: r, Terminal: true}
}

// Fail wraps a Response and an error, keeping the session open. Used for
// command-rejected and state-rejected replies the caller still wants to
// log.
func Fail(r Response, err error) Outcome {
	return Outcome{Response: r, Err: err}
}

// FailClose wraps a Response and an error that together terminate the
// session: protocol-fatal errors and fatal policy rejections.
func FailClose(r Response, err error) Outcome {
	return Outcome{Response: r, Terminal: true, Err: err}
}
