package ghsmtp

import (
	"crypto/tls"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Config holds everything one session needs: identity, timeouts, resource
// limits, and the paths to the on-disk collaborator state (CDB policy files,
// Maildir root). It replaces process-wide mutable state and signal-driven
// alarms with a single struct threaded explicitly through the session.
type Config struct {
	// ServerID is our FQDN or address literal, used in the greeting and in
	// Received headers. Resolved from GHSMTP_SERVER_ID, else the local
	// hostname; NewConfig returns ErrNoServerIdentity if neither is usable.
	ServerID string

	// SoftwareName appears in the greeting banner after "ESMTP -".
	SoftwareName string

	// MaildirPath is the root of the Maildir tree ($MAILDIR, else
	// $HOME/Maildir).
	MaildirPath string

	// PolicyDir holds the CDB policy files. No public suffix list is read
	// from it; registered domains come from the list built into
	// golang.org/x/net/publicsuffix.
	// Default: $HOME/.ghsmtp (overridable via GHSMTP_POLICY_DIR).
	PolicyDir string

	// AuditLogPath, if set, names a file that every delivered message
	// appends a MessagePack audit record to. Empty disables the trail.
	// Set from GHSMTP_AUDIT_LOG.
	AuditLogPath string

	// TLSConfig, if non-nil, enables STARTTLS.
	TLSConfig *tls.Config

	// MaxMessageSize is the advertised and enforced SIZE limit in bytes.
	MaxMessageSize int64

	// MaxRecipients bounds how many RCPT TO commands one transaction may
	// accumulate before further recipients are rejected.
	MaxRecipients int

	// MaxUnrecognizedCmds terminates the session once the unrecognized
	// command counter reaches this value.
	MaxUnrecognizedCmds int

	// MaxHeaderSize bounds the accumulated DATA header buffer.
	MaxHeaderSize int64

	// MaxLineLength is the maximum length of one command line.
	MaxLineLength int

	// ReadTimeout is the per-read deadline.
	ReadTimeout time.Duration
	// WriteTimeout is the per-write deadline.
	WriteTimeout time.Duration
	// GreetingWait is how long the server waits, after sending the first
	// half of a split greeting, for unsolicited pre-greeting input.
	GreetingWait time.Duration
	// TLSHandshakeTimeout bounds the STARTTLS handshake.
	TLSHandshakeTimeout time.Duration
	// HamTimeout is the read timeout installed once a message is classified
	// ham.
	HamTimeout time.Duration

	// RejectSPFFail makes a hard SPF FAIL result reject the MAIL transaction
	// outright rather than merely annotate it. Default false, matching the
	// original ghsmtp's default behavior of warning and continuing, while
	// SPF FAIL on a blacklisted domain is still rejected regardless of this
	// setting; see DESIGN.md for the rationale.
	RejectSPFFail bool

	// Logger is the structured logger threaded through session and policy
	// decisions.
	Logger *slog.Logger
}

// NewConfig builds a Config from the environment, resolving server
// identity and filesystem paths from GHSMTP_SERVER_ID, MAILDIR, HOME, and
// GHSMTP_POLICY_DIR rather than from hardcoded defaults.
func NewConfig() (*Config, error) {
	cfg := &Config{
		SoftwareName:        "ghsmtp",
		MaxMessageSize:       25 * 1024 * 1024,
		MaxRecipients:        100,
		MaxUnrecognizedCmds:  20,
		MaxHeaderSize:        1024 * 1024,
		MaxLineLength:        1024,
		ReadTimeout:          5 * time.Minute,
		WriteTimeout:         30 * time.Second,
		GreetingWait:         2 * time.Second,
		TLSHandshakeTimeout:  10 * time.Second,
		HamTimeout:           5 * time.Minute,
		Logger:               slog.Default(),
	}

	serverID := os.Getenv("GHSMTP_SERVER_ID")
	if serverID == "" {
		if host, err := os.Hostname(); err == nil && host != "" {
			serverID = host
		}
	}
	if serverID == "" {
		return nil, ErrNoServerIdentity
	}
	cfg.ServerID = serverID

	if md := os.Getenv("MAILDIR"); md != "" {
		cfg.MaildirPath = md
	} else if home := os.Getenv("HOME"); home != "" {
		cfg.MaildirPath = filepath.Join(home, "Maildir")
	} else {
		cfg.MaildirPath = "Maildir"
	}

	if pd := os.Getenv("GHSMTP_POLICY_DIR"); pd != "" {
		cfg.PolicyDir = pd
	} else if home := os.Getenv("HOME"); home != "" {
		cfg.PolicyDir = filepath.Join(home, ".ghsmtp")
	} else {
		cfg.PolicyDir = ".ghsmtp"
	}

	cfg.AuditLogPath = os.Getenv("GHSMTP_AUDIT_LOG")

	return cfg, nil
}

func (c *Config) cdbPath(name string) string {
	return filepath.Join(c.PolicyDir, name+".cdb")
}
