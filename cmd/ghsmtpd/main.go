// Command ghsmtpd is the SMTP receiver entrypoint: one process per
// connection, the connected socket handed to it as file descriptor 0,
// invoked by a supervisor such as tcpserver or inetd rather than listening
// itself. This matches the process-per-connection model of the original
// ghsmtp rather than the net.Listener/goroutine-per-connection model.
package main

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/RoaringCarol/ghsmtp"
	"github.com/RoaringCarol/ghsmtp/internal/cdb"
	ghdns "github.com/RoaringCarol/ghsmtp/internal/dns"
	ghdomain "github.com/RoaringCarol/ghsmtp/internal/domain"
	"github.com/RoaringCarol/ghsmtp/internal/maildir"
	ghspf "github.com/RoaringCarol/ghsmtp/internal/spf"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := ghsmtp.NewConfig()
	if err != nil {
		logger.Error("configuration", "error", err)
		os.Exit(1)
	}
	cfg.Logger = logger

	resolver := ghdns.NewResolver(ghdns.ResolverConfig{DNSSEC: true})
	spfEvaluator := ghsmtp.NewSPFEvaluator(ghspf.NewResolverWithDefaults())

	policy := &ghsmtp.PolicyEngine{
		Files:          loadPolicyFiles(cfg.PolicyDir, logger),
		Resolver:       resolver,
		SPF:            spfEvaluator,
		TLDs:           loadTLDTables(cfg.PolicyDir, logger),
		ServerIdentity: cfg.ServerID,
		ServerLiteral:  os.Getenv("GHSMTP_SERVER_LITERAL"),
		DNSBLs:         splitList(os.Getenv("GHSMTP_DNSBLS")),
		URIBLs:         splitList(os.Getenv("GHSMTP_URIBLS")),
		RejectSPFFail:  cfg.RejectSPFFail,
	}

	writer := maildir.NewWriter(cfg.MaildirPath, cfg.ServerID)

	var auditLog io.Writer
	if cfg.AuditLogPath != "" {
		f, err := os.OpenFile(cfg.AuditLogPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
		if err != nil {
			logger.Warn("opening audit log, continuing without one", "file", cfg.AuditLogPath, "error", err)
		} else {
			auditLog = f
			defer f.Close()
		}
	}

	conn, err := net.FileConn(os.NewFile(0, "smtp-client"))
	if err != nil {
		logger.Error("fd 0 is not a connected socket", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	// 7-bit enforcement stays off at the reader: RFC 6531 command lines
	// (MAIL FROM/RCPT TO with SMTPUTF8) carry UTF-8 octets in the mailbox
	// local-part, and session.go's own non-ASCII-without-SMTPUTF8 guard is
	// the place that rejects those octets when the extension wasn't
	// negotiated, not the line reader.
	framed := ghsmtp.NewFramed(conn, cfg.MaxLineLength, false)
	session := ghsmtp.NewSession(framed, cfg, policy, writer, auditLog)

	if err := session.Run(context.Background()); err != nil {
		logger.Warn("session ended", "error", err)
	}
}

func loadPolicyFiles(dir string, logger *slog.Logger) ghsmtp.PolicyFiles {
	return ghsmtp.PolicyFiles{
		BadRecipients: openCDB(dir, "bad_recipients", logger),
		BadSenders:    openCDB(dir, "bad_senders", logger),
		White:         openCDB(dir, "white", logger),
		IPBlack:       openCDB(dir, "ip-black", logger),
		IPWhite:       openCDB(dir, "ip-white", logger),
		Black:         openCDB(dir, "black", logger),
		AcceptDomains: openCDB(dir, "accept_domains", logger),
	}
}

// openCDB opens one policy CDB file, returning a nil CDB (which every
// policy predicate treats as "contains nothing") when the file is absent
// or unreadable, rather than failing startup.
func openCDB(dir, name string, logger *slog.Logger) ghsmtp.CDB {
	path := filepath.Join(dir, name+".cdb")
	r, err := cdb.Open(path)
	if err != nil {
		logger.Debug("policy file not available, treating as empty", "file", path, "error", err)
		return nil
	}
	return r
}

// loadTLDTables reads the three-level-tlds/two-level-tlds override tables:
// small CDBs whose keys name domain suffixes that predate the Public
// Suffix List and must still define a registered-domain boundary one or
// two labels deeper than golang.org/x/net/publicsuffix would otherwise
// choose.
func loadTLDTables(dir string, logger *slog.Logger) *ghdomain.TLDTables {
	tbl := &ghdomain.TLDTables{
		ThreeLevel: map[string]bool{},
		TwoLevel:   map[string]bool{},
	}
	loadInto(dir, "three-level-tlds", tbl.ThreeLevel, logger)
	loadInto(dir, "two-level-tlds", tbl.TwoLevel, logger)
	return tbl
}

func loadInto(dir, name string, set map[string]bool, logger *slog.Logger) {
	path := filepath.Join(dir, name+".cdb")
	r, err := cdb.Open(path)
	if err != nil {
		logger.Debug("tld override table not available", "file", path, "error", err)
		return
	}
	defer r.Close()

	keys, err := r.Keys()
	if err != nil {
		logger.Warn("reading tld override table", "file", path, "error", err)
		return
	}
	for _, k := range keys {
		set[k] = true
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
