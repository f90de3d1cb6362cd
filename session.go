package ghsmtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/RoaringCarol/ghsmtp/internal/arc"
	"github.com/RoaringCarol/ghsmtp/internal/dkim"
	ghdomain "github.com/RoaringCarol/ghsmtp/internal/domain"
	"github.com/RoaringCarol/ghsmtp/internal/dmarc"
	ghio "github.com/RoaringCarol/ghsmtp/internal/io"
	"github.com/RoaringCarol/ghsmtp/internal/mailqueue"
	"github.com/RoaringCarol/ghsmtp/internal/spf"
	"github.com/RoaringCarol/ghsmtp/internal/utils"
)

// SessionState is one of the six protocol states the session machine moves
// through. The state name names what the session is ready to accept next:
// StateMail means "ready for MAIL", not "a MAIL was just seen".
type SessionState int

const (
	StateHelo SessionState = iota
	StateMail
	StateRcpt
	StateData
	StateBDAT
	StateRset
)

func (s SessionState) String() string {
	switch s {
	case StateHelo:
		return "helo"
	case StateMail:
		return "mail"
	case StateRcpt:
		return "rcpt"
	case StateData:
		return "data"
	case StateBDAT:
		return "bdat"
	case StateRset:
		return "rset"
	default:
		return "unknown"
	}
}

// lastInGroupVerbs are the verbs after which the pipelining discipline
// requires the client to have waited for a reply before sending more; a
// buffered line already waiting when one of these is handled is a
// pipelining violation, logged but not fatal.
var lastInGroupVerbs = map[Command]bool{
	CmdEhlo:     true,
	CmdHelo:     true,
	CmdData:     true,
	CmdBdat:     true,
	CmdStartTLS: true,
	CmdNoop:     true,
	CmdVrfy:     true,
	CmdQuit:     true,
}

// Session owns one connection end to end: the framed socket, the envelope
// and protocol state accumulated over its lifetime, and the collaborators
// (policy engine, Maildir writer) its handlers call into. One Session per
// accepted connection, never shared across goroutines.
type Session struct {
	f        Framed
	cfg      *Config
	policy   *PolicyEngine
	maildir  MaildirWriter
	auditLog io.Writer
	logger   *slog.Logger

	state SessionState

	serverIdentity string
	clientIdentity string
	clientFCrDNS   []string
	clientDisplay  string

	remoteIP       net.IP
	peerIsLoopback bool
	peerLiteral    string

	reversePath Path
	forwardPath []Recipient

	receivedSPFText string
	spfResult       spf.Status

	binarymime bool
	smtputf8   bool
	esmtp      bool
	tlsActive  bool
	tlsInfo    TLSInfo

	ipWhitelisted     bool
	fcrdnsWhitelisted bool

	unrecognizedCmdCount int

	mail *Mail

	bdatBuf          bytes.Buffer
	bdatTotal        int64
	bdatSizeExceeded bool

	// pendingReadTimeout, when non-zero, overrides cfg.ReadTimeout for the
	// next read only, then reverts: the mechanism finalizeMessage uses to
	// extend the deadline to cfg.HamTimeout after a ham verdict.
	pendingReadTimeout time.Duration
}

// NewSession builds a Session ready for Run. f is the already-accepted,
// framed connection; policy and maildir are shared, read-only collaborators
// owned by the caller. auditLog, if non-nil, receives one MessagePack
// record per delivered message; a nil auditLog simply skips that trail.
func NewSession(f Framed, cfg *Config, policy *PolicyEngine, maildir MaildirWriter, auditLog io.Writer) *Session {
	return &Session{
		f:              f,
		cfg:            cfg,
		policy:         policy,
		maildir:        maildir,
		auditLog:       auditLog,
		logger:         cfg.Logger,
		state:          StateHelo,
		serverIdentity: cfg.ServerID,
	}
}

// Run drives the session to completion: the greeting policy, then the
// command loop, until QUIT, a protocol-fatal error, or a fatal policy
// rejection ends it. The returned error is nil for an ordinary QUIT.
func (s *Session) Run(ctx context.Context) error {
	greeting := s.greet(ctx)
	if greeting.Response.Code != 0 {
		if err := s.f.WriteResponse(greeting.Response); err != nil {
			return err
		}
		if err := s.f.Flush(); err != nil {
			return err
		}
	}
	if greeting.Terminal {
		return greeting.Err
	}

	for {
		timeout := s.cfg.ReadTimeout
		if s.pendingReadTimeout > 0 {
			timeout = s.pendingReadTimeout
			s.pendingReadTimeout = 0
		}
		if err := s.f.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}

		line, err := s.f.ReadLine()
		if err != nil {
			outcome := s.handleReadError(err)
			if outcome.Response.Code != 0 {
				_ = s.f.WriteResponse(outcome.Response)
			}
			_ = s.f.Flush()
			return outcome.Err
		}

		cmd, _, _ := parseCommand(line)
		outcome := s.dispatch(ctx, line)
		if outcome.Response.Code != 0 {
			if err := s.f.WriteResponse(outcome.Response); err != nil {
				return err
			}
		}
		// Replies to group verbs (MAIL, RCPT, RSET, ...) stay buffered so a
		// pipelining client's batch is acknowledged in one write; a
		// last-in-group verb's reply, or the reply that ends the session,
		// forces the flush.
		if lastInGroupVerbs[cmd] || outcome.Terminal {
			if err := s.f.Flush(); err != nil {
				return err
			}
		}
		if outcome.Terminal {
			return outcome.Err
		}
	}
}

// greet runs the connection-time greeting policy: IP blacklist, FCrDNS
// resolution and its blacklist/whitelist checks, the DNSBL chain, and
// (for a peer neither IP- nor FCrDNS-whitelisted) a pause during which any
// pre-greeting chatter is treated as hostile.
func (s *Session) greet(ctx context.Context) Outcome {
	ip, _ := utils.GetIPFromAddr(s.f.RemoteAddr())
	s.remoteIP = ip
	if ip != nil {
		s.peerIsLoopback = ip.IsLoopback()
		s.peerLiteral = "[" + ip.String() + "]"
	}

	whitelisted, ok, reason := s.policy.VerifyIPAddress(ip)
	if !ok {
		return Close(Response{Code: CodeTransactionFailed, EnhancedCode: string(ESCDeliveryNotAuth), Message: reason})
	}
	s.ipWhitelisted = whitelisted

	if ip != nil && !ip.IsLoopback() {
		if fcrdns, err := s.policy.ResolveFCrDNS(ctx, ip); err == nil {
			s.clientFCrDNS = fcrdns
		}
	}

	if ok, reason := s.policy.VerifyGreetingBlacklist(s.clientFCrDNS); !ok {
		return Close(Response{Code: CodeTransactionFailed, EnhancedCode: string(ESCDeliveryNotAuth), Message: reason})
	}

	if s.policy.VerifyGreetingWhitelist(s.clientFCrDNS) {
		s.fcrdnsWhitelisted = true
	}

	if !s.ipWhitelisted {
		if ok, reason := s.policy.VerifyDNSBL(ctx, ip); !ok {
			return Close(Response{Code: CodeTransactionFailed, EnhancedCode: string(ESCDeliveryNotAuth), Message: reason})
		}
	}

	if !s.ipWhitelisted && !s.fcrdnsWhitelisted {
		if err := s.f.SetReadDeadline(time.Now().Add(s.cfg.GreetingWait)); err != nil {
			return FailClose(ResponseLocalError("internal error"), err)
		}
		_, err := s.f.ReadLine()
		_ = s.f.SetReadDeadline(time.Time{})
		if err == nil {
			return Close(ResponseNotAcceptingMessages())
		}
		var netErr net.Error
		if !errors.As(err, &netErr) || !netErr.Timeout() {
			return FailClose(ResponseNotAcceptingMessages(), err)
		}
	}

	return Continue(ResponseServiceReady(s.serverIdentity, fmt.Sprintf("ESMTP - %s", s.cfg.SoftwareName)))
}

// handleReadError converts an error from ReadLine into the Outcome the
// error taxonomy assigns it: bare LF is protocol-fatal, a read timeout is
// protocol-fatal with its own reply, an over-long line or an 8-bit octet
// in 7-bit mode gets a non-terminal 501 reply, and anything else (EOF,
// connection reset) ends the session without a reply to write.
func (s *Session) handleReadError(err error) Outcome {
	if errors.Is(err, ghio.ErrBadLineEnding) {
		return FailClose(ResponseBareLF(), ErrBareLF)
	}
	if errors.Is(err, ghio.ErrLineTooLong) {
		return Fail(Response{Code: CodeSyntaxError, Message: "line too long"}, err)
	}
	if errors.Is(err, ghio.Err8BitIn7BitMode) {
		return Fail(Response{Code: CodeSyntaxError, EnhancedCode: string(ESCContentError), Message: "8-bit octet in command line"}, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Close(ResponseTimeout())
	}
	return Outcome{Terminal: true, Err: err}
}

// dispatch applies the rset-latch gate and the BDAT-stream-compatibility
// gate, then routes to the per-verb handler.
func (s *Session) dispatch(ctx context.Context, line string) Outcome {
	cmd, args, _ := parseCommand(line)

	if lastInGroupVerbs[cmd] && s.f.HasBufferedInput() {
		s.logger.Warn("pipelining violation ahead of last-in-group verb", slog.String("verb", cmd.String()))
	}

	if s.state == StateRset {
		switch cmd {
		case CmdRset:
			return s.handleRset()
		case CmdQuit:
			return s.handleQuit()
		default:
			return Fail(Response{Code: CodeBadSequence, EnhancedCode: string(ESCBadCommandSequence), Message: "RSET required to clear the failed BDAT transfer"}, ErrRsetLatched)
		}
	}

	if s.state == StateBDAT && cmd != CmdBdat && cmd != CmdRset && cmd != CmdQuit {
		s.state = StateRset
		return Fail(Response{Code: CodeBadSequence, EnhancedCode: string(ESCBadCommandSequence), Message: "BDAT transfer in progress; RSET required"}, ErrRsetLatched)
	}

	switch cmd {
	case CmdHelo:
		return s.handleHelo(args, false)
	case CmdEhlo:
		return s.handleHelo(args, true)
	case CmdMail:
		return s.handleMail(ctx, args)
	case CmdRcpt:
		return s.handleRcpt(args)
	case CmdData:
		return s.handleData(ctx)
	case CmdBdat:
		return s.handleBdat(ctx, args)
	case CmdRset:
		return s.handleRset()
	case CmdVrfy:
		return s.handleVrfy(args)
	case CmdExpn:
		return s.handleExpn(args)
	case CmdHelp:
		return s.handleHelp()
	case CmdNoop:
		return Continue(Response{Code: CodeOK, Message: "OK"})
	case CmdQuit:
		return s.handleQuit()
	case CmdAuth:
		return Fail(ResponseAuthRequired("AUTH not supported"), ErrAuthRequired)
	case CmdStartTLS:
		return s.handleStartTLS(ctx)
	default:
		return s.handleUnrecognized(line)
	}
}

func (s *Session) handleUnrecognized(line string) Outcome {
	s.unrecognizedCmdCount++
	if s.unrecognizedCmdCount >= s.cfg.MaxUnrecognizedCmds {
		return FailClose(Response{Code: CodeCommandUnrecognized, Message: "too many unrecognized commands, exceeds limit"}, ErrInvalidCommand)
	}
	return Fail(ResponseCommandNotRecognized(line), ErrUnknownVerb)
}

// handleHelo processes HELO/EHLO. Allowed from StateHelo (the initial
// state) and StateMail (re-issued after STARTTLS, per RFC 3207): any other
// state means a transaction is in progress.
func (s *Session) handleHelo(args string, esmtp bool) Outcome {
	if s.state != StateHelo && s.state != StateMail {
		return Fail(ResponseBadSequence("complete or abort the current transaction first"), nil)
	}

	identity := strings.TrimSpace(args)
	if identity == "" {
		verb := "HELO"
		if esmtp {
			verb = "EHLO"
		}
		return Fail(Response{Code: CodeSyntaxError, Message: "Syntax: " + verb + " domain"}, nil)
	}

	isLiteral := strings.HasPrefix(identity, "[") && strings.HasSuffix(identity, "]")
	if !isLiteral {
		normalized, err := ghdomain.Normalize(identity)
		if err != nil {
			return Fail(Response{Code: CodeSyntaxError, Message: "invalid domain"}, err)
		}
		identity = normalized
	}

	skipCheck := s.remoteIP == nil || s.peerIsLoopback || s.ipWhitelisted || s.fcrdnsWhitelisted || isLiteral
	if !skipCheck {
		if ok, reason := s.policy.VerifyClient(identity, s.peerIsLoopback, s.clientFCrDNS); !ok {
			return FailClose(Response{Code: CodeTransactionFailed, EnhancedCode: string(ESCDeliveryNotAuth), Message: reason}, ErrPolicyRejected)
		}
	}

	s.clientIdentity = identity
	s.esmtp = esmtp
	s.resetEnvelope()
	s.state = StateMail

	if !esmtp {
		return Continue(Response{Code: CodeOK, Message: s.serverIdentity})
	}

	lines := ehloLines(s.serverIdentity, s.cfg.MaxMessageSize, s.tlsActive)
	if err := s.f.WriteMultilineResponse(CodeOK, lines); err != nil {
		return Outcome{Terminal: true, Err: err}
	}
	return Outcome{}
}

// handleMail processes MAIL FROM, running the anti-spoofing, sender-domain
// URIBL, and SPF checks before opening a new transaction.
func (s *Session) handleMail(ctx context.Context, args string) Outcome {
	if s.state != StateMail {
		return Fail(ResponseBadSequence("MAIL out of sequence"), nil)
	}

	args = strings.TrimSpace(args)
	if !strings.HasPrefix(strings.ToUpper(args), "FROM:") {
		return Fail(Response{Code: CodeSyntaxError, Message: "Syntax: MAIL FROM:<address>"}, nil)
	}
	args = strings.TrimSpace(args[len("FROM:"):])

	from, params, err := parsePathWithParams(args)
	if err != nil {
		return Fail(Response{Code: CodeSyntaxError, Message: err.Error()}, err)
	}

	if utils.ContainsNonASCII(from.Mailbox.LocalPart) || utils.ContainsNonASCII(from.Mailbox.Domain) {
		if _, ok := params["SMTPUTF8"]; !ok {
			return Fail(Response{Code: CodeMailboxNameInvalid, EnhancedCode: string(ESCNonASCIINoSMTPUTF8), Message: "address requires SMTPUTF8"}, nil)
		}
	}

	binarymime := false
	if bodyType, ok := params["BODY"]; ok {
		switch BodyType(strings.ToUpper(bodyType)) {
		case BodyType7Bit, BodyType8BitMIME:
		case BodyTypeBinaryMIME:
			binarymime = true
		default:
			return Fail(Response{Code: CodeParameterNotImpl, EnhancedCode: string(ESCInvalidArgs), Message: "invalid BODY parameter"}, nil)
		}
	}

	_, smtputf8 := params["SMTPUTF8"]

	if sizeStr, ok := params["SIZE"]; ok {
		size, err := strconv.ParseInt(sizeStr, 10, 64)
		if err != nil {
			return Fail(Response{Code: CodeSyntaxError, Message: "invalid SIZE parameter"}, err)
		}
		if s.cfg.MaxMessageSize > 0 && size > s.cfg.MaxMessageSize {
			return Fail(ResponseExceededStorage(""), ErrMessageTooLarge)
		}
	}

	if _, ok := params["REQUIRETLS"]; ok && !s.tlsActive {
		return Fail(Response{Code: CodeTransactionFailed, EnhancedCode: string(ESCEncryptionRequired), Message: "REQUIRETLS requires an encrypted connection"}, ErrTLSRequired)
	}

	if ok, reason := s.policy.VerifySender(from, s.peerIsLoopback, s.acceptsDomain, s.peerLiteral); !ok {
		return FailClose(Response{Code: CodeTransactionFailed, EnhancedCode: string(ESCDeliveryNotAuth), Message: reason}, ErrPolicyRejected)
	}

	var spfStatus spf.Status
	var receivedSPF string
	dom := from.Mailbox.Domain
	if !from.IsNull() && !strings.HasPrefix(dom, "[") {
		if ok, reason := s.policy.VerifySenderDomain(ctx, dom); !ok {
			return FailClose(Response{Code: CodeMailboxNotFound, EnhancedCode: string(ESCBadDestSystem), Message: reason}, ErrPolicyRejected)
		}

		spfArgs := spf.Args{
			RemoteIP:       s.remoteIP,
			MailFromDomain: dom,
			MailFromLocal:  from.Mailbox.LocalPart,
			HelloDomain:    s.clientIdentity,
			HelloIsIP:      strings.HasPrefix(s.clientIdentity, "["),
			LocalHostname:  s.serverIdentity,
			Logger:         s.logger,
		}
		status, header, fatal, reason := s.policy.VerifySenderSPF(ctx, spfArgs)
		spfStatus, receivedSPF = status, header
		if fatal {
			return FailClose(Response{Code: CodeTransactionFailed, EnhancedCode: string(ESCDeliveryNotAuth), Message: reason}, ErrPolicyRejected)
		}
	}

	mail := NewMail()
	mail.Envelope.From = from
	mail.Envelope.BodyType = BodyType7Bit
	if binarymime {
		mail.Envelope.BodyType = BodyTypeBinaryMIME
	}
	mail.Envelope.SMTPUTF8 = smtputf8
	mail.Envelope.ExtensionParams = params

	s.mail = mail
	s.reversePath = from
	s.binarymime = binarymime
	s.smtputf8 = smtputf8
	s.spfResult = spfStatus
	s.receivedSPFText = receivedSPF
	s.state = StateRcpt

	return Continue(Response{Code: CodeOK, EnhancedCode: string(ESCAddressValid), Message: "MAIL FROM OK"})
}

// acceptsDomain reports whether dom is one of our accepted recipient
// domains, used by VerifySender's anti-spoofing check.
func (s *Session) acceptsDomain(dom string) bool {
	if s.policy.Files.AcceptDomains != nil {
		return s.policy.Files.AcceptDomains.Contains(strings.ToLower(dom))
	}
	return strings.EqualFold(dom, s.policy.ServerIdentity)
}

// handleRcpt processes RCPT TO. Allowed once MAIL has opened a
// transaction: StateRcpt for the first recipient, StateData for every
// recipient after that.
func (s *Session) handleRcpt(args string) Outcome {
	if s.state != StateRcpt && s.state != StateData {
		return Fail(ResponseBadSequence("RCPT out of sequence"), nil)
	}
	if s.mail == nil {
		return Fail(ResponseBadSequence("MAIL required before RCPT"), nil)
	}
	if len(s.forwardPath) >= s.cfg.MaxRecipients {
		return Fail(Response{Code: CodeInsufficientStorage, EnhancedCode: string(ESCTempTooManyRecipients), Message: "too many recipients"}, ErrTooManyRecipents)
	}

	args = strings.TrimSpace(args)
	if !strings.HasPrefix(strings.ToUpper(args), "TO:") {
		return Fail(Response{Code: CodeSyntaxError, Message: "Syntax: RCPT TO:<address>"}, nil)
	}
	args = strings.TrimSpace(args[len("TO:"):])

	to, params, err := parsePathWithParams(args)
	if err != nil {
		return Fail(Response{Code: CodeSyntaxError, Message: err.Error()}, err)
	}

	if ok, reason := s.policy.VerifyRecipient(to); !ok {
		return FailClose(Response{Code: CodeTransactionFailed, EnhancedCode: string(ESCDeliveryNotAuth), Message: reason}, ErrPolicyRejected)
	}

	rcpt := Recipient{Address: to}
	if notify, ok := params["NOTIFY"]; ok {
		rcpt.DSNParams = &DSNRecipientParams{Notify: strings.Split(strings.ToUpper(notify), ",")}
	}
	if orcpt, ok := params["ORCPT"]; ok {
		if rcpt.DSNParams == nil {
			rcpt.DSNParams = &DSNRecipientParams{}
		}
		rcpt.DSNParams.ORcpt = orcpt
	}

	s.forwardPath = append(s.forwardPath, rcpt)
	s.mail.Envelope.To = append(s.mail.Envelope.To, rcpt)
	s.state = StateData

	return Continue(Response{Code: CodeOK, EnhancedCode: string(ESCRecipientValid), Message: "RCPT TO OK"})
}

// handleData processes DATA: the two-phase 354-then-read exchange, with
// the resolved Open Question that BINARYMIME without CHUNKING is rejected
// here rather than at MAIL FROM.
func (s *Session) handleData(ctx context.Context) Outcome {
	if s.state != StateData {
		return Fail(ResponseBadSequence("send RCPT first"), nil)
	}
	if s.mail == nil || len(s.forwardPath) == 0 {
		return Fail(ResponseBadSequence("no recipients"), nil)
	}
	if s.binarymime {
		s.resetEnvelope()
		s.state = StateMail
		return Fail(Response{Code: CodeBadSequence, EnhancedCode: string(ESCBadCommandSequence), Message: "BINARYMIME requires BDAT"}, nil)
	}

	if err := s.f.WriteResponse(Response{Code: CodeStartMailInput, Message: "Start mail input; end with <CRLF>.<CRLF>"}); err != nil {
		return Outcome{Terminal: true, Err: err}
	}
	if err := s.f.Flush(); err != nil {
		return Outcome{Terminal: true, Err: err}
	}
	if err := s.f.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
		return Outcome{Terminal: true, Err: err}
	}

	result, err := readDataContent(s.f, s.cfg.MaxMessageSize, s.cfg.MaxHeaderSize)
	if err != nil {
		return s.handleReadError(err)
	}

	if result.SizeExceeded {
		s.resetEnvelope()
		s.state = StateMail
		return Continue(ResponseExceededStorage(""))
	}

	return s.finalizeMessage(ctx, result.Data)
}

// handleBdat processes one BDAT chunk, accumulating raw bytes across
// chunks until LAST, independent of DATA's line discipline.
func (s *Session) handleBdat(ctx context.Context, args string) Outcome {
	if s.state != StateData && s.state != StateBDAT {
		return Fail(ResponseBadSequence("send RCPT first"), nil)
	}
	if s.mail == nil || len(s.forwardPath) == 0 {
		return Fail(ResponseBadSequence("no recipients"), nil)
	}

	parts := strings.Fields(strings.TrimSpace(args))
	if len(parts) < 1 || len(parts) > 2 {
		return Fail(Response{Code: CodeSyntaxError, Message: "Syntax: BDAT size [LAST]"}, nil)
	}
	size, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || size < 0 {
		return Fail(Response{Code: CodeSyntaxError, Message: "invalid chunk size"}, err)
	}
	last := false
	if len(parts) == 2 {
		if !strings.EqualFold(parts[1], "LAST") {
			return Fail(Response{Code: CodeSyntaxError, Message: "Syntax: BDAT size [LAST]"}, nil)
		}
		last = true
	}

	s.state = StateBDAT

	chunk, err := readBDATChunk(s.f, size)
	if err != nil {
		return s.handleReadError(err)
	}

	s.bdatTotal += size
	if !s.bdatSizeExceeded {
		if s.cfg.MaxMessageSize > 0 && s.bdatTotal > s.cfg.MaxMessageSize {
			s.bdatSizeExceeded = true
		} else {
			s.bdatBuf.Write(chunk)
		}
	}

	if !last {
		return Continue(Response{Code: CodeOK, EnhancedCode: string(ESCSuccess), Message: fmt.Sprintf("%d OK", size)})
	}

	if s.bdatSizeExceeded {
		s.resetEnvelope()
		s.state = StateMail
		return Continue(ResponseExceededStorage(""))
	}

	return s.finalizeMessage(ctx, s.bdatBuf.Bytes())
}

// authResult bundles the three message-authentication checks run against
// the raw DATA/BDAT content, each keyed off the DKIM-Signature, ARC-Set,
// and From-header material the client supplied rather than anything the
// envelope carries.
type authResult struct {
	dkim     []dkim.Result
	dmarcUse bool
	dmarc    dmarc.Result
	arc      *arc.Result
}

// authenticate runs DKIM signature verification, then DMARC policy
// evaluation (which folds in SPF and DKIM alignment), then ARC chain
// verification, against the finished message body. Lookup failures are
// logged, not fatal: an unauthenticated message is still classified, just
// without the ham signals a pass would have contributed.
func (s *Session) authenticate(ctx context.Context, data []byte) authResult {
	var res authResult

	dkimResults, err := dkim.Verify(ctx, s.policy.Resolver, data)
	if err != nil {
		s.logger.Debug("dkim verification", slog.String("error", err.Error()))
	}
	res.dkim = dkimResults

	headers, _ := parseMessageContent(data)
	if fromHeader := headers.Get("From"); fromHeader != "" {
		useResult, result := dmarc.VerifyMail(ctx, s.policy.Resolver, fromHeader, s.spfResult, s.reversePath.Mailbox.Domain, dkimResults, true)
		res.dmarcUse = useResult
		res.dmarc = result
	}

	arcVerifier := arc.Verifier{Resolver: s.policy.Resolver}
	arcResult, err := arcVerifier.Verify(ctx, data)
	if err != nil {
		s.logger.Debug("arc verification", slog.String("error", err.Error()))
	}
	res.arc = arcResult

	return res
}

// authenticationResultsHeader renders res as one Authentication-Results
// header value per RFC 8601, identifying this server as the authserv-id.
func (s *Session) authenticationResultsHeader(res authResult) string {
	var b strings.Builder
	b.WriteString(s.serverIdentity)

	dkimStatus := dkim.StatusNone
	var dkimDomain string
	for _, r := range res.dkim {
		if r.Status == dkim.StatusPass {
			dkimStatus = dkim.StatusPass
			if r.Signature != nil {
				dkimDomain = r.Signature.Domain
			}
			break
		}
		if dkimStatus == dkim.StatusNone {
			dkimStatus = r.Status
		}
	}
	fmt.Fprintf(&b, "; dkim=%s", dkimStatus)
	if dkimDomain != "" {
		fmt.Fprintf(&b, " header.d=%s", dkimDomain)
	}

	if res.dmarcUse {
		fmt.Fprintf(&b, "; dmarc=%s", res.dmarc.Status)
		if res.dmarc.Domain != "" {
			fmt.Fprintf(&b, " header.from=%s", res.dmarc.Domain)
		}
	} else {
		b.WriteString("; dmarc=none")
	}

	if res.arc != nil {
		fmt.Fprintf(&b, "; arc=%s", res.arc.Status)
	}

	return b.String()
}

// finalizeMessage is the convergence point for DATA and BDAT: build the
// added headers, authenticate, classify, deliver to Maildir, and reset the
// transaction.
func (s *Session) finalizeMessage(ctx context.Context, data []byte) Outcome {
	s.mail.ReceivedAt = time.Now()

	received := s.generateReceivedHeader()
	hdrs := addedHeaders(s.reversePath, received, s.receivedSPFText)

	auth := s.authenticate(ctx, data)
	hdrs = append(hdrs, Header{Name: "Authentication-Results", Value: s.authenticationResultsHeader(auth)})

	dmarcReject := auth.dmarcUse && auth.dmarc.Reject

	verdict := Classify(ClassifyInput{
		SPFStatus:      s.spfResult,
		SenderDomain:   s.reversePath.Mailbox.Domain,
		IPWhitelisted:  s.ipWhitelisted,
		ClientIdentity: s.clientIdentity,
		ClientFCrDNS:   s.clientFCrDNS,
		TLSActive:      s.tlsActive,
		RemoteIP:       s.remoteIP,
		White:          s.policy.Files.White,
		TLDs:           s.policy.TLDs,
		DMARCReject:    dmarcReject,
	})

	var buf bytes.Buffer
	for _, h := range hdrs {
		buf.WriteString(h.Name)
		buf.WriteString(": ")
		buf.WriteString(h.Value)
		buf.WriteString("\r\n")
	}
	buf.WriteString("X-Spam-Status: ")
	buf.WriteString(verdict.Header())
	buf.WriteString("\r\n")
	buf.Write(data)

	messageID := s.mail.ID
	fromAddr := s.reversePath.String()
	toAddrs := make([]string, 0, len(s.forwardPath))
	for _, r := range s.forwardPath {
		toAddrs = append(toAddrs, r.Address.String())
	}

	path, err := s.maildir.Deliver(verdict.Folder(), buf.Bytes())
	s.resetEnvelope()
	s.state = StateMail
	if err != nil {
		if errors.Is(err, syscall.ENOSPC) {
			return Continue(ResponseMailSystemFull())
		}
		return Continue(ResponseMailSystemError())
	}

	s.logger.Info("message delivered",
		slog.String("path", path),
		slog.String("folder", verdict.Folder()),
		slog.Bool("ham", verdict.Ham),
	)

	if s.auditLog != nil {
		rec := mailqueue.Record{
			MessageID:   messageID,
			ReceivedAt:  time.Now(),
			From:        fromAddr,
			To:          toAddrs,
			Ham:         verdict.Ham,
			Reasons:     verdict.Reasons,
			DeliveredTo: path,
		}
		if err := mailqueue.Append(s.auditLog, rec); err != nil {
			s.logger.Warn("audit log append failed", slog.String("error", err.Error()))
		}
	}

	if verdict.Ham {
		s.pendingReadTimeout = s.cfg.HamTimeout
	}

	return Continue(Response{Code: CodeOK, EnhancedCode: string(ESCSuccess), Message: "DATA OK"})
}

// generateReceivedHeader derives the Received trace field for the message
// about to be finalized, selecting the protocol token from SMTPUTF8, TLS,
// and ESMTP usage per RFC 6531 Section 3.7.3 and RFC 3848.
func (s *Session) generateReceivedHeader() TraceField {
	protocol := "SMTP"
	switch {
	case s.smtputf8 && s.tlsActive:
		protocol = "UTF8SMTPS"
	case s.smtputf8:
		protocol = "UTF8SMTP"
	case s.tlsActive:
		protocol = "ESMTPS"
	case s.esmtp:
		protocol = "ESMTP"
	}

	var fromIP string
	if s.remoteIP != nil {
		fromIP = s.remoteIP.String()
	}

	forAddrs := make([]string, 0, len(s.forwardPath))
	for _, r := range s.forwardPath {
		forAddrs = append(forAddrs, r.Address.String())
	}

	var tlsDetail string
	if s.tlsActive {
		tlsDetail = tls.VersionName(s.tlsInfo.Version) + " with cipher " + tls.CipherSuiteName(s.tlsInfo.CipherSuite)
	}

	return TraceField{
		Type:       "Received",
		FromDomain: s.clientIdentity,
		FromIP:     fromIP,
		ByDomain:   s.serverIdentity,
		Via:        "TCP",
		With:       protocol,
		ID:         s.mail.ID,
		For:        strings.Join(forAddrs, ", "),
		Timestamp:  time.Now(),
		TLS:        s.tlsActive,
		TLSDetail:  tlsDetail,
	}
}

// resetEnvelope discards everything specific to the current transaction
// without touching client_identity, which RSET and re-EHLO both preserve.
func (s *Session) resetEnvelope() {
	s.reversePath = Path{}
	s.forwardPath = nil
	s.mail = nil
	s.binarymime = false
	s.smtputf8 = false
	s.spfResult = ""
	s.receivedSPFText = ""
	s.bdatBuf.Reset()
	s.bdatTotal = 0
	s.bdatSizeExceeded = false
}

func (s *Session) handleRset() Outcome {
	s.resetEnvelope()
	s.state = StateMail
	return Continue(Response{Code: CodeOK, EnhancedCode: string(ESCSuccess), Message: "OK"})
}

func (s *Session) handleVrfy(args string) Outcome {
	if strings.TrimSpace(args) == "" {
		return Fail(Response{Code: CodeSyntaxError, Message: "Syntax: VRFY <address>"}, nil)
	}
	return Fail(ResponseCannotVRFY(""), nil)
}

func (s *Session) handleExpn(args string) Outcome {
	if strings.TrimSpace(args) == "" {
		return Fail(Response{Code: CodeSyntaxError, Message: "Syntax: EXPN <list>"}, nil)
	}
	return Fail(Response{Code: CodeMailboxNotFound, Message: "EXPN disabled"}, nil)
}

func (s *Session) handleHelp() Outcome {
	return Continue(Response{Code: CodeHelpMessage, Message: "see RFC 5321"})
}

func (s *Session) handleQuit() Outcome {
	return Close(ResponseServiceClosing(s.serverIdentity, "closing connection"))
}

// handleStartTLS performs the two-phase STARTTLS exchange: the 220 written
// directly, then the handshake, then the state reset RFC 3207 requires.
func (s *Session) handleStartTLS(ctx context.Context) Outcome {
	if s.state == StateData || s.state == StateBDAT {
		return Fail(ResponseBadSequence("complete the current message first"), nil)
	}
	if s.cfg.TLSConfig == nil {
		return Fail(Response{Code: CodeCommandNotImplemented, Message: "STARTTLS not available"}, nil)
	}
	if s.tlsActive {
		return Fail(ResponseBadSequence("TLS already active"), nil)
	}

	if err := s.f.WriteResponse(ResponseServiceReady(s.serverIdentity, "ready to start TLS")); err != nil {
		return Outcome{Terminal: true, Err: err}
	}
	if err := s.f.Flush(); err != nil {
		return Outcome{Terminal: true, Err: err}
	}

	tlsCtx, cancel := context.WithTimeout(ctx, s.cfg.TLSHandshakeTimeout)
	defer cancel()
	info, err := s.f.StartTLS(tlsCtx, s.cfg.TLSConfig)
	if err != nil {
		return Outcome{Terminal: true, Err: err}
	}

	s.tlsActive = true
	s.tlsInfo = info
	s.resetEnvelope()
	s.state = StateMail

	return Outcome{}
}
