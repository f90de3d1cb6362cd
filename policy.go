package ghsmtp

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sort"
	"strings"

	ghdomain "github.com/RoaringCarol/ghsmtp/internal/domain"
	"github.com/RoaringCarol/ghsmtp/internal/spf"
)

// PolicyEngine runs the connection- and envelope-time verification
// predicates against the on-disk CDB lookup tables, the DNS resolver, and
// the SPF evaluator. Every predicate returns success/failure plus a
// human-readable reason on failure; the session decides which SMTP reply
// and which Outcome (Continue/Fail/FailClose) that reason maps to.
// Decisions proceed leftmost-first: an early accept short-circuits later
// checks, matching the ordering in _examples/original_source/Session.cpp.
type PolicyEngine struct {
	Files    PolicyFiles
	Resolver DNSResolver
	SPF      SPFEvaluator
	TLDs     *ghdomain.TLDTables

	// ServerIdentity is our own FQDN or address literal.
	ServerIdentity string
	// ServerLiteral is the address literal form of our own listening
	// address, compared against address-literal recipients.
	ServerLiteral string

	// DNSBLs and URIBLs are queried in randomized order; the first hit
	// is fatal. Empty slices disable the corresponding check.
	DNSBLs []string
	URIBLs []string

	// RejectSPFFail makes a plain SPF FAIL (not already caught by the
	// blacklist check) reject the transaction outright.
	RejectSPFFail bool
}

// spfEvaluator adapts internal/spf.Verify to the narrower SPFEvaluator
// contract the session depends on.
type spfEvaluator struct {
	resolver spf.Resolver
}

func (e spfEvaluator) Check(ctx context.Context, args spf.Args) (spf.Status, string, error) {
	received, _, _, _, err := spf.Verify(ctx, e.resolver, args)
	if err != nil {
		return spf.StatusNone, "", err
	}
	return received.Result, received.Header(), nil
}

// NewSPFEvaluator builds the SPFEvaluator the policy engine consumes from
// an internal/spf.Resolver (itself an adapter over DNSResolver).
func NewSPFEvaluator(resolver spf.Resolver) SPFEvaluator {
	return spfEvaluator{resolver: resolver}
}

// VerifyIPAddress runs the greeting-time checks against the peer IP
// alone, before any FCrDNS lookup: the static IP blacklist, the IP
// whitelist, and the loopback-literal short-circuit.
func (p *PolicyEngine) VerifyIPAddress(ip net.IP) (whitelisted bool, ok bool, reason string) {
	if ip == nil {
		return false, true, ""
	}
	key := ip.String()
	if p.Files.IPBlack != nil && p.Files.IPBlack.Contains(key) {
		return false, false, "blacklisted"
	}
	if ip.IsLoopback() {
		return true, true, ""
	}
	if p.Files.IPWhite != nil && p.Files.IPWhite.Contains(key) {
		return true, true, ""
	}
	return false, true, ""
}

// ResolveFCrDNS performs a forward-confirmed reverse DNS lookup: the PTR
// names for ip, kept only if their forward A/AAAA lookup includes ip
// again, sorted by name length ascending then lexicographically, with
// duplicates removed.
func (p *PolicyEngine) ResolveFCrDNS(ctx context.Context, ip net.IP) ([]string, error) {
	ptrResult, err := p.Resolver.LookupAddr(ctx, ip)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var confirmed []string
	for _, name := range ptrResult.Records {
		name = strings.TrimSuffix(name, ".")
		if seen[name] {
			continue
		}
		fwd, err := p.Resolver.LookupIP(ctx, name)
		if err != nil {
			continue
		}
		for _, fip := range fwd.Records {
			if fip.Equal(ip) {
				seen[name] = true
				confirmed = append(confirmed, name)
				break
			}
		}
	}

	sort.Slice(confirmed, func(i, j int) bool {
		if len(confirmed[i]) != len(confirmed[j]) {
			return len(confirmed[i]) < len(confirmed[j])
		}
		return confirmed[i] < confirmed[j]
	})
	return confirmed, nil
}

// checkBlacklist reports whether name or its registered domain appears in
// the domain blacklist CDB.
func (p *PolicyEngine) checkBlacklist(name string) bool {
	if p.Files.Black == nil {
		return false
	}
	if p.Files.Black.Contains(name) {
		return true
	}
	return p.Files.Black.Contains(ghdomain.RegisteredDomain(name, p.TLDs))
}

// checkWhitelist reports whether name or its registered domain appears in
// the domain whitelist CDB.
func (p *PolicyEngine) checkWhitelist(name string) bool {
	if p.Files.White == nil {
		return false
	}
	if p.Files.White.Contains(name) {
		return true
	}
	return p.Files.White.Contains(ghdomain.RegisteredDomain(name, p.TLDs))
}

// VerifyGreetingBlacklist runs step 2 of the greeting policy against every
// confirmed FCrDNS name.
func (p *PolicyEngine) VerifyGreetingBlacklist(fcrdns []string) (ok bool, reason string) {
	for _, name := range fcrdns {
		if p.checkBlacklist(name) {
			return false, fmt.Sprintf("blacklisted: %s", name)
		}
	}
	return true, ""
}

// VerifyGreetingWhitelist runs step 3 of the greeting policy.
func (p *PolicyEngine) VerifyGreetingWhitelist(fcrdns []string) bool {
	for _, name := range fcrdns {
		if p.checkWhitelist(name) {
			return true
		}
	}
	return false
}

// VerifyDNSBL runs step 5 of the greeting policy: each configured DNSBL,
// in randomized order, queried as an A lookup of the reversed IPv4 octets
// under the list's zone; any hit is fatal.
func (p *PolicyEngine) VerifyDNSBL(ctx context.Context, ip net.IP) (ok bool, reason string) {
	v4 := ip.To4()
	if v4 == nil || len(p.DNSBLs) == 0 {
		return true, ""
	}
	rev := fmt.Sprintf("%d.%d.%d.%d", v4[3], v4[2], v4[1], v4[0])

	order := rand.Perm(len(p.DNSBLs))
	for _, idx := range order {
		list := p.DNSBLs[idx]
		name := rev + "." + list
		result, err := p.Resolver.LookupIP(ctx, name)
		if err != nil || len(result.Records) == 0 {
			continue
		}
		return false, fmt.Sprintf("blocked on advice of %s", list)
	}
	return true, ""
}

// VerifyClient checks the HELO/EHLO identity against self-claim, label
// count, and the domain blacklist. Skipped entirely by the caller when
// the peer is absent or loopback, IP/FCrDNS whitelisted, or identity is
// an address literal.
func (p *PolicyEngine) VerifyClient(identity string, peerIsLoopback bool, fcrdns []string) (ok bool, reason string) {
	lower := strings.ToLower(identity)
	if lower == strings.ToLower(p.ServerIdentity) || lower == "localhost" || lower == "localhost.localdomain" {
		if !peerIsLoopback && !containsFold(fcrdns, p.ServerIdentity) {
			return false, "liar: claims our identity without loopback or matching FCrDNS"
		}
	}

	labels := strings.Split(strings.Trim(identity, "."), ".")
	if len(labels) < 2 {
		return false, "bogus HELO/EHLO identity"
	}

	if p.checkBlacklist(identity) {
		return false, fmt.Sprintf("blacklisted identity: %s", identity)
	}
	return true, ""
}

// VerifySender checks the envelope sender's local part and domain against
// the bad-senders list and anti-spoofing rule. Address-literal sender
// domains are compared against the peer literal, but a mismatch is only
// logged, never fatal (ok stays true; reason carries the note).
func (p *PolicyEngine) VerifySender(from Path, peerIsLoopback bool, acceptedDomains func(string) bool, peerLiteral string) (ok bool, reason string) {
	if from.IsNull() {
		return true, ""
	}
	if p.Files.BadSenders != nil && p.Files.BadSenders.Contains(from.Mailbox.LocalPart) {
		return false, fmt.Sprintf("bad sender: %s", from.Mailbox.LocalPart)
	}

	dom := from.Mailbox.Domain
	if strings.HasPrefix(dom, "[") {
		if !peerIsLoopback && !strings.EqualFold(dom, peerLiteral) {
			return true, fmt.Sprintf("sender literal %s does not match peer %s", dom, peerLiteral)
		}
		return true, ""
	}

	if !peerIsLoopback && acceptedDomains != nil && acceptedDomains(dom) {
		return false, fmt.Sprintf("spoofed sender domain we accept mail for: %s", dom)
	}
	return true, ""
}

// VerifySenderDomain runs the registered-domain resolution, whitelist
// short-circuit, and URIBL chain of the sender's domain.
func (p *PolicyEngine) VerifySenderDomain(ctx context.Context, dom string) (ok bool, reason string) {
	lower := strings.ToLower(dom)
	labels := strings.Split(strings.Trim(lower, "."), ".")
	if len(labels) < 2 {
		return false, "invalid sender domain"
	}

	registered := ghdomain.RegisteredDomain(lower, p.TLDs)
	if registered == "" {
		return false, "invalid sender domain"
	}

	if p.checkWhitelist(lower) {
		return true, ""
	}

	return p.verifySenderDomainURIBL(ctx, lower, registered, labels)
}

// verifySenderDomainURIBL derives the candidate lookup name from the
// three-level-tlds/two-level-tlds override tables and queries each
// configured URIBL in randomized order.
func (p *PolicyEngine) verifySenderDomainURIBL(ctx context.Context, lower, registered string, labels []string) (ok bool, reason string) {
	candidate := registered
	if p.TLDs != nil {
		if p.TLDs.ThreeLevel[registered] {
			if len(labels) >= 4 {
				candidate = strings.Join(labels[len(labels)-4:], ".")
			} else {
				return false, "sender domain matches three-level-tlds with no deeper label"
			}
		} else if p.TLDs.TwoLevel[registered] {
			if len(labels) >= 3 {
				candidate = strings.Join(labels[len(labels)-3:], ".")
			} else {
				return false, "sender domain matches two-level-tlds with no deeper label"
			}
		}
	}

	if len(p.URIBLs) == 0 {
		return true, ""
	}

	order := rand.Perm(len(p.URIBLs))
	for _, idx := range order {
		list := p.URIBLs[idx]
		result, err := p.Resolver.LookupIP(ctx, candidate+"."+list)
		if err != nil {
			continue
		}
		for _, a := range result.Records {
			if a.String() != "127.0.0.1" {
				return false, fmt.Sprintf("sender blocked on advice of %s", list)
			}
		}
	}
	return true, ""
}

// VerifySenderSPF runs the SPF evaluator and returns its status plus the
// Received-SPF header text to attach verbatim to the message. fatal is
// set only on FAIL, when the sender domain is blacklisted or the engine
// is configured to hard-reject FAIL; an evaluator error is reported as
// temperror and is never fatal.
func (p *PolicyEngine) VerifySenderSPF(ctx context.Context, args spf.Args) (status spf.Status, receivedHeader string, fatal bool, reason string) {
	status, receivedHeader, err := p.SPF.Check(ctx, args)
	if err != nil {
		return spf.StatusTemperror, "", false, err.Error()
	}
	if status == spf.StatusFail {
		domainBlacklisted := p.checkBlacklist(args.MailFromDomain)
		if domainBlacklisted {
			return status, receivedHeader, true, "SPF fail on blacklisted sender domain"
		}
		if p.RejectSPFFail {
			return status, receivedHeader, true, "SPF fail"
		}
	}
	return status, receivedHeader, false, ""
}

// VerifyRecipient checks the forward-path: the Postmaster bypass, the
// address-literal-must-match-us rule, the accept_domains membership (or
// server-identity fallback when no accept_domains CDB is configured), and
// the bad_recipients exclusion.
func (p *PolicyEngine) VerifyRecipient(to Path) (ok bool, reason string) {
	if strings.EqualFold(to.Mailbox.LocalPart, "Postmaster") && to.Mailbox.Domain == "" {
		return true, ""
	}

	dom := to.Mailbox.Domain
	if strings.HasPrefix(dom, "[") {
		if !strings.EqualFold(dom, p.ServerLiteral) {
			return false, "relay access denied"
		}
	} else {
		accepted := false
		if p.Files.AcceptDomains != nil {
			accepted = p.Files.AcceptDomains.Contains(strings.ToLower(dom))
		} else {
			accepted = strings.EqualFold(dom, p.ServerIdentity)
		}
		if !accepted {
			return false, "relay access denied"
		}
	}

	if p.Files.BadRecipients != nil && p.Files.BadRecipients.Contains(to.Mailbox.LocalPart) {
		return false, "relay access denied"
	}
	return true, ""
}

func containsFold(names []string, target string) bool {
	for _, n := range names {
		if strings.EqualFold(n, target) {
			return true
		}
	}
	return false
}
