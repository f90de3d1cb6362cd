package ghsmtp

import (
	"context"
	"net"
	"testing"

	ghdns "github.com/RoaringCarol/ghsmtp/internal/dns"
	ghdomain "github.com/RoaringCarol/ghsmtp/internal/domain"
	"github.com/RoaringCarol/ghsmtp/internal/spf"
)

func TestVerifyIPAddressBlacklisted(t *testing.T) {
	p := &PolicyEngine{Files: PolicyFiles{IPBlack: fakeCDB{"203.0.113.9": true}}}
	_, ok, reason := p.VerifyIPAddress(net.ParseIP("203.0.113.9"))
	if ok {
		t.Fatalf("expected a blacklisted IP to be rejected")
	}
	if reason != "blacklisted" {
		t.Fatalf("reason = %q, want blacklisted", reason)
	}
}

func TestVerifyIPAddressLoopbackIsWhitelisted(t *testing.T) {
	p := &PolicyEngine{}
	whitelisted, ok, _ := p.VerifyIPAddress(net.ParseIP("127.0.0.1"))
	if !ok || !whitelisted {
		t.Fatalf("expected loopback to be accepted and whitelisted, got ok=%v whitelisted=%v", ok, whitelisted)
	}
}

func TestVerifyIPAddressWhitelisted(t *testing.T) {
	p := &PolicyEngine{Files: PolicyFiles{IPWhite: fakeCDB{"203.0.113.9": true}}}
	whitelisted, ok, _ := p.VerifyIPAddress(net.ParseIP("203.0.113.9"))
	if !ok || !whitelisted {
		t.Fatalf("expected a whitelisted IP to be accepted and whitelisted")
	}
}

func TestVerifyIPAddressDefault(t *testing.T) {
	p := &PolicyEngine{}
	whitelisted, ok, reason := p.VerifyIPAddress(net.ParseIP("203.0.113.9"))
	if !ok || whitelisted || reason != "" {
		t.Fatalf("expected an unremarkable IP to be accepted and not whitelisted, got ok=%v whitelisted=%v reason=%q", ok, whitelisted, reason)
	}
}

func TestResolveFCrDNSConfirmsForwardMatch(t *testing.T) {
	resolver := ghdns.MockResolver{
		PTR: map[string][]string{"203.0.113.9": {"mail.example.com."}},
		A:   map[string][]string{"mail.example.com.": {"203.0.113.9"}},
	}
	p := &PolicyEngine{Resolver: resolver}

	got, err := p.ResolveFCrDNS(context.Background(), net.ParseIP("203.0.113.9"))
	if err != nil {
		t.Fatalf("ResolveFCrDNS: %v", err)
	}
	if len(got) != 1 || got[0] != "mail.example.com" {
		t.Fatalf("ResolveFCrDNS = %v, want [mail.example.com]", got)
	}
}

func TestResolveFCrDNSRejectsUnconfirmedPTR(t *testing.T) {
	resolver := ghdns.MockResolver{
		PTR: map[string][]string{"203.0.113.9": {"liar.example.com."}},
		A:   map[string][]string{"liar.example.com.": {"198.51.100.1"}},
	}
	p := &PolicyEngine{Resolver: resolver}

	got, err := p.ResolveFCrDNS(context.Background(), net.ParseIP("203.0.113.9"))
	if err != nil {
		t.Fatalf("ResolveFCrDNS: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("ResolveFCrDNS = %v, want no confirmed names", got)
	}
}

func TestVerifyGreetingBlacklistAndWhitelist(t *testing.T) {
	p := &PolicyEngine{Files: PolicyFiles{
		Black: fakeCDB{"spammer.example": true},
		White: fakeCDB{"partner.example": true},
	}}

	if ok, _ := p.VerifyGreetingBlacklist([]string{"mail.example.com"}); !ok {
		t.Fatalf("expected a non-blacklisted name to pass")
	}
	if ok, reason := p.VerifyGreetingBlacklist([]string{"spammer.example"}); ok || reason == "" {
		t.Fatalf("expected the blacklisted name to be rejected with a reason, got ok=%v reason=%q", ok, reason)
	}
	if p.VerifyGreetingWhitelist([]string{"mail.example.com"}) {
		t.Fatalf("expected a non-whitelisted name to not be whitelisted")
	}
	if !p.VerifyGreetingWhitelist([]string{"partner.example"}) {
		t.Fatalf("expected the whitelisted name to be recognized")
	}
}

func TestVerifyDNSBLNoListsConfigured(t *testing.T) {
	p := &PolicyEngine{Resolver: ghdns.MockResolver{}}
	ok, _ := p.VerifyDNSBL(context.Background(), net.ParseIP("203.0.113.9"))
	if !ok {
		t.Fatalf("expected no DNSBLs configured to always pass")
	}
}

func TestVerifyDNSBLHit(t *testing.T) {
	resolver := ghdns.MockResolver{
		A: map[string][]string{"9.113.0.203.zen.example.": {"127.0.0.2"}},
	}
	p := &PolicyEngine{Resolver: resolver, DNSBLs: []string{"zen.example"}}

	ok, reason := p.VerifyDNSBL(context.Background(), net.ParseIP("203.0.113.9"))
	if ok || reason == "" {
		t.Fatalf("expected a DNSBL hit to be rejected with a reason, got ok=%v reason=%q", ok, reason)
	}
}

func TestVerifyClientSelfClaimWithoutLoopbackOrMatchingFCrDNS(t *testing.T) {
	p := &PolicyEngine{ServerIdentity: "mx.example.com"}
	ok, reason := p.VerifyClient("mx.example.com", false, nil)
	if ok || reason == "" {
		t.Fatalf("expected a self-claim from a non-loopback, non-confirmed peer to be rejected")
	}
}

func TestVerifyClientSelfClaimFromLoopback(t *testing.T) {
	p := &PolicyEngine{ServerIdentity: "mx.example.com"}
	ok, _ := p.VerifyClient("mx.example.com", true, nil)
	if !ok {
		t.Fatalf("expected a self-claim from the loopback peer to be accepted")
	}
}

func TestVerifyClientBogusIdentity(t *testing.T) {
	p := &PolicyEngine{ServerIdentity: "mx.example.com"}
	ok, reason := p.VerifyClient("notadomain", false, nil)
	if ok || reason == "" {
		t.Fatalf("expected a single-label identity to be rejected")
	}
}

func TestVerifyClientBlacklistedIdentity(t *testing.T) {
	p := &PolicyEngine{
		ServerIdentity: "mx.example.com",
		Files:          PolicyFiles{Black: fakeCDB{"spammer.example": true}},
	}
	ok, reason := p.VerifyClient("spammer.example", false, nil)
	if ok || reason == "" {
		t.Fatalf("expected a blacklisted identity to be rejected")
	}
}

func TestVerifyClientOrdinaryIdentity(t *testing.T) {
	p := &PolicyEngine{ServerIdentity: "mx.example.com"}
	ok, _ := p.VerifyClient("client.example.com", false, nil)
	if !ok {
		t.Fatalf("expected an ordinary two-label identity to be accepted")
	}
}

func TestVerifySenderBadSender(t *testing.T) {
	p := &PolicyEngine{Files: PolicyFiles{BadSenders: fakeCDB{"spammer": true}}}
	from := Path{Mailbox: MailboxAddress{LocalPart: "spammer", Domain: "example.com"}}
	ok, _ := p.VerifySender(from, false, nil, "")
	if ok {
		t.Fatalf("expected a bad-sender local part to be rejected")
	}
}

func TestVerifySenderNullReversePath(t *testing.T) {
	p := &PolicyEngine{}
	ok, reason := p.VerifySender(Path{}, false, nil, "")
	if !ok || reason != "" {
		t.Fatalf("expected a null reverse-path to always be accepted, got ok=%v reason=%q", ok, reason)
	}
}

func TestVerifySenderLiteralMismatchIsNotedNotFatal(t *testing.T) {
	p := &PolicyEngine{}
	from := Path{Mailbox: MailboxAddress{LocalPart: "alice", Domain: "[198.51.100.9]"}}
	ok, reason := p.VerifySender(from, false, nil, "[203.0.113.9]")
	if !ok {
		t.Fatalf("expected a sender-literal mismatch to still be accepted")
	}
	if reason == "" {
		t.Fatalf("expected a non-empty reason noting the mismatch")
	}
}

func TestVerifySenderSpoofedAcceptedDomain(t *testing.T) {
	p := &PolicyEngine{}
	from := Path{Mailbox: MailboxAddress{LocalPart: "alice", Domain: "mx.example.com"}}
	accepted := func(dom string) bool { return dom == "mx.example.com" }
	ok, reason := p.VerifySender(from, false, accepted, "")
	if ok || reason == "" {
		t.Fatalf("expected a sender claiming one of our own accepted domains to be rejected as spoofed")
	}
}

func TestVerifySenderSpoofSkippedForLoopback(t *testing.T) {
	p := &PolicyEngine{}
	from := Path{Mailbox: MailboxAddress{LocalPart: "alice", Domain: "mx.example.com"}}
	accepted := func(dom string) bool { return dom == "mx.example.com" }
	ok, _ := p.VerifySender(from, true, accepted, "")
	if !ok {
		t.Fatalf("expected the anti-spoofing check to be skipped for a loopback peer")
	}
}

func TestVerifySenderDomainInvalid(t *testing.T) {
	p := &PolicyEngine{}
	ok, reason := p.VerifySenderDomain(context.Background(), "notadomain")
	if ok || reason == "" {
		t.Fatalf("expected a single-label sender domain to be rejected")
	}
}

func TestVerifySenderDomainWhitelistShortCircuits(t *testing.T) {
	p := &PolicyEngine{Files: PolicyFiles{White: fakeCDB{"example.com": true}}}
	ok, _ := p.VerifySenderDomain(context.Background(), "example.com")
	if !ok {
		t.Fatalf("expected a whitelisted sender domain to be accepted")
	}
}

func TestVerifySenderDomainURIBLHit(t *testing.T) {
	resolver := ghdns.MockResolver{
		A: map[string][]string{"example.com.surbl.example.": {"127.0.0.2"}},
	}
	p := &PolicyEngine{Resolver: resolver, URIBLs: []string{"surbl.example"}}
	ok, reason := p.VerifySenderDomain(context.Background(), "example.com")
	if ok || reason == "" {
		t.Fatalf("expected a URIBL hit on the sender domain to be rejected")
	}
}

func TestVerifySenderDomainURIBLMiss(t *testing.T) {
	resolver := ghdns.MockResolver{
		A: map[string][]string{"example.com.surbl.example.": {"127.0.0.1"}},
	}
	p := &PolicyEngine{Resolver: resolver, URIBLs: []string{"surbl.example"}}
	ok, _ := p.VerifySenderDomain(context.Background(), "example.com")
	if !ok {
		t.Fatalf("expected the URIBL convention of 127.0.0.1 meaning not-listed to pass")
	}
}

func TestVerifySenderDomainThreeLevelOverride(t *testing.T) {
	p := &PolicyEngine{
		TLDs: &ghdomain.TLDTables{ThreeLevel: map[string]bool{"example.co.uk": true}},
	}
	ok, reason := p.VerifySenderDomain(context.Background(), "example.co.uk")
	if ok || reason == "" {
		t.Fatalf("expected a three-level-tlds match with no deeper label to be rejected")
	}
}

func TestVerifySenderSPFPassThrough(t *testing.T) {
	p := &PolicyEngine{SPF: fakeSPF{status: spf.StatusPass}}
	status, _, fatal, _ := p.VerifySenderSPF(context.Background(), spf.Args{})
	if status != spf.StatusPass || fatal {
		t.Fatalf("expected an SPF pass to pass through, got status=%v fatal=%v", status, fatal)
	}
}

func TestVerifySenderSPFFailOnBlacklistedDomainIsFatal(t *testing.T) {
	p := &PolicyEngine{
		SPF:   fakeSPF{status: spf.StatusFail},
		Files: PolicyFiles{Black: fakeCDB{"spammer.example": true}},
	}
	_, _, fatal, reason := p.VerifySenderSPF(context.Background(), spf.Args{MailFromDomain: "spammer.example"})
	if !fatal || reason == "" {
		t.Fatalf("expected SPF fail on a blacklisted domain to be fatal")
	}
}

func TestVerifySenderSPFFailNotRejectedByDefault(t *testing.T) {
	p := &PolicyEngine{SPF: fakeSPF{status: spf.StatusFail}}
	_, _, fatal, _ := p.VerifySenderSPF(context.Background(), spf.Args{MailFromDomain: "example.com"})
	if fatal {
		t.Fatalf("expected a plain SPF fail to not be fatal when RejectSPFFail is false")
	}
}

func TestVerifySenderSPFFailRejectedWhenConfigured(t *testing.T) {
	p := &PolicyEngine{SPF: fakeSPF{status: spf.StatusFail}, RejectSPFFail: true}
	_, _, fatal, reason := p.VerifySenderSPF(context.Background(), spf.Args{MailFromDomain: "example.com"})
	if !fatal || reason == "" {
		t.Fatalf("expected a plain SPF fail to be fatal when RejectSPFFail is true")
	}
}

func TestVerifyRecipientPostmasterBypass(t *testing.T) {
	p := &PolicyEngine{Files: PolicyFiles{AcceptDomains: fakeCDB{}}}
	ok, _ := p.VerifyRecipient(Path{Mailbox: MailboxAddress{LocalPart: "Postmaster"}})
	if !ok {
		t.Fatalf("expected the bare Postmaster address to bypass domain checks")
	}
}

func TestVerifyRecipientLiteralMismatch(t *testing.T) {
	p := &PolicyEngine{ServerLiteral: "[203.0.113.9]"}
	to := Path{Mailbox: MailboxAddress{LocalPart: "bob", Domain: "[198.51.100.9]"}}
	ok, reason := p.VerifyRecipient(to)
	if ok || reason != "relay access denied" {
		t.Fatalf("expected a recipient literal not matching our own to be denied, got ok=%v reason=%q", ok, reason)
	}
}

func TestVerifyRecipientAcceptedDomain(t *testing.T) {
	p := &PolicyEngine{Files: PolicyFiles{AcceptDomains: fakeCDB{"mx.example.com": true}}}
	to := Path{Mailbox: MailboxAddress{LocalPart: "bob", Domain: "mx.example.com"}}
	ok, _ := p.VerifyRecipient(to)
	if !ok {
		t.Fatalf("expected a recipient in an accepted domain to be allowed")
	}
}

func TestVerifyRecipientFallsBackToServerIdentity(t *testing.T) {
	p := &PolicyEngine{ServerIdentity: "mx.example.com"}
	to := Path{Mailbox: MailboxAddress{LocalPart: "bob", Domain: "mx.example.com"}}
	ok, _ := p.VerifyRecipient(to)
	if !ok {
		t.Fatalf("expected the server identity to be used when no accept_domains CDB is configured")
	}

	to.Mailbox.Domain = "other.example"
	ok, reason := p.VerifyRecipient(to)
	if ok || reason != "relay access denied" {
		t.Fatalf("expected an unaccepted domain to be denied, got ok=%v reason=%q", ok, reason)
	}
}

func TestVerifyRecipientBadRecipient(t *testing.T) {
	p := &PolicyEngine{
		ServerIdentity: "mx.example.com",
		Files:          PolicyFiles{BadRecipients: fakeCDB{"bob": true}},
	}
	to := Path{Mailbox: MailboxAddress{LocalPart: "bob", Domain: "mx.example.com"}}
	ok, reason := p.VerifyRecipient(to)
	if ok || reason != "relay access denied" {
		t.Fatalf("expected a bad-recipients hit to be denied, got ok=%v reason=%q", ok, reason)
	}
}
