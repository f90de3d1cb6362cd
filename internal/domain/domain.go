// Package domain normalizes and classifies the domain labels that appear in
// HELO/EHLO arguments, MAIL FROM/RCPT TO paths, and DNS lookups: Unicode
// normalization and IDNA mapping for internationalized domain names
// (RFC 6531 requires SMTPUTF8 to convert between the two), and registered
// -domain (eTLD+1) computation used by the policy engine's blacklist and
// relay-access checks.
package domain

import (
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/text/unicode/norm"
)

// idnaProfile performs the IDNA2008 transitional mapping used to convert a
// U-label (Unicode) domain to its A-label (punycode, ASCII) form and back.
var idnaProfile = idna.New(
	idna.MapForLookup(),
	idna.BidiRule(),
	idna.Transitional(true),
)

// Normalize applies NFKC normalization followed by IDNA mapping, returning
// the canonical A-label (ASCII, xn--... where needed) form of a domain as
// presented in a HELO/EHLO argument or an address's domain part. An empty
// or address-literal input is returned unchanged.
func Normalize(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	if isAddressLiteral(raw) {
		return raw, nil
	}
	nfkc := norm.NFKC.String(raw)
	ascii, err := idnaProfile.ToASCII(nfkc)
	if err != nil {
		return "", err
	}
	return strings.ToLower(ascii), nil
}

// ToUnicode converts a canonical A-label domain back to its U-label
// (Unicode) form, for display and for SMTPUTF8 responses.
func ToUnicode(ascii string) (string, error) {
	if ascii == "" || isAddressLiteral(ascii) {
		return ascii, nil
	}
	return idnaProfile.ToUnicode(ascii)
}

func isAddressLiteral(s string) bool {
	return strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]")
}

// TLDTables is the two-level/three-level TLD override data loaded from the
// accept_domains/three-level-tlds/two-level-tlds CDB files: a registered
// -domain boundary that predates the Public Suffix List and must still be
// honored for domains the tables explicitly list, falling back to the
// standard Public Suffix List for anything the tables are silent on.
type TLDTables struct {
	ThreeLevel map[string]bool
	TwoLevel   map[string]bool
}

// RegisteredDomain returns the registered domain (organizational domain,
// eTLD+1) for a normalized A-label domain. When tbl names an override for
// one of domain's trailing labels, that boundary wins; otherwise the
// standard Public Suffix List (golang.org/x/net/publicsuffix) decides.
func RegisteredDomain(d string, tbl *TLDTables) string {
	d = strings.TrimSuffix(strings.ToLower(d), ".")
	if d == "" {
		return ""
	}

	if tbl != nil {
		labels := strings.Split(d, ".")
		for level, set := range []map[string]bool{tbl.TwoLevel, tbl.ThreeLevel} {
			n := level + 2 // TwoLevel -> keep 2 trailing labels, ThreeLevel -> 3
			if set == nil || len(labels) < n {
				continue
			}
			suffix := strings.Join(labels[len(labels)-n+1:], ".")
			if set[suffix] {
				return strings.Join(labels[len(labels)-n:], ".")
			}
		}
	}

	if etld1, err := publicsuffix.EffectiveTLDPlusOne(d); err == nil {
		return etld1
	}
	return d
}

// Aligned reports whether two registered domains match, which is the
// relaxed-mode definition of domain alignment used when comparing an
// envelope-sender domain against a whitelist or blacklist entry.
func Aligned(a, b string, tbl *TLDTables) bool {
	return RegisteredDomain(a, tbl) == RegisteredDomain(b, tbl)
}

// IsSubdomain reports whether d is equal to or a subdomain of parent.
func IsSubdomain(d, parent string) bool {
	d = strings.TrimSuffix(strings.ToLower(d), ".")
	parent = strings.TrimSuffix(strings.ToLower(parent), ".")
	return d == parent || strings.HasSuffix(d, "."+parent)
}
