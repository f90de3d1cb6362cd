package dns

import (
	"context"
	"errors"
	"net"
)

// DNS lookup errors shared by DNSResolver and StdResolver.
var (
	ErrDNSNotFound = errors.New("dns: name not found")
	ErrDNSTimeout  = errors.New("dns: query timed out")
	ErrDNSServFail = errors.New("dns: server failure")
	ErrDNSBogus    = errors.New("dns: response failed DNSSEC validation")
	ErrDNSRefused  = errors.New("dns: query refused")
)

// IsNotFound reports whether err (or something it wraps) is ErrDNSNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrDNSNotFound) }

// IsTimeout reports whether err (or something it wraps) is ErrDNSTimeout.
func IsTimeout(err error) bool { return errors.Is(err, ErrDNSTimeout) }

// IsServFail reports whether err (or something it wraps) is ErrDNSServFail.
func IsServFail(err error) bool { return errors.Is(err, ErrDNSServFail) }

// IsTemporary reports whether err represents a condition worth retrying:
// a timeout or a server failure, as opposed to a definitive not-found.
func IsTemporary(err error) bool { return IsTimeout(err) || IsServFail(err) }

// Result carries the records returned by a lookup along with whether the
// answer was DNSSEC-authenticated end to end.
type Result[T any] struct {
	Records   []T
	Authentic bool
}

// Resolver is the DNS lookup surface the policy engine and the email
// -authentication collaborators (SPF, DKIM, DMARC, ARC) depend on. Both
// DNSResolver (github.com/miekg/dns, DNSSEC-aware) and StdResolver (the
// standard library, no DNSSEC) implement it.
type Resolver interface {
	LookupTXT(ctx context.Context, name string) (Result[string], error)
	LookupIP(ctx context.Context, host string) (Result[net.IP], error)
	LookupMX(ctx context.Context, name string) (Result[*net.MX], error)
	LookupAddr(ctx context.Context, ip net.IP) (Result[string], error)
}
