// Package spf implements Sender Policy Framework (SPF) verification according to RFC 7208.
//
// SPF allows domain owners to publish a policy as a DNS TXT record describing which IP
// addresses are authorized to send email with the domain in the MAIL FROM command,
// and how to handle messages from unauthorized IPs.
//
// This package provides:
//   - Full SPF record parsing with all mechanisms and modifiers
//   - SPF evaluation with proper DNS lookup limits
//   - Macro expansion support
//   - Received-SPF header generation
//
// Basic Usage:
//
//	args := spf.Args{
//	    RemoteIP:       net.ParseIP("192.0.2.1"),
//	    MailFromDomain: "example.com",
//	    MailFromLocal:  "user",
//	    HelloDomain:    "mail.example.com",
//	    LocalHostname:  "mx.example.org",
//	}
//
//	received, domain, explanation, authentic, err := spf.Verify(ctx, resolver, args)
//	if err != nil {
//	    // Handle error
//	}
//
//	switch received.Result {
//	case spf.StatusPass:
//	    // Accept the message
//	case spf.StatusFail:
//	    // Reject the message
//	case spf.StatusSoftfail:
//	    // Mark as suspicious
//	}
//
// References:
//   - RFC 7208: Sender Policy Framework (SPF)
//   - RFC 4408: Sender Policy Framework (obsoleted by 7208)
package spf
