package ghsmtp

import (
	"net"
	"strings"

	ghdomain "github.com/RoaringCarol/ghsmtp/internal/domain"
	"github.com/RoaringCarol/ghsmtp/internal/spf"
)

// Verdict is the ham/spam classification computed once per message,
// before the Maildir message is opened.
type Verdict struct {
	Ham     bool
	Reasons []string
}

// Folder returns the Maildir sub-folder the verdict delivers into: ""
// (INBOX) for ham, ".Junk" for spam.
func (v Verdict) Folder() string {
	if v.Ham {
		return ""
	}
	return ".Junk"
}

// Header renders the X-Spam-Status header value this verdict adds to the
// delivered message.
func (v Verdict) Header() string {
	status := "Yes"
	if v.Ham {
		status = "No"
	}
	if len(v.Reasons) == 0 {
		return status
	}
	return status + ", " + strings.Join(v.Reasons, "; ")
}

// ClassifyInput carries every signal the classifier composes into a
// verdict, accumulated over the life of the session.
type ClassifyInput struct {
	SPFStatus       spf.Status
	SenderDomain    string
	IPWhitelisted   bool
	ClientIdentity  string
	ClientFCrDNS    []string
	TLSActive       bool
	RemoteIP        net.IP
	White           CDB
	TLDs            *ghdomain.TLDTables

	// DMARCReject is set when DMARC evaluation (SPF/DKIM alignment against
	// the published policy) concluded the message should be rejected.
	DMARCReject bool
}

// Classify composes the signals accumulated during a session into a
// ham/spam verdict. Short-circuits in order, with reasons accumulated so
// the logs show every contributing cause; an SPF FAIL on a
// non-whitelisted IP unconditionally overrides every ham signal.
func Classify(in ClassifyInput) Verdict {
	var reasons []string
	ham := false

	if in.SPFStatus == spf.StatusPass && in.White != nil {
		reg := ghdomain.RegisteredDomain(in.SenderDomain, in.TLDs)
		if in.White.Contains(in.SenderDomain) || in.White.Contains(reg) {
			ham = true
			reasons = append(reasons, "SPF pass for whitelisted sender domain")
		}
	}

	if in.TLSActive {
		ham = true
		reasons = append(reasons, "connection used TLS")
	}

	if containsFold(in.ClientFCrDNS, in.ClientIdentity) {
		ham = true
		reasons = append(reasons, "client identity matches FCrDNS")
	}

	if in.White != nil {
		for _, name := range in.ClientFCrDNS {
			reg := ghdomain.RegisteredDomain(name, in.TLDs)
			if in.White.Contains(name) || in.White.Contains(reg) {
				ham = true
				reasons = append(reasons, "FCrDNS name whitelisted: "+name)
				break
			}
		}
	}

	if in.SPFStatus == spf.StatusFail && !in.IPWhitelisted {
		ham = false
		reasons = []string{"SPF fail on non-whitelisted IP"}
	}

	if in.DMARCReject {
		ham = false
		reasons = []string{"DMARC policy reject"}
	}

	return Verdict{Ham: ham, Reasons: reasons}
}
