package ghsmtp

import "bytes"

// dataResult is what readDataContent accumulates from a DATA transcript:
// the un-dot-stuffed message bytes, and whether a size limit was latched
// along the way (the remainder is still consumed to keep the stream
// aligned, but none of it makes it into Data).
type dataResult struct {
	Data         []byte
	SizeExceeded bool
}

// readDataContent reads lines from f until the "." end marker, removing
// RFC 5321 Section 4.5.2 dot-stuffing and tracking two independent caps: a
// header-section cap (maxHeaderSize, measured up to the first blank line)
// and an overall message cap (maxMessageSize). Once either is exceeded the
// SizeExceeded flag latches and further bytes are discarded rather than
// appended, but reading continues to the end marker so the command stream
// stays in sync.
func readDataContent(f Framed, maxMessageSize, maxHeaderSize int64) (dataResult, error) {
	var buf bytes.Buffer
	var headerLen int64
	headerOpen := true
	sizeExceeded := false

	for {
		line, err := f.ReadLine()
		if err != nil {
			return dataResult{}, err
		}
		if line == "." {
			break
		}
		if len(line) > 0 && line[0] == '.' {
			line = line[1:]
		}

		if headerOpen {
			if line == "" {
				headerOpen = false
			} else {
				headerLen += int64(len(line)) + 2
				if maxHeaderSize > 0 && headerLen > maxHeaderSize {
					sizeExceeded = true
				}
			}
		}

		if !sizeExceeded && maxMessageSize > 0 && int64(buf.Len())+int64(len(line))+2 > maxMessageSize {
			sizeExceeded = true
		}
		if !sizeExceeded {
			buf.WriteString(line)
			buf.WriteString("\r\n")
		}
	}

	return dataResult{Data: buf.Bytes(), SizeExceeded: sizeExceeded}, nil
}

// readBDATChunk reads exactly size octets of binary message content,
// bypassing line discipline entirely, per RFC 3030.
func readBDATChunk(f Framed, size int64) ([]byte, error) {
	return f.ReadExact(size)
}

// addedHeaders builds the headers the receiver itself prepends to every
// accepted message, in the fixed order the session always uses: the
// envelope Return-Path, the Received trace, and (if SPF ran) the
// Received-SPF result.
func addedHeaders(from Path, received TraceField, receivedSPF string) Headers {
	hdrs := Headers{
		{Name: "Return-Path", Value: from.String()},
		{Name: "Received", Value: formatReceivedValue(received)},
	}
	if receivedSPF != "" {
		hdrs = append(hdrs, Header{Name: "Received-SPF", Value: receivedSPF})
	}
	return hdrs
}

// formatReceivedValue renders one Received trace field as the header
// value that follows "Received:". Folding onto additional indented lines
// is left to the mail writer; the body here is the logical content RFC
// 5321 Section 4.4 requires: from/by/with/id/for/tls, then the date-time.
func formatReceivedValue(t TraceField) string {
	s := "from " + t.FromDomain
	if t.FromIP != "" {
		s += " (" + t.FromIP + ")"
	}
	s += " by " + t.ByDomain + " with " + t.With
	if t.ID != "" {
		s += " id " + t.ID
	}
	if t.For != "" {
		s += " for <" + t.For + ">"
	}
	if t.TLS && t.TLSDetail != "" {
		s += " (" + t.TLSDetail + ")"
	}
	s += "; " + t.Timestamp.Format("Mon, 02 Jan 2006 15:04:05 -0700")
	return s
}
