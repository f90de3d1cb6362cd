package ghsmtp

import "fmt"

// Extension identifies an SMTP extension advertised in the EHLO response.
type Extension string

const (
	Ext8BitMIME             Extension = "8BITMIME"
	ExtPipelining           Extension = "PIPELINING"
	ExtSMTPUTF8             Extension = "SMTPUTF8"
	ExtSTARTTLS             Extension = "STARTTLS"
	ExtRequireTLS           Extension = "REQUIRETLS"
	ExtSize                 Extension = "SIZE"
	ExtDSN                  Extension = "DSN"
	ExtChunking             Extension = "CHUNKING"
	ExtBinaryMIME           Extension = "BINARYMIME"
	ExtEnhancedStatusCodes  Extension = "ENHANCEDSTATUSCODES"
)

// ehloLines builds the EHLO response body: SIZE, 8BITMIME, either STARTTLS
// or (once TLS is already active) REQUIRETLS, ENHANCEDSTATUSCODES,
// PIPELINING, BINARYMIME, CHUNKING, SMTPUTF8.
func ehloLines(serverID string, maxMessageSize int64, tlsActive bool) []string {
	lines := []string{serverID}
	if maxMessageSize > 0 {
		lines = append(lines, fmt.Sprintf("%s %d", ExtSize, maxMessageSize))
	} else {
		lines = append(lines, string(ExtSize))
	}
	lines = append(lines, string(Ext8BitMIME))
	if tlsActive {
		lines = append(lines, string(ExtRequireTLS))
	} else {
		lines = append(lines, string(ExtSTARTTLS))
	}
	lines = append(lines,
		string(ExtEnhancedStatusCodes),
		string(ExtPipelining),
		string(ExtBinaryMIME),
		string(ExtChunking),
		string(ExtSMTPUTF8),
	)
	return lines
}
