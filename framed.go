package ghsmtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	ghio "github.com/RoaringCarol/ghsmtp/internal/io"
)

// conn is the Framed implementation used in production: a net.Conn wrapped
// in buffered I/O, upgradeable to TLS in place via STARTTLS. It is not
// safe for concurrent use, matching the one-session-per-connection model.
type conn struct {
	nc       net.Conn
	reader   *bufio.Reader
	writer   *bufio.Writer
	maxLine  int
	enforce7 bool
}

// NewFramed wraps nc for SMTP line and chunk I/O. maxLine bounds one
// line; enforce7Bit rejects 8-bit octets in every line read through
// ReadLine, which includes DATA content lines. BDAT chunks, read through
// ReadExact, are never checked.
func NewFramed(nc net.Conn, maxLine int, enforce7Bit bool) Framed {
	return &conn{
		nc:       nc,
		reader:   bufio.NewReaderSize(nc, 64*1024),
		writer:   bufio.NewWriterSize(nc, 64*1024),
		maxLine:  maxLine,
		enforce7: enforce7Bit,
	}
}

func (c *conn) ReadLine() (string, error) {
	return ghio.ReadLine(c.reader, c.maxLine, c.enforce7)
}

func (c *conn) HasBufferedInput() bool {
	return c.reader.Buffered() > 0
}

func (c *conn) ReadExact(n int64) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.reader, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (c *conn) WriteResponse(r Response) error {
	if _, err := c.writer.WriteString(r.String()); err != nil {
		return err
	}
	_, err := c.writer.WriteString("\r\n")
	return err
}

func (c *conn) WriteMultilineResponse(code SMTPCode, lines []string) error {
	for i, line := range lines {
		sep := byte('-')
		if i == len(lines)-1 {
			sep = ' '
		}
		if _, err := fmt.Fprintf(c.writer, "%d%c%s\r\n", code, sep, line); err != nil {
			return err
		}
	}
	return nil
}

func (c *conn) Flush() error {
	return c.writer.Flush()
}

func (c *conn) StartTLS(ctx context.Context, cfg *tls.Config) (TLSInfo, error) {
	tlsConn := tls.Server(c.nc, cfg)

	deadline, ok := ctx.Deadline()
	if ok {
		_ = tlsConn.SetDeadline(deadline)
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return TLSInfo{}, err
	}
	if ok {
		_ = tlsConn.SetDeadline(time.Time{})
	}

	c.nc = tlsConn
	c.reader = bufio.NewReaderSize(tlsConn, 64*1024)
	c.writer = bufio.NewWriterSize(tlsConn, 64*1024)

	state := tlsConn.ConnectionState()
	return TLSInfo{
		Version:     state.Version,
		CipherSuite: state.CipherSuite,
		ServerName:  state.ServerName,
	}, nil
}

func (c *conn) SetReadDeadline(t time.Time) error  { return c.nc.SetReadDeadline(t) }
func (c *conn) SetWriteDeadline(t time.Time) error { return c.nc.SetWriteDeadline(t) }
func (c *conn) RemoteAddr() net.Addr               { return c.nc.RemoteAddr() }
func (c *conn) LocalAddr() net.Addr                { return c.nc.LocalAddr() }
func (c *conn) Close() error                       { _ = c.writer.Flush(); return c.nc.Close() }
