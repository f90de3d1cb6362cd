// Package mailqueue appends a MessagePack-encoded audit record for every
// accepted message to an append-only trail, independent of the message
// itself already sitting in the Maildir. It uses tinylib/msgp's runtime
// Writer directly rather than a generated codec, since the record shape
// here is small and fixed.
package mailqueue

import (
	"io"
	"time"

	"github.com/tinylib/msgp/msgp"
)

// Record is one audit-trail entry for an accepted message.
type Record struct {
	MessageID   string
	ReceivedAt  time.Time
	From        string
	To          []string
	Ham         bool
	Reasons     []string
	DeliveredTo string
}

// EncodeMsg writes r as a seven-field MessagePack map.
func (r Record) EncodeMsg(w *msgp.Writer) error {
	if err := w.WriteMapHeader(7); err != nil {
		return err
	}

	fields := []struct {
		key   string
		write func() error
	}{
		{"id", func() error { return w.WriteString(r.MessageID) }},
		{"received_at", func() error { return w.WriteTime(r.ReceivedAt) }},
		{"from", func() error { return w.WriteString(r.From) }},
		{"to", func() error { return writeStrings(w, r.To) }},
		{"ham", func() error { return w.WriteBool(r.Ham) }},
		{"reasons", func() error { return writeStrings(w, r.Reasons) }},
		{"delivered_to", func() error { return w.WriteString(r.DeliveredTo) }},
	}
	for _, f := range fields {
		if err := w.WriteString(f.key); err != nil {
			return err
		}
		if err := f.write(); err != nil {
			return err
		}
	}
	return nil
}

// DecodeMsg reads a Record previously written by EncodeMsg.
func (r *Record) DecodeMsg(dr *msgp.Reader) error {
	n, err := dr.ReadMapHeader()
	if err != nil {
		return err
	}
	for i := uint32(0); i < n; i++ {
		key, err := dr.ReadString()
		if err != nil {
			return err
		}
		switch key {
		case "id":
			r.MessageID, err = dr.ReadString()
		case "received_at":
			r.ReceivedAt, err = dr.ReadTime()
		case "from":
			r.From, err = dr.ReadString()
		case "to":
			r.To, err = readStrings(dr)
		case "ham":
			r.Ham, err = dr.ReadBool()
		case "reasons":
			r.Reasons, err = readStrings(dr)
		case "delivered_to":
			r.DeliveredTo, err = dr.ReadString()
		default:
			err = dr.Skip()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func writeStrings(w *msgp.Writer, ss []string) error {
	if err := w.WriteArrayHeader(uint32(len(ss))); err != nil {
		return err
	}
	for _, s := range ss {
		if err := w.WriteString(s); err != nil {
			return err
		}
	}
	return nil
}

func readStrings(dr *msgp.Reader) ([]string, error) {
	n, err := dr.ReadArrayHeader()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := dr.ReadString()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// Append encodes rec and writes it to w, flushing immediately so the
// whole record has been written to w before Append returns.
func Append(w io.Writer, rec Record) error {
	mw := msgp.NewWriter(w)
	if err := rec.EncodeMsg(mw); err != nil {
		return err
	}
	return mw.Flush()
}
