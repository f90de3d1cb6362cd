// Package cdb reads D. J. Bernstein's constant-database format: the format
// the policy engine's on-disk blacklists, whitelists, and TLD tables
// (bad_recipients.cdb, bad_senders.cdb, white.cdb, ip-black.cdb,
// ip-white.cdb, black.cdb, accept_domains.cdb, three-level-tlds.cdb,
// two-level-tlds.cdb) are built in. No package in the Go ecosystem reads
// this exact format against the standard mmap-free io.ReaderAt contract
// used here, so this is a small stdlib implementation of the documented
// cdb(5) layout; see DESIGN.md.
package cdb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrNotFound is returned by Get when the key is absent.
var ErrNotFound = errors.New("cdb: key not found")

const (
	headerSlots = 256
	headerBytes = headerSlots * 8
)

type tableEntry struct {
	pos uint32 // offset of the slot table
	len uint32 // number of slots (a power of two >= record count in this bucket)
}

// Reader is a read-only handle onto one constant database file.
type Reader struct {
	r      io.ReaderAt
	closer io.Closer
	header [headerSlots]tableEntry
}

// Open opens the cdb file at path and reads its 2048-byte slot-table
// header.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	rd, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	rd.closer = f
	return rd, nil
}

// NewReader builds a Reader over any io.ReaderAt (a file, or an
// in-memory []byte via bytes.NewReader for tests).
func NewReader(r io.ReaderAt) (*Reader, error) {
	var buf [headerBytes]byte
	if _, err := r.ReadAt(buf[:], 0); err != nil {
		return nil, fmt.Errorf("cdb: reading header: %w", err)
	}

	rd := &Reader{r: r}
	for i := 0; i < headerSlots; i++ {
		off := i * 8
		rd.header[i] = tableEntry{
			pos: binary.LittleEndian.Uint32(buf[off : off+4]),
			len: binary.LittleEndian.Uint32(buf[off+4 : off+8]),
		}
	}
	return rd, nil
}

// Close releases the underlying file, if Open (not NewReader) was used.
func (rd *Reader) Close() error {
	if rd.closer != nil {
		return rd.closer.Close()
	}
	return nil
}

// Get returns the first value stored for key, or ErrNotFound.
func (rd *Reader) Get(key []byte) ([]byte, error) {
	h := hash(key)
	entry := rd.header[h&0xff]
	if entry.len == 0 {
		return nil, ErrNotFound
	}

	start := (h >> 8) % entry.len
	var slot [8]byte
	for i := uint32(0); i < entry.len; i++ {
		slotPos := entry.pos + ((start+i)%entry.len)*8
		if _, err := rd.r.ReadAt(slot[:], int64(slotPos)); err != nil {
			return nil, fmt.Errorf("cdb: reading slot: %w", err)
		}
		slotHash := binary.LittleEndian.Uint32(slot[0:4])
		recPos := binary.LittleEndian.Uint32(slot[4:8])
		if slotHash == 0 && recPos == 0 {
			return nil, ErrNotFound
		}
		if slotHash != h {
			continue
		}

		var lens [8]byte
		if _, err := rd.r.ReadAt(lens[:], int64(recPos)); err != nil {
			return nil, fmt.Errorf("cdb: reading record lengths: %w", err)
		}
		klen := binary.LittleEndian.Uint32(lens[0:4])
		dlen := binary.LittleEndian.Uint32(lens[4:8])

		if int(klen) != len(key) {
			continue
		}
		recKey := make([]byte, klen)
		if _, err := rd.r.ReadAt(recKey, int64(recPos)+8); err != nil {
			return nil, fmt.Errorf("cdb: reading record key: %w", err)
		}
		if string(recKey) != string(key) {
			continue
		}

		data := make([]byte, dlen)
		if _, err := rd.r.ReadAt(data, int64(recPos)+8+int64(klen)); err != nil {
			return nil, fmt.Errorf("cdb: reading record data: %w", err)
		}
		return data, nil
	}
	return nil, ErrNotFound
}

// Contains reports whether key has any record, satisfying the CDB
// interface the policy engine consumes.
func (rd *Reader) Contains(key string) bool {
	_, err := rd.Get([]byte(key))
	return err == nil
}

// Keys returns every key stored in the database, by sequentially scanning
// the record area between the header and the first hash table it
// precedes. Used to load the small override tables (three-level-tlds,
// two-level-tlds) into an in-memory set rather than looking them up by
// membership one candidate at a time.
func (rd *Reader) Keys() ([]string, error) {
	end := int64(-1)
	for _, e := range rd.header {
		if e.len == 0 {
			continue
		}
		if end == -1 || int64(e.pos) < end {
			end = int64(e.pos)
		}
	}
	if end == -1 {
		return nil, nil
	}

	var keys []string
	pos := int64(headerBytes)
	for pos < end {
		var lens [8]byte
		if _, err := rd.r.ReadAt(lens[:], pos); err != nil {
			return nil, fmt.Errorf("cdb: reading record lengths: %w", err)
		}
		klen := binary.LittleEndian.Uint32(lens[0:4])
		dlen := binary.LittleEndian.Uint32(lens[4:8])

		key := make([]byte, klen)
		if _, err := rd.r.ReadAt(key, pos+8); err != nil {
			return nil, fmt.Errorf("cdb: reading record key: %w", err)
		}
		keys = append(keys, string(key))
		pos += 8 + int64(klen) + int64(dlen)
	}
	return keys, nil
}

// hash is the cdb(5) hash function: h = 5381; for each byte c, h = ((h<<5)+h) ^ c.
func hash(key []byte) uint32 {
	h := uint32(5381)
	for _, c := range key {
		h = ((h << 5) + h) ^ uint32(c)
	}
	return h
}
