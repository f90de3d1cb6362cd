// Package maildir delivers finished messages into a qmail-style Maildir
// tree: tmp/new/cur sub-directories, one unique file per message, written
// to tmp then atomically renamed into new.
package maildir

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oklog/ulid/v2"
)

// Writer delivers messages into a Maildir tree rooted at Root, one
// sub-Maildir per folder ("" for INBOX, ".Junk" for spam).
type Writer struct {
	Root     string
	Hostname string
}

// NewWriter builds a Writer. hostname is embedded in the delivered
// filename's uniqueness suffix, conventionally the server's own identity.
func NewWriter(root, hostname string) *Writer {
	return &Writer{Root: root, Hostname: hostname}
}

// Deliver writes message into folder's Maildir and returns the path it
// landed at in new/. The filename is
// "<epoch-seconds>.R<pill>.<hostname>", where pill is a ulid rather than
// a plain random hex string so that deliveries in the same second still
// sort in arrival order.
func (w *Writer) Deliver(folder string, message []byte) (string, error) {
	dir := w.Root
	if folder != "" {
		dir = filepath.Join(dir, folder)
	}
	tmpDir := filepath.Join(dir, "tmp")
	newDir := filepath.Join(dir, "new")
	curDir := filepath.Join(dir, "cur")

	for _, d := range []string{tmpDir, newDir, curDir} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return "", fmt.Errorf("maildir: creating %s: %w", d, err)
		}
	}

	name := fmt.Sprintf("%d.R%s.%s", time.Now().Unix(), ulid.Make().String(), w.Hostname)
	tmpPath := filepath.Join(tmpDir, name)
	newPath := filepath.Join(newDir, name)

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return "", fmt.Errorf("maildir: creating %s: %w", tmpPath, err)
	}
	if _, err := f.Write(message); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("maildir: writing %s: %w", tmpPath, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", fmt.Errorf("maildir: syncing %s: %w", tmpPath, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("maildir: closing %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, newPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("maildir: renaming %s to %s: %w", tmpPath, newPath, err)
	}
	return newPath, nil
}
