// Package audit implements an optional, off-by-default record of
// every command a session attempted to launch, written to a
// zstd-compressed append-only file. It has no effect on wire
// behavior; a daemon run with no AuditLogPath configured never
// touches this package.
//
// Grounded on klauspost/compress (used repo-wide for on-disk
// artifacts elsewhere in this dependency set) and a siphash content
// fingerprint in the style of splitter.go / vm/interphash.go.
package audit

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dchest/siphash"
	"github.com/klauspost/compress/zstd"
)

// siphash keys. Fixed rather than random: fingerprints are compared
// across log entries and across process restarts, so they must be
// reproducible, not secret — this is a deduplication aid, not a MAC.
const (
	k0 = 0x0123456789abcdef
	k1 = 0xfedcba9876543210
)

// Entry is one audit record.
type Entry struct {
	Time    time.Time
	Session string
	// Command is the raw command line, or empty when Redacted is in
	// effect — see Fingerprint in that case.
	Command     string
	Fingerprint uint64
	Redacted    bool
}

// Log is an append-only, zstd-compressed audit trail. The zero value
// is not usable; construct one with Open.
type Log struct {
	mu  sync.Mutex
	f   *os.File
	enc *zstd.Encoder
}

// Open creates or appends to the audit log at path. Callers should
// defer Close.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: opening %s: %w", path, err)
	}
	enc, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("audit: creating encoder for %s: %w", path, err)
	}
	return &Log{f: f, enc: enc}, nil
}

// Record appends one entry. If redact is true, command is replaced by
// its siphash fingerprint and never written in the clear.
func (l *Log) Record(sessionID, command string, redact bool) error {
	entry := Entry{
		Time:        time.Now(),
		Session:     sessionID,
		Fingerprint: siphash.Hash(k0, k1, []byte(command)),
	}
	if redact {
		entry.Redacted = true
	} else {
		entry.Command = command
	}
	line := formatEntry(entry)

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := io.WriteString(l.enc, line); err != nil {
		return fmt.Errorf("audit: writing record: %w", err)
	}
	return nil
}

func formatEntry(e Entry) string {
	if e.Redacted {
		return fmt.Sprintf("%s\t%s\tfingerprint:%x\n", e.Time.Format(time.RFC3339Nano), e.Session, e.Fingerprint)
	}
	return fmt.Sprintf("%s\t%s\t%x\t%s\n", e.Time.Format(time.RFC3339Nano), e.Session, e.Fingerprint, e.Command)
}

// Close flushes the zstd stream and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enc.Close(); err != nil {
		l.f.Close()
		return fmt.Errorf("audit: closing encoder: %w", err)
	}
	return l.f.Close()
}
