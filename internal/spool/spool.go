// Package spool implements the durable on-disk queue of messages awaiting
// delivery. Each queued message is one file in the spool directory; the
// directory listing is the queue, and the file path is the message's
// identity. Messages that exhaust their delivery attempts are moved to the
// failed directory and never retried.
package spool

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrFormat is returned when a spool file is missing required header
// fields or is otherwise unparseable. Callers skip such files rather than
// delete them so a transient corruption cannot silently drop mail.
var ErrFormat = errors.New("malformed spool file")

// Header field names of the spool file format. The header block is
// terminated by one empty line; everything after it is the verbatim
// message data.
const (
	fieldFrom      = "From"
	fieldTo        = "To"
	fieldScheduled = "Scheduled"
	fieldAttempts  = "Attempts"
	fieldDelivered = "Delivered"
)

// Message is one queued message. A file exists in the spool directory if
// and only if delivery has not yet fully succeeded for all recipients.
type Message struct {
	// From is the validated envelope sender.
	From string
	// To is the ordered set of validated envelope recipients.
	To []string
	// DataLines holds the raw message lines (headers and body), each
	// preserved verbatim.
	DataLines []string
	// Scheduled is the time before which delivery must not be attempted.
	Scheduled time.Time
	// Attempts counts full delivery passes so far.
	Attempts int
	// Delivered lists recipients that have already been delivered, so a
	// crash between delivery and spool rewrite does not duplicate
	// delivery on the next pass.
	Delivered []string

	location string
}

// Location returns the backing file path, which doubles as the message's
// durable identity.
func (m *Message) Location() string {
	return m.location
}

// ID returns the spool file name.
func (m *Message) ID() string {
	return filepath.Base(m.location)
}

// IsDelivered reports whether the recipient has already been delivered.
func (m *Message) IsDelivered(rcpt string) bool {
	for _, d := range m.Delivered {
		if strings.EqualFold(d, rcpt) {
			return true
		}
	}
	return false
}

// MarkDelivered records a recipient as delivered.
func (m *Message) MarkDelivered(rcpt string) {
	if !m.IsDelivered(rcpt) {
		m.Delivered = append(m.Delivered, rcpt)
	}
}

// Spool manages the spool directory and the failed (dead letter) directory.
type Spool struct {
	dir       string
	failedDir string
}

// New creates a Spool under the mail directory root: <root>/smtp for
// pending messages, <root>/failed for dead letters.
func New(mailDirectory string) *Spool {
	return &Spool{
		dir:       filepath.Join(mailDirectory, "smtp"),
		failedDir: filepath.Join(mailDirectory, "failed"),
	}
}

// Dir returns the spool directory path.
func (s *Spool) Dir() string {
	return s.dir
}

// FailedDir returns the dead letter directory path.
func (s *Spool) FailedDir() string {
	return s.failedDir
}

// Init creates the spool directories and removes in-progress files
// abandoned by a crash. One instance owns the spool directory, so any
// dot-prefixed file present at startup belongs to a writer that no
// longer exists.
func (s *Spool) Init() error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("creating spool directory: %w", err)
	}
	if err := os.MkdirAll(s.failedDir, 0o700); err != nil {
		return fmt.Errorf("creating failed directory: %w", err)
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("scanning spool directory: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), ".") {
			if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
				return fmt.Errorf("removing abandoned spool file %s: %w", e.Name(), err)
			}
		}
	}
	return nil
}

// Create persists a newly accepted message to the spool with delivery
// scheduled immediately and no attempts recorded. The message is written
// under a dot-prefixed name that List ignores and published into the
// queue only once the file is complete and closed, so a delivery sweep
// can never observe a half-written message.
func (s *Spool) Create(from string, to []string, dataLines []string) (*Message, error) {
	m := &Message{
		From:      from,
		To:        append([]string(nil), to...),
		DataLines: append([]string(nil), dataLines...),
		Scheduled: time.Now(),
		Attempts:  0,
	}

	f, err := os.CreateTemp(s.dir, ".smtp*.msg")
	if err != nil {
		return nil, fmt.Errorf("creating spool file: %w", err)
	}

	if err := writeMessage(f, m); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("writing spool file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return nil, fmt.Errorf("closing spool file: %w", err)
	}

	location, err := s.publish(f.Name())
	if err != nil {
		_ = os.Remove(f.Name())
		return nil, err
	}
	m.location = location
	return m, nil
}

// publish gives a completed in-progress file its queue-visible name by
// dropping the leading dot. Link fails when the target name is already
// taken, so a recycled temp name can never overwrite a queued message;
// on collision a numbered variant is tried instead.
func (s *Spool) publish(tmpPath string) (string, error) {
	base := strings.TrimPrefix(filepath.Base(tmpPath), ".")
	stem := strings.TrimSuffix(base, ".msg")
	for i := 0; ; i++ {
		name := base
		if i > 0 {
			name = fmt.Sprintf("%s-%d.msg", stem, i)
		}
		dest := filepath.Join(s.dir, name)
		err := os.Link(tmpPath, dest)
		if err == nil {
			_ = os.Remove(tmpPath)
			return dest, nil
		}
		if !os.IsExist(err) {
			return "", fmt.Errorf("publishing spool file %s: %w", base, err)
		}
	}
}

// List enumerates all pending spool file paths. Dot-prefixed names are
// in-progress writes (Create) or rewrites (Save) and are not part of the
// queue. No ordering is guaranteed across concurrent listers.
func (s *Spool) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing spool: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		paths = append(paths, filepath.Join(s.dir, e.Name()))
	}
	return paths, nil
}

// Load parses a spool file. It fails with ErrFormat when a required header
// field (from, to list, scheduled delivery) is missing; no partially
// constructed message is returned.
func (s *Spool) Load(path string) (*Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening spool file %s: %w", path, err)
	}
	defer f.Close()

	m := &Message{location: path}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	inHeader := true
	for scanner.Scan() {
		line := scanner.Text()
		if inHeader {
			if line == "" {
				inHeader = false
				continue
			}
			if err := parseHeaderLine(m, line); err != nil {
				return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
			}
			continue
		}
		m.DataLines = append(m.DataLines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading spool file %s: %w", path, err)
	}

	if m.From == "" {
		return nil, fmt.Errorf("%s: missing %s: %w", filepath.Base(path), fieldFrom, ErrFormat)
	}
	if len(m.To) == 0 {
		return nil, fmt.Errorf("%s: missing %s: %w", filepath.Base(path), fieldTo, ErrFormat)
	}
	if m.Scheduled.IsZero() {
		return nil, fmt.Errorf("%s: missing %s: %w", filepath.Base(path), fieldScheduled, ErrFormat)
	}
	return m, nil
}

// Save rewrites a message's spool file in place, going through a temp file
// and rename so a crash mid-write cannot corrupt the queued message.
func (s *Spool) Save(m *Message) error {
	if m.location == "" {
		return errors.New("message has no spool location")
	}

	tmp, err := os.CreateTemp(s.dir, ".rewrite*")
	if err != nil {
		return fmt.Errorf("creating rewrite file: %w", err)
	}
	if err := writeMessage(tmp, m); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("rewriting spool file %s: %w", m.ID(), err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("closing rewrite file for %s: %w", m.ID(), err)
	}
	if err := os.Rename(tmp.Name(), m.location); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("replacing spool file %s: %w", m.ID(), err)
	}
	return nil
}

// Remove deletes a fully delivered message from the spool.
func (s *Spool) Remove(m *Message) error {
	if err := os.Remove(m.location); err != nil {
		return fmt.Errorf("removing spool file %s: %w", m.ID(), err)
	}
	return nil
}

// Fail moves a message to the dead letter directory. It is never retried
// again.
func (s *Spool) Fail(m *Message) error {
	dest := filepath.Join(s.failedDir, m.ID())
	if err := os.Rename(m.location, dest); err != nil {
		return fmt.Errorf("moving spool file %s to failed: %w", m.ID(), err)
	}
	m.location = dest
	return nil
}

func parseHeaderLine(m *Message, line string) error {
	name, value, ok := strings.Cut(line, ":")
	if !ok {
		return fmt.Errorf("bad header line %q: %w", line, ErrFormat)
	}
	value = strings.TrimSpace(value)

	switch name {
	case fieldFrom:
		m.From = value
	case fieldTo:
		m.To = splitAddressList(value)
	case fieldScheduled:
		t, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return fmt.Errorf("bad %s value %q: %w", fieldScheduled, value, ErrFormat)
		}
		m.Scheduled = t
	case fieldAttempts:
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return fmt.Errorf("bad %s value %q: %w", fieldAttempts, value, ErrFormat)
		}
		m.Attempts = n
	case fieldDelivered:
		m.Delivered = splitAddressList(value)
	default:
		return fmt.Errorf("unknown header field %q: %w", name, ErrFormat)
	}
	return nil
}

func splitAddressList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func writeMessage(f *os.File, m *Message) error {
	w := bufio.NewWriter(f)

	writeField := func(name, value string) {
		w.WriteString(name)
		w.WriteString(": ")
		w.WriteString(value)
		w.WriteString("\r\n")
	}

	writeField(fieldFrom, m.From)
	writeField(fieldTo, strings.Join(m.To, ", "))
	writeField(fieldScheduled, m.Scheduled.Format(time.RFC3339))
	writeField(fieldAttempts, strconv.Itoa(m.Attempts))
	if len(m.Delivered) > 0 {
		writeField(fieldDelivered, strings.Join(m.Delivered, ", "))
	}
	w.WriteString("\r\n")

	for _, line := range m.DataLines {
		w.WriteString(line)
		w.WriteString("\r\n")
	}
	return w.Flush()
}
