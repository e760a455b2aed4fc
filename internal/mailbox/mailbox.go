// Package mailbox implements the local mailbox store: one directory per
// user holding one file per delivered message, plus the lock table that
// serializes POP3 access to a mailbox.
package mailbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrInvalidName is returned for mailbox or message names that could
// escape the store directory.
var ErrInvalidName = errors.New("invalid name")

// Store is the root of the local mail store. Mailboxes are created lazily
// on first delivery and never destroyed by the server.
type Store struct {
	root string
}

// NewStore creates a Store rooted at the mail directory.
func NewStore(root string) *Store {
	return &Store{root: root}
}

// Mailbox returns the mailbox for a local user. The user name is
// normalized to lowercase; names containing path separators are rejected.
func (s *Store) Mailbox(user string) (*Mailbox, error) {
	user = strings.ToLower(strings.TrimSpace(user))
	if user == "" || user != filepath.Base(user) || strings.HasPrefix(user, ".") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, user)
	}
	return &Mailbox{
		user: user,
		dir:  filepath.Join(s.root, user),
	}, nil
}

// Mailbox is one user's durable message store.
type Mailbox struct {
	user string
	dir  string
}

// User returns the mailbox owner's name.
func (m *Mailbox) User() string {
	return m.user
}

// Dir returns the mailbox directory path.
func (m *Mailbox) Dir() string {
	return m.dir
}

// Entry describes one message file in a mailbox listing.
type Entry struct {
	Name string
	Size int64
}

// List returns a sorted snapshot of the mailbox contents. A missing
// mailbox directory lists as empty: the directory is only created when
// mail is first delivered.
func (m *Mailbox) List() ([]Entry, error) {
	dirEntries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing mailbox %s: %w", m.user, err)
	}

	var entries []Entry
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		entries = append(entries, Entry{Name: de.Name(), Size: info.Size()})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Deliver writes a message into the mailbox as a new file and returns the
// file name. The write goes through a temp file in the mailbox directory;
// on any error the partial file is removed so a failed delivery leaves no
// trace.
func (m *Mailbox) Deliver(data []byte) (string, error) {
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return "", fmt.Errorf("creating mailbox %s: %w", m.user, err)
	}

	f, err := os.CreateTemp(m.dir, "pop*.msg")
	if err != nil {
		return "", fmt.Errorf("creating message file in %s: %w", m.user, err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("writing message to %s: %w", m.user, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("closing message file in %s: %w", m.user, err)
	}

	return filepath.Base(f.Name()), nil
}

// Read returns the raw contents of one message.
func (m *Mailbox) Read(name string) ([]byte, error) {
	if name == "" || name != filepath.Base(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	data, err := os.ReadFile(filepath.Join(m.dir, name))
	if err != nil {
		return nil, fmt.Errorf("reading message %s from %s: %w", name, m.user, err)
	}
	return data, nil
}

// Remove deletes one message from the mailbox.
func (m *Mailbox) Remove(name string) error {
	if name == "" || name != filepath.Base(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if err := os.Remove(filepath.Join(m.dir, name)); err != nil {
		return fmt.Errorf("removing message %s from %s: %w", name, m.user, err)
	}
	return nil
}
