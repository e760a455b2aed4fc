package spool

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestSpool(t *testing.T) *Spool {
	t.Helper()
	s := New(t.TempDir())
	if err := s.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return s
}

func TestSpoolCreateAndLoad(t *testing.T) {
	s := newTestSpool(t)

	data := []string{"Subject: test", "", "line one", ".leading dot preserved"}
	m, err := s.Create("sender@example.com", []string{"a@example.org", "b@example.org"}, data)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if !strings.HasPrefix(m.ID(), "smtp") {
		t.Errorf("ID() = %q, want smtp prefix", m.ID())
	}

	loaded, err := s.Load(m.Location())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.From != "sender@example.com" {
		t.Errorf("From = %q, want sender@example.com", loaded.From)
	}
	if len(loaded.To) != 2 || loaded.To[0] != "a@example.org" || loaded.To[1] != "b@example.org" {
		t.Errorf("To = %v, want [a@example.org b@example.org]", loaded.To)
	}
	if loaded.Attempts != 0 {
		t.Errorf("Attempts = %d, want 0", loaded.Attempts)
	}
	if len(loaded.Delivered) != 0 {
		t.Errorf("Delivered = %v, want empty", loaded.Delivered)
	}
	if len(loaded.DataLines) != len(data) {
		t.Fatalf("DataLines count = %d, want %d", len(loaded.DataLines), len(data))
	}
	for i := range data {
		if loaded.DataLines[i] != data[i] {
			t.Errorf("DataLines[%d] = %q, want %q", i, loaded.DataLines[i], data[i])
		}
	}
	if time.Since(loaded.Scheduled) > time.Minute {
		t.Errorf("Scheduled = %v, want approximately now", loaded.Scheduled)
	}
}

func TestSpoolSaveRoundtrip(t *testing.T) {
	s := newTestSpool(t)

	m, err := s.Create("from@example.com", []string{"a@example.org", "b@example.org"}, []string{"body"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	m.Attempts = 3
	m.Scheduled = time.Now().Add(time.Hour).Truncate(time.Second)
	m.MarkDelivered("a@example.org")
	if err := s.Save(m); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := s.Load(m.Location())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", loaded.Attempts)
	}
	if !loaded.Scheduled.Equal(m.Scheduled) {
		t.Errorf("Scheduled = %v, want %v", loaded.Scheduled, m.Scheduled)
	}
	if !loaded.IsDelivered("a@example.org") {
		t.Error("IsDelivered(a@example.org) = false after Save/Load")
	}
	if loaded.IsDelivered("b@example.org") {
		t.Error("IsDelivered(b@example.org) = true, never marked")
	}
}

func TestSpoolList(t *testing.T) {
	s := newTestSpool(t)

	paths, err := s.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(paths) != 0 {
		t.Fatalf("List() on empty spool = %d, want 0", len(paths))
	}

	m1, err := s.Create("a@x.com", []string{"b@y.com"}, []string{"one"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := s.Create("a@x.com", []string{"c@y.com"}, []string{"two"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	paths, err = s.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("List() = %d paths, want 2", len(paths))
	}

	if err := s.Remove(m1); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	paths, err = s.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(paths) != 1 {
		t.Errorf("List() after Remove() = %d paths, want 1", len(paths))
	}
}

func TestSpoolLoadMalformed(t *testing.T) {
	s := newTestSpool(t)

	tests := []struct {
		name    string
		content string
	}{
		{"missing from", "To: a@b.com\r\nScheduled: 2026-01-01T00:00:00Z\r\n\r\nbody\r\n"},
		{"missing to", "From: a@b.com\r\nScheduled: 2026-01-01T00:00:00Z\r\n\r\nbody\r\n"},
		{"missing scheduled", "From: a@b.com\r\nTo: c@d.com\r\n\r\nbody\r\n"},
		{"bad scheduled value", "From: a@b.com\r\nTo: c@d.com\r\nScheduled: tomorrow\r\n\r\n"},
		{"bad attempts value", "From: a@b.com\r\nTo: c@d.com\r\nScheduled: 2026-01-01T00:00:00Z\r\nAttempts: many\r\n\r\n"},
		{"unknown field", "From: a@b.com\r\nTo: c@d.com\r\nScheduled: 2026-01-01T00:00:00Z\r\nColor: blue\r\n\r\n"},
		{"garbage header", "not a header\r\n\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(s.Dir(), "smtpbad.msg")
			if err := os.WriteFile(path, []byte(tt.content), 0o600); err != nil {
				t.Fatalf("write: %v", err)
			}
			defer os.Remove(path) //nolint:errcheck

			if _, err := s.Load(path); !errors.Is(err, ErrFormat) {
				t.Errorf("Load() error = %v, want ErrFormat", err)
			}
		})
	}
}

func TestSpoolFail(t *testing.T) {
	s := newTestSpool(t)

	m, err := s.Create("a@x.com", []string{"b@y.com"}, []string{"body"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	id := m.ID()

	if err := s.Fail(m); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}

	paths, err := s.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(paths) != 0 {
		t.Errorf("List() after Fail() = %d paths, want 0", len(paths))
	}

	failed := filepath.Join(s.FailedDir(), id)
	if _, err := os.Stat(failed); err != nil {
		t.Errorf("failed message not at %s: %v", failed, err)
	}
	if m.Location() != failed {
		t.Errorf("Location() = %q, want %q", m.Location(), failed)
	}
}

func TestMessageMarkDeliveredIdempotent(t *testing.T) {
	m := &Message{To: []string{"a@x.com"}}
	m.MarkDelivered("a@x.com")
	m.MarkDelivered("A@X.com")
	if len(m.Delivered) != 1 {
		t.Errorf("Delivered = %v, want one entry", m.Delivered)
	}
}

func TestSpoolListSkipsInProgressFiles(t *testing.T) {
	s := newTestSpool(t)

	m, err := s.Create("sender@example.com", []string{"rcpt@example.org"}, []string{"body"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Headers complete, body truncated mid-write: exactly what a reader
	// would find while a producer is still flushing.
	partial := "From: other@example.com\r\nTo: victim@example.org\r\n" +
		"Scheduled: 2026-01-01T00:00:00Z\r\nAttempts: 0\r\n\r\ntruncated bod"
	inProgress := filepath.Join(s.Dir(), ".smtp999999999.msg")
	if err := os.WriteFile(inProgress, []byte(partial), 0o600); err != nil {
		t.Fatalf("writing in-progress file: %v", err)
	}
	rewrite := filepath.Join(s.Dir(), ".rewrite123456")
	if err := os.WriteFile(rewrite, []byte(partial), 0o600); err != nil {
		t.Fatalf("writing rewrite file: %v", err)
	}

	paths, err := s.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(paths) != 1 || paths[0] != m.Location() {
		t.Errorf("List() = %v, want only %s", paths, m.Location())
	}
}

func TestSpoolCreateLeavesNoTempFile(t *testing.T) {
	s := newTestSpool(t)

	m, err := s.Create("sender@example.com", []string{"rcpt@example.org"}, []string{"body"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if strings.HasPrefix(m.ID(), ".") {
		t.Errorf("ID() = %q, want published name without dot prefix", m.ID())
	}

	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		t.Fatalf("reading spool dir: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != m.ID() {
		names := make([]string, len(entries))
		for i, e := range entries {
			names[i] = e.Name()
		}
		t.Errorf("spool dir contains %v, want only %s", names, m.ID())
	}
}

func TestSpoolInitRemovesAbandonedFiles(t *testing.T) {
	root := t.TempDir()
	s := New(root)
	if err := s.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	m, err := s.Create("sender@example.com", []string{"rcpt@example.org"}, []string{"body"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	abandoned := filepath.Join(s.Dir(), ".smtp555.msg")
	if err := os.WriteFile(abandoned, []byte("From: x@example.com\r\n"), 0o600); err != nil {
		t.Fatalf("writing abandoned file: %v", err)
	}

	// A restart re-runs Init over the same directory.
	s2 := New(root)
	if err := s2.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if _, err := os.Stat(abandoned); !os.IsNotExist(err) {
		t.Errorf("abandoned file still present after Init")
	}
	if _, err := os.Stat(m.Location()); err != nil {
		t.Errorf("published message removed by Init: %v", err)
	}
}
