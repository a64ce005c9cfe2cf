// Package memory implements durable agent memory: markdown note files as the
// canonical source, with a SQLite full-text index derived from them.
package memory

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// Store is one memory scope's note files on disk.
type Store struct {
	// Dir holds MEMORY.md plus one daily note per day.
	Dir   string
	Scope string
}

// GlobalStore returns the workspace-wide memory store.
func GlobalStore(workspace string) *Store {
	return &Store{Dir: filepath.Join(workspace, "memory", "global"), Scope: "global"}
}

// SessionStore returns the memory store scoped to one session key.
func SessionStore(workspace, key string) *Store {
	return &Store{
		Dir:   filepath.Join(workspace, "memory", "sessions", safeName(key)),
		Scope: "session:" + key,
	}
}

// UserStore returns the memory store scoped to one user key.
func UserStore(workspace, key string) *Store {
	return &Store{
		Dir:   filepath.Join(workspace, "memory", "users", safeName(key)),
		Scope: "user:" + key,
	}
}

// ForScope resolves a store from a scope name ("session" or "user") and key.
// An empty key always falls back to the global store.
func ForScope(workspace, scope, key string) *Store {
	switch strings.ToLower(strings.TrimSpace(scope)) {
	case "user":
		if key != "" {
			return UserStore(workspace, key)
		}
	case "session":
		if key != "" {
			return SessionStore(workspace, key)
		}
	}
	return GlobalStore(workspace)
}

// MemoryFile is the long-term note for this scope.
func (s *Store) MemoryFile() string {
	return filepath.Join(s.Dir, "MEMORY.md")
}

// TodayFile is the daily note for the current date.
func (s *Store) TodayFile() string {
	return filepath.Join(s.Dir, time.Now().Format("2006-01-02")+".md")
}

// ReadLongTerm returns MEMORY.md's content, or "" when absent.
func (s *Store) ReadLongTerm() string {
	data, err := os.ReadFile(s.MemoryFile())
	if err != nil {
		return ""
	}
	return string(data)
}

// WriteLongTerm replaces MEMORY.md atomically.
func (s *Store) WriteLongTerm(content string) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	tmp := s.MemoryFile() + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.MemoryFile())
}

// AppendToday appends a timestamped entry to the daily note. A file lock
// serializes concurrent writers so entries never interleave.
func (s *Store) AppendToday(entry string) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return err
	}
	path := s.TodayFile()
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return err
	}
	defer lock.Unlock()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	stamp := time.Now().Format("15:04")
	_, err = f.WriteString("- [" + stamp + "] " + strings.TrimRight(entry, "\n") + "\n")
	return err
}

func safeName(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
