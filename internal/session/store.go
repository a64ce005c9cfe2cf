// Package session implements conversation session persistence: an
// append-only JSONL history per session key plus a sidecar settings record.
package session

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/nanobot-ai/nanobot/internal/bus"
)

const defaultCacheSize = 256

// Turn is a single conversation turn.
type Turn struct {
	Role      string      `json:"role"`
	Content   string      `json:"content"`
	Timestamp string      `json:"ts"`
	Media     []bus.Media `json:"media,omitempty"`
}

// NewTurn builds a turn stamped with the current UTC time.
func NewTurn(role, content string, media []bus.Media) Turn {
	return Turn{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Media:     media,
	}
}

// Settings are the mutable per-session knobs. Last writer wins.
type Settings struct {
	Key               string   `json:"key"`
	Model             string   `json:"model,omitempty"`
	Verbosity         string   `json:"verbosity,omitempty"`
	AllowedTools      []string `json:"allowed_tools,omitempty"`
	RestrictWorkspace *bool    `json:"restrict_workspace,omitempty"`
	SenderID          string   `json:"sender_id,omitempty"`
}

// Session is the in-memory view of one conversation.
type Session struct {
	Key      string
	Turns    []Turn
	Settings Settings
	// Malformed counts history lines that failed to parse on load.
	Malformed int
}

// History returns the turns in LLM message format.
func (s *Session) History() []map[string]any {
	out := make([]map[string]any, 0, len(s.Turns))
	for _, t := range s.Turns {
		role := t.Role
		if role == "system" {
			// Persisted system turns replay as user context, matching
			// how they entered the loop.
			role = "user"
		}
		out = append(out, map[string]any{"role": role, "content": t.Content})
	}
	return out
}

type cached struct {
	session *Session
	mtime   time.Time
}

// Store persists sessions under <dataDir>/sessions. One advisory file lock
// per key serializes writers in-process and across processes.
type Store struct {
	dir string
	log *zap.Logger

	mu    sync.Mutex
	cache *lru.Cache[string, *cached]
	locks map[string]*flock.Flock
	// keymap tracks safe-key derivations so distinct keys never share a file.
	keymap map[string]string // safe -> original
}

// NewStore creates a session store rooted at dataDir.
func NewStore(dataDir string, log *zap.Logger) (*Store, error) {
	dir := filepath.Join(dataDir, "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	cache, err := lru.New[string, *cached](defaultCacheSize)
	if err != nil {
		return nil, err
	}
	return &Store{
		dir:    dir,
		log:    log,
		cache:  cache,
		locks:  make(map[string]*flock.Flock),
		keymap: make(map[string]string),
	}, nil
}

// SafeKey maps a session key to a filesystem-safe name. Characters outside
// [A-Za-z0-9_-] become "_"; when two distinct keys map to the same name the
// later one gets a short content-hash suffix.
func (st *Store) SafeKey(key string) string {
	var b strings.Builder
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	safe := b.String()
	if safe == "" {
		safe = "_"
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if orig, ok := st.keymap[safe]; ok && orig != key {
		sum := sha256.Sum256([]byte(key))
		safe = safe + "-" + hex.EncodeToString(sum[:])[:8]
	}
	st.keymap[safe] = key
	return safe
}

func (st *Store) historyPath(key string) string {
	return filepath.Join(st.dir, st.SafeKey(key)+".log")
}

func (st *Store) settingsPath(key string) string {
	return filepath.Join(st.dir, st.SafeKey(key)+".settings")
}

func (st *Store) lockFor(path string) *flock.Flock {
	st.mu.Lock()
	defer st.mu.Unlock()
	if l, ok := st.locks[path]; ok {
		return l
	}
	l := flock.New(path + ".lock")
	st.locks[path] = l
	return l
}

// Load reads a session's full history and settings. Malformed history lines
// are counted and skipped, never fatal.
func (st *Store) Load(key string) (*Session, error) {
	path := st.historyPath(key)

	if info, err := os.Stat(path); err == nil {
		st.mu.Lock()
		c, ok := st.cache.Get(key)
		st.mu.Unlock()
		if ok && c.mtime.Equal(info.ModTime()) {
			return c.session, nil
		}
	}

	sess := &Session{Key: key, Settings: Settings{Key: key}}

	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64<<10), 4<<20)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var turn Turn
			if json.Unmarshal([]byte(line), &turn) != nil || turn.Role == "" {
				sess.Malformed++
				continue
			}
			sess.Turns = append(sess.Turns, turn)
		}
		f.Close()
		if sess.Malformed > 0 {
			st.log.Warn("skipped malformed session records",
				zap.String("key", key), zap.Int("count", sess.Malformed))
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if data, err := os.ReadFile(st.settingsPath(key)); err == nil {
		var s Settings
		if json.Unmarshal(data, &s) == nil {
			sess.Settings = s
		}
	}
	if sess.Settings.Key == "" {
		sess.Settings.Key = key
	}

	st.cachePut(key, sess)
	return sess, nil
}

// Append adds one turn to a session's history. The whole log is rewritten to
// a temp file and renamed into place so readers never see a torn record.
func (st *Store) Append(key string, turn Turn) error {
	path := st.historyPath(key)
	lock := st.lockFor(path)
	if err := lock.Lock(); err != nil {
		return err
	}
	defer lock.Unlock()

	// Re-read under the lock; another process may have appended.
	st.invalidate(key)
	sess, err := st.Load(key)
	if err != nil {
		return err
	}
	sess.Turns = append(sess.Turns, turn)

	if err := st.writeHistory(path, sess.Turns); err != nil {
		return err
	}
	st.cachePut(key, sess)
	return nil
}

func (st *Store) writeHistory(path string, turns []Turn) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, t := range turns {
		line, err := json.Marshal(t)
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

// SaveSettings writes the sidecar settings record under the same lock
// discipline as history appends.
func (st *Store) SaveSettings(key string, s Settings) error {
	s.Key = key
	path := st.settingsPath(key)
	lock := st.lockFor(path)
	if err := lock.Lock(); err != nil {
		return err
	}
	defer lock.Unlock()

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	st.invalidate(key)
	return nil
}

// Info describes one stored session.
type Info struct {
	Key       string    `json:"key"`
	UpdatedAt time.Time `json:"updated_at"`
}

// List returns stored sessions, most recently updated first.
func (st *Store) List() []Info {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return nil
	}
	var out []Info
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		key := strings.TrimSuffix(e.Name(), ".log")
		// The settings sidecar records the real key; the filename is lossy.
		if data, err := os.ReadFile(filepath.Join(st.dir, key+".settings")); err == nil {
			var s Settings
			if json.Unmarshal(data, &s) == nil && s.Key != "" {
				key = s.Key
			}
		}
		out = append(out, Info{Key: key, UpdatedAt: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out
}

// Delete removes a session's history and settings.
func (st *Store) Delete(key string) error {
	path := st.historyPath(key)
	lock := st.lockFor(path)
	if err := lock.Lock(); err != nil {
		return err
	}
	defer lock.Unlock()

	st.invalidate(key)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(st.settingsPath(key)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (st *Store) invalidate(key string) {
	st.mu.Lock()
	st.cache.Remove(key)
	st.mu.Unlock()
}

func (st *Store) cachePut(key string, sess *Session) {
	info, err := os.Stat(st.historyPath(key))
	if err != nil {
		return
	}
	st.mu.Lock()
	st.cache.Add(key, &cached{session: sess, mtime: info.ModTime()})
	st.mu.Unlock()
}
