package memory

import (
	"database/sql"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"crypto/sha256"
	"encoding/hex"

	_ "modernc.org/sqlite"

	"github.com/nanobot-ai/nanobot/internal/nberr"
)

// Hit is one retrieved memory chunk.
type Hit struct {
	Scope     string
	SourceKey string
	Content   string
}

// Index is the SQLite-backed retrieval index over memory note files.
// The files stay canonical; dropping the database loses nothing.
type Index struct {
	db  *sql.DB
	fts bool
}

// OpenIndex opens (and migrates) the index database at path.
func OpenIndex(path string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(3000)")
	if err != nil {
		return nil, nberr.Wrap(nberr.Resource, "open memory index", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	idx := &Index{db: db}
	if err := idx.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

// Close releases the underlying database.
func (x *Index) Close() error { return x.db.Close() }

func (x *Index) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS memory_sources (
		   scope TEXT NOT NULL,
		   source TEXT NOT NULL,
		   source_key TEXT NOT NULL,
		   mtime_ns INTEGER NOT NULL,
		   updated_at TEXT NOT NULL,
		   PRIMARY KEY (scope, source, source_key)
		 )`,
		`CREATE TABLE IF NOT EXISTS memory_entries (
		   id INTEGER PRIMARY KEY,
		   scope TEXT NOT NULL,
		   source TEXT NOT NULL,
		   source_key TEXT NOT NULL,
		   content TEXT NOT NULL,
		   content_hash TEXT NOT NULL,
		   created_at TEXT NOT NULL,
		   updated_at TEXT NOT NULL,
		   UNIQUE (scope, source, source_key, content_hash)
		 )`,
	}
	for _, s := range stmts {
		if _, err := x.db.Exec(s); err != nil {
			return nberr.Wrap(nberr.Resource, "memory schema", err)
		}
	}

	// FTS5 may be compiled out; the LIKE fallback covers that.
	ftsStmts := []string{
		`CREATE VIRTUAL TABLE IF NOT EXISTS memory_entries_fts
		 USING fts5(content, scope, content='memory_entries', content_rowid='id')`,
		`CREATE TRIGGER IF NOT EXISTS memory_entries_ai AFTER INSERT ON memory_entries BEGIN
		   INSERT INTO memory_entries_fts(rowid, content, scope)
		   VALUES (new.id, new.content, new.scope);
		 END`,
		`CREATE TRIGGER IF NOT EXISTS memory_entries_ad AFTER DELETE ON memory_entries BEGIN
		   INSERT INTO memory_entries_fts(memory_entries_fts, rowid, content, scope)
		   VALUES ('delete', old.id, old.content, old.scope);
		 END`,
		`CREATE TRIGGER IF NOT EXISTS memory_entries_au AFTER UPDATE ON memory_entries BEGIN
		   INSERT INTO memory_entries_fts(memory_entries_fts, rowid, content, scope)
		   VALUES ('delete', old.id, old.content, old.scope);
		   INSERT INTO memory_entries_fts(rowid, content, scope)
		   VALUES (new.id, new.content, new.scope);
		 END`,
	}
	x.fts = true
	for _, s := range ftsStmts {
		if _, err := x.db.Exec(s); err != nil {
			x.fts = false
			break
		}
	}
	return nil
}

func mtimeNS(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.ModTime().UnixNano()
}

func hashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

var paragraphSplit = regexp.MustCompile(`\n\s*\n+`)

// splitChunks breaks note text into paragraph chunks. Tiny fragments are
// skipped and long ones truncated to keep retrieval quality stable.
func splitChunks(text string) []string {
	var chunks []string
	for _, part := range paragraphSplit.Split(strings.TrimSpace(text), -1) {
		p := strings.TrimSpace(part)
		if len(p) < 12 {
			continue
		}
		if len(p) > 1000 {
			p = p[:1000]
		}
		chunks = append(chunks, p)
	}
	return chunks
}

var queryToken = regexp.MustCompile(`[A-Za-z0-9_]{2,}`)

func queryTerms(text string) []string {
	terms := queryToken.FindAllString(text, -1)
	if len(terms) > 16 {
		terms = terms[:16]
	}
	return terms
}

// IngestFileIfChanged indexes a note file under a scope. When the file's
// mtime matches the recorded one, nothing happens.
func (x *Index) IngestFileIfChanged(scope, sourceKey, path string) error {
	mtime := mtimeNS(path)

	var recorded int64
	err := x.db.QueryRow(
		`SELECT mtime_ns FROM memory_sources WHERE scope=? AND source='file' AND source_key=?`,
		scope, sourceKey,
	).Scan(&recorded)
	if err == nil && recorded == mtime {
		return nil
	}
	if err != nil && err != sql.ErrNoRows {
		return nberr.Wrap(nberr.Resource, "memory source lookup", err)
	}

	tx, err := x.db.Begin()
	if err != nil {
		return nberr.Wrap(nberr.Resource, "memory ingest", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`DELETE FROM memory_entries WHERE scope=? AND source='file' AND source_key=?`,
		scope, sourceKey,
	); err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	if data, rerr := os.ReadFile(path); rerr == nil {
		for _, c := range splitChunks(string(data)) {
			if _, err := tx.Exec(
				`INSERT OR IGNORE INTO memory_entries
				   (scope, source, source_key, content, content_hash, created_at, updated_at)
				 VALUES (?, 'file', ?, ?, ?, ?, ?)`,
				scope, sourceKey, c, hashText(c), now, now,
			); err != nil {
				return err
			}
		}
	}

	if _, err := tx.Exec(
		`INSERT INTO memory_sources(scope, source, source_key, mtime_ns, updated_at)
		 VALUES (?, 'file', ?, ?, ?)
		 ON CONFLICT(scope, source, source_key)
		 DO UPDATE SET mtime_ns=excluded.mtime_ns, updated_at=excluded.updated_at`,
		scope, sourceKey, mtime, now,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// Search returns up to limit chunks from one scope ranked against the query.
func (x *Index) Search(scope, query string, limit int) ([]Hit, error) {
	terms := queryTerms(query)
	if len(terms) == 0 || limit <= 0 {
		return nil, nil
	}

	if x.fts {
		rows, err := x.db.Query(
			`SELECT memory_entries.source_key, memory_entries.content
			 FROM memory_entries_fts
			 JOIN memory_entries ON memory_entries_fts.rowid = memory_entries.id
			 WHERE memory_entries.scope = ?
			   AND memory_entries_fts MATCH ?
			 ORDER BY bm25(memory_entries_fts)
			 LIMIT ?`,
			scope, strings.Join(terms, " OR "), limit,
		)
		if err == nil {
			return scanHits(rows, scope)
		}
		// Query-time FTS failure degrades to the LIKE path.
	}

	where := make([]string, len(terms))
	args := make([]any, 0, len(terms)+2)
	args = append(args, scope)
	for i, t := range terms {
		where[i] = "content LIKE ?"
		args = append(args, "%"+t+"%")
	}
	args = append(args, limit)
	rows, err := x.db.Query(
		`SELECT source_key, content FROM memory_entries
		 WHERE scope = ? AND (`+strings.Join(where, " OR ")+`) LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, nberr.Wrap(nberr.Resource, "memory search", err)
	}
	return scanHits(rows, scope)
}

func scanHits(rows *sql.Rows, scope string) ([]Hit, error) {
	defer rows.Close()
	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.SourceKey, &h.Content); err != nil {
			return nil, err
		}
		h.Scope = scope
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// Rebuild drops all recorded sources and entries. The next ingest pass
// re-indexes every file from scratch; the note files themselves are untouched.
func (x *Index) Rebuild() error {
	tx, err := x.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM memory_entries`); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM memory_sources`); err != nil {
		return err
	}
	return tx.Commit()
}

// Retrieve ingests a store's current notes and searches them in one step.
func (x *Index) Retrieve(store *Store, query string, limit int) ([]Hit, error) {
	if err := x.IngestFileIfChanged(store.Scope, store.MemoryFile(), store.MemoryFile()); err != nil {
		return nil, err
	}
	today := store.TodayFile()
	if err := x.IngestFileIfChanged(store.Scope, today, today); err != nil {
		return nil, err
	}
	return x.Search(store.Scope, query, limit)
}
