// Package store handles database connectivity, migrations, and data access
// for the bridge hub. It supports both SQLite (default, no external
// dependencies) and PostgreSQL (for larger deployments).
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Store wraps a database connection and provides all data access methods.
type Store struct {
	db     *sql.DB
	driver string

	// In-memory caches to reduce DB round-trips on the hot receive path.
	userByCopy sync.Map // copy uri → user key "protocol id"
	objByCopy  sync.Map // copy uri → object id
}

// Open opens a database connection. The URL can be:
//   - A file path like "bridgehub.db" → SQLite
//   - "sqlite:///path/to/file.db" → SQLite
//   - "postgres://..." → PostgreSQL
func Open(databaseURL string) (*Store, error) {
	driver, dsn := detectDriver(databaseURL)

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if driver == "sqlite" {
		// SQLite performs best with WAL mode and a single writer.
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
		if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
			return nil, fmt.Errorf("enable foreign_keys: %w", err)
		}
	}

	return &Store{db: db, driver: driver}, nil
}

// Migrate runs all pending database migrations.
func (s *Store) Migrate() error {
	slog.Info("running database migrations")

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// Ignore "already exists" errors on index creation for idempotency.
			if strings.Contains(err.Error(), "already exists") {
				continue
			}
			return fmt.Errorf("migration failed: %w\nSQL: %s", err, m)
		}
	}
	slog.Info("migrations complete")
	return nil
}

// migrations lists DDL statements shared between SQLite and PostgreSQL.
// Any new migration must be appended here.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS users (
		protocol          TEXT NOT NULL,
		id                TEXT NOT NULL,
		handle            TEXT,
		enabled_protocols TEXT NOT NULL DEFAULT '[]',
		copies            TEXT NOT NULL DEFAULT '[]',
		obj_id            TEXT,
		status            TEXT NOT NULL DEFAULT '',
		valid_nip05       TEXT NOT NULL DEFAULT '',
		key_generation    INTEGER NOT NULL DEFAULT 0,
		updated           TIMESTAMP NOT NULL,
		PRIMARY KEY (protocol, id)
	)`,
	`CREATE INDEX IF NOT EXISTS users_handle ON users(handle)`,
	`CREATE INDEX IF NOT EXISTS users_updated ON users(updated)`,
	`CREATE TABLE IF NOT EXISTS objects (
		id              TEXT PRIMARY KEY,
		source_protocol TEXT,
		bsky            TEXT,
		nostr           TEXT,
		raw             TEXT,
		as1             TEXT,
		copies          TEXT NOT NULL DEFAULT '[]',
		type            TEXT,
		updated         TIMESTAMP NOT NULL
	)`,
	// Reverse index from copy uri back to owning user/object, used by the
	// translator facades and the loopback checks.
	`CREATE TABLE IF NOT EXISTS copies (
		uri        TEXT PRIMARY KEY,
		protocol   TEXT NOT NULL,
		owner_kind TEXT NOT NULL,
		owner_id   TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS copies_owner ON copies(owner_kind, owner_id)`,
	`CREATE TABLE IF NOT EXISTS cursors (
		host    TEXT NOT NULL,
		stream  TEXT NOT NULL,
		seq     BIGINT NOT NULL DEFAULT 0,
		updated TIMESTAMP NOT NULL,
		PRIMARY KEY (host, stream)
	)`,
	`CREATE TABLE IF NOT EXISTS relays (
		url     TEXT PRIMARY KEY,
		since   BIGINT NOT NULL DEFAULT 0,
		updated TIMESTAMP NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS followers (
		from_key  TEXT NOT NULL,
		to_key    TEXT NOT NULL,
		follow_id TEXT,
		status    TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (from_key, to_key)
	)`,
	`CREATE INDEX IF NOT EXISTS followers_to ON followers(to_key)`,
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying connection for subsystems that keep their own
// tables in the same database.
func (s *Store) DB() *sql.DB { return s.db }

// Driver returns "sqlite" or "postgres".
func (s *Store) Driver() string { return s.driver }

// ─── Users ────────────────────────────────────────────────────────────────────

// GetUser loads a user by (protocol, native id). Returns (nil, nil) if absent.
func (s *Store) GetUser(protocol, id string) (*User, error) {
	row := s.db.QueryRow(s.q(`SELECT protocol, id, handle, enabled_protocols, copies,
		obj_id, status, valid_nip05, key_generation, updated FROM users WHERE protocol = ? AND id = ?`),
		protocol, id)
	return scanUser(row)
}

// PutUser upserts a user, refreshes its updated timestamp, and maintains the
// copies reverse index.
func (s *Store) PutUser(u *User) error {
	u.Updated = time.Now().UTC()
	enabled, err := json.Marshal(u.EnabledProtocols)
	if err != nil {
		return err
	}
	copies, err := json.Marshal(u.Copies)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO users (protocol, id, handle, enabled_protocols, copies, obj_id, status, valid_nip05, key_generation, updated)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(protocol, id) DO UPDATE SET handle=excluded.handle,
				enabled_protocols=excluded.enabled_protocols, copies=excluded.copies,
				obj_id=excluded.obj_id, status=excluded.status,
				valid_nip05=excluded.valid_nip05,
				key_generation=excluded.key_generation, updated=excluded.updated`
	} else {
		q = `INSERT INTO users (protocol, id, handle, enabled_protocols, copies, obj_id, status, valid_nip05, key_generation, updated)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT(protocol, id) DO UPDATE SET handle=EXCLUDED.handle,
				enabled_protocols=EXCLUDED.enabled_protocols, copies=EXCLUDED.copies,
				obj_id=EXCLUDED.obj_id, status=EXCLUDED.status,
				valid_nip05=EXCLUDED.valid_nip05,
				key_generation=EXCLUDED.key_generation, updated=EXCLUDED.updated`
	}
	if _, err := tx.Exec(q, u.Protocol, u.ID, u.Handle, string(enabled), string(copies),
		u.ObjID, u.Status, u.ValidNIP05, u.KeyGeneration, u.Updated); err != nil {
		return fmt.Errorf("put user %s: %w", u.Key(), err)
	}

	if err := s.putCopies(tx, "user", u.Key(), u.Copies); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	for _, c := range u.Copies {
		s.userByCopy.Store(c.URI, u.Key())
	}
	return nil
}

// GetUserByCopy returns the user that owns the given copy uri, if any.
func (s *Store) GetUserByCopy(copyURI string) (*User, error) {
	if v, ok := s.userByCopy.Load(copyURI); ok {
		protocol, id, _ := strings.Cut(v.(string), " ")
		return s.GetUser(protocol, id)
	}
	var ownerID string
	err := s.db.QueryRow(s.q(`SELECT owner_id FROM copies WHERE uri = ? AND owner_kind = 'user'`),
		copyURI).Scan(&ownerID)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	s.userByCopy.Store(copyURI, ownerID)
	protocol, id, _ := strings.Cut(ownerID, " ")
	return s.GetUser(protocol, id)
}

// GetUserByHandle returns the first user of the given protocol whose handle,
// handle-as-domain, or id matches name. Used by the discovery endpoints.
func (s *Store) GetUserByHandle(protocol, name string) (*User, error) {
	domainified := strings.ReplaceAll(name, "@", ".")
	row := s.db.QueryRow(s.q(`SELECT protocol, id, handle, enabled_protocols, copies,
		obj_id, status, valid_nip05, key_generation, updated FROM users
		WHERE protocol = ? AND (handle = ? OR handle = ? OR id = ?)`),
		protocol, name, domainified, name)
	return scanUser(row)
}

// ListUsersUpdatedSince returns users updated strictly after since, across
// all protocols. The user-set loader calls this every load tick.
func (s *Store) ListUsersUpdatedSince(since time.Time) ([]*User, error) {
	rows, err := s.db.Query(s.q(`SELECT protocol, id, handle, enabled_protocols, copies,
		obj_id, status, valid_nip05, key_generation, updated FROM users WHERE updated > ?`), since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUserRows(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ─── Objects ──────────────────────────────────────────────────────────────────

// GetObject loads an object by canonical URI. Returns (nil, nil) if absent.
func (s *Store) GetObject(id string) (*Object, error) {
	row := s.db.QueryRow(s.q(`SELECT id, source_protocol, bsky, nostr, raw, as1, copies,
		type, updated FROM objects WHERE id = ?`), id)
	return scanObject(row)
}

// PutObject upserts an object and maintains the copies reverse index.
func (s *Store) PutObject(o *Object) error {
	o.Updated = time.Now().UTC()
	copies, err := json.Marshal(o.Copies)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO objects (id, source_protocol, bsky, nostr, raw, as1, copies, type, updated)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET source_protocol=excluded.source_protocol,
				bsky=excluded.bsky, nostr=excluded.nostr, raw=excluded.raw,
				as1=excluded.as1, copies=excluded.copies, type=excluded.type,
				updated=excluded.updated`
	} else {
		q = `INSERT INTO objects (id, source_protocol, bsky, nostr, raw, as1, copies, type, updated)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT(id) DO UPDATE SET source_protocol=EXCLUDED.source_protocol,
				bsky=EXCLUDED.bsky, nostr=EXCLUDED.nostr, raw=EXCLUDED.raw,
				as1=EXCLUDED.as1, copies=EXCLUDED.copies, type=EXCLUDED.type,
				updated=EXCLUDED.updated`
	}
	if _, err := tx.Exec(q, o.ID, o.SourceProtocol, nullable(o.Bsky), nullable(o.Nostr),
		nullable(o.Raw), nullable(o.AS1), string(copies), o.Type, o.Updated); err != nil {
		return fmt.Errorf("put object %s: %w", o.ID, err)
	}

	if err := s.putCopies(tx, "object", o.ID, o.Copies); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	for _, c := range o.Copies {
		s.objByCopy.Store(c.URI, o.ID)
	}
	return nil
}

// GetObjectByCopy returns the object that owns the given copy uri, if any.
func (s *Store) GetObjectByCopy(copyURI string) (*Object, error) {
	if v, ok := s.objByCopy.Load(copyURI); ok {
		return s.GetObject(v.(string))
	}
	var ownerID string
	err := s.db.QueryRow(s.q(`SELECT owner_id FROM copies WHERE uri = ? AND owner_kind = 'object'`),
		copyURI).Scan(&ownerID)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	s.objByCopy.Store(copyURI, ownerID)
	return s.GetObject(ownerID)
}

// ─── Cursors ──────────────────────────────────────────────────────────────────

// GetCursor loads the cursor for (host, stream), creating a zero cursor if
// none exists yet.
func (s *Store) GetCursor(host, stream string) (*Cursor, error) {
	c := &Cursor{Host: host, Stream: stream}
	err := s.db.QueryRow(s.q(`SELECT seq, updated FROM cursors WHERE host = ? AND stream = ?`),
		host, stream).Scan(&c.Seq, &c.Updated)
	if err == sql.ErrNoRows {
		c.Updated = time.Now().UTC()
		return c, s.PutCursor(c)
	} else if err != nil {
		return nil, err
	}
	return c, nil
}

// PutCursor persists a cursor. Callers are expected to throttle writes to at
// most one per STORE_CURSOR_FREQ window.
func (s *Store) PutCursor(c *Cursor) error {
	c.Updated = time.Now().UTC()
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO cursors (host, stream, seq, updated) VALUES (?, ?, ?, ?)
			ON CONFLICT(host, stream) DO UPDATE SET seq=excluded.seq, updated=excluded.updated`
	} else {
		q = `INSERT INTO cursors (host, stream, seq, updated) VALUES ($1, $2, $3, $4)
			ON CONFLICT(host, stream) DO UPDATE SET seq=EXCLUDED.seq, updated=EXCLUDED.updated`
	}
	_, err := s.db.Exec(q, c.Host, c.Stream, c.Seq, c.Updated)
	return err
}

// ─── Relays ───────────────────────────────────────────────────────────────────

// GetRelay loads a relay row. Returns (nil, nil) if absent.
func (s *Store) GetRelay(url string) (*Relay, error) {
	r := &Relay{URL: url}
	err := s.db.QueryRow(s.q(`SELECT since, updated FROM relays WHERE url = ?`), url).
		Scan(&r.Since, &r.Updated)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return r, nil
}

// PutRelay upserts a relay row.
func (s *Store) PutRelay(r *Relay) error {
	r.Updated = time.Now().UTC()
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO relays (url, since, updated) VALUES (?, ?, ?)
			ON CONFLICT(url) DO UPDATE SET since=excluded.since, updated=excluded.updated`
	} else {
		q = `INSERT INTO relays (url, since, updated) VALUES ($1, $2, $3)
			ON CONFLICT(url) DO UPDATE SET since=EXCLUDED.since, updated=EXCLUDED.updated`
	}
	_, err := s.db.Exec(q, r.URL, r.Since, r.Updated)
	return err
}

// ListRelays returns all known relay URLs.
func (s *Store) ListRelays() ([]string, error) {
	rows, err := s.db.Query(`SELECT url FROM relays`)
	if err != nil {
		return nil, err
	}
	return scanStringRows(rows)
}

// ─── Followers ────────────────────────────────────────────────────────────────

// PutFollower upserts a follow edge.
func (s *Store) PutFollower(f *Follower) error {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO followers (from_key, to_key, follow_id, status) VALUES (?, ?, ?, ?)
			ON CONFLICT(from_key, to_key) DO UPDATE SET follow_id=excluded.follow_id, status=excluded.status`
	} else {
		q = `INSERT INTO followers (from_key, to_key, follow_id, status) VALUES ($1, $2, $3, $4)
			ON CONFLICT(from_key, to_key) DO UPDATE SET follow_id=EXCLUDED.follow_id, status=EXCLUDED.status`
	}
	_, err := s.db.Exec(q, f.From, f.To, f.FollowID, f.Status)
	return err
}

// GetFollower returns the follow edge from → to, if any.
func (s *Store) GetFollower(from, to string) (*Follower, error) {
	f := &Follower{From: from, To: to}
	err := s.db.QueryRow(s.q(`SELECT follow_id, status FROM followers WHERE from_key = ? AND to_key = ?`),
		from, to).Scan(&f.FollowID, &f.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return f, nil
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

// putCopies replaces the copies reverse-index rows for one owner.
func (s *Store) putCopies(tx *sql.Tx, kind, ownerID string, copies []Target) error {
	if _, err := tx.Exec(s.q(`DELETE FROM copies WHERE owner_kind = ? AND owner_id = ?`),
		kind, ownerID); err != nil {
		return err
	}
	for _, c := range copies {
		var q string
		if s.driver == "sqlite" {
			q = `INSERT OR REPLACE INTO copies (uri, protocol, owner_kind, owner_id) VALUES (?, ?, ?, ?)`
		} else {
			q = `INSERT INTO copies (uri, protocol, owner_kind, owner_id) VALUES ($1, $2, $3, $4)
				ON CONFLICT(uri) DO UPDATE SET protocol=EXCLUDED.protocol,
					owner_kind=EXCLUDED.owner_kind, owner_id=EXCLUDED.owner_id`
		}
		if _, err := tx.Exec(q, c.URI, c.Protocol, kind, ownerID); err != nil {
			return err
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	u, err := scanUserRows(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return u, err
}

func scanUserRows(row rowScanner) (*User, error) {
	u := &User{}
	var handle, objID sql.NullString
	var enabled, copies string
	if err := row.Scan(&u.Protocol, &u.ID, &handle, &enabled, &copies,
		&objID, &u.Status, &u.ValidNIP05, &u.KeyGeneration, &u.Updated); err != nil {
		return nil, err
	}
	u.Handle = handle.String
	u.ObjID = objID.String
	if err := json.Unmarshal([]byte(enabled), &u.EnabledProtocols); err != nil {
		return nil, fmt.Errorf("user %s: bad enabled_protocols: %w", u.Key(), err)
	}
	if err := json.Unmarshal([]byte(copies), &u.Copies); err != nil {
		return nil, fmt.Errorf("user %s: bad copies: %w", u.Key(), err)
	}
	return u, nil
}

func scanObject(row rowScanner) (*Object, error) {
	o := &Object{}
	var srcProto, bsky, nostr, raw, as1, typ sql.NullString
	var copies string
	err := row.Scan(&o.ID, &srcProto, &bsky, &nostr, &raw, &as1, &copies, &typ, &o.Updated)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	o.SourceProtocol = srcProto.String
	o.Type = typ.String
	if bsky.Valid {
		o.Bsky = json.RawMessage(bsky.String)
	}
	if nostr.Valid {
		o.Nostr = json.RawMessage(nostr.String)
	}
	if raw.Valid {
		o.Raw = json.RawMessage(raw.String)
	}
	if as1.Valid {
		o.AS1 = json.RawMessage(as1.String)
	}
	if err := json.Unmarshal([]byte(copies), &o.Copies); err != nil {
		return nil, fmt.Errorf("object %s: bad copies: %w", o.ID, err)
	}
	return o, nil
}

// scanStringRows scans a single-string-column result set into a slice.
// It closes rows before returning.
func scanStringRows(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var result []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func nullable(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// q rewrites ? placeholders to $N for PostgreSQL.
func (s *Store) q(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func detectDriver(u string) (driver, dsn string) {
	if strings.HasPrefix(u, "postgres://") || strings.HasPrefix(u, "postgresql://") {
		return "postgres", u
	}
	if strings.HasPrefix(u, "sqlite://") {
		return "sqlite", strings.TrimPrefix(u, "sqlite://")
	}
	// Treat bare paths as SQLite file paths.
	return "sqlite", u
}
