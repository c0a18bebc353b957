package atproto

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// SQLStorage is a database-backed Storage for single-binary deployments: a
// flat record table plus a repo event log, sharing the bridge's database. It
// keeps the record and status bookkeeping the shadow-repo service needs; a
// full MST block store can replace it behind the same interface.
type SQLStorage struct {
	db     *sql.DB
	driver string
}

// NewSQLStorage creates the storage and its tables.
func NewSQLStorage(db *sql.DB, driver string) (*SQLStorage, error) {
	s := &SQLStorage{db: db, driver: driver}
	serial := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if driver == "postgres" {
		serial = "BIGSERIAL PRIMARY KEY"
	}
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS repos (
			did     TEXT PRIMARY KEY,
			handle  TEXT NOT NULL,
			status  TEXT NOT NULL DEFAULT '',
			updated TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS records (
			did        TEXT NOT NULL,
			collection TEXT NOT NULL,
			rkey       TEXT NOT NULL,
			record     TEXT NOT NULL,
			updated    TIMESTAMP NOT NULL,
			PRIMARY KEY (did, collection, rkey)
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS repo_events (
			seq     %s,
			did     TEXT NOT NULL,
			kind    TEXT NOT NULL,
			active  BOOLEAN NOT NULL,
			created TIMESTAMP NOT NULL
		)`, serial),
	}
	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			if strings.Contains(err.Error(), "already exists") {
				continue
			}
			return nil, fmt.Errorf("storage migration: %w", err)
		}
	}
	return s, nil
}

func (s *SQLStorage) LoadRepo(ctx context.Context, did string) (*Repo, error) {
	r := &Repo{DID: did}
	err := s.db.QueryRowContext(ctx, s.q(`SELECT handle, status FROM repos WHERE did = ?`), did).
		Scan(&r.Handle, &r.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return r, nil
}

// CreateRepo registers an empty active repo. The signing key is accepted for
// interface parity; this backend has no blocks to sign.
func (s *SQLStorage) CreateRepo(ctx context.Context, did, handle string, _ *secp256k1.PrivateKey) (*Repo, error) {
	var q string
	if s.driver == "sqlite" {
		q = `INSERT INTO repos (did, handle, status, updated) VALUES (?, ?, '', ?)
			ON CONFLICT(did) DO UPDATE SET handle=excluded.handle, updated=excluded.updated`
	} else {
		q = `INSERT INTO repos (did, handle, status, updated) VALUES ($1, $2, '', $3)
			ON CONFLICT(did) DO UPDATE SET handle=EXCLUDED.handle, updated=EXCLUDED.updated`
	}
	if _, err := s.db.ExecContext(ctx, q, did, handle, time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("create repo %s: %w", did, err)
	}
	return &Repo{DID: did, Handle: handle}, nil
}

// Commit applies writes atomically and appends a commit event.
func (s *SQLStorage) Commit(ctx context.Context, did string, writes []Write) error {
	repo, err := s.LoadRepo(ctx, did)
	if err != nil {
		return err
	}
	if repo == nil || repo.Status != RepoActive {
		return ErrInactiveRepo
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, w := range writes {
		switch w.Action {
		case WriteCreate, WriteUpdate:
			record, err := json.Marshal(w.Record)
			if err != nil {
				return err
			}
			var q string
			if s.driver == "sqlite" {
				q = `INSERT INTO records (did, collection, rkey, record, updated) VALUES (?, ?, ?, ?, ?)
					ON CONFLICT(did, collection, rkey) DO UPDATE SET record=excluded.record, updated=excluded.updated`
			} else {
				q = `INSERT INTO records (did, collection, rkey, record, updated) VALUES ($1, $2, $3, $4, $5)
					ON CONFLICT(did, collection, rkey) DO UPDATE SET record=EXCLUDED.record, updated=EXCLUDED.updated`
			}
			if _, err := tx.ExecContext(ctx, q, did, w.Collection, w.RKey, string(record), now); err != nil {
				return fmt.Errorf("commit %s/%s/%s: %w", did, w.Collection, w.RKey, err)
			}
		case WriteDelete:
			if _, err := tx.ExecContext(ctx,
				s.q(`DELETE FROM records WHERE did = ? AND collection = ? AND rkey = ?`),
				did, w.Collection, w.RKey); err != nil {
				return fmt.Errorf("commit delete %s/%s/%s: %w", did, w.Collection, w.RKey, err)
			}
		default:
			return fmt.Errorf("commit: unknown action %q", w.Action)
		}
	}

	if _, err := tx.ExecContext(ctx,
		s.q(`INSERT INTO repo_events (did, kind, active, created) VALUES (?, 'commit', ?, ?)`),
		did, true, now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStorage) ListRecords(ctx context.Context, did, collection string) (map[string]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT rkey, record FROM records WHERE did = ? AND collection = ?`), did, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]map[string]any)
	for rows.Next() {
		var rkey, raw string
		if err := rows.Scan(&rkey, &raw); err != nil {
			return nil, err
		}
		var record map[string]any
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return nil, fmt.Errorf("record %s/%s/%s: %w", did, collection, rkey, err)
		}
		out[rkey] = record
	}
	return out, rows.Err()
}

func (s *SQLStorage) Activate(ctx context.Context, did string) error {
	return s.setStatus(ctx, did, RepoActive, RepoDeactivated, RepoActive)
}

func (s *SQLStorage) Deactivate(ctx context.Context, did string) error {
	return s.setStatus(ctx, did, RepoDeactivated, RepoActive)
}

// Tombstone is terminal; it applies from any status.
func (s *SQLStorage) Tombstone(ctx context.Context, did string) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE repos SET status = ?, updated = ? WHERE did = ?`),
		RepoTombstoned, time.Now().UTC(), did)
	return err
}

func (s *SQLStorage) SetHandle(ctx context.Context, did, handle string) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE repos SET handle = ?, updated = ? WHERE did = ?`),
		handle, time.Now().UTC(), did)
	return err
}

func (s *SQLStorage) WriteEvent(ctx context.Context, did, kind string, active bool) error {
	slog.Debug("repo event", "did", did, "kind", kind, "active", active)
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO repo_events (did, kind, active, created) VALUES (?, ?, ?, ?)`),
		did, kind, active, time.Now().UTC())
	return err
}

// setStatus transitions the repo to status, but only from one of the allowed
// current statuses. Idempotent: already being in the target status is fine.
func (s *SQLStorage) setStatus(ctx context.Context, did, status string, allowed ...string) error {
	repo, err := s.LoadRepo(ctx, did)
	if err != nil {
		return err
	}
	if repo == nil {
		return fmt.Errorf("repo %s not found", did)
	}
	if repo.Status == status {
		return nil
	}
	ok := false
	for _, a := range allowed {
		if repo.Status == a {
			ok = true
		}
	}
	if !ok {
		return fmt.Errorf("repo %s: cannot move %q -> %q", did, repo.Status, status)
	}
	_, err = s.db.ExecContext(ctx,
		s.q(`UPDATE repos SET status = ?, updated = ? WHERE did = ?`),
		status, time.Now().UTC(), did)
	return err
}

// q rewrites ? placeholders to $N for PostgreSQL.
func (s *SQLStorage) q(query string) string {
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
