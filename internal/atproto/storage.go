package atproto

import (
	"context"
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

// ErrInactiveRepo is returned by Storage when a write targets a deactivated
// or tombstoned repo.
var ErrInactiveRepo = errors.New("repo is not active")

// Repo statuses.
const (
	RepoActive      = ""
	RepoDeactivated = "deactivated"
	RepoTombstoned  = "tombstoned"
)

// Write actions.
const (
	WriteCreate = "create"
	WriteUpdate = "update"
	WriteDelete = "delete"
)

// Write is one record operation inside a commit.
type Write struct {
	Action     string
	Collection string
	RKey       string
	// Record is nil for deletes.
	Record map[string]any
}

// Repo is the metadata Storage exposes for one shadow repository.
type Repo struct {
	DID    string
	Handle string
	Status string
}

// Storage is the MST repository implementation the shadow-repo service
// drives. It owns block storage, commit signing, and the sync-stream event
// log; this package owns the decisions about what to write.
type Storage interface {
	// LoadRepo returns the repo for did, or nil if none exists.
	LoadRepo(ctx context.Context, did string) (*Repo, error)
	// CreateRepo creates an empty active repo signed with signingKey.
	CreateRepo(ctx context.Context, did, handle string, signingKey *secp256k1.PrivateKey) (*Repo, error)
	// Commit applies writes atomically and appends a #commit event.
	// Returns ErrInactiveRepo if the repo cannot accept writes.
	Commit(ctx context.Context, did string, writes []Write) error
	// ListRecords returns rkey → record for one collection.
	ListRecords(ctx context.Context, did, collection string) (map[string]map[string]any, error)

	Activate(ctx context.Context, did string) error
	Deactivate(ctx context.Context, did string) error
	Tombstone(ctx context.Context, did string) error
	// SetHandle updates the handle the repo's #identity events carry.
	SetHandle(ctx context.Context, did, handle string) error

	// WriteEvent appends a non-commit event (#account, #identity) to the
	// sync stream.
	WriteEvent(ctx context.Context, did, kind string, active bool) error
}
