// Package hub maintains the relevant-set caches: which DIDs and pubkeys the
// firehose subscribers care about. A single loader goroutine owns the sets
// and publishes immutable snapshots through an atomic pointer; subscribers
// only ever read a snapshot, so the per-event membership test is two map
// lookups with no locking.
package hub

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/fedbridge/bridgehub/internal/protocol"
	"github.com/fedbridge/bridgehub/internal/store"
)

// LoadUsersFreq is how often the loader re-queries the datastore for new or
// updated users.
const LoadUsersFreq = 10 * time.Second

// Snapshot is one immutable view of the relevant sets. Never mutate a
// snapshot after publishing; build a new one instead.
type Snapshot struct {
	// ATProtoDIDs are native ATProto users we bridge out.
	ATProtoDIDs map[string]struct{}
	// BridgedDIDs are shadow DIDs of users bridged into ATProto.
	BridgedDIDs map[string]struct{}
	// NostrPubkeys are hex pubkeys of native Nostr users we bridge out.
	NostrPubkeys map[string]struct{}
	// BridgedPubkeys are hex pubkeys of shadow identities bridged into Nostr.
	BridgedPubkeys map[string]struct{}
	// ProtocolBotDIDs are bot accounts whose follows are always relevant.
	ProtocolBotDIDs map[string]struct{}
}

// Counts returns the snapshot's set sizes, for membership-growth checks.
func (s *Snapshot) Counts() (atproto, bridgedDIDs, nostr, bridgedPubkeys int) {
	return len(s.ATProtoDIDs), len(s.BridgedDIDs), len(s.NostrPubkeys), len(s.BridgedPubkeys)
}

// Loader periodically refreshes the relevant sets from the datastore.
type Loader struct {
	Store *store.Store
	Clock clockwork.Clock
	// OnRelay is called for each known relay URL on every load tick, so the
	// Nostr hub can spawn subscribers for newly discovered relays.
	OnRelay func(url string)
	// ProtocolBotDIDs seeds the bot set from config.
	ProtocolBotDIDs []string

	snapshot atomic.Pointer[Snapshot]
	loadedAt time.Time
}

// Current returns the latest published snapshot. Always non-nil after Init.
func (l *Loader) Current() *Snapshot {
	return l.snapshot.Load()
}

// Init performs the first synchronous load so subscribers never see a nil
// snapshot, then returns. Call Run afterwards for periodic refresh.
func (l *Loader) Init(ctx context.Context) error {
	if l.Clock == nil {
		l.Clock = clockwork.NewRealClock()
	}
	empty := &Snapshot{
		ATProtoDIDs:     map[string]struct{}{},
		BridgedDIDs:     map[string]struct{}{},
		NostrPubkeys:    map[string]struct{}{},
		BridgedPubkeys:  map[string]struct{}{},
		ProtocolBotDIDs: map[string]struct{}{},
	}
	for _, did := range l.ProtocolBotDIDs {
		empty.ProtocolBotDIDs[did] = struct{}{}
	}
	l.snapshot.Store(empty)
	return l.load(ctx)
}

// Run refreshes the sets every LoadUsersFreq until ctx is cancelled.
func (l *Loader) Run(ctx context.Context) {
	ticker := l.Clock.NewTicker(LoadUsersFreq)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := l.load(ctx); err != nil {
				slog.Warn("user-set load failed", "error", err)
			}
		}
	}
}

// load queries users updated since the last load and publishes a grown
// snapshot. Sets only grow here; removal happens out of band (status flips
// exclude the user from future loads, and restarts rebuild from scratch).
func (l *Loader) load(ctx context.Context) error {
	loadedAt := l.Clock.Now().UTC()

	users, err := l.Store.ListUsersUpdatedSince(l.loadedAt)
	if err != nil {
		return err
	}

	prev := l.snapshot.Load()
	next := &Snapshot{
		ATProtoDIDs:     cloneSet(prev.ATProtoDIDs),
		BridgedDIDs:     cloneSet(prev.BridgedDIDs),
		NostrPubkeys:    cloneSet(prev.NostrPubkeys),
		BridgedPubkeys:  cloneSet(prev.BridgedPubkeys),
		ProtocolBotDIDs: prev.ProtocolBotDIDs,
	}

	var added int
	for _, u := range users {
		if u.Status != "" || len(u.EnabledProtocols) == 0 {
			continue
		}
		switch u.Protocol {
		case protocol.ATProto:
			next.ATProtoDIDs[u.ID] = struct{}{}
			added++
		case protocol.Nostr:
			if pk := pubkeyFromNpubURI(u.ID); pk != "" {
				next.NostrPubkeys[pk] = struct{}{}
				added++
			}
		}
		// Cross-bridged shadows, regardless of source protocol.
		if u.Protocol != protocol.ATProto && u.Enabled(protocol.ATProto) {
			if copy, ok := u.Copy(protocol.ATProto); ok {
				next.BridgedDIDs[copy.URI] = struct{}{}
			}
		}
		if u.Protocol != protocol.Nostr && u.Enabled(protocol.Nostr) {
			if copy, ok := u.Copy(protocol.Nostr); ok {
				if pk := pubkeyFromNpubURI(copy.URI); pk != "" {
					next.BridgedPubkeys[pk] = struct{}{}
				}
			}
		}
	}

	// Publish before recording loadedAt so a crash in between re-queries
	// from the earlier timestamp instead of dropping users.
	l.snapshot.Store(next)
	l.loadedAt = loadedAt

	if l.OnRelay != nil {
		relays, err := l.Store.ListRelays()
		if err != nil {
			return err
		}
		for _, r := range relays {
			l.OnRelay(r)
		}
	}

	if added > 0 {
		slog.Info("loaded users",
			"atproto", len(next.ATProtoDIDs), "bridgedDids", len(next.BridgedDIDs),
			"nostr", len(next.NostrPubkeys), "bridgedPubkeys", len(next.BridgedPubkeys))
	}
	return nil
}

// pubkeyFromNpubURI converts a nostr:npub… user id (or bare npub) to its hex
// pubkey. Hex input passes through.
func pubkeyFromNpubURI(id string) string {
	id = strings.TrimPrefix(id, "nostr:")
	if len(id) == 64 && !strings.HasPrefix(id, "npub1") {
		return id
	}
	prefix, value, err := nip19.Decode(id)
	if err != nil || prefix != "npub" {
		return ""
	}
	pk, _ := value.(string)
	return pk
}

func cloneSet(m map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}
