package nostrhub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nbd-wtf/go-nostr"
	gocache "github.com/patrickmn/go-cache"

	"github.com/fedbridge/bridgehub/internal/hub"
	"github.com/fedbridge/bridgehub/internal/protocol"
	"github.com/fedbridge/bridgehub/internal/queue"
	"github.com/fedbridge/bridgehub/internal/report"
	"github.com/fedbridge/bridgehub/internal/store"
)

const (
	// ReconnectDelay is how long a relay subscriber waits before redialing.
	ReconnectDelay = 30 * time.Second
	// StoreSinceFreq bounds relay-cursor writes, like the ATProto cursor.
	StoreSinceFreq = 10 * time.Second
	// checkFreq is how often an idle subscriber re-checks whether the
	// relevant pubkey sets have grown.
	checkFreq = 10 * time.Second
)

// supportedKinds are the event kinds the bridge handles at all; authorKinds
// is the authored-events filter, which drops reactions to avoid flooding.
var (
	supportedKinds = []int{
		nostr.KindProfileMetadata,
		nostr.KindTextNote,
		nostr.KindFollowList,
		nostr.KindDeletion,
		nostr.KindRepost,
		nostr.KindReaction,
		nostr.KindRelayListMetadata,
	}
	authorKinds = []int{
		nostr.KindProfileMetadata,
		nostr.KindTextNote,
		nostr.KindFollowList,
		nostr.KindDeletion,
		nostr.KindRepost,
		nostr.KindRelayListMetadata,
	}
)

// Hub owns one subscriber goroutine per known relay, each holding a
// subscription whose filters track the live pubkey sets.
type Hub struct {
	Store    *store.Store
	Users    *hub.Loader
	Tasks    *queue.Dispatcher
	Block    *protocol.Blocklist
	Clock    clockwork.Clock
	Reporter report.Reporter

	ctx context.Context

	mu         sync.Mutex
	subscribed map[string]struct{}
	// pending holds relays added before Run provided a context.
	pending []string

	// seen dedups event ids across relays.
	seen *gocache.Cache
}

// Run initializes the hub and subscribes to the given seed relays, then
// blocks until ctx is cancelled. AddRelay may be called concurrently as
// relay-list events discover new relays.
func (h *Hub) Run(ctx context.Context, seedRelays []string) {
	if h.Clock == nil {
		h.Clock = clockwork.NewRealClock()
	}
	if h.Reporter == nil {
		h.Reporter = report.Logger{}
	}
	h.seen = gocache.New(10*time.Minute, time.Minute)

	// Relays queued by AddRelay before Run only get their subscriber now
	// that there is a context to run it under.
	h.mu.Lock()
	h.ctx = ctx
	pending := h.pending
	h.pending = nil
	h.mu.Unlock()

	for _, url := range pending {
		go h.subscribeLoop(url)
	}
	for _, url := range seedRelays {
		h.AddRelay(url)
	}
	<-ctx.Done()
}

// AddRelay spawns a subscriber for url unless one exists or the relay is
// blocklisted. Safe for concurrent use, including before Run.
func (h *Hub) AddRelay(url string) {
	if url == "" || h.Block.Blocked(url) {
		return
	}
	h.mu.Lock()
	if h.subscribed == nil {
		h.subscribed = make(map[string]struct{})
	}
	if _, ok := h.subscribed[url]; ok {
		h.mu.Unlock()
		return
	}
	h.subscribed[url] = struct{}{}
	if h.ctx == nil {
		h.pending = append(h.pending, url)
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	slog.Info("adding nostr relay", "relay", url)
	go h.subscribeLoop(url)
}

func (h *Hub) subscribeLoop(url string) {
	for {
		if err := h.subscribeOnce(url); err != nil {
			slog.Warn("nostr relay disconnected", "relay", url, "error", err)
		}
		select {
		case <-h.ctx.Done():
			return
		case <-h.Clock.After(ReconnectDelay):
		}
	}
}

// subscribeOnce holds one websocket to the relay, re-REQing whenever the
// relevant pubkey sets grow. Returns on connection loss.
func (h *Hub) subscribeOnce(url string) error {
	row, err := h.Store.GetRelay(url)
	if err != nil {
		return err
	}
	since := int64(0)
	if row != nil {
		since = row.Since
	}

	relay, err := nostr.RelayConnect(h.ctx, url)
	if err != nil {
		return err
	}
	defer relay.Close()

	snap := h.Users.Current()
	_, _, native, bridged := snap.Counts()
	filters := buildFilters(snap, since)
	if len(filters) == 0 {
		slog.Debug("no relevant pubkeys yet", "relay", url)
		<-h.Clock.After(checkFreq)
		return nil
	}
	sub, err := relay.Subscribe(h.ctx, filters)
	if err != nil {
		return err
	}
	slog.Info("nostr subscription open", "relay", url, "since", since)

	growth := h.Clock.NewTicker(checkFreq)
	defer growth.Stop()

	lastFlush := h.Clock.Now()
	for {
		select {
		case <-h.ctx.Done():
			sub.Unsub()
			return nil

		case ev, ok := <-sub.Events:
			if !ok {
				return nil
			}
			h.handleEvent(url, ev)
			if ts := int64(ev.CreatedAt); ts > since {
				since = ts
			}
			if h.Clock.Now().Sub(lastFlush) >= StoreSinceFreq {
				if err := h.Store.PutRelay(&store.Relay{URL: url, Since: since}); err != nil {
					h.Reporter.Error("relay cursor flush failed", err, "relay", url)
				}
				lastFlush = h.Clock.Now()
			}

		case <-sub.EndOfStoredEvents:
			slog.Debug("nostr subscription live", "relay", url)

		case reason := <-sub.ClosedReason:
			slog.Info("nostr subscription closed by relay", "relay", url, "reason", reason)
			// The reconnect re-REQs from since; flush it so events received
			// between throttled flushes are not replayed.
			if since > 0 {
				if err := h.Store.PutRelay(&store.Relay{URL: url, Since: since}); err != nil {
					h.Reporter.Error("relay cursor flush failed", err, "relay", url)
				}
			}
			return nil

		case <-growth.Chan():
			snap = h.Users.Current()
			_, _, n, b := snap.Counts()
			if b > bridged || n > native {
				// Filters only ever grow; CLOSE and re-REQ with the new sets.
				sub.Unsub()
				bridged, native = b, n
				filters = buildFilters(snap, since)
				sub, err = relay.Subscribe(h.ctx, filters)
				if err != nil {
					return err
				}
				slog.Info("nostr filters grown, resubscribed", "relay", url,
					"bridged", b, "native", n)
			}
		}
	}
}

// buildFilters returns the two REQ filters: events mentioning a bridged user
// and events authored by a native-bridged user.
func buildFilters(snap *hub.Snapshot, since int64) nostr.Filters {
	var filters nostr.Filters
	var ts *nostr.Timestamp
	if since > 0 {
		t := nostr.Timestamp(since)
		ts = &t
	}

	if len(snap.BridgedPubkeys) > 0 {
		filters = append(filters, nostr.Filter{
			Kinds: supportedKinds,
			Tags:  nostr.TagMap{"p": sortedSet(snap.BridgedPubkeys)},
			Since: ts,
		})
	}
	if len(snap.NostrPubkeys) > 0 {
		filters = append(filters, nostr.Filter{
			Kinds:   authorKinds,
			Authors: sortedSet(snap.NostrPubkeys),
			Since:   ts,
		})
	}
	return filters
}

// handleEvent validates one incoming event and enqueues its receive task.
func (h *Hub) handleEvent(relayURL string, ev *nostr.Event) {
	defer func() {
		if r := recover(); r != nil {
			h.Reporter.Error("nostr event panic", nil, "relay", relayURL, "panic", r)
		}
	}()

	// Dedup across relays: the same event arrives on every relay that has it.
	if _, dup := h.seen.Get(ev.ID); dup {
		return
	}
	h.seen.Set(ev.ID, struct{}{}, gocache.DefaultExpiration)

	if !nostr.IsValidPublicKey(ev.PubKey) {
		return
	}
	if ok, err := ev.CheckSignature(); !ok || err != nil {
		slog.Info("bad nostr signature", "id", ev.ID, "relay", relayURL)
		return
	}

	snap := h.Users.Current()
	// Loopback: events our shadows published match the #p filter too.
	if _, ours := snap.BridgedPubkeys[ev.PubKey]; ours {
		return
	}

	if ev.Kind == nostr.KindRelayListMetadata {
		h.discoverRelays(ev)
	}

	authedAs, err := UserID(ev.PubKey)
	if err != nil {
		return
	}
	noteID, err := EventID(ev.ID)
	if err != nil {
		return
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		h.Reporter.Error("event marshal failed", err, "id", ev.ID)
		return
	}

	task := &queue.Task{
		Queue:          "receive",
		ID:             noteID,
		SourceProtocol: protocol.Nostr,
		AuthedAs:       authedAs,
		ReceivedAt:     ev.CreatedAt.Time().UTC().Format(time.RFC3339),
		Nostr:          raw,
	}
	delay := time.Duration(0)
	if ev.Kind == nostr.KindDeletion {
		delay = queue.DeleteTaskDelay
	}
	h.Tasks.CreateTask(h.ctx, task, delay)
}

// discoverRelays persists relays advertised in a kind-10002 list and spawns
// subscribers for new ones.
func (h *Hub) discoverRelays(ev *nostr.Event) {
	for _, url := range relayURLs(ev) {
		if h.Block.Blocked(url) {
			continue
		}
		existing, err := h.Store.GetRelay(url)
		if err != nil {
			continue
		}
		if existing == nil {
			if err := h.Store.PutRelay(&store.Relay{URL: url}); err != nil {
				h.Reporter.Error("relay persist failed", err, "relay", url)
				continue
			}
		}
		h.AddRelay(url)
	}
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
