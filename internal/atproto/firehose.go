package atproto

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/fedbridge/bridgehub/internal/convert"
	"github.com/fedbridge/bridgehub/internal/hub"
	"github.com/fedbridge/bridgehub/internal/protocol"
	"github.com/fedbridge/bridgehub/internal/queue"
	"github.com/fedbridge/bridgehub/internal/report"
	"github.com/fedbridge/bridgehub/internal/store"
)

const (
	// ReconnectDelay is how long to wait before redialing after a stream error.
	ReconnectDelay = 30 * time.Second
	// StoreCursorFreq bounds cursor writes to one per window.
	StoreCursorFreq = 10 * time.Second

	subscribeReposNSID = "com.atproto.sync.subscribeRepos"

	// commitQueueSize bounds the in-process commit queue between the socket
	// reader and the handler.
	commitQueueSize = 1000
)

// commitEvent is one relevant op handed from the subscriber to the handler.
type commitEvent struct {
	Repo   string
	Path   string
	Action string
	Seq    int64
	Time   string
	// Record is the decoded record for create/update; nil for delete.
	Record map[string]any
}

// Firehose subscribes to the AP1 sync relay, filters commits against the
// relevant sets, and fans matching ops out to the durable receive queue.
type Firehose struct {
	// Host is the sync relay, eg "bsky.network".
	Host     string
	Store    *store.Store
	Users    *hub.Loader
	Tasks    *queue.Dispatcher
	Clock    clockwork.Clock
	Reporter report.Reporter

	// OnIdentity is called for #identity and #account frames so the caller
	// can refresh the DID doc out of band.
	OnIdentity func(ctx context.Context, did string)

	commits chan commitEvent
	seq     int64
}

// Run subscribes, reconnecting with the persisted cursor until ctx is
// cancelled. The commit handler runs as a sibling goroutine.
func (f *Firehose) Run(ctx context.Context) {
	if f.Clock == nil {
		f.Clock = clockwork.NewRealClock()
	}
	if f.Reporter == nil {
		f.Reporter = report.Logger{}
	}
	f.commits = make(chan commitEvent, commitQueueSize)
	go f.handle(ctx)

	for {
		if err := f.subscribe(ctx); err != nil {
			slog.Warn("firehose disconnected", "host", f.Host, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-f.Clock.After(ReconnectDelay):
		}
	}
}

// subscribe dials once and consumes frames until error or cancellation.
func (f *Firehose) subscribe(ctx context.Context) error {
	cursor, err := f.Store.GetCursor(f.Host, subscribeReposNSID)
	if err != nil {
		return err
	}
	f.seq = cursor.Seq

	// Bare hosts get wss; an explicit scheme (ws:// relays in dev) passes
	// through.
	base := f.Host
	if !strings.Contains(base, "://") {
		base = "wss://" + base
	}
	url := fmt.Sprintf("%s/xrpc/%s", base, subscribeReposNSID)
	if cursor.Seq > 0 {
		url = fmt.Sprintf("%s?cursor=%d", url, cursor.Seq+1)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial %s: HTTP %d: %w", url, resp.StatusCode, err)
		}
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()
	slog.Info("firehose connected", "host", f.Host, "cursor", cursor.Seq)

	// The reconnect resumes from the persisted cursor, so capture what was
	// consumed when the connection drops between throttled flushes.
	defer func() {
		if f.seq > cursor.Seq {
			cursor.Seq = f.seq
			if err := f.Store.PutCursor(cursor); err != nil {
				f.Reporter.Error("cursor flush failed", err, "host", f.Host)
			}
		}
	}()

	// Close the socket when ctx ends so ReadMessage unblocks.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	lastFlush := f.Clock.Now()
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		f.handleFrame(ctx, data)

		if f.Clock.Now().Sub(lastFlush) >= StoreCursorFreq && f.seq > cursor.Seq {
			cursor.Seq = f.seq
			if err := f.Store.PutCursor(cursor); err != nil {
				f.Reporter.Error("cursor flush failed", err, "host", f.Host)
			}
			lastFlush = f.Clock.Now()
		}
	}
}

// frameHeader is the first CBOR value of every frame.
type frameHeader struct {
	Op int    `cbor:"op"`
	T  string `cbor:"t"`
}

// handleFrame decodes and dispatches one frame. Any panic or decode failure
// is reported and swallowed so a poisoned frame cannot halt ingestion.
func (f *Firehose) handleFrame(ctx context.Context, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			f.Reporter.Error("firehose frame panic", fmt.Errorf("%v", r), "host", f.Host)
		}
	}()

	dec := cbor.NewDecoder(bytes.NewReader(data))
	var hdr frameHeader
	if err := dec.Decode(&hdr); err != nil {
		f.Reporter.Error("frame header decode failed", err, "host", f.Host)
		return
	}
	if hdr.Op == -1 {
		var errFrame struct {
			Error   string `cbor:"error"`
			Message string `cbor:"message"`
		}
		_ = dec.Decode(&errFrame)
		slog.Warn("firehose error frame", "error", errFrame.Error, "message", errFrame.Message)
		return
	}

	switch hdr.T {
	case "#commit":
		f.handleCommit(ctx, dec)

	case "#identity", "#account":
		var payload struct {
			DID string `cbor:"did"`
			Seq int64  `cbor:"seq"`
		}
		if err := dec.Decode(&payload); err != nil {
			f.Reporter.Error("identity frame decode failed", err)
			return
		}
		f.seq = payload.Seq
		if f.OnIdentity != nil {
			f.OnIdentity(ctx, payload.DID)
		}

	case "#handle", "#info", "#tombstone":
		var payload struct {
			Seq int64 `cbor:"seq"`
		}
		if err := dec.Decode(&payload); err == nil && payload.Seq > 0 {
			f.seq = payload.Seq
		}
	}
}

// commitPayload is the #commit frame body.
type commitPayload struct {
	Repo   string `cbor:"repo"`
	Seq    int64  `cbor:"seq"`
	Blocks []byte `cbor:"blocks"`
	TooBig bool   `cbor:"tooBig"`
	Time   string `cbor:"time"`
	Ops    []struct {
		Action string `cbor:"action"`
		Path   string `cbor:"path"`
		CID    any    `cbor:"cid"`
	} `cbor:"ops"`
}

// handleCommit filters one commit's ops against the relevant sets and queues
// the matches.
func (f *Firehose) handleCommit(ctx context.Context, dec *cbor.Decoder) {
	var payload commitPayload
	if err := dec.Decode(&payload); err != nil {
		f.Reporter.Error("commit decode failed", err)
		return
	}
	f.seq = payload.Seq

	snap := f.Users.Current()

	// Loopback suppression: records our own shadows wrote come back on the
	// firehose and must not be re-handled.
	if _, ours := snap.BridgedDIDs[payload.Repo]; ours {
		return
	}
	_, native := snap.ATProtoDIDs[payload.Repo]

	var blocks map[string][]byte
	for _, op := range payload.Ops {
		var record map[string]any
		if op.Action != "delete" && !payload.TooBig {
			if blocks == nil {
				var err error
				blocks, err = ReadCARBlocks(payload.Blocks)
				if err != nil {
					f.Reporter.Error("car decode failed", err, "repo", payload.Repo, "seq", payload.Seq)
					return
				}
			}
			if data, ok := blocks[CIDKey(op.CID)]; ok {
				var err error
				record, err = decodeRecord(data)
				if err != nil {
					slog.Info("bad record block", "repo", payload.Repo, "path", op.Path, "error", err)
					continue
				}
			}
		}

		if !native && !f.referencesBridged(snap, op.Path, record) {
			continue
		}

		ev := commitEvent{
			Repo:   payload.Repo,
			Path:   op.Path,
			Action: op.Action,
			Seq:    payload.Seq,
			Time:   payload.Time,
			Record: record,
		}
		select {
		case f.commits <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// referencesBridged reports whether a record from a non-bridged author still
// concerns us: it targets a bridged-in user or follows a protocol bot.
func (f *Firehose) referencesBridged(snap *hub.Snapshot, path string, record map[string]any) bool {
	if record == nil {
		return false
	}

	if subject := subjectDID(record); subject != "" {
		if _, ok := snap.BridgedDIDs[subject]; ok {
			return true
		}
		if strings.HasPrefix(path, collectionFollow+"/") {
			if _, ok := snap.ProtocolBotDIDs[subject]; ok {
				return true
			}
		}
	}

	if reply, ok := record["reply"].(map[string]any); ok {
		for _, field := range []string{"parent", "root"} {
			if ref, ok := reply[field].(map[string]any); ok {
				if did := didFromATURI(strField(ref, "uri")); did != "" {
					if _, ok := snap.BridgedDIDs[did]; ok {
						return true
					}
				}
			}
		}
	}

	if embed, ok := record["embed"].(map[string]any); ok {
		if rec, ok := embed["record"].(map[string]any); ok {
			if did := didFromATURI(strField(rec, "uri")); did != "" {
				if _, ok := snap.BridgedDIDs[did]; ok {
					return true
				}
			}
		}
	}

	if facets, ok := record["facets"].([]any); ok {
		for _, fv := range facets {
			facet, ok := fv.(map[string]any)
			if !ok {
				continue
			}
			features, _ := facet["features"].([]any)
			for _, featv := range features {
				feat, ok := featv.(map[string]any)
				if !ok {
					continue
				}
				if did := strField(feat, "did"); did != "" {
					if _, ok := snap.BridgedDIDs[did]; ok {
						return true
					}
				}
			}
		}
	}
	return false
}

// handle drains the commit queue, turning events into durable receive tasks.
func (f *Firehose) handle(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-f.commits:
			f.enqueue(ctx, ev)
		}
	}
}

// enqueue builds and submits the receive task for one commit event. Deletes
// are delayed and carry a synthesized activity since the record is gone.
func (f *Firehose) enqueue(ctx context.Context, ev commitEvent) {
	defer func() {
		if r := recover(); r != nil {
			f.Reporter.Error("commit handler panic", fmt.Errorf("%v", r),
				"repo", ev.Repo, "path", ev.Path)
		}
	}()

	id := fmt.Sprintf("at://%s/%s", ev.Repo, ev.Path)
	task := &queue.Task{
		Queue:          "receive",
		ID:             id,
		SourceProtocol: protocol.ATProto,
		AuthedAs:       ev.Repo,
		ReceivedAt:     ev.Time,
	}

	if ev.Action == "delete" {
		as1, err := f.synthesizeDelete(ev.Repo, ev.Path, id)
		if err != nil {
			f.Reporter.Error("delete synthesis failed", err, "id", id)
			return
		}
		task.AS1 = as1
		f.Tasks.CreateTask(ctx, task, queue.DeleteTaskDelay)
		return
	}

	raw, err := json.Marshal(jsonSafe(ev.Record))
	if err != nil {
		f.Reporter.Error("record marshal failed", err, "id", id)
		return
	}
	task.Bsky = raw
	f.Tasks.CreateTask(ctx, task, 0)
}

// synthesizeDelete builds the internal activity for a delete op. Blocks
// become undos; follows with a known prior Follower become stop-following;
// everything else is a plain delete.
func (f *Firehose) synthesizeDelete(repo, path, id string) (json.RawMessage, error) {
	verb := "delete"
	object := any(id)

	collection, _, _ := strings.Cut(path, "/")
	switch collection {
	case collectionBlock:
		verb = "undo"
		object = map[string]any{"objectType": "activity", "verb": "block", "id": ""}
		// The deleted record may still be cached; recover its subject so the
		// undo can find the matching shadow blocks.
		if obj, err := f.Store.GetObject(id); err == nil && obj != nil {
			if as1 := obj.AS1Map(); as1 != nil {
				object = map[string]any{
					"objectType": "activity",
					"verb":       "block",
					"id":         "",
					"object":     convert.ID(convert.Inner(as1)),
				}
			}
		}

	case collectionFollow:
		if obj, err := f.Store.GetObject(id); err == nil && obj != nil {
			if as1 := obj.AS1Map(); as1 != nil {
				if followee := convert.ID(convert.Inner(as1)); followee != "" {
					if fl, err := f.Store.GetFollower(protocol.ATProto+" "+repo, followeeKey(followee)); err == nil && fl != nil {
						verb = "stop-following"
						object = followee
					}
				}
			}
		}
	}

	return json.Marshal(map[string]any{
		"objectType": "activity",
		"verb":       verb,
		"id":         id + "#" + verb,
		"actor":      repo,
		"object":     object,
	})
}

// followeeKey maps a followee DID to the user key the Follower index uses.
func followeeKey(id string) string {
	if proto := convert.SourceProtocolFor(id); proto != "" {
		return proto + " " + id
	}
	return id
}

// ─── Record decoding helpers ──────────────────────────────────────────────────

// recordDecMode decodes CBOR maps with string keys directly into
// map[string]any so records look like their JSON form.
var recordDecMode, _ = cbor.DecOptions{
	DefaultMapType: reflect.TypeOf(map[string]any(nil)),
}.DecMode()

func decodeRecord(data []byte) (map[string]any, error) {
	var record map[string]any
	if err := recordDecMode.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return record, nil
}

// subjectDID extracts the subject DID of graph records: either a bare string
// or a strong ref {uri, cid}.
func subjectDID(record map[string]any) string {
	switch subject := record["subject"].(type) {
	case string:
		if strings.HasPrefix(subject, "did:") {
			return subject
		}
		return didFromATURI(subject)
	case map[string]any:
		return didFromATURI(strField(subject, "uri"))
	}
	return ""
}

func didFromATURI(uri string) string {
	rest, found := strings.CutPrefix(uri, "at://")
	if !found {
		return ""
	}
	did, _, _ := strings.Cut(rest, "/")
	return did
}

func strField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// jsonSafe rewrites decoded CBOR values into JSON-encodable ones: byte
// strings become base64, CID tags become their stringified key.
func jsonSafe(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = jsonSafe(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = jsonSafe(item)
		}
		return out
	case []byte:
		return base64.StdEncoding.EncodeToString(val)
	case cbor.Tag:
		if key := CIDKey(val); key != "" {
			return base64.StdEncoding.EncodeToString([]byte(key))
		}
		return jsonSafe(val.Content)
	default:
		return v
	}
}
