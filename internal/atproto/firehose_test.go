package atproto

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedbridge/bridgehub/internal/hub"
	"github.com/fedbridge/bridgehub/internal/protocol"
	"github.com/fedbridge/bridgehub/internal/queue"
	"github.com/fedbridge/bridgehub/internal/report"
	"github.com/fedbridge/bridgehub/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { st.Close() })
	return st
}

func testSnapshot() *hub.Snapshot {
	return &hub.Snapshot{
		ATProtoDIDs:     map[string]struct{}{"did:plc:native": {}},
		BridgedDIDs:     map[string]struct{}{"did:plc:shadow": {}},
		NostrPubkeys:    map[string]struct{}{},
		BridgedPubkeys:  map[string]struct{}{},
		ProtocolBotDIDs: map[string]struct{}{"did:plc:bot": {}},
	}
}

func TestReferencesBridged(t *testing.T) {
	f := &Firehose{}
	snap := testSnapshot()

	tests := []struct {
		name   string
		path   string
		record map[string]any
		want   bool
	}{
		{
			name: "nil record",
			path: "app.bsky.feed.post/abc",
			want: false,
		},
		{
			name:   "unrelated post",
			path:   "app.bsky.feed.post/abc",
			record: map[string]any{"text": "hello"},
			want:   false,
		},
		{
			name:   "like of a bridged post",
			path:   "app.bsky.feed.like/abc",
			record: map[string]any{"subject": map[string]any{"uri": "at://did:plc:shadow/app.bsky.feed.post/x"}},
			want:   true,
		},
		{
			name:   "follow of a bridged user",
			path:   "app.bsky.graph.follow/abc",
			record: map[string]any{"subject": "did:plc:shadow"},
			want:   true,
		},
		{
			name:   "follow of a protocol bot",
			path:   "app.bsky.graph.follow/abc",
			record: map[string]any{"subject": "did:plc:bot"},
			want:   true,
		},
		{
			name:   "non-follow of a protocol bot",
			path:   "app.bsky.graph.block/abc",
			record: map[string]any{"subject": "did:plc:bot"},
			want:   false,
		},
		{
			name: "reply to a bridged post",
			path: "app.bsky.feed.post/abc",
			record: map[string]any{
				"text": "re",
				"reply": map[string]any{
					"parent": map[string]any{"uri": "at://did:plc:shadow/app.bsky.feed.post/x"},
				},
			},
			want: true,
		},
		{
			name: "thread root bridged",
			path: "app.bsky.feed.post/abc",
			record: map[string]any{
				"reply": map[string]any{
					"parent": map[string]any{"uri": "at://did:plc:other/app.bsky.feed.post/x"},
					"root":   map[string]any{"uri": "at://did:plc:shadow/app.bsky.feed.post/y"},
				},
			},
			want: true,
		},
		{
			name: "quote of a bridged post",
			path: "app.bsky.feed.post/abc",
			record: map[string]any{
				"embed": map[string]any{
					"record": map[string]any{"uri": "at://did:plc:shadow/app.bsky.feed.post/x"},
				},
			},
			want: true,
		},
		{
			name: "mention of a bridged user",
			path: "app.bsky.feed.post/abc",
			record: map[string]any{
				"facets": []any{
					map[string]any{
						"features": []any{map[string]any{"did": "did:plc:shadow"}},
					},
				},
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.referencesBridged(snap, tt.path, tt.record))
		})
	}
}

func TestSubjectDID(t *testing.T) {
	assert.Equal(t, "did:plc:x", subjectDID(map[string]any{"subject": "did:plc:x"}))
	assert.Equal(t, "did:plc:x", subjectDID(map[string]any{
		"subject": map[string]any{"uri": "at://did:plc:x/app.bsky.feed.post/y"},
	}))
	assert.Empty(t, subjectDID(map[string]any{"subject": "not-a-did"}))
	assert.Empty(t, subjectDID(map[string]any{}))
}

func TestDIDFromATURI(t *testing.T) {
	assert.Equal(t, "did:plc:x", didFromATURI("at://did:plc:x/app.bsky.feed.post/y"))
	assert.Equal(t, "did:plc:x", didFromATURI("at://did:plc:x"))
	assert.Empty(t, didFromATURI("did:plc:x"))
	assert.Empty(t, didFromATURI(""))
}

func TestJSONSafe(t *testing.T) {
	v := jsonSafe(map[string]any{
		"bytes":  []byte{1, 2, 3},
		"nested": []any{map[string]any{"n": int64(7)}},
	})
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	assert.JSONEq(t, `{"bytes":"AQID","nested":[{"n":7}]}`, string(raw))
}

// cborFrame builds one wire frame: header then payload, concatenated.
func cborFrame(t *testing.T, typ string, payload any) []byte {
	t.Helper()
	hdr, err := cbor.Marshal(map[string]any{"op": 1, "t": typ})
	require.NoError(t, err)
	body, err := cbor.Marshal(payload)
	require.NoError(t, err)
	return append(hdr, body...)
}

func commitDecoder(t *testing.T, payload map[string]any) *cbor.Decoder {
	t.Helper()
	raw, err := cbor.Marshal(payload)
	require.NoError(t, err)
	return cbor.NewDecoder(bytes.NewReader(raw))
}

func TestSubscribeResumesAndFlushesCursor(t *testing.T) {
	st := newTestStore(t)

	cursorQuery := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cursorQuery <- r.URL.Query().Get("cursor")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, seq := range []int64{789, 790} {
			frame := cborFrame(t, "#handle", map[string]any{
				"seq": seq, "did": "did:plc:x", "handle": "x.test",
			})
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	host := "ws://" + strings.TrimPrefix(srv.URL, "http://")
	require.NoError(t, st.PutCursor(&store.Cursor{
		Host: host, Stream: subscribeReposNSID, Seq: 444,
	}))

	f := &Firehose{
		Host:     host,
		Store:    st,
		Clock:    clockwork.NewFakeClock(),
		Reporter: &report.Recorder{},
	}
	// The server closes the socket after the frames, ending the session.
	require.Error(t, f.subscribe(context.Background()))

	// Resumed one past the acknowledged cursor.
	assert.Equal(t, "445", <-cursorQuery)

	// The disconnect flushed the highest consumed seq.
	cursor, err := st.GetCursor(host, subscribeReposNSID)
	require.NoError(t, err)
	assert.Equal(t, int64(790), cursor.Seq)
}

func TestHandleCommitSuppressesLoopback(t *testing.T) {
	st := newTestStore(t)

	shadow := &store.User{
		Protocol:         protocol.Nostr,
		ID:               "nostr:npub1alice",
		EnabledProtocols: []string{protocol.ATProto},
	}
	shadow.AddCopy(store.Target{URI: "did:plc:shadow", Protocol: protocol.ATProto})
	require.NoError(t, st.PutUser(shadow))
	require.NoError(t, st.PutUser(&store.User{
		Protocol:         protocol.ATProto,
		ID:               "did:plc:native",
		EnabledProtocols: []string{protocol.Nostr},
	}))

	loader := &hub.Loader{Store: st, Clock: clockwork.NewFakeClock()}
	require.NoError(t, loader.Init(context.Background()))

	f := &Firehose{
		Store:    st,
		Users:    loader,
		Reporter: &report.Recorder{},
		commits:  make(chan commitEvent, 4),
	}
	ctx := context.Background()

	// A commit from our own shadow repo comes back on the firehose and must
	// not be re-handled.
	f.handleCommit(ctx, commitDecoder(t, map[string]any{
		"repo": "did:plc:shadow",
		"seq":  int64(10),
		"ops": []any{
			map[string]any{"action": "delete", "path": "app.bsky.feed.post/abc"},
		},
	}))
	assert.Empty(t, f.commits)
	assert.Equal(t, int64(10), f.seq)

	// The same op from a native user goes through.
	f.handleCommit(ctx, commitDecoder(t, map[string]any{
		"repo": "did:plc:native",
		"seq":  int64(11),
		"ops": []any{
			map[string]any{"action": "delete", "path": "app.bsky.feed.post/abc"},
		},
	}))
	require.Len(t, f.commits, 1)
	ev := <-f.commits
	assert.Equal(t, "did:plc:native", ev.Repo)
	assert.Equal(t, "delete", ev.Action)
	assert.Equal(t, int64(11), f.seq)
}

func TestEnqueueCreate(t *testing.T) {
	st := newTestStore(t)
	inline := &queue.Inline{}
	f := &Firehose{
		Store:    st,
		Tasks:    queue.NewDispatcher(inline, clockwork.NewFakeClock(), &report.Recorder{}),
		Reporter: &report.Recorder{},
	}

	f.enqueue(context.Background(), commitEvent{
		Repo:   "did:plc:alice",
		Path:   "app.bsky.feed.post/abc",
		Action: "create",
		Record: map[string]any{"$type": "app.bsky.feed.post", "text": "hi"},
	})

	require.Len(t, inline.Enqueued, 1)
	assert.Equal(t, "receive", inline.Enqueued[0].Queue)
	assert.Zero(t, inline.Enqueued[0].Delay)

	var task queue.Task
	require.NoError(t, json.Unmarshal(inline.Enqueued[0].Payload, &task))
	assert.Equal(t, "at://did:plc:alice/app.bsky.feed.post/abc", task.ID)
	assert.Equal(t, "did:plc:alice", task.AuthedAs)
	assert.Contains(t, string(task.Bsky), `"text":"hi"`)
}

func TestSynthesizeDeletePlain(t *testing.T) {
	st := newTestStore(t)
	f := &Firehose{Store: st}

	id := "at://did:plc:alice/app.bsky.feed.post/abc"
	raw, err := f.synthesizeDelete("did:plc:alice", "app.bsky.feed.post/abc", id)
	require.NoError(t, err)

	var as1 map[string]any
	require.NoError(t, json.Unmarshal(raw, &as1))
	assert.Equal(t, "delete", as1["verb"])
	assert.Equal(t, id+"#delete", as1["id"])
	assert.Equal(t, "did:plc:alice", as1["actor"])
	assert.Equal(t, id, as1["object"])
}

func TestSynthesizeDeleteBlockBecomesUndo(t *testing.T) {
	st := newTestStore(t)
	f := &Firehose{Store: st}

	id := "at://did:plc:alice/app.bsky.graph.block/abc"
	as1Raw, _ := json.Marshal(map[string]any{
		"objectType": "activity", "verb": "block", "id": id, "object": "did:plc:bob",
	})
	require.NoError(t, st.PutObject(&store.Object{
		ID: id, SourceProtocol: "atproto", AS1: as1Raw, Type: "block",
	}))

	raw, err := f.synthesizeDelete("did:plc:alice", "app.bsky.graph.block/abc", id)
	require.NoError(t, err)

	var as1 map[string]any
	require.NoError(t, json.Unmarshal(raw, &as1))
	assert.Equal(t, "undo", as1["verb"])
	inner := as1["object"].(map[string]any)
	assert.Equal(t, "block", inner["verb"])
	assert.Equal(t, "did:plc:bob", inner["object"])
}

func TestSynthesizeDeleteFollowWithPriorEdge(t *testing.T) {
	st := newTestStore(t)
	f := &Firehose{Store: st}

	id := "at://did:plc:alice/app.bsky.graph.follow/abc"
	as1Raw, _ := json.Marshal(map[string]any{
		"objectType": "activity", "verb": "follow", "id": id, "object": "did:plc:bob",
	})
	require.NoError(t, st.PutObject(&store.Object{
		ID: id, SourceProtocol: "atproto", AS1: as1Raw, Type: "follow",
	}))
	require.NoError(t, st.PutFollower(&store.Follower{
		From: "atproto did:plc:alice", To: "atproto did:plc:bob", FollowID: id,
	}))

	raw, err := f.synthesizeDelete("did:plc:alice", "app.bsky.graph.follow/abc", id)
	require.NoError(t, err)

	var as1 map[string]any
	require.NoError(t, json.Unmarshal(raw, &as1))
	assert.Equal(t, "stop-following", as1["verb"])
	assert.Equal(t, "did:plc:bob", as1["object"])
}

func TestSynthesizeDeleteFollowWithoutEdgeStaysDelete(t *testing.T) {
	st := newTestStore(t)
	f := &Firehose{Store: st}

	id := "at://did:plc:alice/app.bsky.graph.follow/abc"
	raw, err := f.synthesizeDelete("did:plc:alice", "app.bsky.graph.follow/abc", id)
	require.NoError(t, err)

	var as1 map[string]any
	require.NoError(t, json.Unmarshal(raw, &as1))
	assert.Equal(t, "delete", as1["verb"])
}
