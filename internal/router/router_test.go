package router

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedbridge/bridgehub/internal/convert"
	"github.com/fedbridge/bridgehub/internal/protocol"
	"github.com/fedbridge/bridgehub/internal/queue"
	"github.com/fedbridge/bridgehub/internal/report"
	"github.com/fedbridge/bridgehub/internal/store"
)

type fakeEngine struct {
	mu      sync.Mutex
	created []string
	sent    []string
	// copyURI is added to the user on CreateFor, mimicking provisioning.
	copyURI string
	proto   string
	store   *store.Store
}

func (e *fakeEngine) CreateFor(ctx context.Context, user *store.User) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.created = append(e.created, user.Key())
	user.AddCopy(store.Target{URI: e.copyURI, Protocol: e.proto})
	return e.store.PutUser(user)
}

func (e *fakeEngine) Send(ctx context.Context, obj *store.Object, fromUser *store.User, origObjID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sent = append(e.sent, obj.ID)
	return true
}

func newTestRouter(t *testing.T) (*Router, *store.Store, *fakeEngine) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate())
	t.Cleanup(func() { st.Close() })

	engine := &fakeEngine{copyURI: "did:plc:shadow", proto: protocol.ATProto, store: st}
	r := &Router{
		Store:     st,
		Converter: &convert.Basic{IDs: &convert.IDTranslator{Store: st}},
		Reporter:  &report.Recorder{},
		Block:     protocol.NewBlocklist(nil),
		Engines:   map[string]Engine{protocol.ATProto: engine},
	}
	return r, st, engine
}

func nostrNoteTask(t *testing.T) *queue.Task {
	t.Helper()
	raw, err := json.Marshal(map[string]any{
		"kind": 1, "pubkey": "aa", "content": "gm", "created_at": 1700000000,
	})
	require.NoError(t, err)
	return &queue.Task{
		Queue:          "receive",
		ID:             "nostr:note1gm",
		SourceProtocol: protocol.Nostr,
		AuthedAs:       "nostr:npub1alice",
		Nostr:          raw,
	}
}

func TestReceiveFansOutToEnabledProtocols(t *testing.T) {
	r, st, engine := newTestRouter(t)

	require.NoError(t, r.Receive(context.Background(), nostrNoteTask(t)))

	// Object persisted with its canonical form.
	obj, err := st.GetObject("nostr:note1gm")
	require.NoError(t, err)
	require.NotNil(t, obj)
	assert.Equal(t, "note", obj.Type)
	assert.NotEmpty(t, obj.AS1)

	// First sight of the user: row created with the protocol defaults, shadow
	// provisioned, activity sent.
	user, err := st.GetUser(protocol.Nostr, "nostr:npub1alice")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, []string{protocol.ATProto}, user.EnabledProtocols)

	assert.Equal(t, []string{"nostr nostr:npub1alice"}, engine.created)
	assert.Equal(t, []string{"nostr:note1gm"}, engine.sent)
}

func TestReceiveSkipsCreateForExistingCopy(t *testing.T) {
	r, st, engine := newTestRouter(t)

	user := &store.User{
		Protocol:         protocol.Nostr,
		ID:               "nostr:npub1alice",
		EnabledProtocols: []string{protocol.ATProto},
	}
	user.AddCopy(store.Target{URI: "did:plc:shadow", Protocol: protocol.ATProto})
	require.NoError(t, st.PutUser(user))

	require.NoError(t, r.Receive(context.Background(), nostrNoteTask(t)))

	assert.Empty(t, engine.created)
	assert.Len(t, engine.sent, 1)
}

func TestReceiveDropsUnauthedTasks(t *testing.T) {
	r, st, engine := newTestRouter(t)

	task := nostrNoteTask(t)
	task.AuthedAs = ""
	require.NoError(t, r.Receive(context.Background(), task))

	obj, err := st.GetObject(task.ID)
	require.NoError(t, err)
	assert.Nil(t, obj)
	assert.Empty(t, engine.sent)
}

func TestReceiveDropsNonBridgeableUsers(t *testing.T) {
	r, st, engine := newTestRouter(t)

	require.NoError(t, st.PutUser(&store.User{
		Protocol: protocol.Nostr,
		ID:       "nostr:npub1alice",
		Status:   "no-nip05",
	}))

	require.NoError(t, r.Receive(context.Background(), nostrNoteTask(t)))
	assert.Empty(t, engine.sent)
}

func TestReceiveRecordsFollowEdges(t *testing.T) {
	r, st, engine := newTestRouter(t)

	as1, err := json.Marshal(map[string]any{
		"objectType": "activity",
		"verb":       "follow",
		"id":         "nostr:note1follow",
		"actor":      "nostr:npub1alice",
		"object":     "did:plc:bob",
	})
	require.NoError(t, err)

	task := &queue.Task{
		Queue:          "receive",
		ID:             "nostr:note1follow",
		SourceProtocol: protocol.Nostr,
		AuthedAs:       "nostr:npub1alice",
		AS1:            as1,
	}
	require.NoError(t, r.Receive(context.Background(), task))

	edge, err := st.GetFollower("nostr nostr:npub1alice", "atproto did:plc:bob")
	require.NoError(t, err)
	require.NotNil(t, edge)
	assert.Equal(t, "nostr:note1follow", edge.FollowID)
	assert.Len(t, engine.sent, 1)
}

func TestReceiveUpdatesProfileReference(t *testing.T) {
	r, st, _ := newTestRouter(t)

	as1, err := json.Marshal(map[string]any{
		"objectType":  "person",
		"id":          "nostr:npub1alice",
		"displayName": "Alice",
	})
	require.NoError(t, err)

	task := &queue.Task{
		Queue:          "receive",
		ID:             "nostr:npub1alice",
		SourceProtocol: protocol.Nostr,
		AuthedAs:       "nostr:npub1alice",
		AS1:            as1,
	}
	require.NoError(t, r.Receive(context.Background(), task))

	user, err := st.GetUser(protocol.Nostr, "nostr:npub1alice")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.Equal(t, "nostr:npub1alice", user.ObjID)
}

func TestReceiveBotFollowOptsIn(t *testing.T) {
	r, st, _ := newTestRouter(t)
	r.Engines = map[string]Engine{} // no fan-out needed here
	r.ProtocolBots = map[string]string{"did:plc:bot": protocol.Nostr}

	as1, err := json.Marshal(map[string]any{
		"objectType": "activity",
		"verb":       "follow",
		"id":         "at://did:plc:alice/app.bsky.graph.follow/3k",
		"actor":      "did:plc:alice",
		"object":     "did:plc:bot",
	})
	require.NoError(t, err)

	task := &queue.Task{
		Queue:          "receive",
		ID:             "at://did:plc:alice/app.bsky.graph.follow/3k",
		SourceProtocol: protocol.ATProto,
		AuthedAs:       "did:plc:alice",
		AS1:            as1,
	}
	require.NoError(t, r.Receive(context.Background(), task))

	user, err := st.GetUser(protocol.ATProto, "did:plc:alice")
	require.NoError(t, err)
	require.NotNil(t, user)
	assert.True(t, user.Enabled(protocol.Nostr))

	// A second follow does not duplicate the entry.
	task.ID += "2"
	require.NoError(t, r.Receive(context.Background(), task))
	user, err = st.GetUser(protocol.ATProto, "did:plc:alice")
	require.NoError(t, err)
	assert.Equal(t, []string{protocol.Nostr}, user.EnabledProtocols)
}

func TestReceiveDropsUnchangedRedelivery(t *testing.T) {
	r, _, engine := newTestRouter(t)

	require.NoError(t, r.Receive(context.Background(), nostrNoteTask(t)))
	// Same event again, as a firehose replay or queue redelivery would
	// present it.
	require.NoError(t, r.Receive(context.Background(), nostrNoteTask(t)))

	assert.Len(t, engine.sent, 1, "unchanged redelivery must not fan out again")
}

func TestReceiveChangedRedeliveryKeepsCopies(t *testing.T) {
	r, st, engine := newTestRouter(t)

	require.NoError(t, r.Receive(context.Background(), nostrNoteTask(t)))

	// The first send recorded a copy on the object.
	obj, err := st.GetObject("nostr:note1gm")
	require.NoError(t, err)
	require.NotNil(t, obj)
	obj.AddCopy(store.Target{URI: "at://did:plc:shadow/app.bsky.feed.post/3k", Protocol: protocol.ATProto})
	require.NoError(t, st.PutObject(obj))

	// An edited version of the same event goes through again and must not
	// lose the recorded copy.
	edited := nostrNoteTask(t)
	raw, err := json.Marshal(map[string]any{
		"kind": 1, "pubkey": "aa", "content": "gm (edited)", "created_at": 1700000000,
	})
	require.NoError(t, err)
	edited.Nostr = raw
	require.NoError(t, r.Receive(context.Background(), edited))

	assert.Len(t, engine.sent, 2)
	obj, err = st.GetObject("nostr:note1gm")
	require.NoError(t, err)
	require.NotNil(t, obj)
	copy, ok := obj.Copy(protocol.ATProto)
	require.True(t, ok, "recorded copy must survive a changed redelivery")
	assert.Equal(t, "at://did:plc:shadow/app.bsky.feed.post/3k", copy.URI)
}

func TestReceiveRunsNewUserHook(t *testing.T) {
	r, _, _ := newTestRouter(t)

	var hooked []string
	r.OnNewUser = func(ctx context.Context, user *store.User) error {
		hooked = append(hooked, user.Key())
		return nil
	}

	require.NoError(t, r.Receive(context.Background(), nostrNoteTask(t)))
	require.NoError(t, r.Receive(context.Background(), nostrNoteTask(t)))

	// Only the first sighting triggers the hook.
	assert.Equal(t, []string{"nostr nostr:npub1alice"}, hooked)
}
