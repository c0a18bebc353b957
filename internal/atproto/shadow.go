package atproto

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fedbridge/bridgehub/internal/convert"
	"github.com/fedbridge/bridgehub/internal/keys"
	"github.com/fedbridge/bridgehub/internal/protocol"
	"github.com/fedbridge/bridgehub/internal/queue"
	"github.com/fedbridge/bridgehub/internal/report"
	"github.com/fedbridge/bridgehub/internal/store"
)

// Record collections the service writes directly.
const (
	collectionProfile  = "app.bsky.actor.profile"
	collectionPost     = "app.bsky.feed.post"
	collectionFollow   = "app.bsky.graph.follow"
	collectionBlock    = "app.bsky.graph.block"
	collectionChatDecl = "chat.bsky.actor.declaration"
	collectionWebMon   = "community.lexicon.payments.webMonetization"
)

// Service owns the shadow repositories for users bridged into ATProto: it
// creates them, writes translated records into them, and tears them down.
type Service struct {
	Store     *store.Store
	Storage   Storage
	Keys      keys.Keystore
	PLC       *PLCClient
	DNS       *DNSManager
	Converter convert.Converter
	IDs       *convert.IDTranslator
	Tasks     *queue.Dispatcher
	Reporter  report.Reporter

	// HandleDomain is the suffix under which bridged handles live, eg
	// "ap.brid.gy"; shadow handles are <native-handle-as-domain>.<HandleDomain>.
	HandleDomain string
	// PDSURL is the endpoint shadow DID docs advertise as their PDS.
	PDSURL string

	// Side-path services: moderation reports and chat DMs.
	ModService     *XRPCClient
	ModServiceDID  string
	ChatService    *XRPCClient
	ChatServiceDID string
}

// keyName is the keystore name for user's atproto keys. Generation zero is
// the bare user key, matching keys derived before generations existed.
func keyName(user *store.User) string {
	if user.KeyGeneration == 0 {
		return user.Key()
	}
	return fmt.Sprintf("%s gen%d", user.Key(), user.KeyGeneration)
}

// HandleFor computes the shadow handle for a bridged user.
func (s *Service) HandleFor(user *store.User) string {
	h := strings.ToLower(user.Handle)
	h = strings.TrimPrefix(h, "@")
	h = strings.ReplaceAll(h, "@", ".")
	h = strings.ReplaceAll(h, "_", "-")
	return h + "." + s.HandleDomain
}

// ─── CreateFor ────────────────────────────────────────────────────────────────

// CreateFor ensures user has an active shadow repo, idempotently. An existing
// active shadow is a no-op; a deactivated one is reactivated; a tombstoned
// one is abandoned and a fresh DID minted, since tombstoned DIDs are
// non-revivable. user.Copies is only touched after every external step has
// succeeded.
func (s *Service) CreateFor(ctx context.Context, user *store.User) error {
	if user.Protocol == protocol.ATProto {
		return fmt.Errorf("createFor: %s is already native to atproto", user.Key())
	}

	if copy, ok := user.Copy(protocol.ATProto); ok {
		repo, err := s.Storage.LoadRepo(ctx, copy.URI)
		if err != nil {
			return err
		}
		if repo != nil {
			switch repo.Status {
			case RepoActive:
				return nil
			case RepoDeactivated:
				return s.reactivate(ctx, user, repo)
			case RepoTombstoned:
				slog.Info("shadow repo tombstoned, minting fresh did",
					"user", user.Key(), "oldDid", repo.DID)
				user.Copies = withoutCopy(user.Copies, protocol.ATProto)
				// Fresh keys, or the content-addressed genesis op would
				// re-derive the tombstoned DID.
				user.KeyGeneration++
			}
		}
	}

	handle := s.HandleFor(user)
	signing, err := s.Keys.Key(keyName(user), keys.KindSigning)
	if err != nil {
		return err
	}
	rotation, err := s.Keys.Key(keyName(user), keys.KindRotation)
	if err != nil {
		return err
	}

	did, err := s.PLC.CreateDID(ctx, handle, s.PDSURL, signing, rotation)
	if err != nil {
		return fmt.Errorf("createFor %s: %w", user.Key(), err)
	}
	slog.Info("created shadow did", "user", user.Key(), "did", did, "handle", handle)

	if _, raw, err := s.PLC.Resolve(ctx, did); err != nil {
		return err
	} else if raw != nil {
		doc := &store.Object{ID: did, SourceProtocol: protocol.ATProto, Raw: raw}
		if err := s.Store.PutObject(doc); err != nil {
			return err
		}
	}

	if err := s.DNS.SetDNS(handle, did); err != nil {
		return err
	}

	if _, err := s.Storage.CreateRepo(ctx, did, handle, signing); err != nil {
		return err
	}

	// Initial writes go in two phases: the profile conversion may need to
	// read the pinned post committed in phase one.
	phase1 := []Write{{
		Action:     WriteCreate,
		Collection: collectionChatDecl,
		RKey:       "self",
		Record: map[string]any{
			"$type":         collectionChatDecl,
			"allowIncoming": "none",
		},
	}}
	pinnedURI, pinnedWrite, err := s.pinnedPostWrite(ctx, user, did)
	if err != nil {
		return err
	}
	if pinnedWrite != nil {
		phase1 = append(phase1, *pinnedWrite)
	}
	if err := s.commit(ctx, did, phase1); err != nil {
		return err
	}

	phase2, err := s.profileWrites(ctx, user, pinnedURI)
	if err != nil {
		return err
	}
	if len(phase2) > 0 {
		if err := s.commit(ctx, did, phase2); err != nil {
			return err
		}
	}

	user.AddCopy(store.Target{URI: did, Protocol: protocol.ATProto})
	return s.Store.PutUser(user)
}

// reactivate brings a deactivated shadow back: the user re-enabled bridging.
func (s *Service) reactivate(ctx context.Context, user *store.User, repo *Repo) error {
	if err := s.Storage.Activate(ctx, repo.DID); err != nil {
		return err
	}
	if err := s.Storage.WriteEvent(ctx, repo.DID, "account", true); err != nil {
		return err
	}
	if err := s.DNS.SetDNS(s.HandleFor(user), repo.DID); err != nil {
		return err
	}
	slog.Info("reactivated shadow repo", "user", user.Key(), "did", repo.DID)
	return nil
}

// pinnedPostWrite converts the user's pinned post, if their profile declares
// one, into a phase-one record write. Returns the minted at:// uri.
func (s *Service) pinnedPostWrite(ctx context.Context, user *store.User, did string) (string, *Write, error) {
	if user.ObjID == "" {
		return "", nil, nil
	}
	profile, err := s.Store.GetObject(user.ObjID)
	if err != nil || profile == nil {
		return "", nil, err
	}
	as1 := profile.AS1Map()
	if as1 == nil {
		return "", nil, nil
	}
	pinnedID, _ := as1["pinnedPost"].(string)
	if pinnedID == "" {
		return "", nil, nil
	}

	pinned, err := s.Store.GetObject(pinnedID)
	if err != nil || pinned == nil {
		return "", nil, err
	}
	record, err := s.Converter.Convert(ctx, protocol.ATProto, pinned,
		convert.Opts{FetchBlobs: true, FromUser: user})
	if err != nil || record == nil {
		return "", nil, err
	}

	rkey := NewTID(time.Now())
	uri := fmt.Sprintf("at://%s/%s/%s", did, collectionPost, rkey)
	pinned.AddCopy(store.Target{URI: uri, Protocol: protocol.ATProto})
	if err := s.Store.PutObject(pinned); err != nil {
		return "", nil, err
	}
	return uri, &Write{
		Action:     WriteCreate,
		Collection: collectionPost,
		RKey:       rkey,
		Record:     record,
	}, nil
}

// profileWrites builds the phase-two writes: the profile record plus any
// derived records it implies.
func (s *Service) profileWrites(ctx context.Context, user *store.User, pinnedURI string) ([]Write, error) {
	if user.ObjID == "" {
		return nil, nil
	}
	profile, err := s.Store.GetObject(user.ObjID)
	if err != nil || profile == nil {
		return nil, err
	}
	record, err := s.Converter.Convert(ctx, protocol.ATProto, profile,
		convert.Opts{FetchBlobs: true, FromUser: user})
	if err != nil || record == nil {
		return nil, err
	}
	if pinnedURI != "" {
		record["pinnedPost"] = map[string]any{"uri": pinnedURI}
	}

	writes := []Write{{
		Action:     WriteCreate,
		Collection: collectionProfile,
		RKey:       "self",
		Record:     record,
	}}
	writes = append(writes, derivedWrites(profile.AS1Map())...)
	return writes, nil
}

// derivedWrites maps auxiliary profile fields onto their own records, bundled
// into the same commit as the profile.
func derivedWrites(as1 map[string]any) []Write {
	if as1 == nil {
		return nil
	}
	pointer, _ := as1["monetization"].(string)
	if pointer == "" {
		return nil
	}
	return []Write{{
		Action:     WriteCreate,
		Collection: collectionWebMon,
		RKey:       "self",
		Record: map[string]any{
			"$type":          collectionWebMon,
			"paymentPointer": pointer,
		},
	}}
}

// ─── Send ─────────────────────────────────────────────────────────────────────

// Send routes one activity into fromUser's shadow repo (or a side-path RPC)
// and reports success. All lower-layer failures collapse to false: state
// conflicts and inactive repos are not retryable, and transient errors are
// retried at the task layer by the caller re-enqueueing.
func (s *Service) Send(ctx context.Context, obj *store.Object, fromUser *store.User, origObjID string) bool {
	copy, ok := fromUser.Copy(protocol.ATProto)
	if !ok {
		slog.Info("send: user has no atproto shadow", "user", fromUser.Key())
		return false
	}
	did := copy.URI

	as1 := obj.AS1Map()
	if as1 == nil {
		slog.Info("send: object has no canonical form", "id", obj.ID)
		return false
	}
	verb := convert.Verb(as1)
	inner := convert.Inner(as1)

	// DMs never touch the repo.
	if to := convert.RecipientIfDM(as1); to != "" {
		return s.sendDM(ctx, did, fromUser, as1, to)
	}

	switch verb {
	case "flag":
		return s.sendFlag(ctx, did, fromUser, inner)

	case "delete", "undo":
		if inner == nil {
			slog.Info("send: bare delete with no object", "id", obj.ID)
			return false
		}
		innerID := convert.ID(inner)
		// Deleting the actor means tearing the whole shadow down.
		if innerID == fromUser.ID || innerID == did {
			return s.deactivateFor(ctx, fromUser, did)
		}
		if verb == "undo" && convert.Type(inner) == "block" && convert.ID(inner) == "" {
			return s.undoBlocksFor(ctx, did, inner)
		}
		return s.deleteRecord(ctx, did, innerID, origObjID)

	case "stop-following":
		return s.stopFollowing(ctx, did, fromUser, inner)
	}

	// Everything else is a record write: convert and commit.
	baseObj, err := s.baseObject(obj, as1, origObjID)
	if err != nil {
		s.Reporter.Error("send: base object load failed", err, "id", obj.ID)
		return false
	}

	record, err := s.Converter.Convert(ctx, protocol.ATProto, baseObj,
		convert.Opts{FetchBlobs: true, FromUser: fromUser})
	if err != nil {
		s.Reporter.Error("send: conversion failed", err, "id", baseObj.ID)
		return false
	}
	if record == nil {
		slog.Info("send: not representable in atproto", "id", baseObj.ID)
		return false
	}
	collection, _ := record["$type"].(string)
	if collection == "" {
		slog.Info("send: converted record has no $type", "id", baseObj.ID)
		return false
	}

	if verb == "update" {
		return s.updateRecord(ctx, did, collection, record, baseObj)
	}

	rkey := "self"
	if collection != collectionProfile {
		rkey = NewTID(time.Now())
	}
	writes := []Write{{Action: WriteCreate, Collection: collection, RKey: rkey, Record: record}}
	if collection == collectionProfile {
		writes[0].Action = WriteUpdate // profile/self may already exist
		writes = append(writes, derivedWrites(baseObj.AS1Map())...)
	}

	if err := s.commit(ctx, did, writes); err != nil {
		if errors.Is(err, ErrInactiveRepo) {
			slog.Info("send: repo inactive", "did", did)
		} else {
			s.Reporter.Error("send: commit failed", err, "did", did, "id", baseObj.ID)
		}
		return false
	}

	uri := fmt.Sprintf("at://%s/%s/%s", did, collection, rkey)
	baseObj.AddCopy(store.Target{URI: uri, Protocol: protocol.ATProto})
	if err := s.Store.PutObject(baseObj); err != nil {
		s.Reporter.Error("send: copy update failed", err, "id", baseObj.ID)
		return false
	}

	if collection == collectionFollow {
		s.recordFollow(fromUser, inner, baseObj.ID)
	}
	slog.Info("sent to atproto", "uri", uri, "verb", verb, "user", fromUser.Key())
	return true
}

// baseObject strips one CRUD layer to reach the noun being written.
func (s *Service) baseObject(obj *store.Object, as1 map[string]any, origObjID string) (*store.Object, error) {
	if !convert.IsCRUDVerb(convert.Verb(as1)) {
		return obj, nil
	}
	id := origObjID
	inner := convert.Inner(as1)
	if id == "" && inner != nil {
		id = convert.ID(inner)
	}
	if id == "" || id == obj.ID {
		return obj, nil
	}

	base, err := s.Store.GetObject(id)
	if err != nil {
		return nil, err
	}
	if base == nil {
		raw, err := json.Marshal(inner)
		if err != nil {
			return nil, err
		}
		base = &store.Object{
			ID:             id,
			SourceProtocol: obj.SourceProtocol,
			AS1:            raw,
			Type:           convert.Type(inner),
		}
		if err := s.Store.PutObject(base); err != nil {
			return nil, err
		}
	}
	return base, nil
}

// deactivateFor handles a delete of the actor: deactivate the repo, drop the
// DNS attestation, emit the account event. The copy stays on the user so a
// later re-bridge takes the reactivate branch.
func (s *Service) deactivateFor(ctx context.Context, user *store.User, did string) bool {
	if err := s.Storage.Deactivate(ctx, did); err != nil {
		s.Reporter.Error("deactivate failed", err, "did", did)
		return false
	}
	if err := s.Storage.WriteEvent(ctx, did, "account", false); err != nil {
		s.Reporter.Error("account event failed", err, "did", did)
		return false
	}
	if err := s.DNS.RemoveDNS(s.HandleFor(user)); err != nil {
		s.Reporter.Error("dns removal failed", err, "did", did)
		return false
	}
	slog.Info("deactivated shadow repo", "user", user.Key(), "did", did)
	return true
}

// deleteRecord deletes the shadow copy of one record. Refuses when no copy
// exists or the copy lives in a different repo.
func (s *Service) deleteRecord(ctx context.Context, did, innerID, origObjID string) bool {
	id := origObjID
	if id == "" {
		id = innerID
	}
	base, err := s.Store.GetObject(id)
	if err != nil {
		s.Reporter.Error("delete: object load failed", err, "id", id)
		return false
	}

	var uri string
	if base != nil {
		if copy, ok := base.Copy(protocol.ATProto); ok {
			uri = copy.URI
		}
	}
	if uri == "" && strings.HasPrefix(innerID, "at://") {
		uri = innerID
	}
	if uri == "" {
		slog.Info("delete: no atproto copy", "id", id)
		return false
	}

	repo, collection, rkey, ok := splitATURI(uri)
	if !ok || repo != did {
		slog.Info("delete: copy in wrong repo", "uri", uri, "did", did)
		return false
	}

	err = s.commit(ctx, did, []Write{{Action: WriteDelete, Collection: collection, RKey: rkey}})
	if err != nil {
		if errors.Is(err, ErrInactiveRepo) {
			return false
		}
		s.Reporter.Error("delete: commit failed", err, "uri", uri)
		return false
	}
	slog.Info("deleted from atproto", "uri", uri)
	return true
}

// updateRecord rewrites a record in place at its existing copy uri.
func (s *Service) updateRecord(ctx context.Context, did, collection string,
	record map[string]any, baseObj *store.Object) bool {

	copy, ok := baseObj.Copy(protocol.ATProto)
	if !ok {
		slog.Info("update: no prior copy", "id", baseObj.ID)
		return false
	}
	repo, copyCollection, rkey, okURI := splitATURI(copy.URI)
	if !okURI || repo != did || copyCollection != collection {
		slog.Info("update: copy in wrong repo or collection", "uri", copy.URI, "did", did)
		return false
	}

	err := s.commit(ctx, did, []Write{{
		Action: WriteUpdate, Collection: collection, RKey: rkey, Record: record,
	}})
	if err != nil {
		if !errors.Is(err, ErrInactiveRepo) {
			s.Reporter.Error("update: commit failed", err, "uri", copy.URI)
		}
		return false
	}
	slog.Info("updated in atproto", "uri", copy.URI)
	return true
}

// undoBlocksFor handles an undo of a block that carries no activity id: list
// the repo's block records and delete every one whose subject matches, in a
// single commit.
func (s *Service) undoBlocksFor(ctx context.Context, did string, inner map[string]any) bool {
	target := convert.ID(convert.Inner(inner))
	if target == "" {
		if t, ok := inner["object"].(string); ok {
			target = t
		}
	}
	subject, err := s.IDs.TranslateUserID(target, convert.SourceProtocolFor(target), protocol.ATProto)
	if err != nil {
		s.Reporter.Error("undo block: translate failed", err, "target", target)
		return false
	}
	if subject == "" {
		subject = target
	}

	records, err := s.Storage.ListRecords(ctx, did, collectionBlock)
	if err != nil {
		s.Reporter.Error("undo block: list failed", err, "did", did)
		return false
	}
	var writes []Write
	for rkey, record := range records {
		if record["subject"] == subject {
			writes = append(writes, Write{Action: WriteDelete, Collection: collectionBlock, RKey: rkey})
		}
	}
	if len(writes) == 0 {
		slog.Info("undo block: no matching records", "did", did, "subject", subject)
		return false
	}
	if err := s.commit(ctx, did, writes); err != nil {
		s.Reporter.Error("undo block: commit failed", err, "did", did)
		return false
	}
	slog.Info("undid blocks", "did", did, "subject", subject, "count", len(writes))
	return true
}

// stopFollowing deletes the prior follow record, found through the Follower
// index.
func (s *Service) stopFollowing(ctx context.Context, did string, fromUser *store.User, inner map[string]any) bool {
	followeeID := convert.ID(inner)
	if followeeID == "" {
		return false
	}
	toKey, err := s.userKeyFor(followeeID)
	if err != nil || toKey == "" {
		slog.Info("stop-following: unknown followee", "id", followeeID)
		return false
	}

	f, err := s.Store.GetFollower(fromUser.Key(), toKey)
	if err != nil || f == nil || f.FollowID == "" {
		slog.Info("stop-following: no prior follow", "from", fromUser.Key(), "to", toKey)
		return false
	}
	if !s.deleteRecord(ctx, did, f.FollowID, f.FollowID) {
		return false
	}
	f.Status = "inactive"
	if err := s.Store.PutFollower(f); err != nil {
		s.Reporter.Error("stop-following: follower update failed", err)
	}
	return true
}

// sendFlag files a moderation report instead of writing to the repo.
func (s *Service) sendFlag(ctx context.Context, did string, fromUser *store.User, inner map[string]any) bool {
	if s.ModService == nil {
		return false
	}
	subject := convert.ID(inner)
	subjectDID, err := s.IDs.TranslateUserID(subject, convert.SourceProtocolFor(subject), protocol.ATProto)
	if err != nil || subjectDID == "" {
		subjectDID = subject
	}
	signing, err := s.Keys.Key(keyName(fromUser), keys.KindSigning)
	if err != nil {
		s.Reporter.Error("flag: key load failed", err)
		return false
	}
	reason, _ := inner["content"].(string)
	if err := s.ModService.CreateReport(ctx, did, s.ModServiceDID, signing,
		"com.atproto.moderation.defs#reasonOther", reason, subjectDID); err != nil {
		s.Reporter.Error("flag: createReport failed", err, "subject", subjectDID)
		return false
	}
	return true
}

// sendDM delivers a direct message through the chat service.
func (s *Service) sendDM(ctx context.Context, did string, fromUser *store.User,
	as1 map[string]any, to string) bool {

	if s.ChatService == nil {
		return false
	}
	toDID, err := s.IDs.TranslateUserID(to, convert.SourceProtocolFor(to), protocol.ATProto)
	if err != nil || toDID == "" {
		toDID = to
	}
	obj := as1
	if inner := convert.Inner(as1); inner != nil && convert.IsCRUDVerb(convert.Verb(as1)) {
		obj = inner
	}
	text, _ := obj["content"].(string)

	signing, err := s.Keys.Key(keyName(fromUser), keys.KindSigning)
	if err != nil {
		s.Reporter.Error("dm: key load failed", err)
		return false
	}
	if err := s.ChatService.SendChatMessage(ctx, did, s.ChatServiceDID, signing, toDID, text); err != nil {
		s.Reporter.Error("dm: send failed", err, "to", toDID)
		return false
	}
	return true
}

// recordFollow remembers the follow edge so a later delete of the follow
// record can be resolved to stop-following.
func (s *Service) recordFollow(fromUser *store.User, inner map[string]any, followID string) {
	followeeID := convert.ID(convert.Inner(inner))
	if followeeID == "" {
		if t, ok := inner["object"].(string); ok {
			followeeID = t
		}
	}
	toKey, err := s.userKeyFor(followeeID)
	if err != nil || toKey == "" {
		return
	}
	f := &store.Follower{From: fromUser.Key(), To: toKey, FollowID: followID}
	if err := s.Store.PutFollower(f); err != nil {
		s.Reporter.Error("follow: follower record failed", err)
	}
}

// userKeyFor resolves an id (native or shadow copy) to a user key.
func (s *Service) userKeyFor(id string) (string, error) {
	if user, err := s.Store.GetUserByCopy(id); err != nil {
		return "", err
	} else if user != nil {
		return user.Key(), nil
	}
	proto := convert.SourceProtocolFor(id)
	if proto == "" {
		return "", nil
	}
	if user, err := s.Store.GetUser(proto, id); err != nil {
		return "", err
	} else if user != nil {
		return user.Key(), nil
	}
	// Not stored yet; still usable as a key for the follower index.
	return proto + " " + id, nil
}

// commit applies writes and enqueues the relay-broadcast notification task.
func (s *Service) commit(ctx context.Context, did string, writes []Write) error {
	if err := s.Storage.Commit(ctx, did, writes); err != nil {
		return err
	}
	if s.Tasks != nil {
		s.Tasks.CreateTask(ctx, &queue.Task{Queue: "atproto-commit", ID: did}, 0)
	}
	return nil
}

// splitATURI parses at://did/collection/rkey.
func splitATURI(uri string) (did, collection, rkey string, ok bool) {
	rest, found := strings.CutPrefix(uri, "at://")
	if !found {
		return "", "", "", false
	}
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

func withoutCopy(copies []store.Target, proto string) []store.Target {
	out := copies[:0]
	for _, c := range copies {
		if c.Protocol != proto {
			out = append(out, c)
		}
	}
	return out
}

// ─── SetUsername and MigrateIn ────────────────────────────────────────────────

// SetUsername points the shadow identity at a custom handle the user owns.
// The domain must already resolve to the shadow DID (DNS TXT or well-known)
// before we commit to it.
func (s *Service) SetUsername(ctx context.Context, user *store.User, newHandle string, ident *Identity) error {
	copy, ok := user.Copy(protocol.ATProto)
	if !ok {
		return fmt.Errorf("setUsername: %s has no atproto shadow", user.Key())
	}
	did := copy.URI

	resolved, err := ident.HandleToID(ctx, newHandle, false)
	if err != nil {
		return err
	}
	if resolved != did {
		return fmt.Errorf("setUsername: %s resolves to %q, want %s", newHandle, resolved, did)
	}

	rotation, err := s.Keys.Key(keyName(user), keys.KindRotation)
	if err != nil {
		return err
	}
	if err := s.PLC.UpdateHandle(ctx, did, newHandle, rotation); err != nil {
		return err
	}
	if err := s.Storage.SetHandle(ctx, did, newHandle); err != nil {
		return err
	}
	if err := s.Storage.WriteEvent(ctx, did, "identity", true); err != nil {
		return err
	}
	slog.Info("set custom handle", "user", user.Key(), "did", did, "handle", newHandle)
	return nil
}

// MigrateIn adopts an externally hosted repo as user's shadow. The repo
// blocks must already be imported into Storage out of band; this rewrites the
// DID to point at the bridge, activates the repo, and deactivates the old
// account. Every step is idempotent so a failed run can be retried.
func (s *Service) MigrateIn(ctx context.Context, user *store.User, fromDID string, oldPDS *XRPCClient) error {
	repo, err := s.Storage.LoadRepo(ctx, fromDID)
	if err != nil {
		return err
	}
	if repo == nil {
		return fmt.Errorf("migrateIn: repo %s not imported", fromDID)
	}

	signing, err := s.Keys.Key(keyName(user), keys.KindSigning)
	if err != nil {
		return err
	}
	rotation, err := s.Keys.Key(keyName(user), keys.KindRotation)
	if err != nil {
		return err
	}

	last, err := s.PLC.LastOp(ctx, fromDID)
	if err != nil {
		return err
	}
	prev, err := CIDForOp(last)
	if err != nil {
		return err
	}

	op := *last
	op.Prev = &prev
	op.RotationKeys = []string{DIDKey(rotation.PubKey())}
	op.VerificationMethods = map[string]string{"atproto": DIDKey(signing.PubKey())}
	op.Services = map[string]PLCService{
		"atproto_pds": {Type: "AtprotoPersonalDataServer", Endpoint: s.PDSURL},
	}
	handle := s.HandleFor(user)
	found := false
	for _, aka := range op.AlsoKnownAs {
		if aka == "at://"+handle {
			found = true
		}
	}
	if !found {
		op.AlsoKnownAs = append(op.AlsoKnownAs, "at://"+handle)
	}

	// The old PDS still holds the rotation keys, so it signs the handover op.
	var signed PLCOp
	if err := oldPDS.Procedure(ctx, "com.atproto.identity.signPlcOperation", "",
		map[string]any{"operation": op}, &signed); err != nil {
		return fmt.Errorf("migrateIn: sign op on old pds: %w", err)
	}
	if err := s.PLC.Submit(ctx, fromDID, &signed); err != nil {
		return err
	}

	if err := s.Storage.Activate(ctx, fromDID); err != nil {
		return err
	}
	if err := s.Storage.WriteEvent(ctx, fromDID, "account", true); err != nil {
		return err
	}
	if err := oldPDS.DeactivateAccount(ctx, fromDID, "", signing); err != nil {
		slog.Warn("migrateIn: old pds deactivate failed", "did", fromDID, "error", err)
	}

	user.AddCopy(store.Target{URI: fromDID, Protocol: protocol.ATProto})
	if err := s.Store.PutUser(user); err != nil {
		return err
	}
	slog.Info("migrated repo in", "user", user.Key(), "did", fromDID)
	return nil
}
