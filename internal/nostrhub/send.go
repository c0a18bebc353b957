package nostrhub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/fedbridge/bridgehub/internal/convert"
	"github.com/fedbridge/bridgehub/internal/keys"
	"github.com/fedbridge/bridgehub/internal/protocol"
	"github.com/fedbridge/bridgehub/internal/report"
	"github.com/fedbridge/bridgehub/internal/store"
)

// Sender signs and publishes shadow events on behalf of users bridged into
// Nostr.
type Sender struct {
	Store     *store.Store
	Keys      keys.Keystore
	Converter convert.Converter
	Reporter  report.Reporter

	// WriteRelays are the default outbound relays for shadow events.
	WriteRelays []string

	pool     *nostr.SimplePool
	poolOnce sync.Once
}

func (s *Sender) getPool() *nostr.SimplePool {
	s.poolOnce.Do(func() {
		s.pool = nostr.NewSimplePool(context.Background())
	})
	return s.pool
}

// CreateFor ensures user has a Nostr shadow identity: a deterministic
// keypair, a published kind-0 profile, and a kind-10002 relay list.
// Idempotent; user.Copies is only updated after both events published.
func (s *Sender) CreateFor(ctx context.Context, user *store.User) error {
	if user.Protocol == protocol.Nostr {
		return fmt.Errorf("createFor: %s is already native to nostr", user.Key())
	}

	pubkey, err := keys.NostrPublicKey(s.Keys, user.Key())
	if err != nil {
		return err
	}
	copyID, err := UserID(pubkey)
	if err != nil {
		return err
	}
	if existing, ok := user.Copy(protocol.Nostr); ok && existing.URI == copyID {
		return nil
	}

	if user.ObjID != "" {
		profile, err := s.Store.GetObject(user.ObjID)
		if err != nil {
			return err
		}
		if profile != nil {
			record, err := s.Converter.Convert(ctx, protocol.Nostr, profile,
				convert.Opts{FetchBlobs: true, FromUser: user})
			if err != nil {
				return err
			}
			if record != nil {
				if _, err := s.signAndPublish(ctx, user, record); err != nil {
					return err
				}
			}
		}
	}

	relayList := map[string]any{
		"kind": nostr.KindRelayListMetadata,
		"tags": relayTags(s.WriteRelays),
	}
	if _, err := s.signAndPublish(ctx, user, relayList); err != nil {
		return err
	}

	user.AddCopy(store.Target{URI: copyID, Protocol: protocol.Nostr})
	if err := s.Store.PutUser(user); err != nil {
		return err
	}
	slog.Info("created nostr shadow", "user", user.Key(), "npub", copyID)
	return nil
}

// Send publishes one activity as a signed shadow event. Every verb is a
// publish: deletes and updates are their own event kinds, so the converter
// owns the kind choice. Reports success as a boolean like the ATProto path.
func (s *Sender) Send(ctx context.Context, obj *store.Object, fromUser *store.User, origObjID string) bool {
	if _, ok := fromUser.Copy(protocol.Nostr); !ok {
		slog.Info("send: user has no nostr shadow", "user", fromUser.Key())
		return false
	}

	as1 := obj.AS1Map()
	if as1 == nil {
		slog.Info("send: object has no canonical form", "id", obj.ID)
		return false
	}
	verb := convert.Verb(as1)

	baseObj, err := s.baseObject(obj, as1, origObjID)
	if err != nil {
		s.Reporter.Error("send: base object load failed", err, "id", obj.ID)
		return false
	}

	// Deletes and undos convert the activity itself (the kind-5 event
	// references the target), not the inner noun.
	toConvert := baseObj
	if verb == "delete" || verb == "undo" {
		toConvert = obj
	}

	record, err := s.Converter.Convert(ctx, protocol.Nostr, toConvert,
		convert.Opts{FetchBlobs: true, FromUser: fromUser})
	if err != nil {
		s.Reporter.Error("send: conversion failed", err, "id", toConvert.ID)
		return false
	}
	if record == nil {
		slog.Info("send: not representable in nostr", "id", toConvert.ID)
		return false
	}

	ev, err := s.signAndPublish(ctx, fromUser, record)
	if err != nil {
		s.Reporter.Error("send: publish failed", err, "id", toConvert.ID)
		return false
	}

	copyID, err := EventID(ev.ID)
	if err != nil {
		return false
	}
	baseObj.AddCopy(store.Target{URI: copyID, Protocol: protocol.Nostr})
	if err := s.Store.PutObject(baseObj); err != nil {
		s.Reporter.Error("send: copy update failed", err, "id", baseObj.ID)
		return false
	}
	slog.Info("sent to nostr", "id", copyID, "kind", ev.Kind, "user", fromUser.Key())
	return true
}

// baseObject strips one CRUD layer, or resolves the prior follow for
// stop-following.
func (s *Sender) baseObject(obj *store.Object, as1 map[string]any, origObjID string) (*store.Object, error) {
	verb := convert.Verb(as1)

	if verb == "stop-following" {
		inner := convert.Inner(as1)
		followee := convert.ID(inner)
		from := convert.SourceProtocolFor(convert.Actor(as1)) + " " + convert.Actor(as1)
		to := convert.SourceProtocolFor(followee) + " " + followee
		if f, err := s.Store.GetFollower(from, to); err == nil && f != nil && f.FollowID != "" {
			if followObj, err := s.Store.GetObject(f.FollowID); err == nil && followObj != nil {
				return followObj, nil
			}
		}
		return obj, nil
	}

	if !convert.IsCRUDVerb(verb) {
		return obj, nil
	}
	id := origObjID
	if inner := convert.Inner(as1); id == "" && inner != nil {
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
		return obj, nil
	}
	return base, nil
}

// signAndPublish builds a nostr event from the converted record, signs it
// with the user's shadow key, and publishes it to the write relays.
func (s *Sender) signAndPublish(ctx context.Context, user *store.User, record map[string]any) (*nostr.Event, error) {
	ev, err := eventFromRecord(record)
	if err != nil {
		return nil, err
	}

	secret, err := s.Keys.NostrSecretKey(user.Key())
	if err != nil {
		return nil, err
	}
	if err := ev.Sign(secret); err != nil {
		return nil, fmt.Errorf("sign event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var published, failed int
	for result := range s.getPool().PublishMany(ctx, s.WriteRelays, *ev) {
		if result.Error != nil {
			slog.Warn("publish failed", "relay", result.RelayURL, "id", ev.ID, "error", result.Error)
			failed++
		} else {
			published++
		}
	}
	if published == 0 && failed > 0 {
		return nil, fmt.Errorf("publish: all %d relays failed", failed)
	}
	return ev, nil
}

// eventFromRecord maps the converter's output onto a nostr.Event.
func eventFromRecord(record map[string]any) (*nostr.Event, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	var partial struct {
		Kind      int        `json:"kind"`
		Content   string     `json:"content"`
		Tags      nostr.Tags `json:"tags"`
		CreatedAt int64      `json:"created_at"`
	}
	if err := json.Unmarshal(raw, &partial); err != nil {
		return nil, fmt.Errorf("bad converted event: %w", err)
	}

	ev := &nostr.Event{
		Kind:    partial.Kind,
		Content: partial.Content,
		Tags:    partial.Tags,
	}
	if partial.CreatedAt > 0 {
		ev.CreatedAt = nostr.Timestamp(partial.CreatedAt)
	} else {
		ev.CreatedAt = nostr.Now()
	}
	if ev.Tags == nil {
		ev.Tags = nostr.Tags{}
	}
	return ev, nil
}

func relayTags(urls []string) [][]string {
	tags := make([][]string, 0, len(urls))
	for _, u := range urls {
		tags = append(tags, []string{"r", u})
	}
	return tags
}
