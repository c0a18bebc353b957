// Package router drains the durable receive queue: it persists incoming
// events as Objects, resolves the authoring user, and fans the activity out
// to the send engine of every protocol the user bridges into.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"

	"github.com/fedbridge/bridgehub/internal/convert"
	"github.com/fedbridge/bridgehub/internal/protocol"
	"github.com/fedbridge/bridgehub/internal/queue"
	"github.com/fedbridge/bridgehub/internal/report"
	"github.com/fedbridge/bridgehub/internal/store"
)

// Engine is one protocol's send side: shadow provisioning plus the
// boolean-returning send path.
type Engine interface {
	CreateFor(ctx context.Context, user *store.User) error
	Send(ctx context.Context, obj *store.Object, fromUser *store.User, origObjID string) bool
}

// Router handles receive tasks.
type Router struct {
	Store     *store.Store
	Converter convert.Converter
	Reporter  report.Reporter
	Block     *protocol.Blocklist

	// Engines maps destination protocol labels to their send engines.
	Engines map[string]Engine

	// OnNewUser runs once per newly discovered user, before fan-out. Source
	// protocols hook their profile checks here (eg NIP-05 verification);
	// errors only log, the user row stays.
	OnNewUser func(ctx context.Context, user *store.User) error

	// ProtocolBots maps bot account ids to the protocol a follow of that bot
	// opts the follower into.
	ProtocolBots map[string]string
}

// Receive is the queue.Handler for the receive queue. Errors returned here
// requeue the task; unprocessable events return nil after logging.
func (r *Router) Receive(ctx context.Context, task *queue.Task) error {
	if task.AuthedAs == "" {
		slog.Info("receive: no authed identity, dropping", "id", task.ID)
		return nil
	}
	if r.Block.Blocked(task.AuthedAs) {
		return nil
	}

	obj, err := r.storeObject(ctx, task)
	if err != nil {
		return err
	}
	if obj == nil {
		return nil
	}

	user, err := r.resolveUser(ctx, task.SourceProtocol, task.AuthedAs)
	if err != nil {
		return err
	}
	if user == nil || user.Status != "" {
		slog.Debug("receive: user not bridgeable", "authedAs", task.AuthedAs)
		return nil
	}

	as1 := obj.AS1Map()
	verb := convert.Type(as1)

	// Actor updates refresh the cached profile reference before fan-out so
	// conversions see the new profile.
	if convert.IsActorType(verb) || (verb == "update" && convert.IsActorType(convert.Type(convert.Inner(as1)))) {
		user.ObjID = obj.ID
		if err := r.Store.PutUser(user); err != nil {
			return err
		}
	}

	if verb == "follow" {
		r.recordFollow(user, as1, obj.ID)
		if err := r.maybeOptIn(user, as1); err != nil {
			return err
		}
	}

	for _, dest := range user.EnabledProtocols {
		if dest == user.Protocol {
			continue
		}
		engine, ok := r.Engines[dest]
		if !ok {
			continue
		}
		info, ok := protocol.ByLabel(dest)
		if !ok || !info.SupportsVerb(convert.CapabilityVerb(as1)) {
			slog.Debug("receive: verb unsupported by destination",
				"verb", verb, "dest", dest, "id", obj.ID)
			continue
		}

		if _, has := user.Copy(dest); !has {
			if err := engine.CreateFor(ctx, user); err != nil {
				r.Reporter.Error("receive: shadow creation failed", err,
					"user", user.Key(), "dest", dest)
				continue
			}
		}

		if sent := engine.Send(ctx, obj, user, ""); !sent {
			slog.Info("receive: send declined", "id", obj.ID, "dest", dest, "user", user.Key())
		}
	}
	return nil
}

// storeObject persists the task's payload as an Object with its canonical
// form computed. Returns nil for payloads the converter can't canonicalize.
func (r *Router) storeObject(ctx context.Context, task *queue.Task) (*store.Object, error) {
	obj := &store.Object{
		ID:             task.ID,
		SourceProtocol: task.SourceProtocol,
	}
	switch {
	case len(task.AS1) > 0:
		obj.AS1 = task.AS1
	case len(task.Bsky) > 0:
		obj.Bsky = task.Bsky
	case len(task.Nostr) > 0:
		obj.Nostr = task.Nostr
	default:
		return nil, fmt.Errorf("receive %s: empty payload", task.ID)
	}

	if len(obj.AS1) == 0 {
		as1, err := r.Converter.ToAS1(ctx, obj)
		if err != nil {
			r.Reporter.Error("receive: canonicalization failed", err, "id", task.ID)
			return nil, nil
		}
		if as1 == nil {
			slog.Info("receive: payload not canonicalizable", "id", task.ID)
			return nil, nil
		}
		raw, err := json.Marshal(as1)
		if err != nil {
			return nil, err
		}
		obj.AS1 = raw
	}
	obj.Type = convert.Type(obj.AS1Map())

	// Redelivery is routine: firehose cursor replay and at-least-once queue
	// delivery both re-present events. An unchanged re-receive stops here;
	// a changed one keeps the copies recorded by earlier sends.
	prior, err := r.Store.GetObject(obj.ID)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		if jsonEqual(prior.AS1, obj.AS1) {
			slog.Debug("receive: already seen, unchanged", "id", obj.ID)
			return nil, nil
		}
		obj.Copies = prior.Copies
	}

	if err := r.Store.PutObject(obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// jsonEqual compares two JSON documents structurally.
func jsonEqual(a, b json.RawMessage) bool {
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return false
	}
	return reflect.DeepEqual(av, bv)
}

// resolveUser loads the authoring user, creating a row with the protocol's
// default enabled set on first sight.
func (r *Router) resolveUser(ctx context.Context, proto, id string) (*store.User, error) {
	user, err := r.Store.GetUser(proto, id)
	if err != nil {
		return nil, err
	}
	if user != nil {
		return user, nil
	}

	info, ok := protocol.ByLabel(proto)
	if !ok {
		return nil, fmt.Errorf("unknown protocol %q", proto)
	}
	user = &store.User{
		Protocol:         proto,
		ID:               id,
		EnabledProtocols: append([]string{}, info.DefaultEnabledProtocols...),
	}
	if err := r.Store.PutUser(user); err != nil {
		return nil, err
	}
	slog.Info("discovered user", "user", user.Key(), "enabled", user.EnabledProtocols)

	if r.OnNewUser != nil {
		if err := r.OnNewUser(ctx, user); err != nil {
			r.Reporter.Error("new-user hook failed", err, "user", user.Key())
		}
	}
	return user, nil
}

// maybeOptIn enables a destination protocol when the followee is one of the
// bridge's bot accounts. Following the bot is the opt-in gesture.
func (r *Router) maybeOptIn(user *store.User, as1 map[string]any) error {
	followee := convert.ID(convert.Inner(as1))
	dest, ok := r.ProtocolBots[followee]
	if !ok || dest == user.Protocol || user.Enabled(dest) {
		return nil
	}
	user.EnabledProtocols = append(user.EnabledProtocols, dest)
	if err := r.Store.PutUser(user); err != nil {
		return err
	}
	slog.Info("user opted in via bot follow", "user", user.Key(), "protocol", dest)
	return nil
}

// recordFollow stores the follow edge so later deletes resolve to
// stop-following.
func (r *Router) recordFollow(user *store.User, as1 map[string]any, followID string) {
	followee := convert.ID(convert.Inner(as1))
	if followee == "" {
		return
	}
	toProto := convert.SourceProtocolFor(followee)
	if toProto == "" {
		return
	}
	f := &store.Follower{
		From:     user.Key(),
		To:       toProto + " " + followee,
		FollowID: followID,
	}
	if err := r.Store.PutFollower(f); err != nil {
		r.Reporter.Error("follower record failed", err, "from", f.From, "to", f.To)
	}
}
