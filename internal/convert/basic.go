package convert

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/fedbridge/bridgehub/internal/protocol"
	"github.com/fedbridge/bridgehub/internal/store"
)

// Bsky record types the basic converter understands.
const (
	typeProfile = "app.bsky.actor.profile"
	typePost    = "app.bsky.feed.post"
	typeRepost  = "app.bsky.feed.repost"
	typeLike    = "app.bsky.feed.like"
	typeFollow  = "app.bsky.graph.follow"
	typeBlock   = "app.bsky.graph.block"
)

// Nostr event kinds the basic converter understands.
const (
	kindProfile  = 0
	kindNote     = 1
	kindFollows  = 3
	kindDeletion = 5
	kindRepost   = 6
	kindReaction = 7
)

// Basic is the built-in Converter: a direct field-level mapping between the
// canonical AS1 form and the common record kinds of both protocols. It covers
// profiles, posts and replies, reposts, likes, follows, and blocks; richer
// translation (media, facets, quote embeds) belongs to an external Converter
// implementation behind the same interface.
type Basic struct {
	IDs *IDTranslator
}

// ─── native → AS1 ───

// ToAS1 computes the canonical AS1 form of a protocol-native object.
func (b *Basic) ToAS1(ctx context.Context, obj *store.Object) (map[string]any, error) {
	switch obj.SourceProtocol {
	case protocol.ATProto:
		return b.bskyToAS1(obj)
	case protocol.Nostr:
		return b.nostrToAS1(obj)
	}
	return nil, fmt.Errorf("toAS1: unknown source protocol %q", obj.SourceProtocol)
}

func (b *Basic) bskyToAS1(obj *store.Object) (map[string]any, error) {
	var record map[string]any
	if err := json.Unmarshal(obj.Bsky, &record); err != nil {
		return nil, fmt.Errorf("toAS1 %s: %w", obj.ID, err)
	}
	author := didOfATURI(obj.ID)

	switch str(record, "$type") {
	case typeProfile:
		as1 := map[string]any{
			"objectType":  "person",
			"id":          obj.ID,
			"displayName": str(record, "displayName"),
			"summary":     str(record, "description"),
		}
		return as1, nil

	case typePost:
		note := map[string]any{
			"objectType": "note",
			"id":         obj.ID,
			"author":     author,
			"content":    str(record, "text"),
			"published":  str(record, "createdAt"),
		}
		if reply, ok := record["reply"].(map[string]any); ok {
			if parent, ok := reply["parent"].(map[string]any); ok {
				if uri := str(parent, "uri"); uri != "" {
					note["objectType"] = "comment"
					note["inReplyTo"] = []any{map[string]any{"id": uri}}
				}
			}
		}
		return note, nil

	case typeRepost:
		return b.subjectActivity(record, obj.ID, author, "share")
	case typeLike:
		return b.subjectActivity(record, obj.ID, author, "like")

	case typeFollow:
		return map[string]any{
			"objectType": "activity",
			"verb":       "follow",
			"id":         obj.ID,
			"actor":      author,
			"object":     str(record, "subject"),
		}, nil
	case typeBlock:
		return map[string]any{
			"objectType": "activity",
			"verb":       "block",
			"id":         obj.ID,
			"actor":      author,
			"object":     str(record, "subject"),
		}, nil
	}
	return nil, nil
}

// subjectActivity builds a share or like activity from a record with a
// strong-ref subject.
func (b *Basic) subjectActivity(record map[string]any, id, author, verb string) (map[string]any, error) {
	subject, _ := record["subject"].(map[string]any)
	uri := str(subject, "uri")
	if uri == "" {
		return nil, nil
	}
	return map[string]any{
		"objectType": "activity",
		"verb":       verb,
		"id":         id,
		"actor":      author,
		"object":     uri,
	}, nil
}

func (b *Basic) nostrToAS1(obj *store.Object) (map[string]any, error) {
	var ev struct {
		Kind      int        `json:"kind"`
		Pubkey    string     `json:"pubkey"`
		Content   string     `json:"content"`
		Tags      [][]string `json:"tags"`
		CreatedAt int64      `json:"created_at"`
	}
	if err := json.Unmarshal(obj.Nostr, &ev); err != nil {
		return nil, fmt.Errorf("toAS1 %s: %w", obj.ID, err)
	}
	author, err := nostrUserURI(ev.Pubkey)
	if err != nil {
		return nil, fmt.Errorf("toAS1 %s: %w", obj.ID, err)
	}
	published := time.Unix(ev.CreatedAt, 0).UTC().Format(time.RFC3339)

	switch ev.Kind {
	case kindProfile:
		var meta map[string]any
		if err := json.Unmarshal([]byte(ev.Content), &meta); err != nil {
			return nil, fmt.Errorf("toAS1 %s: profile content: %w", obj.ID, err)
		}
		as1 := map[string]any{
			"objectType":  "person",
			"id":          obj.ID,
			"displayName": str(meta, "name"),
			"summary":     str(meta, "about"),
		}
		if pic := str(meta, "picture"); pic != "" {
			as1["image"] = []any{map[string]any{"url": pic}}
		}
		return as1, nil

	case kindNote:
		note := map[string]any{
			"objectType": "note",
			"id":         obj.ID,
			"author":     author,
			"content":    ev.Content,
			"published":  published,
		}
		if parent := lastTagValue(ev.Tags, "e"); parent != "" {
			ref, err := nostrNoteURI(parent)
			if err != nil {
				return nil, fmt.Errorf("toAS1 %s: %w", obj.ID, err)
			}
			note["objectType"] = "comment"
			note["inReplyTo"] = []any{map[string]any{"id": ref}}
		}
		return note, nil

	case kindFollows:
		// The last p tag is the newest edge; earlier ones were seen in prior
		// versions of the list.
		followee := lastTagValue(ev.Tags, "p")
		if followee == "" {
			return nil, nil
		}
		followeeURI, err := nostrUserURI(followee)
		if err != nil {
			return nil, fmt.Errorf("toAS1 %s: %w", obj.ID, err)
		}
		return map[string]any{
			"objectType": "activity",
			"verb":       "follow",
			"id":         obj.ID,
			"actor":      author,
			"object":     followeeURI,
		}, nil

	case kindRepost, kindReaction:
		target := lastTagValue(ev.Tags, "e")
		if target == "" {
			return nil, nil
		}
		targetURI, err := nostrNoteURI(target)
		if err != nil {
			return nil, fmt.Errorf("toAS1 %s: %w", obj.ID, err)
		}
		verb := "share"
		if ev.Kind == kindReaction {
			verb = "like"
		}
		return map[string]any{
			"objectType": "activity",
			"verb":       verb,
			"id":         obj.ID,
			"actor":      author,
			"object":     targetURI,
		}, nil

	case kindDeletion:
		target := lastTagValue(ev.Tags, "e")
		if target == "" {
			return nil, nil
		}
		targetURI, err := nostrNoteURI(target)
		if err != nil {
			return nil, fmt.Errorf("toAS1 %s: %w", obj.ID, err)
		}
		return map[string]any{
			"objectType": "activity",
			"verb":       "delete",
			"id":         obj.ID,
			"actor":      author,
			"object":     targetURI,
		}, nil
	}
	return nil, nil
}

// ─── AS1 → native ───

// Convert renders obj as a record for the destination protocol. A nil record
// with nil error means the object is not representable there.
func (b *Basic) Convert(ctx context.Context, to string, obj *store.Object, opts Opts) (map[string]any, error) {
	as1 := obj.AS1Map()
	if as1 == nil {
		return nil, nil
	}
	switch to {
	case protocol.ATProto:
		return b.toBsky(as1, obj.SourceProtocol)
	case protocol.Nostr:
		return b.toNostr(as1, opts)
	}
	return nil, fmt.Errorf("convert: unknown protocol %q", to)
}

func (b *Basic) toBsky(as1 map[string]any, from string) (map[string]any, error) {
	switch Type(as1) {
	case "person", "organization", "application", "service", "group":
		record := map[string]any{
			"$type":       typeProfile,
			"displayName": str(as1, "displayName"),
			"description": str(as1, "summary"),
		}
		stampProvenance(record, as1, from)
		return record, nil

	case "note", "comment", "article":
		record := map[string]any{
			"$type":     typePost,
			"text":      str(as1, "content"),
			"createdAt": publishedOrNow(as1),
		}
		if parent := inReplyToID(as1); parent != "" {
			uri, err := b.IDs.TranslateObjectID(parent, protocol.ATProto)
			if err != nil {
				return nil, err
			}
			if uri == "" {
				// Replies to unbridged posts have no thread to attach to.
				return nil, nil
			}
			ref := map[string]any{"uri": uri}
			record["reply"] = map[string]any{"parent": ref, "root": ref}
		}
		stampProvenance(record, as1, from)
		return record, nil

	case "share", "like":
		target, err := b.translateTarget(as1, protocol.ATProto)
		if err != nil || target == "" {
			return nil, err
		}
		recordType := typeRepost
		if Type(as1) == "like" {
			recordType = typeLike
		}
		return map[string]any{
			"$type":     recordType,
			"subject":   map[string]any{"uri": target},
			"createdAt": publishedOrNow(as1),
		}, nil

	case "follow", "block":
		followee := ID(Inner(as1))
		if followee == "" {
			return nil, nil
		}
		did, err := b.IDs.TranslateUserID(followee, SourceProtocolFor(followee), protocol.ATProto)
		if err != nil {
			return nil, err
		}
		if did == "" && strings.HasPrefix(followee, "did:") {
			did = followee
		}
		if did == "" {
			return nil, nil
		}
		recordType := typeFollow
		if Type(as1) == "block" {
			recordType = typeBlock
		}
		return map[string]any{
			"$type":     recordType,
			"subject":   did,
			"createdAt": publishedOrNow(as1),
		}, nil
	}
	return nil, nil
}

func (b *Basic) toNostr(as1 map[string]any, opts Opts) (map[string]any, error) {
	switch Type(as1) {
	case "person", "organization", "application", "service", "group":
		meta := map[string]any{
			"name":  str(as1, "displayName"),
			"about": str(as1, "summary"),
		}
		if images, ok := as1["image"].([]any); ok && len(images) > 0 {
			if img, ok := images[0].(map[string]any); ok {
				meta["picture"] = str(img, "url")
			}
		}
		if opts.FromUser != nil && opts.FromUser.Handle != "" {
			meta["nip05"] = opts.FromUser.Handle
		}
		content, err := json.Marshal(meta)
		if err != nil {
			return nil, err
		}
		return map[string]any{"kind": kindProfile, "content": string(content)}, nil

	case "note", "comment", "article":
		record := map[string]any{
			"kind":       kindNote,
			"content":    str(as1, "content"),
			"created_at": publishedUnix(as1),
		}
		if parent := inReplyToID(as1); parent != "" {
			id, err := b.nostrEventID(parent)
			if err != nil {
				return nil, err
			}
			if id == "" {
				return nil, nil
			}
			record["tags"] = []any{[]any{"e", id, "", "reply"}}
		}
		return record, nil

	case "share", "like":
		target, err := b.translateTarget(as1, protocol.Nostr)
		if err != nil || target == "" {
			return nil, err
		}
		id, err := b.nostrEventID(target)
		if err != nil || id == "" {
			return nil, err
		}
		kind, content := kindRepost, ""
		if Type(as1) == "like" {
			kind, content = kindReaction, "+"
		}
		return map[string]any{
			"kind":       kind,
			"content":    content,
			"created_at": publishedUnix(as1),
			"tags":       []any{[]any{"e", id}},
		}, nil

	case "delete":
		target := ID(Inner(as1))
		if target == "" {
			return nil, nil
		}
		uri, err := b.IDs.TranslateObjectID(target, protocol.Nostr)
		if err != nil {
			return nil, err
		}
		id, err := b.nostrEventID(uri)
		if err != nil || id == "" {
			return nil, err
		}
		return map[string]any{
			"kind":       kindDeletion,
			"content":    "",
			"created_at": publishedUnix(as1),
			"tags":       []any{[]any{"e", id}},
		}, nil
	}
	return nil, nil
}

const (
	selfLabelsType    = "com.atproto.label.defs#selfLabels"
	bridgeLabelPrefix = "bridged-from-bridgy-fed-"
)

// stampProvenance marks a bsky-bound record bridged in from another protocol
// with its origin: a self-label naming the source, the original summary, and
// the original url.
func stampProvenance(record, as1 map[string]any, from string) {
	if from == "" || from == protocol.ATProto {
		return
	}
	record["labels"] = map[string]any{
		"$type":  selfLabelsType,
		"values": []any{map[string]any{"val": bridgeLabelPrefix + from}},
	}
	if str(record, "$type") == typeProfile {
		if summary := str(as1, "summary"); summary != "" {
			record["bridgyOriginalDescription"] = summary
		}
	}
	if url := str(as1, "url"); url != "" {
		record["bridgyOriginalUrl"] = url
	} else if id := str(as1, "id"); id != "" {
		record["bridgyOriginalUrl"] = id
	}
}

// translateTarget maps the activity's object id to its copy in toProto,
// passing native ids through.
func (b *Basic) translateTarget(as1 map[string]any, toProto string) (string, error) {
	target := ID(Inner(as1))
	if target == "" {
		return "", nil
	}
	if SourceProtocolFor(target) == toProto {
		return target, nil
	}
	return b.IDs.TranslateObjectID(target, toProto)
}

// nostrUserURI and nostrNoteURI canonicalize raw hex ids from event fields
// into the bech32 uri forms the rest of the bridge keys on. Send paths record
// copies under these forms, so references must use them too or copy lookups
// miss.
func nostrUserURI(pubkey string) (string, error) {
	npub, err := nip19.EncodePublicKey(pubkey)
	if err != nil {
		return "", fmt.Errorf("encode pubkey %q: %w", pubkey, err)
	}
	return "nostr:" + npub, nil
}

func nostrNoteURI(eventID string) (string, error) {
	note, err := nip19.EncodeNote(eventID)
	if err != nil {
		return "", fmt.Errorf("encode event id %q: %w", eventID, err)
	}
	return "nostr:" + note, nil
}

// nostrEventID strips a nostr: uri down to the hex event id, decoding bech32
// note ids.
func (b *Basic) nostrEventID(uri string) (string, error) {
	id := strings.TrimPrefix(uri, "nostr:")
	if id == "" {
		return "", nil
	}
	if strings.HasPrefix(id, "note1") || strings.HasPrefix(id, "nevent1") {
		prefix, value, err := nip19.Decode(id)
		if err != nil {
			return "", err
		}
		switch prefix {
		case "note":
			hex, _ := value.(string)
			return hex, nil
		case "nevent":
			ptr, _ := value.(nostr.EventPointer)
			return ptr.ID, nil
		}
		return "", nil
	}
	if len(id) == 64 {
		return id, nil
	}
	return "", nil
}

func didOfATURI(uri string) string {
	rest := strings.TrimPrefix(uri, "at://")
	if rest == uri {
		return ""
	}
	did, _, _ := strings.Cut(rest, "/")
	return did
}

func inReplyToID(as1 map[string]any) string {
	refs, ok := as1["inReplyTo"].([]any)
	if !ok || len(refs) == 0 {
		return ""
	}
	switch ref := refs[0].(type) {
	case string:
		return ref
	case map[string]any:
		return str(ref, "id")
	}
	return ""
}

func lastTagValue(tags [][]string, name string) string {
	for i := len(tags) - 1; i >= 0; i-- {
		if len(tags[i]) >= 2 && tags[i][0] == name {
			return tags[i][1]
		}
	}
	return ""
}

func publishedOrNow(as1 map[string]any) string {
	if p := str(as1, "published"); p != "" {
		return p
	}
	return time.Now().UTC().Format(time.RFC3339)
}

func publishedUnix(as1 map[string]any) int64 {
	if p := str(as1, "published"); p != "" {
		if t, err := time.Parse(time.RFC3339, p); err == nil {
			return t.Unix()
		}
	}
	return time.Now().Unix()
}
