// Package convert exposes the opaque AS1 payload translator behind an
// interface and provides the id-translation facades that map users and
// objects between protocols. The actual record/event conversion logic is an
// external collaborator; this package owns only routing and id surgery.
package convert

import (
	"context"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/fedbridge/bridgehub/internal/protocol"
	"github.com/fedbridge/bridgehub/internal/store"
)

// Opts tunes a single conversion.
type Opts struct {
	// FetchBlobs makes the converter fetch and attach remote media.
	FetchBlobs bool
	// FromUser is the user the converted record will be attributed to.
	FromUser *store.User
}

// Converter translates between the canonical AS1 form and protocol-native
// records. Implementations resolve references through the datastore client
// they were constructed with, never through ad-hoc HTTP.
type Converter interface {
	// Convert renders obj as a record for the destination protocol.
	// A nil record with nil error means the object is not representable.
	Convert(ctx context.Context, to string, obj *store.Object, opts Opts) (map[string]any, error)
	// ToAS1 computes the canonical AS1 form of a protocol-native object.
	ToAS1(ctx context.Context, obj *store.Object) (map[string]any, error)
}

// IDTranslator maps user and object ids across protocols using the stored
// copy mappings.
type IDTranslator struct {
	Store *store.Store
}

// TranslateUserID converts a native user id in fromProto to the equivalent id
// in toProto. Returns empty if the user isn't bridged there.
func (t *IDTranslator) TranslateUserID(id, fromProto, toProto string) (string, error) {
	if fromProto == toProto {
		return id, nil
	}

	switch toProto {
	case protocol.ATProto, protocol.Nostr:
		user, err := t.Store.GetUser(fromProto, id)
		if err != nil {
			return "", err
		}
		if user == nil {
			return "", nil
		}
		if copy, ok := user.Copy(toProto); ok {
			return copy.URI, nil
		}
		return "", nil
	}
	return "", fmt.Errorf("translate user id: unknown protocol %q", toProto)
}

// TranslateBack resolves a shadow id (copy uri) back to its native owner.
// Returns the owner's (protocol, id) or empties if the id isn't one of ours.
func (t *IDTranslator) TranslateBack(copyURI string) (string, string, error) {
	user, err := t.Store.GetUserByCopy(copyURI)
	if err != nil || user == nil {
		return "", "", err
	}
	return user.Protocol, user.ID, nil
}

// TranslateObjectID converts an object id to its copy in toProto, if one was
// recorded by a successful send.
func (t *IDTranslator) TranslateObjectID(id, toProto string) (string, error) {
	obj, err := t.Store.GetObject(id)
	if err != nil {
		return "", err
	}
	if obj == nil {
		// id may itself be a copy uri; map back to the original.
		obj, err = t.Store.GetObjectByCopy(id)
		if err != nil {
			return "", err
		}
	}
	if obj == nil {
		// Raw hex nostr event references resolve through their bech32 note
		// form, which is what the store keys ids and copies on.
		if alt := canonicalNostrID(id); alt != "" && alt != id {
			return t.TranslateObjectID(alt, toProto)
		}
		return "", nil
	}
	if obj.SourceProtocol == toProto {
		return obj.ID, nil
	}
	if copy, ok := obj.Copy(toProto); ok {
		return copy.URI, nil
	}
	return "", nil
}

// canonicalNostrID rewrites a nostr:<hex event id> reference to its bech32
// note form. Returns empty for anything else.
func canonicalNostrID(id string) string {
	hexID, ok := strings.CutPrefix(id, "nostr:")
	if !ok || len(hexID) != 64 {
		return ""
	}
	note, err := nip19.EncodeNote(hexID)
	if err != nil {
		return ""
	}
	return "nostr:" + note
}

// SourceProtocolFor guesses the owning protocol of an id from its shape.
func SourceProtocolFor(id string) string {
	switch {
	case strings.HasPrefix(id, "at://"), strings.HasPrefix(id, "did:"):
		return protocol.ATProto
	case strings.HasPrefix(id, "nostr:"), strings.HasPrefix(id, "npub1"),
		strings.HasPrefix(id, "note1"), strings.HasPrefix(id, "nevent1"):
		return protocol.Nostr
	}
	return ""
}
