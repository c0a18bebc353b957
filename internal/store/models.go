package store

import (
	"encoding/json"
	"time"
)

// Target binds an Object or User to its copy in another protocol.
type Target struct {
	URI      string `json:"uri"`
	Protocol string `json:"protocol"`
}

// User is a bridged (or bridgeable) account, keyed by (protocol, native id).
type User struct {
	Protocol string
	ID       string

	Handle           string
	EnabledProtocols []string
	Copies           []Target

	// ObjID references the cached profile Object, if any.
	ObjID string

	// Status is empty for a healthy user. Non-empty values ("blocked",
	// "no-profile", "no-nip05", "tombstoned") exclude the user from the
	// relevant-set caches but keep the row around.
	Status string

	// ValidNIP05 is the NIP-05 identifier we resolved and verified for a
	// Nostr user; empty if never verified or verification failed.
	ValidNIP05 string

	// KeyGeneration versions the user's derived atproto key material. It is
	// bumped when a tombstoned shadow forces a fresh DID: the genesis op is
	// content-addressed, so re-deriving the same keys would rebuild the
	// tombstoned identifier.
	KeyGeneration int

	Updated time.Time
}

// Key returns the composite datastore key for this user.
func (u *User) Key() string { return u.Protocol + " " + u.ID }

// Copy returns this user's copy Target in the given protocol, if any.
func (u *User) Copy(protocol string) (Target, bool) {
	for _, c := range u.Copies {
		if c.Protocol == protocol {
			return c, true
		}
	}
	return Target{}, false
}

// AddCopy appends a copy Target, replacing any existing entry for the same
// protocol.
func (u *User) AddCopy(t Target) {
	for i, c := range u.Copies {
		if c.Protocol == t.Protocol {
			u.Copies[i] = t
			return
		}
	}
	u.Copies = append(u.Copies, t)
}

// Enabled reports whether the user opted in to being bridged into protocol.
func (u *User) Enabled(protocol string) bool {
	for _, p := range u.EnabledProtocols {
		if p == protocol {
			return true
		}
	}
	return false
}

// Object is a cached activity or profile, keyed by canonical URI
// (at://…, did:…, nostr:…, https://…).
type Object struct {
	ID             string
	SourceProtocol string

	// Exactly one of these raw payloads is set, per SourceProtocol. Raw
	// holds DID documents.
	Bsky  json.RawMessage
	Nostr json.RawMessage
	Raw   json.RawMessage

	// AS1 is the canonical activity form, computed lazily by the converter.
	AS1 json.RawMessage

	Copies []Target

	// Type is the AS1 verb or object type, eg "post", "follow", "delete".
	Type string

	Updated time.Time
}

// Copy returns this object's copy Target in the given protocol, if any.
func (o *Object) Copy(protocol string) (Target, bool) {
	for _, c := range o.Copies {
		if c.Protocol == protocol {
			return c, true
		}
	}
	return Target{}, false
}

// AddCopy appends a copy Target, replacing any existing entry for the same
// protocol.
func (o *Object) AddCopy(t Target) {
	for i, c := range o.Copies {
		if c.Protocol == t.Protocol {
			o.Copies[i] = t
			return
		}
	}
	o.Copies = append(o.Copies, t)
}

// AS1Map unmarshals the AS1 payload into a map. Returns nil if unset.
func (o *Object) AS1Map() map[string]any {
	if len(o.AS1) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(o.AS1, &m); err != nil {
		return nil
	}
	return m
}

// Cursor tracks the highest acknowledged sequence number for one firehose
// subscription, keyed by (host, stream NSID).
type Cursor struct {
	Host    string
	Stream  string
	Seq     int64
	Updated time.Time
}

// Relay is a Nostr relay we subscribe to, discovered from user relay lists.
type Relay struct {
	URL     string
	Since   int64 // Unix seconds cursor for re-subscription
	Updated time.Time
}

// Follower records a follow edge between two users, with a reference to the
// follow activity Object so stop-following can delete the original record.
type Follower struct {
	From     string // follower's user key
	To       string // followee's user key
	FollowID string // Object id of the follow activity
	Status   string // "" = active, "inactive" after stop-following
}
