// Package protocol defines the registry of bridged protocols and the
// capability flags that drive routing decisions elsewhere in the bridge.
package protocol

import (
	"net/url"
	"strings"
)

// Labels for the supported protocols.
const (
	ATProto = "atproto"
	Nostr   = "nostr"
)

// Owns is the result of a syntactic ownership test on an id or handle.
// Maybe means the shape is plausible but not conclusive (eg a bare domain
// could be an ATProto handle or a NIP-05 identifier).
type Owns int

const (
	OwnsNo Owns = iota
	OwnsMaybe
	OwnsYes
)

// Info describes one protocol: its id and handle shapes, default outbound
// target, capabilities, and the activity verbs it supports.
type Info struct {
	Label       string
	Name        string
	ContentType string

	// DefaultTarget is the default outbound destination: the PDS base URL
	// for ATProto, the default relay websocket URL for Nostr.
	DefaultTarget string

	RequiresAvatar bool
	RequiresName   bool
	SupportsDMs    bool
	HasCopies      bool
	HTMLProfiles   bool

	SupportedVerbs []string

	// DefaultEnabledProtocols are the destination protocols a new user of
	// this protocol is bridged into unless they opt out.
	DefaultEnabledProtocols []string
}

var registry = map[string]Info{
	ATProto: {
		Label:          ATProto,
		Name:           "Bluesky",
		ContentType:    "application/json",
		DefaultTarget:  "https://bsky.social",
		SupportsDMs:    true,
		HasCopies:      true,
		SupportedVerbs: []string{"post", "update", "delete", "undo", "follow", "stop-following", "like", "share", "block", "flag"},
	},
	Nostr: {
		Label:                   Nostr,
		Name:                    "Nostr",
		ContentType:             "application/json",
		DefaultTarget:           "wss://nos.lol",
		RequiresAvatar:          true,
		RequiresName:            true,
		HasCopies:               true,
		SupportedVerbs:          []string{"post", "update", "delete", "undo", "follow", "stop-following", "like", "share"},
		DefaultEnabledProtocols: []string{ATProto},
	},
}

// ByLabel returns the Info for a protocol label.
func ByLabel(label string) (Info, bool) {
	info, ok := registry[label]
	return info, ok
}

// Labels returns all registered protocol labels.
func Labels() []string {
	return []string{ATProto, Nostr}
}

// SupportsVerb reports whether the protocol supports the given activity verb.
func (i Info) SupportsVerb(verb string) bool {
	for _, v := range i.SupportedVerbs {
		if v == verb {
			return true
		}
	}
	return false
}

// Blocklist is a set of domains the bridge refuses to talk to, compared
// against the host of ids, handles, and relay/PDS URLs. Subdomains of a
// blocked domain are also blocked.
type Blocklist struct {
	domains map[string]struct{}
}

// NewBlocklist builds a Blocklist from a list of domains.
func NewBlocklist(domains []string) *Blocklist {
	b := &Blocklist{domains: make(map[string]struct{}, len(domains))}
	for _, d := range domains {
		d = strings.ToLower(strings.TrimSpace(d))
		if d != "" {
			b.domains[d] = struct{}{}
		}
	}
	return b
}

// Blocked reports whether the given URL or bare domain is on the blocklist.
func (b *Blocklist) Blocked(raw string) bool {
	if b == nil || len(b.domains) == 0 {
		return false
	}
	host := raw
	if strings.Contains(raw, "://") {
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			host = u.Hostname()
		}
	}
	host = strings.ToLower(host)
	for host != "" {
		if _, ok := b.domains[host]; ok {
			return true
		}
		_, rest, found := strings.Cut(host, ".")
		if !found {
			break
		}
		host = rest
	}
	return false
}
