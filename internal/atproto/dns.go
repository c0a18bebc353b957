package atproto

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// dnsTTL is the TTL on _atproto TXT attestation records.
const dnsTTL = 10800

// DNSManager installs and removes the _atproto.<handle> TXT records that
// attest handle ownership, via RFC 2136 dynamic updates against the
// authoritative server for the bridge's handle zone.
type DNSManager struct {
	// Server is the authoritative nameserver address, host:port.
	Server string
	// Zone is the zone the updates apply to, eg "brid.gy.".
	Zone string
	// TSIG key name and base64 secret; empty disables signing.
	TSIGName   string
	TSIGSecret string
	// ReservedDomains are handle suffixes whose DNS we don't manage (the
	// records are static or owned elsewhere).
	ReservedDomains []string

	client *dns.Client
}

// NewDNSManager builds a DNSManager with a UDP client using the process-wide
// timeout.
func NewDNSManager(server, zone, tsigName, tsigSecret string, reserved []string) *DNSManager {
	return &DNSManager{
		Server:          server,
		Zone:            dns.Fqdn(zone),
		TSIGName:        tsigName,
		TSIGSecret:      tsigSecret,
		ReservedDomains: reserved,
		client:          &dns.Client{Timeout: 15 * time.Second},
	}
}

// Reserved reports whether the handle's domain is in the reserved list, in
// which case Set/Remove are no-ops for it.
func (m *DNSManager) Reserved(handle string) bool {
	for _, d := range m.ReservedDomains {
		if handle == d || strings.HasSuffix(handle, "."+d) {
			return true
		}
	}
	return false
}

// SetDNS installs the TXT record `_atproto.<handle>. "did=<did>"`, deleting
// any existing records at that name first so retries converge.
func (m *DNSManager) SetDNS(handle, did string) error {
	if m.Reserved(handle) {
		slog.Debug("skipping dns for reserved domain", "handle", handle)
		return nil
	}
	name := attestationName(handle)

	rr := &dns.TXT{
		Hdr: dns.RR_Header{
			Name:   name,
			Rrtype: dns.TypeTXT,
			Class:  dns.ClassINET,
			Ttl:    dnsTTL,
		},
		Txt: []string{"did=" + did},
	}

	msg := new(dns.Msg)
	msg.SetUpdate(m.Zone)
	msg.RemoveRRset([]dns.RR{&dns.ANY{Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeTXT}}})
	msg.Insert([]dns.RR{rr})

	if err := m.exchange(msg); err != nil {
		return fmt.Errorf("set dns %s: %w", name, err)
	}
	slog.Info("installed dns attestation", "name", name, "did", did)
	return nil
}

// RemoveDNS deletes the attestation record for handle.
func (m *DNSManager) RemoveDNS(handle string) error {
	if m.Reserved(handle) {
		return nil
	}
	name := attestationName(handle)

	msg := new(dns.Msg)
	msg.SetUpdate(m.Zone)
	msg.RemoveRRset([]dns.RR{&dns.ANY{Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeTXT}}})

	if err := m.exchange(msg); err != nil {
		return fmt.Errorf("remove dns %s: %w", name, err)
	}
	slog.Info("removed dns attestation", "name", name)
	return nil
}

// ResolveHandle looks up the TXT record for a handle and returns the DID it
// attests, or empty if none.
func (m *DNSManager) ResolveHandle(handle, resolver string) (string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(attestationName(handle), dns.TypeTXT)

	resp, _, err := m.client.Exchange(msg, resolver)
	if err != nil {
		return "", fmt.Errorf("resolve handle %s: %w", handle, err)
	}
	for _, rr := range resp.Answer {
		txt, ok := rr.(*dns.TXT)
		if !ok {
			continue
		}
		for _, s := range txt.Txt {
			if did, found := strings.CutPrefix(s, "did="); found {
				return did, nil
			}
		}
	}
	return "", nil
}

func (m *DNSManager) exchange(msg *dns.Msg) error {
	if m.TSIGName != "" {
		msg.SetTsig(dns.Fqdn(m.TSIGName), dns.HmacSHA256, 300, time.Now().Unix())
		m.client.TsigSecret = map[string]string{dns.Fqdn(m.TSIGName): m.TSIGSecret}
	}
	resp, _, err := m.client.Exchange(msg, m.Server)
	if err != nil {
		return err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return fmt.Errorf("dns update rcode %s", dns.RcodeToString[resp.Rcode])
	}
	return nil
}

func attestationName(handle string) string {
	return dns.Fqdn("_atproto." + handle)
}
