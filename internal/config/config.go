package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	// BaseURL is the public https URL of the bridge.
	BaseURL string
	Port    string

	DatabaseURL string

	// RootSecret is the hex-encoded 32-byte secret all shadow keys derive
	// from. Required unless Vault is configured.
	RootSecret string

	// Vault keystore (optional; overrides derived keys when set).
	VaultAddr   string
	VaultToken  string
	VaultMount  string
	VaultPrefix string

	// ATProto side.
	ATProtoRelayHost string // sync relay for subscribeRepos
	PLCHost          string
	PDSURL           string // endpoint shadow DID docs advertise
	HandleDomain     string // suffix for bridged handles
	ModServiceHost   string
	ModServiceDID    string
	ChatServiceHost  string
	ChatServiceDID   string
	ProtocolBotDIDs  []string

	// DNS management for handle attestation records.
	DNSServer       string
	DNSZone         string
	DNSTSIGName     string
	DNSTSIGSecret   string
	DNSResolver     string
	ReservedDomains []string

	// Nostr side.
	NostrRelays []string // seed relays, also the default write relays

	// Task queue. Empty NATSURL runs tasks inline.
	NATSURL        string
	ReceiveWorkers int

	Blocklist []string

	LogLevel string
}

// Load reads configuration from environment variables. Exits with a message
// when required values are missing.
func Load() *Config {
	cfg := &Config{
		BaseURL:     getEnv("BASE_URL", "http://localhost:8000"),
		Port:        getEnv("PORT", "8000"),
		DatabaseURL: getEnv("DATABASE_URL", "bridgehub.db"),

		RootSecret:  os.Getenv("ROOT_SECRET"),
		VaultAddr:   os.Getenv("VAULT_ADDR"),
		VaultToken:  os.Getenv("VAULT_TOKEN"),
		VaultMount:  getEnv("VAULT_MOUNT", "secret"),
		VaultPrefix: getEnv("VAULT_PREFIX", "bridgehub/keys"),

		ATProtoRelayHost: getEnv("ATPROTO_RELAY_HOST", "bsky.network"),
		PLCHost:          getEnv("PLC_HOST", "https://plc.directory"),
		PDSURL:           os.Getenv("PDS_URL"),
		HandleDomain:     os.Getenv("HANDLE_DOMAIN"),
		ModServiceHost:   getEnv("MOD_SERVICE_HOST", "https://mod.bsky.app"),
		ModServiceDID:    getEnv("MOD_SERVICE_DID", "did:plc:ar7c4by46qjdydhdevvrndac"),
		ChatServiceHost:  getEnv("CHAT_SERVICE_HOST", "https://api.bsky.chat"),
		ChatServiceDID:   getEnv("CHAT_SERVICE_DID", "did:web:api.bsky.chat"),
		ProtocolBotDIDs:  parseList(os.Getenv("PROTOCOL_BOT_DIDS")),

		DNSServer:       os.Getenv("DNS_SERVER"),
		DNSZone:         os.Getenv("DNS_ZONE"),
		DNSTSIGName:     os.Getenv("DNS_TSIG_NAME"),
		DNSTSIGSecret:   os.Getenv("DNS_TSIG_SECRET"),
		DNSResolver:     getEnv("DNS_RESOLVER", "8.8.8.8:53"),
		ReservedDomains: parseList(os.Getenv("RESERVED_DOMAINS")),

		NostrRelays: parseList(os.Getenv("NOSTR_RELAYS")),

		NATSURL:        os.Getenv("NATS_URL"),
		ReceiveWorkers: parseInt(os.Getenv("RECEIVE_WORKERS"), 4),

		Blocklist: parseList(os.Getenv("BLOCKLIST")),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if cfg.RootSecret == "" && cfg.VaultAddr == "" {
		fmt.Fprintln(os.Stderr, "ERROR: ROOT_SECRET is not set!")
		fmt.Fprintln(os.Stderr, "Set it to 32 hex-encoded random bytes, or configure VAULT_ADDR.")
		os.Exit(1)
	}
	if cfg.HandleDomain == "" {
		fmt.Fprintln(os.Stderr, "ERROR: HANDLE_DOMAIN is not set!")
		fmt.Fprintln(os.Stderr, "Set it to the domain bridged handles live under, eg ap.example.com.")
		os.Exit(1)
	}
	if cfg.PDSURL == "" {
		cfg.PDSURL = cfg.BaseURL
	}
	if len(cfg.NostrRelays) == 0 {
		cfg.NostrRelays = []string{"wss://nos.lol", "wss://relay.damus.io"}
	}
	return cfg
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

func parseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
