// bridgehub is a bidirectional bridge between ATProto and Nostr. It follows
// both firehoses, translates activities of opted-in users, and maintains
// shadow identities on the far side: DID-PLC repos for Nostr users, Nostr
// keypairs for ATProto users.
//
// Usage:
//
//	export ROOT_SECRET=<32 random bytes, hex>
//	export HANDLE_DOMAIN=bridge.example.com
//	export BASE_URL=https://bridge.example.com
//	./bridgehub
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fedbridge/bridgehub/internal/atproto"
	"github.com/fedbridge/bridgehub/internal/config"
	"github.com/fedbridge/bridgehub/internal/convert"
	"github.com/fedbridge/bridgehub/internal/hub"
	"github.com/fedbridge/bridgehub/internal/keys"
	"github.com/fedbridge/bridgehub/internal/nostrhub"
	"github.com/fedbridge/bridgehub/internal/protocol"
	"github.com/fedbridge/bridgehub/internal/queue"
	"github.com/fedbridge/bridgehub/internal/report"
	"github.com/fedbridge/bridgehub/internal/router"
	"github.com/fedbridge/bridgehub/internal/store"
	"github.com/fedbridge/bridgehub/internal/web"
)

func main() {
	// Structured JSON logging by default — easy to parse with any log aggregator.
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	slog.Info("starting bridgehub", "version", "1.0.0")

	// ─── Configuration ────────────────────────────────────────────────────────
	cfg := config.Load()
	slog.Info("config loaded",
		"baseURL", cfg.BaseURL,
		"handleDomain", cfg.HandleDomain,
		"relay", cfg.ATProtoRelayHost,
		"nostrRelays", cfg.NostrRelays,
		"database", cfg.DatabaseURL,
	)

	// ─── Database ─────────────────────────────────────────────────────────────
	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open database", "error", err, "url", cfg.DatabaseURL)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(); err != nil {
		slog.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	reporter := report.Logger{}
	block := protocol.NewBlocklist(cfg.Blocklist)

	// ─── Keystore ─────────────────────────────────────────────────────────────
	var keystore keys.Keystore
	if cfg.VaultAddr != "" {
		keystore, err = keys.NewVault(cfg.VaultAddr, cfg.VaultToken, cfg.VaultMount, cfg.VaultPrefix)
		if err != nil {
			slog.Error("vault keystore init failed", "error", err)
			os.Exit(1)
		}
		slog.Info("using vault keystore", "addr", cfg.VaultAddr)
	} else {
		keystore, err = keys.NewDerived(cfg.RootSecret)
		if err != nil {
			slog.Error("keystore init failed", "error", err)
			os.Exit(1)
		}
	}

	// ─── ATProto clients ──────────────────────────────────────────────────────
	plc := atproto.NewPLCClient(cfg.PLCHost)
	dnsMgr := atproto.NewDNSManager(cfg.DNSServer, cfg.DNSZone,
		cfg.DNSTSIGName, cfg.DNSTSIGSecret, cfg.ReservedDomains)
	atIdent := atproto.NewIdentity(st, plc, dnsMgr, cfg.DNSResolver)

	storage, err := atproto.NewSQLStorage(st.DB(), st.Driver())
	if err != nil {
		slog.Error("shadow repo storage init failed", "error", err)
		os.Exit(1)
	}

	// ─── Converter ────────────────────────────────────────────────────────────
	ids := &convert.IDTranslator{Store: st}
	converter := &convert.Basic{IDs: ids}

	// ─── Task queue ───────────────────────────────────────────────────────────
	// The receive handler is bound after the router exists, below.
	var tasks *queue.Dispatcher
	var inline *queue.Inline
	var natsConn *queue.NATS
	if cfg.NATSURL == "" {
		inline = &queue.Inline{}
		tasks = queue.NewDispatcher(inline, nil, reporter)
		slog.Info("running tasks inline, no NATS configured")
	} else {
		natsConn, err = queue.ConnectNATS(cfg.NATSURL)
		if err != nil {
			slog.Error("nats connect failed", "error", err, "url", cfg.NATSURL)
			os.Exit(1)
		}
		defer natsConn.Close()
		tasks = queue.NewDispatcher(natsConn, nil, reporter)
	}

	// ─── Send engines ─────────────────────────────────────────────────────────
	shadow := &atproto.Service{
		Store:     st,
		Storage:   storage,
		Keys:      keystore,
		PLC:       plc,
		DNS:       dnsMgr,
		Converter: converter,
		IDs:       ids,
		Tasks:     tasks,
		Reporter:  reporter,

		HandleDomain: cfg.HandleDomain,
		PDSURL:       cfg.PDSURL,

		ModService:     atproto.NewXRPCClient(cfg.ModServiceHost),
		ModServiceDID:  cfg.ModServiceDID,
		ChatService:    atproto.NewXRPCClient(cfg.ChatServiceHost),
		ChatServiceDID: cfg.ChatServiceDID,
	}

	sender := &nostrhub.Sender{
		Store:       st,
		Keys:        keystore,
		Converter:   converter,
		Reporter:    reporter,
		WriteRelays: cfg.NostrRelays,
	}

	// ─── Router ───────────────────────────────────────────────────────────────
	nostrIdent := &nostrhub.Identity{Store: st, QueryRelays: cfg.NostrRelays}
	// Following one of the bridge's bot accounts opts an ATProto user into
	// being bridged to Nostr.
	bots := make(map[string]string, len(cfg.ProtocolBotDIDs))
	for _, did := range cfg.ProtocolBotDIDs {
		bots[did] = protocol.Nostr
	}
	rt := &router.Router{
		Store:     st,
		Converter: converter,
		Reporter:  reporter,
		Block:     block,
		Engines: map[string]router.Engine{
			protocol.ATProto: shadow,
			protocol.Nostr:   sender,
		},
		ProtocolBots: bots,
		OnNewUser: func(ctx context.Context, user *store.User) error {
			switch user.Protocol {
			case protocol.Nostr:
				return nostrIdent.ReloadProfile(ctx, user)
			case protocol.ATProto:
				if handle, err := atIdent.IDToHandle(ctx, user.ID); err == nil && handle != "" {
					user.Handle = handle
					return st.PutUser(user)
				}
			}
			return nil
		},
	}

	handler := func(ctx context.Context, task *queue.Task) error {
		switch task.Queue {
		case "receive":
			return rt.Receive(ctx, task)
		case "atproto-commit":
			// Commits are durably sequenced at write time; the task exists so
			// a PDS event stream can fan them out later.
			slog.Debug("commit task", "did", task.ID)
			return nil
		}
		slog.Warn("unknown task queue", "queue", task.Queue)
		return nil
	}
	if inline != nil {
		inline.Handler = handler
	}

	// ─── Graceful shutdown ────────────────────────────────────────────────────
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if natsConn != nil {
		for _, q := range []string{"receive", "atproto-commit"} {
			worker := &queue.Worker{
				NATS:     natsConn,
				Queue:    q,
				Handler:  handler,
				Reporter: reporter,
				Parallel: cfg.ReceiveWorkers,
			}
			go func() {
				if err := worker.Run(ctx); err != nil {
					slog.Error("task worker failed", "queue", worker.Queue, "error", err)
				}
			}()
		}
	}

	// ─── Relevant-set loader ──────────────────────────────────────────────────
	nostrHub := &nostrhub.Hub{
		Store:    st,
		Tasks:    tasks,
		Block:    block,
		Reporter: reporter,
	}
	loader := &hub.Loader{
		Store:           st,
		OnRelay:         nostrHub.AddRelay,
		ProtocolBotDIDs: cfg.ProtocolBotDIDs,
	}
	if err := loader.Init(ctx); err != nil {
		slog.Error("user-set load failed", "error", err)
		os.Exit(1)
	}
	nostrHub.Users = loader
	go loader.Run(ctx)

	// ─── Firehose subscribers ─────────────────────────────────────────────────
	firehose := &atproto.Firehose{
		Host:     cfg.ATProtoRelayHost,
		Store:    st,
		Users:    loader,
		Tasks:    tasks,
		Reporter: reporter,
		OnIdentity: func(ctx context.Context, did string) {
			if _, err := atIdent.Load(ctx, did, atproto.LoadOpts{Refresh: true}); err != nil {
				reporter.Error("did doc refresh failed", err, "did", did)
			}
		},
	}
	go firehose.Run(ctx)
	go nostrHub.Run(ctx, cfg.NostrRelays)

	// ─── Start HTTP server ────────────────────────────────────────────────────
	srv := web.New(st, cfg.Port, cfg.BaseURL)
	srv.Start(ctx) // blocks until ctx is cancelled

	slog.Info("bridgehub stopped")
}
