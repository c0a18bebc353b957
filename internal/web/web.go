// Package web serves the bridge's discovery endpoints: NIP-05 lookups for
// users bridged into Nostr, atproto-did handle attestations, and the OAuth
// client metadata document.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/fedbridge/bridgehub/internal/nostrhub"
	"github.com/fedbridge/bridgehub/internal/protocol"
	"github.com/fedbridge/bridgehub/internal/store"
)

// Server is the discovery HTTP server.
type Server struct {
	Store *store.Store
	Port  string
	// BaseURL is the public https URL of the bridge, for client metadata.
	BaseURL string

	router *chi.Mux
}

// New creates the server and builds its routes.
func New(st *store.Store, port, baseURL string) *Server {
	s := &Server{Store: st, Port: port, BaseURL: baseURL}
	s.router = s.buildRouter()
	return s
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	srv := &http.Server{
		Addr:         ":" + s.Port,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	slog.Info("starting HTTP server", "addr", srv.Addr)

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
	}
}

func (s *Server) buildRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/api/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		jsonResponse(w, map[string]string{"status": "ok"}, http.StatusOK)
	})

	r.Get("/.well-known/nostr.json", s.handleNIP05)
	r.Get("/.well-known/atproto-did", s.handleATProtoDID)
	r.Get("/oauth/client-metadata.json", s.handleClientMetadata)

	return r
}

// handleNIP05 serves NIP-05 lookups for users bridged into Nostr. Native
// Nostr users are never listed: their real NIP-05 is authoritative.
func (s *Server) handleNIP05(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if name == "" {
		http.NotFound(w, r)
		return
	}

	user, pubkey := s.bridgedNostrUser(name)
	if user == nil {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Cache-Control", "public, max-age=300")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	jsonResponse(w, map[string]any{
		"names": map[string]string{name: pubkey},
	}, http.StatusOK)
}

// bridgedNostrUser finds a non-Nostr user matching name who is enabled for
// Nostr and has a shadow pubkey. Returns the hex pubkey.
func (s *Server) bridgedNostrUser(name string) (*store.User, string) {
	for _, proto := range protocol.Labels() {
		if proto == protocol.Nostr {
			continue
		}
		user, err := s.Store.GetUserByHandle(proto, name)
		if err != nil || user == nil || user.Status != "" {
			continue
		}
		if !user.Enabled(protocol.Nostr) {
			continue
		}
		copy, ok := user.Copy(protocol.Nostr)
		if !ok {
			continue
		}
		pubkey, err := nostrhub.PubkeyOf(copy.URI)
		if err != nil {
			continue
		}
		return user, pubkey
	}
	return nil, ""
}

// handleATProtoDID serves handle→DID attestations for users bridged into
// ATProto, as text/plain.
func (s *Server) handleATProtoDID(w http.ResponseWriter, r *http.Request) {
	proto := r.URL.Query().Get("protocol")
	id := r.URL.Query().Get("id")
	if proto == "" || id == "" || proto == protocol.ATProto {
		http.NotFound(w, r)
		return
	}

	user, err := s.Store.GetUserByHandle(proto, id)
	if err != nil || user == nil || user.Status != "" || !user.Enabled(protocol.ATProto) {
		http.NotFound(w, r)
		return
	}
	copy, ok := user.Copy(protocol.ATProto)
	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Cache-Control", "public, max-age=300")
	fmt.Fprint(w, copy.URI)
}

// handleClientMetadata serves the static OAuth client metadata document.
func (s *Server) handleClientMetadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	jsonResponse(w, map[string]any{
		"client_id":                  s.BaseURL + "/oauth/client-metadata.json",
		"client_name":                "bridgehub",
		"client_uri":                 s.BaseURL,
		"redirect_uris":              []string{s.BaseURL + "/oauth/callback"},
		"grant_types":                []string{"authorization_code", "refresh_token"},
		"response_types":             []string{"code"},
		"scope":                      "atproto transition:generic",
		"application_type":           "web",
		"token_endpoint_auth_method": "none",
		"dpop_bound_access_tokens":   true,
	}, http.StatusOK)
}

func jsonResponse(w http.ResponseWriter, v any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("json encode error", "error", err)
	}
}
