// Command credential-broker exposes the credential vault over MCP so an
// operator's tooling (not the sandboxed agent itself, which only ever sees
// the in-sandbox proxy) can list, store, and remove provider credentials.
// Mutating calls require an approver token; reads never return secret
// bytes except the single-secret get, which also requires the token.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/primordial-run/coreos/internal/vault"
)

type Config struct {
	VaultPath     string
	ApproverToken string
}

type Server struct {
	cfg    Config
	v      *vault.Vault
	logger *log.Logger
}

type ListSecretsInput struct{}

type SecretSummary struct {
	Provider  string    `json:"provider"`
	KeyID     string    `json:"key_id"`
	CreatedAt time.Time `json:"created_at"`
}

type ListSecretsOutput struct {
	Secrets []SecretSummary `json:"secrets"`
}

type PutSecretInput struct {
	Provider string `json:"provider"`
	KeyID    string `json:"key_id,omitempty"`
	Secret   string `json:"secret"`
	Token    string `json:"token"`
}

type PutSecretOutput struct {
	Provider string `json:"provider"`
	KeyID    string `json:"key_id"`
}

type GetSecretInput struct {
	Provider string `json:"provider"`
	KeyID    string `json:"key_id,omitempty"`
	Token    string `json:"token"`
}

type GetSecretOutput struct {
	Provider string `json:"provider"`
	KeyID    string `json:"key_id"`
	Secret   string `json:"secret"`
}

type RemoveSecretInput struct {
	Provider string `json:"provider"`
	KeyID    string `json:"key_id,omitempty"`
	Token    string `json:"token"`
}

type RemoveSecretOutput struct {
	Removed bool `json:"removed"`
}

func main() {
	logger := log.New(os.Stdout, "credential-broker ", log.LstdFlags|log.LUTC)
	cfg := loadConfig()

	v, err := vault.Open(vault.Config{Path: cfg.VaultPath})
	if err != nil {
		logger.Fatalf("vault open: %v", err)
	}

	srv := &Server{cfg: cfg, v: v, logger: logger}

	impl := &mcp.Implementation{
		Name:    "primordial-credentials",
		Title:   "Primordial Credential Broker",
		Version: "0.1.0",
	}
	server := mcp.NewServer(impl, &mcp.ServerOptions{HasTools: true})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "credentials.list",
		Description: "List stored credential entries (provider and key_id only, never secret values).",
	}, srv.list)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "credentials.put",
		Description: "Store or replace a credential for (provider, key_id). Requires the approval token.",
	}, srv.put)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "credentials.get",
		Description: "Reveal the stored secret for (provider, key_id). Requires the approval token.",
	}, srv.get)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "credentials.remove",
		Description: "Delete a credential for (provider, key_id). Requires the approval token.",
	}, srv.remove)

	handler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return server
	}, &mcp.StreamableHTTPOptions{JSONResponse: true})

	mux := http.NewServeMux()
	mux.Handle("/mcp", handler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	addr := envOr("ADDR", ":8091")
	logger.Printf("listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Fatalf("serve: %v", err)
	}
}

func loadConfig() Config {
	return Config{
		VaultPath:     envOr("VAULT_PATH", "/var/lib/primordial/vault.json"),
		ApproverToken: strings.TrimSpace(os.Getenv("CREDENTIALS_APPROVER_TOKEN")),
	}
}

func (s *Server) list(ctx context.Context, _ *mcp.CallToolRequest, _ ListSecretsInput) (*mcp.CallToolResult, ListSecretsOutput, error) {
	_ = ctx
	out := ListSecretsOutput{}
	for _, e := range s.v.List() {
		out.Secrets = append(out.Secrets, SecretSummary{Provider: e.Provider, KeyID: e.KeyID, CreatedAt: e.CreatedAt})
	}
	return nil, out, nil
}

func (s *Server) put(ctx context.Context, _ *mcp.CallToolRequest, in PutSecretInput) (*mcp.CallToolResult, PutSecretOutput, error) {
	_ = ctx
	if err := s.requireToken(in.Token); err != nil {
		return nil, PutSecretOutput{}, err
	}
	provider := strings.TrimSpace(in.Provider)
	if provider == "" || strings.TrimSpace(in.Secret) == "" {
		return nil, PutSecretOutput{}, errors.New("provider and secret are required")
	}
	keyID := in.KeyID
	if keyID == "" {
		keyID = "default"
	}
	if err := s.v.Put(provider, keyID, in.Secret); err != nil {
		return nil, PutSecretOutput{}, fmt.Errorf("put: %w", err)
	}
	return nil, PutSecretOutput{Provider: provider, KeyID: keyID}, nil
}

func (s *Server) get(ctx context.Context, _ *mcp.CallToolRequest, in GetSecretInput) (*mcp.CallToolResult, GetSecretOutput, error) {
	_ = ctx
	if err := s.requireToken(in.Token); err != nil {
		return nil, GetSecretOutput{}, err
	}
	provider := strings.TrimSpace(in.Provider)
	if provider == "" {
		return nil, GetSecretOutput{}, errors.New("provider is required")
	}
	keyID := in.KeyID
	if keyID == "" {
		keyID = "default"
	}
	secret, err := s.v.Get(provider, keyID)
	if err != nil {
		return nil, GetSecretOutput{}, fmt.Errorf("get: %w", err)
	}
	return nil, GetSecretOutput{Provider: provider, KeyID: keyID, Secret: secret}, nil
}

func (s *Server) remove(ctx context.Context, _ *mcp.CallToolRequest, in RemoveSecretInput) (*mcp.CallToolResult, RemoveSecretOutput, error) {
	_ = ctx
	if err := s.requireToken(in.Token); err != nil {
		return nil, RemoveSecretOutput{}, err
	}
	provider := strings.TrimSpace(in.Provider)
	if provider == "" {
		return nil, RemoveSecretOutput{}, errors.New("provider is required")
	}
	keyID := in.KeyID
	if keyID == "" {
		keyID = "default"
	}
	removed, err := s.v.Remove(provider, keyID)
	if err != nil {
		return nil, RemoveSecretOutput{}, fmt.Errorf("remove: %w", err)
	}
	return nil, RemoveSecretOutput{Removed: removed}, nil
}

func (s *Server) requireToken(token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("approval token required")
	}
	if s.cfg.ApproverToken == "" {
		return errors.New("approver token not configured")
	}
	if token != s.cfg.ApproverToken {
		return errors.New("invalid approval token")
	}
	return nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
