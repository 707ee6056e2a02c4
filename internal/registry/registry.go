// Package registry answers "is agent X enabled for tenant T, with which
// credentials". Credential bundles are stored sealed; decryption happens on
// each use and plaintext is never cached.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"agent-orchestrator/internal/errs"
	"agent-orchestrator/internal/models"
)

// ConfigSource provides tenant agent configs. *store.Store satisfies it.
type ConfigSource interface {
	GetAgentConfig(ctx context.Context, tenantID string, agentType models.AgentType) (models.TenantAgentConfig, error)
	UpsertAgentConfig(ctx context.Context, cfg models.TenantAgentConfig) error
}

// RequiredKeys lists the credential keys each agent needs before it counts as
// configured.
var RequiredKeys = map[models.AgentType][]string{
	models.AgentSourcing:        {"leads_api_key"},
	models.AgentResearch:        {"enrichment_api_key"},
	models.AgentEmailAutomation: {"mailbox_client_id", "mailbox_refresh_token"},
}

// placeholderMarkers are values the onboarding flow writes before the tenant
// supplies real credentials. A bundle containing any of them is not valid.
var placeholderMarkers = map[string]bool{
	"":                  true,
	"changeme":          true,
	"your-api-key-here": true,
	"placeholder":       true,
}

// Registry resolves per-tenant agent enablement and credentials.
type Registry struct {
	source ConfigSource
	key    []byte
}

// New builds a registry over a config source with a hex-encoded 32-byte
// sealing key. An empty key disables sealing; credential values are then
// treated as plaintext (local dev only).
func New(source ConfigSource, keyHex string) (*Registry, error) {
	r := &Registry{source: source}
	if keyHex != "" {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("decode credential key: %w", err)
		}
		if len(key) != chacha20poly1305.KeySize {
			return nil, fmt.Errorf("credential key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
		}
		r.key = key
	}
	return r, nil
}

// IsEnabled reports whether the agent is enabled and fully configured for the
// tenant. It returns ErrAgentNotEnabled with a reason when not.
func (r *Registry) IsEnabled(ctx context.Context, tenantID string, agentType models.AgentType) error {
	cfg, err := r.source.GetAgentConfig(ctx, tenantID, agentType)
	if err != nil {
		if errsIsNotFound(err) {
			return errs.AgentNotEnabled("tenant %s has no %s config", tenantID, agentType)
		}
		return err
	}
	if !cfg.Enabled {
		return errs.AgentNotEnabled("%s disabled for tenant %s", agentType, tenantID)
	}
	return r.validateBundle(cfg)
}

// Credentials decrypts and returns the tenant's credential bundle for the
// agent. Callers must not retain the returned map beyond the current job or
// tick.
func (r *Registry) Credentials(ctx context.Context, tenantID string, agentType models.AgentType) (map[string]string, error) {
	cfg, err := r.source.GetAgentConfig(ctx, tenantID, agentType)
	if err != nil {
		if errsIsNotFound(err) {
			return nil, errs.AgentNotEnabled("tenant %s has no %s config", tenantID, agentType)
		}
		return nil, err
	}
	if !cfg.Enabled {
		return nil, errs.AgentNotEnabled("%s disabled for tenant %s", agentType, tenantID)
	}
	if err := r.validateBundle(cfg); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(cfg.Credentials))
	for k, v := range cfg.Credentials {
		plain, err := r.open(v)
		if err != nil {
			return nil, errs.AgentNotEnabled("credential %s for tenant %s is unreadable", k, tenantID)
		}
		out[k] = plain
	}
	return out, nil
}

// Configure seals and stores a credential bundle, enabling the agent when the
// bundle is complete.
func (r *Registry) Configure(ctx context.Context, tenantID string, agentType models.AgentType, creds map[string]string, enabled bool) error {
	sealed := make(map[string]string, len(creds))
	for k, v := range creds {
		cv, err := r.seal(v)
		if err != nil {
			return fmt.Errorf("seal credential %s: %w", k, err)
		}
		sealed[k] = cv
	}
	return r.source.UpsertAgentConfig(ctx, models.TenantAgentConfig{
		TenantID:    tenantID,
		AgentType:   agentType,
		Enabled:     enabled,
		Credentials: sealed,
	})
}

// validateBundle checks that every required key is present, decryptable, and
// not a placeholder. The agent is treated as not configured otherwise, even if
// a record exists.
func (r *Registry) validateBundle(cfg models.TenantAgentConfig) error {
	for _, key := range RequiredKeys[cfg.AgentType] {
		sealed, ok := cfg.Credentials[key]
		if !ok {
			return errs.AgentNotEnabled("tenant %s missing credential %s for %s", cfg.TenantID, key, cfg.AgentType)
		}
		plain, err := r.open(sealed)
		if err != nil {
			return errs.AgentNotEnabled("credential %s for tenant %s is unreadable", key, cfg.TenantID)
		}
		if placeholderMarkers[strings.ToLower(strings.TrimSpace(plain))] {
			return errs.AgentNotEnabled("credential %s for tenant %s is a placeholder", key, cfg.TenantID)
		}
	}
	return nil
}

// seal encrypts a plaintext value as hex(nonce || ciphertext).
func (r *Registry) seal(plain string) (string, error) {
	if r.key == nil {
		return plain, nil
	}
	aead, err := chacha20poly1305.NewX(r.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, []byte(plain), nil)
	return hex.EncodeToString(sealed), nil
}

// open decrypts a value produced by seal.
func (r *Registry) open(sealed string) (string, error) {
	if r.key == nil {
		return sealed, nil
	}
	raw, err := hex.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}
	aead, err := chacha20poly1305.NewX(r.key)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize() {
		return "", fmt.Errorf("sealed value too short")
	}
	nonce, ct := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("open sealed value: %w", err)
	}
	return string(plain), nil
}

func errsIsNotFound(err error) bool {
	return errors.Is(err, errs.ErrNotFound)
}
