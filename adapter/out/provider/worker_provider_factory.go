package provider

import (
	"fmt"
	"sort"
	"sync"

	"mailsync_server/core/domain"
	"mailsync_server/core/port/out"
	"mailsync_server/pkg/apperr"
	"mailsync_server/pkg/logger"
)

// =============================================================================
// Provider Registry
// =============================================================================

// RegistryConfig holds all provider configurations. A provider without a
// client id is left unregistered.
type RegistryConfig struct {
	Gmail   *GmailConfig
	Outlook *OutlookConfig
}

// Registry resolves the adapter serving each provider.
type Registry struct {
	mu        sync.RWMutex
	providers map[domain.Provider]out.MailProvider
	oauth     map[domain.Provider]out.OAuthProvider
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[domain.Provider]out.MailProvider),
		oauth:     make(map[domain.Provider]out.OAuthProvider),
	}
}

// NewRegistryFromConfig builds the adapters for every configured provider.
func NewRegistryFromConfig(cfg *RegistryConfig) *Registry {
	r := NewRegistry()
	if cfg == nil {
		return r
	}
	if cfg.Gmail != nil && cfg.Gmail.ClientID != "" {
		r.Register(NewGmailAdapter(cfg.Gmail))
	}
	if cfg.Outlook != nil && cfg.Outlook.ClientID != "" {
		r.Register(NewOutlookAdapter(cfg.Outlook))
	}
	logger.Info("[Registry] Providers configured: %v", r.Providers())
	return r
}

// Register adds p, and its connect flow when p also implements
// out.OAuthProvider. A later registration replaces an earlier one.
func (r *Registry) Register(p out.MailProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Provider()] = p
	if o, ok := p.(out.OAuthProvider); ok {
		r.oauth[p.Provider()] = o
	}
}

func (r *Registry) Lookup(provider domain.Provider) (out.MailProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.providers[provider]; ok {
		return p, nil
	}
	return nil, apperr.BadRequest(fmt.Sprintf("provider %q is not configured", provider))
}

func (r *Registry) LookupOAuth(provider domain.Provider) (out.OAuthProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.oauth[provider]; ok {
		return p, nil
	}
	return nil, apperr.BadRequest(fmt.Sprintf("provider %q does not support connect", provider))
}

// Providers lists the registered providers in name order.
func (r *Registry) Providers() []domain.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]domain.Provider, 0, len(r.providers))
	for p := range r.providers {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	return list
}

// BreakerStates reports the circuit state of each adapter that has one.
func (r *Registry) BreakerStates() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	states := make(map[string]string)
	for name, p := range r.providers {
		if b, ok := p.(interface{ GetCircuitBreakerState() string }); ok {
			states[string(name)] = b.GetCircuitBreakerState()
		}
	}
	return states
}

var _ out.ProviderRegistry = (*Registry)(nil)
