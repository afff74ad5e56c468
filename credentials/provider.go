package credentials

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	glog "github.com/goliatone/go-logger/glog"
	"golang.org/x/sync/singleflight"

	"github.com/goliatone/go-ingest/core"
)

// DefaultRefreshWindow is how far before expiry a lease is refreshed.
const DefaultRefreshWindow = 60 * time.Second

// Refresher exchanges an expiring credential for a fresh one. Implementations
// talk to the upstream token endpoint; the provider serializes concurrent
// refreshes per ref behind a single flight.
type Refresher interface {
	Refresh(ctx context.Context, ref string, current core.Credential) (core.Credential, error)
}

type RefresherFunc func(ctx context.Context, ref string, current core.Credential) (core.Credential, error)

func (f RefresherFunc) Refresh(ctx context.Context, ref string, current core.Credential) (core.Credential, error) {
	return f(ctx, ref, current)
}

// Provider resolves credential leases by ref. Seeds come from connector
// configuration; leases are replaced wholesale on refresh so consumers only
// ever see read-only snapshots.
type Provider struct {
	mu            sync.RWMutex
	leases        map[string]core.Credential
	refresher     Refresher
	refreshWindow time.Duration
	flight        singleflight.Group
	logger        core.Logger

	Now func() time.Time
}

type Option func(*Provider)

func WithRefresher(refresher Refresher) Option {
	return func(p *Provider) {
		p.refresher = refresher
	}
}

func WithRefreshWindow(window time.Duration) Option {
	return func(p *Provider) {
		if window > 0 {
			p.refreshWindow = window
		}
	}
}

func WithLogger(logger core.Logger) Option {
	return func(p *Provider) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func NewProvider(options ...Option) *Provider {
	_, logger := glog.Resolve("credentials", nil, nil)
	provider := &Provider{
		leases:        make(map[string]core.Credential),
		refreshWindow: DefaultRefreshWindow,
		logger:        glog.Ensure(logger),
		Now:           func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(provider)
	}
	return provider
}

// Seed installs the initial lease for a ref, typically parsed from instance
// configuration.
func (p *Provider) Seed(ref string, credential core.Credential) error {
	if p == nil {
		return core.NewInternalError("credentials: provider is nil")
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return core.NewValidationError("credentials: ref is required")
	}
	p.mu.Lock()
	p.leases[ref] = credential
	p.mu.Unlock()
	return nil
}

// SeedFromSpec parses a connector credential spec and installs the lease.
func (p *Provider) SeedFromSpec(ref string, spec core.CredentialSpec) error {
	credential, err := FromSpec(spec)
	if err != nil {
		return err
	}
	return p.Seed(ref, credential)
}

// Acquire returns a usable credential for the ref. A lease inside the
// refresh window is exchanged before it expires; concurrent callers share
// one refresh round trip.
func (p *Provider) Acquire(ctx context.Context, ref string) (core.Credential, error) {
	if p == nil {
		return core.Credential{}, core.NewInternalError("credentials: provider is nil")
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return core.Credential{}, core.NewValidationError("credentials: ref is required")
	}

	p.mu.RLock()
	lease, ok := p.leases[ref]
	p.mu.RUnlock()

	now := p.now()
	if ok && !lease.ExpiresWithin(now, p.refreshWindow) {
		return lease, nil
	}

	if p.refresher == nil {
		if ok && !lease.Expired(now) {
			return lease, nil
		}
		return core.Credential{}, core.NewAuthError(
			fmt.Sprintf("credentials: no usable lease for ref %q and no refresher configured", ref), false)
	}

	refreshed, err, _ := p.flight.Do(ref, func() (any, error) {
		// Re-check under the flight: a concurrent caller may have already
		// replaced the lease while this one waited.
		p.mu.RLock()
		current, exists := p.leases[ref]
		p.mu.RUnlock()
		if exists && !current.ExpiresWithin(p.now(), p.refreshWindow) {
			return current, nil
		}

		fresh, refreshErr := p.refresher.Refresh(ctx, ref, current)
		if refreshErr != nil {
			core.LogError(ctx, p.logger, "credential refresh failed", map[string]any{
				"credential_ref": ref,
				"error_kind":     core.Kind(refreshErr),
			})
			return nil, refreshErr
		}
		p.mu.Lock()
		p.leases[ref] = fresh
		p.mu.Unlock()
		core.LogInfo(ctx, p.logger, "credential refreshed", map[string]any{
			"credential_ref": ref,
		})
		return fresh, nil
	})
	if err != nil {
		return core.Credential{}, err
	}
	lease, ok = refreshed.(core.Credential)
	if !ok {
		return core.Credential{}, core.NewInternalError("credentials: refresh returned unexpected type")
	}
	return lease, nil
}

// Invalidate discards the lease after an upstream rejection so the next
// Acquire refreshes instead of replaying the bad credential.
func (p *Provider) Invalidate(ctx context.Context, ref string) {
	if p == nil {
		return
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return
	}
	p.mu.Lock()
	delete(p.leases, ref)
	p.mu.Unlock()
	core.LogInfo(ctx, p.logger, "credential lease invalidated", map[string]any{
		"credential_ref": ref,
	})
}

func (p *Provider) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

// FromSpec maps a connector credential block to a lease.
func FromSpec(spec core.CredentialSpec) (core.Credential, error) {
	switch core.CredentialScheme(strings.ToLower(strings.TrimSpace(spec.Scheme))) {
	case core.CredentialSchemeBearer:
		if strings.TrimSpace(spec.Token) == "" {
			return core.Credential{}, core.NewValidationError("credentials: bearer scheme requires token")
		}
		return core.Credential{
			Scheme:       core.CredentialSchemeBearer,
			Value:        strings.TrimSpace(spec.Token),
			RefreshToken: strings.TrimSpace(spec.RefreshToken),
		}, nil
	case core.CredentialSchemeBasic:
		if strings.TrimSpace(spec.Username) == "" || spec.Password == "" {
			return core.Credential{}, core.NewValidationError("credentials: basic scheme requires username and password")
		}
		raw := strings.TrimSpace(spec.Username) + ":" + spec.Password
		return core.Credential{
			Scheme: core.CredentialSchemeBasic,
			Value:  base64.StdEncoding.EncodeToString([]byte(raw)),
		}, nil
	case core.CredentialSchemeAPIKey:
		if strings.TrimSpace(spec.APIKey) == "" {
			return core.Credential{}, core.NewValidationError("credentials: api-key scheme requires apiKey")
		}
		header := strings.TrimSpace(spec.Header)
		if header == "" {
			header = "X-API-Key"
		}
		return core.Credential{
			Scheme: core.CredentialSchemeAPIKey,
			Value:  strings.TrimSpace(spec.APIKey),
			Header: header,
		}, nil
	case core.CredentialSchemeCustomHeader:
		if strings.TrimSpace(spec.Header) == "" || strings.TrimSpace(spec.Token) == "" {
			return core.Credential{}, core.NewValidationError("credentials: custom-header scheme requires header and token")
		}
		return core.Credential{
			Scheme: core.CredentialSchemeCustomHeader,
			Value:  strings.TrimSpace(spec.Token),
			Header: strings.TrimSpace(spec.Header),
		}, nil
	}
	return core.Credential{}, core.NewValidationError(
		fmt.Sprintf("credentials: unsupported scheme %q", spec.Scheme))
}

// Apply stamps the credential onto outbound request headers.
func Apply(credential core.Credential, headers map[string]string) {
	if headers == nil {
		return
	}
	switch credential.Scheme {
	case core.CredentialSchemeBearer:
		headers["Authorization"] = "Bearer " + credential.Value
	case core.CredentialSchemeBasic:
		headers["Authorization"] = "Basic " + credential.Value
	case core.CredentialSchemeAPIKey, core.CredentialSchemeCustomHeader:
		if strings.TrimSpace(credential.Header) != "" {
			headers[credential.Header] = credential.Value
		}
	}
}

var _ core.CredentialProvider = (*Provider)(nil)
