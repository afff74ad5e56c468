package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goliatone/go-ingest/core"
)

// OAuth2Config drives the token endpoint exchange. ClientID, ClientSecret,
// and TokenURL come from the connector's credential block.
type OAuth2Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string

	// FallbackTTL applies when the token response omits expires_in.
	FallbackTTL time.Duration

	Now func() time.Time
}

// OAuth2Refresher exchanges client credentials, or a refresh token when the
// current lease carries one, for a fresh bearer lease. It plugs into the
// provider through WithRefresher; the provider's single flight keeps
// concurrent refreshes to one token round trip.
type OAuth2Refresher struct {
	adapter core.TransportAdapter
	config  OAuth2Config
}

func NewOAuth2Refresher(adapter core.TransportAdapter, cfg OAuth2Config) (*OAuth2Refresher, error) {
	if adapter == nil {
		return nil, core.NewValidationError("credentials: oauth2 refresher requires a transport adapter")
	}
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, core.NewValidationError("credentials: oauth2 refresher requires client id and secret")
	}
	if strings.TrimSpace(cfg.TokenURL) == "" {
		return nil, core.NewValidationError("credentials: oauth2 refresher requires a token url")
	}
	if cfg.FallbackTTL <= 0 {
		cfg.FallbackTTL = time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &OAuth2Refresher{adapter: adapter, config: cfg}, nil
}

// OAuth2RefresherFromSpec builds a refresher from the connector's credential
// block when it carries a token endpoint.
func OAuth2RefresherFromSpec(adapter core.TransportAdapter, spec core.CredentialSpec) (*OAuth2Refresher, error) {
	return NewOAuth2Refresher(adapter, OAuth2Config{
		ClientID:     spec.ClientID,
		ClientSecret: spec.ClientSecret,
		TokenURL:     spec.TokenURL,
	})
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

func (r *OAuth2Refresher) Refresh(ctx context.Context, ref string, current core.Credential) (core.Credential, error) {
	if r == nil {
		return core.Credential{}, core.NewInternalError("credentials: oauth2 refresher is nil")
	}

	form := url.Values{}
	if token := strings.TrimSpace(current.RefreshToken); token != "" {
		form.Set("grant_type", "refresh_token")
		form.Set("refresh_token", token)
	} else {
		form.Set("grant_type", "client_credentials")
		if len(r.config.Scopes) > 0 {
			form.Set("scope", strings.Join(r.config.Scopes, " "))
		}
	}
	form.Set("client_id", strings.TrimSpace(r.config.ClientID))
	form.Set("client_secret", strings.TrimSpace(r.config.ClientSecret))

	res, err := r.adapter.Do(ctx, core.TransportRequest{
		Method: http.MethodPost,
		URL:    strings.TrimSpace(r.config.TokenURL),
		Headers: map[string]string{
			"Content-Type": "application/x-www-form-urlencoded",
		},
		Body: []byte(form.Encode()),
	})
	if err != nil {
		return core.Credential{}, err
	}
	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
		return core.Credential{}, core.NewAuthError(
			fmt.Sprintf("credentials: token endpoint rejected ref %q with status %d", ref, res.StatusCode), false)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return core.Credential{}, core.NewServerError(
			fmt.Sprintf("credentials: token endpoint returned status %d for ref %q", res.StatusCode, ref), res.StatusCode)
	}

	var parsed tokenResponse
	if err := json.Unmarshal(res.Body, &parsed); err != nil {
		return core.Credential{}, core.WrapValidationError(err, "credentials: decode token response")
	}
	if strings.TrimSpace(parsed.AccessToken) == "" {
		return core.Credential{}, core.NewAuthError("credentials: token response carries no access_token", false)
	}
	if tokenType := strings.ToLower(strings.TrimSpace(parsed.TokenType)); tokenType != "" && tokenType != "bearer" {
		return core.Credential{}, core.NewValidationError(
			fmt.Sprintf("credentials: unsupported token type %q", parsed.TokenType))
	}

	ttl := r.config.FallbackTTL
	if parsed.ExpiresIn > 0 {
		ttl = time.Duration(parsed.ExpiresIn) * time.Second
	}
	expiresAt := r.config.Now().UTC().Add(ttl)

	refreshToken := strings.TrimSpace(parsed.RefreshToken)
	if refreshToken == "" {
		// Some issuers rotate the refresh token only sometimes; keep the old
		// one when the response omits it.
		refreshToken = strings.TrimSpace(current.RefreshToken)
	}

	return core.Credential{
		Scheme:       core.CredentialSchemeBearer,
		Value:        strings.TrimSpace(parsed.AccessToken),
		ExpiresAt:    &expiresAt,
		RefreshToken: refreshToken,
	}, nil
}

var _ Refresher = (*OAuth2Refresher)(nil)
