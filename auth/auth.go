// Package auth obtains bearer credentials for the dragonfly API through an
// OAuth client-credentials style password exchange.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/dragonfly-scan/dragonfly"
	"github.com/dragonfly-scan/dragonfly/internal/httputil"
)

// Credential is an opaque bearer token.
//
// Its expiry is decided by the server; a Credential is treated as valid
// until a request using it is rejected.
type Credential string

// String elides the token so it can't end up in logs by accident.
func (c Credential) String() string {
	if c == "" {
		return "<empty>"
	}
	return "<redacted>"
}

// LogValue implements [slog.LogValuer].
func (c Credential) LogValue() slog.Value {
	return slog.StringValue(c.String())
}

// Secrets are the application-level values sent with every token request.
type Secrets struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Audience     string `json:"audience"`
	GrantType    string `json:"grant_type"`
	Username     string `json:"username"`
	Password     string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// Provider performs the credential exchange.
//
// Provider is safe for concurrent use. The zero value is not.
type Provider struct {
	client  *http.Client
	url     *url.URL
	secrets Secrets
}

// Option controls the configuration of a Provider.
type Option func(*Provider) error

// WithClient sets the http.Client used for the exchange.
//
// If not passed to NewProvider, http.DefaultClient will be used.
func WithClient(c *http.Client) Option {
	return func(p *Provider) error {
		p.client = c
		return nil
	}
}

// WithTokenURL overrides the token endpoint derived from the auth domain.
func WithTokenURL(uri string) Option {
	u, err := url.Parse(uri)
	return func(p *Provider) error {
		if err != nil {
			return err
		}
		p.url = u
		return nil
	}
}

// NewProvider returns a Provider exchanging "s" at
// "https://<domain>/oauth/token".
func NewProvider(domain string, s Secrets, opt ...Option) (*Provider, error) {
	p := Provider{secrets: s}
	for _, f := range opt {
		if err := f(&p); err != nil {
			return nil, fmt.Errorf("auth: %w", err)
		}
	}
	if p.url == nil {
		if domain == "" {
			return nil, &dragonfly.Error{
				Op:      "auth.NewProvider",
				Kind:    dragonfly.ErrInvalid,
				Message: "no auth domain or token url",
			}
		}
		p.url = &url.URL{Scheme: "https", Host: domain, Path: "/oauth/token"}
	}
	if p.client == nil {
		p.client = http.DefaultClient
	}
	return &p, nil
}

// Fetch performs a single token exchange. No retries are attempted, and the
// returned Credential is not installed anywhere.
func (p *Provider) Fetch(ctx context.Context) (Credential, error) {
	const op = `auth.Fetch`
	fail := func(msg string, err error) (Credential, error) {
		return "", &dragonfly.Error{
			Op:      op,
			Kind:    dragonfly.ErrAuthentication,
			Message: msg,
			Inner:   err,
		}
	}
	req, err := httputil.NewRequest(ctx, http.MethodPost, p.url.String(), "", &p.secrets)
	if err != nil {
		return fail("building request", err)
	}
	res, err := p.client.Do(req)
	if err != nil {
		return fail("request failed", err)
	}
	defer res.Body.Close()
	if err := httputil.CheckSuccess(op, res); err != nil {
		return fail("token exchange rejected", err)
	}
	var tok tokenResponse
	if err := httputil.DecodeJSON(op, res, &tok); err != nil {
		return fail("token exchange response", err)
	}
	if tok.AccessToken == "" {
		return fail("empty access token", nil)
	}
	slog.DebugContext(ctx, "fetched access token",
		"token_type", tok.TokenType,
		"expires_in", time.Duration(tok.ExpiresIn)*time.Second)
	return Credential(tok.AccessToken), nil
}
