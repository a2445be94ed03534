// Package provider calls the upstream OAuth2 token endpoint.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/dtroode/deskauth/internal/model"
)

var _ model.OAuthProvider = (*OAuth2Client)(nil)

// Config describes the upstream authorization server and the default client.
type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	RedirectURL  string
	Scopes       []string
	// AuthInParams sends client credentials in the request body instead of
	// HTTP basic auth.
	AuthInParams bool
	// Timeout bounds each token endpoint call. Zero disables the bound.
	Timeout time.Duration
}

// OAuth2Client implements model.OAuthProvider with golang.org/x/oauth2.
type OAuth2Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewOAuth2Client creates a client. A nil httpClient selects http.DefaultClient.
func NewOAuth2Client(cfg Config, httpClient *http.Client) *OAuth2Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &OAuth2Client{cfg: cfg, httpClient: httpClient}
}

// AuthCodeURL returns the URL an operator opens to authorize a tenant.
func (c *OAuth2Client) AuthCodeURL(client model.ClientCredentials, state string) string {
	return c.oauthConfig(client).AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// ExchangeCode trades an authorization code for the first token pair.
func (c *OAuth2Client) ExchangeCode(ctx context.Context, client model.ClientCredentials, code string) (model.TokenResponse, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	tok, err := c.oauthConfig(client).Exchange(ctx, code)
	if err != nil {
		return model.TokenResponse{}, c.classify(ctx, "exchange code", err)
	}

	return toResponse(tok, ""), nil
}

// Refresh redeems refreshToken for a new access token. RefreshToken in the
// response is empty unless the provider rotated it.
func (c *OAuth2Client) Refresh(ctx context.Context, client model.ClientCredentials, refreshToken string) (model.TokenResponse, error) {
	ctx, cancel := c.callContext(ctx)
	defer cancel()

	src := c.oauthConfig(client).TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		return model.TokenResponse{}, c.classify(ctx, "refresh token", err)
	}

	return toResponse(tok, refreshToken), nil
}

func (c *OAuth2Client) oauthConfig(client model.ClientCredentials) *oauth2.Config {
	style := oauth2.AuthStyleInHeader
	if c.cfg.AuthInParams {
		style = oauth2.AuthStyleInParams
	}

	conf := &oauth2.Config{
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
		RedirectURL:  c.cfg.RedirectURL,
		Scopes:       c.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.cfg.AuthURL,
			TokenURL:  c.cfg.TokenURL,
			AuthStyle: style,
		},
	}
	if client.ClientID != "" {
		conf.ClientID = client.ClientID
		conf.ClientSecret = client.ClientSecret
	}
	return conf
}

func (c *OAuth2Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	if c.cfg.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.cfg.Timeout)
}

// classify converts an oauth2 failure into the error taxonomy. 429 and 5xx
// responses and transport failures are transient; other 4xx rejections are
// permanent.
func (c *OAuth2Client) classify(ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &model.TimeoutError{Op: op, Timeout: c.cfg.Timeout, Err: err}
	}

	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("failed to %s: %w", op, err)
		}
		return &model.ProviderError{Transient: true, Err: err}
	}

	perr := &model.ProviderError{
		Code:        re.ErrorCode,
		Description: re.ErrorDescription,
		Err:         err,
	}
	if re.Response != nil {
		perr.StatusCode = re.Response.StatusCode
		perr.RetryAfter = parseRetryAfter(re.Response.Header.Get("Retry-After"))
	}

	switch {
	case perr.StatusCode == http.StatusTooManyRequests || re.ErrorCode == "slow_down":
		perr.Transient = true
		perr.Throttled = true
	case perr.StatusCode >= http.StatusInternalServerError || re.ErrorCode == "temporarily_unavailable":
		perr.Transient = true
	}
	return perr
}

func toResponse(tok *oauth2.Token, presented string) model.TokenResponse {
	resp := model.TokenResponse{
		AccessToken: tok.AccessToken,
		TokenType:   tok.Type(),
	}
	// x/oauth2 carries the presented refresh token over when the provider
	// does not return a new one.
	if tok.RefreshToken != presented {
		resp.RefreshToken = tok.RefreshToken
	}
	if !tok.Expiry.IsZero() {
		resp.ExpiresIn = time.Until(tok.Expiry).Round(time.Second)
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		resp.Scope = scope
	}
	return resp
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

// CountsAsFailure is the breaker failure predicate for the token endpoint.
// Transient rejections, timeouts and transport failures mean the endpoint is
// unhealthy; a permanent rejection such as invalid_grant means it answered.
func CountsAsFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var perr *model.ProviderError
	if errors.As(err, &perr) {
		return perr.Transient
	}
	return true
}
