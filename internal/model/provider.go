package model

import (
	"context"
	"time"
)

// TokenResponse is what the upstream token endpoint returns.
type TokenResponse struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    time.Duration
	RefreshToken string
	Scope        string
}

// OAuthProvider calls the upstream token endpoint. A zero ClientCredentials
// selects the provider's default client.
type OAuthProvider interface {
	ExchangeCode(ctx context.Context, client ClientCredentials, code string) (TokenResponse, error)
	Refresh(ctx context.Context, client ClientCredentials, refreshToken string) (TokenResponse, error)
}
