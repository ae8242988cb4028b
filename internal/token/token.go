// Package token issues, validates, and revokes signed access and refresh
// tokens. Every issued token has a server-side metadata shadow keyed by its
// jti; revocation flips that record and is never undone. Refresh tokens are
// rotated on use.
package token

import (
	"time"
)

// Type distinguishes access tokens from refresh tokens.
type Type string

const (
	// TypeAccess is a short-lived token carrying identity and roles.
	TypeAccess Type = "access"
	// TypeRefresh is a longer-lived token exchangeable for a new pair.
	TypeRefresh Type = "refresh"
)

// Claims are the verified contents of a token.
type Claims struct {
	// JTI is the unique token id.
	JTI string `json:"jti"`
	// Subject is the subject id.
	Subject string `json:"sub"`
	// Email is the subject's email, present on access tokens.
	Email string `json:"email,omitempty"`
	// Roles are the subject's roles, present on access tokens.
	Roles []string `json:"roles,omitempty"`
	// Type is the token type.
	Type Type `json:"type"`
	// IssuedAt is when the token was issued.
	IssuedAt time.Time `json:"iat"`
	// ExpiresAt is when the token expires.
	ExpiresAt time.Time `json:"exp"`
}

// Metadata is the server-side shadow record for an issued token. Once
// Revoked is set it is never cleared.
type Metadata struct {
	// JTI is the unique token id.
	JTI string `json:"jti"`
	// Subject is the subject id.
	Subject string `json:"subject"`
	// Type is the token type.
	Type Type `json:"type"`
	// IssuedAt is when the token was issued.
	IssuedAt time.Time `json:"issued_at"`
	// ExpiresAt is when the token expires.
	ExpiresAt time.Time `json:"expires_at"`
	// Revoked marks the token as unusable.
	Revoked bool `json:"revoked"`
	// RevokedAt is when the token was revoked.
	RevokedAt time.Time `json:"revoked_at,omitempty"`
	// IPAddress is the issuing request's IP.
	IPAddress string `json:"ip_address,omitempty"`
	// UserAgent is the issuing request's user agent.
	UserAgent string `json:"user_agent,omitempty"`
}

// Origin identifies where an issuance request came from.
type Origin struct {
	// IP is the caller's IP address.
	IP string
	// UserAgent is the caller's user agent.
	UserAgent string
}

// Pair is a freshly issued access and refresh token.
type Pair struct {
	// AccessToken is the signed access token.
	AccessToken string `json:"access_token"`
	// RefreshToken is the signed refresh token.
	RefreshToken string `json:"refresh_token"`
	// ExpiresAt is the access token's expiry.
	ExpiresAt time.Time `json:"expires_at"`
}
