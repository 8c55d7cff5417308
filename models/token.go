package models

import "github.com/golang-jwt/jwt/v5"

// TokenClaims is the payload of the access token presented when opening a
// channel connection. The relay signs it; the client only reads the expiry.
type TokenClaims struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	jwt.RegisteredClaims
}

// DevTokenRequest asks the dev relay for an access token.
type DevTokenRequest struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

// DevTokenResponse carries a freshly issued access token.
type DevTokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"` // seconds
}
