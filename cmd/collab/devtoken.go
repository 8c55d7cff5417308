package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang-jwt/jwt/v5"

	"github.com/akinalp/collab/models"
	"github.com/akinalp/collab/pkg"
)

const devTokenTimeout = 20 * time.Second

// relayHTTPURL turns the relay's ws:// base URL into its http:// origin.
func relayHTTPURL(wsURL string) (string, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return "", fmt.Errorf("%w: invalid transport url: %v", pkg.ErrInvalidTarget, err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("%w: unsupported scheme %q", pkg.ErrInvalidTarget, u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")
	u.RawQuery = ""
	return u.String(), nil
}

// fetchDevToken asks the relay for an access token, retrying while the relay
// is still starting. Client errors (4xx) end the retry.
func fetchDevToken(ctx context.Context, client *http.Client, relayURL string, req models.DevTokenRequest) (string, error) {
	base, err := relayHTTPURL(relayURL)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode token request: %w", err)
	}

	var token string
	op := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/dev/token", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("%w: %v", pkg.ErrTransport, err)
		}
		defer resp.Body.Close()

		var envelope struct {
			Success bool                    `json:"success"`
			Data    models.DevTokenResponse `json:"data"`
			Error   string                  `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return fmt.Errorf("%w: decode token response: %v", pkg.ErrTransport, err)
		}

		switch {
		case envelope.Success:
			token = envelope.Data.Token
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("%w: %s", pkg.ErrTransport, envelope.Error)
		default:
			return backoff.Permanent(fmt.Errorf("%w: %s", pkg.ErrUnauthorized, envelope.Error))
		}
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = devTokenTimeout
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return "", err
	}
	return token, nil
}

// identityFromToken reads the user out of an access token. The signature is
// the relay's business; the client only needs to know who it is.
func identityFromToken(token string) (models.Identity, error) {
	claims := &models.TokenClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return models.Identity{}, fmt.Errorf("%w: malformed access token: %v", pkg.ErrUnauthorized, err)
	}
	if claims.UserID == "" {
		return models.Identity{}, fmt.Errorf("%w: token has no user", pkg.ErrUnauthorized)
	}

	identity := models.Identity{UserID: claims.UserID, DisplayName: claims.DisplayName}
	if identity.DisplayName == "" {
		identity.DisplayName = identity.UserID
	}
	return identity, nil
}
