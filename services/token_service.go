package services

import (
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/livekit/protocol/auth"

	"github.com/akinalp/collab/config"
	"github.com/akinalp/collab/models"
	"github.com/akinalp/collab/pkg"
)

const (
	tokenIssuer       = "collab-relay"
	maxUserIDLength   = 64
	callTokenValidity = 6 * time.Hour
)

// TokenService issues and checks the relay's access tokens and mints call
// tokens for the media server.
type TokenService interface {
	// IssueAccessToken signs a dev access token for the given identity.
	IssueAccessToken(req models.DevTokenRequest) (*models.DevTokenResponse, error)

	// ValidateAccessToken verifies signature and expiry. Any failure is
	// pkg.ErrUnauthorized.
	ValidateAccessToken(tokenString string) (*models.TokenClaims, error)

	// IssueCallToken mints a LiveKit token for the caller's room in the
	// channel's call.
	IssueCallToken(claims *models.TokenClaims, req models.CallTokenRequest) (*models.CallTokenResponse, error)
}

type tokenService struct {
	jwtSecret  []byte
	accessExp  time.Duration
	livekitCfg config.LiveKitConfig
	clock      clock.Clock
}

// NewTokenService creates a token service. clk may be nil for the wall clock.
func NewTokenService(jwtCfg config.JWTConfig, livekitCfg config.LiveKitConfig, clk clock.Clock) TokenService {
	if clk == nil {
		clk = clock.New()
	}
	return &tokenService{
		jwtSecret:  []byte(jwtCfg.Secret),
		accessExp:  time.Duration(jwtCfg.AccessTokenExpiry) * time.Minute,
		livekitCfg: livekitCfg,
		clock:      clk,
	}
}

func (s *tokenService) IssueAccessToken(req models.DevTokenRequest) (*models.DevTokenResponse, error) {
	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", pkg.ErrBadRequest)
	}
	if len(userID) > maxUserIDLength {
		return nil, fmt.Errorf("%w: user_id must be at most %d characters", pkg.ErrBadRequest, maxUserIDLength)
	}

	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = userID
	}

	now := s.clock.Now()
	claims := &models.TokenClaims{
		UserID:      userID,
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessExp)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign access token: %w", err)
	}

	return &models.DevTokenResponse{
		Token:     token,
		ExpiresIn: int(s.accessExp.Seconds()),
	}, nil
}

func (s *tokenService) ValidateAccessToken(tokenString string) (*models.TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &models.TokenClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	}, jwt.WithTimeFunc(s.clock.Now))

	if err != nil {
		return nil, fmt.Errorf("%w: invalid token", pkg.ErrUnauthorized)
	}

	claims, ok := token.Claims.(*models.TokenClaims)
	if !ok || !token.Valid || claims.UserID == "" {
		return nil, fmt.Errorf("%w: invalid token claims", pkg.ErrUnauthorized)
	}

	return claims, nil
}

func (s *tokenService) IssueCallToken(claims *models.TokenClaims, req models.CallTokenRequest) (*models.CallTokenResponse, error) {
	key := models.ConnectionKey{ProjectID: req.ProjectID, ChannelID: req.ChannelID}
	if !key.Valid() {
		return nil, fmt.Errorf("%w: project_id and channel_id are required", pkg.ErrInvalidTarget)
	}
	if s.livekitCfg.APIKey == "" || s.livekitCfg.APISecret == "" {
		return nil, fmt.Errorf("%w: media server is not configured", pkg.ErrInternal)
	}

	room := CallRoomName(key)
	canPublish := true
	canSubscribe := true

	at := auth.NewAccessToken(s.livekitCfg.APIKey, s.livekitCfg.APISecret)
	grant := &auth.VideoGrant{
		RoomJoin:     true,
		Room:         room,
		CanPublish:   &canPublish,
		CanSubscribe: &canSubscribe,
	}

	at.AddGrant(grant).
		SetIdentity(claims.UserID).
		SetName(claims.DisplayName).
		SetValidFor(callTokenValidity)

	token, err := at.ToJWT()
	if err != nil {
		return nil, fmt.Errorf("failed to generate livekit token: %w", err)
	}

	return &models.CallTokenResponse{
		Token: token,
		URL:   s.livekitCfg.URL,
		Room:  room,
	}, nil
}

// CallRoomName maps a channel to its media-server room.
func CallRoomName(key models.ConnectionKey) string {
	return key.ProjectID + "_" + key.ChannelID
}
