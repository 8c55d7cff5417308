package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/akinalp/collab/config"
	"github.com/akinalp/collab/models"
	"github.com/akinalp/collab/ws"
)

func testTokens() TokenService {
	return NewTokenService(
		config.JWTConfig{Secret: "services-test-secret", AccessTokenExpiry: 60},
		config.LiveKitConfig{URL: "ws://livekit.test", APIKey: "APIkey", APISecret: "livekit-test-secret-livekit-test-secret"},
		nil,
	)
}

// startTestRelay runs the dev relay on an httptest server.
func startTestRelay(t *testing.T) *httptest.Server {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	hub := ws.NewHub(ws.HubOptions{ReplaySize: 50})
	go hub.Run(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", ws.NewHandler(hub, testTokens()).HandleConnection)
	srv := httptest.NewServer(mux)

	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return srv
}

// newRelayManager returns a session manager dialing srv as identity.
func newRelayManager(t *testing.T, srv *httptest.Server, identity models.Identity) *ws.SessionManager {
	t.Helper()

	resp, err := testTokens().IssueAccessToken(models.DevTokenRequest{UserID: identity.UserID, DisplayName: identity.DisplayName})
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	transport := ws.NewWebsocketTransport(url, ws.StaticToken(resp.Token), 0)
	m := ws.NewSessionManager(transport, ws.SessionOptions{RetryBudget: 1})
	t.Cleanup(m.CloseAll)
	return m
}

// countingOpener tracks how many handlers are attached through it.
type countingOpener struct {
	SessionOpener
	attached atomic.Int32
}

func (o *countingOpener) Attach(projectID, channelID string, fn func(ws.SessionEvent)) (*ws.Session, func(), error) {
	s, detach, err := o.SessionOpener.Attach(projectID, channelID, fn)
	if err != nil {
		return nil, nil, err
	}
	o.attached.Add(1)

	var once atomic.Bool
	return s, func() {
		if once.CompareAndSwap(false, true) {
			o.attached.Add(-1)
		}
		detach()
	}, nil
}
