package ws

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/akinalp/collab/models"
	"github.com/akinalp/collab/pkg"
)

// Conn is one established bidirectional frame channel.
type Conn interface {
	// ReadMessage blocks until a frame arrives or the connection fails.
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Transport opens connections keyed by (project, channel). Reconnection and
// retry are not its concern; Session handles them on top.
type Transport interface {
	Dial(ctx context.Context, key models.ConnectionKey) (Conn, error)
}

// TokenSource returns the access token to present on connect.
// Errors wrapping pkg.ErrUnauthorized are not retried.
type TokenSource func(ctx context.Context) (string, error)

// StaticToken serves a fixed token, refusing it once expired.
//
// The token is parsed without signature verification: only the relay holds
// the secret, the client just avoids dialing with a token it knows is dead.
func StaticToken(token string) TokenSource {
	return func(_ context.Context) (string, error) {
		if token == "" {
			return "", fmt.Errorf("%w: no access token configured", pkg.ErrUnauthorized)
		}

		claims := &models.TokenClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
			return "", fmt.Errorf("%w: malformed access token: %v", pkg.ErrUnauthorized, err)
		}
		if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
			return "", fmt.Errorf("%w: access token expired", pkg.ErrUnauthorized)
		}
		return token, nil
	}
}

// clientReadLimit bounds frames read by the client. Rosters and replays are
// larger than single chat messages, hence above relayReadLimit.
const clientReadLimit = 1 << 20

// WebsocketTransport dials the relay's /ws endpoint with gorilla/websocket.
type WebsocketTransport struct {
	baseURL     string
	tokens      TokenSource
	dialer      *websocket.Dialer
	readTimeout time.Duration
}

// NewWebsocketTransport creates a transport for baseURL (ws:// or wss://).
// readTimeout should exceed the heartbeat interval; zero disables it.
func NewWebsocketTransport(baseURL string, tokens TokenSource, readTimeout time.Duration) *WebsocketTransport {
	return &WebsocketTransport{
		baseURL:     baseURL,
		tokens:      tokens,
		dialer:      &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		readTimeout: readTimeout,
	}
}

// Dial opens a websocket for key.
func (t *WebsocketTransport) Dial(ctx context.Context, key models.ConnectionKey) (Conn, error) {
	token, err := t.tokens(ctx)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(t.baseURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid transport url: %v", pkg.ErrInvalidTarget, err)
	}
	u.Path = path.Join(u.Path, "/ws")
	q := u.Query()
	q.Set("project_id", key.ProjectID)
	q.Set("channel_id", key.ChannelID)
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, resp, err := t.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: relay rejected access token", pkg.ErrUnauthorized)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", pkg.ErrTransport, key, err)
	}

	conn.SetReadLimit(clientReadLimit)
	return &wsConn{conn: conn, readTimeout: t.readTimeout}, nil
}

// wsConn adapts *websocket.Conn to Conn.
type wsConn struct {
	conn        *websocket.Conn
	readTimeout time.Duration
	mu          sync.Mutex // gorilla allows one concurrent writer
	closeOnce   sync.Once
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		if c.readTimeout > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
				return nil, err
			}
		}
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if msgType == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.mu.Unlock()
		err = c.conn.Close()
	})
	return err
}
