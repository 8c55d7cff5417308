// Package services holds the collaboration core's stateful components: chat
// logs, call rosters, layout, screen share and presence. Each one consumes a
// channel session (or the media boundary) and exposes a read model plus a
// Subscribe hook for the UI.
package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/akinalp/collab/models"
	"github.com/akinalp/collab/pkg"
	"github.com/akinalp/collab/pkg/ratelimit"
	"github.com/akinalp/collab/repository"
	"github.com/akinalp/collab/ws"
)

const (
	defaultMaxMessageSize = 4000
	defaultHydrateLimit   = 200
	cacheWriteTimeout     = 5 * time.Second
)

// ChatChannel is the ordered message log of one (project, channel) pair.
type ChatChannel interface {
	// OnMessage merges an inbound message: dedupe by id, insert by SentAt,
	// and reconcile with the pending entry that carries its ClientID.
	OnMessage(msg models.Message)

	// SendMessage appends an optimistic pending entry and hands it to the
	// session. The entry is in the log before SendMessage returns.
	SendMessage(ctx context.Context, draft models.MessageDraft) (models.Message, error)

	// RetrySend re-sends a failed entry.
	RetrySend(ctx context.Context, id string) error

	// GetMessages returns a copy of the log sorted by SentAt.
	GetMessages() []models.Message

	View() models.ChatView
	Subscribe(fn func(models.ChatView)) func()

	// Hydrate loads the cached tail of the channel from the local store.
	Hydrate(ctx context.Context) error

	Close()
}

// ChatChannelOptions configures a ChatChannel. Only Identity is required.
type ChatChannelOptions struct {
	Identity models.Identity

	// Cache, when set, keeps confirmed messages across restarts.
	Cache        repository.MessageCache
	HydrateLimit int

	// Limiter throttles local sends before they reach the relay.
	Limiter        *ratelimit.MessageRateLimiter
	MaxMessageSize int // in runes
	Clock          clock.Clock
}

type chatChannel struct {
	key          models.ConnectionKey
	session      ChannelSession
	identity     models.Identity
	cache        repository.MessageCache
	hydrateLimit int
	limiter      *ratelimit.MessageRateLimiter
	maxSize      int
	clock        clock.Clock

	mu          sync.Mutex
	messages    []models.Message
	connected   bool
	closed      bool
	unsubscribe func()

	views notifier[models.ChatView]
}

// NewChatChannel creates a chat log over an already running session.
func NewChatChannel(session ChannelSession, opts ChatChannelOptions) ChatChannel {
	c := newChatChannel(session.Key(), opts)
	c.session = session
	c.unsubscribe = session.Subscribe(c.handleSessionEvent)

	c.mu.Lock()
	c.connected = session.Status().State == models.ConnectionOpen
	c.mu.Unlock()
	return c
}

// OpenChatChannel opens the channel's session through opener with the chat
// log subscribed from the first event, so a replayed tail is never missed.
func OpenChatChannel(opener SessionOpener, projectID, channelID string, opts ChatChannelOptions) (ChatChannel, error) {
	c := newChatChannel(models.ConnectionKey{ProjectID: projectID, ChannelID: channelID}, opts)

	session, unsubscribe, err := opener.Attach(projectID, channelID, c.handleSessionEvent)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.session = session
	c.unsubscribe = unsubscribe
	c.connected = session.Status().State == models.ConnectionOpen
	c.mu.Unlock()
	return c, nil
}

func newChatChannel(key models.ConnectionKey, opts ChatChannelOptions) *chatChannel {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}
	if opts.HydrateLimit <= 0 {
		opts.HydrateLimit = defaultHydrateLimit
	}

	return &chatChannel{
		key:          key,
		identity:     opts.Identity,
		cache:        opts.Cache,
		hydrateLimit: opts.HydrateLimit,
		limiter:      opts.Limiter,
		maxSize:      opts.MaxMessageSize,
		clock:        opts.Clock,
	}
}

// ─── Inbound ───

func (c *chatChannel) OnMessage(msg models.Message) {
	msg.Status = models.MessageStatusConfirmed

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	changed := c.mergeLocked(msg)
	c.mu.Unlock()

	if changed {
		c.persist(msg)
		c.publish()
	}
}

// mergeLocked applies the dedupe and reconciliation rules and reports
// whether the log changed.
func (c *chatChannel) mergeLocked(msg models.Message) bool {
	changed := false

	// The ack or echo of our own send replaces the optimistic entry.
	if msg.ClientID != "" && msg.ClientID != msg.ID {
		if i := c.indexLocked(msg.ClientID); i >= 0 && c.messages[i].Status != models.MessageStatusConfirmed {
			c.removeLocked(i)
			changed = true
		}
	}

	if i := c.indexLocked(msg.ID); i >= 0 {
		existing := c.messages[i]
		if existing.SameContent(msg) {
			return changed
		}
		if existing.SentAt.Equal(msg.SentAt) {
			c.messages[i] = msg
			return true
		}
		c.removeLocked(i)
	}

	c.insertLocked(msg)
	return true
}

// insertLocked places msg after every entry with SentAt <= msg.SentAt, so
// equal timestamps keep arrival order.
func (c *chatChannel) insertLocked(msg models.Message) {
	i := sort.Search(len(c.messages), func(i int) bool {
		return c.messages[i].SentAt.After(msg.SentAt)
	})
	c.messages = append(c.messages, models.Message{})
	copy(c.messages[i+1:], c.messages[i:])
	c.messages[i] = msg
}

func (c *chatChannel) removeLocked(i int) {
	c.messages = append(c.messages[:i], c.messages[i+1:]...)
}

func (c *chatChannel) indexLocked(id string) int {
	for i := range c.messages {
		if c.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (c *chatChannel) handleSessionEvent(ev ws.SessionEvent) {
	switch ev.Type {
	case ws.EventStatusChanged:
		c.handleStatus(ev.Status)

	case ws.EventMessageReceived:
		c.handleFrame(ev.Frame)

	case ws.EventError:
		log.Printf("[chat] %s: session error: %v", c.key, ev.Err)
	}
}

func (c *chatChannel) handleFrame(frame ws.Event) {
	switch frame.Op {
	case ws.OpMessageCreate:
		var msg models.Message
		if err := ws.DecodeData(frame, &msg); err != nil {
			log.Printf("[chat] %s: dropping malformed message: %v", c.key, err)
			return
		}
		c.OnMessage(msg)

	case ws.OpMessageAck:
		var ack ws.MessageAckData
		if err := ws.DecodeData(frame, &ack); err != nil {
			log.Printf("[chat] %s: dropping malformed ack: %v", c.key, err)
			return
		}
		if ack.Message.ClientID == "" {
			ack.Message.ClientID = ack.ClientID
		}
		c.OnMessage(ack.Message)

	case ws.OpError:
		var data ws.ErrorData
		if err := ws.DecodeData(frame, &data); err != nil {
			return
		}
		c.handleRejection(data)
	}
}

// handleRejection marks the oldest pending entry failed. The relay answers
// sends in order, so a rejection belongs to the first unanswered one.
func (c *chatChannel) handleRejection(data ws.ErrorData) {
	log.Printf("[chat] %s: relay rejected message (%s): %s", c.key, data.Code, data.Message)

	c.mu.Lock()
	changed := false
	for i := range c.messages {
		if c.messages[i].Status == models.MessageStatusPending {
			c.messages[i].Status = models.MessageStatusFailed
			changed = true
			break
		}
	}
	c.mu.Unlock()

	if changed {
		c.publish()
	}
}

func (c *chatChannel) handleStatus(status models.ConnectionStatus) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.connected = status.State == models.ConnectionOpen
	if status.State == models.ConnectionClosed {
		for i := range c.messages {
			if c.messages[i].Status == models.MessageStatusPending {
				c.messages[i].Status = models.MessageStatusFailed
			}
		}
	}
	c.mu.Unlock()

	c.publish()
}

// ─── Outbound ───

func (c *chatChannel) SendMessage(ctx context.Context, draft models.MessageDraft) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	if err := c.validate(draft.Body); err != nil {
		return models.Message{}, err
	}

	if c.limiter != nil && !c.limiter.Allow(c.identity.UserID) {
		return models.Message{}, fmt.Errorf("%w: retry in %ds", pkg.ErrRateLimited, c.limiter.CooldownSeconds(c.identity.UserID))
	}

	id := uuid.NewString()
	msg := models.Message{
		ID:                id,
		ClientID:          id,
		ProjectID:         c.key.ProjectID,
		ChannelID:         c.key.ChannelID,
		UserID:            c.identity.UserID,
		AuthorDisplayName: c.identity.DisplayName,
		Body:              draft.Body,
		SentAt:            c.clock.Now().UTC(),
		Status:            models.MessageStatusPending,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return models.Message{}, fmt.Errorf("%w: chat channel %s is closed", pkg.ErrNotConnected, c.key)
	}
	c.insertLocked(msg)
	session := c.session
	c.mu.Unlock()
	c.publish()

	if err := c.transmit(session, msg); err != nil {
		msg.Status = models.MessageStatusFailed
		return msg, err
	}
	return msg, nil
}

func (c *chatChannel) RetrySend(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	i := c.indexLocked(id)
	if i < 0 {
		c.mu.Unlock()
		return fmt.Errorf("%w: message %s", pkg.ErrNotFound, id)
	}
	if c.messages[i].Status != models.MessageStatusFailed {
		c.mu.Unlock()
		return fmt.Errorf("%w: message %s is %s", pkg.ErrBadRequest, id, c.messages[i].Status)
	}
	c.messages[i].Status = models.MessageStatusPending
	msg := c.messages[i]
	session := c.session
	c.mu.Unlock()
	c.publish()

	return c.transmit(session, msg)
}

// transmit sends msg and marks it failed when the session refuses it.
func (c *chatChannel) transmit(session ChannelSession, msg models.Message) error {
	err := pkg.ErrNotConnected
	if session != nil {
		err = session.Send(ws.Event{Op: ws.OpMessageCreate, Data: msg})
	}
	if err == nil {
		return nil
	}

	log.Printf("[chat] %s: send %s failed: %v", c.key, msg.ID, err)
	c.mu.Lock()
	if i := c.indexLocked(msg.ID); i >= 0 && c.messages[i].Status == models.MessageStatusPending {
		c.messages[i].Status = models.MessageStatusFailed
	}
	c.mu.Unlock()
	c.publish()

	if !errors.Is(err, pkg.ErrNotConnected) {
		return fmt.Errorf("%w: %v", pkg.ErrTransport, err)
	}
	return err
}

func (c *chatChannel) validate(body string) error {
	if !utf8.ValidString(body) {
		return fmt.Errorf("%w: message is not valid UTF-8", pkg.ErrBadRequest)
	}
	if strings.TrimSpace(body) == "" {
		return fmt.Errorf("%w: message body is empty", pkg.ErrBadRequest)
	}
	if utf8.RuneCountInString(body) > c.maxSize {
		return fmt.Errorf("%w: message exceeds %d characters", pkg.ErrBadRequest, c.maxSize)
	}
	return nil
}

// ─── Read model ───

func (c *chatChannel) GetMessages() []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Message(nil), c.messages...)
}

func (c *chatChannel) View() models.ChatView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return models.ChatView{
		Messages:    append([]models.Message(nil), c.messages...),
		IsConnected: c.connected,
	}
}

func (c *chatChannel) Subscribe(fn func(models.ChatView)) func() {
	return c.views.subscribe(fn)
}

func (c *chatChannel) publish() {
	c.views.notify(c.View)
}

// ─── Local cache ───

func (c *chatChannel) Hydrate(ctx context.Context) error {
	if c.cache == nil {
		return nil
	}

	cached, err := c.cache.RecentMessages(ctx, c.key, c.hydrateLimit)
	if err != nil {
		return fmt.Errorf("failed to hydrate %s: %w", c.key, err)
	}

	c.mu.Lock()
	changed := false
	for _, msg := range cached {
		msg.Status = models.MessageStatusConfirmed
		if c.mergeLocked(msg) {
			changed = true
		}
	}
	c.mu.Unlock()

	if changed {
		c.publish()
	}
	return nil
}

func (c *chatChannel) persist(msg models.Message) {
	if c.cache == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cacheWriteTimeout)
	defer cancel()

	if err := c.cache.SaveMessages(ctx, []models.Message{msg}); err != nil {
		log.Printf("[chat] %s: failed to cache message %s: %v", c.key, msg.ID, err)
	}
}

func (c *chatChannel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.connected = false
	c.messages = nil
	unsubscribe := c.unsubscribe
	c.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	c.publish()
	c.views.clear()
}
