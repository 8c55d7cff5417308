package ws

import (
	"context"
	"encoding/json"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/akinalp/collab/models"
	"github.com/akinalp/collab/pkg/cache"
	"github.com/akinalp/collab/pkg/ratelimit"
)

// HubOptions configures the relay hub.
type HubOptions struct {
	// ReplaySize is how many recent messages a connecting client receives.
	ReplaySize int
	// ReplayTTL is how long a channel's tail survives without new messages.
	ReplayTTL      time.Duration
	MaxMessageSize int // in runes

	// Limiter throttles inbound messages per user; nil disables it.
	Limiter *ratelimit.MessageRateLimiter
	Clock   clock.Clock
}

// rosterEntry is one call participant tracked by the relay.
type rosterEntry struct {
	data  ParticipantData
	owner *Client
	order int64
}

// HubStats is a point-in-time count for the health endpoint.
type HubStats struct {
	Rooms       int `json:"rooms"`
	Connections int `json:"connections"`
	InCall      int `json:"in_call"`
}

// Hub is the relay side of the channel transport. It groups connections into
// rooms by (project, channel), fans out chat messages and call roster
// changes, and replays each room's recent tail to new connections.
//
// Membership changes go through Run via register/unregister; broadcasts and
// roster updates take mu directly.
type Hub struct {
	rooms   map[models.ConnectionKey]map[*Client]bool
	rosters map[models.ConnectionKey]map[string]*rosterEntry
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	seq        atomic.Int64
	rosterSeq  int64 // guarded by mu
	history    *cache.TTLCache[models.ConnectionKey, []models.Message]
	limiter    *ratelimit.MessageRateLimiter
	clock      clock.Clock
	replaySize int
	maxMsgSize int
}

// NewHub creates a hub. Call Run to start it.
func NewHub(opts HubOptions) *Hub {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.ReplayTTL <= 0 {
		opts.ReplayTTL = 10 * time.Minute
	}

	return &Hub{
		rooms:      make(map[models.ConnectionKey]map[*Client]bool),
		rosters:    make(map[models.ConnectionKey]map[string]*rosterEntry),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		history:    cache.NewWithClock[models.ConnectionKey, []models.Message](opts.Clock, opts.ReplayTTL, time.Minute),
		limiter:    opts.Limiter,
		clock:      opts.Clock,
		replaySize: opts.ReplaySize,
		maxMsgSize: opts.MaxMessageSize,
	}
}

// Run processes joins and leaves until ctx is cancelled, then closes every
// connection.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case <-ctx.Done():
			h.shutdown()
			return
		}
	}
}

// Stats counts rooms, connections and call participants.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var stats HubStats
	stats.Rooms = len(h.rooms)
	for _, clients := range h.rooms {
		stats.Connections += len(clients)
	}
	for _, roster := range h.rosters {
		stats.InCall += len(roster)
	}
	return stats
}

// ─── Membership ───

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.rooms[client.key]; !ok {
		h.rooms[client.key] = make(map[*Client]bool)
	}
	h.rooms[client.key][client] = true
	total := len(h.rooms[client.key])
	roster := h.rosterLocked(client.key)
	h.mu.Unlock()

	log.Printf("[relay] %s joined %s (connections in room: %d)", client.userID, client.key, total)

	if tail, ok := h.history.Get(client.key); ok {
		for _, msg := range tail {
			h.sendTo(client, Event{Op: OpMessageCreate, Data: msg})
		}
	}
	h.sendTo(client, Event{Op: OpParticipantSync, Data: ParticipantSyncData{Participants: roster}})
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	clients, ok := h.rooms[client.key]
	if !ok || !clients[client] {
		h.mu.Unlock()
		return
	}
	delete(clients, client)
	close(client.send)
	if len(clients) == 0 {
		delete(h.rooms, client.key)
	}

	// Participants published over this connection leave with it.
	var left []string
	for id, entry := range h.rosters[client.key] {
		if entry.owner == client {
			delete(h.rosters[client.key], id)
			left = append(left, id)
		}
	}
	if len(h.rosters[client.key]) == 0 {
		delete(h.rosters, client.key)
	}
	h.mu.Unlock()

	log.Printf("[relay] %s left %s", client.userID, client.key)

	sort.Strings(left)
	for _, id := range left {
		h.BroadcastToRoom(client.key, nil, Event{
			Op:   OpParticipantLeave,
			Data: ParticipantLeaveData{ParticipantID: id},
		})
	}
}

// drop schedules client for removal without blocking the caller.
func (h *Hub) drop(client *Client) {
	go func() {
		select {
		case h.unregister <- client:
		case <-h.done:
		}
	}()
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, clients := range h.rooms {
		for client := range clients {
			close(client.send)
		}
	}
	h.rooms = make(map[models.ConnectionKey]map[*Client]bool)
	h.rosters = make(map[models.ConnectionKey]map[string]*rosterEntry)
	h.history.Close()
	log.Println("[relay] hub shut down, all connections closed")
}

// ─── Fan-out ───

// BroadcastToRoom sends event to every connection in key's room except skip.
func (h *Hub) BroadcastToRoom(key models.ConnectionKey, skip *Client, event Event) {
	event.Seq = h.seq.Add(1)

	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[relay] failed to marshal %s broadcast: %v", event.Op, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.rooms[key] {
		if client == skip {
			continue
		}
		select {
		case client.send <- data:
		default:
			log.Printf("[relay] send buffer full for %s, dropping connection", client.userID)
			h.drop(client)
		}
	}
}

// sendTo delivers event to a single connection.
func (h *Hub) sendTo(client *Client, event Event) {
	event.Seq = h.seq.Add(1)

	data, err := json.Marshal(event)
	if err != nil {
		log.Printf("[relay] failed to marshal %s for %s: %v", event.Op, client.userID, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.rooms[client.key][client] {
		return
	}
	select {
	case client.send <- data:
	default:
		log.Printf("[relay] send buffer full for %s, dropping connection", client.userID)
		h.drop(client)
	}
}

// ─── Chat ───

// acceptMessage stamps a client draft with a server id and time, appends it
// to the replay tail and fans it out. The sender gets a message_ack instead
// of the echo.
func (h *Hub) acceptMessage(client *Client, draft models.Message) models.Message {
	clientID := draft.ClientID
	if clientID == "" {
		clientID = draft.ID
	}

	msg := models.Message{
		ID:                uuid.NewString(),
		ClientID:          clientID,
		ProjectID:         client.key.ProjectID,
		ChannelID:         client.key.ChannelID,
		UserID:            client.userID,
		AuthorDisplayName: client.displayName,
		Body:              draft.Body,
		SentAt:            h.clock.Now().UTC(),
	}

	if h.replaySize > 0 {
		h.history.Update(client.key, func(tail []models.Message, _ bool) []models.Message {
			tail = append(tail, msg)
			if over := len(tail) - h.replaySize; over > 0 {
				tail = append([]models.Message(nil), tail[over:]...)
			}
			return tail
		})
	}

	h.sendTo(client, Event{Op: OpMessageAck, Data: MessageAckData{ClientID: clientID, Message: msg}})
	h.BroadcastToRoom(client.key, client, Event{Op: OpMessageCreate, Data: msg})
	return msg
}

// ─── Call roster ───

func (h *Hub) joinParticipant(client *Client, p ParticipantData) {
	h.mu.Lock()
	roster, ok := h.rosters[client.key]
	if !ok {
		roster = make(map[string]*rosterEntry)
		h.rosters[client.key] = roster
	}
	if existing, ok := roster[p.ParticipantID]; ok {
		existing.data = p
		existing.owner = client
	} else {
		h.rosterSeq++
		roster[p.ParticipantID] = &rosterEntry{data: p, owner: client, order: h.rosterSeq}
	}
	h.mu.Unlock()

	h.BroadcastToRoom(client.key, client, Event{Op: OpParticipantJoin, Data: p})
}

func (h *Hub) leaveParticipant(client *Client, participantID string) {
	h.mu.Lock()
	roster := h.rosters[client.key]
	entry, ok := roster[participantID]
	if !ok || entry.owner != client {
		h.mu.Unlock()
		return
	}
	delete(roster, participantID)
	if len(roster) == 0 {
		delete(h.rosters, client.key)
	}
	h.mu.Unlock()

	h.BroadcastToRoom(client.key, client, Event{
		Op:   OpParticipantLeave,
		Data: ParticipantLeaveData{ParticipantID: participantID},
	})
}

func (h *Hub) updateParticipant(client *Client, upd ParticipantUpdateData) {
	h.mu.Lock()
	entry, ok := h.rosters[client.key][upd.ParticipantID]
	if !ok || entry.owner != client {
		h.mu.Unlock()
		return
	}
	if upd.AudioMuted != nil {
		entry.data.AudioMuted = *upd.AudioMuted
	}
	if upd.VideoOff != nil {
		entry.data.VideoOff = *upd.VideoOff
	}
	if upd.IsSharing != nil {
		entry.data.IsSharing = *upd.IsSharing
	}
	h.mu.Unlock()

	h.BroadcastToRoom(client.key, client, Event{Op: OpParticipantUpdate, Data: upd})
}

// rosterLocked lists key's participants in join order.
func (h *Hub) rosterLocked(key models.ConnectionKey) []ParticipantData {
	entries := make([]*rosterEntry, 0, len(h.rosters[key]))
	for _, e := range h.rosters[key] {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].order < entries[j].order })

	out := make([]ParticipantData, len(entries))
	for i, e := range entries {
		out[i] = e.data
	}
	return out
}
