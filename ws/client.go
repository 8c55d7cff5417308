package ws

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/akinalp/collab/models"
)

const (
	// writeWait is the longest a single frame write may take.
	writeWait = 10 * time.Second

	// pongWait is how long the relay waits for any frame. Clients heartbeat
	// every 30s by default, so three missed beats drop the connection.
	pongWait = 90 * time.Second

	// relayReadLimit bounds inbound frames on the relay.
	relayReadLimit = 64 << 10

	sendBufferSize = 256
)

// Client is one relay-side websocket connection. A user may hold several
// (tabs, devices), each its own Client in the same room.
type Client struct {
	hub         *Hub
	conn        *websocket.Conn
	key         models.ConnectionKey
	userID      string
	displayName string

	// send is the outbound queue drained by WritePump. The hub closes it on
	// removal, which ends WritePump.
	send chan []byte
	mu   sync.Mutex
}

// ReadPump reads frames until the connection fails, then unregisters.
// It runs on the handler goroutine.
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(relayReadLimit)

	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		log.Printf("[relay] failed to set read deadline for %s: %v", c.userID, err)
		return
	}

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[relay] unexpected close for %s: %v", c.userID, err)
			}
			return
		}

		// Any frame proves liveness.
		if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
			return
		}

		event, err := ParseEvent(raw)
		if err != nil {
			log.Printf("[relay] invalid frame from %s: %v", c.userID, err)
			c.sendError(ErrCodeInvalidFrame, "malformed frame")
			continue
		}

		c.handleEvent(event)
	}
}

func (c *Client) handleEvent(event Event) {
	switch event.Op {
	case OpHeartbeat:
		c.hub.sendTo(c, Event{Op: OpHeartbeatAck})

	case OpMessageCreate:
		c.handleMessageCreate(event)

	case OpParticipantJoin:
		c.handleParticipantJoin(event)

	case OpParticipantLeave:
		c.handleParticipantLeave(event)

	case OpParticipantUpdate:
		c.handleParticipantUpdate(event)

	default:
		log.Printf("[relay] unknown op from %s: %s", c.userID, event.Op)
	}
}

func (c *Client) handleMessageCreate(event Event) {
	var draft models.Message
	if err := DecodeData(event, &draft); err != nil {
		c.sendError(ErrCodeInvalidFrame, "invalid message payload")
		return
	}

	if strings.TrimSpace(draft.Body) == "" {
		c.sendError(ErrCodeInvalidFrame, "message body is empty")
		return
	}
	if limit := c.hub.maxMsgSize; limit > 0 && utf8.RuneCountInString(draft.Body) > limit {
		c.sendError(ErrCodeInvalidFrame, fmt.Sprintf("message exceeds %d characters", limit))
		return
	}

	if l := c.hub.limiter; l != nil && !l.Allow(c.userID) {
		c.sendError(ErrCodeRateLimited, fmt.Sprintf("slow down, retry in %ds", l.CooldownSeconds(c.userID)))
		return
	}

	c.hub.acceptMessage(c, draft)
}

func (c *Client) handleParticipantJoin(event Event) {
	var data ParticipantData
	if err := DecodeData(event, &data); err != nil || data.ParticipantID == "" {
		log.Printf("[relay] participant_join without participant_id from %s", c.userID)
		return
	}
	c.hub.joinParticipant(c, data)
}

func (c *Client) handleParticipantLeave(event Event) {
	var data ParticipantLeaveData
	if err := DecodeData(event, &data); err != nil || data.ParticipantID == "" {
		return
	}
	c.hub.leaveParticipant(c, data.ParticipantID)
}

func (c *Client) handleParticipantUpdate(event Event) {
	var data ParticipantUpdateData
	if err := DecodeData(event, &data); err != nil || data.ParticipantID == "" {
		return
	}
	c.hub.updateParticipant(c, data)
}

func (c *Client) sendError(code, message string) {
	c.hub.sendTo(c, Event{Op: OpError, Data: ErrorData{Code: code, Message: message}})
}

// WritePump drains send until the hub closes it.
func (c *Client) WritePump() {
	defer c.conn.Close()

	for message := range c.send {
		if err := c.writeMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	_ = c.writeMessage(websocket.CloseMessage, nil)
}

func (c *Client) writeMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}
