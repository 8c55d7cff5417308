package services

import (
	"github.com/akinalp/collab/models"
	"github.com/akinalp/collab/ws"
)

// ─── ISP Interfaces ───

// ChannelSession is the part of *ws.Session the chat and call layers use.
// Tests substitute an in-memory fake.
type ChannelSession interface {
	Key() models.ConnectionKey
	Status() models.ConnectionStatus
	Send(event ws.Event) error
	Subscribe(fn func(ws.SessionEvent)) func()
}

// SessionOpener opens (or reuses) the session for a channel, attaching fn
// before the session produces its first event. The returned func detaches fn.
// *ws.SessionManager satisfies it.
type SessionOpener interface {
	Attach(projectID, channelID string, fn func(ws.SessionEvent)) (*ws.Session, func(), error)
}

var (
	_ ChannelSession = (*ws.Session)(nil)
	_ SessionOpener  = (*ws.SessionManager)(nil)
)
