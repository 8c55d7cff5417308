package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/livekit/protocol/livekit"

	"github.com/akinalp/collab/models"
	"github.com/akinalp/collab/pkg"
	"github.com/akinalp/collab/ws"
)

// JoinOptions configures the local participant.
type JoinOptions struct {
	// Camera asks the media provider for a camera stream. A refusal still
	// joins, with video off.
	Camera bool
	Muted  bool
	// ParticipantID overrides the generated id.
	ParticipantID string
}

// CallSession is one user's view of a channel's call: the roster, the local
// participant's media and the derived layout.
type CallSession interface {
	Join(ctx context.Context, opts JoinOptions) error
	// Leave releases every local resource, even after errors.
	Leave()

	SetMuted(muted bool) error
	SetVideoOff(off bool) error
	TogglePin(id string)
	SetLayoutMode(mode models.LayoutMode) error

	StartScreenShare(ctx context.Context, withSystemAudio bool) error
	StopScreenShare()
	ScreenShare() models.ScreenShareState

	// SyncLiveKit replaces the remote roster with a media-server listing.
	SyncLiveKit(infos []*livekit.ParticipantInfo)

	View() models.CallView
	Subscribe(fn func(models.CallView)) func()
	// LastMediaError is the last camera acquisition failure, if any.
	LastMediaError() error

	Close()
}

// CallSessionOptions configures a CallSession. Media may be nil when the
// platform has no capture devices.
type CallSessionOptions struct {
	Identity models.Identity
	Media    MediaProvider
	Layout   models.LayoutMode
}

type callSession struct {
	key      models.ConnectionKey
	identity models.Identity
	media    MediaProvider
	registry ParticipantRegistry
	screen   ScreenShareController

	mu        sync.Mutex
	session   ChannelSession
	joined    bool
	localID   string
	camera    models.MediaStream
	sharing   bool
	announce  bool // re-send participant_join on the next open
	mode      models.LayoutMode
	mediaErr  error
	closed    bool
	teardowns []func()

	views notifier[models.CallView]
}

// NewCallSession creates a call over an already running session.
func NewCallSession(session ChannelSession, opts CallSessionOptions) CallSession {
	c := newCallSession(session.Key(), opts)
	c.session = session
	c.teardowns = append(c.teardowns, session.Subscribe(c.handleSessionEvent))
	return c
}

// OpenCallSession opens the channel's session through opener with the call
// subscribed from the first event.
func OpenCallSession(opener SessionOpener, projectID, channelID string, opts CallSessionOptions) (CallSession, error) {
	c := newCallSession(models.ConnectionKey{ProjectID: projectID, ChannelID: channelID}, opts)

	session, unsubscribe, err := opener.Attach(projectID, channelID, c.handleSessionEvent)
	if err != nil {
		c.Close()
		return nil, err
	}

	c.mu.Lock()
	c.session = session
	c.teardowns = append(c.teardowns, unsubscribe)
	c.mu.Unlock()
	return c, nil
}

func newCallSession(key models.ConnectionKey, opts CallSessionOptions) *callSession {
	if opts.Media == nil {
		opts.Media = unavailableMedia{}
	}
	if opts.Layout == "" {
		opts.Layout = models.LayoutGrid
	}

	c := &callSession{
		key:      key,
		identity: opts.Identity,
		media:    opts.Media,
		registry: NewParticipantRegistry(),
		screen:   NewScreenShareController(opts.Media),
		mode:     opts.Layout,
	}
	c.teardowns = append(c.teardowns,
		c.registry.Subscribe(func([]models.Participant) { c.publish() }),
		c.screen.Subscribe(c.onShareState),
	)
	return c
}

// ─── Local participant ───

func (c *callSession) Join(ctx context.Context, opts JoinOptions) error {
	c.mu.Lock()
	switch {
	case c.closed:
		c.mu.Unlock()
		return fmt.Errorf("%w: call %s is closed", pkg.ErrNotConnected, c.key)
	case c.joined:
		c.mu.Unlock()
		return fmt.Errorf("%w: already in call %s", pkg.ErrLocalParticipantExists, c.key)
	}
	c.mu.Unlock()

	var camera models.MediaStream
	var mediaErr error
	if opts.Camera {
		var err error
		camera, err = c.media.AcquireCamera(ctx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, pkg.ErrMediaCancelled):
			camera = nil
		default:
			log.Printf("[call] %s: camera unavailable, joining with video off: %v", c.key, err)
			camera = nil
			mediaErr = err
		}
	}

	id := opts.ParticipantID
	if id == "" {
		id = uuid.NewString()
	}
	local := models.Participant{
		ParticipantID: id,
		DisplayName:   c.identity.DisplayName,
		IsLocal:       true,
		MediaStream:   camera,
		AudioMuted:    opts.Muted,
		VideoOff:      camera == nil,
	}

	if err := c.registry.Add(local); err != nil {
		if camera != nil {
			camera.Stop()
		}
		return err
	}

	c.mu.Lock()
	c.joined = true
	c.localID = id
	c.camera = camera
	c.mediaErr = mediaErr
	c.announce = false
	session := c.session
	c.mu.Unlock()

	if err := c.send(session, ws.Event{Op: ws.OpParticipantJoin, Data: participantData(local)}); err != nil {
		c.Leave()
		return err
	}

	log.Printf("[call] %s: joined as %s", c.key, id)
	return nil
}

func (c *callSession) Leave() {
	c.mu.Lock()
	joined := c.joined
	localID := c.localID
	camera := c.camera
	session := c.session
	c.joined = false
	c.localID = ""
	c.camera = nil
	c.sharing = false
	c.announce = false
	c.mu.Unlock()

	// Release local media first; nothing below may skip it.
	c.screen.Stop()
	if camera != nil {
		camera.Stop()
	}

	if joined {
		c.registry.Remove(localID)
		event := ws.Event{Op: ws.OpParticipantLeave, Data: ws.ParticipantLeaveData{ParticipantID: localID}}
		if err := c.send(session, event); err != nil {
			log.Printf("[call] %s: leave not delivered: %v", c.key, err)
		}
		log.Printf("[call] %s: left", c.key)
	}
	c.registry.Clear()
}

func (c *callSession) SetMuted(muted bool) error {
	localID, session, err := c.local()
	if err != nil {
		return err
	}
	c.registry.SetMuted(localID, muted)
	return c.send(session, ws.Event{Op: ws.OpParticipantUpdate, Data: ws.ParticipantUpdateData{ParticipantID: localID, AudioMuted: &muted}})
}

func (c *callSession) SetVideoOff(off bool) error {
	localID, session, err := c.local()
	if err != nil {
		return err
	}
	c.registry.SetVideoOff(localID, off)
	return c.send(session, ws.Event{Op: ws.OpParticipantUpdate, Data: ws.ParticipantUpdateData{ParticipantID: localID, VideoOff: &off}})
}

func (c *callSession) TogglePin(id string) {
	c.registry.TogglePin(id)
}

func (c *callSession) SetLayoutMode(mode models.LayoutMode) error {
	if mode != models.LayoutGrid && mode != models.LayoutFocus {
		return fmt.Errorf("%w: unknown layout mode %q", pkg.ErrBadRequest, mode)
	}

	c.mu.Lock()
	changed := c.mode != mode
	c.mode = mode
	c.mu.Unlock()

	if changed {
		c.publish()
	}
	return nil
}

// local returns the local participant id and the session, or an error when
// the user is not in the call.
func (c *callSession) local() (string, ChannelSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.joined {
		return "", nil, fmt.Errorf("%w: not in call %s", pkg.ErrBadRequest, c.key)
	}
	return c.localID, c.session, nil
}

func (c *callSession) send(session ChannelSession, event ws.Event) error {
	if session == nil {
		return fmt.Errorf("%w: call %s has no session", pkg.ErrNotConnected, c.key)
	}
	return session.Send(event)
}

// ─── Screen share ───

func (c *callSession) StartScreenShare(ctx context.Context, withSystemAudio bool) error {
	if _, _, err := c.local(); err != nil {
		return err
	}
	return c.screen.Start(ctx, withSystemAudio)
}

func (c *callSession) StopScreenShare() {
	c.screen.Stop()
}

func (c *callSession) ScreenShare() models.ScreenShareState {
	return c.screen.State()
}

// onShareState swaps the local published stream between camera and screen.
func (c *callSession) onShareState(st models.ScreenShareState) {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		// A Start that raced Leave must not outlive the call.
		if st.Status != models.ScreenShareIdle {
			c.screen.Stop()
		}
		return
	}
	localID := c.localID
	camera := c.camera
	session := c.session
	wasSharing := c.sharing
	c.sharing = st.Status == models.ScreenShareActive || (wasSharing && st.Status == models.ScreenShareRequesting)
	nowSharing := c.sharing
	c.mu.Unlock()

	switch st.Status {
	case models.ScreenShareActive:
		c.registry.SetMediaStream(localID, c.screen.Stream())
	case models.ScreenShareRequesting:
		// The previous share is already stopped; show the camera meanwhile.
		if wasSharing {
			c.registry.SetMediaStream(localID, camera)
		}
	case models.ScreenShareIdle:
		if wasSharing {
			c.registry.SetMediaStream(localID, camera)
		}
	}

	if nowSharing == wasSharing {
		return
	}
	c.registry.SetSharing(localID, nowSharing)
	event := ws.Event{Op: ws.OpParticipantUpdate, Data: ws.ParticipantUpdateData{ParticipantID: localID, IsSharing: &nowSharing}}
	if err := c.send(session, event); err != nil {
		log.Printf("[call] %s: sharing update not delivered: %v", c.key, err)
	}
}

// ─── Remote roster ───

func (c *callSession) handleSessionEvent(ev ws.SessionEvent) {
	// Events already queued on the dispatcher can arrive after Close.
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	switch ev.Type {
	case ws.EventStatusChanged:
		c.handleStatus(ev.Status)
	case ws.EventMessageReceived:
		c.handleFrame(ev.Frame)
	}
}

// handleStatus re-announces the local participant after a reconnect. The
// relay forgets participants owned by a dropped connection.
func (c *callSession) handleStatus(status models.ConnectionStatus) {
	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return
	}
	if status.State != models.ConnectionOpen {
		c.announce = true
		c.mu.Unlock()
		return
	}
	if !c.announce {
		c.mu.Unlock()
		return
	}
	c.announce = false
	localID := c.localID
	session := c.session
	c.mu.Unlock()

	local, ok := c.registry.Get(localID)
	if !ok {
		return
	}
	if err := c.send(session, ws.Event{Op: ws.OpParticipantJoin, Data: participantData(local)}); err != nil {
		log.Printf("[call] %s: re-announce failed: %v", c.key, err)
	}
}

func (c *callSession) handleFrame(frame ws.Event) {
	switch frame.Op {
	case ws.OpParticipantJoin:
		var data ws.ParticipantData
		if err := ws.DecodeData(frame, &data); err != nil || data.ParticipantID == "" {
			log.Printf("[call] %s: dropping malformed participant_join", c.key)
			return
		}
		c.upsertRemote(participantFromData(data))

	case ws.OpParticipantLeave:
		var data ws.ParticipantLeaveData
		if err := ws.DecodeData(frame, &data); err != nil || c.isLocal(data.ParticipantID) {
			return
		}
		c.registry.Remove(data.ParticipantID)

	case ws.OpParticipantUpdate:
		var data ws.ParticipantUpdateData
		if err := ws.DecodeData(frame, &data); err != nil || c.isLocal(data.ParticipantID) {
			return
		}
		if data.AudioMuted != nil {
			c.registry.SetMuted(data.ParticipantID, *data.AudioMuted)
		}
		if data.VideoOff != nil {
			c.registry.SetVideoOff(data.ParticipantID, *data.VideoOff)
		}
		if data.IsSharing != nil {
			c.registry.SetSharing(data.ParticipantID, *data.IsSharing)
		}

	case ws.OpParticipantSync:
		var data ws.ParticipantSyncData
		if err := ws.DecodeData(frame, &data); err != nil {
			log.Printf("[call] %s: dropping malformed participant_sync: %v", c.key, err)
			return
		}
		remote := make([]models.Participant, 0, len(data.Participants))
		for _, d := range data.Participants {
			remote = append(remote, participantFromData(d))
		}
		c.replaceRemote(remote)
	}
}

func (c *callSession) SyncLiveKit(infos []*livekit.ParticipantInfo) {
	remote := rosterFromLiveKit(infos)

	// The media server lists this user under their identity.
	out := remote[:0]
	for _, p := range remote {
		if p.ParticipantID != c.identity.UserID {
			out = append(out, p)
		}
	}
	c.replaceRemote(out)
}

// upsertRemote adds p, or refreshes its flags when a duplicate join arrives.
func (c *callSession) upsertRemote(p models.Participant) {
	if c.isLocal(p.ParticipantID) {
		return
	}

	err := c.registry.Add(p)
	if err == nil {
		return
	}
	if !errors.Is(err, pkg.ErrDuplicateParticipant) {
		log.Printf("[call] %s: %v", c.key, err)
		return
	}

	c.registry.SetMuted(p.ParticipantID, p.AudioMuted)
	c.registry.SetVideoOff(p.ParticipantID, p.VideoOff)
	c.registry.SetSharing(p.ParticipantID, p.IsSharing)
}

// replaceRemote makes the remote part of the roster equal to remote, keeping
// the local participant and existing entries' join order.
func (c *callSession) replaceRemote(remote []models.Participant) {
	wanted := make(map[string]bool, len(remote))
	for _, p := range remote {
		wanted[p.ParticipantID] = true
	}

	for _, p := range c.registry.Participants() {
		if !p.IsLocal && !wanted[p.ParticipantID] {
			c.registry.Remove(p.ParticipantID)
		}
	}
	for _, p := range remote {
		c.upsertRemote(p)
	}
}

func (c *callSession) isLocal(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined && id == c.localID
}

// ─── Read model ───

func (c *callSession) View() models.CallView {
	participants := c.registry.Participants()

	c.mu.Lock()
	mode := c.mode
	c.mu.Unlock()

	pinned := ""
	for _, p := range participants {
		if p.IsPinned {
			pinned = p.ParticipantID
			break
		}
	}

	return models.CallView{
		Participants:        participants,
		PinnedParticipantID: pinned,
		Layout:              ComputeLayout(participants, pinned, mode),
	}
}

func (c *callSession) Subscribe(fn func(models.CallView)) func() {
	return c.views.subscribe(fn)
}

func (c *callSession) LastMediaError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mediaErr
}

func (c *callSession) publish() {
	c.views.notify(c.View)
}

func (c *callSession) Close() {
	c.Leave()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	teardowns := c.teardowns
	c.teardowns = nil
	c.mu.Unlock()

	for _, fn := range teardowns {
		fn()
	}
	c.views.clear()
}

// unavailableMedia is used when the platform has no capture devices.
type unavailableMedia struct{}

func (unavailableMedia) AcquireCamera(context.Context) (models.MediaStream, error) {
	return nil, fmt.Errorf("%w: no capture devices", pkg.ErrMediaAcquisitionDenied)
}

func (unavailableMedia) AcquireScreen(context.Context, bool) (models.MediaStream, error) {
	return nil, fmt.Errorf("%w: no capture devices", pkg.ErrMediaAcquisitionDenied)
}
