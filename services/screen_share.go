package services

import (
	"context"
	"errors"
	"log"
	"sync"

	"github.com/akinalp/collab/models"
	"github.com/akinalp/collab/pkg"
)

// MediaProvider is the platform capture boundary. Implementations return
// pkg.ErrMediaAcquisitionDenied when the user or OS refuses access and
// pkg.ErrMediaCancelled when the user dismisses the picker.
type MediaProvider interface {
	AcquireCamera(ctx context.Context) (models.MediaStream, error)
	AcquireScreen(ctx context.Context, withSystemAudio bool) (models.MediaStream, error)
}

// ScreenShareController drives the local screen share:
//
//	idle → requesting → active → idle
//
// At most one share is active. Starting a new one stops the current share
// and supersedes any request still waiting on the picker.
type ScreenShareController interface {
	Start(ctx context.Context, withSystemAudio bool) error
	Stop()
	State() models.ScreenShareState
	// Stream is the active share's stream, or nil.
	Stream() models.MediaStream
	Subscribe(fn func(models.ScreenShareState)) func()
}

type screenShareController struct {
	media MediaProvider

	mu        sync.Mutex
	status    models.ScreenShareStatus
	session   *models.ScreenShareSession
	stream    models.MediaStream
	lastErr   error
	requestID uint64
	cancelReq context.CancelFunc
	// shareDone ends the watcher of the current stream.
	shareDone chan struct{}

	states notifier[models.ScreenShareState]
}

// NewScreenShareController creates an idle controller.
func NewScreenShareController(media MediaProvider) ScreenShareController {
	return &screenShareController{
		media:  media,
		status: models.ScreenShareIdle,
	}
}

func (c *screenShareController) Start(ctx context.Context, withSystemAudio bool) error {
	reqCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	previous := c.releaseLocked()
	c.requestID++
	id := c.requestID
	c.cancelReq = cancel
	c.status = models.ScreenShareRequesting
	c.mu.Unlock()

	if previous != nil {
		previous.Stop()
	}
	c.publish()

	stream, err := c.media.AcquireScreen(reqCtx, withSystemAudio)
	cancelled := errors.Is(err, pkg.ErrMediaCancelled) || errors.Is(err, context.Canceled)

	c.mu.Lock()
	if id != c.requestID {
		// Superseded by a newer Start or by Stop.
		c.mu.Unlock()
		cancel()
		if stream != nil {
			stream.Stop()
		}
		return nil
	}
	c.cancelReq = nil
	cancel()

	var result error
	switch {
	case err == nil:
		done := make(chan struct{})
		c.status = models.ScreenShareActive
		c.stream = stream
		c.shareDone = done
		c.session = &models.ScreenShareSession{
			Active:          true,
			WithSystemAudio: withSystemAudio,
			StreamID:        stream.ID(),
		}
		c.lastErr = nil
		go c.watch(stream, done)

	case cancelled:
		c.status = models.ScreenShareIdle

	default:
		log.Printf("[call] screen share request failed: %v", err)
		c.status = models.ScreenShareIdle
		c.lastErr = err
		result = err
	}
	c.mu.Unlock()

	c.publish()
	return result
}

func (c *screenShareController) Stop() {
	c.mu.Lock()
	if c.status == models.ScreenShareIdle {
		c.mu.Unlock()
		return
	}
	// Invalidate any in-flight request.
	c.requestID++
	stream := c.releaseLocked()
	c.status = models.ScreenShareIdle
	c.mu.Unlock()

	if stream != nil {
		stream.Stop()
	}
	c.publish()
}

// releaseLocked cancels a pending request and detaches the active stream,
// returning it so the caller can stop it outside the lock.
func (c *screenShareController) releaseLocked() models.MediaStream {
	if c.cancelReq != nil {
		c.cancelReq()
		c.cancelReq = nil
	}
	if c.shareDone != nil {
		close(c.shareDone)
		c.shareDone = nil
	}
	stream := c.stream
	c.stream = nil
	c.session = nil
	return stream
}

// watch returns the controller to idle when the platform ends stream.
func (c *screenShareController) watch(stream models.MediaStream, done <-chan struct{}) {
	select {
	case <-stream.Ended():
	case <-done:
		return
	}

	c.mu.Lock()
	if c.shareDone != done {
		c.mu.Unlock()
		return
	}
	c.releaseLocked()
	c.status = models.ScreenShareIdle
	c.mu.Unlock()

	log.Printf("[call] screen share %s ended by the platform", stream.ID())
	stream.Stop()
	c.publish()
}

func (c *screenShareController) State() models.ScreenShareState {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := models.ScreenShareState{Status: c.status, LastError: c.lastErr}
	if c.session != nil {
		session := *c.session
		st.Session = &session
	}
	return st
}

func (c *screenShareController) Stream() models.MediaStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

func (c *screenShareController) Subscribe(fn func(models.ScreenShareState)) func() {
	return c.states.subscribe(fn)
}

func (c *screenShareController) publish() {
	c.states.notify(c.State)
}
