package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/akinalp/collab/models"
	"github.com/akinalp/collab/pkg"
	"github.com/akinalp/collab/ws"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// ─── Session ───

// fakeSession delivers events synchronously on the caller's goroutine.
type fakeSession struct {
	key models.ConnectionKey

	mu     sync.Mutex
	state  models.ConnectionState
	sent   []ws.Event
	subs   map[int]func(ws.SessionEvent)
	nextID int
}

func newFakeSession(state models.ConnectionState) *fakeSession {
	return &fakeSession{
		key:   models.ConnectionKey{ProjectID: "proj", ChannelID: "general"},
		state: state,
		subs:  make(map[int]func(ws.SessionEvent)),
	}
}

func (f *fakeSession) Key() models.ConnectionKey { return f.key }

func (f *fakeSession) Status() models.ConnectionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return models.ConnectionStatus{Key: f.key, State: f.state}
}

func (f *fakeSession) Send(event ws.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == models.ConnectionClosed {
		return fmt.Errorf("%w: fake session closed", pkg.ErrNotConnected)
	}
	f.sent = append(f.sent, event)
	return nil
}

func (f *fakeSession) Subscribe(fn func(ws.SessionEvent)) func() {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	f.subs[id] = fn
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
	}
}

func (f *fakeSession) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func (f *fakeSession) deliver(ev ws.SessionEvent) {
	f.mu.Lock()
	fns := make([]func(ws.SessionEvent), 0, len(f.subs))
	for _, fn := range f.subs {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (f *fakeSession) frame(op string, data any) {
	f.deliver(ws.SessionEvent{Type: ws.EventMessageReceived, Frame: ws.Event{Op: op, Data: data}})
}

func (f *fakeSession) setState(state models.ConnectionState) {
	f.mu.Lock()
	f.state = state
	f.mu.Unlock()
	f.deliver(ws.SessionEvent{Type: ws.EventStatusChanged, Status: models.ConnectionStatus{Key: f.key, State: state}})
}

func (f *fakeSession) sentOps(op string) []ws.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ws.Event
	for _, e := range f.sent {
		if e.Op == op {
			out = append(out, e)
		}
	}
	return out
}

// ─── Media ───

type fakeStream struct {
	id      string
	ended   chan struct{}
	endOnce sync.Once

	mu      sync.Mutex
	stopped bool
}

func newFakeStream(id string) *fakeStream {
	return &fakeStream{id: id, ended: make(chan struct{})}
}

func (s *fakeStream) ID() string             { return s.id }
func (s *fakeStream) Ended() <-chan struct{} { return s.ended }

func (s *fakeStream) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}

func (s *fakeStream) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// end simulates the platform ending the capture.
func (s *fakeStream) end() {
	s.endOnce.Do(func() { close(s.ended) })
}

// fakeMedia hands out streams immediately unless an error or a gate is set.
type fakeMedia struct {
	mu        sync.Mutex
	cameraErr error
	screenErr error
	// gate, when set, blocks AcquireScreen until it is closed or ctx ends.
	gate    chan struct{}
	streams []*fakeStream
	calls   int
}

func (m *fakeMedia) AcquireCamera(ctx context.Context) (models.MediaStream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cameraErr != nil {
		return nil, m.cameraErr
	}
	s := newFakeStream(fmt.Sprintf("camera-%d", len(m.streams)))
	m.streams = append(m.streams, s)
	return s, nil
}

func (m *fakeMedia) AcquireScreen(ctx context.Context, withSystemAudio bool) (models.MediaStream, error) {
	m.mu.Lock()
	m.calls++
	gate := m.gate
	m.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.screenErr != nil {
		return nil, m.screenErr
	}
	s := newFakeStream(fmt.Sprintf("screen-%d", len(m.streams)))
	m.streams = append(m.streams, s)
	return s, nil
}

func (m *fakeMedia) stream(i int) *fakeStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streams[i]
}

func (m *fakeMedia) acquireCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
