package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"

	"github.com/akinalp/collab/config"
	"github.com/akinalp/collab/models"
	"github.com/akinalp/collab/pkg"
)

// SessionEventType identifies what a SessionEvent carries.
type SessionEventType string

const (
	EventMessageReceived SessionEventType = "message-received"
	EventStatusChanged   SessionEventType = "status-changed"
	EventError           SessionEventType = "error"
)

// SessionEvent is delivered to subscribers in the order it was produced.
type SessionEvent struct {
	Type   SessionEventType
	Frame  Event                   // EventMessageReceived
	Status models.ConnectionStatus // EventStatusChanged
	Err    error                   // EventError
}

// SessionOptions tunes retry, buffering and heartbeat behavior.
type SessionOptions struct {
	RetryBudget       int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	BackoffMultiplier float64
	BackoffJitter     float64
	SendQueueSize     int
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration

	// Clock drives backoff timers and heartbeats. Defaults to the wall clock.
	Clock clock.Clock
}

// OptionsFromConfig maps transport settings to session options.
func OptionsFromConfig(cfg config.TransportConfig) SessionOptions {
	return SessionOptions{
		RetryBudget:       cfg.RetryBudget,
		BackoffInitial:    cfg.BackoffInitial,
		BackoffMax:        cfg.BackoffMax,
		BackoffMultiplier: cfg.BackoffMultiplier,
		BackoffJitter:     cfg.BackoffJitter,
		SendQueueSize:     cfg.SendQueueSize,
		HeartbeatInterval: cfg.HeartbeatInterval,
		DialTimeout:       cfg.DialTimeout,
	}
}

func (o SessionOptions) withDefaults() SessionOptions {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = 256
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 500 * time.Millisecond
	}
	if o.BackoffMax < o.BackoffInitial {
		o.BackoffMax = o.BackoffInitial
	}
	if o.BackoffMultiplier < 1 {
		o.BackoffMultiplier = 1
	}
	return o
}

// Session is one logical connection to a (project, channel) pair.
//
// State machine:
//
//	connecting ──dial ok──► open ──drop──► reconnecting ──dial ok──► open
//	     │                                     │
//	     └──dial failed──► reconnecting        └──budget spent──► closed
//
// Close moves any state to closed; closed is terminal. The budget counts
// consecutive failed attempts and is refilled every time the session opens.
//
// Frames passed to Send while not open are queued (bounded, oldest dropped)
// and flushed in order on the next open.
//
// Events go through a single dispatcher goroutine fed by an unbounded
// mailbox, so subscribers see them in production order and no lock is held
// while a callback runs.
type Session struct {
	key       models.ConnectionKey
	transport Transport
	opts      SessionOptions
	clock     clock.Clock
	onClosed  func(*Session)

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      models.ConnectionState
	retries    int
	lastErr    error
	conn       Conn
	gen        uint64        // bumped per connection; pumps of older ones are ignored
	send       chan []byte   // write queue of the current connection, nil unless open
	connDone   chan struct{} // closed when the current connection is torn down
	pending    [][]byte
	retryTimer *clock.Timer
	backoff    backoff.BackOff
	closeOnce  sync.Once

	subMu     sync.Mutex
	subs      map[int]func(SessionEvent)
	nextSubID int

	evMu      sync.Mutex
	evQueue   []SessionEvent
	evClosing bool
	evNotify  chan struct{}
	evDone    chan struct{}
}

func newSession(key models.ConnectionKey, transport Transport, opts SessionOptions, onClosed func(*Session)) *Session {
	opts = opts.withDefaults()

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = opts.BackoffInitial
	exp.MaxInterval = opts.BackoffMax
	exp.Multiplier = opts.BackoffMultiplier
	exp.RandomizationFactor = opts.BackoffJitter
	exp.MaxElapsedTime = 0
	exp.Reset()

	ctx, cancel := context.WithCancel(context.Background())

	return &Session{
		key:       key,
		transport: transport,
		opts:      opts,
		clock:     opts.Clock,
		onClosed:  onClosed,
		ctx:       ctx,
		cancel:    cancel,
		state:     models.ConnectionConnecting,
		backoff:   backoff.WithMaxRetries(exp, uint64(opts.RetryBudget)),
		subs:      make(map[int]func(SessionEvent)),
		evNotify:  make(chan struct{}, 1),
		evDone:    make(chan struct{}),
	}
}

func (s *Session) start() {
	go s.dispatchLoop()
	go s.connect()
}

// Key returns the (project, channel) pair the session is bound to.
func (s *Session) Key() models.ConnectionKey {
	return s.key
}

// State returns the current lifecycle state.
func (s *Session) State() models.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot of state, retry count and last error.
func (s *Session) Status() models.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() models.ConnectionStatus {
	return models.ConnectionStatus{
		Key:       s.key,
		State:     s.state,
		Retries:   s.retries,
		LastError: s.lastErr,
	}
}

// Send transmits an event, or queues it until the next open.
// It fails with pkg.ErrNotConnected only once the session is closed.
func (s *Session) Send(event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event.Op, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case models.ConnectionClosed:
		return fmt.Errorf("%w: session %s is closed", pkg.ErrNotConnected, s.key)

	case models.ConnectionOpen:
		select {
		case s.send <- data:
		default:
			// Writer is not keeping up. Recycle the connection; everything
			// unsent goes back to the queue ahead of this frame.
			log.Printf("[ws] %s: send buffer full, recycling connection", s.key)
			s.teardownLocked()
			s.enqueueLocked(data)
			s.failLocked(fmt.Errorf("%w: send buffer full", pkg.ErrTransport))
		}
		return nil

	default:
		s.enqueueLocked(data)
		return nil
	}
}

// Close shuts the session down. It is idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == models.ConnectionClosed {
		return
	}
	s.closeLocked()
}

// Done is closed after the final event has been delivered to subscribers.
func (s *Session) Done() <-chan struct{} {
	return s.evDone
}

// Subscribe registers fn for all session events. The returned func removes it.
// fn runs on the session's dispatcher goroutine; it must not block for long.
func (s *Session) Subscribe(fn func(SessionEvent)) func() {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// ─── Connection lifecycle ───

func (s *Session) connect() {
	s.mu.Lock()
	if s.state == models.ConnectionClosed {
		s.mu.Unlock()
		return
	}
	s.retryTimer = nil
	s.mu.Unlock()

	ctx := s.ctx
	if s.opts.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(s.ctx, s.opts.DialTimeout)
		defer cancel()
	}
	conn, err := s.transport.Dial(ctx, s.key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == models.ConnectionClosed {
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		log.Printf("[ws] %s: dial failed: %v", s.key, err)
		s.failLocked(err)
		return
	}

	s.gen++
	gen := s.gen
	send := make(chan []byte, s.opts.SendQueueSize)
	done := make(chan struct{})

	s.conn = conn
	s.send = send
	s.connDone = done
	s.retries = 0
	s.lastErr = nil
	s.backoff.Reset()

	for _, frame := range s.pending {
		send <- frame // pending never exceeds SendQueueSize
	}
	s.pending = nil

	var heartbeat *clock.Ticker
	if s.opts.HeartbeatInterval > 0 {
		heartbeat = s.clock.Ticker(s.opts.HeartbeatInterval)
	}

	s.setStateLocked(models.ConnectionOpen)
	log.Printf("[ws] %s: open", s.key)

	go s.readPump(gen, conn)
	go s.writePump(gen, conn, send, done, heartbeat)
}

// failLocked records err and either schedules the next attempt or gives up.
func (s *Session) failLocked(err error) {
	s.lastErr = err
	s.emit(SessionEvent{Type: EventError, Err: err})

	if errors.Is(err, pkg.ErrUnauthorized) {
		log.Printf("[ws] %s: not retrying: %v", s.key, err)
		s.closeLocked()
		return
	}

	delay := s.backoff.NextBackOff()
	if delay == backoff.Stop {
		log.Printf("[ws] %s: retry budget of %d exhausted", s.key, s.opts.RetryBudget)
		s.closeLocked()
		return
	}

	s.retries++
	s.setStateLocked(models.ConnectionReconnecting)
	s.retryTimer = s.clock.AfterFunc(delay, s.connect)
}

// dropConn handles a read or write failure on connection gen.
func (s *Session) dropConn(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.gen || s.state != models.ConnectionOpen {
		return
	}
	log.Printf("[ws] %s: connection lost: %v", s.key, err)
	s.teardownLocked()
	s.failLocked(fmt.Errorf("%w: %v", pkg.ErrTransport, err))
}

// teardownLocked closes the current connection and puts unsent frames back
// at the head of the pending queue.
func (s *Session) teardownLocked() {
	if s.conn == nil {
		return
	}
	close(s.connDone)
	_ = s.conn.Close()

	var unsent [][]byte
drain:
	for {
		select {
		case frame := <-s.send:
			unsent = append(unsent, frame)
		default:
			break drain
		}
	}
	s.pending = append(unsent, s.pending...)
	if over := len(s.pending) - s.opts.SendQueueSize; over > 0 {
		s.pending = s.pending[over:]
	}

	s.conn = nil
	s.send = nil
	s.connDone = nil
}

func (s *Session) closeLocked() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
	s.teardownLocked()
	s.cancel()
	s.pending = nil
	s.setStateLocked(models.ConnectionClosed)
	s.finishEvents()

	s.closeOnce.Do(func() {
		if s.onClosed != nil {
			// Async: the manager takes its own lock, which must never be
			// acquired while holding s.mu.
			go s.onClosed(s)
		}
	})
}

func (s *Session) enqueueLocked(frame []byte) {
	if len(s.pending) >= s.opts.SendQueueSize {
		log.Printf("[ws] %s: send queue full, dropping oldest frame", s.key)
		s.pending = s.pending[1:]
	}
	s.pending = append(s.pending, frame)
}

func (s *Session) setStateLocked(state models.ConnectionState) {
	if s.state == state && state != models.ConnectionReconnecting {
		return
	}
	s.state = state
	s.emit(SessionEvent{Type: EventStatusChanged, Status: s.statusLocked()})
}

// ─── Pumps ───

func (s *Session) readPump(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			s.dropConn(gen, err)
			return
		}

		event, err := ParseEvent(data)
		if err != nil {
			log.Printf("[ws] %s: dropping malformed frame: %v", s.key, err)
			s.emit(SessionEvent{Type: EventError, Err: fmt.Errorf("%w: malformed frame: %v", pkg.ErrTransport, err)})
			continue
		}
		if event.Op == OpHeartbeatAck {
			continue
		}
		s.emit(SessionEvent{Type: EventMessageReceived, Frame: event})
	}
}

// writePump is the only writer of conn. heartbeat may be nil.
func (s *Session) writePump(gen uint64, conn Conn, send <-chan []byte, done <-chan struct{}, heartbeat *clock.Ticker) {
	var tick <-chan time.Time
	if heartbeat != nil {
		defer heartbeat.Stop()
		tick = heartbeat.C
	}
	ping, _ := json.Marshal(Event{Op: OpHeartbeat})

	for {
		select {
		case <-done:
			return
		default:
		}

		select {
		case <-done:
			return
		case frame := <-send:
			if err := conn.WriteMessage(frame); err != nil {
				s.dropConn(gen, err)
				return
			}
		case <-tick:
			if err := conn.WriteMessage(ping); err != nil {
				s.dropConn(gen, err)
				return
			}
		}
	}
}

// ─── Event dispatch ───

func (s *Session) emit(ev SessionEvent) {
	s.evMu.Lock()
	if s.evClosing {
		s.evMu.Unlock()
		return
	}
	s.evQueue = append(s.evQueue, ev)
	s.evMu.Unlock()

	select {
	case s.evNotify <- struct{}{}:
	default:
	}
}

// finishEvents lets the dispatcher drain what is queued and exit.
func (s *Session) finishEvents() {
	s.evMu.Lock()
	s.evClosing = true
	s.evMu.Unlock()

	select {
	case s.evNotify <- struct{}{}:
	default:
	}
}

func (s *Session) dispatchLoop() {
	defer close(s.evDone)

	for {
		s.evMu.Lock()
		batch := s.evQueue
		s.evQueue = nil
		closing := s.evClosing
		s.evMu.Unlock()

		for _, ev := range batch {
			s.deliver(ev)
		}
		if len(batch) > 0 {
			continue
		}
		if closing {
			return
		}
		<-s.evNotify
	}
}

func (s *Session) deliver(ev SessionEvent) {
	s.subMu.Lock()
	fns := make([]func(SessionEvent), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[ws] %s: subscriber panic: %v", s.key, r)
				}
			}()
			fn(ev)
		}()
	}
}
