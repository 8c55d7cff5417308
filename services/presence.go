package services

import (
	"log"
	"sync"

	"github.com/akinalp/collab/models"
	"github.com/akinalp/collab/pkg/i18n"
	"github.com/akinalp/collab/ws"
)

// StatusSource is anything reporting connection state changes.
type StatusSource interface {
	Key() models.ConnectionKey
	Status() models.ConnectionStatus
	Subscribe(fn func(ws.SessionEvent)) func()
}

// PresenceSupervisor folds the state of every tracked session into the one
// connection signal the UI shows. The worst session wins; with nothing
// tracked the user is disconnected.
type PresenceSupervisor interface {
	// Track follows source until the returned func is called.
	Track(source StatusSource) func()
	Status() models.PresenceStatus
	// CanSend is false unless every tracked session is open.
	CanSend() bool
	// Banner is the localized banner text, empty while connected.
	Banner() string
	Subscribe(fn func(models.PresenceStatus)) func()
}

type trackedSession struct {
	key   models.ConnectionKey
	state models.ConnectionState
	// seen is set once the state is known, by event or by the initial read.
	seen bool
}

type presenceSupervisor struct {
	localizer *i18n.Localizer

	mu      sync.Mutex
	tracked map[int]*trackedSession
	nextID  int
	status  models.PresenceStatus

	statuses notifier[models.PresenceStatus]
}

// NewPresenceSupervisor creates a supervisor. A nil localizer uses the
// default language; translations must already be loaded.
func NewPresenceSupervisor(localizer *i18n.Localizer) PresenceSupervisor {
	if localizer == nil {
		localizer = i18n.NewLocalizer(i18n.DefaultLanguage)
	}
	return &presenceSupervisor{
		localizer: localizer,
		tracked:   make(map[int]*trackedSession),
		status:    models.PresenceDisconnected,
	}
}

func (p *presenceSupervisor) Track(source StatusSource) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.tracked[id] = &trackedSession{key: source.Key()}
	p.mu.Unlock()

	// Subscribe before reading the state: a change in between must not be lost.
	unsubscribe := source.Subscribe(func(ev ws.SessionEvent) {
		if ev.Type != ws.EventStatusChanged {
			return
		}
		p.update(id, ev.Status.State)
	})

	state := source.Status().State
	p.mu.Lock()
	changed := false
	if t, ok := p.tracked[id]; ok && !t.seen {
		t.state = state
		t.seen = true
		changed = p.recomputeLocked()
	}
	p.mu.Unlock()

	if changed {
		p.publish()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()

			p.mu.Lock()
			delete(p.tracked, id)
			changed := p.recomputeLocked()
			p.mu.Unlock()

			if changed {
				p.publish()
			}
		})
	}
}

func (p *presenceSupervisor) update(id int, state models.ConnectionState) {
	p.mu.Lock()
	t, ok := p.tracked[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	t.state = state
	t.seen = true
	changed := p.recomputeLocked()
	status := p.status
	p.mu.Unlock()

	if changed {
		log.Printf("[presence] %s is %s, presence now %s", t.key, state, status)
		p.publish()
	}
}

// recomputeLocked folds tracked states and reports whether the status moved.
func (p *presenceSupervisor) recomputeLocked() bool {
	status := models.PresenceDisconnected
	seen := 0
	for _, t := range p.tracked {
		if !t.seen {
			continue
		}
		s := models.PresenceFromState(t.state)
		if seen == 0 || s.Severity() > status.Severity() {
			status = s
		}
		seen++
	}

	if status == p.status {
		return false
	}
	p.status = status
	return true
}

func (p *presenceSupervisor) Status() models.PresenceStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *presenceSupervisor) CanSend() bool {
	return p.Status() == models.PresenceConnected
}

func (p *presenceSupervisor) Banner() string {
	return p.localizer.T("presence." + string(p.Status()))
}

func (p *presenceSupervisor) Subscribe(fn func(models.PresenceStatus)) func() {
	return p.statuses.subscribe(fn)
}

func (p *presenceSupervisor) publish() {
	p.statuses.notify(p.Status)
}
