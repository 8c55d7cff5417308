package services

import (
	"fmt"
	"log"
	"sync"

	"github.com/akinalp/collab/models"
	"github.com/akinalp/collab/pkg"
)

// ParticipantRegistry is the roster of one call.
//
// It owns the two exclusivity rules of a roster: at most one local
// participant and at most one pinned participant. Races with the network
// (an update for someone who already left) are logged and ignored.
type ParticipantRegistry interface {
	Add(p models.Participant) error
	Remove(id string)

	SetMuted(id string, muted bool)
	SetVideoOff(id string, off bool)
	SetSharing(id string, sharing bool)
	SetMediaStream(id string, stream models.MediaStream)

	// TogglePin pins id and unpins everyone else; toggling the pinned
	// participant unpins it.
	TogglePin(id string)

	// Participants returns the roster in join order.
	Participants() []models.Participant
	Get(id string) (models.Participant, bool)
	Local() (models.Participant, bool)
	PinnedID() string

	Subscribe(fn func([]models.Participant)) func()
	Clear()
}

type participantRegistry struct {
	mu           sync.Mutex
	participants []models.Participant

	roster notifier[[]models.Participant]
}

// NewParticipantRegistry creates an empty roster.
func NewParticipantRegistry() ParticipantRegistry {
	return &participantRegistry{}
}

func (r *participantRegistry) Add(p models.Participant) error {
	r.mu.Lock()
	if r.indexLocked(p.ParticipantID) >= 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", pkg.ErrDuplicateParticipant, p.ParticipantID)
	}
	if p.IsLocal {
		for _, existing := range r.participants {
			if existing.IsLocal {
				r.mu.Unlock()
				return fmt.Errorf("%w: %s is already local", pkg.ErrLocalParticipantExists, existing.ParticipantID)
			}
		}
	}
	// Pins are only set through TogglePin.
	p.IsPinned = false
	r.participants = append(r.participants, p)
	r.mu.Unlock()

	r.publish()
	return nil
}

func (r *participantRegistry) Remove(id string) {
	r.mu.Lock()
	i := r.indexLocked(id)
	if i < 0 {
		r.mu.Unlock()
		return
	}
	r.participants = append(r.participants[:i], r.participants[i+1:]...)
	r.mu.Unlock()

	r.publish()
}

func (r *participantRegistry) SetMuted(id string, muted bool) {
	r.update("set muted", id, func(p *models.Participant) bool {
		changed := p.AudioMuted != muted
		p.AudioMuted = muted
		return changed
	})
}

func (r *participantRegistry) SetVideoOff(id string, off bool) {
	r.update("set video off", id, func(p *models.Participant) bool {
		changed := p.VideoOff != off
		p.VideoOff = off
		return changed
	})
}

func (r *participantRegistry) SetSharing(id string, sharing bool) {
	r.update("set sharing", id, func(p *models.Participant) bool {
		changed := p.IsSharing != sharing
		p.IsSharing = sharing
		return changed
	})
}

func (r *participantRegistry) SetMediaStream(id string, stream models.MediaStream) {
	r.update("set media stream", id, func(p *models.Participant) bool {
		changed := !sameStream(p.MediaStream, stream)
		p.MediaStream = stream
		return changed
	})
}

// sameStream compares by ID; MediaStream implementations need not be comparable.
func sameStream(a, b models.MediaStream) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.ID() == b.ID()
}

func (r *participantRegistry) TogglePin(id string) {
	r.mu.Lock()
	i := r.indexLocked(id)
	if i < 0 {
		r.mu.Unlock()
		log.Printf("[call] toggle pin: %v", fmt.Errorf("%w: %s", pkg.ErrUnknownParticipant, id))
		return
	}

	pin := !r.participants[i].IsPinned
	for j := range r.participants {
		r.participants[j].IsPinned = false
	}
	r.participants[i].IsPinned = pin
	r.mu.Unlock()

	r.publish()
}

// update applies fn to id's entry. fn reports whether anything changed.
func (r *participantRegistry) update(op, id string, fn func(*models.Participant) bool) {
	r.mu.Lock()
	i := r.indexLocked(id)
	if i < 0 {
		r.mu.Unlock()
		log.Printf("[call] %s: %v", op, fmt.Errorf("%w: %s", pkg.ErrUnknownParticipant, id))
		return
	}
	changed := fn(&r.participants[i])
	r.mu.Unlock()

	if changed {
		r.publish()
	}
}

func (r *participantRegistry) indexLocked(id string) int {
	for i := range r.participants {
		if r.participants[i].ParticipantID == id {
			return i
		}
	}
	return -1
}

// ─── Read model ───

func (r *participantRegistry) Participants() []models.Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Participant(nil), r.participants...)
}

func (r *participantRegistry) Get(id string) (models.Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.indexLocked(id); i >= 0 {
		return r.participants[i], true
	}
	return models.Participant{}, false
}

func (r *participantRegistry) Local() (models.Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.participants {
		if p.IsLocal {
			return p, true
		}
	}
	return models.Participant{}, false
}

func (r *participantRegistry) PinnedID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.participants {
		if p.IsPinned {
			return p.ParticipantID
		}
	}
	return ""
}

func (r *participantRegistry) Subscribe(fn func([]models.Participant)) func() {
	return r.roster.subscribe(fn)
}

func (r *participantRegistry) Clear() {
	r.mu.Lock()
	empty := len(r.participants) == 0
	r.participants = nil
	r.mu.Unlock()

	if !empty {
		r.publish()
	}
}

func (r *participantRegistry) publish() {
	r.roster.notify(r.Participants)
}
