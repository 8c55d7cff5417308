package services

import (
	"math/rand"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akinalp/collab/models"
	"github.com/akinalp/collab/pkg"
)

func participant(id string) models.Participant {
	return models.Participant{ParticipantID: id, DisplayName: id}
}

func pinnedCount(participants []models.Participant) int {
	n := 0
	for _, p := range participants {
		if p.IsPinned {
			n++
		}
	}
	return n
}

func TestParticipantRegistry_AddAndOrder(t *testing.T) {
	r := NewParticipantRegistry()

	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, r.Add(participant(id)))
	}

	got := r.Participants()
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[0].ParticipantID, "join order, not sorted")
	assert.Equal(t, "a", got[1].ParticipantID)

	assert.ErrorIs(t, r.Add(participant("a")), pkg.ErrDuplicateParticipant)
	assert.Len(t, r.Participants(), 3)
}

func TestParticipantRegistry_SingleLocal(t *testing.T) {
	r := NewParticipantRegistry()

	me := participant("me")
	me.IsLocal = true
	require.NoError(t, r.Add(me))

	other := participant("me-too")
	other.IsLocal = true
	assert.ErrorIs(t, r.Add(other), pkg.ErrLocalParticipantExists)

	local, ok := r.Local()
	require.True(t, ok)
	assert.Equal(t, "me", local.ParticipantID)

	r.Remove("me")
	_, ok = r.Local()
	assert.False(t, ok)
	require.NoError(t, r.Add(other), "a new local participant may join after the old one left")
}

func TestParticipantRegistry_RemoveIsIdempotent(t *testing.T) {
	r := NewParticipantRegistry()
	require.NoError(t, r.Add(participant("a")))

	r.Remove("a")
	r.Remove("a")
	r.Remove("never-joined")
	assert.Empty(t, r.Participants())
}

func TestParticipantRegistry_UnknownIDsAreIgnored(t *testing.T) {
	r := NewParticipantRegistry()
	require.NoError(t, r.Add(participant("a")))

	assert.NotPanics(t, func() {
		r.SetMuted("ghost", true)
		r.SetVideoOff("ghost", true)
		r.SetSharing("ghost", true)
		r.SetMediaStream("ghost", newFakeStream("s"))
		r.TogglePin("ghost")
	})

	assert.Equal(t, []models.Participant{participant("a")}, r.Participants())
	assert.Empty(t, r.PinnedID())
}

func TestParticipantRegistry_Flags(t *testing.T) {
	r := NewParticipantRegistry()
	require.NoError(t, r.Add(participant("a")))

	stream := newFakeStream("cam")
	r.SetMuted("a", true)
	r.SetVideoOff("a", true)
	r.SetSharing("a", true)
	r.SetMediaStream("a", stream)

	p, ok := r.Get("a")
	require.True(t, ok)
	assert.True(t, p.AudioMuted)
	assert.True(t, p.VideoOff)
	assert.True(t, p.IsSharing)
	assert.Equal(t, "cam", p.StreamID())
}

func TestParticipantRegistry_TogglePin(t *testing.T) {
	r := NewParticipantRegistry()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, r.Add(participant(id)))
	}

	r.TogglePin("a")
	assert.Equal(t, "a", r.PinnedID())

	r.TogglePin("b")
	assert.Equal(t, "b", r.PinnedID(), "pinning another moves the pin")
	assert.Equal(t, 1, pinnedCount(r.Participants()))

	r.TogglePin("b")
	assert.Empty(t, r.PinnedID(), "toggling the pinned one unpins")

	r.TogglePin("c")
	r.Remove("c")
	assert.Empty(t, r.PinnedID(), "removing the pinned participant clears the pin")
}

func TestParticipantRegistry_PinExclusivityUnderRandomToggles(t *testing.T) {
	r := NewParticipantRegistry()
	ids := []string{"a", "b", "c", "d", "e"}
	for _, id := range ids {
		require.NoError(t, r.Add(participant(id)))
	}

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 1000; i++ {
		r.TogglePin(ids[rng.Intn(len(ids))])
		require.LessOrEqual(t, pinnedCount(r.Participants()), 1)
	}
}

func TestParticipantRegistry_AddIgnoresIncomingPin(t *testing.T) {
	r := NewParticipantRegistry()
	require.NoError(t, r.Add(participant("a")))
	r.TogglePin("a")

	sneaky := participant("b")
	sneaky.IsPinned = true
	require.NoError(t, r.Add(sneaky))

	assert.Equal(t, 1, pinnedCount(r.Participants()))
	assert.Equal(t, "a", r.PinnedID())
}

func TestParticipantRegistry_Subscribe(t *testing.T) {
	r := NewParticipantRegistry()

	var mu sync.Mutex
	var updates int
	var last []models.Participant
	unsubscribe := r.Subscribe(func(roster []models.Participant) {
		mu.Lock()
		updates++
		last = roster
		mu.Unlock()
	})

	require.NoError(t, r.Add(participant("a")))
	r.SetMuted("a", true)
	r.SetMuted("a", true)

	mu.Lock()
	assert.Equal(t, 2, updates, "no-op updates do not notify")
	require.Len(t, last, 1)
	assert.True(t, last[0].AudioMuted)
	mu.Unlock()

	unsubscribe()
	r.Clear()
	assert.Empty(t, r.Participants())

	mu.Lock()
	assert.Equal(t, 2, updates)
	mu.Unlock()
}

// trackStream is a value type holding a slice, so it cannot be compared with ==.
type trackStream struct {
	id     string
	tracks []string
}

func (s trackStream) ID() string             { return s.id }
func (s trackStream) Stop()                  {}
func (s trackStream) Ended() <-chan struct{} { return nil }

func TestParticipantRegistry_SetMediaStreamByID(t *testing.T) {
	r := NewParticipantRegistry()
	require.NoError(t, r.Add(participant("a")))

	var updates int
	r.Subscribe(func([]models.Participant) { updates++ })

	assert.NotPanics(t, func() {
		r.SetMediaStream("a", trackStream{id: "screen", tracks: []string{"video"}})
		r.SetMediaStream("a", trackStream{id: "screen", tracks: []string{"video", "audio"}})
	})
	assert.Equal(t, 1, updates, "same stream id does not notify again")

	r.SetMediaStream("a", nil)
	assert.Equal(t, 2, updates)
	p, ok := r.Get("a")
	require.True(t, ok)
	assert.Nil(t, p.MediaStream)
}
