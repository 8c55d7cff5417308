package services

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/livekit/protocol/livekit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/akinalp/collab/models"
	"github.com/akinalp/collab/pkg"
	"github.com/akinalp/collab/ws"
)

func newTestCall(t *testing.T, media *fakeMedia) (CallSession, *fakeSession) {
	t.Helper()

	session := newFakeSession(models.ConnectionOpen)
	call := NewCallSession(session, CallSessionOptions{Identity: alice, Media: media})
	t.Cleanup(call.Close)
	return call, session
}

func joinRemote(session *fakeSession, id string) {
	session.frame(ws.OpParticipantJoin, ws.ParticipantData{ParticipantID: id, DisplayName: id})
}

func localOf(t *testing.T, view models.CallView) models.Participant {
	t.Helper()
	for _, p := range view.Participants {
		if p.IsLocal {
			return p
		}
	}
	require.FailNow(t, "no local participant")
	return models.Participant{}
}

func TestCallSession_JoinWithCamera(t *testing.T) {
	media := &fakeMedia{}
	call, session := newTestCall(t, media)

	require.NoError(t, call.Join(context.Background(), JoinOptions{Camera: true, ParticipantID: "alice-1"}))

	local := localOf(t, call.View())
	assert.Equal(t, "alice-1", local.ParticipantID)
	assert.Equal(t, "Alice", local.DisplayName)
	assert.False(t, local.VideoOff)
	assert.Equal(t, "camera-0", local.StreamID())
	assert.NoError(t, call.LastMediaError())

	joins := session.sentOps(ws.OpParticipantJoin)
	require.Len(t, joins, 1)
	var data ws.ParticipantData
	require.NoError(t, ws.DecodeData(joins[0], &data))
	assert.Equal(t, "alice-1", data.ParticipantID)

	assert.ErrorIs(t, call.Join(context.Background(), JoinOptions{}), pkg.ErrLocalParticipantExists)
}

func TestCallSession_CameraDeniedJoinsWithVideoOff(t *testing.T) {
	media := &fakeMedia{cameraErr: fmt.Errorf("%w: blocked", pkg.ErrMediaAcquisitionDenied)}
	call, _ := newTestCall(t, media)

	require.NoError(t, call.Join(context.Background(), JoinOptions{Camera: true}))

	local := localOf(t, call.View())
	assert.True(t, local.VideoOff)
	assert.Nil(t, local.MediaStream)
	assert.ErrorIs(t, call.LastMediaError(), pkg.ErrMediaAcquisitionDenied)
}

func TestCallSession_JoinWhileClosed(t *testing.T) {
	media := &fakeMedia{}
	call, session := newTestCall(t, media)
	session.setState(models.ConnectionClosed)

	err := call.Join(context.Background(), JoinOptions{Camera: true})
	require.ErrorIs(t, err, pkg.ErrNotConnected)

	assert.Empty(t, call.View().Participants)
	assert.True(t, media.stream(0).isStopped(), "camera is released when the join fails")
}

func TestCallSession_RosterDeltas(t *testing.T) {
	call, session := newTestCall(t, &fakeMedia{})
	require.NoError(t, call.Join(context.Background(), JoinOptions{ParticipantID: "me"}))

	joinRemote(session, "bob")
	joinRemote(session, "carol")

	muted := true
	session.frame(ws.OpParticipantUpdate, ws.ParticipantUpdateData{ParticipantID: "bob", AudioMuted: &muted})
	session.frame(ws.OpParticipantUpdate, ws.ParticipantUpdateData{ParticipantID: "ghost", AudioMuted: &muted})
	session.frame(ws.OpParticipantLeave, ws.ParticipantLeaveData{ParticipantID: "carol"})
	session.frame(ws.OpParticipantLeave, ws.ParticipantLeaveData{ParticipantID: "carol"})

	// Echoes of our own participant never touch the local entry.
	session.frame(ws.OpParticipantLeave, ws.ParticipantLeaveData{ParticipantID: "me"})

	view := call.View()
	require.Len(t, view.Participants, 2)
	assert.Equal(t, "me", view.Participants[0].ParticipantID)
	assert.Equal(t, "bob", view.Participants[1].ParticipantID)
	assert.True(t, view.Participants[1].AudioMuted)

	// A duplicate join refreshes flags instead of adding a second entry.
	session.frame(ws.OpParticipantJoin, ws.ParticipantData{ParticipantID: "bob", VideoOff: true})
	view = call.View()
	require.Len(t, view.Participants, 2)
	assert.True(t, view.Participants[1].VideoOff)
	assert.False(t, view.Participants[1].AudioMuted)
}

func TestCallSession_SyncReplacesRemoteRoster(t *testing.T) {
	call, session := newTestCall(t, &fakeMedia{})
	require.NoError(t, call.Join(context.Background(), JoinOptions{ParticipantID: "me"}))

	joinRemote(session, "bob")
	joinRemote(session, "carol")
	call.TogglePin("bob")

	session.frame(ws.OpParticipantSync, ws.ParticipantSyncData{Participants: []ws.ParticipantData{
		{ParticipantID: "bob", AudioMuted: true},
		{ParticipantID: "dave"},
	}})

	view := call.View()
	var got []string
	for _, p := range view.Participants {
		got = append(got, p.ParticipantID)
	}
	assert.Equal(t, []string{"me", "bob", "dave"}, got)
	assert.Equal(t, "bob", view.PinnedParticipantID, "surviving entries keep their pin")
	assert.True(t, view.Participants[1].AudioMuted)
}

func TestCallSession_PinAndFocusLayout(t *testing.T) {
	call, session := newTestCall(t, &fakeMedia{})
	require.NoError(t, call.Join(context.Background(), JoinOptions{ParticipantID: "me"}))
	joinRemote(session, "bob")
	joinRemote(session, "carol")

	require.NoError(t, call.SetLayoutMode(models.LayoutFocus))
	assert.Equal(t, models.LayoutGrid, call.View().Layout.Mode, "focus without a pin is a grid")

	call.TogglePin("carol")
	layout := call.View().Layout
	assert.Equal(t, models.LayoutFocus, layout.Mode)
	assert.Equal(t, "carol", layout.Arrangement[0])
	assert.True(t, layout.Cells[0].Dominant)

	session.frame(ws.OpParticipantLeave, ws.ParticipantLeaveData{ParticipantID: "carol"})
	view := call.View()
	assert.Empty(t, view.PinnedParticipantID)
	assert.Equal(t, models.LayoutGrid, view.Layout.Mode, "pinned participant left")

	assert.ErrorIs(t, call.SetLayoutMode("spiral"), pkg.ErrBadRequest)
}

func TestCallSession_MuteAndVideo(t *testing.T) {
	call, session := newTestCall(t, &fakeMedia{})

	assert.ErrorIs(t, call.SetMuted(true), pkg.ErrBadRequest, "not joined yet")

	require.NoError(t, call.Join(context.Background(), JoinOptions{ParticipantID: "me"}))
	require.NoError(t, call.SetMuted(true))
	require.NoError(t, call.SetVideoOff(true))

	local := localOf(t, call.View())
	assert.True(t, local.AudioMuted)
	assert.True(t, local.VideoOff)

	updates := session.sentOps(ws.OpParticipantUpdate)
	require.Len(t, updates, 2)
	var upd ws.ParticipantUpdateData
	require.NoError(t, ws.DecodeData(updates[0], &upd))
	require.NotNil(t, upd.AudioMuted)
	assert.True(t, *upd.AudioMuted)
	assert.Nil(t, upd.VideoOff)
}

func TestCallSession_ScreenShareSwapsStream(t *testing.T) {
	media := &fakeMedia{}
	call, session := newTestCall(t, media)
	require.NoError(t, call.Join(context.Background(), JoinOptions{Camera: true, ParticipantID: "me"}))

	require.NoError(t, call.StartScreenShare(context.Background(), false))
	local := localOf(t, call.View())
	assert.True(t, local.IsSharing)
	assert.Equal(t, "screen-1", local.StreamID())

	// Replacing keeps one active share and does not flap the sharing flag.
	require.NoError(t, call.StartScreenShare(context.Background(), true))
	assert.True(t, media.stream(1).isStopped())
	assert.Equal(t, "screen-2", localOf(t, call.View()).StreamID())
	assert.Equal(t, models.ScreenShareActive, call.ScreenShare().Status)

	call.StopScreenShare()
	local = localOf(t, call.View())
	assert.False(t, local.IsSharing)
	assert.Equal(t, "camera-0", local.StreamID(), "camera is published again")
	assert.False(t, media.stream(0).isStopped())

	var flags []bool
	for _, ev := range session.sentOps(ws.OpParticipantUpdate) {
		var upd ws.ParticipantUpdateData
		require.NoError(t, ws.DecodeData(ev, &upd))
		if upd.IsSharing != nil {
			flags = append(flags, *upd.IsSharing)
		}
	}
	assert.Equal(t, []bool{true, false}, flags)
}

func TestCallSession_ScreenShareRequiresJoin(t *testing.T) {
	call, _ := newTestCall(t, &fakeMedia{})
	assert.ErrorIs(t, call.StartScreenShare(context.Background(), false), pkg.ErrBadRequest)
}

func TestCallSession_LeaveReleasesEverything(t *testing.T) {
	media := &fakeMedia{}
	call, session := newTestCall(t, media)
	require.NoError(t, call.Join(context.Background(), JoinOptions{Camera: true, ParticipantID: "me"}))
	joinRemote(session, "bob")
	require.NoError(t, call.StartScreenShare(context.Background(), false))

	// The transport is gone; leave must still release local media.
	session.setState(models.ConnectionClosed)
	call.Leave()

	assert.True(t, media.stream(0).isStopped(), "camera stopped")
	assert.True(t, media.stream(1).isStopped(), "screen share stopped")
	assert.Equal(t, models.ScreenShareIdle, call.ScreenShare().Status)
	assert.Empty(t, call.View().Participants)

	session.setState(models.ConnectionOpen)
	require.NoError(t, call.Join(context.Background(), JoinOptions{}), "rejoin after leave")
	call.Leave()
	call.Leave()
}

func TestCallSession_LeaveSendsParticipantLeave(t *testing.T) {
	call, session := newTestCall(t, &fakeMedia{})
	require.NoError(t, call.Join(context.Background(), JoinOptions{ParticipantID: "me"}))

	call.Leave()

	leaves := session.sentOps(ws.OpParticipantLeave)
	require.Len(t, leaves, 1)
	var data ws.ParticipantLeaveData
	require.NoError(t, ws.DecodeData(leaves[0], &data))
	assert.Equal(t, "me", data.ParticipantID)
}

func TestCallSession_ReannouncesAfterReconnect(t *testing.T) {
	call, session := newTestCall(t, &fakeMedia{})
	require.NoError(t, call.Join(context.Background(), JoinOptions{ParticipantID: "me", Muted: true}))

	session.setState(models.ConnectionOpen)
	assert.Len(t, session.sentOps(ws.OpParticipantJoin), 1, "no re-announce without a drop")

	session.setState(models.ConnectionReconnecting)
	session.setState(models.ConnectionOpen)

	joins := session.sentOps(ws.OpParticipantJoin)
	require.Len(t, joins, 2)
	var data ws.ParticipantData
	require.NoError(t, ws.DecodeData(joins[1], &data))
	assert.Equal(t, "me", data.ParticipantID)
	assert.True(t, data.AudioMuted, "current flags are re-announced")
}

func TestCallSession_Subscribe(t *testing.T) {
	call, session := newTestCall(t, &fakeMedia{})

	var mu sync.Mutex
	var last models.CallView
	call.Subscribe(func(v models.CallView) {
		mu.Lock()
		last = v
		mu.Unlock()
	})

	require.NoError(t, call.Join(context.Background(), JoinOptions{ParticipantID: "me"}))
	joinRemote(session, "bob")

	mu.Lock()
	assert.Len(t, last.Participants, 2)
	assert.Equal(t, models.GridShape{Columns: 2, Rows: 1}, last.Layout.Grid)
	mu.Unlock()
}

func TestCallSession_CloseUnsubscribes(t *testing.T) {
	call, session := newTestCall(t, &fakeMedia{})
	require.Equal(t, 1, session.subscribers())

	call.Close()
	assert.Equal(t, 0, session.subscribers())
	assert.ErrorIs(t, call.Join(context.Background(), JoinOptions{}), pkg.ErrNotConnected)
}

func TestCallSession_SyncLiveKit(t *testing.T) {
	call, _ := newTestCall(t, &fakeMedia{})
	require.NoError(t, call.Join(context.Background(), JoinOptions{ParticipantID: "me"}))

	call.SyncLiveKit([]*livekit.ParticipantInfo{
		{Identity: "alice", Name: "Alice"},
		{Identity: "bob", Name: "Bob", Tracks: []*livekit.TrackInfo{
			{Source: livekit.TrackSource_MICROPHONE, Type: livekit.TrackType_AUDIO},
		}},
		{Identity: "gone", State: livekit.ParticipantInfo_DISCONNECTED},
	})

	view := call.View()
	require.Len(t, view.Participants, 2, "own identity and disconnected participants are skipped")
	assert.Equal(t, "bob", view.Participants[1].ParticipantID)
	assert.False(t, view.Participants[1].AudioMuted)
	assert.True(t, view.Participants[1].VideoOff)
}

func TestParticipantFromLiveKit(t *testing.T) {
	tests := []struct {
		name string
		info *livekit.ParticipantInfo
		want models.Participant
	}{
		{
			name: "no tracks",
			info: &livekit.ParticipantInfo{Identity: "u1"},
			want: models.Participant{ParticipantID: "u1", DisplayName: "u1", AudioMuted: true, VideoOff: true},
		},
		{
			name: "camera and muted mic",
			info: &livekit.ParticipantInfo{Identity: "u2", Name: "Bo", Tracks: []*livekit.TrackInfo{
				{Source: livekit.TrackSource_CAMERA, Type: livekit.TrackType_VIDEO},
				{Source: livekit.TrackSource_MICROPHONE, Type: livekit.TrackType_AUDIO, Muted: true},
			}},
			want: models.Participant{ParticipantID: "u2", DisplayName: "Bo", AudioMuted: true, VideoOff: false},
		},
		{
			name: "screen share",
			info: &livekit.ParticipantInfo{Identity: "u3", Tracks: []*livekit.TrackInfo{
				{Source: livekit.TrackSource_SCREEN_SHARE, Type: livekit.TrackType_VIDEO},
				{Source: livekit.TrackSource_SCREEN_SHARE_AUDIO, Type: livekit.TrackType_AUDIO},
			}},
			want: models.Participant{ParticipantID: "u3", DisplayName: "u3", AudioMuted: true, VideoOff: true, IsSharing: true},
		},
		{
			name: "untyped source falls back to track type",
			info: &livekit.ParticipantInfo{Identity: "u4", Tracks: []*livekit.TrackInfo{
				{Type: livekit.TrackType_AUDIO},
			}},
			want: models.Participant{ParticipantID: "u4", DisplayName: "u4", AudioMuted: false, VideoOff: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParticipantFromLiveKit(tt.info))
		})
	}
}

func TestOpenCallSession_ThroughRelay(t *testing.T) {
	srv := startTestRelay(t)
	bob := models.Identity{UserID: "bob", DisplayName: "Bob"}

	aliceCall, err := OpenCallSession(newRelayManager(t, srv, alice), "proj", "standup", CallSessionOptions{Identity: alice})
	require.NoError(t, err)
	t.Cleanup(aliceCall.Close)
	bobCall, err := OpenCallSession(newRelayManager(t, srv, bob), "proj", "standup", CallSessionOptions{Identity: bob})
	require.NoError(t, err)
	t.Cleanup(bobCall.Close)

	require.NoError(t, aliceCall.Join(context.Background(), JoinOptions{ParticipantID: "alice-tab"}))
	require.NoError(t, bobCall.Join(context.Background(), JoinOptions{ParticipantID: "bob-tab"}))

	require.Eventually(t, func() bool { return len(aliceCall.View().Participants) == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return len(bobCall.View().Participants) == 2 }, waitFor, tick)

	require.NoError(t, bobCall.SetMuted(true))
	require.Eventually(t, func() bool {
		for _, p := range aliceCall.View().Participants {
			if p.ParticipantID == "bob-tab" {
				return p.AudioMuted
			}
		}
		return false
	}, waitFor, tick)

	bobCall.Leave()
	require.Eventually(t, func() bool { return len(aliceCall.View().Participants) == 1 }, waitFor, tick)
}

func TestOpenCallSession_CloseDetaches(t *testing.T) {
	srv := startTestRelay(t)
	opener := &countingOpener{SessionOpener: newRelayManager(t, srv, alice)}

	call, err := OpenCallSession(opener, "proj", "standup", CallSessionOptions{Identity: alice})
	require.NoError(t, err)
	assert.Equal(t, int32(1), opener.attached.Load())

	call.Close()
	assert.Equal(t, int32(0), opener.attached.Load())
}

func TestCallSession_ShareStartedAfterLeaveIsStopped(t *testing.T) {
	media := &fakeMedia{}
	call, _ := newTestCall(t, media)
	require.NoError(t, call.Join(context.Background(), JoinOptions{ParticipantID: "me"}))
	call.Leave()

	// A StartScreenShare that passed its join check just before Leave.
	require.NoError(t, call.(*callSession).screen.Start(context.Background(), false))

	assert.Equal(t, models.ScreenShareIdle, call.ScreenShare().Status)
	require.Len(t, media.streams, 1)
	assert.True(t, media.stream(0).isStopped())
}
