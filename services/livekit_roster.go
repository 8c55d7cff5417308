package services

import (
	"github.com/livekit/protocol/livekit"

	"github.com/akinalp/collab/models"
	"github.com/akinalp/collab/ws"
)

// ParticipantFromLiveKit maps a media-server participant onto the roster
// model. Missing tracks count as muted/off.
func ParticipantFromLiveKit(info *livekit.ParticipantInfo) models.Participant {
	p := models.Participant{
		ParticipantID: info.GetIdentity(),
		DisplayName:   info.GetName(),
		AudioMuted:    true,
		VideoOff:      true,
	}
	if p.DisplayName == "" {
		p.DisplayName = p.ParticipantID
	}

	for _, track := range info.GetTracks() {
		switch track.GetSource() {
		case livekit.TrackSource_MICROPHONE:
			p.AudioMuted = track.GetMuted()
		case livekit.TrackSource_CAMERA:
			p.VideoOff = track.GetMuted()
		case livekit.TrackSource_SCREEN_SHARE:
			if !track.GetMuted() {
				p.IsSharing = true
			}
		case livekit.TrackSource_SCREEN_SHARE_AUDIO:
			// Rides along with the screen track.
		default:
			// Older clients publish without a source.
			switch track.GetType() {
			case livekit.TrackType_AUDIO:
				p.AudioMuted = track.GetMuted()
			case livekit.TrackType_VIDEO:
				p.VideoOff = track.GetMuted()
			}
		}
	}
	return p
}

// rosterFromLiveKit converts a room listing, dropping participants that
// already disconnected.
func rosterFromLiveKit(infos []*livekit.ParticipantInfo) []models.Participant {
	out := make([]models.Participant, 0, len(infos))
	for _, info := range infos {
		if info.GetIdentity() == "" || info.GetState() == livekit.ParticipantInfo_DISCONNECTED {
			continue
		}
		out = append(out, ParticipantFromLiveKit(info))
	}
	return out
}

func participantFromData(d ws.ParticipantData) models.Participant {
	return models.Participant{
		ParticipantID: d.ParticipantID,
		DisplayName:   d.DisplayName,
		AudioMuted:    d.AudioMuted,
		VideoOff:      d.VideoOff,
		IsSharing:     d.IsSharing,
	}
}

func participantData(p models.Participant) ws.ParticipantData {
	return ws.ParticipantData{
		ParticipantID: p.ParticipantID,
		DisplayName:   p.DisplayName,
		AudioMuted:    p.AudioMuted,
		VideoOff:      p.VideoOff,
		IsSharing:     p.IsSharing,
	}
}
