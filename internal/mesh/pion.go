package mesh

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/verso-app/livecast/internal/domain"
	pkglog "github.com/verso-app/livecast/pkg/log"
)

// pionLink implements MediaLink on a pion PeerConnection.
type pionLink struct {
	pc *webrtc.PeerConnection
}

// NewPionFactory returns a LinkFactory producing pion-backed links
// configured with the given ICE servers.
func NewPionFactory(iceServers []webrtc.ICEServer) LinkFactory {
	return func(events LinkEvents) (MediaLink, error) {
		pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
			ICEServers: iceServers,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create peer connection: %w", err)
		}

		pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
			pkglog.L().Debug().Str("state", state.String()).Msg("peer connection state changed")
			switch state {
			case webrtc.PeerConnectionStateConnected:
				if events.Connected != nil {
					events.Connected()
				}
			case webrtc.PeerConnectionStateFailed:
				if events.Failed != nil {
					events.Failed()
				}
			}
		})

		pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
			if candidate == nil || events.Candidate == nil {
				return
			}
			init := candidate.ToJSON()
			events.Candidate(domain.ICECandidatePayload{
				Candidate:     init.Candidate,
				SDPMid:        init.SDPMid,
				SDPMLineIndex: init.SDPMLineIndex,
			})
		})

		return &pionLink{pc: pc}, nil
	}
}

func (l *pionLink) AddTrack(track webrtc.TrackLocal) error {
	if _, err := l.pc.AddTrack(track); err != nil {
		return fmt.Errorf("failed to add track: %w", err)
	}
	return nil
}

func (l *pionLink) CreateOffer(_ context.Context) (string, error) {
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	if err := l.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return offer.SDP, nil
}

func (l *pionLink) CreateAnswer(_ context.Context, remoteSDP string) (string, error) {
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  remoteSDP,
	}); err != nil {
		return "", fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	if err := l.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}
	return answer.SDP, nil
}

func (l *pionLink) ApplyAnswer(_ context.Context, remoteSDP string) error {
	if err := l.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  remoteSDP,
	}); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}
	return nil
}

func (l *pionLink) AddICECandidate(cand domain.ICECandidatePayload) error {
	return l.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	})
}

func (l *pionLink) Close() error {
	return l.pc.Close()
}
