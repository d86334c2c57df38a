package mesh

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/verso-app/livecast/internal/domain"
)

// LinkState is the negotiation state of one PeerLink.
type LinkState string

const (
	StateIdle      LinkState = "idle"
	StateOffering  LinkState = "offering"
	StateAnswered  LinkState = "answered"
	StateConnected LinkState = "connected"
	StateFailed    LinkState = "failed"
	StateClosed    LinkState = "closed"
)

// MediaLink abstracts the underlying media connection of a PeerLink.
// The production implementation wraps a pion PeerConnection; tests use
// a fake.
type MediaLink interface {
	// AddTrack attaches a local outgoing track.
	AddTrack(track webrtc.TrackLocal) error

	// CreateOffer generates and applies a local session description,
	// returning its SDP.
	CreateOffer(ctx context.Context) (string, error)

	// CreateAnswer applies the remote offer, generates and applies a
	// local answer, returning its SDP.
	CreateAnswer(ctx context.Context, remoteSDP string) (string, error)

	// ApplyAnswer applies the remote answer to a link that offered.
	ApplyAnswer(ctx context.Context, remoteSDP string) error

	// AddICECandidate applies one remote ICE candidate.
	AddICECandidate(cand domain.ICECandidatePayload) error

	Close() error
}

// LinkEvents receives transport-level notifications for one link.
// Connected fires when ICE negotiation completes; Failed when the
// transport gives up; Candidate for each locally discovered ICE
// candidate.
type LinkEvents struct {
	Connected func()
	Failed    func()
	Candidate func(cand domain.ICECandidatePayload)
}

// LinkFactory creates a MediaLink wired to the given event handlers.
type LinkFactory func(events LinkEvents) (MediaLink, error)
