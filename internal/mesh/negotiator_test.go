package mesh

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/verso-app/livecast/internal/domain"
	"github.com/verso-app/livecast/internal/signaling"
)

// fakeLink records negotiation calls without any real transport. Event
// callbacks are never invoked from inside MediaLink methods; tests fire
// them explicitly through the captured LinkEvents.
type fakeLink struct {
	mu         sync.Mutex
	tracks     []webrtc.TrackLocal
	offers     int
	answeredTo string
	applied    string
	candidates []domain.ICECandidatePayload
	closed     bool
	failOffer  error
}

func (f *fakeLink) AddTrack(track webrtc.TrackLocal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks = append(f.tracks, track)
	return nil
}

func (f *fakeLink) CreateOffer(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOffer != nil {
		return "", f.failOffer
	}
	f.offers++
	return fmt.Sprintf("offer-sdp-%d", f.offers), nil
}

func (f *fakeLink) CreateAnswer(_ context.Context, remoteSDP string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answeredTo = remoteSDP
	return "answer-sdp", nil
}

func (f *fakeLink) ApplyAnswer(_ context.Context, remoteSDP string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = remoteSDP
	return nil
}

func (f *fakeLink) AddICECandidate(cand domain.ICECandidatePayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, cand)
	return nil
}

func (f *fakeLink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeLink) candidateCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.candidates)
}

// fakeFactory hands out fakeLinks and keeps them, with their event
// handlers, addressable by creation order.
type fakeFactory struct {
	mu     sync.Mutex
	links  []*fakeLink
	events []LinkEvents
}

func (f *fakeFactory) new(events LinkEvents) (MediaLink, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	link := &fakeLink{}
	f.links = append(f.links, link)
	f.events = append(f.events, events)
	return link, nil
}

func (f *fakeFactory) link(i int) *fakeLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.links[i]
}

func (f *fakeFactory) linkEvents(i int) LinkEvents {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.events[i]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.links)
}

func newTestNegotiator(t *testing.T, localID string, role domain.Role) (*Negotiator, *fakeFactory, *signaling.MemoryChannel) {
	t.Helper()
	channel := signaling.NewMemoryChannel()
	t.Cleanup(func() { channel.Close() })
	factory := &fakeFactory{}
	n := NewNegotiator("room-1", localID, role, channel, factory.new, Config{OfferTimeout: time.Minute})
	return n, factory, channel
}

func envelope(t *testing.T, kind domain.Kind, from, to string, payload interface{}) *domain.Envelope {
	t.Helper()
	env, err := domain.NewEnvelope(kind, "room-1", from, to, payload)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	return env
}

func drain(t *testing.T, ch <-chan *domain.Envelope) *domain.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
		return nil
	}
}

func TestViewerJoinedCreatesOffer(t *testing.T) {
	n, factory, channel := newTestNegotiator(t, "host", domain.RoleHost)
	ctx := context.Background()

	sub, _ := channel.Subscribe(ctx, "room-1")

	n.HandleEnvelope(ctx, envelope(t, domain.KindViewerJoined, "v1", "", domain.ViewerJoinedPayload{
		Participant: domain.Participant{ID: "v1", Role: domain.RoleParticipant},
	}))

	if factory.count() != 1 {
		t.Fatalf("links created = %d, want 1", factory.count())
	}
	pl, ok := n.Link("v1")
	if !ok || pl.State() != StateOffering {
		t.Fatalf("link state = %v, want offering", pl.State())
	}

	env := drain(t, sub)
	if env.Kind != domain.KindOffer || env.To != "v1" {
		t.Fatalf("sent %q to %q, want offer to v1", env.Kind, env.To)
	}
}

func TestViewerNeverOffers(t *testing.T) {
	n, factory, _ := newTestNegotiator(t, "viewer", domain.RoleViewer)

	n.HandleEnvelope(context.Background(), envelope(t, domain.KindViewerJoined, "v2", "", domain.ViewerJoinedPayload{
		Participant: domain.Participant{ID: "v2", Role: domain.RoleViewer},
	}))

	if factory.count() != 0 || n.ActiveLinks() != 0 {
		t.Fatalf("viewer created %d links, want 0", factory.count())
	}
}

func TestDuplicateViewerJoinedKeepsLink(t *testing.T) {
	n, factory, _ := newTestNegotiator(t, "host", domain.RoleHost)
	ctx := context.Background()

	join := envelope(t, domain.KindViewerJoined, "v1", "", domain.ViewerJoinedPayload{
		Participant: domain.Participant{ID: "v1", Role: domain.RoleParticipant},
	})
	n.HandleEnvelope(ctx, join)
	n.HandleEnvelope(ctx, join)

	if factory.count() != 1 || n.ActiveLinks() != 1 {
		t.Fatalf("links = %d (factory %d), want exactly one per remote", n.ActiveLinks(), factory.count())
	}
}

func TestOfferAnswerRoundTrip(t *testing.T) {
	n, factory, channel := newTestNegotiator(t, "host", domain.RoleHost)
	ctx := context.Background()

	sub, _ := channel.Subscribe(ctx, "room-1")

	n.HandleEnvelope(ctx, envelope(t, domain.KindViewerJoined, "p1", "", domain.ViewerJoinedPayload{
		Participant: domain.Participant{ID: "p1", Role: domain.RoleParticipant},
	}))
	drain(t, sub) // offer

	// Unrelated room traffic interleaved with the handshake must not
	// disturb the link.
	n.HandleEnvelope(ctx, envelope(t, domain.KindComment, "v9", "", domain.CommentPayload{UserID: "v9", Text: "hi"}))
	n.HandleEnvelope(ctx, envelope(t, domain.KindReaction, "v9", "", domain.ReactionPayload{
		Action: domain.ReactionAdded, Emoji: "❤️", UserID: "v9",
	}))

	n.HandleEnvelope(ctx, envelope(t, domain.KindAnswer, "p1", "host", domain.SessionDescriptionPayload{SDP: "remote-answer"}))

	pl, _ := n.Link("p1")
	if pl.State() != StateAnswered {
		t.Fatalf("state = %v, want answered", pl.State())
	}
	if got := factory.link(0).applied; got != "remote-answer" {
		t.Errorf("applied sdp = %q", got)
	}

	// ICE completion reported by the transport connects the link.
	factory.linkEvents(0).Connected()
	if pl.State() != StateConnected {
		t.Fatalf("state = %v, want connected", pl.State())
	}
}

func TestAnswerIgnoredWhenNotOffering(t *testing.T) {
	n, _, _ := newTestNegotiator(t, "host", domain.RoleHost)
	ctx := context.Background()

	// Remote offers first, so our link is in answered state.
	n.HandleEnvelope(ctx, envelope(t, domain.KindOffer, "p1", "host", domain.SessionDescriptionPayload{SDP: "their-offer"}))

	pl, _ := n.Link("p1")
	if pl.State() != StateAnswered {
		t.Fatalf("state = %v, want answered", pl.State())
	}

	n.HandleEnvelope(ctx, envelope(t, domain.KindAnswer, "p1", "host", domain.SessionDescriptionPayload{SDP: "stray"}))
	if pl.State() != StateAnswered {
		t.Errorf("stray answer changed state to %v", pl.State())
	}
}

func TestIncomingOfferCreatesLinkReactively(t *testing.T) {
	n, factory, channel := newTestNegotiator(t, "p2", domain.RoleParticipant)
	ctx := context.Background()

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "mic",
	)
	if err != nil {
		t.Fatalf("NewTrackLocalStaticSample: %v", err)
	}
	n.SetLocalTracks([]webrtc.TrackLocal{track})

	sub, _ := channel.Subscribe(ctx, "room-1")

	n.HandleEnvelope(ctx, envelope(t, domain.KindOffer, "host", "p2", domain.SessionDescriptionPayload{SDP: "host-offer"}))

	if factory.count() != 1 {
		t.Fatalf("links created = %d, want 1", factory.count())
	}
	link := factory.link(0)
	if link.answeredTo != "host-offer" {
		t.Errorf("answered to %q", link.answeredTo)
	}
	if len(link.tracks) != 1 {
		t.Errorf("tracks attached = %d, want 1 for a producing role", len(link.tracks))
	}

	env := drain(t, sub)
	if env.Kind != domain.KindAnswer || env.To != "host" {
		t.Fatalf("sent %q to %q, want answer to host", env.Kind, env.To)
	}
}

func TestICEBufferedBeforeLinkAndReplayed(t *testing.T) {
	n, factory, _ := newTestNegotiator(t, "p2", domain.RoleParticipant)
	ctx := context.Background()

	// Candidates race ahead of the offer.
	for i := 0; i < 3; i++ {
		n.HandleEnvelope(ctx, envelope(t, domain.KindICE, "host", "p2", domain.ICECandidatePayload{
			Candidate: fmt.Sprintf("candidate-%d", i),
		}))
	}
	if factory.count() != 0 {
		t.Fatal("ice alone must not create a link")
	}

	n.HandleEnvelope(ctx, envelope(t, domain.KindOffer, "host", "p2", domain.SessionDescriptionPayload{SDP: "host-offer"}))

	link := factory.link(0)
	if got := link.candidateCount(); got != 3 {
		t.Fatalf("replayed candidates = %d, want 3", got)
	}
	if link.candidates[0].Candidate != "candidate-0" {
		t.Errorf("replay out of order: first = %q", link.candidates[0].Candidate)
	}

	// Later candidates apply directly.
	n.HandleEnvelope(ctx, envelope(t, domain.KindICE, "host", "p2", domain.ICECandidatePayload{Candidate: "candidate-3"}))
	if got := link.candidateCount(); got != 4 {
		t.Fatalf("candidates = %d, want 4", got)
	}
}

func TestICEBufferBounded(t *testing.T) {
	n, factory, _ := newTestNegotiator(t, "p2", domain.RoleParticipant)
	ctx := context.Background()

	for i := 0; i < maxBufferedCandidates+10; i++ {
		n.HandleEnvelope(ctx, envelope(t, domain.KindICE, "host", "p2", domain.ICECandidatePayload{
			Candidate: fmt.Sprintf("candidate-%d", i),
		}))
	}

	n.HandleEnvelope(ctx, envelope(t, domain.KindOffer, "host", "p2", domain.SessionDescriptionPayload{SDP: "host-offer"}))

	link := factory.link(0)
	if got := link.candidateCount(); got != maxBufferedCandidates {
		t.Fatalf("replayed candidates = %d, want %d", got, maxBufferedCandidates)
	}
	// Oldest dropped first.
	if first := link.candidates[0].Candidate; first != "candidate-10" {
		t.Errorf("first replayed = %q, want candidate-10", first)
	}
}

func TestHostWithTwoParticipants(t *testing.T) {
	n, factory, channel := newTestNegotiator(t, "host", domain.RoleHost)
	ctx := context.Background()

	sub, _ := channel.Subscribe(ctx, "room-1")

	for _, id := range []string{"p1", "p2"} {
		n.HandleEnvelope(ctx, envelope(t, domain.KindViewerJoined, id, "", domain.ViewerJoinedPayload{
			Participant: domain.Participant{ID: id, Role: domain.RoleParticipant},
		}))
	}
	if n.ActiveLinks() != 2 {
		t.Fatalf("links = %d, want 2", n.ActiveLinks())
	}

	offers := map[string]bool{}
	for i := 0; i < 2; i++ {
		env := drain(t, sub)
		if env.Kind != domain.KindOffer {
			t.Fatalf("kind = %q, want offer", env.Kind)
		}
		offers[env.To] = true
	}
	if !offers["p1"] || !offers["p2"] {
		t.Fatalf("offers sent to %v, want p1 and p2", offers)
	}

	// One participant answers and connects; the other stays offering.
	n.HandleEnvelope(ctx, envelope(t, domain.KindAnswer, "p1", "host", domain.SessionDescriptionPayload{SDP: "a1"}))
	factory.linkEvents(0).Connected()

	p1, _ := n.Link("p1")
	p2, _ := n.Link("p2")
	if p1.State() != StateConnected {
		t.Errorf("p1 state = %v, want connected", p1.State())
	}
	if p2.State() != StateOffering {
		t.Errorf("p2 state = %v, want offering", p2.State())
	}
}

func TestLeaveRoomClosesLink(t *testing.T) {
	n, factory, _ := newTestNegotiator(t, "host", domain.RoleHost)
	ctx := context.Background()

	n.HandleEnvelope(ctx, envelope(t, domain.KindViewerJoined, "p1", "", domain.ViewerJoinedPayload{
		Participant: domain.Participant{ID: "p1", Role: domain.RoleParticipant},
	}))
	n.HandleEnvelope(ctx, envelope(t, domain.KindLeaveRoom, "p1", "", domain.LeaveRoomPayload{ParticipantID: "p1"}))

	if n.ActiveLinks() != 0 {
		t.Fatalf("links = %d, want 0 after leave", n.ActiveLinks())
	}
	if !factory.link(0).closed {
		t.Error("underlying media link not closed")
	}
}

func TestOfferTimeoutFailsLink(t *testing.T) {
	channel := signaling.NewMemoryChannel()
	defer channel.Close()
	factory := &fakeFactory{}
	n := NewNegotiator("room-1", "host", domain.RoleHost, channel, factory.new, Config{OfferTimeout: 10 * time.Millisecond})

	n.HandleEnvelope(context.Background(), envelope(t, domain.KindViewerJoined, "p1", "", domain.ViewerJoinedPayload{
		Participant: domain.Participant{ID: "p1", Role: domain.RoleParticipant},
	}))

	pl, _ := n.Link("p1")
	deadline := time.After(time.Second)
	for pl.State() != StateFailed {
		select {
		case <-deadline:
			t.Fatalf("state = %v, want failed after timeout", pl.State())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestTransportFailureEvent(t *testing.T) {
	n, factory, _ := newTestNegotiator(t, "host", domain.RoleHost)
	ctx := context.Background()

	n.HandleEnvelope(ctx, envelope(t, domain.KindViewerJoined, "p1", "", domain.ViewerJoinedPayload{
		Participant: domain.Participant{ID: "p1", Role: domain.RoleParticipant},
	}))
	n.HandleEnvelope(ctx, envelope(t, domain.KindAnswer, "p1", "host", domain.SessionDescriptionPayload{SDP: "a1"}))

	factory.linkEvents(0).Failed()

	pl, _ := n.Link("p1")
	if pl.State() != StateFailed {
		t.Fatalf("state = %v, want failed", pl.State())
	}

	// A failure after connection is ignored.
	factory.linkEvents(0).Connected()
	if pl.State() != StateFailed {
		t.Errorf("connected event resurrected a failed link: %v", pl.State())
	}
}

func TestLocalCandidateSentToRemote(t *testing.T) {
	n, factory, channel := newTestNegotiator(t, "host", domain.RoleHost)
	ctx := context.Background()

	sub, _ := channel.Subscribe(ctx, "room-1")

	n.HandleEnvelope(ctx, envelope(t, domain.KindViewerJoined, "p1", "", domain.ViewerJoinedPayload{
		Participant: domain.Participant{ID: "p1", Role: domain.RoleParticipant},
	}))
	drain(t, sub) // offer

	factory.linkEvents(0).Candidate(domain.ICECandidatePayload{Candidate: "local-cand"})

	env := drain(t, sub)
	if env.Kind != domain.KindICE || env.To != "p1" {
		t.Fatalf("sent %q to %q, want ice to p1", env.Kind, env.To)
	}
	decoded, _ := env.DecodePayload()
	if p := decoded.(*domain.ICECandidatePayload); p.Candidate != "local-cand" {
		t.Errorf("candidate = %q", p.Candidate)
	}
}

func TestRoomEndedClosesLinksAndNotifies(t *testing.T) {
	n, factory, _ := newTestNegotiator(t, "host", domain.RoleHost)
	ctx := context.Background()

	n.HandleEnvelope(ctx, envelope(t, domain.KindViewerJoined, "p1", "", domain.ViewerJoinedPayload{
		Participant: domain.Participant{ID: "p1", Role: domain.RoleParticipant},
	}))

	notified := false
	n.OnRoomEnded(func() { notified = true })

	n.HandleEnvelope(ctx, envelope(t, domain.KindRoomEnded, "svc", "", domain.RoomEndedPayload{Reason: "host_left"}))

	if n.ActiveLinks() != 0 {
		t.Fatalf("links = %d, want 0 after room ended", n.ActiveLinks())
	}
	if !factory.link(0).closed {
		t.Error("underlying media link not closed")
	}
	if !notified {
		t.Error("room-ended callback not invoked")
	}
}

func TestCloseAllTearsDownEverything(t *testing.T) {
	n, factory, _ := newTestNegotiator(t, "host", domain.RoleHost)
	ctx := context.Background()

	for _, id := range []string{"p1", "p2"} {
		n.HandleEnvelope(ctx, envelope(t, domain.KindViewerJoined, id, "", domain.ViewerJoinedPayload{
			Participant: domain.Participant{ID: id, Role: domain.RoleParticipant},
		}))
	}

	n.CloseAll()
	n.CloseAll() // idempotent

	if n.ActiveLinks() != 0 {
		t.Fatalf("links = %d, want 0", n.ActiveLinks())
	}
	for i := 0; i < factory.count(); i++ {
		if !factory.link(i).closed {
			t.Errorf("link %d not closed", i)
		}
	}

	// Closed negotiators ignore further joins.
	n.HandleEnvelope(ctx, envelope(t, domain.KindViewerJoined, "p3", "", domain.ViewerJoinedPayload{
		Participant: domain.Participant{ID: "p3", Role: domain.RoleParticipant},
	}))
	if n.ActiveLinks() != 0 {
		t.Error("closed negotiator created a link")
	}
}
