package mesh

import (
	"context"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/verso-app/livecast/internal/domain"
	"github.com/verso-app/livecast/internal/signaling"
	pkglog "github.com/verso-app/livecast/pkg/log"
)

// Candidates arriving before their PeerLink exists are buffered up to
// this many per remote, then the oldest are dropped.
const maxBufferedCandidates = 32

// PeerLink is one negotiated media path to a single remote participant.
// There is at most one per remote; it never outlives its room.
type PeerLink struct {
	RemoteID  string
	CreatedAt time.Time

	mu    sync.Mutex
	state LinkState
	link  MediaLink
	timer *time.Timer // offer->answer timeout, nil once answered
}

// State returns the link's current negotiation state.
func (p *PeerLink) State() LinkState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Config holds negotiator settings.
type Config struct {
	// OfferTimeout bounds the offer->answer round trip. Expiry moves
	// the link to failed rather than waiting forever.
	OfferTimeout time.Duration
}

// Negotiator drives mesh-mode negotiation for one local participant in
// one room. It consumes the room's signaling stream and maintains one
// PeerLink per remote participant.
type Negotiator struct {
	roomID  string
	localID string
	role    domain.Role
	channel signaling.Channel
	newLink LinkFactory
	cfg     Config
	logger  zerolog.Logger

	onRoomEnded func() // set before Run starts

	mu         sync.Mutex
	links      map[string]*PeerLink
	pendingICE map[string][]domain.ICECandidatePayload
	tracks     []webrtc.TrackLocal
	closed     bool
}

// NewNegotiator creates a mesh negotiator for the given participant.
func NewNegotiator(roomID, localID string, role domain.Role, channel signaling.Channel, factory LinkFactory, cfg Config) *Negotiator {
	if cfg.OfferTimeout <= 0 {
		cfg.OfferTimeout = 15 * time.Second
	}
	return &Negotiator{
		roomID:  roomID,
		localID: localID,
		role:    role,
		channel: channel,
		newLink: factory,
		cfg:     cfg,
		logger: pkglog.L().With().
			Str(pkglog.FieldRoomID, roomID).
			Str(pkglog.FieldParticipantID, localID).
			Logger(),
		links:      make(map[string]*PeerLink),
		pendingICE: make(map[string][]domain.ICECandidatePayload),
	}
}

// SetLocalTracks sets the outgoing tracks attached to every new link.
// Must be called before negotiation starts.
func (n *Negotiator) SetLocalTracks(tracks []webrtc.TrackLocal) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tracks = tracks
}

// OnRoomEnded registers a callback fired after the room's terminal
// signal has torn every link down. Must be set before Run starts.
func (n *Negotiator) OnRoomEnded(fn func()) {
	n.onRoomEnded = fn
}

// Run consumes the room's envelope stream until the context is
// cancelled or the stream closes.
func (n *Negotiator) Run(ctx context.Context, envelopes <-chan *domain.Envelope) {
	for {
		select {
		case <-ctx.Done():
			n.CloseAll()
			return
		case env, ok := <-envelopes:
			if !ok {
				n.CloseAll()
				return
			}
			n.HandleEnvelope(ctx, env)
		}
	}
}

// HandleEnvelope processes one signaling envelope. Envelopes not
// addressed to the local participant are discarded here, since the
// channel only filters by room.
func (n *Negotiator) HandleEnvelope(ctx context.Context, env *domain.Envelope) {
	if !env.AddressedTo(n.localID) {
		return
	}

	payload, err := env.DecodePayload()
	if err != nil {
		n.logger.Warn().Err(err).Str(pkglog.FieldEnvelopeKind, string(env.Kind)).Msg("dropping undecodable envelope")
		return
	}

	switch env.Kind {
	case domain.KindViewerJoined:
		p := payload.(*domain.ViewerJoinedPayload)
		n.handleViewerJoined(ctx, p.Participant)
	case domain.KindOffer:
		p := payload.(*domain.SessionDescriptionPayload)
		n.handleOffer(ctx, env.From, p.SDP)
	case domain.KindAnswer:
		p := payload.(*domain.SessionDescriptionPayload)
		n.handleAnswer(ctx, env.From, p.SDP)
	case domain.KindICE:
		p := payload.(*domain.ICECandidatePayload)
		n.handleICE(env.From, *p)
	case domain.KindLeaveRoom:
		p := payload.(*domain.LeaveRoomPayload)
		n.closeLink(p.ParticipantID)
	case domain.KindRoomEnded:
		n.CloseAll()
		if n.onRoomEnded != nil {
			n.onRoomEnded()
		}
	case domain.KindJoinRoom, domain.KindComment, domain.KindReaction:
		// Handled by the registry and the presence aggregator.
	}
}

// handleViewerJoined initiates negotiation towards a newcomer. Pure
// viewers never offer; they take the relay path instead.
func (n *Negotiator) handleViewerJoined(ctx context.Context, remote domain.Participant) {
	if !n.role.CanProduce() {
		return
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	if _, exists := n.links[remote.ID]; exists {
		// Duplicate viewer_joined, keep the existing link.
		n.mu.Unlock()
		return
	}
	pl, err := n.createLinkLocked(remote.ID, true)
	if err != nil {
		n.mu.Unlock()
		n.logger.Error().Err(err).Str(pkglog.FieldRemoteID, remote.ID).Msg("failed to create peer link")
		return
	}
	n.mu.Unlock()

	pl.mu.Lock()
	sdp, err := pl.link.CreateOffer(ctx)
	if err != nil {
		pl.state = StateFailed
		pl.mu.Unlock()
		n.logger.Error().Err(err).Str(pkglog.FieldRemoteID, remote.ID).Msg("offer creation failed")
		return
	}
	pl.state = StateOffering
	pl.timer = time.AfterFunc(n.cfg.OfferTimeout, func() {
		n.failLink(remote.ID, "offer timed out")
	})
	pl.mu.Unlock()

	n.sendDescription(ctx, domain.KindOffer, remote.ID, sdp)
	n.replayBufferedICE(remote.ID, pl)
}

// handleOffer answers an incoming offer, creating the link reactively
// when the remote is unknown.
func (n *Negotiator) handleOffer(ctx context.Context, from, sdp string) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	pl, exists := n.links[from]
	if !exists {
		var err error
		pl, err = n.createLinkLocked(from, n.role.CanProduce())
		if err != nil {
			n.mu.Unlock()
			n.logger.Error().Err(err).Str(pkglog.FieldRemoteID, from).Msg("failed to create peer link")
			return
		}
	}
	n.mu.Unlock()

	pl.mu.Lock()
	answer, err := pl.link.CreateAnswer(ctx, sdp)
	if err != nil {
		pl.state = StateFailed
		pl.mu.Unlock()
		n.logger.Error().Err(err).Str(pkglog.FieldRemoteID, from).Msg("answer creation failed")
		return
	}
	pl.state = StateAnswered
	pl.mu.Unlock()

	n.sendDescription(ctx, domain.KindAnswer, from, answer)
	n.replayBufferedICE(from, pl)
}

// handleAnswer applies a remote answer to a link we offered on.
func (n *Negotiator) handleAnswer(ctx context.Context, from, sdp string) {
	n.mu.Lock()
	pl, exists := n.links[from]
	n.mu.Unlock()
	if !exists {
		n.logger.Warn().Str(pkglog.FieldRemoteID, from).Msg("answer for unknown peer link")
		return
	}

	pl.mu.Lock()
	if pl.state != StateOffering {
		pl.mu.Unlock()
		n.logger.Warn().
			Str(pkglog.FieldRemoteID, from).
			Str("state", string(pl.state)).
			Msg("answer for peer link that is not offering")
		return
	}
	if err := pl.link.ApplyAnswer(ctx, sdp); err != nil {
		pl.state = StateFailed
		pl.stopTimerLocked()
		pl.mu.Unlock()
		n.logger.Error().Err(err).Str(pkglog.FieldRemoteID, from).Msg("applying answer failed")
		return
	}
	pl.state = StateAnswered
	pl.stopTimerLocked()
	pl.mu.Unlock()
}

// handleICE applies a remote candidate, buffering it when the link does
// not exist yet. The channel gives no cross-kind ordering guarantee, so
// a candidate racing ahead of its offer is normal, not an error.
func (n *Negotiator) handleICE(from string, cand domain.ICECandidatePayload) {
	n.mu.Lock()
	pl, exists := n.links[from]
	if !exists {
		buf := n.pendingICE[from]
		if len(buf) >= maxBufferedCandidates {
			buf = buf[1:]
		}
		n.pendingICE[from] = append(buf, cand)
		n.mu.Unlock()
		return
	}
	n.mu.Unlock()

	pl.mu.Lock()
	err := pl.link.AddICECandidate(cand)
	if err != nil {
		pl.state = StateFailed
	}
	pl.mu.Unlock()
	if err != nil {
		n.logger.Error().Err(err).Str(pkglog.FieldRemoteID, from).Msg("applying ice candidate failed")
	}
}

// Link returns the link for a remote, if any.
func (n *Negotiator) Link(remoteID string) (*PeerLink, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	pl, ok := n.links[remoteID]
	return pl, ok
}

// ActiveLinks returns the number of links currently held.
func (n *Negotiator) ActiveLinks() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.links)
}

// CloseAll tears down every link. Safe to call repeatedly.
func (n *Negotiator) CloseAll() {
	n.mu.Lock()
	links := make([]*PeerLink, 0, len(n.links))
	for _, pl := range n.links {
		links = append(links, pl)
	}
	n.links = make(map[string]*PeerLink)
	n.pendingICE = make(map[string][]domain.ICECandidatePayload)
	n.closed = true
	n.mu.Unlock()

	for _, pl := range links {
		pl.mu.Lock()
		pl.stopTimerLocked()
		pl.state = StateClosed
		pl.link.Close()
		pl.mu.Unlock()
	}
}

// createLinkLocked creates a PeerLink and its MediaLink. Caller holds n.mu.
func (n *Negotiator) createLinkLocked(remoteID string, attachTracks bool) (*PeerLink, error) {
	pl := &PeerLink{
		RemoteID:  remoteID,
		CreatedAt: time.Now(),
		state:     StateIdle,
	}

	link, err := n.newLink(LinkEvents{
		Connected: func() { n.markConnected(remoteID) },
		Failed:    func() { n.failLink(remoteID, "transport failed") },
		Candidate: func(cand domain.ICECandidatePayload) {
			n.sendCandidate(remoteID, cand)
		},
	})
	if err != nil {
		return nil, err
	}
	pl.link = link

	if attachTracks {
		for _, track := range n.tracks {
			if err := link.AddTrack(track); err != nil {
				link.Close()
				return nil, err
			}
		}
	}

	n.links[remoteID] = pl
	return pl, nil
}

// markConnected transitions the link to connected once the transport
// reports ICE completion.
func (n *Negotiator) markConnected(remoteID string) {
	n.mu.Lock()
	pl, exists := n.links[remoteID]
	n.mu.Unlock()
	if !exists {
		return
	}

	pl.mu.Lock()
	if pl.state == StateClosed || pl.state == StateFailed {
		pl.mu.Unlock()
		return
	}
	pl.stopTimerLocked()
	pl.state = StateConnected
	pl.mu.Unlock()

	n.logger.Info().Str(pkglog.FieldRemoteID, remoteID).Msg("peer link connected")
}

// failLink marks the link failed and leaves it in place for the caller
// to observe. Failed links are not retried automatically.
func (n *Negotiator) failLink(remoteID, reason string) {
	n.mu.Lock()
	pl, exists := n.links[remoteID]
	n.mu.Unlock()
	if !exists {
		return
	}

	pl.mu.Lock()
	if pl.state == StateClosed || pl.state == StateConnected {
		pl.mu.Unlock()
		return
	}
	pl.stopTimerLocked()
	pl.state = StateFailed
	pl.mu.Unlock()

	n.logger.Warn().Str(pkglog.FieldRemoteID, remoteID).Str("reason", reason).Msg("peer link failed")
}

func (n *Negotiator) closeLink(remoteID string) {
	n.mu.Lock()
	pl, exists := n.links[remoteID]
	delete(n.links, remoteID)
	delete(n.pendingICE, remoteID)
	n.mu.Unlock()
	if !exists {
		return
	}

	pl.mu.Lock()
	pl.stopTimerLocked()
	pl.state = StateClosed
	pl.link.Close()
	pl.mu.Unlock()
}

func (n *Negotiator) replayBufferedICE(remoteID string, pl *PeerLink) {
	n.mu.Lock()
	buffered := n.pendingICE[remoteID]
	delete(n.pendingICE, remoteID)
	n.mu.Unlock()

	for _, cand := range buffered {
		pl.mu.Lock()
		err := pl.link.AddICECandidate(cand)
		pl.mu.Unlock()
		if err != nil {
			n.logger.Warn().Err(err).Str(pkglog.FieldRemoteID, remoteID).Msg("replaying buffered ice candidate failed")
		}
	}
}

func (n *Negotiator) sendDescription(ctx context.Context, kind domain.Kind, to, sdp string) {
	env, err := domain.NewEnvelope(kind, n.roomID, n.localID, to, &domain.SessionDescriptionPayload{SDP: sdp})
	if err != nil {
		n.logger.Error().Err(err).Msg("failed to build description envelope")
		return
	}
	if err := n.channel.Send(ctx, env); err != nil {
		n.logger.Warn().Err(err).Str(pkglog.FieldRemoteID, to).Msg("failed to send description")
	}
}

func (n *Negotiator) sendCandidate(to string, cand domain.ICECandidatePayload) {
	env, err := domain.NewEnvelope(domain.KindICE, n.roomID, n.localID, to, &cand)
	if err != nil {
		n.logger.Error().Err(err).Msg("failed to build ice envelope")
		return
	}
	if err := n.channel.Send(context.Background(), env); err != nil {
		n.logger.Warn().Err(err).Str(pkglog.FieldRemoteID, to).Msg("failed to send ice candidate")
	}
}

// stopTimerLocked stops the offer timeout. Caller holds pl.mu.
func (p *PeerLink) stopTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
