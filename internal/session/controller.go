package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/verso-app/livecast/internal/capture"
	"github.com/verso-app/livecast/internal/domain"
	"github.com/verso-app/livecast/internal/mesh"
	"github.com/verso-app/livecast/internal/registry"
	"github.com/verso-app/livecast/internal/relay"
	"github.com/verso-app/livecast/internal/signaling"
	pkglog "github.com/verso-app/livecast/pkg/log"
)

// Phase is the session lifecycle state.
type Phase string

const (
	PhaseSetup      Phase = "setup"
	PhasePreviewing Phase = "previewing"
	PhaseLive       Phase = "live"
	PhaseEnded      Phase = "ended"
)

// Config holds session controller settings.
type Config struct {
	// RelayFanoutThreshold is the expected audience size beyond which a
	// producing participant also publishes into the relay instead of
	// relying on mesh alone.
	RelayFanoutThreshold int

	Mesh mesh.Config
}

// Controller drives one client's participation in one room: it owns
// the local capture media, picks the transport strategy per role and
// operates the negotiator and relay manager. Controllers are never
// reused across rooms.
type Controller struct {
	roomID string
	local  domain.Participant

	reg      *registry.Registry
	channel  signaling.Channel
	source   capture.Source
	links    mesh.LinkFactory
	relayMgr *relay.Manager // nil when no relay is configured
	cfg      Config
	logger   zerolog.Logger

	mu            sync.Mutex
	phase         Phase
	media         capture.Media
	negotiator    *mesh.Negotiator
	sendTransport *relay.Transport
	recvTransport *relay.Transport
	consumers     []*relay.Consumer
	relayRetried  bool
	cancel        context.CancelFunc
}

// NewController creates a session controller for one participant in
// one room. relayMgr may be nil for mesh-only deployments.
func NewController(
	roomID string,
	local domain.Participant,
	reg *registry.Registry,
	channel signaling.Channel,
	source capture.Source,
	links mesh.LinkFactory,
	relayMgr *relay.Manager,
	cfg Config,
) *Controller {
	return &Controller{
		roomID:   roomID,
		local:    local,
		reg:      reg,
		channel:  channel,
		source:   source,
		links:    links,
		relayMgr: relayMgr,
		cfg:      cfg,
		phase:    PhaseSetup,
		logger: pkglog.L().With().
			Str(pkglog.FieldRoomID, roomID).
			Str(pkglog.FieldParticipantID, local.ID).
			Logger(),
	}
}

// Phase returns the current lifecycle phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Negotiator exposes the mesh negotiator once live; nil for viewers.
func (c *Controller) Negotiator() *mesh.Negotiator {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.negotiator
}

// Consumers returns the relay consumers held by a viewer session.
func (c *Controller) Consumers() []*relay.Consumer {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*relay.Consumer, len(c.consumers))
	copy(out, c.consumers)
	return out
}

// Preview acquires the local capture devices. Viewers carry no capture
// and move phase without acquiring. The capture device is exclusively
// owned: re-acquiring while a previous stream is still open is a
// caller error, not a race to tolerate.
func (c *Controller) Preview(ctx context.Context, constraints capture.Constraints) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != PhaseSetup {
		return fmt.Errorf("cannot preview from phase %s", c.phase)
	}

	if c.local.Role.CanProduce() {
		if c.media != nil {
			return fmt.Errorf("%w: capture already open, stop it before re-acquiring", domain.ErrDeviceAccess)
		}
		media, err := c.source.Acquire(ctx, constraints)
		if err != nil {
			return err
		}
		c.media = media
	}

	c.phase = PhasePreviewing
	return nil
}

// GoLive joins the room and starts media flowing. Strategy per role:
// viewers consume from the relay only; hosts and participants mesh,
// and additionally produce into the relay when the expected audience
// exceeds the fan-out threshold.
func (c *Controller) GoLive(ctx context.Context, expectedAudience int) error {
	c.mu.Lock()
	if c.phase != PhasePreviewing {
		c.mu.Unlock()
		return fmt.Errorf("cannot go live from phase %s", c.phase)
	}
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())

	envelopes, err := c.channel.Subscribe(runCtx, c.roomID)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to room: %w", err)
	}

	if err := c.reg.JoinRoom(ctx, c.roomID, c.local); err != nil {
		cancel()
		return err
	}

	c.mu.Lock()
	if c.phase != PhasePreviewing {
		// End ran while we were subscribing or joining; ended is
		// terminal, so unwind instead of resurrecting the session.
		phase := c.phase
		c.mu.Unlock()
		cancel()
		if err := c.channel.Unsubscribe(context.Background(), c.roomID); err != nil {
			c.logger.Warn().Err(err).Msg("unsubscribe failed during go-live unwind")
		}
		if err := c.reg.LeaveRoom(ctx, c.roomID, c.local.ID); err != nil {
			c.logger.Warn().Err(err).Msg("leave room failed during go-live unwind")
		}
		return fmt.Errorf("cannot go live from phase %s", phase)
	}
	c.cancel = cancel

	if c.local.Role.CanProduce() {
		neg := mesh.NewNegotiator(c.roomID, c.local.ID, c.local.Role, c.channel, c.links, c.cfg.Mesh)
		if c.media != nil {
			neg.SetLocalTracks(c.media.Tracks())
		}
		// Producer sessions end on the room's terminal signal too, not
		// just viewers.
		neg.OnRoomEnded(func() {
			c.logger.Info().Msg("room ended, tearing session down")
			c.End(context.Background())
		})
		c.negotiator = neg
		go neg.Run(runCtx, envelopes)
	} else {
		go c.watchRoom(runCtx, envelopes)
	}
	c.phase = PhaseLive
	c.mu.Unlock()

	if c.local.Role == domain.RoleViewer {
		if err := c.consumeFromRelay(ctx); err != nil {
			c.logger.Error().Err(err).Msg("relay consume path failed")
			return err
		}
		return nil
	}

	if c.relayMgr != nil && expectedAudience >= c.cfg.RelayFanoutThreshold && c.cfg.RelayFanoutThreshold > 0 {
		if err := c.produceToRelay(ctx, false); err != nil {
			// Mesh still works; relay fan-out is degraded until retried.
			c.logger.Error().Err(err).Msg("relay produce path failed")
			return err
		}
	}

	return nil
}

// RetryRelay re-runs the failed relay path once, downgrading a
// producing session to audio only. Repeated failure is terminal.
func (c *Controller) RetryRelay(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != PhaseLive {
		c.mu.Unlock()
		return fmt.Errorf("cannot retry relay from phase %s", c.phase)
	}
	if c.relayRetried {
		c.mu.Unlock()
		return fmt.Errorf("relay path already retried, giving up")
	}
	c.relayRetried = true
	role := c.local.Role
	c.mu.Unlock()

	if role == domain.RoleViewer {
		return c.consumeFromRelay(ctx)
	}
	return c.produceToRelay(ctx, true)
}

// End tears the session down: releases capture, closes every link and
// transport, leaves the room. Idempotent, safe to call on unmount and
// on explicit user action.
func (c *Controller) End(ctx context.Context) error {
	c.mu.Lock()
	if c.phase == PhaseEnded {
		c.mu.Unlock()
		return nil
	}
	c.phase = PhaseEnded

	cancel := c.cancel
	neg := c.negotiator
	media := c.media
	c.cancel = nil
	c.negotiator = nil
	c.media = nil
	c.sendTransport = nil
	c.recvTransport = nil
	c.consumers = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if neg != nil {
		neg.CloseAll()
	}
	if media != nil {
		media.Close()
	}
	if c.relayMgr != nil {
		c.relayMgr.Close()
	}

	if err := c.reg.LeaveRoom(ctx, c.roomID, c.local.ID); err != nil {
		c.logger.Warn().Err(err).Msg("leave room failed during teardown")
	}

	c.logger.Info().Msg("session ended")
	return nil
}

// watchRoom consumes the envelope stream for non-producing sessions so
// the explicit room_ended signal ends the session deterministically
// instead of being inferred from host silence.
func (c *Controller) watchRoom(ctx context.Context, envelopes <-chan *domain.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-envelopes:
			if !ok {
				return
			}
			if env.Kind == domain.KindRoomEnded {
				c.logger.Info().Msg("room ended, tearing session down")
				c.End(context.Background())
				return
			}
		}
	}
}

func (c *Controller) consumeFromRelay(ctx context.Context) error {
	if c.relayMgr == nil {
		return fmt.Errorf("%w: no relay configured", domain.ErrTransportCreate)
	}

	transport, err := c.relayMgr.CreateRecvTransport(ctx)
	if err != nil {
		return err
	}
	if err := transport.Connect(ctx); err != nil {
		return err
	}

	// The local capability negotiator is loaded with the router's
	// capabilities before consuming.
	consumers, err := c.relayMgr.ConsumeAll(ctx, transport, transport.RouterCapabilities)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.recvTransport = transport
	c.consumers = consumers
	c.mu.Unlock()

	c.logger.Info().Int("consumers", len(consumers)).Msg("consuming from relay")
	return nil
}

func (c *Controller) produceToRelay(ctx context.Context, audioOnly bool) error {
	if c.relayMgr == nil {
		return fmt.Errorf("%w: no relay configured", domain.ErrTransportCreate)
	}

	c.mu.Lock()
	media := c.media
	c.mu.Unlock()
	if media == nil {
		return fmt.Errorf("%w: no local capture open", domain.ErrDeviceAccess)
	}

	transport, err := c.relayMgr.CreateSendTransport(ctx)
	if err != nil {
		return err
	}
	if err := transport.Connect(ctx); err != nil {
		return err
	}

	for _, track := range media.Tracks() {
		kind := track.Kind().String()
		if audioOnly && kind != webrtc.RTPCodecTypeAudio.String() {
			continue
		}

		rtpParameters, err := trackRTPParameters(track)
		if err != nil {
			c.logger.Warn().Err(err).Str("kind", kind).Msg("skipping unproducible track")
			continue
		}

		if _, err := transport.Produce(ctx, kind, rtpParameters); err != nil {
			// One failed producer degrades that stream only.
			c.logger.Warn().Err(err).Str("kind", kind).Msg("failed to produce track")
		}
	}

	c.mu.Lock()
	c.sendTransport = transport
	c.mu.Unlock()
	return nil
}

// trackRTPParameters derives the codec parameters the relay needs to
// accept a produced track.
func trackRTPParameters(track webrtc.TrackLocal) (json.RawMessage, error) {
	type codecCarrier interface {
		Codec() webrtc.RTPCodecCapability
	}
	carrier, ok := track.(codecCarrier)
	if !ok {
		return nil, fmt.Errorf("track %s carries no codec parameters", track.ID())
	}
	return json.Marshal(carrier.Codec())
}
