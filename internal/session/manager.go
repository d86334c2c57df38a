package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/verso-app/livecast/internal/capture"
	"github.com/verso-app/livecast/internal/domain"
	"github.com/verso-app/livecast/internal/mesh"
	"github.com/verso-app/livecast/internal/registry"
	"github.com/verso-app/livecast/internal/relay"
	"github.com/verso-app/livecast/internal/signaling"
	pkglog "github.com/verso-app/livecast/pkg/log"
)

// Manager creates and tracks session controllers, one per participant
// per room. Each controller gets its own relay transport manager off
// the shared relay client.
type Manager struct {
	reg         *registry.Registry
	channel     signaling.Channel
	source      capture.Source
	links       mesh.LinkFactory
	relayClient *relay.Client // nil for mesh-only deployments
	cfg         Config

	mu       sync.Mutex
	sessions map[string]*Controller
}

// NewManager creates a session manager. relayClient may be nil.
func NewManager(
	reg *registry.Registry,
	channel signaling.Channel,
	source capture.Source,
	links mesh.LinkFactory,
	relayClient *relay.Client,
	cfg Config,
) *Manager {
	return &Manager{
		reg:         reg,
		channel:     channel,
		source:      source,
		links:       links,
		relayClient: relayClient,
		cfg:         cfg,
		sessions:    make(map[string]*Controller),
	}
}

// Start previews and goes live in one step, registering the controller.
// A participant holds at most one session per room.
func (m *Manager) Start(ctx context.Context, roomID string, p domain.Participant, constraints capture.Constraints, expectedAudience int) (*Controller, error) {
	key := sessionKey(roomID, p.ID)

	m.mu.Lock()
	if _, exists := m.sessions[key]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("session already active for participant %s in room %s", p.ID, roomID)
	}

	var relayMgr *relay.Manager
	if m.relayClient != nil {
		relayMgr = relay.NewManager(m.relayClient)
	}
	c := NewController(roomID, p, m.reg, m.channel, m.source, m.links, relayMgr, m.cfg)
	m.sessions[key] = c
	m.mu.Unlock()

	if err := c.Preview(ctx, constraints); err != nil {
		m.drop(key)
		return nil, err
	}
	if err := c.GoLive(ctx, expectedAudience); err != nil {
		c.End(ctx)
		m.drop(key)
		return nil, err
	}

	pkglog.L().Info().
		Str(pkglog.FieldRoomID, roomID).
		Str(pkglog.FieldParticipantID, p.ID).
		Str("role", string(p.Role)).
		Msg("session started")
	return c, nil
}

// Get returns the participant's controller in a room, if any.
func (m *Manager) Get(roomID, participantID string) (*Controller, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.sessions[sessionKey(roomID, participantID)]
	return c, ok
}

// End tears the participant's session down and forgets it.
func (m *Manager) End(ctx context.Context, roomID, participantID string) error {
	key := sessionKey(roomID, participantID)

	m.mu.Lock()
	c, ok := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no session for participant %s", domain.ErrRoomNotFound, participantID)
	}
	return c.End(ctx)
}

// Shutdown ends every active session.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Controller, 0, len(m.sessions))
	for _, c := range m.sessions {
		sessions = append(sessions, c)
	}
	m.sessions = make(map[string]*Controller)
	m.mu.Unlock()

	for _, c := range sessions {
		if err := c.End(ctx); err != nil {
			pkglog.L().Warn().Err(err).Msg("session teardown failed during shutdown")
		}
	}
}

func (m *Manager) drop(key string) {
	m.mu.Lock()
	delete(m.sessions, key)
	m.mu.Unlock()
}

func sessionKey(roomID, participantID string) string {
	return roomID + "/" + participantID
}
