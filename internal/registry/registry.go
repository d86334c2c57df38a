package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/verso-app/livecast/internal/domain"
	"github.com/verso-app/livecast/internal/signaling"
	pkglog "github.com/verso-app/livecast/pkg/log"
)

// Registry is the authoritative source of which participants are in
// which room. Rooms own their participant maps; there is no
// process-wide connection registry anywhere else.
type Registry struct {
	lifecycle *LifecycleClient
	channel   signaling.Channel
	events    RoomEventProducer // optional, nil-safe

	mu    sync.RWMutex
	rooms map[string]*roomState
}

type roomState struct {
	room         domain.Room
	participants map[string]domain.Participant
}

// New creates a Registry. events may be nil; lifecycle events are then
// skipped.
func New(lifecycle *LifecycleClient, channel signaling.Channel, events RoomEventProducer) *Registry {
	return &Registry{
		lifecycle: lifecycle,
		channel:   channel,
		events:    events,
		rooms:     make(map[string]*roomState),
	}
}

// CreateRoom registers a room with the lifecycle backend, records the
// host as its first participant and announces the room downstream.
// Backend unavailability surfaces as ErrRoomCreation.
func (r *Registry) CreateRoom(ctx context.Context, title, hostID string) (*domain.Room, error) {
	roomID, err := r.lifecycle.CreateRoom(ctx, title, hostID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRoomCreation, err)
	}

	room := domain.Room{
		ID:        roomID,
		Title:     title,
		HostID:    hostID,
		CreatedAt: time.Now(),
	}

	r.mu.Lock()
	r.rooms[roomID] = &roomState{
		room: room,
		participants: map[string]domain.Participant{
			hostID: {
				ID:       hostID,
				Role:     domain.RoleHost,
				JoinedAt: room.CreatedAt,
			},
		},
	}
	r.mu.Unlock()

	if r.events != nil {
		if err := r.events.ProduceRoomCreated(ctx, roomID, hostID); err != nil {
			// Lifecycle events are non-critical.
			pkglog.L().Warn().Err(err).Str(pkglog.FieldRoomID, roomID).Msg("failed to produce room_created event")
		}
	}

	pkglog.L().Info().Str(pkglog.FieldRoomID, roomID).Str(pkglog.FieldParticipantID, hostID).Msg("room created")
	return &room, nil
}

// JoinRoom adds a participant to a room and broadcasts viewerJoined so
// existing members can initiate negotiation. Joining twice refreshes
// JoinedAt (and role) instead of duplicating the entry.
func (r *Registry) JoinRoom(ctx context.Context, roomID string, p domain.Participant) error {
	if !p.Role.Valid() {
		return fmt.Errorf("invalid role %q", p.Role)
	}

	r.mu.Lock()
	state, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return domain.ErrRoomNotFound
	}
	p.JoinedAt = time.Now()
	state.participants[p.ID] = p
	r.mu.Unlock()

	env, err := domain.NewEnvelope(domain.KindViewerJoined, roomID, p.ID, "", &domain.ViewerJoinedPayload{
		Participant: p,
	})
	if err != nil {
		return err
	}
	if err := r.channel.Send(ctx, env); err != nil {
		pkglog.L().Warn().Err(err).Str(pkglog.FieldRoomID, roomID).Msg("failed to broadcast viewer_joined")
	}

	pkglog.L().Info().
		Str(pkglog.FieldRoomID, roomID).
		Str(pkglog.FieldParticipantID, p.ID).
		Str("role", string(p.Role)).
		Msg("participant joined room")
	return nil
}

// LeaveRoom removes a participant. It is idempotent: leaving an unknown
// room or leaving twice is a no-op. If the departing participant is the
// host, the room is torn down and roomEnded is broadcast so peers react
// deterministically instead of inferring termination from silence.
func (r *Registry) LeaveRoom(ctx context.Context, roomID, participantID string) error {
	r.mu.Lock()
	state, ok := r.rooms[roomID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	if _, present := state.participants[participantID]; !present {
		r.mu.Unlock()
		return nil
	}
	delete(state.participants, participantID)

	hostLeft := participantID == state.room.HostID
	empty := len(state.participants) == 0
	hostID := state.room.HostID
	if hostLeft || empty {
		delete(r.rooms, roomID)
	}
	r.mu.Unlock()

	if hostLeft {
		r.endRoom(ctx, roomID, hostID, ReasonHostLeft)
		return nil
	}

	env, err := domain.NewEnvelope(domain.KindLeaveRoom, roomID, participantID, "", &domain.LeaveRoomPayload{
		ParticipantID: participantID,
	})
	if err != nil {
		return err
	}
	if err := r.channel.Send(ctx, env); err != nil {
		pkglog.L().Warn().Err(err).Str(pkglog.FieldRoomID, roomID).Msg("failed to broadcast leave_room")
	}

	if empty && r.events != nil {
		if err := r.events.ProduceRoomEnded(ctx, roomID, hostID, ReasonRoomEmpty); err != nil {
			pkglog.L().Warn().Err(err).Str(pkglog.FieldRoomID, roomID).Msg("failed to produce room_ended event")
		}
	}

	return nil
}

// Room returns the room if it exists.
func (r *Registry) Room(roomID string) (*domain.Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.rooms[roomID]
	if !ok {
		return nil, false
	}
	room := state.room
	return &room, true
}

// Snapshot returns the current roster of a room. Callers use it to
// re-sync after reconnecting, since channel delivery is best-effort.
func (r *Registry) Snapshot(roomID string) ([]domain.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.rooms[roomID]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}

	out := make([]domain.Participant, 0, len(state.participants))
	for _, p := range state.participants {
		out = append(out, p)
	}
	return out, nil
}

// ParticipantRole returns the role a participant holds in a room.
func (r *Registry) ParticipantRole(roomID, participantID string) (domain.Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state, ok := r.rooms[roomID]
	if !ok {
		return "", false
	}
	p, ok := state.participants[participantID]
	if !ok {
		return "", false
	}
	return p.Role, true
}

func (r *Registry) endRoom(ctx context.Context, roomID, hostID, reason string) {
	env, err := domain.NewEnvelope(domain.KindRoomEnded, roomID, hostID, "", &domain.RoomEndedPayload{
		Reason: reason,
	})
	if err == nil {
		if err := r.channel.Send(ctx, env); err != nil {
			pkglog.L().Warn().Err(err).Str(pkglog.FieldRoomID, roomID).Msg("failed to broadcast room_ended")
		}
	}

	if r.events != nil {
		if err := r.events.ProduceRoomEnded(ctx, roomID, hostID, reason); err != nil {
			pkglog.L().Warn().Err(err).Str(pkglog.FieldRoomID, roomID).Msg("failed to produce room_ended event")
		}
	}

	pkglog.L().Info().Str(pkglog.FieldRoomID, roomID).Str("reason", reason).Msg("room ended")
}
