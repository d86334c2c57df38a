package presence

import (
	"context"
	"sync"
	"time"

	"github.com/verso-app/livecast/internal/domain"
	pkglog "github.com/verso-app/livecast/pkg/log"
)

// Bounds the store round trips folded into envelope handling.
const storeTimeout = 3 * time.Second

// Config holds aggregator bounds.
type Config struct {
	RosterCap int // most-recent viewers kept for avatar display
	ChatCap   int // recent chat messages kept for UI replay

	// ViewerTTL is the liveness window written alongside each viewer
	// in the shared store; a refreshed join extends it.
	ViewerTTL time.Duration
}

// DefaultConfig returns the standard bounds.
func DefaultConfig() Config {
	return Config{RosterCap: 50, ChatCap: 100, ViewerTTL: 5 * time.Minute}
}

// ReactionTally is the aggregated state of one emoji in one room.
// UserIDs is most-recent-first and de-duplicated.
type ReactionTally struct {
	Count   int      `json:"count"`
	UserIDs []string `json:"user_ids"`
}

// Snapshot is a point-in-time view of a room's presence state.
type Snapshot struct {
	ViewerCount int                      `json:"viewer_count"`
	Roster      []domain.Participant     `json:"roster"`
	Reactions   map[string]ReactionTally `json:"reactions"`
	RecentChat  []domain.CommentPayload  `json:"recent_chat"`
}

// Aggregator tracks viewer roster, counts, reaction tallies and a
// bounded chat buffer per room, layered on the signaling channel.
// Local state is optimistic and lives only as long as the room; when a
// shared Store is attached, joins and leaves are written through to it
// and Reconcile replaces the local count with the store's.
type Aggregator struct {
	cfg   Config
	store Store // nil for single-instance deployments

	mu    sync.RWMutex
	rooms map[string]*roomPresence
}

type roomPresence struct {
	viewerCount int
	viewers     map[string]struct{}  // membership, uncapped
	roster      []domain.Participant // most-recent-first, capped
	reactions   map[string]*ReactionTally
	recentChat  []domain.CommentPayload // ring, oldest dropped
}

// NewAggregator creates a presence aggregator. store may be nil; then
// counts are purely local.
func NewAggregator(cfg Config, store Store) *Aggregator {
	if cfg.RosterCap <= 0 {
		cfg.RosterCap = 50
	}
	if cfg.ChatCap <= 0 {
		cfg.ChatCap = 100
	}
	if cfg.ViewerTTL <= 0 {
		cfg.ViewerTTL = 5 * time.Minute
	}
	return &Aggregator{
		cfg:   cfg,
		store: store,
		rooms: make(map[string]*roomPresence),
	}
}

// Run consumes a room's envelope stream until the context is cancelled
// or the stream closes.
func (a *Aggregator) Run(ctx context.Context, envelopes <-chan *domain.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-envelopes:
			if !ok {
				return
			}
			a.HandleEnvelope(env)
		}
	}
}

// HandleEnvelope folds one envelope into room presence state.
func (a *Aggregator) HandleEnvelope(env *domain.Envelope) {
	payload, err := env.DecodePayload()
	if err != nil {
		pkglog.L().Warn().Err(err).Str(pkglog.FieldEnvelopeKind, string(env.Kind)).Msg("dropping undecodable envelope")
		return
	}

	switch env.Kind {
	case domain.KindViewerJoined:
		p := payload.(*domain.ViewerJoinedPayload)
		a.addViewer(env.RoomID, p.Participant)
	case domain.KindLeaveRoom:
		p := payload.(*domain.LeaveRoomPayload)
		a.removeViewer(env.RoomID, p.ParticipantID)
	case domain.KindComment:
		p := payload.(*domain.CommentPayload)
		a.addComment(env.RoomID, *p)
	case domain.KindReaction:
		p := payload.(*domain.ReactionPayload)
		a.applyReaction(env.RoomID, *p)
	case domain.KindRoomEnded:
		a.DropRoom(env.RoomID)
	case domain.KindJoinRoom, domain.KindOffer, domain.KindAnswer, domain.KindICE:
		// Media negotiation traffic, not presence.
	}
}

func (a *Aggregator) addViewer(roomID string, p domain.Participant) {
	a.mu.Lock()
	room := a.roomLocked(roomID)

	// Membership, not roster presence, decides whether this is a
	// re-join: the capped roster may have evicted a still-counted
	// viewer.
	if _, known := room.viewers[p.ID]; !known {
		room.viewers[p.ID] = struct{}{}
		room.viewerCount++
	}

	for i, existing := range room.roster {
		if existing.ID == p.ID {
			room.roster = append(room.roster[:i], room.roster[i+1:]...)
			break
		}
	}
	room.roster = append([]domain.Participant{p}, room.roster...)
	if len(room.roster) > a.cfg.RosterCap {
		room.roster = room.roster[:a.cfg.RosterCap]
	}
	a.mu.Unlock()

	if a.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := a.store.AddViewer(ctx, roomID, p.ID, a.cfg.ViewerTTL); err != nil {
			pkglog.L().Warn().Err(err).Str(pkglog.FieldRoomID, roomID).Msg("failed to record viewer in presence store")
		}
	}
}

func (a *Aggregator) removeViewer(roomID, participantID string) {
	a.mu.Lock()
	room, ok := a.rooms[roomID]
	if !ok {
		a.mu.Unlock()
		return
	}

	for i, existing := range room.roster {
		if existing.ID == participantID {
			room.roster = append(room.roster[:i], room.roster[i+1:]...)
			break
		}
	}
	if _, known := room.viewers[participantID]; !known {
		// Never joined (or already left): leaving is a no-op.
		a.mu.Unlock()
		return
	}
	delete(room.viewers, participantID)
	if room.viewerCount > 0 {
		room.viewerCount--
	}
	a.mu.Unlock()

	if a.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := a.store.RemoveViewer(ctx, roomID, participantID); err != nil {
			pkglog.L().Warn().Err(err).Str(pkglog.FieldRoomID, roomID).Msg("failed to remove viewer from presence store")
		}
	}
}

func (a *Aggregator) addComment(roomID string, c domain.CommentPayload) {
	a.mu.Lock()
	defer a.mu.Unlock()

	room := a.roomLocked(roomID)
	room.recentChat = append(room.recentChat, c)
	if len(room.recentChat) > a.cfg.ChatCap {
		room.recentChat = room.recentChat[len(room.recentChat)-a.cfg.ChatCap:]
	}
}

func (a *Aggregator) applyReaction(roomID string, r domain.ReactionPayload) {
	a.mu.Lock()
	defer a.mu.Unlock()

	room := a.roomLocked(roomID)

	switch r.Action {
	case domain.ReactionAdded, domain.ReactionUpdated:
		tally, ok := room.reactions[r.Emoji]
		if !ok {
			tally = &ReactionTally{}
			room.reactions[r.Emoji] = tally
		}
		// De-duplicate by user: an update moves the user to the front
		// without inflating the count.
		for i, id := range tally.UserIDs {
			if id == r.UserID {
				tally.UserIDs = append(tally.UserIDs[:i], tally.UserIDs[i+1:]...)
				tally.UserIDs = append([]string{r.UserID}, tally.UserIDs...)
				return
			}
		}
		tally.Count++
		tally.UserIDs = append([]string{r.UserID}, tally.UserIDs...)

	case domain.ReactionRemoved:
		tally, ok := room.reactions[r.Emoji]
		if !ok {
			// Removing a reaction that was never added is a no-op.
			return
		}
		removed := false
		for i, id := range tally.UserIDs {
			if id == r.UserID {
				tally.UserIDs = append(tally.UserIDs[:i], tally.UserIDs[i+1:]...)
				removed = true
				break
			}
		}
		if !removed {
			return
		}
		tally.Count--
		if tally.Count <= 0 {
			// Absent, not present-with-zero.
			delete(room.reactions, r.Emoji)
		}
	}
}

// Reconcile pulls the authoritative viewer count from the shared store
// and replaces the local one. A no-op without a store.
func (a *Aggregator) Reconcile(ctx context.Context, roomID string) error {
	if a.store == nil {
		return nil
	}
	confirmed, err := a.store.ViewerCount(ctx, roomID)
	if err != nil {
		return err
	}
	a.ReconcileCount(roomID, confirmed)
	return nil
}

// ReconcileCount replaces the local viewer count with an externally
// confirmed value. Reconciliation is replace, never merge, so optimism
// cannot drift.
func (a *Aggregator) ReconcileCount(roomID string, confirmed int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	room, ok := a.rooms[roomID]
	if !ok {
		return
	}
	room.viewerCount = confirmed
}

// Room returns a copy of the room's presence state.
func (a *Aggregator) Room(roomID string) Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	room, ok := a.rooms[roomID]
	if !ok {
		return Snapshot{Reactions: map[string]ReactionTally{}}
	}

	snap := Snapshot{
		ViewerCount: room.viewerCount,
		Roster:      make([]domain.Participant, len(room.roster)),
		Reactions:   make(map[string]ReactionTally, len(room.reactions)),
		RecentChat:  make([]domain.CommentPayload, len(room.recentChat)),
	}
	copy(snap.Roster, room.roster)
	copy(snap.RecentChat, room.recentChat)
	for emoji, tally := range room.reactions {
		users := make([]string, len(tally.UserIDs))
		copy(users, tally.UserIDs)
		snap.Reactions[emoji] = ReactionTally{Count: tally.Count, UserIDs: users}
	}
	return snap
}

// DropRoom discards all presence state for a room.
func (a *Aggregator) DropRoom(roomID string) {
	a.mu.Lock()
	delete(a.rooms, roomID)
	a.mu.Unlock()

	if a.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := a.store.DropRoom(ctx, roomID); err != nil {
			pkglog.L().Warn().Err(err).Str(pkglog.FieldRoomID, roomID).Msg("failed to drop room from presence store")
		}
	}
}

// roomLocked returns the room's state, creating it on first use.
// Caller holds a.mu.
func (a *Aggregator) roomLocked(roomID string) *roomPresence {
	room, ok := a.rooms[roomID]
	if !ok {
		room = &roomPresence{
			viewers:   make(map[string]struct{}),
			reactions: make(map[string]*ReactionTally),
		}
		a.rooms[roomID] = room
	}
	return room
}
