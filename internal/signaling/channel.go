package signaling

import (
	"context"
	"fmt"

	"github.com/verso-app/livecast/internal/domain"
)

// Channel is the room-scoped publish/subscribe bus used for signaling.
//
// Send is fire-and-forget: it does not wait for any recipient to
// acknowledge. Subscribe delivers every envelope whose room matches,
// including ones addressed to a specific participant; receivers must
// discard envelopes not addressed to them (Envelope.AddressedTo).
//
// Delivery is best-effort. Ordering is only guaranteed per publisher;
// a disconnected subscriber silently misses traffic and should
// re-request roster state on reconnect.
type Channel interface {
	Send(ctx context.Context, env *domain.Envelope) error
	Subscribe(ctx context.Context, roomID string) (<-chan *domain.Envelope, error)
	Unsubscribe(ctx context.Context, roomID string) error
	Close() error
}

// RoomChannelName returns the bus channel name for a room.
func RoomChannelName(roomID string) string {
	return fmt.Sprintf("signal:room:%s", roomID)
}
