package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/verso-app/livecast/internal/domain"
	pkglog "github.com/verso-app/livecast/pkg/log"
)

// WSConfig holds WebSocket gateway connection configuration.
type WSConfig struct {
	URL            string        `mapstructure:"url"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
}

// WSChannel implements Channel over a single WebSocket connection to an
// external signaling gateway. The gateway fans envelopes out by room;
// this side routes incoming envelopes to local room subscribers.
//
// Writes go through one send goroutine, preserving the per-publisher
// FIFO guarantee. If the connection drops, subscribers simply stop
// receiving; callers re-sync roster state on reconnect.
type WSChannel struct {
	conn *websocket.Conn
	cfg  WSConfig

	send chan []byte

	mu     sync.RWMutex
	rooms  map[string][]chan *domain.Envelope
	closed bool

	done chan struct{}
}

// DialWS connects to the signaling gateway and starts the read/write pumps.
func DialWS(ctx context.Context, cfg WSConfig) (*WSChannel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial signaling gateway: %w", err)
	}

	w := &WSChannel{
		conn:  conn,
		cfg:   cfg,
		send:  make(chan []byte, 256),
		rooms: make(map[string][]chan *domain.Envelope),
		done:  make(chan struct{}),
	}

	go w.readPump()
	go w.writePump()

	return w, nil
}

// Send queues the envelope for delivery to the gateway. It never blocks
// on the network; a full outbound buffer drops the envelope, matching
// the best-effort contract.
func (w *WSChannel) Send(_ context.Context, env *domain.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	select {
	case w.send <- data:
		return nil
	case <-w.done:
		return fmt.Errorf("signaling connection closed")
	default:
		pkglog.L().Warn().Str(pkglog.FieldRoomID, env.RoomID).Msg("outbound signaling buffer full, dropping envelope")
		return nil
	}
}

// Subscribe registers a local stream for the room's envelopes.
func (w *WSChannel) Subscribe(ctx context.Context, roomID string) (<-chan *domain.Envelope, error) {
	ch := make(chan *domain.Envelope, subscriberBuffer)

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, fmt.Errorf("signaling connection closed")
	}
	w.rooms[roomID] = append(w.rooms[roomID], ch)
	w.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-w.done:
		}
		w.remove(roomID, ch)
	}()

	return ch, nil
}

// Unsubscribe drops all local subscribers of the room.
func (w *WSChannel) Unsubscribe(_ context.Context, roomID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sub := range w.rooms[roomID] {
		close(sub)
	}
	delete(w.rooms, roomID)
	return nil
}

// Close tears down the connection and all subscriptions.
func (w *WSChannel) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.done)
	for roomID, subs := range w.rooms {
		for _, sub := range subs {
			close(sub)
		}
		delete(w.rooms, roomID)
	}
	w.mu.Unlock()

	return w.conn.Close()
}

func (w *WSChannel) readPump() {
	defer w.Close()

	l := pkglog.L()

	w.conn.SetReadLimit(w.cfg.MaxMessageSize)
	w.conn.SetReadDeadline(time.Now().Add(w.cfg.PongWait))
	w.conn.SetPongHandler(func(string) error {
		w.conn.SetReadDeadline(time.Now().Add(w.cfg.PongWait))
		return nil
	})

	for {
		_, message, err := w.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				l.Error().Err(err).Msg("signaling websocket error")
			}
			return
		}

		var env domain.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			l.Warn().Err(err).Msg("dropping malformed envelope")
			continue
		}

		w.dispatch(&env)
	}
}

func (w *WSChannel) writePump() {
	ticker := time.NewTicker(w.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		w.conn.Close()
	}()

	for {
		select {
		case <-w.done:
			w.conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteWait))
			w.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return

		case message := <-w.send:
			w.conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteWait))
			if err := w.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			w.conn.SetWriteDeadline(time.Now().Add(w.cfg.WriteWait))
			if err := w.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (w *WSChannel) dispatch(env *domain.Envelope) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	for _, sub := range w.rooms[env.RoomID] {
		select {
		case sub <- env:
		default:
			// Subscriber buffer full, drop.
		}
	}
}

func (w *WSChannel) remove(roomID string, ch chan *domain.Envelope) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}

	subs := w.rooms[roomID]
	for i, sub := range subs {
		if sub == ch {
			w.rooms[roomID] = append(subs[:i], subs[i+1:]...)
			close(ch)
			break
		}
	}
	if len(w.rooms[roomID]) == 0 {
		delete(w.rooms, roomID)
	}
}
