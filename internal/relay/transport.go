package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/verso-app/livecast/internal/domain"
	pkglog "github.com/verso-app/livecast/pkg/log"
)

// Direction distinguishes send and receive transports.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

// DTLSState tracks a transport's DTLS handshake.
type DTLSState string

const (
	DTLSNew       DTLSState = "new"
	DTLSConnected DTLSState = "connected"
	DTLSFailed    DTLSState = "failed"
)

// Transport is one relay transport owned by the local participant: one
// send transport produces local tracks, one receive transport consumes
// remote producers. Transports are never shared across rooms.
type Transport struct {
	ID                 string
	Direction          Direction
	RouterCapabilities json.RawMessage

	client *Client

	mu        sync.Mutex
	dtlsState DTLSState
	dtlsParms json.RawMessage
	producers map[string]*Producer
	consumers map[string]*Consumer
}

// Producer wraps one outgoing media track registered with the relay.
type Producer struct {
	ID   string
	Kind string
}

// Consumer wraps one incoming track pulled from a remote producer. It
// references exactly one producer.
type Consumer struct {
	ID            string
	ProducerID    string
	Kind          string
	RTPParameters json.RawMessage
}

// DTLSState returns the transport's current DTLS state.
func (t *Transport) DTLSStatus() DTLSState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dtlsState
}

// Connect performs the DTLS parameter exchange with the relay. Failure
// is fatal for this transport's relay path and marks it failed.
func (t *Transport) Connect(ctx context.Context) error {
	if err := t.client.ConnectTransport(ctx, t.ID, t.dtlsParms); err != nil {
		t.mu.Lock()
		t.dtlsState = DTLSFailed
		t.mu.Unlock()
		return fmt.Errorf("%w: transport %s: %v", domain.ErrTransportConnect, t.ID, err)
	}

	t.mu.Lock()
	t.dtlsState = DTLSConnected
	t.mu.Unlock()
	return nil
}

// Produce registers one outgoing track with the relay. Only send
// transports produce, and only after router capabilities are loaded.
func (t *Transport) Produce(ctx context.Context, kind string, rtpParameters json.RawMessage) (*Producer, error) {
	if t.Direction != DirectionSend {
		return nil, fmt.Errorf("%w: produce on %s transport", domain.ErrProduce, t.Direction)
	}
	if len(t.RouterCapabilities) == 0 {
		return nil, fmt.Errorf("%w: router capabilities not loaded", domain.ErrProduce)
	}

	producerID, err := t.client.Produce(ctx, t.ID, kind, rtpParameters)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrProduce, err)
	}

	p := &Producer{ID: producerID, Kind: kind}
	t.mu.Lock()
	t.producers[producerID] = p
	t.mu.Unlock()

	pkglog.L().Info().
		Str(pkglog.FieldTransportID, t.ID).
		Str(pkglog.FieldProducerID, producerID).
		Str("kind", kind).
		Msg("producer registered")
	return p, nil
}

// Consume requests a consumer for one producer and resumes it; some
// relays start consumers paused.
func (t *Transport) Consume(ctx context.Context, producerID string, rtpCapabilities json.RawMessage) (*Consumer, error) {
	if t.Direction != DirectionRecv {
		return nil, fmt.Errorf("%w: consume on %s transport", domain.ErrConsume, t.Direction)
	}

	params, err := t.client.Consume(ctx, t.ID, producerID, rtpCapabilities)
	if err != nil {
		return nil, fmt.Errorf("%w: producer %s: %v", domain.ErrConsume, producerID, err)
	}

	if params.Paused {
		if err := t.client.ResumeConsumer(ctx, t.ID, params.ConsumerID); err != nil {
			return nil, fmt.Errorf("%w: resume consumer %s: %v", domain.ErrConsume, params.ConsumerID, err)
		}
	}

	c := &Consumer{
		ID:            params.ConsumerID,
		ProducerID:    params.ProducerID,
		Kind:          params.Kind,
		RTPParameters: params.RTPParameters,
	}
	t.mu.Lock()
	t.consumers[c.ID] = c
	t.mu.Unlock()

	pkglog.L().Info().
		Str(pkglog.FieldTransportID, t.ID).
		Str(pkglog.FieldConsumerID, c.ID).
		Str(pkglog.FieldProducerID, c.ProducerID).
		Str("kind", c.Kind).
		Msg("consumer created")
	return c, nil
}

// Producers returns the transport's registered producers.
func (t *Transport) Producers() []*Producer {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Producer, 0, len(t.producers))
	for _, p := range t.producers {
		out = append(out, p)
	}
	return out
}

// Consumers returns the transport's active consumers.
func (t *Transport) Consumers() []*Consumer {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]*Consumer, 0, len(t.consumers))
	for _, c := range t.consumers {
		out = append(out, c)
	}
	return out
}

// Manager creates and owns relay transports for one participant in one
// room. Used by viewers (consume-only) and by broadcasters fanning out
// to audiences too large for mesh.
type Manager struct {
	client *Client

	mu         sync.Mutex
	transports []*Transport
}

// NewManager creates a relay transport manager.
func NewManager(client *Client) *Manager {
	return &Manager{client: client}
}

// CreateSendTransport requests a send transport from the relay. The
// caller must load a local capability negotiator with the returned
// router capabilities before producing.
func (m *Manager) CreateSendTransport(ctx context.Context) (*Transport, error) {
	return m.createTransport(ctx, DirectionSend)
}

// CreateRecvTransport requests a receive transport from the relay.
func (m *Manager) CreateRecvTransport(ctx context.Context) (*Transport, error) {
	return m.createTransport(ctx, DirectionRecv)
}

func (m *Manager) createTransport(ctx context.Context, dir Direction) (*Transport, error) {
	params, err := m.client.CreateTransport(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransportCreate, err)
	}

	t := &Transport{
		ID:                 params.TransportID,
		Direction:          dir,
		RouterCapabilities: params.RouterCapabilities,
		client:             m.client,
		dtlsState:          DTLSNew,
		dtlsParms:          params.DTLSParameters,
		producers:          make(map[string]*Producer),
		consumers:          make(map[string]*Consumer),
	}

	m.mu.Lock()
	m.transports = append(m.transports, t)
	m.mu.Unlock()

	pkglog.L().Info().
		Str(pkglog.FieldTransportID, t.ID).
		Str("direction", string(dir)).
		Msg("relay transport created")
	return t, nil
}

// ConsumeAll enumerates the room's current producers and consumes each
// on the given receive transport. A single consumer failure is isolated
// and logged; the viewer simply lacks that one stream. Consumers are
// created concurrently.
func (m *Manager) ConsumeAll(ctx context.Context, t *Transport, rtpCapabilities json.RawMessage) ([]*Consumer, error) {
	producers, err := m.client.ListProducers(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list producers: %v", domain.ErrConsume, err)
	}

	l := pkglog.L()
	var (
		outMu     sync.Mutex
		consumers []*Consumer
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, info := range producers {
		info := info
		g.Go(func() error {
			c, err := t.Consume(gctx, info.ID, rtpCapabilities)
			if err != nil {
				// Degraded, not fatal: this one stream is missing.
				l.Warn().Err(err).Str(pkglog.FieldProducerID, info.ID).Msg("failed to consume producer")
				return nil
			}
			outMu.Lock()
			consumers = append(consumers, c)
			outMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return consumers, err
	}

	return consumers, nil
}

// Transports returns the transports created so far.
func (m *Manager) Transports() []*Transport {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Transport, len(m.transports))
	copy(out, m.transports)
	return out
}

// Close drops all transport state. The relay reaps its side on
// disconnect.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transports = nil
}
