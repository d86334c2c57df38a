package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/verso-app/livecast/internal/domain"
)

// fakeRelay is an in-memory relay RPC surface backed by httptest.
type fakeRelay struct {
	mu            sync.Mutex
	transportSeq  int
	consumerSeq   int
	producerSeq   int
	producers     []ProducerInfo
	pausedConsume bool
	resumed       map[string]bool
	failConsume   map[string]bool // producer id -> fail
	failTransport bool
	failConnect   bool
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		resumed:     make(map[string]bool),
		failConsume: make(map[string]bool),
	}
}

func (f *fakeRelay) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /transport", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failTransport {
			http.Error(w, "no workers", http.StatusInternalServerError)
			return
		}
		f.transportSeq++
		json.NewEncoder(w).Encode(TransportParameters{
			TransportID:        fmt.Sprintf("t-%d", f.transportSeq),
			DTLSParameters:     json.RawMessage(`{"role":"auto"}`),
			RouterCapabilities: json.RawMessage(`{"codecs":["opus","vp8"]}`),
		})
	})

	mux.HandleFunc("POST /transport/{id}/connect", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failConnect {
			http.Error(w, "dtls failure", http.StatusBadGateway)
			return
		}
		var req struct {
			DTLSParameters json.RawMessage `json:"dtlsParameters"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.DTLSParameters) == 0 {
			http.Error(w, "missing dtls parameters", http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})

	mux.HandleFunc("POST /transport/{id}/produce", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var req struct {
			Kind string `json:"kind"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		f.producerSeq++
		id := fmt.Sprintf("prod-%d", f.producerSeq)
		f.producers = append(f.producers, ProducerInfo{ID: id, Kind: req.Kind})
		json.NewEncoder(w).Encode(map[string]string{"producerId": id})
	})

	mux.HandleFunc("GET /producers", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		out := f.producers
		if out == nil {
			out = []ProducerInfo{}
		}
		json.NewEncoder(w).Encode(out)
	})

	mux.HandleFunc("POST /transport/{id}/consume", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var req struct {
			ProducerID string `json:"producerId"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if f.failConsume[req.ProducerID] {
			http.Error(w, "producer gone", http.StatusConflict)
			return
		}
		f.consumerSeq++
		var kind string
		for _, p := range f.producers {
			if p.ID == req.ProducerID {
				kind = p.Kind
			}
		}
		json.NewEncoder(w).Encode(ConsumerParameters{
			ConsumerID:    fmt.Sprintf("cons-%d", f.consumerSeq),
			ProducerID:    req.ProducerID,
			Kind:          kind,
			RTPParameters: json.RawMessage(`{}`),
			Paused:        f.pausedConsume,
		})
	})

	mux.HandleFunc("POST /transport/{id}/consumer/{cid}/resume", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.resumed[r.PathValue("cid")] = true
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	})

	return mux
}

func newTestManager(t *testing.T, relay *fakeRelay) *Manager {
	t.Helper()
	srv := httptest.NewServer(relay.handler())
	t.Cleanup(srv.Close)
	return NewManager(NewClient(srv.URL, 2*time.Second))
}

func TestCreateSendAndRecvTransports(t *testing.T) {
	m := newTestManager(t, newFakeRelay())
	ctx := context.Background()

	send, err := m.CreateSendTransport(ctx)
	if err != nil {
		t.Fatalf("CreateSendTransport: %v", err)
	}
	recv, err := m.CreateRecvTransport(ctx)
	if err != nil {
		t.Fatalf("CreateRecvTransport: %v", err)
	}

	if send.Direction != DirectionSend || recv.Direction != DirectionRecv {
		t.Errorf("directions = %q / %q", send.Direction, recv.Direction)
	}
	if send.ID == recv.ID {
		t.Error("transports share an id")
	}
	if send.DTLSStatus() != DTLSNew {
		t.Errorf("initial dtls state = %q, want new", send.DTLSStatus())
	}
	if len(send.RouterCapabilities) == 0 {
		t.Error("router capabilities not loaded")
	}
	if got := len(m.Transports()); got != 2 {
		t.Errorf("tracked transports = %d, want 2", got)
	}
}

func TestCreateTransportRelayError(t *testing.T) {
	relay := newFakeRelay()
	relay.failTransport = true
	m := newTestManager(t, relay)

	_, err := m.CreateSendTransport(context.Background())
	if !errors.Is(err, domain.ErrTransportCreate) {
		t.Fatalf("err = %v, want ErrTransportCreate", err)
	}
}

func TestConnectTransport(t *testing.T) {
	m := newTestManager(t, newFakeRelay())
	ctx := context.Background()

	tr, _ := m.CreateSendTransport(ctx)
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if tr.DTLSStatus() != DTLSConnected {
		t.Errorf("dtls state = %q, want connected", tr.DTLSStatus())
	}
}

func TestConnectFailureMarksTransportFailed(t *testing.T) {
	relay := newFakeRelay()
	relay.failConnect = true
	m := newTestManager(t, relay)
	ctx := context.Background()

	tr, _ := m.CreateSendTransport(ctx)
	err := tr.Connect(ctx)
	if !errors.Is(err, domain.ErrTransportConnect) {
		t.Fatalf("err = %v, want ErrTransportConnect", err)
	}
	if tr.DTLSStatus() != DTLSFailed {
		t.Errorf("dtls state = %q, want failed", tr.DTLSStatus())
	}
}

func TestProduceOnSendTransport(t *testing.T) {
	m := newTestManager(t, newFakeRelay())
	ctx := context.Background()

	tr, _ := m.CreateSendTransport(ctx)
	tr.Connect(ctx)

	audio, err := tr.Produce(ctx, "audio", json.RawMessage(`{"codec":"opus"}`))
	if err != nil {
		t.Fatalf("Produce audio: %v", err)
	}
	video, err := tr.Produce(ctx, "video", json.RawMessage(`{"codec":"vp8"}`))
	if err != nil {
		t.Fatalf("Produce video: %v", err)
	}
	if audio.ID == video.ID {
		t.Error("producers share an id")
	}
	if got := len(tr.Producers()); got != 2 {
		t.Errorf("producers = %d, want 2", got)
	}
}

func TestProduceOnRecvTransportRejected(t *testing.T) {
	m := newTestManager(t, newFakeRelay())
	ctx := context.Background()

	tr, _ := m.CreateRecvTransport(ctx)
	_, err := tr.Produce(ctx, "audio", json.RawMessage(`{}`))
	if !errors.Is(err, domain.ErrProduce) {
		t.Fatalf("err = %v, want ErrProduce", err)
	}
}

func TestConsumeOnSendTransportRejected(t *testing.T) {
	m := newTestManager(t, newFakeRelay())
	ctx := context.Background()

	tr, _ := m.CreateSendTransport(ctx)
	_, err := tr.Consume(ctx, "prod-1", json.RawMessage(`{}`))
	if !errors.Is(err, domain.ErrConsume) {
		t.Fatalf("err = %v, want ErrConsume", err)
	}
}

func TestConsumeAllTwoProducers(t *testing.T) {
	relay := newFakeRelay()
	relay.producers = []ProducerInfo{
		{ID: "prod-a", Kind: "audio"},
		{ID: "prod-b", Kind: "video"},
	}
	m := newTestManager(t, relay)
	ctx := context.Background()

	tr, _ := m.CreateRecvTransport(ctx)
	tr.Connect(ctx)

	consumers, err := m.ConsumeAll(ctx, tr, tr.RouterCapabilities)
	if err != nil {
		t.Fatalf("ConsumeAll: %v", err)
	}
	if len(consumers) != 2 {
		t.Fatalf("consumers = %d, want 2", len(consumers))
	}

	seen := map[string]string{}
	for _, c := range consumers {
		seen[c.ProducerID] = c.Kind
	}
	if seen["prod-a"] != "audio" || seen["prod-b"] != "video" {
		t.Errorf("consumer mapping = %v", seen)
	}
	if got := len(tr.Consumers()); got != 2 {
		t.Errorf("tracked consumers = %d, want 2", got)
	}
}

func TestConsumeAllIsolatesFailures(t *testing.T) {
	relay := newFakeRelay()
	relay.producers = []ProducerInfo{
		{ID: "prod-a", Kind: "audio"},
		{ID: "prod-b", Kind: "video"},
	}
	relay.failConsume["prod-b"] = true
	m := newTestManager(t, relay)
	ctx := context.Background()

	tr, _ := m.CreateRecvTransport(ctx)

	consumers, err := m.ConsumeAll(ctx, tr, tr.RouterCapabilities)
	if err != nil {
		t.Fatalf("ConsumeAll: %v", err)
	}
	if len(consumers) != 1 || consumers[0].ProducerID != "prod-a" {
		t.Fatalf("consumers = %+v, want only prod-a", consumers)
	}
}

func TestConsumeResumesPausedConsumer(t *testing.T) {
	relay := newFakeRelay()
	relay.producers = []ProducerInfo{{ID: "prod-a", Kind: "audio"}}
	relay.pausedConsume = true
	m := newTestManager(t, relay)
	ctx := context.Background()

	tr, _ := m.CreateRecvTransport(ctx)
	c, err := tr.Consume(ctx, "prod-a", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}

	relay.mu.Lock()
	resumed := relay.resumed[c.ID]
	relay.mu.Unlock()
	if !resumed {
		t.Errorf("consumer %s not resumed", c.ID)
	}
}

func TestConsumeAllEmptyRoom(t *testing.T) {
	m := newTestManager(t, newFakeRelay())
	ctx := context.Background()

	tr, _ := m.CreateRecvTransport(ctx)
	consumers, err := m.ConsumeAll(ctx, tr, tr.RouterCapabilities)
	if err != nil {
		t.Fatalf("ConsumeAll: %v", err)
	}
	if len(consumers) != 0 {
		t.Errorf("consumers = %d, want 0", len(consumers))
	}
}
