package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client talks to the media relay's RPC surface. The relay is an
// opaque external collaborator; only the transport/producer/consumer
// contracts are consumed here.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a relay RPC client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// TransportParameters is the relay's response to a transport request.
type TransportParameters struct {
	TransportID        string          `json:"transportId"`
	ICEParameters      json.RawMessage `json:"iceParameters"`
	ICECandidates      json.RawMessage `json:"iceCandidates"`
	DTLSParameters     json.RawMessage `json:"dtlsParameters"`
	RouterCapabilities json.RawMessage `json:"routerCapabilities"`
}

// ProducerInfo describes one producer currently registered in the room.
type ProducerInfo struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

// ConsumerParameters is the relay's response to a consume request.
type ConsumerParameters struct {
	ConsumerID    string          `json:"consumerId"`
	ProducerID    string          `json:"producerId"`
	Kind          string          `json:"kind"`
	RTPParameters json.RawMessage `json:"rtpParameters"`
	Paused        bool            `json:"paused"`
}

// CreateTransport requests transport parameters from the relay.
func (c *Client) CreateTransport(ctx context.Context) (*TransportParameters, error) {
	var out TransportParameters
	if err := c.post(ctx, "/transport", struct{}{}, &out); err != nil {
		return nil, err
	}
	if out.TransportID == "" {
		return nil, fmt.Errorf("relay returned empty transport id")
	}
	return &out, nil
}

// ConnectTransport exchanges DTLS parameters for a transport.
func (c *Client) ConnectTransport(ctx context.Context, transportID string, dtlsParameters json.RawMessage) error {
	req := struct {
		DTLSParameters json.RawMessage `json:"dtlsParameters"`
	}{DTLSParameters: dtlsParameters}

	var out struct {
		OK bool `json:"ok"`
	}
	if err := c.post(ctx, "/transport/"+transportID+"/connect", req, &out); err != nil {
		return err
	}
	if !out.OK {
		return fmt.Errorf("relay rejected transport connect")
	}
	return nil
}

// Produce registers an outgoing track and returns its producer id.
func (c *Client) Produce(ctx context.Context, transportID, kind string, rtpParameters json.RawMessage) (string, error) {
	req := struct {
		Kind          string          `json:"kind"`
		RTPParameters json.RawMessage `json:"rtpParameters"`
	}{Kind: kind, RTPParameters: rtpParameters}

	var out struct {
		ProducerID string `json:"producerId"`
	}
	if err := c.post(ctx, "/transport/"+transportID+"/produce", req, &out); err != nil {
		return "", err
	}
	if out.ProducerID == "" {
		return "", fmt.Errorf("relay returned empty producer id")
	}
	return out.ProducerID, nil
}

// ListProducers enumerates the room's current producers.
func (c *Client) ListProducers(ctx context.Context) ([]ProducerInfo, error) {
	url := c.baseURL + "/producers"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach relay: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay returned status: %d", resp.StatusCode)
	}

	var out []ProducerInfo
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return out, nil
}

// Consume requests a consumer for a producer on the given transport.
func (c *Client) Consume(ctx context.Context, transportID, producerID string, rtpCapabilities json.RawMessage) (*ConsumerParameters, error) {
	req := struct {
		ProducerID      string          `json:"producerId"`
		RTPCapabilities json.RawMessage `json:"rtpCapabilities"`
	}{ProducerID: producerID, RTPCapabilities: rtpCapabilities}

	var out ConsumerParameters
	if err := c.post(ctx, "/transport/"+transportID+"/consume", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResumeConsumer resumes a consumer that the relay created paused.
func (c *Client) ResumeConsumer(ctx context.Context, transportID, consumerID string) error {
	var out struct {
		OK bool `json:"ok"`
	}
	return c.post(ctx, "/transport/"+transportID+"/consumer/"+consumerID+"/resume", struct{}{}, &out)
}

func (c *Client) post(ctx context.Context, path string, in, out interface{}) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach relay: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("relay returned status: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
