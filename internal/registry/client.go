package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// LifecycleClient calls the external room lifecycle RPC. The service is
// an opaque collaborator; only the POST /rooms contract is consumed.
type LifecycleClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewLifecycleClient creates a room lifecycle client.
func NewLifecycleClient(baseURL string, timeout time.Duration) *LifecycleClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LifecycleClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type createRoomRequest struct {
	Title  string `json:"title"`
	HostID string `json:"hostId"`
}

type createRoomResponse struct {
	RoomID string `json:"roomId"`
}

// CreateRoom registers a room with the lifecycle backend and returns
// the assigned room id.
func (c *LifecycleClient) CreateRoom(ctx context.Context, title, hostID string) (string, error) {
	body, err := json.Marshal(createRoomRequest{Title: title, HostID: hostID})
	if err != nil {
		return "", fmt.Errorf("marshal create room request: %w", err)
	}

	url := fmt.Sprintf("%s/rooms", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to reach room backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("room backend returned status: %d", resp.StatusCode)
	}

	var out createRoomResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if out.RoomID == "" {
		return "", fmt.Errorf("room backend returned empty room id")
	}

	return out.RoomID, nil
}
