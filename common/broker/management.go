package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// managementTimeout caps queue lookups so a wedged management API cannot
// stall the queue-status endpoint.
const managementTimeout = 5 * time.Second

// QueueInfo is the slice of the RabbitMQ management API queue object that
// the queue-status endpoints report.
type QueueInfo struct {
	Name          string `json:"name"`
	Messages      int    `json:"messages"`
	MessagesReady int    `json:"messages_ready"`
	Consumers     int    `json:"consumers"`
	State         string `json:"state"`
}

// ManagementClient reads queue state from the RabbitMQ management API. It
// serves debug endpoints only; the data plane never depends on it.
type ManagementClient struct {
	baseURL string
	user    string
	pass    string
	client  *http.Client
}

func NewManagementClient(baseURL, user, pass string) *ManagementClient {
	return &ManagementClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		user:    user,
		pass:    pass,
		client:  &http.Client{Timeout: managementTimeout},
	}
}

// Queue fetches one queue from the default vhost.
func (m *ManagementClient) Queue(ctx context.Context, name string) (*QueueInfo, error) {
	endpoint := fmt.Sprintf("%s/api/queues/%s/%s", m.baseURL, url.PathEscape("/"), url.PathEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build management API request: %w", err)
	}
	req.SetBasicAuth(m.user, m.pass)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query management API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("management API returned %s for queue %s", resp.Status, name)
	}

	var info QueueInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode queue info: %w", err)
	}
	return &info, nil
}
