package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// pollWait is how long each long-poll request asks the server to hold.
const pollWait = 30 * time.Second

// retryDelay paces reconnects after a failed poll.
const retryDelay = 2 * time.Second

// Client implements the Relay interface by forwarding requests to a remote
// HTTP relay server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new HTTP relay client.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
	}
}

// URL returns the base URL of the remote relay.
func (c *Client) URL() string {
	return c.baseURL
}

// Publish sends the event to the remote relay.
func (c *Client) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s/events", c.baseURL), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest {
		return ErrSignatureInvalid
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

// Query fetches the retained events matching the filter.
func (c *Client) Query(ctx context.Context, f Filter) ([]Event, error) {
	body, err := c.poll(ctx, f, 0, 0)
	if err != nil {
		return nil, err
	}
	return body.Events, nil
}

// Subscribe long-polls the remote relay, delivering matching events until
// cancel is called or the context ends. Events that fail signature
// verification are dropped without delivery.
func (c *Client) Subscribe(ctx context.Context, f Filter) (<-chan Event, func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan Event, 64)

	go func() {
		defer close(ch)
		var since uint64
		for {
			body, err := c.poll(ctx, f, since, pollWait)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				select {
				case <-time.After(retryDelay):
					continue
				case <-ctx.Done():
					return
				}
			}
			since = body.Seq
			for _, e := range body.Events {
				if !e.Verify() {
					continue
				}
				select {
				case ch <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return ch, cancel, nil
}

func (c *Client) poll(ctx context.Context, f Filter, since uint64, wait time.Duration) (eventsResponse, error) {
	query := url.Values{}
	if f.Owner != "" {
		query.Set("owner", f.Owner)
	}
	if f.Kind != "" {
		query.Set("kind", f.Kind)
	}
	if f.Key != "" {
		query.Set("key", f.Key)
	}
	if since > 0 {
		query.Set("since", fmt.Sprintf("%d", since))
	}
	if wait > 0 {
		query.Set("wait", wait.String())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/events?%s", c.baseURL, query.Encode()), nil)
	if err != nil {
		return eventsResponse{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return eventsResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return eventsResponse{}, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	var body eventsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return eventsResponse{}, err
	}
	return body, nil
}

var _ Relay = (*Client)(nil)
