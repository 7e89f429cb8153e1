package block

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Assert that Client implements the Store interface.
var _ Store = (*Client)(nil)

// defaultClientTimeout bounds requests to an endpoint when no custom HTTP
// client is supplied, so a stalled endpoint cannot wedge a caller.
const defaultClientTimeout = 30 * time.Second

// Client implements the Store interface against a remote blob endpoint
// speaking the blob fallback protocol. Reads request zstd transfer
// compression and decode it transparently.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new blob endpoint client.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultClientTimeout}
	}
	return &Client{baseURL: baseURL, httpClient: httpClient}
}

// URL returns the endpoint base URL.
func (c *Client) URL() string {
	return c.baseURL
}

// Has checks whether the endpoint holds the given address.
func (c *Client) Has(address string) bool {
	req, err := http.NewRequest(http.MethodHead, fmt.Sprintf("%s/%s", c.baseURL, address), nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Get retrieves the block at the given address.
func (c *Client) Get(address string) (io.ReadCloser, bool) {
	return c.GetContext(context.Background(), address)
}

// GetContext retrieves the block at the given address, honoring ctx for
// cancellation and deadlines.
func (c *Client) GetContext(ctx context.Context, address string) (io.ReadCloser, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/%s", c.baseURL, address), nil)
	if err != nil {
		return nil, false
	}
	req.Header.Set("Accept-Encoding", "zstd")

	resp, err := c.httpClient.Do(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, false
	}

	if resp.Header.Get("Content-Encoding") == "zstd" {
		dec, err := zstd.NewReader(resp.Body)
		if err != nil {
			resp.Body.Close()
			return nil, false
		}
		return &decodedBody{rc: dec.IOReadCloser(), underlying: resp.Body}, true
	}
	return resp.Body, true
}

// Store uploads the bytes read from r, returning the address the endpoint
// computed for them.
func (c *Client) Store(r io.Reader) (string, error) {
	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("%s/", c.baseURL), r)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// StoreAt uploads the bytes read from r at the given address. The endpoint
// rejects the write when the bytes do not hash to the address.
func (c *Client) StoreAt(address string, r io.Reader) (bool, error) {
	req, err := http.NewRequest(http.MethodPut, fmt.Sprintf("%s/%s", c.baseURL, address), r)
	if err != nil {
		return false, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK, nil
}

// Size returns the size advertised by the endpoint for the given address.
func (c *Client) Size(address string) (int64, bool) {
	req, err := http.NewRequest(http.MethodHead, fmt.Sprintf("%s/%s", c.baseURL, address), nil)
	if err != nil {
		return 0, false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		if resp != nil {
			resp.Body.Close()
		}
		return 0, false
	}
	defer resp.Body.Close()

	sizeStr := resp.Header.Get("Content-Length")
	if sizeStr == "" {
		return 0, false
	}
	size, err := strconv.ParseInt(sizeStr, 10, 64)
	if err != nil {
		return 0, false
	}
	return size, true
}

// decodedBody closes both the zstd decoder and the HTTP body.
type decodedBody struct {
	rc         io.ReadCloser
	underlying io.Closer
}

func (d *decodedBody) Read(p []byte) (int, error) { return d.rc.Read(p) }

func (d *decodedBody) Close() error {
	err := d.rc.Close()
	if cerr := d.underlying.Close(); err == nil {
		err = cerr
	}
	return err
}
