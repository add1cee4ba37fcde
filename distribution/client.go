package distribution

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"

	"github.com/zsiec/afiyah/fleet"
	"github.com/zsiec/afiyah/session"
)

// maxSegmentBytes bounds a fetched segment body.
const maxSegmentBytes = 64 << 20

var ErrFetch = errors.New("distribution: segment fetch failed")

// FetchError is a non-200 segment response.
type FetchError struct {
	Node    string
	Status  int
	Message string
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("%v: node %s: %d %s", ErrFetch, e.Node, e.Status, e.Message)
}

func (e *FetchError) Unwrap() error { return ErrFetch }

var _ session.Fetcher = (*Client)(nil)

// Client fetches segments from serving nodes. It implements
// session.Fetcher.
type Client struct {
	hc *http.Client
}

// NewHTTP3Client returns a Client speaking HTTP/3. A nil tlsConf uses
// system roots.
func NewHTTP3Client(tlsConf *tls.Config) *Client {
	return NewClient(&http3.Transport{
		TLSClientConfig: tlsConf,
		QUICConfig:      &quic.Config{MaxIdleTimeout: 30 * time.Second},
	})
}

// NewClient returns a Client over rt. A nil rt uses the default transport.
func NewClient(rt http.RoundTripper) *Client {
	if rt == nil {
		rt = http.DefaultTransport
	}
	return &Client{hc: &http.Client{Transport: rt}}
}

// SegmentURL returns the URL of seg on node. Endpoints without a scheme
// are served over https.
func SegmentURL(node fleet.Node, seg session.SegmentID) string {
	base := strings.TrimSuffix(node.Endpoint, "/")
	if !strings.Contains(base, "://") {
		base = "https://" + base
	}
	return base + SegmentPath(seg)
}

// Fetch retrieves seg from node.
func (c *Client) Fetch(ctx context.Context, node fleet.Node, seg session.SegmentID) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, SegmentURL(node, seg), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrFetch, err)
	}
	req.Header.Set("Accept", ContentType)
	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: node %s: %w", ErrFetch, node.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
		return nil, &FetchError{Node: node.ID, Status: resp.StatusCode, Message: body.Error}
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSegmentBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: node %s: %w", ErrFetch, node.ID, err)
	}
	if len(data) > maxSegmentBytes {
		return nil, fmt.Errorf("%w: node %s: segment exceeds %d bytes", ErrFetch, node.ID, maxSegmentBytes)
	}
	return data, nil
}

// Close releases the transport's connections.
func (c *Client) Close() error {
	if t, ok := c.hc.Transport.(io.Closer); ok {
		return t.Close()
	}
	c.hc.CloseIdleConnections()
	return nil
}
