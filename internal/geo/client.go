// ABOUTME: HTTP geolocation client that turns an IP address into "city, region, country"
// ABOUTME: Private and loopback addresses are answered locally without a lookup

package geo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// DefaultEndpoint is an ip-api.com compatible lookup service.
const DefaultEndpoint = "http://ip-api.com/json"

// LocalNetwork is returned for private, loopback and link-local addresses.
const LocalNetwork = "Local network"

// ErrLookupFailed is returned when the service answers but cannot locate the address.
var ErrLookupFailed = errors.New("geolocation lookup failed")

// maxBody bounds the response read from the lookup service.
const maxBody = 64 << 10

// Client looks up addresses against an ip-api.com compatible endpoint.
type Client struct {
	endpoint string
	http     *http.Client
}

// NewClient creates a Client. An empty endpoint selects DefaultEndpoint and a
// zero timeout selects five seconds.
func NewClient(endpoint string, timeout time.Duration) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: timeout},
	}
}

// Locate returns a human-readable location for ip.
func (c *Client) Locate(ctx context.Context, ip string) (string, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", fmt.Errorf("parsing address %q: %w", ip, err)
	}
	if isLocal(addr) {
		return LocalNetwork, nil
	}

	reqURL := c.endpoint + "/" + url.PathEscape(addr.String())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("querying %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrLookupFailed, resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return "", fmt.Errorf("%w: malformed response", ErrLookupFailed)
	}

	result := gjson.ParseBytes(body)
	if result.Get("status").String() == "fail" {
		return "", fmt.Errorf("%w: %s", ErrLookupFailed, result.Get("message").String())
	}

	location := format(
		result.Get("city").String(),
		result.Get("regionName").String(),
		result.Get("country").String(),
	)
	if location == "" {
		return "", fmt.Errorf("%w: empty location", ErrLookupFailed)
	}
	return location, nil
}

func format(parts ...string) string {
	kept := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ", ")
}

func isLocal(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsUnspecified()
}
