package dht

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opd-ai/meshconnect/transport"
	"github.com/sirupsen/logrus"
)

// BlobAddressFamily tags each endpoint inline in the bootstrap blob's wire
// format (§6): "[count u8] [endpoint]*", each endpoint self-describing its
// family.
type BlobAddressFamily uint8

const (
	BlobInterNetwork   BlobAddressFamily = 1
	BlobInterNetworkV6 BlobAddressFamily = 2
	BlobUnspecified    BlobAddressFamily = 3
)

// ParseBootstrapBlob decodes the "[count u8] [endpoint]*" wire format.
// Each endpoint is encoded as: [family u8][portLE u16][addrLen u8][addr bytes],
// where addr is 4 bytes for InterNetwork, 16 for InterNetworkV6, and a raw
// domain-name byte string for Unspecified (overlay) endpoints.
func ParseBootstrapBlob(data []byte) ([]transport.Endpoint, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("dht: empty bootstrap blob")
	}
	count := int(data[0])
	data = data[1:]

	endpoints := make([]transport.Endpoint, 0, count)
	for i := 0; i < count; i++ {
		ep, rest, err := parseBlobEndpoint(data)
		if err != nil {
			return nil, fmt.Errorf("dht: bootstrap blob entry %d: %w", i, err)
		}
		endpoints = append(endpoints, ep)
		data = rest
	}
	return endpoints, nil
}

func parseBlobEndpoint(data []byte) (transport.Endpoint, []byte, error) {
	if len(data) < 4 {
		return transport.Endpoint{}, nil, fmt.Errorf("truncated endpoint header")
	}
	family := BlobAddressFamily(data[0])
	port := uint16(data[1]) | uint16(data[2])<<8
	addrLen := int(data[3])
	data = data[4:]

	if len(data) < addrLen {
		return transport.Endpoint{}, nil, fmt.Errorf("truncated endpoint address")
	}
	addr, rest := data[:addrLen], data[addrLen:]

	switch family {
	case BlobInterNetwork, BlobInterNetworkV6:
		ip := netIPFromBytes(addr)
		ep, err := transport.NewIPEndpoint(ip, port)
		return ep, rest, err
	case BlobUnspecified:
		return transport.NewDomainEndpoint(string(addr), port), rest, nil
	default:
		return transport.Endpoint{}, nil, fmt.Errorf("unknown blob address family %d", family)
	}
}

// FetchBootstrapBlob retrieves and parses the bootstrap blob from url
// through httpClient (already configured with any proxy dial hook). Per
// §4.4 step 3, a fetch failure is logged and ignored rather than
// propagated — a node with no bootstrap connectivity still has local
// discovery and manually-added peers to fall back on.
func FetchBootstrapBlob(ctx context.Context, httpClient *http.Client, url string) []transport.Endpoint {
	logger := logrus.WithFields(logrus.Fields{"component": "dht", "op": "bootstrap-fetch", "url": url})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		logger.WithError(err).Warn("failed to build bootstrap request")
		return nil
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		logger.WithError(err).Warn("bootstrap fetch failed")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		logger.WithField("status", resp.Status).Warn("bootstrap fetch returned non-200")
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		logger.WithError(err).Warn("failed to read bootstrap response body")
		return nil
	}

	endpoints, err := ParseBootstrapBlob(body)
	if err != nil {
		logger.WithError(err).Warn("failed to parse bootstrap blob")
		return nil
	}

	logger.WithField("count", len(endpoints)).Info("bootstrap blob fetched")
	return endpoints
}

// fetchTimeout bounds the asynchronous bootstrap fetch so it can never hang
// the node's startup indefinitely.
const fetchTimeout = 15 * time.Second

// BootstrapAsync fetches the blob in a goroutine and dispatches each
// endpoint by family into dispatch. Call sites do not block on this.
func BootstrapAsync(httpClient *http.Client, url string, dispatch func(transport.Endpoint)) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()

		for _, ep := range FetchBootstrapBlob(ctx, httpClient, url) {
			dispatch(ep)
		}
	}()
}
