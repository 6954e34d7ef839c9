package transport

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"time"
)

// httpConnectDialer implements proxy.Dialer over an HTTP/1.1 CONNECT proxy.
// golang.org/x/net/proxy only ships a SOCKS5 implementation, so the
// HTTP-CONNECT path is the one piece of proxy dialing the core provides
// itself, following the same "wrap a plain net.Conn with a request/response
// preamble" shape as the HTTP decoy in decoy.go.
type httpConnectDialer struct {
	proxyAddr string
	timeout   time.Duration
}

func newHTTPConnectDialer(proxyAddr string, timeout time.Duration) *httpConnectDialer {
	return &httpConnectDialer{proxyAddr: proxyAddr, timeout: timeout}
}

// Dial connects to the proxy and asks it to CONNECT to addr.
func (d *httpConnectDialer) Dial(network, addr string) (net.Conn, error) {
	conn, err := net.DialTimeout(network, d.proxyAddr, d.timeout)
	if err != nil {
		return nil, fmt.Errorf("transport: dial http proxy %s: %w", d.proxyAddr, err)
	}

	if d.timeout > 0 {
		conn.SetDeadline(time.Now().Add(d.timeout))
	}

	request := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n\r\n", addr, addr)
	if _, err := conn.Write([]byte(request)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: write CONNECT request: %w", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), &http.Request{Method: http.MethodConnect})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: read CONNECT response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("transport: proxy CONNECT refused: %s", resp.Status)
	}

	conn.SetDeadline(time.Time{})
	return conn, nil
}
