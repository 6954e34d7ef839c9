// Package overlay implements C9: the anonymity-overlay adapter. It drives
// an external overlay-controller process (a Tor-style daemon) and exposes
// the SOCKS5 endpoint and hidden-service address the rest of the node uses
// to reach and be reached over the overlay.
package overlay

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"sync"
	"time"

	"github.com/opd-ai/meshconnect/transport"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

// socksPortOffset is added to the node's service port to derive the
// SOCKS5 endpoint's port, per §4.9: "(loopback, localPort+2)".
const socksPortOffset = 2

// ControllerLauncher starts and stops the external overlay-controller
// process. Defined as an interface so tests can substitute a fake instead
// of actually spawning a binary.
type ControllerLauncher interface {
	Start(ctx context.Context) error
	Stop() error
	// CreateHiddenService maps localPort on the loopback interface to a
	// freshly created hidden service and returns its onion-style address.
	CreateHiddenService(ctx context.Context, localPort uint16) (string, error)
}

// ExecController launches the controller as a subprocess via os/exec. The
// actual control-protocol exchange (e.g. Tor's control port) is specific to
// the chosen overlay implementation and is not modeled here; CreateHiddenService
// is expected to be supplied by an implementation wrapping that protocol.
type ExecController struct {
	BinaryPath string
	Args       []string

	mu  sync.Mutex
	cmd *exec.Cmd
}

// Start launches the controller binary.
func (c *ExecController) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil {
		return nil
	}
	cmd := exec.CommandContext(ctx, c.BinaryPath, c.Args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("overlay: start controller: %w", err)
	}
	c.cmd = cmd
	logrus.WithFields(logrus.Fields{"component": "overlay", "binary": c.BinaryPath}).Info("overlay controller started")
	return nil
}

// Stop terminates the controller process, if running.
func (c *ExecController) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd == nil || c.cmd.Process == nil {
		return nil
	}
	err := c.cmd.Process.Kill()
	c.cmd = nil
	return err
}

// CreateHiddenService is unimplemented on the bare ExecController; a
// concrete overlay implementation must embed ExecController and override
// this with its own control-protocol client.
func (c *ExecController) CreateHiddenService(ctx context.Context, localPort uint16) (string, error) {
	return "", fmt.Errorf("overlay: CreateHiddenService not implemented for bare ExecController")
}

// Adapter wires a ControllerLauncher to the rest of the node: the SOCKS5
// endpoint outbound connects to Unspecified-family endpoints use, and the
// onion address, which Start hands to its onPublish callback.
type Adapter struct {
	controller ControllerLauncher
	localPort  uint16
	socksAddr  transport.Endpoint

	mu          sync.RWMutex
	onionAddr   string
}

// New builds an Adapter for localPort. The SOCKS5 endpoint is fixed at
// (127.0.0.1, localPort+2).
func New(controller ControllerLauncher, localPort uint16) *Adapter {
	socksAddr, _ := transport.NewIPEndpoint(net.ParseIP("127.0.0.1"), localPort+socksPortOffset)
	return &Adapter{controller: controller, localPort: localPort, socksAddr: socksAddr}
}

// Start launches the controller and, in overlay-only mode, creates a hidden
// service mapped to localPort, publishing its onion address via onPublish.
func (a *Adapter) Start(ctx context.Context, overlayOnly bool, onPublish func(onionAddr string)) error {
	if err := a.controller.Start(ctx); err != nil {
		return err
	}

	if !overlayOnly {
		return nil
	}

	onion, err := a.controller.CreateHiddenService(ctx, a.localPort)
	if err != nil {
		return fmt.Errorf("overlay: create hidden service: %w", err)
	}

	a.mu.Lock()
	a.onionAddr = onion
	a.mu.Unlock()

	if onPublish != nil {
		onPublish(onion)
	}
	return nil
}

// Stop terminates the controller process.
func (a *Adapter) Stop() error {
	return a.controller.Stop()
}

// OnionAddress returns this node's published hidden-service address, or ""
// if none has been created.
func (a *Adapter) OnionAddress() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.onionAddr
}

// SOCKSEndpoint returns the (loopback, localPort+2) SOCKS5 endpoint.
func (a *Adapter) SOCKSEndpoint() transport.Endpoint {
	return a.socksAddr
}

// Dialer returns a proxy.Dialer routed through the overlay's SOCKS5
// endpoint, for outbound connects to Unspecified-family (onion) endpoints.
func (a *Adapter) Dialer(timeout time.Duration) (proxy.Dialer, error) {
	return proxy.SOCKS5("tcp", a.socksAddr.String(), nil, &net.Dialer{Timeout: timeout})
}
