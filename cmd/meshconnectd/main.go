// Command meshconnectd runs the peer connectivity and overlay-discovery
// core as a standalone daemon: it opens its listeners, joins the DHT and
// local-network discovery beacon, and serves a Prometheus metrics endpoint.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/opd-ai/meshconnect/node"
	"github.com/opd-ai/meshconnect/overlay"
	"github.com/opd-ai/meshconnect/transport"
	"github.com/sirupsen/logrus"
)

func main() {
	var (
		servicePort   = flag.Uint("port", 33445, "TCP/UDP port to bind for peer and DHT traffic")
		metricsAddr   = flag.String("metrics-addr", "127.0.0.1:9090", "address to serve Prometheus metrics on")
		bootstrapURL  = flag.String("bootstrap-url", "", "HTTPS URL of a bootstrap node list")
		enableLocal   = flag.Bool("local-discovery", true, "enable LAN beacon discovery")
		enableUPnP    = flag.Bool("upnp", true, "attempt UPnP port mapping for IPv4 reachability")
		enableOverlay = flag.Bool("overlay", false, "enable the anonymity-overlay adapter")
		overlayOnly   = flag.Bool("overlay-only", false, "publish a hidden service instead of a direct endpoint")
		overlayBinary = flag.String("overlay-controller", "tor", "path to the overlay controller binary")
		logLevel      = flag.String("log-level", "info", "logrus level: debug, info, warn, error")
	)
	flag.Parse()

	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		logrus.WithError(err).Fatal("invalid -log-level")
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	opts := node.Options{
		ServicePort:          uint16(*servicePort),
		Proxy:                transport.ProxyConfig{Kind: transport.ProxyNone},
		EnableLocalDiscovery: *enableLocal,
		EnableUPnP:           *enableUPnP,
		EnableOverlay:        *enableOverlay,
		OverlayOnly:          *overlayOnly,
		BootstrapURL:         *bootstrapURL,
	}
	if *enableOverlay {
		opts.OverlayController = &overlay.ExecController{BinaryPath: *overlayBinary}
	}

	n, err := node.New(opts)
	if err != nil {
		logrus.WithError(err).Fatal("failed to construct node")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := n.Start(ctx); err != nil {
		logrus.WithError(err).Fatal("failed to start node")
	}
	defer n.Close()

	logrus.WithFields(logrus.Fields{
		"peer_id": n.GetStatus().PeerId.String(),
		"port":    *servicePort,
	}).Info("meshconnect node started")

	mux := http.NewServeMux()
	mux.Handle("/metrics", n.MetricsHandler())
	metricsSrv := &http.Server{Addr: *metricsAddr, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Warn("metrics server stopped unexpectedly")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logrus.Info("shutting down")
	metricsSrv.Close()
}
