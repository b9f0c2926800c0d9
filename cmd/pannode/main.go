// Command pannode runs a single PAN overlay node: the agent-facing
// listener, the peer-facing listener, and the in-process plumbing
// (trust, auth, group fan-out, routing, peer relay) between them.
package main

import (
	"crypto/tls"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/panrelay/pannode/internal/bus"
	"github.com/panrelay/pannode/internal/identity"
	"github.com/panrelay/pannode/pkg/agentregistry"
	"github.com/panrelay/pannode/pkg/agentserver"
	"github.com/panrelay/pannode/pkg/auth"
	"github.com/panrelay/pannode/pkg/config"
	"github.com/panrelay/pannode/pkg/control"
	"github.com/panrelay/pannode/pkg/group"
	"github.com/panrelay/pannode/pkg/logging"
	"github.com/panrelay/pannode/pkg/metrics"
	"github.com/panrelay/pannode/pkg/peerregistry"
	"github.com/panrelay/pannode/pkg/peerrelay"
	"github.com/panrelay/pannode/pkg/peerserver"
	"github.com/panrelay/pannode/pkg/router"
	"github.com/panrelay/pannode/pkg/spamguard"
	"github.com/panrelay/pannode/pkg/transport"
	"github.com/panrelay/pannode/pkg/trust"
	"github.com/panrelay/pannode/pkg/webhook"
)

func main() {
	dataDir := flag.String("data-dir", "/var/lib/pannode", "directory for persisted node identity")
	nodeIdentifier := flag.String("node-identifier", "", "human-readable name to derive a stable node_id from (UUIDv5); ignored once an identity is persisted")
	crashOnCorrupt := flag.Bool("crash-on-corrupt-identity", false, "fail startup instead of regenerating node_id when the identity file exists but is unreadable")
	agentAddr := flag.String("agent-listen", ":5295", "listen address for agent connections")
	agentWSAddr := flag.String("agent-ws-listen", "", "listen address for the agent WebSocket upgrade endpoint (empty disables it)")
	peerAddr := flag.String("peer-listen", ":5874", "listen address for peer connections")
	metricsAddr := flag.String("metrics-listen", ":9295", "listen address for the Prometheus /metrics endpoint (empty disables it)")
	agentTrustFile := flag.String("agent-trust-file", "", "path to the agent-connect trusted-issuers JSONC file")
	peerTrustFile := flag.String("peer-trust-file", "", "path to the peer-connect trusted-issuers JSONC file")
	trustReloadInterval := flag.Duration("trust-reload-interval", time.Minute, "how long a loaded trusted-issuer file is used before the next trust check re-reads it")
	allowUntrustedAgents := flag.Bool("allow-untrusted-agents", false, "accept any structurally valid agent token regardless of trust chain")
	connectTimeout := flag.Duration("connect-timeout", 3*time.Second, "max time an unauthenticated agent connection may stay open")
	sweepInterval := flag.Duration("sweep-interval", time.Second, "how often the pending-connection sweep runs")
	resumeGrace := flag.Duration("resume-grace", 2*time.Minute, "how long a dropped agent connection may be resumed")
	webhookURL := flag.String("webhook-url", "", "URL to POST lifecycle events to (empty disables)")
	useTLS := flag.Bool("tls", false, "listen for agent/peer connections over TLS; falls back to an in-memory self-signed cert when -tls-cert/-tls-key are empty")
	tlsCert := flag.String("tls-cert", "", "PEM certificate file for -tls (empty uses a self-signed cert)")
	tlsKey := flag.String("tls-key", "", "PEM private key file for -tls (empty uses a self-signed cert)")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "text", "log format (text, json)")
	flag.Parse()

	if path := os.Getenv("PAN_CONFIG"); path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			log.Fatalf("load config %s: %v", path, err)
		}
		config.ApplyToFlags(cfg)
	} else if cfg, err := config.Load("config.json5"); err == nil {
		config.ApplyToFlags(cfg)
	}

	logging.Setup(*logLevel, *logFormat)

	nodeSvc, _, err := identity.New(filepath.Join(*dataDir, "identity.json"), *nodeIdentifier, *crashOnCorrupt)
	if err != nil {
		log.Fatalf("load node identity: %v", err)
	}
	nodeID := nodeSvc.NodeID()
	slog.Info("starting pannode", "node_id", nodeID)

	clk := clock.New()
	b := bus.New()
	whook := webhook.New(*webhookURL, func() string { return nodeID })
	defer whook.Close()

	reg := prometheus.NewRegistry()
	met := metrics.New(reg)

	agentTrust, err := trust.New(*agentTrustFile, *trustReloadInterval, clk)
	if err != nil {
		log.Fatalf("load agent trust config: %v", err)
	}
	agentTrust.Webhook = whook
	peerTrust, err := trust.New(*peerTrustFile, *trustReloadInterval, clk)
	if err != nil {
		log.Fatalf("load peer trust config: %v", err)
	}
	peerTrust.Webhook = whook

	authMgr := auth.New(auth.DefaultConfig(), []auth.Method{
		&auth.LocalMethod{Validator: agentTrust, AllowUntrustedAgents: *allowUntrustedAgents},
	}, clk, met)

	groups := group.New()
	groups.Metrics = met
	agents := agentregistry.New()
	peers := peerregistry.New()
	peers.Metrics = met
	spam := spamguard.New(spamguard.Defaults(), clk)

	agentSrv := agentserver.New(agentserver.Config{
		ConnectTimeout: *connectTimeout,
		SweepInterval:  *sweepInterval,
		ResumeGrace:    *resumeGrace,
	}, agentserver.Deps{
		LocalNodeID: nodeID,
		Groups:      groups,
		Agents:      agents,
		Auth:        authMgr,
		SpamGuard:   spam,
		Metrics:     met,
		Clock:       clk,
		Webhook:     whook,
	})

	ctrl := &control.Handlers{Groups: groups, Bus: b, Cleanup: agentSrv.Cleanup}
	rtr := &router.Router{
		LocalNodeID: nodeID,
		Groups:      groups,
		Agents:      agents,
		Bus:         b,
		Control:     ctrl,
		Metrics:     met,
	}
	agentSrv.SetRouter(rtr)

	relay := &peerrelay.Relay{LocalNodeID: nodeID, Peers: peers}
	relay.Start(b)

	peerSrv := &peerserver.Server{
		LocalNodeID: nodeID,
		Validator:   peerTrust,
		Registry:    peers,
		Webhook:     whook,
	}

	tlsConfig, err := buildTLSConfig(*useTLS, *tlsCert, *tlsKey)
	if err != nil {
		log.Fatalf("build TLS config: %v", err)
	}

	agentLn, err := transport.Listen(transport.ListenConfig{Addr: *agentAddr, TLSConfig: tlsConfig})
	if err != nil {
		log.Fatalf("listen on agent address %s: %v", *agentAddr, err)
	}
	peerLn, err := transport.Listen(transport.ListenConfig{Addr: *peerAddr, TLSConfig: tlsConfig})
	if err != nil {
		log.Fatalf("listen on peer address %s: %v", *peerAddr, err)
	}

	agentSrv.Start()
	go func() {
		if err := agentSrv.Serve(agentLn); err != nil {
			slog.Error("agent server stopped", "err", err)
		}
	}()
	go servePeers(peerLn, peerSrv)

	if *agentWSAddr != "" {
		go serveAgentWebSocket(*agentWSAddr, tlsConfig, agentSrv)
	}

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr, reg)
	}

	whook.Emit("node.started", map[string]string{"node_id": nodeID})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	slog.Info("shutting down")
	whook.Emit("node.stopping", map[string]string{"node_id": nodeID})
	agentSrv.Shutdown()
	peerLn.Close()
}

// buildTLSConfig returns nil (plaintext) unless useTLS is set, in which
// case it loads certFile/keyFile if both are given or else falls back to
// an in-memory self-signed certificate for local development.
func buildTLSConfig(useTLS bool, certFile, keyFile string) (*tls.Config, error) {
	if !useTLS {
		return nil, nil
	}
	if certFile == "" || keyFile == "" {
		return transport.SelfSignedTLSConfig()
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}}, nil
}

// serveAgentWebSocket runs an HTTP server on addr that upgrades every
// request to a WebSocket and hands it to agentSrv.HandleConn, giving
// browser-hosted agents a transport option alongside the raw TCP
// listener.
func serveAgentWebSocket(addr string, tlsConfig *tls.Config, agentSrv *agentserver.Server) {
	srv := &http.Server{
		Addr:      addr,
		Handler:   transport.WebSocketHandler(agentSrv.HandleConn),
		TLSConfig: tlsConfig,
	}
	var err error
	if tlsConfig != nil {
		err = srv.ListenAndServeTLS("", "")
	} else {
		err = srv.ListenAndServe()
	}
	if err != nil && err != http.ErrServerClosed {
		slog.Error("agent websocket server stopped", "err", err)
	}
}

// servePeers runs peerSrv's handshake on every connection accepted from
// ln until ln is closed.
func servePeers(ln net.Listener, peerSrv *peerserver.Server) {
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		go peerSrv.HandleConn(transport.NewTCP(c))
	}
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("metrics server stopped", "err", err)
	}
}
