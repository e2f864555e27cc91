// Package gateway maintains the agent's single control connection to the
// gateway: it reconnects with bounded retries, keeps the session alive and
// dispatches inbound commands to the HTTP executor and the tunnel registry.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/AtDexters-Lab/nexus-node-agent/internal/auth"
	"github.com/AtDexters-Lab/nexus-node-agent/internal/config"
	"github.com/AtDexters-Lab/nexus-node-agent/internal/hostnames"
	"github.com/AtDexters-Lab/nexus-node-agent/internal/httpproxy"
	"github.com/AtDexters-Lab/nexus-node-agent/internal/logsink"
	"github.com/AtDexters-Lab/nexus-node-agent/internal/protocol"
	"github.com/AtDexters-Lab/nexus-node-agent/internal/tunnel"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const shutdownTimeout = 5 * time.Second

// Gateway owns the control connection and everything started through it.
type Gateway struct {
	url    string
	nodeID string
	logger *logsink.Logger
	tokens auth.TokenSource
	dialer *websocket.Dialer

	maxRetries   int
	retryDelay   time.Duration
	openTimeout  time.Duration
	pingInterval time.Duration
	pongWait     time.Duration

	tunnels  *tunnel.Registry
	executor *httpproxy.Executor

	mu           sync.Mutex
	state        State
	stateChanged chan struct{}
	session      *session
	running      bool
	stopped      bool
	run          uint64
	cancel       context.CancelFunc

	wg sync.WaitGroup
}

// New builds a Gateway from cfg. Unset or out-of-range settings fall back
// to their defaults. Every log line is also passed to sink when it is
// non-nil; the sink is called from a goroutine of its own and may call Stop.
func New(cfg *config.Config, sink logsink.Sink) *Gateway {
	return newGateway(cfg, logsink.New(sink))
}

func newGateway(cfg *config.Config, logger *logsink.Logger) *Gateway {
	cfg = cfg.WithDefaults()
	nodeID := cfg.NodeID
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	deny := hostnames.NewDenyList(cfg.DeniedHosts)

	g := &Gateway{
		url:    cfg.GatewayURL,
		nodeID: nodeID,
		logger: logger,
		tokens: auth.NewTokenSource(cfg),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.OpenTimeout(),
		},
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay(),
		openTimeout:  cfg.OpenTimeout(),
		pingInterval: cfg.PingInterval(),
		pongWait:     cfg.PongTimeout(),
		stateChanged: make(chan struct{}),
	}
	g.tunnels = tunnel.NewRegistry(g, logger, tunnel.Options{
		DialTimeout:     cfg.DialTimeout(),
		ReadBufferSize:  cfg.TunnelReadBufferBytes,
		MaxPendingBytes: cfg.TunnelMaxPendingBytes,
		Deny:            deny,
	})
	g.executor = httpproxy.New(g, logger, httpproxy.Options{
		Timeout:          cfg.HTTPTimeout(),
		MaxResponseBytes: cfg.MaxResponseBytes,
		Deny:             deny,
	})
	return g
}

// NodeID returns the identity sent in register and ping messages.
func (g *Gateway) NodeID() string { return g.nodeID }

// State returns the current connection state.
func (g *Gateway) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Start begins the reconnect and keepalive loops and returns immediately.
// It is a no-op while a run is active and after Stop. A run that gave up
// after exhausting its retries can be resumed by calling Start again.
func (g *Gateway) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped || g.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	g.running = true
	g.run++
	g.cancel = cancel

	g.wg.Add(2)
	go g.connectLoop(ctx, cancel, g.run)
	go g.keepaliveLoop(ctx)
}

// Stop closes the control connection with a normal-closure frame, cancels
// every in-flight request and closes every tunnel. It is idempotent and
// waits at most shutdownTimeout for background work to exit. Sink delivery
// ends with the final "Stopped" line.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if g.stopped {
		g.mu.Unlock()
		return
	}
	g.stopped = true
	g.setStateLocked(Closing)
	cancel := g.cancel
	sess := g.session
	g.mu.Unlock()

	g.logger.Printf("INFO: [GATEWAY] Stopping node %s", g.nodeID)
	if cancel != nil {
		cancel()
	}
	if sess != nil {
		sess.closeNormally("client-stopping")
	}
	g.executor.Close()
	g.tunnels.CloseAll()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		g.executor.Wait()
		g.tunnels.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		g.logger.Printf("WARN: [GATEWAY] Shutdown did not complete within %s", shutdownTimeout)
	}

	g.mu.Lock()
	g.session = nil
	g.running = false
	g.setStateLocked(Disconnected)
	g.mu.Unlock()
	g.logger.Printf("INFO: [GATEWAY] Stopped")
	g.logger.Close()
}

// Wait blocks until the reconnect and keepalive loops of the current run
// have exited, either after Stop or after retries are exhausted.
func (g *Gateway) Wait() {
	g.wg.Wait()
}

// Send encodes msg and queues it on the open session. It reports false, and
// logs, when there is no open session.
func (g *Gateway) Send(msg protocol.Message) bool {
	data, err := protocol.Encode(msg)
	if err != nil {
		g.logger.Printf("ERROR: [GATEWAY] Failed to encode %s message: %v", msg.Type, err)
		return false
	}

	g.mu.Lock()
	sess, state := g.session, g.state
	g.mu.Unlock()
	if state != Open || sess == nil {
		g.logger.Printf("WARN: [GATEWAY] Not connected (%s); dropping %s message", state, msg.Type)
		return false
	}

	select {
	case sess.outgoing <- data:
		return true
	case <-sess.done:
		g.logger.Printf("WARN: [GATEWAY] Connection closed; dropping %s message", msg.Type)
		return false
	}
}

func (g *Gateway) connectLoop(ctx context.Context, cancel context.CancelFunc, run uint64) {
	defer g.wg.Done()
	defer func() {
		cancel()
		g.mu.Lock()
		if g.run == run {
			g.running = false
		}
		g.mu.Unlock()
	}()

	attempts := 0
	for attempts < g.maxRetries {
		if ctx.Err() != nil {
			return
		}
		attempts++
		g.logger.Printf("INFO: [GATEWAY] Connecting to %s (attempt %d/%d)", g.url, attempts, g.maxRetries)

		sess, err := g.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			g.logger.Printf("WARN: [GATEWAY] Failed to connect to %s: %v", g.url, err)
			if attempts < g.maxRetries {
				g.logger.Printf("INFO: [GATEWAY] Retrying in %s...", g.retryDelay)
				if !sleep(ctx, g.retryDelay) {
					return
				}
			}
			continue
		}

		attempts = 0
		g.serve(ctx, sess)
		if ctx.Err() != nil {
			return
		}
		g.logger.Printf("INFO: [GATEWAY] Reconnecting in %s...", g.retryDelay)
		if !sleep(ctx, g.retryDelay) {
			return
		}
	}

	g.logger.Printf("ERROR: [GATEWAY] Maximum retry attempts (%d) reached. Giving up.", g.maxRetries)
}

func (g *Gateway) dial(ctx context.Context) (*session, error) {
	if !g.transition(Connecting) {
		return nil, context.Canceled
	}

	header, err := auth.Header(g.tokens, g.nodeID)
	if err != nil {
		g.transition(Disconnected)
		return nil, fmt.Errorf("build credentials: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, g.openTimeout)
	defer cancel()
	conn, resp, err := g.dialer.DialContext(dialCtx, g.url, header)
	if err != nil {
		g.transition(Disconnected)
		if resp != nil {
			return nil, fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, err
	}
	return newSession(conn), nil
}

// serve runs one session until either pump exits, then resets every tunnel
// opened through it.
func (g *Gateway) serve(ctx context.Context, s *session) {
	register, err := protocol.Encode(protocol.Register(g.nodeID))
	if err != nil {
		s.close()
		return
	}

	g.mu.Lock()
	if g.stopped || ctx.Err() != nil {
		g.mu.Unlock()
		s.closeNormally("client-stopping")
		return
	}
	// Register is the first frame on every session.
	s.outgoing <- register
	g.session = s
	g.setStateLocked(Open)
	g.mu.Unlock()

	g.logger.Printf("INFO: [GATEWAY] Connected to %s as node %s", g.url, g.nodeID)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		g.writePump(ctx, s)
	}()
	go func() {
		defer wg.Done()
		g.readPump(s)
	}()
	wg.Wait()

	g.mu.Lock()
	if g.session == s {
		g.session = nil
	}
	if !g.stopped {
		g.setStateLocked(Disconnected)
	}
	g.mu.Unlock()

	g.tunnels.Reset()
	g.logger.Printf("INFO: [GATEWAY] Connection to %s has been terminated.", g.url)
}

func (g *Gateway) keepaliveLoop(ctx context.Context) {
	defer g.wg.Done()
	for {
		s := g.waitForOpen(ctx)
		if s == nil {
			return
		}
		if !g.pingUntilClosed(ctx, s) {
			return
		}
	}
}

// pingUntilClosed sends a ping every pingInterval until s ends. It returns
// false when ctx is cancelled.
func (g *Gateway) pingUntilClosed(ctx context.Context, s *session) bool {
	ticker := time.NewTicker(g.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-s.done:
			return true
		case <-ticker.C:
			g.Send(protocol.Ping(g.nodeID))
		}
	}
}

func (g *Gateway) waitForOpen(ctx context.Context) *session {
	for {
		g.mu.Lock()
		if s := g.session; g.state == Open && s != nil {
			select {
			case <-s.done:
			default:
				g.mu.Unlock()
				return s
			}
		}
		changed := g.stateChanged
		g.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
