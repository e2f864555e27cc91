// Package tunnel owns the agent's outbound TCP tunnels. Each tunnel is
// keyed by the gateway-chosen tunnel id and relays bytes between its socket
// and the control channel as hex-encoded https-tunnel-data messages.
package tunnel

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/AtDexters-Lab/nexus-node-agent/internal/hostnames"
	"github.com/AtDexters-Lab/nexus-node-agent/internal/iface"
	"github.com/AtDexters-Lab/nexus-node-agent/internal/logsink"
	"github.com/AtDexters-Lab/nexus-node-agent/internal/protocol"
)

var (
	// ErrTunnelExists is returned when an open request reuses a live tunnel id.
	ErrTunnelExists = errors.New("tunnel already exists")
	// ErrRegistryClosed is returned once CloseAll has run.
	ErrRegistryClosed = errors.New("tunnel registry closed")
	// ErrQueueFull is the cause reported when a tunnel's pending writes exceed the limit.
	ErrQueueFull = errors.New("tunnel write queue full")
)

const (
	defaultDialTimeout     = 10 * time.Second
	defaultReadBufferSize  = 16 * 1024
	defaultMaxPendingBytes = 8 * 1024 * 1024
)

// DialFunc opens the outbound connection for a tunnel.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Options tunes tunnel behaviour. Zero values select defaults.
type Options struct {
	DialTimeout     time.Duration
	ReadBufferSize  int
	MaxPendingBytes int
	Deny            *hostnames.DenyList
	Dial            DialFunc
}

// Registry is the single owner of every live tunnel.
type Registry struct {
	sender iface.Sender
	logger *logsink.Logger
	opts   Options
	pool   sync.Pool

	mu      sync.Mutex
	tunnels map[string]*Tunnel
	closed  bool

	wg sync.WaitGroup
}

// NewRegistry creates an empty registry that reports through sender.
func NewRegistry(sender iface.Sender, logger *logsink.Logger, opts Options) *Registry {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = defaultReadBufferSize
	}
	if opts.MaxPendingBytes <= 0 {
		opts.MaxPendingBytes = defaultMaxPendingBytes
	}
	if opts.Dial == nil {
		opts.Dial = (&net.Dialer{}).DialContext
	}
	r := &Registry{
		sender:  sender,
		logger:  logger,
		opts:    opts,
		tunnels: make(map[string]*Tunnel),
	}
	size := opts.ReadBufferSize
	r.pool.New = func() interface{} {
		b := make([]byte, size)
		return &b
	}
	return r
}

// Open reserves id and connects to host:port in the background. The
// reservation is synchronous so a duplicate open for a live id is rejected
// with ErrTunnelExists and the existing tunnel is left untouched. Every
// failure after validation is reported to the gateway as one
// https-tunnel-error.
func (r *Registry) Open(id, host string, port int) error {
	addr, err := hostnames.TargetAddress(host, port)
	if err == nil {
		err = r.opts.Deny.Check(host)
	}
	if err != nil {
		r.logger.Printf("WARN: [TUNNEL] Rejecting tunnel %s to %s:%d: %v", id, host, port, err)
		r.emit(protocol.TunnelError(id, err))
		return err
	}

	t := newTunnel(r, id, addr)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		t.cancel()
		return ErrRegistryClosed
	}
	if _, exists := r.tunnels[id]; exists {
		r.mu.Unlock()
		t.cancel()
		r.logger.Printf("WARN: [TUNNEL] Duplicate connect for live tunnel %s ignored", id)
		r.emit(protocol.TunnelError(id, ErrTunnelExists))
		return ErrTunnelExists
	}
	r.tunnels[id] = t
	r.wg.Add(1)
	r.mu.Unlock()

	go t.run()
	return nil
}

// Write queues hex-encoded data for the tunnel's socket. It returns false
// when the tunnel is unknown, which is logged and otherwise ignored.
func (r *Registry) Write(id, hexData string) bool {
	t, ok := r.Lookup(id)
	if !ok {
		r.logger.Printf("WARN: [TUNNEL] Data for unknown tunnel %s dropped", id)
		return false
	}
	if err := t.queue.push(hexData); err != nil {
		t.shutdown(err)
	}
	return true
}

// Lookup returns the live tunnel for id.
func (r *Registry) Lookup(id string) (*Tunnel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tunnels[id]
	return t, ok
}

// Len returns the number of registered tunnels, including those still dialing.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tunnels)
}

// Reset closes every tunnel without reporting errors. The registry stays
// usable; it is called when a control session ends.
func (r *Registry) Reset() {
	for _, t := range r.snapshot(false) {
		t.shutdown(nil)
	}
}

// CloseAll closes every tunnel and refuses further opens.
func (r *Registry) CloseAll() {
	for _, t := range r.snapshot(true) {
		t.shutdown(nil)
	}
}

// Wait blocks until every tunnel goroutine has exited.
func (r *Registry) Wait() {
	r.wg.Wait()
}

func (r *Registry) snapshot(markClosed bool) []*Tunnel {
	r.mu.Lock()
	defer r.mu.Unlock()
	if markClosed {
		r.closed = true
	}
	list := make([]*Tunnel, 0, len(r.tunnels))
	for _, t := range r.tunnels {
		list = append(list, t)
	}
	return list
}

// remove deletes t only if it is still the tunnel registered under its id.
func (r *Registry) remove(t *Tunnel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.tunnels[t.id]; ok && cur == t {
		delete(r.tunnels, t.id)
	}
}

// emit sends msg off the caller's goroutine so the dispatch path never
// blocks on the control channel.
func (r *Registry) emit(msg protocol.Message) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()
	go func() {
		defer r.wg.Done()
		r.sender.Send(msg)
	}()
}

func (r *Registry) getBuffer() *[]byte {
	return r.pool.Get().(*[]byte)
}

func (r *Registry) putBuffer(buf *[]byte) {
	r.pool.Put(buf)
}
