package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AtDexters-Lab/nexus-node-agent/internal/hexcodec"
	"github.com/AtDexters-Lab/nexus-node-agent/internal/protocol"
)

// Tunnel is one outbound TCP connection relayed through the control channel.
type Tunnel struct {
	id   string
	addr string
	reg  *Registry

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conn   net.Conn
	closed bool

	queue     *writeQueue
	done      chan struct{}
	closeOnce sync.Once

	bytesIn  atomic.Int64
	bytesOut atomic.Int64
	opened   time.Time
}

func newTunnel(reg *Registry, id, addr string) *Tunnel {
	ctx, cancel := context.WithCancel(context.Background())
	return &Tunnel{
		id:     id,
		addr:   addr,
		reg:    reg,
		ctx:    ctx,
		cancel: cancel,
		queue:  newWriteQueue(reg.opts.MaxPendingBytes),
		done:   make(chan struct{}),
	}
}

// ID returns the gateway-assigned tunnel id.
func (t *Tunnel) ID() string { return t.id }

// Addr returns the dial address of the tunnel target.
func (t *Tunnel) Addr() string { return t.addr }

// Done is closed once the tunnel has shut down.
func (t *Tunnel) Done() <-chan struct{} { return t.done }

// BytesIn returns the number of bytes read from the socket.
func (t *Tunnel) BytesIn() int64 { return t.bytesIn.Load() }

// BytesOut returns the number of bytes written to the socket.
func (t *Tunnel) BytesOut() int64 { return t.bytesOut.Load() }

func (t *Tunnel) run() {
	defer t.reg.wg.Done()

	dialCtx, cancel := context.WithTimeout(t.ctx, t.reg.opts.DialTimeout)
	conn, err := t.reg.opts.Dial(dialCtx, "tcp", t.addr)
	cancel()
	if err != nil {
		if t.ctx.Err() != nil {
			t.shutdown(nil)
			return
		}
		t.shutdown(fmt.Errorf("connect to %s failed: %w", t.addr, err))
		return
	}
	if !t.attach(conn) {
		conn.Close()
		return
	}

	t.reg.logger.Printf("INFO: [TUNNEL] Tunnel %s connected to %s", t.id, t.addr)
	if !t.reg.sender.Send(protocol.TunnelReady(t.id)) {
		t.shutdown(nil)
		return
	}

	t.reg.wg.Add(1)
	go t.writeLoop(conn)
	t.readLoop(conn)
}

func (t *Tunnel) attach(conn net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.conn = conn
	t.opened = time.Now()
	return true
}

func (t *Tunnel) readLoop(conn net.Conn) {
	bufPtr := t.reg.getBuffer()
	defer t.reg.putBuffer(bufPtr)
	buf := *bufPtr

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			t.bytesIn.Add(int64(n))
			// TunnelData copies buf[:n] into its hex encoding.
			if !t.reg.sender.Send(protocol.TunnelData(t.id, buf[:n])) {
				t.shutdown(nil)
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || t.isClosed() {
				t.shutdown(nil)
			} else {
				t.shutdown(fmt.Errorf("read from %s failed: %w", t.addr, err))
			}
			return
		}
	}
}

func (t *Tunnel) writeLoop(conn net.Conn) {
	defer t.reg.wg.Done()
	for {
		data, ok := t.queue.pop(t.done)
		if !ok {
			return
		}
		b, err := hexcodec.Decode(data)
		if err != nil {
			t.shutdown(fmt.Errorf("decode tunnel data: %w", err))
			return
		}
		if len(b) == 0 {
			continue
		}
		if _, err := conn.Write(b); err != nil {
			if t.isClosed() {
				return
			}
			t.shutdown(fmt.Errorf("write to %s failed: %w", t.addr, err))
			return
		}
		t.bytesOut.Add(int64(len(b)))
	}
}

func (t *Tunnel) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// shutdown closes the socket, removes the tunnel from the registry and, when
// cause is non-nil, reports one https-tunnel-error. Only the first call has
// any effect.
func (t *Tunnel) shutdown(cause error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		conn := t.conn
		opened := t.opened
		t.mu.Unlock()

		t.cancel()
		close(t.done)
		if conn != nil {
			conn.Close()
		}
		t.reg.remove(t)

		if cause != nil {
			t.reg.logger.Printf("WARN: [TUNNEL] Tunnel %s to %s failed: %v", t.id, t.addr, cause)
			t.reg.emit(protocol.TunnelError(t.id, cause))
		}
		if conn != nil {
			t.reg.logger.Printf("INFO: [TUNNEL] Tunnel %s closed after %s (in=%d out=%d bytes)",
				t.id, time.Since(opened).Round(time.Millisecond), t.bytesIn.Load(), t.bytesOut.Load())
		}
	})
}
