package tunnel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/AtDexters-Lab/nexus-node-agent/internal/hexcodec"
	"github.com/AtDexters-Lab/nexus-node-agent/internal/hostnames"
	"github.com/AtDexters-Lab/nexus-node-agent/internal/logsink"
	"github.com/AtDexters-Lab/nexus-node-agent/internal/protocol"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu   sync.Mutex
	msgs []protocol.Message
}

func (s *recordingSender) Send(msg protocol.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, msg)
	return true
}

func (s *recordingSender) ofType(typ protocol.Type) []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []protocol.Message
	for _, m := range s.msgs {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (s *recordingSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

func testLogger() *logsink.Logger {
	return logsink.NewWithLogger(log.New(io.Discard, "", 0), nil)
}

// sinkServer accepts one connection and records every byte it receives.
type sinkServer struct {
	ln   net.Listener
	mu   sync.Mutex
	buf  bytes.Buffer
	conn net.Conn
	eof  chan struct{}
}

func newSinkServer(t *testing.T) *sinkServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	s := &sinkServer{ln: ln, eof: make(chan struct{})}
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		chunk := make([]byte, 4096)
		for {
			n, err := conn.Read(chunk)
			s.mu.Lock()
			s.buf.Write(chunk[:n])
			s.mu.Unlock()
			if err != nil {
				close(s.eof)
				return
			}
		}
	}()
	return s
}

func (s *sinkServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *sinkServer) received() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func (s *sinkServer) write(t *testing.T, data string) {
	t.Helper()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.conn != nil
	}, 2*time.Second, 5*time.Millisecond)
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	_, err := conn.Write([]byte(data))
	require.NoError(t, err)
}

func closedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func TestWritesArriveInOrder(t *testing.T) {
	srv := newSinkServer(t)
	sender := &recordingSender{}
	reg := NewRegistry(sender, testLogger(), Options{})

	require.NoError(t, reg.Open("t1", "127.0.0.1", srv.port()))

	var want bytes.Buffer
	for i := 0; i < 1000; i++ {
		chunk := fmt.Sprintf("chunk-%04d|", i)
		want.WriteString(chunk)
		require.True(t, reg.Write("t1", hexcodec.Encode([]byte(chunk))))
	}

	require.Eventually(t, func() bool {
		return srv.received() == want.String()
	}, 5*time.Second, 10*time.Millisecond)
	require.Len(t, sender.ofType(protocol.TypeTunnelReady), 1)

	tun, ok := reg.Lookup("t1")
	require.True(t, ok)
	require.Eventually(t, func() bool {
		return tun.BytesOut() == int64(want.Len())
	}, 2*time.Second, 10*time.Millisecond)

	reg.CloseAll()
	reg.Wait()
}

func TestRefusedConnectionReportsOneError(t *testing.T) {
	sender := &recordingSender{}
	reg := NewRegistry(sender, testLogger(), Options{DialTimeout: 2 * time.Second})

	require.NoError(t, reg.Open("t1", "127.0.0.1", closedPort(t)))

	require.Eventually(t, func() bool {
		return len(sender.ofType(protocol.TypeTunnelError)) == 1
	}, 3*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	require.Len(t, sender.ofType(protocol.TypeTunnelError), 1)
	require.Empty(t, sender.ofType(protocol.TypeTunnelReady))
	require.Equal(t, "t1", sender.ofType(protocol.TypeTunnelError)[0].TunnelID)
	require.Equal(t, 0, reg.Len())
}

func TestWriteToUnknownTunnelIsNoop(t *testing.T) {
	sender := &recordingSender{}
	reg := NewRegistry(sender, testLogger(), Options{})

	require.NotPanics(t, func() {
		require.False(t, reg.Write("missing", "68656c6c6f"))
	})
	require.Equal(t, 0, sender.count())
	require.Equal(t, 0, reg.Len())
}

func TestDuplicateOpenIsRejected(t *testing.T) {
	srv := newSinkServer(t)
	sender := &recordingSender{}
	reg := NewRegistry(sender, testLogger(), Options{})

	require.NoError(t, reg.Open("dup", "127.0.0.1", srv.port()))
	require.ErrorIs(t, reg.Open("dup", "127.0.0.1", srv.port()), ErrTunnelExists)

	require.Eventually(t, func() bool {
		return len(sender.ofType(protocol.TypeTunnelError)) == 1 &&
			len(sender.ofType(protocol.TypeTunnelReady)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The original tunnel keeps working.
	require.True(t, reg.Write("dup", hexcodec.Encode([]byte("still-alive"))))
	require.Eventually(t, func() bool {
		return srv.received() == "still-alive"
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, reg.Len())

	reg.CloseAll()
	reg.Wait()
}

func TestRemoteDataIsRelayedAndEOFIsQuiet(t *testing.T) {
	srv := newSinkServer(t)
	sender := &recordingSender{}
	reg := NewRegistry(sender, testLogger(), Options{})

	require.NoError(t, reg.Open("t1", "127.0.0.1", srv.port()))
	srv.write(t, "hello")

	require.Eventually(t, func() bool {
		return len(sender.ofType(protocol.TypeTunnelData)) > 0
	}, 2*time.Second, 10*time.Millisecond)
	data := sender.ofType(protocol.TypeTunnelData)[0]
	require.Equal(t, "t1", data.TunnelID)
	require.Equal(t, hexcodec.Encode([]byte("hello")), data.Data)

	srv.mu.Lock()
	srv.conn.Close()
	srv.mu.Unlock()

	require.Eventually(t, func() bool { return reg.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Empty(t, sender.ofType(protocol.TypeTunnelError))
}

func TestInvalidHexClosesTunnel(t *testing.T) {
	srv := newSinkServer(t)
	sender := &recordingSender{}
	reg := NewRegistry(sender, testLogger(), Options{})

	require.NoError(t, reg.Open("t1", "127.0.0.1", srv.port()))
	require.Eventually(t, func() bool {
		return len(sender.ofType(protocol.TypeTunnelReady)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.True(t, reg.Write("t1", "zz"))

	require.Eventually(t, func() bool {
		return len(sender.ofType(protocol.TypeTunnelError)) == 1 && reg.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
	select {
	case <-srv.eof:
	case <-time.After(2 * time.Second):
		t.Fatal("socket was not closed")
	}
}

func TestQueueLimitClosesTunnel(t *testing.T) {
	sender := &recordingSender{}
	block := make(chan struct{})
	defer close(block)
	reg := NewRegistry(sender, testLogger(), Options{
		MaxPendingBytes: 4,
		Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
			select {
			case <-block:
			case <-ctx.Done():
			}
			return nil, ctx.Err()
		},
	})

	require.NoError(t, reg.Open("t1", "example.com", 443))
	require.True(t, reg.Write("t1", "0102"))
	require.True(t, reg.Write("t1", "030405"))

	require.Eventually(t, func() bool {
		errs := sender.ofType(protocol.TypeTunnelError)
		return len(errs) == 1 && errs[0].Error == ErrQueueFull.Error()
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 0, reg.Len())
	reg.Wait()
}

func TestDeniedHostIsRejected(t *testing.T) {
	sender := &recordingSender{}
	reg := NewRegistry(sender, testLogger(), Options{Deny: hostnames.NewDenyList([]string{"localhost"})})

	err := reg.Open("t1", "LOCALHOST", 22)
	require.ErrorIs(t, err, hostnames.ErrHostDenied)
	require.Eventually(t, func() bool {
		return len(sender.ofType(protocol.TypeTunnelError)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 0, reg.Len())
}

func TestResetKeepsRegistryUsable(t *testing.T) {
	first := newSinkServer(t)
	sender := &recordingSender{}
	reg := NewRegistry(sender, testLogger(), Options{})

	require.NoError(t, reg.Open("a", "127.0.0.1", first.port()))
	require.Eventually(t, func() bool { return len(sender.ofType(protocol.TypeTunnelReady)) == 1 }, 2*time.Second, 10*time.Millisecond)

	reg.Reset()
	require.Equal(t, 0, reg.Len())
	<-first.eof

	second := newSinkServer(t)
	require.NoError(t, reg.Open("a", "127.0.0.1", second.port()))
	require.Eventually(t, func() bool { return len(sender.ofType(protocol.TypeTunnelReady)) == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Empty(t, sender.ofType(protocol.TypeTunnelError))

	reg.CloseAll()
	reg.Wait()
}

func TestCloseAllClosesEverySocket(t *testing.T) {
	servers := []*sinkServer{newSinkServer(t), newSinkServer(t)}
	sender := &recordingSender{}
	reg := NewRegistry(sender, testLogger(), Options{})

	for i, srv := range servers {
		require.NoError(t, reg.Open(strconv.Itoa(i), "127.0.0.1", srv.port()))
	}
	require.Eventually(t, func() bool { return len(sender.ofType(protocol.TypeTunnelReady)) == 2 }, 2*time.Second, 10*time.Millisecond)

	reg.CloseAll()
	reg.Wait()

	require.Equal(t, 0, reg.Len())
	for _, srv := range servers {
		select {
		case <-srv.eof:
		case <-time.After(2 * time.Second):
			t.Fatal("socket was not closed")
		}
	}
	require.ErrorIs(t, reg.Open("late", "127.0.0.1", servers[0].port()), ErrRegistryClosed)
	require.Empty(t, sender.ofType(protocol.TypeTunnelError))
}
