package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/AtDexters-Lab/nexus-node-agent/internal/protocol"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 32 << 20
	outgoingBuffer = 256
)

// session is one established control connection. outgoing is drained only by
// writePump, so frames never interleave on the wire.
type session struct {
	conn      *websocket.Conn
	outgoing  chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(conn *websocket.Conn) *session {
	return &session{
		conn:     conn,
		outgoing: make(chan []byte, outgoingBuffer),
		done:     make(chan struct{}),
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.conn.Close()
	})
}

// closeNormally sends a normal-closure frame before dropping the connection.
func (s *session) closeNormally(reason string) {
	select {
	case <-s.done:
		return
	default:
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	s.close()
}

func (g *Gateway) readPump(s *session) {
	defer s.close()

	s.conn.SetReadLimit(maxMessageSize)
	pongWait := g.pongWait
	if pongWait > 0 {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		s.conn.SetPongHandler(func(string) error {
			s.conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
	}

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Printf("WARN: [GATEWAY] Unexpected close from %s: %v", g.url, err)
			}
			return
		}
		if pongWait > 0 {
			s.conn.SetReadDeadline(time.Now().Add(pongWait))
		}
		g.dispatch(data)
	}
}

func (g *Gateway) writePump(ctx context.Context, s *session) {
	var tick <-chan time.Time
	if g.pongWait > 0 {
		ticker := time.NewTicker(g.pongWait * 9 / 10)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer s.close()

	for {
		select {
		case data := <-s.outgoing:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				g.logger.Printf("ERROR: [GATEWAY] Failed to write to %s: %v", g.url, err)
				return
			}
		case <-tick:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		case <-ctx.Done():
			s.closeNormally("client-stopping")
			return
		}
	}
}

func (g *Gateway) dispatch(data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		g.logger.Printf("WARN: [GATEWAY] Dropping message: %v", err)
		return
	}

	switch msg.Type {
	case protocol.TypeHTTPRequest:
		g.executor.Execute(msg)
	case protocol.TypeHTTPSConnect:
		// Failures are reported to the gateway by the registry.
		_ = g.tunnels.Open(msg.TunnelID, msg.Host, msg.Port)
	case protocol.TypeTunnelData:
		g.tunnels.Write(msg.TunnelID, msg.Data)
	default:
		g.logger.Printf("WARN: [GATEWAY] Ignoring unhandled message type %q", msg.Type)
	}
}
