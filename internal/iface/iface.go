package iface

import (
	"github.com/AtDexters-Lab/nexus-node-agent/internal/protocol"
)

// Sender is the single synchronized write path to the gateway. Send reports
// whether the message was queued on an open control connection; when the
// connection is not open the message is dropped and logged.
type Sender interface {
	Send(msg protocol.Message) bool
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(msg protocol.Message) bool

// Send calls f(msg).
func (f SenderFunc) Send(msg protocol.Message) bool {
	return f(msg)
}
