package protocol

import (
	"github.com/AtDexters-Lab/nexus-node-agent/internal/hexcodec"
)

// Type is the discriminator carried in every control message.
type Type string

const (
	// TypeRegister is sent by the agent as the first message of every session.
	TypeRegister Type = "register"
	// TypePing is the application-level keepalive sent by the agent.
	TypePing Type = "ping"
	// TypeHTTPRequest asks the agent to perform an HTTP request.
	TypeHTTPRequest Type = "http-request"
	// TypeHTTPResponse carries the result of an HTTP request back to the gateway.
	TypeHTTPResponse Type = "http-response"
	// TypeHTTPSConnect asks the agent to open a raw TCP tunnel.
	TypeHTTPSConnect Type = "https-connect"
	// TypeTunnelReady reports that a tunnel's TCP connection is established.
	TypeTunnelReady Type = "https-tunnel-ready"
	// TypeTunnelData carries hex-encoded tunnel bytes in either direction.
	TypeTunnelData Type = "https-tunnel-data"
	// TypeTunnelError reports a tunnel failure to the gateway.
	TypeTunnelError Type = "https-tunnel-error"
)

// Known reports whether t is one of the protocol's message types.
func (t Type) Known() bool {
	switch t {
	case TypeRegister, TypePing, TypeHTTPRequest, TypeHTTPResponse,
		TypeHTTPSConnect, TypeTunnelReady, TypeTunnelData, TypeTunnelError:
		return true
	}
	return false
}

// Message is the envelope exchanged with the gateway. Only the fields that
// belong to Type are populated; the rest are omitted on the wire.
type Message struct {
	Type Type `json:"type"`

	NodeID string `json:"node_id,omitempty"`

	// http-request / http-response
	RequestID  string  `json:"request_id,omitempty"`
	Method     string  `json:"method,omitempty"`
	URL        string  `json:"url,omitempty"`
	Headers    Header  `json:"headers,omitempty"`
	Body       *string `json:"body,omitempty"`
	StatusCode int     `json:"status_code,omitempty"`

	// https-connect / https-tunnel-*
	TunnelID string `json:"tunnel_id,omitempty"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	Data     string `json:"data,omitempty"`

	Error string `json:"error,omitempty"`
}

// Register builds the registration message sent when a session opens.
func Register(nodeID string) Message {
	return Message{Type: TypeRegister, NodeID: nodeID}
}

// Ping builds the keepalive message.
func Ping(nodeID string) Message {
	return Message{Type: TypePing, NodeID: nodeID}
}

// HTTPResponse builds a successful http-response.
func HTTPResponse(requestID string, status int, headers Header, body string) Message {
	if headers == nil {
		headers = Header{}
	}
	return Message{
		Type:       TypeHTTPResponse,
		RequestID:  requestID,
		StatusCode: status,
		Headers:    headers,
		Body:       &body,
	}
}

// HTTPError builds a failed http-response.
func HTTPError(requestID string, err error) Message {
	return Message{Type: TypeHTTPResponse, RequestID: requestID, Error: errorText(err)}
}

// TunnelReady builds an https-tunnel-ready message.
func TunnelReady(tunnelID string) Message {
	return Message{Type: TypeTunnelReady, TunnelID: tunnelID}
}

// TunnelData hex-encodes chunk into an https-tunnel-data message.
func TunnelData(tunnelID string, chunk []byte) Message {
	return Message{Type: TypeTunnelData, TunnelID: tunnelID, Data: hexcodec.Encode(chunk)}
}

// TunnelError builds an https-tunnel-error message.
func TunnelError(tunnelID string, err error) Message {
	return Message{Type: TypeTunnelError, TunnelID: tunnelID, Error: errorText(err)}
}

func errorText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
