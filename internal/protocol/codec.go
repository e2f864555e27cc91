package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrMissingType is returned for objects without a "type" field.
	ErrMissingType = errors.New("message has no type")
	// ErrUnknownType is returned for an unrecognized "type" value.
	ErrUnknownType = errors.New("unknown message type")
	// ErrInvalidField is returned when a field is missing, mistyped or out of range.
	ErrInvalidField = errors.New("invalid message field")
)

// ParseError describes why an inbound message was rejected. Callers log it
// and drop the message; it never terminates the connection.
type ParseError struct {
	Type Type
	Err  error
}

func (e *ParseError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("parse message: %v", e.Err)
	}
	return fmt.Sprintf("parse %s message: %v", e.Type, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Header is a multimap of HTTP header values. On decode it accepts either a
// single string or an array of strings per name.
type Header map[string][]string

// UnmarshalJSON implements json.Unmarshaler.
func (h *Header) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(Header, len(raw))
	for name, value := range raw {
		value = bytes.TrimSpace(value)
		if len(value) == 0 || bytes.Equal(value, []byte("null")) {
			continue
		}
		if value[0] == '[' {
			var values []string
			if err := json.Unmarshal(value, &values); err != nil {
				return fmt.Errorf("header %q: %w", name, err)
			}
			out[name] = values
			continue
		}
		var single string
		if err := json.Unmarshal(value, &single); err != nil {
			return fmt.Errorf("header %q: %w", name, err)
		}
		out[name] = []string{single}
	}
	*h = out
	return nil
}

// wireMessage mirrors Message with the loosely-typed fields kept raw so they
// can be validated instead of failing the whole unmarshal.
type wireMessage struct {
	Type       *string         `json:"type"`
	NodeID     string          `json:"node_id"`
	RequestID  json.RawMessage `json:"request_id"`
	Method     string          `json:"method"`
	URL        string          `json:"url"`
	Headers    Header          `json:"headers"`
	Body       json.RawMessage `json:"body"`
	StatusCode json.RawMessage `json:"status_code"`
	TunnelID   json.RawMessage `json:"tunnel_id"`
	Host       string          `json:"host"`
	Port       json.RawMessage `json:"port"`
	Data       *string         `json:"data"`
	Error      string          `json:"error"`
}

// Encode serializes msg to a single JSON object.
func Encode(msg Message) ([]byte, error) {
	if msg.Type == "" {
		return nil, ErrMissingType
	}
	return json.Marshal(msg)
}

// Decode parses one JSON object into a Message. Any failure is a *ParseError.
func Decode(data []byte) (Message, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		var typed struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(data, &typed)
		return Message{}, &ParseError{Type: Type(typed.Type), Err: fmt.Errorf("%w: %v", ErrInvalidField, err)}
	}
	if w.Type == nil || *w.Type == "" {
		return Message{}, &ParseError{Err: ErrMissingType}
	}

	msg := Message{
		Type:    Type(*w.Type),
		NodeID:  w.NodeID,
		Method:  w.Method,
		URL:     w.URL,
		Headers: w.Headers,
		Host:    w.Host,
		Error:   w.Error,
	}
	if !msg.Type.Known() {
		return Message{}, &ParseError{Type: msg.Type, Err: ErrUnknownType}
	}
	if w.Data != nil {
		msg.Data = *w.Data
	}

	fail := func(format string, args ...any) (Message, error) {
		return Message{}, &ParseError{Type: msg.Type, Err: fmt.Errorf("%w: "+format, append([]any{ErrInvalidField}, args...)...)}
	}

	var err error
	if msg.RequestID, err = opaqueID(w.RequestID); err != nil {
		return fail("request_id: %v", err)
	}
	if msg.TunnelID, err = opaqueID(w.TunnelID); err != nil {
		return fail("tunnel_id: %v", err)
	}
	if body, present, err := bodyText(w.Body); err != nil {
		return fail("body: %v", err)
	} else if present {
		msg.Body = &body
	}
	if msg.Port, err = boundedInt(w.Port, 1, 65535); err != nil {
		return fail("port: %v", err)
	}
	if msg.StatusCode, err = boundedInt(w.StatusCode, 100, 999); err != nil {
		return fail("status_code: %v", err)
	}

	switch msg.Type {
	case TypeRegister, TypePing:
		if msg.NodeID == "" {
			return fail("node_id is required")
		}
	case TypeHTTPRequest:
		if msg.RequestID == "" {
			return fail("request_id is required")
		}
		if msg.URL == "" {
			return fail("url is required")
		}
	case TypeHTTPResponse:
		if msg.RequestID == "" {
			return fail("request_id is required")
		}
	case TypeHTTPSConnect:
		if msg.TunnelID == "" {
			return fail("tunnel_id is required")
		}
		if strings.TrimSpace(msg.Host) == "" {
			return fail("host is required")
		}
		if msg.Port == 0 {
			return fail("port is required")
		}
	case TypeTunnelReady, TypeTunnelData, TypeTunnelError:
		if msg.TunnelID == "" {
			return fail("tunnel_id is required")
		}
	}
	return msg, nil
}

// opaqueID accepts a JSON string or number. Numbers keep their literal text.
func opaqueID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var n json.Number
		if err := json.Unmarshal(raw, &n); err != nil {
			return "", err
		}
		return n.String(), nil
	}
	return "", fmt.Errorf("expected string or number, got %s", raw)
}

func bodyText(raw json.RawMessage) (string, bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", false, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false, err
		}
		return s, true, nil
	}
	// Non-string bodies (objects, numbers) are forwarded as their JSON text.
	if !json.Valid(raw) {
		return "", false, errors.New("malformed json")
	}
	return string(raw), true, nil
}

// boundedInt accepts a JSON integer or a numeric string and checks the
// inclusive range. An absent field yields 0.
func boundedInt(raw json.RawMessage, min, max int) (int, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, nil
	}
	text := string(raw)
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return 0, err
		}
	}
	n, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
	if err != nil {
		// Integral floats such as 443.0 are tolerated.
		f, ferr := strconv.ParseFloat(strings.TrimSpace(text), 64)
		if ferr != nil || f != float64(int64(f)) {
			return 0, fmt.Errorf("%q is not an integer", text)
		}
		n = int64(f)
	}
	if n < int64(min) || n > int64(max) {
		return 0, fmt.Errorf("%d out of range [%d, %d]", n, min, max)
	}
	return int(n), nil
}
