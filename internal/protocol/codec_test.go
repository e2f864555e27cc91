package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeHTTPRequest(t *testing.T) {
	raw := `{"type":"http-request","request_id":"r1","method":"POST","url":"http://example.com/a",
		"headers":{"X-One":"1","X-Many":["a","b"]},"body":"hello"}`

	msg, err := Decode([]byte(raw))
	require.NoError(t, err)
	require.Equal(t, TypeHTTPRequest, msg.Type)
	require.Equal(t, "r1", msg.RequestID)
	require.Equal(t, "POST", msg.Method)
	require.Equal(t, "http://example.com/a", msg.URL)
	require.Equal(t, Header{"X-One": {"1"}, "X-Many": {"a", "b"}}, msg.Headers)
	require.NotNil(t, msg.Body)
	require.Equal(t, "hello", *msg.Body)
}

func TestDecodeNumericIdentifiers(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"http-request","request_id":42,"url":"http://x"}`))
	require.NoError(t, err)
	require.Equal(t, "42", msg.RequestID)

	msg, err = Decode([]byte(`{"type":"https-connect","tunnel_id":7,"host":"example.com","port":"443"}`))
	require.NoError(t, err)
	require.Equal(t, "7", msg.TunnelID)
	require.Equal(t, 443, msg.Port)
}

func TestDecodeMissingType(t *testing.T) {
	_, err := Decode([]byte(`{"tunnel_id":"t1"}`))
	require.ErrorIs(t, err, ErrMissingType)

	var perr *ParseError
	require.True(t, errors.As(err, &perr))
}

func TestDecodeUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"reboot"}`))
	require.ErrorIs(t, err, ErrUnknownType)

	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	require.Equal(t, Type("reboot"), perr.Type)
}

func TestDecodeRejectsOutOfRangeNumbers(t *testing.T) {
	cases := []string{
		`{"type":"https-connect","tunnel_id":"t","host":"h","port":0}`,
		`{"type":"https-connect","tunnel_id":"t","host":"h","port":70000}`,
		`{"type":"https-connect","tunnel_id":"t","host":"h","port":-1}`,
		`{"type":"https-connect","tunnel_id":"t","host":"h","port":"http"}`,
		`{"type":"https-connect","tunnel_id":"t","host":"h","port":44.5}`,
		`{"type":"http-response","request_id":"r","status_code":42}`,
	}
	for _, raw := range cases {
		_, err := Decode([]byte(raw))
		require.ErrorIs(t, err, ErrInvalidField, raw)
	}
}

func TestDecodeRequiredFields(t *testing.T) {
	cases := []string{
		`{"type":"http-request","url":"http://x"}`,
		`{"type":"http-request","request_id":"r"}`,
		`{"type":"https-connect","host":"h","port":443}`,
		`{"type":"https-connect","tunnel_id":"t","port":443}`,
		`{"type":"https-tunnel-data","data":"00"}`,
		`{"type":"register"}`,
	}
	for _, raw := range cases {
		_, err := Decode([]byte(raw))
		require.ErrorIs(t, err, ErrInvalidField, raw)
	}
}

func TestDecodeMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"type":"http-request",`))
	require.ErrorIs(t, err, ErrInvalidField)

	_, err = Decode([]byte(`{"type":"https-connect","tunnel_id":"t","host":5,"port":1}`))
	require.ErrorIs(t, err, ErrInvalidField)
}

func TestEncodeTunnelDataHexesChunk(t *testing.T) {
	payload, err := Encode(TunnelData("t1", []byte{0xde, 0xad, 0x01}))
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"https-tunnel-data","tunnel_id":"t1","data":"dead01"}`, string(payload))
}

func TestEncodeHTTPResponseShapes(t *testing.T) {
	ok, err := Encode(HTTPResponse("r1", 204, Header{"A": {"1", "2"}}, ""))
	require.NoError(t, err)
	require.JSONEq(t, `{"type":"http-response","request_id":"r1","status_code":204,"headers":{"A":["1","2"]},"body":""}`, string(ok))

	failed, err := Encode(HTTPError("r2", errors.New("dial tcp: refused")))
	require.NoError(t, err)
	var fields map[string]any
	require.NoError(t, json.Unmarshal(failed, &fields))
	require.Equal(t, "dial tcp: refused", fields["error"])
	require.NotContains(t, fields, "status_code")
	require.NotContains(t, fields, "headers")
	require.NotContains(t, fields, "body")
}

func TestEncodeRequiresType(t *testing.T) {
	_, err := Encode(Message{NodeID: "n"})
	require.ErrorIs(t, err, ErrMissingType)
}

func TestEncodeDecodeRegister(t *testing.T) {
	payload, err := Encode(Register("node-1"))
	require.NoError(t, err)
	msg, err := Decode(payload)
	require.NoError(t, err)
	require.Equal(t, Register("node-1"), msg)
}
