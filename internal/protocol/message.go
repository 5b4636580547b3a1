// Package protocol defines the JSON-RPC 2.0 envelope exchanged with UI
// clients and the parameter shapes of the built-in methods.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dohr-michael/tether/internal/rpcerr"
)

// Version is the only accepted jsonrpc member value.
const Version = "2.0"

// Message is the protocol envelope. A request carries ID and Method, a
// notification only Method, and a response ID with either Result or Error.
type Message struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      json.RawMessage  `json:"id,omitempty"`
	Method  string           `json:"method,omitempty"`
	Params  json.RawMessage  `json:"params,omitempty"`
	Result  json.RawMessage  `json:"result,omitempty"`
	Error   *rpcerr.Envelope `json:"error,omitempty"`
}

var nullID = json.RawMessage("null")

// HasID reports whether the message carries a request id.
func (m Message) HasID() bool {
	return len(m.ID) > 0
}

// IsNotification reports whether m is a request without a response channel.
func (m Message) IsNotification() bool {
	return m.Method != "" && !m.HasID()
}

// IsRequest reports whether m expects a response.
func (m Message) IsRequest() bool {
	return m.Method != "" && m.HasID()
}

// IsResponse reports whether m answers a request.
func (m Message) IsResponse() bool {
	return m.Method == "" && m.HasID()
}

// IDString returns the id in canonical JSON form, usable as a map key.
func (m Message) IDString() string {
	return string(bytes.TrimSpace(m.ID))
}

// Validate checks the structural rules of the envelope.
func (m Message) Validate() error {
	if m.JSONRPC != Version {
		return fmt.Errorf("unsupported jsonrpc version %q", m.JSONRPC)
	}
	if m.Method == "" && !m.HasID() {
		return errors.New("message has neither method nor id")
	}
	if m.HasID() {
		switch c := bytes.TrimSpace(m.ID); {
		case len(c) > 0 && (c[0] == '"' || c[0] == '-' || (c[0] >= '0' && c[0] <= '9')):
		case bytes.Equal(c, nullID) && m.IsResponse():
		default:
			return fmt.Errorf("invalid id %s", c)
		}
	}
	return nil
}

// Marshal serializes m to JSON bytes.
func Marshal(m Message) ([]byte, error) {
	m.JSONRPC = Version
	return json.Marshal(m)
}

// Unmarshal deserializes JSON bytes into a Message.
func Unmarshal(data []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(data, &m)
	return m, err
}

// DecodeParams unmarshals m.Params into v. Absent params leave v untouched.
func (m Message) DecodeParams(v any) error {
	if len(m.Params) == 0 || bytes.Equal(bytes.TrimSpace(m.Params), nullID) {
		return nil
	}
	if err := json.Unmarshal(m.Params, v); err != nil {
		return rpcerr.InvalidParams("decode params: %v", err)
	}
	return nil
}

func encode(v any) (json.RawMessage, error) {
	if raw, ok := v.(json.RawMessage); ok {
		if len(raw) == 0 {
			return nullID, nil
		}
		return raw, nil
	}
	return json.Marshal(v)
}

// NewRequest creates a request. id is encoded as JSON (string or number).
func NewRequest(id any, method string, params any) (Message, error) {
	rawID, err := json.Marshal(id)
	if err != nil {
		return Message{}, fmt.Errorf("encode id: %w", err)
	}
	m := Message{JSONRPC: Version, ID: rawID, Method: method}
	if params != nil {
		if m.Params, err = encode(params); err != nil {
			return Message{}, fmt.Errorf("encode params: %w", err)
		}
	}
	return m, nil
}

// NewNotification creates a message that expects no response.
func NewNotification(method string, params any) (Message, error) {
	m := Message{JSONRPC: Version, Method: method}
	if params != nil {
		var err error
		if m.Params, err = encode(params); err != nil {
			return Message{}, fmt.Errorf("encode params: %w", err)
		}
	}
	return m, nil
}

// NewResult creates a success response. A nil result is sent as null.
func NewResult(id json.RawMessage, result any) (Message, error) {
	data, err := encode(result)
	if err != nil {
		return Message{}, fmt.Errorf("encode result: %w", err)
	}
	return Message{JSONRPC: Version, ID: id, Result: data}, nil
}

// NewError creates an error response. A missing id is sent as null.
func NewError(id json.RawMessage, env *rpcerr.Envelope) Message {
	if len(id) == 0 {
		id = nullID
	}
	return Message{JSONRPC: Version, ID: id, Error: env}
}
