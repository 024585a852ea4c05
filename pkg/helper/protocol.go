// Package helper implements the long-lived package query helper: a child
// process that answers installed/available/version-compare queries over
// JSON lines on stdio, and the client that drives it with restart and
// retry.
package helper

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/openfroyo/converge/pkg/parsers"
)

// MessageType is the envelope type of a protocol line.
type MessageType string

const (
	// MessageTypeReady is the helper's handshake.
	MessageTypeReady MessageType = "READY"
	// MessageTypeRequest carries a query from the client.
	MessageTypeRequest MessageType = "CMD"
	// MessageTypeDone answers a request successfully.
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError answers a request with a failure.
	MessageTypeError MessageType = "ERROR"
	// MessageTypeExit is sent before the helper terminates.
	MessageTypeExit MessageType = "EXIT"
)

// Validate checks the message type.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeRequest, MessageTypeDone, MessageTypeError, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %q", mt)
	}
}

// Action names a helper query.
type Action string

const (
	ActionPing           Action = "ping"
	ActionWhatInstalled  Action = "whatinstalled"
	ActionWhatAvailable  Action = "whatavailable"
	ActionVersionCompare Action = "versioncompare"
	ActionFlushCache     Action = "flushcache"
)

// Validate checks the action.
func (a Action) Validate() error {
	switch a {
	case ActionPing, ActionWhatInstalled, ActionWhatAvailable, ActionVersionCompare, ActionFlushCache:
		return nil
	default:
		return fmt.Errorf("invalid action: %q", a)
	}
}

// Message is one protocol line.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is the handshake payload.
type ReadyMessage struct {
	Version string   `json:"version"`
	PID     int      `json:"pid"`
	Actions []Action `json:"actions"`
}

// Request is a query sent to the helper.
type Request struct {
	ID     string          `json:"id"`
	Action Action          `json:"action"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Validate checks the request.
func (r *Request) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("request ID is required")
	}
	return r.Action.Validate()
}

// DoneMessage carries a successful result.
type DoneMessage struct {
	ID       string          `json:"id"`
	Result   json.RawMessage `json:"result"`
	Duration float64         `json:"duration"`
}

// ErrorMessage carries a failed result.
type ErrorMessage struct {
	ID      string `json:"id,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ExitMessage is sent when the helper stops.
type ExitMessage struct {
	Reason   string `json:"reason"`
	Requests int    `json:"requests"`
}

// QueryParams selects packages for whatinstalled and whatavailable.
type QueryParams struct {
	Name string `json:"name"`

	// Version is an optional constraint: a bare version or one prefixed
	// with =, >=, <=, > or <.
	Version string `json:"version,omitempty"`
	Arch    string `json:"arch,omitempty"`

	// Provides matches capabilities instead of package names.
	Provides bool `json:"provides,omitempty"`

	// Options are passed through to the repository query, e.g.
	// --enablerepo=epel.
	Options []string `json:"options,omitempty"`
}

// QueryResult lists matching packages, highest version first.
type QueryResult struct {
	Packages []parsers.RPMPackage `json:"packages"`
}

// CompareParams asks for the ordering of A and B.
type CompareParams struct {
	A string `json:"a"`
	B string `json:"b"`
}

// CompareResult is -1, 0 or 1.
type CompareResult struct {
	Result int `json:"result"`
}

// Encoder writes protocol messages.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder creates an encoder on w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode writes one message line and flushes.
func (e *Encoder) Encode(msgType MessageType, data interface{}) error {
	if err := msgType.Validate(); err != nil {
		return err
	}

	var raw []byte
	if data != nil {
		var err error
		raw, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal data: %w", err)
		}
	}

	line, err := json.Marshal(Message{Type: msgType, Timestamp: time.Now().UTC(), Data: raw})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if _, err := e.w.Write(line); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

func (e *Encoder) EncodeReady(m *ReadyMessage) error { return e.Encode(MessageTypeReady, m) }
func (e *Encoder) EncodeRequest(r *Request) error    { return e.Encode(MessageTypeRequest, r) }
func (e *Encoder) EncodeDone(m *DoneMessage) error   { return e.Encode(MessageTypeDone, m) }
func (e *Encoder) EncodeError(m *ErrorMessage) error { return e.Encode(MessageTypeError, m) }
func (e *Encoder) EncodeExit(m *ExitMessage) error   { return e.Encode(MessageTypeExit, m) }

// ErrMalformed marks a line that could not be decoded. The stream itself
// is still usable.
var ErrMalformed = errors.New("malformed message")

// Decoder reads protocol messages.
type Decoder struct {
	r *bufio.Scanner
}

// NewDecoder creates a decoder on r.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	const maxCapacity = 10 * 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxCapacity)
	return &Decoder{r: scanner}
}

// Decode reads the next message. It returns io.EOF at end of stream.
func (d *Decoder) Decode() (*Message, error) {
	if !d.r.Scan() {
		if err := d.r.Err(); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		return nil, io.EOF
	}

	line := d.r.Bytes()
	if len(line) == 0 {
		return nil, fmt.Errorf("%w: empty line", ErrMalformed)
	}

	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := msg.Type.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &msg, nil
}

// DecodeRequest reads the next message and requires it to be a request.
func (d *Decoder) DecodeRequest() (*Request, error) {
	msg, err := d.Decode()
	if err != nil {
		return nil, err
	}
	if msg.Type != MessageTypeRequest {
		return nil, fmt.Errorf("%w: expected CMD message, got %s", ErrMalformed, msg.Type)
	}

	var req Request
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := req.Validate(); err != nil {
		return &req, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &req, nil
}

// ParseData decodes a message payload into target.
func ParseData(data json.RawMessage, target interface{}) error {
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to parse data: %w", err)
	}
	return nil
}
