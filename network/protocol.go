// Package network exposes a store.Store over a websocket relay so several
// chat clients can share one document store.
package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chatsync/store"
)

const (
	// ProtocolVersion is the current relay protocol version.
	ProtocolVersion = 1
	// MaxFrameSize is the maximum accepted frame payload size (4 MB).
	MaxFrameSize = 4 * 1024 * 1024
	// DefaultRequestTimeout bounds one request/response round trip.
	DefaultRequestTimeout = 30 * time.Second
	// DefaultWriteTimeout bounds one websocket write.
	DefaultWriteTimeout = 10 * time.Second
	// DefaultPongTimeout is how long the relay waits for a pong.
	DefaultPongTimeout = 60 * time.Second

	// StorePath is the websocket endpoint served by the relay.
	StorePath = "/v1/store"
	// HealthPath reports relay liveness.
	HealthPath = "/healthz"
)

const (
	TypeHello       = "hello"
	TypeCreate      = "create"
	TypeSet         = "set"
	TypeGet         = "get"
	TypeQuery       = "query"
	TypeCount       = "count"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeResult      = "result"
	TypeChange      = "change"
	TypeEnd         = "end"
	TypeError       = "error"
)

// Error codes carried by error and end frames.
const (
	CodeNotFound           = "not_found"
	CodeInvalidPath        = "invalid_path"
	CodeInvalidRequest     = "invalid_request"
	CodeUnsupportedVersion = "unsupported_version"
	CodeClosed             = "closed"
	CodeInternal           = "internal"
)

var (
	// ErrFrameTooLarge indicates payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrUnsupportedVersion indicates protocol version mismatch.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrInvalidMessageType indicates the frame type is missing or unknown.
	ErrInvalidMessageType = errors.New("network: invalid message type")
)

// Frame is the single JSON message shape exchanged over the relay socket.
// Requests carry a RequestID that the matching result or error echoes.
type Frame struct {
	Type      string `json:"type"`
	RequestID uint64 `json:"request_id,omitempty"`
	Version   int    `json:"version,omitempty"`

	Path  string       `json:"path,omitempty"`
	ID    string       `json:"id,omitempty"`
	Data  store.Data   `json:"data,omitempty"`
	Merge bool         `json:"merge,omitempty"`
	Query *store.Query `json:"query,omitempty"`

	Documents []store.Document `json:"documents,omitempty"`
	Count     int              `json:"count,omitempty"`

	SubscriptionID uint64        `json:"subscription_id,omitempty"`
	Change         *store.Change `json:"change,omitempty"`

	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// RemoteError is an error reported by the relay that has no local sentinel.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error [%s]: %s", e.Code, e.Message)
}

// EncodeFrame marshals a frame, enforcing MaxFrameSize.
func EncodeFrame(frame Frame) ([]byte, error) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	return payload, nil
}

// DecodeFrame unmarshals a frame and checks its type.
func DecodeFrame(payload []byte) (Frame, error) {
	if len(payload) > MaxFrameSize {
		return Frame{}, ErrFrameTooLarge
	}
	var frame Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if !knownType(frame.Type) {
		return Frame{}, fmt.Errorf("%w: %q", ErrInvalidMessageType, frame.Type)
	}
	return frame, nil
}

func knownType(t string) bool {
	switch t {
	case TypeHello, TypeCreate, TypeSet, TypeGet, TypeQuery, TypeCount,
		TypeSubscribe, TypeUnsubscribe, TypeResult, TypeChange, TypeEnd, TypeError:
		return true
	default:
		return false
	}
}

// errorFrame maps a store error onto its wire code.
func errorFrame(requestID uint64, err error) Frame {
	code := CodeInternal
	switch {
	case errors.Is(err, store.ErrNotFound):
		code = CodeNotFound
	case errors.Is(err, store.ErrInvalidPath):
		code = CodeInvalidPath
	case errors.Is(err, store.ErrClosed):
		code = CodeClosed
	case errors.Is(err, ErrInvalidMessageType), errors.Is(err, ErrFrameTooLarge):
		code = CodeInvalidRequest
	case errors.Is(err, ErrUnsupportedVersion):
		code = CodeUnsupportedVersion
	}
	return Frame{
		Type:      TypeError,
		RequestID: requestID,
		Code:      code,
		Message:   err.Error(),
	}
}

// remoteError converts an error or end frame back into a local error so
// callers can keep matching on store sentinels.
func remoteError(frame Frame) error {
	switch frame.Code {
	case CodeNotFound:
		return fmt.Errorf("%w: %s", store.ErrNotFound, frame.Message)
	case CodeInvalidPath:
		return fmt.Errorf("%w: %s", store.ErrInvalidPath, frame.Message)
	case CodeClosed:
		return fmt.Errorf("%w: relay store closed", store.ErrUnavailable)
	case CodeUnsupportedVersion:
		return fmt.Errorf("%w: %s", ErrUnsupportedVersion, frame.Message)
	default:
		return &RemoteError{Code: frame.Code, Message: frame.Message}
	}
}
