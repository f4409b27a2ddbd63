// Package mqmsg defines the transport-agnostic message envelope shared by
// every producer and consumer talking to the broker.
package mqmsg

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is implemented by every payload type that travels through the
// broker inside an Envelope (judge.Job, judge.Result, ...).
type Message interface {
	MessageType() string
}

// Metadata carries routing and retry bookkeeping alongside a message
// payload. CustomHeaders is free-form and travels inside the JSON
// envelope; Broker.Publish does not copy it onto the AMQP headers.
type Metadata struct {
	Priority      uint8             `json:"priority"`
	Timestamp     time.Time         `json:"timestamp"`
	RetryCount    uint32            `json:"retry_count"`
	MaxRetries    uint32            `json:"max_retries"`
	Source        string            `json:"source"`
	CustomHeaders map[string]string `json:"custom_headers,omitempty"`
}

// NewMetadata returns Metadata stamped with the current time and zero
// retry count.
func NewMetadata(source string, maxRetries uint32) Metadata {
	return Metadata{
		Timestamp:     time.Now(),
		MaxRetries:    maxRetries,
		Source:        source,
		CustomHeaders: map[string]string{},
	}
}

// Envelope wraps an arbitrary message payload for transit, tagging it with
// the producer-declared MessageType so a consumer can validate the payload
// decodes to the type it expects before trusting it.
type Envelope struct {
	MessageType string          `json:"message_type"`
	MessageID   string          `json:"message_id"`
	Metadata    Metadata        `json:"metadata"`
	Payload     json.RawMessage `json:"payload"`
	RoutingKey  string          `json:"routing_key,omitempty"`
}

// TypeMismatchError is returned when an envelope's declared MessageType
// does not match the type a consumer tried to decode it into.
type TypeMismatchError struct {
	Expected string
	Actual   string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("message type mismatch: expected %q, got %q", e.Expected, e.Actual)
}

// FromMessage builds an Envelope from a typed Message, a message ID, and
// Metadata, marshaling the payload to JSON.
func FromMessage(id string, meta Metadata, msg Message) (Envelope, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return Envelope{}, fmt.Errorf("mqmsg: marshal payload: %w", err)
	}
	return Envelope{
		MessageType: msg.MessageType(),
		MessageID:   id,
		Metadata:    meta,
		Payload:     payload,
	}, nil
}

// Into decodes the envelope's payload into dst, verifying that
// wantType matches the envelope's declared MessageType first.
func Into(env Envelope, wantType string, dst any) error {
	if env.MessageType != wantType {
		return &TypeMismatchError{Expected: wantType, Actual: env.MessageType}
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("mqmsg: unmarshal payload: %w", err)
	}
	return nil
}

// Error codes mirroring the broker adapter's failure surface. The broker
// adapter tags each failure it returns with one of these kinds; the
// dispatcher and consumers wrap or log these errors without branching
// on Kind.
type Error struct {
	Kind    ErrorKind
	Message string
}

// ErrorKind enumerates the broad classes of broker/message failure.
type ErrorKind string

const (
	ErrConnection    ErrorKind = "connection"
	ErrQueueNotFound ErrorKind = "queue_not_found"
	ErrSerialization ErrorKind = "serialization"
	ErrTimeout       ErrorKind = "timeout"
	ErrAckFailed     ErrorKind = "ack_failed"
	ErrTypeMismatch  ErrorKind = "type_mismatch"
	ErrConfig        ErrorKind = "config"
	ErrInternal      ErrorKind = "internal"
)

func (e *Error) Error() string {
	return fmt.Sprintf("mq error [%s]: %s", e.Kind, e.Message)
}

// NewError constructs an *Error of the given kind.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
