package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Broadcast is the receiver sentinel meaning "let the router decide".
const Broadcast = "broadcast"

// SystemSender is the sender id used for envelopes produced by the relay itself.
const SystemSender = "system"

// Kind classifies the payload of an envelope.
type Kind string

const (
	KindText         Kind = "text"
	KindReply        Kind = "reply"
	KindSystem       Kind = "system"
	KindError        Kind = "error"
	KindStatusUpdate Kind = "status_update"
	KindControl      Kind = "control"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindText, KindReply, KindSystem, KindError, KindStatusUpdate, KindControl:
		return true
	}
	return false
}

var (
	// ErrMalformed is wrapped by every validation failure.
	ErrMalformed = errors.New("malformed envelope")
	// ErrStatusRegression is returned when a routing status would move backward.
	ErrStatusRegression = errors.New("routing status cannot change once resolved")
)

// ValidationError names the field that made an envelope malformed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("malformed envelope: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("malformed envelope: %s is required", e.Field)
}

func (e *ValidationError) Unwrap() error {
	return ErrMalformed
}

// Origin is an opaque handle to the connection an envelope entered through.
type Origin struct {
	Hub  string `json:"hub,omitempty"`
	Conn string `json:"conn,omitempty"`
}

func (o Origin) IsZero() bool {
	return o.Hub == "" && o.Conn == ""
}

// Content is the payload carried by an envelope.
type Content struct {
	Text string `json:"text"`
}

// Envelope is a single message in flight through the pipeline.
type Envelope struct {
	MessageID     string            `json:"message_id"`
	SenderID      string            `json:"sender_id"`
	ReceiverID    string            `json:"receiver_id,omitempty"`
	Kind          Kind              `json:"kind"`
	Content       Content           `json:"content"`
	InReplyTo     string            `json:"in_reply_to,omitempty"`
	RoutingStatus RoutingStatus     `json:"routing_status"`
	FailureReason string            `json:"failure_reason,omitempty"`
	Origin        Origin            `json:"origin,omitempty"`
	Trace         map[string]string `json:"trace,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// NewID returns a fresh message id.
func NewID() string {
	return uuid.NewString()
}

// New builds a Pending envelope with a generated message id.
func New(sender, receiver string, kind Kind, text string) *Envelope {
	return &Envelope{
		MessageID:  NewID(),
		SenderID:   sender,
		ReceiverID: receiver,
		Kind:       kind,
		Content:    Content{Text: text},
		CreatedAt:  time.Now().UTC(),
	}
}

// NewReply builds a reply to original addressed to the broadcast sentinel so
// the router can resolve it through reply affinity.
func NewReply(original *Envelope, sender, text string) *Envelope {
	e := New(sender, Broadcast, KindReply, text)
	e.InReplyTo = original.MessageID
	return e
}

// NewErrorFor builds a resolved Error envelope aimed back at the sender of
// original, keeping its origin handle so the hub can find the connection.
func NewErrorFor(original *Envelope, reason string) *Envelope {
	e := New(SystemSender, original.SenderID, KindError, reason)
	e.InReplyTo = original.MessageID
	e.Origin = original.Origin
	e.RoutingStatus = Routed
	e.Trace = copyTrace(original.Trace)
	return e
}

// IsBroadcast reports whether the receiver is left for the router to decide.
func (e *Envelope) IsBroadcast() bool {
	return e.ReceiverID == "" || e.ReceiverID == Broadcast
}

// Validate checks the fields every hop relies on.
func (e *Envelope) Validate() error {
	if e == nil {
		return &ValidationError{Field: "envelope"}
	}
	if e.MessageID == "" {
		return &ValidationError{Field: "message_id"}
	}
	if e.SenderID == "" {
		return &ValidationError{Field: "sender_id"}
	}
	if e.Kind == "" {
		return &ValidationError{Field: "kind"}
	}
	if !e.Kind.Valid() {
		return &ValidationError{Field: "kind", Reason: fmt.Sprintf("%q is unknown", e.Kind)}
	}
	if (e.Kind == KindText || e.Kind == KindReply) && e.Content.Text == "" {
		return &ValidationError{Field: "content.text"}
	}
	return nil
}

// MarkRouted resolves the envelope to receiver.
func (e *Envelope) MarkRouted(receiver string) error {
	if e.RoutingStatus != Pending {
		return fmt.Errorf("%w: %s", ErrStatusRegression, e.RoutingStatus)
	}
	e.ReceiverID = receiver
	e.RoutingStatus = Routed
	return nil
}

// MarkFailed resolves the envelope as undeliverable.
func (e *Envelope) MarkFailed(reason string) error {
	if e.RoutingStatus != Pending {
		return fmt.Errorf("%w: %s", ErrStatusRegression, e.RoutingStatus)
	}
	e.RoutingStatus = RoutingFailed
	e.FailureReason = reason
	return nil
}

// Clone returns a deep copy.
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.Trace = copyTrace(e.Trace)
	return &c
}

// Marshal encodes the envelope in its queue wire form.
func Marshal(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes an envelope from its queue wire form.
func Unmarshal(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return &e, nil
}

func copyTrace(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
