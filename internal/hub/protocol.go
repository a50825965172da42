package hub

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/owulveryck/agentrelay/internal/envelope"
	"github.com/owulveryck/agentrelay/internal/status"
)

// MessageType is the type of a frame exchanged with operator clients.
type MessageType string

const (
	TypeRegister     MessageType = "register"
	TypeRegisterAck  MessageType = "register_ack"
	TypeText         MessageType = "text"
	TypeReply        MessageType = "reply"
	TypeSystem       MessageType = "system"
	TypeError        MessageType = "error"
	TypeStatusUpdate MessageType = "status_update"
	TypePause        MessageType = "pause"
	TypeResume       MessageType = "resume"
	TypeShutdown     MessageType = "shutdown"
	TypePing         MessageType = "ping"
	TypePong         MessageType = "pong"
	TypeHeartbeat    MessageType = "heartbeat"
)

// Message is one JSON frame on an operator connection.
//
// Register carries DisplayName and optionally the AgentID to rejoin with;
// RegisterAck returns the issued AgentID. Text, Reply, System and Error carry
// an Envelope. StatusUpdate carries a full or delta Status. Pause, Resume and
// Shutdown name their target in AgentID.
type Message struct {
	Type        MessageType        `json:"type"`
	AgentID     string             `json:"agent_id,omitempty"`
	DisplayName string             `json:"display_name,omitempty"`
	Envelope    *envelope.Envelope `json:"envelope,omitempty"`
	Status      *status.Snapshot   `json:"status,omitempty"`
	Error       string             `json:"error,omitempty"`
	At          time.Time          `json:"at"`
}

// typeForKind maps an envelope kind to the frame type that carries it.
func typeForKind(k envelope.Kind) MessageType {
	switch k {
	case envelope.KindReply:
		return TypeReply
	case envelope.KindSystem:
		return TypeSystem
	case envelope.KindError:
		return TypeError
	}
	return TypeText
}

func kindForType(t MessageType) (envelope.Kind, bool) {
	switch t {
	case TypeText:
		return envelope.KindText, true
	case TypeReply:
		return envelope.KindReply, true
	case TypeSystem:
		return envelope.KindSystem, true
	}
	return "", false
}

// EnvelopeMessage wraps a delivered envelope.
func EnvelopeMessage(env *envelope.Envelope, at time.Time) Message {
	m := Message{Type: typeForKind(env.Kind), Envelope: env, At: at}
	if env.Kind == envelope.KindError {
		m.Error = env.FailureReason
		if m.Error == "" {
			m.Error = env.Content.Text
		}
	}
	return m
}

func encodeMessage(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s frame: %w", m.Type, err)
	}
	return data, nil
}

// DecodeMessage parses one frame.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("invalid frame: %w", err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("invalid frame: missing type")
	}
	return m, nil
}
