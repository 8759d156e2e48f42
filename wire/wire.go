// MatchCall Copyright 2024 amoryapp.com. All rights reserved.

// Package wire defines the JSON signaling messages exchanged between
// matchcall clients and the signaling server. Every message carries a
// "type" field; Decode() dispatches on it. The server treats call phase
// announcements and negotiation payloads as opaque and forwards the raw
// bytes, so both sides must agree only on the fields defined here.
package wire

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Phase is the lifecycle state of a call session.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseCalling    Phase = "calling"
	PhaseRinging    Phase = "ringing"
	PhaseConnecting Phase = "connecting"
	PhaseActive     Phase = "active"
	PhaseEnded      Phase = "ended"
	PhaseRejected   Phase = "rejected"
	PhaseMissed     Phase = "missed"
	PhaseError      Phase = "error"
)

// Terminal reports whether p is a final phase. A session in a terminal
// phase only ever moves back to idle.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseEnded, PhaseRejected, PhaseMissed, PhaseError:
		return true
	}
	return false
}

// Announced reports whether p is sent to the peer as a call:<phase>
// message. ringing and active are derived locally by each side and the
// error phase never crosses the wire.
func (p Phase) Announced() bool {
	switch p {
	case PhaseCalling, PhaseConnecting, PhaseEnded, PhaseRejected, PhaseMissed:
		return true
	}
	return false
}

// Message type constants.
const (
	TypeRegister          = "register"
	TypeOffer             = "offer"
	TypeAnswer            = "answer"
	TypeIceCandidate      = "ice-candidate"
	TypeError             = "error"
	TypeMissedCalls       = "missed-calls"
	TypeMissedCallsDelete = "missed-calls-delete"

	// CallPrefix starts the type of every phase announcement, as in
	// "call:calling" or "call:ended".
	CallPrefix = "call:"
)

// Reject reasons carried on call:rejected.
const (
	ReasonBusy     = "busy"
	ReasonDeclined = "declined"
)

// CallType returns the wire type string for a phase announcement.
func CallType(p Phase) string {
	return CallPrefix + string(p)
}

// Message is implemented by every decodable wire message.
type Message interface {
	isMessage()
}

// Register binds the websocket connection to a userId. It must be the
// first message a client sends after connecting.
type Register struct {
	Type   string `json:"type"`
	UserID int64  `json:"userId"`
}

// CallPhase announces a phase transition of a call session to the other
// party. StartTime and EndTime are Unix milliseconds, Duration is whole
// seconds. Reason is only set on call:rejected ("busy" or "declined").
type CallPhase struct {
	Type        string `json:"type"`
	CallID      string `json:"callId"`
	MatchID     int64  `json:"matchId"`
	InitiatorID int64  `json:"initiatorId"`
	ReceiverID  int64  `json:"receiverId"`
	CallDay     int    `json:"callDay"`
	Reason      string `json:"reason,omitempty"`
	StartTime   int64  `json:"startTime,omitempty"`
	EndTime     int64  `json:"endTime,omitempty"`
	Duration    int    `json:"duration,omitempty"`
}

// Phase returns the announced phase, derived from the type string.
func (m *CallPhase) Phase() Phase {
	return Phase(strings.TrimPrefix(m.Type, CallPrefix))
}

// Signal carries an opaque transport negotiation payload (offer, answer
// or ice-candidate) to TargetUserID. The server never looks inside
// SignalData.
type Signal struct {
	Type         string          `json:"type"`
	TargetUserID int64           `json:"targetUserId"`
	FromUserID   int64           `json:"fromUserId"`
	CallID       string          `json:"callId"`
	SignalData   json.RawMessage `json:"signalData"`
}

// ErrorMsg is sent by the server when it cannot act on a client message.
type ErrorMsg struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// MissedCallEntry is one stored missed call. CallTime is the Unix
// millisecond timestamp at which the missed call was recorded and also
// serves as the deletion key.
type MissedCallEntry struct {
	CallID     string `json:"callId"`
	FromUserID int64  `json:"fromUserId"`
	MatchID    int64  `json:"matchId"`
	CallTime   int64  `json:"callTime"`
}

// MissedCalls is pushed by the server after registration and after every
// change to the stored list.
type MissedCalls struct {
	Type  string            `json:"type"`
	Calls []MissedCallEntry `json:"calls"`
}

// MissedCallsDelete asks the server to drop one stored missed call.
type MissedCallsDelete struct {
	Type     string `json:"type"`
	CallTime int64  `json:"callTime"`
}

func (*Register) isMessage()          {}
func (*CallPhase) isMessage()         {}
func (*Signal) isMessage()            {}
func (*ErrorMsg) isMessage()          {}
func (*MissedCalls) isMessage()       {}
func (*MissedCallsDelete) isMessage() {}

// NewRegister returns a ready-to-send register message.
func NewRegister(userID int64) *Register {
	return &Register{Type: TypeRegister, UserID: userID}
}

// NewError returns a ready-to-send error message.
func NewError(text string) *ErrorMsg {
	return &ErrorMsg{Type: TypeError, Error: text}
}

// Encode marshals a message for sending.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses one wire message. It returns an error for malformed
// JSON, a missing or unknown type, or a call:<phase> announcement whose
// phase is never sent on the wire.
func Decode(data []byte) (Message, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("wire: malformed message: %w", err)
	}

	switch {
	case probe.Type == TypeRegister:
		m := &Register{}
		if err := json.Unmarshal(data, m); err != nil {
			return nil, err
		}
		return m, nil

	case strings.HasPrefix(probe.Type, CallPrefix):
		m := &CallPhase{}
		if err := json.Unmarshal(data, m); err != nil {
			return nil, err
		}
		if !m.Phase().Announced() {
			return nil, fmt.Errorf("wire: unexpected call phase %q", m.Phase())
		}
		return m, nil

	case probe.Type == TypeOffer || probe.Type == TypeAnswer || probe.Type == TypeIceCandidate:
		m := &Signal{}
		if err := json.Unmarshal(data, m); err != nil {
			return nil, err
		}
		return m, nil

	case probe.Type == TypeError:
		m := &ErrorMsg{}
		if err := json.Unmarshal(data, m); err != nil {
			return nil, err
		}
		return m, nil

	case probe.Type == TypeMissedCalls:
		m := &MissedCalls{}
		if err := json.Unmarshal(data, m); err != nil {
			return nil, err
		}
		return m, nil

	case probe.Type == TypeMissedCallsDelete:
		m := &MissedCallsDelete{}
		if err := json.Unmarshal(data, m); err != nil {
			return nil, err
		}
		return m, nil
	}
	return nil, fmt.Errorf("wire: unknown message type %q", probe.Type)
}
