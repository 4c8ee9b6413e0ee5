// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package codec

import "strconv"

// Opcode identifies the type of a gateway frame.
type Opcode int

const (
	OpDispatch            Opcode = 0  // Receive: an application event
	OpHeartbeat           Opcode = 1  // Send/Receive: liveness ping
	OpIdentify            Opcode = 2  // Send: start a new session
	OpPresenceUpdate      Opcode = 3  // Send: update the client's presence (status update)
	OpVoiceStateUpdate    Opcode = 4  // Send: join/move/leave voice channels
	OpResume              Opcode = 6  // Send: resume a previous session
	OpReconnect           Opcode = 7  // Receive: reconnect and resume immediately
	OpRequestGuildMembers Opcode = 8  // Send: request guild member chunks
	OpInvalidSession      Opcode = 9  // Receive: session invalidated
	OpHello               Opcode = 10 // Receive: first frame, carries the heartbeat interval
	OpHeartbeatAck        Opcode = 11 // Receive: heartbeat acknowledged
)

// OpStatusUpdate is the historical name of OpPresenceUpdate.
const OpStatusUpdate = OpPresenceUpdate

// String returns the string representation of the opcode.
func (o Opcode) String() string {
	switch o {
	case OpDispatch:
		return "Dispatch"
	case OpHeartbeat:
		return "Heartbeat"
	case OpIdentify:
		return "Identify"
	case OpPresenceUpdate:
		return "PresenceUpdate"
	case OpVoiceStateUpdate:
		return "VoiceStateUpdate"
	case OpResume:
		return "Resume"
	case OpReconnect:
		return "Reconnect"
	case OpRequestGuildMembers:
		return "RequestGuildMembers"
	case OpInvalidSession:
		return "InvalidSession"
	case OpHello:
		return "Hello"
	case OpHeartbeatAck:
		return "HeartbeatAck"
	default:
		return "Opcode(" + strconv.Itoa(int(o)) + ")"
	}
}

// Valid reports whether o is part of the protocol's opcode set.
func (o Opcode) Valid() bool {
	switch o {
	case OpDispatch, OpHeartbeat, OpIdentify, OpPresenceUpdate, OpVoiceStateUpdate,
		OpResume, OpReconnect, OpRequestGuildMembers, OpInvalidSession, OpHello, OpHeartbeatAck:
		return true
	}
	return false
}

// Inbound reports whether the service sends frames with this opcode.
func (o Opcode) Inbound() bool {
	switch o {
	case OpDispatch, OpHeartbeat, OpReconnect, OpInvalidSession, OpHello, OpHeartbeatAck:
		return true
	}
	return false
}

// IsCommand reports whether o is an application command that callers may send
// through the rate-limited command path.
func (o Opcode) IsCommand() bool {
	switch o {
	case OpPresenceUpdate, OpVoiceStateUpdate, OpRequestGuildMembers:
		return true
	}
	return false
}
