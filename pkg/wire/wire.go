// Package wire implements the binary handshake spoken between workers.
//
// Every exchange starts with a 4-byte big-endian message type. Strings are
// a 4-byte big-endian length followed by UTF-8 bytes. Responses are a
// single 4-byte [ErrorCode].
package wire

import (
	"errors"
	"fmt"
)

// MessageType tags the first four bytes of every inbound socket.
type MessageType int32

const (
	LoadProcess MessageType = iota
	ConnectProcessInitiator
	ConnectProcessReceiver
	ConnectProcessInitiatorReverse
	ConnectProcessReceiverReverse
)

func (m MessageType) String() string {
	switch m {
	case LoadProcess:
		return "LOAD_PROCESS"
	case ConnectProcessInitiator:
		return "CONNECT_PROCESS_INITIATOR"
	case ConnectProcessReceiver:
		return "CONNECT_PROCESS_RECEIVER"
	case ConnectProcessInitiatorReverse:
		return "CONNECT_PROCESS_INITIATOR_REVERSE"
	case ConnectProcessReceiverReverse:
		return "CONNECT_PROCESS_RECEIVER_REVERSE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(m))
	}
}

// Valid reports whether m is one of the known message types.
func (m MessageType) Valid() bool {
	return m >= LoadProcess && m <= ConnectProcessReceiverReverse
}

// Reverse reports whether m is one of the reverse connection messages.
func (m MessageType) Reverse() bool {
	return m == ConnectProcessInitiatorReverse || m == ConnectProcessReceiverReverse
}

// IsReceiver reports whether m carries the kill flag.
func (m MessageType) IsReceiver() bool {
	return m == ConnectProcessReceiver || m == ConnectProcessReceiverReverse
}

// ErrorCode is the status a worker answers a handshake with.
type ErrorCode int32

const (
	Success ErrorCode = iota
	ProcessNotFound
	ProcessInputNotFound
	ActiveProcessNotFound
	ConnectionEstablishFailed
	ConnectionAdditionRace
	ServerRecovering
	ProcessLoadFailed
	UnknownMessage
)

var (
	ErrProcessNotFound           = errors.New("wire: process not found")
	ErrProcessInputNotFound      = errors.New("wire: process endpoint not found")
	ErrActiveProcessNotFound     = errors.New("wire: no active process record")
	ErrConnectionEstablishFailed = errors.New("wire: connection establishment failed")
	ErrConnectionAdditionRace    = errors.New("wire: lost connection registration race")
	ErrServerRecovering          = errors.New("wire: peer holds a stale connection")
	ErrProcessLoadFailed         = errors.New("wire: process could not be loaded")
	ErrUnknownMessage            = errors.New("wire: unknown message type")
	ErrUnknownCode               = errors.New("wire: unknown error code")
	ErrFrameTooLarge             = errors.New("wire: string field exceeds limit")
	ErrInvalidString             = errors.New("wire: string field is not valid UTF-8")
)

func (c ErrorCode) String() string {
	switch c {
	case Success:
		return "success"
	case ProcessNotFound:
		return "process_not_found"
	case ProcessInputNotFound:
		return "process_input_not_found"
	case ActiveProcessNotFound:
		return "active_process_not_found"
	case ConnectionEstablishFailed:
		return "connection_establish_failed"
	case ConnectionAdditionRace:
		return "connection_addition_race"
	case ServerRecovering:
		return "server_recovering"
	case ProcessLoadFailed:
		return "process_load_failed"
	case UnknownMessage:
		return "unknown_message"
	default:
		return fmt.Sprintf("code_%d", int32(c))
	}
}

// Err maps a code to its sentinel error, nil for [Success].
func (c ErrorCode) Err() error {
	switch c {
	case Success:
		return nil
	case ProcessNotFound:
		return ErrProcessNotFound
	case ProcessInputNotFound:
		return ErrProcessInputNotFound
	case ActiveProcessNotFound:
		return ErrActiveProcessNotFound
	case ConnectionEstablishFailed:
		return ErrConnectionEstablishFailed
	case ConnectionAdditionRace:
		return ErrConnectionAdditionRace
	case ServerRecovering:
		return ErrServerRecovering
	case ProcessLoadFailed:
		return ErrProcessLoadFailed
	case UnknownMessage:
		return ErrUnknownMessage
	default:
		return fmt.Errorf("%w: %d", ErrUnknownCode, int32(c))
	}
}
