// Package protocol frames messages on a room's synchronization channel. Every frame is a single websocket binary
// message made of a type byte followed by the payload.
package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gorilla/websocket"
)

type Type byte

const (
	// TypeUpdate carries automerge change chunks or a full save, in both directions.
	TypeUpdate Type = iota
	// TypeSynced tells a joiner that the snapshot it was sent is complete.
	TypeSynced
	// TypeAwareness is presence data relayed between connections and never applied to the document.
	TypeAwareness
	// TypeSnapshot is the full document save sent to a joiner.
	TypeSnapshot
	// TypeError is sent right before the server closes a connection, as "code: message".
	TypeError
)

func (t Type) String() string {
	switch t {
	case TypeUpdate:
		return "update"
	case TypeSynced:
		return "synced"
	case TypeAwareness:
		return "awareness"
	case TypeSnapshot:
		return "snapshot"
	case TypeError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// ErrInvalidFrame means a peer sent something that is not a frame of a known type.
var ErrInvalidFrame = errors.New("invalid frame")

// Error codes carried by TypeError frames.
const (
	CodeInvalidInput = "invalid_input"
	CodeCorruptState = "corrupt_state"
	CodeUnavailable  = "unavailable"
	CodeRoomBusy     = "room_busy"
	CodeShutdown     = "shutdown"
)

type Frame struct {
	Type    Type
	Payload []byte
}

func Encode(f Frame) []byte {
	out := make([]byte, 1+len(f.Payload))
	out[0] = byte(f.Type)
	copy(out[1:], f.Payload)
	return out
}

func Decode(raw []byte) (Frame, error) {
	if len(raw) == 0 {
		return Frame{}, fmt.Errorf("%w: empty", ErrInvalidFrame)
	}
	t := Type(raw[0])
	if t > TypeError {
		return Frame{}, fmt.Errorf("%w: unknown type %d", ErrInvalidFrame, raw[0])
	}
	return Frame{Type: t, Payload: raw[1:]}, nil
}

func Update(update []byte) Frame {
	return Frame{Type: TypeUpdate, Payload: update}
}

func Snapshot(state []byte) Frame {
	return Frame{Type: TypeSnapshot, Payload: state}
}

func Synced() Frame {
	return Frame{Type: TypeSynced}
}

func Awareness(state []byte) Frame {
	return Frame{Type: TypeAwareness, Payload: state}
}

func Error(code, message string) Frame {
	return Frame{Type: TypeError, Payload: []byte(code + ": " + message)}
}

// ParseError splits the payload of a TypeError frame into its code and message.
func ParseError(payload []byte) (code, message string) {
	code, message, _ = strings.Cut(string(payload), ": ")
	return code, message
}

// ReadFrame reads the next binary message from conn. Text messages are ignored.
func ReadFrame(conn *websocket.Conn) (Frame, error) {
	for {
		mt, p, err := conn.ReadMessage()
		if err != nil {
			return Frame{}, fmt.Errorf("failed to read message: %w", err)
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		return Decode(p)
	}
}

func WriteFrame(conn *websocket.Conn, f Frame) error {
	if err := conn.WriteMessage(websocket.BinaryMessage, Encode(f)); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}
