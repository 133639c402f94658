package socketio

import (
	"encoding/json"
	"fmt"
)

// Engine.IO packet types (protocol v3, first byte of every frame).
const (
	packetOpen    = '0'
	packetClose   = '1'
	packetPing    = '2'
	packetPong    = '3'
	packetMessage = '4'
	packetUpgrade = '5'
	packetNoop    = '6'
)

// Socket.IO message subtypes (second byte of a message frame).
const (
	messageConnect    = '0'
	messageDisconnect = '1'
	messageEvent      = '2'
	messageAck        = '3'
	messageError      = '4'
)

// handshake is the JSON payload of the Engine.IO open packet. Intervals
// are in milliseconds.
type handshake struct {
	SID          string `json:"sid"`
	PingInterval int    `json:"pingInterval"`
	PingTimeout  int    `json:"pingTimeout"`
}

// packet is one decoded Engine.IO frame.
type packet struct {
	Type    byte
	Subtype byte // only set for message packets
	Data    []byte
}

func decodePacket(raw []byte) (packet, error) {
	if len(raw) == 0 {
		return packet{}, fmt.Errorf("empty frame")
	}

	p := packet{Type: raw[0], Data: raw[1:]}
	switch p.Type {
	case packetOpen, packetClose, packetPing, packetPong, packetUpgrade, packetNoop:
		return p, nil
	case packetMessage:
		if len(p.Data) == 0 {
			return packet{}, fmt.Errorf("message frame without subtype")
		}
		p.Subtype = p.Data[0]
		p.Data = p.Data[1:]
		return p, nil
	default:
		return packet{}, fmt.Errorf("unknown packet type %q", p.Type)
	}
}

// decodeEvent parses a Socket.IO event payload: a JSON array whose first
// element is the event name and whose remainder are the arguments.
func decodeEvent(data []byte) (string, []json.RawMessage, error) {
	var elements []json.RawMessage
	if err := json.Unmarshal(data, &elements); err != nil {
		return "", nil, fmt.Errorf("malformed event payload: %w", err)
	}
	if len(elements) == 0 {
		return "", nil, fmt.Errorf("event payload with no name")
	}

	var name string
	if err := json.Unmarshal(elements[0], &name); err != nil {
		return "", nil, fmt.Errorf("event name is not a string: %w", err)
	}
	return name, elements[1:], nil
}

// pingFrame and pongFrame are the static liveness frames.
var (
	pingFrame = []byte{packetPing}
	pongFrame = []byte{packetPong}
)
