// Package handshake drives one peer through the rendezvous: signaling over
// the relay room until the direct channel opens, then over the channel
// itself, with sequence numbers restoring the producer's order.
package handshake

import (
	"encoding/json"
	"fmt"
)

// Role is the peer's seat in a session. The host creates the room and
// initiates negotiation; the joiner enters the code.
type Role int

const (
	RoleHost   Role = 0
	RoleJoiner Role = 1
)

func (r Role) Peer() Role {
	if r == RoleHost {
		return RoleJoiner
	}
	return RoleHost
}

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleJoiner:
		return "joiner"
	default:
		return fmt.Sprintf("Role(%d)", int(r))
	}
}

// LabelSignal is the direct-channel frame label carrying an Envelope.
const LabelSignal = "signal"

// Envelope wraps one opaque negotiation payload. I counts up from 0 per
// sender and is what the receiver orders by.
type Envelope struct {
	I    int             `json:"i" msgpack:"i"`
	From Role            `json:"from" msgpack:"from"`
	To   Role            `json:"to" msgpack:"to"`
	Data json.RawMessage `json:"data" msgpack:"data"`
}

func decodeRoomEnvelope(body string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return Envelope{}, err
	}
	if env.I < 0 || len(env.Data) == 0 {
		return Envelope{}, fmt.Errorf("incomplete envelope")
	}
	return env, nil
}
