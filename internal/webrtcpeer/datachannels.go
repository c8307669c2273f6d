package webrtcpeer

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// DataChannelLabel is the label of the single direct channel. Frames on it
// are reassembled by the framing decoder, which needs ordered reliable
// delivery.
const DataChannelLabel = "data"

func validateDataChannel(dc *webrtc.DataChannel) error {
	if dc.Label() != DataChannelLabel {
		return fmt.Errorf("expected label=%q (got %q)", DataChannelLabel, dc.Label())
	}
	if !dc.Ordered() {
		return fmt.Errorf("data channel must be ordered (ordered=false)")
	}
	if dc.MaxPacketLifeTime() != nil {
		return fmt.Errorf("data channel must be fully reliable (maxPacketLifeTime must be unset)")
	}
	if dc.MaxRetransmits() != nil {
		return fmt.Errorf("data channel must be fully reliable (maxRetransmits must be unset)")
	}
	return nil
}
