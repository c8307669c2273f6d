package config

import "github.com/omasakun/remote-stylus/internal/framing"

// DefaultWebRTCSCTPMaxReceiveBufferBytes caps the SCTP receive buffer used by
// pion (applies before frame reassembly).
const DefaultWebRTCSCTPMaxReceiveBufferBytes = 1 << 20 // 1MiB

// minWebRTCSCTPReceiveBufferBytes is the minimum SCTP receive buffer size that
// pion/sctp will accept during association setup. Values below this break SCTP
// negotiation (INIT/INIT-ACK validation).
const minWebRTCSCTPReceiveBufferBytes = 1500

// maxChunkSize bounds --chunk-size. Browsers reject data channel messages
// above 64KiB unless both ends negotiate more.
const maxChunkSize = 64 * 1024

func effectiveChunkSize(chunkSize int) int {
	if chunkSize <= 0 {
		return framing.DefaultChunkSize
	}
	return chunkSize
}

func defaultWebRTCSCTPMaxReceiveBufferBytes(chunkSize int) int {
	chunkSize = effectiveChunkSize(chunkSize)
	buf := DefaultWebRTCSCTPMaxReceiveBufferBytes

	// Keep the receive buffer comfortably above one chunk so that a small
	// amount of in-flight data does not immediately stall the association.
	if twice := chunkSize * 2; twice > buf {
		buf = twice
	}
	if buf < minWebRTCSCTPReceiveBufferBytes {
		buf = minWebRTCSCTPReceiveBufferBytes
	}
	return buf
}
