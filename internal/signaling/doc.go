// Package signaling serves the rendezvous relay's HTTP surface: short-lived
// rooms identified by "{namespace}-{6 digits}" and a per-room message log that
// two peers poll to exchange WebRTC negotiation data before they can talk
// directly.
//
// Endpoints:
//   - POST   /rooms?app_id={ns}                create a room
//   - POST   /rooms/{room}/extend              push expiry to now+TTL
//   - DELETE /rooms/{room}                     delete a room (idempotent)
//   - GET    /rooms/{room}/messages?since={id} list messages after a cursor
//   - POST   /rooms/{room}/messages            append a raw text message
package signaling
