// Package relay implements the room-scoped message channel that keeps
// whiteboard sessions in sync: clients join exactly one room over a
// persistent websocket and publish topic envelopes that fan out to every
// other member of that room.
//
// The relay never interprets application payloads. Reserved topics (room
// membership and screen-share signaling) are handled server-side; everything
// else is forwarded verbatim.
package relay
