// Package signaling is the relay's protocol engine and its WebSocket surface.
//
// Clients speak a JSON tagged union ({"type": ..., "payload": {...}}) over a
// WebSocket. Room scoped messages (Join, SyncUpdate, LeaveRoom, GetRooms)
// mutate the node's room store and fan out to local members; document
// updates are additionally replicated to other nodes over the overlay.
// Point-to-point messages (Offer, Answer, IceCandidate) are forwarded to the
// addressed client with from_peer rewritten and the body left untouched.
package signaling
