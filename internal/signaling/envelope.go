package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wilsonzlin/aero/proxy/room-relay/internal/rooms"
)

// RoomUpdate is the replication envelope published on the overlay after a
// local document update.
type RoomUpdate struct {
	RoomID    string       `json:"room_id"`
	Room      RoomSnapshot `json:"room"`
	Timestamp uint64       `json:"timestamp"`
}

type RoomSnapshot struct {
	DocumentState Bytes  `json:"document_state"`
	Encrypted     bool   `json:"encrypted"`
	LastUpdated   uint64 `json:"last_updated"`
	PeerCount     int    `json:"peer_count"`
}

func newRoomUpdate(roomID string, st rooms.State) RoomUpdate {
	return RoomUpdate{
		RoomID: roomID,
		Room: RoomSnapshot{
			DocumentState: Bytes(st.DocumentState),
			Encrypted:     st.Encrypted,
			LastUpdated:   st.LastUpdated,
			PeerCount:     st.PeerCount,
		},
		Timestamp: st.LastUpdated,
	}
}

// effectiveTimestamp prefers the envelope timestamp and falls back to the
// snapshot's own clock for senders that leave it unset.
func (u RoomUpdate) effectiveTimestamp() uint64 {
	if u.Timestamp != 0 {
		return u.Timestamp
	}
	return u.Room.LastUpdated
}

func (u RoomUpdate) state() rooms.State {
	return rooms.State{
		DocumentState: []byte(u.Room.DocumentState),
		Encrypted:     u.Room.Encrypted,
		LastUpdated:   u.effectiveTimestamp(),
	}
}

func EncodeRoomUpdate(u RoomUpdate) ([]byte, error) {
	return json.Marshal(u)
}

// DecodeRoomUpdate parses an envelope from another node. Unknown fields are
// tolerated so nodes can be upgraded one at a time.
func DecodeRoomUpdate(data []byte) (RoomUpdate, error) {
	var u RoomUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		return RoomUpdate{}, fmt.Errorf("decode room update: %w", err)
	}
	if u.RoomID == "" {
		return RoomUpdate{}, errors.New("decode room update: missing room_id")
	}
	if u.effectiveTimestamp() == 0 {
		return RoomUpdate{}, errors.New("decode room update: missing timestamp")
	}
	return u, nil
}
