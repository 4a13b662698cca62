package signaling

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// ErrMalformed wraps every decode failure of a client frame.
var ErrMalformed = errors.New("signaling: malformed message")

type Type string

const (
	TypeRegister     Type = "Register"
	TypeJoin         Type = "Join"
	TypeSyncUpdate   Type = "SyncUpdate"
	TypeLeaveRoom    Type = "LeaveRoom"
	TypeGetRooms     Type = "GetRooms"
	TypeRoomList     Type = "RoomList"
	TypeOffer        Type = "Offer"
	TypeAnswer       Type = "Answer"
	TypeIceCandidate Type = "IceCandidate"
)

// Message is one of the payload types below.
type Message interface {
	MessageType() Type
}

type Register struct {
	PeerID string `json:"peer_id"`
}

type Join struct {
	UserID        string `json:"user_id"`
	UserColor     string `json:"user_color"`
	RoomID        string `json:"room_id"`
	EncryptedData *Bytes `json:"encrypted_data,omitempty"`
}

type SyncUpdate struct {
	Update        Bytes  `json:"update"`
	RoomID        string `json:"room_id"`
	EncryptedData *Bytes `json:"encrypted_data,omitempty"`
}

type LeaveRoom struct {
	RoomID string `json:"room_id"`
}

type GetRooms struct{}

type RoomList struct {
	Rooms []RoomInfo `json:"rooms"`
}

type RoomInfo struct {
	RoomID    string `json:"room_id"`
	PeerCount int    `json:"peer_count"`
	Encrypted bool   `json:"encrypted"`
}

// Offer, Answer and IceCandidate carry their session description or
// candidate as raw JSON so the forwarded body matches what the sender wrote.
type Offer struct {
	SDP      json.RawMessage `json:"sdp"`
	FromPeer string          `json:"from_peer"`
	ToPeer   string          `json:"to_peer"`
}

type Answer struct {
	SDP      json.RawMessage `json:"sdp"`
	FromPeer string          `json:"from_peer"`
	ToPeer   string          `json:"to_peer"`
}

type IceCandidate struct {
	Candidate json.RawMessage `json:"candidate"`
	FromPeer  string          `json:"from_peer"`
	ToPeer    string          `json:"to_peer"`
}

func (Register) MessageType() Type     { return TypeRegister }
func (Join) MessageType() Type         { return TypeJoin }
func (SyncUpdate) MessageType() Type   { return TypeSyncUpdate }
func (LeaveRoom) MessageType() Type    { return TypeLeaveRoom }
func (GetRooms) MessageType() Type     { return TypeGetRooms }
func (RoomList) MessageType() Type     { return TypeRoomList }
func (Offer) MessageType() Type        { return TypeOffer }
func (Answer) MessageType() Type       { return TypeAnswer }
func (IceCandidate) MessageType() Type { return TypeIceCandidate }

// Bytes is an opaque blob. It encodes as a JSON array of integers and
// decodes from either that form or a base64 string.
type Bytes []byte

func (b Bytes) MarshalJSON() ([]byte, error) {
	buf := make([]byte, 0, len(b)*4+2)
	buf = append(buf, '[')
	for i, v := range b {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendUint(buf, uint64(v), 10)
	}
	return append(buf, ']'), nil
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*b = nil
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		out, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("invalid base64 bytes: %w", err)
		}
		*b = Bytes(out)
		return nil
	}

	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return fmt.Errorf("bytes must be an array of integers: %w", err)
	}
	out := make(Bytes, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return fmt.Errorf("byte %d out of range: %d", i, v)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

func bytesPtr(b []byte) *Bytes {
	v := Bytes(b)
	return &v
}

type wireMessage struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

var payloadDecoders = map[Type]func([]byte) (Message, error){
	TypeRegister:     decodePayload[Register],
	TypeJoin:         decodePayload[Join],
	TypeSyncUpdate:   decodePayload[SyncUpdate],
	TypeLeaveRoom:    decodePayload[LeaveRoom],
	TypeGetRooms:     decodePayload[GetRooms],
	TypeRoomList:     decodePayload[RoomList],
	TypeOffer:        decodePayload[Offer],
	TypeAnswer:       decodePayload[Answer],
	TypeIceCandidate: decodePayload[IceCandidate],
}

func decodePayload[T Message](payload []byte) (Message, error) {
	var m T
	if err := decodeStrictJSON(payload, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// Decode parses one client frame. Unknown variants, unknown fields, missing
// required fields and trailing data all yield an error wrapping ErrMalformed.
func Decode(data []byte) (Message, error) {
	var wire wireMessage
	if err := decodeStrictJSON(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if wire.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	decode, ok := payloadDecoders[wire.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, wire.Type)
	}

	payload := bytes.TrimSpace(wire.Payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		// GetRooms is the only variant without fields.
		if wire.Type != TypeGetRooms {
			return nil, fmt.Errorf("%w: %s missing payload", ErrMalformed, wire.Type)
		}
		return GetRooms{}, nil
	}

	msg, err := decode(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformed, wire.Type, err)
	}
	if err := validate(msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return msg, nil
}

func validate(msg Message) error {
	switch m := msg.(type) {
	case Register:
		if m.PeerID == "" {
			return errors.New("Register missing peer_id")
		}
	case Join:
		if m.RoomID == "" {
			return errors.New("Join missing room_id")
		}
	case SyncUpdate:
		if m.RoomID == "" {
			return errors.New("SyncUpdate missing room_id")
		}
		if m.Update == nil {
			return errors.New("SyncUpdate missing update")
		}
	case LeaveRoom:
		if m.RoomID == "" {
			return errors.New("LeaveRoom missing room_id")
		}
	case Offer:
		return validateRoute("Offer", m.ToPeer, m.SDP, "sdp")
	case Answer:
		return validateRoute("Answer", m.ToPeer, m.SDP, "sdp")
	case IceCandidate:
		return validateRoute("IceCandidate", m.ToPeer, m.Candidate, "candidate")
	}
	return nil
}

func validateRoute(kind, to string, body json.RawMessage, field string) error {
	if to == "" {
		return fmt.Errorf("%s missing to_peer", kind)
	}
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return fmt.Errorf("%s missing %s", kind, field)
	}
	return nil
}

// Encode renders msg as a client frame.
func Encode(msg Message) ([]byte, error) {
	if msg == nil {
		return nil, errors.New("signaling: nil message")
	}
	payload, err := marshalNoEscape(msg)
	if err != nil {
		return nil, err
	}
	return marshalNoEscape(wireMessage{Type: msg.MessageType(), Payload: payload})
}

// marshalNoEscape leaves <, > and & alone so relayed SDP text is not
// rewritten into \u escapes.
func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func decodeStrictJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	return expectEOF(dec)
}

func expectEOF(dec *json.Decoder) error {
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}
