package overlay

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

var (
	errBadSignature = errors.New("overlay: bad frame signature")
	errBadOrigin    = errors.New("overlay: frame source does not match signing key")
	errBadFrame     = errors.New("overlay: malformed frame")
)

type frameKind uint8

const (
	kindData     frameKind = 1
	kindPresence frameKind = 2
	kindLeave    frameKind = 3
)

func (k frameKind) String() string {
	switch k {
	case kindData:
		return "data"
	case kindPresence:
		return "presence"
	case kindLeave:
		return "leave"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// frameBody is the signed part of a frame. Seq makes otherwise identical
// payloads from one node distinct messages.
type frameBody struct {
	Kind   frameKind `cbor:"1,keyasint"`
	Source NodeID    `cbor:"2,keyasint"`
	Seq    uint64    `cbor:"3,keyasint"`
	SentAt int64     `cbor:"4,keyasint"`
	Topic  string    `cbor:"5,keyasint,omitempty"`
	Data   []byte    `cbor:"6,keyasint,omitempty"`
}

type signedFrame struct {
	Body      cbor.RawMessage `cbor:"1,keyasint"`
	PublicKey []byte          `cbor:"2,keyasint"`
	Signature []byte          `cbor:"3,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	// Core deterministic encoding keeps the signed bytes stable.
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("overlay: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		panic("overlay: CBOR decoder initialization failed: " + err.Error())
	}
}

func messageID(body []byte) MessageID {
	sum := blake3.Sum256(body)
	return MessageID(hex.EncodeToString(sum[:]))
}

func encodeFrame(id Identity, body frameBody) ([]byte, MessageID, error) {
	raw, err := encMode.Marshal(body)
	if err != nil {
		return nil, "", fmt.Errorf("encode frame body: %w", err)
	}
	wire, err := encMode.Marshal(signedFrame{
		Body:      raw,
		PublicKey: id.public,
		Signature: id.sign(raw),
	})
	if err != nil {
		return nil, "", fmt.Errorf("encode frame: %w", err)
	}
	return wire, messageID(raw), nil
}

// decodeFrame verifies the signature and that the claimed source is the
// NodeID of the signing key.
func decodeFrame(wire []byte) (frameBody, MessageID, error) {
	var sf signedFrame
	if err := decMode.Unmarshal(wire, &sf); err != nil {
		return frameBody{}, "", fmt.Errorf("%w: %v", errBadFrame, err)
	}
	if len(sf.PublicKey) != ed25519.PublicKeySize || len(sf.Body) == 0 {
		return frameBody{}, "", errBadFrame
	}
	pub := ed25519.PublicKey(sf.PublicKey)
	if !ed25519.Verify(pub, sf.Body, sf.Signature) {
		return frameBody{}, "", errBadSignature
	}

	var body frameBody
	if err := decMode.Unmarshal(sf.Body, &body); err != nil {
		return frameBody{}, "", fmt.Errorf("%w: %v", errBadFrame, err)
	}
	if body.Source != NodeIDFromPublicKey(pub) {
		return frameBody{}, "", errBadOrigin
	}
	switch body.Kind {
	case kindData:
		if body.Topic == "" {
			return frameBody{}, "", errBadFrame
		}
	case kindPresence, kindLeave:
	default:
		return frameBody{}, "", errBadFrame
	}
	return body, messageID(sf.Body), nil
}
