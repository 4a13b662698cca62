package overlay

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// Identity is a node's signing key and the NodeID derived from it.
type Identity struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
	id      NodeID
}

// GenerateIdentity creates a fresh keypair. A nil rand uses crypto/rand.
func GenerateIdentity(rand io.Reader) (Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand)
	if err != nil {
		return Identity{}, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return Identity{private: priv, public: pub, id: NodeIDFromPublicKey(pub)}, nil
}

// IdentityFromSeed rebuilds an identity from a 32-byte ed25519 seed.
func IdentityFromSeed(seed []byte) (Identity, error) {
	if len(seed) != ed25519.SeedSize {
		return Identity{}, fmt.Errorf("identity seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return Identity{private: priv, public: pub, id: NodeIDFromPublicKey(pub)}, nil
}

func NodeIDFromPublicKey(pub ed25519.PublicKey) NodeID {
	sum := blake3.Sum256(pub)
	return NodeID(hex.EncodeToString(sum[:]))
}

func (i Identity) ID() NodeID { return i.id }

func (i Identity) PublicKey() ed25519.PublicKey { return i.public }

func (i Identity) sign(body []byte) []byte {
	return ed25519.Sign(i.private, body)
}

func (i Identity) valid() bool {
	return len(i.private) == ed25519.PrivateKeySize && i.id != ""
}
