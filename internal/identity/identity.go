// Package identity owns node key pairs and the key ring used to verify peers.
// Node ids are self-certifying: the id is the first eight bytes of the BLAKE3
// hash of the node's ed25519 public key, so any message that carries a public
// key can be checked against its claimed sender without a directory.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"areastate/internal/domain"

	"lukechampine.com/blake3"
)

var ErrUnknownKey = errors.New("unknown public key")

type KeyPair struct {
	id   domain.NodeID
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func Generate() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &KeyPair{id: NodeIDFromPublicKey(pub), pub: pub, priv: priv}, nil
}

func FromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &KeyPair{id: NodeIDFromPublicKey(pub), pub: pub, priv: priv}, nil
}

// LoadOrCreate reads a hex encoded seed from path, creating a fresh one when
// the file does not exist.
func LoadOrCreate(path string) (*KeyPair, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		seed, err := hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, fmt.Errorf("decode key file %s: %w", path, err)
		}
		return FromSeed(seed)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read key file %s: %w", path, err)
	}

	kp, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(kp.priv.Seed())+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("write key file %s: %w", path, err)
	}
	return kp, nil
}

func NodeIDFromPublicKey(pub []byte) domain.NodeID {
	sum := blake3.Sum256(pub)
	id := binary.BigEndian.Uint64(sum[:8])
	if id == 0 {
		id = 1
	}
	return domain.NodeID(id)
}

func (k *KeyPair) ID() domain.NodeID { return k.id }

func (k *KeyPair) PublicKey() []byte { return k.pub }

func (k *KeyPair) Sign(payload []byte) []byte {
	return ed25519.Sign(k.priv, payload)
}

// VerifyWithKey checks a signature against an explicit key that must hash to
// nodeID.
func VerifyWithKey(pub, signature, payload []byte, nodeID domain.NodeID) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	if NodeIDFromPublicKey(pub) != nodeID {
		return false
	}
	return ed25519.Verify(pub, payload, signature)
}
