package identity

import (
	"crypto/ed25519"
	"fmt"
	"sync"

	"areastate/internal/domain"
)

// Keyring maps node ids to public keys learned from verified handshakes.
type Keyring struct {
	mu   sync.RWMutex
	keys map[domain.NodeID]ed25519.PublicKey
}

func NewKeyring() *Keyring {
	return &Keyring{keys: make(map[domain.NodeID]ed25519.PublicKey)}
}

// Learn records pub and returns the id it certifies.
func (r *Keyring) Learn(pub []byte) (domain.NodeID, error) {
	if len(pub) != ed25519.PublicKeySize {
		return 0, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	id := NodeIDFromPublicKey(pub)

	r.mu.Lock()
	if _, ok := r.keys[id]; !ok {
		key := make(ed25519.PublicKey, len(pub))
		copy(key, pub)
		r.keys[id] = key
	}
	r.mu.Unlock()

	return id, nil
}

func (r *Keyring) PublicKey(id domain.NodeID) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.keys[id]
	return key, ok
}

func (r *Keyring) Known(id domain.NodeID) bool {
	_, ok := r.PublicKey(id)
	return ok
}

func (r *Keyring) Verify(signature, payload []byte, nodeID domain.NodeID) bool {
	key, ok := r.PublicKey(nodeID)
	if !ok {
		return false
	}
	return ed25519.Verify(key, payload, signature)
}
