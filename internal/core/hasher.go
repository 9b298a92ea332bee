package core

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

const GenesisHashSeed = "LendLedger:genesis:v1"

// StateHasher chains state digests: each hash commits to the previous one.
type StateHasher struct {
	prevHash [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{prevHash: GenesisHash()}
}

// GenesisHash is the chain tip before sequence 1.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// Peek returns SHA-256(prev_hash || sequence LE || digest) without advancing.
func (h *StateHasher) Peek(sequence int64, stateDigest []byte) [32]byte {
	buf := make([]byte, 0, 32+8+len(stateDigest))
	buf = append(buf, h.prevHash[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(sequence))
	buf = append(buf, stateDigest...)
	return sha256.Sum256(buf)
}

// ComputeHash returns the next hash and advances the chain tip.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	hash := h.Peek(sequence, stateDigest)
	h.prevHash = hash
	return hash
}

// Verify advances the chain only if the next hash equals expected.
func (h *StateHasher) Verify(sequence int64, stateDigest []byte, expected [32]byte) error {
	got := h.Peek(sequence, stateDigest)
	if got != expected {
		return fmt.Errorf("state hash mismatch at seq %d: computed %s, logged %s",
			sequence, hex.EncodeToString(got[:]), hex.EncodeToString(expected[:]))
	}
	h.prevHash = got
	return nil
}

// SetPrevHash moves the chain tip, used when restoring from a snapshot.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}
