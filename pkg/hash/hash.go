package hash

import (
	"fmt"

	"github.com/zde37/ringpeer/pkg"
)

const (
	// M is the size of the identifier space in bits (2^8 peers and key hashes)
	M = 8

	// RingSize is 2^M, the number of positions on the ring
	RingSize = 1 << M

	// MaxKey is the largest application key accepted by SplitKey
	MaxKey = 9999
)

// SeqGap returns the number of heartbeats sent since the last acknowledged one,
// (current - lastAcked) mod 256. Zero means nothing was missed.
func SeqGap(lastAcked, current uint8) uint8 {
	return current - lastAcked
}

// SplitKey decomposes an application key (0-9999) into the 8-bit ring hash
// used for ownership and the band byte that carries the rest of the key on the wire.
//
// Examples:
//   - SplitKey(2012) = (220, 7)
//   - SplitKey(255)  = (255, 0)
//   - SplitKey(256)  = (0, 1)
func SplitKey(key int) (hash, band uint8, err error) {
	if key < 0 || key > MaxKey {
		return 0, 0, fmt.Errorf("%w: %d is outside 0-%d", pkg.ErrInvalidKey, key, MaxKey)
	}
	return uint8(key % RingSize), uint8(key / RingSize), nil
}

// JoinKey rebuilds the application key from its hash and band.
func JoinKey(hash, band uint8) int {
	return int(band)*RingSize + int(hash)
}

// Owns reports whether a peer at self with the given predecessor and first
// successor is responsible for key. A peer owns the keys strictly after its
// predecessor up to itself. The wraparound is split between the two peers at
// the seam: the highest peer keeps keys above itself, the lowest keeps keys
// below itself.
//
// Callers handle key == self and the lone-peer case before calling.
func Owns(key, self, pred, succ1 uint8) bool {
	switch {
	case pred < key && key <= self:
		return true
	case succ1 < self && key > self:
		return true
	case pred > self && key < self:
		return true
	}
	return false
}
