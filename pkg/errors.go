package pkg

import "errors"

var (
	// ErrNotReady is returned when a lookup needs the predecessor and it has not been inferred yet
	ErrNotReady = errors.New("predecessor unknown, ring not ready")

	// ErrPeerUnreachable is returned when a peer refuses or times out a connection
	ErrPeerUnreachable = errors.New("peer unreachable")

	// ErrInvalidKey is returned for application keys outside 0-9999
	ErrInvalidKey = errors.New("invalid key")

	// ErrNoSuccessor is returned when an operation needs a successor and the ring has collapsed
	ErrNoSuccessor = errors.New("no successor")
)
