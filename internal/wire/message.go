// Package wire implements the byte-level peer message format shared by the
// heartbeat (UDP) and control (TCP) channels.
//
// Every message is [type, sender, fields...] with a fixed field count per type.
// There is no length prefix; the type byte determines how many bytes follow.
package wire

import (
	"errors"
	"fmt"
	"io"
)

// Type identifies a peer message.
type Type uint8

const (
	TypePingRequest Type = iota + 1
	TypePingResponse
	TypeLookupRequest
	TypeLookupResponse
	TypeDepartureNotice
	TypeFailureQuery
)

const (
	// HeaderSize is the type byte plus the sender id.
	HeaderSize = 2

	// MaxFields is the number of optional payload bytes the format allows.
	MaxFields = 3

	// MaxSize is the longest encoded message.
	MaxSize = HeaderSize + MaxFields
)

// ErrMalformed is returned for bytes that do not form a valid message.
var ErrMalformed = errors.New("malformed message")

var fieldCounts = map[Type]int{
	TypePingRequest:     2,
	TypePingResponse:    1,
	TypeLookupRequest:   2,
	TypeLookupResponse:  2,
	TypeDepartureNotice: 2,
	TypeFailureQuery:    0,
}

var typeNames = map[Type]string{
	TypePingRequest:     "ping_request",
	TypePingResponse:    "ping_response",
	TypeLookupRequest:   "lookup_request",
	TypeLookupResponse:  "lookup_response",
	TypeDepartureNotice: "departure_notice",
	TypeFailureQuery:    "failure_query",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", uint8(t))
}

// FieldCount returns the number of payload bytes that follow the header.
func (t Type) FieldCount() (int, bool) {
	n, ok := fieldCounts[t]
	return n, ok
}

// Message is a decoded peer message. Only the first FieldCount entries of
// Fields are meaningful; the rest are zero.
type Message struct {
	Type   Type
	Sender uint8
	Fields [MaxFields]uint8
}

// PingRequest probes the successor in the given slot (1 or 2).
func PingRequest(sender, slot, seq uint8) Message {
	return Message{Type: TypePingRequest, Sender: sender, Fields: [MaxFields]uint8{slot, seq}}
}

// PingResponse acknowledges the ping carrying seq.
func PingResponse(sender, seq uint8) Message {
	return Message{Type: TypePingResponse, Sender: sender, Fields: [MaxFields]uint8{seq}}
}

// LookupRequest asks the ring who owns hash. Sender is the originating peer
// and is preserved while the request is forwarded.
func LookupRequest(origin, hash, band uint8) Message {
	return Message{Type: TypeLookupRequest, Sender: origin, Fields: [MaxFields]uint8{hash, band}}
}

// LookupResponse tells the originator that sender owns hash.
func LookupResponse(owner, hash, band uint8) Message {
	return Message{Type: TypeLookupResponse, Sender: owner, Fields: [MaxFields]uint8{hash, band}}
}

// DepartureNotice announces that sender is leaving and hands over its successors.
func DepartureNotice(departing, succ1, succ2 uint8) Message {
	return Message{Type: TypeDepartureNotice, Sender: departing, Fields: [MaxFields]uint8{succ1, succ2}}
}

// FailureQuery asks a peer for its first successor. The reply is one raw byte.
func FailureQuery(sender uint8) Message {
	return Message{Type: TypeFailureQuery, Sender: sender}
}

// Slot is the successor slot of a ping request.
func (m Message) Slot() uint8 { return m.Fields[0] }

// Seq is the sequence number of a ping request or response.
func (m Message) Seq() uint8 {
	if m.Type == TypePingResponse {
		return m.Fields[0]
	}
	return m.Fields[1]
}

// KeyHash is the ring position being looked up.
func (m Message) KeyHash() uint8 { return m.Fields[0] }

// KeyBand is the extra addressing byte of a lookup.
func (m Message) KeyBand() uint8 { return m.Fields[1] }

// Successor1 is the departing peer's first successor.
func (m Message) Successor1() uint8 { return m.Fields[0] }

// Successor2 is the departing peer's second successor.
func (m Message) Successor2() uint8 { return m.Fields[1] }

func (m Message) String() string {
	n, ok := m.Type.FieldCount()
	if !ok {
		return fmt.Sprintf("%s from %d", m.Type, m.Sender)
	}
	return fmt.Sprintf("%s from %d %v", m.Type, m.Sender, m.Fields[:n])
}

// Validate checks the type and the type-specific field constraints.
func (m Message) Validate() error {
	if _, ok := m.Type.FieldCount(); !ok {
		return fmt.Errorf("%w: unknown type %d", ErrMalformed, uint8(m.Type))
	}
	if m.Type == TypePingRequest && m.Slot() != 1 && m.Slot() != 2 {
		return fmt.Errorf("%w: ping slot %d", ErrMalformed, m.Slot())
	}
	return nil
}

// Encode returns the wire bytes for m.
func Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	n, _ := m.Type.FieldCount()

	buf := make([]byte, 0, HeaderSize+n)
	buf = append(buf, byte(m.Type), m.Sender)
	buf = append(buf, m.Fields[:n]...)
	return buf, nil
}

// Decode parses a complete datagram. Trailing or missing bytes are an error.
func Decode(data []byte) (Message, error) {
	if len(data) < HeaderSize {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrMalformed, len(data))
	}

	m := Message{Type: Type(data[0]), Sender: data[1]}
	n, ok := m.Type.FieldCount()
	if !ok {
		return Message{}, fmt.Errorf("%w: unknown type %d", ErrMalformed, data[0])
	}
	if len(data) != HeaderSize+n {
		return Message{}, fmt.Errorf("%w: %s wants %d fields, got %d", ErrMalformed, m.Type, n, len(data)-HeaderSize)
	}
	copy(m.Fields[:], data[HeaderSize:])

	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// ReadMessage reads exactly one message from a stream, consuming only the
// bytes its type requires.
func ReadMessage(r io.Reader) (Message, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Message{}, fmt.Errorf("read header: %w", err)
	}

	n, ok := Type(header[0]).FieldCount()
	if !ok {
		return Message{}, fmt.Errorf("%w: unknown type %d", ErrMalformed, header[0])
	}

	buf := make([]byte, HeaderSize+n)
	copy(buf, header[:])
	if _, err := io.ReadFull(r, buf[HeaderSize:]); err != nil {
		return Message{}, fmt.Errorf("%w: short %s: %v", ErrMalformed, Type(header[0]), err)
	}
	return Decode(buf)
}

// WriteMessage encodes m and writes it in a single call.
func WriteMessage(w io.Writer, m Message) error {
	data, err := Encode(m)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
