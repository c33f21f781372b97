// Package wire defines the Go-side envelope for the fixed, externally
// specified protocol-buffer request/response protocol (spec.md §6). The
// actual .proto schema is an external input; this package provides the
// length-prefixed framing and the envelope/dispatch types a generated
// protobuf package would otherwise supply, grounded on the same
// io.Reader/io.Writer encode-decode shape the teacher's wire codec uses
// (see eacsuite-eacd's wire.Message: BtcEncode/BtcDecode over io.Writer/io.Reader).
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/gogo/protobuf/proto"
)

// MaxFrameBytes bounds a single frame to guard against a malformed or
// hostile peer forcing an unbounded read.
const MaxFrameBytes = 4 << 20 // 4 MiB

// MessageKind discriminates the two conversation roles; every envelope
// carries it as its own header byte next to the Id (spec.md §6: "Each message carries Id, MessageType ... and a
// nested payload").
type MessageKind int

const (
	KindRequest MessageKind = iota
	KindResponse
)

// ConversationTier mirrors the protocol's three authentication tiers
// (spec.md §6).
type ConversationTier int

const (
	TierSingle ConversationTier = iota
	TierStartConversation
	TierVerifyAuthenticated
)

// Envelope is the outer frame every wire message travels in: an Id shared
// by a request and its matching response, a MessageKind, and an opaque
// payload holding one of the concrete Request/Response structs in
// messages.go.
type Envelope struct {
	ID      uint32
	Kind    MessageKind
	Payload Payload
}

// Payload is implemented by every concrete request/response message type
// defined in messages.go.
type Payload interface {
	// Name returns the protocol message name, used for dispatch and logging.
	Name() string
	// Encode appends the payload's wire bytes to buf and returns the result.
	Encode(buf []byte) ([]byte, error)
	// Decode populates the payload from exactly the bytes written by Encode.
	Decode(data []byte) error
}

// WriteEnvelope frames env as a gogo/protobuf varint length prefix followed
// by [id:4][kind:1][name-length:varint][name][payload], and writes it to w.
func WriteEnvelope(w io.Writer, env *Envelope) error {
	if env.Payload == nil {
		return fmt.Errorf("wire: nil payload")
	}
	name := env.Payload.Name()
	body := make([]byte, 0, 64)
	body = append(body, proto.EncodeVarint(uint64(len(name)))...)
	body = append(body, name...)
	payloadBytes, err := env.Payload.Encode(nil)
	if err != nil {
		return fmt.Errorf("wire: encode payload %s: %w", name, err)
	}
	body = append(body, payloadBytes...)

	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[0:4], env.ID)
	header[4] = byte(env.Kind)
	frame := append(header, body...)

	lenPrefix := proto.EncodeVarint(uint64(len(frame)))
	if _, err := w.Write(lenPrefix); err != nil {
		return fmt.Errorf("wire: write length prefix: %w", err)
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	return nil
}

// ReadEnvelope reads one length-prefixed frame from r and decodes its
// header. The caller supplies newPayload to construct the concrete Payload
// for the decoded message name (a registry lookup keyed by Name()).
func ReadEnvelope(r *bufio.Reader, newPayload func(name string) (Payload, error)) (*Envelope, error) {
	frameLen, err := readVarint(r)
	if err != nil {
		return nil, fmt.Errorf("wire: read length prefix: %w", err)
	}
	if frameLen == 0 || frameLen > MaxFrameBytes {
		return nil, Status{Code: ErrorProtocolViolation, Details: "frame length"}
	}
	frame := make([]byte, frameLen)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, fmt.Errorf("wire: read frame: %w", err)
	}
	if len(frame) < 5 {
		return nil, Status{Code: ErrorProtocolViolation, Details: "frame header"}
	}
	id := binary.BigEndian.Uint32(frame[0:4])
	kind := MessageKind(frame[4])
	rest := frame[5:]

	nameLen, n, err := decodeVarintPrefix(rest)
	if err != nil {
		return nil, Status{Code: ErrorProtocolViolation, Details: "message name"}
	}
	rest = rest[n:]
	if uint64(len(rest)) < nameLen {
		return nil, Status{Code: ErrorProtocolViolation, Details: "message name"}
	}
	name := string(rest[:nameLen])
	payloadBytes := rest[nameLen:]

	payload, err := newPayload(name)
	if err != nil {
		return nil, Status{Code: ErrorProtocolViolation, Details: "message type"}
	}
	if err := payload.Decode(payloadBytes); err != nil {
		return nil, fmt.Errorf("wire: decode payload %s: %w", name, err)
	}
	return &Envelope{ID: id, Kind: kind, Payload: payload}, nil
}

func readVarint(r *bufio.Reader) (uint64, error) {
	var x uint64
	var s uint
	for i := 0; i < 10; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		if b < 0x80 {
			return x | uint64(b)<<s, nil
		}
		x |= uint64(b&0x7f) << s
		s += 7
	}
	return 0, fmt.Errorf("wire: varint overflow")
}

func decodeVarintPrefix(b []byte) (uint64, int, error) {
	var x uint64
	var s uint
	for i := 0; i < len(b) && i < 10; i++ {
		if b[i] < 0x80 {
			return x | uint64(b[i])<<s, i + 1, nil
		}
		x |= uint64(b[i]&0x7f) << s
		s += 7
	}
	return 0, 0, fmt.Errorf("wire: varint overflow")
}
