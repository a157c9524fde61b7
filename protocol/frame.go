package protocol

import "fmt"

// Kind tags the message carried by a frame.
type Kind string

const (
	KindBet        Kind = "bet"
	KindProposal   Kind = "proposal"
	KindVote       Kind = "vote"
	KindCommitment Kind = "commitment"
	KindReveal     Kind = "reveal"
	KindRecord     Kind = "record"
	KindSync       Kind = "sync"
)

// Frame is the unit exchanged with the transport. The payload is the
// canonical encoding of one signed message.
type Frame struct {
	Kind    Kind   `json:"kind"`
	Payload []byte `json:"payload"`
}

// NewFrame encodes msg as a frame of the given kind.
func NewFrame(kind Kind, msg any) (Frame, error) {
	payload, err := Marshal(msg)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s: %w", kind, err)
	}
	return Frame{Kind: kind, Payload: payload}, nil
}

// ID is the content identifier used for deduplication.
func (f Frame) ID() Hash {
	return HashBytes([]byte(f.Kind), []byte{0}, f.Payload)
}

func (f Frame) Encode() ([]byte, error) {
	data, err := Marshal(f)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit %d", len(data), MaxFrameSize)
	}
	return data, nil
}

// DecodeFrame parses raw bytes received from the transport.
func DecodeFrame(data []byte) (Frame, error) {
	if len(data) > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrMalformed, len(data))
	}
	var f Frame
	if err := Unmarshal(data, &f); err != nil {
		return Frame{}, err
	}
	switch f.Kind {
	case KindBet, KindProposal, KindVote, KindCommitment, KindReveal, KindRecord, KindSync:
	default:
		return Frame{}, fmt.Errorf("%w: unknown frame kind %q", ErrMalformed, f.Kind)
	}
	return f, nil
}

// Decode unmarshals the payload into msg.
func (f Frame) Decode(msg any) error {
	return Unmarshal(f.Payload, msg)
}
