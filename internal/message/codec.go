package message

import (
	"encoding/binary"
	"fmt"

	"github.com/sweeney/uwb-tdma/internal/protocol"
)

// Frame layout.
const (
	// Signature is the first byte of every protocol frame.
	Signature byte = 0xAA
	// FrameSize is the signature byte plus a 32-bit payload.
	FrameSize = 5
)

const (
	familyBit   = 1 << 31
	topologyBit = 1 << 30
	syncedBit   = 1 << 30

	clockMask = 1<<ClockBits - 1
	slotShift = 15
	slotMask  = 1<<15 - 1
	codeMask  = 1<<15 - 1
	topoMask  = 1<<TopologyBits - 1
)

// Encode returns the wire frame for m.
func Encode(m Message) ([]byte, error) {
	p, err := EncodePayload(m)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, FrameSize)
	frame[0] = Signature
	binary.BigEndian.PutUint32(frame[1:], p)
	return frame, nil
}

// EncodePayload returns the 32-bit payload for m.
func EncodePayload(m Message) (uint32, error) {
	switch v := m.(type) {
	case Sync:
		if v.Clock > clockMask {
			return 0, fmt.Errorf("sync clock %d: %w", v.Clock, ErrFieldRange)
		}
		p := v.Clock
		if v.Synced {
			p |= syncedBit
		}
		return p, nil

	case SlotControl:
		if v.Slot < 0 || v.Slot > MaxSlot {
			return 0, fmt.Errorf("slot %d: %w", v.Slot, ErrFieldRange)
		}
		if v.Code < MinCode || v.Code > MaxCode {
			return 0, fmt.Errorf("code %d: %w", v.Code, ErrFieldRange)
		}
		code := v.Code
		if code < 0 {
			code = CodeOffset - code
		}
		return familyBit | uint32(v.Slot)<<slotShift | uint32(code), nil

	case Topology:
		if v.Bitmap > topoMask {
			return 0, fmt.Errorf("topology bitmap %#x: %w", v.Bitmap, ErrFieldRange)
		}
		return familyBit | topologyBit | v.Bitmap, nil
	}
	return 0, fmt.Errorf("%T: %w", m, ErrUnknownType)
}

// Decode parses a wire frame received from sender. The signature is checked
// before anything else is looked at.
func Decode(sender protocol.DeviceID, frame []byte) (Message, error) {
	if len(frame) > 0 && frame[0] != Signature {
		return nil, fmt.Errorf("first byte %#02x: %w", frame[0], ErrSignature)
	}
	if len(frame) != FrameSize {
		return nil, fmt.Errorf("%d bytes: %w", len(frame), ErrLength)
	}
	return DecodePayload(sender, binary.BigEndian.Uint32(frame[1:])), nil
}

// DecodePayload parses a 32-bit payload. Every payload value decodes to
// exactly one message.
func DecodePayload(sender protocol.DeviceID, p uint32) Message {
	if p&familyBit == 0 {
		return Sync{
			Sender: sender,
			Clock:  p & clockMask,
			Synced: p&syncedBit != 0,
		}
	}
	if p&topologyBit != 0 {
		return Topology{Sender: sender, Bitmap: p & topoMask}
	}
	code := int(p & codeMask)
	if code > CodeOffset {
		code = CodeOffset - code
	}
	return SlotControl{
		Sender: sender,
		Slot:   int(p>>slotShift) & slotMask,
		Code:   code,
	}
}
