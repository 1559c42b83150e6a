package validation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/devrev/pairdb/backlog/internal/errors"
	"github.com/devrev/pairdb/backlog/internal/model"
)

const (
	// Size limits
	MaxPayloadSize     = 10 * 1024 * 1024 // 10 MB
	MaxBatchPackets    = 1 << 20
	MaxChannelNameSize = 128
)

// Validator validates packets entering and leaving the redo log
type Validator struct {
	maxPayloadSize  int
	maxBatchPackets int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxPayloadSize:  MaxPayloadSize,
		maxBatchPackets: MaxBatchPackets,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxPayloadSize, maxBatchPackets int) *Validator {
	return &Validator{
		maxPayloadSize:  maxPayloadSize,
		maxBatchPackets: maxBatchPackets,
	}
}

// ValidatePacket checks the shape of a single packet
func (v *Validator) ValidatePacket(p model.Packet) error {
	if p.EndKey < p.Key {
		return errors.InvalidArgument(fmt.Sprintf("packet %d ends before it starts (%d)", p.Key, p.EndKey), nil)
	}

	if p.Discarded {
		// Tombstones carry no payload and weigh nothing
		if len(p.Payload) > 0 || p.Weight != 0 {
			return errors.InvalidArgument(fmt.Sprintf("discarded packet %d carries payload or weight", p.Key), nil)
		}
		return nil
	}

	if p.EndKey != p.Key {
		return errors.InvalidArgument(fmt.Sprintf("packet %d covers a range but is not discarded", p.Key), nil)
	}
	if len(p.Payload) > v.maxPayloadSize {
		return errors.InvalidArgument(
			fmt.Sprintf("payload of packet %d exceeds maximum size of %d bytes", p.Key, v.maxPayloadSize), nil)
	}
	return nil
}

// ValidateSequence checks every packet and that the key ranges strictly
// increase without overlapping
func (v *Validator) ValidateSequence(packets []model.Packet) error {
	if len(packets) > v.maxBatchPackets {
		return errors.InvalidArgument(
			fmt.Sprintf("batch has too many packets: %d > %d", len(packets), v.maxBatchPackets), nil)
	}

	for i, p := range packets {
		if err := v.ValidatePacket(p); err != nil {
			return err
		}
		if i > 0 && p.Key <= packets[i-1].EndKey {
			return errors.OutOfOrder(packets[i-1].EndKey, p.Key)
		}
	}
	return nil
}

// ValidateContiguous checks that packets continue the log exactly at
// expectedNext and leave no gap between each other
func ValidateContiguous(expectedNext uint64, packets []model.Packet) error {
	next := expectedNext
	for _, p := range packets {
		if p.Key < next {
			return errors.OutOfOrder(next-1, p.Key)
		}
		if p.Key > next {
			return errors.SequenceGap(next, p.Key)
		}
		next = p.EndKey + 1
	}
	return nil
}

// ValidateChannelName validates a replication channel name
func ValidateChannelName(name string) error {
	if name == "" {
		return errors.InvalidArgument("channel name cannot be empty", nil)
	}

	if len(name) > MaxChannelNameSize {
		return errors.InvalidArgument(
			fmt.Sprintf("channel name exceeds maximum size of %d bytes", MaxChannelNameSize), nil)
	}

	// Names end up in metric labels and gRPC metadata
	for _, r := range name {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return errors.InvalidArgument("channel name cannot contain whitespace or control characters", nil)
		}
	}

	if strings.ContainsAny(name, "/:") {
		return errors.InvalidArgument("channel name cannot contain '/' or ':'", nil)
	}

	return nil
}
