package validation

import (
	"testing"

	"github.com/devrev/pairdb/backlog/internal/errors"
	"github.com/devrev/pairdb/backlog/internal/model"
	"github.com/stretchr/testify/assert"
)

func TestValidateSequence(t *testing.T) {
	v := NewValidatorWithLimits(8, 4)

	tests := []struct {
		name     string
		packets  []model.Packet
		wantCode errors.ErrorCode
	}{
		{name: "empty", packets: nil},
		{
			name:    "valid with tombstone",
			packets: []model.Packet{model.NewPacket(1, 1, []byte("a")), model.NewDiscardedRange(2, 5), model.NewPacket(6, 1, nil)},
		},
		{
			name:     "duplicate key",
			packets:  []model.Packet{model.NewPacket(1, 1, nil), model.NewPacket(1, 1, nil)},
			wantCode: errors.ErrCodeOutOfOrder,
		},
		{
			name:     "overlapping tombstone",
			packets:  []model.Packet{model.NewDiscardedRange(1, 5), model.NewPacket(4, 1, nil)},
			wantCode: errors.ErrCodeOutOfOrder,
		},
		{
			name:     "range on live packet",
			packets:  []model.Packet{{Key: 1, EndKey: 3, Weight: 1}},
			wantCode: errors.ErrCodeInvalidArgument,
		},
		{
			name:     "end before key",
			packets:  []model.Packet{{Key: 5, EndKey: 4, Discarded: true}},
			wantCode: errors.ErrCodeInvalidArgument,
		},
		{
			name:     "weighted tombstone",
			packets:  []model.Packet{{Key: 1, EndKey: 1, Weight: 3, Discarded: true}},
			wantCode: errors.ErrCodeInvalidArgument,
		},
		{
			name:     "payload too large",
			packets:  []model.Packet{model.NewPacket(1, 1, []byte("123456789"))},
			wantCode: errors.ErrCodeInvalidArgument,
		},
		{
			name: "too many packets",
			packets: []model.Packet{
				model.NewPacket(1, 1, nil), model.NewPacket(2, 1, nil), model.NewPacket(3, 1, nil),
				model.NewPacket(4, 1, nil), model.NewPacket(5, 1, nil),
			},
			wantCode: errors.ErrCodeInvalidArgument,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateSequence(tt.packets)
			assert.Equal(t, tt.wantCode, errors.GetCode(err))
		})
	}
}

func TestValidateContiguous(t *testing.T) {
	tests := []struct {
		name     string
		next     uint64
		packets  []model.Packet
		wantCode errors.ErrorCode
	}{
		{name: "continues", next: 5, packets: []model.Packet{model.NewPacket(5, 1, nil), model.NewDiscardedRange(6, 9), model.NewPacket(10, 1, nil)}},
		{name: "gap", next: 5, packets: []model.Packet{model.NewPacket(7, 1, nil)}, wantCode: errors.ErrCodeSequenceGap},
		{name: "inner gap", next: 1, packets: []model.Packet{model.NewPacket(1, 1, nil), model.NewPacket(3, 1, nil)}, wantCode: errors.ErrCodeSequenceGap},
		{name: "replay", next: 5, packets: []model.Packet{model.NewPacket(4, 1, nil)}, wantCode: errors.ErrCodeOutOfOrder},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantCode, errors.GetCode(ValidateContiguous(tt.next, tt.packets)))
		})
	}
}

func TestValidateChannelName(t *testing.T) {
	assert.NoError(t, ValidateChannelName("backup-1"))
	assert.Error(t, ValidateChannelName(""))
	assert.Error(t, ValidateChannelName("has space"))
	assert.Error(t, ValidateChannelName("a/b"))
	assert.Error(t, ValidateChannelName(string(make([]byte, MaxChannelNameSize+1))))
}
