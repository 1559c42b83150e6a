// Package transport carries replication frames between a primary and its
// backups over gRPC.
//
// Frames are already encoded by the codec package, so the service is
// declared by hand and moves raw bytes through a pass-through codec instead
// of generated protobuf messages.
package transport

import (
	"context"
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/devrev/pairdb/backlog/internal/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

const (
	serviceName      = "pairdb.backlog.v1.Replication"
	applyBatchMethod = "/" + serviceName + "/ApplyBatch"

	// channelMetadataKey names the replication channel of a call
	channelMetadataKey = "x-backlog-channel"
	// errorCodeMetadataKey carries the exact internal error code in the
	// trailer, which gRPC status codes cannot express
	errorCodeMetadataKey = "x-backlog-error-code"

	ackSize = 8
)

// rawMessage is both the request frame and the acknowledgement
type rawMessage struct {
	data []byte
}

// frameCodec passes message bytes through unchanged
type frameCodec struct{}

func (frameCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(*rawMessage)
	if !ok {
		return nil, fmt.Errorf("frame codec cannot marshal %T", v)
	}
	return m.data, nil
}

func (frameCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(*rawMessage)
	if !ok {
		return fmt.Errorf("frame codec cannot unmarshal into %T", v)
	}
	m.data = append(m.data[:0], data...)
	return nil
}

func (frameCodec) Name() string {
	return "backlog-frame"
}

func encodeAck(key uint64) *rawMessage {
	buf := make([]byte, ackSize)
	binary.LittleEndian.PutUint64(buf, key)
	return &rawMessage{data: buf}
}

func decodeAck(m *rawMessage) (uint64, error) {
	if len(m.data) != ackSize {
		return 0, errors.MalformedFrame(fmt.Sprintf("acknowledgement of %d bytes", len(m.data)), nil)
	}
	return binary.LittleEndian.Uint64(m.data), nil
}

func errorCodeTrailer(err error) metadata.MD {
	return metadata.Pairs(errorCodeMetadataKey, strconv.Itoa(int(errors.GetCode(err))))
}

func errorCodeFromTrailer(md metadata.MD) (errors.ErrorCode, bool) {
	values := md.Get(errorCodeMetadataKey)
	if len(values) == 0 {
		return 0, false
	}
	code, err := strconv.Atoi(values[0])
	if err != nil {
		return 0, false
	}
	return errors.ErrorCode(code), true
}

// replicationService is implemented by Server
type replicationService interface {
	applyBatch(ctx context.Context, req *rawMessage) (*rawMessage, error)
}

func applyBatchHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(rawMessage)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(replicationService).applyBatch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: applyBatchMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(replicationService).applyBatch(ctx, req.(*rawMessage))
	}
	return interceptor(ctx, in, info, handler)
}

var replicationServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*replicationService)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "ApplyBatch",
			Handler:    applyBatchHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "backlog/replication",
}
