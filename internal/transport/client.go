package transport

import (
	"context"
	"fmt"

	"github.com/devrev/pairdb/backlog/internal/errors"
	"github.com/devrev/pairdb/backlog/internal/replication"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Client ships frames to the replication server of one backup
type Client struct {
	target string
	conn   *grpc.ClientConn
	logger *zap.Logger
}

var _ replication.Sender = (*Client)(nil)

// NewClient creates a client for target. The connection is established
// lazily on the first send.
func NewClient(target string, logger *zap.Logger, opts ...grpc.DialOption) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(frameCodec{})),
	}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create replication client for %s: %w", target, err)
	}

	return &Client{
		target: target,
		conn:   conn,
		logger: logger.With(zap.String("target", target)),
	}, nil
}

// Send delivers frame to the receiver of channel and returns the last key
// the backup applied
func (c *Client) Send(ctx context.Context, channel string, frame []byte) (uint64, error) {
	ctx = metadata.AppendToOutgoingContext(ctx, channelMetadataKey, channel)

	var trailer metadata.MD
	out := new(rawMessage)
	if err := c.conn.Invoke(ctx, applyBatchMethod, &rawMessage{data: frame}, out, grpc.Trailer(&trailer)); err != nil {
		return 0, c.toStorageError(err, trailer)
	}
	return decodeAck(out)
}

func (c *Client) toStorageError(err error, trailer metadata.MD) error {
	st, ok := status.FromError(err)
	if !ok {
		return errors.Unavailable("replication call failed", err)
	}
	code, ok := errorCodeFromTrailer(trailer)
	if !ok {
		code = errors.FromGRPCCode(st.Code())
	}
	return errors.NewStorageError(code, st.Message(), err).WithDetail("target", c.target)
}

// Close closes the connection
func (c *Client) Close() error {
	return c.conn.Close()
}
