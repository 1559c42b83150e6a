package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/devrev/pairdb/backlog/internal/errors"
	"github.com/devrev/pairdb/backlog/internal/replication"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

// ReceiverSource resolves the receiver of a replication channel
type ReceiverSource interface {
	Receiver(name string) (*replication.Receiver, error)
}

// Server accepts frames from primaries and hands them to receivers
type Server struct {
	address    string
	receivers  ReceiverSource
	logger     *zap.Logger
	grpcServer *grpc.Server
}

// NewServer creates a server for address. It does not listen until Open.
func NewServer(address string, receivers ReceiverSource, logger *zap.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		address:   address,
		receivers: receivers,
		logger:    logger,
	}

	opts = append([]grpc.ServerOption{
		grpc.ForceServerCodec(frameCodec{}),
		grpc.UnaryInterceptor(s.loggingInterceptor),
	}, opts...)
	s.grpcServer = grpc.NewServer(opts...)
	s.grpcServer.RegisterService(&replicationServiceDesc, s)
	return s
}

// Open listens on the configured address and serves in the background
func (s *Server) Open() error {
	if s.address == "" {
		return fmt.Errorf("address of replication server cannot be empty")
	}
	lis, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.address, err)
	}
	go func() {
		if err := s.Serve(lis); err != nil {
			s.logger.Error("Replication server stopped serving", zap.Error(err))
		}
	}()
	return nil
}

// Serve serves on lis until Close
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("Replication server listening", zap.String("address", lis.Addr().String()))
	return s.grpcServer.Serve(lis)
}

// Close waits for in-flight batches and stops the server
func (s *Server) Close() {
	s.grpcServer.GracefulStop()
	s.logger.Info("Replication server stopped")
}

func (s *Server) applyBatch(ctx context.Context, req *rawMessage) (*rawMessage, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	names := md.Get(channelMetadataKey)
	if len(names) == 0 {
		return nil, s.fail(ctx, errors.InvalidArgument("missing "+channelMetadataKey+" metadata", nil))
	}

	receiver, err := s.receivers.Receiver(names[0])
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	key, err := receiver.Apply(ctx, req.data)
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	return encodeAck(key), nil
}

func (s *Server) fail(ctx context.Context, err error) error {
	if trailerErr := grpc.SetTrailer(ctx, errorCodeTrailer(err)); trailerErr != nil {
		s.logger.Debug("Failed to set error trailer", zap.Error(trailerErr))
	}
	return errors.ToGRPCStatus(err).Err()
}

func (s *Server) loggingInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		s.logger.Warn("Replication call failed",
			zap.String("method", info.FullMethod),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
	}
	return resp, err
}
