package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"path"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/shaiso/Tributary/internal/capacity"
	"github.com/shaiso/Tributary/internal/queue"
	"github.com/shaiso/Tributary/internal/stream"
)

const defaultSubPollInterval = 100 * time.Millisecond

// ServerConfig — конфигурация Server. Сервис без зависимости не регистрируется.
type ServerConfig struct {
	Coordinator *queue.Coordinator
	Negotiator  *capacity.Negotiator
	Log         stream.Log

	// SubPollInterval — интервал опроса лога подпиской Sub (default: 100ms).
	SubPollInterval time.Duration

	Logger *slog.Logger
}

// Server — gRPC-сервер сервисов Queue, Capacity и Stream.
type Server struct {
	grpc   *grpc.Server
	logger *slog.Logger
}

// NewServer создаёт сервер и регистрирует сервисы.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poll := cfg.SubPollInterval
	if poll <= 0 {
		poll = defaultSubPollInterval
	}

	gs := grpc.NewServer(
		grpc.ForceServerCodec(jsonCodec{}),
		grpc.ChainUnaryInterceptor(unaryServerInterceptor(logger)),
		grpc.ChainStreamInterceptor(streamServerInterceptor(logger)),
	)

	if cfg.Coordinator != nil {
		gs.RegisterService(&queueServiceDesc, &queueService{coord: cfg.Coordinator, logger: logger})
	}
	if cfg.Negotiator != nil {
		gs.RegisterService(&capacityServiceDesc, &capacityService{n: cfg.Negotiator, logger: logger})
	}
	if cfg.Log != nil {
		gs.RegisterService(&streamServiceDesc, &streamService{log: cfg.Log, poll: poll})
	}

	return &Server{grpc: gs, logger: logger}
}

// Serve принимает соединения до Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC server listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}

// Stop завершает активные вызовы и останавливает сервер.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

// unaryServerInterceptor логирует вызов, ловит панику и переводит
// доменные ошибки в статусы.
func unaryServerInterceptor(logger *slog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		start := time.Now()

		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic in gRPC handler", "method", info.FullMethod, "panic", rec)
				err = status.Error(codes.Internal, "internal error")
			}
		}()

		resp, err = handler(ctx, req)
		err = toStatus(err)

		attrs := []any{
			"service", path.Dir(info.FullMethod)[1:],
			"method", path.Base(info.FullMethod),
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if err != nil {
			st := status.Convert(err)
			logger.Debug("gRPC call failed", append(attrs, "status", st.Code().String(), "error", st.Message())...)
		} else {
			logger.Debug("gRPC call completed", attrs...)
		}
		return resp, err
	}
}

func streamServerInterceptor(logger *slog.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		start := time.Now()

		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic in gRPC stream", "method", info.FullMethod, "panic", rec)
				err = status.Error(codes.Internal, "internal error")
			}
		}()

		err = toStatus(handler(srv, ss))

		logger.Debug("gRPC stream closed",
			"method", path.Base(info.FullMethod),
			"duration_ms", time.Since(start).Milliseconds(),
			"status", status.Code(err).String(),
		)
		return err
	}
}
