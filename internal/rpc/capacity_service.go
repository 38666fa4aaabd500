package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"google.golang.org/grpc"

	"github.com/shaiso/Tributary/internal/capacity"
	"github.com/shaiso/Tributary/internal/domain"
)

// capacityService — сервис tributary.Capacity поверх capacity.Negotiator.
type capacityService struct {
	n      *capacity.Negotiator
	logger *slog.Logger
}

var capacityServiceDesc = grpc.ServiceDesc{
	ServiceName: "tributary.Capacity",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "IncreaseCapacity", Handler: increaseCapacityHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "ReportAsInstance",
			Handler:       reportAsInstanceHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "tributary/capacity",
}

func increaseCapacityHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(IncreaseCapacityRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(*capacityService)
	if interceptor == nil {
		return s.increaseCapacity(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/tributary.Capacity/IncreaseCapacity"}
	return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
		return s.increaseCapacity(ctx, req.(*IncreaseCapacityRequest))
	})
}

func (s *capacityService) increaseCapacity(ctx context.Context, req *IncreaseCapacityRequest) (*IncreaseCapacityResponse, error) {
	id, err := s.n.IncreaseCapacity(ctx, req.ProjectID, req.SpecName, req.By)
	if err != nil {
		return nil, err
	}
	return &IncreaseCapacityResponse{InstanceID: id}, nil
}

func reportAsInstanceHandler(srv any, stream grpc.ServerStream) error {
	return srv.(*capacityService).reportAsInstance(stream)
}

// reportAsInstance держит сессию инстанса: входящие сообщения — отчёты
// о ёмкости, исходящие — команды. Разрыв удаляет все записи инстанса.
func (s *capacityService) reportAsInstance(stream grpc.ServerStream) error {
	ctx, cancel := context.WithCancel(stream.Context())
	defer cancel()

	var hello InstanceMessage
	if err := stream.RecvMsg(&hello); err != nil {
		return err
	}
	if hello.InstanceID == "" {
		return fmt.Errorf("%w: first message must carry instance id", domain.ErrValidation)
	}

	session, err := s.n.Connect(hello.InstanceID)
	if err != nil {
		return err
	}
	defer session.Close()

	logger := s.logger.With("instance_id", hello.InstanceID)
	logger.Info("instance connected")
	defer logger.Info("instance disconnected")

	if hello.Report != nil {
		if err := session.Report(ctx, *hello.Report); err != nil {
			logger.Warn("rejected capacity report", "error", err)
		}
	}

	recvErr := make(chan error, 1)
	go func() {
		defer cancel()
		for {
			var msg InstanceMessage
			if err := stream.RecvMsg(&msg); err != nil {
				recvErr <- err
				return
			}
			if msg.Report == nil {
				continue
			}
			if err := session.Report(ctx, *msg.Report); err != nil {
				logger.Warn("rejected capacity report", "error", err)
			}
		}
	}()

	for {
		cmd, err := session.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				return err
			}
			if rerr := <-recvErr; !errors.Is(rerr, io.EOF) {
				return rerr
			}
			return nil
		}
		if err := stream.SendMsg(&cmd); err != nil {
			return err
		}
	}
}
