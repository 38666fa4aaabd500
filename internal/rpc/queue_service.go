package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"google.golang.org/grpc"

	"github.com/shaiso/Tributary/internal/domain"
	"github.com/shaiso/Tributary/internal/queue"
)

// queueService — сервис tributary.Queue поверх queue.Coordinator.
type queueService struct {
	coord  *queue.Coordinator
	logger *slog.Logger
}

var queueServiceDesc = grpc.ServiceDesc{
	ServiceName: "tributary.Queue",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "AddJob", Handler: addJobHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WorkerReportDuty",
			Handler:       workerReportDutyHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "tributary/queue",
}

func addJobHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(AddJobRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(*queueService)
	if interceptor == nil {
		return s.addJob(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/tributary.Queue/AddJob"}
	return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
		return s.addJob(ctx, req.(*AddJobRequest))
	})
}

func (s *queueService) addJob(ctx context.Context, req *AddJobRequest) (*AddJobResponse, error) {
	added, err := s.coord.AddJob(ctx, queue.Job{
		ProjectID:  req.ProjectID,
		SpecName:   req.SpecName,
		JobID:      req.JobID,
		Params:     req.Params,
		ContextID:  req.ContextID,
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	return &AddJobResponse{Added: added}, nil
}

func workerReportDutyHandler(srv any, stream grpc.ServerStream) error {
	return srv.(*queueService).workerReportDuty(stream)
}

// workerReportDuty ведёт сессию одного воркера. Разрыв потока снимает
// воркера с учёта; незавершённый job вернётся по истечении аренды.
func (s *queueService) workerReportDuty(stream grpc.ServerStream) error {
	ctx := stream.Context()

	var hello DutyRequest
	if err := stream.RecvMsg(&hello); err != nil {
		return err
	}
	if hello.Op != OpSignUp {
		return fmt.Errorf("%w: first message must be %s, got %q", ErrProtocol, OpSignUp, hello.Op)
	}
	if hello.ProjectID == "" || hello.SpecName == "" {
		return fmt.Errorf("%w: project id and spec name are required", domain.ErrValidation)
	}

	session := s.coord.SignUp(queue.Key{ProjectID: hello.ProjectID, SpecName: hello.SpecName})
	defer session.Close()

	if err := stream.SendMsg(&DutyResponse{}); err != nil {
		return err
	}

	for {
		var req DutyRequest
		if err := stream.RecvMsg(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		resp := s.handleDuty(ctx, session, &req)
		if err := stream.SendMsg(resp); err != nil {
			return err
		}
	}
}

func (s *queueService) handleDuty(ctx context.Context, session *queue.WorkerSession, req *DutyRequest) *DutyResponse {
	var err error
	resp := &DutyResponse{}

	switch req.Op {
	case OpNext:
		var lease *queue.Lease
		lease, err = session.NextJob(ctx)
		if err == nil {
			resp.Lease = &LeaseMessage{Job: lease.Job, Attempt: lease.Attempt, Deadline: lease.Deadline}
		}
	case OpProgress:
		err = session.Progress(ctx, req.Delta)
	case OpComplete:
		err = session.Complete(ctx)
	case OpFail:
		err = session.Fail(ctx, req.Payload)
	default:
		err = fmt.Errorf("%w: unknown op %q", ErrProtocol, req.Op)
	}

	if err != nil {
		s.logger.Debug("duty operation failed", "op", req.Op, "queue", session.Key().String(), "error", err)
	}
	resp.Error = encodeError(err)
	return resp
}
