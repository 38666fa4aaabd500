package rpc

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"

	"github.com/shaiso/Tributary/internal/domain"
	"github.com/shaiso/Tributary/internal/stream"
)

const subBatch = 100

// streamService — сервис tributary.Stream поверх stream.Log.
type streamService struct {
	log  stream.Log
	poll time.Duration
}

var streamServiceDesc = grpc.ServiceDesc{
	ServiceName: "tributary.Stream",
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Pub", Handler: unary("/tributary.Stream/Pub", (*streamService).pub)},
		{MethodName: "Read", Handler: unary("/tributary.Stream/Read", (*streamService).read)},
		{MethodName: "Head", Handler: unary("/tributary.Stream/Head", (*streamService).head)},
		{MethodName: "Last", Handler: unary("/tributary.Stream/Last", (*streamService).last)},
	},
	Streams: []grpc.StreamDesc{
		{StreamName: "Sub", Handler: subHandler, ServerStreams: true},
	},
	Metadata: "tributary/stream",
}

// unary строит обработчик унарного метода streamService.
func unary[Req any, Resp any](method string, fn func(*streamService, context.Context, *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := new(Req)
		if err := dec(req); err != nil {
			return nil, err
		}
		s := srv.(*streamService)
		if interceptor == nil {
			return fn(s, ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, req, info, func(ctx context.Context, req any) (any, error) {
			return fn(s, ctx, req.(*Req))
		})
	}
}

func keyOf(projectID, streamID string) (stream.Key, error) {
	if projectID == "" || streamID == "" {
		return stream.Key{}, fmt.Errorf("%w: project id and stream id are required", domain.ErrValidation)
	}
	return stream.Key{ProjectID: projectID, StreamID: streamID}, nil
}

func (s *streamService) pub(ctx context.Context, req *AppendRequest) (*AppendResponse, error) {
	key, err := keyOf(req.ProjectID, req.StreamID)
	if err != nil {
		return nil, err
	}
	id, err := s.log.Append(ctx, key, req.DatapointID, req.Payload)
	if err != nil {
		return nil, err
	}
	return &AppendResponse{ID: id}, nil
}

func (s *streamService) read(ctx context.Context, req *ReadRequest) (*ReadResponse, error) {
	key, err := keyOf(req.ProjectID, req.StreamID)
	if err != nil {
		return nil, err
	}
	after := req.After
	if after == "" {
		after = stream.StartID
	}
	entries, err := s.log.Read(ctx, key, after, req.Count)
	if err != nil {
		return nil, err
	}
	return &ReadResponse{Entries: toEntryMessages(entries)}, nil
}

func (s *streamService) head(ctx context.Context, req *ReadRequest) (*HeadResponse, error) {
	key, err := keyOf(req.ProjectID, req.StreamID)
	if err != nil {
		return nil, err
	}
	id, err := s.log.Head(ctx, key)
	if err != nil {
		return nil, err
	}
	return &HeadResponse{ID: id}, nil
}

func (s *streamService) last(ctx context.Context, req *ReadRequest) (*ReadResponse, error) {
	key, err := keyOf(req.ProjectID, req.StreamID)
	if err != nil {
		return nil, err
	}
	entries, err := s.log.Last(ctx, key, req.Count)
	if err != nil {
		return nil, err
	}
	return &ReadResponse{Entries: toEntryMessages(entries)}, nil
}

func subHandler(srv any, ss grpc.ServerStream) error {
	var req ReadRequest
	if err := ss.RecvMsg(&req); err != nil {
		return err
	}
	return srv.(*streamService).sub(&req, ss)
}

// sub отправляет записи после req.After по мере появления, пока клиент
// не отменит вызов.
func (s *streamService) sub(req *ReadRequest, ss grpc.ServerStream) error {
	ctx := ss.Context()

	key, err := keyOf(req.ProjectID, req.StreamID)
	if err != nil {
		return err
	}
	after := req.After
	if after == "" {
		after = stream.StartID
	}

	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		entries, err := s.log.Read(ctx, key, after, subBatch)
		if err != nil {
			return err
		}
		for _, e := range entries {
			msg := toEntryMessage(e)
			if err := ss.SendMsg(&msg); err != nil {
				return err
			}
			after = e.ID
		}
		if len(entries) == subBatch {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func toEntryMessage(e stream.Entry) EntryMessage {
	return EntryMessage{ID: e.ID, DatapointID: e.DatapointID, Payload: e.Payload}
}

func toEntryMessages(entries []stream.Entry) []EntryMessage {
	out := make([]EntryMessage, 0, len(entries))
	for _, e := range entries {
		out = append(out, toEntryMessage(e))
	}
	return out
}

func fromEntryMessages(msgs []EntryMessage) []stream.Entry {
	out := make([]stream.Entry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, stream.Entry{ID: m.ID, DatapointID: m.DatapointID, Payload: m.Payload})
	}
	return out
}
