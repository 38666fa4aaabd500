package rpc

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/shaiso/Tributary/internal/queue"
	"github.com/shaiso/Tributary/internal/retry"
	"github.com/shaiso/Tributary/internal/stream"
)

// ClientConfig — конфигурация Client.
type ClientConfig struct {
	// Addr — адрес vault, host:port.
	Addr string

	// Retry — повторы унарных вызовов при недоступности сервера.
	Retry retry.Policy

	// DialOptions — дополнительные опции соединения.
	DialOptions []grpc.DialOption

	Logger *slog.Logger
}

// Client — клиент сервисов vault.
//
// Реализует runtime.Submitter, worker.DutyProvider, queue.Scaler, stream.Log
// и stream.Follower.
type Client struct {
	conn   *grpc.ClientConn
	retry  retry.Policy
	logger *slog.Logger
}

// Dial создаёт клиент. Соединение устанавливается при первом вызове.
func Dial(cfg ClientConfig) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultPolicy()
	}

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
		grpc.WithChainUnaryInterceptor(unaryClientInterceptor(logger)),
	}
	opts = append(opts, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("grpc: failed to create client for %s: %w", cfg.Addr, err)
	}

	logger.Info("gRPC client created", "target", cfg.Addr)
	return &Client{conn: conn, retry: cfg.Retry, logger: logger}, nil
}

// Close закрывает соединение.
func (c *Client) Close() error {
	return c.conn.Close()
}

func unaryClientInterceptor(logger *slog.Logger) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		start := time.Now()
		err := invoker(ctx, method, req, reply, cc, opts...)

		attrs := []any{
			"method", path.Base(method),
			"duration_ms", time.Since(start).Milliseconds(),
			"target", cc.Target(),
		}
		if err != nil {
			st := status.Convert(err)
			logger.Debug("gRPC call failed", append(attrs, "status", st.Code().String(), "error", st.Message())...)
		}
		return err
	}
}

// invoke выполняет унарный вызов с повтором транспортных ошибок.
func invoke[Resp any](ctx context.Context, c *Client, method string, req any) (*Resp, error) {
	return retry.Do(ctx, c.retry, func(ctx context.Context) (*Resp, error) {
		resp := new(Resp)
		if err := c.conn.Invoke(ctx, method, req, resp); err != nil {
			return nil, fromStatus(err)
		}
		return resp, nil
	})
}

// AddJob ставит job в очередь. Реализует runtime.Submitter.
func (c *Client) AddJob(ctx context.Context, job queue.Job) (bool, error) {
	resp, err := invoke[AddJobResponse](ctx, c, "/tributary.Queue/AddJob", &AddJobRequest{
		ProjectID: job.ProjectID,
		SpecName:  job.SpecName,
		JobID:     job.JobID,
		Params:    job.Params,
		ContextID: job.ContextID,
	})
	if err != nil {
		return false, err
	}
	return resp.Added, nil
}

// IncreaseCapacity просит дополнительных воркеров. Реализует queue.Scaler.
func (c *Client) IncreaseCapacity(ctx context.Context, projectID, specName string, by int) (string, error) {
	resp, err := invoke[IncreaseCapacityResponse](ctx, c, "/tributary.Capacity/IncreaseCapacity", &IncreaseCapacityRequest{
		ProjectID: projectID,
		SpecName:  specName,
		By:        by,
	})
	if err != nil {
		return "", err
	}
	return resp.InstanceID, nil
}

// Append дописывает запись через vault. Лог идемпотентен по datapointID,
// поэтому вызов повторяется, как и остальные.
func (c *Client) Append(ctx context.Context, key stream.Key, datapointID string, payload []byte) (string, error) {
	resp, err := invoke[AppendResponse](ctx, c, "/tributary.Stream/Pub", &AppendRequest{
		ProjectID:   key.ProjectID,
		StreamID:    key.StreamID,
		DatapointID: datapointID,
		Payload:     payload,
	})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Read реализует stream.Log.
func (c *Client) Read(ctx context.Context, key stream.Key, after string, count int64) ([]stream.Entry, error) {
	resp, err := invoke[ReadResponse](ctx, c, "/tributary.Stream/Read", &ReadRequest{
		ProjectID: key.ProjectID,
		StreamID:  key.StreamID,
		After:     after,
		Count:     count,
	})
	if err != nil {
		return nil, err
	}
	return fromEntryMessages(resp.Entries), nil
}

// Head реализует stream.Log.
func (c *Client) Head(ctx context.Context, key stream.Key) (string, error) {
	resp, err := invoke[HeadResponse](ctx, c, "/tributary.Stream/Head", &ReadRequest{
		ProjectID: key.ProjectID,
		StreamID:  key.StreamID,
	})
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Last реализует stream.Log.
func (c *Client) Last(ctx context.Context, key stream.Key, n int64) ([]stream.Entry, error) {
	resp, err := invoke[ReadResponse](ctx, c, "/tributary.Stream/Last", &ReadRequest{
		ProjectID: key.ProjectID,
		StreamID:  key.StreamID,
		Count:     n,
	})
	if err != nil {
		return nil, err
	}
	return fromEntryMessages(resp.Entries), nil
}

var subStreamDesc = grpc.StreamDesc{StreamName: "Sub", ServerStreams: true}

// EntryStream — подписка Sub на записи потока.
type EntryStream struct {
	stream grpc.ClientStream
	cancel context.CancelFunc
}

// Sub подписывается на записи после after (пусто — с начала).
func (c *Client) Sub(ctx context.Context, key stream.Key, after string) (*EntryStream, error) {
	ctx, cancel := context.WithCancel(ctx)

	cs, err := c.conn.NewStream(ctx, &subStreamDesc, "/tributary.Stream/Sub")
	if err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	if err := cs.SendMsg(&ReadRequest{ProjectID: key.ProjectID, StreamID: key.StreamID, After: after}); err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	if err := cs.CloseSend(); err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	return &EntryStream{stream: cs, cancel: cancel}, nil
}

// Follow реализует stream.Follower поверх Sub: открывает подписку, ждёт
// одну запись и закрывает её.
func (c *Client) Follow(ctx context.Context, key stream.Key, after string) (stream.Entry, error) {
	entries, err := c.Sub(ctx, key, after)
	if err != nil {
		return stream.Entry{}, err
	}
	defer entries.Close()

	e, err := entries.Recv()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return stream.Entry{}, ctxErr
		}
		return stream.Entry{}, err
	}
	return e, nil
}

// Recv ждёт следующую запись.
func (s *EntryStream) Recv() (stream.Entry, error) {
	var msg EntryMessage
	if err := s.stream.RecvMsg(&msg); err != nil {
		return stream.Entry{}, fromStatus(err)
	}
	return stream.Entry{ID: msg.ID, DatapointID: msg.DatapointID, Payload: msg.Payload}, nil
}

// Close отменяет подписку.
func (s *EntryStream) Close() {
	s.cancel()
}
