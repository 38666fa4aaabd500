package rpc

import (
	"context"
	"sync"

	"google.golang.org/grpc"

	"github.com/shaiso/Tributary/internal/capacity"
)

var instanceStreamDesc = grpc.StreamDesc{
	StreamName:    "ReportAsInstance",
	ServerStreams: true,
	ClientStreams: true,
}

// ReportAsInstance открывает сессию инстанса в CapacityNegotiator.
func (c *Client) ReportAsInstance(ctx context.Context, instanceID string) (*CapacityLink, error) {
	ctx, cancel := context.WithCancel(ctx)

	cs, err := c.conn.NewStream(ctx, &instanceStreamDesc, "/tributary.Capacity/ReportAsInstance")
	if err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	if err := cs.SendMsg(&InstanceMessage{InstanceID: instanceID}); err != nil {
		cancel()
		return nil, fromStatus(err)
	}
	return &CapacityLink{stream: cs, cancel: cancel}, nil
}

// CapacityLink — клиентская сторона сессии инстанса. Реализует capacity.Link.
type CapacityLink struct {
	stream grpc.ClientStream
	cancel context.CancelFunc

	sendMu sync.Mutex
	once   sync.Once
}

// Report отправляет отчёт о ёмкости.
func (l *CapacityLink) Report(ctx context.Context, r capacity.Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	if err := l.stream.SendMsg(&InstanceMessage{Report: &r}); err != nil {
		return fromStatus(err)
	}
	return nil
}

// Receive ждёт команду negotiator. Отмена ctx закрывает сессию.
func (l *CapacityLink) Receive(ctx context.Context) (capacity.Command, error) {
	stop := context.AfterFunc(ctx, l.cancel)
	defer stop()

	var cmd capacity.Command
	if err := l.stream.RecvMsg(&cmd); err != nil {
		if ctx.Err() != nil {
			return capacity.Command{}, ctx.Err()
		}
		return capacity.Command{}, fromStatus(err)
	}
	return cmd, nil
}

// Close завершает сессию; negotiator удаляет записи инстанса.
func (l *CapacityLink) Close() error {
	l.once.Do(func() {
		l.sendMu.Lock()
		_ = l.stream.CloseSend()
		l.sendMu.Unlock()
		l.cancel()
	})
	return nil
}
