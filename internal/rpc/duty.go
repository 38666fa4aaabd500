package rpc

import (
	"context"
	"sync"

	"google.golang.org/grpc"

	"github.com/shaiso/Tributary/internal/queue"
	"github.com/shaiso/Tributary/internal/worker"
)

var dutyStreamDesc = grpc.StreamDesc{
	StreamName:    "WorkerReportDuty",
	ServerStreams: true,
	ClientStreams: true,
}

// SignUp открывает сессию WorkerReportDuty. Реализует worker.DutyProvider.
func (c *Client) SignUp(ctx context.Context, key queue.Key) (worker.Duty, error) {
	ctx, cancel := context.WithCancel(ctx)

	cs, err := c.conn.NewStream(ctx, &dutyStreamDesc, "/tributary.Queue/WorkerReportDuty")
	if err != nil {
		cancel()
		return nil, fromStatus(err)
	}

	d := &DutyStream{stream: cs, cancel: cancel, key: key}
	if _, err := d.call(ctx, &DutyRequest{Op: OpSignUp, ProjectID: key.ProjectID, SpecName: key.SpecName}); err != nil {
		d.Close()
		return nil, err
	}
	return d, nil
}

// DutyStream — клиентская сторона сессии воркера.
//
// Каждый запрос получает ровно один ответ по порядку, поэтому вызовы
// сериализуются. Отмена ожидания ответа закрывает сессию целиком.
type DutyStream struct {
	stream grpc.ClientStream
	cancel context.CancelFunc
	key    queue.Key

	mu     sync.Mutex
	closed bool
}

type dutyResult struct {
	resp *DutyResponse
	err  error
}

func (d *DutyStream) call(ctx context.Context, req *DutyRequest) (*DutyResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, queue.ErrSessionClosed
	}

	if err := d.stream.SendMsg(req); err != nil {
		d.closeLocked()
		return nil, fromStatus(err)
	}

	done := make(chan dutyResult, 1)
	go func() {
		resp := new(DutyResponse)
		if err := d.stream.RecvMsg(resp); err != nil {
			done <- dutyResult{err: fromStatus(err)}
			return
		}
		done <- dutyResult{resp: resp}
	}()

	select {
	case <-ctx.Done():
		d.closeLocked()
		return nil, ctx.Err()
	case r := <-done:
		if r.err != nil {
			d.closeLocked()
			return nil, r.err
		}
		return r.resp, decodeError(r.resp.Error)
	}
}

// NextJob реализует worker.Duty.
func (d *DutyStream) NextJob(ctx context.Context) (*queue.Lease, error) {
	resp, err := d.call(ctx, &DutyRequest{Op: OpNext})
	if err != nil {
		return nil, err
	}
	if resp.Lease == nil {
		return nil, queue.ErrNoJob
	}
	return &queue.Lease{
		Job:      resp.Lease.Job,
		Attempt:  resp.Lease.Attempt,
		Deadline: resp.Lease.Deadline,
	}, nil
}

// Progress реализует worker.Duty.
func (d *DutyStream) Progress(ctx context.Context, delta int) error {
	_, err := d.call(ctx, &DutyRequest{Op: OpProgress, Delta: delta})
	return err
}

// Complete реализует worker.Duty.
func (d *DutyStream) Complete(ctx context.Context) error {
	_, err := d.call(ctx, &DutyRequest{Op: OpComplete})
	return err
}

// Fail реализует worker.Duty.
func (d *DutyStream) Fail(ctx context.Context, payload string) error {
	_, err := d.call(ctx, &DutyRequest{Op: OpFail, Payload: payload})
	return err
}

// Close завершает сессию. Незавершённый job остаётся в очереди.
func (d *DutyStream) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked()
}

func (d *DutyStream) closeLocked() {
	if d.closed {
		return
	}
	d.closed = true
	_ = d.stream.CloseSend()
	d.cancel()
}
