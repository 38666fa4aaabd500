package rpc

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/shaiso/Tributary/internal/capacity"
	"github.com/shaiso/Tributary/internal/domain"
	"github.com/shaiso/Tributary/internal/queue"
)

// ErrProtocol — собеседник нарушил порядок сообщений сессии.
var ErrProtocol = errors.New("protocol violation")

// toStatus переводит доменную ошибку в статус gRPC.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeOf(err), err.Error())
}

func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, domain.ErrValidation), errors.Is(err, ErrProtocol):
		return codes.InvalidArgument
	case errors.Is(err, domain.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, domain.ErrConflict):
		return codes.FailedPrecondition
	case errors.Is(err, domain.ErrRemoteWorker):
		return codes.Aborted
	case errors.Is(err, domain.ErrTransport):
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// fromStatus переводит статус gRPC обратно в доменную ошибку.
func fromStatus(err error) error {
	if err == nil {
		return nil
	}

	st, ok := status.FromError(err)
	if !ok {
		return err
	}

	switch st.Code() {
	case codes.OK:
		return nil
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	case codes.InvalidArgument:
		return fmt.Errorf("%w: %s", domain.ErrValidation, st.Message())
	case codes.NotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, st.Message())
	case codes.AlreadyExists, codes.FailedPrecondition:
		return fmt.Errorf("%w: %s", domain.ErrConflict, st.Message())
	case codes.Aborted:
		return fmt.Errorf("%w: %s", domain.ErrRemoteWorker, st.Message())
	case codes.Unavailable, codes.ResourceExhausted:
		return fmt.Errorf("%w: %s", domain.ErrTransport, st.Message())
	default:
		return fmt.Errorf("rpc %s: %s", st.Code(), st.Message())
	}
}

// Причины ошибок сессии, которые клиент восстанавливает в исходные значения.
const (
	reasonLeaseLost     = "lease_lost"
	reasonSessionBusy   = "session_busy"
	reasonNoJob         = "no_job"
	reasonSessionClosed = "session_closed"
)

var reasons = map[string]error{
	reasonLeaseLost:     queue.ErrLeaseLost,
	reasonSessionBusy:   queue.ErrSessionBusy,
	reasonNoJob:         queue.ErrNoJob,
	reasonSessionClosed: queue.ErrSessionClosed,
}

// encodeError упаковывает ошибку операции внутри потоковой сессии.
func encodeError(err error) *ErrorMessage {
	if err == nil {
		return nil
	}

	msg := &ErrorMessage{Code: codeOf(err).String(), Message: err.Error()}
	for reason, sentinel := range reasons {
		if errors.Is(err, sentinel) {
			msg.Reason = reason
			break
		}
	}
	if errors.Is(err, capacity.ErrSessionClosed) {
		msg.Reason = reasonSessionClosed
	}
	return msg
}

// decodeError восстанавливает ошибку операции сессии.
func decodeError(msg *ErrorMessage) error {
	if msg == nil {
		return nil
	}
	if sentinel, ok := reasons[msg.Reason]; ok {
		return sentinel
	}

	for c := codes.OK; c <= codes.Unauthenticated; c++ {
		if c.String() == msg.Code {
			return fromStatus(status.Error(c, msg.Message))
		}
	}
	return errors.New(msg.Message)
}
