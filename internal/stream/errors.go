package stream

import "errors"

var (
	// ErrTerminated — поток закрыт маркером завершения.
	ErrTerminated = errors.New("stream terminated")

	// ErrMailboxClosed — mailbox закрыт и пуст.
	ErrMailboxClosed = errors.New("mailbox closed")

	// ErrReceiverBusy — у mailbox уже есть ожидающий получатель.
	ErrReceiverBusy = errors.New("mailbox already has a pending receiver")
)
