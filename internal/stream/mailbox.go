package stream

import (
	"context"
	"sync"
)

// Mailbox — неограниченная FIFO-очередь с одним слотом ожидающего получателя.
//
// Put либо передаёт значение получателю, который уже ждёт, либо кладёт его
// в очередь. Производители никогда не блокируются. Получатель один:
// параллельный Receive возвращает ErrReceiverBusy.
type Mailbox[T any] struct {
	mu     sync.Mutex
	queue  []T
	waiter chan T
	closed bool
}

// NewMailbox создаёт пустой mailbox.
func NewMailbox[T any]() *Mailbox[T] {
	return &Mailbox[T]{}
}

// Put добавляет значение. Возвращает false, если mailbox закрыт.
func (m *Mailbox[T]) Put(v T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false
	}

	if m.waiter != nil {
		// Буфер слота — 1, отправка не блокируется
		m.waiter <- v
		m.waiter = nil
		return true
	}

	m.queue = append(m.queue, v)
	return true
}

// Receive возвращает следующее значение, ожидая его при пустой очереди.
//
// Значения, положенные до Close, отдаются и после него; затем — ErrMailboxClosed.
func (m *Mailbox[T]) Receive(ctx context.Context) (T, error) {
	var zero T

	m.mu.Lock()
	if len(m.queue) > 0 {
		v := m.queue[0]
		var empty T
		m.queue[0] = empty
		m.queue = m.queue[1:]
		m.mu.Unlock()
		return v, nil
	}
	if m.closed {
		m.mu.Unlock()
		return zero, ErrMailboxClosed
	}
	if m.waiter != nil {
		m.mu.Unlock()
		return zero, ErrReceiverBusy
	}

	w := make(chan T, 1)
	m.waiter = w
	m.mu.Unlock()

	select {
	case v, ok := <-w:
		if !ok {
			return zero, ErrMailboxClosed
		}
		return v, nil

	case <-ctx.Done():
		m.mu.Lock()
		if m.waiter == w {
			m.waiter = nil
			m.mu.Unlock()
			return zero, ctx.Err()
		}
		m.mu.Unlock()

		// Слот уже освобождён: значение передано или mailbox закрыт
		v, ok := <-w
		if !ok {
			return zero, ErrMailboxClosed
		}
		return v, nil
	}
}

// Close закрывает mailbox. Ожидающий получатель получает ErrMailboxClosed.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	if m.waiter != nil {
		close(m.waiter)
		m.waiter = nil
	}
}

// Len возвращает количество значений в очереди.
func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
