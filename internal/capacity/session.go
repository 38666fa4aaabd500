package capacity

import (
	"context"
	"errors"
	"sync"

	"github.com/shaiso/Tributary/internal/stream"
)

// ErrSessionClosed — сессия инстанса закрыта.
var ErrSessionClosed = errors.New("capacity session closed")

// Session — двусторонняя сессия одного инстанса: отчёты о ёмкости внутрь,
// команды наружу. Команды не теряются, пока сессия открыта.
type Session struct {
	n          *Negotiator
	instanceID string
	box        *stream.Mailbox[Command]

	once sync.Once
}

// InstanceID возвращает id инстанса.
func (s *Session) InstanceID() string {
	return s.instanceID
}

// Report заявляет ёмкость для пары. Повторный отчёт заменяет предыдущий.
func (s *Session) Report(ctx context.Context, r Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.n.report(s, r)
}

// Receive ждёт следующую команду.
func (s *Session) Receive(ctx context.Context) (Command, error) {
	cmd, err := s.box.Receive(ctx)
	if errors.Is(err, stream.ErrMailboxClosed) {
		return Command{}, ErrSessionClosed
	}
	return cmd, err
}

// Close закрывает сессию и удаляет все записи инстанса.
// Ожидающий Receive получает ErrSessionClosed.
func (s *Session) Close() error {
	s.once.Do(func() {
		s.n.disconnect(s)
		s.box.Close()
	})
	return nil
}
