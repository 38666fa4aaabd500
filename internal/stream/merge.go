package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/shaiso/Tributary/internal/domain"
)

// Source — подписка на один тег.
type Source interface {
	Next(ctx context.Context) (Datapoint, error)
}

// TaggedSource — источник для слияния.
type TaggedSource struct {
	Tag    domain.Tag
	Source Source
}

// TaggedValue — элемент слитой последовательности.
//
// Terminated=true означает, что тег Tag завершён; Datapoint при этом пуст.
type TaggedValue struct {
	Tag        domain.Tag
	Datapoint  Datapoint
	Terminated bool
}

type mergeItem struct {
	value TaggedValue
	err   error
}

// Merged — слияние нескольких тегов в порядке прихода значений.
//
// Каждый источник читается своей горутиной и кладёт значения в общий
// Mailbox, поэтому порядок внутри тега сохраняется, а между тегами
// определяется временем прихода.
type Merged struct {
	box       *Mailbox[mergeItem]
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	remaining int
	err       error
}

// Merge запускает чтение всех источников. Закрывается через Close.
func Merge(ctx context.Context, sources ...TaggedSource) *Merged {
	ctx, cancel := context.WithCancel(ctx)

	m := &Merged{
		box:       NewMailbox[mergeItem](),
		cancel:    cancel,
		remaining: len(sources),
	}

	for _, src := range sources {
		m.wg.Add(1)
		go m.pump(ctx, src)
	}

	return m
}

func (m *Merged) pump(ctx context.Context, src TaggedSource) {
	defer m.wg.Done()

	for {
		dp, err := src.Source.Next(ctx)
		switch {
		case err == nil:
			m.box.Put(mergeItem{value: TaggedValue{Tag: src.Tag, Datapoint: dp}})
		case errors.Is(err, ErrTerminated):
			m.box.Put(mergeItem{value: TaggedValue{Tag: src.Tag, Terminated: true}})
			return
		case ctx.Err() != nil:
			return
		default:
			m.box.Put(mergeItem{value: TaggedValue{Tag: src.Tag}, err: err})
			return
		}
	}
}

// Next возвращает следующий элемент.
//
// Завершение каждого тега отдаётся отдельным элементом с Terminated=true.
// Когда завершены все теги, возвращается ErrTerminated.
func (m *Merged) Next(ctx context.Context) (TaggedValue, error) {
	if m.err != nil {
		return TaggedValue{}, m.err
	}
	if m.remaining == 0 {
		return TaggedValue{}, ErrTerminated
	}

	item, err := m.box.Receive(ctx)
	if err != nil {
		if errors.Is(err, ErrMailboxClosed) {
			return TaggedValue{}, ErrTerminated
		}
		return TaggedValue{}, err
	}
	if item.err != nil {
		m.err = item.err
		return TaggedValue{}, item.err
	}
	if item.value.Terminated {
		m.remaining--
	}
	return item.value, nil
}

// Close останавливает чтение источников.
func (m *Merged) Close() {
	m.cancel()
	m.wg.Wait()
	m.box.Close()
}
