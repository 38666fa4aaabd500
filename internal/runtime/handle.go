package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shaiso/Tributary/internal/domain"
	"github.com/shaiso/Tributary/internal/stream"
)

// JobHandle — доступ к job: его входы, выходы и статус.
type JobHandle struct {
	Job    domain.Job
	Spec   *domain.JobSpec
	Input  *Input
	Output *Output

	r *Runtime
}

// Status возвращает текущий статус job.
func (h *JobHandle) Status(ctx context.Context) (domain.StatusRecord, error) {
	return h.r.Status(ctx, h.Job.ProjectID, h.Job.JobID)
}

// Wait ждёт терминального статуса job.
func (h *JobHandle) Wait(ctx context.Context) (domain.StatusRecord, error) {
	return h.r.Wait(ctx, h.Job.ProjectID, h.Job.JobID)
}

// inputTerminateTimeout ограничивает завершение входов после ухода вызывающего.
const inputTerminateTimeout = 10 * time.Second

// TerminateInputsOnDone привязывает входы job к сессии вызывающего:
// когда ctx отменяется, все входные теги завершаются.
//
// Возвращённая функция снимает привязку, не трогая входы. Её можно
// вызывать повторно.
func (h *JobHandle) TerminateInputsOnDone(ctx context.Context) (release func()) {
	done := make(chan struct{})

	go func() {
		select {
		case <-done:
			return
		case <-ctx.Done():
			select {
			case <-done:
				return
			default:
			}
		}

		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), inputTerminateTimeout)
		defer cancel()

		logger := h.r.logger.With("job_id", h.Job.JobID)
		if err := h.Input.TerminateAll(tctx); err != nil {
			logger.Warn("failed to terminate inputs of disconnected caller", "error", err)
			return
		}
		logger.Info("caller disconnected, inputs terminated")
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}
}

// ports — теги одного направления, привязанные к потокам.
type ports struct {
	dir        domain.Direction
	spec       *domain.JobSpec
	streams    map[domain.Tag]string
	channels   map[domain.Tag]*stream.Channel
	transforms map[domain.Tag]TransformFunc

	mu      sync.Mutex
	cursors map[domain.Tag]*tagCursor
}

// tagCursor — общий курсор NextValue одного тега. lock (ёмкость 1)
// держится на всё чтение: Subscription не допускает параллельных Next.
type tagCursor struct {
	lock chan struct{}
	sub  *stream.Subscription
}

func (r *Runtime) newPorts(projectID string, spec *domain.JobSpec, dir domain.Direction, connectors []domain.StreamConnector, transforms map[domain.Tag]TransformFunc) *ports {
	p := &ports{
		dir:        dir,
		spec:       spec,
		streams:    make(map[domain.Tag]string),
		channels:   make(map[domain.Tag]*stream.Channel),
		transforms: transforms,
		cursors:    make(map[domain.Tag]*tagCursor),
	}

	for _, c := range connectors {
		if c.Direction != dir {
			continue
		}
		tag := c.Tag
		p.streams[tag] = c.StreamID
		p.channels[tag] = stream.NewChannel(stream.ChannelConfig{
			Log:          r.log,
			Key:          stream.Key{ProjectID: projectID, StreamID: c.StreamID},
			PollInterval: r.streamPoll,
			Logger:       r.logger,
			Validate: func(data any) error {
				return spec.Validate(dir, tag, data)
			},
		})
	}
	return p
}

// Tags возвращает привязанные теги в лексикографическом порядке.
func (p *ports) Tags() []domain.Tag {
	var out []domain.Tag
	for _, tag := range p.spec.Tags(p.dir).Tags() {
		if _, ok := p.channels[tag]; ok {
			out = append(out, tag)
		}
	}
	return out
}

// StreamID возвращает поток тега.
func (p *ports) StreamID(tag domain.Tag) (string, error) {
	if _, err := p.Channel(tag); err != nil {
		return "", err
	}
	return p.streams[tag], nil
}

// Channel возвращает канал тега. Тег вне набора spec — ErrNotFound.
func (p *ports) Channel(tag domain.Tag) (*stream.Channel, error) {
	if !p.spec.Tags(p.dir).Has(tag) {
		return nil, domain.NotFoundf("%s tag %s of spec %s", p.dir, tag, p.spec.Name)
	}
	ch, ok := p.channels[tag]
	if !ok {
		return nil, domain.NotFoundf("%s tag %s of spec %s is not bound", p.dir, tag, p.spec.Name)
	}
	return ch, nil
}

// Subscribe открывает независимое чтение тега с курсора.
func (p *ports) Subscribe(ctx context.Context, tag domain.Tag, cursor stream.Cursor) (stream.Source, error) {
	ch, err := p.Channel(tag)
	if err != nil {
		return nil, err
	}

	sub, err := ch.Subscribe(ctx, cursor)
	if err != nil {
		return nil, err
	}

	if fn, ok := p.transforms[tag]; ok {
		return transformSource{src: sub, fn: fn, tag: tag}, nil
	}
	return sub, nil
}

// NextValue возвращает следующее значение тега. Последовательные вызовы
// читают поток с начала; после маркера завершения — stream.ErrTerminated.
// Параллельные вызовы делят курсор: каждое значение получает один из них.
func (p *ports) NextValue(ctx context.Context, tag domain.Tag) (stream.Datapoint, error) {
	ch, err := p.Channel(tag)
	if err != nil {
		return stream.Datapoint{}, err
	}

	p.mu.Lock()
	cur, ok := p.cursors[tag]
	if !ok {
		cur = &tagCursor{lock: make(chan struct{}, 1)}
		p.cursors[tag] = cur
	}
	p.mu.Unlock()

	select {
	case cur.lock <- struct{}{}:
	case <-ctx.Done():
		return stream.Datapoint{}, ctx.Err()
	}
	defer func() { <-cur.lock }()

	if cur.sub == nil {
		cur.sub, err = ch.Subscribe(ctx, stream.CursorStart)
		if err != nil {
			return stream.Datapoint{}, err
		}
	}

	dp, err := cur.sub.Next(ctx)
	if err != nil {
		return dp, err
	}
	if fn, ok := p.transforms[tag]; ok {
		return applyTransform(ctx, fn, tag, dp)
	}
	return dp, nil
}

// LastValue возвращает последнее значение тега.
func (p *ports) LastValue(ctx context.Context, tag domain.Tag) (stream.Datapoint, error) {
	ch, err := p.Channel(tag)
	if err != nil {
		return stream.Datapoint{}, err
	}
	return ch.LastValue(ctx)
}

// Merge сливает теги в одну последовательность. Без тегов — все привязанные.
func (p *ports) Merge(ctx context.Context, cursor stream.Cursor, tags ...domain.Tag) (*stream.Merged, error) {
	if len(tags) == 0 {
		tags = p.Tags()
	}

	sources := make([]stream.TaggedSource, 0, len(tags))
	for _, tag := range tags {
		src, err := p.Subscribe(ctx, tag, cursor)
		if err != nil {
			return nil, err
		}
		sources = append(sources, stream.TaggedSource{Tag: tag, Source: src})
	}
	return stream.Merge(ctx, sources...), nil
}

func (p *ports) emit(ctx context.Context, tag domain.Tag, data any) (string, error) {
	ch, err := p.Channel(tag)
	if err != nil {
		return "", err
	}
	return ch.Emit(ctx, data)
}

func (p *ports) terminate(ctx context.Context, tag domain.Tag) error {
	ch, err := p.Channel(tag)
	if err != nil {
		return err
	}
	_, err = ch.Terminate(ctx)
	return err
}

func (p *ports) terminateAll(ctx context.Context) error {
	for _, tag := range p.Tags() {
		if err := p.terminate(ctx, tag); err != nil {
			return fmt.Errorf("terminate %s tag %s: %w", p.dir, tag, err)
		}
	}
	return nil
}

// Input — входные теги job.
type Input struct {
	*ports
}

// Feed проверяет данные схемой тега и дописывает их во входной поток.
func (i *Input) Feed(ctx context.Context, tag domain.Tag, data any) (string, error) {
	return i.emit(ctx, tag, data)
}

// Terminate завершает входной тег.
func (i *Input) Terminate(ctx context.Context, tag domain.Tag) error {
	return i.terminate(ctx, tag)
}

// TerminateAll завершает все входные теги.
func (i *Input) TerminateAll(ctx context.Context) error {
	return i.terminateAll(ctx)
}

// Output — выходные теги job.
type Output struct {
	*ports
}

// Emit проверяет данные схемой тега и дописывает их в выходной поток.
func (o *Output) Emit(ctx context.Context, tag domain.Tag, data any) (string, error) {
	return o.emit(ctx, tag, data)
}

// Terminate завершает выходной тег.
func (o *Output) Terminate(ctx context.Context, tag domain.Tag) error {
	return o.terminate(ctx, tag)
}

// TerminateAll завершает все выходные теги.
func (o *Output) TerminateAll(ctx context.Context) error {
	return o.terminateAll(ctx)
}
