package capacity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/Tributary/internal/domain"
)

func connect(t *testing.T, n *Negotiator, id string, capacity int) *Session {
	t.Helper()
	s, err := n.Connect(id)
	require.NoError(t, err)
	require.NoError(t, s.Report(context.Background(), Report{
		ProjectID:   "p",
		SpecName:    "doubler",
		MaxCapacity: capacity,
	}))
	return s
}

func receiveNow(t *testing.T, s *Session) Command {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	cmd, err := s.Receive(ctx)
	require.NoError(t, err)
	return cmd
}

func TestIncreaseCapacity_PicksLargestThenFallsBack(t *testing.T) {
	ctx := context.Background()
	n := New(Config{})

	x := connect(t, n, "X", 5)
	y := connect(t, n, "Y", 2)
	defer y.Close()

	chosen, err := n.IncreaseCapacity(ctx, "p", "doubler", 3)
	require.NoError(t, err)
	assert.Equal(t, "X", chosen)

	cmd := receiveNow(t, x)
	assert.Equal(t, CommandProvision, cmd.Kind)
	assert.Equal(t, 3, cmd.NumberOfWorkersNeeded)
	assert.NotEmpty(t, cmd.CorrelationID)

	require.NoError(t, x.Close())
	chosen, err = n.IncreaseCapacity(ctx, "p", "doubler", 1)
	require.NoError(t, err)
	assert.Equal(t, "Y", chosen)

	require.NoError(t, y.Close())
	_, err = n.IncreaseCapacity(ctx, "p", "doubler", 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestIncreaseCapacity_ClosedTargetFallsBack(t *testing.T) {
	ctx := context.Background()
	n := New(Config{})

	x := connect(t, n, "X", 5)
	y := connect(t, n, "Y", 2)
	defer y.Close()

	// Почтовый ящик X закрыт, а записи ещё не удалены
	x.box.Close()

	chosen, err := n.IncreaseCapacity(ctx, "p", "doubler", 1)
	require.NoError(t, err)
	assert.Equal(t, "Y", chosen)
	assert.Equal(t, CommandProvision, receiveNow(t, y).Kind)

	require.NoError(t, x.Close())
	require.NoError(t, y.Close())
	_, err = n.IncreaseCapacity(ctx, "p", "doubler", 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestIncreaseCapacity_UnknownPair(t *testing.T) {
	n := New(Config{})
	s := connect(t, n, "X", 5)
	defer s.Close()

	_, err := n.IncreaseCapacity(context.Background(), "p", "other", 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = n.IncreaseCapacity(context.Background(), "p", "doubler", 0)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestIncreaseCapacity_NoCapacityWarning(t *testing.T) {
	n := New(Config{})
	x := connect(t, n, "X", 2)
	defer x.Close()
	y := connect(t, n, "Y", 1)
	defer y.Close()

	chosen, err := n.IncreaseCapacity(context.Background(), "p", "doubler", 4)
	require.NoError(t, err)
	assert.Equal(t, "X", chosen)

	first := receiveNow(t, x)
	assert.Equal(t, CommandProvision, first.Kind)
	second := receiveNow(t, x)
	assert.Equal(t, CommandNoCapacityWarning, second.Kind)
	assert.Equal(t, first.CorrelationID, second.CorrelationID)

	warn := receiveNow(t, y)
	assert.Equal(t, CommandNoCapacityWarning, warn.Kind)
	assert.Equal(t, 4, warn.NumberOfWorkersNeeded)
}

func TestIncreaseCapacity_TieBreak(t *testing.T) {
	tests := []struct {
		name     string
		policy   TieBreak
		expected string
	}{
		{"first reported", TieBreakFirstReported, "B"},
		{"latest reported", TieBreakLatestReported, "A"},
		{"lexical", TieBreakLexical, "A"},
		{"unknown policy falls back", TieBreak("random"), "B"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := New(Config{TieBreak: tt.policy})
			b := connect(t, n, "B", 3)
			defer b.Close()
			a := connect(t, n, "A", 3)
			defer a.Close()

			chosen, err := n.IncreaseCapacity(context.Background(), "p", "doubler", 1)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, chosen)
		})
	}
}

func TestNegotiator_SessionRules(t *testing.T) {
	ctx := context.Background()
	n := New(Config{})

	s := connect(t, n, "X", 5)

	_, err := n.Connect("X")
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = n.Connect("")
	assert.ErrorIs(t, err, domain.ErrValidation)

	err = s.Report(ctx, Report{ProjectID: "p", SpecName: "doubler", MaxCapacity: -1})
	assert.ErrorIs(t, err, domain.ErrValidation)

	// Повторный отчёт заменяет ёмкость
	require.NoError(t, s.Report(ctx, Report{ProjectID: "p", SpecName: "doubler", MaxCapacity: 7}))
	require.NoError(t, s.Report(ctx, Report{ProjectID: "p", SpecName: "tripler", MaxCapacity: 1}))
	assert.Equal(t, []domain.CapacityRecord{
		{ProjectID: "p", SpecName: "doubler", InstanceID: "X", MaxCapacity: 7},
	}, n.Capacities("p", "doubler"))
	assert.Equal(t, []string{"X"}, n.Instances())

	// Закрытие удаляет все пары инстанса и будит Receive
	done := make(chan error, 1)
	go func() {
		_, err := s.Receive(ctx)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrSessionClosed)
	case <-time.After(time.Second):
		t.Fatal("receive not released by close")
	}

	assert.Empty(t, n.Capacities("p", "doubler"))
	assert.Empty(t, n.Capacities("p", "tripler"))
	assert.Empty(t, n.Instances())
	assert.ErrorIs(t, s.Report(ctx, Report{ProjectID: "p", SpecName: "doubler"}), ErrSessionClosed)

	// После закрытия id можно подключить снова
	again, err := n.Connect("X")
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestAgent_ReportsAndProvisions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	n := New(Config{})
	session, err := n.Connect("worker-1")
	require.NoError(t, err)

	var mu sync.Mutex
	var provisioned []Command
	agent := NewAgent(AgentConfig{
		InstanceID: "worker-1",
		Link:       session,
		Capacities: func() []Report {
			return []Report{{ProjectID: "p", SpecName: "doubler", MaxCapacity: 4}}
		},
		Provisioner: ProvisionFunc(func(_ context.Context, cmd Command) error {
			mu.Lock()
			defer mu.Unlock()
			provisioned = append(provisioned, cmd)
			return nil
		}),
		ReportInterval: 10 * time.Millisecond,
	})

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- agent.Run(runCtx) }()

	require.Eventually(t, func() bool {
		return len(n.Capacities("p", "doubler")) == 1
	}, time.Second, 5*time.Millisecond)

	_, err = n.IncreaseCapacity(ctx, "p", "doubler", 2)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(provisioned) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 2, provisioned[0].NumberOfWorkersNeeded)
	mu.Unlock()

	stop()
	require.NoError(t, <-done)

	// Run закрывает сессию при выходе
	assert.Empty(t, n.Instances())
}
