package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade-lifecycle-engine/internal/database"
	"trade-lifecycle-engine/internal/events"
	"trade-lifecycle-engine/internal/gateway"
)

type recordingSink struct {
	mu   sync.Mutex
	puts map[string]database.TradeStatus
	err  error
}

func (s *recordingSink) PutTrade(_ context.Context, rec *database.TradeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.puts == nil {
		s.puts = make(map[string]database.TradeStatus)
	}
	s.puts[rec.ID] = rec.Status
	return s.err
}

func (s *recordingSink) status(id string) database.TradeStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts[id]
}

type countingObserver struct {
	mu      sync.Mutex
	ticks   int
	running int
}

func (o *countingObserver) ObserveTick(database.TradeStatus, time.Duration, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ticks++
}

func (o *countingObserver) ObserveGatewayError(string, gateway.ErrorKind) {}

func (o *countingObserver) ObserveRunningTasks(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.running = n
}

func (o *countingObserver) tickCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ticks
}

func newManager(t *testing.T, gw gateway.Gateway, store database.Store, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(testConfig(), gw, store, nil, zerolog.Nop(), opts...)
	t.Cleanup(m.Shutdown)
	return m
}

func TestManagerCreateRejectsInvalidPlan(t *testing.T) {
	m := newManager(t, newGateway(), database.NewMemoryStore())
	p := loadPlan(t)
	p.StopLoss = d("0.02")

	_, err := m.Create(context.Background(), p)
	require.Error(t, err)
	recs, err := m.List(context.Background(), database.TradeFilter{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestManagerCommandLifecycle(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	m := newManager(t, newGateway(), database.NewMemoryStore(), WithSnapshotSink(sink))

	rec, err := m.Create(ctx, loadPlan(t))
	require.NoError(t, err)
	assert.Equal(t, database.StatusPending, rec.Status)
	assert.Equal(t, database.StatusPending, sink.status(rec.ID))

	assert.ErrorIs(t, m.Close(ctx, rec.ID), ErrInvalidTransition)
	assert.ErrorIs(t, m.CancelAll(ctx, rec.ID), ErrInvalidTransition)
	assert.Zero(t, m.Running())

	require.NoError(t, m.Start(ctx, rec.ID))
	snap, err := m.Snapshot(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusActive, snap.Status)
	assert.Len(t, snap.Orders, 7)
	assert.Equal(t, 1, m.Running())
	assert.Equal(t, database.StatusActive, sink.status(rec.ID))

	assert.ErrorIs(t, m.Start(ctx, rec.ID), ErrInvalidTransition)
	assert.ErrorIs(t, m.Resume(ctx, rec.ID), ErrInvalidTransition)

	require.NoError(t, m.ForceClose(ctx, rec.ID))
	require.Eventually(t, func() bool { return m.Running() == 0 }, time.Second, 5*time.Millisecond)

	snap, err = m.Snapshot(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusClosed, snap.Status)
	assert.Equal(t, database.CloseReasonForceClose, snap.CloseReason)
	assert.ErrorIs(t, m.Close(ctx, rec.ID), ErrInvalidTransition)

	evs, err := m.Events(ctx, rec.ID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, events.Created, evs[0].Type)
	assert.Equal(t, events.TradeClosed, evs[len(evs)-1].Type)

	tail, err := m.Events(ctx, rec.ID, evs[len(evs)-2].Seq, 0)
	require.NoError(t, err)
	assert.Len(t, tail, 1)
}

func TestManagerUnknownTrade(t *testing.T) {
	ctx := context.Background()
	m := newManager(t, newGateway(), database.NewMemoryStore())

	assert.ErrorIs(t, m.Start(ctx, "missing"), ErrTradeNotFound)
	_, err := m.Snapshot(ctx, "missing")
	assert.ErrorIs(t, err, ErrTradeNotFound)
	_, err = m.Events(ctx, "missing", 0, 0)
	assert.ErrorIs(t, err, ErrTradeNotFound)
}

func TestManagerPublishesToBus(t *testing.T) {
	ctx := context.Background()
	bus := events.NewEventBus()
	var mu sync.Mutex
	var seen []events.Type
	bus.SubscribeAll(func(ev events.TradeEvent) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev.Type)
	})

	m := NewManager(testConfig(), newGateway(), database.NewMemoryStore(), bus, zerolog.Nop())
	t.Cleanup(m.Shutdown)

	rec, err := m.Create(ctx, loadPlan(t))
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx, rec.ID))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, seen)
	assert.Equal(t, events.Created, seen[0])
	assert.Contains(t, seen, events.Started)
}

func TestManagerSinkFailureDoesNotFailCommands(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{err: errors.New("redis down")}
	m := newManager(t, newGateway(), database.NewMemoryStore(), WithSnapshotSink(sink))

	rec, err := m.Create(ctx, loadPlan(t))
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx, rec.ID))
}

func TestManagerPollingDrivesFills(t *testing.T) {
	ctx := context.Background()
	gw := newGateway()
	obs := &countingObserver{}
	cfg := testConfig()
	cfg.PollInterval = 10 * time.Millisecond
	m := NewManager(cfg, gw, database.NewMemoryStore(), nil, zerolog.Nop(), WithObserver(obs))
	t.Cleanup(m.Shutdown)

	rec, err := m.Create(ctx, loadPlan(t))
	require.NoError(t, err)
	require.NoError(t, m.Start(ctx, rec.ID))

	gw.SetMarkPrice(symbol, d("0.0222"))
	require.Eventually(t, func() bool {
		snap, err := m.Snapshot(ctx, rec.ID)
		return err == nil && snap.Status == database.StatusOpen && snap.Position.CurrentStopLossOrderID != ""
	}, 2*time.Second, 10*time.Millisecond)
	assert.Positive(t, obs.tickCount())
}

func TestManagerRestoreResumesMonitoring(t *testing.T) {
	ctx := context.Background()
	gw := newGateway()
	store := database.NewMemoryStore()

	first := NewManager(testConfig(), gw, store, nil, zerolog.Nop())
	open, err := first.Create(ctx, loadPlan(t))
	require.NoError(t, err)
	require.NoError(t, first.Start(ctx, open.ID))
	pending, err := first.Create(ctx, loadPlan(t))
	require.NoError(t, err)
	first.Shutdown()

	assert.ErrorIs(t, first.Start(ctx, pending.ID), ErrManagerStopped)

	second := NewManager(testConfig(), gw, store, nil, zerolog.Nop())
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- second.Run(runCtx) }()

	require.Eventually(t, func() bool { return second.Running() == 1 }, time.Second, 5*time.Millisecond)

	evs, err := store.ListEvents(ctx, open.ID, 0, 0)
	require.NoError(t, err)
	resumed := last(evs, events.MonitoringResumed)
	assert.Equal(t, "restart", resumed.Payload["reason"])

	pendingEvs, err := store.ListEvents(ctx, pending.ID, 0, 0)
	require.NoError(t, err)
	assert.Zero(t, count(pendingEvs, events.MonitoringResumed, ""))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("manager did not stop")
	}
	assert.Zero(t, second.Running())
}
