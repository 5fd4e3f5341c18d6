// Package lifecycle drives trade plans through PENDING, ACTIVE, OPEN and CLOSED.
// Every trade is owned by one task goroutine that polls the exchange gateway,
// reconciles fills into the order ledger and position, moves the stop-loss along
// the take-profit cascade, and executes operator commands. All state produced by a
// tick or command is committed to the store together with its events.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trade-lifecycle-engine/internal/database"
	"trade-lifecycle-engine/internal/events"
	"trade-lifecycle-engine/internal/gateway"
	"trade-lifecycle-engine/internal/ids"
	"trade-lifecycle-engine/internal/logging"
	"trade-lifecycle-engine/internal/plan"
)

// Observer receives tick and gateway outcomes, e.g. for metrics
type Observer interface {
	ObserveTick(status database.TradeStatus, elapsed time.Duration, err error)
	ObserveGatewayError(op string, kind gateway.ErrorKind)
	ObserveRunningTasks(n int)
}

// SnapshotSink mirrors every committed trade record to a read-side store
type SnapshotSink interface {
	PutTrade(ctx context.Context, rec *database.TradeRecord) error
}

// Option customizes a Manager
type Option func(*Manager)

// WithObserver reports tick and gateway outcomes to o
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithSnapshotSink mirrors committed records to s
func WithSnapshotSink(s SnapshotSink) Option {
	return func(m *Manager) { m.sink = s }
}

// WithClock replaces the wall clock
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDGenerator replaces the trade id generator
func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) { m.newID = fn }
}

// Manager is the command and query surface of the lifecycle engine
type Manager struct {
	cfg      Config
	gw       gateway.Gateway
	store    database.Store
	bus      *events.EventBus
	logger   zerolog.Logger
	observer Observer
	sink     SnapshotSink
	now      func() time.Time
	newID    func() string

	mu      sync.Mutex
	tasks   map[string]*tradeTask
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sem    chan struct{}
}

// NewManager creates a lifecycle manager. Call Run to restore monitoring of
// persisted trades.
func NewManager(cfg Config, gw gateway.Gateway, store database.Store, bus *events.EventBus, logger zerolog.Logger, opts ...Option) *Manager {
	cfg = cfg.withDefaults()
	if bus == nil {
		bus = events.NewEventBus()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:    cfg,
		gw:     gw,
		store:  store,
		bus:    bus,
		logger: logging.Component(logger, "Lifecycle"),
		now:    time.Now,
		newID:  ids.NewTradeID,
		tasks:  make(map[string]*tradeTask),
		ctx:    ctx,
		cancel: cancel,
		sem:    make(chan struct{}, cfg.Workers),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the effective configuration
func (m *Manager) Config() Config {
	return m.cfg
}

// Run restores monitoring for every ACTIVE, OPEN and ERROR trade, then blocks until
// ctx is done and shuts the tasks down. Resting exchange orders are left in place.
func (m *Manager) Run(ctx context.Context) error {
	n, err := m.restore(ctx)
	if err != nil {
		return err
	}
	m.logger.Info().
		Int("restored", n).
		Str("gateway", m.gw.Name()).
		Dur("poll_interval", m.cfg.PollInterval).
		Int("workers", m.cfg.Workers).
		Msg("Lifecycle manager running")

	<-ctx.Done()
	m.Shutdown()
	return nil
}

// Shutdown stops every task at its next checkpoint and waits for them
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.logger.Info().Msg("Lifecycle manager stopped")
}

func (m *Manager) restore(ctx context.Context) (int, error) {
	recs, err := m.store.ListTrades(ctx, database.TradeFilter{
		Statuses: []database.TradeStatus{database.StatusActive, database.StatusOpen, database.StatusError},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to load trades to resume: %w", err)
	}

	restored := 0
	for _, rec := range recs {
		if rec.Status.IsMonitored() {
			now := m.now().UTC()
			rec.UpdatedAt = now
			ev := events.New(rec.ID, events.MonitoringResumed, now, map[string]interface{}{
				"reason": "restart",
				"status": string(rec.Status),
			})
			stored, err := m.store.Commit(ctx, rec, []events.TradeEvent{ev})
			if err != nil {
				m.logger.Error().Err(err).Str("trade_id", rec.ID).Msg("Failed to record monitoring resume")
				continue
			}
			m.publish(ctx, rec, stored)
		}

		m.mu.Lock()
		if _, ok := m.tasks[rec.ID]; !ok && !m.stopped {
			m.spawnLocked(rec)
			restored++
		}
		m.mu.Unlock()
	}
	return restored, nil
}

// ==================== COMMANDS ====================

// Create validates and persists a plan as a PENDING trade
func (m *Manager) Create(ctx context.Context, p *plan.TradePlan) (*database.TradeRecord, error) {
	if err := plan.Validate(p); err != nil {
		return nil, err
	}

	now := m.now().UTC()
	rec := &database.TradeRecord{
		ID:        m.newID(),
		Plan:      p.Clone(),
		Status:    database.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	ev := events.New(rec.ID, events.Created, now, map[string]interface{}{
		"symbol":      p.Symbol,
		"direction":   string(p.Direction),
		"marginUSD":   p.MarginUSD.String(),
		"leverage":    p.Leverage.String(),
		"entries":     len(p.Entries),
		"takeProfits": len(p.TakeProfits),
	})

	stored, err := m.store.Commit(ctx, rec, []events.TradeEvent{ev})
	if err != nil {
		return nil, fmt.Errorf("failed to persist trade: %w", err)
	}
	m.publish(ctx, rec, stored)

	m.logger.Info().
		Str("trade_id", rec.ID).
		Str("symbol", p.Symbol).
		Str("direction", string(p.Direction)).
		Msg("Trade plan imported")
	return rec.Clone(), nil
}

// Start activates a PENDING trade: sets leverage and submits the entry orders
func (m *Manager) Start(ctx context.Context, id string) error {
	return m.dispatch(ctx, id, cmdStart)
}

// Close cancels every resting order and flattens the position
func (m *Manager) Close(ctx context.Context, id string) error {
	return m.dispatch(ctx, id, cmdClose)
}

// ForceClose flattens the position regardless of cascade progress or ERROR status
func (m *Manager) ForceClose(ctx context.Context, id string) error {
	return m.dispatch(ctx, id, cmdForceClose)
}

// CancelAll cancels every resting order without touching the open position
func (m *Manager) CancelAll(ctx context.Context, id string) error {
	return m.dispatch(ctx, id, cmdCancelAll)
}

// Resume takes a trade out of ERROR once the exchange position is consistent again
func (m *Manager) Resume(ctx context.Context, id string) error {
	return m.dispatch(ctx, id, cmdResume)
}

// dispatch enqueues a command on the trade's task and waits for its result
func (m *Manager) dispatch(ctx context.Context, id string, kind commandKind) error {
	cmd := command{kind: kind, reply: make(chan error, 1)}
	if err := m.enqueue(ctx, id, cmd); err != nil {
		return err
	}

	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// enqueue hands cmd to the trade's task, spawning one for trades that have none.
// Sends happen under m.mu so a task never retires with a command in flight.
func (m *Manager) enqueue(ctx context.Context, id string, cmd command) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return ErrManagerStopped
	}
	if t, ok := m.tasks[id]; ok {
		err := t.offer(cmd)
		m.mu.Unlock()
		return err
	}
	m.mu.Unlock()

	rec, err := m.store.GetTrade(ctx, id)
	if err != nil {
		if errors.Is(err, database.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrTradeNotFound, id)
		}
		return err
	}
	switch {
	case rec.Status == database.StatusClosed:
		return transitionError(cmd.kind.String(), rec.Status)
	case rec.Status == database.StatusPending && cmd.kind != cmdStart:
		return transitionError(cmd.kind.String(), rec.Status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrManagerStopped
	}
	if t, ok := m.tasks[id]; ok {
		return t.offer(cmd)
	}
	t := m.newTask(rec)
	t.cmds <- cmd
	m.startLocked(t)
	return nil
}

func (m *Manager) spawnLocked(rec *database.TradeRecord) *tradeTask {
	t := m.newTask(rec)
	m.startLocked(t)
	return t
}

func (m *Manager) startLocked(t *tradeTask) {
	m.tasks[t.id] = t
	m.wg.Add(1)
	go t.run()
	if m.observer != nil {
		m.observer.ObserveRunningTasks(len(m.tasks))
	}
}

// retire removes t from the task map unless commands are still queued for it
func (m *Manager) retire(t *tradeTask, force bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !force && len(t.cmds) > 0 {
		return false
	}
	if m.tasks[t.id] == t {
		delete(m.tasks, t.id)
	}
	if force {
		for {
			select {
			case cmd := <-t.cmds:
				cmd.reply <- ErrManagerStopped
			default:
				if m.observer != nil {
					m.observer.ObserveRunningTasks(len(m.tasks))
				}
				return true
			}
		}
	}
	if m.observer != nil {
		m.observer.ObserveRunningTasks(len(m.tasks))
	}
	return true
}

// ==================== QUERIES ====================

// Snapshot returns the current record of a trade: status, position and orders
func (m *Manager) Snapshot(ctx context.Context, id string) (*database.TradeRecord, error) {
	m.mu.Lock()
	t, ok := m.tasks[id]
	m.mu.Unlock()
	if ok {
		return t.snapshot(), nil
	}

	rec, err := m.store.GetTrade(ctx, id)
	if errors.Is(err, database.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrTradeNotFound, id)
	}
	return rec, err
}

// List returns persisted trades matching filter, newest first
func (m *Manager) List(ctx context.Context, filter database.TradeFilter) ([]*database.TradeRecord, error) {
	return m.store.ListTrades(ctx, filter)
}

// Events returns a trade's events with a sequence number above afterSeq
func (m *Manager) Events(ctx context.Context, id string, afterSeq int64, limit int) ([]events.TradeEvent, error) {
	if _, err := m.Snapshot(ctx, id); err != nil {
		return nil, err
	}
	return m.store.ListEvents(ctx, id, afterSeq, limit)
}

// Running returns the number of live trade tasks
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// ==================== SHARED ====================

func (m *Manager) publish(ctx context.Context, rec *database.TradeRecord, stored []events.TradeEvent) {
	m.bus.Publish(stored...)
	if m.sink == nil {
		return
	}
	if err := m.sink.PutTrade(ctx, rec); err != nil {
		m.logger.Warn().Err(err).Str("trade_id", rec.ID).Msg("Failed to mirror trade snapshot")
	}
}

func (m *Manager) acquire(ctx context.Context) error {
	select {
	case m.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) release() {
	<-m.sem
}
