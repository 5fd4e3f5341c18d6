// Package notification turns committed trade events into operator notifications
// and fans them out to the configured providers.
package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"trade-lifecycle-engine/internal/database"
	"trade-lifecycle-engine/internal/events"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifyTradeStarted NotificationType = "trade_started"
	NotifyTradeOpen    NotificationType = "trade_open"
	NotifyTakeProfit   NotificationType = "take_profit"
	NotifyStopMoved    NotificationType = "stop_moved"
	NotifyTradeClose   NotificationType = "trade_close"
	NotifyError        NotificationType = "error"
	NotifyWarning      NotificationType = "warning"
)

// Notification represents a notification message
type Notification struct {
	Type      NotificationType
	TradeID   string
	Symbol    string
	Title     string
	Message   string
	Timestamp time.Time
	Extra     map[string]string
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(ctx context.Context, n *Notification) error
	Name() string
	IsEnabled() bool
}

// TradeLookup resolves the symbol of a trade for notification titles
type TradeLookup interface {
	GetTrade(ctx context.Context, id string) (*database.TradeRecord, error)
}

// Manager queues notifications built from bus events and delivers them to every
// enabled provider on its own goroutine, so publishing never waits on a provider
type Manager struct {
	notifiers []Notifier
	lookup    TradeLookup
	logger    zerolog.Logger
	queue     chan *Notification
	timeout   time.Duration

	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

// NewManager creates a notification manager with a bounded queue
func NewManager(lookup TradeLookup, logger zerolog.Logger, queueSize int) *Manager {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Manager{
		lookup:  lookup,
		logger:  logger.With().Str("component", "Notifications").Logger(),
		queue:   make(chan *Notification, queueSize),
		timeout: 10 * time.Second,
		done:    make(chan struct{}),
	}
}

// AddNotifier adds a notification provider. Call before Start.
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Subscribe converts the notable events on bus into notifications
func (m *Manager) Subscribe(bus *events.EventBus) {
	bus.Subscribe(m.onEvent,
		events.Started, events.PositionOpened, events.TPHit, events.SLMoved,
		events.TradeClosed, events.Error, events.Warning)
}

// Start runs the delivery loop until Stop
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case n := <-m.queue:
				m.deliver(n)
			case <-m.done:
				// drain what was queued before shutdown
				for {
					select {
					case n := <-m.queue:
						m.deliver(n)
					default:
						return
					}
				}
			}
		}
	}()
}

// Stop delivers the queued notifications and stops the loop
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
	m.wg.Wait()
}

// Enqueue queues n for delivery, dropping it when the queue is full
func (m *Manager) Enqueue(n *Notification) bool {
	select {
	case m.queue <- n:
		return true
	default:
		m.logger.Warn().Str("trade_id", n.TradeID).Str("type", string(n.Type)).Msg("Notification queue full, dropping")
		return false
	}
}

func (m *Manager) onEvent(ev events.TradeEvent) {
	if n := FromEvent(ev); n != nil {
		m.Enqueue(n)
	}
}

func (m *Manager) deliver(n *Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	if n.Symbol == "" && m.lookup != nil {
		if rec, err := m.lookup.GetTrade(ctx, n.TradeID); err == nil {
			n.Symbol = rec.Plan.Symbol
			n.Title = fmt.Sprintf("%s: %s", n.Title, n.Symbol)
		}
	}

	for _, p := range m.notifiers {
		if !p.IsEnabled() {
			continue
		}
		if err := p.Send(ctx, n); err != nil {
			m.logger.Error().Err(err).Str("notifier", p.Name()).Str("trade_id", n.TradeID).Msg("Failed to send notification")
		}
	}
}

// FromEvent builds the notification of a trade event, nil for events that are
// not worth a notification
func FromEvent(ev events.TradeEvent) *Notification {
	n := &Notification{
		TradeID:   ev.TradeID,
		Timestamp: ev.Timestamp,
		Extra: map[string]string{
			"trade_id": ev.TradeID,
			"event":    string(ev.Type),
			"seq":      fmt.Sprintf("%d", ev.Seq),
		},
	}
	for k, v := range ev.Payload {
		n.Extra[k] = fmt.Sprint(v)
	}
	p := n.Extra

	switch ev.Type {
	case events.Started:
		n.Type = NotifyTradeStarted
		n.Title = "Trade Started"
		n.Message = fmt.Sprintf("Leverage %sx, stop loss %s", p["leverage"], p["stopLoss"])
	case events.PositionOpened:
		n.Type = NotifyTradeOpen
		n.Title = "Position Opened"
		n.Message = fmt.Sprintf("Size %s @ %s", p["size"], p["averageEntry"])
	case events.TPHit:
		n.Type = NotifyTakeProfit
		n.Title = fmt.Sprintf("%s Hit", p["level"])
		n.Message = fmt.Sprintf("Filled %s @ %s", p["quantity"], p["price"])
	case events.SLMoved:
		n.Type = NotifyStopMoved
		n.Title = "Stop Loss Moved"
		n.Message = fmt.Sprintf("Placed at %s for %s", p["to"], p["quantity"])
		if p["from"] != "" {
			n.Message = fmt.Sprintf("%s -> %s (%s)", p["from"], p["to"], p["reason"])
		}
	case events.TradeClosed:
		n.Type = NotifyTradeClose
		n.Title = "Trade Closed"
		n.Message = fmt.Sprintf("Reason: %s, realized P&L: %s", p["reason"], p["realizedPnL"])
	case events.Error:
		n.Type = NotifyError
		n.Title = "Trade Error"
		n.Message = fmt.Sprintf("%s: %s", p["kind"], p["error"])
	case events.Warning:
		n.Type = NotifyWarning
		n.Title = "Trade Warning"
		n.Message = p["reason"]
	default:
		return nil
	}
	return n
}
