package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPublishDeliversInOrder(t *testing.T) {
	bus := NewEventBus()

	var all []Type
	var closed []string
	bus.SubscribeAll(func(ev TradeEvent) { all = append(all, ev.Type) })
	bus.Subscribe(func(ev TradeEvent) { closed = append(closed, ev.TradeID) }, TradeClosed, PositionClosed)

	now := time.Now()
	bus.Publish(
		New("t1", OrderFilled, now, nil),
		New("t1", PositionClosed, now, nil),
		New("t1", TradeClosed, now, map[string]interface{}{"reason": "stop_loss"}),
	)

	assert.Equal(t, []Type{OrderFilled, PositionClosed, TradeClosed}, all)
	assert.Equal(t, []string{"t1", "t1"}, closed)
}

func TestNewNormalizesEvent(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.FixedZone("X", 3600))
	ev := New("t2", Warning, at, nil)

	assert.NotNil(t, ev.Payload)
	assert.Equal(t, time.UTC, ev.Timestamp.Location())
	assert.Zero(t, ev.Seq)
	assert.Len(t, AllTypes(), 13)
}
