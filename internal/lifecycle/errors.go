package lifecycle

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"trade-lifecycle-engine/internal/database"
)

var (
	// ErrTradeNotFound is returned for an unknown trade id
	ErrTradeNotFound = errors.New("trade not found")

	// ErrInvalidTransition is returned when a command is not allowed in the trade's status
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrTradeBusy is returned when a trade's command queue is full
	ErrTradeBusy = errors.New("trade is busy, retry later")

	// ErrManagerStopped is returned for commands issued after shutdown
	ErrManagerStopped = errors.New("lifecycle manager stopped")
)

// InconsistentStateError reports a gateway position no valid fill sequence explains
type InconsistentStateError struct {
	Symbol   string
	Expected int
	Size     decimal.Decimal
}

func (e *InconsistentStateError) Error() string {
	side := "LONG"
	if e.Expected < 0 {
		side = "SHORT"
	}
	return fmt.Sprintf("inconsistent state on %s: trade is %s but exchange position size is %s", e.Symbol, side, e.Size)
}

func transitionError(cmd string, status database.TradeStatus) error {
	return fmt.Errorf("%w: cannot %s a %s trade", ErrInvalidTransition, cmd, status)
}
