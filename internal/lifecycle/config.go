package lifecycle

import (
	"time"

	"github.com/shopspring/decimal"

	"trade-lifecycle-engine/internal/risk"
)

// Config holds the controller tunables
type Config struct {
	PollInterval time.Duration
	// SLOffsetPercent shifts cascaded stops past their anchor; zero or less means the default
	SLOffsetPercent decimal.Decimal
	// OutageThreshold is the number of consecutive failed ticks that emits one ERROR event
	OutageThreshold int
	GatewayTimeout  time.Duration
	Workers         int
	// MinTick is the price increment used when the exchange reports none
	MinTick       decimal.Decimal
	CommandBuffer int
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		PollInterval:    2 * time.Second,
		SLOffsetPercent: risk.DefaultOffsetPercent,
		OutageThreshold: 5,
		GatewayTimeout:  5 * time.Second,
		Workers:         16,
		CommandBuffer:   16,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if !c.SLOffsetPercent.IsPositive() {
		c.SLOffsetPercent = d.SLOffsetPercent
	}
	if c.OutageThreshold <= 0 {
		c.OutageThreshold = d.OutageThreshold
	}
	if c.GatewayTimeout <= 0 {
		c.GatewayTimeout = d.GatewayTimeout
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.CommandBuffer <= 0 {
		c.CommandBuffer = d.CommandBuffer
	}
	return c
}
