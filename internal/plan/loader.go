package plan

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
)

// Document is the on-disk trade plan format produced by the planning tools
type Document struct {
	TradeSetup   SetupDocument   `json:"tradeSetup"`
	OrderEntries []EntryDocument `json:"orderEntries"`
	TakeProfits  []TPDocument    `json:"takeProfits"`
	Notes        string          `json:"notes,omitempty"`
}

// SetupDocument is the tradeSetup block of a plan file
type SetupDocument struct {
	Symbol         string          `json:"symbol"`
	Direction      string          `json:"direction"`
	DateTime       string          `json:"dateTime,omitempty"`
	MarginUSD      decimal.Decimal `json:"marginUSD"`
	EntryPrice     decimal.Decimal `json:"entryPrice"`
	AveragePrice   decimal.Decimal `json:"averagePrice"`
	StopLoss       decimal.Decimal `json:"stopLoss"`
	Leverage       Leverage        `json:"leverage"`
	MaxLossPercent decimal.Decimal `json:"maxLossPercent"`
}

// EntryDocument is one orderEntries element
type EntryDocument struct {
	Label   string          `json:"label"`
	SizeUSD decimal.Decimal `json:"sizeUSD"`
	Price   decimal.Decimal `json:"price"`
	Average decimal.Decimal `json:"average"`
}

// TPDocument is one takeProfits element
type TPDocument struct {
	Level       string          `json:"level"`
	Price       decimal.Decimal `json:"price"`
	SizePercent decimal.Decimal `json:"sizePercent"`
}

// Leverage accepts "20x", "20" or 20
type Leverage struct {
	decimal.Decimal
}

// UnmarshalJSON implements json.Unmarshaler
func (l *Leverage) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" || raw == "" {
		l.Decimal = decimal.Zero
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = strings.TrimSuffix(strings.TrimSuffix(strings.TrimSpace(s), "x"), "X")
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("invalid leverage %s: %w", string(data), err)
	}
	l.Decimal = d
	return nil
}

// MarshalJSON renders leverage in the "20x" form
func (l Leverage) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.Decimal.String() + "x")
}

// Parse decodes a plan document and validates it
func Parse(data []byte) (*TradePlan, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode trade plan: %w", err)
	}
	return doc.Plan()
}

// LoadFile reads a plan document from disk and validates it
func LoadFile(path string) (*TradePlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trade plan %s: %w", path, err)
	}
	return Parse(data)
}

// Plan converts the document into a validated TradePlan
func (d *Document) Plan() (*TradePlan, error) {
	dir, ok := ParseDirection(d.TradeSetup.Direction)
	if !ok {
		dir = Direction(strings.ToUpper(d.TradeSetup.Direction))
	}

	p := &TradePlan{
		Symbol:         strings.ToUpper(strings.TrimSpace(d.TradeSetup.Symbol)),
		Direction:      dir,
		MarginUSD:      d.TradeSetup.MarginUSD,
		Leverage:       d.TradeSetup.Leverage.Decimal,
		EntryPrice:     d.TradeSetup.EntryPrice,
		StopLoss:       d.TradeSetup.StopLoss,
		AveragePrice:   d.TradeSetup.AveragePrice,
		MaxLossPercent: d.TradeSetup.MaxLossPercent,
		Notes:          d.Notes,
		PlannedAt:      d.TradeSetup.DateTime,
	}
	for _, e := range d.OrderEntries {
		p.Entries = append(p.Entries, OrderLevel{
			Label:           strings.TrimSpace(e.Label),
			Price:           e.Price,
			SizeUSD:         e.SizeUSD,
			ExpectedAverage: e.Average,
		})
	}
	for _, tp := range d.TakeProfits {
		p.TakeProfits = append(p.TakeProfits, TPLevel{
			Level:       strings.TrimSpace(tp.Level),
			Price:       tp.Price,
			SizePercent: tp.SizePercent,
		})
	}

	if err := Validate(p); err != nil {
		return nil, err
	}
	return p, nil
}
