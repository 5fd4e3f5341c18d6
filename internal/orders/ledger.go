package orders

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnknownLabel is returned when a label has no ledger record
	ErrUnknownLabel = errors.New("order label not in ledger")

	// ErrDuplicateLabel is returned when a label is recorded twice
	ErrDuplicateLabel = errors.New("order label already recorded")

	// ErrAlreadyTerminal is returned when a filled or cancelled record is moved again
	ErrAlreadyTerminal = errors.New("order record already terminal")
)

// Ledger tracks the submission state of a trade's orders in plan order.
// It is not safe for concurrent use; the owning trade task serializes access.
type Ledger struct {
	records []*OrderRecord
	index   map[string]int
	now     func() time.Time
}

// NewLedger creates an empty ledger
func NewLedger() *Ledger {
	return &Ledger{
		index: make(map[string]int),
		now:   time.Now,
	}
}

// FromRecords rebuilds a ledger from persisted records
func FromRecords(records []OrderRecord) *Ledger {
	l := NewLedger()
	for _, r := range records {
		rec := r
		l.index[rec.Label] = len(l.records)
		l.records = append(l.records, &rec)
	}
	return l
}

// Record appends a new order record
func (l *Ledger) Record(rec OrderRecord) error {
	if _, ok := l.index[rec.Label]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateLabel, rec.Label)
	}
	if rec.Status == "" {
		rec.Status = StatusUnsubmitted
	}
	rec.UpdatedAt = l.now()
	l.index[rec.Label] = len(l.records)
	l.records = append(l.records, &rec)
	return nil
}

func (l *Ledger) lookup(label string) (*OrderRecord, error) {
	i, ok := l.index[label]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLabel, label)
	}
	return l.records[i], nil
}

// Get returns a copy of the record for label
func (l *Ledger) Get(label string) (OrderRecord, bool) {
	rec, err := l.lookup(label)
	if err != nil {
		return OrderRecord{}, false
	}
	return *rec, true
}

// MarkSubmitted stores the exchange order id for a resting order
func (l *Ledger) MarkSubmitted(label, exchangeOrderID string) error {
	rec, err := l.lookup(label)
	if err != nil {
		return err
	}
	if rec.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, label, rec.Status)
	}
	rec.Status = StatusSubmitted
	rec.ExchangeOrderID = exchangeOrderID
	rec.Rejections = 0
	rec.LastError = ""
	rec.UpdatedAt = l.now()
	return nil
}

// MarkFilled records a complete fill. Marking an already filled record again is a no-op.
func (l *Ledger) MarkFilled(label string, filledAt time.Time, qty, price decimal.Decimal) error {
	rec, err := l.lookup(label)
	if err != nil {
		return err
	}
	if rec.Filled {
		return nil
	}
	if rec.Status == StatusCancelled {
		return fmt.Errorf("%w: %s is cancelled", ErrAlreadyTerminal, label)
	}
	at := filledAt
	rec.Status = StatusFilled
	rec.Filled = true
	rec.FilledAt = &at
	rec.FilledQty = qty
	rec.FillPrice = price
	rec.UpdatedAt = l.now()
	return nil
}

// MarkCancelled moves a record to cancelled. Cancelling a cancelled record is a no-op;
// filled records stay filled.
func (l *Ledger) MarkCancelled(label string) error {
	rec, err := l.lookup(label)
	if err != nil {
		return err
	}
	if rec.Status.IsTerminal() {
		return nil
	}
	rec.Status = StatusCancelled
	rec.UpdatedAt = l.now()
	return nil
}

// MarkCancelledAfterFill moves a record to cancelled and keeps the quantity that
// executed before the cancel. It counts toward FilledQuantity but not IsFullyFilled.
func (l *Ledger) MarkCancelledAfterFill(label string, filledAt time.Time, qty, price decimal.Decimal) error {
	rec, err := l.lookup(label)
	if err != nil {
		return err
	}
	if rec.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, label, rec.Status)
	}
	at := filledAt
	rec.Status = StatusCancelled
	rec.FilledAt = &at
	rec.FilledQty = qty
	rec.FillPrice = price
	rec.UpdatedAt = l.now()
	return nil
}

// MarkRejected keeps the record unsubmitted and counts the rejection so the intent
// is retried later with fresh parameters.
func (l *Ledger) MarkRejected(label, reason string) (int, error) {
	rec, err := l.lookup(label)
	if err != nil {
		return 0, err
	}
	rec.Status = StatusUnsubmitted
	rec.ExchangeOrderID = ""
	rec.Rejections++
	rec.LastError = reason
	rec.UpdatedAt = l.now()
	return rec.Rejections, nil
}

// Reopen returns a submitted record to unsubmitted without a version bump, so the
// next submission reuses its client order id
func (l *Ledger) Reopen(label string) error {
	rec, err := l.lookup(label)
	if err != nil {
		return err
	}
	if rec.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrAlreadyTerminal, label, rec.Status)
	}
	rec.Status = StatusUnsubmitted
	rec.ExchangeOrderID = ""
	rec.UpdatedAt = l.now()
	return nil
}

// Reprice prepares a record for a fresh submission with a new price and quantity.
// The version bump gives the replacement its own client order id.
func (l *Ledger) Reprice(label string, price, qty decimal.Decimal, clientOrderID func(version int) string) error {
	rec, err := l.lookup(label)
	if err != nil {
		return err
	}
	if rec.Filled {
		return fmt.Errorf("%w: %s is filled", ErrAlreadyTerminal, label)
	}
	rec.Version++
	rec.TargetPrice = price
	rec.Quantity = qty
	rec.Status = StatusUnsubmitted
	rec.ExchangeOrderID = ""
	if clientOrderID != nil {
		rec.ClientOrderID = clientOrderID(rec.Version)
	}
	rec.UpdatedAt = l.now()
	return nil
}

// SetQuantity fixes the quantity of an unsubmitted record
func (l *Ledger) SetQuantity(label string, qty decimal.Decimal) error {
	rec, err := l.lookup(label)
	if err != nil {
		return err
	}
	rec.Quantity = qty
	rec.UpdatedAt = l.now()
	return nil
}

// PendingLabels returns every label that is neither filled nor cancelled, in plan order
func (l *Ledger) PendingLabels() []string {
	var labels []string
	for _, r := range l.records {
		if !r.Status.IsTerminal() {
			labels = append(labels, r.Label)
		}
	}
	return labels
}

// IsFullyFilled reports whether every record of the category is filled
func (l *Ledger) IsFullyFilled(cat Category) bool {
	found := false
	for _, r := range l.records {
		if r.Category != cat {
			continue
		}
		found = true
		if !r.Filled {
			return false
		}
	}
	return found
}

// ByCategory returns copies of the records in a category, in plan order
func (l *Ledger) ByCategory(cat Category) []OrderRecord {
	var out []OrderRecord
	for _, r := range l.records {
		if r.Category == cat {
			out = append(out, *r)
		}
	}
	return out
}

// Records returns copies of all records in plan order
func (l *Ledger) Records() []OrderRecord {
	out := make([]OrderRecord, len(l.records))
	for i, r := range l.records {
		out[i] = *r
	}
	return out
}

// FilledQuantity sums the executed quantity of a category, including orders
// cancelled after a partial fill
func (l *Ledger) FilledQuantity(cat Category) decimal.Decimal {
	total := decimal.Zero
	for _, r := range l.records {
		if r.Category == cat && (r.Filled || r.Status == StatusCancelled) {
			total = total.Add(r.FilledQty)
		}
	}
	return total
}

// Clone returns a deep copy used as a tick's working set
func (l *Ledger) Clone() *Ledger {
	c := FromRecords(l.Records())
	c.now = l.now
	for _, r := range c.records {
		if r.FilledAt != nil {
			at := *r.FilledAt
			r.FilledAt = &at
		}
	}
	return c
}

// Len returns the number of records
func (l *Ledger) Len() int {
	return len(l.records)
}
